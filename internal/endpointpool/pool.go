// Package endpointpool manages a fixed ring of streaming RPC endpoints and
// exposes a single active client to the rest of the system. It rotates on
// failure with per-endpoint exponential cooldown, probes unhealthy
// endpoints in the background, and fires reconnect callbacks after every
// successful (re)connection. Transient failures never escape the pool.
package endpointpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/pkg/logger"
	"github.com/whalesignal/whalesignal/internal/pkg/transport/wsrpc"
	"github.com/whalesignal/whalesignal/internal/pkg/types"
)

var (
	// ErrPoolDestroyed is returned by Connect once Destroy has been called.
	ErrPoolDestroyed = errors.New("endpoint pool destroyed")

	// ErrNoEndpoints is returned by New when the endpoint list is empty.
	ErrNoEndpoints = errors.New("at least one endpoint is required")
)

// Client is the streaming node client the pool creates and hands out. One
// client maps to one persistent connection; its loss is reported through
// the OnClose/OnError callbacks the pool installs.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (chainstream.Block, error)
	TransactionByHash(ctx context.Context, hash string) (chainstream.Transaction, error)
	SubscribeNewHeads(ctx context.Context) (<-chan uint64, *wsrpc.Subscription, error)
	SubscribePendingTransactions(ctx context.Context) (<-chan string, *wsrpc.Subscription, error)
	OnClose(f func(code int, reason string))
	OnError(f func(err error))
	Close()
	Endpoint() string
}

// Dialer opens a new client connection to the given endpoint.
type Dialer func(ctx context.Context, endpoint string) (Client, error)

// ReconnectCallback is invoked after every successful (re)connection with
// the freshly connected client. Callbacks run in registration order;
// a panicking callback is logged and does not abort the connection.
type ReconnectCallback func(client Client)

// config holds optional pool settings.
type config struct {
	baseDelay           time.Duration
	maxCooldown         time.Duration
	healthCheckInterval time.Duration
	probeTimeout        time.Duration
	now                 func() time.Time
}

// Option configures the pool.
type Option func(*config)

// WithBaseDelay sets the base for the per-endpoint exponential cooldown.
func WithBaseDelay(d time.Duration) Option {
	return func(c *config) { c.baseDelay = d }
}

// WithMaxCooldown caps the per-endpoint cooldown.
func WithMaxCooldown(d time.Duration) Option {
	return func(c *config) { c.maxCooldown = d }
}

// WithHealthCheckInterval sets the period of the background health probes.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *config) { c.healthCheckInterval = d }
}

// WithProbeTimeout bounds each dial-and-probe attempt.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *config) { c.probeTimeout = d }
}

// WithClock overrides the wall clock; used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Pool owns the endpoint ring and at most one active client.
type Pool struct {
	dial Dialer

	baseDelay           time.Duration
	maxCooldown         time.Duration
	healthCheckInterval time.Duration
	probeTimeout        time.Duration
	now                 func() time.Time

	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc

	mu                 sync.Mutex
	endpoints          []string
	health             types.DefaultMap[string, *endpointHealth]
	currentIndex       int
	current            Client
	currentEndpoint    string
	reconnectCallbacks []ReconnectCallback
	connecting         bool
	connectDone        chan struct{}
	destroyed          bool
}

// New builds a pool over the given endpoints, deduplicated in order. The
// dialer is invoked for every connection and probe attempt.
func New(endpoints []string, dial Dialer, opts ...Option) (*Pool, error) {
	cfg := config{
		baseDelay:           5 * time.Second,
		maxCooldown:         5 * time.Minute,
		healthCheckInterval: 60 * time.Second,
		probeTimeout:        10 * time.Second,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	deduped := dedupeOrdered(endpoints)
	if len(deduped) == 0 {
		return nil, ErrNoEndpoints
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dial:                dial,
		baseDelay:           cfg.baseDelay,
		maxCooldown:         cfg.maxCooldown,
		healthCheckInterval: cfg.healthCheckInterval,
		probeTimeout:        cfg.probeTimeout,
		now:                 cfg.now,
		lifecycleCtx:        ctx,
		lifecycleCancel:     cancel,
		endpoints:           deduped,
		health:              types.NewDefaultMap[string](newEndpointHealth),
	}

	go p.probeLoop()
	return p, nil
}

// dedupeOrdered removes duplicate endpoints while preserving first-seen order.
func dedupeOrdered(endpoints []string) []string {
	seen := types.NewSet[string]()
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e == "" || seen.Contains(e) {
			continue
		}
		seen.Add(e)
		out = append(out, e)
	}
	return out
}

// OnReconnect registers a callback invoked after every successful
// (re)connection, including the first.
func (p *Pool) OnReconnect(cb ReconnectCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnectCallbacks = append(p.reconnectCallbacks, cb)
}

// CurrentEndpoint returns the endpoint of the active client, or "" while
// disconnected.
func (p *Pool) CurrentEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentEndpoint
}

// Status returns a health snapshot for every endpoint, in ring order.
func (p *Pool) Status() []EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		h := p.health.Get(endpoint)
		out = append(out, EndpointHealth{
			Endpoint:          endpoint,
			Status:            h.status,
			FailCount:         h.failCount,
			LastErrorTime:     h.lastErrorTime,
			LastSuccessTime:   h.lastSuccessTime,
			NextAvailableTime: h.nextAvailableTime,
		})
	}
	return out
}

// Connect returns the active client, establishing a connection first if
// necessary. It blocks through rotations and cooldown waits and only fails
// when ctx is canceled or the pool is destroyed.
func (p *Pool) Connect(ctx context.Context) (Client, error) {
	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return nil, ErrPoolDestroyed
		}
		if p.current != nil {
			client := p.current
			p.mu.Unlock()
			return client, nil
		}
		if p.connecting {
			done := p.connectDone
			p.mu.Unlock()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.lifecycleCtx.Done():
				return nil, ErrPoolDestroyed
			case <-done:
				continue
			}
		}
		p.connecting = true
		p.connectDone = make(chan struct{})
		p.mu.Unlock()

		client, err := p.establishConnection(ctx)

		p.mu.Lock()
		p.connecting = false
		close(p.connectDone)
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Destroy tears the pool down: probes stop, the active client is closed,
// and any in-flight Connect fails with ErrPoolDestroyed.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	client := p.current
	p.current = nil
	p.currentEndpoint = ""
	p.mu.Unlock()

	p.lifecycleCancel()
	if client != nil {
		client.Close()
	}
}

// establishConnection runs rotation rounds until a client comes up,
// sleeping out the shortest cooldown whenever a whole round fails.
func (p *Pool) establishConnection(ctx context.Context) (Client, error) {
	for {
		if client, ok := p.tryRound(ctx); ok {
			return client, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.lifecycleCtx.Err() != nil {
			return nil, ErrPoolDestroyed
		}

		wait := p.minCooldownWait()
		logger.Warn(ctx, fmt.Sprintf("ws_manager: all endpoints cooling down, retrying in %s", wait.Round(time.Second)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-p.lifecycleCtx.Done():
			timer.Stop()
			return nil, ErrPoolDestroyed
		case <-timer.C:
		}
	}
}

// tryRound attempts up to len(endpoints) connections, rotating on failure.
func (p *Pool) tryRound(ctx context.Context) (Client, bool) {
	attempts := len(p.endpoints)
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil || p.lifecycleCtx.Err() != nil {
			return nil, false
		}

		endpoint := p.selectEndpoint()
		client, err := p.dialAndProbe(ctx, endpoint)
		if err != nil {
			p.markEndpointFailure(ctx, endpoint, err)
			p.advanceIndex()
			continue
		}

		if !p.adoptClient(endpoint, client) {
			client.Close()
			return nil, false
		}

		logger.Info(ctx, "ws_manager: connected", "endpoint", endpoint)
		p.fireReconnectCallbacks(client)
		return client, true
	}

	return nil, false
}

// selectEndpoint walks the ring from currentIndex and picks the first
// endpoint that is not Down and whose cooldown has expired. If none
// qualifies it returns the endpoint with the earliest nextAvailableTime, so
// the caller's wait logic applies uniformly.
func (p *Pool) selectEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.endpoints)

	for step := 0; step < n; step++ {
		idx := (p.currentIndex + step) % n
		endpoint := p.endpoints[idx]
		h := p.health.Get(endpoint)
		if h.status != StatusDown && h.availableAt(now) {
			p.currentIndex = idx
			return endpoint
		}
	}

	bestIdx := p.currentIndex
	bestAt := time.Time{}
	for idx, endpoint := range p.endpoints {
		h := p.health.Get(endpoint)
		if bestAt.IsZero() || h.nextAvailableTime.Before(bestAt) {
			bestAt = h.nextAvailableTime
			bestIdx = idx
		}
	}
	p.currentIndex = bestIdx
	return p.endpoints[bestIdx]
}

// dialAndProbe opens a connection and verifies it answers eth_blockNumber.
func (p *Pool) dialAndProbe(ctx context.Context, endpoint string) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	client, err := p.dial(dialCtx, endpoint)
	if err != nil {
		return nil, err
	}

	if _, err := client.BlockNumber(dialCtx); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// adoptClient records the client as current, marks its endpoint healthy,
// and installs the disconnect handlers. It refuses when the pool was
// destroyed mid-connect.
func (p *Pool) adoptClient(endpoint string, client Client) bool {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return false
	}
	p.current = client
	p.currentEndpoint = endpoint
	p.health.Get(endpoint).recordSuccess(p.now())
	p.mu.Unlock()

	client.OnClose(func(code int, reason string) {
		p.handleDisconnect(client, fmt.Errorf("connection closed: [%d] %s", code, reason))
	})
	client.OnError(func(err error) {
		p.handleDisconnect(client, err)
	})
	return true
}

// fireReconnectCallbacks invokes the registered callbacks in registration
// order. A panicking callback is logged and skipped.
func (p *Pool) fireReconnectCallbacks(client Client) {
	p.mu.Lock()
	callbacks := make([]ReconnectCallback, len(p.reconnectCallbacks))
	copy(callbacks, p.reconnectCallbacks)
	p.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(context.Background(), "ws_manager: reconnect callback panicked", "panic", r)
				}
			}()
			cb(client)
		}()
	}
}

// handleDisconnect reacts to the active client's OnClose/OnError signal:
// bump health, drop the client, advance the ring, and reconnect in the
// background. Signals from superseded clients are ignored.
func (p *Pool) handleDisconnect(client Client, cause error) {
	p.mu.Lock()
	if p.destroyed || client != p.current {
		p.mu.Unlock()
		return
	}
	endpoint := p.currentEndpoint
	p.current = nil
	p.currentEndpoint = ""
	p.mu.Unlock()

	p.markEndpointFailure(p.lifecycleCtx, endpoint, cause)
	p.advanceIndex()

	go func() {
		if _, err := p.Connect(p.lifecycleCtx); err != nil && !errors.Is(err, ErrPoolDestroyed) {
			logger.Error(p.lifecycleCtx, "ws_manager: reconnection failed", "error", err)
		}
	}()
}

// markEndpointFailure updates the endpoint's health record and logs the
// rotation, flagging rate-limit responses distinctly.
func (p *Pool) markEndpointFailure(ctx context.Context, endpoint string, cause error) {
	p.mu.Lock()
	p.health.Get(endpoint).recordFailure(p.now(), p.baseDelay, p.maxCooldown)
	next := p.endpoints[(p.currentIndex+1)%len(p.endpoints)]
	p.mu.Unlock()

	reason := "network_error"
	if isRateLimited(cause) {
		reason = "rate_limited"
	}

	logger.Warn(ctx, fmt.Sprintf("ws_manager: endpoint failed, rotating to %s", next),
		"endpoint", endpoint,
		"reason", reason,
		"error", cause,
	)
}

// advanceIndex moves the ring pointer to the next endpoint.
func (p *Pool) advanceIndex() {
	p.mu.Lock()
	p.currentIndex = (p.currentIndex + 1) % len(p.endpoints)
	p.mu.Unlock()
}

// minCooldownWait returns the shortest time until any endpoint becomes
// available again. When that is not positive (some cooldown has already
// expired), it waits the base delay instead so failed rounds never spin
// hot; a positive remaining cooldown shorter than the base delay is
// returned as is.
func (p *Pool) minCooldownWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var shortest time.Duration = -1
	for _, endpoint := range p.endpoints {
		h := p.health.Get(endpoint)
		wait := h.nextAvailableTime.Sub(now)
		if shortest < 0 || wait < shortest {
			shortest = wait
		}
	}

	if shortest <= 0 {
		shortest = p.baseDelay
	}
	return shortest
}

// probeLoop periodically probes unhealthy endpoints so they can rejoin the
// rotation without waiting to be tried by a failing round.
func (p *Pool) probeLoop() {
	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.lifecycleCtx.Done():
			return
		case <-ticker.C:
			p.probeOnce(p.lifecycleCtx)
		}
	}
}

// probeOnce checks every non-Healthy endpoint whose cooldown has expired,
// except the active one, with a short-lived probe connection. It also
// clears the active endpoint's failure history once it has served a full
// probe interval without a new error, so a recovered endpoint does not
// stay Degraded forever.
func (p *Pool) probeOnce(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	active := p.currentEndpoint
	if active != "" {
		h := p.health.Get(active)
		if h.status != StatusHealthy && now.Sub(h.lastErrorTime) >= p.healthCheckInterval {
			h.recordSuccess(now)
		}
	}

	candidates := make([]string, 0, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		if endpoint == active {
			continue
		}
		h := p.health.Get(endpoint)
		if h.status != StatusHealthy && h.availableAt(now) {
			candidates = append(candidates, endpoint)
		}
	}
	p.mu.Unlock()

	for _, endpoint := range candidates {
		go p.probeEndpoint(ctx, endpoint)
	}
}

// probeEndpoint opens a short-lived connection and marks the endpoint
// Healthy if eth_blockNumber answers. Failures leave the health record
// untouched; the next probe interval tries again.
func (p *Pool) probeEndpoint(ctx context.Context, endpoint string) {
	client, err := p.dialAndProbe(ctx, endpoint)
	if err != nil {
		return
	}
	client.Close()

	p.mu.Lock()
	p.health.Get(endpoint).recordSuccess(p.now())
	p.mu.Unlock()

	logger.Info(ctx, "ws_manager: endpoint recovered", "endpoint", endpoint)
}
