// Package transferwatch is the transfer detection pipeline: it turns raw
// block and mempool events from a pooled streaming connection into filtered
// transfer events with mempool/confirmed deduplication, and orchestrates
// the endpoint pool, the continuity engine, and both processors.
package transferwatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/endpointpool"
	"github.com/whalesignal/whalesignal/internal/pkg/logger"
	"github.com/whalesignal/whalesignal/internal/pkg/transport/wsrpc"
	"github.com/whalesignal/whalesignal/internal/pkg/x/chflow"
	"github.com/whalesignal/whalesignal/internal/walletregistry"
)

// ErrServiceAlreadyStarted is returned if Start is called more than once.
var ErrServiceAlreadyStarted = errors.New("service already started")

// headFunnelBufferSize bounds the single serialization point all head
// notifications pass through before reaching the continuity engine.
const headFunnelBufferSize = 16

// ConnectionPool is the slice of the endpoint pool the service consumes.
type ConnectionPool interface {
	Connect(ctx context.Context) (endpointpool.Client, error)
	OnReconnect(cb endpointpool.ReconnectCallback)
	CurrentEndpoint() string
	Destroy()
}

// ContinuityEngine sequences head notifications into gap-free blocks.
type ContinuityEngine interface {
	ProcessNewBlock(ctx context.Context, number uint64) error
	HandleReconnection(ctx context.Context, client chainstream.Blockchain) error
}

// Service defines the transferwatch lifecycle entrypoint.
type Service interface {
	// Start connects through the pool, wires the continuity engine, and
	// arms both watchers. Pending monitoring may be unavailable on the
	// provider; that is non-fatal. Call Close to shut everything down.
	Start(ctx context.Context) error

	// Close stops subscriptions and destroys the pool. It is safe to call
	// even if the service was never started.
	Close()
}

// closeFunc defines a cleanup routine to stop background goroutines and dependencies.
type closeFunc func()

// config holds optional service settings.
type config struct {
	dedupRetention     time.Duration
	pendingConcurrency int
	engine             ContinuityEngine
}

// Option configures the service.
type Option func(*config)

// WithDedupRetention sets the retention window of the emitted-hash dedup
// set. The floor is two minutes.
func WithDedupRetention(d time.Duration) Option {
	return func(c *config) { c.dedupRetention = d }
}

// WithPendingConcurrency bounds the parallel pending-hash fetches.
func WithPendingConcurrency(n int) Option {
	return func(c *config) { c.pendingConcurrency = n }
}

// WithContinuityEngine overrides the internally constructed engine.
func WithContinuityEngine(e ContinuityEngine) Option {
	return func(c *config) { c.engine = e }
}

// service is the internal implementation of the Service interface.
type service struct {
	mu        sync.Mutex
	isStarted bool
	closeFunc closeFunc

	pool    ConnectionPool
	engine  ContinuityEngine
	blocks  *blockProcessor
	pending *pendingProcessor

	pendingDisabled atomic.Bool

	subMu      sync.Mutex
	headSub    *wsrpc.Subscription
	pendingSub *wsrpc.Subscription
}

var _ Service = (*service)(nil)

// New wires the detection pipeline: a filter over the registry and
// threshold, a shared dedup set, both processors, and a continuity engine
// feeding the block processor.
func New(pool ConnectionPool, registry *walletregistry.Registry, thresholdWei *big.Int, sink Sink, opts ...Option) *service {
	cfg := config{
		dedupRetention:     10 * time.Minute,
		pendingConcurrency: 8,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		filter = newTransferFilter(thresholdWei, registry)
		dedup  = newDedupSet(cfg.dedupRetention)
		blocks = newBlockProcessor(filter, dedup, sink)
	)

	engine := cfg.engine
	if engine == nil {
		engine = chainstream.New(func(ctx context.Context, block chainstream.Block) {
			blocks.Process(ctx, block)
		})
	}

	return &service{
		pool:    pool,
		engine:  engine,
		blocks:  blocks,
		pending: newPendingProcessor(filter, dedup, sink, cfg.pendingConcurrency),
	}
}

// Start connects and arms the pipeline. The reconnect handler is
// registered before the first connection, so initial wiring and every
// later failover go through the same path: tear down old subscriptions,
// repoint the continuity engine, re-arm both watchers.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return ErrServiceAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	headCh := make(chan uint64, headFunnelBufferSize)
	s.startHeadDispatcher(ctx, headCh)

	s.pool.OnReconnect(func(client endpointpool.Client) {
		s.handleReconnect(ctx, client, headCh)
	})

	if _, err := s.pool.Connect(ctx); err != nil {
		cancel()
		return err
	}

	s.closeFunc = func() {
		cancel()
		s.teardownSubscriptions()
		s.pool.Destroy()
	}
	s.isStarted = true
	return nil
}

// Close shuts down subscriptions and the pool.
func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeFunc != nil {
		s.closeFunc()
	}
	s.closeFunc = nil
	s.isStarted = false
}

// startHeadDispatcher launches the single consumer of the head funnel. All
// ProcessNewBlock calls happen on this goroutine, which gives the engine
// its serialized, single-writer execution.
func (s *service) startHeadDispatcher(ctx context.Context, headCh <-chan uint64) {
	go func() {
		for {
			number, ok := chflow.Receive(ctx, headCh)
			if !ok {
				return
			}

			if err := s.engine.ProcessNewBlock(ctx, number); err != nil {
				// An in-order fetch failure almost always means the
				// connection died; the client's own close/error signal
				// drives the pool rotation, and the reconnect backfill
				// recovers this block.
				logger.Error(ctx, "transferwatch: head processing failed",
					"block.number", number,
					"error", err,
				)
			}
		}
	}()
}

// handleReconnect runs after every successful (re)connection.
func (s *service) handleReconnect(ctx context.Context, client endpointpool.Client, headCh chan<- uint64) {
	s.teardownSubscriptions()

	if err := s.engine.HandleReconnection(ctx, client); err != nil {
		logger.Error(ctx, "transferwatch: continuity reconciliation failed",
			"endpoint", client.Endpoint(),
			"error", err,
		)
	}

	s.armSubscriptions(ctx, client, headCh)
}

// armSubscriptions opens the head subscription (required) and the pending
// subscription (best effort) on the given client.
func (s *service) armSubscriptions(ctx context.Context, client endpointpool.Client, headCh chan<- uint64) {
	heads, headSub, err := client.SubscribeNewHeads(ctx)
	if err != nil {
		// Confirmed monitoring cannot run without heads; the broken
		// socket behind this error rotates the pool and retries here.
		logger.Error(ctx, "transferwatch: new heads subscription failed",
			"endpoint", client.Endpoint(),
			"error", err,
		)
		return
	}

	s.subMu.Lock()
	s.headSub = headSub
	s.subMu.Unlock()

	go chflow.Pump(ctx, heads, headCh)

	if s.pendingDisabled.Load() {
		return
	}

	hashes, pendingSub, err := client.SubscribePendingTransactions(ctx)
	if err != nil {
		if isPendingUnsupported(err) {
			s.pendingDisabled.Store(true)
			logger.Warn(ctx, "transferwatch: pending monitoring not supported by provider, disabled for this session",
				"endpoint", client.Endpoint(),
				"error", err,
			)
		} else {
			logger.Warn(ctx, "transferwatch: pending subscription failed",
				"endpoint", client.Endpoint(),
				"error", err,
			)
		}
		return
	}

	s.subMu.Lock()
	s.pendingSub = pendingSub
	s.subMu.Unlock()

	go s.pending.Run(ctx, client, hashes)
}

// teardownSubscriptions unsubscribes whatever is currently armed.
func (s *service) teardownSubscriptions() {
	s.subMu.Lock()
	headSub, pendingSub := s.headSub, s.pendingSub
	s.headSub, s.pendingSub = nil, nil
	s.subMu.Unlock()

	headSub.Unsubscribe()
	pendingSub.Unsubscribe()
}
