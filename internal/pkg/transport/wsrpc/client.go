// Package wsrpc provides a JSON-RPC 2.0 client over a single persistent
// WebSocket connection. It supports request/response calls correlated by
// generated UUID ids, server-push subscriptions (eth_subscribe style), and
// asynchronous close/error signals, making it suitable for streaming
// blockchain providers.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrProviderReturnedError indicates that the remote JSON-RPC server returned an error response.
	ErrProviderReturnedError = errors.New("provider error")

	// ErrConnectionClosed is returned by calls issued on (or interrupted by) a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidScheme is returned by Dial when the endpoint is not a ws:// or wss:// URL.
	ErrInvalidScheme = errors.New("endpoint scheme must be ws or wss")
)

// RPCError is a JSON-RPC error object returned by the provider. It unwraps
// to ErrProviderReturnedError so callers can match the class with errors.Is
// while still inspecting the code with errors.As.
type RPCError struct {
	Code    int    `json:"code"`    // error code defined by the JSON-RPC spec or custom server logic
	Message string `json:"message"` // human-readable error message
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: [%d] - %s", ErrProviderReturnedError, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return ErrProviderReturnedError
}

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// subscriptionBufferSize bounds per-subscription delivery. A full
	// buffer drops the notification: dropped heads are recovered by the
	// continuity layer, and pending hashes are best-effort by nature.
	subscriptionBufferSize = 256
)

// request is a standard JSON-RPC 2.0 request.
type request struct {
	JsonRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// message is the envelope for everything the server may push on the socket:
// call responses (ID set) and subscription notifications (Method set).
type message struct {
	JsonRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// callResult carries the outcome of one in-flight call back to its waiter.
type callResult struct {
	result json.RawMessage
	err    error
}

// config holds dial-time settings for the client.
type config struct {
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
}

// Option configures the client before dialing.
type Option func(*config)

// WithRequestTimeout bounds every Call; the default is 10s. Subscriptions
// are not affected: a broken socket is their only failure signal.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

// WithHandshakeTimeout bounds the WebSocket opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.handshakeTimeout = d
	}
}

// Client is a JSON-RPC 2.0 client bound to one persistent WebSocket
// connection. All calls and subscriptions share the connection; when it
// breaks, every in-flight call fails with ErrConnectionClosed, every
// subscription channel is closed, and exactly one of the OnClose/OnError
// callbacks fires.
type Client struct {
	endpoint       string
	conn           *websocket.Conn
	requestTimeout time.Duration

	writeMu sync.Mutex // serializes frame writes

	mu       sync.Mutex // guards the fields below
	pending  map[string]chan callResult
	subs     map[string]*Subscription
	unrouted map[string][]json.RawMessage
	closed   bool
	onClose  func(code int, reason string)
	onError  func(err error)
}

// maxUnroutedSubscriptions bounds how many unknown subscription ids may
// buffer early notifications. The server can start pushing before the
// eth_subscribe response is processed; without this buffer those
// notifications would be lost.
const maxUnroutedSubscriptions = 8

// Dial opens a WebSocket connection to endpoint and starts the read loop.
// Only ws:// and wss:// schemes are accepted.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	cfg := config{
		requestTimeout:   defaultRequestTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint:       endpoint,
		conn:           conn,
		requestTimeout: cfg.requestTimeout,
		pending:        make(map[string]chan callResult),
		subs:           make(map[string]*Subscription),
		unrouted:       make(map[string][]json.RawMessage),
	}

	go c.readLoop()
	return c, nil
}

// Endpoint returns the URL this client is connected to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// OnClose registers a callback fired once when the peer closes the
// connection with a close frame. Not fired on a deliberate Close().
func (c *Client) OnClose(f func(code int, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// OnError registers a callback fired once when the connection breaks
// without a close frame. Not fired on a deliberate Close().
func (c *Client) OnError(f func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

// Call sends a JSON-RPC request and waits for the matching response, up to
// the configured request timeout. The result is the raw JSON payload;
// provider-side errors surface as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	id := uuid.NewString()
	resCh := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = resCh
	c.mu.Unlock()

	if err := c.write(request{JsonRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case res := <-resCh:
		return res.result, res.err
	}
}

// Subscribe issues an eth_subscribe call for the given channel and returns
// a Subscription delivering raw notification payloads. Additional params
// are appended after the channel name.
func (c *Client) Subscribe(ctx context.Context, channel string, params ...any) (*Subscription, error) {
	raw, err := c.Call(ctx, "eth_subscribe", append([]any{channel}, params...)...)
	if err != nil {
		return nil, err
	}

	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return nil, fmt.Errorf("malformed subscription id: %w", err)
	}

	sub := &Subscription{
		id:     subID,
		ch:     make(chan json.RawMessage, subscriptionBufferSize),
		client: c,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(sub.ch)
		return nil, ErrConnectionClosed
	}
	c.subs[subID] = sub

	// Replay notifications that arrived before this registration.
	for _, payload := range c.unrouted[subID] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	delete(c.unrouted, subID)
	c.mu.Unlock()

	return sub, nil
}

// Close tears the connection down deliberately. In-flight calls fail with
// ErrConnectionClosed and subscription channels close, but neither OnClose
// nor OnError fires. Close is idempotent.
func (c *Client) Close() {
	if already := c.teardown(); already {
		return
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// write serializes one frame write on the shared connection.
func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// dropPending forgets an in-flight call that will no longer be awaited.
func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// removeSubscription detaches a subscription and closes its channel. The
// close happens under the mutex so it cannot race a concurrent dispatch.
func (c *Client) removeSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(sub.ch)
	}
}

// teardown marks the client closed, fails every in-flight call with
// ErrConnectionClosed, and closes every subscription channel, all under the
// mutex so nothing can race a concurrent dispatch. It reports whether the
// client was already closed.
func (c *Client) teardown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	c.closed = true

	for _, ch := range c.pending {
		ch <- callResult{err: ErrConnectionClosed}
	}
	for _, sub := range c.subs {
		close(sub.ch)
	}
	c.pending = make(map[string]chan callResult)
	c.subs = make(map[string]*Subscription)
	c.unrouted = make(map[string][]json.RawMessage)
	return false
}

// readLoop pumps frames off the socket until it breaks, then signals the
// failure to the owner via OnClose (peer close frame) or OnError (anything
// else). A deliberate Close() suppresses both signals.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadFailure(err)
			return
		}

		c.dispatch(data)
	}
}

// dispatch routes one incoming frame to its call waiter or subscription.
// Unroutable frames are ignored.
func (c *Client) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.Method == "eth_subscription" && msg.Params != nil {
		subID := msg.Params.Subscription

		c.mu.Lock()
		defer c.mu.Unlock()

		sub, ok := c.subs[subID]
		if !ok {
			// The eth_subscribe response may still be in flight; buffer a
			// bounded amount so early notifications are not lost.
			if len(c.unrouted) < maxUnroutedSubscriptions && len(c.unrouted[subID]) < subscriptionBufferSize {
				c.unrouted[subID] = append(c.unrouted[subID], msg.Params.Result)
			}
			return
		}

		select {
		case sub.ch <- msg.Params.Result:
		default:
			// Slow consumer: drop rather than stall the read loop.
		}
		return
	}

	id := decodeID(msg.ID)
	if id == "" {
		return
	}

	c.mu.Lock()
	resCh, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	res := callResult{result: msg.Result}
	if msg.Error != nil {
		res.err = msg.Error
	}
	resCh <- res
}

// decodeID normalizes a response id to the string we generated. Requests
// always carry string UUIDs, so anything else is unroutable.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// handleReadFailure tears down after a broken read and fires the
// appropriate signal, unless the break was caused by a deliberate Close.
func (c *Client) handleReadFailure(err error) {
	c.mu.Lock()
	onClose, onError := c.onClose, c.onError
	c.mu.Unlock()

	if already := c.teardown(); already {
		return
	}

	_ = c.conn.Close()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if onClose != nil {
			onClose(closeErr.Code, closeErr.Text)
		}
		return
	}
	if onError != nil {
		onError(err)
	}
}

// NewDetachedSubscription returns a Subscription that is not bound to any
// client: Push feeds its notification channel and Unsubscribe simply
// closes it. It lets consumers fake subscription streams in tests.
func NewDetachedSubscription(buffer int) *Subscription {
	return &Subscription{ch: make(chan json.RawMessage, buffer)}
}

// Push delivers a payload to a detached subscription's channel without
// blocking. It reports whether the payload was accepted.
func (s *Subscription) Push(payload json.RawMessage) bool {
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// Subscription is one live eth_subscribe stream. Notifications arrive on
// the channel returned by Notifications, which closes when the subscription
// ends (unsubscribe or connection loss).
type Subscription struct {
	id     string
	client *Client
	ch     chan json.RawMessage
	once   sync.Once
}

// Notifications returns the stream of raw notification payloads.
func (s *Subscription) Notifications() <-chan json.RawMessage {
	return s.ch
}

// Unsubscribe ends the subscription: it closes the notification channel and
// sends a best-effort eth_unsubscribe. It is idempotent and safe on a
// zero-value Subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}

	s.once.Do(func() {
		if s.client == nil {
			if s.ch != nil {
				close(s.ch)
			}
			return
		}

		s.client.removeSubscription(s.id)

		ctx, cancel := context.WithTimeout(context.Background(), s.client.requestTimeout)
		defer cancel()
		_, _ = s.client.Call(ctx, "eth_unsubscribe", s.id)
	})
}
