// Package ethereum implements a streaming client for EVM-compatible nodes
// over a single persistent WebSocket JSON-RPC connection. It exposes the
// request/response calls and the newHeads / newPendingTransactions
// subscriptions the watcher pipeline consumes.
package ethereum

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/pkg/transport/wsrpc"
	"github.com/whalesignal/whalesignal/internal/pkg/types"
)

// ErrTransactionNotFound is returned by TransactionByHash when the node has
// no transaction for the given hash (common for evicted pending txs).
var ErrTransactionNotFound = errors.New("transaction not found")

const (
	// headChannelBufferSize bounds decoded head-number delivery.
	headChannelBufferSize = 16

	// pendingHashChannelBufferSize bounds the decoded mempool firehose.
	pendingHashChannelBufferSize = 512
)

// rpcConn is the slice of the wsrpc client the ethereum adapter uses.
// Declared as an interface so decoding logic is testable without a socket.
type rpcConn interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Subscribe(ctx context.Context, channel string, params ...any) (*wsrpc.Subscription, error)
	OnClose(f func(code int, reason string))
	OnError(f func(err error))
	Close()
	Endpoint() string
}

// Client talks to one EVM node over one persistent streaming connection.
// All calls and subscriptions share that connection; its loss is surfaced
// through the OnClose/OnError callbacks.
type Client struct {
	conn rpcConn
}

// Dial connects to an EVM node at the given ws:// or wss:// endpoint.
func Dial(ctx context.Context, endpoint string, opts ...wsrpc.Option) (*Client, error) {
	conn, err := wsrpc.Dial(ctx, endpoint, opts...)
	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn rpcConn) *Client {
	return &Client{conn: conn}
}

// Endpoint returns the URL this client is connected to.
func (c *Client) Endpoint() string {
	return c.conn.Endpoint()
}

// OnClose registers a callback fired when the peer closes the connection.
func (c *Client) OnClose(f func(code int, reason string)) {
	c.conn.OnClose(f)
}

// OnError registers a callback fired when the connection breaks abnormally.
func (c *Client) OnError(f func(err error)) {
	c.conn.OnError(f)
}

// Close tears down the underlying connection and all subscriptions.
func (c *Client) Close() {
	c.conn.Close()
}

// BlockNumber fetches the number of the latest block known to the node.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	data, err := c.conn.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}

	var number types.Hex
	if err := json.Unmarshal(data, &number); err != nil {
		return 0, err
	}
	return number.Uint64(), nil
}

// BlockByNumber retrieves the block at the given number with full
// transaction bodies.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (chainstream.Block, error) {
	data, err := c.conn.Call(ctx, "eth_getBlockByNumber", types.HexFromUint64(number), true)
	if err != nil {
		return chainstream.Block{}, err
	}
	if isNullResult(data) {
		return chainstream.Block{}, errors.New("block not found")
	}

	var blockResponse blockResponse
	if err := json.Unmarshal(data, &blockResponse); err != nil {
		return chainstream.Block{}, err
	}
	return blockResponse.toBlock(), nil
}

// TransactionByHash retrieves a single transaction by hash. It returns
// ErrTransactionNotFound when the node answers with a null result.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (chainstream.Transaction, error) {
	data, err := c.conn.Call(ctx, "eth_getTransactionByHash", hash)
	if err != nil {
		return chainstream.Transaction{}, err
	}
	if isNullResult(data) {
		return chainstream.Transaction{}, ErrTransactionNotFound
	}

	var txResponse transactionResponse
	if err := json.Unmarshal(data, &txResponse); err != nil {
		return chainstream.Transaction{}, err
	}
	return txResponse.toTransaction(), nil
}

// SubscribeNewHeads subscribes to newly produced heads and delivers their
// block numbers. The channel closes when the subscription ends.
func (c *Client) SubscribeNewHeads(ctx context.Context) (<-chan uint64, *wsrpc.Subscription, error) {
	sub, err := c.conn.Subscribe(ctx, "newHeads")
	if err != nil {
		return nil, nil, err
	}

	out := make(chan uint64, headChannelBufferSize)
	go func() {
		defer close(out)

		for raw := range sub.Notifications() {
			var head headResponse
			if err := json.Unmarshal(raw, &head); err != nil {
				continue
			}

			select {
			case out <- head.Number.Uint64():
			default:
				// Slow consumer: drop; the continuity engine recovers gaps.
			}
		}
	}()

	return out, sub, nil
}

// SubscribePendingTransactions subscribes to the mempool firehose and
// delivers pending transaction hashes. Many providers reject this channel;
// the error is returned as-is for the caller to classify.
func (c *Client) SubscribePendingTransactions(ctx context.Context) (<-chan string, *wsrpc.Subscription, error) {
	sub, err := c.conn.Subscribe(ctx, "newPendingTransactions")
	if err != nil {
		return nil, nil, err
	}

	out := make(chan string, pendingHashChannelBufferSize)
	go func() {
		defer close(out)

		for raw := range sub.Notifications() {
			var hash string
			if err := json.Unmarshal(raw, &hash); err != nil {
				continue
			}

			select {
			case out <- hash:
			default:
				// Pending hashes are best-effort; drop under pressure.
			}
		}
	}()

	return out, sub, nil
}

// isNullResult reports whether the node answered with a JSON null payload.
func isNullResult(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}
