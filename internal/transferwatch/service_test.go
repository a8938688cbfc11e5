package transferwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/whalesignal/whalesignal/internal/chainstream"
	"github.com/whalesignal/whalesignal/internal/endpointpool"
	"github.com/whalesignal/whalesignal/internal/pkg/transport/wsrpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNodeClient implements endpointpool.Client over in-memory fixtures.
type fakeNodeClient struct {
	mu            sync.Mutex
	endpoint      string
	latest        uint64
	blocks        map[uint64]chainstream.Block
	txs           map[string]chainstream.Transaction
	heads         chan uint64
	pendingHashes chan string
	pendingErr    error
	pendingSubs   int
	closed        bool
}

func newFakeNodeClient(endpoint string, latest uint64) *fakeNodeClient {
	return &fakeNodeClient{
		endpoint:      endpoint,
		latest:        latest,
		blocks:        make(map[uint64]chainstream.Block),
		txs:           make(map[string]chainstream.Transaction),
		heads:         make(chan uint64, 16),
		pendingHashes: make(chan string, 16),
	}
}

func (f *fakeNodeClient) addBlock(block chainstream.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[block.Number] = block
}

func (f *fakeNodeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeNodeClient) BlockByNumber(ctx context.Context, number uint64) (chainstream.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	block, ok := f.blocks[number]
	if !ok {
		return chainstream.Block{Number: number}, nil
	}
	return block, nil
}

func (f *fakeNodeClient) TransactionByHash(ctx context.Context, hash string) (chainstream.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, ok := f.txs[hash]
	if !ok {
		return chainstream.Transaction{}, context.Canceled
	}
	return tx, nil
}

func (f *fakeNodeClient) SubscribeNewHeads(ctx context.Context) (<-chan uint64, *wsrpc.Subscription, error) {
	return f.heads, wsrpc.NewDetachedSubscription(1), nil
}

func (f *fakeNodeClient) SubscribePendingTransactions(ctx context.Context) (<-chan string, *wsrpc.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pendingSubs++
	if f.pendingErr != nil {
		return nil, nil, f.pendingErr
	}
	return f.pendingHashes, wsrpc.NewDetachedSubscription(1), nil
}

func (f *fakeNodeClient) OnClose(func(code int, reason string)) {}
func (f *fakeNodeClient) OnError(func(err error))               {}

func (f *fakeNodeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNodeClient) Endpoint() string {
	return f.endpoint
}

func (f *fakeNodeClient) pendingSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingSubs
}

// fakePool hands out a fixed client and lets tests trigger reconnections.
type fakePool struct {
	mu        sync.Mutex
	client    endpointpool.Client
	callbacks []endpointpool.ReconnectCallback
	destroyed bool
}

func (p *fakePool) Connect(ctx context.Context) (endpointpool.Client, error) {
	p.mu.Lock()
	client := p.client
	callbacks := append([]endpointpool.ReconnectCallback(nil), p.callbacks...)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(client)
	}
	return client, nil
}

func (p *fakePool) OnReconnect(cb endpointpool.ReconnectCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

func (p *fakePool) CurrentEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Endpoint()
}

func (p *fakePool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
}

// reconnect simulates a pool failover onto newClient.
func (p *fakePool) reconnect(newClient endpointpool.Client) {
	p.mu.Lock()
	p.client = newClient
	callbacks := append([]endpointpool.ReconnectCallback(nil), p.callbacks...)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(newClient)
	}
}

func watchedBlock(number uint64, hash string) chainstream.Block {
	return chainstream.Block{
		Number: number,
		Transactions: []chainstream.Transaction{
			{Hash: hash, From: watchedFrom, To: unwatched, Value: eth(150)},
		},
	}
}

func TestService_Start(t *testing.T) {
	t.Run("emits confirmed events for streamed heads", func(t *testing.T) {
		client := newFakeNodeClient("ws://node-a", 100)
		client.addBlock(watchedBlock(101, "0xaaa1"))

		pool := &fakePool{client: client}
		collector := new(eventCollector)

		svc := New(pool, testRegistry(t), eth(100), collector.sink)
		require.NoError(t, svc.Start(t.Context()))
		defer svc.Close()

		client.heads <- 101

		assert.Eventually(t, func() bool {
			events := collector.all()
			return len(events) == 1 &&
				events[0].Type == EventTypeConfirmed &&
				events[0].TxHash == "0xaaa1"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("emits pending events from the mempool stream", func(t *testing.T) {
		client := newFakeNodeClient("ws://node-a", 100)
		client.txs["0xmem1"] = chainstream.Transaction{
			Hash: "0xmem1", From: watchedFrom, To: unwatched, Value: eth(300),
		}

		pool := &fakePool{client: client}
		collector := new(eventCollector)

		svc := New(pool, testRegistry(t), eth(100), collector.sink)
		require.NoError(t, svc.Start(t.Context()))
		defer svc.Close()

		client.pendingHashes <- "0xmem1"

		assert.Eventually(t, func() bool {
			events := collector.all()
			return len(events) == 1 && events[0].Type == EventTypePending && events[0].SeenInMempool
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("rejects a second start", func(t *testing.T) {
		pool := &fakePool{client: newFakeNodeClient("ws://node-a", 100)}
		svc := New(pool, testRegistry(t), eth(100), new(eventCollector).sink)

		require.NoError(t, svc.Start(t.Context()))
		defer svc.Close()

		assert.ErrorIs(t, svc.Start(t.Context()), ErrServiceAlreadyStarted)
	})

	t.Run("disables pending monitoring when the provider rejects it", func(t *testing.T) {
		client := newFakeNodeClient("ws://node-a", 100)
		client.pendingErr = &wsrpc.RPCError{Code: -32601, Message: "method not found"}

		pool := &fakePool{client: client}
		svc := New(pool, testRegistry(t), eth(100), new(eventCollector).sink)

		require.NoError(t, svc.Start(t.Context()))
		defer svc.Close()

		assert.Equal(t, 1, client.pendingSubscriptions())

		// On reconnection the disabled flag keeps the session from retrying.
		next := newFakeNodeClient("ws://node-b", 100)
		next.pendingErr = client.pendingErr
		pool.reconnect(next)

		assert.Equal(t, 0, next.pendingSubscriptions())
	})
}

func TestService_Reconnection(t *testing.T) {
	t.Run("backfills missed blocks through the new client", func(t *testing.T) {
		first := newFakeNodeClient("ws://node-a", 100)
		first.addBlock(watchedBlock(101, "0xaaa1"))

		pool := &fakePool{client: first}
		collector := new(eventCollector)

		svc := New(pool, testRegistry(t), eth(100), collector.sink)
		require.NoError(t, svc.Start(t.Context()))
		defer svc.Close()

		first.heads <- 101
		assert.Eventually(t, func() bool {
			return len(collector.all()) == 1
		}, time.Second, 10*time.Millisecond)

		// Failover to a node three blocks ahead.
		next := newFakeNodeClient("ws://node-b", 104)
		next.addBlock(watchedBlock(102, "0xbbb2"))
		next.addBlock(watchedBlock(103, "0xbbb3"))
		next.addBlock(watchedBlock(104, "0xbbb4"))
		pool.reconnect(next)

		assert.Eventually(t, func() bool {
			return len(collector.all()) == 4
		}, time.Second, 10*time.Millisecond)

		hashes := make([]string, 0, 4)
		for _, e := range collector.all() {
			hashes = append(hashes, e.TxHash)
		}
		assert.Equal(t, []string{"0xaaa1", "0xbbb2", "0xbbb3", "0xbbb4"}, hashes)
	})
}

func TestService_Close(t *testing.T) {
	t.Run("destroys the pool and is safe to call twice", func(t *testing.T) {
		pool := &fakePool{client: newFakeNodeClient("ws://node-a", 100)}
		svc := New(pool, testRegistry(t), eth(100), new(eventCollector).sink)

		require.NoError(t, svc.Start(t.Context()))
		svc.Close()
		svc.Close()

		pool.mu.Lock()
		defer pool.mu.Unlock()
		assert.True(t, pool.destroyed)
	})

	t.Run("is safe before start", func(t *testing.T) {
		pool := &fakePool{client: newFakeNodeClient("ws://node-a", 100)}
		svc := New(pool, testRegistry(t), eth(100), new(eventCollector).sink)
		svc.Close()
	})
}
