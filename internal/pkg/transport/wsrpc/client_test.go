package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// methodHandler produces the response frame for one request. A nil return
// means "do not answer" (used to exercise timeouts).
type methodHandler func(id json.RawMessage, params []json.RawMessage) map[string]any

// testServer is a minimal JSON-RPC-over-websocket peer.
type testServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conn          *websocket.Conn
	handlers      map[string]methodHandler
	notifications []json.RawMessage // pushed right after an eth_subscribe answer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		t:        t,
		handlers: make(map[string]methodHandler),
	}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		ts.serve(conn)
	}))
	t.Cleanup(ts.server.Close)

	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *testServer) handle(method string, h methodHandler) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlers[method] = h
}

// closeActiveConn sends a close frame and drops the connection, as a failing
// provider would.
func (ts *testServer) closeActiveConn(code int, reason string) {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	require.NotNil(ts.t, conn)

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (ts *testServer) serve(conn *websocket.Conn) {
	for {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		ts.mu.Lock()
		handler := ts.handlers[req.Method]
		notifications := ts.notifications
		ts.mu.Unlock()

		if handler == nil {
			continue
		}

		frame := handler(req.ID, req.Params)
		if frame == nil {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}

		if req.Method == "eth_subscribe" {
			subID := frame["result"]
			for _, payload := range notifications {
				notification := map[string]any{
					"jsonrpc": "2.0",
					"method":  "eth_subscription",
					"params": map[string]any{
						"subscription": subID,
						"result":       payload,
					},
				}
				if err := conn.WriteJSON(notification); err != nil {
					return
				}
			}
		}
	}
}

func resultFrame(id json.RawMessage, result any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
}

func errorFrame(id json.RawMessage, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	}
}

func TestDial(t *testing.T) {
	t.Run("rejects non-websocket schemes", func(t *testing.T) {
		_, err := Dial(t.Context(), "https://example.org")
		assert.ErrorIs(t, err, ErrInvalidScheme)
	})

	t.Run("connects to a websocket endpoint", func(t *testing.T) {
		ts := newTestServer(t)

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, ts.url(), client.Endpoint())
	})
}

func TestClient_Call(t *testing.T) {
	t.Run("returns the raw result of a successful call", func(t *testing.T) {
		ts := newTestServer(t)
		ts.handle("eth_blockNumber", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return resultFrame(id, "0x64")
		})

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		defer client.Close()

		raw, err := client.Call(t.Context(), "eth_blockNumber")
		require.NoError(t, err)
		assert.JSONEq(t, `"0x64"`, string(raw))
	})

	t.Run("surfaces provider errors as RPCError", func(t *testing.T) {
		ts := newTestServer(t)
		ts.handle("eth_getBalance", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return errorFrame(id, -32601, "method not found")
		})

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Call(t.Context(), "eth_getBalance")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProviderReturnedError)

		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32601, rpcErr.Code)
		assert.Equal(t, "method not found", rpcErr.Message)
	})

	t.Run("times out when the provider never answers", func(t *testing.T) {
		ts := newTestServer(t)
		ts.handle("eth_blockNumber", func(json.RawMessage, []json.RawMessage) map[string]any {
			return nil // swallow the request
		})

		client, err := Dial(t.Context(), ts.url(), WithRequestTimeout(50*time.Millisecond))
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Call(t.Context(), "eth_blockNumber")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fails immediately on a closed client", func(t *testing.T) {
		ts := newTestServer(t)

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		client.Close()

		_, err = client.Call(t.Context(), "eth_blockNumber")
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestClient_Subscribe(t *testing.T) {
	t.Run("routes notifications to the subscription channel", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mu.Lock()
		ts.notifications = []json.RawMessage{
			json.RawMessage(`{"number":"0x65"}`),
			json.RawMessage(`{"number":"0x66"}`),
		}
		ts.mu.Unlock()
		ts.handle("eth_subscribe", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return resultFrame(id, "0xsub1")
		})

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		defer client.Close()

		sub, err := client.Subscribe(t.Context(), "newHeads")
		require.NoError(t, err)

		first := receivePayload(t, sub)
		assert.JSONEq(t, `{"number":"0x65"}`, string(first))

		second := receivePayload(t, sub)
		assert.JSONEq(t, `{"number":"0x66"}`, string(second))
	})

	t.Run("propagates a subscribe rejection", func(t *testing.T) {
		ts := newTestServer(t)
		ts.handle("eth_subscribe", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return errorFrame(id, -32601, "newPendingTransactions not supported")
		})

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Subscribe(t.Context(), "newPendingTransactions")
		assert.ErrorIs(t, err, ErrProviderReturnedError)
	})

	t.Run("unsubscribe closes the notification channel", func(t *testing.T) {
		ts := newTestServer(t)
		ts.handle("eth_subscribe", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return resultFrame(id, "0xsub1")
		})
		ts.handle("eth_unsubscribe", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return resultFrame(id, true)
		})

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)
		defer client.Close()

		sub, err := client.Subscribe(t.Context(), "newHeads")
		require.NoError(t, err)

		sub.Unsubscribe()
		sub.Unsubscribe() // idempotent

		_, open := <-sub.Notifications()
		assert.False(t, open)
	})
}

func TestClient_ConnectionLoss(t *testing.T) {
	t.Run("fires OnClose when the peer sends a close frame", func(t *testing.T) {
		ts := newTestServer(t)
		ts.handle("eth_subscribe", func(id json.RawMessage, _ []json.RawMessage) map[string]any {
			return resultFrame(id, "0xsub1")
		})

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)

		closed := make(chan int, 1)
		client.OnClose(func(code int, reason string) {
			closed <- code
		})

		sub, err := client.Subscribe(t.Context(), "newHeads")
		require.NoError(t, err)

		ts.closeActiveConn(websocket.CloseGoingAway, "maintenance")

		select {
		case code := <-closed:
			assert.Equal(t, websocket.CloseGoingAway, code)
		case <-time.After(time.Second):
			t.Fatal("OnClose was never fired")
		}

		// The subscription channel must also be closed.
		assert.Eventually(t, func() bool {
			select {
			case _, open := <-sub.Notifications():
				return !open
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("a deliberate Close fires no signals", func(t *testing.T) {
		ts := newTestServer(t)

		client, err := Dial(t.Context(), ts.url())
		require.NoError(t, err)

		var fired int32
		client.OnClose(func(int, string) { atomic.AddInt32(&fired, 1) })
		client.OnError(func(error) { atomic.AddInt32(&fired, 1) })

		client.Close()
		client.Close() // idempotent

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, atomic.LoadInt32(&fired))
	})
}

func receivePayload(t *testing.T, sub *Subscription) json.RawMessage {
	t.Helper()

	select {
	case payload, ok := <-sub.Notifications():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a notification")
		return nil
	}
}

func TestNewDetachedSubscription(t *testing.T) {
	t.Run("push feeds the channel and unsubscribe closes it", func(t *testing.T) {
		sub := NewDetachedSubscription(1)

		assert.True(t, sub.Push(json.RawMessage(`"0xabc"`)))
		assert.False(t, sub.Push(json.RawMessage(`"0xdef"`))) // buffer full

		payload := <-sub.Notifications()
		assert.JSONEq(t, `"0xabc"`, string(payload))

		sub.Unsubscribe()
		_, open := <-sub.Notifications()
		assert.False(t, open)
	})
}
