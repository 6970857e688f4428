package neo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     uint64            `json:"id"`
}

// rpcHandler answers one method; a non-nil *RPCError is sent as the error.
type rpcHandler func(call rpcCall) (any, *RPCError)

// fakeNode is a scripted JSON-RPC node.
type fakeNode struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    []rpcCall
	server   *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	n := &fakeNode{t: t, handlers: make(map[string]rpcHandler)}
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) on(method string, h rpcHandler) *fakeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
	return n
}

func (n *fakeNode) result(method string, v any) *fakeNode {
	return n.on(method, func(rpcCall) (any, *RPCError) { return v, nil })
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, call := range n.calls {
		if call.Method == method {
			c++
		}
	}
	return c
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var call rpcCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls = append(n.calls, call)
	h, ok := n.handlers[call.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
	if !ok {
		resp["error"] = &RPCError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := h(call); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) client(t *testing.T) *Client {
	c, err := NewClient(ClientConfig{RPCURL: n.server.URL})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestClient_Call(t *testing.T) {
	node := newFakeNode(t).result("getblockcount", 1234)
	c := node.client(t)

	count, err := c.GetBlockCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), count)
}

func TestClient_RPCError(t *testing.T) {
	node := newFakeNode(t)
	c := node.client(t)

	_, err := c.GetBlockCount(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Contains(t, err.Error(), "method not found")
}

func TestClient_HTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, err := NewClient(ClientConfig{RPCURL: server.URL})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), "getblockcount")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_RateLimitHonorsDeadline(t *testing.T) {
	node := newFakeNode(t).result("getblockcount", 1)
	c, err := NewClient(ClientConfig{RPCURL: node.server.URL, RateLimit: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = c.GetBlockCount(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetBlockCount(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, node.count("getblockcount"))
}

func TestClient_CalculateNetworkFee(t *testing.T) {
	for _, raw := range []any{"122000", 122000} {
		node := newFakeNode(t).result("calculatenetworkfee", map[string]any{"networkfee": raw})
		fee, err := node.client(t).CalculateNetworkFee(context.Background(), []byte{1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, int64(122000), fee)
	}
}

func TestClient_WaitForApplicationLog(t *testing.T) {
	node := newFakeNode(t)
	var mu sync.Mutex
	attempts := 0
	node.on("getapplicationlog", func(rpcCall) (any, *RPCError) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, &RPCError{Code: -100, Message: "Unknown transaction"}
		}
		return ApplicationLog{TxID: "0xabc"}, nil
	})

	log, err := node.client(t).WaitForApplicationLog(context.Background(), "0xabc", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", log.TxID)
	assert.Equal(t, 3, node.count("getapplicationlog"))
}

func TestClient_WaitForApplicationLogStopsOnOtherErrors(t *testing.T) {
	node := newFakeNode(t).on("getapplicationlog", func(rpcCall) (any, *RPCError) {
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	})

	_, err := node.client(t).WaitForApplicationLog(context.Background(), "0xabc", 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, node.count("getapplicationlog"))
}

func TestClient_WaitForApplicationLogCancelled(t *testing.T) {
	node := newFakeNode(t).on("getapplicationlog", func(rpcCall) (any, *RPCError) {
		return nil, &RPCError{Code: -100, Message: "Unknown transaction"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := node.client(t).WaitForApplicationLog(ctx, "0xabc", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
