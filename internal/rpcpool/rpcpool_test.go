package rpcpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dropmint/internal/config"
)

func jsonRPCServer(t *testing.T, handler func(method string) (result any, rpcErr bool)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, wantErr := handler(req.Method)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if wantErr {
			resp["error"] = map[string]any{"code": -1, "message": "boom"}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestPool_CallSucceedsAndChargesQuota(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) (any, bool) { return 42, false })
	defer srv.Close()

	pool := New([]config.RPCEndpoint{{Name: "primary", URL: srv.URL, DailyLimit: 100}})

	result, err := pool.Call(context.Background(), "getblockcount", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, "42", string(result))

	remaining, enabled := pool.Capacity()
	assert.Equal(t, int64(90), remaining)
	assert.Equal(t, 1, enabled)
}

func TestPool_FailsOverToNextEndpoint(t *testing.T) {
	bad := jsonRPCServer(t, func(method string) (any, bool) { return nil, true })
	defer bad.Close()
	good := jsonRPCServer(t, func(method string) (any, bool) { return "ok", false })
	defer good.Close()

	pool := New([]config.RPCEndpoint{
		{Name: "bad", URL: bad.URL, DailyLimit: 100},
		{Name: "good", URL: good.URL, DailyLimit: 1},
	})
	// Force "bad" to be selected first by giving it more remaining capacity.
	result, err := pool.Call(context.Background(), "getblockcount", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(result))
}

func TestPool_DisablesAfterThreeFailures(t *testing.T) {
	var calls int32
	bad := jsonRPCServer(t, func(method string) (any, bool) {
		atomic.AddInt32(&calls, 1)
		return nil, true
	})
	defer bad.Close()

	pool := New([]config.RPCEndpoint{{Name: "only", URL: bad.URL, DailyLimit: 100}})

	for i := 0; i < 3; i++ {
		_, err := pool.Call(context.Background(), "getblockcount", nil, 1)
		assert.Error(t, err)
	}

	_, err := pool.Call(context.Background(), "getblockcount", nil, 1)
	assert.ErrorIs(t, err, ErrNoCapacity)

	remaining, enabled := pool.Capacity()
	assert.Equal(t, int64(0), remaining)
	assert.Equal(t, 0, enabled)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "pool must stop calling a disabled endpoint")
}

func TestPool_NoCapacityWhenNoEndpoints(t *testing.T) {
	pool := New(nil)
	_, err := pool.Call(context.Background(), "getblockcount", nil, 1)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestPool_ResetsOnDayRollover(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) (any, bool) { return nil, true })
	defer srv.Close()

	pool := New([]config.RPCEndpoint{{Name: "only", URL: srv.URL, DailyLimit: 100}})
	day1 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	pool.SetClock(func() time.Time { return day1 })

	for i := 0; i < 3; i++ {
		_, _ = pool.Call(context.Background(), "getblockcount", nil, 1)
	}
	_, enabled := pool.Capacity()
	assert.Equal(t, 0, enabled)

	day2 := day1.Add(24 * time.Hour)
	pool.SetClock(func() time.Time { return day2 })
	_, err := pool.Call(context.Background(), "getblockcount", nil, 1)
	assert.Error(t, err) // the server still errors every call; only bookkeeping resets
	remaining, enabled := pool.Capacity()
	assert.Equal(t, 1, enabled, "reset_date rollover must re-enable the endpoint")
	assert.Equal(t, int64(100), remaining, "a single post-reset failure must not re-disable after one try")
}

func TestPool_Utilization(t *testing.T) {
	srv := jsonRPCServer(t, func(method string) (any, bool) { return 1, false })
	defer srv.Close()

	pool := New([]config.RPCEndpoint{{Name: "only", URL: srv.URL, DailyLimit: 100}})
	assert.Equal(t, 0.0, pool.Utilization())

	_, err := pool.Call(context.Background(), "x", nil, 90)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, pool.Utilization(), 0.001)
}
