package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dropmint/internal/reservation"
	"github.com/mbd888/dropmint/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRPC struct {
	handler func(method string, params any) (json.RawMessage, error)
}

func (f *fakeRPC) Call(_ context.Context, method string, params any, _ int64) (json.RawMessage, error) {
	return f.handler(method, params)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

const testAddress = "bc1qpaymentaddressxxxxxxxxxxxxxxxxxxxxxxxx"

func TestBlockScanner_MatchesConfirmedOutputAndCompletesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(1)
	engine, err := reservation.New(st, 1, "0.00500000")
	require.NoError(t, err)

	sess, err := engine.CreateIntent(ctx, 1)
	require.NoError(t, err)

	// Pre-seed the cursor one below the tip so the cycle scans exactly one
	// block instead of looping through the default 100-block lookback.
	require.NoError(t, st.SetCursor(ctx, blockCursorKey, 100))

	rpc := &fakeRPC{handler: func(method string, params any) (json.RawMessage, error) {
		switch method {
		case "getblockcount":
			return mustJSON(t, 101), nil
		case "getblockhash":
			height := params.([]any)[0].(int64)
			return mustJSON(t, fmt.Sprintf("hash-%d", height)), nil
		case "getblock":
			hash := params.([]any)[0].(string)
			if hash != "hash-101" {
				return mustJSON(t, rpcBlock{}), nil
			}
			return mustJSON(t, rpcBlock{Tx: []rpcTx{{
				Txid: "tx-1",
				Vout: []rpcVout{{
					Value:        json.Number(sess.AmountDue),
					ScriptPubKey: rpcScriptPubKey{Addresses: []string{testAddress}},
				}},
			}}}), nil
		default:
			t.Fatalf("unexpected method %q", method)
			return nil, nil
		}
	}}

	bs := NewBlockScanner(st, engine, rpc, testAddress, 0, discardLogger())
	require.NoError(t, bs.cycle(ctx))

	got, err := engine.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, got.Status)
	assert.Equal(t, "tx-1", got.Txid)

	height, ok, err := st.Cursor(ctx, blockCursorKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(101), height)
}

func TestBlockScanner_IdlesWhenPendingIndexEmpty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(1)
	engine, err := reservation.New(st, 1, "0.00500000")
	require.NoError(t, err)

	calls := 0
	rpc := &fakeRPC{handler: func(method string, params any) (json.RawMessage, error) {
		calls++
		return nil, nil
	}}

	bs := NewBlockScanner(st, engine, rpc, testAddress, 0, discardLogger())
	require.NoError(t, bs.cycle(ctx))
	assert.Equal(t, 0, calls, "no pending sessions means no RPC calls at all")
}

func TestBlockScanner_AbortsCycleOnNullTip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(1)
	engine, err := reservation.New(st, 1, "0.00500000")
	require.NoError(t, err)
	_, err = engine.CreateIntent(ctx, 1)
	require.NoError(t, err)

	rpc := &fakeRPC{handler: func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage("null"), nil
	}}

	bs := NewBlockScanner(st, engine, rpc, testAddress, 0, discardLogger())
	require.NoError(t, bs.cycle(ctx))

	_, ok, err := st.Cursor(ctx, blockCursorKey)
	require.NoError(t, err)
	assert.False(t, ok, "a null tip must not advance or initialize the cursor")
}
