package sweeper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dropmint/internal/reservation"
	"github.com/mbd888/dropmint/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweep_ReleasesStalePendingSessionButKeepsFreshOne(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(10)
	engine, err := reservation.New(st, 10, "0.00500000")
	require.NoError(t, err)

	stale, err := engine.CreateIntent(ctx, 5)
	require.NoError(t, err)
	// The store stamps created_at with the real clock, so the two sessions
	// are separated in real time: only the first is older than the session
	// timeout when the sweep runs.
	time.Sleep(200 * time.Millisecond)
	fresh, err := engine.CreateIntent(ctx, 3)
	require.NoError(t, err)

	sw := New(st, time.Second, 100*time.Millisecond, 24*time.Hour, discardLogger())

	require.NoError(t, sw.sweep(ctx))

	_, err = engine.Get(ctx, stale.SessionID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	got, err := engine.Get(ctx, fresh.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	progress, err := engine.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Reserved)
	assert.Equal(t, 7, progress.Available)
}

func TestSweep_NeverTouchesCompleteSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(1)
	engine, err := reservation.New(st, 1, "0.00500000")
	require.NoError(t, err)

	sess, err := engine.CreateIntent(ctx, 1)
	require.NoError(t, err)
	completed, err := engine.AssignAndComplete(ctx, sess.SessionID, "tx-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, completed.Status)

	sw := New(st, time.Second, time.Nanosecond, time.Nanosecond, discardLogger())
	sw.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	require.NoError(t, sw.sweep(ctx))

	got, err := engine.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, got.Status)
}
