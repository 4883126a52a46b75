package reservation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/dropmint/internal/metrics"
	"github.com/mbd888/dropmint/internal/store"
)

func transitionCount(t *testing.T, status string) float64 {
	t.Helper()
	counter, err := metrics.SessionTransitionsTotal.GetMetricWithLabelValues(status)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, counter.Write(m))
	return m.Counter.GetValue()
}

func newEngine(t *testing.T, maxSupply int) *Engine {
	t.Helper()
	e, err := New(store.NewMemoryStore(maxSupply), maxSupply, "0.00500000")
	require.NoError(t, err)
	return e
}

func TestCreateIntent_RejectsOutOfRangeQuantity(t *testing.T) {
	e := newEngine(t, 10)
	ctx := context.Background()

	_, err := e.CreateIntent(ctx, 0)
	assert.Error(t, err)

	_, err = e.CreateIntent(ctx, 21)
	assert.Error(t, err)
}

func TestCreateIntent_DistinctAmountsStrictlyIncreasing(t *testing.T) {
	e := newEngine(t, 1000)
	ctx := context.Background()

	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 50; i++ {
		sess, err := e.CreateIntent(ctx, 1)
		require.NoError(t, err)
		require.False(t, seen[sess.AmountDue], "amount %s repeated", sess.AmountDue)
		seen[sess.AmountDue] = true
		if prev != "" {
			assert.Greater(t, sess.AmountDue, prev)
		}
		prev = sess.AmountDue
	}
}

func TestCreateIntent_OverbookPrevented(t *testing.T) {
	e := newEngine(t, 3)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.CreateIntent(ctx, 1)
			results[n] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 3, successes)

	progress, err := e.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Reserved)
}

func TestFullLifecycle_HappyPath(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()

	beforePending := transitionCount(t, store.StatusPending)
	beforePaymentPending := transitionCount(t, store.StatusPaymentPending)
	beforeComplete := transitionCount(t, store.StatusComplete)

	sess, err := e.CreateIntent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, sess.Status)
	assert.Equal(t, beforePending+1, transitionCount(t, store.StatusPending))

	require.NoError(t, e.MarkPaymentPending(ctx, sess.SessionID, "mempool-tx"))
	got, err := e.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaymentPending, got.Status)
	assert.Equal(t, beforePaymentPending+1, transitionCount(t, store.StatusPaymentPending))

	completed, err := e.AssignAndComplete(ctx, sess.SessionID, "confirmed-tx")
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, completed.Status)
	assert.Len(t, completed.AssignedRefs, 1)
	assert.Equal(t, beforeComplete+1, transitionCount(t, store.StatusComplete))

	// A replayed completion call is idempotent at the store layer and must
	// not be double-counted as a second transition.
	_, err = e.AssignAndComplete(ctx, sess.SessionID, "confirmed-tx")
	require.NoError(t, err)
	assert.Equal(t, beforeComplete+1, transitionCount(t, store.StatusComplete))
}

func TestExpire_ReleasesReservation(t *testing.T) {
	e := newEngine(t, 5)
	ctx := context.Background()
	beforeExpired := transitionCount(t, store.StatusExpired)

	sess, err := e.CreateIntent(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, e.Expire(ctx, sess.SessionID))
	assert.Equal(t, beforeExpired+1, transitionCount(t, store.StatusExpired))

	_, err = e.Get(ctx, sess.SessionID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	progress, err := e.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, progress.Available)
}
