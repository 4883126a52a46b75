// Package reservation implements the Reservation & Correlation Engine (C3):
// transactional inventory allocation, unique-amount minting, and the
// session state-machine transitions that sit on top of internal/store.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/dropmint/internal/fixedpoint"
	"github.com/mbd888/dropmint/internal/metrics"
	"github.com/mbd888/dropmint/internal/store"
	"github.com/mbd888/dropmint/internal/syncutil"
	"github.com/mbd888/dropmint/internal/validation"
)

// Engine drives session lifecycle transitions against a Store. A sharded
// per-session-id mutex serializes the transition methods the same way the
// reference escrow service serializes per-escrow operations, even though
// each individual Store call is already an atomic transaction — this keeps
// a caller's read-then-act sequence (e.g. "get status, then decide whether
// to expire") safe against a concurrent transition on the same id. The lock
// is context-aware so a caller with a deadline (a block scanner cycle, an
// HTTP request) doesn't wait indefinitely behind a stuck peer.
type Engine struct {
	store        store.Store
	maxSupply    int
	pricePerItem *big.Int // base units (10^-8), per item
	locks        *syncutil.ContextShardedMutex
}

// New builds a reservation engine. pricePerItem is the canonical 8-decimal
// price string (e.g. config.Config.PricePerItem).
func New(st store.Store, maxSupply int, pricePerItem string) (*Engine, error) {
	price, ok := fixedpoint.Parse(pricePerItem)
	if !ok {
		return nil, fmt.Errorf("invalid price_per_item %q", pricePerItem)
	}
	return &Engine{
		store:        st,
		maxSupply:    maxSupply,
		pricePerItem: price,
		locks:        syncutil.NewContextShardedMutex(),
	}, nil
}

// CreateIntent reserves quantity inventory items and mints a uniquely
// priced session. quantity must be in [validation.MinQuantity,
// validation.MaxQuantity]; callers at the API boundary are expected to have
// already validated this, but the engine re-checks since it is also
// reachable from tests directly.
func (e *Engine) CreateIntent(ctx context.Context, quantity int) (*store.Session, error) {
	if quantity < validation.MinQuantity || quantity > validation.MaxQuantity {
		return nil, fmt.Errorf("quantity %d out of range [%d, %d]", quantity, validation.MinQuantity, validation.MaxQuantity)
	}

	base := new(big.Int).Mul(e.pricePerItem, big.NewInt(int64(quantity)))

	amountFn := func(nextID int64) (*big.Int, error) {
		// The correlation perturbation is one base unit (10^-8) per
		// monotonic sequence value — distinct sessions always land on
		// distinct amounts (spec §4.3).
		return new(big.Int).Add(base, big.NewInt(nextID)), nil
	}

	sess, err := e.store.CreateIntent(ctx, quantity, e.maxSupply, amountFn)
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues(store.StatusPending).Inc()
	return sess, nil
}

// AssignAndComplete finalizes a session once the block scanner observes a
// confirmed matching output. Idempotent per Store's contract.
func (e *Engine) AssignAndComplete(ctx context.Context, sessionID, txid string) (*store.Session, error) {
	unlock, err := e.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	before, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := e.store.AssignAndComplete(ctx, sessionID, txid)
	if err != nil {
		return nil, err
	}
	// AssignAndComplete is idempotent and returns the unchanged session on a
	// replayed call, so only count it when the session was still pending or
	// payment_pending before this call, i.e. this call took the transition.
	if before.Status == store.StatusPending || before.Status == store.StatusPaymentPending {
		metrics.SessionTransitionsTotal.WithLabelValues(sess.Status).Inc()
	}
	return sess, nil
}

// MarkPaymentPending records an unconfirmed mempool match. No-op unless the
// session is still pending.
func (e *Engine) MarkPaymentPending(ctx context.Context, sessionID, txid string) error {
	unlock, err := e.locks.LockContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	before, err := e.store.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return err
	}
	if err := e.store.MarkPaymentPending(ctx, sessionID, txid); err != nil {
		return err
	}
	if before != nil && before.Status == store.StatusPending {
		metrics.SessionTransitionsTotal.WithLabelValues(store.StatusPaymentPending).Inc()
	}
	return nil
}

// Expire transitions a single pending session to expired and releases its
// reservation. No-op unless the session is still pending.
func (e *Engine) Expire(ctx context.Context, sessionID string) error {
	unlock, err := e.locks.LockContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	before, err := e.store.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return err
	}
	if err := e.store.ExpireOne(ctx, sessionID); err != nil {
		return err
	}
	if before != nil && before.Status == store.StatusPending {
		metrics.SessionTransitionsTotal.WithLabelValues(store.StatusExpired).Inc()
	}
	return nil
}

// Get returns a session by id for the public API's check-status operation.
func (e *Engine) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// Progress summarizes inventory state for /mint-progress.
func (e *Engine) Progress(ctx context.Context) (*store.Progress, error) {
	return e.store.Progress(ctx, e.maxSupply)
}

// MaxSupply returns the configured supply cap.
func (e *Engine) MaxSupply() int { return e.maxSupply }
