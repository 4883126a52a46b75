// Package store provides durable, transactional storage for inventory
// items, sessions, and ledger-observer scan cursors.
//
// Every state-mutating operation is a single transaction: the persistent
// store is the only place the session/item lifecycle is allowed to change,
// and each transition listed below corresponds to exactly one method here.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Session status values. The zero value is never valid; every session is
// created directly in StatusPending.
const (
	StatusPending        = "pending"
	StatusPaymentPending = "payment_pending"
	StatusComplete       = "complete"
	StatusFailed         = "failed"
	StatusExpired        = "expired"
)

var (
	// ErrInsufficientInventory is returned by CreateIntent when fewer than
	// the requested quantity of unclaimed, unreserved items remain.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrReservationRace is returned by CreateIntent when the random
	// reservation update affected a different number of rows than
	// requested — another writer won the race for the same items.
	ErrReservationRace = errors.New("reservation race")
	// ErrAmountCollision is returned by CreateIntent when the computed
	// amount_due collides with an existing session's amount_due.
	ErrAmountCollision = errors.New("amount due collision")
	// ErrSessionNotFound is returned when a session_id has no matching row.
	ErrSessionNotFound = errors.New("session not found")
)

// Item is a single pre-enumerated collectible.
type Item struct {
	ID         int64
	ContentRef string
	Claimed    bool
	SessionRef string // empty when unreserved
}

// Session is a single buyer's purchase attempt and its full lifecycle.
type Session struct {
	SessionID    string
	Quantity     int
	AmountDue    string // canonical 8-decimal string
	Status       string
	Txid         string
	AssignedRefs []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Progress summarizes the drop's inventory state for /mint-progress.
type Progress struct {
	Total     int
	Minted    int
	Reserved  int
	Available int
}

// AmountFunc computes the amount_due for a freshly allocated monotonic
// session sequence number. It is supplied by the reservation engine so the
// store need not know the price schedule, only the sequence.
type AmountFunc func(nextID int64) (*big.Int, error)

// Store is the persistence boundary for C1. Implementations must provide
// serializable semantics for every method below: each one is a single
// all-or-nothing transaction.
type Store interface {
	// CreateIntent reserves quantity unclaimed items (id <= maxSupply),
	// mints a session with a monotonic-sequence-derived amount via amountFn,
	// and returns the new session. Returns ErrInsufficientInventory,
	// ErrReservationRace, or ErrAmountCollision on the documented failure
	// paths.
	CreateIntent(ctx context.Context, quantity, maxSupply int, amountFn AmountFunc) (*Session, error)

	// AssignAndComplete finalizes a session once a confirmed on-chain match
	// is observed. It is idempotent: calling it on a session that has left
	// {pending, payment_pending} is a no-op and returns the session
	// unchanged.
	AssignAndComplete(ctx context.Context, sessionID, txid string) (*Session, error)

	// MarkPaymentPending transitions pending -> payment_pending and records
	// txid. No-op if the session is not currently pending.
	MarkPaymentPending(ctx context.Context, sessionID, txid string) error

	// ExpireOne expires a single pending session: it releases its reserved
	// items and deletes the session row, so a later GetSession returns
	// ErrSessionNotFound. No-op if the session is not currently pending.
	ExpireOne(ctx context.Context, sessionID string) error

	// SweepExpired expires, in one transaction, every pending session
	// created before pendingBefore and every payment_pending session
	// updated before paymentPendingBefore. Returns the number of sessions
	// expired.
	SweepExpired(ctx context.Context, pendingBefore, paymentPendingBefore time.Time) (int, error)

	// GetSession returns a session by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// PendingSessions returns every session in {pending, payment_pending},
	// used by the ledger observer to rebuild its in-memory pending index.
	PendingSessions(ctx context.Context) ([]*Session, error)

	// Progress summarizes inventory state for the public API.
	Progress(ctx context.Context, maxSupply int) (*Progress, error)

	// Cursor returns the persisted scan cursor for the given key (e.g.
	// "block"), or ok=false if never set.
	Cursor(ctx context.Context, key string) (height int64, ok bool, err error)

	// SetCursor persists the scan cursor for the given key.
	SetCursor(ctx context.Context, key string, height int64) error
}
