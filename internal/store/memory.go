package store

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mbd888/dropmint/internal/fixedpoint"
	"github.com/mbd888/dropmint/internal/idgen"
)

// MemoryStore is an in-memory Store implementation for unit tests that
// don't need to exercise the SQL layer. A single mutex stands in for the
// SQLite single-writer connection: every exported method holds it for its
// whole duration, giving the same serializability guarantee.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[int64]*Item
	sessions    map[string]*Session
	amountIndex map[string]string // amount_due -> session_id
	cursors     map[string]int64
	sessionSeq  int64
}

// NewMemoryStore creates an in-memory store preseeded with maxSupply items,
// ids 1..maxSupply, content_ref "item-<id>".
func NewMemoryStore(maxSupply int) *MemoryStore {
	items := make(map[int64]*Item, maxSupply)
	for i := 1; i <= maxSupply; i++ {
		items[int64(i)] = &Item{ID: int64(i), ContentRef: contentRefFor(int64(i))}
	}
	return &MemoryStore{
		items:       items,
		sessions:    make(map[string]*Session),
		amountIndex: make(map[string]string),
		cursors:     make(map[string]int64),
	}
}

func contentRefFor(id int64) string {
	return "item-" + itoa(id)
}

func itoa(id int64) string {
	if id == 0 {
		return "0"
	}
	neg := id < 0
	if neg {
		id = -id
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (m *MemoryStore) CreateIntent(ctx context.Context, quantity, maxSupply int, amountFn AmountFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []int64
	for id, it := range m.items {
		if id > int64(maxSupply) {
			continue
		}
		if !it.Claimed && it.SessionRef == "" {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) < quantity {
		return nil, ErrInsufficientInventory
	}

	m.sessionSeq++
	nextID := m.sessionSeq

	amount, err := amountFn(nextID)
	if err != nil {
		return nil, err
	}
	amountDue := fixedpoint.Format(amount)
	if _, exists := m.amountIndex[amountDue]; exists {
		return nil, ErrAmountCollision
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	chosen := candidates[:quantity]

	// Re-validate under lock: every chosen item must still be unreserved
	// (always true here since candidates was built under the same lock,
	// but the check mirrors the SQL UPDATE...RowsAffected guard).
	for _, id := range chosen {
		it := m.items[id]
		if it.Claimed || it.SessionRef != "" {
			return nil, ErrReservationRace
		}
	}

	sessionID := idgen.Hex(16)
	now := time.Now()
	sess := &Session{
		SessionID: sessionID,
		Quantity:  quantity,
		AmountDue: amountDue,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, id := range chosen {
		m.items[id].SessionRef = sessionID
	}
	m.sessions[sessionID] = sess
	m.amountIndex[amountDue] = sessionID

	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) AssignAndComplete(ctx context.Context, sessionID, txid string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusPending && sess.Status != StatusPaymentPending {
		cp := *sess
		return &cp, nil
	}

	var reserved []*Item
	for _, it := range m.items {
		if it.SessionRef == sessionID && !it.Claimed {
			reserved = append(reserved, it)
		}
	}

	now := time.Now()
	if len(reserved) < sess.Quantity {
		for _, it := range reserved {
			it.SessionRef = ""
		}
		sess.Status = StatusFailed
		sess.UpdatedAt = now
		cp := *sess
		return &cp, nil
	}

	refs := make([]string, len(reserved))
	for i, it := range reserved {
		it.Claimed = true
		refs[i] = it.ContentRef
	}

	sess.Status = StatusComplete
	sess.Txid = txid
	sess.AssignedRefs = append([]string(nil), refs...)
	sess.UpdatedAt = now

	cp := *sess
	cp.AssignedRefs = append([]string(nil), sess.AssignedRefs...)
	return &cp, nil
}

func (m *MemoryStore) MarkPaymentPending(ctx context.Context, sessionID, txid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.Status != StatusPending {
		return nil
	}
	sess.Status = StatusPaymentPending
	sess.Txid = txid
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ExpireOne(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(sessionID)
}

func (m *MemoryStore) expireLocked(sessionID string) error {
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Status != StatusPending {
		return nil
	}
	for _, it := range m.items {
		if it.SessionRef == sessionID && !it.Claimed {
			it.SessionRef = ""
		}
	}
	delete(m.amountIndex, sess.AmountDue)
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) SweepExpired(ctx context.Context, pendingBefore, paymentPendingBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, sess := range m.sessions {
		if sess.Status == StatusPending && sess.CreatedAt.Before(pendingBefore) {
			stale = append(stale, id)
			continue
		}
		if sess.Status == StatusPaymentPending && sess.UpdatedAt.Before(paymentPendingBefore) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		sess := m.sessions[id]
		for _, it := range m.items {
			if it.SessionRef == id && !it.Claimed {
				it.SessionRef = ""
			}
		}
		delete(m.amountIndex, sess.AmountDue)
		delete(m.sessions, id)
	}

	return len(stale), nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	cp.AssignedRefs = append([]string(nil), sess.AssignedRefs...)
	return &cp, nil
}

func (m *MemoryStore) PendingSessions(ctx context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Session
	for _, sess := range m.sessions {
		if sess.Status == StatusPending || sess.Status == StatusPaymentPending {
			cp := *sess
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Progress(ctx context.Context, maxSupply int) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Progress{Total: maxSupply}
	for id, it := range m.items {
		if id > int64(maxSupply) {
			continue
		}
		switch {
		case it.Claimed:
			p.Minted++
		case it.SessionRef != "":
			p.Reserved++
		}
	}
	p.Available = p.Total - p.Minted - p.Reserved
	return p, nil
}

func (m *MemoryStore) Cursor(ctx context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	height, ok := m.cursors[key]
	return height, ok, nil
}

func (m *MemoryStore) SetCursor(ctx context.Context, key string, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = height
	return nil
}

// compile-time assertion
var _ Store = (*MemoryStore)(nil)
