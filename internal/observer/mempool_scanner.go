package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dropmint/internal/metrics"
	"github.com/mbd888/dropmint/internal/store"
)

const (
	recentlyCheckedCap  = 500
	maxCandidatesPerRun = 150
	minCapacityToScan   = 5000
	interTxPause        = 100 * time.Millisecond
	minCadence          = 60 * time.Second
	defaultCadence      = 60 * time.Second
)

// recentSet is a bounded FIFO of recently-processed txids, trimmed to its
// cap after every cycle (spec.md §4.4.3). A plain map would grow unbounded
// over the life of the process.
type recentSet struct {
	mu    sync.Mutex
	order []string
	seen  map[string]bool
	cap   int
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{seen: make(map[string]bool), cap: capacity}
}

func (r *recentSet) Contains(txid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[txid]
}

func (r *recentSet) Add(txid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[txid] {
		return
	}
	r.seen[txid] = true
	r.order = append(r.order, txid)
}

// Trim keeps only the most recent r.cap entries.
func (r *recentSet) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) <= r.cap {
		return
	}
	drop := len(r.order) - r.cap
	for _, txid := range r.order[:drop] {
		delete(r.seen, txid)
	}
	r.order = r.order[drop:]
}

// MempoolScanner watches unconfirmed transactions for outputs matching a
// pending session, flagging them payment_pending. Its period adapts to RPC
// pool utilization (spec.md §4.4.4) rather than running on a fixed ticker.
type MempoolScanner struct {
	store           store.Store
	engine          ReservationEngine
	rpc             RPCCaller
	capacity        CapacityReporter
	paymentAddress  string
	recentlyChecked *recentSet
	logger          *slog.Logger

	mu      sync.Mutex
	cadence time.Duration
}

// NewMempoolScanner builds a mempool scanner starting at the default 60s
// cadence; the first post-cycle adjustment re-derives it from utilization.
func NewMempoolScanner(st store.Store, engine ReservationEngine, rpc RPCCaller, capacity CapacityReporter, paymentAddress string, logger *slog.Logger) *MempoolScanner {
	return &MempoolScanner{
		store:           st,
		engine:          engine,
		rpc:             rpc,
		capacity:        capacity,
		paymentAddress:  paymentAddress,
		recentlyChecked: newRecentSet(recentlyCheckedCap),
		logger:          logger,
		cadence:         defaultCadence,
	}
}

// Run blocks until ctx is done. Unlike the block scanner, the wait interval
// between cycles changes after every cycle, so a resettable timer is used
// instead of a ticker.
func (m *MempoolScanner) Run(ctx context.Context) {
	timer := time.NewTimer(m.currentCadence())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.safeCycle(ctx)
			timer.Reset(m.currentCadence())
		}
	}
}

func (m *MempoolScanner) currentCadence() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cadence
}

func (m *MempoolScanner) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("mempool scanner cycle panicked", "panic", r)
		}
	}()

	timer := prometheus.NewTimer(metrics.ObserverCycleDuration.WithLabelValues("mempool"))
	defer timer.ObserveDuration()

	if err := m.cycle(ctx); err != nil {
		m.logger.Error("mempool scan cycle failed", "error", err)
	}
	m.adjustCadence()
}

func (m *MempoolScanner) cycle(ctx context.Context) error {
	remaining, _ := m.capacity.Capacity()
	if remaining < minCapacityToScan {
		return nil
	}

	idx, err := buildPendingIndex(ctx, m.store)
	if err != nil {
		return err
	}
	if len(idx) == 0 {
		return nil
	}

	raw, err := m.rpc.Call(ctx, "getrawmempool", nil, 1)
	if err != nil {
		return nil // transport failure: skip this cycle (spec.md §7)
	}
	var txids []string
	if err := json.Unmarshal(raw, &txids); err != nil {
		return fmt.Errorf("decode getrawmempool: %w", err)
	}

	limit := remaining / 20
	if limit > maxCandidatesPerRun {
		limit = maxCandidatesPerRun
	}

	candidates := make([]string, 0, len(txids))
	for _, txid := range txids {
		if int64(len(candidates)) >= limit {
			break
		}
		if m.recentlyChecked.Contains(txid) {
			continue
		}
		candidates = append(candidates, txid)
	}

	for _, txid := range candidates {
		m.processCandidate(ctx, txid, idx)
		m.recentlyChecked.Add(txid)
		time.Sleep(interTxPause)
	}
	m.recentlyChecked.Trim()
	return nil
}

func (m *MempoolScanner) processCandidate(ctx context.Context, txid string, idx map[string]pendingEntry) {
	raw, err := m.rpc.Call(ctx, "getrawtransaction", []any{txid, 1}, 1)
	if err != nil {
		return
	}
	var tx rpcTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		m.logger.Error("decode getrawtransaction failed", "txid", txid, "error", err)
		return
	}
	matchOutputs(tx, m.paymentAddress, idx, func(entry pendingEntry) {
		if err := m.engine.MarkPaymentPending(ctx, entry.SessionID, txid); err != nil {
			m.logger.Error("mark_payment_pending failed", "session_id", entry.SessionID, "txid", txid, "error", err)
		}
	})
}

// adjustCadence re-derives the next period from RPC pool utilization
// (spec.md §4.4.4) and publishes it both to the scanner and to metrics.
func (m *MempoolScanner) adjustCadence() {
	u := m.capacity.Utilization()
	var period time.Duration
	switch {
	case u > 0.8:
		period = 300 * time.Second
	case u > 0.6:
		period = 180 * time.Second
	case u > 0.4:
		period = 120 * time.Second
	default:
		period = minCadence
	}

	m.mu.Lock()
	m.cadence = period
	m.mu.Unlock()

	metrics.MempoolCadenceSeconds.Set(period.Seconds())
}
