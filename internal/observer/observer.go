// Package observer implements the Ledger Observer (C4): two independent
// polling loops — a fixed-period block scanner and an adaptive-period
// mempool scanner — that watch the configured payment address for outputs
// matching a pending session's correlation amount.
package observer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbd888/dropmint/internal/fixedpoint"
	"github.com/mbd888/dropmint/internal/store"
)

// RPCCaller is the subset of *rpcpool.Pool the observer needs, narrowed for
// testability (the reference watcher takes an *ethclient.Client directly;
// here the upstream is a generic JSON-RPC pool, so a small interface stands
// in for it in tests).
type RPCCaller interface {
	Call(ctx context.Context, method string, params any, cost int64) (json.RawMessage, error)
}

// CapacityReporter exposes the RPC pool's advisory capacity figures.
type CapacityReporter interface {
	Capacity() (totalRemaining int64, enabledCount int)
	Utilization() float64
}

// ReservationEngine is the subset of *reservation.Engine the observer
// drives. Mirrors the reference watcher's BalanceCreditor/AgentChecker
// narrow-interface pattern.
type ReservationEngine interface {
	AssignAndComplete(ctx context.Context, sessionID, txid string) (*store.Session, error)
	MarkPaymentPending(ctx context.Context, sessionID, txid string) error
}

// pendingEntry is one row of the in-memory pending index.
type pendingEntry struct {
	SessionID string
	Quantity  int
}

// buildPendingIndex rebuilds the amount_due -> session map from every
// session currently in {pending, payment_pending}. Both scanner loops call
// this at the start of each cycle; by C3's uniqueness invariant the map can
// never have a key collision.
func buildPendingIndex(ctx context.Context, st store.Store) (map[string]pendingEntry, error) {
	sessions, err := st.PendingSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending sessions: %w", err)
	}
	idx := make(map[string]pendingEntry, len(sessions))
	for _, s := range sessions {
		idx[s.AmountDue] = pendingEntry{SessionID: s.SessionID, Quantity: s.Quantity}
	}
	return idx, nil
}

// rpcScriptPubKey mirrors the scriptPubKey object of a decoded transaction
// output (spec.md §6).
type rpcScriptPubKey struct {
	Addresses []string `json:"addresses"`
}

// rpcVout is one transaction output at verbosity 2 / getrawtransaction(…,1).
type rpcVout struct {
	Value        json.Number     `json:"value"`
	ScriptPubKey rpcScriptPubKey `json:"scriptPubKey"`
}

// rpcTx is one transaction, full verbosity.
type rpcTx struct {
	Txid string    `json:"txid"`
	Vout []rpcVout `json:"vout"`
}

// rpcBlock is a block decoded at verbosity 2 (full transactions inline).
type rpcBlock struct {
	Tx []rpcTx `json:"tx"`
}

// matchOutputs looks up every output of tx paying paymentAddress against the
// pending index, invoking onMatch for each hit and deleting the matched
// entry so a single session can't be double-credited from two outputs of
// the same denomination within one transaction.
func matchOutputs(tx rpcTx, paymentAddress string, idx map[string]pendingEntry, onMatch func(entry pendingEntry)) {
	for _, vout := range tx.Vout {
		if !containsAddress(vout.ScriptPubKey.Addresses, paymentAddress) {
			continue
		}
		amount, ok := fixedpoint.Parse(vout.Value.String())
		if !ok {
			continue
		}
		key := fixedpoint.Format(amount)
		entry, ok := idx[key]
		if !ok {
			continue
		}
		onMatch(entry)
		delete(idx, key)
	}
}

func containsAddress(addrs []string, target string) bool {
	for _, a := range addrs {
		if a == target {
			return true
		}
	}
	return false
}
