// Package rpcpool implements the multi-backend JSON-RPC 2.0 client: a set
// of upstream ledger nodes, each with its own daily quota, routed by
// most-remaining-capacity selection with failover across the set.
package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/dropmint/internal/circuitbreaker"
	"github.com/mbd888/dropmint/internal/config"
	"github.com/mbd888/dropmint/internal/metrics"
)

// ErrNoCapacity is returned by Call when no endpoint currently has usable
// capacity (all disabled, over quota, or tripped). Callers — the ledger
// observer's two scanner loops — treat it as "skip this cycle", not as a
// hard error.
var ErrNoCapacity = errors.New("rpcpool: no endpoint has usable capacity")

const (
	// maxResponseBytes bounds a single JSON-RPC response body.
	maxResponseBytes = 8 * 1024 * 1024
	// callTimeout is the hard per-call timeout (spec.md §5).
	callTimeout = 10 * time.Second
	// quotaSafetyFactor keeps a 10% buffer below daily_limit.
	quotaSafetyFactor = 0.9
	// maxFailCount disables an endpoint after this many consecutive failures.
	maxFailCount = 3
)

// endpoint is one upstream JSON-RPC provider plus its quota bookkeeping.
// The endpoint table lives inside the pool value itself — it is mutated
// only by Call, never by the store.
type endpoint struct {
	name       string
	url        string
	dailyLimit int64

	usedToday int64
	resetDate string // "2006-01-02", in UTC
	enabled   bool
	failCount int
}

func (e *endpoint) remaining() int64 {
	r := e.dailyLimit - e.usedToday
	if r < 0 {
		return 0
	}
	return r
}

func (e *endpoint) withinQuota() bool {
	return float64(e.usedToday) < quotaSafetyFactor*float64(e.dailyLimit)
}

// Pool routes JSON-RPC calls across its configured endpoints.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	now       func() time.Time
}

// New builds a pool from the configured endpoints. Each gets its own
// circuit-breaker entry (keyed by name) as a transport-layer courtesy
// layer on top of the quota-layer fail_count rule that §4.2 specifies as
// authoritative.
func New(endpoints []config.RPCEndpoint) *Pool {
	eps := make([]*endpoint, 0, len(endpoints))
	for _, c := range endpoints {
		eps = append(eps, &endpoint{
			name:       c.Name,
			url:        c.URL,
			dailyLimit: c.DailyLimit,
			enabled:    true,
			resetDate:  "",
		})
	}
	return &Pool{
		endpoints: eps,
		client:    &http.Client{Timeout: callTimeout},
		breaker:   circuitbreaker.New(maxFailCount, 30*time.Second),
		now:       time.Now,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call issues method(params) against the best-capacity endpoint, failing
// over to the next-best on transport error or an RPC-level error, up to
// once per configured endpoint. cost is the capacity unit charged against
// the winning endpoint's daily quota on success.
func (p *Pool) Call(ctx context.Context, method string, params any, cost int64) (json.RawMessage, error) {
	p.mu.Lock()
	today := p.now().UTC().Format("2006-01-02")
	for _, e := range p.endpoints {
		resetDaily(e, today)
	}
	p.mu.Unlock()

	tried := make(map[string]bool)

	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		ep := p.selectCandidate(tried)
		if ep == nil {
			return nil, ErrNoCapacity
		}
		tried[ep.name] = true

		result, err := p.attempt(ctx, ep, method, params, cost)
		if err == nil {
			metrics.RPCCallsTotal.WithLabelValues(ep.name, "success").Inc()
			return result, nil
		}

		metrics.RPCCallsTotal.WithLabelValues(ep.name, "failure").Inc()
		p.recordFailure(ep)
	}

	return nil, ErrNoCapacity
}

// selectCandidate returns the not-yet-tried enabled endpoint with the most
// remaining capacity, or nil if none qualify.
func (p *Pool) selectCandidate(tried map[string]bool) *endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *endpoint
	for _, e := range p.endpoints {
		if tried[e.name] || !e.enabled || e.failCount >= maxFailCount || !e.withinQuota() {
			continue
		}
		if !p.breaker.Allow(e.name) {
			continue
		}
		if best == nil || e.remaining() > best.remaining() {
			best = e
		}
	}
	return best
}

func (p *Pool) attempt(ctx context.Context, ep *endpoint, method string, params any, cost int64) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, parsed.Error
	}

	p.recordSuccess(ep, cost)
	return parsed.Result, nil
}

func (p *Pool) recordSuccess(ep *endpoint, cost int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.usedToday += cost
	ep.failCount = 0
	p.breaker.RecordSuccess(ep.name)
}

func (p *Pool) recordFailure(ep *endpoint) {
	p.mu.Lock()
	ep.failCount++
	if ep.failCount >= maxFailCount {
		ep.enabled = false
	}
	p.mu.Unlock()
	p.breaker.RecordFailure(ep.name)
}

// resetDaily zeroes an endpoint's counters and re-enables it when its
// reset_date has rolled over. Caller must hold p.mu.
func resetDaily(e *endpoint, today string) {
	if e.resetDate == today {
		return
	}
	e.usedToday = 0
	e.failCount = 0
	e.enabled = true
	e.resetDate = today
}

// Capacity reports total remaining units across enabled endpoints and how
// many endpoints are currently enabled, for the ledger observer's adaptive
// cadence and mempool skip-threshold logic (§4.4.3, §4.4.4).
func (p *Pool) Capacity() (totalRemaining int64, enabledCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.endpoints {
		if !e.enabled {
			continue
		}
		enabledCount++
		totalRemaining += e.remaining()
	}
	return totalRemaining, enabledCount
}

// Utilization returns u = 1 - remaining/total_daily_capacity over enabled
// endpoints, used by the cadence adjuster (§4.4.4). Returns 1 if there is
// no enabled capacity at all, which the caller's >0.8 branch treats as
// fully utilized: no capacity means maximally backed off.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var totalDaily, totalRemaining int64
	for _, e := range p.endpoints {
		if !e.enabled {
			continue
		}
		totalDaily += e.dailyLimit
		totalRemaining += e.remaining()
	}
	if totalDaily == 0 {
		return 1
	}
	return 1 - float64(totalRemaining)/float64(totalDaily)
}

// SetClock overrides the pool's time source, for deterministic day-rollover
// tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// EndpointNames returns the configured endpoint names in order, for
// metrics gauges and diagnostics.
func (p *Pool) EndpointNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.endpoints))
	for i, e := range p.endpoints {
		names[i] = e.name
	}
	return names
}
