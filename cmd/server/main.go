// Command dropmint runs the self-custodial payment and inventory allocation
// service: the public HTTP API, the ledger observer's block and mempool
// scanners, and the stale-session sweeper, all sharing one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/dropmint/internal/api"
	"github.com/mbd888/dropmint/internal/config"
	"github.com/mbd888/dropmint/internal/logging"
	"github.com/mbd888/dropmint/internal/metrics"
	"github.com/mbd888/dropmint/internal/observer"
	"github.com/mbd888/dropmint/internal/reservation"
	"github.com/mbd888/dropmint/internal/retry"
	"github.com/mbd888/dropmint/internal/rpcpool"
	"github.com/mbd888/dropmint/internal/store"
	"github.com/mbd888/dropmint/internal/sweeper"
)

// Build info - set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("starting dropmint",
		"version", Version, "commit", Commit, "build_time", BuildTime,
		"env", cfg.Env, "max_supply", cfg.MaxSupply,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStoreWithRetry(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if err := st.SeedItems(ctx, cfg.MaxSupply); err != nil {
		logger.Error("failed to seed inventory", "error", err)
		os.Exit(1)
	}

	engine, err := reservation.New(st, cfg.MaxSupply, cfg.PricePerItem)
	if err != nil {
		logger.Error("invalid reservation configuration", "error", err)
		os.Exit(1)
	}

	pool := rpcpool.New(cfg.RPCEndpoints)
	blockScanner := observer.NewBlockScanner(st, engine, pool, cfg.PaymentAddress, cfg.BlockScanInterval, logger)
	mempoolScanner := observer.NewMempoolScanner(st, engine, pool, pool, cfg.PaymentAddress, logger)
	sw := sweeper.New(st, cfg.SweepInterval, cfg.SessionTimeout, cfg.PaymentPendingTimeout, logger)

	pinger := func(pingCtx context.Context) error { return st.DB().PingContext(pingCtx) }
	apiServer := api.New(cfg, engine, pinger, sw, logger)

	go blockScanner.Run(ctx)
	go mempoolScanner.Run(ctx)
	go sw.Run(ctx)
	go metrics.StartDBStatsCollector(ctx, st.DB(), 15*time.Second)
	go metrics.StartRPCPoolCollector(ctx, pool, 15*time.Second)

	logger.Info("server listening", "port", cfg.Port)
	if err := apiServer.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// openStoreWithRetry retries opening the SQLite file a handful of times with
// jittered backoff: a freshly restarted process can race a still-draining
// prior instance that hasn't released its file lock yet.
func openStoreWithRetry(ctx context.Context, path string) (*store.SQLiteStore, error) {
	var st *store.SQLiteStore
	err := retry.Do(ctx, 5, 200*time.Millisecond, func() error {
		opened, openErr := store.Open(path)
		if openErr != nil {
			return openErr
		}
		st = opened
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
