// Package main provides the deposit reconciler entry point for the tip
// ledger service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/chain"
	"github.com/tip-ledger/internal/config"
	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/retry"
	"github.com/tip-ledger/internal/service"
	"github.com/tip-ledger/internal/storage"
	"github.com/tip-ledger/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := logging.WithLogger(context.Background(), logger)

	postgres, err := storage.NewPostgresDB(&cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	cache, err := storage.NewCache(&cfg.Redis, cfg.Cache.TTL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()

	gate := chain.NewGate(cfg.Reconciler.MaxInFlightCalls)
	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   2.0,
	}

	var source chain.Source
	switch cfg.Reconciler.Source {
	case config.SourceNode:
		node, err := chain.NewNodeClient(&cfg.Node, gate, policy)
		if err != nil {
			logger.Fatal("failed to create node client", zap.Error(err))
		}
		defer node.Shutdown()
		source = node
	case config.SourceExplorer:
		source = chain.NewExplorerClient(&cfg.Explorer, gate, policy)
	}

	logger.Info("chain source initialized", zap.String("source", source.Name()))

	ledger := storage.NewLedgerRepository()
	deposits := storage.NewDepositRepository()
	withdrawals := storage.NewWithdrawalRepository()
	audits := storage.NewTipAuditRepository()
	watched := storage.NewWatchedAddressRepository()

	// The sweep also runs here so a standalone worker deployment heals
	// crash leftovers without waiting for an API server restart.
	auditor := service.NewTipAuditor(postgres.Pool(), ledger, audits, cfg.Reconciler.TipPairingWindow)
	sweep := service.NewBootstrapSweep(postgres, postgres.Pool(), &service.PGSweepLock{DB: postgres},
		ledger, deposits, withdrawals, auditor, cache, cfg.Reconciler.MinConfirmations)

	report, err := sweep.Run(ctx)
	if err != nil {
		logger.Fatal("bootstrap sweep failed", zap.Error(err))
	}
	if report.Skipped {
		logger.Info("bootstrap sweep skipped", zap.String("reason", report.SkipReason))
	} else {
		logger.Info("bootstrap sweep completed",
			zap.Int("deposits_healed", report.DepositsHealed),
			zap.Int("withdrawals_healed", report.WithdrawalsHealed),
			zap.Int("tip_pairings_created", report.TipPairingsCreated))
	}

	reconciler, err := worker.NewDepositReconciler(&worker.DepositReconcilerConfig{
		Source:           source,
		DB:               postgres,
		Querier:          postgres.Pool(),
		Deposits:         deposits,
		Ledger:           ledger,
		Watched:          watched,
		Cache:            cache,
		PollInterval:     cfg.Reconciler.PollInterval,
		MinConfirmations: cfg.Reconciler.MinConfirmations,
	})
	if err != nil {
		logger.Fatal("failed to create deposit reconciler", zap.Error(err))
	}

	if err := reconciler.Start(ctx); err != nil {
		logger.Fatal("failed to start deposit reconciler", zap.Error(err))
	}
	logger.Info("deposit reconciler started",
		zap.Duration("poll_interval", cfg.Reconciler.PollInterval),
		zap.Int64("min_confirmations", cfg.Reconciler.MinConfirmations))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping reconciler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := reconciler.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping reconciler", zap.Error(err))
	}

	logger.Info("worker exited")
}
