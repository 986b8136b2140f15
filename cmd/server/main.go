// Package main provides the API server entry point for the tip ledger service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/api"
	"github.com/tip-ledger/internal/chain"
	"github.com/tip-ledger/internal/config"
	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/retry"
	"github.com/tip-ledger/internal/service"
	"github.com/tip-ledger/internal/storage"
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

	logger.Info("connecting to postgres",
		zap.String("host", cfg.Postgres.Host), zap.String("database", cfg.Postgres.Database))
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

	// Wallet RPC is only reachable in node mode. In explorer mode the
	// wallet-backed operations report the wallet as unavailable.
	gate := chain.NewGate(cfg.Reconciler.MaxInFlightCalls)
	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   2.0,
	}

	var wallet service.WalletNode
	if cfg.Reconciler.Source == config.SourceNode {
		node, err := chain.NewNodeClient(&cfg.Node, gate, policy)
		if err != nil {
			logger.Fatal("failed to create node client", zap.Error(err))
		}
		defer node.Shutdown()
		wallet = node
	} else {
		logger.Warn("running without wallet RPC, withdrawals and address assignment disabled",
			zap.String("source", cfg.Reconciler.Source))
	}

	users := storage.NewUserRepository()
	ledger := storage.NewLedgerRepository()
	deposits := storage.NewDepositRepository()
	withdrawals := storage.NewWithdrawalRepository()
	audits := storage.NewTipAuditRepository()
	watched := storage.NewWatchedAddressRepository()

	walletSvc := service.NewWalletService(postgres, postgres.Pool(), users, ledger, watched, cache, wallet)
	transferSvc := service.NewTransferService(postgres, users, ledger, audits, cache, cfg.Transfer.MaxAmount)
	withdrawSvc := service.NewWithdrawService(postgres, postgres.Pool(), users, ledger, withdrawals, cache, wallet)

	// Heal anything a previous crash left half-done before serving
	// traffic. The advisory lock makes this a no-op when another
	// instance got there first.
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

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	server := api.NewServer(serverConfig, logger, walletSvc, transferSvc, withdrawSvc, postgres, cache)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("host", cfg.Server.Host), zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
