// Package worker runs the background deposit reconciliation loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/chain"
	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/service"
	"github.com/tip-ledger/internal/storage"
)

// DepositReconciler polls the configured chain source and credits
// confirmed deposits. Every output is handled independently: one bad
// transaction never aborts a cycle, and re-seeing an already credited
// output is a no-op thanks to the (txid, vout) and (reason, reference)
// uniqueness constraints.
type DepositReconciler struct {
	source   chain.Source
	db       service.TxRunner
	q        storage.Querier
	deposits service.DepositStore
	ledger   service.LedgerStore
	watched  service.WatchedAddressStore
	cache    service.Cache

	pollInterval time.Duration
	minConf      int64

	running      bool
	mu           sync.RWMutex
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastPollTime time.Time
}

// DepositReconcilerConfig holds configuration for a deposit reconciler.
type DepositReconcilerConfig struct {
	Source           chain.Source
	DB               service.TxRunner
	Querier          storage.Querier
	Deposits         service.DepositStore
	Ledger           service.LedgerStore
	Watched          service.WatchedAddressStore
	Cache            service.Cache
	PollInterval     time.Duration
	MinConfirmations int64
}

// NewDepositReconciler creates a deposit reconciler.
func NewDepositReconciler(cfg *DepositReconcilerConfig) (*DepositReconciler, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("chain source cannot be nil")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if cfg.Deposits == nil || cfg.Ledger == nil || cfg.Watched == nil {
		return nil, fmt.Errorf("stores cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if cfg.MinConfirmations < 1 {
		return nil, fmt.Errorf("minimum confirmations must be at least 1, got %d", cfg.MinConfirmations)
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}
	if pollInterval < time.Second {
		return nil, fmt.Errorf("poll interval must be at least 1s, got %v", pollInterval)
	}

	return &DepositReconciler{
		source:       cfg.Source,
		db:           cfg.DB,
		q:            cfg.Querier,
		deposits:     cfg.Deposits,
		ledger:       cfg.Ledger,
		watched:      cfg.Watched,
		cache:        cfg.Cache,
		pollInterval: pollInterval,
		minConf:      cfg.MinConfirmations,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start begins polling in a background goroutine.
func (w *DepositReconciler) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("deposit reconciler is already running")
	}
	w.running = true
	w.mu.Unlock()

	logging.FromContext(ctx).Info("starting deposit reconciler",
		zap.String("source", w.source.Name()),
		zap.Duration("pollInterval", w.pollInterval),
		zap.Int64("minConfirmations", w.minConf))

	go w.pollLoop(ctx)
	return nil
}

// Stop gracefully stops the reconciler, waiting for the current cycle.
func (w *DepositReconciler) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("deposit reconciler is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *DepositReconciler) pollLoop(ctx context.Context) {
	defer close(w.doneCh)
	logger := logging.FromContext(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("deposit reconciler: context cancelled")
			return
		case <-w.stopCh:
			logger.Info("deposit reconciler: stop signal received")
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastPollTime = time.Now()
			w.mu.Unlock()

			credited, err := w.RunCycle(ctx)
			if err != nil {
				if errors.Is(err, chain.ErrNodeBusy) || errors.Is(err, chain.ErrCircuitOpen) {
					logger.Warn("deposit reconciler: source unavailable, will retry next cycle", zap.Error(err))
				} else {
					logger.Error("deposit reconciler: cycle failed", zap.Error(err))
				}
				continue
			}
			if credited > 0 {
				logger.Info("deposit reconciler: cycle complete", zap.Int("credited", credited))
			}
		}
	}
}

// RunCycle performs one reconciliation pass and returns how many
// deposits were credited.
func (w *DepositReconciler) RunCycle(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)

	watched, err := w.watched.ListAll(ctx, w.q)
	if err != nil {
		return 0, fmt.Errorf("failed to list watched addresses: %w", err)
	}
	if len(watched) == 0 {
		return 0, nil
	}

	owners := make(map[string]int64, len(watched))
	addresses := make([]string, 0, len(watched))
	for _, a := range watched {
		owners[a.Address] = a.UserID
		addresses = append(addresses, a.Address)
	}

	outputs, err := w.source.RecentOutputs(ctx, addresses)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch recent outputs from %s: %w", w.source.Name(), err)
	}

	credited := 0
	for _, output := range outputs {
		if err := ctx.Err(); err != nil {
			return credited, err
		}

		userID, ok := owners[output.Address]
		if !ok {
			// The source returned an address we did not ask about.
			logger.Warn("skipping output for unwatched address",
				zap.String("txid", output.TxID), zap.String("address", output.Address))
			continue
		}

		wasCredited, err := w.processOutput(ctx, userID, output)
		if err != nil {
			logger.Error("failed to process deposit output, continuing",
				zap.String("reference", output.Reference()),
				zap.Int64("userID", userID),
				zap.Error(err))
			continue
		}
		if wasCredited {
			credited++
			if err := w.cache.InvalidateBalances(ctx, userID); err != nil {
				logger.Warn("failed to invalidate cached balance", zap.Int64("userID", userID), zap.Error(err))
			}
			logger.Info("deposit credited",
				zap.String("reference", output.Reference()),
				zap.Int64("userID", userID),
				zap.Int64("amount", output.Amount),
				zap.Int64("confirmations", output.Confirmations))
		}
	}
	return credited, nil
}

// processOutput records one output and, once sufficiently confirmed,
// posts its credit. Returns whether a new credit was posted.
func (w *DepositReconciler) processOutput(ctx context.Context, userID int64, output chain.Output) (bool, error) {
	if output.Confirmations < w.minConf {
		// Record the sighting so operators can see pending deposits;
		// crediting waits for the threshold.
		deposit := &models.Deposit{
			UserID:        userID,
			TxID:          output.TxID,
			Vout:          output.Vout,
			Amount:        output.Amount,
			Confirmations: output.Confirmations,
		}
		created, err := w.deposits.Insert(ctx, w.q, deposit)
		if err != nil {
			return false, err
		}
		if !created {
			return false, w.deposits.UpdateConfirmations(ctx, w.q, deposit.ID, output.Confirmations)
		}
		return false, nil
	}

	// Confirmed outputs keep showing up in the source's window long
	// after crediting; skip the write transaction once the posting is
	// on the ledger.
	already, err := w.ledger.HasReference(ctx, w.q, models.ReasonDeposit, output.Reference())
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	creditedNow := false
	err = w.db.WithTx(ctx, func(tx storage.Querier) error {
		deposit := &models.Deposit{
			UserID:        userID,
			TxID:          output.TxID,
			Vout:          output.Vout,
			Amount:        output.Amount,
			Confirmations: output.Confirmations,
		}
		if _, err := w.deposits.Insert(ctx, tx, deposit); err != nil {
			return err
		}
		if err := w.deposits.UpdateConfirmations(ctx, tx, deposit.ID, output.Confirmations); err != nil {
			return err
		}

		_, created, err := w.ledger.Post(ctx, tx, userID, output.Amount, models.ReasonDeposit, output.Reference(), output.Time)
		if err != nil {
			return err
		}
		creditedNow = created
		return w.deposits.MarkCredited(ctx, tx, deposit.ID)
	})
	if err != nil {
		return false, err
	}
	return creditedNow, nil
}

// Status reports the reconciler's current state.
type Status struct {
	Running             bool
	Source              string
	LastPollTime        time.Time
	PollIntervalSeconds int
	MinConfirmations    int64
}

// GetStatus returns the current reconciler status.
func (w *DepositReconciler) GetStatus() *Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return &Status{
		Running:             w.running,
		Source:              w.source.Name(),
		LastPollTime:        w.lastPollTime,
		PollIntervalSeconds: int(w.pollInterval.Seconds()),
		MinConfirmations:    w.minConf,
	}
}
