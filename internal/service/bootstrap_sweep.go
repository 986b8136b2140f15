package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// sweepLockKey identifies the cluster-wide advisory lock serializing
// bootstrap sweeps across instances. ASCII "tipledge".
const sweepLockKey int64 = 0x7469706c65646765

// AdvisoryLocker is the cluster mutex the sweep runs under. TryLock
// returns acquired=false without blocking when another instance holds
// the lock.
type AdvisoryLocker interface {
	TryLock(ctx context.Context) (release func(context.Context) error, acquired bool, err error)
}

// SweepDB is the database surface the sweep needs beyond the stores.
type SweepDB interface {
	TxRunner
	SessionReadOnly(ctx context.Context) (bool, error)
}

// PGSweepLock implements AdvisoryLocker on a postgres advisory lock.
type PGSweepLock struct {
	DB *storage.PostgresDB
}

// TryLock acquires the sweep advisory lock without blocking.
func (l *PGSweepLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	lock, err := l.DB.TryAdvisoryLock(ctx, sweepLockKey)
	if err != nil {
		return nil, false, err
	}
	if lock == nil {
		return nil, false, nil
	}
	return lock.Release, true, nil
}

// SweepReport summarizes one bootstrap sweep.
type SweepReport struct {
	Skipped            bool
	SkipReason         string
	DepositsHealed     int
	WithdrawalsHealed  int
	TipPairingsCreated int
}

// BootstrapSweep re-derives ledger state that a crash may have left
// incomplete: deposits past the confirmation threshold without a credit
// posting, sent withdrawals without a debit posting, and transfer
// postings without an audit pairing. Every repair is idempotent, so a
// sweep that is itself interrupted is safe to re-run.
type BootstrapSweep struct {
	db          SweepDB
	q           storage.Querier
	locker      AdvisoryLocker
	ledger      LedgerStore
	deposits    DepositStore
	withdrawals WithdrawalStore
	auditor     *TipAuditor
	cache       Cache
	minConf     int64
}

// NewBootstrapSweep creates a sweep.
func NewBootstrapSweep(db SweepDB, q storage.Querier, locker AdvisoryLocker, ledger LedgerStore, deposits DepositStore, withdrawals WithdrawalStore, auditor *TipAuditor, cache Cache, minConfirmations int64) *BootstrapSweep {
	return &BootstrapSweep{
		db:          db,
		q:           q,
		locker:      locker,
		ledger:      ledger,
		deposits:    deposits,
		withdrawals: withdrawals,
		auditor:     auditor,
		cache:       cache,
		minConf:     minConfirmations,
	}
}

// Run performs one sweep. It skips, without error, when the database
// session is read-only or another instance holds the sweep lock.
func (s *BootstrapSweep) Run(ctx context.Context) (*SweepReport, error) {
	logger := logging.FromContext(ctx)
	report := &SweepReport{}

	readOnly, err := s.db.SessionReadOnly(ctx)
	if err != nil {
		return nil, err
	}
	if readOnly {
		logger.Warn("bootstrap sweep skipped: database session is read-only")
		report.Skipped = true
		report.SkipReason = "read-only session"
		return report, nil
	}

	release, acquired, err := s.locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		logger.Info("bootstrap sweep skipped: another instance holds the sweep lock")
		report.Skipped = true
		report.SkipReason = "lock held elsewhere"
		return report, nil
	}
	defer func() {
		// Release must reach the server even if the work context was
		// cancelled mid-sweep.
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to release sweep lock", zap.Error(err))
		}
	}()

	if report.DepositsHealed, err = s.healDeposits(ctx); err != nil {
		return report, err
	}
	if report.WithdrawalsHealed, err = s.healWithdrawals(ctx); err != nil {
		return report, err
	}
	if report.TipPairingsCreated, err = s.auditor.Run(ctx); err != nil {
		return report, err
	}

	logger.Info("bootstrap sweep complete",
		zap.Int("depositsHealed", report.DepositsHealed),
		zap.Int("withdrawalsHealed", report.WithdrawalsHealed),
		zap.Int("tipPairingsCreated", report.TipPairingsCreated))
	return report, nil
}

// healDeposits posts the missing credit for every deposit that is
// credited or sufficiently confirmed but absent from the ledger.
func (s *BootstrapSweep) healDeposits(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)

	missing, err := s.deposits.ListMissingPostings(ctx, s.q, s.minConf)
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, d := range missing {
		deposit := d
		err := s.db.WithTx(ctx, func(tx storage.Querier) error {
			reference := models.DepositReference(deposit.TxID, deposit.Vout)
			if _, _, err := s.ledger.Post(ctx, tx, deposit.UserID, deposit.Amount, models.ReasonDeposit, reference, deposit.CreatedAt); err != nil {
				return err
			}
			return s.deposits.MarkCredited(ctx, tx, deposit.ID)
		})
		if err != nil {
			logger.Error("failed to heal deposit",
				zap.Int64("depositID", deposit.ID),
				zap.String("txid", deposit.TxID),
				zap.Error(err))
			continue
		}
		healed++
		s.invalidate(ctx, deposit.UserID)
		logger.Warn("healed deposit missing its ledger posting",
			zap.Int64("depositID", deposit.ID),
			zap.String("txid", deposit.TxID),
			zap.Int64("amount", deposit.Amount))
	}
	return healed, nil
}

// healWithdrawals posts the missing debit for every sent withdrawal
// absent from the ledger.
func (s *BootstrapSweep) healWithdrawals(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)

	missing, err := s.withdrawals.ListMissingPostings(ctx, s.q)
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, w := range missing {
		withdrawal := w
		err := s.db.WithTx(ctx, func(tx storage.Querier) error {
			_, _, err := s.ledger.Post(ctx, tx, withdrawal.UserID, -withdrawal.Amount, models.ReasonWithdrawal, withdrawal.TxID, withdrawal.CreatedAt)
			return err
		})
		if err != nil {
			logger.Error("failed to heal withdrawal",
				zap.Int64("withdrawalID", withdrawal.ID),
				zap.String("txid", withdrawal.TxID),
				zap.Error(err))
			continue
		}
		healed++
		s.invalidate(ctx, withdrawal.UserID)
		logger.Warn("healed withdrawal missing its ledger posting",
			zap.Int64("withdrawalID", withdrawal.ID),
			zap.String("txid", withdrawal.TxID),
			zap.Int64("amount", withdrawal.Amount))
	}
	return healed, nil
}

func (s *BootstrapSweep) invalidate(ctx context.Context, userID int64) {
	if err := s.cache.InvalidateBalances(ctx, userID); err != nil {
		logging.FromContext(ctx).Warn("failed to invalidate cached balance", zap.Error(err))
	}
}
