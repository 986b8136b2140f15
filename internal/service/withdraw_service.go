package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// WithdrawService sends balance out to an on-chain address.
//
// A withdrawal runs in three phases: a transaction that checks the
// balance, net of other pending withdrawals, under the sender's row
// lock and records a pending row, the
// broadcast itself, and a second transaction that attaches the txid and
// appends the debit posting. The broadcast cannot be rolled back, so it
// never runs inside a database transaction; a failed broadcast marks
// the row failed and posts nothing, leaving the balance untouched.
type WithdrawService struct {
	db          TxRunner
	q           storage.Querier
	users       UserStore
	ledger      LedgerStore
	withdrawals WithdrawalStore
	cache       Cache
	wallet      WalletNode
	now         func() time.Time
}

// NewWithdrawService creates a withdraw service. wallet may be nil when
// no coin node is configured; Withdraw then returns
// ErrWalletUnavailable.
func NewWithdrawService(db TxRunner, q storage.Querier, users UserStore, ledger LedgerStore, withdrawals WithdrawalStore, cache Cache, wallet WalletNode) *WithdrawService {
	return &WithdrawService{
		db:          db,
		q:           q,
		users:       users,
		ledger:      ledger,
		withdrawals: withdrawals,
		cache:       cache,
		wallet:      wallet,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Withdraw validates the destination, reserves a pending withdrawal
// under the sender's row lock, broadcasts, and posts the debit keyed on
// the broadcast txid.
func (s *WithdrawService) Withdraw(ctx context.Context, userID int64, address string, amount int64) (*models.Withdrawal, error) {
	logger := logging.FromContext(ctx)

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.wallet == nil {
		return nil, ErrWalletUnavailable
	}

	valid, err := s.wallet.ValidateAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to validate address: %w", err)
	}
	if !valid {
		return nil, ErrInvalidAddress
	}

	var withdrawalID int64
	err = s.db.WithTx(ctx, func(tx storage.Querier) error {
		user, err := s.users.LockForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		chainSum, err := s.ledger.SumChain(ctx, tx, userID)
		if err != nil {
			return err
		}
		// Withdrawals awaiting broadcast have no debit posting yet;
		// their reservations still count against the balance.
		reserved, err := s.withdrawals.SumPending(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user.RunningTotal+chainSum-reserved < amount {
			return ErrInsufficientBalance
		}

		withdrawalID, err = s.withdrawals.CreatePending(ctx, tx, userID, address, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	txid, err := s.wallet.SendToAddress(ctx, address, amount)
	if err != nil {
		logger.Error("withdrawal broadcast failed",
			zap.Int64("withdrawalID", withdrawalID),
			zap.Int64("userID", userID),
			zap.Error(err))
		if markErr := s.withdrawals.MarkFailed(ctx, s.q, withdrawalID); markErr != nil {
			logger.Error("failed to mark withdrawal failed", zap.Int64("withdrawalID", withdrawalID), zap.Error(markErr))
		}
		return nil, fmt.Errorf("failed to broadcast withdrawal: %w", err)
	}

	err = s.db.WithTx(ctx, func(tx storage.Querier) error {
		if err := s.withdrawals.MarkSent(ctx, tx, withdrawalID, txid); err != nil {
			return err
		}
		_, _, err := s.ledger.Post(ctx, tx, userID, -amount, models.ReasonWithdrawal, txid, s.now())
		return err
	})
	if err != nil {
		// The coins are on the wire; the bootstrap sweep re-derives
		// the missing posting from the sent row on next startup.
		logger.Error("failed to record sent withdrawal, sweep will heal it",
			zap.Int64("withdrawalID", withdrawalID),
			zap.String("txid", txid),
			zap.Error(err))
		return nil, err
	}

	if err := s.cache.InvalidateBalances(ctx, userID); err != nil {
		logger.Warn("failed to invalidate cached balance after withdrawal", zap.Error(err))
	}
	logger.Info("withdrawal sent",
		zap.Int64("withdrawalID", withdrawalID),
		zap.Int64("userID", userID),
		zap.Int64("amount", amount),
		zap.String("txid", txid))

	return s.withdrawals.GetByID(ctx, s.q, withdrawalID)
}

// GetWithdrawal loads a withdrawal by id.
func (s *WithdrawService) GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	w, err := s.withdrawals.GetByID(ctx, s.q, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("withdrawal %d: %w", id, storage.ErrNotFound)
	}
	return w, err
}
