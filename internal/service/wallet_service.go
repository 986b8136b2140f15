package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// WalletService handles accounts, balances and deposit addresses.
//
// Balances use the hybrid model: users.running_total carries the
// tip-class postings and the ledger is summed for deposit/withdrawal
// postings. The full ledger sum must always equal the hybrid value;
// VerifyBalance exposes both for auditing.
type WalletService struct {
	db      TxRunner
	q       storage.Querier
	users   UserStore
	ledger  LedgerStore
	watched WatchedAddressStore
	cache   Cache
	wallet  WalletNode
}

// NewWalletService creates a wallet service. wallet may be nil when no
// coin node is configured; address assignment then returns
// ErrWalletUnavailable.
func NewWalletService(db TxRunner, q storage.Querier, users UserStore, ledger LedgerStore, watched WatchedAddressStore, cache Cache, wallet WalletNode) *WalletService {
	return &WalletService{
		db:      db,
		q:       q,
		users:   users,
		ledger:  ledger,
		watched: watched,
		cache:   cache,
		wallet:  wallet,
	}
}

// EnsureUser creates the account on first contact with the platform
// identity, or refreshes the stored handle. A handle change drops the
// old handle's cached resolution so it cannot serve stale for a TTL.
func (s *WalletService) EnsureUser(ctx context.Context, platformID int64, handle string) (*models.User, error) {
	previous, err := s.users.GetByPlatformID(ctx, s.q, platformID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	user, err := s.users.Ensure(ctx, s.q, platformID, handle)
	if err != nil {
		return nil, err
	}

	if previous != nil && previous.Handle != "" && !strings.EqualFold(previous.Handle, user.Handle) {
		if err := s.cache.InvalidateHandle(ctx, previous.Handle); err != nil {
			logging.FromContext(ctx).Warn("failed to invalidate cached handle", zap.Error(err))
		}
	}
	if user.Handle != "" {
		if err := s.cache.SetHandleUser(ctx, user.Handle, user.ID); err != nil {
			logging.FromContext(ctx).Warn("failed to cache handle", zap.Error(err))
		}
	}
	return user, nil
}

// GetUser loads a user by internal id.
func (s *WalletService) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.users.GetByID(ctx, s.q, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// FindUserByHandle resolves a display handle, case-insensitively, via
// the cache when possible.
func (s *WalletService) FindUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	if id, ok := s.cache.GetHandleUser(ctx, handle); ok {
		user, err := s.users.GetByID(ctx, s.q, id)
		if err == nil {
			return user, nil
		}
		// Stale cache entry; fall through to the database.
	}

	user, err := s.users.FindByHandle(ctx, s.q, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetHandleUser(ctx, handle, user.ID); err != nil {
		logging.FromContext(ctx).Warn("failed to cache handle", zap.Error(err))
	}
	return user, nil
}

// GetBalance returns the user's spendable balance in lites.
func (s *WalletService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	if balance, ok := s.cache.GetBalance(ctx, userID); ok {
		return balance, nil
	}

	balance, err := s.balance(ctx, s.q, userID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.SetBalance(ctx, userID, balance); err != nil {
		logging.FromContext(ctx).Warn("failed to cache balance", zap.Int64("userID", userID), zap.Error(err))
	}
	return balance, nil
}

func (s *WalletService) balance(ctx context.Context, q storage.Querier, userID int64) (int64, error) {
	user, err := s.users.GetByID(ctx, q, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	chainSum, err := s.ledger.SumChain(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return user.RunningTotal + chainSum, nil
}

// VerifyBalance computes the balance both ways: the hybrid accelerated
// value and the full ledger aggregation. A mismatch means the running
// total drifted and the account needs investigation.
func (s *WalletService) VerifyBalance(ctx context.Context, userID int64) (hybrid, full int64, err error) {
	hybrid, err = s.balance(ctx, s.q, userID)
	if err != nil {
		return 0, 0, err
	}
	full, err = s.ledger.SumAll(ctx, s.q, userID)
	if err != nil {
		return 0, 0, err
	}
	if hybrid != full {
		logging.FromContext(ctx).Error("balance mismatch between running total and ledger",
			zap.Int64("userID", userID), zap.Int64("hybrid", hybrid), zap.Int64("full", full))
	}
	return hybrid, full, nil
}

// Credit posts an inbound tip-class adjustment outside a paired
// transfer, e.g. a house-funded promotional airdrop. Idempotent on
// (reason, reference).
func (s *WalletService) Credit(ctx context.Context, userID, amount int64, reason models.Reason, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, outbound := reason.InboundCounterpart(); !reason.TipClass() || outbound {
		return fmt.Errorf("reason %q is not an inbound tip-class reason", reason)
	}

	err := s.db.WithTx(ctx, func(tx storage.Querier) error {
		if _, err := s.users.LockForUpdate(ctx, tx, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		_, created, err := s.ledger.Post(ctx, tx, userID, amount, reason, reference, time.Now().UTC())
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return s.users.AdjustRunningTotal(ctx, tx, userID, amount)
	})
	if err != nil {
		return err
	}

	s.invalidateBalances(ctx, userID)
	return nil
}

// Debit posts an outbound tip-class adjustment outside a paired
// transfer. The balance check runs under the sender's row lock, and only
// for a fresh posting: a replayed reference succeeds regardless of the
// current balance. Idempotent on (reason, reference).
func (s *WalletService) Debit(ctx context.Context, userID, amount int64, reason models.Reason, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, outbound := reason.InboundCounterpart(); !outbound {
		return fmt.Errorf("reason %q is not an outbound tip-class reason", reason)
	}

	err := s.db.WithTx(ctx, func(tx storage.Querier) error {
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

		_, created, err := s.ledger.Post(ctx, tx, userID, -amount, reason, reference, time.Now().UTC())
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		if user.RunningTotal+chainSum < amount {
			return ErrInsufficientBalance
		}
		return s.users.AdjustRunningTotal(ctx, tx, userID, -amount)
	})
	if err != nil {
		return err
	}

	s.invalidateBalances(ctx, userID)
	return nil
}

// GetOrAssignDepositAddress returns the user's receiving address,
// asking the coin node for a fresh one on first use. The address is
// registered as watched in the same transaction that stores it, so the
// reconciler can attribute deposits to it from the moment it is handed
// out.
func (s *WalletService) GetOrAssignDepositAddress(ctx context.Context, userID int64) (string, error) {
	if address, ok := s.cache.GetDepositAddress(ctx, userID); ok {
		return address, nil
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.DepositAddress != "" {
		s.cacheDepositAddress(ctx, userID, user.DepositAddress)
		return user.DepositAddress, nil
	}

	if s.wallet == nil {
		return "", ErrWalletUnavailable
	}
	address, err := s.wallet.NewDepositAddress(ctx, fmt.Sprintf("user-%d", user.PlatformID))
	if err != nil {
		return "", fmt.Errorf("failed to get new deposit address: %w", err)
	}
	if address == "" {
		return "", fmt.Errorf("coin node returned an empty address")
	}

	err = s.db.WithTx(ctx, func(tx storage.Querier) error {
		if err := s.users.SetDepositAddress(ctx, tx, userID, address); err != nil {
			return err
		}
		return s.watched.Insert(ctx, tx, &models.WatchedAddress{
			UserID:  userID,
			Address: address,
			Label:   fmt.Sprintf("user-%d", user.PlatformID),
		})
	})
	if err != nil {
		return "", err
	}

	s.cacheDepositAddress(ctx, userID, address)
	return address, nil
}

func (s *WalletService) cacheDepositAddress(ctx context.Context, userID int64, address string) {
	if err := s.cache.SetDepositAddress(ctx, userID, address); err != nil {
		logging.FromContext(ctx).Warn("failed to cache deposit address", zap.Int64("userID", userID), zap.Error(err))
	}
}

func (s *WalletService) invalidateBalances(ctx context.Context, userIDs ...int64) {
	if err := s.cache.InvalidateBalances(ctx, userIDs...); err != nil {
		logging.FromContext(ctx).Warn("failed to invalidate cached balances", zap.Error(err))
	}
}
