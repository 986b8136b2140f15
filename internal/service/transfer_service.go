package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// TransferService moves balance between users atomically. A transfer is
// one transaction holding both user rows under FOR UPDATE and appending
// a debit and a credit posting that share one reference. The row locks
// serialize concurrent spends from the same sender, so the in-lock
// balance check cannot be raced into an overdraft.
type TransferService struct {
	db        TxRunner
	users     UserStore
	ledger    LedgerStore
	audits    AuditStore
	cache     Cache
	maxAmount int64
	now       func() time.Time
}

// NewTransferService creates a transfer service. maxAmount of zero
// disables the per-transfer ceiling.
func NewTransferService(db TxRunner, users UserStore, ledger LedgerStore, audits AuditStore, cache Cache, maxAmount int64) *TransferService {
	return &TransferService{
		db:        db,
		users:     users,
		ledger:    ledger,
		audits:    audits,
		cache:     cache,
		maxAmount: maxAmount,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Receipt reports the outcome of a transfer. Replayed reports a
// re-delivery: the reference had already been posted and no balance
// moved on this call.
type Receipt struct {
	Reference     string
	DebitEntryID  int64
	CreditEntryID int64
	FromBalance   int64
	ToBalance     int64
	Replayed      bool
}

// Tip transfers amount lites from one user to another. An empty
// reference gets a generated one; passing the platform's message id
// makes command re-delivery idempotent.
func (s *TransferService) Tip(ctx context.Context, fromID, toID, amount int64, reference string) (*Receipt, error) {
	return s.Transfer(ctx, fromID, toID, amount, models.ReasonTipOut, reference)
}

// Airdrop transfers amount lites as an airdrop claim.
func (s *TransferService) Airdrop(ctx context.Context, fromID, toID, amount int64, reference string) (*Receipt, error) {
	return s.Transfer(ctx, fromID, toID, amount, models.ReasonAirdropOut, reference)
}

// Rain splits a rain event into one transfer per recipient, each lites
// each. It stops at the first failure; transfers already committed
// stand, and the per-recipient references let a retry of the same event
// skip them.
func (s *TransferService) Rain(ctx context.Context, fromID int64, toIDs []int64, each int64, reference string) ([]*Receipt, error) {
	if reference == "" {
		reference = "rain:" + uuid.NewString()
	}

	receipts := make([]*Receipt, 0, len(toIDs))
	for i, toID := range toIDs {
		receipt, err := s.Transfer(ctx, fromID, toID, each, models.ReasonRainOut, fmt.Sprintf("%s:%d", reference, i))
		if err != nil {
			return receipts, fmt.Errorf("rain stopped at recipient %d of %d: %w", i+1, len(toIDs), err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// Transfer is the generic engine behind Tip, Rain and Airdrop.
func (s *TransferService) Transfer(ctx context.Context, fromID, toID, amount int64, outReason models.Reason, reference string) (*Receipt, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.maxAmount > 0 && amount > s.maxAmount {
		return nil, ErrAmountTooLarge
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	inReason, ok := outReason.InboundCounterpart()
	if !ok {
		return nil, fmt.Errorf("reason %q is not an outbound transfer reason", outReason)
	}
	if reference == "" {
		// Re-delivery dedupe needs a caller-supplied reference; a
		// generated one only guarantees this call posts once.
		reference = fmt.Sprintf("%s:%s", strings.TrimSuffix(string(outReason), "_out"), uuid.NewString())
	}

	receipt := &Receipt{Reference: reference}
	err := s.db.WithTx(ctx, func(tx storage.Querier) error {
		// Both rows are locked in ascending id order. Locking only the
		// sender would deadlock two opposing transfers when each also
		// updates the other party's running total.
		if err := s.lockPair(ctx, tx, fromID, toID); err != nil {
			return err
		}

		from, err := s.users.GetByID(ctx, tx, fromID)
		if err != nil {
			return err
		}
		fromChain, err := s.ledger.SumChain(ctx, tx, fromID)
		if err != nil {
			return err
		}
		fromBalance := from.RunningTotal + fromChain

		now := s.now()
		debitID, created, err := s.ledger.Post(ctx, tx, fromID, -amount, outReason, reference, now)
		if err != nil {
			return err
		}
		// A re-delivered reference means the transfer already settled;
		// only a genuinely new debit is held to the balance check. The
		// rollback discards the posting on failure.
		if created && fromBalance < amount {
			return ErrInsufficientBalance
		}
		creditID, _, err := s.ledger.Post(ctx, tx, toID, amount, inReason, reference, now)
		if err != nil {
			return err
		}

		receipt.DebitEntryID = debitID
		receipt.CreditEntryID = creditID
		receipt.Replayed = !created

		if created {
			if err := s.users.AdjustRunningTotal(ctx, tx, fromID, -amount); err != nil {
				return err
			}
			if err := s.users.AdjustRunningTotal(ctx, tx, toID, amount); err != nil {
				return err
			}
			if _, err := s.audits.Insert(ctx, tx, &models.TipAudit{
				FromUserID:    fromID,
				ToUserID:      toID,
				Amount:        amount,
				DebitEntryID:  debitID,
				CreditEntryID: creditID,
			}); err != nil {
				return err
			}
			fromBalance -= amount
		}
		receipt.FromBalance = fromBalance

		to, err := s.users.GetByID(ctx, tx, toID)
		if err != nil {
			return err
		}
		toChain, err := s.ledger.SumChain(ctx, tx, toID)
		if err != nil {
			return err
		}
		receipt.ToBalance = to.RunningTotal + toChain
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.InvalidateBalances(ctx, fromID, toID); err != nil {
		logging.FromContext(ctx).Warn("failed to invalidate cached balances after transfer", zap.Error(err))
	}
	logging.FromContext(ctx).Info("transfer committed",
		zap.Int64("from", fromID),
		zap.Int64("to", toID),
		zap.Int64("amount", amount),
		zap.String("reason", string(outReason)),
		zap.String("reference", reference),
		zap.Bool("replayed", receipt.Replayed))
	return receipt, nil
}

func (s *TransferService) lockPair(ctx context.Context, tx storage.Querier, fromID, toID int64) error {
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	for _, id := range []int64{first, second} {
		if _, err := s.users.LockForUpdate(ctx, tx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
	}
	return nil
}
