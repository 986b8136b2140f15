package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// TipAuditor pairs outbound transfer postings with their inbound
// counterparts into human-readable audit rows. The transfer engine
// writes the pairing inline; the auditor exists for postings that
// predate it or lost their audit row, and for verifying ledger health.
//
// Pairing is heuristic on (amount, time window): the ledger itself is
// the source of truth and an unpaired entry is a reporting gap, not a
// balance error.
type TipAuditor struct {
	q         storage.Querier
	ledger    LedgerStore
	audits    AuditStore
	window    time.Duration
	batchSize int
}

// NewTipAuditor creates an auditor pairing entries whose timestamps lie
// within window of each other.
func NewTipAuditor(q storage.Querier, ledger LedgerStore, audits AuditStore, window time.Duration) *TipAuditor {
	return &TipAuditor{
		q:         q,
		ledger:    ledger,
		audits:    audits,
		window:    window,
		batchSize: 500,
	}
}

// Run performs one pairing pass and returns how many pairs were
// created. Safe to run concurrently: the unique constraints on the
// audit table make duplicate pairings no-ops.
func (a *TipAuditor) Run(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)

	debits, err := a.ledger.ListUnpairedOutbound(ctx, a.q, a.batchSize)
	if err != nil {
		return 0, err
	}

	paired := 0
	for _, debit := range debits {
		if err := ctx.Err(); err != nil {
			return paired, err
		}

		credit, err := a.ledger.FindUnpairedInbound(ctx, a.q, debit, a.window)
		if err != nil {
			logger.Warn("failed to search for inbound counterpart",
				zap.Int64("entryID", debit.ID), zap.Error(err))
			continue
		}
		if credit == nil {
			logger.Debug("outbound entry has no pairable counterpart",
				zap.Int64("entryID", debit.ID),
				zap.String("reason", string(debit.Reason)),
				zap.String("reference", debit.Reference))
			continue
		}

		created, err := a.audits.Insert(ctx, a.q, &models.TipAudit{
			FromUserID:    debit.UserID,
			ToUserID:      credit.UserID,
			Amount:        -debit.Amount,
			DebitEntryID:  debit.ID,
			CreditEntryID: credit.ID,
		})
		if err != nil {
			logger.Warn("failed to insert tip audit",
				zap.Int64("debitEntryID", debit.ID),
				zap.Int64("creditEntryID", credit.ID),
				zap.Error(err))
			continue
		}
		if created {
			paired++
		}
	}

	if paired > 0 {
		logger.Info("tip pairing pass complete",
			zap.Int("examined", len(debits)), zap.Int("paired", paired))
	}
	return paired, nil
}
