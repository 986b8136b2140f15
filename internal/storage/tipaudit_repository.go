package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tip-ledger/internal/models"
)

// TipAuditRepository persists tip pairings. Unique constraints on both
// entry-id columns guarantee an entry is paired at most once; inserts
// ignore conflicts so concurrent pairing runs cannot fail each other.
type TipAuditRepository struct{}

// NewTipAuditRepository creates a new tip audit repository
func NewTipAuditRepository() *TipAuditRepository {
	return &TipAuditRepository{}
}

// Insert records a pairing. Returns created=false when either entry is
// already paired (a concurrent run got there first).
func (r *TipAuditRepository) Insert(ctx context.Context, q Querier, a *models.TipAudit) (bool, error) {
	err := q.QueryRow(ctx, `
		INSERT INTO tip_audits (from_user_id, to_user_id, amount, debit_entry_id, credit_entry_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT DO NOTHING
		RETURNING id
	`, a.FromUserID, a.ToUserID, a.Amount, a.DebitEntryID, a.CreditEntryID).Scan(&a.ID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("failed to insert tip audit: %w", err)
}

// ListByUser returns pairings where the user is on either side, newest
// first, for reporting.
func (r *TipAuditRepository) ListByUser(ctx context.Context, q Querier, userID int64, limit int) ([]*models.TipAudit, error) {
	rows, err := q.Query(ctx, `
		SELECT id, from_user_id, to_user_id, amount, debit_entry_id, credit_entry_id, created_at
		FROM tip_audits
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tip audits: %w", err)
	}
	defer rows.Close()

	var audits []*models.TipAudit
	for rows.Next() {
		var a models.TipAudit
		if err := rows.Scan(&a.ID, &a.FromUserID, &a.ToUserID, &a.Amount, &a.DebitEntryID, &a.CreditEntryID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tip audit: %w", err)
		}
		audits = append(audits, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tip audits: %w", err)
	}
	return audits, nil
}
