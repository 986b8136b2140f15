package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tip-ledger/internal/models"
)

// WithdrawalRepository persists outgoing on-chain payments. The txid is
// null until the broadcast succeeds and unique once set.
type WithdrawalRepository struct{}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository() *WithdrawalRepository {
	return &WithdrawalRepository{}
}

// CreatePending records a withdrawal before broadcast.
func (r *WithdrawalRepository) CreatePending(ctx context.Context, q Querier, userID int64, address string, amount int64) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO withdrawals (user_id, address, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', NOW(), NOW())
		RETURNING id
	`, userID, address, amount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create pending withdrawal: %w", err)
	}
	return id, nil
}

// MarkSent attaches the broadcast txid. A txid that is already attached
// to another row violates the uniqueness invariant and is surfaced as an
// error rather than silently reassigned.
func (r *WithdrawalRepository) MarkSent(ctx context.Context, q Querier, id int64, txid string) error {
	tag, err := q.Exec(ctx, `
		UPDATE withdrawals SET txid = $2, status = 'sent', updated_at = NOW()
		WHERE id = $1 AND txid IS NULL
	`, id, txid)
	if err != nil {
		return fmt.Errorf("failed to mark withdrawal %d sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %d not found or txid already set", id)
	}
	return nil
}

// MarkFailed records a failed broadcast; the caller's balance is
// untouched because no ledger posting is ever made for a failed send.
func (r *WithdrawalRepository) MarkFailed(ctx context.Context, q Querier, id int64) error {
	if _, err := q.Exec(ctx, `
		UPDATE withdrawals SET status = 'failed', updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to mark withdrawal %d failed: %w", id, err)
	}
	return nil
}

// SumPending totals a user's pending withdrawals. A pending row is a
// reservation with no ledger posting yet, so balance checks must
// subtract it explicitly.
func (r *WithdrawalRepository) SumPending(ctx context.Context, q Querier, userID int64) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawals
		WHERE user_id = $1 AND status = 'pending'
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending withdrawals: %w", err)
	}
	return sum, nil
}

// GetByID retrieves a withdrawal.
func (r *WithdrawalRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var txid *string
	var status string
	err := q.QueryRow(ctx, `
		SELECT id, user_id, address, amount, txid, status, created_at, updated_at
		FROM withdrawals WHERE id = $1
	`, id).Scan(&w.ID, &w.UserID, &w.Address, &w.Amount, &txid, &status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	if txid != nil {
		w.TxID = *txid
	}
	w.Status = models.WithdrawalStatus(status)
	return &w, nil
}

// ListMissingPostings returns sent withdrawals whose debit posting is
// absent from the ledger. Used by the bootstrap sweep.
func (r *WithdrawalRepository) ListMissingPostings(ctx context.Context, q Querier) ([]*models.Withdrawal, error) {
	rows, err := q.Query(ctx, `
		SELECT w.id, w.user_id, w.address, w.amount, w.txid, w.status, w.created_at, w.updated_at
		FROM withdrawals w
		WHERE w.txid IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.reason = 'withdrawal' AND e.reference = w.txid
		  )
		ORDER BY w.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals missing postings: %w", err)
	}
	defer rows.Close()

	var withdrawals []*models.Withdrawal
	for rows.Next() {
		var w models.Withdrawal
		var txid *string
		var status string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Address, &w.Amount, &txid, &status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		if txid != nil {
			w.TxID = *txid
		}
		w.Status = models.WithdrawalStatus(status)
		withdrawals = append(withdrawals, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate withdrawals: %w", err)
	}
	return withdrawals, nil
}
