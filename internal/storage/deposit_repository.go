package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tip-ledger/internal/models"
)

// DepositRepository persists confirmed receiving outputs. The
// (txid, vout) uniqueness constraint is what prevents crediting the same
// output twice across restarts or source switches.
type DepositRepository struct{}

// NewDepositRepository creates a new deposit repository
func NewDepositRepository() *DepositRepository {
	return &DepositRepository{}
}

// Insert records a deposit output. Returns created=false when the
// (txid, vout) pair already exists, in which case d.ID is filled from
// the existing row.
func (r *DepositRepository) Insert(ctx context.Context, q Querier, d *models.Deposit) (bool, error) {
	err := q.QueryRow(ctx, `
		INSERT INTO deposits (user_id, txid, vout, amount, confirmations, credited, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (txid, vout) DO NOTHING
		RETURNING id
	`, d.UserID, d.TxID, d.Vout, d.Amount, d.Confirmations, d.Credited).Scan(&d.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert deposit: %w", err)
	}

	err = q.QueryRow(ctx, `
		SELECT id FROM deposits WHERE txid = $1 AND vout = $2
	`, d.TxID, d.Vout).Scan(&d.ID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve existing deposit %s:%d: %w", d.TxID, d.Vout, err)
	}
	return false, nil
}

// UpdateConfirmations refreshes the confirmation count observed for an
// output that is still below the crediting threshold.
func (r *DepositRepository) UpdateConfirmations(ctx context.Context, q Querier, id, confirmations int64) error {
	if _, err := q.Exec(ctx, `
		UPDATE deposits SET confirmations = $2 WHERE id = $1 AND confirmations < $2
	`, id, confirmations); err != nil {
		return fmt.Errorf("failed to update confirmations for deposit %d: %w", id, err)
	}
	return nil
}

// MarkCredited flips the credited flag once the ledger posting is in
// place. Runs in the same transaction as the posting.
func (r *DepositRepository) MarkCredited(ctx context.Context, q Querier, id int64) error {
	if _, err := q.Exec(ctx, `UPDATE deposits SET credited = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark deposit %d credited: %w", id, err)
	}
	return nil
}

// ListMissingPostings returns deposits that should be credited (flagged
// credited, or at/above the confirmation threshold) but have no matching
// ledger posting. Used by the bootstrap sweep.
func (r *DepositRepository) ListMissingPostings(ctx context.Context, q Querier, minConfirmations int64) ([]*models.Deposit, error) {
	rows, err := q.Query(ctx, `
		SELECT d.id, d.user_id, d.txid, d.vout, d.amount, d.confirmations, d.credited, d.created_at
		FROM deposits d
		WHERE (d.credited OR d.confirmations >= $1)
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.reason = 'deposit' AND e.reference = d.txid || ':' || d.vout
		  )
		ORDER BY d.id ASC
	`, minConfirmations)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits missing postings: %w", err)
	}
	defer rows.Close()

	var deposits []*models.Deposit
	for rows.Next() {
		var d models.Deposit
		if err := rows.Scan(&d.ID, &d.UserID, &d.TxID, &d.Vout, &d.Amount, &d.Confirmations, &d.Credited, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		deposits = append(deposits, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deposits: %w", err)
	}
	return deposits, nil
}
