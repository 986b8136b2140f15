package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tip-ledger/internal/models"
)

// LedgerRepository handles the append-only ledger table. Rows are never
// updated or deleted; (reason, reference) is the idempotency key.
type LedgerRepository struct{}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{}
}

// Post appends a signed posting. Re-delivery of the same (reason,
// reference) is not an error: the id of the existing row is returned
// with created=false, so callers built on at-least-once delivery behave
// as exactly-once writers.
func (r *LedgerRepository) Post(ctx context.Context, q Querier, userID, amount int64, reason models.Reason, reference string, ts time.Time) (int64, bool, error) {
	if !models.ValidReason(reason) {
		return 0, false, fmt.Errorf("invalid ledger reason %q", reason)
	}
	if reference == "" {
		return 0, false, fmt.Errorf("ledger reference must not be empty")
	}

	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reason, reference) DO NOTHING
		RETURNING id
	`, userID, amount, string(reason), reference, ts).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to post ledger entry: %w", err)
	}

	// Conflict: look up the row that already carries this reference.
	err = q.QueryRow(ctx, `
		SELECT id FROM ledger_entries WHERE reason = $1 AND reference = $2
	`, string(reason), reference).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve existing ledger entry (%s, %s): %w", reason, reference, err)
	}
	return id, false, nil
}

// GetByID retrieves a single ledger entry.
func (r *LedgerRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var reason string
	err := q.QueryRow(ctx, `
		SELECT id, user_id, amount, reason, reference, created_at
		FROM ledger_entries
		WHERE id = $1
	`, id).Scan(&e.ID, &e.UserID, &e.Amount, &reason, &e.Reference, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry %d not found", id)
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	e.Reason = models.Reason(reason)
	return &e, nil
}

// HasReference reports whether a posting with (reason, reference)
// already exists.
func (r *LedgerRepository) HasReference(ctx context.Context, q Querier, reason models.Reason, reference string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE reason = $1 AND reference = $2)
	`, string(reason), reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger reference: %w", err)
	}
	return exists, nil
}

// SumAll computes the full-aggregation balance: the sum of every signed
// posting for the user.
func (r *LedgerRepository) SumAll(ctx context.Context, q Querier, userID int64) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return sum, nil
}

// SumChain computes the deposit/withdrawal portion of the hybrid balance
// model; tip-class postings are carried by users.running_total instead.
func (r *LedgerRepository) SumChain(ctx context.Context, q Querier, userID int64) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND reason IN ('deposit', 'withdrawal')
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum chain ledger entries: %w", err)
	}
	return sum, nil
}

// ListUnpairedOutbound returns outbound tip-class entries that do not yet
// participate in a tip audit row, oldest first.
func (r *LedgerRepository) ListUnpairedOutbound(ctx context.Context, q Querier, limit int) ([]*models.LedgerEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT e.id, e.user_id, e.amount, e.reason, e.reference, e.created_at
		FROM ledger_entries e
		WHERE e.reason IN ('tip_out', 'rain_out', 'airdrop_out')
		  AND NOT EXISTS (SELECT 1 FROM tip_audits a WHERE a.debit_entry_id = e.id)
		ORDER BY e.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaired outbound entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// FindUnpairedInbound searches for the inbound counterpart of an
// outbound entry: a different user, equal absolute amount, timestamp
// within the window, not already paired. The earliest-inserted candidate
// wins.
func (r *LedgerRepository) FindUnpairedInbound(ctx context.Context, q Querier, debit *models.LedgerEntry, window time.Duration) (*models.LedgerEntry, error) {
	inReason, ok := debit.Reason.InboundCounterpart()
	if !ok {
		return nil, fmt.Errorf("entry %d has non-outbound reason %q", debit.ID, debit.Reason)
	}

	var e models.LedgerEntry
	var reason string
	err := q.QueryRow(ctx, `
		SELECT e.id, e.user_id, e.amount, e.reason, e.reference, e.created_at
		FROM ledger_entries e
		WHERE e.reason = $1
		  AND e.user_id <> $2
		  AND e.amount = $3
		  AND e.created_at BETWEEN $4 AND $5
		  AND NOT EXISTS (SELECT 1 FROM tip_audits a WHERE a.credit_entry_id = e.id)
		ORDER BY e.id ASC
		LIMIT 1
	`, string(inReason), debit.UserID, -debit.Amount,
		debit.CreatedAt.Add(-window), debit.CreatedAt.Add(window)).
		Scan(&e.ID, &e.UserID, &e.Amount, &reason, &e.Reference, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find inbound counterpart: %w", err)
	}
	e.Reason = models.Reason(reason)
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var reason string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Reason = models.Reason(reason)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}
