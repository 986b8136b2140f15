package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tip-ledger/internal/models"
)

// WatchedAddressRepository maps chain receiving addresses to users.
type WatchedAddressRepository struct{}

// NewWatchedAddressRepository creates a new watched address repository
func NewWatchedAddressRepository() *WatchedAddressRepository {
	return &WatchedAddressRepository{}
}

// Insert registers an address for a user. Idempotent on the address.
func (r *WatchedAddressRepository) Insert(ctx context.Context, q Querier, w *models.WatchedAddress) error {
	err := q.QueryRow(ctx, `
		INSERT INTO watched_addresses (user_id, address, label, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (address) DO NOTHING
		RETURNING id
	`, w.UserID, w.Address, w.Label).Scan(&w.ID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to insert watched address: %w", err)
	}
	return nil
}

// GetByAddress resolves the user owning an address.
func (r *WatchedAddressRepository) GetByAddress(ctx context.Context, q Querier, address string) (*models.WatchedAddress, error) {
	var w models.WatchedAddress
	err := q.QueryRow(ctx, `
		SELECT id, user_id, address, label, created_at
		FROM watched_addresses WHERE address = $1
	`, address).Scan(&w.ID, &w.UserID, &w.Address, &w.Label, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get watched address: %w", err)
	}
	return &w, nil
}

// ListAll returns every watched address. The reconciler passes these to
// the configured chain source each cycle.
func (r *WatchedAddressRepository) ListAll(ctx context.Context, q Querier) ([]*models.WatchedAddress, error) {
	rows, err := q.Query(ctx, `
		SELECT id, user_id, address, label, created_at
		FROM watched_addresses
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watched addresses: %w", err)
	}
	defer rows.Close()

	var addresses []*models.WatchedAddress
	for rows.Next() {
		var w models.WatchedAddress
		if err := rows.Scan(&w.ID, &w.UserID, &w.Address, &w.Label, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watched address: %w", err)
		}
		addresses = append(addresses, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watched addresses: %w", err)
	}
	return addresses, nil
}
