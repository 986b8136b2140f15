package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tip-ledger/internal/models"
)

// UserRepository handles user data persistence
type UserRepository struct{}

// NewUserRepository creates a new user repository
func NewUserRepository() *UserRepository {
	return &UserRepository{}
}

const userColumns = `id, platform_id, handle, COALESCE(deposit_address, ''), running_total, created_at, updated_at`

// Ensure creates the user on first interaction, or refreshes the handle
// if it changed. Users are never deleted once they carry ledger history.
func (r *UserRepository) Ensure(ctx context.Context, q Querier, platformID int64, handle string) (*models.User, error) {
	var u models.User
	err := q.QueryRow(ctx, `
		INSERT INTO users (platform_id, handle, running_total, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		ON CONFLICT (platform_id) DO UPDATE
		SET handle = EXCLUDED.handle, updated_at = NOW()
		RETURNING `+userColumns+`
	`, platformID, handle).Scan(
		&u.ID, &u.PlatformID, &u.Handle, &u.DepositAddress, &u.RunningTotal, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return &u, nil
}

// GetByID retrieves a user by internal id.
func (r *UserRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.User, error) {
	return r.getWhere(ctx, q, `id = $1`, id)
}

// GetByPlatformID retrieves a user by their chain-network identity.
func (r *UserRepository) GetByPlatformID(ctx context.Context, q Querier, platformID int64) (*models.User, error) {
	return r.getWhere(ctx, q, `platform_id = $1`, platformID)
}

// FindByHandle retrieves a user by display handle (case-insensitive).
func (r *UserRepository) FindByHandle(ctx context.Context, q Querier, handle string) (*models.User, error) {
	return r.getWhere(ctx, q, `LOWER(handle) = LOWER($1)`, handle)
}

func (r *UserRepository) getWhere(ctx context.Context, q Querier, where string, arg any) (*models.User, error) {
	var u models.User
	err := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).Scan(
		&u.ID, &u.PlatformID, &u.Handle, &u.DepositAddress, &u.RunningTotal, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// LockForUpdate loads a user row under an exclusive row lock. Must run
// inside a transaction; this is what serializes concurrent spends from
// the same sender.
func (r *UserRepository) LockForUpdate(ctx context.Context, q Querier, id int64) (*models.User, error) {
	var u models.User
	err := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id).Scan(
		&u.ID, &u.PlatformID, &u.Handle, &u.DepositAddress, &u.RunningTotal, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock user %d: %w", id, err)
	}
	return &u, nil
}

// AdjustRunningTotal applies a signed delta to the balance accelerator.
// Only the transfer engine calls this, in the same transaction as the
// tip-class postings the delta summarizes.
func (r *UserRepository) AdjustRunningTotal(ctx context.Context, q Querier, id, delta int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE users SET running_total = running_total + $2, updated_at = NOW() WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust running total for user %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDepositAddress caches the assigned receiving address on the user row.
func (r *UserRepository) SetDepositAddress(ctx context.Context, q Querier, id int64, address string) error {
	if _, err := q.Exec(ctx, `
		UPDATE users SET deposit_address = $2, updated_at = NOW() WHERE id = $1
	`, id, address); err != nil {
		return fmt.Errorf("failed to set deposit address for user %d: %w", id, err)
	}
	return nil
}
