// Package service implements the business operations of the tip ledger:
// user accounts, internal transfers, withdrawals, deposit crediting
// support, tip pairing and the bootstrap reconciliation sweep. Services
// depend on narrow store interfaces so unit tests run against in-memory
// fakes; the storage package provides the production implementations.
package service

import (
	"context"
	"time"

	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx storage.Querier) error) error
}

// UserStore is the user persistence surface the services need.
type UserStore interface {
	Ensure(ctx context.Context, q storage.Querier, platformID int64, handle string) (*models.User, error)
	GetByID(ctx context.Context, q storage.Querier, id int64) (*models.User, error)
	GetByPlatformID(ctx context.Context, q storage.Querier, platformID int64) (*models.User, error)
	FindByHandle(ctx context.Context, q storage.Querier, handle string) (*models.User, error)
	LockForUpdate(ctx context.Context, q storage.Querier, id int64) (*models.User, error)
	AdjustRunningTotal(ctx context.Context, q storage.Querier, id, delta int64) error
	SetDepositAddress(ctx context.Context, q storage.Querier, id int64, address string) error
}

// LedgerStore is the append-only ledger surface.
type LedgerStore interface {
	Post(ctx context.Context, q storage.Querier, userID, amount int64, reason models.Reason, reference string, ts time.Time) (int64, bool, error)
	HasReference(ctx context.Context, q storage.Querier, reason models.Reason, reference string) (bool, error)
	SumAll(ctx context.Context, q storage.Querier, userID int64) (int64, error)
	SumChain(ctx context.Context, q storage.Querier, userID int64) (int64, error)
	ListUnpairedOutbound(ctx context.Context, q storage.Querier, limit int) ([]*models.LedgerEntry, error)
	FindUnpairedInbound(ctx context.Context, q storage.Querier, debit *models.LedgerEntry, window time.Duration) (*models.LedgerEntry, error)
}

// DepositStore is the deposit persistence surface.
type DepositStore interface {
	Insert(ctx context.Context, q storage.Querier, d *models.Deposit) (bool, error)
	UpdateConfirmations(ctx context.Context, q storage.Querier, id, confirmations int64) error
	MarkCredited(ctx context.Context, q storage.Querier, id int64) error
	ListMissingPostings(ctx context.Context, q storage.Querier, minConfirmations int64) ([]*models.Deposit, error)
}

// WithdrawalStore is the withdrawal persistence surface.
type WithdrawalStore interface {
	CreatePending(ctx context.Context, q storage.Querier, userID int64, address string, amount int64) (int64, error)
	SumPending(ctx context.Context, q storage.Querier, userID int64) (int64, error)
	MarkSent(ctx context.Context, q storage.Querier, id int64, txid string) error
	MarkFailed(ctx context.Context, q storage.Querier, id int64) error
	GetByID(ctx context.Context, q storage.Querier, id int64) (*models.Withdrawal, error)
	ListMissingPostings(ctx context.Context, q storage.Querier) ([]*models.Withdrawal, error)
}

// AuditStore is the tip pairing surface.
type AuditStore interface {
	Insert(ctx context.Context, q storage.Querier, a *models.TipAudit) (bool, error)
	ListByUser(ctx context.Context, q storage.Querier, userID int64, limit int) ([]*models.TipAudit, error)
}

// WatchedAddressStore maps receiving addresses to users.
type WatchedAddressStore interface {
	Insert(ctx context.Context, q storage.Querier, w *models.WatchedAddress) error
	GetByAddress(ctx context.Context, q storage.Querier, address string) (*models.WatchedAddress, error)
	ListAll(ctx context.Context, q storage.Querier) ([]*models.WatchedAddress, error)
}

// Cache is the hot-lookup cache surface.
type Cache interface {
	GetBalance(ctx context.Context, userID int64) (int64, bool)
	SetBalance(ctx context.Context, userID, balance int64) error
	InvalidateBalances(ctx context.Context, userIDs ...int64) error
	GetHandleUser(ctx context.Context, handle string) (int64, bool)
	SetHandleUser(ctx context.Context, handle string, userID int64) error
	InvalidateHandle(ctx context.Context, handle string) error
	GetDepositAddress(ctx context.Context, userID int64) (string, bool)
	SetDepositAddress(ctx context.Context, userID int64, address string) error
}

// WalletNode is the subset of the coin node the services call. It is nil
// when the reconciler runs against a block explorer, which can observe
// the chain but not hold keys.
type WalletNode interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
	SendToAddress(ctx context.Context, address string, lites int64) (string, error)
	NewDepositAddress(ctx context.Context, label string) (string, error)
}

// The production repositories must satisfy the store interfaces.
var (
	_ UserStore           = (*storage.UserRepository)(nil)
	_ LedgerStore         = (*storage.LedgerRepository)(nil)
	_ DepositStore        = (*storage.DepositRepository)(nil)
	_ WithdrawalStore     = (*storage.WithdrawalRepository)(nil)
	_ AuditStore          = (*storage.TipAuditRepository)(nil)
	_ WatchedAddressStore = (*storage.WatchedAddressRepository)(nil)
	_ Cache               = (*storage.Cache)(nil)
)
