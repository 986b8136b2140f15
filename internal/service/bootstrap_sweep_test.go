package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tip-ledger/internal/models"
)

func TestSweepHealsDepositsMissingPostings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 1, "alice", 0)

	// Confirmed but never credited: the reconciler crashed between the
	// deposit insert and the ledger posting.
	confirmed := &models.Deposit{UserID: user.ID, TxID: "lost1", Vout: 0, Amount: 5000, Confirmations: 9}
	_, err := env.deposits.Insert(ctx, nil, confirmed)
	require.NoError(t, err)

	// Still below the threshold: must not be credited.
	pending := &models.Deposit{UserID: user.ID, TxID: "young1", Vout: 0, Amount: 7000, Confirmations: 2}
	_, err = env.deposits.Insert(ctx, nil, pending)
	require.NoError(t, err)

	report, err := env.sweep.Run(ctx)

	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.DepositsHealed)

	balance, err := env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)

	// The healed deposit is now flagged credited and the sweep is
	// idempotent.
	report, err = env.sweep.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.DepositsHealed)
	assert.Len(t, env.db.state.entries, 1)
}

func TestSweepHealsSentWithdrawals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 1, "alice", 10000)

	// A sent withdrawal whose debit posting never landed.
	id, err := env.withdrawals.CreatePending(ctx, nil, user.ID, "Ldest", 4000)
	require.NoError(t, err)
	require.NoError(t, env.withdrawals.MarkSent(ctx, nil, id, "senttx1"))

	report, err := env.sweep.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.WithdrawalsHealed)

	balance, err := env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), balance)

	report, err = env.sweep.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.WithdrawalsHealed)
}

func TestSweepRunsPairingPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.seedUser(t, 1, "alice", 0)
	bob := env.seedUser(t, 2, "bob", 0)

	now := time.Now()
	postPair(t, env, alice.ID, bob.ID, 123, now, "sweep")

	report, err := env.sweep.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.TipPairingsCreated)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t)
	env.locker.held = true

	report, err := env.sweep.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, "lock held elsewhere", report.SkipReason)
}

func TestSweepSkipsOnReadOnlySession(t *testing.T) {
	env := newTestEnv(t)
	env.db.readOnly = true
	user := env.seedUser(t, 1, "alice", 0)
	d := &models.Deposit{UserID: user.ID, TxID: "lost1", Vout: 0, Amount: 5000, Confirmations: 9}
	_, err := env.deposits.Insert(context.Background(), nil, d)
	require.NoError(t, err)

	report, err := env.sweep.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, env.db.state.entries)
	assert.Equal(t, 0, env.locker.acquires)
}

func TestSweepReleasesLock(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sweep.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, env.locker.acquires)
	assert.Equal(t, 1, env.locker.releases)
	assert.False(t, env.locker.held)
}
