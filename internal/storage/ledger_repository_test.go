package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tip-ledger/internal/models"
)

func TestLedgerPostIsIdempotent(t *testing.T) {
	db := testDB(t)
	truncate(t, db, "tip_audits", "ledger_entries", "users")
	ctx := testContext(t)

	users := NewUserRepository()
	ledger := NewLedgerRepository()

	u, err := users.Ensure(ctx, db.Pool(), 1001, "alice")
	require.NoError(t, err)

	now := time.Now().UTC()
	id1, created, err := ledger.Post(ctx, db.Pool(), u.ID, 200_000_000, models.ReasonDeposit, "abc123:0", now)
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := ledger.Post(ctx, db.Pool(), u.ID, 200_000_000, models.ReasonDeposit, "abc123:0", now)
	require.NoError(t, err)
	assert.False(t, created, "second post with same (reason, reference) must not create a row")
	assert.Equal(t, id1, id2)

	sum, err := ledger.SumAll(ctx, db.Pool(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000_000), sum, "replay must not change the balance")
}

func TestLedgerSameReferenceDifferentReason(t *testing.T) {
	db := testDB(t)
	truncate(t, db, "tip_audits", "ledger_entries", "users")
	ctx := testContext(t)

	users := NewUserRepository()
	ledger := NewLedgerRepository()

	a, err := users.Ensure(ctx, db.Pool(), 1, "a")
	require.NoError(t, err)
	b, err := users.Ensure(ctx, db.Pool(), 2, "b")
	require.NoError(t, err)

	// A tip posts two rows sharing one reference under different reasons.
	now := time.Now().UTC()
	ref := "tip:1700000000:1:2:150000000"
	outID, created, err := ledger.Post(ctx, db.Pool(), a.ID, -150_000_000, models.ReasonTipOut, ref, now)
	require.NoError(t, err)
	assert.True(t, created)
	inID, created, err := ledger.Post(ctx, db.Pool(), b.ID, 150_000_000, models.ReasonTipIn, ref, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, outID, inID)
}

func TestLedgerRejectsUnknownReason(t *testing.T) {
	db := testDB(t)
	ctx := testContext(t)

	ledger := NewLedgerRepository()
	_, _, err := ledger.Post(ctx, db.Pool(), 1, 1, models.Reason("bribe"), "ref", time.Now())
	require.Error(t, err)
}

func TestDepositInsertDeduplicates(t *testing.T) {
	db := testDB(t)
	truncate(t, db, "deposits", "users")
	ctx := testContext(t)

	users := NewUserRepository()
	deposits := NewDepositRepository()

	u, err := users.Ensure(ctx, db.Pool(), 1001, "alice")
	require.NoError(t, err)

	d := &models.Deposit{UserID: u.ID, TxID: "feed", Vout: 1, Amount: 5, Confirmations: 6}
	created, err := deposits.Insert(ctx, db.Pool(), d)
	require.NoError(t, err)
	assert.True(t, created)
	firstID := d.ID

	dup := &models.Deposit{UserID: u.ID, TxID: "feed", Vout: 1, Amount: 5, Confirmations: 9}
	created, err = deposits.Insert(ctx, db.Pool(), dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstID, dup.ID)
}

func TestUserEnsureUpdatesHandle(t *testing.T) {
	db := testDB(t)
	truncate(t, db, "users")
	ctx := testContext(t)

	users := NewUserRepository()

	u1, err := users.Ensure(ctx, db.Pool(), 77, "old_handle")
	require.NoError(t, err)

	u2, err := users.Ensure(ctx, db.Pool(), 77, "new_handle")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, "new_handle", u2.Handle)

	found, err := users.FindByHandle(ctx, db.Pool(), "NEW_HANDLE")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, found.ID)
}

func TestAdvisoryLockMutualExclusion(t *testing.T) {
	db := testDB(t)
	ctx := testContext(t)

	const key = int64(0x7469706c65646765)

	lock, err := db.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lock)

	second, err := db.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, second, "second acquisition must be refused while held")

	require.NoError(t, lock.Release(ctx))

	third, err := db.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.NoError(t, third.Release(ctx))
}
