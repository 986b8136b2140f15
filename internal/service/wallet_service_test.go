package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tip-ledger/internal/models"
)

func TestEnsureUserCreatesAndUpdatesHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.walletSvc.EnsureUser(ctx, 5001, "satoshi")
	require.NoError(t, err)
	assert.Equal(t, "satoshi", user.Handle)

	renamed, err := env.walletSvc.EnsureUser(ctx, 5001, "finney")
	require.NoError(t, err)
	assert.Equal(t, user.ID, renamed.ID)
	assert.Equal(t, "finney", renamed.Handle)
}

func TestEnsureUserHandleChangeDropsStaleCacheEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.walletSvc.EnsureUser(ctx, 5001, "Alice")
	require.NoError(t, err)

	// The cached resolution folds case like the database lookup does.
	found, err := env.walletSvc.FindUserByHandle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	_, err = env.walletSvc.EnsureUser(ctx, 5001, "wonderland")
	require.NoError(t, err)

	// The old handle must stop resolving immediately, not after a TTL.
	_, ok := env.cache.GetHandleUser(ctx, "Alice")
	assert.False(t, ok, "renamed handle still cached")
	_, err = env.walletSvc.FindUserByHandle(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserNotFound)

	found, err = env.walletSvc.FindUserByHandle(ctx, "WONDERLAND")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
}

func TestFindUserByHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 5001, "Satoshi", 0)

	found, err := env.walletSvc.FindUserByHandle(ctx, "satoshi")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	// Second lookup is served from the cache.
	again, err := env.walletSvc.FindUserByHandle(ctx, "satoshi")
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)

	_, err = env.walletSvc.FindUserByHandle(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetBalanceUsesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 5001, "alice", 700)

	balance, err := env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	// Mutate the store behind the cache's back: the stale cached value
	// is served until invalidation.
	_, _, err = env.ledger.Post(ctx, nil, user.ID, 300, models.ReasonDeposit, "latetx:0", time.Now())
	require.NoError(t, err)

	balance, err = env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	require.NoError(t, env.cache.InvalidateBalances(ctx, user.ID))
	balance, err = env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestGetBalanceUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.walletSvc.GetBalance(context.Background(), 404)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestVerifyBalanceMatchesLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.seedUser(t, 5001, "alice", 900)
	bob := env.seedUser(t, 5002, "bob", 0)

	_, err := env.transferSvc.Tip(ctx, alice.ID, bob.ID, 250, "")
	require.NoError(t, err)

	for _, id := range []int64{alice.ID, bob.ID} {
		hybrid, full, err := env.walletSvc.VerifyBalance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, full, hybrid, "user %d", id)
	}
}

func TestCreditIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 5001, "alice", 0)

	require.NoError(t, env.walletSvc.Credit(ctx, user.ID, 500, models.ReasonAirdropIn, "promo-1"))
	require.NoError(t, env.walletSvc.Credit(ctx, user.ID, 500, models.ReasonAirdropIn, "promo-1"))

	balance, err := env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	err = env.walletSvc.Credit(ctx, user.ID, 500, models.ReasonTipOut, "promo-2")
	assert.Error(t, err)
	err = env.walletSvc.Credit(ctx, user.ID, -5, models.ReasonAirdropIn, "promo-3")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDebitChecksBalanceUnderLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 5001, "alice", 1000)

	require.NoError(t, env.walletSvc.Debit(ctx, user.ID, 600, models.ReasonRainOut, "event-1"))
	require.NoError(t, env.walletSvc.Debit(ctx, user.ID, 600, models.ReasonRainOut, "event-1"),
		"replaying the same reference is a no-op")

	balance, err := env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)

	err = env.walletSvc.Debit(ctx, user.ID, 600, models.ReasonRainOut, "event-2")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err = env.walletSvc.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance, "failed debit leaves no posting behind")

	err = env.walletSvc.Debit(ctx, user.ID, 100, models.ReasonTipIn, "event-3")
	assert.Error(t, err, "inbound reasons are rejected")
}

func TestGetOrAssignDepositAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 5001, "alice", 0)

	address, err := env.walletSvc.GetOrAssignDepositAddress(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lfresh1", address)

	// The address is persisted, watched, and cached.
	assert.Equal(t, "Lfresh1", env.db.state.users[user.ID].DepositAddress)
	watched, err := env.watched.GetByAddress(ctx, nil, "Lfresh1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, watched.UserID)

	again, err := env.walletSvc.GetOrAssignDepositAddress(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, address, again)
	assert.Equal(t, 1, env.wallet.newAddrs)
}

func TestGetOrAssignDepositAddressWithoutWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.seedUser(t, 5001, "alice", 0)

	svc := NewWalletService(env.db, nil, env.users, env.ledger, env.watched, env.cache, nil)

	_, err := svc.GetOrAssignDepositAddress(ctx, user.ID)
	assert.ErrorIs(t, err, ErrWalletUnavailable)
}

// The hybrid balance (running_total plus chain postings) must equal the
// full ledger aggregation after any interleaving of deposits, tips and
// replays.
func TestHybridBalanceEquivalenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60

	type op struct {
		kind   int // 0 deposit, 1 tip, 2 tip replay
		actor  int
		target int
		amount int64
	}

	opGen := gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
		gen.Int64Range(1, 1000),
	).Map(func(values []interface{}) op {
		return op{
			kind:   values[0].(int),
			actor:  values[1].(int),
			target: values[2].(int),
			amount: values[3].(int64),
		}
	})

	properties := gopter.NewProperties(parameters)
	properties.Property("hybrid balance equals full ledger sum", prop.ForAll(
		func(ops []op) bool {
			env := newTestEnv(t)
			ctx := context.Background()

			users := []*models.User{
				env.seedUser(t, 1, "u1", 0),
				env.seedUser(t, 2, "u2", 0),
				env.seedUser(t, 3, "u3", 0),
			}

			depositSeq := 0
			var lastTipRef string
			for _, o := range ops {
				actor := users[o.actor].ID
				target := users[o.target].ID
				switch o.kind {
				case 0:
					depositSeq++
					_, _, err := env.ledger.Post(ctx, nil, actor, o.amount, models.ReasonDeposit,
						fmt.Sprintf("proptx%d:0", depositSeq), time.Now())
					if err != nil {
						return false
					}
				case 1:
					if actor == target {
						continue
					}
					receipt, err := env.transferSvc.Tip(ctx, actor, target, o.amount, "")
					if err == nil {
						lastTipRef = receipt.Reference
					}
				case 2:
					if actor == target || lastTipRef == "" {
						continue
					}
					env.transferSvc.Tip(ctx, actor, target, o.amount, lastTipRef)
				}
			}

			for _, u := range users {
				hybrid, full, err := env.walletSvc.VerifyBalance(ctx, u.ID)
				if err != nil || hybrid != full {
					return false
				}
			}
			return true
		},
		gen.SliceOf(opGen),
	))

	properties.TestingRun(t)
}
