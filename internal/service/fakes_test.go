package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/storage"
)

// The fakes below back the service unit tests with an in-memory data
// model. fakeDB approximates transaction semantics: WithTx serializes
// callers on a mutex (standing in for row locks) and restores a
// snapshot of the state when fn fails, so rollbacks behave like the
// real thing.

type fakeState struct {
	users       map[int64]*models.User
	entries     []*models.LedgerEntry
	deposits    []*models.Deposit
	withdrawals []*models.Withdrawal
	audits      []*models.TipAudit
	watched     []*models.WatchedAddress
	nextID      int64
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		users:  make(map[int64]*models.User, len(s.users)),
		nextID: s.nextID,
	}
	for id, u := range s.users {
		copied := *u
		c.users[id] = &copied
	}
	for _, e := range s.entries {
		copied := *e
		c.entries = append(c.entries, &copied)
	}
	for _, d := range s.deposits {
		copied := *d
		c.deposits = append(c.deposits, &copied)
	}
	for _, w := range s.withdrawals {
		copied := *w
		c.withdrawals = append(c.withdrawals, &copied)
	}
	for _, a := range s.audits {
		copied := *a
		c.audits = append(c.audits, &copied)
	}
	for _, w := range s.watched {
		copied := *w
		c.watched = append(c.watched, &copied)
	}
	return c
}

type fakeDB struct {
	mu       sync.Mutex
	state    *fakeState
	readOnly bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{state: &fakeState{users: make(map[int64]*models.User)}}
}

func (db *fakeDB) WithTx(ctx context.Context, fn func(tx storage.Querier) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.state.clone()
	if err := fn(nil); err != nil {
		db.state = snapshot
		return err
	}
	return nil
}

func (db *fakeDB) SessionReadOnly(ctx context.Context) (bool, error) {
	return db.readOnly, nil
}

func (db *fakeDB) nextID() int64 {
	db.state.nextID++
	return db.state.nextID
}

type fakeUserStore struct{ db *fakeDB }

func (s *fakeUserStore) Ensure(ctx context.Context, q storage.Querier, platformID int64, handle string) (*models.User, error) {
	for _, u := range s.db.state.users {
		if u.PlatformID == platformID {
			u.Handle = handle
			copied := *u
			return &copied, nil
		}
	}
	u := &models.User{
		ID:         s.db.nextID(),
		PlatformID: platformID,
		Handle:     handle,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.db.state.users[u.ID] = u
	copied := *u
	return &copied, nil
}

func (s *fakeUserStore) GetByID(ctx context.Context, q storage.Querier, id int64) (*models.User, error) {
	u, ok := s.db.state.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *fakeUserStore) GetByPlatformID(ctx context.Context, q storage.Querier, platformID int64) (*models.User, error) {
	for _, u := range s.db.state.users {
		if u.PlatformID == platformID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeUserStore) FindByHandle(ctx context.Context, q storage.Querier, handle string) (*models.User, error) {
	for _, u := range s.db.state.users {
		if strings.EqualFold(u.Handle, handle) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeUserStore) LockForUpdate(ctx context.Context, q storage.Querier, id int64) (*models.User, error) {
	return s.GetByID(ctx, q, id)
}

func (s *fakeUserStore) AdjustRunningTotal(ctx context.Context, q storage.Querier, id, delta int64) error {
	u, ok := s.db.state.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.RunningTotal += delta
	return nil
}

func (s *fakeUserStore) SetDepositAddress(ctx context.Context, q storage.Querier, id int64, address string) error {
	u, ok := s.db.state.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.DepositAddress = address
	return nil
}

type fakeLedgerStore struct{ db *fakeDB }

func (s *fakeLedgerStore) Post(ctx context.Context, q storage.Querier, userID, amount int64, reason models.Reason, reference string, ts time.Time) (int64, bool, error) {
	if !models.ValidReason(reason) {
		return 0, false, fmt.Errorf("invalid ledger reason %q", reason)
	}
	if reference == "" {
		return 0, false, fmt.Errorf("ledger reference must not be empty")
	}
	for _, e := range s.db.state.entries {
		if e.Reason == reason && e.Reference == reference {
			return e.ID, false, nil
		}
	}
	e := &models.LedgerEntry{
		ID:        s.db.nextID(),
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: ts,
	}
	s.db.state.entries = append(s.db.state.entries, e)
	return e.ID, true, nil
}

func (s *fakeLedgerStore) HasReference(ctx context.Context, q storage.Querier, reason models.Reason, reference string) (bool, error) {
	for _, e := range s.db.state.entries {
		if e.Reason == reason && e.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeLedgerStore) SumAll(ctx context.Context, q storage.Querier, userID int64) (int64, error) {
	var sum int64
	for _, e := range s.db.state.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (s *fakeLedgerStore) SumChain(ctx context.Context, q storage.Querier, userID int64) (int64, error) {
	var sum int64
	for _, e := range s.db.state.entries {
		if e.UserID == userID && !e.Reason.TipClass() {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (s *fakeLedgerStore) ListUnpairedOutbound(ctx context.Context, q storage.Querier, limit int) ([]*models.LedgerEntry, error) {
	pairedDebits := make(map[int64]bool)
	for _, a := range s.db.state.audits {
		pairedDebits[a.DebitEntryID] = true
	}

	var out []*models.LedgerEntry
	for _, e := range s.db.state.entries {
		if _, outbound := e.Reason.InboundCounterpart(); !outbound || pairedDebits[e.ID] {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeLedgerStore) FindUnpairedInbound(ctx context.Context, q storage.Querier, debit *models.LedgerEntry, window time.Duration) (*models.LedgerEntry, error) {
	inReason, ok := debit.Reason.InboundCounterpart()
	if !ok {
		return nil, fmt.Errorf("entry %d has non-outbound reason %q", debit.ID, debit.Reason)
	}
	pairedCredits := make(map[int64]bool)
	for _, a := range s.db.state.audits {
		pairedCredits[a.CreditEntryID] = true
	}

	var best *models.LedgerEntry
	for _, e := range s.db.state.entries {
		if e.Reason != inReason || e.UserID == debit.UserID || e.Amount != -debit.Amount || pairedCredits[e.ID] {
			continue
		}
		diff := e.CreatedAt.Sub(debit.CreatedAt)
		if diff < -window || diff > window {
			continue
		}
		if best == nil || e.ID < best.ID {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

type fakeDepositStore struct{ db *fakeDB }

func (s *fakeDepositStore) Insert(ctx context.Context, q storage.Querier, d *models.Deposit) (bool, error) {
	for _, existing := range s.db.state.deposits {
		if existing.TxID == d.TxID && existing.Vout == d.Vout {
			d.ID = existing.ID
			return false, nil
		}
	}
	d.ID = s.db.nextID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	copied := *d
	s.db.state.deposits = append(s.db.state.deposits, &copied)
	return true, nil
}

func (s *fakeDepositStore) UpdateConfirmations(ctx context.Context, q storage.Querier, id, confirmations int64) error {
	for _, d := range s.db.state.deposits {
		if d.ID == id && d.Confirmations < confirmations {
			d.Confirmations = confirmations
		}
	}
	return nil
}

func (s *fakeDepositStore) MarkCredited(ctx context.Context, q storage.Querier, id int64) error {
	for _, d := range s.db.state.deposits {
		if d.ID == id {
			d.Credited = true
		}
	}
	return nil
}

func (s *fakeDepositStore) ListMissingPostings(ctx context.Context, q storage.Querier, minConfirmations int64) ([]*models.Deposit, error) {
	posted := make(map[string]bool)
	for _, e := range s.db.state.entries {
		if e.Reason == models.ReasonDeposit {
			posted[e.Reference] = true
		}
	}

	var out []*models.Deposit
	for _, d := range s.db.state.deposits {
		if !d.Credited && d.Confirmations < minConfirmations {
			continue
		}
		if posted[models.DepositReference(d.TxID, d.Vout)] {
			continue
		}
		copied := *d
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeWithdrawalStore struct{ db *fakeDB }

func (s *fakeWithdrawalStore) CreatePending(ctx context.Context, q storage.Querier, userID int64, address string, amount int64) (int64, error) {
	w := &models.Withdrawal{
		ID:        s.db.nextID(),
		UserID:    userID,
		Address:   address,
		Amount:    amount,
		Status:    models.WithdrawalPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.db.state.withdrawals = append(s.db.state.withdrawals, w)
	return w.ID, nil
}

func (s *fakeWithdrawalStore) SumPending(ctx context.Context, q storage.Querier, userID int64) (int64, error) {
	var sum int64
	for _, w := range s.db.state.withdrawals {
		if w.UserID == userID && w.Status == models.WithdrawalPending {
			sum += w.Amount
		}
	}
	return sum, nil
}

func (s *fakeWithdrawalStore) MarkSent(ctx context.Context, q storage.Querier, id int64, txid string) error {
	for _, w := range s.db.state.withdrawals {
		if w.ID == id {
			if w.TxID != "" {
				return fmt.Errorf("withdrawal %d not found or txid already set", id)
			}
			w.TxID = txid
			w.Status = models.WithdrawalSent
			return nil
		}
	}
	return fmt.Errorf("withdrawal %d not found or txid already set", id)
}

func (s *fakeWithdrawalStore) MarkFailed(ctx context.Context, q storage.Querier, id int64) error {
	for _, w := range s.db.state.withdrawals {
		if w.ID == id {
			w.Status = models.WithdrawalFailed
		}
	}
	return nil
}

func (s *fakeWithdrawalStore) GetByID(ctx context.Context, q storage.Querier, id int64) (*models.Withdrawal, error) {
	for _, w := range s.db.state.withdrawals {
		if w.ID == id {
			copied := *w
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeWithdrawalStore) ListMissingPostings(ctx context.Context, q storage.Querier) ([]*models.Withdrawal, error) {
	posted := make(map[string]bool)
	for _, e := range s.db.state.entries {
		if e.Reason == models.ReasonWithdrawal {
			posted[e.Reference] = true
		}
	}

	var out []*models.Withdrawal
	for _, w := range s.db.state.withdrawals {
		if w.TxID == "" || posted[w.TxID] {
			continue
		}
		copied := *w
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeAuditStore struct{ db *fakeDB }

func (s *fakeAuditStore) Insert(ctx context.Context, q storage.Querier, a *models.TipAudit) (bool, error) {
	for _, existing := range s.db.state.audits {
		if existing.DebitEntryID == a.DebitEntryID || existing.CreditEntryID == a.CreditEntryID {
			return false, nil
		}
	}
	a.ID = s.db.nextID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	copied := *a
	s.db.state.audits = append(s.db.state.audits, &copied)
	return true, nil
}

func (s *fakeAuditStore) ListByUser(ctx context.Context, q storage.Querier, userID int64, limit int) ([]*models.TipAudit, error) {
	var out []*models.TipAudit
	for _, a := range s.db.state.audits {
		if a.FromUserID == userID || a.ToUserID == userID {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeWatchedStore struct{ db *fakeDB }

func (s *fakeWatchedStore) Insert(ctx context.Context, q storage.Querier, w *models.WatchedAddress) error {
	for _, existing := range s.db.state.watched {
		if existing.Address == w.Address {
			return nil
		}
	}
	w.ID = s.db.nextID()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	copied := *w
	s.db.state.watched = append(s.db.state.watched, &copied)
	return nil
}

func (s *fakeWatchedStore) GetByAddress(ctx context.Context, q storage.Querier, address string) (*models.WatchedAddress, error) {
	for _, w := range s.db.state.watched {
		if w.Address == address {
			copied := *w
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeWatchedStore) ListAll(ctx context.Context, q storage.Querier) ([]*models.WatchedAddress, error) {
	var out []*models.WatchedAddress
	for _, w := range s.db.state.watched {
		copied := *w
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeWallet struct {
	mu         sync.Mutex
	validAddrs map[string]bool
	sendErr    error
	sends      int
	newAddrs   int
}

func newFakeWallet(validAddrs ...string) *fakeWallet {
	w := &fakeWallet{validAddrs: make(map[string]bool)}
	for _, a := range validAddrs {
		w.validAddrs[a] = true
	}
	return w
}

func (w *fakeWallet) ValidateAddress(ctx context.Context, address string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.validAddrs[address], nil
}

func (w *fakeWallet) SendToAddress(ctx context.Context, address string, lites int64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sendErr != nil {
		return "", w.sendErr
	}
	w.sends++
	return fmt.Sprintf("txid-%d", w.sends), nil
}

func (w *fakeWallet) NewDepositAddress(ctx context.Context, label string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.newAddrs++
	return fmt.Sprintf("Lfresh%d", w.newAddrs), nil
}

type fakeLocker struct {
	held     bool
	acquires int
	releases int
}

func (l *fakeLocker) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	l.acquires++
	return func(context.Context) error {
		l.held = false
		l.releases++
		return nil
	}, true, nil
}

// testEnv wires every service against the shared fake state and a
// miniredis-backed cache.
type testEnv struct {
	db          *fakeDB
	users       *fakeUserStore
	ledger      *fakeLedgerStore
	deposits    *fakeDepositStore
	withdrawals *fakeWithdrawalStore
	audits      *fakeAuditStore
	watched     *fakeWatchedStore
	wallet      *fakeWallet
	locker      *fakeLocker
	cache       *storage.Cache

	transferSvc *TransferService
	walletSvc   *WalletService
	withdrawSvc *WithdrawService
	auditor     *TipAuditor
	sweep       *BootstrapSweep
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := storage.NewCacheWithClient(client, time.Minute)

	db := newFakeDB()
	env := &testEnv{
		db:          db,
		users:       &fakeUserStore{db: db},
		ledger:      &fakeLedgerStore{db: db},
		deposits:    &fakeDepositStore{db: db},
		withdrawals: &fakeWithdrawalStore{db: db},
		audits:      &fakeAuditStore{db: db},
		watched:     &fakeWatchedStore{db: db},
		wallet:      newFakeWallet("LdestValid"),
		locker:      &fakeLocker{},
		cache:       cache,
	}

	env.transferSvc = NewTransferService(db, env.users, env.ledger, env.audits, cache, 0)
	env.walletSvc = NewWalletService(db, nil, env.users, env.ledger, env.watched, cache, env.wallet)
	env.withdrawSvc = NewWithdrawService(db, nil, env.users, env.ledger, env.withdrawals, cache, env.wallet)
	env.auditor = NewTipAuditor(nil, env.ledger, env.audits, 10*time.Minute)
	env.sweep = NewBootstrapSweep(db, nil, env.locker, env.ledger, env.deposits, env.withdrawals, env.auditor, cache, 6)
	return env
}

// seedUser creates a user and, when balance is positive, funds it with
// one confirmed deposit posting.
func (e *testEnv) seedUser(t *testing.T, platformID int64, handle string, balance int64) *models.User {
	t.Helper()
	ctx := context.Background()

	user, err := e.users.Ensure(ctx, nil, platformID, handle)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if balance > 0 {
		reference := fmt.Sprintf("seedtx%d:0", platformID)
		if _, _, err := e.ledger.Post(ctx, nil, user.ID, balance, models.ReasonDeposit, reference, time.Now()); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return user
}
