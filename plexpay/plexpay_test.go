package plexpay

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/plexfin/fincore/chain"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
	"github.com/plexfin/fincore/notify"
	"github.com/plexfin/fincore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeDB struct {
	users        map[int64]*store.User
	deposits     map[int64]*store.Deposit
	requirements map[int64]*store.PlexRequirement
	ledger       []*store.Transaction
	settings     store.GlobalSettings
	debtDays     int
	nextID       int64
}

func newFakeDB() *fakeDB {
	db := &fakeDB{
		users:        make(map[int64]*store.User),
		deposits:     make(map[int64]*store.Deposit),
		requirements: make(map[int64]*store.PlexRequirement),
	}
	db.users[1] = &store.User{ID: 1, ExternalID: 100, WalletAddress: testWallet}
	return db
}

// seedRequirement adds a confirmed deposit and its requirement with deadlines
// anchored at the given creation time.
func (f *fakeDB) seedRequirement(createdAt time.Time) *store.PlexRequirement {
	cfg := params.FinConfig()
	f.nextID++
	depositID := f.nextID
	f.deposits[depositID] = &store.Deposit{
		ID: depositID, UserID: 1, Status: store.DepositConfirmed,
		Amount: money.FromInt(100), CreatedAt: createdAt,
	}
	f.nextID++
	r := &store.PlexRequirement{
		ID: f.nextID, DepositID: depositID, UserID: 1,
		DailyPlexRequired: money.FromInt(1000),
		NextPaymentDue:    createdAt.Add(cfg.PlexPaymentWindow),
		WarningDue:        createdAt.Add(cfg.PlexPaymentWindow + cfg.PlexWarningOffset),
		BlockDue:          createdAt.Add(cfg.PlexPaymentWindow + cfg.PlexBlockOffset),
		Status:            store.PlexActive,
	}
	f.requirements[r.ID] = r
	return r
}

func (f *fakeDB) Transact(_ context.Context, fn func(tx Storage) error) error { return fn(f) }

func (f *fakeDB) GetUser(_ context.Context, id int64) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDB) TouchPlexCheck(_ context.Context, userID int64, at time.Time) error {
	f.users[userID].LastPlexCheckAt = &at
	return nil
}

func (f *fakeDB) GetDeposit(_ context.Context, id int64) (*store.Deposit, error) {
	d, ok := f.deposits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDB) UpdateDepositStatus(_ context.Context, id int64, status store.DepositStatus) error {
	f.deposits[id].Status = status
	return nil
}

func (f *fakeDB) GetPlexRequirementForUpdate(_ context.Context, id int64) (*store.PlexRequirement, error) {
	r, ok := f.requirements[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeDB) SavePlexRequirement(_ context.Context, r *store.PlexRequirement) error {
	cp := *r
	f.requirements[r.ID] = &cp
	return nil
}

func (f *fakeDB) InactiveRequirements(_ context.Context) ([]store.PlexRequirement, error) {
	var out []store.PlexRequirement
	for _, r := range f.requirements {
		if !r.IsWorkActive && r.Status != store.PlexBlocked && r.Status != store.PlexPaid {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeDB) RequirementsPastWarning(_ context.Context, now time.Time) ([]store.PlexRequirement, error) {
	var out []store.PlexRequirement
	for _, r := range f.requirements {
		if r.Status == store.PlexActive && r.WarningDue.Before(now) && r.WarningSentAt == nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeDB) RequirementsPastBlock(_ context.Context, now time.Time) ([]store.PlexRequirement, error) {
	var out []store.PlexRequirement
	for _, r := range f.requirements {
		if (r.Status == store.PlexActive || r.Status == store.PlexWarning) && r.BlockDue.Before(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeDB) PayableRequirements(_ context.Context, now time.Time) ([]store.PlexRequirement, error) {
	var out []store.PlexRequirement
	for _, r := range f.requirements {
		if r.Status == store.PlexActive || r.Status == store.PlexWarning ||
			(r.Status == store.PlexPaid && !r.NextPaymentDue.After(now)) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeDB) UnpaidRequiredDays(_ context.Context, _ int64, _, _ time.Time) (int, error) {
	return f.debtDays, nil
}

func (f *fakeDB) CreateTransaction(_ context.Context, t *store.Transaction) error {
	f.nextID++
	t.ID = f.nextID
	cp := *t
	f.ledger = append(f.ledger, &cp)
	return nil
}

func (f *fakeDB) Settings(_ context.Context) (*store.GlobalSettings, error) {
	cp := f.settings
	return &cp, nil
}

type fakeChain struct {
	match   *chain.TransferMatch
	balance money.Amount
}

func (f *fakeChain) VerifyPlexPayment(_ context.Context, _ common.Address, _ money.Amount, _ uint64) (*chain.TransferMatch, error) {
	return f.match, nil
}

func (f *fakeChain) PLEXBalance(_ context.Context, _ common.Address) (money.Amount, error) {
	return f.balance, nil
}

func setupTest(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
}

func TestDeadlineArithmetic(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := db.seedRequirement(created)

	assert.Equal(t, created.Add(24*time.Hour), r.NextPaymentDue)
	assert.Equal(t, r.NextPaymentDue.Add(time.Hour), r.WarningDue)
	assert.Equal(t, r.NextPaymentDue.Add(25*time.Hour), r.BlockDue)
}

func TestMarkPaid_AdvancesCycleAndActivates(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	created := time.Now().UTC().Add(-23 * time.Hour)
	r := db.seedRequirement(created)
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})

	due := r.NextPaymentDue
	paidAt := time.Now().UTC()
	require.NoError(t, eng.MarkPaid(context.Background(), r.ID, "0xpay1", paidAt))

	got := db.requirements[r.ID]
	assert.Equal(t, store.PlexPaid, got.Status)
	assert.Equal(t, due.Add(24*time.Hour), got.NextPaymentDue)
	assert.Equal(t, got.NextPaymentDue.Add(time.Hour), got.WarningDue)
	assert.Equal(t, got.NextPaymentDue.Add(25*time.Hour), got.BlockDue)
	assert.Equal(t, 1, got.DaysPaid)
	assert.Equal(t, "1000", got.TotalPaidPlex.String())
	assert.True(t, got.IsWorkActive)
	require.NotNil(t, got.FirstPaymentAt)
	assert.Len(t, db.ledger, 1)

	// Replaying the same transfer changes nothing.
	require.NoError(t, eng.MarkPaid(context.Background(), r.ID, "0xpay1", paidAt))
	got = db.requirements[r.ID]
	assert.Equal(t, 1, got.DaysPaid)
	assert.Len(t, db.ledger, 1)
}

func TestMarkPaid_RejectsBlocked(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	r := db.seedRequirement(time.Now().UTC())
	db.requirements[r.ID].Status = store.PlexBlocked
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})

	assert.Error(t, eng.MarkPaid(context.Background(), r.ID, "0xpay", time.Now().UTC()))
}

func TestMonitor_WarningThenBlock(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	// Requirement 26h old: past warning (25h) but not block (49h).
	r := db.seedRequirement(time.Now().UTC().Add(-26 * time.Hour))
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})

	require.NoError(t, eng.Monitor(context.Background()))
	got := db.requirements[r.ID]
	assert.Equal(t, store.PlexWarning, got.Status)
	require.NotNil(t, got.WarningSentAt)
	assert.Equal(t, 1, got.WarningCount)
	assert.Equal(t, store.DepositConfirmed, db.deposits[r.DepositID].Status)

	// Age past the block deadline.
	got.BlockDue = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, eng.Monitor(context.Background()))
	got = db.requirements[r.ID]
	assert.Equal(t, store.PlexBlocked, got.Status)
	assert.Equal(t, store.DepositBlockedPlex, db.deposits[r.DepositID].Status)
}

func TestMonitor_VerificationMarksPaid(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	r := db.seedRequirement(time.Now().UTC().Add(-2 * time.Hour))
	ch := &fakeChain{match: &chain.TransferMatch{TxHash: "0xplex", BlockNumber: 123}}
	eng := New(db, ch, nil, notify.LogSink{})

	require.NoError(t, eng.Monitor(context.Background()))
	got := db.requirements[r.ID]
	assert.Equal(t, store.PlexPaid, got.Status)
	assert.True(t, got.IsWorkActive)

	// The same transfer is not credited to the next cycle.
	got.Status = store.PlexActive
	require.NoError(t, eng.Monitor(context.Background()))
	got = db.requirements[r.ID]
	assert.Equal(t, 1, got.DaysPaid)
}

func TestMonitor_PaidRollsIntoNextCycle(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	r := db.seedRequirement(time.Now().UTC().Add(-50 * time.Hour))
	req := db.requirements[r.ID]
	req.Status = store.PlexPaid
	req.IsWorkActive = true
	req.NextPaymentDue = time.Now().UTC().Add(-time.Minute)
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})

	require.NoError(t, eng.Monitor(context.Background()))
	assert.Equal(t, store.PlexActive, db.requirements[r.ID].Status)
}

func TestResetBlocked(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	r := db.seedRequirement(time.Now().UTC().Add(-80 * time.Hour))
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})
	require.NoError(t, eng.MarkBlocked(context.Background(), r.ID))
	require.Equal(t, store.DepositBlockedPlex, db.deposits[r.DepositID].Status)

	require.NoError(t, eng.ResetBlocked(context.Background(), r.ID))
	got := db.requirements[r.ID]
	assert.Equal(t, store.PlexActive, got.Status)
	assert.True(t, got.NextPaymentDue.After(time.Now().UTC()))
	assert.Equal(t, got.NextPaymentDue.Add(time.Hour), got.WarningDue)
	assert.Equal(t, store.DepositConfirmed, db.deposits[r.DepositID].Status)

	// Resetting a non-blocked requirement is rejected.
	assert.Error(t, eng.ResetBlocked(context.Background(), r.ID))
}

func TestReanchorToProjectStart(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	// Requirement long overdue, but the project started later.
	r := db.seedRequirement(time.Now().UTC().Add(-200 * time.Hour))
	projectStart := time.Now().UTC().Add(-time.Hour)
	db.settings.ProjectStartAt = projectStart
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})

	require.NoError(t, eng.Monitor(context.Background()))
	got := db.requirements[r.ID]
	assert.Equal(t, store.PlexActive, got.Status)
	assert.Equal(t, projectStart.Add(24*time.Hour), got.NextPaymentDue)
	assert.Equal(t, projectStart.Add(25*time.Hour), got.WarningDue)
	assert.Equal(t, projectStart.Add(49*time.Hour), got.BlockDue)
	assert.Nil(t, got.WarningSentAt)
}

func TestWalletMinimum_Boundary(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	ch := &fakeChain{balance: money.FromInt(5000)}
	eng := New(db, ch, nil, notify.LogSink{})

	ok, balance, err := eng.WalletMinimum(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok, "exactly the minimum reserve satisfies the check")
	assert.Equal(t, "5000", balance.String())
	require.NotNil(t, db.users[1].LastPlexCheckAt)

	ch.balance = money.RequireFromString("4999.999999999")
	ok, _, err = eng.WalletMinimum(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAvailablePlex(t *testing.T) {
	setupTest(t)
	assert.Equal(t, "500", AvailablePlex(money.FromInt(5500)).String())
	assert.True(t, AvailablePlex(money.FromInt(4000)).IsZero())
	assert.True(t, AvailablePlex(money.FromInt(5000)).IsZero())
}

func TestDebt(t *testing.T) {
	setupTest(t)
	db := newFakeDB()
	db.debtDays = 3
	eng := New(db, &fakeChain{}, nil, notify.LogSink{})

	days, err := eng.Debt(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, days)
}
