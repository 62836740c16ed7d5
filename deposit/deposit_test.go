package deposit

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/plexfin/fincore/chain"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
	"github.com/plexfin/fincore/notify"
	"github.com/plexfin/fincore/referral"
	"github.com/plexfin/fincore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeDB struct {
	users        map[int64]*store.User
	deposits     map[int64]*store.Deposit
	requirements map[int64]*store.PlexRequirement // keyed by deposit id
	ledger       []*store.Transaction
	settings     store.GlobalSettings
	versions     map[int]*store.DepositLevelVersion
	nextID       int64
}

func newFakeDB() *fakeDB {
	db := &fakeDB{
		users:        make(map[int64]*store.User),
		deposits:     make(map[int64]*store.Deposit),
		requirements: make(map[int64]*store.PlexRequirement),
		versions:     make(map[int]*store.DepositLevelVersion),
	}
	db.settings = store.GlobalSettings{
		MaxOpenDepositLevel: 5,
		ROISettings:         store.StringMap{"LEVEL_1_DAILY_PERCENT": "1"},
	}
	db.versions[1] = &store.DepositLevelVersion{
		ID: 1, Level: 1, Amount: money.FromInt(100),
		ROICapPercent: money.FromInt(200), IsActive: true, VersionNumber: 1,
	}
	db.users[1] = &store.User{ID: 1, ExternalID: 100, WalletAddress: testWallet}
	return db
}

func (f *fakeDB) id() int64 { f.nextID++; return f.nextID }

func (f *fakeDB) Transact(_ context.Context, fn func(tx Storage) error) error { return fn(f) }

func (f *fakeDB) GetUser(_ context.Context, id int64) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDB) RecordDeposit(_ context.Context, userID int64, amount money.Amount) error {
	u := f.users[userID]
	u.TotalDepositedUSDT = u.TotalDepositedUSDT.Add(amount)
	u.DepositTxCount++
	return nil
}

func (f *fakeDB) CreditBalance(_ context.Context, userID int64, amount money.Amount, countEarned bool) error {
	u := f.users[userID]
	u.Balance = u.Balance.Add(amount)
	if countEarned {
		u.TotalEarned = u.TotalEarned.Add(amount)
	}
	return nil
}

func (f *fakeDB) SetDepositsConsolidated(_ context.Context, userID int64) error {
	f.users[userID].DepositsConsolidated = true
	return nil
}

func (f *fakeDB) CreateDeposit(_ context.Context, d *store.Deposit) error {
	d.ID = f.id()
	d.CreatedAt = time.Now().UTC()
	cp := *d
	f.deposits[d.ID] = &cp
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

func (f *fakeDB) GetDepositForUpdate(ctx context.Context, id int64) (*store.Deposit, error) {
	return f.GetDeposit(ctx, id)
}

func (f *fakeDB) UpdateDepositStatus(_ context.Context, id int64, status store.DepositStatus) error {
	f.deposits[id].Status = status
	return nil
}

func (f *fakeDB) ConfirmDeposit(_ context.Context, id int64, block uint64, confirmedAt, nextAccrualAt time.Time) error {
	d := f.deposits[id]
	d.Status = store.DepositConfirmed
	d.BlockNumber = &block
	d.ConfirmedAt = &confirmedAt
	d.NextAccrualAt = &nextAccrualAt
	return nil
}

func (f *fakeDB) SetDepositTxHash(_ context.Context, id int64, txHash string) error {
	f.deposits[id].TxHash = &txHash
	return nil
}

func (f *fakeDB) UpdateDepositROI(_ context.Context, id int64, paid money.Amount, completed bool, completedAt, nextAccrualAt *time.Time) error {
	d := f.deposits[id]
	d.ROIPaidAmount = paid
	d.IsROICompleted = completed
	d.CompletedAt = completedAt
	d.NextAccrualAt = nextAccrualAt
	return nil
}

func (f *fakeDB) PendingDeposits(_ context.Context, withTxHash bool) ([]store.Deposit, error) {
	var out []store.Deposit
	for _, d := range f.deposits {
		if d.Status == store.DepositPending && (d.TxHash != nil) == withTxHash {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDB) NetworkRecoveryDeposits(_ context.Context) ([]store.Deposit, error) {
	var out []store.Deposit
	for _, d := range f.deposits {
		if d.Status == store.DepositNetworkRecovery {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDB) DepositsDueForAccrual(_ context.Context, now time.Time) ([]store.Deposit, error) {
	var out []store.Deposit
	for _, d := range f.deposits {
		if d.Status == store.DepositConfirmed && !d.IsROICompleted &&
			d.NextAccrualAt != nil && !d.NextAccrualAt.After(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDB) ConfirmedDepositsByUser(_ context.Context, userID int64) ([]store.Deposit, error) {
	var out []store.Deposit
	for i := f.nextID; i > 0; i-- {
		d, ok := f.deposits[i]
		if ok && d.UserID == userID && d.Status == store.DepositConfirmed {
			out = append([]store.Deposit{*d}, out...)
		}
	}
	return out, nil
}

func (f *fakeDB) MarkDepositConsolidated(_ context.Context, id int64, amount, roiCap money.Amount, txHashes store.StringList, at time.Time) error {
	d := f.deposits[id]
	d.Amount = amount
	d.ROICapAmount = roiCap
	d.IsConsolidated = true
	d.ConsolidatedAt = &at
	d.ConsolidatedTxHashes = txHashes
	return nil
}

func (f *fakeDB) CreatePlexRequirement(_ context.Context, r *store.PlexRequirement) error {
	if _, ok := f.requirements[r.DepositID]; ok {
		return store.ErrConflict
	}
	r.ID = f.id()
	cp := *r
	f.requirements[r.DepositID] = &cp
	return nil
}

func (f *fakeDB) GetPlexRequirementByDeposit(_ context.Context, depositID int64) (*store.PlexRequirement, error) {
	r, ok := f.requirements[depositID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeDB) CreateTransaction(_ context.Context, t *store.Transaction) error {
	t.ID = f.id()
	cp := *t
	f.ledger = append(f.ledger, &cp)
	return nil
}

func (f *fakeDB) Settings(_ context.Context) (*store.GlobalSettings, error) {
	cp := f.settings
	return &cp, nil
}

func (f *fakeDB) ActiveLevelVersion(_ context.Context, level int) (*store.DepositLevelVersion, error) {
	v, ok := f.versions[level]
	if !ok || !v.IsActive {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeDB) LevelVersion(_ context.Context, id int64) (*store.DepositLevelVersion, error) {
	for _, v := range f.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeChain struct {
	match        *chain.TransferMatch
	confirmation uint64
	block        uint64
	txErr        error
}

func (f *fakeChain) SearchForDeposit(_ context.Context, _ common.Address, _ money.Amount, _, _ uint64, _ money.Amount) (*chain.TransferMatch, error) {
	return f.match, nil
}

func (f *fakeChain) TxConfirmations(_ context.Context, _ common.Hash) (uint64, uint64, error) {
	return f.confirmation, f.block, f.txErr
}

type recordingDistributor struct {
	events []referral.Event
}

func (r *recordingDistributor) Distribute(_ context.Context, ev referral.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func newTestEngine(db *fakeDB, ch Chain) (*Engine, *recordingDistributor) {
	rewards := &recordingDistributor{}
	return New(db, ch, nil, notify.LogSink{}, rewards), rewards
}

func TestCreate_OrderedGates(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(db *fakeDB)
		level   int
		amount  money.Amount
		wantErr error
	}{
		{name: "emergency stop", mutate: func(db *fakeDB) { db.settings.EmergencyStopDeposits = true },
			level: 1, amount: money.FromInt(100), wantErr: ErrEmergencyStop},
		{name: "invalid level", level: 9, amount: money.FromInt(100), wantErr: ErrInvalidLevel},
		{name: "zero amount", level: 1, amount: money.Zero(), wantErr: ErrInvalidAmount},
		{name: "below minimum", level: 1, amount: money.FromInt(5), wantErr: ErrBelowMinimum},
		{name: "level inactive", mutate: func(db *fakeDB) { db.versions[1].IsActive = false },
			level: 1, amount: money.FromInt(100), wantErr: ErrLevelUnavailable},
		{name: "amount below level", level: 1, amount: money.FromInt(50), wantErr: ErrAmountTooLow},
		{name: "minimum is inclusive", level: 1, amount: money.FromInt(100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newFakeDB()
			if tt.mutate != nil {
				tt.mutate(db)
			}
			eng, _ := newTestEngine(db, &fakeChain{})
			d, err := eng.Create(ctx, 1, tt.level, tt.amount, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, store.DepositPending, d.Status)
			assert.Equal(t, "200", d.ROICapAmount.String())
			assert.Equal(t, "1000", d.PlexDailyRequired.String())
		})
	}
}

func TestCreate_MaintenanceParksDeposit(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	db.settings.BlockchainMaintenance = true
	eng, _ := newTestEngine(db, &fakeChain{})

	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)
	assert.Equal(t, store.DepositNetworkRecovery, d.Status)
}

func TestConfirm_Idempotent(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	eng, rewards := newTestEngine(db, &fakeChain{})
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)

	require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))
	require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))

	got, err := db.GetDeposit(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DepositConfirmed, got.Status)
	require.NotNil(t, got.NextAccrualAt)

	// Exactly one requirement, one ledger row, one reward event.
	assert.Len(t, db.requirements, 1)
	assert.Len(t, db.ledger, 1)
	assert.Len(t, rewards.events, 1)
	assert.Equal(t, store.SourceDeposit, rewards.events[0].Type)
	assert.Equal(t, "100", db.users[1].TotalDepositedUSDT.String())

	req := db.requirements[d.ID]
	assert.Equal(t, "1000", req.DailyPlexRequired.String())
	assert.Equal(t, got.CreatedAt.Add(24*time.Hour), req.NextPaymentDue)
	assert.Equal(t, got.CreatedAt.Add(25*time.Hour), req.WarningDue)
	assert.Equal(t, got.CreatedAt.Add(49*time.Hour), req.BlockDue)
}

func activateRequirement(db *fakeDB, depositID int64) {
	r := db.requirements[depositID]
	r.IsWorkActive = true
	r.Status = store.PlexPaid
}

// makeDue ages the deposit's accrual schedule so the next accrual is owed.
func makeDue(db *fakeDB, depositID int64) {
	past := time.Now().UTC().Add(-time.Minute)
	db.deposits[depositID].NextAccrualAt = &past
}

func TestAccrueROI_CapClip(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	eng, rewards := newTestEngine(db, &fakeChain{})
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))
	activateRequirement(db, d.ID)

	// Cap is 200. First accrual of 150 credits fully.
	makeDue(db, d.ID)
	delta, err := eng.AccrueROI(context.Background(), d.ID, money.FromInt(150))
	require.NoError(t, err)
	assert.Equal(t, "150", delta.String())
	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.False(t, got.IsROICompleted)
	require.NotNil(t, got.NextAccrualAt)

	// Second accrual of 150 clips to the remaining 50 and completes.
	makeDue(db, d.ID)
	delta, err = eng.AccrueROI(context.Background(), d.ID, money.FromInt(150))
	require.NoError(t, err)
	assert.Equal(t, "50", delta.String())
	got, _ = db.GetDeposit(context.Background(), d.ID)
	assert.True(t, got.IsROICompleted)
	assert.Equal(t, "200", got.ROIPaidAmount.String())
	assert.Nil(t, got.NextAccrualAt)
	require.NotNil(t, got.CompletedAt)

	// Further accruals are no-ops.
	delta, err = eng.AccrueROI(context.Background(), d.ID, money.FromInt(10))
	require.NoError(t, err)
	assert.True(t, delta.IsZero())

	// Balance reflects exactly the cap; ROI reward events fired for both
	// credited accruals.
	assert.Equal(t, "200", db.users[1].Balance.String())
	var roiEvents int
	for _, ev := range rewards.events {
		if ev.Type == store.SourceROI {
			roiEvents++
		}
	}
	assert.Equal(t, 2, roiEvents)
}

func TestAccrueROI_RequiresActiveWork(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	eng, _ := newTestEngine(db, &fakeChain{})
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))

	// Requirement exists but no first payment yet: accrual reschedules only.
	makeDue(db, d.ID)
	delta, err := eng.AccrueROI(context.Background(), d.ID, money.FromInt(10))
	require.NoError(t, err)
	assert.True(t, delta.IsZero())
	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.True(t, got.ROIPaidAmount.IsZero())
	require.NotNil(t, got.NextAccrualAt)
}

// Two sweeps that both listed the same due deposit must credit one period,
// not two: the loser sees the advanced schedule and backs off.
func TestAccrueROI_SamePeriodCreditsOnce(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	eng, _ := newTestEngine(db, &fakeChain{})
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))
	activateRequirement(db, d.ID)
	makeDue(db, d.ID)

	delta, err := eng.AccrueROI(context.Background(), d.ID, money.FromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "10", delta.String())

	delta, err = eng.AccrueROI(context.Background(), d.ID, money.FromInt(10))
	require.NoError(t, err)
	assert.True(t, delta.IsZero())
	assert.Equal(t, "10", db.users[1].Balance.String())
}

func TestConfirm_AccrualPeriodFromSettings(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	db.settings.ROISettings["REWARD_ACCRUAL_PERIOD_HOURS"] = "2"
	eng, _ := newTestEngine(db, &fakeChain{})
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))

	got, _ := db.GetDeposit(context.Background(), d.ID)
	require.NotNil(t, got.NextAccrualAt)
	assert.Equal(t, 2*time.Hour, got.NextAccrualAt.Sub(*got.ConfirmedAt))
}

func TestCreate_ConfigKillSwitch(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.TestConfig()
	cfg.EmergencyStop = true
	params.OverrideFinConfig(cfg)
	db := newFakeDB()
	eng, _ := newTestEngine(db, &fakeChain{})

	_, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	assert.ErrorIs(t, err, ErrEmergencyStop)
}

func TestMonitor_NetworkRecoveryConversion(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	db.settings.BlockchainMaintenance = true
	ch := &fakeChain{}
	eng, _ := newTestEngine(db, ch)
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)
	require.Equal(t, store.DepositNetworkRecovery, d.Status)

	// Maintenance still on: sweep leaves the deposit parked.
	require.NoError(t, eng.Monitor(context.Background()))
	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositNetworkRecovery, got.Status)

	// Maintenance lifts, no history match: converts to pending.
	db.settings.BlockchainMaintenance = false
	require.NoError(t, eng.Monitor(context.Background()))
	got, _ = db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositPending, got.Status)
}

func TestMonitor_NetworkRecoveryConfirmsOnMatch(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	db.settings.BlockchainMaintenance = true
	ch := &fakeChain{}
	eng, _ := newTestEngine(db, ch)
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)

	db.settings.BlockchainMaintenance = false
	ch.match = &chain.TransferMatch{TxHash: "0xfound", BlockNumber: 777, Confirmations: 20}
	require.NoError(t, eng.Monitor(context.Background()))

	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositConfirmed, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, "0xfound", *got.TxHash)
}

func TestMonitor_PendingTimeoutFails(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	eng, _ := newTestEngine(db, &fakeChain{})
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
	require.NoError(t, err)

	// Young deposit is left alone.
	require.NoError(t, eng.Monitor(context.Background()))
	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositPending, got.Status)

	// Age it past the timeout with no on-chain match.
	db.deposits[d.ID].CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, eng.Monitor(context.Background()))
	got, _ = db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositFailed, got.Status)
}

func TestMonitor_ConfirmationDepth(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	ch := &fakeChain{confirmation: 2, block: 900}
	eng, _ := newTestEngine(db, ch)
	hash := "0xdeadbeef"
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), &hash)
	require.NoError(t, err)

	// Below the required depth (test config requires 3).
	require.NoError(t, eng.Monitor(context.Background()))
	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositPending, got.Status)

	ch.confirmation = 3
	require.NoError(t, eng.Monitor(context.Background()))
	got, _ = db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositConfirmed, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, uint64(900), *got.BlockNumber)
}

func TestMonitor_RevertedTxFails(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	ch := &fakeChain{txErr: chain.ErrTxReverted}
	eng, _ := newTestEngine(db, ch)
	hash := "0xdead"
	d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), &hash)
	require.NoError(t, err)

	require.NoError(t, eng.Monitor(context.Background()))
	got, _ := db.GetDeposit(context.Background(), d.ID)
	assert.Equal(t, store.DepositFailed, got.Status)
}

func TestConsolidateUserDeposits(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	db := newFakeDB()
	eng, _ := newTestEngine(db, &fakeChain{})
	var ids []int64
	for i := 0; i < 3; i++ {
		d, err := eng.Create(context.Background(), 1, 1, money.FromInt(100), nil)
		require.NoError(t, err)
		require.NoError(t, eng.Confirm(context.Background(), d.ID, 500))
		ids = append(ids, d.ID)
	}

	require.NoError(t, eng.ConsolidateUserDeposits(context.Background(), 1))

	target, _ := db.GetDeposit(context.Background(), ids[0])
	assert.Equal(t, "300", target.Amount.String())
	assert.Equal(t, "600", target.ROICapAmount.String())
	assert.True(t, target.IsConsolidated)
	for _, id := range ids[1:] {
		d, _ := db.GetDeposit(context.Background(), id)
		assert.Equal(t, store.DepositConsolidated, d.Status)
	}
	assert.True(t, db.users[1].DepositsConsolidated)

	// Second run is a no-op.
	require.NoError(t, eng.ConsolidateUserDeposits(context.Background(), 1))
	target, _ = db.GetDeposit(context.Background(), ids[0])
	assert.Equal(t, "300", target.Amount.String())
}
