package store

import (
	"database/sql"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/config/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.Equal(t, ErrNotFound, mapErr(sql.ErrNoRows))
	assert.Equal(t, ErrConflict, mapErr(&pq.Error{Code: "23505"}))
	assert.Equal(t, ErrConflict, mapErr(errors.Wrap(&pq.Error{Code: "23505"}, "insert failed")))
	other := errors.New("boom")
	assert.Equal(t, other, mapErr(other))
}

func TestStringListRoundTrip(t *testing.T) {
	l := StringList{"0xabc", "0xdef"}
	v, err := l.Value()
	require.NoError(t, err)
	var got StringList
	require.NoError(t, got.Scan(v))
	assert.Equal(t, l, got)

	var empty StringList
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, got.Scan(nil))
	assert.Nil(t, got)
}

func TestStringMapRoundTrip(t *testing.T) {
	m := StringMap{"LEVEL_1_DAILY_PERCENT": "1", "LEVEL_2_DAILY_PERCENT": "1.5"}
	v, err := m.Value()
	require.NoError(t, err)
	var got StringMap
	require.NoError(t, got.Scan(v))
	assert.Equal(t, m, got)
}

func TestDailyROIPercent(t *testing.T) {
	gs := &GlobalSettings{ROISettings: StringMap{
		"LEVEL_1_DAILY_PERCENT": "1",
		"LEVEL_3_DAILY_PERCENT": "bogus",
	}}
	assert.Equal(t, "1", gs.DailyROIPercent(1).String())
	assert.True(t, gs.DailyROIPercent(2).IsZero())
	assert.True(t, gs.DailyROIPercent(3).IsZero())
}

func TestAccrualPeriodHours(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	params.OverrideFinConfig(params.TestConfig())
	fallback := params.FinConfig().RewardAccrualPeriodHours

	gs := &GlobalSettings{ROISettings: StringMap{"REWARD_ACCRUAL_PERIOD_HOURS": "2"}}
	assert.Equal(t, 2, gs.AccrualPeriodHours())

	gs = &GlobalSettings{}
	assert.Equal(t, fallback, gs.AccrualPeriodHours())

	gs = &GlobalSettings{ROISettings: StringMap{"REWARD_ACCRUAL_PERIOD_HOURS": "bogus"}}
	assert.Equal(t, fallback, gs.AccrualPeriodHours())

	gs = &GlobalSettings{ROISettings: StringMap{"REWARD_ACCRUAL_PERIOD_HOURS": "0"}}
	assert.Equal(t, fallback, gs.AccrualPeriodHours())
}
