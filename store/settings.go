package store

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/money"
)

const settingsCacheKey = "global_settings"

var settingsCache = gocache.New(params.FinConfig().SettingsRefresh, time.Minute)

// Settings returns the global settings snapshot, served from a short-lived
// cache so hot paths do not hit the database on every gate check.
func (s *Store) Settings(ctx context.Context) (*GlobalSettings, error) {
	if v, ok := settingsCache.Get(settingsCacheKey); ok {
		return v.(*GlobalSettings), nil
	}
	return s.ReloadSettings(ctx)
}

// ReloadSettings bypasses the cache and refreshes it.
func (s *Store) ReloadSettings(ctx context.Context) (*GlobalSettings, error) {
	var gs GlobalSettings
	if err := s.q.GetContext(ctx, &gs,
		`SELECT * FROM global_settings ORDER BY id LIMIT 1`); err != nil {
		return nil, mapErr(err)
	}
	settingsCache.Set(settingsCacheKey, &gs, gocache.DefaultExpiration)
	return &gs, nil
}

// UpdateSettings writes the mutable flags and invalidates the snapshot.
func (s *Store) UpdateSettings(ctx context.Context, gs *GlobalSettings) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE global_settings
		SET max_open_deposit_level = $1, min_withdrawal_amount = $2,
		    auto_withdrawal_enabled = $3, is_daily_limit_enabled = $4,
		    daily_withdrawal_limit = $5, emergency_stop_withdrawals = $6,
		    emergency_stop_deposits = $7, blockchain_maintenance_mode = $8,
		    active_rpc_provider = $9, is_auto_switch_enabled = $10,
		    roi_settings = $11, updated_at = NOW()
		WHERE id = $12`,
		gs.MaxOpenDepositLevel, gs.MinWithdrawalAmount,
		gs.AutoWithdrawalEnabled, gs.IsDailyLimitEnabled,
		gs.DailyWithdrawalLimit, gs.EmergencyStopWithdrawals,
		gs.EmergencyStopDeposits, gs.BlockchainMaintenance,
		gs.ActiveRPCProvider, gs.IsAutoSwitchEnabled,
		gs.ROISettings, gs.ID)
	if err != nil {
		return mapErr(err)
	}
	settingsCache.Delete(settingsCacheKey)
	return nil
}

// ActiveProvider reports the preferred RPC provider and whether automatic
// failover may persist a switch. Implements the provider selection interface
// of the chain pool.
func (s *Store) ActiveProvider(ctx context.Context) (string, bool, error) {
	gs, err := s.Settings(ctx)
	if err != nil {
		return "", false, err
	}
	return gs.ActiveRPCProvider, gs.IsAutoSwitchEnabled, nil
}

// SaveActiveProvider persists the provider a failover promoted.
func (s *Store) SaveActiveProvider(ctx context.Context, name string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE global_settings SET active_rpc_provider = $1, updated_at = NOW()`, name)
	if err != nil {
		return mapErr(err)
	}
	settingsCache.Delete(settingsCacheKey)
	return nil
}

// ActiveLevelVersion returns the level version currently in force.
func (s *Store) ActiveLevelVersion(ctx context.Context, level int) (*DepositLevelVersion, error) {
	var v DepositLevelVersion
	if err := s.q.GetContext(ctx, &v, `
		SELECT * FROM deposit_level_versions
		WHERE level = $1 AND is_active = TRUE
		ORDER BY version_number DESC LIMIT 1`, level); err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

// LevelVersion returns a specific level version row.
func (s *Store) LevelVersion(ctx context.Context, id int64) (*DepositLevelVersion, error) {
	var v DepositLevelVersion
	if err := s.q.GetContext(ctx, &v,
		`SELECT * FROM deposit_level_versions WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

// DailyROIPercent reads the per-level daily percent from settings, falling
// back to zero when the key is absent.
func (gs *GlobalSettings) DailyROIPercent(level int) money.Amount {
	key := levelKey(level)
	raw, ok := gs.ROISettings[key]
	if !ok {
		return money.Zero()
	}
	p, err := money.FromString(raw)
	if err != nil {
		log.WithField("key", key).WithError(err).Warn("Unparseable ROI setting")
		return money.Zero()
	}
	return p
}

func levelKey(level int) string {
	return "LEVEL_" + strconv.Itoa(level) + "_DAILY_PERCENT"
}

const accrualPeriodKey = "REWARD_ACCRUAL_PERIOD_HOURS"

// AccrualPeriodHours reads the ROI accrual period from settings so operators
// can retune it without a redeploy, falling back to the platform default when
// the key is absent or unusable.
func (gs *GlobalSettings) AccrualPeriodHours() int {
	raw, ok := gs.ROISettings[accrualPeriodKey]
	if !ok {
		return params.FinConfig().RewardAccrualPeriodHours
	}
	h, err := strconv.Atoi(raw)
	if err != nil || h <= 0 {
		log.WithField("key", accrualPeriodKey).Warn("Unusable accrual period setting")
		return params.FinConfig().RewardAccrualPeriodHours
	}
	return h
}
