// Package params defines the constant configuration essential to fincore
// services: token contracts, chain finalization policy, payment limits,
// timeouts and retry budgets. Mutable operator settings live in the settings
// store, not here.
package params

import (
	"time"

	"github.com/plexfin/fincore/money"
)

// PlatformConfig contains constant configs for the financial core.
type PlatformConfig struct {
	// Chain endpoints and contracts.
	ChainID              int64
	USDTContractAddress  string
	PLEXContractAddress  string
	SystemWalletAddress  string
	PayoutWalletAddress  string
	ConfirmationBlocks   uint64
	DepositScanMaxWindow uint64 // hard cap on a single eth_getLogs window, ~3 days on BSC
	DepositScanChunkSize uint64
	PlexLookbackBlocks   uint64

	// Gas policy for outbound payments.
	GasSafetyFactor      float64
	DefaultGasLimitERC20 uint64
	DefaultGasLimitNative uint64
	MinGasPriceGwei      int64
	MaxGasPriceGwei      int64
	StuckNonceGap        uint64

	// Retry and timeout budgets.
	MaxSendRetries     int
	RetryBackoffBase   time.Duration
	RPCTimeout         time.Duration
	LongRPCTimeout     time.Duration
	ReceiptWait        time.Duration
	PreviousTxWait     time.Duration
	NotifyTimeout      time.Duration
	TaskLease          time.Duration
	MonitorInterval    time.Duration
	SettingsRefresh    time.Duration

	// Rate limiting of outbound RPC.
	MaxConcurrentRPC int64
	MaxRPCPerSecond  float64

	// Kill switches set from the environment at startup. The settings row
	// carries the operator-togglable equivalents; either source stops the
	// affected flows.
	EmergencyStop       bool
	WithdrawalsDisabled bool

	// Deposit and ROI policy.
	MinDepositAmount         money.Amount
	DepositPendingTimeout    time.Duration
	RewardAccrualPeriodHours int
	DepositAmountTolerance   money.Amount // fraction of the expected amount

	// PLEX daily-payment policy.
	PlexDailyMultiplier int64 // daily PLEX requirement = deposit amount × this
	MinimumPlexBalance  money.Amount
	PlexPaymentWindow   time.Duration // time granted to pay each cycle
	PlexWarningOffset   time.Duration // grace past the due time before a warning
	PlexBlockOffset     time.Duration // grace past the due time before a block

	// Withdrawal policy.
	MinWithdrawalAmount  money.Amount
	PayoutCapMultiplier  int64 // x5 lifetime payout rule
	MaxFinpassAttempts   int

	// Referral policy.
	ReferralDepth     int
	ReferralRates     map[int]money.Amount // level → percent
	MinNotifiableROI  money.Amount         // suppress ROI reward notices below this
}

var platformConfig = MainnetConfig()

// FinConfig retrieves the platform config.
func FinConfig() *PlatformConfig {
	return platformConfig
}

// OverrideFinConfig sets the platform config. Tests must restore the previous
// value when done.
func OverrideFinConfig(c *PlatformConfig) {
	platformConfig = c
}

// MainnetConfig returns the BSC mainnet configuration.
func MainnetConfig() *PlatformConfig {
	return &PlatformConfig{
		ChainID:              56,
		ConfirmationBlocks:   12,
		DepositScanMaxWindow: 100_000,
		DepositScanChunkSize: 5_000,
		PlexLookbackBlocks:   40_000,

		GasSafetyFactor:       1.2,
		DefaultGasLimitERC20:  100_000,
		DefaultGasLimitNative: 21_000,
		MinGasPriceGwei:       3,
		MaxGasPriceGwei:       20,
		StuckNonceGap:         5,

		MaxSendRetries:   3,
		RetryBackoffBase: 2 * time.Second,
		RPCTimeout:       30 * time.Second,
		LongRPCTimeout:   60 * time.Second,
		ReceiptWait:      120 * time.Second,
		PreviousTxWait:   60 * time.Second,
		NotifyTimeout:    10 * time.Second,
		TaskLease:        300 * time.Second,
		MonitorInterval:  60 * time.Second,
		SettingsRefresh:  30 * time.Second,

		MaxConcurrentRPC: 10,
		MaxRPCPerSecond:  20,

		MinDepositAmount:         money.FromInt(10),
		DepositPendingTimeout:    24 * time.Hour,
		RewardAccrualPeriodHours: 6,
		DepositAmountTolerance:   money.RequireFromString("0.01"),

		PlexDailyMultiplier: 10,
		MinimumPlexBalance:  money.FromInt(5_000),
		PlexPaymentWindow:   24 * time.Hour,
		PlexWarningOffset:   time.Hour,
		PlexBlockOffset:     25 * time.Hour,

		MinWithdrawalAmount: money.FromInt(10),
		PayoutCapMultiplier: 5,
		MaxFinpassAttempts:  5,

		ReferralDepth: 3,
		ReferralRates: map[int]money.Amount{
			1: money.FromInt(5),
			2: money.FromInt(5),
			3: money.FromInt(5),
		},
		MinNotifiableROI: money.RequireFromString("0.01"),
	}
}

// TestnetConfig returns the BSC testnet configuration.
func TestnetConfig() *PlatformConfig {
	c := MainnetConfig()
	c.ChainID = 97
	c.ConfirmationBlocks = 6
	return c
}

// TestConfig returns a configuration with short windows suitable for unit
// tests. Chain addresses are left empty; tests that need them set their own.
func TestConfig() *PlatformConfig {
	c := MainnetConfig()
	c.ChainID = 97
	c.ConfirmationBlocks = 3
	c.MaxSendRetries = 2
	c.RetryBackoffBase = time.Millisecond
	c.ReceiptWait = 50 * time.Millisecond
	c.PreviousTxWait = 20 * time.Millisecond
	c.RPCTimeout = time.Second
	c.LongRPCTimeout = time.Second
	c.MonitorInterval = 10 * time.Millisecond
	return c
}

// SetupTestConfigCleanup preserves and restores the active config around a test.
func SetupTestConfigCleanup(t interface{ Cleanup(func()) }) {
	prev := platformConfig
	t.Cleanup(func() {
		platformConfig = prev
	})
}
