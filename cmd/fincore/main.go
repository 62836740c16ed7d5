// fincore is the financial core daemon: it connects the persistence layer,
// the Redis lock service and the BSC gateway, then runs the periodic deposit,
// ROI and PLEX payment sweeps until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/plexfin/fincore/chain"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/deposit"
	"github.com/plexfin/fincore/dlock"
	"github.com/plexfin/fincore/notify"
	"github.com/plexfin/fincore/plexpay"
	"github.com/plexfin/fincore/referral"
	"github.com/plexfin/fincore/runtime"
	"github.com/plexfin/fincore/scheduler"
	"github.com/plexfin/fincore/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "main")

var (
	postgresDSNFlag = &cli.StringFlag{
		Name:     "postgres-dsn",
		Usage:    "Postgres connection string",
		EnvVars:  []string{"FINCORE_POSTGRES_DSN"},
		Required: true,
	}
	redisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis URL for distributed locks",
		EnvVars: []string{"FINCORE_REDIS_URL"},
		Value:   "redis://localhost:6379/0",
	}
	rpcEndpointsFlag = &cli.StringSliceFlag{
		Name:     "rpc-endpoint",
		Usage:    "BSC RPC endpoint as name=url, ordered by preference (repeatable)",
		EnvVars:  []string{"FINCORE_RPC_ENDPOINTS"},
		Required: true,
	}
	usdtContractFlag = &cli.StringFlag{
		Name:     "usdt-contract",
		Usage:    "USDT token contract address",
		Required: true,
	}
	plexContractFlag = &cli.StringFlag{
		Name:     "plex-contract",
		Usage:    "PLEX token contract address",
		Required: true,
	}
	systemWalletFlag = &cli.StringFlag{
		Name:     "system-wallet",
		Usage:    "Deposit receiving wallet address",
		Required: true,
	}
	payoutWalletFlag = &cli.StringFlag{
		Name:     "payout-wallet",
		Usage:    "Payout wallet address",
		Required: true,
	}
	payoutKeyEnvFlag = &cli.StringFlag{
		Name:  "payout-key-env",
		Usage: "Name of the environment variable holding the payout private key",
		Value: "FINCORE_PAYOUT_KEY",
	}
	testnetFlag = &cli.BoolFlag{
		Name:  "testnet",
		Usage: "Run against BSC testnet parameters",
	}
	emergencyStopFlag = &cli.BoolFlag{
		Name:    "emergency-stop",
		Usage:   "Stop all deposits and withdrawals regardless of operator settings",
		EnvVars: []string{"EMERGENCY_STOP"},
	}
	withdrawalsDisabledFlag = &cli.BoolFlag{
		Name:    "withdrawals-disabled",
		Usage:   "Stop withdrawals regardless of operator settings",
		EnvVars: []string{"WITHDRAWALS_DISABLED"},
	}
	monitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port for the Prometheus metrics endpoint",
		Value: 8090,
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error)",
		Value: "info",
	}
)

func main() {
	app := &cli.App{
		Name:  "fincore",
		Usage: "investment platform financial core",
		Flags: []cli.Flag{
			postgresDSNFlag,
			redisURLFlag,
			rpcEndpointsFlag,
			usdtContractFlag,
			plexContractFlag,
			systemWalletFlag,
			payoutWalletFlag,
			payoutKeyEnvFlag,
			testnetFlag,
			emergencyStopFlag,
			withdrawalsDisabledFlag,
			monitoringPortFlag,
			verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("fincore exited")
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String(verbosityFlag.Name))
	if err != nil {
		return errors.Wrap(err, "bad verbosity")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if c.Bool(testnetFlag.Name) {
		params.OverrideFinConfig(params.TestnetConfig())
	}
	if c.Bool(emergencyStopFlag.Name) || c.Bool(withdrawalsDisabledFlag.Name) {
		cfg := *params.FinConfig()
		cfg.EmergencyStop = c.Bool(emergencyStopFlag.Name)
		cfg.WithdrawalsDisabled = c.Bool(withdrawalsDisabledFlag.Name)
		params.OverrideFinConfig(&cfg)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	db, err := store.Open(ctx, c.String(postgresDSNFlag.Name))
	if err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(c.String(redisURLFlag.Name))
	if err != nil {
		return errors.Wrap(err, "bad redis url")
	}
	locker := dlock.NewClient(redis.NewClient(redisOpts))

	gateway, err := buildGateway(ctx, c, db, locker)
	if err != nil {
		return err
	}

	var sink notify.Sink = notify.LogSink{}
	rewards := referral.New(referral.WrapStore(db), sink)
	deposits := deposit.New(deposit.WrapStore(db), gateway, locker, sink, rewards)
	payments := plexpay.New(plexpay.WrapStore(db), gateway, locker, sink)

	registry := runtime.NewServiceRegistry()
	sched := scheduler.New(ctx, scheduler.Config{
		DepositMonitor: deposits.Monitor,
		PlexMonitor:    payments.Monitor,
		ROIAccrual:     deposits.AccrueDueROI,
		SettingsRefresh: func(ctx context.Context) error {
			_, err := db.ReloadSettings(ctx)
			return err
		},
		DailyReset: func(ctx context.Context) error {
			n, err := db.ClearExpiredFinpassLocks(ctx)
			if n > 0 {
				log.WithField("users", n).Info("Cleared expired finpass locks")
			}
			return err
		},
	})
	if err := registry.RegisterService(sched); err != nil {
		return err
	}

	go serveMetrics(c.Int(monitoringPortFlag.Name))

	registry.StartAll()
	log.Info("Financial core started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info("Shutting down")
	registry.StopAll()
	return nil
}

func buildGateway(ctx context.Context, c *cli.Context, db *store.Store, locker *dlock.Client) (*chain.Gateway, error) {
	var providers []chain.Provider
	for _, spec := range c.StringSlice(rpcEndpointsFlag.Name) {
		name, url, ok := splitEndpoint(spec)
		if !ok {
			return nil, errors.Errorf("bad rpc endpoint %q, want name=url", spec)
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, errors.Wrapf(err, "could not dial %s", name)
		}
		providers = append(providers, chain.Provider{Name: name, Backend: client})
	}
	pool, err := chain.NewPool(providers, db)
	if err != nil {
		return nil, err
	}
	cfg := params.FinConfig()
	usdt, err := chain.ParseAddress(c.String(usdtContractFlag.Name))
	if err != nil {
		return nil, errors.Wrap(err, "bad usdt contract")
	}
	plex, err := chain.ParseAddress(c.String(plexContractFlag.Name))
	if err != nil {
		return nil, errors.Wrap(err, "bad plex contract")
	}
	system, err := chain.ParseAddress(c.String(systemWalletFlag.Name))
	if err != nil {
		return nil, errors.Wrap(err, "bad system wallet")
	}
	payout, err := chain.ParseAddress(c.String(payoutWalletFlag.Name))
	if err != nil {
		return nil, errors.Wrap(err, "bad payout wallet")
	}
	return chain.NewGateway(pool, chain.NewLimiter(cfg.MaxConcurrentRPC, cfg.MaxRPCPerSecond), locker, chain.Config{
		USDTContract:        usdt,
		PLEXContract:        plex,
		SystemWallet:        system,
		PayoutWallet:        payout,
		ChainID:             cfg.ChainID,
		PayoutPrivateKeyHex: os.Getenv(c.String(payoutKeyEnvFlag.Name)),
	}), nil
}

func splitEndpoint(spec string) (name, url string, ok bool) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.WithField("addr", addr).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server stopped")
	}
}
