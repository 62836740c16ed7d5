// Package scheduler runs the platform's periodic work: the deposit and PLEX
// monitor sweeps, the ROI accrual pass, the settings refresh and the daily
// counter reset. Each sweep guards itself with a named distributed lock, so
// concurrent instances interleave instead of duplicating work.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/plexfin/fincore/async"
	"github.com/plexfin/fincore/config/params"
	"github.com/plexfin/fincore/dlock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "scheduler")

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Config wires the periodic tasks. Nil tasks are skipped.
type Config struct {
	DepositMonitor  Task
	PlexMonitor     Task
	ROIAccrual      Task
	SettingsRefresh Task
	DailyReset      Task
}

// Service implements runtime.Service and owns the tickers and cron entries.
type Service struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	err    error
}

// New builds the scheduler service.
func New(ctx context.Context, cfg Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start launches the monitor tickers and cron entries. Missed ticks do not
// queue: a sweep that finds its lock held simply skips the round.
func (s *Service) Start() {
	s.runEvery("deposit monitor", s.cfg.DepositMonitor)
	s.runEvery("plex monitor", s.cfg.PlexMonitor)
	s.runEvery("roi accrual", s.cfg.ROIAccrual)

	if s.cfg.SettingsRefresh != nil {
		if _, err := s.cron.AddFunc("@every 30s", s.cronWrap("settings refresh", s.cfg.SettingsRefresh)); err != nil {
			s.err = errors.Wrap(err, "could not schedule settings refresh")
			return
		}
	}
	if s.cfg.DailyReset != nil {
		if _, err := s.cron.AddFunc("0 0 * * *", s.cronWrap("daily reset", s.cfg.DailyReset)); err != nil {
			s.err = errors.Wrap(err, "could not schedule daily reset")
			return
		}
	}
	s.cron.Start()
	log.Info("Scheduler started")
}

// Stop cancels the tickers and waits for running cron jobs.
func (s *Service) Stop() error {
	s.cancel()
	<-s.cron.Stop().Done()
	log.Info("Scheduler stopped")
	return nil
}

// Status reports a scheduling failure, if any.
func (s *Service) Status() error {
	return s.err
}

func (s *Service) runEvery(name string, task Task) {
	if task == nil {
		return
	}
	async.RunEvery(s.ctx, name, params.FinConfig().MonitorInterval, func() {
		s.run(name, task)
	})
}

func (s *Service) run(name string, task Task) {
	if err := task(s.ctx); err != nil {
		if errors.Is(err, dlock.ErrNotAcquired) {
			log.WithField("task", name).Debug("Lock held elsewhere, skipping round")
			return
		}
		taskFailures.WithLabelValues(name).Inc()
		log.WithError(err).WithField("task", name).Error("Periodic task failed")
	}
}

func (s *Service) cronWrap(name string, task Task) func() {
	return func() {
		s.run(name, task)
	}
}
