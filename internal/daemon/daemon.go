// Package daemon runs sync cycles on a schedule and loads staging feeds as
// they arrive.
//
// The daemon:
//  1. Runs a sync cycle at each cron schedule, in the business time zone
//  2. Skips a scheduled cycle while the previous one is still running
//  3. Watches the ingest directory for staging feeds (optional)
//  4. Waits for a running cycle to finish on shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldops/opsync/internal/orchestrator"
)

// Cycler runs one sync cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*orchestrator.CycleReport, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Schedules are standard five-field cron expressions
	Schedules []string

	// Location is the zone schedules are evaluated in
	Location *time.Location

	// RunOnStart runs one cycle immediately
	RunOnStart bool

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults: every three hours from 07:00 to
// 16:00 on business days.
func DefaultConfig() *Config {
	return &Config{
		Schedules: []string{"0 7-18/3 * * 1-5"},
		Location:  time.UTC,
		Logger:    slog.Default().With("component", "daemon"),
	}
}

// Daemon schedules sync cycles.
type Daemon struct {
	cycler  Cycler
	watcher *Watcher
	config  Config
	logger  *slog.Logger
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon with the default configuration.
func New(cycler Cycler, watcher *Watcher) (*Daemon, error) {
	return NewWithConfig(cycler, watcher, DefaultConfig())
}

// NewWithConfig creates a Daemon. watcher may be nil when no ingest
// directory is configured.
func NewWithConfig(cycler Cycler, watcher *Watcher, config *Config) (*Daemon, error) {
	if cycler == nil {
		return nil, fmt.Errorf("cycler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if len(cfg.Schedules) == 0 {
		return nil, fmt.Errorf("at least one schedule is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "daemon")
	}

	d := &Daemon{
		cycler:  cycler,
		watcher: watcher,
		config:  cfg,
		logger:  logger,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	cl := cronLogger{logger}
	d.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, spec := range cfg.Schedules {
		if _, err := d.cron.AddFunc(spec, d.runCycle); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}
	return d, nil
}

// Next returns the next scheduled run of each schedule, earliest first.
func (d *Daemon) Next(from time.Time) []time.Time {
	var out []time.Time
	for _, e := range d.cron.Entries() {
		out = append(out, e.Schedule.Next(from.In(d.config.Location)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Run starts the schedule and the watcher and blocks until ctx is done.
// A cycle in progress at shutdown is cancelled and waited for.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon", "schedules", d.config.Schedules, "time_zone", d.config.Location.String())

	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.watcher.Run(d.ctx); err != nil {
				d.logger.Error("ingest watcher stopped", "error", err)
			}
		}()
	}

	d.cron.Start()
	for _, next := range d.Next(time.Now()) {
		d.logger.Info("next cycle scheduled", "at", next)
	}

	if d.config.RunOnStart {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runCycle()
		}()
	}

	select {
	case <-ctx.Done():
	case <-d.ctx.Done():
	}
	d.Stop()
	return nil
}

// Stop cancels the daemon and waits for running work.
func (d *Daemon) Stop() {
	d.cancel()
	<-d.cron.Stop().Done()
	d.wg.Wait()
	d.logger.Info("daemon stopped")
}

func (d *Daemon) runCycle() {
	report, err := d.cycler.RunCycle(d.ctx)
	switch {
	case errors.Is(err, orchestrator.ErrCycleRunning):
		d.logger.Info("cycle skipped, previous cycle still running")
	case err != nil:
		d.logger.Warn("cycle ended early", "error", err)
	case len(report.Failures()) > 0:
		d.logger.Warn("cycle finished with failures", "cycle", report.ID, "failures", len(report.Failures()))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
