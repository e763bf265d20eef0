// Package orchestrator runs sync cycles: fold every staging family, recover
// abandoned exports, export every entity and write job aggregates back.
//
// A failing step is logged and recorded in the CycleReport; the cycle moves
// on to the next step. Nothing is retried within a cycle, the next scheduled
// cycle picks up whatever was left behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/opsync/internal/export"
	"github.com/fieldops/opsync/internal/fold"
	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/syncerr"
	"github.com/fieldops/opsync/internal/writeback"
)

// ErrCycleRunning is returned by RunCycle when a cycle is already running in
// this process.
var ErrCycleRunning = errors.New("sync cycle already running")

// Stage is one phase of a cycle.
type Stage string

const (
	StageFold      Stage = "fold"
	StageCleanup   Stage = "cleanup"
	StageExport    Stage = "export"
	StageWriteback Stage = "writeback"
)

// Stages lists every stage in cycle order.
var Stages = []Stage{StageFold, StageCleanup, StageExport, StageWriteback}

// ParseStage converts a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q (want fold, cleanup, export or writeback)", s)
}

// StepReport records one step of a cycle.
type StepReport struct {
	Stage    Stage         `json:"stage"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	// Skipped is set when the step's lock was held elsewhere
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`

	// Detail is the step's result (*fold.Result, *export.CleanupResult,
	// []*export.Result or *writeback.Result)
	Detail any `json:"detail,omitempty"`

	err error
}

// Err returns the step failure, if any.
func (s StepReport) Err() error {
	return s.err
}

// Failed reports whether the step failed for a reason other than a held lock.
func (s StepReport) Failed() bool {
	return s.err != nil && !s.Skipped
}

// CycleReport records one cycle.
type CycleReport struct {
	ID         string       `json:"id"`
	DryRun     bool         `json:"dry_run"`
	Started    time.Time    `json:"started"`
	Finished   time.Time    `json:"finished"`
	Steps      []StepReport `json:"steps"`
	LockFaults []lock.Info  `json:"lock_faults,omitempty"`
}

// Failures returns the failed steps.
func (r *CycleReport) Failures() []StepReport {
	var out []StepReport
	for _, s := range r.Steps {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// Err joins the errors of failed steps.
func (r *CycleReport) Err() error {
	var errs []error
	for _, s := range r.Failures() {
		errs = append(errs, fmt.Errorf("%s %s: %w", s.Stage, s.Name, s.err))
	}
	return errors.Join(errs...)
}

// Notifier receives cycle events. Calls are made synchronously from the
// cycle goroutine and must not block.
type Notifier interface {
	CycleStarted(report *CycleReport)
	StepFinished(report *CycleReport, step StepReport)
	LockFault(info lock.Info)
	CycleFinished(report *CycleReport)
}

// Deps are the components a cycle drives. Folder must be built in dry-run
// mode when Config.DryRun is set.
type Deps struct {
	Folder   *fold.Folder
	Exporter *export.Exporter
	Writer   *writeback.Writer
	Locks    *lock.Manager
	Notifier Notifier
}

// Config holds configuration for the Orchestrator.
type Config struct {
	// Families are folded in order
	Families []fold.Family

	// Entities are cleaned up and exported in order
	Entities []export.Entity

	// StepTimeout bounds each step
	StepTimeout time.Duration

	// Stages limits the cycle to the named stages (all when empty)
	Stages []Stage

	// DryRun runs only the fold stage and writes nothing
	DryRun bool

	// Logger for cycle activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Families:    fold.DefaultFamilies(),
		Entities:    export.DefaultEntities(),
		StepTimeout: 5 * time.Minute,
		Logger:      slog.Default().With("component", "orchestrator"),
	}
}

// Orchestrator runs sync cycles.
type Orchestrator struct {
	deps   Deps
	config Config
	logger *slog.Logger
	now    func() time.Time

	running sync.Mutex

	lastMu sync.RWMutex
	last   *CycleReport
}

// New creates an Orchestrator.
func New(deps Deps, config *Config) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if deps.Folder == nil {
		return nil, fmt.Errorf("folder cannot be nil")
	}
	if !cfg.DryRun && (deps.Exporter == nil || deps.Writer == nil || deps.Locks == nil) {
		return nil, fmt.Errorf("exporter, writer and locks are required")
	}
	if cfg.StepTimeout <= 0 {
		return nil, fmt.Errorf("step timeout must be positive (got %v)", cfg.StepTimeout)
	}
	if err := fold.ValidateFamilies(cfg.Families); err != nil {
		return nil, err
	}
	if err := export.ValidateEntities(cfg.Entities); err != nil {
		return nil, err
	}
	if cfg.DryRun {
		cfg.Stages = []Stage{StageFold}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{deps: deps, config: cfg, logger: logger, now: time.Now}, nil
}

// LastReport returns the most recent finished cycle, or nil.
func (o *Orchestrator) LastReport() *CycleReport {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

// RunCycle runs one cycle. It returns ErrCycleRunning without doing anything
// if another cycle is in progress. Step failures are in the report, not the
// returned error; the error is only set when ctx ends the cycle early.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !o.running.TryLock() {
		return nil, ErrCycleRunning
	}
	defer o.running.Unlock()

	report := &CycleReport{ID: uuid.NewString(), DryRun: o.config.DryRun, Started: o.now()}
	log := o.logger.With("cycle", report.ID)
	log.Info("cycle started", "dry_run", report.DryRun)
	o.notify(func(n Notifier) { n.CycleStarted(report) })

	o.checkLocks(ctx, report, log)

	if o.enabled(StageFold) {
		for _, fam := range o.config.Families {
			if ctx.Err() != nil {
				break
			}
			o.step(ctx, report, log, StageFold, fam.Name, func(ctx context.Context) (any, error) {
				return o.deps.Folder.Fold(ctx, fam)
			})
		}
	}
	if o.enabled(StageCleanup) {
		for _, ent := range o.config.Entities {
			if ctx.Err() != nil {
				break
			}
			o.step(ctx, report, log, StageCleanup, ent.Name, func(ctx context.Context) (any, error) {
				return o.deps.Exporter.Cleanup(ctx, ent)
			})
		}
	}
	if o.enabled(StageExport) {
		for _, ent := range o.config.Entities {
			if ctx.Err() != nil {
				break
			}
			o.step(ctx, report, log, StageExport, ent.Name, func(ctx context.Context) (any, error) {
				return o.deps.Exporter.Drain(ctx, ent)
			})
		}
	}
	if o.enabled(StageWriteback) && ctx.Err() == nil {
		o.step(ctx, report, log, StageWriteback, writeback.JobsCollection, func(ctx context.Context) (any, error) {
			return o.deps.Writer.Run(ctx)
		})
	}

	report.Finished = o.now()
	failures := report.Failures()
	if len(failures) > 0 {
		log.Warn("cycle finished with failures", "steps", len(report.Steps), "failures", len(failures),
			"duration", report.Finished.Sub(report.Started))
	} else {
		log.Info("cycle finished", "steps", len(report.Steps), "duration", report.Finished.Sub(report.Started))
	}

	o.lastMu.Lock()
	o.last = report
	o.lastMu.Unlock()
	o.notify(func(n Notifier) { n.CycleFinished(report) })

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("cycle interrupted: %w", err)
	}
	return report, nil
}

// checkLocks reports locks held past their stale age. They are never broken
// here; an operator releases them.
func (o *Orchestrator) checkLocks(ctx context.Context, report *CycleReport, log *slog.Logger) {
	if o.deps.Locks == nil {
		return
	}
	infos, err := o.deps.Locks.Inspect(ctx)
	if err != nil {
		log.Warn("failed to inspect locks", "error", err)
		return
	}
	for _, info := range infos {
		if !info.Stuck {
			continue
		}
		report.LockFaults = append(report.LockFaults, info)
		log.Error("lock held past stale age", "resource", info.Resource, "holder", info.Holder,
			"host", info.Host, "age", info.Age)
		o.notify(func(n Notifier) { n.LockFault(info) })
	}
}

func (o *Orchestrator) step(ctx context.Context, report *CycleReport, log *slog.Logger, stage Stage, name string, fn func(ctx context.Context) (any, error)) {
	sr := StepReport{Stage: stage, Name: name, Started: o.now()}

	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	detail, err := fn(stepCtx)
	cancel()

	sr.Duration = o.now().Sub(sr.Started)
	sr.Detail = detail
	if err != nil {
		sr.err = err
		sr.Error = err.Error()
		sr.Skipped = syncerr.IsPrecondition(err)
		attrs := []any{"stage", stage, "entity", name}
		var se *syncerr.Error
		if errors.As(err, &se) {
			attrs = append(attrs, "collection", se.Collection, "id", se.ID, "batch", se.Batch)
		}
		attrs = append(attrs, "error", err)
		if sr.Skipped {
			log.Warn("step skipped", attrs...)
		} else {
			log.Error("step failed", attrs...)
		}
	}

	report.Steps = append(report.Steps, sr)
	o.notify(func(n Notifier) { n.StepFinished(report, sr) })
}

func (o *Orchestrator) enabled(stage Stage) bool {
	if len(o.config.Stages) == 0 {
		return true
	}
	for _, s := range o.config.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (o *Orchestrator) notify(fn func(Notifier)) {
	if o.deps.Notifier != nil {
		fn(o.deps.Notifier)
	}
}
