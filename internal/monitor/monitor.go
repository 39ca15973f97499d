// Package monitor owns the price-check cycle and the auxiliary jobs, each
// behind its own single-flight guard.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hotel-price-watch/internal/config"
	"hotel-price-watch/internal/dispatch"
	"hotel-price-watch/internal/evaluator"
	"hotel-price-watch/internal/metrics"
	"hotel-price-watch/internal/pricesource"
	"hotel-price-watch/internal/scheduler"
	"hotel-price-watch/internal/storage"
	"hotel-price-watch/internal/throttle"
)

var (
	// ErrCycleInProgress is returned when a trigger finds its job already running.
	ErrCycleInProgress = errors.New("monitor: job already running")
	// ErrStopping is returned once shutdown has begun.
	ErrStopping = errors.New("monitor: shutting down")
	// ErrPersistence marks store failures that abandon a target's evaluation.
	ErrPersistence = errors.New("monitor: persistence error")
)

// Job names used in logs, metrics and status.
const (
	JobCycle       = "cycle"
	JobDigest      = "digest"
	JobHealth      = "health"
	JobMaintenance = "maintenance"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Repo       storage.Repository
	Fetcher    pricesource.Fetcher
	Evaluator  *evaluator.Evaluator
	Throttle   *throttle.Throttle
	Dispatcher *dispatch.Dispatcher
	Ops        dispatch.OpsNotifier
	Metrics    *metrics.Metrics
}

// Options tune cycle behaviour and job cadence.
type Options struct {
	Interval        time.Duration
	AlignToBucket   bool
	StartupDelay    time.Duration
	BatchSize       int
	BatchDelay      time.Duration
	ShutdownGrace   time.Duration
	AdvisoryLockKey int64

	DigestAt       config.Clock
	DigestWindow   time.Duration
	HealthInterval time.Duration
	MaintenanceAt  config.Clock
	Location       *time.Location
	Retention      config.RetentionConfig

	// Clock overrides time.Now.
	Clock func() time.Time
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	digestAt, err := config.ParseClock(cfg.Scheduler.DigestAt)
	if err != nil {
		return Options{}, err
	}
	maintenanceAt, err := config.ParseClock(cfg.Scheduler.MaintenanceAt)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Interval:        cfg.Scheduler.Interval,
		AlignToBucket:   cfg.Scheduler.AlignToBucket,
		StartupDelay:    cfg.Scheduler.StartupDelay,
		BatchSize:       cfg.Scheduler.BatchSize,
		BatchDelay:      cfg.Scheduler.BatchDelay,
		ShutdownGrace:   cfg.Scheduler.ShutdownGrace,
		AdvisoryLockKey: cfg.Scheduler.AdvisoryLockKey,
		DigestAt:        digestAt,
		DigestWindow:    24 * time.Hour,
		HealthInterval:  cfg.Scheduler.HealthInterval,
		MaintenanceAt:   maintenanceAt,
		Location:        loc,
		Retention:       cfg.Retention,
	}, nil
}

// Orchestrator runs price-check cycles and auxiliary jobs.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	locker storage.AdvisoryLocker

	guards   map[string]*atomic.Bool
	paused   atomic.Bool
	stopping atomic.Bool

	base   context.Context
	cancel context.CancelFunc

	// lifecycle orders jobs.Add against Shutdown.
	lifecycle sync.Mutex
	jobs      sync.WaitGroup

	mu         sync.RWMutex
	lastCycle  *CycleStats
	lastErr    string
	lastHealth *HealthReport
	lastDigest *DigestReport
	lastMaint  *MaintenanceReport
}

// New constructs an Orchestrator. Call Shutdown (or Run) to release it.
func New(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.DigestWindow <= 0 {
		opts.DigestWindow = 24 * time.Hour
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if deps.Ops == nil {
		deps.Ops = dispatch.NopNotifier{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Repo.(storage.AdvisoryLocker); ok {
		locker = l
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    now,
		locker: locker,
		guards: map[string]*atomic.Bool{
			JobCycle:       {},
			JobDigest:      {},
			JobHealth:      {},
			JobMaintenance: {},
		},
		base:   base,
		cancel: cancel,
	}
}

// guarded runs fn if job is idle. A busy job is skipped, never queued.
func (o *Orchestrator) guarded(job string, fn func() error) error {
	if o.stopping.Load() {
		return ErrStopping
	}
	flag := o.guards[job]
	if !flag.CompareAndSwap(false, true) {
		o.logger.Warn().Str("job", job).Msg("trigger skipped, job still running")
		o.deps.Metrics.Skipped(job)
		return ErrCycleInProgress
	}
	defer flag.Store(false)
	return fn()
}

// launch is the asynchronous form of guarded. The job runs on the
// orchestrator's own context so that shutdown can grant it a grace period.
func (o *Orchestrator) launch(job string, fn func(ctx context.Context) error) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.stopping.Load() {
		return ErrStopping
	}
	flag := o.guards[job]
	if !flag.CompareAndSwap(false, true) {
		o.logger.Warn().Str("job", job).Msg("trigger skipped, job still running")
		o.deps.Metrics.Skipped(job)
		return ErrCycleInProgress
	}

	o.jobs.Add(1)
	go func() {
		defer o.jobs.Done()
		defer flag.Store(false)
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Str("job", job).Interface("panic", r).Msg("job panicked")
			}
		}()
		if err := fn(o.base); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error().Err(err).Str("job", job).Msg("job failed")
		}
	}()
	return nil
}

// RunCycle executes one price-check cycle synchronously.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	err := o.guarded(JobCycle, func() error {
		var err error
		stats, err = o.runCycle(ctx)
		return err
	})
	return stats, err
}

// TriggerCycle starts a cycle in the background.
func (o *Orchestrator) TriggerCycle() error {
	return o.launch(JobCycle, func(ctx context.Context) error {
		_, err := o.runCycle(ctx)
		return err
	})
}

// TriggerDigest starts a digest run in the background.
func (o *Orchestrator) TriggerDigest() error {
	return o.launch(JobDigest, func(ctx context.Context) error {
		_, err := o.runDigest(ctx)
		return err
	})
}

// TriggerHealthCheck starts a health check in the background.
func (o *Orchestrator) TriggerHealthCheck() error {
	return o.launch(JobHealth, func(ctx context.Context) error {
		_, err := o.runHealthCheck(ctx)
		return err
	})
}

// TriggerMaintenance starts maintenance in the background.
func (o *Orchestrator) TriggerMaintenance() error {
	return o.launch(JobMaintenance, func(ctx context.Context) error {
		_, err := o.runMaintenance(ctx)
		return err
	})
}

// RunDigest sends the daily digest synchronously.
func (o *Orchestrator) RunDigest(ctx context.Context) (DigestReport, error) {
	var report DigestReport
	err := o.guarded(JobDigest, func() error {
		var err error
		report, err = o.runDigest(ctx)
		return err
	})
	return report, err
}

// RunHealthCheck probes dependencies synchronously.
func (o *Orchestrator) RunHealthCheck(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	err := o.guarded(JobHealth, func() error {
		var err error
		report, err = o.runHealthCheck(ctx)
		return err
	})
	return report, err
}

// RunMaintenance prunes and expires data synchronously.
func (o *Orchestrator) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	err := o.guarded(JobMaintenance, func() error {
		var err error
		report, err = o.runMaintenance(ctx)
		return err
	})
	return report, err
}

// Pause makes scheduled triggers no-ops. Manual triggers still run.
func (o *Orchestrator) Pause() {
	if !o.paused.Swap(true) {
		o.logger.Info().Msg("scheduler paused")
	}
}

// Resume re-enables scheduled triggers.
func (o *Orchestrator) Resume() {
	if o.paused.Swap(false) {
		o.logger.Info().Msg("scheduler resumed")
	}
}

// Restart resumes the scheduler and starts a cycle immediately.
func (o *Orchestrator) Restart() error {
	o.Resume()
	return o.TriggerCycle()
}

// Run starts the schedulers and blocks until ctx is cancelled, then shuts
// down gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	type schedule struct {
		opts    scheduler.Options
		trigger func() error
	}
	schedules := []schedule{
		{scheduler.Options{Name: JobCycle, Interval: o.opts.Interval, AlignToStart: o.opts.AlignToBucket, StartupDelay: o.opts.StartupDelay}, o.TriggerCycle},
		{scheduler.Options{Name: JobHealth, Interval: o.opts.HealthInterval}, o.TriggerHealthCheck},
		{scheduler.Options{Name: JobDigest, Daily: true, Hour: o.opts.DigestAt.Hour, Minute: o.opts.DigestAt.Minute, Location: o.opts.Location}, o.TriggerDigest},
		{scheduler.Options{Name: JobMaintenance, Daily: true, Hour: o.opts.MaintenanceAt.Hour, Minute: o.opts.MaintenanceAt.Minute, Location: o.opts.Location}, o.TriggerMaintenance},
	}

	runners := make([]*scheduler.Scheduler, len(schedules))
	for i, sc := range schedules {
		s, err := scheduler.New(sc.opts, o.logger)
		if err != nil {
			return fmt.Errorf("scheduler %s: %w", sc.opts.Name, err)
		}
		runners[i] = s
	}

	var loops sync.WaitGroup
	for i, sc := range schedules {
		s, trigger, job := runners[i], sc.trigger, sc.opts.Name
		loops.Add(1)
		go func() {
			defer loops.Done()
			_ = s.Run(ctx, func(context.Context, time.Time) error {
				if o.paused.Load() {
					o.logger.Debug().Str("job", job).Msg("trigger ignored while paused")
					return nil
				}
				err := trigger()
				if errors.Is(err, ErrCycleInProgress) || errors.Is(err, ErrStopping) {
					return nil
				}
				return err
			})
		}()
	}

	o.logger.Info().Dur("interval", o.opts.Interval).Int("batch_size", o.opts.BatchSize).Msg("monitor started")
	<-ctx.Done()
	loops.Wait()
	return o.Shutdown()
}

// Shutdown refuses new triggers, waits up to the grace period for running
// jobs, then cancels them and waits for them to return.
func (o *Orchestrator) Shutdown() error {
	o.lifecycle.Lock()
	already := o.stopping.Swap(true)
	o.lifecycle.Unlock()
	if already {
		o.jobs.Wait()
		return nil
	}
	o.logger.Info().Dur("grace", o.opts.ShutdownGrace).Msg("shutting down")

	done := make(chan struct{})
	go func() {
		o.jobs.Wait()
		close(done)
	}()

	timer := time.NewTimer(o.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn().Msg("grace period elapsed, cancelling running jobs")
		o.cancel()
		<-done
	}
	o.cancel()
	o.logger.Info().Msg("monitor stopped")
	return nil
}

// Status is a snapshot for operators.
type Status struct {
	Paused      bool               `json:"paused"`
	Stopping    bool               `json:"stopping"`
	Running     map[string]bool    `json:"running"`
	LastCycle   *CycleStats        `json:"last_cycle,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	LastHealth  *HealthReport      `json:"last_health,omitempty"`
	LastDigest  *DigestReport      `json:"last_digest,omitempty"`
	LastMaint   *MaintenanceReport `json:"last_maintenance,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Status reports guard state and the last job results.
func (o *Orchestrator) Status() Status {
	running := make(map[string]bool, len(o.guards))
	for job, flag := range o.guards {
		running[job] = flag.Load()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		Paused:      o.paused.Load(),
		Stopping:    o.stopping.Load(),
		Running:     running,
		LastCycle:   o.lastCycle,
		LastError:   o.lastErr,
		LastHealth:  o.lastHealth,
		LastDigest:  o.lastDigest,
		LastMaint:   o.lastMaint,
		GeneratedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.AdvisoryLockKey == 0 || o.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.locker.TryAdvisoryLock(ctx, o.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (o *Orchestrator) notifyOps(ctx context.Context, job, summary string, details ...string) {
	event := dispatch.OpsEvent{At: o.now(), Job: job, Summary: summary, Details: details}
	if err := o.deps.Ops.Notify(ctx, event); err != nil {
		o.logger.Error().Err(err).Str("job", job).Msg("ops notification failed")
	}
}

func newRunID() string {
	return uuid.NewString()
}
