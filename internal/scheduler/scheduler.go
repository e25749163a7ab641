// Package scheduler runs the periodic background jobs: pushing pending
// reading progress and sweeping orphaned files.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/skridofly/stump-offline/internal/cleanup"
	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/notifier"
	"github.com/skridofly/stump-offline/internal/progresssync"
	"github.com/skridofly/stump-offline/internal/telemetry"
)

const (
	jobProgressSync = "progress_sync"
	jobOrphanSweep  = "orphan_sweep"
)

// Syncer pushes pending progress.
type Syncer interface {
	Sync(ctx context.Context, opts progresssync.Options, serverIDs ...string) (*progresssync.Report, error)
}

// SweepFunc removes files that no store row owns.
type SweepFunc func(ctx context.Context) (cleanup.SweepReport, error)

// Config controls when jobs run. A zero interval disables the job.
type Config struct {
	SyncInterval  time.Duration
	SyncOnStart   bool
	SweepInterval time.Duration
}

// Scheduler owns the gocron scheduler and the jobs registered on it.
type Scheduler struct {
	cron     *gocron.Scheduler
	cfg      Config
	syncer   Syncer
	sweep    SweepFunc
	notifier notifier.Notifier
	tel      *telemetry.Telemetry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTelemetry records failed and panicking jobs as system errors.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.tel = tel
	}
}

// New creates a scheduler. notify may be nil.
func New(cfg Config, syncer Syncer, sweep SweepFunc, notify notifier.Notifier, opts ...Option) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	s := &Scheduler{
		cron:     cron,
		cfg:      cfg,
		syncer:   syncer,
		sweep:    sweep,
		notifier: notify,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start registers the jobs and runs them in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	if s.cfg.SyncInterval > 0 && s.syncer != nil {
		job := s.cron.Every(s.cfg.SyncInterval)
		if !s.cfg.SyncOnStart {
			job = job.WaitForSchedule()
		}

		if _, err := job.Tag(jobProgressSync).Do(func() {
			s.run(ctx, jobProgressSync, s.RunSync)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", jobProgressSync, err)
		}

		logger.Info("scheduled job", "job", jobProgressSync, "interval", s.cfg.SyncInterval)
	} else {
		logger.Info("scheduled progress sync is disabled")
	}

	if s.cfg.SweepInterval > 0 && s.sweep != nil {
		if _, err := s.cron.Every(s.cfg.SweepInterval).WaitForSchedule().Tag(jobOrphanSweep).Do(func() {
			s.run(ctx, jobOrphanSweep, s.RunSweep)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", jobOrphanSweep, err)
		}

		logger.Info("scheduled job", "job", jobOrphanSweep, "interval", s.cfg.SweepInterval)
	}

	s.cron.StartAsync()

	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// run executes a job and keeps a panic from taking the process down.
func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context) error) {
	logger := logctx.LoggerFromContext(ctx).With("job", name)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled job panic",
				"panic", r,
				"stack", string(debug.Stack()))
			s.tel.RecordSystemError("scheduler", "panic")
		}
	}()

	if ctx.Err() != nil {
		return
	}

	logger.Debug("scheduled job started")

	if err := fn(logctx.WithLogger(ctx, logger)); err != nil {
		logger.Error("scheduled job failed", "err", err)
		s.tel.RecordSystemError("scheduler", name)

		return
	}

	logger.Debug("scheduled job finished")
}

// RunSync pushes pending progress of every server and reports failed
// servers through the notifier. ERROR rows are never retried here.
func (s *Scheduler) RunSync(ctx context.Context) error {
	report, err := s.syncer.Sync(ctx, progresssync.Options{})
	if err != nil {
		return err
	}

	msg := notifier.SyncFailureMessage(report)
	if msg == "" || s.notifier == nil {
		return nil
	}

	if err := s.notifier.Notify(ctx, msg); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to send sync failure notification", "err", err)
	}

	return nil
}

// RunSweep removes orphaned files once.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	report, err := s.sweep(ctx)
	if err != nil {
		return err
	}

	if len(report.Removed) > 0 || report.Failed > 0 {
		logctx.LoggerFromContext(ctx).Info("orphan sweep finished",
			"removed", len(report.Removed), "failed", report.Failed)
	}

	return nil
}
