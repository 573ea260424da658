// Package scheduler runs the periodic credit-control sweeps: reservation
// reconciliation and due refills. Every job parameter comes from explicit
// configuration handed in at construction; jobs never read the
// environment themselves.
package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/reserva/internal/clock"
	"github.com/smallbiznis/reserva/internal/config"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconcileCredits = "reconcile_credits"
	JobDueRefills       = "due_refills"
)

// Options bounds the sweeps. Zero values fall back to the job defaults.
type Options struct {
	RunInterval    time.Duration
	ReconcileBatch int
	RefillBatch    int
	TimeoutMinutes int
	DryRun         bool
	EnabledJobs    []string // empty means all jobs
}

// OptionsFromConfig maps the env-driven knobs onto explicit job bounds.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		RunInterval:    time.Duration(cfg.SchedulerRunInterval) * time.Second,
		ReconcileBatch: cfg.ReconcileBatchSize,
		RefillBatch:    cfg.RefillBatchSize,
		TimeoutMinutes: cfg.ReservationTimeoutMinutes,
		DryRun:         cfg.SchedulerDryRun,
		EnabledJobs:    cfg.SchedulerEnabledJobs,
	}
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Credits creditdomain.Service
	Options Options
	Metrics *metrics.Metrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	clock   clock.Clock
	credits creditdomain.Service
	opts    Options
	metrics *metrics.Metrics
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(p Params) *Scheduler {
	return &Scheduler{
		log:     p.Log.Named("scheduler"),
		clock:   p.Clock,
		credits: p.Credits,
		opts:    p.Options,
		metrics: p.Metrics,
	}
}

// RunOnce executes every enabled job a single time. Job failures are
// logged and counted; one failing job never blocks the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.jobEnabled(JobReconcileCredits) {
		s.runJob(ctx, JobReconcileCredits, s.reconcileCredits)
	}
	if s.jobEnabled(JobDueRefills) {
		s.runJob(ctx, JobDueRefills, s.dueRefills)
	}
}

// Start launches the periodic loop; Stop drains it.
func (s *Scheduler) Start() {
	interval := s.opts.RunInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.log.Info("scheduler started",
			zap.Duration("interval", interval),
			zap.Bool("dry_run", s.opts.DryRun),
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) error) {
	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)
	s.metrics.ObserveJobDuration(ctx, name, elapsed)
	if err != nil {
		s.metrics.RecordJobRun(ctx, name, "error")
		s.log.Error("scheduler job failed",
			zap.String("job", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordJobRun(ctx, name, "ok")
	s.log.Info("scheduler job finished",
		zap.String("job", name),
		zap.Duration("elapsed", elapsed),
	)
}

func (s *Scheduler) reconcileCredits(ctx context.Context) error {
	_, err := s.credits.Reconcile(ctx, creditdomain.ReconcileInput{
		Limit:          s.opts.ReconcileBatch,
		TimeoutMinutes: s.opts.TimeoutMinutes,
		DryRun:         s.opts.DryRun,
	})
	return err
}

func (s *Scheduler) dueRefills(ctx context.Context) error {
	_, err := s.credits.RunDueRefills(ctx, creditdomain.RefillSweepInput{
		Limit:  s.opts.RefillBatch,
		DryRun: s.opts.DryRun,
	})
	return err
}

func (s *Scheduler) jobEnabled(name string) bool {
	if len(s.opts.EnabledJobs) == 0 {
		return true
	}
	for _, job := range s.opts.EnabledJobs {
		if job == name {
			return true
		}
	}
	return false
}

var Module = fx.Module("scheduler",
	fx.Provide(OptionsFromConfig, New),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)
