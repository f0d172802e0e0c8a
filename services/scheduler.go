package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/ratelimit"
	"github.com/wayl-ai/wayl/tasks"
)

const jobTimeout = 5 * time.Minute

// Job is a maintenance function run on a cron schedule.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type MaintenanceStore interface {
	PurgeExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Add(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	slog.Info("Job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

func (s *Scheduler) run(job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		slog.Error("Job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Info("Job finished", "job", job.Name, "duration", time.Since(start))
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// MaintenanceJobs returns the periodic cleanup jobs. Nil dependencies are
// skipped.
func MaintenanceJobs(store MaintenanceStore, audit *AuditService, tm *tasks.Manager, ip *ratelimit.IPLimiter, mc *cache.MemoryCache) []Job {
	var jobs []Job
	if store != nil {
		jobs = append(jobs, Job{
			Name: "purge_refresh_tokens",
			Spec: "@hourly",
			Run: func(ctx context.Context) error {
				n, err := store.PurgeExpiredRefreshTokens(ctx, time.Now())
				if err != nil {
					return err
				}
				slog.Info("Expired refresh tokens purged", "count", n)
				return nil
			},
		})
	}
	if audit != nil {
		jobs = append(jobs, Job{
			Name: "purge_audit_logs",
			Spec: "@daily",
			Run: func(ctx context.Context) error {
				_, err := audit.Purge(ctx)
				return err
			},
		})
	}
	if tm != nil {
		jobs = append(jobs, Job{
			Name: "cleanup_tasks",
			Spec: "@hourly",
			Run: func(context.Context) error {
				slog.Info("Finished tasks cleaned up", "count", tm.Cleanup(time.Hour))
				return nil
			},
		})
	}
	if ip != nil {
		jobs = append(jobs, Job{
			Name: "cleanup_ip_limiters",
			Spec: "@every 10m",
			Run: func(context.Context) error {
				slog.Debug("Idle IP limiters removed", "count", ip.Cleanup(10*time.Minute))
				return nil
			},
		})
	}
	if mc != nil {
		jobs = append(jobs, Job{
			Name: "sweep_cache",
			Spec: "@every 5m",
			Run: func(context.Context) error {
				slog.Debug("Expired cache entries evicted", "count", mc.Sweep())
				return nil
			},
		})
	}
	return jobs
}
