package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keypanel/backend/internal/app"

	"github.com/robfig/cron/v3"
)

// job is one periodic maintenance task.
type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

func defaultJobs(a *app.App) []job {
	sched := a.Config.Schedule
	return []job{
		{
			name:    "refresh_balances",
			spec:    sched.Balances,
			timeout: 2 * time.Minute,
			run: func(ctx context.Context) error {
				reports, err := a.Reconciler.RefreshAll(ctx)
				if err != nil {
					return err
				}
				failed := 0
				for _, report := range reports {
					if !report.OK() {
						failed++
					}
				}
				if failed > 0 {
					a.Logger.Warn("refresh_balances", "status", "partial", "failed", failed, "accounts", len(reports))
				}
				return nil
			},
		},
		{
			name:    "refresh_catalogs",
			spec:    sched.Catalogs,
			timeout: 10 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := a.Registry.RefreshAllCatalogs(ctx)
				return err
			},
		},
		{
			name:    "sweep_orders",
			spec:    sched.Sweep,
			timeout: 5 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := a.Engine.SweepStale(ctx)
				return err
			},
		},
		{
			name:    "expire_keys",
			spec:    sched.Expire,
			timeout: time.Minute,
			run: func(ctx context.Context) error {
				_, err := a.Keys.ExpireDue(ctx)
				return err
			},
		},
	}
}

// newScheduler registers jobs on a cron that skips a run while the previous
// one is still going. An empty schedule disables a job.
func newScheduler(ctx context.Context, jobs []job, logger *slog.Logger) (*cron.Cron, error) {
	cronLogger := slogCronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	for _, j := range jobs {
		if j.spec == "" || j.spec == "off" {
			logger.Info("job_disabled", "job", j.name)
			continue
		}
		if _, err := c.AddFunc(j.spec, func() { runJob(ctx, j, logger) }); err != nil {
			return nil, fmt.Errorf("job %s: invalid schedule %q: %w", j.name, j.spec, err)
		}
		logger.Info("job_scheduled", "job", j.name, "spec", j.spec)
	}
	return c, nil
}

func runJob(ctx context.Context, j job, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if err := j.run(jobCtx); err != nil {
		logger.Error("job_failed", "job", j.name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return
	}
	logger.Debug("job_done", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
}

// slogCronLogger adapts slog to cron.Logger.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron_"+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron_"+msg, append(keysAndValues, "error", err)...)
}
