package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Run performs a single run when no schedule is configured. Otherwise it runs on the
// schedule, starting immediately, until ctx is cancelled. Failed scheduled runs are
// logged and retried at the next tick.
func (r *Runner) Run(ctx context.Context, feeds []string) error {
	if r.opts.Schedule == "" {
		_, err := r.RunOnce(ctx, feeds)
		return err
	}

	s, err := gocron.NewScheduler(
		gocron.WithLogger(r.logger),
		gocron.WithClock(r.clock),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.CronJob(r.opts.Schedule, withSeconds(r.opts.Schedule)),
		gocron.NewTask(func() { r.scheduledRun(ctx, feeds) }),
		gocron.WithName("feedr-run"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule run %q: %w", r.opts.Schedule, err)
	}

	if r.opts.MaintenanceSchedule != "" {
		_, err = s.NewJob(
			gocron.CronJob(r.opts.MaintenanceSchedule, withSeconds(r.opts.MaintenanceSchedule)),
			gocron.NewTask(func() { r.scheduledMaintenance(ctx) }),
			gocron.WithName("feedr-maintenance"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to schedule maintenance %q: %w", r.opts.MaintenanceSchedule, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.logger.Info("Starting scheduler", "schedule", r.opts.Schedule, "feeds", len(feeds))
		s.Start()

		<-gCtx.Done()
		r.logger.Info("Shutdown signal received, stopping scheduler")
		if err := s.Shutdown(); err != nil {
			r.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	if r.opts.MetricsAddr != "" {
		srv := newMetricsServer(r.opts.MetricsAddr)

		g.Go(func() error {
			r.logger.Info("Serving metrics", "addr", r.opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.logger.Info("Scheduler stopped")
	return nil
}

func (r *Runner) scheduledRun(ctx context.Context, feeds []string) {
	if ctx.Err() != nil {
		return
	}
	_, err := r.RunOnce(ctx, feeds)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		r.logger.Warn("Skipping scheduled run, another run holds the lock")
	default:
		r.logger.Error("Scheduled run failed", "error", err)
	}
}

// Maintenance runs database maintenance under the run lock.
func (r *Runner) Maintenance(ctx context.Context) error {
	holder := uuid.NewString()

	acquired, err := r.store.AcquireRunLock(ctx, LockName, holder, r.clock.Now(), r.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return ErrRunInProgress
	}
	defer func() {
		if err := r.store.ReleaseRunLock(context.WithoutCancel(ctx), LockName, holder); err != nil {
			r.logger.Error("Failed to release run lock", "holder", holder, "error", err)
		}
	}()

	start := r.clock.Now()
	if err := r.store.RunMaintenance(ctx); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Finished database maintenance", "duration", r.clock.Since(start))
	return nil
}

func (r *Runner) scheduledMaintenance(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	switch err := r.Maintenance(ctx); {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		r.logger.Warn("Skipping maintenance, a run holds the lock")
	default:
		r.logger.Error("Scheduled maintenance failed", "error", err)
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// withSeconds reports whether a cron expression carries a leading seconds field.
func withSeconds(schedule string) bool {
	return len(strings.Fields(schedule)) == 6
}
