// Package runner ties crawling and delivery together into a run, either once or
// repeatedly on a cron schedule.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/feedr/internal/crawler"
	"github.com/edgard/feedr/internal/database"
	"github.com/edgard/feedr/internal/delivery"
	"github.com/edgard/feedr/internal/metrics"
)

// LockName identifies the run lock shared by every feedr process using a database.
const LockName = "feedr"

// DefaultLockTTL is used when Options.LockTTL is zero.
const DefaultLockTTL = 30 * time.Minute

var (
	// ErrRunInProgress is returned when another process holds the run lock.
	ErrRunInProgress = errors.New("another run is in progress")
	// ErrLockLost is returned when the run lock expired and was taken over mid-run.
	ErrLockLost = errors.New("run lock lost")
)

// Store is the part of the database the runner uses directly.
type Store interface {
	AcquireRunLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, name, holder string) error
	QueueStats(ctx context.Context, maxAttempts int) (*database.QueueStats, error)
	RunMaintenance(ctx context.Context) error
}

// Options configures a Runner.
type Options struct {
	MaxAttempts int
	LockTTL     time.Duration
	// Schedule is a cron expression with five or six fields. Empty runs once.
	Schedule string
	// MaintenanceSchedule runs database maintenance alongside Schedule. Empty disables it.
	MaintenanceSchedule string
	// MetricsAddr serves /metrics while running on a schedule. Empty disables it.
	MetricsAddr string
}

// Summary describes what a run did.
type Summary struct {
	Feeds    int
	Crawl    crawler.Stats
	Dispatch delivery.Result
	Queue    database.QueueStats
}

// Runner performs runs: crawl every feed in order, then dispatch whatever is due.
type Runner struct {
	store      Store
	crawler    *crawler.Crawler
	dispatcher *delivery.Dispatcher
	clock      clockwork.Clock
	opts       Options
	logger     *slog.Logger
}

// New creates a Runner. A nil clock uses the real clock.
func New(store Store, c *crawler.Crawler, d *delivery.Dispatcher, clock clockwork.Clock, opts Options, logger *slog.Logger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Runner{
		store:      store,
		crawler:    c,
		dispatcher: d,
		clock:      clock,
		opts:       opts,
		logger:     logger.With("component", "runner"),
	}
}

// RunOnce crawls feeds sequentially and then dispatches due items.
//
// The first feed error aborts the run before anything is dispatched. The run holds
// the database run lock throughout and returns ErrRunInProgress if it is taken. The
// lease is renewed before every feed and before every published item; a run whose
// lease was taken over stops with ErrLockLost.
func (r *Runner) RunOnce(ctx context.Context, feeds []string) (Summary, error) {
	var sum Summary
	start := r.clock.Now()
	holder := uuid.NewString()

	acquired, err := r.store.AcquireRunLock(ctx, LockName, holder, start, r.opts.LockTTL)
	if err != nil {
		return sum, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		return sum, ErrRunInProgress
	}
	defer func() {
		if err := r.store.ReleaseRunLock(context.WithoutCancel(ctx), LockName, holder); err != nil {
			r.logger.Error("Failed to release run lock", "holder", holder, "error", err)
		}
	}()

	r.logger.DebugContext(ctx, "Run started", "holder", holder, "feeds", len(feeds))
	if len(feeds) == 0 {
		r.logger.WarnContext(ctx, "No feeds provided, only dispatching the queue")
	}

	renew := func(ctx context.Context) error {
		return r.renewLock(ctx, holder)
	}

	for _, feedURL := range feeds {
		if err := renew(ctx); err != nil {
			return sum, err
		}
		stats, err := r.crawler.Crawl(ctx, feedURL)
		sum.Crawl.Pages += stats.Pages
		sum.Crawl.Entries += stats.Entries
		sum.Crawl.New += stats.New
		sum.Crawl.Enqueued += stats.Enqueued
		if err != nil {
			return sum, fmt.Errorf("failed to crawl %s: %w", feedURL, err)
		}
		sum.Feeds++
	}

	sum.Dispatch, err = r.dispatcher.DispatchWithHeartbeat(ctx, renew)
	if err != nil {
		return sum, fmt.Errorf("failed to dispatch queue: %w", err)
	}

	qs, err := r.store.QueueStats(ctx, r.opts.MaxAttempts)
	if err != nil {
		return sum, fmt.Errorf("failed to read queue stats: %w", err)
	}
	sum.Queue = *qs
	metrics.QueuePending.Set(float64(qs.Pending))

	elapsed := r.clock.Since(start)
	metrics.RunDuration.Observe(elapsed.Seconds())

	r.logger.InfoContext(ctx, "Run finished",
		"feeds", sum.Feeds,
		"enqueued", sum.Crawl.Enqueued,
		"delivered", sum.Dispatch.Delivered,
		"failed", sum.Dispatch.Failed,
		"pending", qs.Pending,
		"dead_lettered", qs.DeadLettered,
		"duration", elapsed)
	return sum, nil
}

func (r *Runner) renewLock(ctx context.Context, holder string) error {
	renewed, err := r.store.AcquireRunLock(ctx, LockName, holder, r.clock.Now(), r.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to renew run lock: %w", err)
	}
	if !renewed {
		r.logger.ErrorContext(ctx, "Run lock was taken over by another process", "holder", holder)
		return ErrLockLost
	}
	return nil
}
