package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/feedr/internal/database"
	"github.com/edgard/feedr/internal/metrics"
)

// Queue is the part of the store the dispatcher needs.
type Queue interface {
	DueUndelivered(ctx context.Context, now time.Time, maxAttempts int) ([]database.QueueItem, error)
	MarkDelivered(ctx context.Context, id int64, deliveredAt time.Time) error
	RecordFailure(ctx context.Context, id int64, reason string) (int, error)
}

// Publisher sends a single message to the outbound destination.
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

// Options configures a Dispatcher.
type Options struct {
	// Simulate skips publishing entirely and never marks items delivered.
	Simulate bool
	// MaxAttempts stops selecting an item after that many failed publishes. Zero retries forever.
	MaxAttempts int
	// PublishTimeout bounds a single publish call. Zero means no timeout.
	PublishTimeout time.Duration
}

// Result summarises one dispatch pass.
type Result struct {
	Due          int
	Delivered    int
	Failed       int
	Simulated    int
	DeadLettered int
}

// Heartbeat is called before each due item is handled. An error aborts the pass.
type Heartbeat func(ctx context.Context) error

// Dispatcher publishes due queue items in arrival order.
type Dispatcher struct {
	queue     Queue
	publisher Publisher
	clock     clockwork.Clock
	opts      Options
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil clock uses the real clock.
func NewDispatcher(queue Queue, publisher Publisher, clock clockwork.Clock, opts Options, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		publisher: publisher,
		clock:     clock,
		opts:      opts,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Dispatch publishes every due, undelivered item once.
//
// A successful publish is marked delivered before the next item is attempted, so an
// interrupted pass leaves delivered items marked and the rest pending (at-least-once).
// Publish failures are logged and recorded; storage failures abort the pass.
func (d *Dispatcher) Dispatch(ctx context.Context) (Result, error) {
	return d.DispatchWithHeartbeat(ctx, nil)
}

// DispatchWithHeartbeat is Dispatch with beat called before every item. A nil beat is ignored.
func (d *Dispatcher) DispatchWithHeartbeat(ctx context.Context, beat Heartbeat) (Result, error) {
	var res Result

	now := d.clock.Now()
	items, err := d.queue.DueUndelivered(ctx, now, d.opts.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("failed to load due queue items: %w", err)
	}
	res.Due = len(items)
	if len(items) == 0 {
		d.logger.DebugContext(ctx, "No queued items due")
		return res, nil
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if beat != nil {
			if err := beat(ctx); err != nil {
				return res, err
			}
		}

		log := d.logger.With(
			"action", "publish",
			"id", item.ID,
			"queued_for", item.DeliverAt.Time,
			"text", item.Text,
		)

		if d.opts.Simulate {
			log.InfoContext(ctx, "Simulated publish", "simulate", true)
			metrics.PublishAttempts.WithLabelValues(metrics.ResultSimulated).Inc()
			res.Simulated++
			continue
		}

		if pubErr := d.publish(ctx, item.Text); pubErr != nil {
			metrics.PublishAttempts.WithLabelValues(metrics.ResultFailure).Inc()
			res.Failed++

			attempts, err := d.queue.RecordFailure(ctx, item.ID, pubErr.Error())
			if err != nil {
				return res, fmt.Errorf("failed to record publish failure: %w", err)
			}
			log.ErrorContext(ctx, "Publish failed", "error", pubErr, "attempts", attempts)

			if d.opts.MaxAttempts > 0 && attempts >= d.opts.MaxAttempts {
				res.DeadLettered++
				log.WarnContext(ctx, "Giving up on queue item after repeated failures", "attempts", attempts)
			}
			continue
		}

		if err := d.queue.MarkDelivered(ctx, item.ID, now); err != nil {
			return res, fmt.Errorf("failed to mark queue item delivered: %w", err)
		}
		metrics.PublishAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
		res.Delivered++
		log.InfoContext(ctx, "Published")
	}

	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, text string) error {
	if d.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.PublishTimeout)
		defer cancel()
	}
	return d.publisher.Publish(ctx, text)
}
