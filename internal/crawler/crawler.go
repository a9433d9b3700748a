// Package crawler walks paginated feeds, records every entry it encounters and queues
// messages for the entries that are new.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/feedr/internal/database"
	"github.com/edgard/feedr/internal/delivery"
	"github.com/edgard/feedr/internal/feed"
	"github.com/edgard/feedr/internal/metrics"
)

// MaxKnownPages is how many consecutive pages without anything new end a crawl.
const MaxKnownPages = 2

// SeenStore records feed items that were already processed.
type SeenStore interface {
	RecordIfNew(ctx context.Context, link, title string, seenAt time.Time) (bool, error)
}

// Queue is the part of the delivery queue the crawler appends to.
type Queue interface {
	LastScheduledTime(ctx context.Context) (*time.Time, error)
	Enqueue(ctx context.Context, text string, deliverAt time.Time) (*database.QueueItem, error)
}

// Options configures a Crawler.
type Options struct {
	// Cutoff excludes entries dated before it from delivery. They are still recorded as seen.
	Cutoff time.Time
	// Delay is the minimum spacing between queued messages.
	Delay time.Duration
	// Limits bounds the rendered message.
	Limits Limits
	// FetchTimeout bounds a single page fetch. Zero means no timeout.
	FetchTimeout time.Duration
}

// Stats summarises the crawl of one feed.
type Stats struct {
	Pages    int
	Entries  int
	New      int
	Enqueued int
}

// Crawler walks one feed at a time, oldest entry first.
type Crawler struct {
	fetcher feed.Fetcher
	seen    SeenStore
	queue   Queue
	clock   clockwork.Clock
	opts    Options
	logger  *slog.Logger
}

// New creates a Crawler. A nil clock uses the real clock.
func New(fetcher feed.Fetcher, seen SeenStore, queue Queue, clock clockwork.Clock, opts Options, logger *slog.Logger) *Crawler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Delay <= 0 {
		opts.Delay = delivery.DefaultDelay
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits
	}
	return &Crawler{
		fetcher: fetcher,
		seen:    seen,
		queue:   queue,
		clock:   clock,
		opts:    opts,
		logger:  logger.With("component", "crawler"),
	}
}

// Crawl walks the feed starting at feedURL, following "next" links.
//
// The walk stops on the last page, or once MaxKnownPages consecutive pages held
// nothing new. Fetch and storage errors abort the crawl and are returned.
func (c *Crawler) Crawl(ctx context.Context, feedURL string) (Stats, error) {
	var stats Stats

	visited := make(map[string]struct{})
	knownPages := 0

	for pageURL := feedURL; pageURL != ""; {
		visited[pageURL] = struct{}{}

		page, err := c.fetch(ctx, pageURL)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch feed page %s: %w", pageURL, err)
		}
		stats.Pages++
		metrics.PagesFetched.Inc()

		allKnown, err := c.processPage(ctx, page, &stats)
		if err != nil {
			return stats, err
		}

		if allKnown {
			knownPages++
		} else {
			knownPages = 0
		}

		next := page.Next
		switch {
		case next == "":
			c.logger.DebugContext(ctx, "Reached last feed page", "url", pageURL)
		case knownPages >= MaxKnownPages:
			c.logger.DebugContext(ctx, "Stopping crawl after pages with nothing new", "url", pageURL, "known_pages", knownPages)
			next = ""
		default:
			if _, ok := visited[next]; ok {
				c.logger.WarnContext(ctx, "Feed pagination loops back to a visited page", "url", pageURL, "next", next)
				next = ""
			}
		}
		pageURL = next
	}

	c.logger.InfoContext(ctx, "Crawled feed",
		"feed", feedURL,
		"pages", stats.Pages,
		"entries", stats.Entries,
		"new", stats.New,
		"enqueued", stats.Enqueued)
	return stats, nil
}

// processPage handles the entries of one page oldest first and reports whether
// every entry was already known. A page without entries counts as known.
func (c *Crawler) processPage(ctx context.Context, page *feed.Page, stats *Stats) (bool, error) {
	entries := slices.Clone(page.Entries)
	slices.Reverse(entries)

	allKnown := true
	for _, entry := range entries {
		isNew, err := c.seen.RecordIfNew(ctx, entry.Link, entry.Title, entry.PublishedAt)
		if err != nil {
			return false, fmt.Errorf("failed to record feed entry %s: %w", entry.Link, err)
		}
		stats.Entries++
		metrics.EntriesSeen.WithLabelValues(strconv.FormatBool(isNew)).Inc()

		if !isNew {
			continue
		}
		allKnown = false
		stats.New++

		if entry.PublishedAt.Before(c.opts.Cutoff) {
			c.logger.DebugContext(ctx, "Recorded entry older than cutoff", "url", entry.Link, "published", entry.PublishedAt)
			continue
		}

		if err := c.enqueue(ctx, entry); err != nil {
			return false, err
		}
		stats.Enqueued++
	}
	return allKnown, nil
}

func (c *Crawler) enqueue(ctx context.Context, entry feed.Entry) error {
	text := Render(entry.Title, entry.Link, c.opts.Limits)

	last, err := c.queue.LastScheduledTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last scheduled time: %w", err)
	}

	now := c.clock.Now()
	deliverAt := delivery.NextDeliveryTime(now, last, c.opts.Delay)

	item, err := c.queue.Enqueue(ctx, text, deliverAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", entry.Link, err)
	}
	metrics.ItemsEnqueued.Inc()

	c.logger.InfoContext(ctx, "Queued",
		"action", "queue",
		"id", item.ID,
		"queued_for", item.DeliverAt.Time,
		"published", entry.PublishedAt,
		"text", text)
	return nil
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (*feed.Page, error) {
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}
	return c.fetcher.Fetch(ctx, pageURL)
}
