package runner_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/feedr/internal/crawler"
	"github.com/edgard/feedr/internal/database"
	"github.com/edgard/feedr/internal/delivery"
	"github.com/edgard/feedr/internal/feed"
	"github.com/edgard/feedr/internal/runner"
)

const (
	feedURL      = "https://feed.test/"
	otherFeedURL = "https://other.test/"
	delay        = time.Minute
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	pages map[string]*feed.Page
	// onFetch runs before each page is served.
	onFetch func(url string)
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*feed.Page, error) {
	if f.onFetch != nil {
		f.onFetch(url)
	}
	page, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no such page %s", url)
	}
	return page, nil
}

// threeEntries serves a single page listing three entries newest first.
func threeEntries(published time.Time) *fakeFetcher {
	page := &feed.Page{URL: feedURL}
	for i := 3; i >= 1; i-- {
		page.Entries = append(page.Entries, feed.Entry{
			Link:        fmt.Sprintf("https://feed.test/%d", i),
			Title:       fmt.Sprintf("Entry %d", i),
			PublishedAt: published.Add(time.Duration(i) * time.Second),
		})
	}
	return &fakeFetcher{pages: map[string]*feed.Page{feedURL: page}}
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingPublisher) Publish(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func newStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "feedr.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, nil)
}

func newRunner(store database.Store, fetcher feed.Fetcher, pub delivery.Publisher, clock clockwork.Clock, opts runner.Options) *runner.Runner {
	c := crawler.New(fetcher, store, store, clock, crawler.Options{
		Cutoff: time.Date(2002, 9, 7, 0, 0, 0, 0, time.UTC),
		Delay:  delay,
	}, nil)
	d := delivery.NewDispatcher(store, pub, clock, delivery.Options{}, nil)
	return runner.New(store, c, d, clock, opts, nil)
}

func TestRunOnceCrawlThenDispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(now)
	pub := &recordingPublisher{}
	r := newRunner(store, threeEntries(now.Add(-time.Hour)), pub, clock, runner.Options{})

	sum, err := r.RunOnce(ctx, []string{feedURL})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Feeds != 1 || sum.Crawl.New != 3 || sum.Crawl.Enqueued != 3 {
		t.Fatalf("summary = %+v, want one feed with 3 new entries queued", sum)
	}
	if sum.Dispatch.Due != 0 || pub.count() != 0 {
		t.Fatalf("dispatch = %+v, want nothing due yet", sum.Dispatch)
	}

	for i := 1; i <= 3; i++ {
		record, err := store.GetSeen(ctx, fmt.Sprintf("https://feed.test/%d", i))
		if err != nil {
			t.Fatalf("GetSeen() error = %v", err)
		}
		if record == nil {
			t.Errorf("entry %d was not recorded as seen", i)
		}
	}

	items, err := store.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("queue has %d items, want 3", len(items))
	}
	for i, item := range items {
		want := now.Add(time.Duration(i+1) * delay)
		if !item.DeliverAt.Equal(want) {
			t.Errorf("item %d deliver_at = %v, want %v", i, item.DeliverAt.Time, want)
		}
		if wantText := fmt.Sprintf("Entry %d https://feed.test/%d", i+1, i+1); item.Text != wantText {
			t.Errorf("item %d text = %q, want %q", i, item.Text, wantText)
		}
	}

	// two delays later the first two items are due
	clock.Advance(2 * delay)
	sum, err = r.RunOnce(ctx, nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Dispatch.Delivered != 2 || sum.Queue.Pending != 1 || sum.Queue.Delivered != 2 {
		t.Fatalf("summary = %+v, want 2 delivered and 1 pending", sum)
	}
	if pub.sent[0] != "Entry 1 https://feed.test/1" || pub.sent[1] != "Entry 2 https://feed.test/2" {
		t.Errorf("published %v, want the two oldest entries in order", pub.sent)
	}

	// the same feed crawled again queues nothing
	sum, err = r.RunOnce(ctx, []string{feedURL})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Crawl.New != 0 || sum.Crawl.Enqueued != 0 {
		t.Errorf("summary = %+v, want nothing new on a second crawl", sum)
	}
}

func TestRunOnceLockExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(now)
	pub := &recordingPublisher{}
	if _, err := store.Enqueue(ctx, "due", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	held, err := store.AcquireRunLock(ctx, runner.LockName, "other-process", now, time.Hour)
	if err != nil || !held {
		t.Fatalf("AcquireRunLock() = %v, %v, want the lock", held, err)
	}

	r := newRunner(store, threeEntries(now), pub, clock, runner.Options{LockTTL: time.Hour})
	if _, err := r.RunOnce(ctx, []string{feedURL}); !errors.Is(err, runner.ErrRunInProgress) {
		t.Fatalf("RunOnce() error = %v, want ErrRunInProgress", err)
	}
	if pub.count() != 0 {
		t.Error("a locked-out run published messages")
	}

	// once the other lease expires the run goes ahead
	clock.Advance(2 * time.Hour)
	sum, err := r.RunOnce(ctx, nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Dispatch.Delivered != 1 {
		t.Errorf("summary = %+v, want the due item delivered", sum)
	}

	// and the lock is released afterwards
	if _, err := r.RunOnce(ctx, nil); err != nil {
		t.Errorf("RunOnce() after a finished run: error = %v", err)
	}
}

// twoFeeds serves feedURL and otherFeedURL, one entry each.
func twoFeeds() *fakeFetcher {
	f := threeEntries(now)
	f.pages[otherFeedURL] = &feed.Page{
		URL:     otherFeedURL,
		Entries: []feed.Entry{{Link: "https://other.test/1", Title: "Other", PublishedAt: now}},
	}
	return f
}

func TestRunOnceRenewsLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(now)
	pub := &recordingPublisher{}

	fetcher := twoFeeds()
	var stolen []bool
	fetcher.onFetch = func(string) {
		// each feed takes most of the lease
		clock.Advance(50 * time.Minute)
		got, err := store.AcquireRunLock(ctx, runner.LockName, "other-process", clock.Now(), time.Hour)
		if err != nil {
			t.Errorf("AcquireRunLock() error = %v", err)
		}
		stolen = append(stolen, got)
	}

	r := newRunner(store, fetcher, pub, clock, runner.Options{LockTTL: time.Hour})
	sum, err := r.RunOnce(ctx, []string{feedURL, otherFeedURL})
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sum.Feeds != 2 || sum.Crawl.Enqueued != 4 {
		t.Errorf("summary = %+v, want both feeds crawled", sum)
	}
	if len(stolen) != 2 || stolen[0] || stolen[1] {
		t.Errorf("lock taken over mid-run: %v, want never", stolen)
	}
}

func TestRunOnceStopsWhenLockLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(now)
	pub := &recordingPublisher{}
	if _, err := store.Enqueue(ctx, "due", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	fetcher := twoFeeds()
	fetcher.onFetch = func(url string) {
		if url != feedURL {
			return
		}
		// the first feed hangs past the lease and another process takes over
		clock.Advance(2 * time.Hour)
		if got, err := store.AcquireRunLock(ctx, runner.LockName, "other-process", clock.Now(), time.Hour); err != nil || !got {
			t.Errorf("AcquireRunLock() = %v, %v, want the expired lease", got, err)
		}
	}

	r := newRunner(store, fetcher, pub, clock, runner.Options{LockTTL: time.Hour})
	sum, err := r.RunOnce(ctx, []string{feedURL, otherFeedURL})
	if !errors.Is(err, runner.ErrLockLost) {
		t.Fatalf("RunOnce() error = %v, want ErrLockLost", err)
	}
	if sum.Feeds != 1 || pub.count() != 0 {
		t.Errorf("summary = %+v with %d published, want the run stopped after the first feed", sum, pub.count())
	}

	// the new holder keeps its lease
	if got, err := store.AcquireRunLock(ctx, runner.LockName, "third-process", clock.Now(), time.Hour); err != nil || got {
		t.Errorf("AcquireRunLock() = %v, %v, want the lease still held by the other process", got, err)
	}
}

func TestRunOnceFeedErrorAbortsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(now)
	pub := &recordingPublisher{}
	if _, err := store.Enqueue(ctx, "due", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	r := newRunner(store, threeEntries(now), pub, clock, runner.Options{})
	if _, err := r.RunOnce(ctx, []string{feedURL, "https://unreachable.test/"}); err == nil {
		t.Fatal("RunOnce() error = nil, want the fetch failure")
	}
	if pub.count() != 0 {
		t.Error("dispatch ran after a failed crawl")
	}

	items, err := store.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue() error = %v", err)
	}
	if len(items) != 4 {
		t.Errorf("queue has %d items, want the first feed's entries kept", len(items))
	}

	// the lock was released despite the failure
	if _, err := r.RunOnce(ctx, nil); err != nil {
		t.Errorf("RunOnce() error = %v", err)
	}
}

func TestMaintenance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(now)
	r := newRunner(store, threeEntries(now), &recordingPublisher{}, clock, runner.Options{})

	if err := r.Maintenance(ctx); err != nil {
		t.Fatalf("Maintenance() error = %v", err)
	}

	if _, err := store.AcquireRunLock(ctx, runner.LockName, "other-process", now, time.Hour); err != nil {
		t.Fatalf("AcquireRunLock() error = %v", err)
	}
	if err := r.Maintenance(ctx); !errors.Is(err, runner.ErrRunInProgress) {
		t.Errorf("Maintenance() while locked: error = %v, want ErrRunInProgress", err)
	}
}

func TestRunOnSchedule(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	pub := &recordingPublisher{}
	published := time.Now().Add(-time.Hour)

	c := crawler.New(threeEntries(published), store, store, nil, crawler.Options{Delay: time.Millisecond}, nil)
	d := delivery.NewDispatcher(store, pub, nil, delivery.Options{}, nil)
	r := runner.New(store, c, d, nil, runner.Options{
		Schedule:            "* * * * * *",
		MaintenanceSchedule: "0 4 * * *",
		MetricsAddr:         "127.0.0.1:0",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, []string{feedURL}) }()

	deadline := time.Now().Add(10 * time.Second)
	for pub.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if got := pub.count(); got != 3 {
		t.Errorf("published %d messages, want 3", got)
	}
}

func TestRunWithoutScheduleRunsOnce(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	pub := &recordingPublisher{}
	r := newRunner(store, threeEntries(now), pub, clockwork.NewFakeClockAt(now), runner.Options{})

	if err := r.Run(context.Background(), []string{feedURL}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	items, err := store.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue() error = %v", err)
	}
	if len(items) != 3 {
		t.Errorf("queue has %d items, want 3", len(items))
	}
}
