package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// ErrNotPending is returned when a queue item cannot be marked delivered because it
// does not exist or was already delivered.
var ErrNotPending = errors.New("queue item is not pending")

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// RecordIfNew stores a SeenRecord for link unless one exists.
	// It reports whether the link was newly recorded.
	RecordIfNew(ctx context.Context, link, title string, seenAt time.Time) (bool, error)

	// GetSeen returns the SeenRecord for link, or nil, nil if the link was never seen.
	GetSeen(ctx context.Context, link string) (*SeenRecord, error)

	// LastScheduledTime returns the latest deliver_at in the queue, or nil when the queue is empty.
	LastScheduledTime(ctx context.Context) (*time.Time, error)

	// Enqueue appends an undelivered item scheduled for deliverAt.
	Enqueue(ctx context.Context, text string, deliverAt time.Time) (*QueueItem, error)

	// DueUndelivered returns undelivered items with deliver_at <= now in arrival order.
	// When maxAttempts > 0, items that already failed maxAttempts times are left out.
	DueUndelivered(ctx context.Context, now time.Time, maxAttempts int) ([]QueueItem, error)

	// MarkDelivered sets delivered_at on a pending item.
	MarkDelivered(ctx context.Context, id int64, deliveredAt time.Time) error

	// RecordFailure counts a failed publish attempt and returns the new attempt count.
	RecordFailure(ctx context.Context, id int64, reason string) (int, error)

	// ListQueue returns every queue item in arrival order.
	ListQueue(ctx context.Context) ([]QueueItem, error)

	// QueueStats counts pending, delivered and dead-lettered items.
	QueueStats(ctx context.Context, maxAttempts int) (*QueueStats, error)

	// AcquireRunLock takes the named lease for holder until now+ttl.
	// It reports false when another holder owns an unexpired lease.
	AcquireRunLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseRunLock drops the named lease if holder still owns it.
	ReleaseRunLock(ctx context.Context, name, holder string) error

	// RunMaintenance refreshes query planner statistics and compacts the database file.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// RecordIfNew inserts the link and relies on the UNIQUE constraint to make the
// existence check and the insert one atomic statement.
func (s *sqlxStore) RecordIfNew(ctx context.Context, link, title string, seenAt time.Time) (bool, error) {
	if link == "" {
		return false, errors.New("link cannot be empty")
	}

	query := `
        INSERT INTO seen_items (url, title, seen_at)
        VALUES (?, ?, ?)
        ON CONFLICT(url) DO NOTHING;
    `
	result, err := s.db.ExecContext(ctx, query, link, title, NewTimestamp(seenAt))
	if err != nil {
		return false, fmt.Errorf("failed to record seen item %q: %w", link, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows for seen item %q: %w", link, err)
	}

	s.logger.DebugContext(ctx, "Recorded feed item", "url", link, "new", affected == 1)
	return affected == 1, nil
}

// GetSeen returns the SeenRecord for link. Returns nil, nil if not found.
func (s *sqlxStore) GetSeen(ctx context.Context, link string) (*SeenRecord, error) {
	var record SeenRecord
	err := s.db.GetContext(ctx, &record, `SELECT id, url, title, seen_at FROM seen_items WHERE url = ?`, link)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get seen item %q: %w", link, err)
	}
	return &record, nil
}

// LastScheduledTime considers delivered items too, so spacing holds across runs.
func (s *sqlxStore) LastScheduledTime(ctx context.Context) (*time.Time, error) {
	var last Timestamp
	err := s.db.GetContext(ctx, &last, `SELECT deliver_at FROM queue ORDER BY deliver_at DESC LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get last scheduled time: %w", err)
	}
	t := last.Time
	return &t, nil
}

// Enqueue appends an undelivered item and returns it with its assigned ID.
func (s *sqlxStore) Enqueue(ctx context.Context, text string, deliverAt time.Time) (*QueueItem, error) {
	if text == "" {
		return nil, errors.New("queue item must have non-empty text")
	}

	item := &QueueItem{
		Text:      text,
		DeliverAt: NewTimestamp(deliverAt),
	}

	query := `
        INSERT INTO queue (text, deliver_at, delivered_at, attempts, last_error)
        VALUES (:text, :deliver_at, NULL, 0, '');
    `
	result, err := s.db.NamedExecContext(ctx, query, item)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error enqueueing item", "deliver_at", item.DeliverAt.Time, "error", err)
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue item id: %w", err)
	}
	item.ID = id

	s.logger.DebugContext(ctx, "Queue item stored", "id", item.ID, "deliver_at", item.DeliverAt.Time)
	return item, nil
}

// DueUndelivered reads the due items into memory before returning, so callers may
// write to the database while iterating.
func (s *sqlxStore) DueUndelivered(ctx context.Context, now time.Time, maxAttempts int) ([]QueueItem, error) {
	builder := sq.Select("id", "text", "deliver_at", "delivered_at", "attempts", "last_error").
		From("queue").
		Where(sq.Eq{"delivered_at": nil}).
		// inclusive: an item scheduled exactly at now is due, unlike a strict deliver_at < now
		Where(sq.LtOrEq{"deliver_at": NewTimestamp(now)}).
		OrderBy("id ASC")
	if maxAttempts > 0 {
		builder = builder.Where(sq.Lt{"attempts": maxAttempts})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build due items query: %w", err)
	}

	var items []QueueItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error fetching due queue items", "error", err)
		return nil, fmt.Errorf("failed to fetch due queue items: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched due queue items", "count", len(items), "now", now)
	return items, nil
}

// MarkDelivered never overwrites an existing delivered_at.
func (s *sqlxStore) MarkDelivered(ctx context.Context, id int64, deliveredAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		NewTimestamp(deliveredAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d delivered: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for queue item %d: %w", id, err)
	}
	if affected != 1 {
		return fmt.Errorf("mark queue item %d delivered: %w", id, ErrNotPending)
	}
	return nil
}

// RecordFailure increments the attempt counter and keeps the latest failure reason.
func (s *sqlxStore) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts,
		`UPDATE queue SET attempts = attempts + 1, last_error = ? WHERE id = ? RETURNING attempts`,
		reason, id)
	if err != nil {
		return 0, fmt.Errorf("failed to record failure for queue item %d: %w", id, err)
	}
	return attempts, nil
}

// ListQueue returns every queue item in arrival order.
func (s *sqlxStore) ListQueue(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	err := s.db.SelectContext(ctx, &items,
		`SELECT id, text, deliver_at, delivered_at, attempts, last_error FROM queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return items, nil
}

// QueueStats treats an item as dead-lettered only when maxAttempts > 0.
func (s *sqlxStore) QueueStats(ctx context.Context, maxAttempts int) (*QueueStats, error) {
	limit := maxAttempts
	if limit <= 0 {
		limit = -1
	}

	var stats QueueStats
	query := `
        SELECT
            COALESCE(SUM(CASE WHEN delivered_at IS NULL AND (? < 0 OR attempts < ?) THEN 1 ELSE 0 END), 0) AS pending,
            COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS delivered,
            COALESCE(SUM(CASE WHEN delivered_at IS NULL AND ? >= 0 AND attempts >= ? THEN 1 ELSE 0 END), 0) AS dead_lettered
        FROM queue;
    `
	if err := s.db.GetContext(ctx, &stats, query, limit, limit, limit, limit); err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}
	return &stats, nil
}

// AcquireRunLock takes over the lease when it expired or is already ours.
func (s *sqlxStore) AcquireRunLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
        INSERT INTO run_lock (name, holder, acquired_at, expires_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            holder = excluded.holder,
            acquired_at = excluded.acquired_at,
            expires_at = excluded.expires_at
        WHERE run_lock.expires_at <= excluded.acquired_at OR run_lock.holder = excluded.holder;
    `
	result, err := s.db.ExecContext(ctx, query, name, holder, NewTimestamp(now), NewTimestamp(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock %q: %w", name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows for run lock %q: %w", name, err)
	}

	s.logger.DebugContext(ctx, "Run lock acquisition", "name", name, "holder", holder, "acquired", affected == 1)
	return affected == 1, nil
}

// ReleaseRunLock drops the named lease if holder still owns it.
func (s *sqlxStore) ReleaseRunLock(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_lock WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("failed to release run lock %q: %w", name, err)
	}
	return nil
}

// RunMaintenance runs PRAGMA optimize followed by VACUUM. VACUUM cannot run inside a transaction.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance")

	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		return fmt.Errorf("failed to optimize database: %w", err)
	}

	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}
