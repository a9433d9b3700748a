package database

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timeLayout is fixed width so that text ordering in SQL matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SeenRecord marks a feed item, keyed by its link, as already processed.
type SeenRecord struct {
	ID     int64     `db:"id"`
	URL    string    `db:"url"`
	Title  string    `db:"title"`
	SeenAt Timestamp `db:"seen_at"`
}

// QueueItem is an outbound message waiting for, or already past, delivery.
type QueueItem struct {
	ID          int64         `db:"id"`
	Text        string        `db:"text"`
	DeliverAt   Timestamp     `db:"deliver_at"`
	DeliveredAt NullTimestamp `db:"delivered_at"`
	Attempts    int           `db:"attempts"`
	LastError   string        `db:"last_error"`
}

// QueueStats summarises the delivery queue.
type QueueStats struct {
	Pending      int `db:"pending"`
	Delivered    int `db:"delivered"`
	DeadLettered int `db:"dead_lettered"`
}

// Timestamp stores a time.Time as fixed-width UTC text with microsecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalises t to UTC at the precision the database keeps.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	return t.UTC().Format(timeLayout), nil
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src any) error {
	parsed, err := scanTime(src)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// NullTimestamp is a Timestamp that may be NULL.
type NullTimestamp struct {
	Time  time.Time
	Valid bool
}

// Value implements driver.Valuer.
func (n NullTimestamp) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return NewTimestamp(n.Time).Value()
}

// Scan implements sql.Scanner.
func (n *NullTimestamp) Scan(src any) error {
	if src == nil {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	parsed, err := scanTime(src)
	if err != nil {
		return err
	}
	n.Time, n.Valid = parsed, true
	return nil
}

func scanTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	case time.Time:
		return v.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	// rows written by other tools may carry a zone offset
	if t, rfcErr := time.Parse(time.RFC3339Nano, s); rfcErr == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
}
