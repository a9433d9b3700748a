// Package delivery schedules queued messages and publishes the ones that are due.
package delivery

import "time"

// DefaultDelay is the minimum spacing between two consecutively scheduled messages.
const DefaultDelay = time.Minute

// NextDeliveryTime returns when a newly queued message should be delivered.
//
// Messages are spaced at least delay apart from the last scheduled one. When the
// last scheduled time plus delay already lies in the past the queue is stale, and
// pacing restarts from now so that a backlog is not published all at once.
func NextDeliveryTime(now time.Time, last *time.Time, delay time.Duration) time.Time {
	next := now.Add(delay)
	if last == nil {
		return next
	}

	candidate := last.Add(delay)
	if candidate.Before(now) {
		return next
	}
	return candidate
}
