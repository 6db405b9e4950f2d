package followup

import (
	"sync"
	"time"
)

// IdleState describes how long ago the user's last full classification ran.
type IdleState string

const (
	// IdleStateFresh means the last full classification ran under five
	// minutes ago.
	IdleStateFresh IdleState = "fresh"
	// IdleStateIdle means the last full classification ran between five
	// minutes and one hour ago.
	IdleStateIdle IdleState = "idle"
	// IdleStateStale means the last full classification ran over an hour
	// ago, or never.
	IdleStateStale IdleState = "stale"
)

const (
	freshWindow = 5 * time.Minute
	idleWindow  = time.Hour
)

// Tracker remembers when the last full classification finished per user,
// independent of whether any cached result still exists. It informs
// recompute recommendations and the status endpoint; it never gates
// correctness.
type Tracker struct {
	mu    sync.Mutex
	clock func() time.Time
	last  map[string]time.Time
}

// NewTracker returns a Tracker reading time from clock.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{clock: clock, last: make(map[string]time.Time)}
}

// RecordComputation marks now as the user's latest full classification.
func (t *Tracker) RecordComputation(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[userID] = t.clock()
}

// LastComputation returns when the user's latest full classification ran.
func (t *Tracker) LastComputation(userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, known := t.last[userID]
	return last, known
}

// Status reports the user's idle state and the time since the latest full
// classification. A user with no recorded classification reports stale.
func (t *Tracker) Status(userID string) (IdleState, time.Duration, bool) {
	last, known := t.LastComputation(userID)
	if !known {
		return IdleStateStale, 0, false
	}
	since := t.clock().Sub(last)
	switch {
	case since < freshWindow:
		return IdleStateFresh, since, true
	case since < idleWindow:
		return IdleStateIdle, since, true
	default:
		return IdleStateStale, since, true
	}
}

// Forget drops the user's record. Called at session teardown.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, userID)
}
