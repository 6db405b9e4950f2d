// Package outbox holds locally created activities that have not yet been
// confirmed durable. Queued items merge into read views ahead of the
// durable write round-trip and retire once the durable record is observed.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/crm"
)

var (
	errMissingWriter    = errors.New("durable writer is required")
	errMissingUserID    = errors.New("user identifier is required")
	errMissingContactID = errors.New("contact identifier is required")
	noOpLogger          = zap.NewNop()
)

// QueueError carries a machine-readable code alongside the underlying cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

const (
	opQueueNew = "outbox.queue.new"
	opEnqueue  = "outbox.enqueue"
	opWrite    = "outbox.write"
	opRetry    = "outbox.retry"
)

const (
	reasonMissingUserID      = "missing_user_id"
	reasonMissingContactID   = "missing_contact_id"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonWriteFailed        = "write_failed"
	reasonUnknownItem        = "unknown_item"
	reasonNotFailed          = "not_failed"
	reasonOutcomeOrphaned    = "outcome_orphaned"
)

func newQueueError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &QueueError{code: code, err: cause}
}

const (
	localIDPrefix          = "local-"
	defaultReconcileWindow = 2 * time.Minute
	writeTimeout           = 15 * time.Second
)

// Status is the sync state of a queued item.
type Status string

const (
	// StatusPending means the durable write is still in flight.
	StatusPending Status = "pending"
	// StatusConfirmed means the durable write succeeded; the item retires
	// once its durable record shows up in a read.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the durable write was rejected; the item stays
	// visible for a user-driven retry.
	StatusFailed Status = "failed"
)

// Queued is one locally created activity awaiting durable confirmation.
// Once confirmed, Activity holds the durable record as the write returned
// it; until then it holds the local form under the local identifier.
type Queued struct {
	LocalID               string       `json:"local_id"`
	Activity              crm.Activity `json:"activity"`
	CreatedAtLocalSeconds int64        `json:"created_at_local_s"`
	Status                Status       `json:"status"`
	FailReason            string       `json:"fail_reason,omitempty"`

	confirmedAtSeconds int64
	mismatch           bool
}

// Writer performs the durable activity write.
type Writer interface {
	CreateActivity(ctx context.Context, userID string, activity crm.Activity) (crm.Activity, error)
}

// IDProvider issues local identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// QueueConfig carries the dependencies of a Queue.
type QueueConfig struct {
	Writer          Writer
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	ReconcileWindow time.Duration
}

// Queue is the per-user optimistic mutation queue.
type Queue struct {
	writer          Writer
	clock           func() time.Time
	ids             IDProvider
	logger          *zap.Logger
	reconcileWindow time.Duration

	mu     sync.Mutex
	queues map[string][]*Queued

	writes sync.WaitGroup
}

// NewQueue validates the config and returns a ready queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Writer == nil {
		return nil, newQueueError(opQueueNew, "missing_writer", errMissingWriter)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	window := cfg.ReconcileWindow
	if window <= 0 {
		window = defaultReconcileWindow
	}
	return &Queue{
		writer:          cfg.Writer,
		clock:           clock,
		ids:             ids,
		logger:          logger,
		reconcileWindow: window,
		queues:          make(map[string][]*Queued),
	}, nil
}

// Enqueue appends activity to the user's queue as pending and launches the
// durable write in the background. The returned item carries the local
// identifier the caller can retry or track with. The write outcome flips
// the item to confirmed or failed; the queue never retries on its own.
func (q *Queue) Enqueue(_ context.Context, userID string, activity crm.Activity) (Queued, error) {
	if userID == "" {
		return Queued{}, newQueueError(opEnqueue, reasonMissingUserID, errMissingUserID)
	}
	if activity.ContactID == "" {
		return Queued{}, newQueueError(opEnqueue, reasonMissingContactID, errMissingContactID)
	}
	identifier, err := q.ids.NewID()
	if err != nil {
		return Queued{}, newQueueError(opEnqueue, reasonIDGenerationFailed, err)
	}

	now := q.clock()
	item := &Queued{
		LocalID:               localIDPrefix + identifier,
		Activity:              activity,
		CreatedAtLocalSeconds: now.Unix(),
		Status:                StatusPending,
	}
	item.Activity.ID = item.LocalID
	if item.Activity.OccurredAtSeconds == 0 {
		item.Activity.OccurredAtSeconds = now.Unix()
	}

	q.mu.Lock()
	q.queues[userID] = append(q.queues[userID], item)
	snapshot := *item
	q.mu.Unlock()

	q.writes.Add(1)
	go q.attemptWrite(userID, snapshot.LocalID, snapshot.Activity)
	return snapshot, nil
}

// Retry re-attempts the durable write for a failed item. Items in any other
// state are left alone.
func (q *Queue) Retry(_ context.Context, userID, localID string) error {
	if userID == "" {
		return newQueueError(opRetry, reasonMissingUserID, errMissingUserID)
	}

	q.mu.Lock()
	item := q.findLocked(userID, localID)
	if item == nil {
		q.mu.Unlock()
		return newQueueError(opRetry, reasonUnknownItem, fmt.Errorf("no queued item %s", localID))
	}
	if item.Status != StatusFailed {
		q.mu.Unlock()
		return newQueueError(opRetry, reasonNotFailed, fmt.Errorf("item %s is %s", localID, item.Status))
	}
	item.Status = StatusPending
	item.FailReason = ""
	activity := item.Activity
	q.mu.Unlock()

	q.writes.Add(1)
	go q.attemptWrite(userID, localID, activity)
	return nil
}

// View interleaves the user's queued items with the durable records,
// ordered newest first by effective timestamp: local creation time for
// optimistic rows, server timestamp for durable ones. Items whose durable
// form appears in durable are retired here so nothing shows twice. The
// second return is true when a confirmed item has gone unmatched past the
// reconcile window, which the UI should surface as a refresh suggestion.
func (q *Queue) View(userID string, durable []crm.Activity) ([]Merged, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.queues[userID]
	kept := items[:0]
	needsRefresh := false
	merged := make([]Merged, 0, len(durable)+len(items))

	for _, record := range durable {
		merged = append(merged, Merged{
			Activity:           record,
			EffectiveAtSeconds: record.OccurredAtSeconds,
		})
	}
	for _, item := range items {
		if observedInDurable(item, durable) {
			continue
		}
		kept = append(kept, item)
		if item.mismatch {
			needsRefresh = true
		}
		merged = append(merged, Merged{
			Activity:           item.Activity,
			LocalID:            item.LocalID,
			Status:             item.Status,
			FailReason:         item.FailReason,
			Optimistic:         true,
			EffectiveAtSeconds: item.CreatedAtLocalSeconds,
		})
	}
	if len(kept) == 0 {
		delete(q.queues, userID)
	} else {
		q.queues[userID] = kept
	}

	sortNewestFirst(merged)
	return merged, needsRefresh
}

// ReconcileSweep flags every confirmed item whose durable record has not
// been observed within the reconcile window. Flagged items stay in the
// queue and keep merging into views; they are never silently dropped. It
// reports how many items were newly flagged.
func (q *Queue) ReconcileSweep() int {
	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()

	flagged := 0
	for _, items := range q.queues {
		for _, item := range items {
			if item.Status != StatusConfirmed || item.mismatch {
				continue
			}
			confirmedAt := time.Unix(item.confirmedAtSeconds, 0)
			if !now.Before(confirmedAt.Add(q.reconcileWindow)) {
				item.mismatch = true
				flagged++
			}
		}
	}
	return flagged
}

// Clear drops the user's queue, part of session teardown. In-flight write
// outcomes for dropped items are discarded. It reports how many items were
// dropped.
func (q *Queue) Clear(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.queues[userID])
	delete(q.queues, userID)
	return dropped
}

// Wait blocks until every background write started so far has finished.
// Called at shutdown so outcomes are not lost with the process.
func (q *Queue) Wait() {
	q.writes.Wait()
}

func (q *Queue) attemptWrite(userID, localID string, activity crm.Activity) {
	defer q.writes.Done()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	outgoing := activity
	outgoing.ID = ""
	durable, err := q.writer.CreateActivity(ctx, userID, outgoing)
	if err != nil {
		q.logError(opWrite, reasonWriteFailed, err,
			zap.String("user_id", userID), zap.String("local_id", localID))
		q.markFailed(userID, localID, err)
		return
	}
	q.markConfirmed(userID, localID, durable)
}

func (q *Queue) markConfirmed(userID, localID string, durable crm.Activity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.findLocked(userID, localID)
	if item == nil {
		q.logger.Debug("write outcome for a retired item",
			zap.String("operation", opWrite),
			zap.String("reason", reasonOutcomeOrphaned),
			zap.String("user_id", userID),
			zap.String("local_id", localID))
		return
	}
	item.Status = StatusConfirmed
	item.FailReason = ""
	item.Activity = durable
	item.confirmedAtSeconds = q.clock().Unix()
	item.mismatch = false
}

func (q *Queue) markFailed(userID, localID string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.findLocked(userID, localID)
	if item == nil {
		q.logger.Debug("write outcome for a retired item",
			zap.String("operation", opWrite),
			zap.String("reason", reasonOutcomeOrphaned),
			zap.String("user_id", userID),
			zap.String("local_id", localID))
		return
	}
	item.Status = StatusFailed
	item.FailReason = cause.Error()
}

func (q *Queue) findLocked(userID, localID string) *Queued {
	for _, item := range q.queues[userID] {
		if item.LocalID == localID {
			return item
		}
	}
	return nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("optimistic queue error", attrs...)
}
