// Package engine assembles the cache tiers into one session-scoped
// coordinator. Consumers hold an Engine by reference; the tiers themselves
// never reach for each other directly.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/crm"
	"github.com/ledgerline/crmcache/internal/entrystore"
	"github.com/ledgerline/crmcache/internal/feed"
	"github.com/ledgerline/crmcache/internal/followup"
	"github.com/ledgerline/crmcache/internal/outbox"
	"github.com/ledgerline/crmcache/internal/snapshot"
	"github.com/ledgerline/crmcache/internal/templates"
)

var (
	errMissingStore     = errors.New("engine: entry store is required")
	errMissingSnapshot  = errors.New("engine: snapshot cache is required")
	errMissingTemplates = errors.New("engine: template service is required")
	errMissingFollowups = errors.New("engine: follow-up service is required")
	errMissingOutbox    = errors.New("engine: optimistic queue is required")
	errMissingFeed      = errors.New("engine: change feed is required")
	errMissingVersions  = errors.New("engine: version registry is required")
	errMissingActivity  = errors.New("engine: activity source is required")
	errMissingUserID    = errors.New("engine: user identifier is required")
)

const (
	defaultMaintenanceInterval = 5 * time.Minute
	maintenanceTimeout         = 30 * time.Second
)

// VersionRegistry tracks the per-user metadata epoch the template cache
// fences on.
type VersionRegistry interface {
	Current(ctx context.Context, userID string) (int64, error)
	Bump(ctx context.Context, userID string) (int64, error)
}

// ActivitySource loads the durable touchpoint records the optimistic queue
// merges against.
type ActivitySource interface {
	FetchActivities(ctx context.Context, userID string) ([]crm.Activity, error)
}

// Config carries every tier an Engine coordinates.
type Config struct {
	Store      *entrystore.Store
	Snapshot   *snapshot.Cache
	Templates  *templates.Service
	Followups  *followup.Service
	Outbox     *outbox.Queue
	Feed       feed.Feed
	Versions   VersionRegistry
	Activities ActivitySource
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine owns the cache tiers for the life of the process and carries the
// cross-tier operations: session teardown, metadata bumps, the merged
// activity view, and periodic maintenance.
type Engine struct {
	store      *entrystore.Store
	snapshot   *snapshot.Cache
	templates  *templates.Service
	followups  *followup.Service
	outbox     *outbox.Queue
	feed       feed.Feed
	versions   VersionRegistry
	activities ActivitySource
	clock      func() time.Time
	logger     *zap.Logger

	mu      sync.Mutex
	watches map[string]context.CancelFunc

	done       chan struct{}
	closeOnce  sync.Once
	background sync.WaitGroup
}

// New validates the config and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Snapshot == nil {
		return nil, errMissingSnapshot
	}
	if cfg.Templates == nil {
		return nil, errMissingTemplates
	}
	if cfg.Followups == nil {
		return nil, errMissingFollowups
	}
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Versions == nil {
		return nil, errMissingVersions
	}
	if cfg.Activities == nil {
		return nil, errMissingActivity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      cfg.Store,
		snapshot:   cfg.Snapshot,
		templates:  cfg.Templates,
		followups:  cfg.Followups,
		outbox:     cfg.Outbox,
		feed:       cfg.Feed,
		versions:   cfg.Versions,
		activities: cfg.Activities,
		clock:      clock,
		logger:     logger,
		watches:    make(map[string]context.CancelFunc),
		done:       make(chan struct{}),
	}, nil
}

// Store exposes the durable entry store tier.
func (e *Engine) Store() *entrystore.Store { return e.store }

// Snapshot exposes the session snapshot tier.
func (e *Engine) Snapshot() *snapshot.Cache { return e.snapshot }

// Templates exposes the label-combination template tier.
func (e *Engine) Templates() *templates.Service { return e.templates }

// Followups exposes the computation result tier.
func (e *Engine) Followups() *followup.Service { return e.followups }

// Outbox exposes the optimistic mutation queue.
func (e *Engine) Outbox() *outbox.Queue { return e.outbox }

// Feed exposes the metadata change feed.
func (e *Engine) Feed() feed.Feed { return e.feed }

// EnsureWatch starts push invalidation for userID if it is not already
// running. Safe to call on every request; only the first call per user
// spawns a watcher.
func (e *Engine) EnsureWatch(userID string) {
	if userID == "" {
		return
	}
	e.mu.Lock()
	if _, ok := e.watches[userID]; ok {
		e.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	e.watches[userID] = cancel
	e.mu.Unlock()

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.templates.WatchInvalidation(watchCtx, userID)
	}()
}

// ComputeFollowups loads the user's contact snapshot and runs the bucket
// computation over it. The snapshot read is never forced here; a caller
// that wants fresh contacts refreshes the snapshot first.
func (e *Engine) ComputeFollowups(ctx context.Context, userID string, selectedLabels []string) (followup.Result, snapshot.Info, error) {
	if userID == "" {
		return followup.Result{}, snapshot.Info{}, errMissingUserID
	}
	snap, err := e.snapshot.Read(ctx, userID, false)
	if err != nil {
		return followup.Result{}, snapshot.Info{}, err
	}
	result, err := e.followups.Compute(ctx, userID, snap.Contacts, selectedLabels)
	return result, snap.Info, err
}

// MarkOutcome reports what a contact-touch did to the caches.
type MarkOutcome struct {
	Patched bool          `json:"patched"`
	Queued  outbox.Queued `json:"queued"`
}

// MarkContacted is the cross-tier write path for "I just contacted this
// person": patch the cached bucket result in place, then queue the durable
// activity write. A failed patch never blocks the queue; the cache result
// simply stays an approximation until the next full computation.
func (e *Engine) MarkContacted(ctx context.Context, userID string, selectedLabels []string, contactID string, bucket crm.BucketName, activity crm.Activity) (MarkOutcome, error) {
	if userID == "" {
		return MarkOutcome{}, errMissingUserID
	}
	snap, err := e.snapshot.Read(ctx, userID, false)
	if err != nil {
		e.logger.Warn("snapshot unavailable for optimistic patch",
			zap.String("user_id", userID), zap.Error(err))
	}

	patched := false
	if err == nil {
		patched, err = e.followups.ApplyOptimisticRemoval(ctx, userID, snap.Contacts, selectedLabels, contactID, bucket)
		if err != nil {
			e.logger.Warn("optimistic bucket patch failed",
				zap.String("user_id", userID), zap.String("contact_id", contactID), zap.Error(err))
			patched = false
		}
	}

	queued, err := e.outbox.Enqueue(ctx, userID, activity)
	if err != nil {
		return MarkOutcome{Patched: patched}, err
	}
	return MarkOutcome{Patched: patched, Queued: queued}, nil
}

// ActivityView is the merged activity history served to the client.
type ActivityView struct {
	Items        []outbox.Merged `json:"items"`
	NeedsRefresh bool            `json:"needs_refresh"`
	Degraded     bool            `json:"degraded"`
}

// Activities merges the durable activity history with the optimistic
// queue. When the data service is unreachable the optimistic items are
// served alone and the view is marked degraded instead of failing.
func (e *Engine) Activities(ctx context.Context, userID string) (ActivityView, error) {
	if userID == "" {
		return ActivityView{}, errMissingUserID
	}
	durable, err := e.activities.FetchActivities(ctx, userID)
	degraded := false
	if err != nil {
		e.logger.Warn("durable activity fetch failed, serving optimistic items only",
			zap.String("user_id", userID), zap.Error(err))
		durable = nil
		degraded = true
	}
	items, needsRefresh := e.outbox.View(userID, durable)
	return ActivityView{Items: items, NeedsRefresh: needsRefresh, Degraded: degraded}, nil
}

// MetadataBump advances the user's metadata epoch and announces the change
// on the feed. The epoch is the correctness mechanism; the publish only
// accelerates invalidation, so a publish failure is logged and swallowed.
func (e *Engine) MetadataBump(ctx context.Context, userID string, table feed.Table) (int64, error) {
	if userID == "" {
		return 0, errMissingUserID
	}
	epoch, err := e.versions.Bump(ctx, userID)
	if err != nil {
		return 0, err
	}
	event := feed.Event{
		UserID: userID,
		Table:  table,
		Kind:   feed.KindUpdate,
		At:     e.clock().UTC(),
	}
	if err := e.feed.Publish(ctx, event); err != nil {
		e.logger.Warn("metadata change publish failed",
			zap.String("user_id", userID), zap.String("table", string(table)), zap.Error(err))
	}
	return epoch, nil
}

// Teardown reports what EndSession discarded.
type Teardown struct {
	FollowupsRemoved int `json:"followups_removed"`
	OutboxDropped    int `json:"outbox_dropped"`
}

// EndSession is the logout path: stop the user's invalidation watch, drop
// the session snapshot, discard queued mutations, and remove every stored
// computation keyed to the identity. Template rows live in the shared
// remote tier and survive logout; epoch fencing keeps them honest.
func (e *Engine) EndSession(ctx context.Context, userID string) (Teardown, error) {
	if userID == "" {
		return Teardown{}, errMissingUserID
	}
	e.stopWatch(userID)
	e.snapshot.Clear(userID)
	dropped := e.outbox.Clear(userID)

	removed, err := e.followups.InvalidateAll(ctx, userID)
	if err != nil {
		e.logger.Warn("session teardown left stored computations behind",
			zap.String("user_id", userID), zap.Error(err))
		return Teardown{OutboxDropped: dropped}, err
	}
	return Teardown{FollowupsRemoved: removed, OutboxDropped: dropped}, nil
}

// StartMaintenance runs garbage collection and the reconcile sweep on a
// fixed interval until ctx is cancelled or the engine closes.
func (e *Engine) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-ticker.C:
				e.runMaintenance(ctx)
			}
		}
	}()
}

func (e *Engine) runMaintenance(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	report, err := e.store.GarbageCollect(sweepCtx)
	if err != nil {
		e.logger.Warn("maintenance garbage collection failed", zap.Error(err))
	} else if report.Removed > 0 {
		e.logger.Info("maintenance garbage collection finished",
			zap.Int("removed", report.Removed), zap.Int("total", report.Total))
	}

	if flagged := e.outbox.ReconcileSweep(); flagged > 0 {
		e.logger.Info("confirmed mutations flagged for refresh", zap.Int("flagged", flagged))
	}
}

func (e *Engine) stopWatch(userID string) {
	e.mu.Lock()
	cancel, ok := e.watches[userID]
	if ok {
		delete(e.watches, userID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every watcher and maintenance loop, then drains pending
// background writes so nothing is lost with the process.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.mu.Lock()
	for userID, cancel := range e.watches {
		cancel()
		delete(e.watches, userID)
	}
	e.mu.Unlock()
	e.background.Wait()
	e.templates.Wait()
	e.outbox.Wait()
}
