package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/crm"
	"github.com/ledgerline/crmcache/internal/entrystore"
)

var (
	errMissingStore  = errors.New("entry store is required")
	errMissingUserID = errors.New("user identifier is required")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries a machine-readable code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "followup.service.new"
	opCompute           = "followup.compute"
	opOptimisticRemoval = "followup.apply_optimistic_removal"
	opInvalidateAll     = "followup.invalidate_all"
)

const (
	reasonMissingUserID        = "missing_user_id"
	reasonClassificationFailed = "classification_failed"
	reasonEntryReadFailed      = "entry_read_failed"
	reasonEntryWriteFailed     = "entry_write_failed"
	reasonInvalidateFailed     = "invalidate_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	defaultMaxAge        = 30 * time.Minute
	defaultIdleThreshold = time.Hour
)

// ClassifyFunc runs the full classification for a contact batch.
type ClassifyFunc func(ctx context.Context, contacts []crm.Contact, now time.Time, pageSize int) (map[string][]crm.Contact, error)

// ServiceConfig carries the dependencies of a Service.
type ServiceConfig struct {
	Store         *entrystore.Store
	Clock         func() time.Time
	PageSize      int
	MaxAge        time.Duration
	IdleThreshold time.Duration
	Classify      ClassifyFunc
	Logger        *zap.Logger
}

// Calculations is one stored classification result. ContactIDs and
// SelectedLabels record the inputs the result was computed from; the cache
// key is derived from them, so any change to either produces a new entry.
type Calculations struct {
	Buckets           map[string][]crm.Contact `json:"buckets"`
	ContactIDs        []string                 `json:"contact_ids"`
	SelectedLabels    []string                 `json:"selected_labels"`
	ComputedAtSeconds int64                    `json:"computed_at_s"`
}

// Result is the outcome of a Compute call.
type Result struct {
	Calculations Calculations
	FromCache    bool
	Recommend    Recommendation
}

// Recommendation tells the caller whether a served result warrants a
// background recomputation.
type Recommendation string

const (
	// RecommendNone means the served result needs no follow-up work.
	RecommendNone Recommendation = "none"
	// RecommendRecomputeInBackground means the served result is usable but
	// the user's last full classification is old enough that the caller
	// should schedule a fresh one.
	RecommendRecomputeInBackground Recommendation = "recompute_in_background"
)

// Service caches full classification results keyed by the contact set and
// the active label filters. Results persist through the durable entry store
// under the engine version tag, so a build with changed bucket rules
// discards everything its predecessor stored.
type Service struct {
	view          *entrystore.View[Calculations]
	tracker       *Tracker
	clock         func() time.Time
	pageSize      int
	idleThreshold time.Duration
	classify      ClassifyFunc
	logger        *zap.Logger
}

// NewService validates the config and returns a ready service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = PageSize
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	idleThreshold := cfg.IdleThreshold
	if idleThreshold <= 0 {
		idleThreshold = defaultIdleThreshold
	}
	classify := cfg.Classify
	if classify == nil {
		classify = Classify
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		view:          entrystore.NewView[Calculations](cfg.Store, keyPrefix, CalcVersion, maxAge),
		tracker:       NewTracker(clock),
		clock:         clock,
		pageSize:      pageSize,
		idleThreshold: idleThreshold,
		classify:      classify,
		logger:        logger,
	}, nil
}

// Compute returns the bucket classification for the contact batch under the
// active filters. A stored result for the identical batch and filters is
// served without reclassifying. Otherwise the full classification runs, is
// persisted, and becomes the user's latest full computation. A store
// failure downgrades the call to uncached, it never fails it.
func (s *Service) Compute(ctx context.Context, userID string, contacts []crm.Contact, selectedLabels []string) (Result, error) {
	if userID == "" {
		return Result{}, newServiceError(opCompute, reasonMissingUserID, errMissingUserID)
	}
	contactIDs := contactIdentifiers(contacts)
	selection := normalizeSelection(selectedLabels)
	key := calculationKey(userID, contactIDs, selection)

	cached, found, err := s.view.Get(ctx, key)
	if err != nil {
		s.logError(opCompute, reasonEntryReadFailed, err, zap.String("user_id", userID))
	}
	if found {
		return Result{Calculations: cached, FromCache: true, Recommend: s.recommendation(userID)}, nil
	}

	buckets, err := s.classify(ctx, contacts, s.clock(), s.pageSize)
	if err != nil {
		return Result{}, newServiceError(opCompute, reasonClassificationFailed, err)
	}
	calculations := Calculations{
		Buckets:           buckets,
		ContactIDs:        contactIDs,
		SelectedLabels:    selection,
		ComputedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.view.Set(ctx, key, calculations); err != nil {
		s.logError(opCompute, reasonEntryWriteFailed, err, zap.String("user_id", userID))
	}
	s.tracker.RecordComputation(userID)
	return Result{Calculations: calculations, FromCache: false, Recommend: RecommendNone}, nil
}

// ApplyOptimisticRemoval removes contactID from the named bucket of the
// stored result for this exact batch and filter set, then re-persists the
// patched result under a fresh entry timestamp. No reclassification runs;
// the stored result drifts toward approximation until the next full
// computation. It reports whether a removal happened.
func (s *Service) ApplyOptimisticRemoval(ctx context.Context, userID string, contacts []crm.Contact, selectedLabels []string, contactID string, bucket crm.BucketName) (bool, error) {
	if userID == "" {
		return false, newServiceError(opOptimisticRemoval, reasonMissingUserID, errMissingUserID)
	}
	contactIDs := contactIdentifiers(contacts)
	selection := normalizeSelection(selectedLabels)
	key := calculationKey(userID, contactIDs, selection)

	cached, found, err := s.view.Get(ctx, key)
	if err != nil {
		return false, newServiceError(opOptimisticRemoval, reasonEntryReadFailed, err)
	}
	if !found {
		return false, nil
	}
	records := cached.Buckets[bucket.String()]
	kept := make([]crm.Contact, 0, len(records))
	for _, record := range records {
		if record.ID == contactID {
			continue
		}
		kept = append(kept, record)
	}
	if len(kept) == len(records) {
		return false, nil
	}
	cached.Buckets[bucket.String()] = kept
	if err := s.view.Set(ctx, key, cached); err != nil {
		return false, newServiceError(opOptimisticRemoval, reasonEntryWriteFailed, err)
	}
	return true, nil
}

// InvalidateAll removes every stored calculation in the user's namespace
// and forgets the last-computation record. Used at logout. It reports the
// number of removed entries.
func (s *Service) InvalidateAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, newServiceError(opInvalidateAll, reasonMissingUserID, errMissingUserID)
	}
	removed, err := s.view.DeleteByPrefix(ctx, userID+":")
	if err != nil {
		return 0, newServiceError(opInvalidateAll, reasonInvalidateFailed, err)
	}
	s.tracker.Forget(userID)
	return removed, nil
}

// IdleStatus reports the user's idle state and the time since the latest
// full classification.
func (s *Service) IdleStatus(userID string) (IdleState, time.Duration, bool) {
	return s.tracker.Status(userID)
}

func (s *Service) recommendation(userID string) Recommendation {
	last, known := s.tracker.LastComputation(userID)
	if !known || s.clock().Sub(last) >= s.idleThreshold {
		return RecommendRecomputeInBackground
	}
	return RecommendNone
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("follow-up cache error", attrs...)
}
