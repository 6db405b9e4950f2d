package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/crm"
	"github.com/ledgerline/crmcache/internal/feed"
	"github.com/ledgerline/crmcache/internal/remotecache"
)

var (
	errMissingRowStore      = errors.New("row store is required")
	errMissingVersionSource = errors.New("version source is required")
	errMissingFetcher       = errors.New("fetcher is required")
	errMissingUserID        = errors.New("user identifier is required")
	noOpLogger              = zap.NewNop()
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
	opServiceNew    = "templates.service.new"
	opResolve       = "templates.resolve"
	opPreload       = "templates.preload"
	opInvalidateAll = "templates.invalidate_all"
	opWatch         = "templates.watch"
)

const (
	reasonMissingUserID     = "missing_user_id"
	reasonRowGetFailed      = "row_get_failed"
	reasonRowDecodeFailed   = "row_decode_failed"
	reasonRowEncodeFailed   = "row_encode_failed"
	reasonRowUpsertFailed   = "row_upsert_failed"
	reasonEpochFailed       = "epoch_lookup_failed"
	reasonFetchFailed       = "fetch_failed"
	reasonInvalidateFailed  = "invalidate_failed"
	reasonPreloadAborted    = "preload_aborted"
	reasonSubscriptionEnded = "subscription_ended"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	defaultTTL     = 24 * time.Hour
	persistTimeout = 5 * time.Second
)

// RowStore persists cache rows in a store shared across devices.
type RowStore interface {
	Get(ctx context.Context, userID, key string) (remotecache.Row, bool, error)
	Upsert(ctx context.Context, userID, key string, row remotecache.Row) error
	DeleteByPrefix(ctx context.Context, userID, prefix string) (int, error)
}

// VersionSource reports the user's current metadata epoch.
type VersionSource interface {
	Current(ctx context.Context, userID string) (int64, error)
}

// Fetcher loads templates and label definitions for a label combination.
type Fetcher interface {
	FetchTemplatesByLabels(ctx context.Context, userID string, labelNames []string) ([]crm.Template, []crm.Label, error)
}

// ServiceConfig carries the dependencies of a Service.
type ServiceConfig struct {
	Rows     RowStore
	Versions VersionSource
	Fetcher  Fetcher
	Feed     feed.Feed
	Clock    func() time.Time
	TTL      time.Duration
	Logger   *zap.Logger
}

// Service caches resolved templates per normalized label combination. Rows
// live in the remote cache store so they survive across devices; validity
// is fenced by the user's metadata epoch and a fixed TTL, with push
// invalidation layered on top through the change feed.
type Service struct {
	rows     RowStore
	versions VersionSource
	fetcher  Fetcher
	feed     feed.Feed
	clock    func() time.Time
	ttl      time.Duration
	logger   *zap.Logger

	background sync.WaitGroup
}

// NewService validates the config and returns a ready service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Rows == nil {
		return nil, newServiceError(opServiceNew, "missing_row_store", errMissingRowStore)
	}
	if cfg.Versions == nil {
		return nil, newServiceError(opServiceNew, "missing_version_source", errMissingVersionSource)
	}
	if cfg.Fetcher == nil {
		return nil, newServiceError(opServiceNew, "missing_fetcher", errMissingFetcher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		rows:     cfg.Rows,
		versions: cfg.Versions,
		fetcher:  cfg.Fetcher,
		feed:     cfg.Feed,
		clock:    clock,
		ttl:      ttl,
		logger:   logger,
	}, nil
}

// Resolution is the outcome of resolving one label combination.
type Resolution struct {
	Templates        []crm.Template
	Labels           []crm.Label
	LabelCombination []string
	FromCache        bool
	LoadTime         time.Duration
}

type storedCombination struct {
	Templates        []crm.Template `json:"templates"`
	Labels           []crm.Label    `json:"labels"`
	LabelCombination []string       `json:"label_combination"`
}

// Resolve returns the templates for the normalized form of labelNames. A
// stored row is served when its metadata version is at least the user's
// current epoch and it is younger than the TTL; anything else falls through
// to a remote fetch whose result is persisted in the background so the
// response is never blocked on the row write.
func (s *Service) Resolve(ctx context.Context, userID string, labelNames []string) (Resolution, error) {
	if userID == "" {
		return Resolution{}, newServiceError(opResolve, reasonMissingUserID, errMissingUserID)
	}
	start := s.clock()
	combination := NormalizeLabels(labelNames)
	key := CombinationKey(userID, combination)

	epoch, epochKnown := s.currentEpoch(ctx, userID)

	row, found, err := s.rows.Get(ctx, userID, key)
	if err != nil {
		s.logError(opResolve, reasonRowGetFailed, err, zap.String("user_id", userID), zap.String("cache_key", key))
		found = false
	}
	if found && epochKnown && s.rowValid(row, epoch) {
		var stored storedCombination
		if err := json.Unmarshal([]byte(row.PayloadJSON), &stored); err != nil {
			s.logError(opResolve, reasonRowDecodeFailed, err, zap.String("user_id", userID), zap.String("cache_key", key))
		} else {
			return Resolution{
				Templates:        stored.Templates,
				Labels:           stored.Labels,
				LabelCombination: combination,
				FromCache:        true,
				LoadTime:         s.clock().Sub(start),
			}, nil
		}
	}

	templates, labels, err := s.fetcher.FetchTemplatesByLabels(ctx, userID, combination)
	if err != nil {
		s.logError(opResolve, reasonFetchFailed, err, zap.String("user_id", userID), zap.Strings("labels", combination))
		return Resolution{}, newServiceError(opResolve, reasonFetchFailed, err)
	}

	storedVersion := epoch
	if !epochKnown {
		storedVersion = 0
	}
	encoded, err := json.Marshal(storedCombination{
		Templates:        templates,
		Labels:           labels,
		LabelCombination: combination,
	})
	if err != nil {
		s.logError(opResolve, reasonRowEncodeFailed, err, zap.String("user_id", userID), zap.String("cache_key", key))
	} else {
		s.persistRow(userID, key, remotecache.Row{
			PayloadJSON:     string(encoded),
			StoredAtSeconds: s.clock().UTC().Unix(),
			MetadataVersion: storedVersion,
		})
	}

	return Resolution{
		Templates:        templates,
		Labels:           labels,
		LabelCombination: combination,
		FromCache:        false,
		LoadTime:         s.clock().Sub(start),
	}, nil
}

// Preload resolves every distinct label combination present across the
// batch exactly once. Contacts without labels are skipped. It reports how
// many combinations were resolved.
func (s *Service) Preload(ctx context.Context, userID string, contacts []crm.Contact) (int, error) {
	if userID == "" {
		return 0, newServiceError(opPreload, reasonMissingUserID, errMissingUserID)
	}
	distinct := make(map[string][]string)
	for _, contact := range contacts {
		combination := NormalizeLabels(contact.Labels)
		if len(combination) == 0 {
			continue
		}
		distinct[hashLabelCombination(combination)] = combination
	}

	resolved := 0
	for _, combination := range distinct {
		if err := ctx.Err(); err != nil {
			return resolved, newServiceError(opPreload, reasonPreloadAborted, err)
		}
		if _, err := s.Resolve(ctx, userID, combination); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// InvalidateAll removes every stored combination in the user's namespace.
func (s *Service) InvalidateAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, newServiceError(opInvalidateAll, reasonMissingUserID, errMissingUserID)
	}
	removed, err := s.rows.DeleteByPrefix(ctx, userID, keyPrefix)
	if err != nil {
		s.logError(opInvalidateAll, reasonInvalidateFailed, err, zap.String("user_id", userID))
		return 0, newServiceError(opInvalidateAll, reasonInvalidateFailed, err)
	}
	return removed, nil
}

// WatchInvalidation subscribes to the user's metadata change events and
// invalidates the namespace on every label or template mutation. It blocks
// until ctx is cancelled or the feed closes the subscription.
func (s *Service) WatchInvalidation(ctx context.Context, userID string) {
	if s.feed == nil || userID == "" {
		return
	}
	events, release := s.feed.Subscribe(ctx, userID)
	defer release()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				s.logger.Debug("change feed subscription ended",
					zap.String("operation", opWatch),
					zap.String("reason", reasonSubscriptionEnded),
					zap.String("user_id", userID))
				return
			}
			s.handleChange(ctx, userID, event)
		}
	}
}

// Wait blocks until every background row write started so far has finished.
// Called at shutdown so pending writes are not lost with the process.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) handleChange(ctx context.Context, userID string, event feed.Event) {
	if event.Table != feed.TableLabels && event.Table != feed.TableTemplates {
		return
	}
	if _, err := s.InvalidateAll(ctx, userID); err != nil {
		s.logError(opWatch, reasonInvalidateFailed, err,
			zap.String("user_id", userID), zap.String("table", string(event.Table)))
	}
}

func (s *Service) currentEpoch(ctx context.Context, userID string) (int64, bool) {
	epoch, err := s.versions.Current(ctx, userID)
	if err != nil {
		s.logError(opResolve, reasonEpochFailed, err, zap.String("user_id", userID))
		return 0, false
	}
	return epoch, true
}

func (s *Service) rowValid(row remotecache.Row, epoch int64) bool {
	if row.MetadataVersion < epoch {
		return false
	}
	storedAt := time.Unix(row.StoredAtSeconds, 0)
	return s.clock().Before(storedAt.Add(s.ttl))
}

func (s *Service) persistRow(userID, key string, row remotecache.Row) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.rows.Upsert(ctx, userID, key, row); err != nil {
			s.logError(opResolve, reasonRowUpsertFailed, err,
				zap.String("user_id", userID), zap.String("cache_key", key))
		}
	}()
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
	s.logger.Error("template cache error", attrs...)
}
