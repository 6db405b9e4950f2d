package entrystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStoreUnavailable indicates the store has no usable database handle.
	// Every operation fails with it until a new instance is constructed over
	// a working handle.
	ErrStoreUnavailable = errors.New("entrystore: store unavailable")
	// ErrSerializeFailed indicates a payload could not be serialized within
	// storage bounds. The failure is scoped to the single call; other
	// entries are unaffected.
	ErrSerializeFailed = errors.New("entrystore: payload serialization failed")

	errMissingKey     = errors.New("entry key is required")
	errMissingVersion = errors.New("version tag is required")
	noOpLogger        = zap.NewNop()
)

// StoreError carries a machine-readable code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opGet            = "entrystore.get"
	opGetVersioned   = "entrystore.get_versioned"
	opSet            = "entrystore.set"
	opDelete         = "entrystore.delete"
	opClear          = "entrystore.clear"
	opClearByVersion = "entrystore.clear_by_version"
	opDeleteByPrefix = "entrystore.delete_by_prefix"
	opGarbageCollect = "entrystore.garbage_collect"
	opStats          = "entrystore.stats"
)

const (
	reasonStoreUnavailable   = "store_unavailable"
	reasonMissingKey         = "missing_key"
	reasonMissingVersion     = "missing_version"
	reasonQueryFailed        = "query_failed"
	reasonDeleteFailed       = "delete_failed"
	reasonWriteFailed        = "write_failed"
	reasonCountFailed        = "count_failed"
	reasonPayloadTooLarge    = "payload_too_large"
	reasonPayloadNotJSON     = "payload_not_json"
	reasonAccessUpdateFailed = "access_update_failed"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

const (
	defaultTTL        = 7 * 24 * time.Hour
	defaultMaxEntries = 1000
	maxPayloadBytes   = 1 << 20
)

// Config carries the dependencies of a Store. A nil Database is accepted so
// the surrounding application can keep running without durable caching; the
// resulting store reports ErrStoreUnavailable from every operation.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	DefaultTTL time.Duration
	MaxEntries int
	Logger     *zap.Logger
}

// Store persists generic cache entries with per-entry TTL, schema version
// tags, and access statistics for eviction ranking.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	defaultTTL time.Duration
	maxEntries int
	logger     *zap.Logger
}

// New constructs a Store, applying defaults for unset tuning knobs.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		defaultTTL: ttl,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Get returns the live entry stored under key. Expired entries are removed
// in place and reported as a miss. A hit updates the entry's access
// statistics; a failed statistics update is logged but never fails the read.
func (s *Store) Get(ctx context.Context, key string) (Payload, bool, error) {
	entry, found, err := s.fetchLive(ctx, opGet, key)
	if err != nil || !found {
		return Payload{}, false, err
	}
	s.recordAccess(ctx, entry.Key)
	return payloadFromEntry(entry), true, nil
}

// GetVersioned behaves like Get but additionally treats a version-tag
// mismatch as a miss. Mismatched entries stay in place so ClearByVersion
// can remove them in bulk.
func (s *Store) GetVersioned(ctx context.Context, key, version string) (Payload, bool, error) {
	trimmedVersion := strings.TrimSpace(version)
	if trimmedVersion == "" {
		return Payload{}, false, newStoreError(opGetVersioned, reasonMissingVersion, errMissingVersion)
	}
	entry, found, err := s.fetchLive(ctx, opGetVersioned, key)
	if err != nil || !found {
		return Payload{}, false, err
	}
	if entry.Version != trimmedVersion {
		return Payload{}, false, nil
	}
	s.recordAccess(ctx, entry.Key)
	return payloadFromEntry(entry), true, nil
}

// Set creates or fully replaces the entry under key, resetting access
// statistics. A non-positive ttl falls back to the store default.
func (s *Store) Set(ctx context.Context, key, payloadJSON, version string, ttl time.Duration) error {
	if s.db == nil {
		s.logError(opSet, reasonStoreUnavailable, ErrStoreUnavailable)
		return newStoreError(opSet, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return newStoreError(opSet, reasonMissingKey, errMissingKey)
	}
	trimmedVersion := strings.TrimSpace(version)
	if trimmedVersion == "" {
		return newStoreError(opSet, reasonMissingVersion, errMissingVersion)
	}
	if len(payloadJSON) > maxPayloadBytes {
		err := fmt.Errorf("%w: %d bytes exceeds %d", ErrSerializeFailed, len(payloadJSON), maxPayloadBytes)
		s.logError(opSet, reasonPayloadTooLarge, err, zap.String("key", trimmedKey))
		return newStoreError(opSet, reasonPayloadTooLarge, err)
	}
	if !json.Valid([]byte(payloadJSON)) {
		err := fmt.Errorf("%w: payload is not valid JSON", ErrSerializeFailed)
		s.logError(opSet, reasonPayloadNotJSON, err, zap.String("key", trimmedKey))
		return newStoreError(opSet, reasonPayloadNotJSON, err)
	}

	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = s.defaultTTL
	}
	now := s.clock().UTC()
	entry := Entry{
		Key:              trimmedKey,
		PayloadJSON:      payloadJSON,
		Version:          trimmedVersion,
		CreatedAtSeconds: now.Unix(),
		ExpiresAtSeconds: now.Add(effectiveTTL).Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
		s.logError(opSet, reasonWriteFailed, err, zap.String("key", trimmedKey))
		return newStoreError(opSet, reasonWriteFailed, err)
	}
	return nil
}

// Delete removes the entry under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		s.logError(opDelete, reasonStoreUnavailable, ErrStoreUnavailable)
		return newStoreError(opDelete, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return newStoreError(opDelete, reasonMissingKey, errMissingKey)
	}
	if err := s.db.WithContext(ctx).Where("key = ?", trimmedKey).Delete(&Entry{}).Error; err != nil {
		s.logError(opDelete, reasonDeleteFailed, err, zap.String("key", trimmedKey))
		return newStoreError(opDelete, reasonDeleteFailed, err)
	}
	return nil
}

// Clear removes every entry in the store.
func (s *Store) Clear(ctx context.Context) error {
	if s.db == nil {
		s.logError(opClear, reasonStoreUnavailable, ErrStoreUnavailable)
		return newStoreError(opClear, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Entry{}).Error; err != nil {
		s.logError(opClear, reasonDeleteFailed, err)
		return newStoreError(opClear, reasonDeleteFailed, err)
	}
	return nil
}

// ClearByVersion removes all and only the entries tagged with the supplied
// schema version. Used after a breaking payload-shape change to drop rows
// written under the obsolete tag.
func (s *Store) ClearByVersion(ctx context.Context, version string) (int, error) {
	if s.db == nil {
		s.logError(opClearByVersion, reasonStoreUnavailable, ErrStoreUnavailable)
		return 0, newStoreError(opClearByVersion, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	trimmedVersion := strings.TrimSpace(version)
	if trimmedVersion == "" {
		return 0, newStoreError(opClearByVersion, reasonMissingVersion, errMissingVersion)
	}
	result := s.db.WithContext(ctx).Where("version = ?", trimmedVersion).Delete(&Entry{})
	if result.Error != nil {
		s.logError(opClearByVersion, reasonDeleteFailed, result.Error, zap.String("version", trimmedVersion))
		return 0, newStoreError(opClearByVersion, reasonDeleteFailed, result.Error)
	}
	return int(result.RowsAffected), nil
}

// DeleteByPrefix removes every entry whose key starts with prefix. LIKE
// wildcards inside the prefix are escaped so identity segments containing
// underscores only match themselves.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if s.db == nil {
		s.logError(opDeleteByPrefix, reasonStoreUnavailable, ErrStoreUnavailable)
		return 0, newStoreError(opDeleteByPrefix, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		return 0, newStoreError(opDeleteByPrefix, reasonMissingKey, errMissingKey)
	}
	pattern := escapeLikePrefix(trimmedPrefix) + "%"
	result := s.db.WithContext(ctx).Where("key LIKE ? ESCAPE '\\'", pattern).Delete(&Entry{})
	if result.Error != nil {
		s.logError(opDeleteByPrefix, reasonDeleteFailed, result.Error, zap.String("prefix", trimmedPrefix))
		return 0, newStoreError(opDeleteByPrefix, reasonDeleteFailed, result.Error)
	}
	return int(result.RowsAffected), nil
}

// GarbageCollect runs two-phase eviction: expired entries first, then, if
// the store still exceeds its entry limit, the lowest-ranked remainder
// ordered by (access_count, last_accessed_s). Safe to run concurrently with
// reads; a read racing an eviction observes a miss.
func (s *Store) GarbageCollect(ctx context.Context) (Report, error) {
	if s.db == nil {
		s.logError(opGarbageCollect, reasonStoreUnavailable, ErrStoreUnavailable)
		return Report{}, newStoreError(opGarbageCollect, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	now := s.clock().UTC().Unix()

	expiredResult := s.db.WithContext(ctx).
		Where("expires_at_s > 0 AND expires_at_s <= ?", now).
		Delete(&Entry{})
	if expiredResult.Error != nil {
		s.logError(opGarbageCollect, reasonDeleteFailed, expiredResult.Error)
		return Report{}, newStoreError(opGarbageCollect, reasonDeleteFailed, expiredResult.Error)
	}
	removed := int(expiredResult.RowsAffected)

	var total int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&total).Error; err != nil {
		s.logError(opGarbageCollect, reasonCountFailed, err)
		return Report{}, newStoreError(opGarbageCollect, reasonCountFailed, err)
	}

	if total > int64(s.maxEntries) {
		overflow := int(total) - s.maxEntries
		var keys []string
		if err := s.db.WithContext(ctx).Model(&Entry{}).
			Order("access_count ASC, last_accessed_s ASC").
			Limit(overflow).
			Pluck("key", &keys).Error; err != nil {
			s.logError(opGarbageCollect, reasonQueryFailed, err)
			return Report{}, newStoreError(opGarbageCollect, reasonQueryFailed, err)
		}
		if len(keys) > 0 {
			evictResult := s.db.WithContext(ctx).Where("key IN ?", keys).Delete(&Entry{})
			if evictResult.Error != nil {
				s.logError(opGarbageCollect, reasonDeleteFailed, evictResult.Error)
				return Report{}, newStoreError(opGarbageCollect, reasonDeleteFailed, evictResult.Error)
			}
			removed += int(evictResult.RowsAffected)
			total -= evictResult.RowsAffected
		}
	}

	return Report{Removed: removed, Total: int(total)}, nil
}

// Stats aggregates entry count, approximate serialized size, creation
// timestamp bounds, and the count of entries expired but not yet collected.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.db == nil {
		s.logError(opStats, reasonStoreUnavailable, ErrStoreUnavailable)
		return Stats{}, newStoreError(opStats, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	now := s.clock().UTC().Unix()

	var aggregate struct {
		Entries                int64
		ApproxBytes            int64
		OldestCreatedAtSeconds int64
		NewestCreatedAtSeconds int64
	}
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Select("COUNT(*) AS entries, " +
			"COALESCE(SUM(LENGTH(payload)), 0) AS approx_bytes, " +
			"COALESCE(MIN(created_at_s), 0) AS oldest_created_at_seconds, " +
			"COALESCE(MAX(created_at_s), 0) AS newest_created_at_seconds").
		Scan(&aggregate).Error
	if err != nil {
		s.logError(opStats, reasonQueryFailed, err)
		return Stats{}, newStoreError(opStats, reasonQueryFailed, err)
	}

	var expired int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("expires_at_s > 0 AND expires_at_s <= ?", now).
		Count(&expired).Error; err != nil {
		s.logError(opStats, reasonCountFailed, err)
		return Stats{}, newStoreError(opStats, reasonCountFailed, err)
	}

	return Stats{
		Entries:                aggregate.Entries,
		ApproxBytes:            aggregate.ApproxBytes,
		OldestCreatedAtSeconds: aggregate.OldestCreatedAtSeconds,
		NewestCreatedAtSeconds: aggregate.NewestCreatedAtSeconds,
		Expired:                expired,
	}, nil
}

// fetchLive looks up key and removes it in place when expired. Missing and
// expired entries both report found=false.
func (s *Store) fetchLive(ctx context.Context, operation, key string) (Entry, bool, error) {
	if s.db == nil {
		s.logError(operation, reasonStoreUnavailable, ErrStoreUnavailable)
		return Entry{}, false, newStoreError(operation, reasonStoreUnavailable, ErrStoreUnavailable)
	}
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		return Entry{}, false, newStoreError(operation, reasonMissingKey, errMissingKey)
	}

	var entry Entry
	err := s.db.WithContext(ctx).Where("key = ?", trimmedKey).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("key", trimmedKey))
		return Entry{}, false, newStoreError(operation, reasonQueryFailed, err)
	}

	now := s.clock().UTC().Unix()
	if entry.ExpiresAtSeconds > 0 && entry.ExpiresAtSeconds <= now {
		if err := s.db.WithContext(ctx).Where("key = ?", trimmedKey).Delete(&Entry{}).Error; err != nil {
			s.logError(operation, reasonDeleteFailed, err, zap.String("key", trimmedKey))
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *Store) recordAccess(ctx context.Context, key string) {
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("key = ?", key).
		UpdateColumns(map[string]interface{}{
			"access_count":    gorm.Expr("access_count + 1"),
			"last_accessed_s": s.clock().UTC().Unix(),
		}).Error
	if err != nil {
		s.logError(opGet, reasonAccessUpdateFailed, err, zap.String("key", key))
	}
}

func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("entry store error", attrs...)
}
