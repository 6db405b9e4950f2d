package snapshot

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
	errMissingDirectory = errors.New("directory is required")
	errMissingUserID    = errors.New("user identifier is required")
	noOpLogger          = zap.NewNop()
)

// Directory is the remote collaborator snapshots are loaded from.
type Directory interface {
	FetchContacts(ctx context.Context, userID string) ([]crm.Contact, error)
}

// Config carries the dependencies of a Cache.
type Config struct {
	Directory Directory
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Cache holds one full contact snapshot per identity for the life of the
// process. Snapshots are never shared across identities; the map key is the
// canonical user identifier.
type Cache struct {
	directory Directory
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.RWMutex
	snapshots map[string]snapshotRecord
}

type snapshotRecord struct {
	contacts   []crm.Contact
	capturedAt time.Time
}

// New validates the config and returns an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Cache{
		directory: cfg.Directory,
		clock:     clock,
		logger:    logger,
		snapshots: make(map[string]snapshotRecord),
	}, nil
}

// Info describes how a read was served.
type Info struct {
	FromCache  bool
	CapturedAt time.Time
	Provenance string
	Stale      bool
	FetchErr   error
}

// Result carries the records plus serving metadata.
type Result struct {
	Contacts []crm.Contact
	Info     Info
}

// Read returns the snapshot for userID. Without force, an existing snapshot
// is served as-is. Otherwise the remote collaborator is consulted; on
// failure the last known snapshot is served stale when one exists, and the
// fetch error surfaces only when there is no fallback at all.
func (c *Cache) Read(ctx context.Context, userID string, force bool) (Result, error) {
	if userID == "" {
		return Result{}, errMissingUserID
	}

	if !force {
		if record, ok := c.lookup(userID); ok {
			return cachedResult(record, false, nil), nil
		}
	}

	contacts, err := c.directory.FetchContacts(ctx, userID)
	if err != nil {
		if record, ok := c.lookup(userID); ok {
			c.logger.Warn("snapshot refresh failed, serving stale data",
				zap.String("user_id", userID), zap.Error(err))
			return cachedResult(record, true, err), nil
		}
		return Result{}, err
	}

	capturedAt := c.clock().UTC()
	c.store(userID, contacts, capturedAt)
	return Result{
		Contacts: contacts,
		Info: Info{
			CapturedAt: capturedAt,
			Provenance: fmt.Sprintf("fresh data loaded at %s", capturedAt.Format(time.RFC3339)),
		},
	}, nil
}

// Refresh unconditionally re-fetches the snapshot for userID.
func (c *Cache) Refresh(ctx context.Context, userID string) (Result, error) {
	return c.Read(ctx, userID, true)
}

// Clear discards the snapshot for userID without fetching. The next read is
// a guaranteed miss.
func (c *Cache) Clear(userID string) {
	c.mu.Lock()
	delete(c.snapshots, userID)
	c.mu.Unlock()
}

func (c *Cache) lookup(userID string) (snapshotRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.snapshots[userID]
	return record, ok
}

func (c *Cache) store(userID string, contacts []crm.Contact, capturedAt time.Time) {
	c.mu.Lock()
	c.snapshots[userID] = snapshotRecord{contacts: contacts, capturedAt: capturedAt}
	c.mu.Unlock()
}

func cachedResult(record snapshotRecord, stale bool, fetchErr error) Result {
	return Result{
		Contacts: record.contacts,
		Info: Info{
			FromCache:  true,
			CapturedAt: record.capturedAt,
			Provenance: fmt.Sprintf("using cached data from %s", record.capturedAt.Format(time.RFC3339)),
			Stale:      stale,
			FetchErr:   fetchErr,
		},
	}
}
