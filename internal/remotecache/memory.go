package remotecache

import (
	"context"
	"strings"
	"sync"
)

// MemoryRows is the in-process twin of RedisRows for single-node runs and
// tests. Rows live until deleted; the process boundary is the TTL.
type MemoryRows struct {
	mu   sync.RWMutex
	rows map[string]map[string]Row
}

// NewMemoryRows constructs an empty row store.
func NewMemoryRows() *MemoryRows {
	return &MemoryRows{rows: make(map[string]map[string]Row)}
}

func (s *MemoryRows) Get(_ context.Context, userID, key string) (Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, found := s.rows[userID][key]
	return row, found, nil
}

func (s *MemoryRows) Upsert(_ context.Context, userID, key string, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; !ok {
		s.rows[userID] = make(map[string]Row)
	}
	s.rows[userID][key] = row
	return nil
}

func (s *MemoryRows) DeleteByPrefix(_ context.Context, userID, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.rows[userID] {
		if strings.HasPrefix(key, prefix) {
			delete(s.rows[userID], key)
			removed++
		}
	}
	if len(s.rows[userID]) == 0 {
		delete(s.rows, userID)
	}
	return removed, nil
}

// MemoryVersions is the in-process twin of RedisVersions.
type MemoryVersions struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewMemoryVersions constructs a version source with every user at zero.
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string]int64)}
}

func (s *MemoryVersions) Current(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[userID], nil
}

func (s *MemoryVersions) Bump(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[userID]++
	return s.versions[userID], nil
}
