package entrystore

// Entry models one durable cache row. The payload column stores the
// caller-supplied JSON document verbatim; the remaining columns carry the
// metadata eviction and version fencing operate on.
type Entry struct {
	Key                   string `gorm:"column:key;primaryKey;size:190;not null"`
	PayloadJSON           string `gorm:"column:payload;type:text;not null"`
	Version               string `gorm:"column:version;size:64;not null;default:'';index:idx_cache_entries_version"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null"`
	ExpiresAtSeconds      int64  `gorm:"column:expires_at_s;not null;default:0;index:idx_cache_entries_expiry"`
	AccessCount           int64  `gorm:"column:access_count;not null;default:0;index:idx_cache_entries_rank,priority:1"`
	LastAccessedAtSeconds int64  `gorm:"column:last_accessed_s;not null;default:0;index:idx_cache_entries_rank,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "cache_entries"
}

// Payload carries one stored document plus the metadata version-aware
// callers fence on.
type Payload struct {
	Key              string
	JSON             string
	Version          string
	CreatedAtSeconds int64
	ExpiresAtSeconds int64
}

func payloadFromEntry(entry Entry) Payload {
	return Payload{
		Key:              entry.Key,
		JSON:             entry.PayloadJSON,
		Version:          entry.Version,
		CreatedAtSeconds: entry.CreatedAtSeconds,
		ExpiresAtSeconds: entry.ExpiresAtSeconds,
	}
}

// Report summarizes one garbage-collection pass.
type Report struct {
	Removed int
	Total   int
}

// Stats aggregates store-wide entry metadata.
type Stats struct {
	Entries                int64
	ApproxBytes            int64
	OldestCreatedAtSeconds int64
	NewestCreatedAtSeconds int64
	Expired                int64
}
