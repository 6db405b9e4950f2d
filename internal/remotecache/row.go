// Package remotecache persists cache rows and per-user metadata versions in
// a store that outlives any single device or tab, so derived caches survive
// across sessions. A redis implementation backs deployments; an in-memory
// twin backs single-process runs and tests.
package remotecache

// Row is one remotely persisted cache row. The payload is opaque JSON owned
// by the cache that wrote it; stored-at and metadata version are lifted out
// so validity checks run without decoding the payload.
type Row struct {
	PayloadJSON     string `json:"payload_json"`
	StoredAtSeconds int64  `json:"stored_at_s"`
	MetadataVersion int64  `json:"metadata_version"`
}
