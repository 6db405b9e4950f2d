package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ledgerline/crmcache/internal/entrystore"
	"github.com/ledgerline/crmcache/internal/identity"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&entrystore.Entry{}, &identity.Identity{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := purgeExpiredEntries(db); err != nil && logger != nil {
		logger.Warn("expired entry purge failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// purgeExpiredEntries drops rows whose TTL lapsed while the process was
// down. Reads would discard them lazily anyway; purging at boot keeps the
// startup entry count honest for eviction ranking.
func purgeExpiredEntries(db *gorm.DB) error {
	const statement = "DELETE FROM cache_entries WHERE expires_at_s > 0 AND expires_at_s <= strftime('%s','now');"
	return db.Exec(statement).Error
}
