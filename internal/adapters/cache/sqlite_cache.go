package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: `
		CREATE TABLE IF NOT EXISTS classification_cache (
			email_id TEXT NOT NULL,
			preferences_version INTEGER NOT NULL,
			importance_score REAL NOT NULL,
			requires_response BOOLEAN NOT NULL,
			label TEXT NOT NULL,
			source TEXT NOT NULL,
			explanation TEXT NOT NULL,
			classified_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (email_id, preferences_version)
		)
	`,
	createIndex: `
		CREATE INDEX IF NOT EXISTS idx_classification_cache_expires_at ON classification_cache(expires_at)
	`,
	insert: `
		INSERT OR IGNORE INTO classification_cache
			(email_id, preferences_version, importance_score, requires_response, label, source, explanation, classified_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
}

// SQLiteCache is a SQLite implementation of core.ClassificationCache
type SQLiteCache struct {
	*sqlCache
}

// NewSQLiteCache creates a new SQLite cache
func NewSQLiteCache(dbPath string, maxEntries int, ttl time.Duration, logger *zap.Logger, cleanupFreq time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A private in-memory database only lives as long as its single connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	cache, err := newSQLCache(db, sqliteDialect, maxEntries, ttl, logger, cleanupFreq)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{sqlCache: cache}, nil
}
