package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var mysqlDialect = dialect{
	name: "mysql",
	createTable: `
		CREATE TABLE IF NOT EXISTS classification_cache (
			email_id VARCHAR(255) NOT NULL,
			preferences_version BIGINT UNSIGNED NOT NULL,
			importance_score DOUBLE NOT NULL,
			requires_response BOOLEAN NOT NULL,
			label VARCHAR(32) NOT NULL,
			source VARCHAR(32) NOT NULL,
			explanation TEXT NOT NULL,
			classified_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (email_id, preferences_version),
			INDEX idx_expires_at (expires_at)
		)
	`,
	insert: `
		INSERT IGNORE INTO classification_cache
			(email_id, preferences_version, importance_score, requires_response, label, source, explanation, classified_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
}

// MySQLCache is a MySQL implementation of core.ClassificationCache
type MySQLCache struct {
	*sqlCache
}

// NewMySQLCache creates a new MySQL cache
func NewMySQLCache(dsn string, maxEntries int, ttl time.Duration, logger *zap.Logger, cleanupFreq time.Duration) (*MySQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	cache, err := newSQLCache(db, mysqlDialect, maxEntries, ttl, logger, cleanupFreq)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLCache{sqlCache: cache}, nil
}
