package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// dialect holds the statements that differ between SQL engines
type dialect struct {
	name        string
	createTable string
	createIndex string
	insert      string
}

// sqlCache implements core.ClassificationCache on a database/sql handle
type sqlCache struct {
	db          *sql.DB
	dialect     dialect
	ttl         time.Duration
	maxEntries  int
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func newSQLCache(db *sql.DB, d dialect, maxEntries int, ttl time.Duration, logger *zap.Logger, cleanupFreq time.Duration) (*sqlCache, error) {
	if _, err := db.Exec(d.createTable); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if d.createIndex != "" {
		if _, err := db.Exec(d.createIndex); err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	cache := &sqlCache{
		db:          db,
		dialect:     d,
		ttl:         ttl,
		maxEntries:  maxEntries,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	if cleanupFreq > 0 {
		go cache.startCleanupTask()
	}
	return cache, nil
}

// Get retrieves the live classification for a key
func (c *sqlCache) Get(ctx context.Context, key core.CacheKey) (*core.Classification, error) {
	var (
		classification core.Classification
		label          string
		source         string
		explanation    string
		classifiedAt   int64
	)

	err := c.db.QueryRowContext(ctx, `
		SELECT importance_score, requires_response, label, source, explanation, classified_at
		FROM classification_cache
		WHERE email_id = ? AND preferences_version = ? AND expires_at > ?
	`, key.EmailID, key.PreferencesVersion, time.Now().Unix()).Scan(
		&classification.ImportanceScore,
		&classification.RequiresResponse,
		&label,
		&source,
		&explanation,
		&classifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to query %s cache: %w", c.dialect.name, err)
	}

	if err := json.Unmarshal([]byte(explanation), &classification.Explanation); err != nil {
		return nil, fmt.Errorf("failed to decode explanation: %w", err)
	}
	classification.EmailID = key.EmailID
	classification.PreferencesVersion = key.PreferencesVersion
	classification.Label = core.Label(label)
	classification.Source = core.ClassificationSource(source)
	classification.ClassifiedAt = time.Unix(0, classifiedAt).UTC()
	return &classification, nil
}

// Add inserts the classification unless a live row exists and returns the live row
func (c *sqlCache) Add(ctx context.Context, classification *core.Classification) (*core.Classification, error) {
	explanation, err := json.Marshal(classification.Explanation)
	if err != nil {
		return nil, fmt.Errorf("failed to encode explanation: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(c.ttl)
	if c.ttl <= 0 {
		expiresAt = now.AddDate(100, 0, 0)
	}

	// An expired row would otherwise block the insert below
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM classification_cache
		WHERE email_id = ? AND preferences_version = ? AND expires_at <= ?
	`, classification.EmailID, classification.PreferencesVersion, now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to clear expired entry: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, c.dialect.insert,
		classification.EmailID,
		classification.PreferencesVersion,
		classification.ImportanceScore,
		classification.RequiresResponse,
		string(classification.Label),
		string(classification.Source),
		string(explanation),
		classification.ClassifiedAt.UnixNano(),
		expiresAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert cache entry: %w", err)
	}

	return c.Get(ctx, classification.Key())
}

// InvalidateBefore removes entries produced by older preferences versions
func (c *sqlCache) InvalidateBefore(ctx context.Context, version uint64) error {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM classification_cache
		WHERE preferences_version < ?
	`, version)
	if err != nil {
		return fmt.Errorf("failed to invalidate stale entries: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil {
		c.logger.Debug("Invalidated stale classifications",
			zap.Uint64("preferences_version", version),
			zap.Int64("removed", rows))
	}
	return nil
}

// Cleanup removes expired entries and trims the table to maxEntries rows
func (c *sqlCache) Cleanup(ctx context.Context) error {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM classification_cache
		WHERE expires_at <= ?
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to clean up expired entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.logger.Warn("Failed to get rows affected during cleanup", zap.Error(err))
	} else {
		c.logger.Debug("Cleaned up expired cache entries", zap.Int64("expired_count", rowsAffected))
	}

	if c.maxEntries <= 0 {
		return nil
	}

	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classification_cache`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}
	if excess := count - c.maxEntries; excess > 0 {
		// The derived table keeps MySQL from rejecting a subquery on the target table
		if _, err := c.db.ExecContext(ctx, `
			DELETE FROM classification_cache
			WHERE classified_at <= (
				SELECT cutoff FROM (
					SELECT classified_at AS cutoff FROM classification_cache
					ORDER BY classified_at ASC LIMIT 1 OFFSET ?
				) AS oldest
			)
		`, excess-1); err != nil {
			return fmt.Errorf("failed to trim cache: %w", err)
		}
	}
	return nil
}

// startCleanupTask starts a background task to clean up expired entries
func (c *sqlCache) startCleanupTask() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Cleanup(context.Background()); err != nil {
				c.logger.Error("Failed to clean up cache", zap.Error(err))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task and closes the database connection
func (c *sqlCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close cache database",
				zap.String("dialect", c.dialect.name),
				zap.Error(err))
		}
	})
}
