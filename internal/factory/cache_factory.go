package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/mail-triage/internal/adapters/cache"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

// CacheFactory creates classification caches based on configuration
type CacheFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg *config.Config, logger *zap.Logger) *CacheFactory {
	return &CacheFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateCache creates a classification cache based on the configuration
func (f *CacheFactory) CreateCache() (core.ClassificationCache, error) {
	cacheCfg := f.cfg.GetCache()

	var (
		c   core.ClassificationCache
		err error
	)
	switch cacheCfg.Type {
	case "memory":
		c, err = cache.NewMemoryCache(cacheCfg.MaxEntries, cacheCfg.TTL, f.logger, cacheCfg.CleanupFrequency)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cacheCfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		c, err = cache.NewSQLiteCache(cacheCfg.SQLitePath, cacheCfg.MaxEntries, cacheCfg.TTL, f.logger, cacheCfg.CleanupFrequency)
	case "mysql":
		c, err = cache.NewMySQLCache(cacheCfg.MySQLDSN, cacheCfg.MaxEntries, cacheCfg.TTL, f.logger, cacheCfg.CleanupFrequency)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cacheCfg.Type)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Info("Created classification cache", zap.String("type", cacheCfg.Type), zap.Duration("ttl", cacheCfg.TTL))
	return c, nil
}
