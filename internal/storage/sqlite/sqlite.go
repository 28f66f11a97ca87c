// Package sqlite opens the trace store on SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// WAL mode is enabled by default so that a listing can read while a run
// writes. There is no connection pooling: a single file, WAL handles
// concurrency.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/rlm/internal/storage"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Open creates the database file if needed and returns a migrated store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*storage.GormStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), storage.GormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	store, err := storage.NewGormStore(ctx, db, storage.DriverSQLite, logger)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	logger.Debug("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return store, nil
}
