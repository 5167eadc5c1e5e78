package store

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open dials the relational store described by databaseURL. A
// "postgres://" or "postgresql://" URL opens a production Postgres
// connection; anything else (including the empty string, or a
// "sqlite://" URL) opens a pure-Go embedded SQLite database, which keeps
// local development and CI free of a cgo toolchain or a live Postgres
// instance while exercising the identical gorm model layer.
func Open(databaseURL string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(databaseURL)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		db, err := gorm.Open(postgres.Open(trimmed), cfg)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		return db, nil
	case trimmed == "", trimmed == "sqlite://memory", strings.HasPrefix(trimmed, "sqlite://"):
		path := strings.TrimPrefix(trimmed, "sqlite://")
		if path == "" || path == "memory" {
			path = "file::memory:?cache=shared"
		}
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("store: unsupported DATABASE_URL scheme in %q", trimmed)
	}
}
