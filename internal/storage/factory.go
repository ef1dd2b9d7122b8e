// internal/storage/factory.go
package storage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bridgepano/annotator/internal/config"
	"github.com/bridgepano/annotator/internal/storage/gormdb"
	"github.com/bridgepano/annotator/internal/storage/jsonfile"
)

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg config.StorageConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "jsonfile":
		return jsonfile.New(cfg.JSONFile), nil
	case "sqlite":
		return gormdb.New(gormdb.Options{SQLitePath: cfg.SQLite.Path}, log), nil
	case "postgres":
		// Postgres first, SQLite fallback when the connection fails.
		return gormdb.New(gormdb.Options{
			Postgres:   true,
			SQLitePath: cfg.SQLite.Path,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
