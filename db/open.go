package db

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver string // file, sqlite or postgres
	Path   string // directory for file, database file for sqlite
	DSN    string // postgres connection string
}

// Open returns the Store selected by opts.Driver.
func Open(ctx context.Context, opts Options, log *zap.Logger) (Store, error) {
	switch opts.Driver {
	case "", "file":
		return OpenFileStore(opts.Path, log)
	case "sqlite":
		path := opts.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "stegofed.db")
		}
		return OpenSQLiteStore(ctx, path, log)
	case "postgres":
		return OpenPostgresStore(ctx, opts.DSN, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
