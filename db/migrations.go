package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	sqlCreateDocumentsTable = `CREATE TABLE IF NOT EXISTS documents(
                        key TEXT NOT NULL PRIMARY KEY,
                        doc BLOB NOT NULL,
                        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
                        )`

	sqlCreatePgDocumentsTable = `CREATE TABLE IF NOT EXISTS documents(
                        key TEXT NOT NULL PRIMARY KEY,
                        doc BYTEA NOT NULL,
                        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
                        )`

	sqlCreateDocumentsIndices = `CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at)`
)

// runSQLiteMigrations creates the document schema.
func runSQLiteMigrations(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if err := createTableIfNotExists(ctx, tx.ExecContext, sqlCreateDocumentsTable, "documents", log); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqlCreateDocumentsIndices); err != nil {
		log.Warn("Failed to create documents indices", zap.Error(err))
	}
	return tx.Commit()
}

func runPostgresMigrations(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	exec := func(ctx context.Context, q string, args ...any) (any, error) {
		return pool.Exec(ctx, q, args...)
	}
	if err := createTableIfNotExists(ctx, exec, sqlCreatePgDocumentsTable, "documents", log); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, sqlCreateDocumentsIndices); err != nil {
		log.Warn("Failed to create documents indices", zap.Error(err))
	}
	return nil
}

func createTableIfNotExists[R any](ctx context.Context, exec func(context.Context, string, ...any) (R, error), createSQL string, tableName string, log *zap.Logger) error {
	if _, err := exec(ctx, createSQL); err != nil {
		log.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}
	log.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}
