package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	sqlSelectDocument = `SELECT doc FROM documents WHERE key = ?`
	sqlUpsertDocument = `INSERT INTO documents(key, doc, updated_at) VALUES (?, ?, ?)
                        ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`
	sqlSelectKeys = `SELECT key FROM documents WHERE substr(key, 1, ?) = ? ORDER BY key`
)

// SQLiteStore keeps documents in a single SQLite table. Transactions start
// with BEGIN IMMEDIATE so a read-modify-write never races another process.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
	log   *zap.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(ctx context.Context, path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fatal("open", path, err)
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fatal("open", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := runSQLiteMigrations(ctx, db, log); err != nil {
		db.Close()
		return nil, fatal("migrate", path, err)
	}
	log.Info("Document store opened", zap.String("driver", "sqlite"), zap.String("path", path))
	return &SQLiteStore{db: db, locks: newKeyedMutex(), log: log}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, doc []byte) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return s.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertDocument, key, doc, time.Now().UTC())
		return err
	}, key)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, sqlSelectDocument, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.classify("get", key, err)
	}
	return doc, true, nil
}

func (s *SQLiteStore) Update(ctx context.Context, key string, fn Mutator) ([]byte, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []byte
	err = s.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var current []byte
		exists := true
		err := tx.QueryRowContext(ctx, sqlSelectDocument, key).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return err
		}
		next, commit, err := applyMutator(fn, current, exists)
		if err != nil {
			return mutatorError{err}
		}
		result = next
		if !commit {
			return nil
		}
		_, err = tx.ExecContext(ctx, sqlUpsertDocument, key, next, time.Now().UTC())
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectKeys, len(prefix), prefix)
	if err != nil {
		return nil, s.classify("list", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.classify("list", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("list", prefix, err)
	}
	return keys, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mutatorError marks an error produced by a caller's Mutator so it is passed
// through unwrapped instead of being reported as a store failure.
type mutatorError struct{ err error }

func (e mutatorError) Error() string { return e.err.Error() }
func (e mutatorError) Unwrap() error { return e.err }

// wrapTransaction runs f within a transaction, retrying while the database
// is busy.
func (s *SQLiteStore) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error, key string) error {
	for {
		err := s.runTx(ctx, f)
		if err == nil {
			return nil
		}
		var merr mutatorError
		if errors.As(err, &merr) {
			return merr.err
		}
		var serr *sqlite.Error
		if errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_BUSY {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		return s.classify("update", key, err)
	}
}

func (s *SQLiteStore) runTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Error("Document store failure", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fatal(op, key, fmt.Errorf("sqlite: %w", err))
}
