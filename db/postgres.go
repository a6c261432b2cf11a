package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgLockKey        = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	pgSelectDocument = `SELECT doc FROM documents WHERE key = $1`
	pgUpsertDocument = `INSERT INTO documents(key, doc, updated_at) VALUES ($1, $2, now())
                        ON CONFLICT(key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`
	pgSelectKeys = `SELECT key FROM documents WHERE starts_with(key, $1) ORDER BY key COLLATE "C"`
)

// PostgresStore keeps documents in Postgres. Updates take a transaction-scoped
// advisory lock on the key, so absent keys are serialised too.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks *keyedMutex
	log   *zap.Logger
}

// NewPool opens a pgx pool for connString.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("db: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// OpenPostgresStore connects and migrates.
func OpenPostgresStore(ctx context.Context, dsn string, log *zap.Logger) (*PostgresStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, fatal("open", "postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fatal("ping", "postgres", err)
	}
	if err := runPostgresMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, fatal("migrate", "postgres", err)
	}
	log.Info("Document store opened", zap.String("driver", "postgres"))
	return &PostgresStore{pool: pool, locks: newKeyedMutex(), log: log}, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, doc []byte) error {
	_, err := s.Update(ctx, key, func([]byte, bool) ([]byte, error) { return doc, nil })
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, pgSelectDocument, key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.classify("get", key, err)
	}
	return doc, true, nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn Mutator) ([]byte, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result []byte
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgLockKey, key); err != nil {
			return err
		}
		var current []byte
		exists := true
		err := tx.QueryRow(ctx, pgSelectDocument, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
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
		_, err = tx.Exec(ctx, pgUpsertDocument, key, next)
		return err
	})
	if err != nil {
		var merr mutatorError
		if errors.As(err, &merr) {
			return nil, merr.err
		}
		return nil, s.classify("update", key, err)
	}
	return result, nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, pgSelectKeys, prefix)
	if err != nil {
		return nil, s.classify("list", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, s.classify("list", prefix, err)
	}
	return keys, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Error("Document store failure", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fatal(op, key, fmt.Errorf("postgres: %w", err))
}
