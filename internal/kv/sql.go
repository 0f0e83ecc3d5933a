package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLConfig configures the pgxpool-backed Store (spec §4.1 "sql"
// backend): a connection pool sized via MaxConns/MinConns, matching the
// spec's "connection-pooled; pool size configurable, overflow optional".
type SQLConfig struct {
	DSN      string
	Table    string // default "kv_store"
	MaxConns int32  // 0 keeps pgxpool's own default
	MinConns int32  // default 0
}

// SQL is a Store backed by a PostgreSQL table `kv_store(key PK, value
// JSONB, ttl_at timestamptz)`, suited to multi-replica deployments that
// already run Postgres for other state.
type SQL struct {
	pool  *pgxpool.Pool
	table string
}

// OpenSQL connects to cfg.DSN and ensures the backing table exists.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	table := cfg.Table
	if table == "" {
		table = "kv_store"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("kv: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("kv: connect: %w", err)
	}

	s := &SQL{pool: pool, table: table}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			ttl_at TIMESTAMPTZ
		)`, s.table))
	if err != nil {
		return fmt.Errorf("kv: migrate: %w", err)
	}
	return nil
}

func (s *SQL) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var ttlAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		ttlAt = &t
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, ttl_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, ttl_at = EXCLUDED.ttl_at
	`, s.table), key, value, ttlAt)
	if err != nil {
		return fmt.Errorf("kv: write %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Read(ctx context.Context, key string, pop bool) ([]byte, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var value []byte
	var ttlAt *time.Time
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT value, ttl_at FROM %s WHERE key = $1`, s.table), key).Scan(&value, &ttlAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: read %s: %w", key, err)
	}
	if ttlAt != nil && time.Now().UTC().After(*ttlAt) {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
			return nil, fmt.Errorf("kv: expire %s: %w", key, err)
		}
		return nil, ErrNotFound
	}
	if pop {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
			return nil, fmt.Errorf("kv: pop %s: %w", key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("kv: commit: %w", err)
	}
	return value, nil
}

// Update runs fn inside a transaction holding a transaction-scoped
// Postgres advisory lock keyed by hashtext(key), so concurrent Update
// calls on the same key from any replica serialize on that lock instead
// of racing a separate read and write.
func (s *SQL) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("kv: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("kv: advisory lock %s: %w", key, err)
	}

	var value []byte
	var ttlAt *time.Time
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT value, ttl_at FROM %s WHERE key = $1`, s.table), key).Scan(&value, &ttlAt)
	exists := true
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		exists = false
	case err != nil:
		return fmt.Errorf("kv: read %s: %w", key, err)
	case ttlAt != nil && time.Now().UTC().After(*ttlAt):
		exists = false
		value = nil
	}

	newValue, write, ferr := fn(value, exists)
	if ferr != nil {
		return ferr
	}
	if !write {
		return tx.Commit(ctx)
	}

	var newTTLAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		newTTLAt = &t
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, ttl_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, ttl_at = EXCLUDED.ttl_at
	`, s.table), key, newValue, newTTLAt)
	if err != nil {
		return fmt.Errorf("kv: update %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	if err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE ttl_at IS NULL OR ttl_at > now()`, s.table))
	if err != nil {
		return nil, fmt.Errorf("kv: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("kv: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQL) Next(ctx context.Context, pop bool) (Entry, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(keys) == 0 {
		return Entry{}, ErrNotFound
	}
	key := keys[rand.Intn(len(keys))]
	value, err := s.Read(ctx, key, pop)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: value}, nil
}

func (s *SQL) Close() error {
	s.pool.Close()
	return nil
}
