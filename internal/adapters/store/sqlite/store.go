package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/ports"
)

const schema = `CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	expires_at INTEGER NOT NULL DEFAULT 0
)`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

var _ ports.KeyValueStore = (*Store)(nil)

// Store persists entries in a SQLite table. expires_at holds unix
// nanoseconds, 0 meaning no expiry.
type Store struct {
	db    *sql.DB
	clock ports.Clock
}

func Open(ctx context.Context, path string, clock ports.Clock) (*Store, error) {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, clock: clock}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.clock.Now().UnixNano(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}

	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ports.PutOptions) error {
	metadata, err := json.Marshal(opts.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	now := s.clock.Now()
	var expiresAt int64
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL).UnixNano()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at != 0 AND expires_at <= ?`,
		now.UnixNano(),
	); err != nil {
		return fmt.Errorf("prune expired entries: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, metadata, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, metadata = excluded.metadata, expires_at = excluded.expires_at`,
		key, value, string(metadata), expiresAt,
	); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, metadata FROM kv_entries
		 WHERE instr(key, ?) = 1 AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key`,
		prefix, s.clock.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []ports.Entry
	for rows.Next() {
		var (
			key string
			raw string
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		var metadata map[string]string
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", key, err)
		}
		entries = append(entries, ports.Entry{Key: key, Metadata: metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	return entries, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
