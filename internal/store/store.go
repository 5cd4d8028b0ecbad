package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty database
// 1 - kv table
const currentSchemaVersion = 1

// SQLite is a storage effect over a kv table in a SQLite database.
// Uses WAL mode for concurrent read access.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger *slog.Logger
	prefix string
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrefix namespaces Redis keys. Other backends ignore it.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), prefix: "aura:"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, ioError("open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ioError("connect to database", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	o.logger.Debug("sqlite store opened", "path", path, "schema_version", currentSchemaVersion)
	return &SQLite{db: db, logger: o.logger}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ioError(msg string, err error) error {
	return errs.Wrap(errs.KindStorage, errs.CodeIO, msg, err)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return ioError(fmt.Sprintf("execute %q", pragma), err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return ioError("get user_version", err)
	}
	if version > currentSchemaVersion {
		return errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig,
			"database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return ioError("execute schema", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return ioError("set user_version", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

var _ effects.StorageEffects = (*SQLite)(nil)

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, nonNil(value))
	if err != nil {
		return s.fail(ctx, "put", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, effects.NotFound(key)
	}
	if err != nil {
		return nil, s.fail(ctx, "get", err)
	}
	return value, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return s.fail(ctx, "delete", err)
	}
	return nil
}

// List uses a range scan: keys >= prefix that still carry it.
func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM kv WHERE key >= ? ORDER BY key ASC", prefix)
	if err != nil {
		return nil, s.fail(ctx, "list", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.fail(ctx, "scan key", err)
		}
		if !strings.HasPrefix(k, prefix) {
			break
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "list", err)
	}
	return out, nil
}

func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv WHERE key = ?", key).Scan(&n); err != nil {
		return false, s.fail(ctx, "exists", err)
	}
	return n > 0, nil
}

func (s *SQLite) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if errs.IsCode(err, errs.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// PutBatch applies all entries in one transaction.
func (s *SQLite) PutBatch(ctx context.Context, entries map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(ctx, "begin batch", err)
	}
	defer tx.Rollback()
	for _, k := range slices.Sorted(maps.Keys(entries)) {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			k, nonNil(entries[k]))
		if err != nil {
			return s.fail(ctx, "put batch", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail(ctx, "commit batch", err)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv"); err != nil {
		return s.fail(ctx, "clear", err)
	}
	return nil
}

func (s *SQLite) Stats(ctx context.Context) (effects.StorageStats, error) {
	st := effects.StorageStats{Backend: "sqlite"}
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM kv").
		Scan(&st.Keys, &st.Bytes)
	if err != nil {
		return effects.StorageStats{}, s.fail(ctx, "stats", err)
	}
	return st, nil
}

func (s *SQLite) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	s.logger.Warn("sqlite store failure", "op", op, "error", err)
	return ioError("sqlite "+op, err)
}

// nonNil keeps empty values distinct from SQL NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
