package store

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/roach88/aura/internal/config"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
)

type backend struct {
	name string
	open func(t *testing.T) effects.StorageEffects
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) effects.StorageEffects { return effects.NewMemoryStorage(0) }},
		{"sqlite", func(t *testing.T) effects.StorageEffects {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "aura.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"bbolt", func(t *testing.T) effects.StorageEffects {
			b, err := OpenBolt(filepath.Join(t.TempDir(), "aura.bolt"))
			if err != nil {
				t.Fatalf("OpenBolt failed: %v", err)
			}
			t.Cleanup(func() { b.Close() })
			return b
		}},
		{"redis", func(t *testing.T) effects.StorageEffects {
			mr := miniredis.RunT(t)
			r, err := OpenRedis("redis://" + mr.Addr())
			if err != nil {
				t.Fatalf("OpenRedis failed: %v", err)
			}
			t.Cleanup(func() { r.Close() })
			return r
		}},
		{"fallback", func(t *testing.T) effects.StorageEffects {
			return NewFallback(nil, effects.NewMemoryStorage(0), effects.NewMemoryStorage(0))
		}},
	}
}

func TestBackends_Conformance(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)

			if _, err := s.Get(ctx, "missing"); !errs.IsCode(err, errs.CodeNotFound) {
				t.Fatalf("Get(missing) error = %v, want not found", err)
			}

			entries := map[string][]byte{
				"journal/a/events/2": []byte("two"),
				"journal/a/events/1": []byte("one"),
				"journal/b/events/1": []byte("other"),
				"keys/x":             []byte("x"),
			}
			if err := s.PutBatch(ctx, entries); err != nil {
				t.Fatalf("PutBatch failed: %v", err)
			}
			if err := s.Put(ctx, "journal/a/events/1", []byte("uno")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := s.Get(ctx, "journal/a/events/1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got, []byte("uno")) {
				t.Errorf("Get = %q, want overwritten value %q", got, "uno")
			}

			keys, err := s.List(ctx, "journal/a/")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			want := []string{"journal/a/events/1", "journal/a/events/2"}
			if !slices.Equal(keys, want) {
				t.Errorf("List = %v, want %v", keys, want)
			}

			ok, err := s.Exists(ctx, "keys/x")
			if err != nil || !ok {
				t.Errorf("Exists(keys/x) = %v, %v; want true", ok, err)
			}

			batch, err := s.GetBatch(ctx, []string{"keys/x", "missing", "journal/b/events/1"})
			if err != nil {
				t.Fatalf("GetBatch failed: %v", err)
			}
			if len(batch) != 2 {
				t.Errorf("GetBatch returned %d entries, want 2", len(batch))
			}
			if _, ok := batch["missing"]; ok {
				t.Error("GetBatch should omit missing keys")
			}

			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Keys != 4 {
				t.Errorf("Stats.Keys = %d, want 4", stats.Keys)
			}
			if stats.Bytes != int64(len("uno")+len("two")+len("other")+len("x")) {
				t.Errorf("Stats.Bytes = %d, want 12", stats.Bytes)
			}

			if err := s.Delete(ctx, "keys/x"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if ok, _ := s.Exists(ctx, "keys/x"); ok {
				t.Error("key should be gone after Delete")
			}
			if err := s.Delete(ctx, "keys/x"); err != nil {
				t.Errorf("Delete of absent key should succeed, got %v", err)
			}

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			keys, err = s.List(ctx, "")
			if err != nil {
				t.Fatalf("List after Clear failed: %v", err)
			}
			if len(keys) != 0 {
				t.Errorf("List after Clear = %v, want empty", keys)
			}
		})
	}
}

func TestBackends_CancelledContext(t *testing.T) {
	for _, b := range backends() {
		if b.name == "redis" || b.name == "fallback" {
			continue
		}
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := s.Put(ctx, "k", []byte("v")); !errs.IsCode(err, errs.CodeCancelled) {
				t.Errorf("Put with cancelled context error = %v, want cancelled", err)
			}
		})
	}
}

func TestOpenSQLite_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='kv'").Scan(&count); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Errorf("kv table count = %d, want 1", count)
	}
}

func TestOpenSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get after reopen = %q, want %q", got, "v")
	}
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pragmas.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.name, tt.expected); err != nil {
			t.Errorf("pragma check failed: %v", err)
		}
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	if !errs.IsCode(err, errs.CodeIO) {
		t.Errorf("OpenSQLite in missing directory error = %v, want io error", err)
	}
}

func TestOpenSQLite_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	db.Close()

	_, err = OpenSQLite(path)
	if !errs.IsCode(err, errs.CodeInvalidConfig) {
		t.Errorf("OpenSQLite error = %v, want invalid config", err)
	}
}

func TestOpenBolt_RequiresPath(t *testing.T) {
	if _, err := OpenBolt("  "); !errs.IsCode(err, errs.CodeMissingField) {
		t.Errorf("OpenBolt(blank) error = %v, want missing field", err)
	}
}

func TestRedis_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	a, err := OpenRedis(url, WithPrefix("a:"))
	if err != nil {
		t.Fatalf("OpenRedis failed: %v", err)
	}
	defer a.Close()
	b, err := OpenRedis(url, WithPrefix("b:"))
	if err != nil {
		t.Fatalf("OpenRedis failed: %v", err)
	}
	defer b.Close()

	if err := a.Put(ctx, "k", []byte("from a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := b.Get(ctx, "k"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("b.Get(k) error = %v, want not found", err)
	}
	if got := mr.Keys(); !slices.Equal(got, []string{"a:k"}) {
		t.Errorf("server keys = %v, want [a:k]", got)
	}
	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if ok, _ := a.Exists(ctx, "k"); !ok {
		t.Error("clearing b should not touch a's keys")
	}
}

func TestOpenRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis("redis://" + addr); !errs.IsCode(err, errs.CodeUnreachable) {
		t.Errorf("OpenRedis error = %v, want unreachable", err)
	}
	if _, err := OpenRedis("not a url"); !errs.IsCode(err, errs.CodeInvalidConfig) {
		t.Errorf("OpenRedis(bad url) error = %v, want invalid config", err)
	}
}

func TestFallback_ReadThrough(t *testing.T) {
	ctx := context.Background()
	primary := effects.NewMemoryStorage(0)
	secondary := effects.NewMemoryStorage(0)
	if err := secondary.Put(ctx, "old", []byte("legacy")); err != nil {
		t.Fatalf("seed secondary: %v", err)
	}
	f := NewFallback(nil, primary, secondary)

	got, err := f.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "legacy" {
		t.Errorf("Get = %q, want value from secondary", got)
	}
	if ok, _ := f.Exists(ctx, "old"); !ok {
		t.Error("Exists should see keys held only by the secondary")
	}

	if err := f.Put(ctx, "new", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i, s := range []effects.StorageEffects{primary, secondary} {
		if ok, _ := s.Exists(ctx, "new"); !ok {
			t.Errorf("backend %d missing written key", i)
		}
	}

	keys, err := f.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !slices.Equal(keys, []string{"new", "old"}) {
		t.Errorf("List = %v, want [new old]", keys)
	}

	stats, err := f.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Keys != 1 || stats.Backend != "fallback(memory,memory)" {
		t.Errorf("Stats = %+v, want primary keys and chained backend name", stats)
	}
}

func TestFallback_WriteFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	f := NewFallback(nil, effects.NewMemoryStorage(0), effects.NewMemoryStorage(2))
	err := f.Put(ctx, "k", []byte("too large"))
	if !errs.IsCode(err, errs.CodeQuota) {
		t.Errorf("Put error = %v, want quota error from the bounded backend", err)
	}
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		cfg     config.Config
		backend string
	}{
		{config.Config{StorageBackend: config.BackendMemory}, "memory"},
		{config.Config{StorageBackend: config.BackendSQLite, StoragePath: filepath.Join(dir, "a.db")}, "sqlite"},
		{config.Config{StorageBackend: config.BackendBolt, StoragePath: filepath.Join(dir, "a.bolt")}, "bbolt"},
		{config.Config{StorageBackend: config.BackendRedis, RedisURL: "redis://" + mr.Addr()}, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			s, closer, err := Open(&tt.cfg, nil)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer closer.Close()
			stats, err := s.Stats(context.Background())
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Backend != tt.backend {
				t.Errorf("Backend = %q, want %q", stats.Backend, tt.backend)
			}
		})
	}

	if _, _, err := Open(&config.Config{StorageBackend: "tape"}, nil); !errs.IsCode(err, errs.CodeInvalidConfig) {
		t.Errorf("Open(tape) error = %v, want invalid config", err)
	}
}
