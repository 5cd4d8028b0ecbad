package store

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
)

const kvBucket = "kv"

// Bolt is a storage effect over a single bbolt bucket.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBolt opens a bbolt database at path, creating it if needed.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.KindConfiguration, errs.CodeMissingField, "storage path is required")
	}
	o := buildOptions(opts)
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, ioError("open bolt db", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(kvBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ioError("create kv bucket", err)
	}
	return &Bolt{db: db, logger: o.logger}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

var _ effects.StorageEffects = (*Bolt)(nil)

func (b *Bolt) view(ctx context.Context, op string, fn func(*bbolt.Bucket) error) error {
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	return b.wrap(op, b.db.View(func(tx *bbolt.Tx) error { return fn(tx.Bucket([]byte(kvBucket))) }))
}

func (b *Bolt) update(ctx context.Context, op string, fn func(*bbolt.Bucket) error) error {
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	return b.wrap(op, b.db.Update(func(tx *bbolt.Tx) error { return fn(tx.Bucket([]byte(kvBucket))) }))
}

// wrap passes typed errors through and marks the rest as I/O failures.
func (b *Bolt) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.As(err); ok {
		return err
	}
	b.logger.Warn("bolt store failure", "op", op, "error", err)
	return ioError("bolt "+op, err)
}

func (b *Bolt) Put(ctx context.Context, key string, value []byte) error {
	return b.update(ctx, "put", func(bk *bbolt.Bucket) error {
		return bk.Put([]byte(key), nonNil(value))
	})
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.view(ctx, "get", func(bk *bbolt.Bucket) error {
		v := bk.Get([]byte(key))
		if v == nil {
			return effects.NotFound(key)
		}
		out = slices.Clone(v)
		return nil
	})
	return out, err
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	return b.update(ctx, "delete", func(bk *bbolt.Bucket) error {
		return bk.Delete([]byte(key))
	})
}

func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.view(ctx, "list", func(bk *bbolt.Bucket) error {
		p := []byte(prefix)
		c := bk.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.view(ctx, "exists", func(bk *bbolt.Bucket) error {
		ok = bk.Get([]byte(key)) != nil
		return nil
	})
	return ok, err
}

func (b *Bolt) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.view(ctx, "get batch", func(bk *bbolt.Bucket) error {
		for _, k := range keys {
			if v := bk.Get([]byte(k)); v != nil {
				out[k] = slices.Clone(v)
			}
		}
		return nil
	})
	return out, err
}

// PutBatch applies all entries in one transaction.
func (b *Bolt) PutBatch(ctx context.Context, entries map[string][]byte) error {
	return b.update(ctx, "put batch", func(bk *bbolt.Bucket) error {
		for _, k := range slices.Sorted(maps.Keys(entries)) {
			if err := bk.Put([]byte(k), nonNil(entries[k])); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	return b.wrap("clear", b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(kvBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(kvBucket))
		return err
	}))
}

func (b *Bolt) Stats(ctx context.Context) (effects.StorageStats, error) {
	st := effects.StorageStats{Backend: "bbolt"}
	err := b.view(ctx, "stats", func(bk *bbolt.Bucket) error {
		return bk.ForEach(func(_, v []byte) error {
			st.Keys++
			st.Bytes += int64(len(v))
			return nil
		})
	})
	return st, err
}
