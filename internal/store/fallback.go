package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/aura/internal/config"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
)

// Fallback chains backends. Reads go to the first backend holding the
// key; a backend that fails a read is logged and skipped. Writes go to
// every backend and fail if any backend fails.
type Fallback struct {
	backends []effects.StorageEffects
	logger   *slog.Logger
}

// NewFallback chains backends in order. The first is the primary; Stats
// reports it.
func NewFallback(logger *slog.Logger, backends ...effects.StorageEffects) *Fallback {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fallback{backends: backends, logger: logger}
}

var _ effects.StorageEffects = (*Fallback)(nil)

func (f *Fallback) all(fn func(effects.StorageEffects) error) error {
	var failed []error
	for _, b := range f.backends {
		if err := fn(b); err != nil {
			if errs.IsKind(err, errs.KindTimeout) || errs.IsCode(err, errs.CodeCancelled) {
				return err
			}
			failed = append(failed, err)
		}
	}
	switch len(failed) {
	case 0:
		return nil
	case 1:
		return failed[0]
	}
	return errs.Wrap(errs.KindStorage, errs.CodeWriteFailed, "write to fallback chain", errors.Join(failed...))
}

func (f *Fallback) Put(ctx context.Context, key string, value []byte) error {
	return f.all(func(b effects.StorageEffects) error { return b.Put(ctx, key, value) })
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	var last error
	for i, b := range f.backends {
		v, err := b.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errs.IsCode(err, errs.CodeNotFound) {
			f.logger.Warn("fallback read failed", "backend", i, "key", key, "error", err)
			last = err
		}
	}
	if last != nil {
		return nil, last
	}
	return nil, effects.NotFound(key)
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	return f.all(func(b effects.StorageEffects) error { return b.Delete(ctx, key) })
}

// List merges every backend's keys.
func (f *Fallback) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for i, b := range f.backends {
		keys, err := b.List(ctx, prefix)
		if err != nil {
			f.logger.Warn("fallback list failed", "backend", i, "prefix", prefix, "error", err)
			continue
		}
		out = append(out, keys...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (f *Fallback) Exists(ctx context.Context, key string) (bool, error) {
	for _, b := range f.backends {
		if ok, err := b.Exists(ctx, key); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fallback) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	missing := slices.Clone(keys)
	for _, b := range f.backends {
		if len(missing) == 0 {
			break
		}
		got, err := b.GetBatch(ctx, missing)
		if err != nil {
			continue
		}
		for k, v := range got {
			out[k] = v
		}
		missing = slices.DeleteFunc(missing, func(k string) bool { _, ok := got[k]; return ok })
	}
	return out, nil
}

func (f *Fallback) PutBatch(ctx context.Context, entries map[string][]byte) error {
	return f.all(func(b effects.StorageEffects) error { return b.PutBatch(ctx, entries) })
}

func (f *Fallback) Clear(ctx context.Context) error {
	return f.all(func(b effects.StorageEffects) error { return b.Clear(ctx) })
}

func (f *Fallback) Stats(ctx context.Context) (effects.StorageStats, error) {
	if len(f.backends) == 0 {
		return effects.StorageStats{Backend: "fallback()"}, nil
	}
	st, err := f.backends[0].Stats(ctx)
	if err != nil {
		return effects.StorageStats{}, err
	}
	names := []string{st.Backend}
	for _, b := range f.backends[1:] {
		if s, err := b.Stats(ctx); err == nil {
			names = append(names, s.Backend)
		}
	}
	st.Backend = "fallback(" + strings.Join(names, ",") + ")"
	return st, nil
}

// Open builds the backend cfg names. The returned closer releases it.
func Open(cfg *config.Config, logger *slog.Logger) (effects.StorageEffects, io.Closer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return effects.NewMemoryStorage(cfg.StorageQuota), io.NopCloser(nil), nil
	case config.BackendSQLite:
		s, err := OpenSQLite(cfg.StoragePath, WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendBolt:
		b, err := OpenBolt(cfg.StoragePath, WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case config.BackendRedis:
		r, err := OpenRedis(cfg.RedisURL, WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
	return nil, nil, errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "unknown storage backend %q", cfg.StorageBackend)
}
