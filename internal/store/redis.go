package store

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 256

// Redis is a storage effect over prefixed keys on a Redis server. List
// walks the key space with SCAN and sorts the result.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// OpenRedis connects to the server at url and checks it answers.
func OpenRedis(url string, opts ...Option) (*Redis, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "parse redis url", err)
	}
	client := redis.NewClient(ro)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Wrap(errs.KindNetwork, errs.CodeUnreachable, "connect to redis", err)
	}
	return NewRedis(client, opts...), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{client: client, prefix: o.prefix, logger: o.logger}
}

// Close closes the client.
func (r *Redis) Close() error { return r.client.Close() }

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.wrap(ctx, "ping", r.client.Ping(ctx).Err())
}

var _ effects.StorageEffects = (*Redis)(nil)

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	r.logger.Warn("redis store failure", "op", op, "error", err)
	return ioError("redis "+op, err)
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.wrap(ctx, "put", r.client.Set(ctx, r.key(key), value, 0).Err())
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, effects.NotFound(key)
	}
	if err != nil {
		return nil, r.wrap(ctx, "get", err)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.wrap(ctx, "delete", r.client.Del(ctx, r.key(key)).Err())
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), r.prefix)
		// SCAN treats glob metacharacters in the prefix as patterns.
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, r.wrap(ctx, "list", err)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, r.wrap(ctx, "exists", err)
	}
	return n > 0, nil
}

func (r *Redis) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, r.wrap(ctx, "get batch", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// PutBatch writes all entries in one MULTI/EXEC transaction.
func (r *Redis) PutBatch(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range entries {
			p.Set(ctx, r.key(k), v, 0)
		}
		return nil
	})
	return r.wrap(ctx, "put batch", err)
}

// Clear deletes every key under the prefix.
func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.List(ctx, "")
	if err != nil {
		return err
	}
	for chunk := range slices.Chunk(keys, scanCount) {
		full := make([]string, len(chunk))
		for i, k := range chunk {
			full[i] = r.key(k)
		}
		if err := r.client.Del(ctx, full...).Err(); err != nil {
			return r.wrap(ctx, "clear", err)
		}
	}
	return nil
}

func (r *Redis) Stats(ctx context.Context) (effects.StorageStats, error) {
	keys, err := r.List(ctx, "")
	if err != nil {
		return effects.StorageStats{}, err
	}
	st := effects.StorageStats{Keys: len(keys), Backend: "redis"}
	for _, k := range keys {
		n, err := r.client.StrLen(ctx, r.key(k)).Result()
		if err != nil {
			return effects.StorageStats{}, r.wrap(ctx, "stats", err)
		}
		st.Bytes += n
	}
	return st, nil
}
