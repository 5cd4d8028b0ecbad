package authz

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/ids"
)

// GuardedStorage is a storage effect that authorizes every call against a
// capability token and charges a flow budget per call. Keys are the
// resources storage permissions match.
type GuardedStorage struct {
	inner    effects.StorageEffects
	registry *capability.Registry
	token    *capability.Token
	clock    effects.TimeEffects

	budget  *choreo.FlowBudget
	context ids.ContextID
	peer    ids.AuthorityID
}

// GuardOption configures a GuardedStorage.
type GuardOption func(*GuardedStorage)

// WithBudget charges one unit per key touched against (context, peer).
func WithBudget(b *choreo.FlowBudget, context ids.ContextID, peer ids.AuthorityID) GuardOption {
	return func(g *GuardedStorage) { g.budget, g.context, g.peer = b, context, peer }
}

// NewGuardedStorage wraps inner.
func NewGuardedStorage(inner effects.StorageEffects, reg *capability.Registry, tok *capability.Token, clock effects.TimeEffects, opts ...GuardOption) *GuardedStorage {
	g := &GuardedStorage{inner: inner, registry: reg, token: tok, clock: clock}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ effects.StorageEffects = (*GuardedStorage)(nil)

func (g *GuardedStorage) check(op string, keys ...string) error {
	now := g.clock.NowMs()
	for _, k := range keys {
		if err := g.registry.Authorize(g.token, capability.Storage(op, k), now); err != nil {
			return err
		}
	}
	if g.budget != nil {
		return g.budget.Charge(g.context, g.peer, uint64(max(len(keys), 1)))
	}
	return nil
}

func (g *GuardedStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := g.check("write", key); err != nil {
		return err
	}
	return g.inner.Put(ctx, key, value)
}

func (g *GuardedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := g.check("read", key); err != nil {
		return nil, err
	}
	return g.inner.Get(ctx, key)
}

func (g *GuardedStorage) Delete(ctx context.Context, key string) error {
	if err := g.check("delete", key); err != nil {
		return err
	}
	return g.inner.Delete(ctx, key)
}

// List returns only the keys under prefix the token may read.
func (g *GuardedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := g.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := g.clock.NowMs()
	if err := g.registry.Verify(g.token, now); err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if g.token.Permits(capability.Storage("read", k)) {
			out = append(out, k)
		}
	}
	if g.budget != nil {
		if err := g.budget.Charge(g.context, g.peer, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (g *GuardedStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := g.check("read", key); err != nil {
		return false, err
	}
	return g.inner.Exists(ctx, key)
}

func (g *GuardedStorage) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := g.check("read", keys...); err != nil {
		return nil, err
	}
	return g.inner.GetBatch(ctx, keys)
}

func (g *GuardedStorage) PutBatch(ctx context.Context, entries map[string][]byte) error {
	if err := g.check("write", slices.Sorted(maps.Keys(entries))...); err != nil {
		return err
	}
	return g.inner.PutBatch(ctx, entries)
}

// Clear needs admin over every key.
func (g *GuardedStorage) Clear(ctx context.Context) error {
	if err := g.check("admin", "**"); err != nil {
		return err
	}
	return g.inner.Clear(ctx)
}

func (g *GuardedStorage) Stats(ctx context.Context) (effects.StorageStats, error) {
	if err := g.check("read", "**"); err != nil {
		return effects.StorageStats{}, err
	}
	return g.inner.Stats(ctx)
}
