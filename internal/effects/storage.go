package effects

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/roach88/aura/internal/errs"
)

type kvItem struct {
	key   string
	value []byte
}

func kvLess(a, b kvItem) bool { return a.key < b.key }

// MemoryStorage is an ordered in-memory store. A positive quota bounds the
// total value bytes held.
type MemoryStorage struct {
	mu    sync.RWMutex
	tree  *btree.BTreeG[kvItem]
	bytes int64
	quota int64
}

// NewMemoryStorage returns an empty store. quota <= 0 means unbounded.
func NewMemoryStorage(quota int64) *MemoryStorage {
	return &MemoryStorage{tree: btree.NewG(16, kvLess), quota: quota}
}

func (m *MemoryStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value)
}

func (m *MemoryStorage) putLocked(key string, value []byte) error {
	var prev int64
	if old, ok := m.tree.Get(kvItem{key: key}); ok {
		prev = int64(len(old.value))
	}
	next := m.bytes - prev + int64(len(value))
	if m.quota > 0 && next > m.quota {
		return errs.Newf(errs.KindStorage, errs.CodeQuota, "storage quota %d bytes exceeded", m.quota).With("key", key)
	}
	m.tree.ReplaceOrInsert(kvItem{key: key, value: slices.Clone(value)})
	m.bytes = next
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ContextError(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.tree.Get(kvItem{key: key})
	if !ok {
		return nil, NotFound(key)
	}
	return slices.Clone(it.value), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.tree.Delete(kvItem{key: key}); ok {
		m.bytes -= int64(len(old.value))
	}
	return nil
}

func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ContextError(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	m.tree.AscendGreaterOrEqual(kvItem{key: prefix}, func(it kvItem) bool {
		if !strings.HasPrefix(it.key, prefix) {
			return false
		}
		out = append(out, it.key)
		return true
	})
	return out, nil
}

func (m *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ContextError(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Has(kvItem{key: key}), nil
}

func (m *MemoryStorage) GetBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ContextError(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if it, ok := m.tree.Get(kvItem{key: k}); ok {
			out[k] = slices.Clone(it.value)
		}
	}
	return out, nil
}

// PutBatch applies all entries or none.
func (m *MemoryStorage) PutBatch(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, bytes := m.tree.Clone(), m.bytes
	for _, k := range sortedKeys(entries) {
		if err := m.putLocked(k, entries[k]); err != nil {
			m.tree, m.bytes = snapshot, bytes
			return err
		}
	}
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	m.bytes = 0
	return nil
}

func (m *MemoryStorage) Stats(ctx context.Context) (StorageStats, error) {
	if err := ctx.Err(); err != nil {
		return StorageStats{}, ContextError(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StorageStats{Keys: m.tree.Len(), Bytes: m.bytes, Backend: "memory"}, nil
}

// NotFound is the error every storage handler returns for a missing key.
func NotFound(key string) error {
	return errs.New(errs.KindStorage, errs.CodeNotFound, "key not found").With("key", key)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
