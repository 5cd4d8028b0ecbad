package journal

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// EventPrefix is the storage prefix of an authority's events.
func EventPrefix(authority ids.AuthorityID) string {
	return "journal/" + authority.String() + "/events/"
}

// EventKey is the storage key of ev. Zero-padded lamport keeps List order
// equal to presentation order.
func EventKey(ev *Event) string {
	return fmt.Sprintf("%s%020d_%s", EventPrefix(ev.Authority), ev.Timestamp.Lamport, ev.Hash)
}

// Load rebuilds a journal from storage. The returned journal persists new
// appends to the same storage.
func Load(ctx context.Context, storage effects.StorageEffects, authority ids.AuthorityID, opts ...Option) (*Journal, error) {
	keys, err := storage.List(ctx, EventPrefix(authority))
	if err != nil {
		return nil, err
	}
	blobs, err := storage.GetBatch(ctx, keys)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(blobs))
	for _, k := range keys {
		data, ok := blobs[k]
		if !ok {
			continue
		}
		ev, err := Decode(data)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, errs.CodeIO, "decode stored event", err).With("key", k)
		}
		events = append(events, ev)
	}
	slices.SortFunc(events, CompareEvents)

	j := New(authority, append(opts, WithStorage(storage))...)
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ev := range events {
		if _, err := j.appendLocked(ctx, ev, false); err != nil {
			return nil, errs.Wrap(errs.KindStorage, errs.CodeIO, "stored event rejected", err).With("event", ev.Hash.Short())
		}
	}
	j.appended.Add(int64(len(j.events)))
	j.logger.Info("journal loaded", "authority", authority.String(), "events", len(j.events))
	return j, nil
}
