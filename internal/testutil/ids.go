package testutil

import (
	"encoding/binary"
	"sync"

	"github.com/roach88/aura/internal/ids"
)

// FixedIDs is an entropy source that yields the same identifiers in the
// same order on every run. Each Read fills p with a big-endian counter
// under a one-byte namespace tag, so ids from different FixedIDs with
// distinct tags never collide.
//
// Thread-safety: FixedIDs is safe for concurrent use.
type FixedIDs struct {
	mu   sync.Mutex
	tag  byte
	next uint64
}

// NewFixedIDs creates a source whose ids carry tag in their first byte.
func NewFixedIDs(tag byte) *FixedIDs {
	return &FixedIDs{tag: tag}
}

// Read implements io.Reader.
func (f *FixedIDs) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	clear(p)
	if len(p) > 0 {
		p[0] = f.tag
	}
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], f.next)
	if n := min(len(p)-1, 8); n > 0 {
		copy(p[len(p)-n:], ctr[8-n:])
	}
	return len(p), nil
}

// Device returns the next device id.
func (f *FixedIDs) Device() ids.DeviceID {
	id, _ := ids.NewDeviceID(f)
	return id
}

// Authority returns the next authority id.
func (f *FixedIDs) Authority() ids.AuthorityID {
	id, _ := ids.NewAuthorityID(f)
	return id
}

// Ceremony returns the next ceremony id.
func (f *FixedIDs) Ceremony() ids.CeremonyID {
	id, _ := ids.NewCeremonyID(f)
	return id
}

// Session returns the next session id.
func (f *FixedIDs) Session() ids.SessionID {
	id, _ := ids.NewSessionID(f)
	return id
}

// Context returns the next context id.
func (f *FixedIDs) Context() ids.ContextID {
	id, _ := ids.NewContextID(f)
	return id
}
