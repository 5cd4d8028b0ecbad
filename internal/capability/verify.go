package capability

import (
	"crypto/ed25519"
	"sync"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// KeyResolver finds a device's public key and the authority it belongs to.
type KeyResolver interface {
	DeviceKey(device ids.DeviceID) (ed25519.PublicKey, ids.AuthorityID, bool)
}

// Directory is a KeyResolver over one or more authorities' derived state.
// Only active devices resolve.
type Directory struct {
	mu   sync.RWMutex
	keys map[ids.DeviceID]dirEntry
}

type dirEntry struct {
	pub       ed25519.PublicKey
	authority ids.AuthorityID
}

// NewDirectory indexes the active devices of each state.
func NewDirectory(states ...*journal.AccountState) *Directory {
	d := &Directory{keys: make(map[ids.DeviceID]dirEntry)}
	for _, st := range states {
		d.AddState(st)
	}
	return d
}

// AddState indexes st's active devices, replacing earlier entries for the
// same authority.
func (d *Directory) AddState(st *journal.AccountState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for dev, e := range d.keys {
		if e.authority == st.Authority {
			delete(d.keys, dev)
		}
	}
	for _, dev := range st.ActiveDevices() {
		pub, _ := st.DeviceKey(dev)
		d.keys[dev] = dirEntry{pub: pub, authority: st.Authority}
	}
}

// Add registers a single key.
func (d *Directory) Add(device ids.DeviceID, authority ids.AuthorityID, pub ed25519.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[device] = dirEntry{pub: pub, authority: authority}
}

func (d *Directory) DeviceKey(device ids.DeviceID) (ed25519.PublicKey, ids.AuthorityID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.keys[device]
	return e.pub, e.authority, ok
}

// Registry verifies tokens against known ancestors and a revocation set.
type Registry struct {
	mu      sync.RWMutex
	tokens  map[ids.CapabilityID]*Token
	revoked map[ids.CapabilityID]struct{}
	keys    KeyResolver
}

// NewRegistry returns an empty registry resolving keys through keys.
func NewRegistry(keys KeyResolver) *Registry {
	return &Registry{
		tokens:  make(map[ids.CapabilityID]*Token),
		revoked: make(map[ids.CapabilityID]struct{}),
		keys:    keys,
	}
}

// FromState loads the delegations and revocations recorded in st.
// Delegations whose token fails to decode are skipped.
func FromState(st *journal.AccountState, keys KeyResolver) *Registry {
	r := NewRegistry(keys)
	r.Load(st)
	return r
}

// Load merges st's delegations and revocations into r.
func (r *Registry) Load(st *journal.AccountState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range st.Delegations {
		if t, err := DecodeToken(d.Token); err == nil && t.ID() == id {
			r.tokens[id] = t
		}
	}
	for id := range st.Revocations {
		r.revoked[id] = struct{}{}
	}
}

// Register records a token so descendants can resolve it.
func (r *Registry) Register(t *Token) ids.CapabilityID {
	id := t.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[id] = t
	return id
}

// Revoke adds id to the revocation set.
func (r *Registry) Revoke(id ids.CapabilityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[id] = struct{}{}
}

// IsRevoked reports membership in the revocation set.
func (r *Registry) IsRevoked(id ids.CapabilityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[id]
	return ok
}

// Lookup returns a registered token.
func (r *Registry) Lookup(id ids.CapabilityID) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	return t, ok
}

// Verify checks t end to end at time now: its signature, every ancestor's
// signature and narrowing, revocation of any link, and expiry.
func (r *Registry) Verify(t *Token, now int64) error {
	links, err := r.resolveChain(t)
	if err != nil {
		return err
	}
	// links[0] is t, links[len-1] the root.
	for i, link := range links {
		if err := r.verifyLinkSignature(link, links, i); err != nil {
			return err
		}
		if i+1 < len(links) && !IsSubset(link.Permissions, links[i+1].Permissions) {
			return errs.New(errs.KindAuthorization, errs.CodeInsufficient, "delegation widens parent permissions").
				With("capability", link.ID().String())
		}
	}
	for _, link := range links {
		if r.IsRevoked(link.ID()) {
			return errs.New(errs.KindAuthorization, errs.CodeRevoked, "capability chain contains a revoked link").
				With("capability", link.ID().String())
		}
	}
	for _, link := range links {
		if link.Expired(now) {
			return errs.Newf(errs.KindAuthorization, errs.CodeExpired, "capability expired at %d", link.Expiry).
				With("capability", link.ID().String())
		}
	}
	return nil
}

// Authorize verifies t and checks that it permits req.
func (r *Registry) Authorize(t *Token, req Permission, now int64) error {
	if err := r.Verify(t, now); err != nil {
		return err
	}
	if !t.Permits(req) {
		return errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "capability does not grant %s", req).
			With("capability", t.ID().String())
	}
	return nil
}

func (r *Registry) resolveChain(t *Token) ([]*Token, error) {
	links := []*Token{t}
	for i, id := range t.Chain {
		anc, ok := r.Lookup(id)
		if !ok {
			return nil, errs.New(errs.KindAuthorization, errs.CodeInsufficient, "unknown ancestor capability").
				With("capability", id.String())
		}
		// The ancestor's own chain must be the suffix after it.
		want := t.Chain[i+1:]
		if len(anc.Chain) != len(want) {
			return nil, errs.New(errs.KindCrypto, errs.CodeHashMismatch, "ancestor chain does not match").
				With("capability", id.String())
		}
		for k := range want {
			if anc.Chain[k] != want[k] {
				return nil, errs.New(errs.KindCrypto, errs.CodeHashMismatch, "ancestor chain does not match").
					With("capability", id.String())
			}
		}
		if anc.ID() != id {
			return nil, errs.New(errs.KindCrypto, errs.CodeHashMismatch, "ancestor id does not match its lineage").
				With("capability", id.String())
		}
		if anc.Issuer != t.Issuer {
			return nil, errs.New(errs.KindAuthorization, errs.CodeInsufficient, "chain crosses issuers").
				With("capability", id.String())
		}
		links = append(links, anc)
	}
	return links, nil
}

func (r *Registry) verifyLinkSignature(link *Token, links []*Token, i int) error {
	pub, owner, ok := r.keys.DeviceKey(link.Signer)
	if !ok {
		return errs.New(errs.KindAuthentication, errs.CodeUnknownDevice, "capability signer is unknown").
			With("device", link.Signer.String())
	}
	if i+1 < len(links) {
		if link.Signer != links[i+1].Holder {
			return errs.New(errs.KindAuthorization, errs.CodeInsufficient, "delegation not signed by parent holder").
				With("capability", link.ID().String())
		}
	} else if owner != link.Issuer {
		return errs.New(errs.KindAuthorization, errs.CodeInsufficient, "root capability not signed by issuer").
			With("capability", link.ID().String())
	}
	return link.VerifySignature(pub)
}
