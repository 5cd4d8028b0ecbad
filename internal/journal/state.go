package journal

import (
	"maps"
	"slices"
	"strconv"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// lww is a last-writer-wins register position: greater (primary, hash) wins.
type lww struct {
	Primary int64
	Hash    ids.Hash
}

func (a lww) beats(b lww) bool {
	if a.Primary != b.Primary {
		return a.Primary > b.Primary
	}
	return a.Hash.Compare(b.Hash) > 0
}

// DeviceInfo is a registered device.
type DeviceInfo struct {
	ID        ids.DeviceID
	PublicKey []byte
	Name      string
	AddedAt   int64
	version   lww
}

// Removal records when a device was tombstoned.
type Removal struct {
	Event ids.Hash
	Clock VectorClock
}

// GuardianInfo is a registered guardian.
type GuardianInfo struct {
	ID        ids.AuthorityID
	PublicKey []byte
	Event     ids.Hash
}

// SessionInfo is the registry entry of a session.
type SessionInfo struct {
	ID           ids.SessionID
	Protocol     string
	Epoch        uint64
	Status       SessionStatus
	Participants []ids.DeviceID
	Threshold    uint16
	Deleted      bool
	config       lww
}

// Delegation is a recorded capability grant.
type Delegation struct {
	ID     ids.CapabilityID
	Parent ids.CapabilityID
	Issuer ids.AuthorityID
	Holder ids.DeviceID
	Scope  []string
	Token  []byte
	Event  ids.Hash
	Clock  VectorClock
}

// Revocation is a recorded capability tombstone.
type Revocation struct {
	Capability ids.CapabilityID
	Reason     string
	Event      ids.Hash
	Lamport    uint64
	Clock      VectorClock
}

// ThresholdKey is the public verification material of one epoch.
type ThresholdKey struct {
	Epoch         uint64
	Session       ids.SessionID
	Threshold     uint16
	Participants  uint16
	PublicPackage []byte
	GroupKey      []byte
	version       lww
}

// Event is the hash of the event that recorded this key.
func (k *ThresholdKey) Event() ids.Hash { return k.version.Hash }

// CeremonyRecord is the journal's view of a ceremony.
type CeremonyRecord struct {
	ID           ids.CeremonyID
	Kind         string
	Epoch        uint64
	Threshold    uint16
	Participants []ids.DeviceID
	Status       CeremonyStatus
	config       lww
}

// GroupRoster is the CRDT view of one group's membership.
type GroupRoster struct {
	ID      ids.ContextID
	Epoch   uint64
	members map[ids.DeviceID]memberEntry
}

type memberEntry struct {
	present bool
	version lww
}

// Members returns present members, ascending.
func (g *GroupRoster) Members() []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(g.members))
	for d, m := range g.members {
		if m.present {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, ids.DeviceID.Compare)
	return out
}

// Has reports whether d is a present member.
func (g *GroupRoster) Has(d ids.DeviceID) bool { return g.members[d].present }

// AccountState is the deterministic reduction of a journal.
type AccountState struct {
	Authority ids.AuthorityID

	Devices    map[ids.DeviceID]*DeviceInfo
	Removed    map[ids.DeviceID]Removal
	LastNonce  map[ids.DeviceID]uint64
	UsedNonces map[ids.DeviceID]map[uint64]struct{}
	Clock      VectorClock
	Authored   VectorClock
	Lamport    uint64

	Guardians         map[ids.AuthorityID]*GuardianInfo
	RecoveryThreshold uint16

	Sessions     map[ids.SessionID]*SessionInfo
	SessionEpoch uint64

	Delegations map[ids.CapabilityID]*Delegation
	Revocations map[ids.CapabilityID]*Revocation

	Groups        map[ids.ContextID]*GroupRoster
	ThresholdKeys map[uint64]*ThresholdKey
	Ceremonies    map[ids.CeremonyID]*CeremonyRecord
	Tombstones    map[ids.Hash]struct{}

	EventCount int
}

// NewAccountState returns the empty state for an authority.
func NewAccountState(authority ids.AuthorityID) *AccountState {
	return &AccountState{
		Authority:     authority,
		Devices:       make(map[ids.DeviceID]*DeviceInfo),
		Removed:       make(map[ids.DeviceID]Removal),
		LastNonce:     make(map[ids.DeviceID]uint64),
		UsedNonces:    make(map[ids.DeviceID]map[uint64]struct{}),
		Clock:         VectorClock{},
		Authored:      VectorClock{},
		Guardians:     make(map[ids.AuthorityID]*GuardianInfo),
		Sessions:      make(map[ids.SessionID]*SessionInfo),
		Delegations:   make(map[ids.CapabilityID]*Delegation),
		Revocations:   make(map[ids.CapabilityID]*Revocation),
		Groups:        make(map[ids.ContextID]*GroupRoster),
		ThresholdKeys: make(map[uint64]*ThresholdKey),
		Ceremonies:    make(map[ids.CeremonyID]*CeremonyRecord),
		Tombstones:    make(map[ids.Hash]struct{}),
	}
}

// Reduce folds events into a fresh state. The result depends only on the
// set of events, never on their order.
func Reduce(authority ids.AuthorityID, events []*Event) *AccountState {
	sorted := slices.Clone(events)
	slices.SortFunc(sorted, CompareEvents)
	s := NewAccountState(authority)
	var prev ids.Hash
	for i, ev := range sorted {
		if i > 0 && ev.Hash == prev {
			continue
		}
		prev = ev.Hash
		s.Apply(ev)
	}
	return s
}

// Apply joins one event into the state. Every branch is a semilattice join
// (set union, max, or last-writer-wins), so Apply commutes.
func (s *AccountState) Apply(ev *Event) {
	s.EventCount++
	s.Clock = s.Clock.Merge(ev.Timestamp.Clock)
	s.Authored[ev.Author] = max(s.Authored[ev.Author], ev.Timestamp.Clock[ev.Author])
	s.Lamport = max(s.Lamport, ev.Timestamp.Lamport)
	s.LastNonce[ev.Author] = max(s.LastNonce[ev.Author], ev.Nonce)
	used := s.UsedNonces[ev.Author]
	if used == nil {
		used = make(map[uint64]struct{})
		s.UsedNonces[ev.Author] = used
	}
	used[ev.Nonce] = struct{}{}

	p := ev.Payload
	switch p.Kind {
	case KindAddDevice:
		b := p.AddDevice
		v := lww{Primary: b.AddedAt, Hash: ev.Hash}
		if cur, ok := s.Devices[b.Device]; !ok || v.beats(cur.version) {
			s.Devices[b.Device] = &DeviceInfo{ID: b.Device, PublicKey: slices.Clone(b.PublicKey), Name: b.Name, AddedAt: b.AddedAt, version: v}
		}
	case KindRemoveDevice:
		d := p.RemoveDevice.Device
		if cur, ok := s.Removed[d]; !ok || ev.Hash.Compare(cur.Event) < 0 {
			s.Removed[d] = Removal{Event: ev.Hash, Clock: ev.Timestamp.Clock.Clone()}
		}
	case KindUpdateNonce:
		b := p.UpdateNonce
		s.LastNonce[b.Device] = max(s.LastNonce[b.Device], b.Nonce)
	case KindCreateSession:
		b := p.CreateSession
		info := s.session(b.Session)
		if v := version(ev); v.beats(info.config) {
			info.Protocol = b.Protocol
			info.Participants = slices.Clone(b.Participants)
			info.Threshold = b.Threshold
			info.config = v
		}
		info.Epoch = max(info.Epoch, b.Epoch)
		info.Status = max(info.Status, SessionActive)
		s.SessionEpoch = max(s.SessionEpoch, b.Epoch)
		if len(b.GroupKey) > 0 {
			s.putThresholdKey(ev, b.Epoch, b.Session, b.Threshold, uint16(len(b.Participants)), b.PublicPackage, b.GroupKey)
		}
	case KindUpdateSession:
		b := p.UpdateSession
		info := s.session(b.Session)
		info.Status = max(info.Status, b.Status)
		info.Epoch = max(info.Epoch, b.Epoch)
		s.SessionEpoch = max(s.SessionEpoch, b.Epoch)
		if len(b.GroupKey) > 0 {
			s.putThresholdKey(ev, b.Epoch, b.Session, b.Threshold, b.Participants, b.PublicPackage, b.GroupKey)
		}
	case KindDeleteSession:
		s.session(p.DeleteSession.Session).Deleted = true
	case KindDelegateCapability:
		b := p.DelegateCapability
		if _, ok := s.Delegations[b.Capability]; !ok {
			s.Delegations[b.Capability] = &Delegation{
				ID: b.Capability, Parent: b.Parent, Issuer: b.Issuer, Holder: b.Holder,
				Scope: slices.Clone(b.Scope), Token: slices.Clone(b.Token),
				Event: ev.Hash, Clock: ev.Timestamp.Clock.Clone(),
			}
		}
	case KindRevokeCapability:
		b := p.RevokeCapability
		if cur, ok := s.Revocations[b.Capability]; !ok || ev.Hash.Compare(cur.Event) < 0 {
			s.Revocations[b.Capability] = &Revocation{
				Capability: b.Capability, Reason: b.Reason, Event: ev.Hash,
				Lamport: ev.Timestamp.Lamport, Clock: ev.Timestamp.Clock.Clone(),
			}
		}
	case KindAddGroupMember:
		s.setMember(p.AddGroupMember.Group, p.AddGroupMember.Member, true, ev)
	case KindRemoveGroupMember:
		s.setMember(p.RemoveGroupMember.Group, p.RemoveGroupMember.Member, false, ev)
	case KindRekeyEpoch:
		b := p.RekeyEpoch
		if b.Group == (ids.ContextID{}) {
			s.SessionEpoch = max(s.SessionEpoch, b.Epoch)
		} else {
			g := s.group(b.Group)
			g.Epoch = max(g.Epoch, b.Epoch)
		}
	case KindRecordFact:
	case KindAddGuardian:
		b := p.AddGuardian
		if cur, ok := s.Guardians[b.Guardian]; !ok || ev.Hash.Compare(cur.Event) < 0 {
			s.Guardians[b.Guardian] = &GuardianInfo{ID: b.Guardian, PublicKey: slices.Clone(b.PublicKey), Event: ev.Hash}
		}
		if b.Threshold > 0 {
			s.RecoveryThreshold = max(s.RecoveryThreshold, b.Threshold)
		}
	case KindStartCeremony:
		b := p.StartCeremony
		c := s.ceremony(b.Ceremony)
		if v := version(ev); v.beats(c.config) {
			c.Kind, c.Threshold = b.Kind, b.Threshold
			c.Participants = slices.Clone(b.Participants)
			c.config = v
		}
		c.Epoch = max(c.Epoch, b.Epoch)
		c.Status = max(c.Status, CeremonyStarted)
	case KindCompleteCeremony:
		b := p.CompleteCeremony
		c := s.ceremony(b.Ceremony)
		// Committed and Failed are both terminal; Failed dominates so that
		// concurrent outcomes converge.
		c.Status = max(c.Status, b.Status)
		c.Epoch = max(c.Epoch, b.Epoch)
	case KindTombstone:
		s.Tombstones[p.Tombstone.Target] = struct{}{}
	}
}

// version positions ev in a (lamport, hash) register.
func version(ev *Event) lww {
	return lww{Primary: int64(ev.Timestamp.Lamport), Hash: ev.Hash}
}

func (s *AccountState) session(id ids.SessionID) *SessionInfo {
	info, ok := s.Sessions[id]
	if !ok {
		info = &SessionInfo{ID: id}
		s.Sessions[id] = info
	}
	return info
}

func (s *AccountState) group(id ids.ContextID) *GroupRoster {
	g, ok := s.Groups[id]
	if !ok {
		g = &GroupRoster{ID: id, members: make(map[ids.DeviceID]memberEntry)}
		s.Groups[id] = g
	}
	return g
}

func (s *AccountState) ceremony(id ids.CeremonyID) *CeremonyRecord {
	c, ok := s.Ceremonies[id]
	if !ok {
		c = &CeremonyRecord{ID: id}
		s.Ceremonies[id] = c
	}
	return c
}

func (s *AccountState) setMember(group ids.ContextID, member ids.DeviceID, present bool, ev *Event) {
	g := s.group(group)
	v := version(ev)
	if cur, ok := g.members[member]; !ok || v.beats(cur.version) {
		g.members[member] = memberEntry{present: present, version: v}
	}
}

func (s *AccountState) putThresholdKey(ev *Event, epoch uint64, session ids.SessionID, m, n uint16, pub, groupKey []byte) {
	v := version(ev)
	if cur, ok := s.ThresholdKeys[epoch]; ok && !v.beats(cur.version) {
		return
	}
	s.ThresholdKeys[epoch] = &ThresholdKey{
		Epoch: epoch, Session: session, Threshold: m, Participants: n,
		PublicPackage: slices.Clone(pub), GroupKey: slices.Clone(groupKey), version: v,
	}
}

// IsRemoved reports whether d has been tombstoned.
func (s *AccountState) IsRemoved(d ids.DeviceID) bool {
	_, ok := s.Removed[d]
	return ok
}

// ActiveDevices lists registered, non-removed devices, ascending.
func (s *AccountState) ActiveDevices() []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(s.Devices))
	for d := range s.Devices {
		if !s.IsRemoved(d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, ids.DeviceID.Compare)
	return out
}

// ActiveGuardians lists guardians whose registration is not tombstoned.
func (s *AccountState) ActiveGuardians() []ids.AuthorityID {
	out := make([]ids.AuthorityID, 0, len(s.Guardians))
	for id, g := range s.Guardians {
		if _, dead := s.Tombstones[g.Event]; !dead {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, ids.AuthorityID.Compare)
	return out
}

// DeviceKey returns the public key of an active device.
func (s *AccountState) DeviceKey(d ids.DeviceID) ([]byte, bool) {
	info, ok := s.Devices[d]
	if !ok || s.IsRemoved(d) {
		return nil, false
	}
	return info.PublicKey, true
}

// IsRevoked reports whether capability id is in the revocation set.
func (s *AccountState) IsRevoked(id ids.CapabilityID) bool {
	_, ok := s.Revocations[id]
	return ok
}

// CurrentThresholdKey returns the key of the highest recorded epoch.
func (s *AccountState) CurrentThresholdKey() (*ThresholdKey, bool) {
	var best *ThresholdKey
	for _, k := range s.ThresholdKeys {
		if best == nil || k.Epoch > best.Epoch {
			best = k
		}
	}
	return best, best != nil
}

// NonceUsed reports whether nonce was already accepted from d.
func (s *AccountState) NonceUsed(d ids.DeviceID, nonce uint64) bool {
	_, ok := s.UsedNonces[d][nonce]
	return ok
}

// ValidateThreshold checks 0 < m <= n = |active devices|.
func (s *AccountState) ValidateThreshold(m int) error {
	n := len(s.ActiveDevices())
	if m <= 0 || m > n {
		return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d invalid for %d active devices", m, n)
	}
	return nil
}

// Summary is a canonical-JSON-ready description of the state.
func (s *AccountState) Summary() map[string]any {
	devices := make([]any, 0, len(s.Devices))
	for _, d := range sortedDeviceKeys(s.Devices) {
		info := s.Devices[d]
		devices = append(devices, map[string]any{
			"id":       d.String(),
			"name":     info.Name,
			"added_at": info.AddedAt,
			"key":      info.PublicKey,
			"removed":  s.IsRemoved(d),
		})
	}
	active := make([]string, 0)
	for _, d := range s.ActiveDevices() {
		active = append(active, d.String())
	}
	guardians := make([]string, 0)
	for _, g := range s.ActiveGuardians() {
		guardians = append(guardians, g.String())
	}
	nonces := make(map[string]any, len(s.LastNonce))
	for d, n := range s.LastNonce {
		nonces[d.String()] = n
	}
	revoked := make([]string, 0, len(s.Revocations))
	for id := range s.Revocations {
		revoked = append(revoked, id.String())
	}
	slices.Sort(revoked)
	delegations := make([]string, 0, len(s.Delegations))
	for id := range s.Delegations {
		delegations = append(delegations, id.String())
	}
	slices.Sort(delegations)
	groups := make(map[string]any, len(s.Groups))
	for id, g := range s.Groups {
		members := make([]string, 0)
		for _, m := range g.Members() {
			members = append(members, m.String())
		}
		groups[id.String()] = map[string]any{"epoch": g.Epoch, "members": members}
	}
	keys := make(map[string]any, len(s.ThresholdKeys))
	for epoch, k := range s.ThresholdKeys {
		keys[strconv.FormatUint(epoch, 10)] = map[string]any{"threshold": k.Threshold, "participants": k.Participants, "group_key": k.GroupKey}
	}
	ceremonies := make(map[string]any, len(s.Ceremonies))
	for id, c := range s.Ceremonies {
		ceremonies[id.String()] = map[string]any{
			"kind":         c.Kind,
			"status":       c.Status.String(),
			"epoch":        c.Epoch,
			"threshold":    c.Threshold,
			"participants": deviceStrings(c.Participants),
		}
	}
	sessions := make(map[string]any, len(s.Sessions))
	for id, info := range s.Sessions {
		sessions[id.String()] = map[string]any{
			"protocol":     info.Protocol,
			"epoch":        info.Epoch,
			"status":       info.Status.String(),
			"threshold":    info.Threshold,
			"participants": deviceStrings(info.Participants),
			"deleted":      info.Deleted,
		}
	}
	tombstones := make([]string, 0, len(s.Tombstones))
	for h := range s.Tombstones {
		tombstones = append(tombstones, h.String())
	}
	slices.Sort(tombstones)

	return map[string]any{
		"authority":          s.Authority.String(),
		"devices":            devices,
		"active_devices":     active,
		"guardians":          guardians,
		"recovery_threshold": s.RecoveryThreshold,
		"last_nonce":         nonces,
		"lamport":            s.Lamport,
		"session_epoch":      s.SessionEpoch,
		"delegations":        delegations,
		"revocations":        revoked,
		"groups":             groups,
		"threshold_keys":     keys,
		"ceremonies":         ceremonies,
		"sessions":           sessions,
		"tombstones":         tombstones,
	}
}

// Digest hashes the canonical summary. Equal digests mean equal states.
func (s *AccountState) Digest() ids.Hash {
	return canonical.HashWithDomain(canonical.DomainState, canonical.MustMarshal(s.Summary()))
}

// Equal reports whether two states have the same digest.
func (s *AccountState) Equal(o *AccountState) bool {
	return s.Digest() == o.Digest()
}

// Clone returns a deep copy sufficient for speculative validation.
func (s *AccountState) Clone() *AccountState {
	out := *s
	out.Devices = maps.Clone(s.Devices)
	out.Removed = maps.Clone(s.Removed)
	out.LastNonce = maps.Clone(s.LastNonce)
	out.UsedNonces = make(map[ids.DeviceID]map[uint64]struct{}, len(s.UsedNonces))
	for d, set := range s.UsedNonces {
		out.UsedNonces[d] = maps.Clone(set)
	}
	out.Clock = s.Clock.Clone()
	out.Authored = s.Authored.Clone()
	out.Guardians = maps.Clone(s.Guardians)
	out.Sessions = make(map[ids.SessionID]*SessionInfo, len(s.Sessions))
	for id, v := range s.Sessions {
		c := *v
		out.Sessions[id] = &c
	}
	out.Delegations = maps.Clone(s.Delegations)
	out.Revocations = maps.Clone(s.Revocations)
	out.Groups = make(map[ids.ContextID]*GroupRoster, len(s.Groups))
	for id, g := range s.Groups {
		out.Groups[id] = &GroupRoster{ID: g.ID, Epoch: g.Epoch, members: maps.Clone(g.members)}
	}
	out.ThresholdKeys = maps.Clone(s.ThresholdKeys)
	out.Ceremonies = make(map[ids.CeremonyID]*CeremonyRecord, len(s.Ceremonies))
	for id, c := range s.Ceremonies {
		cc := *c
		out.Ceremonies[id] = &cc
	}
	out.Tombstones = maps.Clone(s.Tombstones)
	return &out
}

func deviceStrings(ds []ids.DeviceID) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.String())
	}
	return out
}

func sortedDeviceKeys[V any](m map[ids.DeviceID]V) []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	slices.SortFunc(out, ids.DeviceID.Compare)
	return out
}
