// Package ceremony tracks outstanding multi-party ceremonies and drives the
// keygen, signing and reshare protocols through them.
//
// A ceremony is a linear automaton: it opens collecting, and moves once to
// committed (threshold of responses reached, commit signed) or failed
// (deadline passed, explicit abort). Responses are a grow-only set, so a
// repeated or late response is a no-op.
package ceremony

import (
	"crypto/ed25519"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// Phase is a ceremony's position in its automaton.
type Phase uint8

const (
	PhaseCollecting Phase = iota + 1
	PhaseCommitted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCollecting:
		return "collecting"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind names what a ceremony produces.
type Kind string

const (
	KindKeygen  Kind = "keygen"
	KindSigning Kind = "signing"
	KindReshare Kind = "reshare"
)

// Participant is one device expected to respond. Address is the authority
// its transport endpoint is attached as; Key is its identity key, used to
// seal secrets to it.
type Participant struct {
	Device  ids.DeviceID
	Address ids.AuthorityID
	Key     ed25519.PublicKey
}

// Ceremony is a point-in-time copy of a tracked ceremony.
type Ceremony struct {
	ID           ids.CeremonyID
	Kind         Kind
	Authority    ids.AuthorityID
	Initiator    ids.DeviceID
	Epoch        uint64
	Threshold    int
	Participants []Participant
	Responses    []ids.DeviceID
	Phase        Phase
	Deadline     int64
	Reason       string
}

// Context is the ceremony's session context.
func (c *Ceremony) Context() ids.ContextID { return ContextID(c.Authority, c.ID) }

// Participant returns the participant for device.
func (c *Ceremony) Participant(device ids.DeviceID) (Participant, bool) {
	i := slices.IndexFunc(c.Participants, func(p Participant) bool { return p.Device == device })
	if i < 0 {
		return Participant{}, false
	}
	return c.Participants[i], true
}

// ByAddress returns the participant attached as addr.
func (c *Ceremony) ByAddress(addr ids.AuthorityID) (Participant, bool) {
	i := slices.IndexFunc(c.Participants, func(p Participant) bool { return p.Address == addr })
	if i < 0 {
		return Participant{}, false
	}
	return c.Participants[i], true
}

// Addresses lists participant addresses in participant order.
func (c *Ceremony) Addresses() []ids.AuthorityID {
	out := make([]ids.AuthorityID, len(c.Participants))
	for i, p := range c.Participants {
		out[i] = p.Address
	}
	return out
}

func (c *Ceremony) devices() []ids.DeviceID {
	out := make([]ids.DeviceID, len(c.Participants))
	for i, p := range c.Participants {
		out[i] = p.Device
	}
	return out
}

// ContextID derives H("CEREMONY" || authority || ceremony).
func ContextID(authority ids.AuthorityID, ceremony ids.CeremonyID) ids.ContextID {
	return ids.ContextID(canonical.HashParts("CEREMONY", authority[:], ceremony[:]))
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("ceremony: cbor enc mode: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("ceremony: cbor dec mode: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode ceremony message", err)
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindCeremony, errs.CodeMalformedEnvelope, "decode ceremony message", err)
	}
	return nil
}

// Commit is the signed record that a ceremony reached its threshold.
type Commit struct {
	Ceremony   ids.CeremonyID    `cbor:"1,keyasint"`
	Kind       Kind              `cbor:"2,keyasint"`
	Epoch      uint64            `cbor:"3,keyasint"`
	Initiator  ids.DeviceID      `cbor:"4,keyasint"`
	Responders []ids.DeviceID    `cbor:"5,keyasint"`
	Metadata   map[string]string `cbor:"6,keyasint,omitempty"`
	Signature  []byte            `cbor:"7,keyasint,omitempty"`
}

// SigningBytes binds the commit body to the ceremony context of authority.
func (c *Commit) SigningBytes(authority ids.AuthorityID) ([]byte, error) {
	body := *c
	body.Signature = nil
	b, err := encode(body)
	if err != nil {
		return nil, err
	}
	ctx := ContextID(authority, c.Ceremony)
	return append(ctx[:], b...), nil
}

// Sign signs the commit with the initiator's device key.
func (c *Commit) Sign(authority ids.AuthorityID, priv ed25519.PrivateKey) error {
	msg, err := c.SigningBytes(authority)
	if err != nil {
		return err
	}
	c.Signature = ed25519.Sign(priv, msg)
	return nil
}

// VerifyCommit checks that c was signed for authority by a device keys
// resolves to that authority.
func VerifyCommit(c *Commit, authority ids.AuthorityID, keys capability.KeyResolver) error {
	pub, owner, ok := keys.DeviceKey(c.Initiator)
	if !ok || owner != authority {
		return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "commit initiator %s is not a device of %s", c.Initiator, authority)
	}
	msg, err := c.SigningBytes(authority)
	if err != nil {
		return err
	}
	if len(c.Signature) != ed25519.SignatureSize || !ed25519.Verify(pub, msg, c.Signature) {
		return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "commit signature does not verify").
			With("ceremony_id", c.Ceremony.String())
	}
	return nil
}

// EncodeCommit and DecodeCommit are the commit wire form.
func EncodeCommit(c *Commit) ([]byte, error) { return encode(c) }

func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := decode(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
