package journal

import (
	"crypto/ed25519"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// WitnessKind says how an event is authorized.
type WitnessKind uint8

const (
	// WitnessDevice is a single device signature.
	WitnessDevice WitnessKind = iota + 1
	// WitnessThreshold is an aggregated threshold signature under the group
	// key of Epoch.
	WitnessThreshold
)

// Witness is the authorization proof attached to an event. Signature is
// excluded from the hashed encoding.
type Witness struct {
	Kind      WitnessKind  `cbor:"1,keyasint"`
	Device    ids.DeviceID `cbor:"2,keyasint"`
	Epoch     uint64       `cbor:"3,keyasint,omitempty"`
	Signature []byte       `cbor:"-"`
}

// Event is an immutable signed journal entry.
type Event struct {
	Authority ids.AuthorityID `cbor:"1,keyasint"`
	Author    ids.DeviceID    `cbor:"2,keyasint"`
	Nonce     uint64          `cbor:"3,keyasint"`
	Timestamp Timestamp       `cbor:"4,keyasint"`
	Payload   Payload         `cbor:"5,keyasint"`
	Witness   Witness         `cbor:"6,keyasint"`

	// Hash is Blake3 over the pre-signature encoding. Populated by Seal
	// and Decode.
	Hash ids.Hash `cbor:"-"`
}

const signatureSize = ed25519.SignatureSize

// preSignature encodes every field except the signature.
func (e *Event) preSignature() ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode event", err)
	}
	return b, nil
}

// ComputeHash recomputes the content address.
func (e *Event) ComputeHash() (ids.Hash, error) {
	b, err := e.preSignature()
	if err != nil {
		return ids.Hash{}, err
	}
	return canonical.HashWithDomain(canonical.DomainEvent, b), nil
}

// Seal fixes the event's hash. It must be called after every field other
// than the signature is final.
func (e *Event) Seal() error {
	if err := e.Payload.Validate(); err != nil {
		return err
	}
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// SigningBytes is what the witness signs: the event hash.
func (e *Event) SigningBytes() []byte {
	return e.Hash[:]
}

// SignWithDevice seals the event and signs it with a device key.
func (e *Event) SignWithDevice(priv ed25519.PrivateKey) error {
	e.Witness.Kind = WitnessDevice
	e.Witness.Device = e.Author
	if err := e.Seal(); err != nil {
		return err
	}
	e.Witness.Signature = ed25519.Sign(priv, e.SigningBytes())
	return nil
}

// SealForThreshold marks the event as authorized by the signer set of
// epoch and seals it. The result is the message the set must sign.
func (e *Event) SealForThreshold(epoch uint64) ([]byte, error) {
	e.Witness = Witness{Kind: WitnessThreshold, Device: e.Author, Epoch: epoch}
	if err := e.Seal(); err != nil {
		return nil, err
	}
	return e.SigningBytes(), nil
}

// AttachSignature sets an externally produced signature.
func (e *Event) AttachSignature(sig []byte) {
	e.Witness.Signature = append([]byte(nil), sig...)
}

// Encode returns the wire form: pre-signature encoding followed by the
// 64-byte signature.
func (e *Event) Encode() ([]byte, error) {
	if len(e.Witness.Signature) != signatureSize {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "event is unsigned")
	}
	b, err := e.preSignature()
	if err != nil {
		return nil, err
	}
	return append(b, e.Witness.Signature...), nil
}

// Decode parses the wire form and recomputes the hash.
func Decode(data []byte) (*Event, error) {
	if len(data) <= signatureSize {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "event encoding too short")
	}
	body, sig := data[:len(data)-signatureSize], data[len(data)-signatureSize:]
	var e Event
	if err := decMode.Unmarshal(body, &e); err != nil {
		return nil, errs.Wrap(errs.KindValidation, errs.CodeInvalid, "decode event", err)
	}
	if err := e.Payload.Validate(); err != nil {
		return nil, err
	}
	// Re-encoding must reproduce the input exactly.
	canon, err := e.preSignature()
	if err != nil {
		return nil, err
	}
	if string(canon) != string(body) {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "event encoding is not canonical")
	}
	e.Witness.Signature = append([]byte(nil), sig...)
	e.Hash = canonical.HashWithDomain(canonical.DomainEvent, body)
	return &e, nil
}

// Less orders events by (Lamport, hash), the deterministic presentation order.
func Less(a, b *Event) bool {
	if a.Timestamp.Lamport != b.Timestamp.Lamport {
		return a.Timestamp.Lamport < b.Timestamp.Lamport
	}
	return a.Hash.Compare(b.Hash) < 0
}

// CompareEvents is Less as a three-way comparison.
func CompareEvents(a, b *Event) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}
