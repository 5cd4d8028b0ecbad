// Package ids defines the opaque identifiers shared by every layer.
//
// 128-bit identifiers are UUID-shaped and render in UUID form; 256-bit
// identifiers are content or scope hashes and render as lowercase hex.
// All identifiers are comparable values and safe as map keys.
package ids

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// DeviceID identifies a single device holding keys for an authority.
type DeviceID [16]byte

// AuthorityID identifies a logical identity (an account).
type AuthorityID [16]byte

// CeremonyID identifies one run of a multi-party ceremony.
type CeremonyID [16]byte

// SessionID identifies a protocol session.
type SessionID [16]byte

// NodeID identifies a node in a group key tree.
type NodeID [16]byte

// ContextID identifies a relational scope (a group, a ceremony context).
type ContextID [32]byte

// CapabilityID is the lineage hash of a capability token.
type CapabilityID [32]byte

// ContentID addresses a chunk of content.
type ContentID [32]byte

// Hash is a 32-byte content hash.
type Hash [32]byte

func new16(r io.Reader) ([16]byte, error) {
	u, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return [16]byte{}, fmt.Errorf("generate id: %w", err)
	}
	return [16]byte(u), nil
}

func parse16(kind, s string) ([16]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse %s %q: %w", kind, s, err)
	}
	return [16]byte(u), nil
}

func parse32(kind, s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse %s %q: %w", kind, s, err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("parse %s %q: want %d bytes, got %d", kind, s, len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// NewDeviceID draws a random DeviceID from r.
func NewDeviceID(r io.Reader) (DeviceID, error) {
	b, err := new16(r)
	return DeviceID(b), err
}

// NewAuthorityID draws a random AuthorityID from r.
func NewAuthorityID(r io.Reader) (AuthorityID, error) {
	b, err := new16(r)
	return AuthorityID(b), err
}

// NewCeremonyID draws a random CeremonyID from r.
func NewCeremonyID(r io.Reader) (CeremonyID, error) {
	b, err := new16(r)
	return CeremonyID(b), err
}

// NewSessionID draws a random SessionID from r.
func NewSessionID(r io.Reader) (SessionID, error) {
	b, err := new16(r)
	return SessionID(b), err
}

// NewNodeID draws a random NodeID from r.
func NewNodeID(r io.Reader) (NodeID, error) {
	b, err := new16(r)
	return NodeID(b), err
}

// NewContextID draws a random ContextID from r.
func NewContextID(r io.Reader) (ContextID, error) {
	var c ContextID
	if _, err := io.ReadFull(r, c[:]); err != nil {
		return c, fmt.Errorf("generate context id: %w", err)
	}
	return c, nil
}

// ParseDeviceID parses the UUID form produced by DeviceID.String.
func ParseDeviceID(s string) (DeviceID, error) {
	b, err := parse16("device id", s)
	return DeviceID(b), err
}

// ParseAuthorityID parses the UUID form produced by AuthorityID.String.
func ParseAuthorityID(s string) (AuthorityID, error) {
	b, err := parse16("authority id", s)
	return AuthorityID(b), err
}

// ParseCeremonyID parses the UUID form produced by CeremonyID.String.
func ParseCeremonyID(s string) (CeremonyID, error) {
	b, err := parse16("ceremony id", s)
	return CeremonyID(b), err
}

// ParseSessionID parses the UUID form produced by SessionID.String.
func ParseSessionID(s string) (SessionID, error) {
	b, err := parse16("session id", s)
	return SessionID(b), err
}

// ParseContextID parses the hex form produced by ContextID.String.
func ParseContextID(s string) (ContextID, error) {
	b, err := parse32("context id", s)
	return ContextID(b), err
}

// ParseCapabilityID parses the hex form produced by CapabilityID.String.
func ParseCapabilityID(s string) (CapabilityID, error) {
	b, err := parse32("capability id", s)
	return CapabilityID(b), err
}

// ParseHash parses the hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	b, err := parse32("hash", s)
	return Hash(b), err
}

func (d DeviceID) String() string { return uuid.UUID(d).String() }
func (a AuthorityID) String() string { return uuid.UUID(a).String() }
func (c CeremonyID) String() string { return uuid.UUID(c).String() }
func (s SessionID) String() string { return uuid.UUID(s).String() }
func (n NodeID) String() string { return uuid.UUID(n).String() }

func (c ContextID) String() string { return hex.EncodeToString(c[:]) }
func (c CapabilityID) String() string { return hex.EncodeToString(c[:]) }
func (c ContentID) String() string { return hex.EncodeToString(c[:]) }
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string { return h.String()[:8] }

func (d DeviceID) IsZero() bool { return d == DeviceID{} }
func (a AuthorityID) IsZero() bool { return a == AuthorityID{} }
func (c CapabilityID) IsZero() bool { return c == CapabilityID{} }
func (h Hash) IsZero() bool { return h == Hash{} }

// Compare orders device ids bytewise.
func (d DeviceID) Compare(o DeviceID) int { return bytes.Compare(d[:], o[:]) }

// Compare orders authority ids bytewise.
func (a AuthorityID) Compare(o AuthorityID) int { return bytes.Compare(a[:], o[:]) }

// Compare orders node ids bytewise.
func (n NodeID) Compare(o NodeID) int { return bytes.Compare(n[:], o[:]) }

// Compare orders hashes bytewise.
func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }

// Compare orders capability ids bytewise.
func (c CapabilityID) Compare(o CapabilityID) int { return bytes.Compare(c[:], o[:]) }

// MarshalText lets identifiers appear as JSON strings and map keys.
func (d DeviceID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses the UUID form.
func (d *DeviceID) UnmarshalText(b []byte) error {
	v, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalText lets identifiers appear as JSON strings and map keys.
func (a AuthorityID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses the UUID form.
func (a *AuthorityID) UnmarshalText(b []byte) error {
	v, err := ParseAuthorityID(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText renders the hash as hex.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText parses the hex form.
func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
