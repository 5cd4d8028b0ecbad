package capability

import (
	"crypto/ed25519"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// Token is a signed capability. Chain lists ancestor ids, parent first; a
// root token has an empty chain and is signed by a device of Issuer. A
// child is signed by its parent's holder.
type Token struct {
	Holder      ids.DeviceID       `cbor:"1,keyasint"`
	Issuer      ids.AuthorityID    `cbor:"2,keyasint"`
	Signer      ids.DeviceID       `cbor:"3,keyasint"`
	Permissions []Permission       `cbor:"4,keyasint"`
	Chain       []ids.CapabilityID `cbor:"5,keyasint,omitempty"`
	IssuedAt    int64              `cbor:"6,keyasint"`
	// Expiry is Unix milliseconds; zero means none.
	Expiry    int64  `cbor:"7,keyasint,omitempty"`
	Signature []byte `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("capability: cbor enc mode: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("capability: cbor dec mode: " + err.Error())
	}
}

// Parent returns the immediate ancestor id, or zero for a root.
func (t *Token) Parent() ids.CapabilityID {
	if len(t.Chain) == 0 {
		return ids.CapabilityID{}
	}
	return t.Chain[0]
}

// IsRoot reports an empty chain.
func (t *Token) IsRoot() bool { return len(t.Chain) == 0 }

// ID is H(parent || holder || scope).
func (t *Token) ID() ids.CapabilityID {
	return ComputeID(t.Parent(), t.Holder, t.Permissions)
}

// ComputeID derives a capability id from its lineage.
func ComputeID(parent ids.CapabilityID, holder ids.DeviceID, perms []Permission) ids.CapabilityID {
	scope := canonical.MustMarshal(Scope(perms))
	return ids.CapabilityID(canonical.HashParts(canonical.DomainCapability, parent[:], holder[:], scope))
}

// SigningBytes is the canonical encoding without the signature.
func (t *Token) SigningBytes() ([]byte, error) {
	body := *t
	body.Signature = nil
	b, err := encMode.Marshal(&body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode token", err)
	}
	return b, nil
}

// Sign sets the signature.
func (t *Token) Sign(priv ed25519.PrivateKey) error {
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	t.Signature = ed25519.Sign(priv, msg)
	return nil
}

// VerifySignature checks the signature under pub.
func (t *Token) VerifySignature(pub ed25519.PublicKey) error {
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, t.Signature) {
		return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "capability signature does not verify").
			With("capability", t.ID().String())
	}
	return nil
}

// Encode returns the canonical wire form including the signature.
func (t *Token) Encode() ([]byte, error) {
	if len(t.Signature) == 0 {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "token is unsigned")
	}
	b, err := encMode.Marshal(t)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode token", err)
	}
	return b, nil
}

// DecodeToken parses the wire form.
func DecodeToken(data []byte) (*Token, error) {
	var t Token
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, errs.Wrap(errs.KindValidation, errs.CodeInvalid, "decode token", err)
	}
	for _, p := range t.Permissions {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Expired reports whether now is at or past the expiry.
func (t *Token) Expired(now int64) bool { return t.Expiry != 0 && now >= t.Expiry }

// Permits reports whether some permission covers req.
func (t *Token) Permits(req Permission) bool { return anyCovers(t.Permissions, req) }

// Issue creates a root token signed by signer, a device of issuer.
func Issue(priv ed25519.PrivateKey, issuer ids.AuthorityID, signer, holder ids.DeviceID, perms []Permission, issuedAt, expiry int64) (*Token, error) {
	if err := validatePerms(perms); err != nil {
		return nil, err
	}
	t := &Token{
		Holder:      holder,
		Issuer:      issuer,
		Signer:      signer,
		Permissions: slices.Clone(perms),
		IssuedAt:    issuedAt,
		Expiry:      expiry,
	}
	return t, t.Sign(priv)
}

// Delegate derives a child of parent for holder. perms must be covered by
// the parent's permissions, and the child never outlives its parent.
// priv is the parent holder's device key.
func Delegate(parent *Token, priv ed25519.PrivateKey, holder ids.DeviceID, perms []Permission, issuedAt, expiry int64) (*Token, error) {
	if err := validatePerms(perms); err != nil {
		return nil, err
	}
	if !IsSubset(perms, parent.Permissions) {
		return nil, errs.New(errs.KindAuthorization, errs.CodeInsufficient, "delegated permissions exceed parent").
			With("parent", parent.ID().String())
	}
	if parent.Expiry != 0 && (expiry == 0 || expiry > parent.Expiry) {
		expiry = parent.Expiry
	}
	t := &Token{
		Holder:      holder,
		Issuer:      parent.Issuer,
		Signer:      parent.Holder,
		Permissions: slices.Clone(perms),
		Chain:       append([]ids.CapabilityID{parent.ID()}, parent.Chain...),
		IssuedAt:    issuedAt,
		Expiry:      expiry,
	}
	return t, t.Sign(priv)
}

func validatePerms(perms []Permission) error {
	if len(perms) == 0 {
		return errs.New(errs.KindValidation, errs.CodeInvalid, "capability grants no permissions")
	}
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
