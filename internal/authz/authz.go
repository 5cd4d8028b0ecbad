package authz

import (
	"crypto/ed25519"
	"encoding/binary"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// Subject is who makes a request: one device, or a threshold group of
// Participants that signed with its group key.
type Subject struct {
	Device       ids.DeviceID
	Participants []ids.DeviceID
	Threshold    int
}

// IsThreshold reports whether s is a threshold group.
func (s Subject) IsThreshold() bool { return len(s.Participants) > 0 }

func (s Subject) holds(d ids.DeviceID) bool {
	if s.IsThreshold() {
		return slices.Contains(s.Participants, d)
	}
	return s.Device == d
}

// Request asks for Permission. Signature is the subject's signature over
// SigningBytes, by the device key or the group key.
type Request struct {
	Subject      Subject
	Permission   capability.Permission
	Capabilities []*capability.Token
	Context      map[string]string
	Timestamp    int64
	Signature    []byte
}

// SigningBytes binds the subject, the permission, the timestamp and the
// context.
func (r *Request) SigningBytes() []byte {
	parts := [][]byte{r.Subject.Device[:]}
	for _, p := range r.Subject.Participants {
		parts = append(parts, p[:])
	}
	var n [16]byte
	binary.BigEndian.PutUint64(n[:8], uint64(r.Subject.Threshold))
	binary.BigEndian.PutUint64(n[8:], uint64(r.Timestamp))
	parts = append(parts, n[:], []byte(r.Permission.String()))
	for _, k := range slices.Sorted(maps.Keys(r.Context)) {
		parts = append(parts, []byte(k), []byte(r.Context[k]))
	}
	h := canonical.HashParts("AUTHZ_REQUEST", parts...)
	return h[:]
}

// Sign signs r with a device or group key.
func (r *Request) Sign(priv ed25519.PrivateKey) {
	r.Signature = ed25519.Sign(priv, r.SigningBytes())
}

// AuthContext is what authentication checks a subject against. Keys
// resolves active device keys; GroupKey verifies threshold subjects.
type AuthContext struct {
	Authority ids.AuthorityID
	Keys      capability.KeyResolver
	GroupKey  ed25519.PublicKey
}

// PolicyContext is the state a decision is made in. Registry verifies
// capability chains and holds revocations; Graph answers direct
// authority.
type PolicyContext struct {
	Now      int64
	Registry *capability.Registry
	Graph    *capability.Graph
	Admins   []ids.DeviceID
	Data     map[string]string
}

// Decider runs the decision pipeline over a fixed rule set.
type Decider struct {
	rules  []Rule
	logger *slog.Logger
}

// Option configures a Decider.
type Option func(*Decider)

// WithRules appends rules.
func WithRules(rules ...Rule) Option {
	return func(d *Decider) { d.rules = append(d.rules, rules...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decider) { d.logger = l }
}

// NewDecider builds a Decider.
func NewDecider(opts ...Option) *Decider {
	d := &Decider{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide authenticates req, verifies its capabilities at req.Timestamp,
// evaluates policy and, for an allowed request, picks the basis:
// capability first, then direct authority, then the threshold group,
// then an administrative override.
func (d *Decider) Decide(req *Request, auth AuthContext, pol PolicyContext) Decision {
	dec := d.decide(req, auth, pol)
	d.logger.Debug("access decision",
		"subject", req.Subject.Device.String(),
		"permission", req.Permission.String(),
		"outcome", dec.Outcome.String(),
		"reason", dec.Reason)
	return dec
}

func (d *Decider) decide(req *Request, auth AuthContext, pol PolicyContext) Decision {
	if err := authenticate(req, auth); err != nil {
		return deny("authentication failed", err)
	}
	f := &facts{req: req, now: pol.Now, data: pol.Data}
	if req.Subject.IsThreshold() {
		f.signers = req.Subject.Threshold
	}
	for _, t := range req.Capabilities {
		if !req.Subject.holds(t.Holder) {
			return deny("capability held by another subject",
				errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "capability %s is held by %s", t.ID(), t.Holder))
		}
		if pol.Registry == nil {
			return deny("no capability registry", errs.New(errs.KindConfiguration, errs.CodeMissingField, "policy context has no registry"))
		}
		if err := pol.Registry.Verify(t, req.Timestamp); err != nil {
			return deny("capability failed verification", err)
		}
		f.verified = append(f.verified, t)
	}

	eval, reason, challenges := evaluate(d.rules, f)
	switch eval {
	case EvalDeny:
		return deny(reason, errs.New(errs.KindAuthorization, errs.CodeInsufficient, reason))
	case EvalConditional:
		return Decision{Outcome: RequiresVerification, Challenges: challenges, Reason: "unmet requirements"}
	}
	if b, ok := basis(req, f, pol); ok {
		return allow(b)
	}
	reason = "no capability or authority covers " + req.Permission.String()
	return deny(reason, errs.New(errs.KindAuthorization, errs.CodeInsufficient, reason))
}

func basis(req *Request, f *facts, pol PolicyContext) (Basis, bool) {
	for _, t := range f.verified {
		if t.Permits(req.Permission) {
			return Basis{Kind: BasisCapability, Capability: t.ID(), ChainLength: len(t.Chain) + 1}, true
		}
	}
	if !req.Subject.IsThreshold() && pol.Graph != nil &&
		pol.Graph.HasDirectAuthority(capability.DeviceSubject(req.Subject.Device), req.Permission) {
		return Basis{Kind: BasisDirectAuthority}, true
	}
	if req.Subject.IsThreshold() {
		return Basis{Kind: BasisThreshold, M: req.Subject.Threshold, N: len(req.Subject.Participants)}, true
	}
	if req.Context[ContextOverride] == "admin" && slices.Contains(pol.Admins, req.Subject.Device) {
		return Basis{Kind: BasisAdminOverride}, true
	}
	return Basis{}, false
}

// authenticate checks the subject's signature. A threshold subject must
// name distinct known participants and a threshold within their count.
func authenticate(req *Request, auth AuthContext) error {
	s := req.Subject
	if auth.Keys == nil {
		return errs.New(errs.KindConfiguration, errs.CodeMissingField, "auth context has no key resolver")
	}
	if !s.IsThreshold() {
		pub, authority, ok := auth.Keys.DeviceKey(s.Device)
		if !ok || (!auth.Authority.IsZero() && authority != auth.Authority) {
			return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "device %s", s.Device)
		}
		if !ed25519.Verify(pub, req.SigningBytes(), req.Signature) {
			return errs.Newf(errs.KindAuthentication, errs.CodeBadSignature, "request by %s", s.Device)
		}
		return nil
	}

	if s.Threshold < 1 || s.Threshold > len(s.Participants) {
		return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d of %d participants", s.Threshold, len(s.Participants))
	}
	seen := make(map[ids.DeviceID]bool, len(s.Participants))
	for _, p := range s.Participants {
		if seen[p] {
			return errs.Newf(errs.KindValidation, errs.CodeInvalid, "participant %s named twice", p)
		}
		seen[p] = true
		if _, authority, ok := auth.Keys.DeviceKey(p); !ok || (!auth.Authority.IsZero() && authority != auth.Authority) {
			return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "participant %s", p)
		}
	}
	if len(auth.GroupKey) != ed25519.PublicKeySize {
		return errs.New(errs.KindConfiguration, errs.CodeMissingField, "auth context has no group key")
	}
	if !ed25519.Verify(auth.GroupKey, req.SigningBytes(), req.Signature) {
		return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "threshold request signature")
	}
	return nil
}
