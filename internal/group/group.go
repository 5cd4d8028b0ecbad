// Package group maintains a group's roster as a signed operation log, the
// key tree committed to at each epoch, and the epoch keys that encrypt
// group messages.
package group

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ceremony"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("group: cbor enc mode: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("group: cbor dec mode: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode group record", err)
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeInvalid, "decode group record", err)
	}
	return nil
}

// OpKind is a roster operation.
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpRemove
	OpUpdate
	OpRotate
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpUpdate:
		return "update"
	case OpRotate:
		return "rotate"
	default:
		return "unknown"
	}
}

// Operation is one signed roster change. Epoch is the epoch it creates and
// Commitment the root commitment of the tree at that epoch.
type Operation struct {
	Group      ids.ContextID `cbor:"1,keyasint"`
	Kind       OpKind        `cbor:"2,keyasint"`
	Epoch      uint64        `cbor:"3,keyasint"`
	Member     ids.DeviceID  `cbor:"4,keyasint,omitempty"`
	Key        []byte        `cbor:"5,keyasint,omitempty"`
	Policy     Policy        `cbor:"6,keyasint"`
	Commitment ids.Hash      `cbor:"7,keyasint"`
	Signature  []byte        `cbor:"8,keyasint,omitempty"`
}

const opDomain = "aura/group-op/v1"

// SigningBytes is the domain-separated encoding of o without its signature.
func (o *Operation) SigningBytes() ([]byte, error) {
	body := *o
	body.Signature = nil
	b, err := encode(body)
	if err != nil {
		return nil, err
	}
	h := canonical.HashWithDomain(opDomain, b)
	return h[:], nil
}

// Payloads are the journal payloads that record o.
func (o *Operation) Payloads() []journal.Payload {
	var out []journal.Payload
	switch o.Kind {
	case OpAdd:
		out = append(out, journal.NewAddGroupMember(o.Group, o.Member))
	case OpRemove:
		out = append(out, journal.NewRemoveGroupMember(o.Group, o.Member))
	case OpUpdate:
		out = append(out, journal.NewRecordFact("group.policy", journal.StringValue(o.Group.String()+"="+o.Policy.String())))
	}
	return append(out, journal.NewRekeyEpoch(o.Group, o.Epoch))
}

// EncodeOperation and DecodeOperation are the operation wire form.
func EncodeOperation(o *Operation) ([]byte, error) { return encode(o) }

func DecodeOperation(data []byte) (*Operation, error) {
	var o Operation
	if err := decode(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Signer produces the aggregate signature that authorizes an operation.
type Signer interface {
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, msg []byte) ([]byte, error)

func (f SignerFunc) Sign(ctx context.Context, msg []byte) ([]byte, error) { return f(ctx, msg) }

// KeySigner signs with a single Ed25519 key.
func KeySigner(priv ed25519.PrivateKey) Signer {
	return SignerFunc(func(_ context.Context, msg []byte) ([]byte, error) {
		return ed25519.Sign(priv, msg), nil
	})
}

// CeremonySigner has c gather a threshold signature from the holders named
// in spec.
func CeremonySigner(c *ceremony.Coordinator, spec ceremony.Spec) Signer {
	return SignerFunc(func(ctx context.Context, msg []byte) ([]byte, error) {
		_, sig, err := c.RunSigning(ctx, spec, msg)
		return sig, err
	})
}

// Member is a device and the identity key its epoch secrets are sealed to.
type Member struct {
	Device ids.DeviceID
	Key    ed25519.PublicKey
}

type roster struct {
	epoch   uint64
	policy  Policy
	members map[ids.DeviceID]ed25519.PublicKey
}

func (r roster) clone() roster {
	return roster{epoch: r.epoch, policy: r.policy, members: maps.Clone(r.members)}
}

func (r roster) sorted() []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(r.members))
	for d := range r.members {
		out = append(out, d)
	}
	slices.SortFunc(out, ids.DeviceID.Compare)
	return out
}

func nodeID(group ids.ContextID, member ids.DeviceID) ids.NodeID {
	h := canonical.HashParts("GROUP_NODE", group[:], member[:])
	return ids.NodeID(h[:16])
}

// tree is a group node under the roster policy containing one device node
// per member.
func (r roster) tree(group ids.ContextID, alg HashAlgorithm) *Tree {
	t := NewTree(alg, r.epoch, nodeID(group, ids.DeviceID{}))
	members := r.sorted()
	children := make([]ids.NodeID, len(members))
	for i, m := range members {
		children[i] = nodeID(group, m)
		t.Put(Node{ID: children[i], Kind: NodeDevice, Member: m})
	}
	t.Put(Node{ID: t.Root, Kind: NodeGroup, Policy: r.policy, Children: children})
	return t
}

// Group is one replica of a group's roster. Operations from Add, Remove,
// UpdatePolicy and Rotate are signed locally and produce fresh epoch keys;
// Apply accepts an operation signed elsewhere.
type Group struct {
	id       ids.ContextID
	alg      HashAlgorithm
	rt       *effects.Runtime
	signer   Signer
	verifier ed25519.PublicKey
	logger   *slog.Logger

	mu     sync.Mutex
	state  roster
	tree   *Tree
	log    []*Operation
	latest *EpochKeys
}

// Option configures a Group.
type Option func(*Group)

// WithHash selects the node commitment algorithm.
func WithHash(alg HashAlgorithm) Option {
	return func(g *Group) { g.alg = alg }
}

// WithSigner sets the signer for locally issued operations.
func WithSigner(s Signer) Option {
	return func(g *Group) { g.signer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Group) { g.logger = l }
}

// New returns an empty group at epoch 0. Operations must verify under
// groupKey.
func New(id ids.ContextID, groupKey ed25519.PublicKey, rt *effects.Runtime, opts ...Option) *Group {
	g := &Group{
		id:       id,
		alg:      HashBlake3V1,
		rt:       rt,
		verifier: groupKey,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:    roster{policy: Policy{Kind: PolicyAll}, members: make(map[ids.DeviceID]ed25519.PublicKey)},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.tree = g.state.tree(id, g.alg)
	return g
}

// ID is the group's context.
func (g *Group) ID() ids.ContextID { return g.id }

// Epoch is the current epoch.
func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.epoch
}

// Policy is the current root policy.
func (g *Group) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.policy
}

// Members returns the roster, ascending.
func (g *Group) Members() []ids.DeviceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.sorted()
}

// Tree is the key tree of the current epoch.
func (g *Group) Tree() *Tree {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tree
}

// Commitment is the current root commitment.
func (g *Group) Commitment() (ids.Hash, error) { return g.Tree().RootCommitment() }

// Log returns the accepted operations in order.
func (g *Group) Log() []*Operation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.log)
}

// Keys is the latest epoch key bundle issued by this replica, if any.
func (g *Group) Keys() *EpochKeys {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest
}

// Add adds a member.
func (g *Group) Add(ctx context.Context, m Member) (*Operation, *EpochKeys, error) {
	return g.issue(ctx, &Operation{Kind: OpAdd, Member: m.Device, Key: m.Key})
}

// Remove removes a member. The removed member receives no key for the new
// epoch.
func (g *Group) Remove(ctx context.Context, device ids.DeviceID) (*Operation, *EpochKeys, error) {
	return g.issue(ctx, &Operation{Kind: OpRemove, Member: device})
}

// UpdatePolicy replaces the root policy.
func (g *Group) UpdatePolicy(ctx context.Context, p Policy) (*Operation, *EpochKeys, error) {
	return g.issue(ctx, &Operation{Kind: OpUpdate, Policy: p})
}

// Rotate advances the epoch without a membership change.
func (g *Group) Rotate(ctx context.Context) (*Operation, *EpochKeys, error) {
	return g.issue(ctx, &Operation{Kind: OpRotate})
}

func (g *Group) issue(ctx context.Context, op *Operation) (*Operation, *EpochKeys, error) {
	if g.signer == nil {
		return nil, nil, errs.New(errs.KindConfiguration, errs.CodeMissingField, "group has no signer")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	op.Group = g.id
	op.Epoch = g.state.epoch + 1
	if op.Kind != OpUpdate {
		op.Policy = g.state.policy
	}
	next, tree, err := g.next(op)
	if err != nil {
		return nil, nil, err
	}
	if op.Commitment, err = tree.RootCommitment(); err != nil {
		return nil, nil, err
	}
	msg, err := op.SigningBytes()
	if err != nil {
		return nil, nil, err
	}
	if op.Signature, err = g.signer.Sign(ctx, msg); err != nil {
		return nil, nil, err
	}
	keys, err := g.rekey(next, tree)
	if err != nil {
		return nil, nil, err
	}
	g.accept(op, next, tree)
	g.latest = keys
	return op, keys, nil
}

// Apply accepts an operation issued by another replica. It must create the
// next epoch, verify under the group key and reproduce the stated
// commitment.
func (g *Group) Apply(op *Operation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if op.Group != g.id {
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "operation for group %s", op.Group)
	}
	if op.Epoch != g.state.epoch+1 {
		return errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "operation for epoch %d at epoch %d", op.Epoch, g.state.epoch)
	}
	msg, err := op.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(g.verifier, msg, op.Signature) {
		return errs.Newf(errs.KindAuthentication, errs.CodeBadSignature, "%s operation at epoch %d", op.Kind, op.Epoch)
	}
	next, tree, err := g.next(op)
	if err != nil {
		return err
	}
	c, err := tree.RootCommitment()
	if err != nil {
		return err
	}
	if c != op.Commitment {
		return errs.Newf(errs.KindCrypto, errs.CodeHashMismatch, "epoch %d commitment %s, operation states %s", op.Epoch, c, op.Commitment)
	}
	g.accept(op, next, tree)
	return nil
}

// next computes the roster and tree op produces. Requires g.mu.
func (g *Group) next(op *Operation) (roster, *Tree, error) {
	next := g.state.clone()
	next.epoch = op.Epoch
	switch op.Kind {
	case OpAdd:
		if _, ok := next.members[op.Member]; ok {
			return roster{}, nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "%s is already a member", op.Member)
		}
		if op.Member.IsZero() || len(op.Key) != ed25519.PublicKeySize {
			return roster{}, nil, errs.New(errs.KindValidation, errs.CodeInvalid, "member needs a device and identity key")
		}
		next.members[op.Member] = slices.Clone(op.Key)
	case OpRemove:
		if _, ok := next.members[op.Member]; !ok {
			return roster{}, nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "%s is not a member", op.Member)
		}
		delete(next.members, op.Member)
	case OpUpdate:
		next.policy = op.Policy
	case OpRotate:
	default:
		return roster{}, nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "unknown operation %d", op.Kind)
	}
	tree := next.tree(g.id, g.alg)
	if err := tree.Validate(); err != nil {
		return roster{}, nil, err
	}
	return next, tree, nil
}

func (g *Group) accept(op *Operation, next roster, tree *Tree) {
	g.state = next
	g.tree = tree
	g.log = append(g.log, op)
	g.logger.Info("group epoch advanced",
		"group", g.id.String(),
		"operation", op.Kind.String(),
		"epoch", op.Epoch,
		"members", len(next.members))
}

// Record appends the journal payloads for op, signed by author.
func Record(ctx context.Context, j *journal.Journal, author ids.DeviceID, priv ed25519.PrivateKey, op *Operation) error {
	for _, p := range op.Payloads() {
		ev := j.Prepare(author, p)
		if err := ev.SignWithDevice(priv); err != nil {
			return err
		}
		if err := j.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
