package group

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// HashAlgorithm names the function behind node commitments. It is carried
// with every tree so replicas can migrate without ambiguity.
type HashAlgorithm uint8

const (
	HashBlake3V1 HashAlgorithm = iota + 1
)

func (a HashAlgorithm) String() string {
	switch a {
	case HashBlake3V1:
		return "blake3-v1"
	default:
		return fmt.Sprintf("hash(%d)", uint8(a))
	}
}

func (a HashAlgorithm) sum(parts ...[]byte) (ids.Hash, error) {
	switch a {
	case HashBlake3V1:
		return canonical.HashParts("NODE", parts...), nil
	default:
		return ids.Hash{}, errs.Newf(errs.KindCrypto, errs.CodeHashMismatch, "unsupported node hash %s", a)
	}
}

// NodeKind is what a node stands for. Devices and guardians are leaves
// naming a member; identities and groups carry a policy over children.
type NodeKind uint8

const (
	NodeDevice NodeKind = iota + 1
	NodeIdentity
	NodeGroup
	NodeGuardian
)

func (k NodeKind) String() string {
	switch k {
	case NodeDevice:
		return "device"
	case NodeIdentity:
		return "identity"
	case NodeGroup:
		return "group"
	case NodeGuardian:
		return "guardian"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Leaf reports whether nodes of kind k name a member instead of children.
func (k NodeKind) Leaf() bool { return k == NodeDevice || k == NodeGuardian }

// EdgeKind types an edge. Contains edges form the key-derivation DAG;
// grant edges record a capability one node extends to another and carry
// no key material.
type EdgeKind uint8

const (
	EdgeContains EdgeKind = iota + 1
	EdgeGrants
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeContains:
		return "contains"
	case EdgeGrants:
		return "grants-capability"
	default:
		return fmt.Sprintf("edge(%d)", uint8(k))
	}
}

// Edge is one typed edge of a tree.
type Edge struct {
	Kind     EdgeKind
	From, To ids.NodeID
}

// PolicyKind is how many children of a branch must agree.
type PolicyKind uint8

const (
	PolicyAll PolicyKind = iota + 1
	PolicyAny
	PolicyThreshold
)

// Policy is a branch's agreement rule. K is only meaningful for
// PolicyThreshold.
type Policy struct {
	Kind PolicyKind `cbor:"1,keyasint"`
	K    uint16     `cbor:"2,keyasint,omitempty"`
}

// Threshold builds a k-of-n policy.
func Threshold(k uint16) Policy { return Policy{Kind: PolicyThreshold, K: k} }

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAll:
		return "all"
	case PolicyAny:
		return "any"
	case PolicyThreshold:
		return fmt.Sprintf("threshold(%d)", p.K)
	default:
		return fmt.Sprintf("policy(%d)", uint8(p.Kind))
	}
}

func (p Policy) bytes() []byte {
	return []byte{byte(p.Kind), byte(p.K >> 8), byte(p.K)}
}

// Required is the number of children that must agree out of n.
func (p Policy) Required(n int) int {
	switch p.Kind {
	case PolicyAny:
		return min(1, n)
	case PolicyThreshold:
		return int(p.K)
	default:
		return n
	}
}

func (p Policy) validate(children int) error {
	switch p.Kind {
	case PolicyAll, PolicyAny:
		return nil
	case PolicyThreshold:
		if p.K == 0 || int(p.K) > children {
			return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "policy %s over %d children", p, children)
		}
		return nil
	default:
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "unknown policy %s", p)
	}
}

// ShareHeader binds child Index of a node to the child's commitment. The
// proof is keyed by the node's KEK, so only holders of the node secret can
// produce or check it.
type ShareHeader struct {
	Index      uint16   `cbor:"1,keyasint"`
	Commitment ids.Hash `cbor:"2,keyasint"`
	Proof      []byte   `cbor:"3,keyasint"`
}

// Node is one vertex of a group key tree. Leaves name a member; identity
// and group nodes carry a policy over the children they contain. A node
// may have several parents.
//
// Secret, Shares and MessagingKey are filled in when an epoch is keyed:
// Secret is the node secret wrapped under its parent's KEK (empty on the
// root, whose secret is the epoch secret), Shares has one header per
// child, and MessagingKey, on group nodes only, is the epoch's messaging
// key wrapped under the node's own KEK. None of them enter the commitment.
type Node struct {
	ID           ids.NodeID    `cbor:"1,keyasint"`
	Kind         NodeKind      `cbor:"2,keyasint"`
	Policy       Policy        `cbor:"3,keyasint"`
	Member       ids.DeviceID  `cbor:"4,keyasint,omitempty"`
	Children     []ids.NodeID  `cbor:"5,keyasint,omitempty"`
	Grants       []ids.NodeID  `cbor:"6,keyasint,omitempty"`
	Secret       []byte        `cbor:"7,keyasint,omitempty"`
	Shares       []ShareHeader `cbor:"8,keyasint,omitempty"`
	MessagingKey []byte        `cbor:"9,keyasint,omitempty"`
}

// Edges lists the node's contains edges, then its grant edges.
func (n Node) Edges() []Edge {
	out := make([]Edge, 0, len(n.Children)+len(n.Grants))
	for _, c := range n.Children {
		out = append(out, Edge{Kind: EdgeContains, From: n.ID, To: c})
	}
	for _, g := range n.Grants {
		out = append(out, Edge{Kind: EdgeGrants, From: n.ID, To: g})
	}
	return out
}

func (n Node) clone() Node {
	n.Children = slices.Clone(n.Children)
	n.Grants = slices.Clone(n.Grants)
	n.Secret = slices.Clone(n.Secret)
	n.Shares = slices.Clone(n.Shares)
	n.MessagingKey = slices.Clone(n.MessagingKey)
	return n
}

// Tree is a rooted DAG of nodes at one epoch.
type Tree struct {
	Hash  HashAlgorithm
	Epoch uint64
	Root  ids.NodeID
	nodes map[ids.NodeID]*Node
}

// NewTree returns an empty tree.
func NewTree(alg HashAlgorithm, epoch uint64, root ids.NodeID) *Tree {
	return &Tree{Hash: alg, Epoch: epoch, Root: root, nodes: make(map[ids.NodeID]*Node)}
}

// Put inserts or replaces a node.
func (t *Tree) Put(n Node) {
	n = n.clone()
	t.nodes[n.ID] = &n
}

// Node looks up a node by id.
func (t *Tree) Node(id ids.NodeID) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns every node ordered by id.
func (t *Tree) Nodes() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, id := range t.sortedIDs() {
		out = append(out, t.nodes[id].clone())
	}
	return out
}

// Edges returns every typed edge of the tree, ordered by source node.
func (t *Tree) Edges() []Edge {
	var out []Edge
	for _, id := range t.sortedIDs() {
		out = append(out, t.nodes[id].Edges()...)
	}
	return out
}

// Len is the node count.
func (t *Tree) Len() int { return len(t.nodes) }

// Leaves returns the members under id, ascending and deduplicated.
func (t *Tree) Leaves(id ids.NodeID) []ids.DeviceID {
	seen := make(map[ids.NodeID]bool)
	var out []ids.DeviceID
	var walk func(ids.NodeID)
	walk = func(id ids.NodeID) {
		if seen[id] {
			return
		}
		seen[id] = true
		n, ok := t.nodes[id]
		if !ok {
			return
		}
		if n.Kind.Leaf() {
			out = append(out, n.Member)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(id)
	slices.SortFunc(out, ids.DeviceID.Compare)
	return slices.Compact(out)
}

// Validate checks that the tree is a well-formed rooted DAG: the root and
// every edge target exist, leaves name a member and contain nothing,
// interior policies are satisfiable, only group nodes carry a messaging
// key and contains edges form no cycle. Grant edges may point anywhere
// except at their own node.
func (t *Tree) Validate() error {
	if _, ok := t.nodes[t.Root]; !ok {
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "root %s missing", t.Root)
	}
	for _, id := range t.sortedIDs() {
		n := t.nodes[id]
		switch {
		case n.Kind.Leaf():
			if len(n.Children) > 0 {
				return errs.Newf(errs.KindValidation, errs.CodeInvalid, "%s node %s has children", n.Kind, id)
			}
			if n.Member.IsZero() {
				return errs.Newf(errs.KindValidation, errs.CodeInvalid, "%s node %s names no member", n.Kind, id)
			}
		case n.Kind == NodeIdentity || n.Kind == NodeGroup:
			for _, c := range n.Children {
				if _, ok := t.nodes[c]; !ok {
					return errs.Newf(errs.KindValidation, errs.CodeInvalid, "%s node %s contains missing node %s", n.Kind, id, c)
				}
			}
			if err := n.Policy.validate(len(n.Children)); err != nil {
				return err
			}
		default:
			return errs.Newf(errs.KindValidation, errs.CodeInvalid, "node %s has %s", id, n.Kind)
		}
		for _, g := range n.Grants {
			if g == id {
				return errs.Newf(errs.KindValidation, errs.CodeInvalid, "node %s grants to itself", id)
			}
			if _, ok := t.nodes[g]; !ok {
				return errs.Newf(errs.KindValidation, errs.CodeInvalid, "node %s grants to missing node %s", id, g)
			}
		}
		if len(n.MessagingKey) > 0 && n.Kind != NodeGroup {
			return errs.Newf(errs.KindValidation, errs.CodeInvalid, "%s node %s carries a messaging key", n.Kind, id)
		}
	}
	if cycles := t.cycles(); len(cycles) > 0 {
		path := make([]string, len(cycles[0]))
		for i, id := range cycles[0] {
			path[i] = id.String()
		}
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "cycle through %s", strings.Join(path, " -> "))
	}
	return nil
}

func (t *Tree) sortedIDs() []ids.NodeID {
	out := make([]ids.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	slices.SortFunc(out, ids.NodeID.Compare)
	return out
}

// cycles returns every strongly connected component that forms a cycle,
// using Tarjan's algorithm over contains edges.
func (t *Tree) cycles() [][]ids.NodeID {
	var (
		index   int
		stack   []ids.NodeID
		indices = make(map[ids.NodeID]int)
		lowlink = make(map[ids.NodeID]int)
		onStack = make(map[ids.NodeID]bool)
		out     [][]ids.NodeID
	)

	var strongConnect func(ids.NodeID)
	strongConnect = func(v ids.NodeID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		selfLoop := false
		for _, w := range t.nodes[v].Children {
			if _, ok := t.nodes[w]; !ok {
				continue
			}
			if w == v {
				selfLoop = true
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []ids.NodeID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || selfLoop {
				slices.SortFunc(scc, ids.NodeID.Compare)
				out = append(out, scc)
			}
		}
	}

	for _, id := range t.sortedIDs() {
		if _, visited := indices[id]; !visited {
			strongConnect(id)
		}
	}
	return out
}

// Commitment is C(node) = H("NODE" | kind | policy | epoch | sorted child
// commitments). A leaf commits to its member in place of children.
func (t *Tree) Commitment(id ids.NodeID) (ids.Hash, error) {
	if err := t.Validate(); err != nil {
		return ids.Hash{}, err
	}
	return t.commit(id, make(map[ids.NodeID]ids.Hash))
}

// RootCommitment is the commitment of the root.
func (t *Tree) RootCommitment() (ids.Hash, error) { return t.Commitment(t.Root) }

func (t *Tree) commit(id ids.NodeID, memo map[ids.NodeID]ids.Hash) (ids.Hash, error) {
	if h, ok := memo[id]; ok {
		return h, nil
	}
	n := t.nodes[id]
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], t.Epoch)
	parts := [][]byte{{byte(n.Kind)}, n.Policy.bytes(), epoch[:]}
	if n.Kind.Leaf() {
		parts = append(parts, n.Member[:])
	} else {
		children := make([]ids.Hash, 0, len(n.Children))
		for _, c := range n.Children {
			h, err := t.commit(c, memo)
			if err != nil {
				return ids.Hash{}, err
			}
			children = append(children, h)
		}
		slices.SortFunc(children, ids.Hash.Compare)
		for i := range children {
			parts = append(parts, children[i][:])
		}
	}
	h, err := t.Hash.sum(parts...)
	if err != nil {
		return ids.Hash{}, err
	}
	memo[id] = h
	return h, nil
}
