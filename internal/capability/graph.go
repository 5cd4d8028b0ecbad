package capability

import (
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// SubjectKind is the node type of the authority graph.
type SubjectKind uint8

const (
	SubjectDevice SubjectKind = iota + 1
	SubjectAuthority
	SubjectGroup
	SubjectThresholdGroup
	SubjectSession
)

// Subject names a node. Key is the subject's id in string form.
type Subject struct {
	Kind SubjectKind
	Key  string
}

func DeviceSubject(d ids.DeviceID) Subject       { return Subject{Kind: SubjectDevice, Key: d.String()} }
func AuthoritySubject(a ids.AuthorityID) Subject { return Subject{Kind: SubjectAuthority, Key: a.String()} }
func GroupSubject(g ids.ContextID) Subject       { return Subject{Kind: SubjectGroup, Key: g.String()} }
func SessionSubject(s ids.SessionID) Subject     { return Subject{Kind: SubjectSession, Key: s.String()} }

// EdgeKind distinguishes containment from delegation.
type EdgeKind uint8

const (
	// EdgeContains passes all of the source's authority to the target.
	EdgeContains EdgeKind = iota + 1
	// EdgeGrants passes only the edge's scope.
	EdgeGrants
)

type edge struct {
	kind       EdgeKind
	from, to   int
	scope      []Permission
	capability ids.CapabilityID
}

// MaxTraversalDepth bounds authority searches.
const MaxTraversalDepth = 64

// Graph is the derived authority DAG in arena form: nodes and edges live in
// flat slices and refer to each other by index.
type Graph struct {
	nodes   []Subject
	index   map[Subject]int
	edges   []edge
	in      [][]int
	out     [][]int
	revoked map[ids.CapabilityID]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[Subject]int), revoked: make(map[ids.CapabilityID]struct{})}
}

// Node returns the index of s, adding it if absent.
func (g *Graph) Node(s Subject) int {
	if i, ok := g.index[s]; ok {
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, s)
	g.index[s] = i
	g.in = append(g.in, nil)
	g.out = append(g.out, nil)
	return i
}

// Len is the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Contain adds a containment edge parent -> child.
func (g *Graph) Contain(parent, child Subject) {
	g.addEdge(edge{kind: EdgeContains, from: g.Node(parent), to: g.Node(child)})
}

// Grant adds a delegation edge labelled with scope.
func (g *Graph) Grant(from, to Subject, capability ids.CapabilityID, scope []Permission) {
	g.addEdge(edge{kind: EdgeGrants, from: g.Node(from), to: g.Node(to), scope: scope, capability: capability})
}

func (g *Graph) addEdge(e edge) {
	idx := len(g.edges)
	g.edges = append(g.edges, e)
	g.out[e.from] = append(g.out[e.from], idx)
	g.in[e.to] = append(g.in[e.to], idx)
}

// Revoke marks every edge carrying capability as dead.
func (g *Graph) Revoke(capability ids.CapabilityID) { g.revoked[capability] = struct{}{} }

func (g *Graph) live(e edge) bool {
	if e.kind == EdgeContains {
		return true
	}
	_, dead := g.revoked[e.capability]
	return !dead
}

// HasDirectAuthority reports whether an unrevoked path from an authority
// node to subject carries req. Containment edges carry everything; grant
// edges carry what their scope covers. Authorities hold authority over
// their own resources.
func (g *Graph) HasDirectAuthority(subject Subject, req Permission) bool {
	start, ok := g.index[subject]
	if !ok {
		return false
	}
	type item struct{ node, depth int }
	seen := map[int]bool{start: true}
	queue := []item{{start, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if g.nodes[cur.node].Kind == SubjectAuthority {
			return true
		}
		if cur.depth >= MaxTraversalDepth {
			continue
		}
		for _, ei := range g.in[cur.node] {
			e := g.edges[ei]
			if !g.live(e) || seen[e.from] {
				continue
			}
			if e.kind == EdgeGrants && !anyCovers(e.scope, req) {
				continue
			}
			seen[e.from] = true
			queue = append(queue, item{e.from, cur.depth + 1})
		}
	}
	return false
}

// BuildGraph derives the authority graph of one account: the authority
// contains its active devices, groups contain their members, and each
// recorded delegation is a grant edge from the issuing subject to the
// holder. Revocations kill their edges.
func BuildGraph(st *journal.AccountState) *Graph {
	g := NewGraph()
	root := AuthoritySubject(st.Authority)
	g.Node(root)
	for _, d := range st.ActiveDevices() {
		g.Contain(root, DeviceSubject(d))
	}
	for id, grp := range st.Groups {
		gs := GroupSubject(id)
		g.Node(gs)
		for _, m := range grp.Members() {
			if !st.IsRemoved(m) {
				g.Contain(gs, DeviceSubject(m))
			}
		}
	}
	for id, d := range st.Delegations {
		perms, err := ParseScope(d.Scope)
		if err != nil {
			continue
		}
		from := root
		if !d.Parent.IsZero() {
			if parent, ok := st.Delegations[d.Parent]; ok {
				from = DeviceSubject(parent.Holder)
			}
		}
		g.Grant(from, DeviceSubject(d.Holder), id, perms)
	}
	for id := range st.Revocations {
		g.Revoke(id)
	}
	return g
}
