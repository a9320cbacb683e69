// Package hierarchy implements the node/graph component of spec.md
// §3.E/§4.E: a directed acyclic parent/child graph of nodes, each
// carrying a typed dynamic object, plus the detached-subtree store of
// §3.H. Like every core package, it assumes the single-threaded
// cooperative event loop of spec.md §5 — callers serialize access, so
// no internal locking is attempted here.
package hierarchy

import (
	"sync/atomic"

	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/selvaset"
)

// NodeID is the 16-byte node identifier (spec.md §3.A); defined in
// selvaset because the typed set needs it as one of its four element
// types.
type NodeID = selvaset.NodeID

// RootID is the hierarchy's well-known root node.
var RootID = NodeID{'r', 'o', 'o', 't'}

// Node owns its id, a typed dynamic object, parent/child sets, and an
// opaque per-layer extension slot used by the edge and subscription
// packages to attach their own side-state without hierarchy depending
// on them (spec.md §2 leaves-first ordering: hierarchy < edge < subs).
type Node struct {
	id       NodeID
	obj      *object.Object
	parents  *selvaset.Set
	children *selvaset.Set

	visitedAt uint64

	extra map[string]interface{}
}

func newNode(id NodeID) *Node {
	return &Node{
		id:       id,
		obj:      object.New(),
		parents:  selvaset.New(),
		children: selvaset.New(),
	}
}

func (n *Node) ID() NodeID { return n.id }

// Type returns the 2-byte type prefix embedded in the node id, trimmed
// of trailing nul padding.
func (n *Node) Type() string {
	end := 2
	for end > 0 && n.id[end-1] == 0 {
		end--
	}
	return string(n.id[:end])
}

func (n *Node) Object() *object.Object   { return n.obj }
func (n *Node) Parents() *selvaset.Set   { return n.parents }
func (n *Node) Children() *selvaset.Set  { return n.children }

// IsHead reports whether the node currently has no parents (spec.md
// §3.E graph invariant: the head set is exactly the nodes with no
// parents).
func (n *Node) IsHead() bool { return n.parents.Size() == 0 }

// MarkVisited marks the node as seen for transaction tx and reports
// whether this is the first time it has been seen for that tx (spec.md
// §4.H visited-set via per-call transaction counter, avoiding a
// per-call allocation).
func (n *Node) MarkVisited(tx uint64) bool {
	if n.visitedAt == tx {
		return false
	}
	n.visitedAt = tx
	return true
}

// Extra fetches a side-state slot owned by a higher layer (edge fields,
// subscription markers), keyed by that layer's own namespace string.
func (n *Node) Extra(key string) (interface{}, bool) {
	if n.extra == nil {
		return nil, false
	}
	v, ok := n.extra[key]
	return v, ok
}

// SetExtra stores a side-state slot; passing a nil value deletes it.
func (n *Node) SetExtra(key string, v interface{}) {
	if v == nil {
		delete(n.extra, key)
		return
	}
	if n.extra == nil {
		n.extra = make(map[string]interface{})
	}
	n.extra[key] = v
}

// EdgeConstraint is an entry in the hierarchy-owned, append-only
// referential-constraint table (spec.md §3.F/§4.F).
type EdgeConstraint struct {
	ID            int
	SourceType    string
	FieldName     string
	Multi         bool
	Bidirectional bool
	Dynamic       bool
}

// DelFlags controls DelHierarchyNode (spec.md §4.E).
type DelFlags uint8

const (
	DelNone     DelFlags = 0
	DelForce    DelFlags = 1 << iota
	DelDetach
	DelReplyIDs
)

// DetachedSubtree is the in-memory representation of a detached
// subtree (spec.md §3.H); on-disk compressed storage is delegated to
// internal/persist, which serializes one of these to a blob keyed by
// RootID.
type DetachedSubtree struct {
	RootID NodeID
	Nodes  map[NodeID]*Node
}

// Hierarchy owns every live node, the head set, the edge-constraint
// table, and detached subtrees.
type Hierarchy struct {
	nodes    map[NodeID]*Node
	detached map[NodeID]*DetachedSubtree

	constraints     []EdgeConstraint
	constraintByKey map[string]int // "sourceType\x00fieldName" -> index into constraints

	tx atomic.Uint64

	onCreated []func(*Node)
	onDeleted []func(NodeID)
}

func New() *Hierarchy {
	h := &Hierarchy{
		nodes:           make(map[NodeID]*Node),
		detached:        make(map[NodeID]*DetachedSubtree),
		constraintByKey: make(map[string]int),
	}
	h.nodes[RootID] = newNode(RootID)
	return h
}

// NextTx returns a transaction counter value unique to the caller's
// traversal, for use with Node.MarkVisited.
func (h *Hierarchy) NextTx() uint64 { return h.tx.Add(1) }

// OnCreated registers a callback fired after a node is created by
// Upsert (spec.md §4.E "created" trigger class).
func (h *Hierarchy) OnCreated(fn func(*Node)) { h.onCreated = append(h.onCreated, fn) }

// OnDeleted registers a callback fired after a node is deleted (spec.md
// §4.E "deleted" trigger class).
func (h *Hierarchy) OnDeleted(fn func(NodeID)) { h.onDeleted = append(h.onDeleted, fn) }

// FindNode returns the node with the given id, or false if none exists.
func (h *Hierarchy) FindNode(id NodeID) (*Node, bool) {
	n, ok := h.nodes[id]
	return n, ok
}

// NodeCount reports the number of live nodes, for the dbg/hrt admin
// commands (spec.md §6.B).
func (h *Hierarchy) NodeCount() int { return len(h.nodes) }

// Upsert creates the node if missing, without adding any parent or
// child edge, and returns it along with whether it was just created.
func (h *Hierarchy) Upsert(id NodeID) (*Node, bool) {
	if n, ok := h.nodes[id]; ok {
		return n, false
	}
	n := newNode(id)
	h.nodes[id] = n
	for _, fn := range h.onCreated {
		fn(n)
	}
	return n, true
}

// reachable reports whether target is reachable from start by
// following children edges (BFS), used to reject edges that would
// introduce a cycle.
func (h *Hierarchy) reachable(start, target NodeID) bool {
	if start == target {
		return true
	}
	visited := map[NodeID]bool{start: true}
	queue := []NodeID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := h.nodes[cur]
		if !ok {
			continue
		}
		found := false
		n.children.ForeachNodeID(func(c NodeID) bool {
			if c == target {
				found = true
				return false
			}
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// addEdge links parent -> child; EEXIST on either side is tolerated
// (spec.md §4.E: "edge addition of a back-edge returning EEXIST is not
// an error").
func (h *Hierarchy) addEdge(parent, child NodeID) error {
	p, ok := h.nodes[parent]
	if !ok {
		return selvaerr.ErrNotFound
	}
	c, ok := h.nodes[child]
	if !ok {
		return selvaerr.ErrNotFound
	}
	if parent == child {
		return selvaerr.New(selvaerr.InvalidArgument, "hierarchy: self-referential edge")
	}
	if h.reachable(child, parent) {
		return selvaerr.New(selvaerr.InvalidArgument, "hierarchy: edge would introduce a cycle")
	}
	if err := p.children.AddNodeID(child); err != nil && err != selvaerr.ErrAlreadyExists {
		return err
	}
	if err := c.parents.AddNodeID(parent); err != nil && err != selvaerr.ErrAlreadyExists {
		return err
	}
	return nil
}

func (h *Hierarchy) delEdge(parent, child NodeID) {
	if p, ok := h.nodes[parent]; ok {
		_ = p.children.RemNodeID(child)
	}
	if c, ok := h.nodes[child]; ok {
		_ = c.parents.RemNodeID(parent)
	}
}

// AddHierarchy adds id as a child of every node in parents and as a
// parent of every node in children; both sides are additive, empty
// slices are no-ops (spec.md §4.E).
func (h *Hierarchy) AddHierarchy(id NodeID, parents, children []NodeID) error {
	if _, ok := h.nodes[id]; !ok {
		return selvaerr.ErrNotFound
	}
	for _, p := range parents {
		if err := h.addEdge(p, id); err != nil {
			return err
		}
	}
	for _, c := range children {
		if err := h.addEdge(id, c); err != nil {
			return err
		}
	}
	return nil
}

// DelHierarchy removes id from the given parents' child sets and the
// given children's parent sets.
func (h *Hierarchy) DelHierarchy(id NodeID, parents, children []NodeID) error {
	if _, ok := h.nodes[id]; !ok {
		return selvaerr.ErrNotFound
	}
	for _, p := range parents {
		h.delEdge(p, id)
	}
	for _, c := range children {
		h.delEdge(id, c)
	}
	return nil
}

// SetHierarchyParents atomically replaces id's parent set.
func (h *Hierarchy) SetHierarchyParents(id NodeID, parents []NodeID) error {
	n, ok := h.nodes[id]
	if !ok {
		return selvaerr.ErrNotFound
	}
	var old []NodeID
	n.parents.ForeachNodeID(func(p NodeID) bool { old = append(old, p); return true })
	for _, p := range old {
		h.delEdge(p, id)
	}
	for _, p := range parents {
		if err := h.addEdge(p, id); err != nil {
			return err
		}
	}
	return nil
}

// SetHierarchyChildren atomically replaces id's child set.
func (h *Hierarchy) SetHierarchyChildren(id NodeID, children []NodeID) error {
	n, ok := h.nodes[id]
	if !ok {
		return selvaerr.ErrNotFound
	}
	var old []NodeID
	n.children.ForeachNodeID(func(c NodeID) bool { old = append(old, c); return true })
	for _, c := range old {
		h.delEdge(id, c)
	}
	for _, c := range children {
		if err := h.addEdge(id, c); err != nil {
			return err
		}
	}
	return nil
}

// SetHierarchy atomically replaces both sides.
func (h *Hierarchy) SetHierarchy(id NodeID, parents, children []NodeID) error {
	if err := h.SetHierarchyParents(id, parents); err != nil {
		return err
	}
	return h.SetHierarchyChildren(id, children)
}

// DelHierarchyNode deletes id (spec.md §4.E). Without DelForce, a node
// with remaining parents cannot be deleted. With DelForce, remaining
// parent edges are severed and the deletion recurses into children.
// DelDetach serializes the subtree into the detached store instead of
// discarding it; DelReplyIDs makes the call return every deleted id.
func (h *Hierarchy) DelHierarchyNode(id NodeID, flags DelFlags) ([]NodeID, error) {
	n, ok := h.nodes[id]
	if !ok {
		return nil, selvaerr.ErrNotFound
	}
	if flags&DelForce == 0 && n.parents.Size() > 0 {
		return nil, selvaerr.New(selvaerr.NotSupported, "hierarchy: node still has parents; use force")
	}

	if flags&DelDetach != 0 {
		sub := h.detachSubtree(id)
		h.detached[id] = sub
		var ids []NodeID
		if flags&DelReplyIDs != 0 {
			for nid := range sub.Nodes {
				ids = append(ids, nid)
			}
		}
		return ids, nil
	}

	var deleted []NodeID
	h.deleteRecursive(id, flags, &deleted)
	if flags&DelReplyIDs != 0 {
		return deleted, nil
	}
	return nil, nil
}

// deleteRecursive deletes id and cascades into its children. Without
// DelForce a child is only swept along once it becomes orphaned by the
// deletion (its last parent link gone); with DelForce every child is
// deleted unconditionally, severing whatever other parent edges it
// still has, per the original's "force deletes even children that have
// other relationships" contract (original_source hierarchy.h).
func (h *Hierarchy) deleteRecursive(id NodeID, flags DelFlags, deleted *[]NodeID) {
	n, ok := h.nodes[id]
	if !ok {
		return
	}
	var kids []NodeID
	n.children.ForeachNodeID(func(c NodeID) bool { kids = append(kids, c); return true })

	var pars []NodeID
	n.parents.ForeachNodeID(func(p NodeID) bool { pars = append(pars, p); return true })
	for _, p := range pars {
		h.delEdge(p, id)
	}
	for _, c := range kids {
		h.delEdge(id, c)
	}

	n.obj.Destroy()
	delete(h.nodes, id)
	*deleted = append(*deleted, id)
	for _, fn := range h.onDeleted {
		fn(id)
	}

	for _, c := range kids {
		cn, ok := h.nodes[c]
		if !ok {
			continue
		}
		if flags&DelForce != 0 || cn.parents.Size() == 0 {
			h.deleteRecursive(c, flags, deleted)
		}
	}
}

// detachSubtree collects id and every descendant that becomes
// unreachable once id is severed from its parents, removing them from
// the live graph.
func (h *Hierarchy) detachSubtree(id NodeID) *DetachedSubtree {
	n := h.nodes[id]
	var pars []NodeID
	n.parents.ForeachNodeID(func(p NodeID) bool { pars = append(pars, p); return true })
	for _, p := range pars {
		h.delEdge(p, id)
	}

	collected := make(map[NodeID]*Node)
	var walk func(NodeID)
	walk = func(cur NodeID) {
		cn, ok := h.nodes[cur]
		if !ok {
			return
		}
		if _, seen := collected[cur]; seen {
			return
		}
		collected[cur] = cn
		delete(h.nodes, cur)
		var kids []NodeID
		cn.children.ForeachNodeID(func(c NodeID) bool { kids = append(kids, c); return true })
		for _, c := range kids {
			if child, ok := h.nodes[c]; ok && child.parents.Size() <= 1 {
				walk(c)
			}
		}
	}
	walk(id)
	return &DetachedSubtree{RootID: id, Nodes: collected}
}

// RestoreDetached installs a subtree rehydrated from a persisted blob
// (internal/persist) into the detached index without attaching it to
// the live graph, mirroring what detachSubtree leaves behind for a
// subtree detached at runtime.
func (h *Hierarchy) RestoreDetached(sub *DetachedSubtree) {
	h.detached[sub.RootID] = sub
}

// Reattach reinstates a previously detached subtree under newParents.
func (h *Hierarchy) Reattach(id NodeID, newParents []NodeID) error {
	sub, ok := h.detached[id]
	if !ok {
		return selvaerr.ErrNotFound
	}
	for nid, n := range sub.Nodes {
		h.nodes[nid] = n
	}
	delete(h.detached, id)
	return h.AddHierarchy(id, newParents, nil)
}

// --- traversal primitives (spec.md §4.E bullet 3) ---

// Children invokes yield for every direct child, in SVector order.
func (h *Hierarchy) Children(id NodeID, yield func(*Node) bool) {
	n, ok := h.nodes[id]
	if !ok {
		return
	}
	n.children.ForeachNodeID(func(c NodeID) bool {
		if cn, ok := h.nodes[c]; ok {
			return yield(cn)
		}
		return true
	})
}

// Parents invokes yield for every direct parent.
func (h *Hierarchy) Parents(id NodeID, yield func(*Node) bool) {
	n, ok := h.nodes[id]
	if !ok {
		return
	}
	n.parents.ForeachNodeID(func(p NodeID) bool {
		if pn, ok := h.nodes[p]; ok {
			return yield(pn)
		}
		return true
	})
}

// BFSDescendants visits id's descendants breadth-first, each at most
// once, stopping early if yield returns false.
func (h *Hierarchy) BFSDescendants(id NodeID, yield func(*Node) bool) {
	h.bfs(id, yield, func(n *Node, visit func(NodeID) bool) { n.children.ForeachNodeID(visit) })
}

// BFSAncestors visits id's ancestors breadth-first.
func (h *Hierarchy) BFSAncestors(id NodeID, yield func(*Node) bool) {
	h.bfs(id, yield, func(n *Node, visit func(NodeID) bool) { n.parents.ForeachNodeID(visit) })
}

func (h *Hierarchy) bfs(id NodeID, yield func(*Node) bool, adj func(*Node, func(NodeID) bool)) {
	tx := h.NextTx()
	start, ok := h.nodes[id]
	if !ok {
		return
	}
	start.MarkVisited(tx)
	queue := []NodeID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := h.nodes[cur]
		if !ok {
			continue
		}
		stop := false
		adj(n, func(next NodeID) bool {
			nn, ok := h.nodes[next]
			if !ok {
				return true
			}
			if !nn.MarkVisited(tx) {
				return true
			}
			if !yield(nn) {
				stop = true
				return false
			}
			queue = append(queue, next)
			return true
		})
		if stop {
			return
		}
	}
}

// DFSDescendants visits id's descendants depth-first.
func (h *Hierarchy) DFSDescendants(id NodeID, yield func(*Node) bool) {
	h.dfs(id, yield, func(n *Node, visit func(NodeID) bool) { n.children.ForeachNodeID(visit) })
}

// DFSAncestors visits id's ancestors depth-first.
func (h *Hierarchy) DFSAncestors(id NodeID, yield func(*Node) bool) {
	h.dfs(id, yield, func(n *Node, visit func(NodeID) bool) { n.parents.ForeachNodeID(visit) })
}

// FullDFS visits every node reachable from id by following children
// edges, depth-first (the "DFS full" traversal kind).
func (h *Hierarchy) FullDFS(id NodeID, yield func(*Node) bool) {
	h.DFSDescendants(id, yield)
}

func (h *Hierarchy) dfs(id NodeID, yield func(*Node) bool, adj func(*Node, func(NodeID) bool)) {
	tx := h.NextTx()
	start, ok := h.nodes[id]
	if !ok {
		return
	}
	start.MarkVisited(tx)
	var stack []NodeID
	stack = append(stack, id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := h.nodes[cur]
		if !ok {
			continue
		}
		var next []NodeID
		adj(n, func(c NodeID) bool {
			if cn, ok := h.nodes[c]; ok && cn.MarkVisited(tx) {
				next = append(next, c)
			}
			return true
		})
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
		if cur != id {
			if !yield(n) {
				return
			}
		}
	}
}

// Heads returns every node with no parents (the head set, spec.md
// §3.E).
func (h *Hierarchy) Heads() []NodeID {
	var out []NodeID
	for id, n := range h.nodes {
		if n.IsHead() {
			out = append(out, id)
		}
	}
	return out
}

// AllNodeIDs returns every live node id, for full-graph walks such as
// snapshot serialization (internal/persist).
func (h *Hierarchy) AllNodeIDs() []NodeID {
	out := make([]NodeID, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	return out
}

// Constraints returns the full constraint table in id order, for
// snapshot serialization.
func (h *Hierarchy) Constraints() []EdgeConstraint {
	return append([]EdgeConstraint(nil), h.constraints...)
}

// DetachedSubtrees returns every currently detached subtree root id.
func (h *Hierarchy) DetachedSubtrees() []NodeID {
	out := make([]NodeID, 0, len(h.detached))
	for id := range h.detached {
		out = append(out, id)
	}
	return out
}

// --- edge-constraint table (spec.md §3.F/§4.F) ---

// AddConstraint appends a new referential constraint and returns its
// id; the table is append-only for the lifetime of the hierarchy.
func (h *Hierarchy) AddConstraint(c EdgeConstraint) int {
	c.ID = len(h.constraints)
	h.constraints = append(h.constraints, c)
	if c.Dynamic {
		h.constraintByKey[c.SourceType+"\x00"+c.FieldName] = c.ID
	}
	return c.ID
}

func (h *Hierarchy) ConstraintByID(id int) (EdgeConstraint, bool) {
	if id < 0 || id >= len(h.constraints) {
		return EdgeConstraint{}, false
	}
	return h.constraints[id], true
}

func (h *Hierarchy) ConstraintByTypeField(sourceType, fieldName string) (EdgeConstraint, bool) {
	id, ok := h.constraintByKey[sourceType+"\x00"+fieldName]
	if !ok {
		return EdgeConstraint{}, false
	}
	return h.constraints[id], true
}
