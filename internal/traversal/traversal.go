// Package traversal implements the traversal kernel of spec.md §4.H: the
// full enumeration of traversal kinds layered over hierarchy's raw
// graph primitives, edge.Manager's arc containers, and rpn expressions,
// behind a uniform head/node/child callback protocol.
package traversal

import (
	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/selvaset"
	"github.com/selvadb/selva/internal/str"
)

// Kind is the traversal-kind bitset of spec.md §4.H. Only one kind is
// used per call; it is declared as a bitset to match the original's
// flag-composable enumeration (kinds were sometimes OR'd with modifier
// bits upstream of this package, e.g. by subscription markers).
type Kind uint32

const (
	KindNone Kind = 1 << iota
	KindNodeOnly
	KindArrayForeach
	KindSetForeach
	KindRefField
	KindEdgeField
	KindChildren
	KindParents
	KindBFSAncestors
	KindBFSDescendants
	KindDFSAncestors
	KindDFSDescendants
	KindDFSFull
	KindBFSOverEdgeField
	KindBFSWithExpression
	KindSingleStepExpression
)

// headInvoking is the set of kinds for which spec.md §4.H requires an
// explicit head_cb call, because the traversal would otherwise never
// visit the starting node itself.
var headInvoking = map[Kind]bool{
	KindRefField:             true,
	KindEdgeField:            true,
	KindParents:              true,
	KindChildren:             true,
	KindBFSOverEdgeField:     true,
	KindBFSWithExpression:    true,
	KindSingleStepExpression: true,
}

// Callbacks is the traversal callback protocol (spec.md §4.H). Node is
// invoked for every visited node after Head; returning false
// short-circuits the traversal. Child is invoked for every adjacency
// taken, carrying the origin node, the field name that produced it
// (empty for plain parent/child edges), and the child reached.
type Callbacks struct {
	Head  func(n *hierarchy.Node) bool
	Node  func(n *hierarchy.Node) bool
	Child func(origin *hierarchy.Node, originField string, child *hierarchy.Node) bool
}

func (cb Callbacks) node(n *hierarchy.Node) bool {
	if cb.Node == nil {
		return true
	}
	return cb.Node(n)
}

func (cb Callbacks) child(origin *hierarchy.Node, field string, c *hierarchy.Node) bool {
	if cb.Child != nil {
		return cb.Child(origin, field, c)
	}
	return true
}

// Options carries the extra arguments a handful of traversal kinds
// need beyond the start node.
type Options struct {
	FieldName string
	Expr      *rpn.Expr
	ExprCtx   *rpn.Context
}

// Run executes kind starting at start, invoking cb along the way.
func Run(h *hierarchy.Hierarchy, em *edge.Manager, start hierarchy.NodeID, kind Kind, opts Options, cb Callbacks) error {
	startNode, ok := h.FindNode(start)
	if !ok {
		return selvaerr.ErrNotFound
	}
	if headInvoking[kind] && cb.Head != nil {
		if !cb.Head(startNode) {
			return nil
		}
	}

	switch kind {
	case KindNodeOnly:
		cb.node(startNode)
		return nil

	case KindChildren:
		h.Children(start, func(c *hierarchy.Node) bool {
			if !cb.child(startNode, "", c) {
				return false
			}
			return cb.node(c)
		})
		return nil

	case KindParents:
		h.Parents(start, func(p *hierarchy.Node) bool {
			if !cb.child(startNode, "", p) {
				return false
			}
			return cb.node(p)
		})
		return nil

	case KindBFSDescendants:
		h.BFSDescendants(start, cb.node)
		return nil
	case KindBFSAncestors:
		h.BFSAncestors(start, cb.node)
		return nil
	case KindDFSDescendants, KindDFSFull:
		h.DFSDescendants(start, cb.node)
		return nil
	case KindDFSAncestors:
		h.DFSAncestors(start, cb.node)
		return nil

	case KindRefField, KindEdgeField:
		return runFieldLevel(h, em, startNode, opts.FieldName, cb)

	case KindBFSOverEdgeField:
		return runBFSOverField(h, em, startNode, opts.FieldName, cb)

	case KindSingleStepExpression:
		return runExpressionLevel(h, em, startNode, opts, cb)

	case KindBFSWithExpression:
		return runBFSOverExpression(h, em, startNode, opts, cb)

	case KindSetForeach:
		return runSetForeach(h, startNode, opts.FieldName, cb)

	case KindArrayForeach:
		// The typed object's array sub-type kinds (i64, f64, string,
		// object, pointer, hll) never include a node-id element, so an
		// array field has no graph nodes to traverse into.
		return selvaerr.New(selvaerr.NotSupported, "traversal: array-foreach has no node-id element type to traverse")

	default:
		return selvaerr.New(selvaerr.InvalidArgument, "traversal: unknown or unsupported kind")
	}
}

func runFieldLevel(h *hierarchy.Hierarchy, em *edge.Manager, origin *hierarchy.Node, field string, cb Callbacks) error {
	f, ok := em.FieldOf(origin.ID(), field)
	if !ok {
		return nil
	}
	for _, dstID := range f.Dests() {
		dst, ok := h.FindNode(dstID)
		if !ok {
			continue
		}
		if !cb.child(origin, field, dst) {
			return nil
		}
		if !cb.node(dst) {
			return nil
		}
	}
	return nil
}

func runBFSOverField(h *hierarchy.Hierarchy, em *edge.Manager, start *hierarchy.Node, field string, cb Callbacks) error {
	tx := h.NextTx()
	start.MarkVisited(tx)
	queue := []*hierarchy.Node{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		f, ok := em.FieldOf(cur.ID(), field)
		if !ok {
			continue
		}
		stop := false
		for _, dstID := range f.Dests() {
			dst, ok := h.FindNode(dstID)
			if !ok || !dst.MarkVisited(tx) {
				continue
			}
			if !cb.child(cur, field, dst) {
				stop = true
				break
			}
			if !cb.node(dst) {
				stop = true
				break
			}
			queue = append(queue, dst)
		}
		if stop {
			return nil
		}
	}
	return nil
}

func runExpressionLevel(h *hierarchy.Hierarchy, em *edge.Manager, start *hierarchy.Node, opts Options, cb Callbacks) error {
	fields, err := fieldNamesFromExpr(opts, start)
	if err != nil {
		return err
	}
	for _, field := range fields {
		if err := runFieldLevel(h, em, start, field, cb); err != nil {
			return err
		}
	}
	return nil
}

func runBFSOverExpression(h *hierarchy.Hierarchy, em *edge.Manager, start *hierarchy.Node, opts Options, cb Callbacks) error {
	tx := h.NextTx()
	start.MarkVisited(tx)
	queue := []*hierarchy.Node{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		fields, err := fieldNamesFromExpr(opts, cur)
		if err != nil {
			return err
		}
		stop := false
		for _, field := range fields {
			f, ok := em.FieldOf(cur.ID(), field)
			if !ok {
				continue
			}
			for _, dstID := range f.Dests() {
				dst, ok := h.FindNode(dstID)
				if !ok || !dst.MarkVisited(tx) {
					continue
				}
				if !cb.child(cur, field, dst) {
					stop = true
					break
				}
				if !cb.node(dst) {
					stop = true
					break
				}
				queue = append(queue, dst)
			}
			if stop {
				break
			}
		}
		if stop {
			return nil
		}
	}
	return nil
}

func fieldNamesFromExpr(opts Options, node *hierarchy.Node) ([]string, error) {
	if opts.Expr == nil {
		return nil, selvaerr.New(selvaerr.InvalidArgument, "traversal: expression-based traversal requires an expression")
	}
	ctx := opts.ExprCtx
	if ctx == nil {
		ctx = &rpn.Context{}
	}
	ctx.Object = node.Object()
	ctx.Node = node
	set, err := rpn.EvalSet(opts.Expr, ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	set.ForeachString(func(s *str.String) bool {
		names = append(names, string(s.ToStr()))
		return true
	})
	return names, nil
}

func runSetForeach(h *hierarchy.Hierarchy, start *hierarchy.Node, field string, cb Callbacks) error {
	v, err := start.Object().Get(field)
	if err != nil {
		return err
	}
	if v.Kind != object.KindSet || v.Set == nil {
		return selvaerr.ErrWrongType
	}
	if v.Set.Type() != selvaset.TypeNodeID {
		return selvaerr.New(selvaerr.WrongType, "traversal: set-foreach requires a node-id set")
	}
	v.Set.ForeachNodeID(func(id hierarchy.NodeID) bool {
		n, ok := h.FindNode(id)
		if !ok {
			return true
		}
		if !cb.child(start, field, n) {
			return false
		}
		return cb.node(n)
	})
	return nil
}
