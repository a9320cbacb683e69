package persist

import (
	"sort"

	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
)

// EncodeDetached serializes a single detached subtree to the opaque
// blob format spec.md §3.H describes: every node in the subtree with
// its object, parent/child lists restricted to the subtree, and its
// edge fields. em is the same edge.Manager the live hierarchy uses,
// since edge containers live in Node.Extra and travel with the node
// regardless of whether it is currently attached.
func EncodeDetached(sub *hierarchy.DetachedSubtree, em *edge.Manager) []byte {
	w := &writer{}
	w.nodeID(sub.RootID)

	ids := make([]hierarchy.NodeID, 0, len(sub.Nodes))
	for id := range sub.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	w.u32(uint32(len(ids)))
	for _, id := range ids {
		n := sub.Nodes[id]
		w.nodeID(id)
		_ = encodeObject(w, n.Object()) // detached nodes never hold unserializable pointer state in this build

		var parents, children []hierarchy.NodeID
		n.Parents().ForeachNodeID(func(p hierarchy.NodeID) bool {
			if _, ok := sub.Nodes[p]; ok {
				parents = append(parents, p)
			}
			return true
		})
		n.Children().ForeachNodeID(func(c hierarchy.NodeID) bool {
			children = append(children, c)
			return true
		})
		sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })
		sort.Slice(children, func(i, j int) bool { return children[i].Less(children[j]) })

		w.u32(uint32(len(parents)))
		for _, p := range parents {
			w.nodeID(p)
		}
		w.u32(uint32(len(children)))
		for _, c := range children {
			w.nodeID(c)
		}

		_ = encodeEdgeFields(w, em, id)
	}
	return w.buf.Bytes()
}

// DecodeDetached reverses EncodeDetached into a standalone
// DetachedSubtree plus the edge field records needed to re-add each
// node's edge containers once the subtree is reattached to a live
// hierarchy (the edge.Manager that owned it at detach time is gone).
func DecodeDetached(b []byte) (*hierarchy.DetachedSubtree, []edgeFieldRecord, error) {
	r := newReader(b)
	rootID := r.nodeID()
	count := r.u32()

	sub := &hierarchy.DetachedSubtree{RootID: rootID, Nodes: make(map[hierarchy.NodeID]*hierarchy.Node, count)}
	var fields []edgeFieldRecord

	// Nodes are reconstructed through a scratch hierarchy so the
	// unexported Node fields (object, parent/child sets) get populated
	// through the same Upsert/AddHierarchy path the live one uses.
	scratch := hierarchy.New()
	ids := make([]hierarchy.NodeID, 0, count)
	childrenOf := make(map[hierarchy.NodeID][]hierarchy.NodeID, count)

	for i := uint32(0); i < count && r.err == nil; i++ {
		id := r.nodeID()
		n, _ := scratch.Upsert(id)
		if err := decodeObjectInto(r, n.Object()); err != nil {
			return nil, nil, err
		}
		pn := r.u32()
		for j := uint32(0); j < pn && r.err == nil; j++ {
			r.nodeID() // parent linkage is rebuilt below from children lists
		}
		cn := r.u32()
		children := make([]hierarchy.NodeID, 0, cn)
		for j := uint32(0); j < cn && r.err == nil; j++ {
			children = append(children, r.nodeID())
		}
		childrenOf[id] = children
		ids = append(ids, id)

		fieldCount := r.u32()
		for j := uint32(0); j < fieldCount && r.err == nil; j++ {
			name := r.string()
			constraintID := int(r.u32())
			destCount := r.u32()
			dests := make([]hierarchy.NodeID, 0, destCount)
			for k := uint32(0); k < destCount && r.err == nil; k++ {
				dests = append(dests, r.nodeID())
			}
			if len(dests) > 0 {
				fields = append(fields, edgeFieldRecord{src: id, name: name, constraintID: constraintID, dests: dests})
			}
		}
	}
	if r.err != nil {
		return nil, nil, r.err
	}

	for _, id := range ids {
		if kids := childrenOf[id]; len(kids) > 0 {
			_ = scratch.AddHierarchy(id, nil, kids)
		}
	}
	for _, id := range ids {
		n, _ := scratch.FindNode(id)
		sub.Nodes[id] = n
	}
	return sub, fields, nil
}
