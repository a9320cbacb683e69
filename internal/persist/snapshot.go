package persist

import (
	"sort"

	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaset"
	"github.com/selvadb/selva/internal/subs"
)

// EncodeSnapshot serializes the live graph in the order spec.md §6.C
// mandates: version, hierarchy graph, edge-constraint table,
// subscription registry, detached-subtree index. Detached subtree
// bodies are not inlined here — they are addressed separately by
// DetachedKey and stored through Store.SaveDetached, matching the
// spec's "opaque compressed blob ... addressed by the id of its former
// attachment node" (§3.H).
func EncodeSnapshot(h *hierarchy.Hierarchy, em *edge.Manager, se *subs.Engine) ([]byte, error) {
	w := &writer{}
	w.u32(snapshotVersion)

	if err := encodeHierarchy(w, h, em); err != nil {
		return nil, err
	}
	encodeConstraints(w, h)
	encodeSubscriptions(w, se)
	encodeDetachedIndex(w, h)

	return w.buf.Bytes(), nil
}

func encodeHierarchy(w *writer, h *hierarchy.Hierarchy, em *edge.Manager) error {
	ids := h.AllNodeIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	w.u32(uint32(len(ids)))
	for _, id := range ids {
		n, ok := h.FindNode(id)
		if !ok {
			continue
		}
		w.nodeID(id)
		w.str(n.Type())

		if err := encodeObject(w, n.Object()); err != nil {
			return err
		}

		parents := collectIDs(n.Parents())
		children := collectIDs(n.Children())
		w.u32(uint32(len(parents)))
		for _, p := range parents {
			w.nodeID(p)
		}
		w.u32(uint32(len(children)))
		for _, c := range children {
			w.nodeID(c)
		}

		if err := encodeEdgeFields(w, em, id); err != nil {
			return err
		}
	}
	return nil
}

func collectIDs(s *selvaset.Set) []hierarchy.NodeID {
	var out []hierarchy.NodeID
	s.ForeachNodeID(func(id hierarchy.NodeID) bool {
		out = append(out, id)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func encodeEdgeFields(w *writer, em *edge.Manager, src hierarchy.NodeID) error {
	names := em.FieldNames(src)
	sort.Strings(names)
	w.u32(uint32(len(names)))
	for _, name := range names {
		f, ok := em.FieldOf(src, name)
		if !ok {
			w.str(name)
			w.u32(0)
			w.u32(0)
			continue
		}
		w.str(name)
		w.u32(uint32(f.ConstraintID))
		dests := f.Dests()
		w.u32(uint32(len(dests)))
		for _, d := range dests {
			w.nodeID(d)
		}
	}
	return nil
}

func encodeConstraints(w *writer, h *hierarchy.Hierarchy) {
	cs := h.Constraints()
	w.u32(uint32(len(cs)))
	for _, c := range cs {
		w.str(c.SourceType)
		w.str(c.FieldName)
		w.bool(c.Multi)
		w.bool(c.Bidirectional)
		w.bool(c.Dynamic)
	}
}

// encodeSubscriptions writes each marker's definition (not its current
// attachment set, which Attach/Refresh rebuild by re-traversing the
// restored hierarchy on load).
func encodeSubscriptions(w *writer, se *subs.Engine) {
	if se == nil {
		w.u32(0)
		return
	}
	subIDs := se.SubIDs()
	sort.Slice(subIDs, func(i, j int) bool { return subIDs[i].String() < subIDs[j].String() })

	var markers []*subs.Marker
	for _, id := range subIDs {
		markers = append(markers, se.Markers(id)...)
	}
	w.u32(uint32(len(markers)))
	for _, m := range markers {
		w.bytes(m.SubID[:])
		w.u32(m.ID)
		w.u32(uint32(m.Kind))
		w.u32(uint32(m.MatcherFlags))
		w.u32(uint32(m.ModifierFlags))
		w.nodeID(m.StartNode)
		w.u32(uint32(m.Dir))
		w.str(m.FieldName)
		w.str(exprSource(m.Expr))
		w.str(exprSource(m.Filter))
		w.u32(uint32(len(m.FieldAllowlist)))
		for _, f := range m.FieldAllowlist {
			w.str(f)
		}
		w.str(m.TriggerKind)
		w.str(m.Alias)
		w.str(m.MissingKey)
	}
}

func exprSource(e *rpn.Expr) string { return e.String() }

func encodeDetachedIndex(w *writer, h *hierarchy.Hierarchy) {
	roots := h.DetachedSubtrees()
	sort.Slice(roots, func(i, j int) bool { return roots[i].Less(roots[j]) })
	w.u32(uint32(len(roots)))
	for _, id := range roots {
		w.nodeID(id)
	}
}
