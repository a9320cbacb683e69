package persist

import (
	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/subs"
	"github.com/selvadb/selva/internal/traversal"
)

type edgeFieldRecord struct {
	src          hierarchy.NodeID
	name         string
	constraintID int
	dests        []hierarchy.NodeID
}

type nodeRecord struct {
	id       hierarchy.NodeID
	parents  []hierarchy.NodeID
	children []hierarchy.NodeID
}

// DecodeSnapshot rebuilds a hierarchy, its edge manager and its
// subscription engine from bytes produced by EncodeSnapshot. Detached
// subtree bodies are not restored here; the caller reconciles
// h.DetachedSubtrees() against the blob store (Store.LoadDetached) and
// calls hierarchy.RestoreDetached for each recovered blob.
func DecodeSnapshot(b []byte) (*hierarchy.Hierarchy, *edge.Manager, *subs.Engine, error) {
	r := newReader(b)
	version := r.u32()
	if r.err != nil {
		return nil, nil, nil, r.err
	}
	if version != snapshotVersion {
		return nil, nil, nil, selvaerr.New(selvaerr.InvalidArgument, "persist: unsupported snapshot version")
	}

	h := hierarchy.New()
	em := edge.New(h)

	nodeCount := r.u32()
	nodeRecs := make([]nodeRecord, 0, nodeCount)
	var edgeFields []edgeFieldRecord

	for i := uint32(0); i < nodeCount && r.err == nil; i++ {
		id := r.nodeID()
		_ = r.string() // type: re-derived from id, kept for layout parity with encode

		n, _ := h.Upsert(id)
		if err := decodeObjectInto(r, n.Object()); err != nil {
			return nil, nil, nil, err
		}

		rec := nodeRecord{id: id}
		pn := r.u32()
		for j := uint32(0); j < pn && r.err == nil; j++ {
			rec.parents = append(rec.parents, r.nodeID())
		}
		cn := r.u32()
		for j := uint32(0); j < cn && r.err == nil; j++ {
			rec.children = append(rec.children, r.nodeID())
		}
		nodeRecs = append(nodeRecs, rec)

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
				edgeFields = append(edgeFields, edgeFieldRecord{src: id, name: name, constraintID: constraintID, dests: dests})
			}
		}
	}
	if r.err != nil {
		return nil, nil, nil, r.err
	}

	// Re-link hierarchy edges only after every node exists, since
	// AddHierarchy validates that both endpoints are already present.
	for _, rec := range nodeRecs {
		if len(rec.children) == 0 {
			continue
		}
		if err := h.AddHierarchy(rec.id, nil, rec.children); err != nil && selvaerr.KindOf(err) != selvaerr.AlreadyExists {
			return nil, nil, nil, err
		}
	}

	constraintCount := r.u32()
	for i := uint32(0); i < constraintCount && r.err == nil; i++ {
		c := hierarchy.EdgeConstraint{
			SourceType:    r.string(),
			FieldName:     r.string(),
			Multi:         r.boolean(),
			Bidirectional: r.boolean(),
			Dynamic:       r.boolean(),
		}
		h.AddConstraint(c)
	}
	if r.err != nil {
		return nil, nil, nil, r.err
	}

	for _, fr := range edgeFields {
		for _, dst := range fr.dests {
			if err := em.Add(fr.src, dst, fr.name, fr.constraintID); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	se := subs.New(h, em)
	if err := decodeSubscriptions(r, se); err != nil {
		return nil, nil, nil, err
	}

	detachedCount := r.u32()
	for i := uint32(0); i < detachedCount && r.err == nil; i++ {
		_ = r.nodeID() // reconciled against the blob store by the caller
	}
	if r.err != nil {
		return nil, nil, nil, r.err
	}

	return h, em, se, nil
}

func decodeSubscriptions(r *reader, se *subs.Engine) error {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var subID subs.SubID
		copy(subID[:], r.bytesN())
		_ = r.u32() // marker id: reassigned by the constructor on Attach
		kind := subs.Kind(r.u32())
		_ = r.u32() // matcher flags: recomputed on Attach
		modifier := subs.ModifierFlags(r.u32())
		start := r.nodeID()
		dir := traversal.Kind(r.u32())
		fieldName := r.string()
		exprSrc := r.string()
		filterSrc := r.string()

		allowN := r.u32()
		allowlist := make([]string, 0, allowN)
		for j := uint32(0); j < allowN && r.err == nil; j++ {
			allowlist = append(allowlist, r.string())
		}

		triggerKind := r.string()
		alias := r.string()
		missingKey := r.string()

		if r.err != nil {
			return r.err
		}

		var expr, filter *rpn.Expr
		var err error
		if exprSrc != "" {
			if expr, err = rpn.Compile(exprSrc); err != nil {
				return err
			}
		}
		if filterSrc != "" {
			if filter, err = rpn.Compile(filterSrc); err != nil {
				return err
			}
		}

		var m *subs.Marker
		switch kind {
		case subs.KindGeneric:
			m = se.NewGenericMarker(subID, start, dir, fieldName, expr, filter, allowlist, modifier, nil)
		case subs.KindAlias:
			m = se.NewAliasMarker(subID, alias, filter, nil)
		case subs.KindMissingAccessor:
			m = se.NewMissingAccessorMarker(subID, missingKey, nil)
		case subs.KindTrigger:
			m = se.NewTriggerMarker(subID, triggerKind, filter, nil)
		default:
			continue
		}
		if err := se.Attach(m); err != nil {
			return err
		}
	}
	return r.err
}
