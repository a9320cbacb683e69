// Package edge implements named arc containers between hierarchy nodes
// (spec.md §3.F/§4.F): per-source, per-field destination sequences
// governed by a referential constraint, with a reverse index on every
// destination node for O(1) refcounting and teardown.
package edge

import (
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/svector"
)

const extraFieldPrefix = "edge."
const extraBackrefsKey = "edge.backrefs"

// Field is a single named arc container owned by a source node: a
// constraint reference, an ordered destination sequence, and optional
// per-destination metadata objects.
type Field struct {
	ConstraintID int
	dests        *svector.SVector[hierarchy.NodeID]
	meta         map[hierarchy.NodeID]*object.Object
}

// Dests returns the destination node ids in insertion order.
func (f *Field) Dests() []hierarchy.NodeID {
	if f == nil || f.dests == nil {
		return nil
	}
	return append([]hierarchy.NodeID(nil), f.dests.Slice()...)
}

// Meta returns the per-destination metadata object for dst, creating it
// on first access when create is true.
func (f *Field) Meta(dst hierarchy.NodeID, create bool) *object.Object {
	if f.meta == nil {
		if !create {
			return nil
		}
		f.meta = make(map[hierarchy.NodeID]*object.Object)
	}
	o, ok := f.meta[dst]
	if !ok && create {
		o = object.New()
		f.meta[dst] = o
	}
	return o
}

func nodeIDEq(a, b hierarchy.NodeID) bool { return a == b }

// Manager operates on the edge fields of a single hierarchy.
type Manager struct {
	h *hierarchy.Hierarchy
}

func New(h *hierarchy.Hierarchy) *Manager {
	return &Manager{h: h}
}

func fieldKey(field string) string { return extraFieldPrefix + field }

const extraFieldNamesKey = "edge.fieldnames"

func (m *Manager) fieldOf(n *hierarchy.Node, field string) (*Field, bool) {
	if v, ok := n.Extra(fieldKey(field)); ok {
		return v.(*Field), true
	}
	f := &Field{}
	n.SetExtra(fieldKey(field), f)
	names, _ := n.Extra(extraFieldNamesKey)
	namesSlice, _ := names.([]string)
	n.SetExtra(extraFieldNamesKey, append(namesSlice, field))
	return f, false
}

// FieldNames returns the edge field names defined on src, in the order
// they were first created, for full-graph walks such as snapshot
// serialization (internal/persist, spec.md §6.C "edge container").
func (m *Manager) FieldNames(src hierarchy.NodeID) []string {
	n, ok := m.h.FindNode(src)
	if !ok {
		return nil
	}
	v, ok := n.Extra(extraFieldNamesKey)
	if !ok {
		return nil
	}
	return append([]string(nil), v.([]string)...)
}

// FieldOf returns the edge field named field on node src, if it exists.
func (m *Manager) FieldOf(src hierarchy.NodeID, field string) (*Field, bool) {
	n, ok := m.h.FindNode(src)
	if !ok {
		return nil, false
	}
	v, ok := n.Extra(fieldKey(field))
	if !ok {
		return nil, false
	}
	return v.(*Field), true
}

func backrefsOf(n *hierarchy.Node, create bool) map[hierarchy.NodeID]map[string]bool {
	v, ok := n.Extra(extraBackrefsKey)
	if ok {
		return v.(map[hierarchy.NodeID]map[string]bool)
	}
	if !create {
		return nil
	}
	m := make(map[hierarchy.NodeID]map[string]bool)
	n.SetExtra(extraBackrefsKey, m)
	return m
}

func (m *Manager) addBackref(dst, src hierarchy.NodeID, field string) {
	n, ok := m.h.FindNode(dst)
	if !ok {
		return
	}
	refs := backrefsOf(n, true)
	if refs[src] == nil {
		refs[src] = make(map[string]bool)
	}
	refs[src][field] = true
}

func (m *Manager) removeBackref(dst, src hierarchy.NodeID, field string) {
	n, ok := m.h.FindNode(dst)
	if !ok {
		return
	}
	refs := backrefsOf(n, false)
	if refs == nil {
		return
	}
	if fields, ok := refs[src]; ok {
		delete(fields, field)
		if len(fields) == 0 {
			delete(refs, src)
		}
	}
}

// Add creates or appends to the edge field named field on src, pointing
// at dst, governed by constraintID (spec.md §4.F). If the field already
// exists, constraintID must match the one it was created with.
// Duplicate (src, dst, field) triples are a no-op, matching hierarchy's
// "back-edge EEXIST is not an error" rule. Bidirectional constraints
// also create the reverse edge under the same field name.
func (m *Manager) Add(src, dst hierarchy.NodeID, field string, constraintID int) error {
	constraint, ok := m.h.ConstraintByID(constraintID)
	if !ok {
		return selvaerr.New(selvaerr.InvalidArgument, "edge: unknown constraint id")
	}
	if err := m.addOneSide(src, dst, field, constraintID, constraint); err != nil {
		return err
	}
	if constraint.Bidirectional {
		return m.addOneSide(dst, src, field, constraintID, constraint)
	}
	return nil
}

func (m *Manager) addOneSide(src, dst hierarchy.NodeID, field string, constraintID int, constraint hierarchy.EdgeConstraint) error {
	srcNode, ok := m.h.FindNode(src)
	if !ok {
		return selvaerr.ErrNotFound
	}
	if _, ok := m.h.FindNode(dst); !ok {
		return selvaerr.ErrNotFound
	}
	f, existed := m.fieldOf(srcNode, field)
	if existed {
		if f.ConstraintID != constraintID {
			return selvaerr.New(selvaerr.InvalidArgument, "edge: constraint id mismatch for existing field")
		}
	} else {
		f.ConstraintID = constraintID
		f.dests = svector.New[hierarchy.NodeID](2, nil)
	}
	if _, found := f.dests.Search(dst, nodeIDEq); found {
		return nil
	}
	if !constraint.Multi && f.dests.Size() >= 1 {
		old, _ := f.dests.Pop()
		m.removeBackref(old, src, field)
	}
	f.dests.Insert(dst)
	m.addBackref(dst, src, field)
	return nil
}

// Delete removes dst from src's field, symmetric to Add: if the
// constraint is bidirectional, the reverse edge is removed too.
func (m *Manager) Delete(src, dst hierarchy.NodeID, field string) error {
	n, ok := m.h.FindNode(src)
	if !ok {
		return selvaerr.ErrNotFound
	}
	v, ok := n.Extra(fieldKey(field))
	if !ok {
		return selvaerr.ErrNotFound
	}
	f := v.(*Field)
	if !f.dests.Remove(dst, nodeIDEq) {
		return selvaerr.ErrNotFound
	}
	delete(f.meta, dst)
	m.removeBackref(dst, src, field)

	if constraint, ok := m.h.ConstraintByID(f.ConstraintID); ok && constraint.Bidirectional {
		if rv, ok := m.h.FindNode(dst); ok {
			if rfv, ok := rv.Extra(fieldKey(field)); ok {
				rf := rfv.(*Field)
				if rf.dests.Remove(src, nodeIDEq) {
					delete(rf.meta, src)
					m.removeBackref(src, dst, field)
				}
			}
		}
	}
	return nil
}

// ClearField removes every arc from src's field, returning the count
// removed, without deleting the field container itself.
func (m *Manager) ClearField(src hierarchy.NodeID, field string) (int, error) {
	n, ok := m.h.FindNode(src)
	if !ok {
		return 0, selvaerr.ErrNotFound
	}
	v, ok := n.Extra(fieldKey(field))
	if !ok {
		return 0, selvaerr.ErrNotFound
	}
	f := v.(*Field)
	dests := f.Dests()
	for _, dst := range dests {
		_ = m.Delete(src, dst, field)
	}
	return len(dests), nil
}

// DeleteField removes the field container itself from src.
func (m *Manager) DeleteField(src hierarchy.NodeID, field string) error {
	if _, err := m.ClearField(src, field); err != nil {
		return err
	}
	n, _ := m.h.FindNode(src)
	n.SetExtra(fieldKey(field), nil)
	return nil
}

// Refcount returns the number of distinct source nodes with an edge
// into dst, across every field (spec.md §4.F: not the edge count).
func (m *Manager) Refcount(dst hierarchy.NodeID) int {
	n, ok := m.h.FindNode(dst)
	if !ok {
		return 0
	}
	refs := backrefsOf(n, false)
	return len(refs)
}
