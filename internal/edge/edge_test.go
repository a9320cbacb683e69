package edge

import (
	"testing"

	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/selvaerr"
)

func id(s string) hierarchy.NodeID {
	var n hierarchy.NodeID
	copy(n[:], s)
	return n
}

func setup(t *testing.T) (*hierarchy.Hierarchy, *Manager) {
	t.Helper()
	h := hierarchy.New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	h.Upsert(id("c"))
	return h, New(h)
}

func TestAddSingleRefReplacesExisting(t *testing.T) {
	h, m := setup(t)
	cid := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "best_friend", Multi: false})

	if err := m.Add(id("a"), id("b"), "best_friend", cid); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(id("a"), id("c"), "best_friend", cid); err != nil {
		t.Fatalf("Add replace: %v", err)
	}
	f, ok := m.FieldOf(id("a"), "best_friend")
	if !ok {
		t.Fatalf("expected field to exist")
	}
	dests := f.Dests()
	if len(dests) != 1 || dests[0] != id("c") {
		t.Fatalf("expected single-ref to replace b with c, got %v", dests)
	}
	if m.Refcount(id("b")) != 0 {
		t.Fatalf("expected b's refcount cleared after replacement")
	}
	if m.Refcount(id("c")) != 1 {
		t.Fatalf("expected c's refcount to be 1")
	}
}

func TestAddMultiRefAccumulates(t *testing.T) {
	h, m := setup(t)
	cid := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "friends", Multi: true})

	if err := m.Add(id("a"), id("b"), "friends", cid); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(id("a"), id("c"), "friends", cid); err != nil {
		t.Fatalf("Add: %v", err)
	}
	f, _ := m.FieldOf(id("a"), "friends")
	if len(f.Dests()) != 2 {
		t.Fatalf("expected both destinations retained, got %v", f.Dests())
	}
}

func TestConstraintMismatchRejected(t *testing.T) {
	h, m := setup(t)
	cid1 := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "friends", Multi: true})
	cid2 := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "friends", Multi: true})

	if err := m.Add(id("a"), id("b"), "friends", cid1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := m.Add(id("a"), id("c"), "friends", cid2)
	if selvaerr.KindOf(err) != selvaerr.InvalidArgument {
		t.Fatalf("expected constraint mismatch error, got %v", err)
	}
}

func TestBidirectionalDeleteRemovesBothSides(t *testing.T) {
	h, m := setup(t)
	cid := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "spouse", Multi: false, Bidirectional: true})

	if err := m.Add(id("a"), id("b"), "spouse", cid); err != nil {
		t.Fatalf("Add: %v", err)
	}
	fb, ok := m.FieldOf(id("b"), "spouse")
	if !ok || len(fb.Dests()) != 1 || fb.Dests()[0] != id("a") {
		t.Fatalf("expected reverse edge b->a, got %+v ok=%v", fb, ok)
	}

	if err := m.Delete(id("a"), id("b"), "spouse"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fa, ok := m.FieldOf(id("a"), "spouse"); ok && len(fa.Dests()) != 0 {
		t.Fatalf("expected a's spouse field empty, got %v", fa.Dests())
	}
	if fb, ok := m.FieldOf(id("b"), "spouse"); ok && len(fb.Dests()) != 0 {
		t.Fatalf("expected reverse edge removed, got %v", fb.Dests())
	}
}

func TestClearFieldReturnsCountAndRefcount(t *testing.T) {
	h, m := setup(t)
	cid := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "friends", Multi: true})
	_ = m.Add(id("a"), id("b"), "friends", cid)
	_ = m.Add(id("a"), id("c"), "friends", cid)

	n, err := m.ClearField(id("a"), "friends")
	if err != nil {
		t.Fatalf("ClearField: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if m.Refcount(id("b")) != 0 || m.Refcount(id("c")) != 0 {
		t.Fatalf("expected refcounts cleared")
	}
}

func TestDuplicateAddIsNoop(t *testing.T) {
	h, m := setup(t)
	cid := h.AddConstraint(hierarchy.EdgeConstraint{SourceType: "ge", FieldName: "friends", Multi: true})
	_ = m.Add(id("a"), id("b"), "friends", cid)
	if err := m.Add(id("a"), id("b"), "friends", cid); err != nil {
		t.Fatalf("expected duplicate add to be a no-op, got %v", err)
	}
	f, _ := m.FieldOf(id("a"), "friends")
	if len(f.Dests()) != 1 {
		t.Fatalf("expected exactly one destination, got %v", f.Dests())
	}
	if m.Refcount(id("b")) != 1 {
		t.Fatalf("expected refcount to stay at 1, got %d", m.Refcount(id("b")))
	}
}
