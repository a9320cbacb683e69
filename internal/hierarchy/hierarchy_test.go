package hierarchy

import (
	"testing"

	"github.com/selvadb/selva/internal/selvaerr"
)

func id(s string) NodeID {
	var n NodeID
	copy(n[:], s)
	return n
}

func TestUpsertCreatesOnce(t *testing.T) {
	h := New()
	n1, created := h.Upsert(id("a"))
	if !created {
		t.Fatalf("expected first upsert to create")
	}
	n2, created := h.Upsert(id("a"))
	if created {
		t.Fatalf("expected second upsert to find existing")
	}
	if n1 != n2 {
		t.Fatalf("expected same node pointer")
	}
}

func TestAddHierarchyParentChildSymmetry(t *testing.T) {
	h := New()
	h.Upsert(id("p"))
	h.Upsert(id("c"))
	if err := h.AddHierarchy(id("c"), []NodeID{id("p")}, nil); err != nil {
		t.Fatalf("AddHierarchy: %v", err)
	}
	p, _ := h.FindNode(id("p"))
	c, _ := h.FindNode(id("c"))
	if !p.Children().HasNodeID(id("c")) {
		t.Fatalf("expected p.children to contain c")
	}
	if !c.Parents().HasNodeID(id("p")) {
		t.Fatalf("expected c.parents to contain p")
	}
	if c.IsHead() {
		t.Fatalf("c should no longer be a head")
	}
}

func TestAddHierarchyRejectsCycle(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	if err := h.AddHierarchy(id("b"), []NodeID{id("a")}, nil); err != nil {
		t.Fatalf("AddHierarchy a->b: %v", err)
	}
	err := h.AddHierarchy(id("a"), []NodeID{id("b")}, nil)
	if selvaerr.KindOf(err) != selvaerr.InvalidArgument {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestAddHierarchyDuplicateEdgeNotError(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	if err := h.AddHierarchy(id("b"), []NodeID{id("a")}, nil); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := h.AddHierarchy(id("b"), []NodeID{id("a")}, nil); err != nil {
		t.Fatalf("duplicate edge should not error: %v", err)
	}
}

func TestDelHierarchyNodeRequiresNoParentsWithoutForce(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	_ = h.AddHierarchy(id("b"), []NodeID{id("a")}, nil)

	if _, err := h.DelHierarchyNode(id("b"), DelNone); err == nil {
		t.Fatalf("expected delete of node with remaining parents to fail without force")
	}
	if _, err := h.DelHierarchyNode(id("b"), DelForce|DelReplyIDs); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, ok := h.FindNode(id("b")); ok {
		t.Fatalf("expected b to be gone")
	}
}

func TestDelHierarchyNodeForceRecursesIntoOrphanedChildren(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	_ = h.AddHierarchy(id("b"), []NodeID{id("a")}, nil)

	ids, err := h.DelHierarchyNode(id("a"), DelForce|DelReplyIDs)
	if err != nil {
		t.Fatalf("DelHierarchyNode: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected both a and orphaned b deleted, got %v", ids)
	}
	if _, ok := h.FindNode(id("b")); ok {
		t.Fatalf("expected b to be cascaded away")
	}
}

func TestDelHierarchyNodeForceRecursesEvenIntoChildrenWithOtherParents(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("other"))
	h.Upsert(id("b"))
	_ = h.AddHierarchy(id("b"), []NodeID{id("a"), id("other")}, nil)

	ids, err := h.DelHierarchyNode(id("a"), DelForce|DelReplyIDs)
	if err != nil {
		t.Fatalf("DelHierarchyNode: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected both a and b deleted despite b's other parent, got %v", ids)
	}
	if _, ok := h.FindNode(id("b")); ok {
		t.Fatalf("expected b deleted even though it still had another relationship")
	}
	other, ok := h.FindNode(id("other"))
	if !ok {
		t.Fatalf("expected other to survive")
	}
	if other.Children().HasNodeID(id("b")) {
		t.Fatalf("expected other's edge to b severed by the forced delete")
	}
}

func TestDetachAndReattach(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	h.Upsert(id("other"))
	_ = h.AddHierarchy(id("b"), []NodeID{id("a")}, nil)

	if _, err := h.DelHierarchyNode(id("a"), DelDetach); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, ok := h.FindNode(id("a")); ok {
		t.Fatalf("expected a removed from live graph")
	}

	if err := h.Reattach(id("a"), []NodeID{id("other")}); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	a, ok := h.FindNode(id("a"))
	if !ok {
		t.Fatalf("expected a reinstated")
	}
	if !a.Parents().HasNodeID(id("other")) {
		t.Fatalf("expected a reattached under other")
	}
	b, ok := h.FindNode(id("b"))
	if !ok {
		t.Fatalf("expected b reinstated along with its subtree")
	}
	if !b.Parents().HasNodeID(id("a")) {
		t.Fatalf("expected b still parented to a")
	}
}

func TestBFSDescendantsVisitsEachNodeOnce(t *testing.T) {
	h := New()
	for _, n := range []string{"a", "b", "c", "d"} {
		h.Upsert(id(n))
	}
	_ = h.AddHierarchy(id("b"), []NodeID{id("a")}, nil)
	_ = h.AddHierarchy(id("c"), []NodeID{id("a")}, nil)
	_ = h.AddHierarchy(id("d"), []NodeID{id("b")}, nil)
	_ = h.AddHierarchy(id("d"), []NodeID{id("c")}, nil)

	var visited []NodeID
	h.BFSDescendants(id("a"), func(n *Node) bool {
		visited = append(visited, n.ID())
		return true
	})
	if len(visited) != 3 {
		t.Fatalf("expected d to be visited exactly once despite two parents, got %d visits", len(visited))
	}
}

func TestHeadsReflectsParentless(t *testing.T) {
	h := New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	_ = h.AddHierarchy(id("b"), []NodeID{id("a")}, nil)

	heads := h.Heads()
	foundA, foundB := false, false
	for _, hid := range heads {
		if hid == id("a") {
			foundA = true
		}
		if hid == id("b") {
			foundB = true
		}
	}
	if !foundA {
		t.Fatalf("expected a in head set")
	}
	if foundB {
		t.Fatalf("expected b not in head set")
	}
}

func TestEdgeConstraintTableDynamicLookup(t *testing.T) {
	h := New()
	cid := h.AddConstraint(EdgeConstraint{SourceType: "ge", FieldName: "friends", Multi: true, Dynamic: true})
	got, ok := h.ConstraintByTypeField("ge", "friends")
	if !ok || got.ID != cid {
		t.Fatalf("expected dynamic lookup to find constraint %d, got %+v ok=%v", cid, got, ok)
	}
	if _, ok := h.ConstraintByTypeField("ge", "missing"); ok {
		t.Fatalf("expected no match for unknown field")
	}
}
