package subs

import (
	"testing"

	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/str"
	"github.com/selvadb/selva/internal/traversal"
)

func id(s string) hierarchy.NodeID {
	var n hierarchy.NodeID
	copy(n[:], s)
	return n
}

func setup(t *testing.T) (*hierarchy.Hierarchy, *edge.Manager, *Engine) {
	t.Helper()
	h := hierarchy.New()
	h.Upsert(id("a"))
	h.Upsert(id("b"))
	h.Upsert(id("c"))
	_ = h.AddHierarchy(id("b"), []hierarchy.NodeID{id("a")}, nil)
	em := edge.New(h)
	e := New(h, em)
	return h, em, e
}

func TestGenericMarkerAttachesToDescendants(t *testing.T) {
	_, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	m := e.NewGenericMarker(subID, id("a"), traversal.KindBFSDescendants, "", nil, nil, nil, ModNone, nil)
	if err := e.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	e.DeferHierarchy(id("b"))
	e.SendDeferredEvents()

	if len(events) != 1 || events[0].SubID != subID {
		t.Fatalf("expected one deferred update for subscription, got %+v", events)
	}
}

func TestDeferHierarchyNoMatchWhenNoMarkerInstalled(t *testing.T) {
	_, _, e := setup(t)
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	e.DeferHierarchy(id("c"))
	e.SendDeferredEvents()

	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestFieldChangeFiresOnlyOnFilterFlip(t *testing.T) {
	h, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	filter, err := rpn.Compile("#age 40 >")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := e.NewGenericMarker(subID, id("a"), traversal.KindNodeOnly, "", nil, filter, []string{"age"}, ModNone, nil)
	if err := e.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	node, _ := h.FindNode(id("a"))
	obj := node.Object()
	_ = obj.Set("age", object.I64Value(10), false)

	e.FieldChangePrecheck(id("a"), obj)
	_ = obj.Set("age", object.I64Value(20), false)
	e.DeferFieldChange(id("a"), "age", obj)
	e.SendDeferredEvents()
	if len(events) != 0 {
		t.Fatalf("expected no event: filter stayed false, got %+v", events)
	}

	e.FieldChangePrecheck(id("a"), obj)
	_ = obj.Set("age", object.I64Value(50), false)
	e.DeferFieldChange(id("a"), "age", obj)
	e.SendDeferredEvents()
	if len(events) != 1 {
		t.Fatalf("expected one event: filter flipped true, got %+v", events)
	}
}

func TestFieldChangeIgnoresNonAllowlistedField(t *testing.T) {
	h, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	m := e.NewGenericMarker(subID, id("a"), traversal.KindNodeOnly, "", nil, nil, []string{"age"}, ModNone, nil)
	_ = e.Attach(m)

	node, _ := h.FindNode(id("a"))
	obj := node.Object()
	_ = obj.Set("name", object.StringValue(str.Create([]byte("x"), str.None)), false)
	e.DeferFieldChange(id("a"), "name", obj)
	e.SendDeferredEvents()
	if len(events) != 0 {
		t.Fatalf("expected no event for non-allowlisted field, got %+v", events)
	}
}

func TestTriggerMarkerMatchesByKind(t *testing.T) {
	_, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	m := e.NewTriggerMarker(subID, "created", nil, nil)
	if err := e.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	e.DeferTrigger(id("z"), "created")
	e.DeferTrigger(id("z"), "deleted")
	e.SendDeferredEvents()

	if len(events) != 1 || events[0].Kind != "trigger" {
		t.Fatalf("expected exactly one trigger event, got %+v", events)
	}
}

func TestMissingAccessorFiresOnceOnCreate(t *testing.T) {
	_, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	m := e.NewMissingAccessorMarker(subID, "not-yet-there", nil)
	if err := e.Attach(m); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	e.ProbeCreate("not-yet-there")
	e.ProbeCreate("not-yet-there")

	if len(events) != 1 {
		t.Fatalf("expected exactly one missing-accessor event, got %d", len(events))
	}
}

func TestTeardownRemovesMarkerFromNodes(t *testing.T) {
	_, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	m := e.NewGenericMarker(subID, id("a"), traversal.KindBFSDescendants, "", nil, nil, nil, ModNone, nil)
	_ = e.Attach(m)
	if err := e.Teardown(subID); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	e.DeferHierarchy(id("b"))
	e.SendDeferredEvents()
	if len(events) != 0 {
		t.Fatalf("expected no events after teardown, got %+v", events)
	}
}

func TestAliasChangeNotifiesWatchingMarker(t *testing.T) {
	_, _, e := setup(t)
	subID := NewSubID()
	var events []Event
	e.Publish = func(ev Event) { events = append(events, ev) }

	m := e.NewAliasMarker(subID, "my-alias", nil, nil)
	_ = e.Attach(m)

	e.DeferAliasChange("my-alias")
	e.SendDeferredEvents()

	if len(events) != 1 || events[0].Kind != "update" {
		t.Fatalf("expected one update event for alias change, got %+v", events)
	}
}
