package command

import (
	"testing"

	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/subs"
)

func nid(s string) hierarchy.NodeID {
	var n hierarchy.NodeID
	copy(n[:], s)
	return n
}

// requireOK fails the test if reply carries a wire error, and otherwise
// returns its payload values (including the trailing EOS).
func requireOK(t *testing.T, reply Reply) []proto.Value {
	t.Helper()
	if len(reply.Values) > 0 && reply.Values[0].Kind == proto.VError {
		t.Fatalf("command failed: code=%d msg=%s", reply.Values[0].ErrCode, reply.Values[0].ErrMsg)
	}
	return reply.Values
}

// findReplyNodeIDs extracts the top-level node id strings from a
// hierarchy.find reply, skipping over each node's nested fields array.
func findReplyNodeIDs(t *testing.T, vals []proto.Value) []string {
	t.Helper()
	if len(vals) == 0 || vals[0].Kind != proto.VArrayBegin {
		t.Fatalf("expected array-wrapped reply, got %v", vals)
	}
	var ids []string
	depth := 0
	for i := 1; i < len(vals); i++ {
		switch vals[i].Kind {
		case proto.VArrayEnd:
			if depth == 0 {
				return ids
			}
			depth--
		case proto.VArrayBegin:
			depth++
		case proto.VString:
			if depth == 0 {
				ids = append(ids, string(vals[i].Str))
			}
		}
	}
	t.Fatalf("reply array never closed: %v", vals)
	return nil
}

// findArgsBuilder assembles a hierarchy.find/aggregate wire argument
// list without hand-counting positions in every test.
type findArgsBuilder struct {
	vals []proto.Value
}

func newFindArgs(lang, dir string) *findArgsBuilder {
	return &findArgsBuilder{vals: []proto.Value{proto.Str([]byte(lang)), proto.Str([]byte(dir))}}
}

func (b *findArgsBuilder) index(name string) *findArgsBuilder {
	b.vals = append(b.vals, proto.Str([]byte("index")), proto.Str([]byte(name)))
	return b
}

func (b *findArgsBuilder) order(field, kind string) *findArgsBuilder {
	b.vals = append(b.vals, proto.Str([]byte("order")), proto.Str([]byte(field)), proto.Str([]byte(kind)))
	return b
}

func (b *findArgsBuilder) fields(names []string) *findArgsBuilder {
	b.vals = append(b.vals, proto.Str([]byte("fields")), proto.ArrayBegin())
	for _, n := range names {
		b.vals = append(b.vals, proto.Str([]byte(n)))
	}
	b.vals = append(b.vals, proto.ArrayEnd())
	return b
}

func (b *findArgsBuilder) agg(kind aggKind) *findArgsBuilder {
	b.vals = append(b.vals, proto.Str([]byte("agg")), proto.I64(int64(kind)))
	return b
}

func (b *findArgsBuilder) nodeIDs(ids ...hierarchy.NodeID) *findArgsBuilder {
	b.vals = append(b.vals, proto.Str([]byte("node_ids")), proto.ArrayBegin())
	for _, id := range ids {
		b.vals = append(b.vals, proto.Str(id[:]))
	}
	b.vals = append(b.vals, proto.ArrayEnd())
	return b
}

func (b *findArgsBuilder) filterExpr(expr string, regs ...proto.Value) *findArgsBuilder {
	b.vals = append(b.vals, proto.Str([]byte("filter_expr")), proto.Str([]byte(expr)))
	b.vals = append(b.vals, regs...)
	return b
}

func (b *findArgsBuilder) build() []proto.Value { return b.vals }

// testOp is one update op_code/field/value triple, for buildUpdateArgs.
type testOp struct {
	code, field string
	i64         int64
	str         string
}

// buildUpdateArgs assembles an `update` wire argument list for the
// "node" direction (the only one these tests need: apply ops to
// already-identified node ids, no traversal).
func buildUpdateArgs(ops []testOp, ids []hierarchy.NodeID) []proto.Value {
	vals := []proto.Value{proto.Str([]byte("node")), proto.I64(int64(len(ops)))}
	for _, op := range ops {
		vals = append(vals, proto.Str([]byte(op.code)), proto.Str([]byte(op.field)))
		switch op.code {
		case "del", "array_remove_all", "alias":
			// no value
		case "array_remove", "obj_meta", "increment_i64", "i64", "default_i64":
			vals = append(vals, proto.I64(op.i64))
		case "string", "default_string", "set":
			vals = append(vals, proto.Str([]byte(op.str)))
		}
	}
	vals = append(vals, proto.Str([]byte("node_ids")), proto.ArrayBegin())
	for _, id := range ids {
		vals = append(vals, proto.Str(id[:]))
	}
	vals = append(vals, proto.ArrayEnd())
	return vals
}

// Scenario 1 (spec.md §8.C): build a small tree and traverse it with
// bfs_descendants.
func TestBuildAndTraverseBFSDescendants(t *testing.T) {
	d := NewDispatcher()
	root, a, b := nid("root"), nid("a"), nid("b")
	d.H.Upsert(root)
	d.H.Upsert(a)
	d.H.Upsert(b)
	if err := d.H.AddHierarchy(a, []hierarchy.NodeID{root}, nil); err != nil {
		t.Fatalf("AddHierarchy a: %v", err)
	}
	if err := d.H.AddHierarchy(b, []hierarchy.NodeID{root}, nil); err != nil {
		t.Fatalf("AddHierarchy b: %v", err)
	}

	reply := requireOK(t, d.Dispatch("hierarchy.find", newFindArgs("en", "bfs_descendants").nodeIDs(root).build()))
	got := findReplyNodeIDs(t, reply)
	want := map[string]bool{string(a[:]): true, string(b[:]): true}
	if len(got) != len(want) {
		t.Fatalf("expected %d descendants, got %d: %v", len(want), len(got), got)
	}
	for _, g := range got {
		if !want[g] {
			t.Fatalf("unexpected node in result: %q", g)
		}
	}
}

// Scenario 2: filter_expr with a register bound from the wire args.
func TestFindFilterWithRegisterBoundRPN(t *testing.T) {
	d := NewDispatcher()
	root, lo, hi := nid("root"), nid("lo"), nid("hi")
	d.H.Upsert(root)
	d.H.Upsert(lo)
	d.H.Upsert(hi)
	if err := d.H.AddHierarchy(lo, []hierarchy.NodeID{root}, nil); err != nil {
		t.Fatalf("AddHierarchy lo: %v", err)
	}
	if err := d.H.AddHierarchy(hi, []hierarchy.NodeID{root}, nil); err != nil {
		t.Fatalf("AddHierarchy hi: %v", err)
	}

	setPriority := func(id hierarchy.NodeID, p int64) {
		requireOK(t, d.Dispatch("update", buildUpdateArgs([]testOp{{code: "i64", field: "priority", i64: p}}, []hierarchy.NodeID{id})))
	}
	setPriority(lo, 1)
	setPriority(hi, 9)

	args := newFindArgs("en", "bfs_descendants").nodeIDs(root).filterExpr("#priority $1 >", proto.I64(5)).build()
	reply := requireOK(t, d.Dispatch("hierarchy.find", args))
	got := findReplyNodeIDs(t, reply)
	if len(got) != 1 || got[0] != string(hi[:]) {
		t.Fatalf("expected only the high-priority node to pass the filter, got %v", got)
	}
}

// Scenario 3: ordered aggregate (sum) over a result set.
func TestOrderedAggregateSum(t *testing.T) {
	d := NewDispatcher()
	root := nid("root")
	d.H.Upsert(root)
	ids := []hierarchy.NodeID{nid("n1"), nid("n2"), nid("n3")}
	vals := []int64{3, 7, 2}
	for i, id := range ids {
		d.H.Upsert(id)
		if err := d.H.AddHierarchy(id, []hierarchy.NodeID{root}, nil); err != nil {
			t.Fatalf("AddHierarchy: %v", err)
		}
		requireOK(t, d.Dispatch("update", buildUpdateArgs([]testOp{{code: "i64", field: "priority", i64: vals[i]}}, []hierarchy.NodeID{id})))
	}

	args := newFindArgs("en", "bfs_descendants").
		order("priority", "desc").
		fields([]string{"priority"}).
		agg(aggSum).
		nodeIDs(root).
		build()
	reply := requireOK(t, d.Dispatch("hierarchy.aggregate", args))
	if len(reply) < 1 || reply[0].Kind != proto.VDouble {
		t.Fatalf("expected a double sum reply, got %v", reply)
	}
	if got, want := reply[0].F64, float64(3+7+2); got != want {
		t.Fatalf("sum = %v, want %v", got, want)
	}
}

// Scenario 4: a subscription's update event is deduplicated across
// multiple field writes within one command.
func TestSubscriptionUpdateEventDedup(t *testing.T) {
	d := NewDispatcher()
	a := nid("a")
	d.H.Upsert(a)

	var events []subs.Event
	d.Subs.Publish = func(ev subs.Event) { events = append(events, ev) }

	subID := subs.NewSubID()
	subArgs := []proto.Value{proto.Str([]byte(subID.String())), proto.Str([]byte("node")), proto.Str(a[:])}
	requireOK(t, d.Dispatch("subscriptions.add", subArgs))

	updArgs := buildUpdateArgs([]testOp{
		{code: "i64", field: "priority", i64: 1},
		{code: "string", field: "title", str: "hello"},
	}, []hierarchy.NodeID{a})
	requireOK(t, d.Dispatch("update", updArgs))

	if len(events) != 1 {
		t.Fatalf("expected exactly one deduplicated update event, got %d: %+v", len(events), events)
	}
	if events[0].Kind != "update" {
		t.Fatalf("expected an update event, got %q", events[0].Kind)
	}
}

// Scenario 5: an alias marker fires once and tears itself down, but the
// alias reassignment it rode in on still lands.
func TestAliasMarkerOneShotTeardown(t *testing.T) {
	d := NewDispatcher()
	a, b := nid("a"), nid("b")
	d.H.Upsert(a)
	d.H.Upsert(b)

	var events []subs.Event
	d.Subs.Publish = func(ev subs.Event) { events = append(events, ev) }

	subID := subs.NewSubID()
	requireOK(t, d.Dispatch("subscriptions.addAlias", []proto.Value{
		proto.Str([]byte(subID.String())), proto.Str([]byte("latest")),
	}))

	requireOK(t, d.Dispatch("update", buildUpdateArgs([]testOp{{code: "alias", field: "latest"}}, []hierarchy.NodeID{a})))

	if len(events) != 1 || events[0].Kind != "update" {
		t.Fatalf("expected exactly one deferred event for the alias change, got %+v", events)
	}
	if got, ok := d.ResolveAlias("latest"); !ok || got != a {
		t.Fatalf("expected alias to resolve to a, got %v ok=%v", got, ok)
	}
	if markers := d.Subs.Markers(subID); len(markers) != 0 {
		t.Fatalf("expected the alias marker torn down after firing, found %d", len(markers))
	}

	requireOK(t, d.Dispatch("update", buildUpdateArgs([]testOp{{code: "alias", field: "latest"}}, []hierarchy.NodeID{b})))

	if len(events) != 1 {
		t.Fatalf("expected no further alias events after teardown, got %d", len(events))
	}
	if got, ok := d.ResolveAlias("latest"); !ok || got != b {
		t.Fatalf("expected the alias to still be reassignable after its marker was torn down, got %v ok=%v", got, ok)
	}
}

// Scenario 6: a repeatedly hinted find gets its ICB pinned permanent via
// index.new, after which the same find is served out of the index.
func TestIndexPromotionViaAdminCommand(t *testing.T) {
	d := NewDispatcher()
	root := nid("root")
	children := []hierarchy.NodeID{nid("c1"), nid("c2"), nid("c3")}
	d.H.Upsert(root)
	for _, c := range children {
		d.H.Upsert(c)
		if err := d.H.AddHierarchy(c, []hierarchy.NodeID{root}, nil); err != nil {
			t.Fatalf("AddHierarchy: %v", err)
		}
	}

	args := newFindArgs("en", "children").index("byChildren").nodeIDs(root).build()
	requireOK(t, d.Dispatch("hierarchy.find", args))

	icbs := d.Idx.All()
	if len(icbs) != 1 {
		t.Fatalf("expected exactly one tracked ICB after the hinted find, got %d", len(icbs))
	}
	key := icbs[0].Key
	if icbs[0].Active {
		t.Fatalf("expected the ICB to still be inactive before pinning")
	}

	requireOK(t, d.Dispatch("index.new", []proto.Value{proto.Str([]byte(key))}))

	infoReply := requireOK(t, d.Dispatch("index.info", []proto.Value{proto.Str([]byte(key))}))
	if len(infoReply) < 3 || infoReply[0].Kind != proto.VString || !infoReply[1].B || !infoReply[2].B {
		t.Fatalf("expected the pinned ICB to report active+valid, got %v", infoReply)
	}

	reply := requireOK(t, d.Dispatch("hierarchy.find", args))
	got := findReplyNodeIDs(t, reply)
	wantChildren := map[string]bool{}
	for _, c := range children {
		wantChildren[string(c[:])] = true
	}
	if len(got) != len(children) {
		t.Fatalf("expected the promoted index to serve %d nodes, got %d: %v", len(children), len(got), got)
	}
	for _, g := range got {
		if !wantChildren[g] {
			t.Fatalf("unexpected node %q served by the promoted index", g)
		}
	}
}
