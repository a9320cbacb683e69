// Package subs implements the subscription engine of spec.md §3.G/§4.I:
// markers attached to nodes (or held hierarchy-wide for detached and
// trigger classes) that are matched against graph and field mutations,
// producing a deduplicated, deferred event stream flushed by the command
// layer after an update. It is layered over hierarchy's Node.Extra
// side-channel and edge.Manager's arc containers, following the same
// leaves-first layering edge uses to avoid hierarchy depending on it.
package subs

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/traversal"
)

// SubID is a 32-byte subscription id: two concatenated UUIDs, matching
// the wider identifier spec.md §3.G calls for (wider than a NodeID, to
// keep subscription ids from colliding with anything node-shaped).
type SubID [32]byte

func NewSubID() SubID {
	var id SubID
	a := uuid.New()
	b := uuid.New()
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

// String hex-encodes the id for wire transport and debug output.
func (id SubID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseSubID decodes a SubID previously produced by String.
func ParseSubID(s string) (SubID, error) {
	var id SubID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, selvaerr.New(selvaerr.InvalidArgument, "subs: malformed subscription id")
	}
	copy(id[:], b)
	return id, nil
}

// Kind distinguishes the five marker constructors of spec.md §4.I.
type Kind int

const (
	KindGeneric Kind = iota
	KindAlias
	KindMissingAccessor
	KindTrigger
	KindCallback
)

// MatcherFlags is the bitwise-OR fast-path filter stored per node
// (spec.md §4.I "flags_filter"): before walking a node's full marker
// list, a mutation path checks whether any bit it cares about is even
// present in the node's flags_filter.
type MatcherFlags uint32

const (
	FlagHierarchy MatcherFlags = 1 << iota
	FlagField
	FlagAlias
	FlagTrigger
	FlagRefresh
)

// ModifierFlags carries the behavioural modifiers spec.md §4.I attaches
// to a marker independent of what it matches.
type ModifierFlags uint32

const (
	ModNone ModifierFlags = 0
	ModRefOnly ModifierFlags = 1 << iota
	ModDetached
	ModSingleRefInhibit
)

// Event is a single deferred notification, flushed to Publish.
type Event struct {
	Kind   string // "update", "trigger", "missing"; callback markers also get "hierarchy-removed"
	SubID  SubID
	NodeID hierarchy.NodeID
	HasNode bool
}

// Marker is one subscription marker (spec.md §3.G): the unit attached
// to nodes (or held detached) and matched against mutations.
type Marker struct {
	SubID         SubID
	ID            uint32
	Kind          Kind
	MatcherFlags  MatcherFlags
	ModifierFlags ModifierFlags

	StartNode hierarchy.NodeID
	Dir       traversal.Kind
	FieldName string
	Expr      *rpn.Expr

	Filter     *rpn.Expr   // optional change filter, re-evaluated on field change
	FilterRegs [16]rpn.Value // registers bound from filter_expr's trailing args at registration (spec.md §8.C scenario 2's "$N" style)

	FieldAllowlist []string // empty means every field matches

	TriggerKind string // for KindTrigger: "created", "deleted", ...
	Alias       string // for KindAlias
	MissingKey  string // for KindMissingAccessor

	Action func(Event)

	// lastFilterResult caches the prior Filter evaluation so
	// fieldChangePrecheck can detect a flip (spec.md §4.I: a field
	// change is only notified when the filter's truth value changes).
	lastFilterResult bool
	hasFilterResult  bool
}

func (m *Marker) matchesField(field string) bool {
	if len(m.FieldAllowlist) == 0 {
		return true
	}
	for _, f := range m.FieldAllowlist {
		if f == field {
			return true
		}
	}
	return false
}

// Engine owns every live marker, the deferred event queue, and the
// missing-accessor index.
type Engine struct {
	h  *hierarchy.Hierarchy
	em *edge.Manager

	subs     map[SubID][]*Marker
	detached []*Marker
	nextID   map[SubID]uint32

	missing map[string]map[SubID]*Marker

	deferredUpdates  map[SubID]Event
	deferredTriggers map[*Marker]Event

	Publish func(Event)
}

func New(h *hierarchy.Hierarchy, em *edge.Manager) *Engine {
	return &Engine{
		h:                h,
		em:               em,
		subs:             make(map[SubID][]*Marker),
		nextID:           make(map[SubID]uint32),
		missing:          make(map[string]map[SubID]*Marker),
		deferredUpdates:  make(map[SubID]Event),
		deferredTriggers: make(map[*Marker]Event),
	}
}

func (e *Engine) allocMarker(subID SubID, kind Kind) *Marker {
	id := e.nextID[subID]
	e.nextID[subID] = id + 1
	return &Marker{SubID: subID, ID: id, Kind: kind}
}

// NewGenericMarker builds a marker that attaches to every node a
// traversal from start visits (spec.md §4.I "generic marker").
func (e *Engine) NewGenericMarker(subID SubID, start hierarchy.NodeID, dir traversal.Kind, field string, expr *rpn.Expr, filter *rpn.Expr, allowlist []string, mod ModifierFlags, action func(Event)) *Marker {
	m := e.allocMarker(subID, KindGeneric)
	m.MatcherFlags = FlagHierarchy | FlagField
	m.ModifierFlags = mod
	m.StartNode = start
	m.Dir = dir
	m.FieldName = field
	m.Expr = expr
	m.Filter = filter
	m.FieldAllowlist = allowlist
	m.Action = action
	return m
}

// NewAliasMarker builds a marker notified when the node behind alias
// changes identity (spec.md §4.I "alias marker").
func (e *Engine) NewAliasMarker(subID SubID, alias string, filter *rpn.Expr, action func(Event)) *Marker {
	m := e.allocMarker(subID, KindAlias)
	m.MatcherFlags = FlagAlias
	m.Alias = alias
	m.Filter = filter
	m.Action = action
	return m
}

// NewMissingAccessorMarker builds a marker fired the first time a
// currently-missing node id or alias is created (spec.md §4.I "missing
// accessor marker").
func (e *Engine) NewMissingAccessorMarker(subID SubID, key string, action func(Event)) *Marker {
	m := e.allocMarker(subID, KindMissingAccessor)
	m.MissingKey = key
	m.Action = action
	e.RegisterMissing(key, m)
	return m
}

// NewTriggerMarker builds a hierarchy-wide marker matched against a
// trigger class ("created", "deleted", ...) rather than a node set
// (spec.md §4.I "trigger marker"); always detached.
func (e *Engine) NewTriggerMarker(subID SubID, triggerKind string, filter *rpn.Expr, action func(Event)) *Marker {
	m := e.allocMarker(subID, KindTrigger)
	m.MatcherFlags = FlagTrigger
	m.ModifierFlags = ModDetached
	m.TriggerKind = triggerKind
	m.Filter = filter
	m.Action = action
	e.detached = append(e.detached, m)
	e.subs[subID] = append(e.subs[subID], m)
	return m
}

// NewCallbackMarker builds a marker whose Action is invoked directly by
// some other subsystem (find-index's cache refresh hook) rather than
// flowing through the deferred event queue; structurally identical to
// a generic marker otherwise.
func (e *Engine) NewCallbackMarker(subID SubID, start hierarchy.NodeID, dir traversal.Kind, field string, action func(Event)) *Marker {
	m := e.allocMarker(subID, KindCallback)
	m.MatcherFlags = FlagHierarchy | FlagField
	m.StartNode = start
	m.Dir = dir
	m.FieldName = field
	m.Action = action
	return m
}

const markerSetKey = "subs.markers"

// markerSet is the per-node Extra payload: a list plus the OR'd
// MatcherFlags of every marker currently installed, so mutation paths
// can reject most nodes with a single integer compare (spec.md §4.I
// flags_filter).
type markerSet struct {
	markers []*Marker
	flags   MatcherFlags
}

func markersOf(n *hierarchy.Node, create bool) *markerSet {
	if v, ok := n.Extra(markerSetKey); ok {
		return v.(*markerSet)
	}
	if !create {
		return nil
	}
	ms := &markerSet{}
	n.SetExtra(markerSetKey, ms)
	return ms
}

func (ms *markerSet) add(m *Marker) {
	ms.markers = append(ms.markers, m)
	ms.flags |= m.MatcherFlags
}

func (ms *markerSet) remove(m *Marker) {
	for i, cur := range ms.markers {
		if cur == m {
			ms.markers = append(ms.markers[:i], ms.markers[i+1:]...)
			break
		}
	}
	ms.flags = 0
	for _, cur := range ms.markers {
		ms.flags |= cur.MatcherFlags
	}
}

func installOn(n *hierarchy.Node, m *Marker) {
	markersOf(n, true).add(m)
}

func uninstallFrom(n *hierarchy.Node, m *Marker) {
	if ms := markersOf(n, false); ms != nil {
		ms.remove(m)
	}
}

// Attach registers a marker that is not already tracked: installs it on
// every node a traversal from its start node visits, or files it under
// the hierarchy-wide detached list for trigger-class and explicitly
// detached markers (spec.md §4.I refresh semantics).
func (e *Engine) Attach(m *Marker) error {
	e.subs[m.SubID] = append(e.subs[m.SubID], m)
	if m.Kind == KindTrigger || m.ModifierFlags&ModDetached != 0 || m.Kind == KindAlias || m.Kind == KindMissingAccessor {
		return nil
	}
	return e.Refresh(m)
}

// Refresh re-walks a generic or callback marker's traversal, reinstalling
// it on every currently-visited node (spec.md §4.I: markers are
// refreshed whenever the traversal they describe could have changed,
// e.g. after a hierarchy mutation within their reach).
func (e *Engine) Refresh(m *Marker) error {
	if m.Kind != KindGeneric && m.Kind != KindCallback {
		return nil
	}
	return traversal.Run(e.h, e.em, m.StartNode, m.Dir, traversal.Options{FieldName: m.FieldName, Expr: m.Expr}, traversal.Callbacks{
		Head: func(n *hierarchy.Node) bool { installOn(n, m); return true },
		Node: func(n *hierarchy.Node) bool { installOn(n, m); return true },
	})
}

// Teardown removes every marker belonging to subID, wherever it is
// installed, and clears its missing-accessor registrations.
func (e *Engine) Teardown(subID SubID) error {
	markers := e.subs[subID]
	for _, m := range markers {
		e.teardownMarker(subID, m)
	}
	delete(e.subs, subID)
	delete(e.nextID, subID)
	delete(e.deferredUpdates, subID)
	return nil
}

func (e *Engine) teardownMarker(subID SubID, m *Marker) {
	switch {
	case m.Kind == KindTrigger:
		for i, cur := range e.detached {
			if cur == m {
				e.detached = append(e.detached[:i], e.detached[i+1:]...)
				break
			}
		}
	case m.Kind == KindGeneric, m.Kind == KindCallback:
		_ = traversal.Run(e.h, e.em, m.StartNode, m.Dir, traversal.Options{FieldName: m.FieldName, Expr: m.Expr}, traversal.Callbacks{
			Head: func(n *hierarchy.Node) bool { uninstallFrom(n, m); return true },
			Node: func(n *hierarchy.Node) bool { uninstallFrom(n, m); return true },
		})
	case m.Kind == KindMissingAccessor:
		if subs, ok := e.missing[m.MissingKey]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(e.missing, m.MissingKey)
			}
		}
	}
}

// DelMarker removes a single marker (by its per-subscription id) from
// subID, leaving the rest of the subscription's markers intact
// (subscriptions.delMarker, spec.md §6.B — distinct from Teardown which
// drops the whole subscription).
func (e *Engine) DelMarker(subID SubID, markerID uint32) error {
	markers := e.subs[subID]
	for i, m := range markers {
		if m.ID != markerID {
			continue
		}
		e.teardownMarker(subID, m)
		e.subs[subID] = append(markers[:i], markers[i+1:]...)
		return nil
	}
	return selvaerr.ErrNotFound
}

// --- structural-change propagation (spec.md §4.I) ---

// PropagateOnAttach runs when a new parent/child edge is added: every
// hierarchy marker installed on parent whose Dir is BFS-descendants,
// DFS-descendants or DFS-full is re-walked with Refresh, so it reaches
// child and everything newly reachable through it (spec.md's worked
// example: a BFS-descendants marker rooted above parent also sees the
// new subtree). Markers installed on child are not looked at, so
// ancestor-direction markers are not propagated from child to parent.
func (e *Engine) PropagateOnAttach(parent, child hierarchy.NodeID) {
	pn, ok := e.h.FindNode(parent)
	if !ok {
		return
	}
	ms := markersOf(pn, false)
	if ms == nil {
		return
	}
	for _, m := range ms.markers {
		if m.MatcherFlags&FlagHierarchy == 0 {
			continue
		}
		if m.Dir == traversal.KindBFSDescendants || m.Dir == traversal.KindDFSDescendants || m.Dir == traversal.KindDFSFull {
			_ = e.Refresh(m)
		}
	}
}

// PropagateOnEdgeCreate re-walks every BFS-over-edge-field marker
// reachable from src when a new edge is added under field, since the
// new destination (and anything beyond it) may now be in scope.
func (e *Engine) PropagateOnEdgeCreate(src hierarchy.NodeID, field string) {
	n, ok := e.h.FindNode(src)
	if !ok {
		return
	}
	ms := markersOf(n, false)
	if ms == nil {
		return
	}
	for _, m := range ms.markers {
		if m.Dir == traversal.KindBFSOverEdgeField && m.FieldName == field {
			_ = e.Refresh(m)
		}
	}
}

// --- change classification (spec.md §4.I) ---

// DeferHierarchy marks every FlagHierarchy-matching marker on n's
// installed set for a deferred "update" event: the structural shape
// around n changed (edge add/remove, reparent).
func (e *Engine) DeferHierarchy(n hierarchy.NodeID) {
	e.deferMatching(n, FlagHierarchy, false)
}

// DeferHierarchyDeletion is DeferHierarchy's counterpart for node
// deletion: it must run before the node (and its marker set) is
// actually removed from the hierarchy.
func (e *Engine) DeferHierarchyDeletion(n hierarchy.NodeID) {
	e.deferMatching(n, FlagHierarchy, true)
}

// deferMatching queues a normal subscription's deferred event and, for
// a KindCallback marker (the find-index cache's installed ICB marker,
// spec.md §4.J), invokes its Action synchronously instead: the cache
// has no deferred-event queue of its own and must see CL_HIERARCHY /
// CH_HIERARCHY notifications as they happen to keep ICB.Valid correct
// before the command's reply is framed.
func (e *Engine) deferMatching(n hierarchy.NodeID, want MatcherFlags, deletion bool) {
	node, ok := e.h.FindNode(n)
	if !ok {
		return
	}
	ms := markersOf(node, false)
	if ms == nil || ms.flags&want == 0 {
		return
	}
	for _, m := range ms.markers {
		if m.MatcherFlags&want == 0 {
			continue
		}
		if m.Kind == KindCallback {
			if m.Action != nil {
				kind := "update"
				if deletion {
					kind = "hierarchy-removed"
				}
				m.Action(Event{Kind: kind, SubID: m.SubID, NodeID: n, HasNode: true})
			}
			continue
		}
		e.deferUpdate(m.SubID, n)
	}
}

// FieldChangePrecheck evaluates every marker's Filter against obj
// before a field write is applied, caching the result so
// DeferFieldChange can tell whether the write actually flips the
// filter's truth value (spec.md §4.I: "a field change subscription
// fires only when its filter's truth value changes, not on every
// write").
func (e *Engine) FieldChangePrecheck(n hierarchy.NodeID, obj *object.Object) {
	node, ok := e.h.FindNode(n)
	if !ok {
		return
	}
	ms := markersOf(node, false)
	if ms == nil || ms.flags&FlagField == 0 {
		return
	}
	for _, m := range ms.markers {
		if m.MatcherFlags&FlagField == 0 || m.Filter == nil {
			continue
		}
		result, err := rpn.EvalBool(m.Filter, &rpn.Context{Object: obj, Node: node, Registers: m.FilterRegs})
		if err != nil {
			continue
		}
		m.lastFilterResult = result
		m.hasFilterResult = true
	}
}

// DeferFieldChange runs after a field write completes: for every
// matching marker whose allowlist includes field, it re-evaluates the
// filter and defers an update only if the result differs from the
// precheck (or there was no filter to begin with, spec.md §4.I default:
// unfiltered markers fire on every matching write).
func (e *Engine) DeferFieldChange(n hierarchy.NodeID, field string, obj *object.Object) {
	node, ok := e.h.FindNode(n)
	if !ok {
		return
	}
	ms := markersOf(node, false)
	if ms == nil || ms.flags&FlagField == 0 {
		return
	}
	for _, m := range ms.markers {
		if m.MatcherFlags&FlagField == 0 || !m.matchesField(field) {
			continue
		}
		if m.Kind == KindCallback {
			// The find-index cache has no edge-crossing notion: every
			// touched node is re-tested against the filter and the
			// cache decides on its own whether to add it (spec.md
			// §4.J "CH_HIERARCHY | CH_FIELD" update protocol).
			if m.Action != nil {
				m.Action(Event{Kind: "update", SubID: m.SubID, NodeID: n, HasNode: true})
			}
			continue
		}
		if m.Filter == nil {
			e.deferUpdate(m.SubID, n)
			continue
		}
		after, err := rpn.EvalBool(m.Filter, &rpn.Context{Object: obj, Node: node, Registers: m.FilterRegs})
		if err != nil {
			continue
		}
		if !m.hasFilterResult || after != m.lastFilterResult {
			e.deferUpdate(m.SubID, n)
		}
		m.lastFilterResult = after
		m.hasFilterResult = true
	}
}

// DeferAliasChange defers an "update" event for every alias marker
// watching alias, then tears down every matched subscription's markers
// while keeping the queued event: alias markers are one-shot (spec.md
// §4.I, §8.C scenario 5), so once the event is queued the marker does
// not fire again.
func (e *Engine) DeferAliasChange(alias string) {
	var matched []SubID
	for subID, markers := range e.subs {
		for _, m := range markers {
			if m.Kind == KindAlias && m.Alias == alias {
				e.deferUpdate(m.SubID, hierarchy.NodeID{})
				matched = append(matched, subID)
				break
			}
		}
	}
	for _, subID := range matched {
		ev, queued := e.deferredUpdates[subID]
		_ = e.Teardown(subID)
		if queued {
			e.deferredUpdates[subID] = ev
		}
	}
	e.ProbeCreate(alias)
}

// DeferTrigger matches n against every detached trigger marker whose
// TriggerKind equals kind, deferring a "trigger" event per match.
func (e *Engine) DeferTrigger(n hierarchy.NodeID, kind string) {
	node, _ := e.h.FindNode(n)
	for _, m := range e.detached {
		if m.Kind != KindTrigger || m.TriggerKind != kind {
			continue
		}
		if m.Filter != nil && node != nil {
			ok, err := rpn.EvalBool(m.Filter, &rpn.Context{Object: node.Object(), Node: node, Registers: m.FilterRegs})
			if err != nil || !ok {
				continue
			}
		}
		e.deferTriggerEvent(m, n)
	}
	if kind == "created" {
		e.ProbeCreate(string(n[:]))
	}
}

// --- missing-accessor index (spec.md §4.I) ---

// RegisterMissing indexes marker under key (a node-id or alias string
// currently believed absent), probed by ProbeCreate whenever that key
// comes into existence.
func (e *Engine) RegisterMissing(key string, m *Marker) {
	subs, ok := e.missing[key]
	if !ok {
		subs = make(map[SubID]*Marker)
		e.missing[key] = subs
	}
	subs[m.SubID] = m
}

// ProbeCreate fires every missing-accessor marker registered under key
// and removes the registration (a missing-accessor marker is one-shot
// per key: once the key exists, subsequent changes are the concern of
// whatever other markers the caller separately attaches).
func (e *Engine) ProbeCreate(key string) {
	subs, ok := e.missing[key]
	if !ok {
		return
	}
	for subID, m := range subs {
		e.Publish(Event{Kind: "missing", SubID: subID, HasNode: false})
		_ = m
	}
	delete(e.missing, key)
}

// --- deferred event queue (spec.md §4.I "sendDeferredEvents") ---

func (e *Engine) deferUpdate(subID SubID, n hierarchy.NodeID) {
	ev, exists := e.deferredUpdates[subID]
	if !exists {
		ev = Event{Kind: "update", SubID: subID}
	}
	if n != (hierarchy.NodeID{}) {
		ev.NodeID = n
		ev.HasNode = true
	}
	e.deferredUpdates[subID] = ev
}

func (e *Engine) deferTriggerEvent(m *Marker, n hierarchy.NodeID) {
	e.deferredTriggers[m] = Event{Kind: "trigger", SubID: m.SubID, NodeID: n, HasNode: true}
}

// SendDeferredEvents flushes every queued update event and then every
// queued trigger event to Publish, and clears the queue. Both queues are
// maps, so the order within each group is not defined. The command layer
// calls it through Dispatcher.FlushDeferredEvents at the end of the
// update command.
func (e *Engine) SendDeferredEvents() {
	if e.Publish == nil {
		e.deferredUpdates = make(map[SubID]Event)
		e.deferredTriggers = make(map[*Marker]Event)
		return
	}
	for _, ev := range e.deferredUpdates {
		e.Publish(ev)
	}
	for _, ev := range e.deferredTriggers {
		e.Publish(ev)
	}
	e.deferredUpdates = make(map[SubID]Event)
	e.deferredTriggers = make(map[*Marker]Event)
}

// PendingCount reports the number of distinct deferred events queued,
// for tests and diagnostics.
func (e *Engine) PendingCount() int {
	return len(e.deferredUpdates) + len(e.deferredTriggers)
}

// SubIDs lists every subscription id currently tracking at least one
// marker, for the subscriptions.list admin command.
func (e *Engine) SubIDs() []SubID {
	out := make([]SubID, 0, len(e.subs))
	for id := range e.subs {
		out = append(out, id)
	}
	return out
}

// Markers returns the markers belonging to subID (subscriptions.debug).
func (e *Engine) Markers(subID SubID) []*Marker {
	return e.subs[subID]
}

// MissingKeys lists every key currently registered in the
// missing-accessor index (subscriptions.listMissing).
func (e *Engine) MissingKeys() []string {
	out := make([]string, 0, len(e.missing))
	for k := range e.missing {
		out = append(out, k)
	}
	return out
}
