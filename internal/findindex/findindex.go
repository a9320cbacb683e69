// Package findindex implements the find-index cache of spec.md §4.J: a
// popularity-weighted top-N selector that promotes frequently used
// (start_node, direction, filter, order) query shapes into materialised
// result sets, kept coherent by piggybacking on the subscription engine
// (internal/subs) via callback markers. It is hierarchy-owned, not a
// free-standing service: original_source/hierarchy.h shows the
// hierarchy struct carrying its own dyn_index block (ida allocator,
// poptop top-list, index_map), which is why Cache takes a
// *hierarchy.Hierarchy at construction rather than the reverse.
package findindex

import (
	"encoding/base64"
	"sort"

	"github.com/google/btree"

	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/subs"
	"github.com/selvadb/selva/internal/traversal"
)

// Hint describes one (start_node, direction, filter, order) query shape
// a command is willing to have indexed (spec.md §4.K "index hints").
type Hint struct {
	Name      string
	Start     hierarchy.NodeID
	Dir       traversal.Kind
	FieldName string
	Expr      *rpn.Expr // traversal expression, if Dir needs one
	Filter    *rpn.Expr
	OrderKind string // "", "asc", "desc"
	OrderField string
}

// key builds the deterministic byte key of spec.md §4.J "Index control
// block": start node, direction, the traversal expression and filter
// base64-encoded (so the key is a single comparable string even though
// the inputs are arbitrary compiled expressions), and the order clause.
func key(h Hint) string {
	b64 := func(e *rpn.Expr) string {
		if e == nil {
			return ""
		}
		return base64.StdEncoding.EncodeToString([]byte(e.String()))
	}
	return string(h.Start[:]) + "\x00" +
		string(rune(h.Dir)) + "\x00" +
		h.FieldName + "\x00" +
		b64(h.Expr) + "\x00" +
		h.OrderKind + "\x00" +
		base64.StdEncoding.EncodeToString([]byte(h.OrderField)) + "\x00" +
		b64(h.Filter)
}

// ICB is one index control block (spec.md §4.J).
type ICB struct {
	Key  string
	Hint Hint

	MarkerSubID subs.SubID

	// result: unordered set when !Ordered, pre-sorted items otherwise.
	resultSet   map[hierarchy.NodeID]bool
	resultOrder []traversal.OrderItem

	popCur, popAve float64
	takeCur, takeAve int
	totCur, totAve   int

	Active    bool
	Valid     bool
	Ordered   bool
	Permanent bool
}

// score is popularity_ave * take_ave (spec.md §4.J step 2).
func (icb *ICB) score() float64 {
	return icb.popAve * float64(icb.takeAve)
}

// lessICB orders ICBs for the poptop btree by (score, key) so the
// structure is a strict weak order even when two blocks tie on score.
func lessICB(a, b *ICB) bool {
	if a.score() != b.score() {
		return a.score() < b.score()
	}
	return a.Key < b.Key
}

// Cache is the hierarchy-owned find-index cache.
type Cache struct {
	h   *hierarchy.Hierarchy
	em  *edge.Manager
	sub *subs.Engine

	icbs map[string]*ICB

	// poptop: a top-K structure over ICB score, per design note (the
	// original's poptop): google/btree backs the "sorted_vec_by_score"
	// half of the pair. TickIndex cuts the lower half of the ranked
	// entries on each sweep; it does not read CutLimit.
	poptop   *btree.BTreeG[*ICB]
	CutLimit float64

	MaxIndices     int
	MaxHintsPerFind int
	Threshold      float64

	markerIDs map[subs.SubID]string // reverse lookup: marker sub -> ICB key
}

func New(h *hierarchy.Hierarchy, em *edge.Manager, sub *subs.Engine) *Cache {
	return &Cache{
		h:               h,
		em:              em,
		sub:             sub,
		icbs:            make(map[string]*ICB),
		poptop:          btree.NewG[*ICB](32, lessICB),
		MaxIndices:      100,
		MaxHintsPerFind: 3,
		Threshold:       10,
		markerIDs:       make(map[subs.SubID]string),
	}
}

func (c *Cache) getOrCreate(h Hint) *ICB {
	k := key(h)
	if icb, ok := c.icbs[k]; ok {
		return icb
	}
	icb := &ICB{Key: k, Hint: h, Ordered: h.OrderKind != "" && h.OrderKind != "none"}
	c.icbs[k] = icb
	return icb
}

// AutoMulti looks up or lazily creates an ICB per hint (spec.md §4.J
// step 1). It returns the smallest valid ICB among the hints, or nil if
// none is usable, in which case the caller must fall back to a full
// traversal and call Account for every hint.
func (c *Cache) AutoMulti(hints []Hint) *ICB {
	var best *ICB
	for _, h := range hints {
		icb := c.getOrCreate(h)
		icb.totCur++
		if icb.Active && !icb.Valid {
			// Rebuild an invalidated index with a fresh refresh pass.
			icb.resultSet = make(map[hierarchy.NodeID]bool)
			icb.resultOrder = nil
			_ = c.refreshWalk(icb, true)
			icb.Valid = true
		}
		if icb.Active && icb.Valid {
			if best == nil || icb.size() < best.size() {
				best = icb
			}
		}
	}
	return best
}

func (icb *ICB) size() int {
	if icb.Ordered {
		return len(icb.resultOrder)
	}
	return len(icb.resultSet)
}

// Account records the outcome of a query against hints that were not
// selected, so their score still reflects "would not have helped"
// (spec.md §4.J "Accounting across multiple hints"): the selected ICB
// gets take=accTake, every other candidate gets take=0, and both get
// tot=accTot.
func (c *Cache) Account(hints []Hint, selected *ICB, accTake, accTot int) {
	for _, h := range hints {
		icb := c.getOrCreate(h)
		icb.totCur += accTot
		if icb == selected {
			icb.takeCur += accTake
		}
	}
}

// Result iterates icb's materialised result in order (if Ordered) or
// arbitrary set order otherwise, honoring limit (ignored, per spec.md
// §4.J, for unordered ICBs: "unordered ICB iteration does not support
// limit").
func (icb *ICB) Result(offset, limit int, yield func(hierarchy.NodeID) bool) {
	if icb.Ordered {
		end := len(icb.resultOrder)
		if limit >= 0 && offset+limit < end {
			end = offset + limit
		}
		for i := offset; i < end && i < len(icb.resultOrder); i++ {
			if !yield(icb.resultOrder[i].NodeID) {
				return
			}
		}
		return
	}
	for id := range icb.resultSet {
		if !yield(id) {
			return
		}
	}
}

// --- lifecycle: ICB update timer + global indexing timer (spec.md §4.J step 2-3) ---

// lpfAlpha is the low-pass-filter smoothing factor applied once per
// icb_update_interval tick.
const lpfAlpha = 0.2

// TickICB rolls every tracked ICB's popularity/take/total counters into
// their low-pass-filter averages, then proposes any ICB whose score
// clears Threshold (or that is Permanent) to the poptop selector.
func (c *Cache) TickICB() {
	for _, icb := range c.icbs {
		icb.popAve = icb.popAve*(1-lpfAlpha) + icb.popCur*lpfAlpha
		icb.takeAve = int(float64(icb.takeAve)*(1-lpfAlpha) + float64(icb.takeCur)*lpfAlpha)
		icb.totAve = int(float64(icb.totAve)*(1-lpfAlpha) + float64(icb.totCur)*lpfAlpha)
		icb.popCur, icb.takeCur, icb.totCur = 0, 0, 0

		if icb.Permanent || icb.score() >= c.Threshold {
			c.poptop.ReplaceOrInsert(icb)
		}
	}
}

// TickIndex runs the global indexing_interval sweep (spec.md §4.J step
// 3): entries under the cut limit are discarded (result dropped, ICB
// kept) or destroyed (ICB removed) depending on how cold they are;
// entries at the top are promoted to active indices, up to MaxIndices.
func (c *Cache) TickIndex() (dropped, destroyed []string) {
	var ranked []*ICB
	c.poptop.Ascend(func(icb *ICB) bool {
		ranked = append(ranked, icb)
		return true
	})
	// Drop roughly half of tracked entries per sweep (design note:
	// "a top-K structure with a moving cut limit that drops roughly
	// half of tracked entries per maintenance sweep").
	cut := len(ranked) / 2
	for i := 0; i < cut; i++ {
		icb := ranked[i]
		if icb.Permanent {
			continue
		}
		if icb.score() <= 0 {
			// Cold for long: drop the ICB entirely.
			c.poptop.Delete(icb)
			delete(c.icbs, icb.Key)
			destroyed = append(destroyed, icb.Key)
		} else {
			// Popular recently but now cold: drop the materialised
			// result but keep tracking the ICB.
			icb.resultSet = nil
			icb.resultOrder = nil
			icb.Valid = false
			dropped = append(dropped, icb.Key)
		}
	}

	promoted := 0
	activeCount := 0
	for _, icb := range c.icbs {
		if icb.Active {
			activeCount++
		}
	}
	top := ranked[cut:]
	sort.Slice(top, func(i, j int) bool { return top[i].score() > top[j].score() })
	for _, icb := range top {
		if activeCount+promoted >= c.MaxIndices {
			break
		}
		if icb.Active {
			continue
		}
		c.promote(icb)
		promoted++
	}
	return dropped, destroyed
}

// promote installs a callback subscription marker for icb and marks it
// Active (but not yet Valid until the first Refresh populates it).
func (c *Cache) promote(icb *ICB) {
	subID := subs.NewSubID()
	icb.MarkerSubID = subID
	c.markerIDs[subID] = icb.Key

	dir := icb.Hint.Dir
	m := c.sub.NewCallbackMarker(subID, icb.Hint.Start, dir, icb.Hint.FieldName, func(ev subs.Event) {
		c.onMarkerEvent(icb, ev)
	})
	m.Expr = icb.Hint.Expr
	m.Filter = icb.Hint.Filter
	icb.Active = true
	icb.Valid = false
	if err := c.sub.Attach(m); err != nil {
		icb.Active = false
		return
	}
	// A refresh pass immediately populates the result: walk the shape
	// once, seeding the result from every matching node.
	icb.resultSet = make(map[hierarchy.NodeID]bool)
	icb.resultOrder = nil
	firstPass := true
	_ = c.refreshWalk(icb, firstPass)
	icb.Valid = true
}

func (c *Cache) refreshWalk(icb *ICB, skipSelf bool) error {
	return traversal.Run(c.h, c.em, icb.Hint.Start, icb.Hint.Dir, traversal.Options{FieldName: icb.Hint.FieldName, Expr: icb.Hint.Expr}, traversal.Callbacks{
		Node: func(n *hierarchy.Node) bool {
			if skipSelf && n.ID() == icb.Hint.Start {
				return true
			}
			c.addIfMatches(icb, n)
			return true
		},
	})
}

func (c *Cache) addIfMatches(icb *ICB, n *hierarchy.Node) {
	if icb.Hint.Filter != nil {
		ok, err := rpn.EvalBool(icb.Hint.Filter, &rpn.Context{Object: n.Object(), Node: n})
		if err != nil || !ok {
			return
		}
	}
	if icb.resultSet == nil {
		icb.resultSet = make(map[hierarchy.NodeID]bool)
	}
	icb.resultSet[n.ID()] = true
}

// onMarkerEvent implements the subscription callback update protocol of
// spec.md §4.J ("Update protocol"): CL_HIERARCHY ("hierarchy-removed",
// a node dropped out from under the traversal) invalidates without
// dropping the marker — the next AutoMulti rebuilds it via promote's
// initial REFRESH pass; CH_HIERARCHY / CH_FIELD ("update") tests the
// single touched node against the filter.
func (c *Cache) onMarkerEvent(icb *ICB, ev subs.Event) {
	switch ev.Kind {
	case "hierarchy-removed":
		icb.Valid = false
	case "update", "trigger":
		if icb.Ordered && icb.Hint.OrderField != "" {
			// In-place reordering of a sorted materialised result is
			// not performed; an order-field touch invalidates instead.
			if n, ok := c.h.FindNode(ev.NodeID); ok {
				if _, err := n.Object().Get(icb.Hint.OrderField); err == nil {
					icb.Valid = false
					return
				}
			}
		}
		if n, ok := c.h.FindNode(ev.NodeID); ok {
			c.addIfMatches(icb, n)
		}
	}
	icb.popCur++
}

// ICBByKey is used by the index.{list,info,debug} admin commands.
func (c *Cache) ICBByKey(k string) (*ICB, bool) {
	icb, ok := c.icbs[k]
	return icb, ok
}

func (c *Cache) All() []*ICB {
	out := make([]*ICB, 0, len(c.icbs))
	for _, icb := range c.icbs {
		out = append(out, icb)
	}
	return out
}

// SetPermanent pins icb, matching the index.new admin command (spec.md
// §6.B "index.{list,new,del,debug,info}").
func (c *Cache) SetPermanent(k string, permanent bool) error {
	icb, ok := c.icbs[k]
	if !ok {
		return selvaerr.ErrNotFound
	}
	icb.Permanent = permanent
	if permanent && !icb.Active {
		c.promote(icb)
	}
	return nil
}

// Delete removes an ICB and tears down its marker, if any (index.del).
func (c *Cache) Delete(k string) error {
	icb, ok := c.icbs[k]
	if !ok {
		return selvaerr.ErrNotFound
	}
	if icb.Active {
		_ = c.sub.Teardown(icb.MarkerSubID)
		delete(c.markerIDs, icb.MarkerSubID)
	}
	c.poptop.Delete(icb)
	delete(c.icbs, k)
	return nil
}
