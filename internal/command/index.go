// index.go implements the index.* command family (spec.md §6.B, §4.J):
// listing, pinning and inspecting find-index cache control blocks.
// Grounded on the teacher's debug admin handlers for read-only
// introspection of internal bookkeeping state.
package command

import (
	"github.com/selvadb/selva/internal/findindex"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/selvaerr"
)

func icbSummary(icb *findindex.ICB) []proto.Value {
	return []proto.Value{
		proto.Str([]byte(icb.Key)),
		proto.Bool(icb.Active),
		proto.Bool(icb.Valid),
		proto.Bool(icb.Ordered),
		proto.Bool(icb.Permanent),
	}
}

// idxList implements index.list: a summary row per tracked ICB.
func (d *Dispatcher) idxList() Reply {
	out := []proto.Value{proto.ArrayBegin()}
	for _, icb := range d.Idx.All() {
		out = append(out, proto.ArrayBegin())
		out = append(out, icbSummary(icb)...)
		out = append(out, proto.ArrayEnd())
	}
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

// idxNew implements index.new key: pins the named ICB as permanent,
// promoting it to an active index immediately rather than waiting for
// it to earn a place via popularity scoring (spec.md §4.J "permanent
// (pinned by an admin command)").
func (d *Dispatcher) idxNew(args []proto.Value) Reply {
	r := newArgReader(args)
	key, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	if err := d.Idx.SetPermanent(key, true); err != nil {
		return errReply(err)
	}
	return okValues(proto.Bool(true))
}

// idxDel implements index.del key: tears down the ICB's marker (if
// active) and drops it from the cache entirely.
func (d *Dispatcher) idxDel(args []proto.Value) Reply {
	r := newArgReader(args)
	key, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	if err := d.Idx.Delete(key); err != nil {
		return errReply(err)
	}
	return okValues(proto.Bool(true))
}

// idxDebug implements index.debug key: the full accounting state behind
// an ICB's promotion score, for tuning find_indexing_threshold et al.
func (d *Dispatcher) idxDebug(args []proto.Value) Reply {
	r := newArgReader(args)
	key, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	icb, ok := d.Idx.ICBByKey(key)
	if !ok {
		return errReply(selvaerr.ErrNotFound)
	}
	out := []proto.Value{proto.ArrayBegin()}
	out = append(out, icbSummary(icb)...)
	out = append(out, proto.Str([]byte("hint.dir")), proto.I64(int64(icb.Hint.Dir)))
	out = append(out, proto.Str([]byte("hint.field")), proto.Str([]byte(icb.Hint.FieldName)))
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

// idxInfo implements index.info key: the same summary as idxDebug
// without the hint internals, matching spec.md's distinct "info" vs
// "debug" commands (info is the stable client-facing view, debug is
// for operator diagnosis).
func (d *Dispatcher) idxInfo(args []proto.Value) Reply {
	r := newArgReader(args)
	key, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	icb, ok := d.Idx.ICBByKey(key)
	if !ok {
		return errReply(selvaerr.ErrNotFound)
	}
	return okValues(icbSummary(icb)...)
}
