// subscriptions.go implements the subscriptions.* command family
// (spec.md §6.B, §4.I): parsing marker arguments into subs.Engine
// constructor calls, then attaching, refreshing or tearing them down.
// Grounded on the teacher's hooks admin handlers
// (internal/rpc/server_routing_validation_diagnostics.go) for the
// list/debug/del shape, generalized to the marker model.
package command

import (
	"strings"

	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/subs"
)

// splitFieldAllowlist splits the spec's "\n"-separated field-name
// allowlist (spec.md §3.G); an empty string means wildcard (every
// field matches).
func splitFieldAllowlist(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// subAdd implements subscriptions.add: sub_id dir
// [ref_field|expr] [fields allowlist] node_id [filter_expr expr args...]
func (d *Dispatcher) subAdd(args []proto.Value) Reply {
	r := newArgReader(args)

	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}

	dirTok, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	dir, ok := parseDirection(dirTok)
	if !ok {
		return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: unknown direction "+dirTok))
	}

	var fieldName string
	var expr *rpn.Expr
	if needsFieldName(dir) {
		fieldName, err = r.nextString()
		if err != nil {
			return errReply(err)
		}
	} else if needsExpr(dir) {
		src, err := r.nextString()
		if err != nil {
			return errReply(err)
		}
		expr, err = rpn.Compile(src)
		if err != nil {
			return errReply(err)
		}
	}

	allowlist := []string(nil)
	if r.takeKeyword("fields") {
		s, err := r.nextString()
		if err != nil {
			return errReply(err)
		}
		allowlist = splitFieldAllowlist(s)
	}

	startStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	start := parseNodeID(startStr)

	var filter *rpn.Expr
	var filterArgs []proto.Value
	if r.takeKeyword("filter_expr") {
		src, err := r.nextString()
		if err != nil {
			return errReply(err)
		}
		filter, err = rpn.Compile(src)
		if err != nil {
			return errReply(err)
		}
		filterArgs = r.rest()
	}

	m := d.Subs.NewGenericMarker(subID, start, dir, fieldName, expr, filter, allowlist, subs.ModNone, nil)
	m.FilterRegs = RegistersFromArgs(filterArgs)
	if err := d.Subs.Attach(m); err != nil {
		return errReply(err)
	}
	return okValues(proto.Str([]byte(subIDStr)), proto.I64(int64(m.ID)))
}

// subAddAlias implements subscriptions.addAlias: sub_id alias
// [filter_expr expr args...]
func (d *Dispatcher) subAddAlias(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	alias, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	var filter *rpn.Expr
	var filterArgs []proto.Value
	if r.takeKeyword("filter_expr") {
		src, err := r.nextString()
		if err != nil {
			return errReply(err)
		}
		filter, err = rpn.Compile(src)
		if err != nil {
			return errReply(err)
		}
		filterArgs = r.rest()
	}
	m := d.Subs.NewAliasMarker(subID, alias, filter, nil)
	m.FilterRegs = RegistersFromArgs(filterArgs)
	if err := d.Subs.Attach(m); err != nil {
		return errReply(err)
	}
	return okValues(proto.Str([]byte(subIDStr)), proto.I64(int64(m.ID)))
}

// subAddMissing implements subscriptions.addMissing: sub_id key
func (d *Dispatcher) subAddMissing(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	key, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	m := d.Subs.NewMissingAccessorMarker(subID, key, nil)
	if err := d.Subs.Attach(m); err != nil {
		return errReply(err)
	}
	return okValues(proto.Str([]byte(subIDStr)), proto.I64(int64(m.ID)))
}

// subAddTrigger implements subscriptions.addTrigger: sub_id event_kind
// [filter_expr expr args...]
func (d *Dispatcher) subAddTrigger(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	kind, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	var filter *rpn.Expr
	var filterArgs []proto.Value
	if r.takeKeyword("filter_expr") {
		src, err := r.nextString()
		if err != nil {
			return errReply(err)
		}
		filter, err = rpn.Compile(src)
		if err != nil {
			return errReply(err)
		}
		filterArgs = r.rest()
	}
	m := d.Subs.NewTriggerMarker(subID, kind, filter, nil)
	m.FilterRegs = RegistersFromArgs(filterArgs)
	if err := d.Subs.Attach(m); err != nil {
		return errReply(err)
	}
	return okValues(proto.Str([]byte(subIDStr)), proto.I64(int64(m.ID)))
}

// subRefresh implements subscriptions.refresh sub_id: re-walks every
// generic/callback marker of the subscription, reinstalling it on
// whatever the traversal currently reaches.
func (d *Dispatcher) subRefresh(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	for _, m := range d.Subs.Markers(subID) {
		if err := d.Subs.Refresh(m); err != nil {
			return errReply(err)
		}
	}
	return okValues(proto.Bool(true))
}

func (d *Dispatcher) subList() Reply {
	out := []proto.Value{proto.ArrayBegin()}
	for _, id := range d.Subs.SubIDs() {
		out = append(out, proto.Str([]byte(id.String())))
	}
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

func (d *Dispatcher) subListMissing() Reply {
	out := []proto.Value{proto.ArrayBegin()}
	for _, k := range d.Subs.MissingKeys() {
		out = append(out, proto.Str([]byte(k)))
	}
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

// subDebug implements subscriptions.debug sub_id: dumps every marker's
// id, kind and traversal direction.
func (d *Dispatcher) subDebug(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	out := []proto.Value{proto.ArrayBegin()}
	for _, m := range d.Subs.Markers(subID) {
		out = append(out,
			proto.I64(int64(m.ID)),
			proto.I64(int64(m.Kind)),
			proto.I64(int64(m.Dir)),
			proto.Str([]byte(m.FieldName)),
		)
	}
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

func (d *Dispatcher) subDel(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	if err := d.Subs.Teardown(subID); err != nil {
		return errReply(err)
	}
	return okValues(proto.Bool(true))
}

// subDelMarker implements subscriptions.delMarker sub_id marker_id.
func (d *Dispatcher) subDelMarker(args []proto.Value) Reply {
	r := newArgReader(args)
	subIDStr, err := r.nextString()
	if err != nil {
		return errReply(err)
	}
	subID, err := subs.ParseSubID(subIDStr)
	if err != nil {
		return errReply(err)
	}
	markerID, err := r.nextI64()
	if err != nil {
		return errReply(err)
	}
	if err := d.Subs.DelMarker(subID, uint32(markerID)); err != nil {
		return errReply(err)
	}
	return okValues(proto.Bool(true))
}
