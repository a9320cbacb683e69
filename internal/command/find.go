// find.go implements hierarchy.find and hierarchy.aggregate (spec.md
// §4.K, §6.B), grounded on the teacher's single handleX-per-operation
// shape but with the per-command orchestration steps spec.md §4.K
// enumerates: parse, traverse-or-index, sort/window, stream, flush.
package command

import (
	"strconv"

	"github.com/selvadb/selva/internal/findindex"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/traversal"
)

// aggKind is the aggregate operator (§6.B: "last positional is one of
// {0:count-nodes, 1:count-unique-field, 2:sum, 3:avg, 4:min, 5:max}").
type aggKind int

const (
	aggCountNodes aggKind = iota
	aggCountUniqueField
	aggSum
	aggAvg
	aggMin
	aggMax
)

type findOpts struct {
	Lang string
	Dir  traversal.Kind

	FieldName string
	Expr      *rpn.Expr

	EdgeFilter *rpn.Expr

	IndexNames []string

	OrderField string
	OrderKind  string // "", "asc", "desc"

	Offset int
	Limit  int

	MergePath string
	DeepMerge bool

	Fields     []string
	FieldsExpr *rpn.Expr

	Inherit []string

	NodeIDs []hierarchy.NodeID

	Filter     *rpn.Expr
	FilterArgs []proto.Value

	Agg aggKind
}

func parseFindArgs(args []proto.Value, aggregate bool) (*findOpts, error) {
	r := newArgReader(args)
	o := &findOpts{Offset: 0, Limit: -1}

	lang, err := r.nextString()
	if err != nil {
		return nil, err
	}
	o.Lang = lang

	dirTok, err := r.nextString()
	if err != nil {
		return nil, err
	}
	dir, ok := parseDirection(dirTok)
	if !ok {
		return nil, selvaerr.New(selvaerr.InvalidArgument, "command: unknown direction "+dirTok)
	}
	o.Dir = dir

	if needsFieldName(dir) {
		field, err := r.nextString()
		if err != nil {
			return nil, err
		}
		o.FieldName = field
	} else if needsExpr(dir) {
		src, err := r.nextString()
		if err != nil {
			return nil, err
		}
		expr, err := rpn.Compile(src)
		if err != nil {
			return nil, err
		}
		o.Expr = expr
	}

	for {
		switch {
		case r.takeKeyword("edge_filter"):
			src, err := r.nextString()
			if err != nil {
				return nil, err
			}
			expr, err := rpn.Compile(src)
			if err != nil {
				return nil, err
			}
			o.EdgeFilter = expr
		case r.takeKeyword("index"):
			name, err := r.nextString()
			if err != nil {
				return nil, err
			}
			o.IndexNames = append(o.IndexNames, name)
		case r.takeKeyword("order"):
			field, err := r.nextString()
			if err != nil {
				return nil, err
			}
			kind, err := r.nextString()
			if err != nil {
				return nil, err
			}
			o.OrderField = field
			o.OrderKind = kind
		case r.takeKeyword("offset"):
			n, err := r.nextI64()
			if err != nil {
				return nil, err
			}
			o.Offset = int(n)
		case r.takeKeyword("limit"):
			n, err := r.nextI64()
			if err != nil {
				return nil, err
			}
			o.Limit = int(n)
		case r.takeKeyword("merge"):
			path, err := r.nextString()
			if err != nil {
				return nil, err
			}
			o.MergePath = path
		case r.takeKeyword("deepMerge"):
			path, err := r.nextString()
			if err != nil {
				return nil, err
			}
			o.MergePath = path
			o.DeepMerge = true
		case r.takeKeyword("fields"):
			fields, err := r.nextStringArray()
			if err != nil {
				return nil, err
			}
			o.Fields = fields
		case r.takeKeyword("fields_rpn"):
			src, err := r.nextString()
			if err != nil {
				return nil, err
			}
			expr, err := rpn.Compile(src)
			if err != nil {
				return nil, err
			}
			o.FieldsExpr = expr
		case r.takeKeyword("inherit"):
			names, err := r.nextStringArray()
			if err != nil {
				return nil, err
			}
			o.Inherit = names
		case aggregate && r.takeKeyword("agg"):
			n, err := r.nextI64()
			if err != nil {
				return nil, err
			}
			o.Agg = aggKind(n)
		default:
			goto nodeIDs
		}
	}

nodeIDs:
	if !r.takeKeyword("node_ids") {
		return nil, selvaerr.New(selvaerr.InvalidArgument, "command: expected node_ids")
	}
	ids, err := r.nextNodeIDArray()
	if err != nil {
		return nil, err
	}
	o.NodeIDs = ids

	if r.takeKeyword("filter_expr") {
		src, err := r.nextString()
		if err != nil {
			return nil, err
		}
		expr, err := rpn.Compile(src)
		if err != nil {
			return nil, err
		}
		o.Filter = expr
		o.FilterArgs = r.rest()
	}

	return o, nil
}

// visit is one traversal/index result row, pending ordering and
// windowing (spec.md §4.K step 3's TraversalOrderItem).
type visit struct {
	node *hierarchy.Node
}

func (d *Dispatcher) collect(o *findOpts, start hierarchy.NodeID) ([]visit, error) {
	var hint *findindex.Hint
	if len(o.IndexNames) > 0 {
		hint = &findindex.Hint{
			Start: start, Dir: o.Dir, FieldName: o.FieldName, Expr: o.Expr,
			Filter: o.Filter, OrderKind: o.OrderKind, OrderField: o.OrderField,
		}
	}

	var results []visit
	filterCtx := func(n *hierarchy.Node) (bool, error) {
		if o.Filter == nil {
			return true, nil
		}
		ctx := &rpn.Context{Object: n.Object(), Node: n}
		bindFilterRegisters(ctx, o.FilterArgs)
		return rpn.EvalBool(o.Filter, ctx)
	}

	if hint != nil {
		if icb := d.Idx.AutoMulti([]findindex.Hint{*hint}); icb != nil {
			var ids []hierarchy.NodeID
			icb.Result(0, -1, func(id hierarchy.NodeID) bool { ids = append(ids, id); return true })
			for _, id := range ids {
				n, ok := d.H.FindNode(id)
				if !ok {
					continue
				}
				results = append(results, visit{node: n})
			}
			d.Idx.Account([]findindex.Hint{*hint}, icb, len(ids), len(ids))
			return results, nil
		}
		d.Idx.Account([]findindex.Hint{*hint}, nil, 0, 0)
	}

	err := traversal.Run(d.H, d.Em, start, o.Dir, traversal.Options{FieldName: o.FieldName, Expr: o.Expr}, traversal.Callbacks{
		Head: func(n *hierarchy.Node) bool {
			ok, ferr := filterCtx(n)
			if ferr == nil && ok {
				results = append(results, visit{node: n})
			}
			return true
		},
		Node: func(n *hierarchy.Node) bool {
			ok, ferr := filterCtx(n)
			if ferr == nil && ok {
				results = append(results, visit{node: n})
			}
			return true
		},
	})
	return results, err
}

func bindFilterRegisters(ctx *rpn.Context, args []proto.Value) {
	ctx.Registers = RegistersFromArgs(args)
}

// RegistersFromArgs binds filter_expr's trailing wire arguments into the
// RPN register file: the first argument goes to $1, the second to $2,
// and so on (spec.md §8.C scenario 2's filter syntax); register 0 is not
// bound from arguments. It is shared by every command that parses a
// filter_expr clause (hierarchy.find/aggregate/update inline here,
// subscriptions.add/addAlias/addTrigger via subs.Marker.FilterRegs) so
// registration-time binding and evaluation-time binding never drift
// apart.
func RegistersFromArgs(args []proto.Value) [16]rpn.Value {
	var regs [16]rpn.Value
	for i, v := range args {
		if i+1 >= len(regs) {
			break
		}
		switch v.Kind {
		case proto.VI64:
			regs[i+1] = rpn.I64Val(v.I64)
		case proto.VDouble:
			regs[i+1] = rpn.F64Val(v.F64)
		case proto.VString:
			regs[i+1] = rpn.StrVal(v.Str)
		case proto.VBool:
			regs[i+1] = rpn.BoolVal(v.B)
		}
	}
	return regs
}

func (d *Dispatcher) find(args []proto.Value, aggregate bool) Reply {
	o, err := parseFindArgs(args, aggregate)
	if err != nil {
		return errReply(err)
	}

	var all []visit
	for _, start := range o.NodeIDs {
		rows, err := d.collect(o, start)
		if err != nil {
			return errReply(err)
		}
		all = append(all, rows...)
	}

	if o.OrderKind == "asc" || o.OrderKind == "desc" {
		items := make([]traversal.OrderItem, 0, len(all))
		byID := make(map[hierarchy.NodeID]*hierarchy.Node, len(all))
		for _, v := range all {
			item := traversal.OrderItem{NodeID: v.node.ID()}
			if fv, err := v.node.Object().Get(o.OrderField); err == nil {
				switch fv.Kind {
				case object.KindI64:
					item.Numeric = float64(fv.I64)
					item.IsNumeric = true
				case object.KindF64:
					item.Numeric = fv.F64
					item.IsNumeric = true
				case object.KindString:
					item.Text = string(fv.Str.ToStr())
				}
			}
			items = append(items, item)
			byID[v.node.ID()] = v.node
		}
		traversal.SortOrder(items, o.OrderKind == "desc", o.Lang)
		all = all[:0]
		for _, it := range items {
			all = append(all, visit{node: byID[it.NodeID]})
		}
	}

	if aggregate {
		return d.aggregateResult(o, all)
	}

	lo, hi := window(len(all), o.Offset, o.Limit)
	out := []proto.Value{proto.ArrayBegin()}
	for _, v := range all[lo:hi] {
		id := v.node.ID()
		out = append(out, proto.Str(id[:]))
		out = append(out, encodeNodeFields(v.node.Object(), o.Fields)...)
	}
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

func window(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit >= 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

func (d *Dispatcher) aggregateResult(o *findOpts, all []visit) Reply {
	lo, hi := window(len(all), o.Offset, o.Limit)
	rows := all[lo:hi]

	switch o.Agg {
	case aggCountNodes:
		return okValues(proto.I64(int64(len(rows))))
	case aggCountUniqueField:
		seen := map[string]bool{}
		field := firstField(o)
		for _, v := range rows {
			if fv, err := v.node.Object().Get(field); err == nil {
				seen[fieldKey(fv)] = true
			}
		}
		return okValues(proto.I64(int64(len(seen))))
	case aggSum, aggAvg, aggMin, aggMax:
		field := firstField(o)
		var sum, count float64
		var min, max float64
		haveMinMax := false
		for _, v := range rows {
			fv, err := v.node.Object().Get(field)
			if err != nil {
				continue
			}
			var n float64
			switch fv.Kind {
			case object.KindI64:
				n = float64(fv.I64)
			case object.KindF64:
				n = fv.F64
			default:
				continue
			}
			sum += n
			count++
			if !haveMinMax || n < min {
				min = n
			}
			if !haveMinMax || n > max {
				max = n
			}
			haveMinMax = true
		}
		switch o.Agg {
		case aggSum:
			return okValues(proto.Double(sum))
		case aggAvg:
			if count == 0 {
				return okValues(proto.Double(0))
			}
			return okValues(proto.Double(sum / count))
		case aggMin:
			return okValues(proto.Double(min))
		case aggMax:
			return okValues(proto.Double(max))
		}
	}
	return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: unknown aggregate kind"))
}

func firstField(o *findOpts) string {
	if len(o.Fields) > 0 {
		return o.Fields[0]
	}
	return ""
}

func fieldKey(v object.Value) string {
	switch v.Kind {
	case object.KindString:
		return string(v.Str.ToStr())
	case object.KindI64:
		return strconv.FormatInt(v.I64, 10)
	default:
		return ""
	}
}
