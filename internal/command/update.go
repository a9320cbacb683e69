// update.go implements the `update` command (spec.md §4.K, §6.B): a
// dir-scoped traversal picking target nodes, then a fixed sequence of
// typed field operations applied to each, with subscription
// notification around every field write.
package command

import (
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/rpn"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/str"
	"github.com/selvadb/selva/internal/traversal"
)

type updateOp struct {
	Code  string
	Field string

	I64 int64
	F64 float64
	Str string
}

type updateOpts struct {
	Dir       traversal.Kind
	FieldName string
	Expr      *rpn.Expr

	Ops []updateOp

	NodeIDs    []hierarchy.NodeID
	Filter     *rpn.Expr
	FilterArgs []proto.Value
}

func parseUpdateArgs(args []proto.Value) (*updateOpts, error) {
	r := newArgReader(args)
	o := &updateOpts{}

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

	if r.takeKeyword("edge_filter") {
		if _, err := r.nextString(); err != nil {
			return nil, err
		}
	}

	nrOps, err := r.nextI64()
	if err != nil {
		return nil, err
	}

	for i := int64(0); i < nrOps; i++ {
		code, err := r.nextString()
		if err != nil {
			return nil, err
		}
		field, err := r.nextString()
		if err != nil {
			return nil, err
		}
		op := updateOp{Code: code, Field: field}
		switch code {
		case "del", "array_remove_all":
			// no value
		case "alias":
			// field carries the alias name; no separate value — the alias
			// is reassigned to whichever node this update op is applied to.
		case "array_remove":
			n, err := r.nextI64()
			if err != nil {
				return nil, err
			}
			op.I64 = n
		case "obj_meta":
			n, err := r.nextI64()
			if err != nil {
				return nil, err
			}
			op.I64 = n
		case "increment_i64", "i64", "default_i64":
			n, err := r.nextI64()
			if err != nil {
				return nil, err
			}
			op.I64 = n
		case "increment_f64", "f64", "default_f64":
			f, err := r.nextF64()
			if err != nil {
				return nil, err
			}
			op.F64 = f
		case "string", "default_string", "set":
			s, err := r.nextString()
			if err != nil {
				return nil, err
			}
			op.Str = s
		default:
			return nil, selvaerr.New(selvaerr.InvalidArgument, "command: unknown update op_code "+code)
		}
		o.Ops = append(o.Ops, op)
	}

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

func (d *Dispatcher) update(args []proto.Value) Reply {
	o, err := parseUpdateArgs(args)
	if err != nil {
		return errReply(err)
	}

	var touched []hierarchy.NodeID
	for _, start := range o.NodeIDs {
		nodes, err := d.resolveUpdateTargets(o, start)
		if err != nil {
			return errReply(err)
		}
		touched = append(touched, nodes...)
	}

	for _, id := range touched {
		n, ok := d.H.FindNode(id)
		if !ok {
			continue
		}
		if o.Filter != nil {
			ctx := &rpn.Context{Object: n.Object(), Node: n}
			bindFilterRegisters(ctx, o.FilterArgs)
			ok, err := rpn.EvalBool(o.Filter, ctx)
			if err != nil || !ok {
				continue
			}
		}
		d.Subs.FieldChangePrecheck(id, n.Object())
		for _, op := range o.Ops {
			if op.Code == "alias" {
				// The only wire path that reassigns what a node id an alias
				// points to (spec.md GLOSSARY "Alias", §4.I
				// deferAliasChange, §8.C scenario 5): update d.aliases then
				// let the subscription engine notify and self-cancel every
				// one-shot alias marker watching it.
				d.aliases[op.Field] = id
				d.Subs.DeferAliasChange(op.Field)
				continue
			}
			if err := applyUpdateOp(n.Object(), op); err != nil {
				return errReply(err)
			}
			d.Subs.DeferHierarchy(id)
			d.Subs.DeferFieldChange(id, op.Field, n.Object())
		}
	}

	d.FlushDeferredEvents()
	return okValues(proto.I64(int64(len(touched))))
}

func (d *Dispatcher) resolveUpdateTargets(o *updateOpts, start hierarchy.NodeID) ([]hierarchy.NodeID, error) {
	if o.Dir == traversal.KindNodeOnly {
		if _, created := d.H.Upsert(start); created {
			d.Subs.DeferTrigger(start, "created")
		}
		return []hierarchy.NodeID{start}, nil
	}
	var out []hierarchy.NodeID
	err := traversal.Run(d.H, d.Em, start, o.Dir, traversal.Options{FieldName: o.FieldName, Expr: o.Expr}, traversal.Callbacks{
		Head: func(n *hierarchy.Node) bool { out = append(out, n.ID()); return true },
		Node: func(n *hierarchy.Node) bool { out = append(out, n.ID()); return true },
	})
	return out, err
}

func applyUpdateOp(o *object.Object, op updateOp) error {
	switch op.Code {
	case "set":
		return o.Set(op.Field, object.StringValue(str.Create([]byte(op.Str), str.None)), true)
	case "string":
		return o.Set(op.Field, object.StringValue(str.Create([]byte(op.Str), str.None)), true)
	case "default_string":
		return o.SetDefault(op.Field, object.StringValue(str.Create([]byte(op.Str), str.None)), true)
	case "i64":
		return o.Set(op.Field, object.I64Value(op.I64), true)
	case "default_i64":
		return o.SetDefault(op.Field, object.I64Value(op.I64), true)
	case "f64":
		return o.Set(op.Field, object.F64Value(op.F64), true)
	case "default_f64":
		return o.SetDefault(op.Field, object.F64Value(op.F64), true)
	case "increment_i64":
		cur, err := o.Get(op.Field)
		base := int64(0)
		if err == nil && cur.Kind == object.KindI64 {
			base = cur.I64
		}
		return o.Set(op.Field, object.I64Value(base+op.I64), true)
	case "increment_f64":
		cur, err := o.Get(op.Field)
		base := float64(0)
		if err == nil && cur.Kind == object.KindF64 {
			base = cur.F64
		}
		return o.Set(op.Field, object.F64Value(base+op.F64), true)
	case "del":
		return o.Del(op.Field)
	case "array_remove":
		arr, err := o.GetArray(op.Field, false)
		if err != nil {
			return err
		}
		return arr.RemoveIndex(int(op.I64))
	case "obj_meta":
		return o.SetMeta(op.Field, object.MetaTag(op.I64))
	default:
		return selvaerr.New(selvaerr.InvalidArgument, "command: unknown update op_code "+op.Code)
	}
}
