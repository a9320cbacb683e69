package command

import (
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/proto"
)

// encodeValue renders a typed object.Value as a wire value (§6.A value
// kinds). Containers are flattened with ArrayBegin/ArrayEnd brackets;
// sets have no direct wire representation and are sent as their element
// count, and pointers (like any other kind not listed) are sent as null,
// matching the teacher's convention of never shipping raw internal
// handles to a client.
func encodeValue(v object.Value) []proto.Value {
	switch v.Kind {
	case object.Null:
		return []proto.Value{proto.Null()}
	case object.KindF64:
		return []proto.Value{proto.Double(v.F64)}
	case object.KindI64:
		return []proto.Value{proto.I64(v.I64)}
	case object.KindString:
		if v.Str == nil {
			return []proto.Value{proto.Null()}
		}
		return []proto.Value{proto.Str(v.Str.ToStr())}
	case object.KindObject:
		return encodeObject(v.Obj)
	case object.KindArray:
		out := []proto.Value{proto.ArrayBegin()}
		if v.Arr != nil {
			v.Arr.Foreach(func(_ int, elem object.Value) bool {
				out = append(out, encodeValue(elem)...)
				return true
			})
		}
		out = append(out, proto.ArrayEnd())
		return out
	case object.KindSet:
		size := 0
		if v.Set != nil {
			size = v.Set.Size()
		}
		return []proto.Value{proto.I64(int64(size))}
	default:
		return []proto.Value{proto.Null()}
	}
}

// encodeObject flattens an object into a wire array of alternating
// (key, value) pairs bracketed by ArrayBegin/ArrayEnd, in insertion
// order (spec.md §4.C, §6.A).
func encodeObject(o *object.Object) []proto.Value {
	out := []proto.Value{proto.ArrayBegin()}
	if o != nil {
		o.Foreach(func(key string, v object.Value) bool {
			out = append(out, proto.Str([]byte(key)))
			out = append(out, encodeValue(v)...)
			return true
		})
	}
	out = append(out, proto.ArrayEnd())
	return out
}

// encodeNodeFields renders the fields of node's object named in fields
// (or the whole object if fields is empty) as a flat wire (key, value)
// array; a field that cannot be read is sent as null. There is no
// merge handling here.
func encodeNodeFields(o *object.Object, fields []string) []proto.Value {
	if len(fields) == 0 {
		return encodeObject(o)
	}
	out := []proto.Value{proto.ArrayBegin()}
	for _, f := range fields {
		v, err := o.Get(f)
		out = append(out, proto.Str([]byte(f)))
		if err != nil {
			out = append(out, proto.Null())
			continue
		}
		out = append(out, encodeValue(v)...)
	}
	out = append(out, proto.ArrayEnd())
	return out
}
