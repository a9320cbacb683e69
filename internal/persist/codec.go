// Package persist implements the on-disk snapshot layout of spec.md
// §6.C and the detached-subtree blob store of §3.H. The core (internal/
// hierarchy et al.) treats both as an external IO module it only talks
// to through narrow interfaces (spec.md §1 "persistent snapshot I/O" is
// out of scope for the core); this package is that module.
//
// The wire format is a flat, length-prefixed binary encoding, grounded
// on the same varint/length-prefix discipline internal/proto uses for
// the TCP wire, rather than a generic Go encoder: the snapshot layout
// is dictated by spec.md §6.C field order, not by whatever a reflection-
// based codec would choose to emit.
package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/selvaset"
	"github.com/selvadb/selva/internal/str"
)


// snapshotVersion is the persisted layout version (spec.md §6.C
// "version"); bump whenever the byte layout changes incompatibly.
const snapshotVersion = 1

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) f64(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf.Write(b[:])
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) { w.bytes([]byte(s)) }

func (w *writer) nodeID(id hierarchy.NodeID) { w.buf.Write(id[:]) }

type reader struct {
	r   *bytes.Reader
	err error
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	return b
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	var b [4]byte
	r.readFull(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) u64() uint64 {
	var b [8]byte
	r.readFull(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) readFull(b []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)
	}
}

func (r *reader) bytesN() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	r.readFull(b)
	return b
}

func (r *reader) string() string { return string(r.bytesN()) }

func (r *reader) nodeID() hierarchy.NodeID {
	var id hierarchy.NodeID
	r.readFull(id[:])
	return id
}

// --- str.String ---

func encodeString(w *writer, s *str.String) {
	if s == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u8(uint8(s.Flags()))
	w.bytes(s.ToStr())
}

func decodeString(r *reader) *str.String {
	present := r.u8()
	if present == 0 {
		return nil
	}
	flags := str.Flags(r.u8())
	b := r.bytesN()
	return str.Create(b, flags)
}

// --- object.Value / object.Object ---
//
// Each object entry is written as (name, user_meta, type,
// value_payload): user_meta comes before the type byte, which
// encodeValue writes ahead of the payload. Containers recurse.

func encodeValue(w *writer, v object.Value) error {
	w.u8(uint8(v.Kind))
	switch v.Kind {
	case object.Null:
	case object.KindF64:
		w.f64(v.F64)
	case object.KindI64:
		w.i64(v.I64)
	case object.KindString:
		encodeString(w, v.Str)
	case object.KindObject:
		return encodeObject(w, v.Obj)
	case object.KindSet:
		return encodeSet(w, v.Set)
	case object.KindArray:
		return encodeArray(w, v.Arr)
	case object.KindPointer:
		return encodePointer(w, v.Ptr)
	case object.KindHLL:
		if v.HLL == nil {
			w.bytes(nil)
		} else {
			w.bytes(v.HLL.MarshalRegisters())
		}
	default:
		return selvaerr.New(selvaerr.InvalidArgument, fmt.Sprintf("persist: unknown value kind %d", v.Kind))
	}
	return nil
}

func decodeValue(r *reader) (object.Value, error) {
	kind := object.Kind(r.u8())
	switch kind {
	case object.Null:
		return object.NullValue(), nil
	case object.KindF64:
		return object.F64Value(r.f64()), nil
	case object.KindI64:
		return object.I64Value(r.i64()), nil
	case object.KindString:
		return object.StringValue(decodeString(r)), nil
	case object.KindObject:
		o, err := decodeObject(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.ObjectValue(o), nil
	case object.KindSet:
		s, err := decodeSet(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.SetValue(s), nil
	case object.KindArray:
		a, err := decodeArray(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.ArrayValue(a), nil
	case object.KindPointer:
		p, err := decodePointer(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.PointerValue(p), nil
	case object.KindHLL:
		b := r.bytesN()
		h := object.NewHyperLogLog()
		h.UnmarshalRegisters(b)
		return object.HLLValue(h), nil
	default:
		return object.Value{}, selvaerr.New(selvaerr.InvalidArgument, fmt.Sprintf("persist: unknown value kind %d", kind))
	}
}

// encodeObject writes (size, [(name, user_meta, type, value_payload)...]).
func encodeObject(w *writer, o *object.Object) error {
	if o == nil {
		w.u32(0)
		return nil
	}
	keys := o.Keys()
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		v, err := o.Get(k)
		if err != nil {
			continue
		}
		meta, _ := o.MetaOf(k)
		w.str(k)
		w.u8(uint8(meta))
		if err := encodeValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

// decodeObjectInto reads (size, [(name, user_meta, type, value_payload)...])
// directly into an existing Object, so callers that already own a live
// *object.Object (a hierarchy node's) don't need to build a throwaway
// one and copy it over.
func decodeObjectInto(r *reader, o *object.Object) error {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		key := r.string()
		meta := object.MetaTag(r.u8())
		v, err := decodeValue(r)
		if err != nil {
			return err
		}
		o.PutRaw(key, v, meta)
	}
	return r.err
}

func decodeObject(r *reader) (*object.Object, error) {
	o := object.New()
	if err := decodeObjectInto(r, o); err != nil {
		return nil, err
	}
	return o, nil
}

// --- object.Array ---

func encodeArray(w *writer, a *object.Array) error {
	if a == nil {
		w.u8(uint8(object.ArrElemUnset))
		w.u32(0)
		return nil
	}
	w.u8(uint8(a.Kind()))
	w.u32(uint32(a.Len()))
	var encErr error
	a.Foreach(func(i int, v object.Value) bool {
		if err := encodeValue(w, v); err != nil {
			encErr = err
			return false
		}
		return true
	})
	return encErr
}

func decodeArray(r *reader) (*object.Array, error) {
	_ = object.ArrayElemKind(r.u8()) // sub-type is re-derived from the first Append
	n := r.u32()
	// object.Array has no public constructor; obtain one through a
	// throwaway object's GetArray(create=true), the same path command
	// layer code uses to materialize a fresh array field.
	tmp := object.New()
	a, err := tmp.GetArray("a", true)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		v, derr := decodeValue(r)
		if derr != nil {
			return nil, derr
		}
		if aerr := a.Append(v); aerr != nil {
			return nil, aerr
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

// --- selvaset.Set ---

func encodeSet(w *writer, s *selvaset.Set) error {
	if s == nil {
		w.u8(uint8(selvaset.Unset))
		w.u32(0)
		return nil
	}
	w.u8(uint8(s.Type()))
	w.u32(uint32(s.Size()))
	switch s.Type() {
	case selvaset.TypeString:
		s.ForeachString(func(v *str.String) bool { encodeString(w, v); return true })
	case selvaset.TypeDouble:
		s.ForeachDouble(func(v float64) bool { w.f64(v); return true })
	case selvaset.TypeInt64:
		s.ForeachInt64(func(v int64) bool { w.i64(v); return true })
	case selvaset.TypeNodeID:
		s.ForeachNodeID(func(v selvaset.NodeID) bool { w.nodeID(v); return true })
	}
	return nil
}

func decodeSet(r *reader) (*selvaset.Set, error) {
	typ := selvaset.ElemType(r.u8())
	n := r.u32()
	s := selvaset.New()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var err error
		switch typ {
		case selvaset.TypeString:
			err = s.AddString(decodeString(r))
		case selvaset.TypeDouble:
			err = s.AddDouble(r.f64())
		case selvaset.TypeInt64:
			err = s.AddInt64(r.i64())
		case selvaset.TypeNodeID:
			err = s.AddNodeID(r.nodeID())
		}
		if err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// --- object.Pointer ---
//
// spec.md §6.C: "Pointers serialise only if their options struct
// provides a type id plus save/load callbacks." Anything else is
// dropped; there is no registered pointer type in this build, so this
// path exists for forward compatibility with callers that register one
// via PointerOptions.

func encodePointer(w *writer, p *object.Pointer) error {
	if p == nil || p.Options == nil || p.Options.Save == nil {
		w.bool(false)
		return nil
	}
	b, err := p.Options.Save(p.Value)
	if err != nil {
		return err
	}
	w.bool(true)
	w.i64(int64(p.Options.TypeID))
	w.bytes(b)
	return nil
}

func decodePointer(r *reader) (*object.Pointer, error) {
	present := r.boolean()
	if !present {
		return nil, nil
	}
	_ = r.i64() // type id; rehydration requires a registry this build doesn't carry
	r.bytesN()
	return nil, nil
}
