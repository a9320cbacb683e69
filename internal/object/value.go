// Package object implements the typed dynamic object of spec.md §3.B/
// §4.C: a keyed value store supporting null, f64, i64, string, nested
// object, typed set, heterogeneous array, HyperLogLog and opaque
// pointer values, addressed by dotted paths with optional array
// indexing.
package object

import (
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/selvaset"
	"github.com/selvadb/selva/internal/str"
	"github.com/selvadb/selva/internal/svector"
)

// Kind tags which field of Value is live.
type Kind int

const (
	Null Kind = iota
	KindF64
	KindI64
	KindString
	KindObject
	KindSet
	KindArray
	KindPointer
	KindHLL
)

// PointerOptions describes how an opaque pointer value is handled: it
// is freed only if Free is non-nil (spec.md §4.C memory behaviour), and
// is serializable only if both TypeID and Save/Load are set (§6.C).
type PointerOptions struct {
	TypeID int
	Reply  func(p interface{}) ([]byte, error)
	Free   func(p interface{})
	Len    func(p interface{}) int
	Save   func(p interface{}) ([]byte, error)
	Load   func(b []byte) (interface{}, error)
}

type Pointer struct {
	Value   interface{}
	Options *PointerOptions
}

func (p *Pointer) free() {
	if p.Options != nil && p.Options.Free != nil {
		p.Options.Free(p.Value)
	}
}

// ArrayElemKind is restricted to the sub-types spec.md §3.B allows in an
// array: i64, f64, string, object, pointer, hll.
type ArrayElemKind int

const (
	ArrElemUnset ArrayElemKind = iota
	ArrElemI64
	ArrElemF64
	ArrElemString
	ArrElemObject
	ArrElemPointer
	ArrElemHLL
)

// Array is an ordered sequence (append, insert, assign and remove by
// index) whose element sub-type is
// fixed once chosen (spec.md §3.B invariant (b)), backed by svector the
// way every ordered sequence in this codebase is.
type Array struct {
	elemKind ArrayElemKind
	vec      *svector.SVector[Value]
}

func newArray() *Array {
	return &Array{vec: svector.New[Value](4, nil)}
}

func (a *Array) Kind() ArrayElemKind { return a.elemKind }
func (a *Array) Len() int            { return a.vec.Size() }

func (a *Array) ensureKind(k ArrayElemKind) error {
	if k == ArrElemUnset {
		return selvaerr.New(selvaerr.WrongType, "object: value kind not allowed in an array")
	}
	if a.elemKind == ArrElemUnset {
		a.elemKind = k
		return nil
	}
	if a.elemKind != k {
		return selvaerr.New(selvaerr.WrongType, "object: array sub-type already fixed")
	}
	return nil
}

// Append adds v to the end, fixing the array's element sub-type on the
// first call.
func (a *Array) Append(v Value) error {
	if err := a.ensureKind(kindToArrElem(v.Kind)); err != nil {
		return err
	}
	a.vec.Insert(v)
	return nil
}

// Get returns the element at i; negative i counts from the end
// (spec.md §8.B: a[-1] == a[len(a)-1]).
func (a *Array) Get(i int) (Value, bool) {
	return a.vec.GetIndex(i)
}

// AssignIndex overwrites index i in place.
func (a *Array) AssignIndex(i int, v Value) error {
	if err := a.ensureKind(kindToArrElem(v.Kind)); err != nil {
		return err
	}
	if !a.vec.SetIndex(i, v) {
		return selvaerr.ErrNotFound
	}
	return nil
}

// InsertIndex inserts v at dense position i, shifting the tail right.
func (a *Array) InsertIndex(i int, v Value) error {
	if err := a.ensureKind(kindToArrElem(v.Kind)); err != nil {
		return err
	}
	if !a.vec.InsertIndex(i, v) {
		return selvaerr.New(selvaerr.OutOfBuffer, "object: array index out of range")
	}
	return nil
}

// RemoveIndex deletes the element at i; the array shrinks by one
// (spec.md §8.B).
func (a *Array) RemoveIndex(i int) error {
	idx := i
	if idx < 0 {
		idx = a.vec.Size() + idx
	}
	if !a.vec.RemoveIndex(idx) {
		return selvaerr.ErrNotFound
	}
	return nil
}

func (a *Array) Foreach(yield func(i int, v Value) bool) {
	a.vec.Foreach(yield)
}

func kindToArrElem(k Kind) ArrayElemKind {
	switch k {
	case KindI64:
		return ArrElemI64
	case KindF64:
		return ArrElemF64
	case KindString:
		return ArrElemString
	case KindObject:
		return ArrElemObject
	case KindPointer:
		return ArrElemPointer
	case KindHLL:
		return ArrElemHLL
	default:
		return ArrElemUnset
	}
}

// Value is the tagged union stored per key.
type Value struct {
	Kind Kind
	F64  float64
	I64  int64
	Str  *str.String
	Obj  *Object
	Set  *selvaset.Set
	Arr  *Array
	Ptr  *Pointer
	HLL  *HyperLogLog
}

func NullValue() Value             { return Value{Kind: Null} }
func F64Value(v float64) Value     { return Value{Kind: KindF64, F64: v} }
func I64Value(v int64) Value       { return Value{Kind: KindI64, I64: v} }
func StringValue(v *str.String) Value { return Value{Kind: KindString, Str: v} }
func ObjectValue(v *Object) Value  { return Value{Kind: KindObject, Obj: v} }
func SetValue(v *selvaset.Set) Value { return Value{Kind: KindSet, Set: v} }
func ArrayValue(v *Array) Value    { return Value{Kind: KindArray, Arr: v} }
func PointerValue(v *Pointer) Value { return Value{Kind: KindPointer, Ptr: v} }
func HLLValue(v *HyperLogLog) Value { return Value{Kind: KindHLL, HLL: v} }

// Equal does a best-effort value comparison, used by UpdateX to decide
// whether to skip emitting a change (spec.md §4.C).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case Null:
		return true
	case KindF64:
		return v.F64 == other.F64
	case KindI64:
		return v.I64 == other.I64
	case KindString:
		if v.Str == nil || other.Str == nil {
			return v.Str == other.Str
		}
		return v.Str.Cmp(other.Str) == 0
	default:
		// Objects, sets, arrays, pointers and HLLs are never reported
		// equal, not even to themselves: structural equality would
		// require a deep walk with no behavioural payoff here, since
		// these are always replaced wholesale (never field-wise
		// compared) by SetX callers.
		return false
	}
}

// free recursively destroys owned subtrees (spec.md §4.C memory
// behaviour): strings and nested objects/arrays/HLLs are freed,
// pointers only if their Options provide a Free callback, node-ids and
// numbers need nothing.
func (v Value) free() {
	switch v.Kind {
	case KindString:
		if v.Str != nil {
			v.Str.Free()
		}
	case KindObject:
		if v.Obj != nil {
			v.Obj.Destroy()
		}
	case KindArray:
		if v.Arr != nil {
			v.Arr.Foreach(func(_ int, elem Value) bool {
				elem.free()
				return true
			})
		}
	case KindPointer:
		if v.Ptr != nil {
			v.Ptr.free()
		}
	}
}
