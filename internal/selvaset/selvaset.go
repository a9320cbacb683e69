// Package selvaset implements the typed set of spec.md §3.D/§4.D: a
// tagged union over four disjoint ordered trees, one per element type
// (interned string, f64, i64, NodeId). Each tree is a
// github.com/google/btree generic B-tree — the ordered-tree structure
// the retrieval pack's Ethereum-client teacher (erigon) uses throughout
// its state/trie layer — standing in for the original's four RB-trees;
// size is tracked separately for O(1) Size().
package selvaset

import (
	"math"

	"github.com/google/btree"

	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/str"
)

// ElemType tags which of the four disjoint trees is active. It is fixed
// at first insert and never changes for the lifetime of the set
// (spec.md §8.A set type stability).
type ElemType int

const (
	Unset ElemType = iota
	TypeString
	TypeDouble
	TypeInt64
	TypeNodeID
)

const nodeIDLen = 16

// NodeID is the fixed 16-byte node identifier (spec.md §3.A), defined
// here (rather than in hierarchy) because the set needs it and
// hierarchy depends on selvaset, not the other way around.
type NodeID [nodeIDLen]byte

func (a NodeID) Less(b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func lessFloat64(a, b float64) bool { return a < b }
func lessInt64(a, b int64) bool     { return a < b }

// Set is the tagged union. The degree-32 btree.NewG trees are
// created lazily, one per concrete type, the first time that type is
// used.
type Set struct {
	typ ElemType

	strings *btree.BTreeG[*str.String]
	doubles *btree.BTreeG[float64]
	ints    *btree.BTreeG[int64]
	nodeIDs *btree.BTreeG[NodeID]

	size int
}

func New() *Set {
	return &Set{}
}

func stringLess(a, b *str.String) bool { return a.Cmp(b) < 0 }

func nodeIDLess(a, b NodeID) bool { return a.Less(b) }

func (s *Set) ensure(t ElemType) error {
	if s.typ == Unset {
		s.typ = t
	} else if s.typ != t {
		return selvaerr.Newf(selvaerr.WrongType, "selvaset: expected %v, got %v", s.typ, t)
	}
	switch t {
	case TypeString:
		if s.strings == nil {
			s.strings = btree.NewG(32, stringLess)
		}
	case TypeDouble:
		if s.doubles == nil {
			s.doubles = btree.NewG(32, lessFloat64)
		}
	case TypeInt64:
		if s.ints == nil {
			s.ints = btree.NewG(32, lessInt64)
		}
	case TypeNodeID:
		if s.nodeIDs == nil {
			s.nodeIDs = btree.NewG(32, nodeIDLess)
		}
	}
	return nil
}

func (s *Set) Type() ElemType { return s.typ }
func (s *Set) Size() int      { return s.size }

func (s *Set) AddString(v *str.String) error {
	if err := s.ensure(TypeString); err != nil {
		return err
	}
	if _, ok := s.strings.Get(v); ok {
		return selvaerr.ErrAlreadyExists
	}
	s.strings.ReplaceOrInsert(v)
	s.size++
	return nil
}

func (s *Set) RemString(v *str.String) error {
	if s.typ != TypeString {
		return selvaerr.ErrWrongType
	}
	if _, ok := s.strings.Delete(v); !ok {
		return selvaerr.ErrNotFound
	}
	s.size--
	return nil
}

func (s *Set) HasString(v *str.String) bool {
	if s.typ != TypeString || s.strings == nil {
		return false
	}
	_, ok := s.strings.Get(v)
	return ok
}

func (s *Set) AddDouble(v float64) error {
	if math.IsNaN(v) {
		return selvaerr.New(selvaerr.InvalidArgument, "selvaset: NaN rejected")
	}
	if err := s.ensure(TypeDouble); err != nil {
		return err
	}
	if _, ok := s.doubles.Get(v); ok {
		return selvaerr.ErrAlreadyExists
	}
	s.doubles.ReplaceOrInsert(v)
	s.size++
	return nil
}

func (s *Set) RemDouble(v float64) error {
	if s.typ != TypeDouble {
		return selvaerr.ErrWrongType
	}
	if _, ok := s.doubles.Delete(v); !ok {
		return selvaerr.ErrNotFound
	}
	s.size--
	return nil
}

func (s *Set) HasDouble(v float64) bool {
	if s.typ != TypeDouble || s.doubles == nil {
		return false
	}
	_, ok := s.doubles.Get(v)
	return ok
}

func (s *Set) AddInt64(v int64) error {
	if err := s.ensure(TypeInt64); err != nil {
		return err
	}
	if _, ok := s.ints.Get(v); ok {
		return selvaerr.ErrAlreadyExists
	}
	s.ints.ReplaceOrInsert(v)
	s.size++
	return nil
}

func (s *Set) RemInt64(v int64) error {
	if s.typ != TypeInt64 {
		return selvaerr.ErrWrongType
	}
	if _, ok := s.ints.Delete(v); !ok {
		return selvaerr.ErrNotFound
	}
	s.size--
	return nil
}

func (s *Set) HasInt64(v int64) bool {
	if s.typ != TypeInt64 || s.ints == nil {
		return false
	}
	_, ok := s.ints.Get(v)
	return ok
}

func (s *Set) AddNodeID(v NodeID) error {
	if err := s.ensure(TypeNodeID); err != nil {
		return err
	}
	if _, ok := s.nodeIDs.Get(v); ok {
		return selvaerr.ErrAlreadyExists
	}
	s.nodeIDs.ReplaceOrInsert(v)
	s.size++
	return nil
}

func (s *Set) RemNodeID(v NodeID) error {
	if s.typ != TypeNodeID {
		return selvaerr.ErrWrongType
	}
	if _, ok := s.nodeIDs.Delete(v); !ok {
		return selvaerr.ErrNotFound
	}
	s.size--
	return nil
}

func (s *Set) HasNodeID(v NodeID) bool {
	if s.typ != TypeNodeID || s.nodeIDs == nil {
		return false
	}
	_, ok := s.nodeIDs.Get(v)
	return ok
}

// ForeachNodeID iterates node ids in sorted order; stops early if yield
// returns false.
func (s *Set) ForeachNodeID(yield func(NodeID) bool) {
	if s.typ != TypeNodeID || s.nodeIDs == nil {
		return
	}
	s.nodeIDs.Ascend(func(v NodeID) bool { return yield(v) })
}

func (s *Set) ForeachString(yield func(*str.String) bool) {
	if s.typ != TypeString || s.strings == nil {
		return
	}
	s.strings.Ascend(func(v *str.String) bool { return yield(v) })
}

func (s *Set) ForeachDouble(yield func(float64) bool) {
	if s.typ != TypeDouble || s.doubles == nil {
		return
	}
	s.doubles.Ascend(func(v float64) bool { return yield(v) })
}

func (s *Set) ForeachInt64(yield func(int64) bool) {
	if s.typ != TypeInt64 || s.ints == nil {
		return
	}
	s.ints.Ascend(func(v int64) bool { return yield(v) })
}

// Merge moves every element of src into dst, leaving src empty. Types
// must match (or dst must be Unset).
func Merge(dst, src *Set) error {
	if src.typ == Unset {
		return nil
	}
	if dst.typ != Unset && dst.typ != src.typ {
		return selvaerr.ErrWrongType
	}
	switch src.typ {
	case TypeString:
		src.ForeachString(func(v *str.String) bool { _ = dst.AddString(v); return true })
	case TypeDouble:
		src.ForeachDouble(func(v float64) bool { _ = dst.AddDouble(v); return true })
	case TypeInt64:
		src.ForeachInt64(func(v int64) bool { _ = dst.AddInt64(v); return true })
	case TypeNodeID:
		src.ForeachNodeID(func(v NodeID) bool { _ = dst.AddNodeID(v); return true })
	}
	*src = Set{}
	return nil
}

// Union returns a new set containing every element of every input set.
// All inputs must share the same element type (or be empty).
func Union(sets ...*Set) (*Set, error) {
	out := New()
	for _, s := range sets {
		if s == nil || s.typ == Unset {
			continue
		}
		if out.typ != Unset && out.typ != s.typ {
			return nil, selvaerr.ErrWrongType
		}
		switch s.typ {
		case TypeString:
			s.ForeachString(func(v *str.String) bool { _ = out.AddString(v); return true })
		case TypeDouble:
			s.ForeachDouble(func(v float64) bool { _ = out.AddDouble(v); return true })
		case TypeInt64:
			s.ForeachInt64(func(v int64) bool { _ = out.AddInt64(v); return true })
		case TypeNodeID:
			s.ForeachNodeID(func(v NodeID) bool { _ = out.AddNodeID(v); return true })
		}
	}
	return out, nil
}
