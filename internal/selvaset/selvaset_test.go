package selvaset

import (
	"math"
	"testing"

	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/str"
)

func TestAddHasRemoveInt64(t *testing.T) {
	s := New()
	if err := s.AddInt64(5); err != nil {
		t.Fatalf("AddInt64: %v", err)
	}
	if !s.HasInt64(5) {
		t.Fatalf("expected has(5) true")
	}
	if err := s.RemInt64(5); err != nil {
		t.Fatalf("RemInt64: %v", err)
	}
	if s.HasInt64(5) {
		t.Fatalf("expected has(5) false after remove")
	}
}

func TestAddDuplicateReturnsAlreadyExistsAndSizeStaysOne(t *testing.T) {
	s := New()
	if err := s.AddInt64(1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := s.AddInt64(1)
	if selvaerr.KindOf(err) != selvaerr.AlreadyExists {
		t.Fatalf("expected already-exists, got %v", err)
	}
	if s.Size() != 1 {
		t.Fatalf("expected size 1, got %d", s.Size())
	}
}

func TestTypeIsFixedAtFirstInsert(t *testing.T) {
	s := New()
	if err := s.AddInt64(1); err != nil {
		t.Fatalf("AddInt64: %v", err)
	}
	err := s.AddDouble(1.0)
	if selvaerr.KindOf(err) != selvaerr.WrongType {
		t.Fatalf("expected wrong-type adding double to int64 set, got %v", err)
	}
}

func TestHasOnWrongTypeReturnsFalseNotError(t *testing.T) {
	s := New()
	_ = s.AddInt64(1)
	if s.HasDouble(1.0) {
		t.Fatalf("expected HasDouble on int64 set to be false")
	}
}

func TestNaNDoubleRejected(t *testing.T) {
	s := New()
	err := s.AddDouble(math.NaN())
	if selvaerr.KindOf(err) != selvaerr.InvalidArgument {
		t.Fatalf("expected invalid-argument for NaN, got %v", err)
	}
}

func TestNodeIDSetForeachIsSorted(t *testing.T) {
	s := New()
	ids := []NodeID{{3}, {1}, {2}}
	for _, id := range ids {
		if err := s.AddNodeID(id); err != nil {
			t.Fatalf("AddNodeID: %v", err)
		}
	}
	var out []NodeID
	s.ForeachNodeID(func(id NodeID) bool {
		out = append(out, id)
		return true
	})
	if len(out) != 3 || out[0][0] != 1 || out[1][0] != 2 || out[2][0] != 3 {
		t.Fatalf("expected ascending order, got %v", out)
	}
}

func TestMergeMovesElementsAndEmptiesSrc(t *testing.T) {
	dst := New()
	src := New()
	_ = src.AddInt64(1)
	_ = src.AddInt64(2)
	if err := Merge(dst, src); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if dst.Size() != 2 {
		t.Fatalf("expected dst size 2, got %d", dst.Size())
	}
	if src.Size() != 0 || src.Type() != Unset {
		t.Fatalf("expected src emptied, got size=%d type=%v", src.Size(), src.Type())
	}
}

func TestUnionRejectsMismatchedTypes(t *testing.T) {
	a := New()
	_ = a.AddInt64(1)
	b := New()
	_ = b.AddDouble(1.0)
	if _, err := Union(a, b); selvaerr.KindOf(err) != selvaerr.WrongType {
		t.Fatalf("expected wrong-type on mismatched union, got %v", err)
	}
}

func TestUnionOfVariadicSets(t *testing.T) {
	a := New()
	_ = a.AddInt64(1)
	b := New()
	_ = b.AddInt64(2)
	c := New()
	_ = c.AddInt64(3)
	out, err := Union(a, b, c)
	if err != nil {
		t.Fatalf("Union: %v", err)
	}
	if out.Size() != 3 {
		t.Fatalf("expected union size 3, got %d", out.Size())
	}
	for _, v := range []int64{1, 2, 3} {
		if !out.HasInt64(v) {
			t.Fatalf("expected union to contain %d", v)
		}
	}
}

func TestStringSetInterning(t *testing.T) {
	s := New()
	a := str.Create([]byte("hello"), str.FlagIntern)
	b := str.Create([]byte("hello"), str.FlagIntern)
	if err := s.AddString(a); err != nil {
		t.Fatalf("AddString: %v", err)
	}
	if !s.HasString(b) {
		t.Fatalf("expected interned-equal string to be found via Cmp-based lookup")
	}
}
