package svector

import "testing"

func intCmp(a, b int) int { return a - b }
func intEq(a, b int) bool { return a == b }

func TestInsertKeepsSortedOrder(t *testing.T) {
	v := New[int](0, intCmp)
	for _, n := range []int{5, 1, 4, 2, 3} {
		v.Insert(n)
	}
	for i, want := range []int{1, 2, 3, 4, 5} {
		got, ok := v.GetIndex(i)
		if !ok || got != want {
			t.Fatalf("index %d: got %v ok=%v, want %d", i, got, ok, want)
		}
	}
}

func TestInsertFastSkipsDuplicates(t *testing.T) {
	v := New[int](0, intCmp)
	if !v.InsertFast(1, intEq) {
		t.Fatalf("expected first insert to succeed")
	}
	if v.InsertFast(1, intEq) {
		t.Fatalf("expected duplicate insert to be skipped")
	}
	if v.Size() != 1 {
		t.Fatalf("expected size 1, got %d", v.Size())
	}
}

func TestSearchBinaryWithComparator(t *testing.T) {
	v := New[int](0, intCmp)
	for _, n := range []int{10, 20, 30, 40} {
		v.Insert(n)
	}
	idx, found := v.Search(30, intEq)
	if !found || idx != 2 {
		t.Fatalf("expected found at index 2, got idx=%d found=%v", idx, found)
	}
	if _, found := v.Search(25, intEq); found {
		t.Fatalf("expected 25 not found")
	}
}

func TestSearchLinearWithoutComparator(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(3)
	v.Insert(1)
	v.Insert(2)
	idx, found := v.Search(1, intEq)
	if !found || idx != 1 {
		t.Fatalf("expected 1 at index 1 (append order), got idx=%d found=%v", idx, found)
	}
}

func TestRemoveDeletesMatchingElement(t *testing.T) {
	v := New[int](0, intCmp)
	v.Insert(1)
	v.Insert(2)
	v.Insert(3)
	if !v.Remove(2, intEq) {
		t.Fatalf("expected removal to succeed")
	}
	if v.Size() != 2 {
		t.Fatalf("expected size 2 after remove, got %d", v.Size())
	}
	if v.Remove(99, intEq) {
		t.Fatalf("expected removal of absent element to fail")
	}
}

func TestPopRemovesLastElement(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(1)
	v.Insert(2)
	last, ok := v.Pop()
	if !ok || last != 2 {
		t.Fatalf("expected pop 2, got %v ok=%v", last, ok)
	}
	if v.Size() != 1 {
		t.Fatalf("expected size 1 after pop, got %d", v.Size())
	}
	if _, ok := New[int](0, nil).Pop(); ok {
		t.Fatalf("expected pop on empty vector to fail")
	}
}

func TestNegativeIndexCountsFromEnd(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(10)
	v.Insert(20)
	v.Insert(30)
	got, ok := v.GetIndex(-1)
	if !ok || got != 30 {
		t.Fatalf("expected -1 index to be last element, got %v ok=%v", got, ok)
	}
	if !v.SetIndex(-1, 99) {
		t.Fatalf("expected SetIndex(-1) to succeed")
	}
	got, _ = v.GetIndex(2)
	if got != 99 {
		t.Fatalf("expected last element updated to 99, got %v", got)
	}
}

func TestInsertIndexAndRemoveIndex(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(1)
	v.Insert(3)
	if !v.InsertIndex(1, 2) {
		t.Fatalf("expected insert at index 1 to succeed")
	}
	for i, want := range []int{1, 2, 3} {
		got, _ := v.GetIndex(i)
		if got != want {
			t.Fatalf("index %d: got %d want %d", i, got, want)
		}
	}
	if !v.RemoveIndex(1) {
		t.Fatalf("expected remove at index 1 to succeed")
	}
	if v.Size() != 2 {
		t.Fatalf("expected size 2, got %d", v.Size())
	}
	got, _ := v.GetIndex(1)
	if got != 3 {
		t.Fatalf("expected element 3 after removing middle, got %d", got)
	}
}

func TestForeachStopsOnFalse(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(1)
	v.Insert(2)
	v.Insert(3)
	var seen []int
	v.Foreach(func(i int, val int) bool {
		seen = append(seen, val)
		return val != 2
	})
	if len(seen) != 2 {
		t.Fatalf("expected iteration to stop after 2 elements, got %v", seen)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(1)
	c := v.Clone()
	c.Insert(2)
	if v.Size() != 1 {
		t.Fatalf("expected original vector untouched by clone mutation, got size %d", v.Size())
	}
	if c.Size() != 2 {
		t.Fatalf("expected clone to have 2 elements, got %d", c.Size())
	}
}

func TestClear(t *testing.T) {
	v := New[int](0, nil)
	v.Insert(1)
	v.Insert(2)
	v.Clear()
	if v.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", v.Size())
	}
}
