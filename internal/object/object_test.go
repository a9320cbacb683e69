package object

import (
	"testing"

	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/str"
)

func TestSetGetScalar(t *testing.T) {
	o := New()
	if err := o.Set("age", I64Value(30), false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := o.Get("age")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Kind != KindI64 || v.I64 != 30 {
		t.Fatalf("got %+v", v)
	}
}

func TestSetCreateNested(t *testing.T) {
	o := New()
	if err := o.Set("a.b.c", F64Value(1.5), true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := o.Get("a.b.c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Kind != KindF64 || v.F64 != 1.5 {
		t.Fatalf("got %+v", v)
	}
}

func TestSetWithoutCreateFailsOnMissingParent(t *testing.T) {
	o := New()
	err := o.Set("a.b", I64Value(1), false)
	if selvaerr.KindOf(err) != selvaerr.NotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestDestructiveReplaceOnCreate(t *testing.T) {
	o := New()
	if err := o.Set("a", I64Value(5), false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := o.Set("a.b", I64Value(6), true); err != nil {
		t.Fatalf("Set nested over scalar: %v", err)
	}
	v, err := o.Get("a.b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.I64 != 6 {
		t.Fatalf("got %+v", v)
	}
}

func TestUpdateSkipsNoopWrite(t *testing.T) {
	o := New()
	if err := o.Set("n", I64Value(1), false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err := o.Update("n", I64Value(1), false)
	if selvaerr.KindOf(err) != selvaerr.AlreadyExists {
		t.Fatalf("expected already-exists, got %v", err)
	}
	if err := o.Update("n", I64Value(2), false); err != nil {
		t.Fatalf("Update to new value: %v", err)
	}
	v, _ := o.Get("n")
	if v.I64 != 2 {
		t.Fatalf("got %+v", v)
	}
}

func TestDelAndExists(t *testing.T) {
	o := New()
	_ = o.Set("k", I64Value(1), false)
	if !o.Exists("k") {
		t.Fatalf("expected k to exist")
	}
	if err := o.Del("k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if o.Exists("k") {
		t.Fatalf("expected k to be gone")
	}
	if err := o.Del("k"); selvaerr.KindOf(err) != selvaerr.NotFound {
		t.Fatalf("expected not-found on second Del, got %v", err)
	}
}

func TestArrayAppendAndIndex(t *testing.T) {
	o := New()
	arr, err := o.GetArray("tags", true)
	if err != nil {
		t.Fatalf("GetArray: %v", err)
	}
	if err := arr.Append(I64Value(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := arr.Append(I64Value(2)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := arr.Append(F64Value(1.0)); selvaerr.KindOf(err) != selvaerr.WrongType {
		t.Fatalf("expected wrong-type mixing sub-types, got %v", err)
	}

	v, err := o.Get("tags[1]")
	if err != nil {
		t.Fatalf("Get tags[1]: %v", err)
	}
	if v.I64 != 2 {
		t.Fatalf("got %+v", v)
	}

	last, err := o.Get("tags[-1]")
	if err != nil {
		t.Fatalf("Get tags[-1]: %v", err)
	}
	if last.I64 != 2 {
		t.Fatalf("got %+v", last)
	}
}

func TestArrayOfObjectsPathTraversal(t *testing.T) {
	o := New()
	arr, err := o.GetArray("items", true)
	if err != nil {
		t.Fatalf("GetArray: %v", err)
	}
	child := New()
	_ = child.Set("name", StringValue(str.Create([]byte("widget"), str.None)), false)
	if err := arr.Append(ObjectValue(child)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	v, err := o.Get("items[0].name")
	if err != nil {
		t.Fatalf("Get items[0].name: %v", err)
	}
	if v.Kind != KindString || string(v.Str.ToStr()) != "widget" {
		t.Fatalf("got %+v", v)
	}
}

func TestSetContainerAddRemove(t *testing.T) {
	o := New()
	set, err := o.GetSet("friends", true)
	if err != nil {
		t.Fatalf("GetSet: %v", err)
	}
	if err := set.AddInt64(7); err != nil {
		t.Fatalf("AddInt64: %v", err)
	}
	if !set.HasInt64(7) {
		t.Fatalf("expected 7 in set")
	}
	if err := set.AddInt64(7); selvaerr.KindOf(err) != selvaerr.AlreadyExists {
		t.Fatalf("expected already-exists, got %v", err)
	}
	if err := set.RemInt64(7); err != nil {
		t.Fatalf("RemInt64: %v", err)
	}
	if set.HasInt64(7) {
		t.Fatalf("expected 7 removed")
	}
}

func TestTextFieldLanguagePreference(t *testing.T) {
	o := New()
	if err := o.SetText("title", "en", str.Create([]byte("Hello"), str.None)); err != nil {
		t.Fatalf("SetText en: %v", err)
	}
	if err := o.SetText("title", "fi", str.Create([]byte("Terve"), str.None)); err != nil {
		t.Fatalf("SetText fi: %v", err)
	}

	v, lang, err := o.GetText("title", []string{"sv", "fi", "en"})
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if lang != "fi" || string(v.ToStr()) != "Terve" {
		t.Fatalf("got lang=%s val=%s", lang, v.ToStr())
	}

	if _, _, err := o.GetText("title", []string{"sv"}); selvaerr.KindOf(err) != selvaerr.NotFound {
		t.Fatalf("expected not-found for unmatched language, got %v", err)
	}

	if meta, ok := o.MetaOf("title"); !ok || meta != MetaText {
		t.Fatalf("expected MetaText on title, got %v ok=%v", meta, ok)
	}
}

func TestForeachInsertionOrder(t *testing.T) {
	o := New()
	keys := []string{"z", "a", "m", "b", "verylongkeythatspills"}
	for i, k := range keys {
		_ = o.Set(k, I64Value(int64(i)), false)
	}
	var seen []string
	o.Foreach(func(key string, _ Value) bool {
		seen = append(seen, key)
		return true
	})
	if len(seen) != len(keys) {
		t.Fatalf("expected %d keys, got %d", len(keys), len(seen))
	}
	for i, k := range keys {
		if seen[i] != k {
			t.Fatalf("position %d: expected %s, got %s", i, k, seen[i])
		}
	}
}

func TestHyperLogLogMergeMonotonic(t *testing.T) {
	a := NewHyperLogLog()
	for i := 0; i < 1000; i++ {
		a.Add([]byte{byte(i), byte(i >> 8)})
	}
	before := a.Count()

	b := NewHyperLogLog()
	for i := 1000; i < 2000; i++ {
		b.Add([]byte{byte(i), byte(i >> 8)})
	}
	a.Merge(b)
	after := a.Count()
	if after < before {
		t.Fatalf("merge should not decrease estimate: before=%d after=%d", before, after)
	}
}
