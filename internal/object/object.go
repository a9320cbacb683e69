package object

import (
	"strconv"
	"strings"

	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/selvaset"
	"github.com/selvadb/selva/internal/str"
)

// MetaTag marks a key with a user-visible interpretation beyond its raw
// Kind (spec.md §3.B user meta tag): a text field is a nested Object of
// language code to string, rather than a plain nested object.
type MetaTag int

const (
	MetaNone MetaTag = iota
	MetaText
	MetaRecord
	MetaTimeseries
	MetaWeakref
)

// inlineSlots and inlineKeyMaxLen implement the inline-key optimization
// carried over from the original's small-object fast path (original_source/
// selva_object.c): the first few short keys of an object are stored in a
// fixed array instead of a map, avoiding a map allocation for the common
// case of small, short-lived objects.
const inlineSlots = 4
const inlineKeyMaxLen = 16

// encodingVersion tags the persisted representation of an Object
// (spec.md §6.C); bumped whenever the on-disk layout changes.
const encodingVersion = 1

type entry struct {
	val  Value
	meta MetaTag
}

// Object is the typed dynamic object of spec.md §3.B: an insertion-
// ordered map from string key to Value, optionally meta-tagged.
type Object struct {
	inlineN   int
	inlineKey [inlineSlots]string
	inlineVal [inlineSlots]entry

	spill map[string]*entry

	order []string
}

func New() *Object {
	return &Object{}
}

func (o *Object) entryPtr(key string) (*entry, bool) {
	for i := 0; i < o.inlineN; i++ {
		if o.inlineKey[i] == key {
			return &o.inlineVal[i], true
		}
	}
	if o.spill != nil {
		if e, ok := o.spill[key]; ok {
			return e, true
		}
	}
	return nil, false
}

func (o *Object) setEntry(key string, val Value, meta MetaTag) {
	if e, ok := o.entryPtr(key); ok {
		e.val = val
		e.meta = meta
		return
	}
	if o.inlineN < inlineSlots && len(key) <= inlineKeyMaxLen {
		o.inlineKey[o.inlineN] = key
		o.inlineVal[o.inlineN] = entry{val: val, meta: meta}
		o.inlineN++
		o.order = append(o.order, key)
		return
	}
	if o.spill == nil {
		o.spill = make(map[string]*entry)
	}
	o.spill[key] = &entry{val: val, meta: meta}
	o.order = append(o.order, key)
}

func (o *Object) delEntry(key string) bool {
	for i := 0; i < o.inlineN; i++ {
		if o.inlineKey[i] != key {
			continue
		}
		o.inlineVal[i].val.free()
		copy(o.inlineKey[i:o.inlineN-1], o.inlineKey[i+1:o.inlineN])
		copy(o.inlineVal[i:o.inlineN-1], o.inlineVal[i+1:o.inlineN])
		o.inlineN--
		o.removeOrder(key)
		return true
	}
	if o.spill != nil {
		if e, ok := o.spill[key]; ok {
			e.val.free()
			delete(o.spill, key)
			o.removeOrder(key)
			return true
		}
	}
	return false
}

func (o *Object) removeOrder(key string) {
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

// Foreach visits every key in insertion order; stops early if yield
// returns false.
func (o *Object) Foreach(yield func(key string, v Value) bool) {
	for _, k := range o.order {
		e, ok := o.entryPtr(k)
		if !ok {
			continue
		}
		if !yield(k, e.val) {
			return
		}
	}
}

// PutRaw inserts key/val/meta directly, bypassing path parsing and the
// create/update distinction Set enforces. Used by internal/persist to
// rebuild an Object from a snapshot, where keys are already flat and
// meta tags are recorded explicitly rather than inferred (spec.md
// §6.C value_payload).
func (o *Object) PutRaw(key string, val Value, meta MetaTag) {
	o.setEntry(key, val, meta)
}

// Keys returns a snapshot of the object's keys in insertion order, used
// by the command layer to build wildcard ("*") replies (spec.md §4.C).
func (o *Object) Keys() []string {
	return append([]string(nil), o.order...)
}

func (o *Object) Len() int { return len(o.order) }

// MetaOf reports the meta tag of a direct (non-dotted) key.
func (o *Object) MetaOf(key string) (MetaTag, bool) {
	e, ok := o.entryPtr(key)
	if !ok {
		return MetaNone, false
	}
	return e.meta, true
}

// SetMeta attaches meta to an already-present direct (non-dotted) key
// without touching its value, backing the update command's obj_meta op
// (spec.md §6.B) for tags such as record/timeseries/weakref that have no
// dedicated setter of their own (unlike MetaText, which SetText applies
// as a side effect of installing a language-keyed nested object).
func (o *Object) SetMeta(key string, meta MetaTag) error {
	e, ok := o.entryPtr(key)
	if !ok {
		return selvaerr.ErrNotFound
	}
	e.meta = meta
	return nil
}

// Destroy frees every owned value and resets the object to empty.
func (o *Object) Destroy() {
	o.Foreach(func(_ string, v Value) bool {
		v.free()
		return true
	})
	*o = Object{}
}

// --- path resolution ---

type token struct {
	key   string
	index int
	isIdx bool
}

// parsePath splits a dotted, optionally bracket-indexed path like
// "a.b[2].c" into a flat token sequence (spec.md §4.C key addressing).
func parsePath(path string) []token {
	var toks []token
	for _, seg := range strings.Split(path, ".") {
		name := seg
		var brackets []int
		if i := strings.IndexByte(seg, '['); i >= 0 {
			name = seg[:i]
			rest := seg[i:]
			for len(rest) > 0 && rest[0] == '[' {
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					break
				}
				idx, err := strconv.Atoi(rest[1:end])
				if err == nil {
					brackets = append(brackets, idx)
				}
				rest = rest[end+1:]
			}
		}
		if name != "" {
			toks = append(toks, token{key: name})
		}
		for _, b := range brackets {
			toks = append(toks, token{index: b, isIdx: true})
		}
	}
	return toks
}

// cursor is the current container while walking a path: exactly one of
// obj or arr is set.
type cursor struct {
	obj *Object
	arr *Array
}

func (o *Object) walk(toks []token, create bool) (cursor, token, error) {
	if len(toks) == 0 {
		return cursor{}, token{}, selvaerr.New(selvaerr.InvalidArgument, "object: empty path")
	}
	cur := cursor{obj: o}
	for i := 0; i < len(toks)-1; i++ {
		next, err := cur.step(toks[i], create)
		if err != nil {
			return cursor{}, token{}, err
		}
		cur = next
	}
	return cur, toks[len(toks)-1], nil
}

func (c cursor) step(t token, create bool) (cursor, error) {
	if c.obj != nil {
		if t.isIdx {
			return cursor{}, selvaerr.New(selvaerr.WrongType, "object: expected key, got array index")
		}
		e, ok := c.obj.entryPtr(t.key)
		if !ok {
			if !create {
				return cursor{}, selvaerr.ErrNotFound
			}
			child := New()
			c.obj.setEntry(t.key, ObjectValue(child), MetaNone)
			return cursor{obj: child}, nil
		}
		switch e.val.Kind {
		case KindObject:
			return cursor{obj: e.val.Obj}, nil
		case KindArray:
			return cursor{arr: e.val.Arr}, nil
		default:
			if !create {
				return cursor{}, selvaerr.ErrWrongType
			}
			// CREATE on an intermediate scalar destructively replaces it
			// with an object (spec.md §4.C destructive type-replacement).
			old := e.val
			child := New()
			e.val = ObjectValue(child)
			e.meta = MetaNone
			old.free()
			return cursor{obj: child}, nil
		}
	}
	if !t.isIdx {
		return cursor{}, selvaerr.New(selvaerr.WrongType, "object: expected array index, got key")
	}
	v, ok := c.arr.Get(t.index)
	if !ok {
		return cursor{}, selvaerr.ErrNotFound
	}
	if v.Kind != KindObject {
		return cursor{}, selvaerr.ErrWrongType
	}
	return cursor{obj: v.Obj}, nil
}

// Get resolves path and returns its Value.
func (o *Object) Get(path string) (Value, error) {
	toks := parsePath(path)
	cur, last, err := o.walk(toks, false)
	if err != nil {
		return Value{}, err
	}
	if cur.obj != nil {
		if last.isIdx {
			return Value{}, selvaerr.ErrWrongType
		}
		e, ok := cur.obj.entryPtr(last.key)
		if !ok {
			return Value{}, selvaerr.ErrNotFound
		}
		if e.meta == MetaText {
			return Value{}, selvaerr.New(selvaerr.WrongType, "object: use GetText on a text field")
		}
		return e.val, nil
	}
	if !last.isIdx {
		return Value{}, selvaerr.ErrWrongType
	}
	v, ok := cur.arr.Get(last.index)
	if !ok {
		return Value{}, selvaerr.ErrNotFound
	}
	return v, nil
}

// Exists reports whether path resolves to a value.
func (o *Object) Exists(path string) bool {
	_, err := o.Get(path)
	return err == nil
}

// Set assigns v at path, creating intermediate objects when create is
// true (spec.md §4.C SetX family). Any value previously at path is
// freed.
func (o *Object) Set(path string, v Value, create bool) error {
	toks := parsePath(path)
	cur, last, err := o.walk(toks, create)
	if err != nil {
		return err
	}
	if cur.obj != nil {
		if last.isIdx {
			return selvaerr.ErrWrongType
		}
		if e, ok := cur.obj.entryPtr(last.key); ok {
			old := e.val
			e.val = v
			e.meta = MetaNone
			old.free()
			return nil
		}
		cur.obj.setEntry(last.key, v, MetaNone)
		return nil
	}
	if !last.isIdx {
		return selvaerr.ErrWrongType
	}
	return cur.arr.AssignIndex(last.index, v)
}

// SetDefault assigns v at path only if nothing is there yet.
func (o *Object) SetDefault(path string, v Value, create bool) error {
	if o.Exists(path) {
		return selvaerr.ErrAlreadyExists
	}
	return o.Set(path, v, create)
}

// Update assigns v at path, but reports ErrAlreadyExists without
// writing if the existing value already equals v (spec.md §4.C update
// op_code default: skip a no-op write so subscriptions don't fire).
func (o *Object) Update(path string, v Value, create bool) error {
	if existing, err := o.Get(path); err == nil && existing.Equal(v) {
		return selvaerr.ErrAlreadyExists
	}
	return o.Set(path, v, create)
}

// Del removes the value at path.
func (o *Object) Del(path string) error {
	toks := parsePath(path)
	cur, last, err := o.walk(toks, false)
	if err != nil {
		return err
	}
	if cur.obj != nil {
		if last.isIdx {
			return selvaerr.ErrWrongType
		}
		if !cur.obj.delEntry(last.key) {
			return selvaerr.ErrNotFound
		}
		return nil
	}
	if !last.isIdx {
		return selvaerr.ErrWrongType
	}
	return cur.arr.RemoveIndex(last.index)
}

// GetArray resolves path to an *Array, creating an empty one in place
// when create is true and nothing exists there yet.
func (o *Object) GetArray(path string, create bool) (*Array, error) {
	v, err := o.getContainer(path, create, KindArray)
	if err != nil {
		return nil, err
	}
	return v.Arr, nil
}

// GetSet resolves path to a *selvaset.Set, creating an empty one in
// place when create is true.
func (o *Object) GetSet(path string, create bool) (*selvaset.Set, error) {
	v, err := o.getContainer(path, create, KindSet)
	if err != nil {
		return nil, err
	}
	return v.Set, nil
}

// GetObject resolves path to a nested *Object, creating one when create
// is true.
func (o *Object) GetObject(path string, create bool) (*Object, error) {
	v, err := o.getContainer(path, create, KindObject)
	if err != nil {
		return nil, err
	}
	return v.Obj, nil
}

func (o *Object) getContainer(path string, create bool, want Kind) (Value, error) {
	v, err := o.Get(path)
	if err == nil {
		if v.Kind != want {
			return Value{}, selvaerr.ErrWrongType
		}
		return v, nil
	}
	if selvaerr.KindOf(err) != selvaerr.NotFound || !create {
		return Value{}, err
	}
	var nv Value
	switch want {
	case KindArray:
		nv = ArrayValue(newArray())
	case KindSet:
		nv = SetValue(selvaset.New())
	case KindObject:
		nv = ObjectValue(New())
	}
	if err := o.Set(path, nv, true); err != nil {
		return Value{}, err
	}
	return nv, nil
}

// SetText sets the value for lang under the text field at path,
// converting a non-text field into one (spec.md §3.B user meta tag:
// text fields are a nested Object of language code to string, rendered
// specially by SetText/GetText instead of Set/Get).
func (o *Object) SetText(path string, lang string, v *str.String) error {
	toks := parsePath(path)
	cur, last, err := o.walk(toks, true)
	if err != nil {
		return err
	}
	if cur.obj == nil || last.isIdx {
		return selvaerr.New(selvaerr.WrongType, "object: text fields must be addressed by key")
	}
	e, ok := cur.obj.entryPtr(last.key)
	if !ok || e.val.Kind != KindObject {
		if ok {
			e.val.free()
		}
		cur.obj.setEntry(last.key, ObjectValue(New()), MetaText)
		e, _ = cur.obj.entryPtr(last.key)
	} else {
		e.meta = MetaText
	}
	return e.val.Obj.Set(lang, StringValue(v), true)
}

// GetText resolves the text field at path and returns the first string
// found for any language in langPref, along with the language it
// matched (spec.md §4.C language-preference dereferencing).
func (o *Object) GetText(path string, langPref []string) (*str.String, string, error) {
	toks := parsePath(path)
	cur, last, err := o.walk(toks, false)
	if err != nil {
		return nil, "", err
	}
	if cur.obj == nil || last.isIdx {
		return nil, "", selvaerr.ErrWrongType
	}
	e, ok := cur.obj.entryPtr(last.key)
	if !ok || e.val.Kind != KindObject {
		return nil, "", selvaerr.ErrNotFound
	}
	for _, lang := range langPref {
		v, err := e.val.Obj.Get(lang)
		if err == nil && v.Kind == KindString {
			return v.Str, lang, nil
		}
	}
	return nil, "", selvaerr.ErrNotFound
}
