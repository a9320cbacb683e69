// Package str implements the string primitive of spec.md §3.A/§4.A: an
// immutable/mutable/interned byte string with optional CRC and a
// compression flag, modeled as a small value type instead of the
// original's inline/out-of-line header layout (Go's GC and slice
// headers already give us that for free — see DESIGN.md).
package str

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
	"sync"
)

// Flags mirror the C flag bits. They compose; e.g. FlagIntern|FlagCRC.
// Each bit is distinct by construction — spec.md §9 notes that in the
// original C source SELVA_STRING_COMPRESS collides numerically with
// SELVA_STRING_FREEZE; that collision is not reproduced here.
type Flags uint8

const None Flags = 0

const (
	FlagCRC Flags = 1 << iota
	FlagFreeze
	FlagMutable
	FlagFixedMutable
	FlagIntern // implies FlagFreeze
	FlagCompress
)

// String is a handle to string data plus its flags and (optionally) a
// CRC32 checksum computed over flags-sans-inline-buffer-marker + bytes
// + an implicit nul terminator, refreshed on every mutation.
type String struct {
	mu    sync.Mutex
	flags Flags
	buf   []byte
	crc   uint32
	frozen bool
}

// Create allocates a new String with the given bytes and flags. Intern
// returns the pool's existing copy instead of a new allocation.
func Create(b []byte, flags Flags) *String {
	if flags&FlagIntern != 0 {
		return internPool.getOrCreate(b, flags)
	}
	s := &String{flags: flags, buf: append([]byte(nil), b...)}
	s.frozen = flags&FlagFreeze != 0
	if flags&FlagCRC != 0 {
		s.refreshCRC()
	}
	return s
}

// Createf formats like fmt.Sprintf and creates a String from the result.
func Createf(flags Flags, format string, args ...interface{}) *String {
	return Create([]byte(fmt.Sprintf(format, args...)), flags)
}

// Dup returns a deep, unfrozen, non-interned copy.
func (s *String) Dup() *String {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &String{flags: s.flags &^ (FlagFreeze | FlagIntern), buf: append([]byte(nil), s.buf...)}
}

func (s *String) mutable() bool {
	return s.flags&(FlagMutable|FlagFixedMutable) != 0
}

// Truncate shrinks a mutable string to n bytes. It returns an error and
// leaves the string unchanged when the string is immutable, matching the
// C contract that only mutable strings support in-place editing.
func (s *String) Truncate(n int) error {
	if !s.mutable() {
		return errNotMutable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.buf) {
		s.buf = s.buf[:n]
	}
	s.refreshCRCLocked()
	return nil
}

// Append appends bytes to a mutable string.
func (s *String) Append(b []byte) error {
	if !s.mutable() {
		return errNotMutable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, b...)
	s.refreshCRCLocked()
	return nil
}

// Replace overwrites the contents of a mutable string.
func (s *String) Replace(b []byte) error {
	if !s.mutable() {
		return errNotMutable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf[:0], b...)
	s.refreshCRCLocked()
	return nil
}

func (s *String) ToStr() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// ToMutableStr returns a new mutable copy of the data, never sharing
// backing storage with s.
func (s *String) ToMutableStr() *String {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &String{flags: FlagMutable, buf: append([]byte(nil), s.buf...)}
}

func (s *String) ToI64() (int64, error) {
	return strconv.ParseInt(string(s.ToStr()), 10, 64)
}

func (s *String) ToU64() (uint64, error) {
	return strconv.ParseUint(string(s.ToStr()), 10, 64)
}

func (s *String) ToF32() (float32, error) {
	v, err := strconv.ParseFloat(string(s.ToStr()), 32)
	return float32(v), err
}

func (s *String) ToF64() (float64, error) {
	return strconv.ParseFloat(string(s.ToStr()), 64)
}

// Cmp is byte-lexicographic comparison (spec.md §3.A).
func (s *String) Cmp(other *String) int {
	return bytes.Compare(s.ToStr(), other.ToStr())
}

// Free releases the string. A frozen string (including every interned
// string, which implies Freeze) treats Free as a no-op.
func (s *String) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	s.buf = nil
}

// VerifyCRC recomputes the checksum and compares it against the stored
// one; used by the CRC round-trip invariant (spec.md §8.A).
func (s *String) VerifyCRC() bool {
	if s.flags&FlagCRC == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crc == s.computeCRCLocked()
}

func (s *String) computeCRCLocked() uint32 {
	h := crc32.NewIEEE()
	// Header-sans-inline-buffer stand-in: the flags byte, stable across
	// mutation unless the flags themselves change.
	h.Write([]byte{byte(s.flags)})
	h.Write(s.buf)
	h.Write([]byte{0}) // nul terminator
	return h.Sum32()
}

func (s *String) refreshCRC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCRCLocked()
}

func (s *String) refreshCRCLocked() {
	if s.flags&FlagCRC != 0 {
		s.crc = s.computeCRCLocked()
	}
}

func (s *String) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *String) Flags() Flags { return s.flags }

var errNotMutable = fmt.Errorf("str: not a mutable string")

// --- global intern pool ---
// The string-intern pool is process-wide (spec.md §9 design notes);
// modeled as a singleton owned by this package rather than a true
// global, reachable only through Create(..., FlagIntern).

type pool struct {
	mu      sync.Mutex
	entries map[string]*String
}

var internPool = &pool{entries: make(map[string]*String)}

func (p *pool) getOrCreate(b []byte, flags Flags) *String {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := string(b)
	if existing, ok := p.entries[key]; ok {
		return existing
	}
	s := &String{flags: flags | FlagFreeze, buf: []byte(key), frozen: true}
	if flags&FlagCRC != 0 {
		s.refreshCRCLocked()
	}
	p.entries[key] = s
	return s
}

// InternedCount reports the pool size, used by admin/debug commands.
func InternedCount() int {
	internPool.mu.Lock()
	defer internPool.mu.Unlock()
	return len(internPool.entries)
}
