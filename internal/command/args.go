package command

import (
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/selvaerr"
)

// argReader walks a flat proto.Value argument stream positionally, with
// keyword lookahead for the optional clauses of spec.md §4.K/§6.B (index
// hints, order, offset, limit, merge, fields, inherit). This mirrors the
// original's argument-parsing loop (original_source/arg_parser.c): a
// single pass recognizing keyword tokens interleaved with positional
// values, rather than a structured/named request.
type argReader struct {
	vals []proto.Value
	pos  int
}

func newArgReader(vals []proto.Value) *argReader {
	return &argReader{vals: vals}
}

func (r *argReader) done() bool { return r.pos >= len(r.vals) }

func (r *argReader) peek() (proto.Value, bool) {
	if r.done() {
		return proto.Value{}, false
	}
	return r.vals[r.pos], true
}

func (r *argReader) peekKeyword(kw string) bool {
	v, ok := r.peek()
	if !ok || v.Kind != proto.VString {
		return false
	}
	return string(v.Str) == kw
}

// takeKeyword consumes and reports whether the next value is the string
// kw; it does not advance if there is no match.
func (r *argReader) takeKeyword(kw string) bool {
	if !r.peekKeyword(kw) {
		return false
	}
	r.pos++
	return true
}

func (r *argReader) next() (proto.Value, error) {
	if r.done() {
		return proto.Value{}, selvaerr.New(selvaerr.InvalidArgument, "command: unexpected end of arguments")
	}
	v := r.vals[r.pos]
	r.pos++
	return v, nil
}

func (r *argReader) nextString() (string, error) {
	v, err := r.next()
	if err != nil {
		return "", err
	}
	s, ok := argString(v)
	if !ok {
		return "", selvaerr.New(selvaerr.InvalidArgument, "command: expected string argument")
	}
	return s, nil
}

func (r *argReader) nextI64() (int64, error) {
	v, err := r.next()
	if err != nil {
		return 0, err
	}
	n, ok := argI64(v)
	if !ok {
		return 0, selvaerr.New(selvaerr.InvalidArgument, "command: expected integer argument")
	}
	return n, nil
}

func (r *argReader) nextF64() (float64, error) {
	v, err := r.next()
	if err != nil {
		return 0, err
	}
	f, ok := argF64(v)
	if !ok {
		return 0, selvaerr.New(selvaerr.InvalidArgument, "command: expected numeric argument")
	}
	return f, nil
}

// nextArray consumes an ArrayBegin ... ArrayEnd run, invoking yield for
// every enclosed value.
func (r *argReader) nextArray(yield func(proto.Value) error) error {
	v, err := r.next()
	if err != nil {
		return err
	}
	if v.Kind != proto.VArrayBegin {
		return selvaerr.New(selvaerr.InvalidArgument, "command: expected array")
	}
	for {
		if r.done() {
			return selvaerr.New(selvaerr.InvalidArgument, "command: unterminated array")
		}
		next := r.vals[r.pos]
		if next.Kind == proto.VArrayEnd {
			r.pos++
			return nil
		}
		r.pos++
		if err := yield(next); err != nil {
			return err
		}
	}
}

func (r *argReader) nextStringArray() ([]string, error) {
	var out []string
	err := r.nextArray(func(v proto.Value) error {
		s, ok := argString(v)
		if !ok {
			return selvaerr.New(selvaerr.InvalidArgument, "command: expected string in array")
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (r *argReader) nextNodeIDArray() ([]hierarchy.NodeID, error) {
	var out []hierarchy.NodeID
	err := r.nextArray(func(v proto.Value) error {
		s, ok := argString(v)
		if !ok {
			return selvaerr.New(selvaerr.InvalidArgument, "command: expected node id in array")
		}
		out = append(out, parseNodeID(s))
		return nil
	})
	return out, err
}

// rest drains and returns every remaining value, used for a trailing
// filter_expr's argument list ($N register bindings).
func (r *argReader) rest() []proto.Value {
	v := r.vals[r.pos:]
	r.pos = len(r.vals)
	return v
}
