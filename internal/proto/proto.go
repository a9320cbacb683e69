// Package proto implements the length-framed wire protocol of spec.md
// §6.A: a header carrying (seqno, cmd_id, frame_flags, cmd_timestamp)
// followed by a payload of typed values. It is grounded on the shape of
// the teacher's internal/rpc package (request/response framed over a
// stream transport, internal/rpc/protocol.go + server_core.go) but
// binary rather than JSON, because §6.A's value kinds are a small
// closed tag set rather than general structured data: null, error,
// double, i64, boolean, string (optionally deflate-compressed), array
// begin/end, end-of-sequence.
package proto

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/selvadb/selva/internal/selvaerr"
)

// FrameFlags are per-frame bits in the header (§6.A).
type FrameFlags uint8

const (
	FFirst FrameFlags = 1 << iota
	FStream
)

// Header is the fixed-size prefix of every frame.
type Header struct {
	Seqno     uint64
	CmdID     uint32
	Flags     FrameFlags
	Timestamp int64 // cmd_timestamp, unix nanos
}

const headerSize = 8 + 4 + 1 + 8

// StringFlags marks a string value payload (§6.A "flags.deflate
// indicates compressed payload").
type StringFlags uint8

const (
	SNone    StringFlags = 0
	SDeflate StringFlags = 1 << iota
)

// ValueKind is the wire tag of one payload value.
type ValueKind uint8

const (
	VNull ValueKind = iota
	VError
	VDouble
	VI64
	VBool
	VString
	VArrayBegin
	VArrayEnd
	VEOS // end-of-sequence
)

// Value is one payload element. Only the field matching Kind is
// meaningful.
type Value struct {
	Kind ValueKind

	ErrCode int32
	ErrMsg  string

	F64 float64
	I64 int64
	B   bool

	StrFlags StringFlags
	Str      []byte
}

func Null() Value           { return Value{Kind: VNull} }
func EOS() Value            { return Value{Kind: VEOS} }
func ArrayBegin() Value     { return Value{Kind: VArrayBegin} }
func ArrayEnd() Value       { return Value{Kind: VArrayEnd} }
func Bool(b bool) Value     { return Value{Kind: VBool, B: b} }
func I64(i int64) Value     { return Value{Kind: VI64, I64: i} }
func Double(f float64) Value { return Value{Kind: VDouble, F64: f} }
func Str(b []byte) Value    { return Value{Kind: VString, Str: b} }
func ErrorValue(code int32, msg string) Value {
	return Value{Kind: VError, ErrCode: code, ErrMsg: msg}
}

// FromError maps a selvaerr.Error (or any error) to a wire error value
// (§6.A, §7 "errors are framed as selva_proto error values carrying a
// code and optional message string").
func FromError(err error) Value {
	if err == nil {
		return ErrorValue(0, "")
	}
	return ErrorValue(selvaerr.KindOf(err).Code(), err.Error())
}

// WriteFrame writes header followed by values, each value preceded by
// its kind byte. Values flagged SDeflate are compressed with
// compress/flate before the length-prefixed byte count is written.
func WriteFrame(w io.Writer, h Header, values []Value) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h.Seqno); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, h.CmdID); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(h.Flags)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, h.Timestamp); err != nil {
		return err
	}
	for _, v := range values {
		if err := encodeValue(&buf, v); err != nil {
			return err
		}
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case VNull, VArrayBegin, VArrayEnd, VEOS:
		// no payload
	case VError:
		binary.Write(buf, binary.BigEndian, v.ErrCode)
		writeString(buf, []byte(v.ErrMsg), SNone)
	case VDouble:
		binary.Write(buf, binary.BigEndian, v.F64)
	case VI64:
		binary.Write(buf, binary.BigEndian, v.I64)
	case VBool:
		if v.B {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case VString:
		payload := v.Str
		if v.StrFlags&SDeflate != 0 {
			compressed, err := deflate(payload)
			if err != nil {
				return err
			}
			payload = compressed
		}
		writeString(buf, payload, v.StrFlags)
	default:
		return fmt.Errorf("proto: unknown value kind %d", v.Kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, b []byte, flags StringFlags) {
	buf.WriteByte(byte(flags))
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}

func deflate(b []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	return io.ReadAll(r)
}

// ReadFrame reads one length-prefixed frame: a header followed by a
// sequence of values terminated by VEOS or EOF-of-frame.
func ReadFrame(r io.Reader) (Header, []Value, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Header{}, nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	buf := bytes.NewReader(body)

	var h Header
	if err := binary.Read(buf, binary.BigEndian, &h.Seqno); err != nil {
		return Header{}, nil, err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.CmdID); err != nil {
		return Header{}, nil, err
	}
	flagByte, err := buf.ReadByte()
	if err != nil {
		return Header{}, nil, err
	}
	h.Flags = FrameFlags(flagByte)
	if err := binary.Read(buf, binary.BigEndian, &h.Timestamp); err != nil {
		return Header{}, nil, err
	}

	var values []Value
	for buf.Len() > 0 {
		v, err := decodeValue(buf)
		if err != nil {
			return Header{}, nil, err
		}
		values = append(values, v)
		if v.Kind == VEOS {
			break
		}
	}
	return h, values, nil
}

func decodeValue(buf *bytes.Reader) (Value, error) {
	kindByte, err := buf.ReadByte()
	if err != nil {
		return Value{}, err
	}
	v := Value{Kind: ValueKind(kindByte)}
	switch v.Kind {
	case VNull, VArrayBegin, VArrayEnd, VEOS:
	case VError:
		if err := binary.Read(buf, binary.BigEndian, &v.ErrCode); err != nil {
			return Value{}, err
		}
		msg, _, err := readString(buf)
		if err != nil {
			return Value{}, err
		}
		v.ErrMsg = string(msg)
	case VDouble:
		if err := binary.Read(buf, binary.BigEndian, &v.F64); err != nil {
			return Value{}, err
		}
	case VI64:
		if err := binary.Read(buf, binary.BigEndian, &v.I64); err != nil {
			return Value{}, err
		}
	case VBool:
		b, err := buf.ReadByte()
		if err != nil {
			return Value{}, err
		}
		v.B = b != 0
	case VString:
		payload, flags, err := readString(buf)
		if err != nil {
			return Value{}, err
		}
		if flags&SDeflate != 0 {
			payload, err = inflate(payload)
			if err != nil {
				return Value{}, err
			}
		}
		v.StrFlags = flags
		v.Str = payload
	default:
		return Value{}, fmt.Errorf("proto: unknown value kind %d", v.Kind)
	}
	return v, nil
}

func readString(buf *bytes.Reader) ([]byte, StringFlags, error) {
	flagByte, err := buf.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	var lenBytes [4]byte
	if _, err := io.ReadFull(buf, lenBytes[:]); err != nil {
		return nil, 0, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, 0, err
	}
	return b, StringFlags(flagByte), nil
}

// Heartbeat is the server-initiated "boum" stream of spec.md §6.A,
// written every 5 seconds on a long-lived stream frame.
const HeartbeatPayload = "boum"
