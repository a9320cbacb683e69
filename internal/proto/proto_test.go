package proto

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	h := Header{Seqno: 42, CmdID: 7, Flags: FFirst, Timestamp: 1234}
	values := []Value{
		Null(),
		I64(-9),
		Double(3.5),
		Bool(true),
		Str([]byte("hello")),
		ArrayBegin(),
		I64(1),
		I64(2),
		ArrayEnd(),
		EOS(),
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, values); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	gotH, gotV, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if gotH != h {
		t.Fatalf("header mismatch: got %+v want %+v", gotH, h)
	}
	if len(gotV) != len(values) {
		t.Fatalf("value count mismatch: got %d want %d", len(gotV), len(values))
	}
	if gotV[4].Kind != VString || string(gotV[4].Str) != "hello" {
		t.Fatalf("string value mismatch: %+v", gotV[4])
	}
}

func TestDeflateStringRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("selva"), 100)
	v := Value{Kind: VString, StrFlags: SDeflate, Str: payload}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{}, []Value{v, EOS()}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got[0].Str, payload) {
		t.Fatalf("deflate round trip mismatch: got %d bytes want %d", len(got[0].Str), len(payload))
	}
}

func TestErrorValue(t *testing.T) {
	v := ErrorValue(3, "not found")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{}, []Value{v, EOS()}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got[0].Kind != VError || got[0].ErrCode != 3 || got[0].ErrMsg != "not found" {
		t.Fatalf("error value mismatch: %+v", got[0])
	}
}
