package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/selvadb/selva/internal/command"
	"github.com/selvadb/selva/internal/proto"
)

func dialAndExchange(t *testing.T, addr, cmdName string, args []proto.Value) []proto.Value {
	t.Helper()
	id, ok := command.CmdIDForName(cmdName)
	if !ok {
		t.Fatalf("unknown command %q", cmdName)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := proto.Header{Seqno: 1, CmdID: id, Flags: proto.FFirst, Timestamp: time.Now().UnixNano()}
	vals := append(append([]proto.Value(nil), args...), proto.EOS())
	if err := proto.WriteFrame(conn, req, vals); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, gotVals, err := proto.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return gotVals
}

func TestServerPingPong(t *testing.T) {
	disp := command.NewDispatcher()

	// Reserve an ephemeral port, then hand its address to New (which
	// does its own net.Listen once Start runs).
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	srv := New(addr, disp, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-srv.WaitReady():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready in time")
	}

	got := dialAndExchange(t, addr, "ping", nil)
	if len(got) < 1 || got[0].Kind != proto.VString || string(got[0].Str) != "pong" {
		t.Fatalf("ping reply = %+v, want pong", got)
	}

	got = dialAndExchange(t, addr, "echo", []proto.Value{proto.I64(42)})
	if len(got) < 1 || got[0].Kind != proto.VI64 || got[0].I64 != 42 {
		t.Fatalf("echo reply = %+v, want 42", got)
	}

	cancel()
	srv.Stop()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestServerUnknownCmdID(t *testing.T) {
	disp := command.NewDispatcher()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := New(addr, disp, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	<-srv.WaitReady()
	defer srv.Stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := proto.Header{Seqno: 1, CmdID: 999999, Flags: proto.FFirst}
	if err := proto.WriteFrame(conn, req, []proto.Value{proto.EOS()}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, vals, err := proto.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(vals) == 0 || vals[0].Kind != proto.VError {
		t.Fatalf("expected an error value for unknown cmd_id, got %+v", vals)
	}
}
