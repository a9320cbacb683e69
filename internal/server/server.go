// Package server implements the TCP event loop of spec.md §5/§6.A: it
// accepts framed connections, decodes one internal/proto frame per
// request, dispatches it through a command.Dispatcher and frames the
// reply. It calls the dispatcher's FlushDeferredEvents after any reply
// marked Mutating; the update command flushes its own deferred
// subscription events before returning its reply. Grounded on the teacher's internal/rpc.Server shape
// (internal/rpc/server_core.go: socketPath/listener/shutdownChan/
// doneChan/readyChan/maxConns/connSemaphore fields, ready-signal channel,
// Stop-once semantics) adapted from a Unix-socket JSON-RPC server to a
// TCP binary-framed one, and on cmd/bd/daemon_server.go's
// start-then-select-on-ready-or-timeout startup convention.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/selvadb/selva/internal/command"
	"github.com/selvadb/selva/internal/logx"
	"github.com/selvadb/selva/internal/proto"
)

// heartbeatInterval is spec.md §6.A's "Heartbeat is a server-initiated
// stream writing "boum" every 5 s".
const heartbeatInterval = 5 * time.Second

// Server is the single TCP listener for one Selva core process. It owns
// no database state itself beyond the Dispatcher it was constructed
// with; the dispatcher is shared by every connection, which is safe
// only because the dispatcher serializes all command handling onto a
// single goroutine (the commandCh loop below), matching spec.md §5's
// single-threaded cooperative event loop.
type Server struct {
	addr   string
	disp   *command.Dispatcher
	maxConns int

	mu       sync.Mutex
	listener net.Listener
	shutdown bool

	shutdownChan chan struct{}
	doneChan     chan struct{}
	readyChan    chan struct{}
	stopOnce     sync.Once

	activeConns   int32
	connSemaphore chan struct{}

	commandCh chan commandReq
}

type commandReq struct {
	cmd    string
	args   []proto.Value
	replyC chan command.Reply
}

// New creates a Server bound to addr (host:port) that will dispatch
// every decoded frame through disp. maxConns <= 0 means unlimited.
func New(addr string, disp *command.Dispatcher, maxConns int) *Server {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Server{
		addr:          addr,
		disp:          disp,
		maxConns:      maxConns,
		shutdownChan:  make(chan struct{}),
		doneChan:      make(chan struct{}),
		readyChan:     make(chan struct{}),
		connSemaphore: make(chan struct{}, maxConns),
		commandCh:     make(chan commandReq),
	}
}

// WaitReady returns a channel closed once the listener is accepting
// connections.
func (s *Server) WaitReady() <-chan struct{} { return s.readyChan }

// Start listens on addr and serves connections until ctx is canceled or
// Stop is called. It runs the single command-processing goroutine that
// gives every dispatched command exclusive access to the dispatcher, so
// Start must only be invoked once per Server.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.readyChan)
	logx.Infof("server: listening on %s", s.addr)

	go s.commandLoop()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(s.doneChan)
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.shutdown
			s.mu.Unlock()
			if closing {
				return nil
			}
			logx.Warnf("server: accept: %v", err)
			continue
		}
		select {
		case s.connSemaphore <- struct{}{}:
		default:
			logx.Warnf("server: max connections (%d) reached, rejecting %s", s.maxConns, conn.RemoteAddr())
			conn.Close()
			continue
		}
		atomic.AddInt32(&s.activeConns, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt32(&s.activeConns, -1)
			defer func() { <-s.connSemaphore }()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and signals every connection goroutine to
// wind down; it is safe to call more than once and from any goroutine.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		ln := s.listener
		s.mu.Unlock()
		close(s.shutdownChan)
		if ln != nil {
			err = ln.Close()
		}
	})
	return err
}

// ActiveConns reports the current number of live connections, exposed
// for the hrt/dbg admin commands.
func (s *Server) ActiveConns() int32 { return atomic.LoadInt32(&s.activeConns) }

// commandLoop is the one place command.Dispatcher.Dispatch is called
// from, guaranteeing the single-threaded-core property of spec.md §5
// even though many goroutines read frames off their own connections
// concurrently.
func (s *Server) commandLoop() {
	for {
		select {
		case req := <-s.commandCh:
			logCommand(req.cmd)
			reply := s.disp.Dispatch(req.cmd, req.args)
			if reply.Mutating {
				s.disp.FlushDeferredEvents()
			}
			req.replyC <- reply
		case <-s.shutdownChan:
			return
		}
	}
}

func logCommand(cmd string) { logx.Debugf("server: dispatch %s", cmd) }

func (s *Server) dispatch(cmd string, args []proto.Value) command.Reply {
	replyC := make(chan command.Reply, 1)
	select {
	case s.commandCh <- commandReq{cmd: cmd, args: args, replyC: replyC}:
	case <-s.shutdownChan:
		return command.Reply{Values: []proto.Value{proto.FromError(context.Canceled), proto.EOS()}}
	}
	return <-replyC
}

// handleConn serves one client connection: read a frame, resolve its
// cmd_id to a command name, dispatch, frame the reply. A write mutex
// keeps the per-connection heartbeat goroutine from interleaving bytes
// with a reply frame.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logx.Debugf("server: connection from %s", conn.RemoteAddr())

	var writeMu sync.Mutex
	hbDone := make(chan struct{})
	go s.heartbeat(conn, &writeMu, hbDone)
	defer close(hbDone)

	for {
		select {
		case <-s.shutdownChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		hdr, values, err := proto.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				logx.Debugf("server: %s: read frame: %v", conn.RemoteAddr(), err)
			}
			return
		}

		cmdName, ok := command.NameForCmdID(hdr.CmdID)
		if !ok {
			s.writeReply(conn, &writeMu, hdr, command.Reply{
				Values: []proto.Value{proto.ErrorValue(1, "server: unknown cmd_id"), proto.EOS()},
			})
			continue
		}

		// The trailing VEOS is ReadFrame's sequence terminator, not an
		// argument value; command.Dispatch's handlers (e.g. a trailing
		// filter_expr's argReader.rest()) expect a bare argument list,
		// the same convention okValues/errReply use when building replies.
		if n := len(values); n > 0 && values[n-1].Kind == proto.VEOS {
			values = values[:n-1]
		}

		reply := s.dispatch(cmdName, values)
		s.writeReply(conn, &writeMu, hdr, reply)
	}
}

func (s *Server) writeReply(conn net.Conn, writeMu *sync.Mutex, reqHdr proto.Header, reply command.Reply) {
	writeMu.Lock()
	defer writeMu.Unlock()
	replyHdr := proto.Header{
		Seqno:     reqHdr.Seqno,
		CmdID:     reqHdr.CmdID,
		Flags:     proto.FFirst,
		Timestamp: time.Now().UnixNano(),
	}
	if err := proto.WriteFrame(conn, replyHdr, reply.Values); err != nil {
		logx.Debugf("server: %s: write frame: %v", conn.RemoteAddr(), err)
	}
}

// heartbeat writes the "boum" stream frame every 5 seconds until done
// is closed, per spec.md §6.A.
func (s *Server) heartbeat(conn net.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			writeMu.Lock()
			hdr := proto.Header{Flags: proto.FStream, Timestamp: time.Now().UnixNano()}
			err := proto.WriteFrame(conn, hdr, []proto.Value{
				proto.Str([]byte(proto.HeartbeatPayload)), proto.EOS(),
			})
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-s.shutdownChan:
			return
		}
	}
}
