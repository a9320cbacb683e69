// Package command implements the command surface of spec.md §4.K/§6.B:
// per-command argument parsing, orchestration over the core packages
// (find an index, fall back to traversal, sort/window, flush deferred
// subscription events), and response framing. It is grounded on the
// teacher's internal/rpc dispatch shape (a single switch over an
// operation name routing to one handle* method per command,
// internal/rpc/server_routing_validation_diagnostics.go), generalized
// from JSON request/response to proto.Value argument lists.
package command

import (
	"time"

	"github.com/selvadb/selva/internal/edge"
	"github.com/selvadb/selva/internal/findindex"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/logx"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/subs"
)

// Dispatcher owns the whole live database: the hierarchy, its edge
// manager, subscription engine and find-index cache, plus the
// hierarchy-wide alias table of spec.md's GLOSSARY ("Alias"). One
// Dispatcher serves every connection, matching the single-threaded
// cooperative event loop of spec.md §5: handlers run to completion
// without suspending, so no locking is needed here either.
type Dispatcher struct {
	H    *hierarchy.Hierarchy
	Em   *edge.Manager
	Subs *subs.Engine
	Idx  *findindex.Cache

	aliases map[string]hierarchy.NodeID

	startTime time.Time
}

func NewDispatcher() *Dispatcher {
	h := hierarchy.New()
	em := edge.New(h)
	se := subs.New(h, em)
	return newDispatcherFrom(h, em, se)
}

// NewDispatcherFromSnapshot wraps an already-decoded hierarchy/edge/
// subscription triple (persist.DecodeSnapshot's return) in a fresh
// Dispatcher, for restart-from-snapshot startup (spec.md §6.C). The
// find-index cache is never persisted (§4.J is a derived cache, not
// durable state), so it is always rebuilt empty and repopulates itself
// as queries that carry index hints are re-issued.
func NewDispatcherFromSnapshot(h *hierarchy.Hierarchy, em *edge.Manager, se *subs.Engine) *Dispatcher {
	return newDispatcherFrom(h, em, se)
}

func newDispatcherFrom(h *hierarchy.Hierarchy, em *edge.Manager, se *subs.Engine) *Dispatcher {
	idx := findindex.New(h, em, se)
	return &Dispatcher{
		H:         h,
		Em:        em,
		Subs:      se,
		Idx:       idx,
		aliases:   make(map[string]hierarchy.NodeID),
		startTime: time.Now(),
	}
}

// Reply is what a command handler returns: a payload value sequence,
// framed by the caller with proto.WriteFrame, plus a Mutating flag on
// which the server's command loop calls FlushDeferredEvents once the
// handler has returned. No handler in this package sets Mutating: the
// update handler flushes deferred subscription events itself before it
// returns its reply, so those events are published before the reply is
// framed.
type Reply struct {
	Values   []proto.Value
	Mutating bool
}

func errReply(err error) Reply {
	return Reply{Values: []proto.Value{proto.FromError(err), proto.EOS()}}
}

func okValues(vs ...proto.Value) Reply {
	vs = append(vs, proto.EOS())
	return Reply{Values: vs}
}

// Dispatch routes cmd to its handler (spec.md §6.B command table). Args
// are the request's decoded payload values, excluding the header.
func (d *Dispatcher) Dispatch(cmd string, args []proto.Value) Reply {
	switch cmd {
	case "ping":
		return okValues(proto.Str([]byte("pong")))
	case "echo":
		return okValues(args...)
	case "lscmd":
		return d.lscmd()
	case "lsmod":
		return d.lsmod()
	case "hrt":
		return d.hrt()
	case "config":
		return d.config(args)
	case "loglevel":
		return d.loglevel(args)
	case "dbg":
		return d.dbg(args)
	case "mallocstats":
		return d.mallocstats()
	case "mallocprofdump":
		return d.mallocprofdump(args)

	case "hierarchy.find":
		return d.find(args, false)
	case "hierarchy.aggregate":
		return d.find(args, true)
	case "update":
		return d.update(args)

	case "subscriptions.add":
		return d.subAdd(args)
	case "subscriptions.addAlias":
		return d.subAddAlias(args)
	case "subscriptions.addMissing":
		return d.subAddMissing(args)
	case "subscriptions.addTrigger":
		return d.subAddTrigger(args)
	case "subscriptions.refresh":
		return d.subRefresh(args)
	case "subscriptions.list":
		return d.subList()
	case "subscriptions.listMissing":
		return d.subListMissing()
	case "subscriptions.debug":
		return d.subDebug(args)
	case "subscriptions.del":
		return d.subDel(args)
	case "subscriptions.delMarker":
		return d.subDelMarker(args)

	case "index.list":
		return d.idxList()
	case "index.new":
		return d.idxNew(args)
	case "index.del":
		return d.idxDel(args)
	case "index.debug":
		return d.idxDebug(args)
	case "index.info":
		return d.idxInfo(args)

	default:
		return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: unknown command "+cmd))
	}
}

// ResolveAlias looks up the node id currently behind alias, for commands
// that accept an alias name wherever a node id is otherwise expected.
func (d *Dispatcher) ResolveAlias(alias string) (hierarchy.NodeID, bool) {
	id, ok := d.aliases[alias]
	return id, ok
}

// FlushDeferredEvents publishes every queued subscription event. The
// update handler calls it at the end of the command, before returning
// its reply; the server's command loop also calls it after any reply
// marked Mutating.
func (d *Dispatcher) FlushDeferredEvents() {
	d.Subs.SendDeferredEvents()
}

// --- argument decoding helpers shared by the command-specific files ---

func argString(v proto.Value) (string, bool) {
	if v.Kind != proto.VString {
		return "", false
	}
	return string(v.Str), true
}

func argI64(v proto.Value) (int64, bool) {
	if v.Kind != proto.VI64 {
		return 0, false
	}
	return v.I64, true
}

func argF64(v proto.Value) (float64, bool) {
	switch v.Kind {
	case proto.VDouble:
		return v.F64, true
	case proto.VI64:
		return float64(v.I64), true
	}
	return 0, false
}

func parseNodeID(s string) hierarchy.NodeID {
	var id hierarchy.NodeID
	copy(id[:], s)
	return id
}

func logCommand(cmd string) {
	logx.Debugf("command: dispatching %s", cmd)
}
