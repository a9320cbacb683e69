// admin.go implements the process-introspection commands of spec.md
// §6.B ("ping, echo, lscmd, lsmod, hrt, config, loglevel, dbg,
// mallocstats, mallocprofdump") grounded on the teacher's lsmod/config
// admin handlers (internal/rpc/server_routing_validation_diagnostics.go)
// which answer from in-process state rather than touching the
// hierarchy.
package command

import (
	"runtime"
	"sort"
	"time"

	"github.com/selvadb/selva/internal/config"
	"github.com/selvadb/selva/internal/logx"
	"github.com/selvadb/selva/internal/proto"
	"github.com/selvadb/selva/internal/selvaerr"
)

// commandNames lists every command name recognized by Dispatch, for
// lscmd (spec.md §6.B command table).
var commandNames = []string{
	"ping", "echo", "lscmd", "lsmod", "hrt", "config", "loglevel", "dbg",
	"mallocstats", "mallocprofdump",
	"hierarchy.find", "hierarchy.aggregate", "update",
	"subscriptions.add", "subscriptions.addAlias", "subscriptions.addMissing",
	"subscriptions.addTrigger", "subscriptions.refresh", "subscriptions.list",
	"subscriptions.listMissing", "subscriptions.debug", "subscriptions.del",
	"subscriptions.delMarker",
	"index.list", "index.new", "index.del", "index.debug", "index.info",
}

func (d *Dispatcher) lscmd() Reply {
	names := append([]string(nil), commandNames...)
	sort.Strings(names)
	out := []proto.Value{proto.ArrayBegin()}
	for _, n := range names {
		out = append(out, proto.Str([]byte(n)))
	}
	out = append(out, proto.ArrayEnd())
	return okValues(out...)
}

// lsmod lists loaded modules; this build has no dynamically loaded
// command modules (spec.md §1 "the module/command loader" is external
// to the core), so it always reports just the built-in core.
func (d *Dispatcher) lsmod() Reply {
	out := []proto.Value{proto.ArrayBegin(), proto.Str([]byte("core")), proto.ArrayEnd()}
	return okValues(out...)
}

// hrt ("high resolution time") reports server uptime and node count, a
// lightweight health probe distinct from the full dbg dump.
func (d *Dispatcher) hrt() Reply {
	uptimeMS := int64(time.Since(d.startTime) / time.Millisecond)
	return okValues(
		proto.ArrayBegin(),
		proto.Str([]byte("uptime_ms")), proto.I64(uptimeMS),
		proto.Str([]byte("node_count")), proto.I64(int64(d.H.NodeCount())),
		proto.ArrayEnd(),
	)
}

// config reads or writes a single configuration key (spec.md §6.D); no
// arguments dumps every key.
func (d *Dispatcher) config(args []proto.Value) Reply {
	if len(args) == 0 {
		dump := config.Dump()
		keys := make([]string, 0, len(dump))
		for k := range dump {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []proto.Value{proto.ArrayBegin()}
		for _, k := range keys {
			out = append(out, proto.Str([]byte(k)))
			out = append(out, valueOf(dump[k]))
		}
		out = append(out, proto.ArrayEnd())
		return okValues(out...)
	}
	key, ok := argString(args[0])
	if !ok {
		return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: config key must be a string"))
	}
	if len(args) == 1 {
		return okValues(valueOf(config.Dump()[key]))
	}
	switch args[1].Kind {
	case proto.VI64:
		config.Set(key, args[1].I64)
	case proto.VDouble:
		config.Set(key, args[1].F64)
	case proto.VBool:
		config.Set(key, args[1].B)
	case proto.VString:
		config.Set(key, string(args[1].Str))
	default:
		return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: config value must be scalar"))
	}
	return okValues(proto.Bool(true))
}

func valueOf(v interface{}) proto.Value {
	switch t := v.(type) {
	case nil:
		return proto.Null()
	case string:
		return proto.Str([]byte(t))
	case bool:
		return proto.Bool(t)
	case int:
		return proto.I64(int64(t))
	case int64:
		return proto.I64(t)
	case float64:
		return proto.Double(t)
	default:
		return proto.Null()
	}
}

func (d *Dispatcher) loglevel(args []proto.Value) Reply {
	if len(args) == 0 {
		return okValues(proto.Str([]byte(logx.CurrentLevel().String())))
	}
	s, ok := argString(args[0])
	if !ok {
		return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: loglevel expects a string"))
	}
	lvl, ok := logx.ParseLevel(s)
	if !ok {
		return errReply(selvaerr.New(selvaerr.InvalidArgument, "command: unknown log level "+s))
	}
	logx.SetLevel(lvl)
	return okValues(proto.Bool(true))
}

// dbg dumps a coarse snapshot of live core state: node/edge/marker/ICB
// counts, grounded on the teacher's debug admin command that reports
// storage counters without walking every row.
func (d *Dispatcher) dbg(args []proto.Value) Reply {
	return okValues(
		proto.ArrayBegin(),
		proto.Str([]byte("nodes")), proto.I64(int64(d.H.NodeCount())),
		proto.Str([]byte("heads")), proto.I64(int64(len(d.H.Heads()))),
		proto.Str([]byte("icbs")), proto.I64(int64(len(d.Idx.All()))),
		proto.ArrayEnd(),
	)
}

// mallocstats / mallocprofdump proxy Go's own runtime memory stats,
// since the core has no custom allocator of its own to introspect
// (spec.md §1 scopes "the process-wide allocator" out of the core; Go's
// runtime fills that role here).
func (d *Dispatcher) mallocstats() Reply {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return okValues(
		proto.ArrayBegin(),
		proto.Str([]byte("heap_alloc")), proto.I64(int64(ms.HeapAlloc)),
		proto.Str([]byte("heap_sys")), proto.I64(int64(ms.HeapSys)),
		proto.Str([]byte("num_gc")), proto.I64(int64(ms.NumGC)),
		proto.ArrayEnd(),
	)
}

func (d *Dispatcher) mallocprofdump(args []proto.Value) Reply {
	return okValues(proto.Str([]byte("mallocprofdump: not supported (no custom allocator in this build)")))
}
