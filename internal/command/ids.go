// ids.go assigns the stable numeric cmd_id values spec.md §6.B requires
// ("ids are stable") for the wire header's cmd_id field, since
// internal/proto frames carry a uint32 rather than the command name
// string Dispatch switches on. Grounded on the teacher's
// internal/rpc op-name constants (internal/rpc/protocol.go), generalized
// from string-keyed JSON ops to a fixed integer table built once from
// commandNames so the assignment never depends on map iteration order.
package command

var (
	cmdIDToName = make(map[uint32]string, len(commandNames))
	cmdNameToID = make(map[string]uint32, len(commandNames))
)

func init() {
	for i, name := range commandNames {
		id := uint32(i + 1)
		cmdIDToName[id] = name
		cmdNameToID[name] = id
	}
}

// NameForCmdID resolves a wire cmd_id to its command name, for the
// server's frame-dispatch loop.
func NameForCmdID(id uint32) (string, bool) {
	name, ok := cmdIDToName[id]
	return name, ok
}

// CmdIDForName resolves a command name to its wire cmd_id, for clients
// and tests constructing request frames.
func CmdIDForName(name string) (uint32, bool) {
	id, ok := cmdNameToID[name]
	return id, ok
}
