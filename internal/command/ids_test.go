package command

import "testing"

func TestCmdIDRoundTrip(t *testing.T) {
	for _, name := range commandNames {
		id, ok := CmdIDForName(name)
		if !ok {
			t.Fatalf("CmdIDForName(%q): not found", name)
		}
		got, ok := NameForCmdID(id)
		if !ok || got != name {
			t.Fatalf("NameForCmdID(%d) = %q, %v; want %q, true", id, got, ok, name)
		}
	}
}

func TestCmdIDUnknown(t *testing.T) {
	if _, ok := NameForCmdID(0); ok {
		t.Fatalf("NameForCmdID(0): expected not found")
	}
	if _, ok := CmdIDForName("no.such.command"); ok {
		t.Fatalf("CmdIDForName: expected not found")
	}
}
