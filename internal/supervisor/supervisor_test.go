package supervisor

import "testing"

func TestStripANSI(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"csi color", "\x1b[31mred\x1b[0m text", "red text"},
		{"osc title bel", "\x1b]0;title\x07after", "after"},
		{"osc title st", "\x1b]0;title\x1b\\after", "after"},
		{"designator", "\x1b(Bhello", "hello"},
		{"bare escape", "a\x1bXb", "ab"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := stripANSI(c.in); got != c.want {
				t.Errorf("stripANSI(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestStripANSIIdempotent(t *testing.T) {
	in := "\x1b[1;31mbold red\x1b[0m plain \x1b]2;t\x07end"
	once := stripANSI(in)
	twice := stripANSI(once)
	if once != twice {
		t.Errorf("stripANSI not idempotent: %q != %q", once, twice)
	}
}

func TestDetectEditorModeVimStatusLine(t *testing.T) {
	if !detectEditorMode("some output\n-- INSERT --") {
		t.Error("expected vim insert mode line to be detected")
	}
}

func TestDetectEditorModeIgnoresMidLineMatch(t *testing.T) {
	// The indicator must end the line to distinguish from a CLI status bar
	// that happens to carry the same substring alongside other UI glyphs.
	if detectEditorMode("-- INSERT -- [extra status glyphs]") {
		t.Error("expected mid-line occurrence to not count as editor mode")
	}
}

func TestDetectEditorModeNano(t *testing.T) {
	if !detectEditorMode("GNU nano 7.2   File: notes.txt") {
		t.Error("expected nano banner to be detected")
	}
}

func TestDetectEditorModeInteractiveRebase(t *testing.T) {
	if !detectEditorMode("pick abc123 first commit\n# Rebase def456..abc123 onto def456") {
		t.Error("expected interactive rebase to be detected")
	}
}

func TestDetectEditorModePager(t *testing.T) {
	if !detectEditorMode("some long output\n(END)") {
		t.Error("expected pager (END) to be detected")
	}
	if !detectEditorMode("more output\n--More--") {
		t.Error("expected pager --More-- to be detected")
	}
}

func TestDetectEditorModeNormalOutputNotFlagged(t *testing.T) {
	if detectEditorMode("just some regular command output\n$ ") {
		t.Error("expected ordinary shell output to not be flagged as editor mode")
	}
}

func TestIsRelayEchoOrBlank(t *testing.T) {
	if !isRelayEchoOrBlank("\n\nRelay message from Bob [abc1234]: hi\n") {
		t.Error("expected blank lines and relay echo to be classified as echo")
	}
	if isRelayEchoOrBlank("some real agent output") {
		t.Error("expected real output to not be classified as echo")
	}
}
