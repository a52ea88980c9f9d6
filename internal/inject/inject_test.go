package inject

import (
	"context"
	"testing"
	"time"

	"github.com/harveyfullstack/relay-pty/internal/parser"
	"github.com/harveyfullstack/relay-pty/internal/queue"
	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

type fakePty struct {
	sent [][]byte
}

func (f *fakePty) Send(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func testConfig(idleTimeoutMS uint64) relaypty.Config {
	c := relaypty.DefaultConfig()
	c.IdleTimeoutMS = idleTimeoutMS
	return c
}

func testParseResult(isIdle bool) parser.ParseResult {
	return parser.ParseResult{IsIdle: isIdle}
}

func newTestInjector(idleTimeoutMS uint64) *Injector {
	q := queue.New(1, time.Minute, time.Minute)
	return New(&fakePty{}, q, testConfig(idleTimeoutMS))
}

func TestUpdateFromParseSetsIdle(t *testing.T) {
	inj := newTestInjector(600000)
	inj.UpdateFromParse(testParseResult(true))
	if !inj.CheckIdle() {
		t.Error("expected idle after parse result with IsIdle=true")
	}
}

func TestRecordOutputClearsIdleOnNonRelay(t *testing.T) {
	inj := newTestInjector(600000)
	inj.UpdateFromParse(testParseResult(true))
	if !inj.CheckIdle() {
		t.Fatal("expected idle before recording output")
	}
	inj.RecordOutput("Hello world")
	if inj.CheckIdle() {
		t.Error("expected non-relay output to clear idle")
	}
}

func TestRecordOutputKeepsIdleOnRelayEcho(t *testing.T) {
	inj := newTestInjector(600000)
	inj.UpdateFromParse(testParseResult(true))
	inj.RecordOutput("Relay message from Alice [abc]: Hi\n")
	if !inj.CheckIdle() {
		t.Error("expected relay echo to preserve idle state")
	}
}

func TestIdleTimeoutZeroIsImmediatelyIdle(t *testing.T) {
	inj := newTestInjector(0)
	if !inj.CheckIdle() {
		t.Error("expected zero idle timeout to be immediately idle")
	}
}

func TestIsRelayEcho(t *testing.T) {
	if !isRelayEcho("Relay message from Alice [abc]: Hi\n") {
		t.Error("expected relay echo to match")
	}
	if !isRelayEcho("\nRelay message from Bob [def]: Yo\n\n") {
		t.Error("expected relay echo with blank lines to match")
	}
	if isRelayEcho("Some other output\n") {
		t.Error("expected non-relay output to not match")
	}
}

func TestIsAutoSuggestion(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"\x1b[7mW\x1b[27m\x1b[2mhat's the task you need help with?\x1b[22m", true},
		{"\x1b[7mT\x1b[27m\x1b[2mry \"how do I log an error?\"\x1b[22m", true},
		{"some text ↵ send", true},
		{"Hello world", false},
		{"Running tests...", false},
		{"\x1b[2m───────\x1b[22m", false},
	}
	for _, c := range cases {
		if got := isAutoSuggestion(c.in); got != c.want {
			t.Errorf("isAutoSuggestion(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestRecordOutputBlocksInjectionOnAutoSuggestions(t *testing.T) {
	inj := newTestInjector(600000)
	inj.UpdateFromParse(testParseResult(true))
	if !inj.CheckIdle() {
		t.Fatal("expected idle before auto-suggestion")
	}

	inj.RecordOutput("\x1b[7mW\x1b[27m\x1b[2mhat's the task?\x1b[22m")
	if inj.CheckIdle() {
		t.Error("expected auto-suggestion to block injection")
	}

	inj.RecordOutput("Some real output")
	if inj.CheckIdle() {
		t.Error("expected recent real output to keep non-idle")
	}
}

func TestAutoSuggestionFlagClearedByRealOutput(t *testing.T) {
	inj := newTestInjector(600000)
	inj.UpdateFromParse(testParseResult(true))
	if !inj.CheckIdle() {
		t.Fatal("expected idle via explicit flag")
	}

	inj.RecordOutput("\x1b[7mH\x1b[27m\x1b[2melp me\x1b[22m")
	if inj.CheckIdle() {
		t.Error("expected auto-suggestion to block")
	}

	inj.RecordOutput("Agent is working...")
	if inj.CheckIdle() {
		t.Error("expected real output to clear idle (agent active)")
	}

	inj.UpdateFromParse(testParseResult(true))
	if !inj.CheckIdle() {
		t.Error("expected idle to be settable again after auto-suggestion flag cleared")
	}
}

func TestIsAutoSuggestionRealWorldPatterns(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"\x1b[7mS\x1b[27m\x1b[2mend Dashboard their first task                                                          ↵ send\x1b[22m", true},
		{"\x1b[7mH\x1b[27m\x1b[2melp me set up agent deployment\x1b[22m", true},
		{"                     ↵ send", true},
		{"\x1b[38;5;174m✻\x1b[39m", false},
		{"\x1b[38;5;174m✶\x1b[39m", false},
		{"> \x1b[7m \x1b[27m", false},
		{"\x1b[1mBash\x1b[22m(ls -la)", false},
		{"Relay message from Alice [abc]: Hello", false},
	}
	for _, c := range cases {
		if got := isAutoSuggestion(c.in); got != c.want {
			t.Errorf("isAutoSuggestion(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestIsAutoSuggestionEdgeCases(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"\x1b[7mX\x1b[27m", false},
		{"\x1b[2m────────\x1b[22m", false},
		{"\x1b[7mX\x1b[27m some text \x1b[2mdim\x1b[22m", false},
		{"line1\n\x1b[7mA\x1b[27m\x1b[2muto complete\x1b[22m\nline2", true},
	}
	for _, c := range cases {
		if got := isAutoSuggestion(c.in); got != c.want {
			t.Errorf("isAutoSuggestion(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestInjectMessageWritesBodyThenEnter(t *testing.T) {
	q := queue.New(1, time.Minute, time.Minute)
	fp := &fakePty{}
	inj := New(fp, q, testConfig(0))

	msg := relaypty.NewQueuedMessage("abc1234", "dashboard", "hello", 1)
	delivered, err := inj.injectMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delivered {
		t.Fatal("expected delivery to be assumed true")
	}
	if len(fp.sent) != 2 {
		t.Fatalf("expected 2 writes (body + enter), got %d", len(fp.sent))
	}
	if string(fp.sent[1]) != "\r" {
		t.Errorf("expected second write to be a lone CR, got %q", fp.sent[1])
	}
}
