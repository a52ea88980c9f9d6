// Package supervisor implements the single-threaded cooperative event loop
// that owns the PTY, fans its output to stdout/parser/injector, services
// stdin, handles signals, and runs the cursor-query responder, MCP
// first-run approval, and auto-Enter recovery heuristics (spec §4.E).
package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/harveyfullstack/relay-pty/internal/inject"
	"github.com/harveyfullstack/relay-pty/internal/logger"
	"github.com/harveyfullstack/relay-pty/internal/outbox"
	"github.com/harveyfullstack/relay-pty/internal/parser"
	"github.com/harveyfullstack/relay-pty/internal/ptyio"
	"github.com/harveyfullstack/relay-pty/internal/queue"
	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

const (
	dsrQuery        = "\x1b[6n"
	dsrQueryPriv    = "\x1b[?6n"
	dsrReply        = "\x1b[1;1R"
	mcpBufferCap    = 4096 // >= 2.5 KiB per spec
	editorBufferCap = 4096

	mcpApproveSettle   = 100 * time.Millisecond
	mcpApproveTimeout  = 5 * time.Second
	autoEnterInterval  = 2 * time.Second
	autoEnterCooldown  = 5 * time.Second
	autoEnterRecentInj = 60 * time.Second
	autoEnterMaxTries  = 5
)

var autoEnterBackoff = [...]float64{1.0, 1.5, 2.5, 4.0, 6.0}

var mcpHeaderSubstrings = []string{"MCP Server Approval Required", "MCP server approval"}
var mcpApproveSubstrings = []string{"[a] Approve all servers", "Approve all", "[a]"}

var vimModeIndicators = []string{"-- INSERT --", "-- VISUAL --", "-- VISUAL LINE --", "-- VISUAL BLOCK --", "-- REPLACE --"}

// StalePrinter is called once per stale outbox file, for JSON-lines
// emission on stderr.
type StalePrinter func(relaypty.StaleOutboxFile)

// Supervisor wires together the PTY transport, parser, queue, injector, and
// optional outbox watcher into the cooperative loop described in §4.E.
type Supervisor struct {
	Config   relaypty.Config
	PTY      *ptyio.AsyncPty
	Parser   *parser.OutputParser
	Queue    *queue.Queue
	Injector *inject.Injector
	Outbox   *outbox.Monitor // nil disables the stale-outbox tick

	Stdin   io.Reader
	Stdout  io.Writer
	LogFile io.Writer // nil disables log-file teeing
	JSONOut io.Writer // where parsed commands / stale events are written as JSON lines

	// termRestore, if set, restores the parent terminal's termios on
	// shutdown. Populated by EnableRawMode.
	termRestore func()

	shutdownCh chan struct{}
	shutOnce   atomic.Bool

	mcpBuf          strings.Builder
	mcpApproved     bool
	mcpHeaderSince  time.Time
	mcpApproveSince time.Time

	editorBuf    strings.Builder
	inEditorMode bool

	autoEnterAttempts int
	lastAutoEnterMS   int64
}

// New constructs a Supervisor from its already-initialized collaborators.
func New(cfg relaypty.Config, p *ptyio.AsyncPty, q *queue.Queue, inj *inject.Injector, parse *parser.OutputParser) *Supervisor {
	return &Supervisor{
		Config:     cfg,
		PTY:        p,
		Queue:      q,
		Injector:   inj,
		Parser:     parse,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		JSONOut:    os.Stderr,
		shutdownCh: make(chan struct{}),
	}
}

// EnableRawMode puts the parent stdin into raw mode if it is a TTY, saving
// the prior termios so it can be restored on shutdown.
func (s *Supervisor) EnableRawMode() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return
	}
	s.termRestore = func() { _ = term.Restore(fd, old) }
}

// RequestShutdown signals the loop to stop on its next iteration, safe to
// call from the control socket's goroutine.
func (s *Supervisor) RequestShutdown() {
	if s.shutOnce.CompareAndSwap(false, true) {
		close(s.shutdownCh)
	}
}

// Status returns a snapshot of supervisor state for a "status" request.
func (s *Supervisor) Status() (idle bool, queueLength int, lastOutputMS int64) {
	return s.Injector.CheckIdle(), s.Queue.Len(), s.Injector.SilenceMS()
}

// Run drives the event loop until the child exits, a shutdown is
// requested, or ctx is canceled. It restores raw mode and shuts down the
// PTY bridge before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.cleanup()

	sigint := make(chan os.Signal, 1)
	sigterm := make(chan os.Signal, 1)
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)
	signal.Notify(sigterm, syscall.SIGTERM)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	defer signal.Stop(sigint)
	defer signal.Stop(sigterm)
	defer signal.Stop(sigwinch)

	stdinCh := make(chan []byte, 64)
	stdinDone := make(chan struct{})
	go s.readStdin(stdinCh, stdinDone)

	var staleTick <-chan time.Time
	if s.Outbox != nil && s.Config.StaleOutboxTimeout > 0 {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		staleTick = t.C
	}

	var autoEnterTick <-chan time.Time
	if s.Config.AutoEnterTimeout > 0 {
		t := time.NewTicker(autoEnterInterval)
		defer t.Stop()
		autoEnterTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.shutdownCh:
			return nil

		case <-sigint:
			_ = s.PTY.Signal(syscall.SIGINT)

		case <-sigterm:
			return nil

		case <-sigwinch:
			s.handleResize()

		case data, ok := <-stdinCh:
			if !ok {
				stdinCh = nil
				continue
			}
			_ = s.PTY.Send(data)

		case chunk, ok := <-s.PTY.OutputChan():
			if !ok {
				return nil
			}
			s.handleOutput(chunk)

		case <-staleTick:
			s.emitStaleFiles()

		case <-autoEnterTick:
			s.maybeAutoEnter()
		}

		if !s.PTY.IsRunning() {
			return nil
		}
	}
}

func (s *Supervisor) readStdin(out chan<- []byte, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := s.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) handleResize() {
	fd := int(os.Stdout.Fd())
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	_ = s.PTY.Resize(uint16(rows), uint16(cols))
}

// handleOutput implements the per-chunk pipeline from §4.E: DSR
// auto-respond, MCP-approval detection, editor-mode tracking, auto-Enter
// counter reset, stdout/log-file copy, parsing, injector state update, and
// optional JSON emission of parsed commands.
func (s *Supervisor) handleOutput(chunk []byte) {
	text := string(chunk)

	if strings.Contains(text, dsrQuery) || strings.Contains(text, dsrQueryPriv) {
		_ = s.PTY.Send([]byte(dsrReply))
	}

	clean := stripANSI(text)

	s.updateMCPApproval(clean)
	s.updateEditorMode(clean)

	if !isRelayEchoOrBlank(clean) {
		s.autoEnterAttempts = 0
	}

	s.Stdout.Write(chunk)
	if s.LogFile != nil {
		s.LogFile.Write(chunk)
	}

	result := s.Parser.Process(chunk)
	s.Injector.RecordOutput(text)
	s.Injector.UpdateFromParse(result)

	if s.Config.JSONOutput && s.JSONOut != nil {
		for _, cmd := range result.Commands {
			s.writeJSONLine(cmd)
		}
		for _, cc := range result.ContinuityCommands {
			s.writeJSONLine(cc)
		}
	}
}

func (s *Supervisor) writeJSONLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = s.JSONOut.Write(data)
}

func (s *Supervisor) emitStaleFiles() {
	if s.Outbox == nil {
		return
	}
	for _, f := range s.Outbox.CheckStale() {
		s.writeJSONLine(f)
	}
}

// updateMCPApproval implements the one-shot first-run MCP server approval
// prompt: once both a header and an approve-option substring have been
// observed in the rolling buffer (or one has persisted alone for 5s), send
// "a" to approve and latch so it never fires twice.
func (s *Supervisor) updateMCPApproval(clean string) {
	if s.mcpApproved || clean == "" {
		return
	}

	s.mcpBuf.WriteString(clean)
	if s.mcpBuf.Len() > mcpBufferCap {
		kept := relaypty.TrimToRuneBoundary(s.mcpBuf.String(), mcpBufferCap)
		s.mcpBuf.Reset()
		s.mcpBuf.WriteString(kept)
	}
	buf := s.mcpBuf.String()

	hasHeader := containsAny(buf, mcpHeaderSubstrings)
	hasApprove := containsAny(buf, mcpApproveSubstrings)

	now := time.Now()
	if hasHeader && s.mcpHeaderSince.IsZero() {
		s.mcpHeaderSince = now
	} else if !hasHeader {
		s.mcpHeaderSince = time.Time{}
	}
	if hasApprove && s.mcpApproveSince.IsZero() {
		s.mcpApproveSince = now
	} else if !hasApprove {
		s.mcpApproveSince = time.Time{}
	}

	fire := hasHeader && hasApprove
	if !fire {
		if hasHeader && !s.mcpHeaderSince.IsZero() && now.Sub(s.mcpHeaderSince) >= mcpApproveTimeout {
			fire = true
		}
		if hasApprove && !s.mcpApproveSince.IsZero() && now.Sub(s.mcpApproveSince) >= mcpApproveTimeout {
			fire = true
		}
	}

	if !fire {
		return
	}

	time.Sleep(mcpApproveSettle)
	_ = s.PTY.Send([]byte("a"))
	s.mcpApproved = true
	s.mcpBuf.Reset()
}

// updateEditorMode keeps a rolling buffer of recent output and classifies
// whether the wrapped CLI currently owns the screen as a full-screen
// editor or pager, during which auto-Enter must not fire.
func (s *Supervisor) updateEditorMode(clean string) {
	if clean == "" {
		return
	}
	s.editorBuf.WriteString(clean)
	if s.editorBuf.Len() > editorBufferCap {
		kept := relaypty.TrimToRuneBoundary(s.editorBuf.String(), editorBufferCap)
		s.editorBuf.Reset()
		s.editorBuf.WriteString(kept)
	}
	s.inEditorMode = detectEditorMode(s.editorBuf.String())
}

func detectEditorMode(buf string) bool {
	lines := strings.Split(buf, "\n")
	lastNonEmpty := ""
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimRight(lines[i], " \t\r")
		if trimmed != "" {
			lastNonEmpty = trimmed
			break
		}
	}
	for _, ind := range vimModeIndicators {
		if strings.HasSuffix(lastNonEmpty, ind) {
			return true
		}
	}

	if strings.Contains(buf, "GNU nano") || strings.Contains(buf, "^G Get Help") {
		return true
	}
	if strings.Contains(buf, "Emacs") {
		return true
	}
	if strings.Contains(buf, "pick ") && strings.Contains(buf, "# Rebase") {
		return true
	}
	if strings.Contains(buf, "(END)") || strings.Contains(buf, "--More--") {
		return true
	}
	return false
}

// maybeAutoEnter implements the periodic recovery check: if the agent
// looks idle for longer than the backoff-scaled threshold, an injection
// happened recently, it isn't in editor mode, and we haven't exhausted our
// attempts or cooled down, send a bare carriage return.
func (s *Supervisor) maybeAutoEnter() {
	if s.inEditorMode {
		return
	}
	if s.autoEnterAttempts >= autoEnterMaxTries {
		return
	}
	if !s.Injector.CheckIdle() {
		return
	}
	if !s.Injector.HadRecentInjection(int64(autoEnterRecentInj / time.Millisecond)) {
		return
	}

	now := relaypty.NowMillis()
	if s.lastAutoEnterMS != 0 && now-s.lastAutoEnterMS < int64(autoEnterCooldown/time.Millisecond) {
		return
	}

	base := float64(s.Config.AutoEnterTimeout) * 1000
	required := base * autoEnterBackoff[s.autoEnterAttempts]
	if float64(s.Injector.SilenceMS()) <= required {
		return
	}

	if err := s.PTY.Send([]byte{0x0d}); err != nil {
		return
	}
	s.autoEnterAttempts++
	s.lastAutoEnterMS = now
}

func (s *Supervisor) cleanup() {
	_ = s.PTY.Shutdown()
	if s.termRestore != nil {
		s.termRestore()
	}
	logger.Debug("supervisor: shutdown complete")
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func isRelayEchoOrBlank(clean string) bool {
	for _, line := range strings.Split(clean, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Relay message from ") {
			continue
		}
		return false
	}
	return true
}

// stripANSI removes ANSI escape sequences byte-by-byte per spec §4.E:
// ESC dispatches on the following byte — CSI ('[') runs to a terminator in
// [0x40,0x7E]; OSC (']') runs to BEL or ESC '\'; '(', ')', '*', '+' consume
// one designator byte; any other printable byte in [0,126] is a simple
// one-byte escape; otherwise only the ESC itself is skipped. This is a
// stricter, byte-exact pass used for the supervisor's own detection
// buffers, distinct from the parser's regex-based stripper.
func stripANSI(s string) string {
	b := []byte(s)
	var out []byte
	i := 0
	for i < len(b) {
		if b[i] != 0x1b {
			out = append(out, b[i])
			i++
			continue
		}
		i++
		if i >= len(b) {
			break
		}
		switch b[i] {
		case '[':
			i++
			for i < len(b) && !(b[i] >= 0x40 && b[i] <= 0x7e) {
				i++
			}
			if i < len(b) {
				i++
			}
		case ']':
			i++
			for i < len(b) {
				if b[i] == 0x07 {
					i++
					break
				}
				if b[i] == 0x1b && i+1 < len(b) && b[i+1] == '\\' {
					i += 2
					break
				}
				i++
			}
		case '(', ')', '*', '+':
			i++
			if i < len(b) {
				i++
			}
		default:
			if b[i] <= 126 {
				i++
			}
		}
	}
	return string(out)
}
