// Package parser scans agent PTY output for relay commands, continuity
// commands, and idle/ready signals (spec §4.B).
package parser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

var (
	fileRelayPattern   = regexp.MustCompile(`->relay-file:([a-zA-Z0-9_-]+)`)
	relayPattern       = regexp.MustCompile(`(?m)^[\s>$%#\-*]*->relay:(\S+)\s+(.+)$`)
	fencedPattern      = regexp.MustCompile(`(?s)->relay:(\S+)\s+<<<\s*(.*?)>>>`)
	spawnFencedPattern = regexp.MustCompile(`(?s)->relay:spawn\s+(\w+)\s+(\w+)\s*<<<\s*(.*?)>>>`)
	spawnSinglePattern = regexp.MustCompile(`->relay:spawn\s+(\w+)\s+(\w+)\s+"([^"]+)"`)
	releasePattern     = regexp.MustCompile(`->relay:release\s+(\w+)`)
	threadPattern      = regexp.MustCompile(`\[thread:([^\]]+)\]`)
	ansiPattern        = regexp.MustCompile("\x1B\\[[0-9;]*[A-Za-z]|\x1B\\].*?\x07")
)

var commonPrompts = []string{"> ", "$ ", ">>> ", "codex> "}

// relayMessage is the header/JSON-decoded shape of a file-backed or legacy
// relay message, prior to being turned into a ParsedRelayCommand.
type relayMessage struct {
	Kind   string
	To     string
	Body   string
	Name   string
	CLI    string
	Thread string
}

type jsonRelayMessage struct {
	Kind   string `json:"kind"`
	To     string `json:"to,omitempty"`
	Body   string `json:"body,omitempty"`
	Name   string `json:"name,omitempty"`
	CLI    string `json:"cli,omitempty"`
	Task   string `json:"task,omitempty"`
	Thread string `json:"thread,omitempty"`
}

// parseHeaderFormat parses the "TO/KIND/NAME/CLI/THREAD\n\nbody" header
// block used by file-backed relay messages.
func parseHeaderFormat(content string) (relayMessage, bool) {
	var msg relayMessage

	headers, body, _ := strings.Cut(content, "\n\n")

	for _, line := range strings.Split(headers, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "TO":
			msg.To = value
		case "KIND":
			msg.Kind = strings.ToLower(value)
		case "NAME":
			msg.Name = value
		case "CLI":
			msg.CLI = value
		case "THREAD":
			msg.Thread = value
		}
	}

	msg.Body = strings.TrimSpace(body)

	if msg.Kind == "" && msg.To != "" {
		msg.Kind = "message"
	}
	if msg.Kind == "" {
		return relayMessage{}, false
	}
	return msg, true
}

// parseContinuityFormat parses the "KIND: continuity\nACTION: save\n\nbody"
// header block.
func parseContinuityFormat(content string) (relaypty.ContinuityCommand, bool) {
	headers, body, _ := strings.Cut(content, "\n\n")

	var kind, action string
	for _, line := range strings.Split(headers, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "KIND":
			kind = strings.ToLower(value)
		case "ACTION":
			action = strings.ToLower(value)
		}
	}

	if kind != "continuity" || action == "" {
		return relaypty.ContinuityCommand{}, false
	}
	switch action {
	case "save", "load", "uncertain":
		return relaypty.NewContinuityCommand(action, strings.TrimSpace(body)), true
	default:
		return relaypty.ContinuityCommand{}, false
	}
}

// ParseResult is the outcome of processing one chunk of agent output.
type ParseResult struct {
	Commands           []relaypty.ParsedRelayCommand
	ContinuityCommands []relaypty.ContinuityCommand
	IsIdle             bool
	ReadySignal        bool
}

type parseOutput struct {
	commands           []relaypty.ParsedRelayCommand
	continuityCommands []relaypty.ContinuityCommand
}

// OutputParser accumulates agent output and extracts relay directives from
// it, tracking a progress cursor so text that has already yielded commands
// is not matched again; text that yielded none is scanned again on the next
// call.
type OutputParser struct {
	agentName     string
	promptPattern *regexp.Regexp
	buffer        strings.Builder
	lastParsedPos int
	outboxPath    string // empty disables file-backed parsing
}

// New creates an OutputParser with no outbox (file-backed commands
// disabled).
func New(agentName, promptPattern string) *OutputParser {
	re, err := regexp.Compile(promptPattern)
	if err != nil {
		re = regexp.MustCompile(`^[>$%#] $`)
	}
	return &OutputParser{agentName: agentName, promptPattern: re}
}

// NewWithOutbox creates an OutputParser that also scans for file-backed
// (->relay-file:ID) commands rooted at outboxPath.
func NewWithOutbox(agentName, promptPattern, outboxPath string) *OutputParser {
	p := New(agentName, promptPattern)
	p.outboxPath = outboxPath
	return p
}

// Process appends output to the internal buffer, extracts any complete
// relay/continuity commands, and reports idle/ready state.
func (p *OutputParser) Process(output []byte) ParseResult {
	clean := stripANSI(string(output))
	p.buffer.WriteString(clean)

	out := p.parseCommands()

	isIdle := p.checkForPrompt()

	full := p.buffer.String()
	readySignal := strings.Contains(full, "->pty:ready")
	if readySignal {
		p.resetBuffer(strings.ReplaceAll(full, "->pty:ready", ""))
	}

	return ParseResult{
		Commands:           out.commands,
		ContinuityCommands: out.continuityCommands,
		IsIdle:             isIdle || readySignal,
		ReadySignal:        readySignal,
	}
}

func (p *OutputParser) resetBuffer(newContent string) {
	p.buffer.Reset()
	p.buffer.WriteString(newContent)
	if p.lastParsedPos > len(newContent) {
		p.lastParsedPos = len(newContent)
	}
}

func (p *OutputParser) parseCommands() parseOutput {
	full := p.buffer.String()
	if p.lastParsedPos > len(full) {
		p.lastParsedPos = len(full)
	}
	searchText := full[p.lastParsedPos:]

	var commands []relaypty.ParsedRelayCommand
	var continuityCommands []relaypty.ContinuityCommand

	// 0. File-backed format: ->relay-file:ID
	if p.outboxPath != "" {
		for _, m := range fileRelayPattern.FindAllStringSubmatch(searchText, -1) {
			msgID, raw := m[1], m[0]

			txtPath := filepath.Join(p.outboxPath, msgID)
			jsonPath := filepath.Join(p.outboxPath, msgID+".json")

			var content []byte
			var filePath string
			if b, err := os.ReadFile(txtPath); err == nil {
				content, filePath = b, txtPath
			} else if b, err := os.ReadFile(jsonPath); err == nil {
				content, filePath = b, jsonPath
			} else {
				continue
			}

			text := string(content)

			if cc, ok := parseContinuityFormat(text); ok {
				continuityCommands = append(continuityCommands, cc)
				os.Remove(filePath)
				continue
			}

			msg, ok := parseHeaderFormat(text)
			if !ok {
				sanitized := sanitizeJSONFromShell(text)
				var jm jsonRelayMessage
				if err := json.Unmarshal([]byte(sanitized), &jm); err != nil {
					continue
				}
				msg = relayMessage{
					Kind: jm.Kind, To: jm.To, Name: jm.Name, CLI: jm.CLI, Thread: jm.Thread,
					Body: firstNonEmpty(jm.Body, jm.Task),
				}
				ok = true
			}
			if !ok {
				continue
			}

			var cmd relaypty.ParsedRelayCommand
			var have bool
			switch msg.Kind {
			case "spawn":
				if msg.Name != "" && msg.CLI != "" {
					cmd = relaypty.NewSpawnCommand(p.agentName, msg.Name, msg.CLI, msg.Body, raw)
					have = true
				}
			case "release":
				if msg.Name != "" {
					cmd = relaypty.NewReleaseCommand(p.agentName, msg.Name, raw)
					have = true
				}
			default:
				if msg.To != "" {
					cmd = relaypty.NewMessageCommand(p.agentName, msg.To, msg.Body, raw)
					if msg.Thread != "" {
						cmd = cmd.WithThread(msg.Thread)
					}
					have = true
				}
			}

			if have {
				commands = append(commands, cmd)
				os.Remove(filePath)
			}
		}
	}

	if len(commands) > 0 || len(continuityCommands) > 0 {
		p.lastParsedPos = len(full)
		return parseOutput{commands: commands, continuityCommands: continuityCommands}
	}

	// 1. Spawn, fenced task: ->relay:spawn Name cli <<<task>>>
	for _, m := range spawnFencedPattern.FindAllStringSubmatch(searchText, -1) {
		name, cli, task, raw := m[1], m[2], strings.TrimSpace(m[3]), m[0]
		commands = append(commands, relaypty.NewSpawnCommand(p.agentName, name, cli, task, raw))
	}

	// 2. Spawn, single-quoted task: ->relay:spawn Name cli "task"
	for _, m := range spawnSinglePattern.FindAllStringSubmatch(searchText, -1) {
		name, cli, task, raw := m[1], m[2], m[3], m[0]
		commands = append(commands, relaypty.NewSpawnCommand(p.agentName, name, cli, task, raw))
	}

	// 3. Release: ->relay:release Name
	for _, m := range releasePattern.FindAllStringSubmatch(searchText, -1) {
		name, raw := m[1], m[0]
		commands = append(commands, relaypty.NewReleaseCommand(p.agentName, name, raw))
	}

	// 4. Fenced messages: ->relay:Target <<<body>>>
	for _, m := range fencedPattern.FindAllStringSubmatch(searchText, -1) {
		target, body, raw := m[1], m[2], m[0]
		if target == "spawn" || strings.HasPrefix(target, "spawn ") || target == "release" {
			continue
		}
		cmd := relaypty.NewMessageCommand(p.agentName, target, strings.TrimSpace(body), raw)
		if tm := threadPattern.FindStringSubmatch(target); tm != nil {
			cmd = cmd.WithThread(tm[1])
		}
		commands = append(commands, cmd)
	}

	// 5. Single-line messages, only if no fenced commands matched.
	if len(commands) == 0 {
		for _, m := range relayPattern.FindAllStringSubmatch(searchText, -1) {
			target, body, raw := m[1], m[2], m[0]
			if target == "spawn" || target == "release" || strings.HasPrefix(body, "<<<") {
				continue
			}
			cmd := relaypty.NewMessageCommand(p.agentName, target, strings.TrimSpace(body), raw)
			if tm := threadPattern.FindStringSubmatch(target); tm != nil {
				cmd = cmd.WithThread(tm[1])
			}
			commands = append(commands, cmd)
		}
	}

	if len(commands) > 0 {
		p.lastParsedPos = len(full)
	}

	return parseOutput{commands: commands, continuityCommands: continuityCommands}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// checkForPrompt reports whether the buffer's last line looks like an idle
// shell/agent prompt, either via the configured regex or a common-prompt
// suffix check.
func (p *OutputParser) checkForPrompt() bool {
	full := p.buffer.String()
	lines := strings.Split(full, "\n")
	if len(lines) == 0 {
		return false
	}
	last := lines[len(lines)-1]
	if p.promptPattern.MatchString(last) {
		return true
	}

	trimmed := strings.TrimLeft(last, " \t")
	for _, prompt := range commonPrompts {
		if strings.HasSuffix(trimmed, prompt) {
			return true
		}
	}
	return false
}

// Clear resets the buffer and progress cursor.
func (p *OutputParser) Clear() {
	p.buffer.Reset()
	p.lastParsedPos = 0
}

// Buffer returns the current accumulated buffer contents.
func (p *OutputParser) Buffer() string {
	return p.buffer.String()
}

// TruncateBuffer keeps only the last maxSize bytes of the buffer, to bound
// memory growth on long-running sessions with no command matches.
func (p *OutputParser) TruncateBuffer(maxSize int) {
	full := p.buffer.String()
	if len(full) <= maxSize {
		return
	}
	kept := full[len(full)-maxSize:]
	p.buffer.Reset()
	p.buffer.WriteString(kept)
	p.lastParsedPos = 0
}

// stripANSI removes ANSI CSI and OSC escape sequences from text.
func stripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// sanitizeJSONFromShell repairs JSON bodies written by shell commands:
// literal newlines/tabs inside strings are escaped, and backslashes
// preceding shell metacharacters (an artifact of unquoted bash heredocs)
// are stripped rather than treated as JSON escapes.
func sanitizeJSONFromShell(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	inString := false
	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '"':
			b.WriteRune(c)
			inString = !inString
		case c == '\\' && inString:
			if i+1 < len(runes) {
				next := runes[i+1]
				switch next {
				case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
					b.WriteRune(c)
				case '!', '[', ']', '(', ')', '{', '}', '$', '`', '\'', ' ', '*', '?', '#', '~', '=', '%', '^', '&', ';', '|', '<', '>':
					i++
					b.WriteRune(next)
				default:
					b.WriteRune(c)
				}
			} else {
				b.WriteRune(c)
			}
		case c == '\n' && inString:
			b.WriteString(`\n`)
		case c == '\r' && inString:
			b.WriteString(`\r`)
		case c == '\t' && inString:
			b.WriteString(`\t`)
		default:
			b.WriteRune(c)
		}
	}

	return b.String()
}

// SanitizeForInjection strips C0 control characters (below 0x20) from text
// before it is echoed back anywhere, keeping newlines and tabs intact; DEL
// and other characters from 0x20 up are kept.
func SanitizeForInjection(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
