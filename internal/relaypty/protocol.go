// Package relaypty defines the wire and domain types shared across the
// supervisor's subsystems: injection requests/responses, parsed relay
// commands, and the queue's internal message representation.
package relaypty

import (
	"strings"
	"time"
)

// InjectStatus is the lifecycle state of a queued injection.
type InjectStatus string

const (
	StatusQueued    InjectStatus = "queued"
	StatusInjecting InjectStatus = "injecting"
	StatusDelivered InjectStatus = "delivered"
	StatusFailed    InjectStatus = "failed"
)

// InjectRequest is a decoded line from the control socket.
type InjectRequest struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	Body     string `json:"body,omitempty"`
	Priority int32  `json:"priority,omitempty"`
}

// InjectResponse is an encoded line written back to the control socket.
type InjectResponse struct {
	Type string `json:"type"`

	// inject_result
	ID        string       `json:"id,omitempty"`
	Status    InjectStatus `json:"status,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Error     string       `json:"error,omitempty"`

	// status
	AgentIdle      bool       `json:"agent_idle"`
	QueueLength    int        `json:"queue_length"`
	CursorPosition *[2]uint16 `json:"cursor_position,omitempty"`
	LastOutputMS   int64      `json:"last_output_ms,omitempty"`

	// backpressure
	Accept bool `json:"accept"`

	// send_enter_result
	Success bool `json:"success"`

	// error
	Message string `json:"message,omitempty"`
}

func NewInjectResult(id string, status InjectStatus, err error) InjectResponse {
	r := InjectResponse{
		Type:      "inject_result",
		ID:        id,
		Status:    status,
		Timestamp: NowMillis(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func NewBackpressure(queueLength int, accept bool) InjectResponse {
	return InjectResponse{Type: "backpressure", QueueLength: queueLength, Accept: accept}
}

func NewErrorResponse(message string) InjectResponse {
	return InjectResponse{Type: "error", Message: message}
}

func NewShutdownAck() InjectResponse {
	return InjectResponse{Type: "shutdown_ack"}
}

func NewStatusResponse(agentIdle bool, queueLength int, cursor *[2]uint16, lastOutputMS int64) InjectResponse {
	return InjectResponse{
		Type:           "status",
		AgentIdle:      agentIdle,
		QueueLength:    queueLength,
		CursorPosition: cursor,
		LastOutputMS:   lastOutputMS,
	}
}

func NewSendEnterResult(id string, success bool) InjectResponse {
	return InjectResponse{Type: "send_enter_result", ID: id, Success: success, Timestamp: NowMillis()}
}

// NowMillis returns the current wall-clock time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SyncMeta carries optional blocking-send semantics for a relay command.
type SyncMeta struct {
	Blocking  bool   `json:"blocking"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
}

// ParsedRelayCommand is a relay directive mined from agent output.
type ParsedRelayCommand struct {
	Type        string    `json:"type"`
	Kind        string    `json:"kind"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Body        string    `json:"body"`
	Raw         string    `json:"raw"`
	Thread      string    `json:"thread,omitempty"`
	Sync        *SyncMeta `json:"sync,omitempty"`
	SpawnName   string    `json:"spawn_name,omitempty"`
	SpawnCLI    string    `json:"spawn_cli,omitempty"`
	SpawnTask   string    `json:"spawn_task,omitempty"`
	ReleaseName string    `json:"release_name,omitempty"`
}

func NewMessageCommand(from, to, body, raw string) ParsedRelayCommand {
	return ParsedRelayCommand{Type: "relay_command", Kind: "message", From: from, To: to, Body: body, Raw: raw}
}

func NewSpawnCommand(from, name, cli, task, raw string) ParsedRelayCommand {
	return ParsedRelayCommand{
		Type: "relay_command", Kind: "spawn", From: from, To: "spawn", Body: task, Raw: raw,
		SpawnName: name, SpawnCLI: cli, SpawnTask: task,
	}
}

func NewReleaseCommand(from, name, raw string) ParsedRelayCommand {
	return ParsedRelayCommand{
		Type: "relay_command", Kind: "release", From: from, To: "release", Body: name, Raw: raw,
		ReleaseName: name,
	}
}

func (c ParsedRelayCommand) WithThread(thread string) ParsedRelayCommand {
	c.Thread = thread
	return c
}

func (c ParsedRelayCommand) WithSync(sync SyncMeta) ParsedRelayCommand {
	c.Sync = &sync
	return c
}

// ContinuityCommand is a save/load/uncertain directive parsed from a
// file-backed message whose header block declares KIND: continuity.
type ContinuityCommand struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Content string `json:"content"`
}

func NewContinuityCommand(action, content string) ContinuityCommand {
	return ContinuityCommand{Type: "continuity", Action: action, Content: content}
}

// StaleOutboxFile is emitted when a file-backed message sits unconsumed in
// the outbox directory past the configured timeout.
type StaleOutboxFile struct {
	Type       string `json:"type"`
	File       string `json:"file"`
	Path       string `json:"path"`
	AgeSeconds int64  `json:"age_seconds"`
	Agent      string `json:"agent"`
}

func NewStaleOutboxFile(file, path string, ageSeconds int64, agent string) StaleOutboxFile {
	return StaleOutboxFile{Type: "stale_outbox_file", File: file, Path: path, AgeSeconds: ageSeconds, Agent: agent}
}

// QueuedMessage is the injector queue's internal representation of an
// accepted inject request.
type QueuedMessage struct {
	ID       string
	From     string
	Body     string
	Priority int32
	Retries  uint32
	QueuedAt time.Time
}

func NewQueuedMessage(id, from, body string, priority int32) QueuedMessage {
	return QueuedMessage{ID: id, From: from, Body: body, Priority: priority, QueuedAt: time.Now()}
}

const (
	retryPrefix  = "[RETRY] "
	urgentPrefix = "[URGENT - PLEASE ACKNOWLEDGE] "
	preformatted = "Relay message from "
)

// FormatForInjection renders the message body for writing to the PTY,
// applying retry-escalation prefixes and avoiding double-wrapping bodies
// that already carry the "Relay message from ..." preamble.
func (m QueuedMessage) FormatForInjection() string {
	var base string
	if strings.HasPrefix(m.Body, preformatted) {
		base = m.Body
	} else {
		shortID := m.ID
		if len(shortID) > 7 {
			shortID = shortID[:7]
		}
		base = "Relay message from " + m.From + " [" + shortID + "]: " + m.Body
	}

	switch {
	case m.Retries == 0:
		return base
	case m.Retries == 1:
		return retryPrefix + base
	default:
		return urgentPrefix + base
	}
}

// Config holds the supervisor's runtime configuration, mirroring the CLI
// surface in full.
type Config struct {
	Name               string
	SocketPath         string
	PromptPattern      string
	IdleTimeoutMS      uint64
	QueueMax           int
	JSONOutput         bool
	Command            []string
	MaxRetries         uint32
	RetryDelayMS       uint64
	LogLevel           string
	Rows               uint16
	Cols               uint16
	LogFile            string
	OutboxPath         string
	StaleOutboxTimeout uint64 // seconds; 0 disables
	SeenTTL            uint64 // seconds
	CleanupInterval    uint64 // seconds
	AutoEnterTimeout   uint64 // seconds; 0 disables
}

// DefaultConfig returns a Config populated with the same defaults as the
// original implementation's Config::default().
func DefaultConfig() Config {
	return Config{
		Name:               "agent",
		SocketPath:         "",
		PromptPattern:      `^[>$%#] $`,
		IdleTimeoutMS:      500,
		QueueMax:           50,
		JSONOutput:         false,
		MaxRetries:         3,
		RetryDelayMS:       300,
		LogLevel:           "info",
		StaleOutboxTimeout: 60,
		SeenTTL:            300,
		CleanupInterval:    60,
		AutoEnterTimeout:   0,
	}
}
