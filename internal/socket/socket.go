// Package socket implements the Unix domain control socket used by an
// external orchestrator to inject messages, query status, and request
// shutdown (spec §4.F).
package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/harveyfullstack/relay-pty/internal/logger"
	"github.com/harveyfullstack/relay-pty/internal/queue"
	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

// StatusInfo is a snapshot of supervisor state returned by a status query.
type StatusInfo struct {
	AgentIdle      bool
	QueueLength    int
	CursorPosition *[2]uint16
	LastOutputMS   int64
}

// StatusFunc is called to answer a "status" request.
type StatusFunc func() StatusInfo

// ShutdownFunc is called to answer a "shutdown" request.
type ShutdownFunc func()

// Server accepts connections on a Unix domain socket and dispatches
// InjectRequest lines against a Queue.
type Server struct {
	SocketPath string
	Queue      *queue.Queue
	Status     StatusFunc
	Shutdown   ShutdownFunc

	listener net.Listener
}

// Run binds the socket (removing any stale file first, creating parent
// directories, and restricting permissions to the owner) and serves
// connections until the listener is closed.
func (s *Server) Run() error {
	if _, err := os.Stat(s.SocketPath); err == nil {
		if err := os.Remove(s.SocketPath); err != nil {
			return err
		}
	}
	if dir := filepath.Dir(s.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln

	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		// Non-fatal: the socket still works, just with looser permissions.
		_ = err
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	// A connection-local id for correlating log lines across a connection's
	// lifetime; it never appears on the wire (the wire format takes
	// caller-supplied message ids only, per §6).
	connID := uuid.NewString()
	logger.Debug("socket: connection accepted", "conn_id", connID)
	defer logger.Debug("socket: connection closed", "conn_id", connID)

	reader := bufio.NewReader(conn)
	lines := make(chan string)
	readErrs := make(chan error, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	sub := s.Queue.Subscribe()
	pending := make(map[string]struct{})

	for {
		select {
		case line := <-lines:
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}

			var req relaypty.InjectRequest
			if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
				writeResponse(conn, relaypty.NewErrorResponse("Invalid JSON: "+err.Error()))
				continue
			}

			var injectID string
			if req.Type == "inject" {
				injectID = req.ID
				pending[injectID] = struct{}{}
			}

			resp := s.handleRequest(req)

			switch {
			case resp.Type == "inject_result" && injectID != "":
				// Success: reply Queued directly; the broadcast loop below
				// drops the duplicate broadcast Queued and delivers
				// Injecting/Delivered/Failed.
				writeResponse(conn, resp)
			case resp.Type == "error" && injectID != "":
				delete(pending, injectID)
				writeResponse(conn, resp)
			default:
				writeResponse(conn, resp)
			}

			if resp.Type == "shutdown_ack" {
				return
			}

		case resp, ok := <-sub:
			if !ok {
				return
			}
			if resp.Type != "inject_result" {
				continue
			}
			if _, tracked := pending[resp.ID]; !tracked {
				continue
			}
			if resp.Status == relaypty.StatusQueued {
				continue
			}

			writeResponse(conn, resp)

			// The connection stays open after completion so the client can
			// reuse it for further injections.
			if resp.Status == relaypty.StatusDelivered || resp.Status == relaypty.StatusFailed {
				delete(pending, resp.ID)
				if resp.Status == relaypty.StatusDelivered {
					s.Queue.ForgetID(resp.ID)
				}
			}

		case <-readErrs:
			return
		}
	}
}

func (s *Server) handleRequest(req relaypty.InjectRequest) relaypty.InjectResponse {
	switch req.Type {
	case "inject":
		msg := relaypty.NewQueuedMessage(req.ID, req.From, req.Body, req.Priority)
		if s.Queue.Enqueue(msg) {
			return relaypty.NewInjectResult(req.ID, relaypty.StatusQueued, nil)
		}
		return relaypty.NewErrorResponse("Message " + req.ID + " rejected (duplicate or backpressure)")

	case "status":
		if s.Status == nil {
			return relaypty.NewErrorResponse("status unavailable")
		}
		info := s.Status()
		return relaypty.NewStatusResponse(info.AgentIdle, info.QueueLength, info.CursorPosition, info.LastOutputMS)

	case "shutdown":
		if s.Shutdown != nil {
			s.Shutdown()
		}
		return relaypty.NewShutdownAck()

	default:
		return relaypty.NewErrorResponse("unknown request type: " + req.Type)
	}
}

func writeResponse(conn net.Conn, resp relaypty.InjectResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
