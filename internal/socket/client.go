package socket

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"

	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

// Client is a thin wrapper for connecting to a relay-pty control socket,
// used by integration tests and any external driver of the socket
// protocol.
type Client struct {
	SocketPath string
}

// Inject sends an inject request and returns the first response line.
func (c *Client) Inject(id, from, body string, priority int32) (relaypty.InjectResponse, error) {
	return c.sendRequest(relaypty.InjectRequest{Type: "inject", ID: id, From: from, Body: body, Priority: priority})
}

// Status sends a status request and returns the response.
func (c *Client) Status() (relaypty.InjectResponse, error) {
	return c.sendRequest(relaypty.InjectRequest{Type: "status"})
}

// Shutdown sends a shutdown request and returns the response.
func (c *Client) Shutdown() (relaypty.InjectResponse, error) {
	return c.sendRequest(relaypty.InjectRequest{Type: "shutdown"})
}

func (c *Client) sendRequest(req relaypty.InjectRequest) (relaypty.InjectResponse, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return relaypty.InjectResponse{}, err
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return relaypty.InjectResponse{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return relaypty.InjectResponse{}, err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return relaypty.InjectResponse{}, err
	}

	var resp relaypty.InjectResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		return relaypty.InjectResponse{}, err
	}
	return resp, nil
}
