// Package statechan implements the State/Settings Channel (spec.md §4.6):
// a JSON WebSocket pushing the session list and settings record, and
// answering a small command RPC.
package statechan

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"midterm/internal/broadcast"
	"midterm/internal/session"
)

// commandTimeout is the write deadline writeJSON sets before each JSON
// message the channel sends. It does not bound how long a command handler
// runs.
const commandTimeout = 5 * time.Second

// sessionManager is the subset of *session.Manager the State Channel needs.
type sessionManager interface {
	List() []session.Snapshot
	Reorder(ids []string) error
	SetIdleTimeout(id string, d time.Duration) error
}

// sessionsMessage is the `sessions` push (spec.md §4.6).
type sessionsMessage struct {
	Type     string              `json:"type"`
	Sessions []session.Snapshot `json:"sessions"`
}

// commandRequest is the client→server RPC envelope.
type commandRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// commandResponse is the server's RPC reply.
type commandResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type reorderPayload struct {
	SessionIDs []string `json:"sessionIds"`
}

type setIdleTimeoutPayload struct {
	SessionID      string `json:"sessionId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// Channel is one connected client's State Channel (or, mounted at the
// settings path, its Settings Channel twin — see NewSettingsChannel).
type Channel struct {
	conn         *websocket.Conn
	manager      sessionManager
	sub          *broadcast.Subscription
	settings     settingsSource
	settingsOnly bool
	log          *slog.Logger

	writeMu sync.Mutex
}

// settingsSource is the subset of the settings cache a Channel needs to
// push the current record; see internal/settings.
type settingsSource interface {
	Current() any
}

// New builds the State Channel: session list push + command RPC.
func New(conn *websocket.Conn, manager sessionManager, hub *broadcast.Hub) *Channel {
	return &Channel{
		conn:    conn,
		manager: manager,
		sub:     hub.Subscribe(broadcast.SessionsChanged),
		log:     slog.With("subsystem", "statechan"),
	}
}

// NewSettingsChannel builds the Settings Channel: the spec.md §4.6 "second
// mount point" resolution of the shared handler — same transport loop,
// pushes the settings record instead of the session list, answers no RPCs.
func NewSettingsChannel(conn *websocket.Conn, settings settingsSource, hub *broadcast.Hub) *Channel {
	return &Channel{
		conn:         conn,
		settings:     settings,
		settingsOnly: true,
		sub:          hub.Subscribe(broadcast.SettingsChanged),
		log:          slog.With("subsystem", "statechan"),
	}
}

// Run drives the channel until the connection closes: pushes the initial
// state, then alternates between broadcast-triggered pushes and inbound
// command handling.
func (c *Channel) Run() {
	defer c.sub.Close()

	if c.settingsOnly {
		c.pushSettings()
	} else {
		c.pushSessions()
	}

	readErrCh := make(chan error, 1)
	go c.readLoop(readErrCh)

	for {
		select {
		case <-c.sub.Events():
			if c.settingsOnly {
				c.pushSettings()
			} else {
				c.pushSessions()
			}
		case err := <-readErrCh:
			if err != nil {
				c.log.Debug("[statechan] connection closed", "error", err)
			}
			return
		}
	}
}

func (c *Channel) readLoop(errCh chan<- error) {
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.settingsOnly {
			// Settings mount accepts no client commands; REST owns writes.
			continue
		}
		c.handleCommand(raw)
	}
}

func (c *Channel) handleCommand(raw []byte) {
	var req commandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.log.Warn("[statechan] invalid command JSON", "error", err)
		return
	}
	if req.Type != "command" {
		return
	}

	resp := commandResponse{Type: "response", ID: req.ID}
	switch req.Action {
	case "session.reorder":
		var p reorderPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			resp.Error = "invalid payload"
		} else if err := c.manager.Reorder(p.SessionIDs); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	case "session.setIdleTimeout":
		var p setIdleTimeoutPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			resp.Error = "invalid payload"
		} else if err := c.manager.SetIdleTimeout(p.SessionID, time.Duration(p.TimeoutSeconds)*time.Second); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	default:
		resp.Error = "unknown action"
	}

	c.writeJSON(resp)
}

func (c *Channel) pushSessions() {
	c.writeJSON(sessionsMessage{Type: "sessions", Sessions: c.manager.List()})
}

func (c *Channel) pushSettings() {
	c.writeJSON(struct {
		Type string `json:"type"`
		Data any    `json:"settings"`
	}{Type: "settings", Data: c.settings.Current()})
}

func (c *Channel) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(commandTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Warn("[statechan] write failed, closing", "error", err)
		c.conn.Close()
	}
}
