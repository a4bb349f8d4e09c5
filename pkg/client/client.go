// Package client is a Go handle on a collaboration session: it owns a local
// replica of the document, keeps it converged with the server over the
// websocket protocol, and exposes position-based edits.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pairpad/backend/internal/crdt"
	"github.com/pairpad/backend/internal/ws"
)

// ErrClosed is returned by operations on a connection that has been closed.
var ErrClosed = errors.New("client: connection closed")

// Event surfaces advisory frames (partner_join, disconnect, end) to the
// application.
type Event struct {
	Type   ws.MessageType
	UserID string
}

// Conn is one live connection to a session. The embedded document replica is
// updated both by local edits and by the read loop applying server frames;
// all document access goes through the connection's mutex.
type Conn struct {
	sock      *websocket.Conn
	sessionID string

	mu  sync.Mutex // guards doc
	doc *crdt.Doc

	writeMu sync.Mutex // gorilla allows one concurrent writer

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to the service at baseURL (http or https scheme), joins the
// session, and sends the initial sync request so the server streams the
// catch-up diff.
func Dial(ctx context.Context, baseURL, sessionID, token string) (*Conn, error) {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws?sessionId=" + sessionID
	header := http.Header{"Authorization": {"Bearer " + token}}
	sock, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("client: dial %s: %s: %w", sessionID, resp.Status, err)
		}
		return nil, fmt.Errorf("client: dial %s: %w", sessionID, err)
	}
	resp.Body.Close()

	c := &Conn{
		sock:      sock,
		sessionID: sessionID,
		doc:       crdt.NewDoc(),
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	if err := c.Sync(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		messageType, data, err := c.sock.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			c.mu.Lock()
			_, err := c.doc.ApplyUpdate(data, crdt.OriginRemote)
			c.mu.Unlock()
			if err != nil {
				c.readErr = err
				return
			}
		case websocket.TextMessage:
			var msg ws.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.handleControl(msg)
		}
	}
}

func (c *Conn) handleControl(msg ws.ControlMessage) {
	switch msg.Type {
	case ws.MsgSync:
		c.mu.Lock()
		c.doc.ApplyUpdate(msg.Update, crdt.OriginRemote)
		c.mu.Unlock()
	case ws.MsgPartnerJoin, ws.MsgDisconnect, ws.MsgEnd:
		select {
		case c.events <- Event{Type: msg.Type, UserID: msg.UserID}:
		default:
			// Slow event consumers lose advisory frames, never document
			// updates.
		}
	}
}

// Events delivers advisory frames. The channel is never closed; select
// against Done.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the connection dies.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Insert applies a local insert and ships the resulting update.
func (c *Conn) Insert(pos int, text string) error {
	c.mu.Lock()
	update, err := c.doc.InsertAt(pos, text)
	c.mu.Unlock()
	if err != nil || len(update) == 0 {
		return err
	}
	return c.write(websocket.BinaryMessage, update)
}

// Delete applies a local delete of n runes at pos and ships the update.
func (c *Conn) Delete(pos, n int) error {
	c.mu.Lock()
	update, err := c.doc.DeleteAt(pos, n)
	c.mu.Unlock()
	if err != nil || len(update) == 0 {
		return err
	}
	return c.write(websocket.BinaryMessage, update)
}

// Sync asks the server for everything this replica has not seen.
func (c *Conn) Sync() error {
	c.mu.Lock()
	sv := c.doc.EncodeStateVector()
	c.mu.Unlock()
	return c.writeControl(ws.ControlMessage{Type: ws.MsgSync, StateVector: sv})
}

// PushLocalState hands the server this replica's full state so edits made
// while offline reach the session.
func (c *Conn) PushLocalState() error {
	c.mu.Lock()
	state := c.doc.EncodeFullState()
	c.mu.Unlock()
	return c.writeControl(ws.ControlMessage{Type: ws.MsgSyncClient, State: state})
}

// SendCursor forwards opaque presence data to peers.
func (c *Conn) SendCursor(userID string, cursor json.RawMessage) error {
	return c.writeControl(ws.ControlMessage{Type: ws.MsgCursor, UserID: userID, Cursor: cursor})
}

// Text returns the replica's current document text.
func (c *Conn) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Text()
}

// SessionID returns the session this connection joined.
func (c *Conn) SessionID() string { return c.sessionID }

func (c *Conn) writeControl(msg ws.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal control frame: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
	return nil
}

// Manager holds at most one active connection, closing the previous one when
// a new session is joined. Applications embed it where a user can only be in
// one session at a time.
type Manager struct {
	mu     sync.Mutex
	active *Conn
}

// Connect joins a session, replacing and closing any previous connection.
func (m *Manager) Connect(ctx context.Context, baseURL, sessionID, token string) (*Conn, error) {
	conn, err := Dial(ctx, baseURL, sessionID, token)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	prev := m.active
	m.active = conn
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return conn, nil
}

// Active returns the current connection, or nil.
func (m *Manager) Active() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close drops the active connection, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.active
	m.active = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
