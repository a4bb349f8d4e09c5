package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeWait bounds how long a single frame write may stall before the
// connection is considered broken.
const writeWait = 10 * time.Second

// connState tracks the protocol state machine:
// connecting → authenticated → syncing → live → closed.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateSyncing
	stateLive
	stateClosed
)

type outFrame struct {
	messageType int
	data        []byte
}

// Conn is one live socket, bound to exactly one session and one user for its
// lifetime. Writes are serialized through a buffered send channel drained by
// a single writePump goroutine, so a sender's frames reach the peer in the
// order they were enqueued.
type Conn struct {
	id        string
	sessionID string
	userID    string

	sock      *websocket.Conn
	send      chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	alive atomic.Bool
	state atomic.Int32

	log *zap.Logger
}

func newConn(sock *websocket.Conn, sessionID, userID string, sendBuffer int, log *zap.Logger) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:        id,
		sessionID: sessionID,
		userID:    userID,
		sock:      sock,
		send:      make(chan outFrame, sendBuffer),
		done:      make(chan struct{}),
		log: log.With(
			zap.String("conn_id", id[:8]),
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
		),
	}
	c.alive.Store(true)
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	defer c.sock.Close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(f.messageType, f.data); err != nil {
				c.Close()
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump without blocking. Returns false if
// the connection is closed or the client cannot keep up.
func (c *Conn) enqueue(messageType int, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outFrame{messageType: messageType, data: data}:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Idempotent; unblocks the read loop, which
// performs detach and peer notification.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.done)
		c.sock.Close()
	})
}

// ID returns the connection's log identifier.
func (c *Conn) ID() string { return c.id }

// SessionID returns the session this connection is bound to.
func (c *Conn) SessionID() string { return c.sessionID }

// UserID returns the user this connection is bound to.
func (c *Conn) UserID() string { return c.userID }

// MarkAlive records evidence the peer is responsive.
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// Probe consumes the liveness flag: it reports whether the peer showed life
// since the previous probe, and resets the flag for the next cycle.
func (c *Conn) Probe() bool { return c.alive.Swap(false) }

// Ping sends a transport-level ping; the pong handler marks the connection
// alive.
func (c *Conn) Ping() {
	c.enqueue(websocket.PingMessage, nil)
}

// Kill force-closes an unresponsive connection.
func (c *Conn) Kill() {
	c.log.Info("closing unresponsive connection")
	c.Close()
}

func (c *Conn) setState(s connState) { c.state.Store(int32(s)) }
func (c *Conn) getState() connState  { return connState(c.state.Load()) }
