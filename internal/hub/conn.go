package hub

import (
	"sync"
	"sync/atomic"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/protocol"
	"github.com/park285/cheese-chess-server/internal/session"
	"go.uber.org/zap"
)

type assocKind int

const (
	assocNone assocKind = iota
	assocQueued
	assocRoom
	assocSession
)

func (k assocKind) String() string {
	switch k {
	case assocQueued:
		return "queued"
	case assocRoom:
		return "room_pending"
	case assocSession:
		return "in_session"
	}
	return "unassigned"
}

// Conn is one client connection as seen by the hub. The transport drains
// Outbound and closes the socket when Done fires.
type Conn struct {
	id  string
	out chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	closed   atomic.Bool
	kind     assocKind
	roomCode string
	sess     *session.Session
}

func newConn(id string, queue int) *Conn {
	if queue <= 0 {
		queue = 64
	}
	return &Conn{id: id, out: make(chan protocol.Envelope, queue), done: make(chan struct{})}
}

func (c *Conn) ID() string { return c.id }

// Send enqueues env without blocking. A full queue closes the connection.
func (c *Conn) Send(env protocol.Envelope) {
	if c.Closed() {
		return
	}
	select {
	case c.out <- env:
	default:
		obslog.L().Warn("conn_send_overflow", zap.String("conn_id", c.id), zap.String("type", env.Type))
		c.Close()
	}
}

func (c *Conn) Outbound() <-chan protocol.Envelope { return c.out }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Close asks the transport to drop the connection. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether the connection is gone or going.
func (c *Conn) Closed() bool {
	if c.closed.Load() {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) state() (assocKind, *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind, c.sess
}

func (c *Conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != assocSession {
		return nil
	}
	return c.sess
}

func (c *Conn) setWaiting(kind assocKind, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	c.kind, c.roomCode, c.sess = kind, code, nil
}

// clearWaiting resets a queued or room-pending association; code, when set,
// must match the pending room.
func (c *Conn) clearWaiting(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != assocQueued && c.kind != assocRoom {
		return false
	}
	if code != "" && c.roomCode != code {
		return false
	}
	c.kind, c.roomCode = assocNone, ""
	return true
}

// attach binds the connection to s unless it has already been closed.
func (c *Conn) attach(s *session.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.kind, c.roomCode, c.sess = assocSession, "", s
	return true
}

// detach clears the association if it still points at s.
func (c *Conn) detach(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind == assocSession && c.sess == s {
		c.kind, c.sess = assocNone, nil
	}
}

// markClosed flips the closed flag once and returns the association held at that moment.
func (c *Conn) markClosed() (first bool, kind assocKind, s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false, assocNone, nil
	}
	c.closed.Store(true)
	kind, s = c.kind, c.sess
	c.kind, c.roomCode, c.sess = assocNone, "", nil
	return true, kind, s
}
