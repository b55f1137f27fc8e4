package chessclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var ErrNotConnected = errors.New("socket not connected")

type MessageCallback func(env protocol.Envelope)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

// Socket is a game-server client connection. Inbound frames are fanned out
// to registered callbacks from a single listener goroutine.
type Socket struct {
	url string

	conn   *websocket.Conn
	state  State
	stateM sync.RWMutex

	msgCbs []callbackEntry
	nextID int
	cbM    sync.RWMutex

	writeM       sync.Mutex
	pingInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewSocket(url string) *Socket {
	return &Socket{
		url:          url,
		state:        StateDisconnected,
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// SetPingInterval changes the keepalive period; zero disables pings. Call before Connect.
func (s *Socket) SetPingInterval(d time.Duration) { s.pingInterval = d }

func (s *Socket) Connect(ctx context.Context) error {
	s.stateM.Lock()
	if s.state != StateDisconnected {
		s.stateM.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.stateM.Unlock()

	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.conn = conn
	s.setState(StateConnected)

	s.wg.Add(1)
	go s.listen()
	if s.pingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop()
	}
	return nil
}

func (s *Socket) State() State {
	s.stateM.RLock()
	defer s.stateM.RUnlock()
	return s.state
}

// Send writes one envelope. Safe for concurrent use.
func (s *Socket) Send(ctx context.Context, env protocol.Envelope) error {
	if s.State() != StateConnected || s.conn == nil {
		return ErrNotConnected
	}
	s.writeM.Lock()
	defer s.writeM.Unlock()
	return wsjson.Write(ctx, s.conn, env)
}

func (s *Socket) OnMessage(cb MessageCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.nextID++
	s.msgCbs = append(s.msgCbs, callbackEntry{id: s.nextID, callback: cb})
	return s.nextID
}

func (s *Socket) RemoveMessageCallback(id int) {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	for i, cb := range s.msgCbs {
		if cb.id == id {
			s.msgCbs = append(s.msgCbs[:i], s.msgCbs[i+1:]...)
			break
		}
	}
}

// Inbox registers a buffered channel receiving every inbound frame. Frames
// are dropped when the buffer is full. The returned func unregisters it.
func (s *Socket) Inbox(buffer int) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, buffer)
	id := s.OnMessage(func(env protocol.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	return ch, func() { s.RemoveMessageCallback(id) }
}

func (s *Socket) listen() {
	defer s.wg.Done()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(s.rootCtx, s.conn, &env); err != nil {
			if !s.isStopping() {
				s.setState(StateDisconnected)
			}
			return
		}

		s.cbM.RLock()
		callbacks := make([]callbackEntry, len(s.msgCbs))
		copy(callbacks, s.msgCbs)
		s.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(env)
			}
		}
	}
}

func (s *Socket) pingLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.rootCtx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				s.setState(StateDisconnected)
				_ = s.conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (s *Socket) setState(st State) {
	s.stateM.Lock()
	s.state = st
	s.stateM.Unlock()
}

func (s *Socket) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.setState(StateClosed)
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if s.rootCancel != nil {
			s.rootCancel()
		}
		return nil
	}
}

func (s *Socket) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
