package matchmaker

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"go.uber.org/zap"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrOwnRoom       = errors.New("cannot join own room")
	ErrCodeExhausted = errors.New("could not allocate a unique room code")
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeAttempts = 8
)

// Waiter is a connection that can sit in the queue or own a pending room.
type Waiter interface {
	ID() string
	Closed() bool
}

type Room struct {
	Code      string
	Creator   Waiter
	CreatedAt time.Time
}

// Pairing is the outcome of a successful match. White is the earlier party.
type Pairing struct {
	White    Waiter
	Black    Waiter
	RoomCode string
}

// Matchmaker holds the open queue and pending rooms. A waiter is in at most
// one of them at a time.
type Matchmaker struct {
	mu      sync.Mutex
	queue   []Waiter
	rooms   map[string]*Room
	byOwner map[string]string
	ttl     time.Duration

	codeGen func() (string, error)
	now     func() time.Time
}

func New(roomTTL time.Duration) *Matchmaker {
	return &Matchmaker{
		rooms:   make(map[string]*Room),
		byOwner: make(map[string]string),
		ttl:     roomTTL,
		codeGen: codeGen,
		now:     time.Now,
	}
}

// Enqueue pairs w with the oldest live waiter, or queues it. Any earlier
// request by w is dropped first.
func (m *Matchmaker) Enqueue(w Waiter) *Pairing {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(w.ID())

	for len(m.queue) > 0 {
		head := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if head.Closed() {
			obslog.L().Debug("mm_skip_closed", zap.String("conn_id", head.ID()))
			continue
		}
		obslog.L().Info("mm_pair", zap.String("white", head.ID()), zap.String("black", w.ID()))
		return &Pairing{White: head, Black: w}
	}
	m.queue = append(m.queue, w)
	obslog.L().Info("mm_enqueue", zap.String("conn_id", w.ID()), zap.Int("queue_len", len(m.queue)))
	return nil
}

// CreateRoom registers a pending room owned by w and returns its code.
func (m *Matchmaker) CreateRoom(w Waiter) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(w.ID())

	for i := 0; i < codeAttempts; i++ {
		code, err := m.codeGen()
		if err != nil {
			return "", err
		}
		if _, taken := m.rooms[code]; taken {
			continue
		}
		m.rooms[code] = &Room{Code: code, Creator: w, CreatedAt: m.now()}
		m.byOwner[w.ID()] = code
		obslog.L().Info("room_create", zap.String("code", code), zap.String("creator", w.ID()))
		return code, nil
	}
	obslog.L().Warn("room_code_exhausted", zap.Int("pending_rooms", len(m.rooms)))
	return "", ErrCodeExhausted
}

// JoinRoom consumes the room with code and pairs its creator (white) with w.
func (m *Matchmaker) JoinRoom(w Waiter, code string) (*Pairing, error) {
	code, ok := NormalizeCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		if r, found := m.rooms[code]; found && r.Creator.ID() == w.ID() {
			return nil, ErrOwnRoom
		}
	}
	m.cancelLocked(w.ID())
	if !ok {
		return nil, ErrRoomNotFound
	}
	r, found := m.rooms[code]
	if !found {
		return nil, ErrRoomNotFound
	}
	m.removeRoomLocked(code)
	if r.Creator.Closed() {
		return nil, ErrRoomNotFound
	}
	obslog.L().Info("room_join", zap.String("code", code), zap.String("creator", r.Creator.ID()), zap.String("joiner", w.ID()))
	return &Pairing{White: r.Creator, Black: w, RoomCode: code}, nil
}

// Cancel withdraws any pending request by id and reports whether one existed.
func (m *Matchmaker) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(id)
}

func (m *Matchmaker) cancelLocked(id string) bool {
	removed := false
	for i, w := range m.queue {
		if w.ID() == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			removed = true
			break
		}
	}
	if code, ok := m.byOwner[id]; ok {
		m.removeRoomLocked(code)
		removed = true
	}
	return removed
}

func (m *Matchmaker) removeRoomLocked(code string) {
	if r, ok := m.rooms[code]; ok {
		delete(m.byOwner, r.Creator.ID())
		delete(m.rooms, code)
	}
}

// Expire removes rooms older than the TTL and returns them.
func (m *Matchmaker) Expire() []*Room {
	if m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	var out []*Room
	for code, r := range m.rooms {
		if r.CreatedAt.Before(cutoff) {
			m.removeRoomLocked(code)
			out = append(out, r)
		}
	}
	return out
}

// RunJanitor expires rooms every interval until ctx is done.
func (m *Matchmaker) RunJanitor(ctx context.Context, interval time.Duration, onExpire func(*Room)) {
	if m.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = min(m.ttl/4, time.Minute)
		interval = max(interval, time.Second)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, r := range m.Expire() {
				obslog.L().Info("room_expired", zap.String("code", r.Code), zap.String("creator", r.Creator.ID()))
				if onExpire != nil {
					onExpire(r)
				}
			}
		}
	}
}

func (m *Matchmaker) Stats() (queued, rooms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), len(m.rooms)
}

// NormalizeCode trims and upper-cases a room code and checks its shape.
func NormalizeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != codeLength {
		return code, false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(codeAlphabet, code[i]) < 0 {
			return code, false
		}
	}
	return code, true
}

// codeGen returns 6 upper-case alphanumerics from crypto/rand without modulo bias.
func codeGen() (string, error) {
	const limit = 256 - 256%len(codeAlphabet)
	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}
