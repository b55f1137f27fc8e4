package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-chess-server/internal/ai"
	"github.com/park285/cheese-chess-server/internal/archive"
	"github.com/park285/cheese-chess-server/internal/matchmaker"
	"github.com/park285/cheese-chess-server/internal/msgcat"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/protocol"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/park285/cheese-chess-server/internal/session"
	"github.com/park285/cheese-chess-server/internal/signaling"
	"go.uber.org/zap"
)

var ErrAlreadyInGame = errors.New("already in a game")

type Config struct {
	Matchmaker    *matchmaker.Matchmaker
	AI            ai.Opponent
	AILevel       string
	AITimeout     time.Duration
	Catalog       *msgcat.Catalog
	Recorder      *archive.Recorder
	SendQueueSize int
}

// Hub owns every connection and session in the process and routes inbound
// frames by the sender's association.
type Hub struct {
	mm        *matchmaker.Matchmaker
	opponent  ai.Opponent
	aiLevel   string
	aiTimeout time.Duration
	cat       *msgcat.Catalog
	recorder  *archive.Recorder
	queueSize int

	// matchMu orders matchmaking outcomes so replies reach clients in sequence.
	matchMu sync.Mutex

	mu       sync.RWMutex
	conns    map[string]*Conn
	sessions map[string]*session.Session

	tasks sync.WaitGroup
}

type Stats struct {
	Connections    int `json:"connections"`
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
	ActiveCalls    int `json:"active_calls"`
	Queued         int `json:"queued"`
	PendingRooms   int `json:"pending_rooms"`
}

func New(cfg Config) *Hub {
	h := &Hub{
		mm:        cfg.Matchmaker,
		opponent:  cfg.AI,
		aiLevel:   cfg.AILevel,
		aiTimeout: cfg.AITimeout,
		cat:       cfg.Catalog,
		recorder:  cfg.Recorder,
		queueSize: cfg.SendQueueSize,
		conns:     make(map[string]*Conn),
		sessions:  make(map[string]*session.Session),
	}
	if h.mm == nil {
		h.mm = matchmaker.New(30 * time.Minute)
	}
	if h.opponent == nil {
		h.opponent = ai.NewGreedy()
	}
	if h.aiLevel == "" {
		h.aiLevel = "level3"
	}
	if h.cat == nil {
		h.cat = msgcat.Default()
	}
	return h
}

func (h *Hub) Connect() *Conn {
	c := newConn(uuid.NewString(), h.queueSize)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	obslog.L().Info("conn_open", zap.String("conn_id", c.id))
	return c
}

// HandleRaw decodes one text frame and dispatches it.
func (h *Hub) HandleRaw(c *Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		h.sendError(c, "protocol.unknown_type", map[string]any{"Type": env.Type})
		return
	case err != nil:
		obslog.L().Debug("conn_bad_frame", zap.String("conn_id", c.id), zap.Error(err))
		h.sendError(c, "protocol.malformed", nil)
		return
	}
	h.Handle(c, env)
}

func (h *Hub) Handle(c *Conn, env protocol.Envelope) {
	if c.Closed() {
		return
	}
	if protocol.IsSignaling(env.Type) {
		h.relay(c, env)
		return
	}
	switch env.Type {
	case protocol.TypeSinglePlayer:
		h.startSinglePlayer(c, env)
	case protocol.TypeInitGame:
		h.enqueue(c)
	case protocol.TypeCreateRoom:
		h.createRoom(c)
	case protocol.TypeJoinRoom:
		h.joinRoom(c, env)
	case protocol.TypeMove:
		h.move(c, env)
	case protocol.TypeResign:
		h.resign(c)
	default:
		h.sendError(c, "protocol.unknown_type", map[string]any{"Type": env.Type})
	}
}

// Disconnect releases everything held by c. Safe to call more than once.
func (h *Hub) Disconnect(c *Conn) {
	first, kind, s := c.markClosed()
	if !first {
		return
	}
	switch kind {
	case assocQueued, assocRoom:
		h.mm.Cancel(c.id)
	case assocSession:
		h.leaveSession(c, s)
	}
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.Close()
	obslog.L().Info("conn_close", zap.String("conn_id", c.id), zap.String("assoc", kind.String()))
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Connections: len(h.conns), Sessions: len(h.sessions)}
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		info := s.Info()
		if info.Status == session.StatusActive {
			st.ActiveSessions++
		}
		if info.CallOpen {
			st.ActiveCalls++
		}
	}
	st.Queued, st.PendingRooms = h.mm.Stats()
	return st
}

// RunJanitor expires stale rooms until ctx is done.
func (h *Hub) RunJanitor(ctx context.Context, interval time.Duration) {
	h.mm.RunJanitor(ctx, interval, h.expireRoom)
}

// Shutdown closes every connection and waits for in-flight AI moves and result hooks.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepareMatch enforces the re-request policy: an active game blocks new
// requests, a finished one is left behind. Callers hold matchMu so a pairing
// cannot land between this check and the new request.
func (h *Hub) prepareMatch(c *Conn) error {
	kind, s := c.state()
	if kind != assocSession || s == nil {
		return nil
	}
	if s.Active() {
		return ErrAlreadyInGame
	}
	h.leaveSession(c, s)
	return nil
}

func (h *Hub) startSinglePlayer(c *Conn, env protocol.Envelope) {
	var req protocol.SinglePlayerRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		h.sendError(c, "protocol.bad_payload", map[string]any{"Type": env.Type})
		return
	}
	human := rules.White
	if req.Color != "" {
		col, ok := rules.ParseColor(req.Color)
		if !ok {
			h.sendError(c, "match.bad_color", nil)
			return
		}
		human = col
	}
	level := h.aiLevel
	if req.Level != "" {
		p, err := ai.GetPreset(req.Level)
		if err != nil {
			h.sendError(c, "match.bad_level", map[string]any{"Level": req.Level})
			return
		}
		level = p.Name
	}
	h.matchMu.Lock()
	defer h.matchMu.Unlock()
	if err := h.prepareMatch(c); err != nil {
		h.sendError(c, "match.already_in_game", nil)
		return
	}
	h.mm.Cancel(c.id)
	c.clearWaiting("")

	cfg := h.sessionConfig(session.SinglePlayer, "")
	cfg.AI = &session.AISide{Opponent: h.opponent, Level: level, Timeout: h.aiTimeout}
	if human == rules.White {
		cfg.White = c
	} else {
		cfg.Black = c
	}
	s, err := session.New(cfg)
	if err != nil {
		obslog.L().Error("session_create_failed", zap.String("conn_id", c.id), zap.Error(err))
		h.sendError(c, "internal.error", nil)
		return
	}
	h.addSession(s)
	if !c.attach(s) {
		// closed before the game started: nothing to report or archive
		h.destroySession(s)
		return
	}
	c.Send(protocol.New(protocol.TypeInitGame, protocol.InitGame{
		Color:     string(human),
		SessionID: s.ID(),
		Mode:      protocol.ModeSinglePlayer,
	}))
	s.Start()
}

func (h *Hub) enqueue(c *Conn) {
	h.matchMu.Lock()
	defer h.matchMu.Unlock()
	if err := h.prepareMatch(c); err != nil {
		h.sendError(c, "match.already_in_game", nil)
		return
	}

	p := h.mm.Enqueue(c)
	if p == nil {
		c.setWaiting(assocQueued, "")
		c.Send(protocol.New(protocol.TypeWaitingForOpponent, nil))
		return
	}
	h.startPairLocked(p, session.Matched)
}

func (h *Hub) createRoom(c *Conn) {
	h.matchMu.Lock()
	defer h.matchMu.Unlock()
	if err := h.prepareMatch(c); err != nil {
		h.sendError(c, "match.already_in_game", nil)
		return
	}

	code, err := h.mm.CreateRoom(c)
	if err != nil {
		c.clearWaiting("")
		h.sendError(c, "match.room_unavailable", nil)
		return
	}
	c.setWaiting(assocRoom, code)
	c.Send(protocol.New(protocol.TypeRoomCreated, protocol.RoomCreated{RoomID: code}))
}

func (h *Hub) joinRoom(c *Conn, env protocol.Envelope) {
	var req protocol.JoinRoomRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		h.sendError(c, "protocol.bad_payload", map[string]any{"Type": env.Type})
		return
	}
	h.matchMu.Lock()
	defer h.matchMu.Unlock()
	if err := h.prepareMatch(c); err != nil {
		h.sendError(c, "match.already_in_game", nil)
		return
	}

	p, err := h.mm.JoinRoom(c, req.RoomID)
	switch {
	case errors.Is(err, matchmaker.ErrOwnRoom):
		h.sendError(c, "match.own_room", nil)
	case errors.Is(err, matchmaker.ErrRoomNotFound):
		c.clearWaiting("")
		code, _ := matchmaker.NormalizeCode(req.RoomID)
		c.Send(protocol.New(protocol.TypeRoomNotFound, protocol.ErrorPayload{
			Message: h.cat.Text("match.room_not_found", map[string]any{"Code": code}),
		}))
	case err != nil:
		h.sendError(c, "internal.error", nil)
	default:
		h.startPairLocked(p, session.Room)
	}
}

// startPairLocked creates the multiplayer session for a pairing. Callers hold matchMu.
func (h *Hub) startPairLocked(p *matchmaker.Pairing, mode session.Mode) {
	white, okW := p.White.(*Conn)
	black, okB := p.Black.(*Conn)
	if !okW || !okB {
		obslog.L().Error("pairing_foreign_waiter", zap.String("white", p.White.ID()), zap.String("black", p.Black.ID()))
		return
	}
	cfg := h.sessionConfig(mode, p.RoomCode)
	cfg.White, cfg.Black = white, black
	s, err := session.New(cfg)
	if err != nil {
		obslog.L().Error("session_create_failed", zap.String("white", white.id), zap.String("black", black.id), zap.Error(err))
		for _, c := range []*Conn{white, black} {
			c.clearWaiting("")
			h.sendError(c, "internal.error", nil)
		}
		return
	}
	h.addSession(s)

	var gone []*Conn
	for _, side := range []struct {
		c     *Conn
		color rules.Color
	}{{white, rules.White}, {black, rules.Black}} {
		if !side.c.attach(s) {
			gone = append(gone, side.c)
			continue
		}
		if mode == session.Room {
			side.c.Send(protocol.New(protocol.TypeRoomJoined, protocol.RoomJoined{
				Color:     string(side.color),
				RoomID:    p.RoomCode,
				SessionID: s.ID(),
			}))
		} else {
			side.c.Send(protocol.New(protocol.TypeInitGame, protocol.InitGame{
				Color:     string(side.color),
				SessionID: s.ID(),
				Mode:      string(mode),
			}))
		}
	}
	// a side that closed while being paired abandons immediately
	for _, c := range gone {
		h.leaveSession(c, s)
	}
}

func (h *Hub) move(c *Conn, env protocol.Envelope) {
	var req protocol.MoveRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		h.sendError(c, "protocol.bad_payload", map[string]any{"Type": env.Type})
		return
	}
	s := c.session()
	if s == nil {
		h.sendError(c, "move.not_in_game", nil)
		return
	}
	if err := s.ApplyMove(c, req.Move); err != nil {
		h.sendMoveError(c, req.Move, err)
	}
}

func (h *Hub) resign(c *Conn) {
	s := c.session()
	if s == nil {
		h.sendError(c, "move.not_in_game", nil)
		return
	}
	if err := s.Resign(c); err != nil {
		h.sendMoveError(c, protocol.MoveSpec{}, err)
	}
}

func (h *Hub) relay(c *Conn, env protocol.Envelope) {
	s := c.session()
	if s == nil {
		h.sendError(c, "call.not_in_game", nil)
		return
	}
	err := signaling.Relay(s, c, env)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrNoPeer):
		h.sendError(c, "call.no_peer", nil)
	default:
		h.sendError(c, "call.not_in_game", nil)
	}
}

func (h *Hub) sendMoveError(c *Conn, mv protocol.MoveSpec, err error) {
	switch {
	case errors.Is(err, session.ErrGameOver):
		h.sendError(c, "move.game_over", nil)
	case errors.Is(err, session.ErrNotYourTurn):
		h.sendError(c, "move.not_your_turn", nil)
	case errors.Is(err, session.ErrNotParticipant):
		h.sendError(c, "move.not_in_game", nil)
	case errors.Is(err, rules.ErrIllegalMove):
		h.sendError(c, "move.illegal", map[string]any{"Move": mv.UCI()})
	case errors.Is(err, rules.ErrMalformedMove):
		h.sendError(c, "move.malformed", nil)
	default:
		obslog.L().Error("move_failed", zap.String("conn_id", c.id), zap.Error(err))
		h.sendError(c, "internal.error", nil)
	}
}

func (h *Hub) sendError(c *Conn, key string, data any) {
	c.Send(protocol.New(protocol.TypeError, protocol.ErrorPayload{Message: h.cat.Text(key, data)}))
}

func (h *Hub) sessionConfig(mode session.Mode, roomCode string) session.Config {
	return session.Config{
		Mode:     mode,
		RoomCode: roomCode,
		Catalog:  h.cat,
		OnOver:   h.recorder.Record,
		OnFatal:  h.destroySession,
		Tasks:    &h.tasks,
	}
}

func (h *Hub) addSession(s *session.Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
}

func (h *Hub) leaveSession(c *Conn, s *session.Session) {
	destroy := s.Leave(c)
	c.detach(s)
	if destroy {
		h.destroySession(s)
	}
}

// destroySession forgets s and frees whoever is still attached to it.
func (h *Hub) destroySession(s *session.Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID())
	h.mu.Unlock()

	for _, p := range s.Participants() {
		if c, ok := p.(*Conn); ok {
			c.detach(s)
		}
	}
	obslog.L().Info("session_destroy", zap.String("session_id", s.ID()))
}

func (h *Hub) expireRoom(r *matchmaker.Room) {
	c, ok := r.Creator.(*Conn)
	if !ok {
		return
	}
	h.matchMu.Lock()
	defer h.matchMu.Unlock()
	if c.clearWaiting(r.Code) {
		h.sendError(c, "match.room_expired", map[string]any{"Code": r.Code})
	}
}
