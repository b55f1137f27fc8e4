package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-chess-server/internal/ai"
	"github.com/park285/cheese-chess-server/internal/archive"
	"github.com/park285/cheese-chess-server/internal/msgcat"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/protocol"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/park285/cheese-chess-server/internal/signaling"
	"go.uber.org/zap"
)

var (
	ErrGameOver       = errors.New("game is over")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrNotParticipant = errors.New("not a participant of this session")
)

type Mode string

const (
	SinglePlayer Mode = protocol.ModeSinglePlayer
	Matched      Mode = protocol.ModeMatched
	Room         Mode = protocol.ModeRoom
)

type Status string

const (
	StatusActive Status = "active"
	StatusOver   Status = "over"
)

// Participant is a human side of a session. Send must not block.
type Participant interface {
	ID() string
	Send(protocol.Envelope)
}

// AISide configures the computer-controlled side of a single-player session.
type AISide struct {
	Opponent ai.Opponent
	Level    string
	Timeout  time.Duration
}

type Config struct {
	ID       string
	Mode     Mode
	RoomCode string
	// White and Black are the human sides. In single-player exactly one is nil
	// and AI plays that color.
	White Participant
	Black Participant
	AI    *AISide

	Catalog *msgcat.Catalog
	// OnOver receives the result once the game ends. Called off the session lock.
	OnOver func(archive.Result)
	// OnFatal is called after an unrecoverable AI failure; the owner should drop the session.
	OnFatal func(*Session)
	// Tasks tracks background work so the owner can drain it on shutdown.
	Tasks *sync.WaitGroup
}

// Session is one game between two sides plus its call state. All mutable
// state is guarded by mu; sends made under mu only enqueue.
type Session struct {
	mu sync.Mutex

	id       string
	mode     Mode
	roomCode string

	pos    *rules.Position
	status Status
	sides  map[rules.Color]Participant
	left   map[string]bool
	aiSide *AISide
	aiTurn rules.Color
	call   signaling.CallState

	winner    rules.Color
	reason    string
	startedAt time.Time
	endedAt   time.Time

	cat     *msgcat.Catalog
	onOver  func(archive.Result)
	onFatal func(*Session)
	tasks   *sync.WaitGroup
}

// Info is a point-in-time view used for stats and diagnostics.
type Info struct {
	ID       string
	Mode     Mode
	Status   Status
	FEN      string
	Ply      int
	Winner   string
	Reason   string
	CallOpen bool
}

func New(cfg Config) (*Session, error) {
	switch cfg.Mode {
	case SinglePlayer:
		if cfg.AI == nil || cfg.AI.Opponent == nil {
			return nil, errors.New("single-player session needs an AI side")
		}
		if (cfg.White == nil) == (cfg.Black == nil) {
			return nil, errors.New("single-player session needs exactly one human side")
		}
	case Matched, Room:
		if cfg.White == nil || cfg.Black == nil {
			return nil, errors.New("multiplayer session needs two human sides")
		}
		if cfg.White.ID() == cfg.Black.ID() {
			return nil, errors.New("a participant cannot play both sides")
		}
		cfg.AI = nil
	default:
		return nil, fmt.Errorf("unknown session mode %q", cfg.Mode)
	}

	s := &Session{
		id:        strings.TrimSpace(cfg.ID),
		mode:      cfg.Mode,
		roomCode:  cfg.RoomCode,
		pos:       rules.New(),
		status:    StatusActive,
		sides:     make(map[rules.Color]Participant, 2),
		left:      make(map[string]bool, 2),
		aiSide:    cfg.AI,
		startedAt: time.Now(),
		cat:       cfg.Catalog,
		onOver:    cfg.OnOver,
		onFatal:   cfg.OnFatal,
		tasks:     cfg.Tasks,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.cat == nil {
		s.cat = msgcat.Default()
	}
	if s.tasks == nil {
		s.tasks = new(sync.WaitGroup)
	}
	if cfg.White != nil {
		s.sides[rules.White] = cfg.White
	} else {
		s.aiTurn = rules.White
	}
	if cfg.Black != nil {
		s.sides[rules.Black] = cfg.Black
	} else {
		s.aiTurn = rules.Black
	}
	if s.aiSide != nil && s.aiSide.Timeout <= 0 {
		s.aiSide.Timeout = 5 * time.Second
	}

	obslog.L().Info("session_create",
		zap.String("session_id", s.id),
		zap.String("mode", string(s.mode)),
		zap.String("white", s.sideName(rules.White)),
		zap.String("black", s.sideName(rules.Black)),
	)
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Mode() Mode       { return s.mode }
func (s *Session) RoomCode() string { return s.roomCode }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Active() bool { return s.Status() == StatusActive }

// ColorOf reports the side played by participant id.
func (s *Session) ColorOf(id string) (rules.Color, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.colorOfLocked(id)
}

// Participants returns the human sides that have not left.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, 2)
	for _, c := range []rules.Color{rules.White, rules.Black} {
		if p, ok := s.sides[c]; ok && !s.left[p.ID()] {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:       s.id,
		Mode:     s.mode,
		Status:   s.status,
		FEN:      s.pos.FEN(),
		Ply:      s.pos.Ply(),
		Winner:   string(s.winner),
		Reason:   s.reason,
		CallOpen: s.call.Phase == signaling.PhaseRequested || s.call.Active(),
	}
}

// Start kicks off the AI when it has the first move.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleAILocked()
}

// ApplyMove validates and applies a move from p, broadcasts it and checks for game end.
func (s *Session) ApplyMove(p Participant, spec protocol.MoveSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	color, ok := s.colorOfLocked(p.ID())
	if !ok || s.left[p.ID()] {
		return ErrNotParticipant
	}
	if s.status != StatusActive {
		return ErrGameOver
	}
	if s.pos.Turn() != color {
		return ErrNotYourTurn
	}
	mv, err := s.pos.Apply(spec.From, spec.To, spec.Promotion)
	if err != nil {
		return err
	}
	s.commitLocked(mv)
	return nil
}

// Resign ends an active game in favour of the opponent.
func (s *Session) Resign(p Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	color, ok := s.colorOfLocked(p.ID())
	if !ok || s.left[p.ID()] {
		return ErrNotParticipant
	}
	if s.status != StatusActive {
		return ErrGameOver
	}
	s.finishLocked(color.Opponent(), protocol.ReasonResignation)
	return nil
}

// Leave detaches p. Leaving an active game forfeits it by abandonment and
// the session should be destroyed; an over session should be destroyed once
// no human remains. The return value reports which applies.
func (s *Session) Leave(p Participant) (destroy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	color, ok := s.colorOfLocked(p.ID())
	if !ok {
		return false
	}
	if s.left[p.ID()] {
		return s.remainingLocked() == 0
	}
	s.left[p.ID()] = true
	s.call.End(time.Now())
	if s.status == StatusActive {
		s.finishLocked(color.Opponent(), protocol.ReasonAbandonment)
		return true
	}
	return s.remainingLocked() == 0
}

// Route implements signaling.Pair: it resolves the other human side of from.
func (s *Session) Route(from string, observe func(*signaling.CallState)) (signaling.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	color, ok := s.colorOfLocked(from)
	if !ok || s.left[from] {
		return nil, ErrNotParticipant
	}
	peer, ok := s.sides[color.Opponent()]
	if !ok || s.left[peer.ID()] {
		return nil, signaling.ErrNoPeer
	}
	if observe != nil {
		observe(&s.call)
	}
	return peer, nil
}

func (s *Session) CallActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.Active()
}

func (s *Session) commitLocked(mv rules.Move) {
	s.broadcastLocked(protocol.New(protocol.TypeMove, protocol.MoveBroadcast{
		Move:  protocol.MoveSpec{From: mv.From, To: mv.To, Promotion: mv.Promotion},
		SAN:   mv.SAN,
		FEN:   s.pos.FEN(),
		Color: string(mv.Color),
		Check: mv.Check,
	}))
	obslog.L().Debug("session_move",
		zap.String("session_id", s.id),
		zap.String("color", string(mv.Color)),
		zap.String("uci", mv.UCI),
		zap.String("san", mv.SAN),
		zap.Int("ply", s.pos.Ply()),
	)
	if v := s.pos.Terminal(); v.Over {
		s.finishLocked(v.Winner, string(v.Reason))
		return
	}
	s.scheduleAILocked()
}

func (s *Session) finishLocked(winner rules.Color, reason string) {
	if s.status == StatusOver {
		return
	}
	now := time.Now()
	s.status = StatusOver
	s.winner = winner
	s.reason = reason
	s.endedAt = now
	s.call.End(now)
	s.broadcastLocked(protocol.New(protocol.TypeGameOver, protocol.GameOver{Winner: string(winner), Reason: reason}))

	obslog.L().Info("session_over",
		zap.String("session_id", s.id),
		zap.String("winner", string(winner)),
		zap.String("reason", reason),
		zap.Int("ply", s.pos.Ply()),
	)
	if s.onOver != nil {
		res := s.resultLocked()
		hook := s.onOver
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			hook(res)
		}()
	}
}

func (s *Session) resultLocked() archive.Result {
	return archive.Result{
		GameID:    s.id,
		Mode:      string(s.mode),
		RoomCode:  s.roomCode,
		WhiteID:   s.sideName(rules.White),
		BlackID:   s.sideName(rules.Black),
		Winner:    string(s.winner),
		Reason:    s.reason,
		MovesUCI:  s.pos.MovesUCI(),
		MovesSAN:  s.pos.MovesSAN(),
		FinalFEN:  s.pos.FEN(),
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

func (s *Session) broadcastLocked(env protocol.Envelope) {
	for _, c := range []rules.Color{rules.White, rules.Black} {
		if p, ok := s.sides[c]; ok && !s.left[p.ID()] {
			p.Send(env)
		}
	}
}

func (s *Session) colorOfLocked(id string) (rules.Color, bool) {
	for c, p := range s.sides {
		if p.ID() == id {
			return c, true
		}
	}
	return "", false
}

func (s *Session) remainingLocked() int {
	n := 0
	for _, p := range s.sides {
		if !s.left[p.ID()] {
			n++
		}
	}
	return n
}

func (s *Session) sideName(c rules.Color) string {
	if p, ok := s.sides[c]; ok {
		return p.ID()
	}
	if s.aiSide != nil {
		return "ai:" + s.aiSide.Level
	}
	return ""
}

func (s *Session) scheduleAILocked() {
	if s.aiSide == nil || s.status != StatusActive || s.pos.Turn() != s.aiTurn {
		return
	}
	snap := s.pos.Snapshot()
	s.tasks.Add(1)
	go s.runAI(snap)
}

// runAI searches outside the lock and applies the result only if the game
// is still active at the same ply.
func (s *Session) runAI(snap rules.Snapshot) {
	defer s.tasks.Done()
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("session_ai_panic", zap.String("session_id", s.id), zap.Any("panic", r))
			s.fail(snap.Ply, fmt.Errorf("ai panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.aiSide.Timeout)
	defer cancel()
	start := time.Now()
	uciMove, err := s.aiSide.Opponent.BestMove(ctx, ai.Request{Position: snap, Level: s.aiSide.Level})
	if err == nil {
		obslog.L().Debug("session_ai_move",
			zap.String("session_id", s.id),
			zap.String("uci", uciMove),
			zap.Duration("took", time.Since(start)),
		)
	}
	if fatal := s.resolveAI(snap.Ply, uciMove, err); fatal && s.onFatal != nil {
		s.onFatal(s)
	}
}

func (s *Session) resolveAI(ply int, uciMove string, searchErr error) (fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive || s.pos.Ply() != ply {
		return false
	}
	if searchErr == nil {
		mv, err := s.pos.ApplyUCI(uciMove)
		if err == nil {
			s.commitLocked(mv)
			return false
		}
		searchErr = fmt.Errorf("ai produced %q: %w", uciMove, err)
	}
	s.failLocked(searchErr)
	return true
}

func (s *Session) fail(ply int, cause error) {
	s.mu.Lock()
	fatal := s.status == StatusActive && s.pos.Ply() == ply
	if fatal {
		s.failLocked(cause)
	}
	s.mu.Unlock()
	if fatal && s.onFatal != nil {
		s.onFatal(s)
	}
}

func (s *Session) failLocked(cause error) {
	obslog.L().Warn("session_ai_failed", zap.String("session_id", s.id), zap.Error(cause))
	s.broadcastLocked(protocol.New(protocol.TypeError, protocol.ErrorPayload{
		Message: s.cat.Text("game.ai_failed", nil),
	}))
	s.finishLocked("", protocol.ReasonInternalError)
}
