package rules

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrIllegalMove   = errors.New("illegal move")
	ErrMalformedMove = errors.New("malformed move")
)

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor accepts white/black and w/b in any case.
func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	}
	return "", false
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}

// Reason names a terminal condition.
type Reason string

const (
	Checkmate            Reason = "checkmate"
	Stalemate            Reason = "stalemate"
	ThreefoldRepetition  Reason = "threefold_repetition"
	InsufficientMaterial Reason = "insufficient_material"
	FiftyMoveRule        Reason = "fifty_move_rule"
)

// Verdict is the result of a terminal check. Winner is empty for draws.
type Verdict struct {
	Over   bool
	Winner Color
	Reason Reason
}

// Move is an applied move in canonical form.
type Move struct {
	From      string
	To        string
	Promotion string
	UCI       string
	SAN       string
	Color     Color
	Check     bool
}

// Position is a game in progress. It changes only through Apply.
type Position struct {
	game  *nchess.Game
	uci   []string
	san   []string
	reps  map[string]int
	check bool
}

// New returns the standard starting position.
func New() *Position {
	p := &Position{game: nchess.NewGame(), reps: make(map[string]int)}
	p.reps[p.repetitionKey()]++
	return p
}

// FromMoves replays UCI moves from the starting position.
func FromMoves(moves []string) (*Position, error) {
	p := New()
	for i, mv := range moves {
		if _, err := p.ApplyUCI(mv); err != nil {
			return nil, fmt.Errorf("replay ply %d (%s): %w", i+1, mv, err)
		}
	}
	return p, nil
}

// Turn is the side to move.
func (p *Position) Turn() Color { return colorFrom(p.game.Position().Turn()) }

func (p *Position) FEN() string { return p.game.FEN() }

func (p *Position) Ply() int { return len(p.uci) }

func (p *Position) MovesUCI() []string { return append([]string(nil), p.uci...) }

func (p *Position) MovesSAN() []string { return append([]string(nil), p.san...) }

// LegalMoves lists the legal moves in UCI, sorted.
func (p *Position) LegalMoves() []string {
	valid := p.game.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, mv := range valid {
		out = append(out, mv.String())
	}
	sort.Strings(out)
	return out
}

// Apply validates and plays a move given as squares. A missing promotion on a
// pawn reaching the last rank promotes to a queen; a promotion on any other move is ignored.
func (p *Position) Apply(from, to, promotion string) (Move, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))
	if !validSquare(from) || !validSquare(to) {
		return Move{}, fmt.Errorf("%w: from=%q to=%q", ErrMalformedMove, from, to)
	}
	if len(promotion) > 1 || (promotion != "" && !strings.Contains("qrbn", promotion)) {
		return Move{}, fmt.Errorf("%w: promotion=%q", ErrMalformedMove, promotion)
	}
	return p.ApplyUCI(from + to + promotion)
}

// ApplyUCI validates and plays a UCI move.
func (p *Position) ApplyUCI(uci string) (Move, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if len(uci) < 4 || len(uci) > 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, uci)
	}

	legal := make(map[string]bool)
	for _, mv := range p.game.ValidMoves() {
		legal[mv.String()] = mv.HasTag(nchess.Check)
	}
	switch _, ok := legal[uci]; {
	case ok:
	case len(uci) == 4 && hasKey(legal, uci+"q"):
		uci += "q"
	case len(uci) == 5 && hasKey(legal, uci[:4]):
		uci = uci[:4]
	default:
		return Move{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}

	mover := p.Turn()
	before := p.game.Position()
	if err := p.game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Move{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, uci, err)
	}
	last := lastMove(p.game)
	if last == nil {
		return Move{}, fmt.Errorf("%w: %s not recorded", ErrIllegalMove, uci)
	}
	canonical := last.String()
	san := nchess.AlgebraicNotation{}.Encode(before, last)

	p.uci = append(p.uci, canonical)
	p.san = append(p.san, san)
	p.check = legal[uci] || last.HasTag(nchess.Check)
	p.reps[p.repetitionKey()]++

	mv := Move{
		From:  canonical[0:2],
		To:    canonical[2:4],
		UCI:   canonical,
		SAN:   san,
		Color: mover,
		Check: p.check,
	}
	if len(canonical) == 5 {
		mv.Promotion = canonical[4:]
	}
	return mv, nil
}

// Terminal evaluates game-ending conditions in precedence order:
// checkmate, stalemate, threefold repetition, insufficient material, fifty-move rule.
func (p *Position) Terminal() Verdict {
	if len(p.game.ValidMoves()) == 0 {
		if p.check || p.game.Method() == nchess.Checkmate {
			return Verdict{Over: true, Winner: p.Turn().Opponent(), Reason: Checkmate}
		}
		return Verdict{Over: true, Reason: Stalemate}
	}
	if p.reps[p.repetitionKey()] >= 3 {
		return Verdict{Over: true, Reason: ThreefoldRepetition}
	}
	if insufficientMaterial(p.game.Position().Board()) {
		return Verdict{Over: true, Reason: InsufficientMaterial}
	}
	if p.halfmoveClock() >= 100 {
		return Verdict{Over: true, Reason: FiftyMoveRule}
	}
	return Verdict{}
}

// Snapshot is an immutable copy handed to move generators outside the session lock.
type Snapshot struct {
	FEN   string
	Moves []string
	Turn  Color
	Legal []string
	Ply   int
}

func (p *Position) Snapshot() Snapshot {
	return Snapshot{
		FEN:   p.FEN(),
		Moves: p.MovesUCI(),
		Turn:  p.Turn(),
		Legal: p.LegalMoves(),
		Ply:   p.Ply(),
	}
}

// repetitionKey identifies a position for threefold purposes: placement, side,
// castling rights and an en-passant square only when a capture there is legal.
func (p *Position) repetitionKey() string {
	fields := strings.Fields(p.game.FEN())
	if len(fields) < 4 {
		return p.game.FEN()
	}
	ep := "-"
	if fields[3] != "-" {
		for _, mv := range p.game.ValidMoves() {
			if mv.HasTag(nchess.EnPassant) {
				ep = fields[3]
				break
			}
		}
	}
	return strings.Join([]string{fields[0], fields[1], fields[2], ep}, " ")
}

func (p *Position) halfmoveClock() int {
	fields := strings.Fields(p.game.FEN())
	if len(fields) < 5 {
		return 0
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}
	return n
}

func insufficientMaterial(board *nchess.Board) bool {
	type minor struct {
		kind  nchess.PieceType
		shade int
	}
	var minors []minor
	for sq, pc := range board.SquareMap() {
		switch pc.Type() {
		case nchess.King:
		case nchess.Knight, nchess.Bishop:
			minors = append(minors, minor{kind: pc.Type(), shade: (int(sq.File()) + int(sq.Rank())) % 2})
		default:
			return false
		}
	}
	if len(minors) <= 1 {
		return true
	}
	for _, m := range minors {
		if m.kind != nchess.Bishop || m.shade != minors[0].shade {
			return false
		}
	}
	return true
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func hasKey(m map[string]bool, k string) bool {
	_, ok := m[k]
	return ok
}
