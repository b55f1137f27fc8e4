package ai

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
)

var pieceValues = map[nchess.PieceType]int{
	nchess.Pawn:   100,
	nchess.Knight: 320,
	nchess.Bishop: 330,
	nchess.Rook:   500,
	nchess.Queen:  900,
}

const (
	mateScore  = 100000
	checkBonus = 30
)

// Greedy is the built-in engine: it scores every legal reply one ply deep
// (material, mate, check, hanging destination) and lets the preset pick among the best.
type Greedy struct {
	randMu sync.Mutex
	rand   *rand.Rand
}

func NewGreedy() *Greedy {
	return &Greedy{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *Greedy) SetRandomSeed(seed int64) {
	g.randMu.Lock()
	g.rand = rand.New(rand.NewSource(seed))
	g.randMu.Unlock()
}

func (g *Greedy) random() *rand.Rand {
	g.randMu.Lock()
	seed := g.rand.Int63()
	g.randMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

func (g *Greedy) BestMove(ctx context.Context, req Request) (string, error) {
	preset, err := GetPreset(req.Level)
	if err != nil {
		return "", err
	}
	if len(req.Position.Legal) == 0 {
		return "", fmt.Errorf("%w: no legal moves", ErrNoMove)
	}

	candidates := make([]Candidate, 0, len(req.Position.Legal))
	for _, mv := range req.Position.Legal {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		score, err := scoreMove(req.Position.FEN, mv)
		if err != nil {
			continue
		}
		candidates = append(candidates, Candidate{Move: mv, EvalCP: score, Forced: score >= mateScore})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: every candidate failed to score", ErrNoMove)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].EvalCP != candidates[j].EvalCP {
			return candidates[i].EvalCP > candidates[j].EvalCP
		}
		return candidates[i].Move < candidates[j].Move
	})

	chosen, err := SelectCandidate(preset, candidates, g.random())
	if err != nil {
		return "", err
	}
	return chosen.Move, nil
}

// scoreMove plays mv on fen and scores the result from the mover's point of view.
func scoreMove(fen, mv string) (int, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return 0, err
	}
	game := nchess.NewGame(opt)
	mover := game.Position().Turn()
	if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
		return 0, err
	}
	check := false
	if moves := game.Moves(); len(moves) > 0 {
		check = moves[len(moves)-1].HasTag(nchess.Check)
	}
	replies := game.ValidMoves()
	if game.Method() == nchess.Checkmate || (len(replies) == 0 && check) {
		return mateScore, nil
	}
	if len(replies) == 0 {
		return 0, nil
	}

	board := game.Position().Board()
	score := 0
	dest := mv[2:4]
	moved := 0
	for sq, pc := range board.SquareMap() {
		v := pieceValues[pc.Type()]
		if pc.Color() == mover {
			score += v
		} else {
			score -= v
		}
		if sq.String() == dest {
			moved = v
		}
	}

	for _, reply := range replies {
		if s := reply.String(); len(s) >= 4 && s[2:4] == dest {
			score -= moved
			break
		}
	}
	if check {
		score += checkBonus
	}
	return score, nil
}

var _ Opponent = (*Greedy)(nil)
