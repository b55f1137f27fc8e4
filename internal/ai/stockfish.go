package ai

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/ai/uci"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"go.uber.org/zap"
)

// Stockfish drives an external UCI engine through a process pool.
type Stockfish struct {
	pool   *uci.Pool
	randMu sync.Mutex
	rand   *rand.Rand
}

func NewStockfish(binaryPath string) (*Stockfish, error) {
	pool, err := uci.NewPool(uci.PoolConfig{BinaryPath: binaryPath})
	if err != nil {
		return nil, err
	}
	return &Stockfish{pool: pool, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}, nil
}

func (s *Stockfish) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

func (s *Stockfish) BestMove(ctx context.Context, req Request) (string, error) {
	preset, err := GetPreset(req.Level)
	if err != nil {
		return "", err
	}
	start := time.Now()

	proc, err := s.pool.Acquire(ctx, optionsFromPreset(preset))
	if err != nil {
		return "", fmt.Errorf("acquire engine: %w", err)
	}
	var releaseErr error
	defer func() { s.pool.Release(proc, releaseErr) }()

	if err := proc.NewGame(ctx); err != nil {
		releaseErr = err
		return "", err
	}
	res, err := proc.Search(ctx, uci.SearchRequest{
		Moves:  req.Position.Moves,
		Limits: uci.Limits{Depth: preset.DepthCap, MoveTimeMillis: preset.MoveTimeMillis},
	})
	if err != nil {
		releaseErr = err
		return "", err
	}

	legal := legalSet(req.Position)
	candidates := make([]Candidate, 0, len(res.Lines))
	for _, l := range res.Lines {
		if _, ok := legal[l.Move]; ok {
			candidates = append(candidates, Candidate{Move: l.Move, EvalCP: l.EvalCP})
		}
	}
	if len(candidates) == 0 {
		if _, ok := legal[res.BestMove]; ok {
			return res.BestMove, nil
		}
		return "", fmt.Errorf("%w: engine suggested %q", ErrNoMove, res.BestMove)
	}

	s.randMu.Lock()
	r := rand.New(rand.NewSource(s.rand.Int63()))
	s.randMu.Unlock()
	chosen, err := SelectCandidate(preset, candidates, r)
	if err != nil {
		return "", err
	}
	obslog.L().Debug("ai_stockfish_move",
		zap.String("level", preset.Name),
		zap.String("move", chosen.Move),
		zap.String("engine_best", res.BestMove),
		zap.Duration("took", time.Since(start)),
	)
	return chosen.Move, nil
}

func optionsFromPreset(p Preset) uci.Options {
	return uci.Options{
		Threads:    p.Threads,
		SkillLevel: p.SkillLevel,
		HashMB:     p.HashMB,
		MultiPV:    p.MultiPV,
		Elo:        presetElo(p.Name),
	}
}

var _ Opponent = (*Stockfish)(nil)
