package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/rules"
	"go.uber.org/zap"
)

var ErrNoMove = errors.New("engine produced no legal move")

// Request is what an engine sees: a detached position and the difficulty level.
type Request struct {
	Position rules.Snapshot
	Level    string
}

// Opponent returns a legal UCI move for the side to move. Implementations must honor ctx.
type Opponent interface {
	BestMove(ctx context.Context, req Request) (string, error)
}

// Fallback consults Primary first and Secondary when it fails.
type Fallback struct {
	Primary   Opponent
	Secondary Opponent
}

func (f Fallback) BestMove(ctx context.Context, req Request) (string, error) {
	if f.Primary != nil {
		mv, err := f.Primary.BestMove(ctx, req)
		if err == nil {
			return mv, nil
		}
		if f.Secondary == nil || ctx.Err() != nil {
			return "", err
		}
		obslog.L().Warn("ai_primary_failed",
			zap.String("level", req.Level),
			zap.Int("ply", req.Position.Ply),
			zap.Error(err),
		)
	}
	if f.Secondary == nil {
		return "", fmt.Errorf("%w: no engine configured", ErrNoMove)
	}
	return f.Secondary.BestMove(ctx, req)
}

func legalSet(s rules.Snapshot) map[string]struct{} {
	out := make(map[string]struct{}, len(s.Legal))
	for _, mv := range s.Legal {
		out[mv] = struct{}{}
	}
	return out
}
