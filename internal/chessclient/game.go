package chessclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/park285/cheese-chess-server/internal/protocol"
	"github.com/park285/cheese-chess-server/internal/rules"
)

// MovePicker chooses a UCI move for the side to move.
type MovePicker func(ctx context.Context, pos rules.Snapshot) (string, error)

type GameResult struct {
	SessionID string
	Color     string
	Moves     []string
	Winner    string
	Reason    string
}

// PlayAgainstAI starts a single-player game and answers every server move
// with pick until the game ends. After maxPlies plies it resigns.
func PlayAgainstAI(ctx context.Context, s *Socket, req protocol.SinglePlayerRequest, pick MovePicker, maxPlies int) (*GameResult, error) {
	inbox, stop := s.Inbox(64)
	defer stop()

	if err := s.Send(ctx, protocol.New(protocol.TypeSinglePlayer, req)); err != nil {
		return nil, fmt.Errorf("send single_player: %w", err)
	}

	pos := rules.New()
	res := &GameResult{}
	var mine rules.Color

	respond := func() error {
		if mine == "" || pos.Turn() != mine {
			return nil
		}
		if maxPlies > 0 && pos.Ply() >= maxPlies {
			return s.Send(ctx, protocol.New(protocol.TypeResign, nil))
		}
		mv, err := pick(ctx, pos.Snapshot())
		if err != nil {
			return fmt.Errorf("pick move: %w", err)
		}
		if len(mv) < 4 {
			return fmt.Errorf("pick move: malformed %q", mv)
		}
		spec := protocol.MoveSpec{From: mv[0:2], To: mv[2:4]}
		if len(mv) == 5 {
			spec.Promotion = mv[4:]
		}
		return s.Send(ctx, protocol.New(protocol.TypeMove, protocol.MoveRequest{Move: spec}))
	}

	for {
		var env protocol.Envelope
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case env = <-inbox:
		}

		switch env.Type {
		case protocol.TypeInitGame:
			var start protocol.InitGame
			if err := json.Unmarshal(env.Payload, &start); err != nil {
				return res, fmt.Errorf("decode init_game: %w", err)
			}
			c, ok := rules.ParseColor(start.Color)
			if !ok {
				return res, fmt.Errorf("server assigned unknown color %q", start.Color)
			}
			mine, res.Color, res.SessionID = c, start.Color, start.SessionID
			if err := respond(); err != nil {
				return res, err
			}
		case protocol.TypeMove:
			var mv protocol.MoveBroadcast
			if err := json.Unmarshal(env.Payload, &mv); err != nil {
				return res, fmt.Errorf("decode move: %w", err)
			}
			applied, err := pos.Apply(mv.Move.From, mv.Move.To, mv.Move.Promotion)
			if err != nil {
				return res, fmt.Errorf("server move %s out of sync: %w", mv.Move.UCI(), err)
			}
			res.Moves = append(res.Moves, applied.UCI)
			if !pos.Terminal().Over {
				if err := respond(); err != nil {
					return res, err
				}
			}
		case protocol.TypeGameOver:
			var over protocol.GameOver
			if err := json.Unmarshal(env.Payload, &over); err != nil {
				return res, fmt.Errorf("decode game_over: %w", err)
			}
			res.Winner, res.Reason = over.Winner, over.Reason
			return res, nil
		case protocol.TypeError:
			var e protocol.ErrorPayload
			_ = json.Unmarshal(env.Payload, &e)
			return res, fmt.Errorf("server error: %s", e.Message)
		}
	}
}
