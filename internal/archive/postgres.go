package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chess_games (
	game_id     TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	room_code   TEXT NOT NULL DEFAULT '',
	white_id    TEXT NOT NULL,
	black_id    TEXT NOT NULL,
	winner      TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL,
	moves_uci   JSONB NOT NULL,
	moves_san   JSONB NOT NULL,
	final_fen   TEXT NOT NULL,
	pgn         TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL
)`

type Repository struct {
	db *sql.DB
}

func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Repository{db: db}
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schemaSQL)
	return err
}

// Save upserts a finished game keyed by its session id.
func (r *Repository) Save(ctx context.Context, res Result) error {
	if r == nil || r.db == nil {
		return nil
	}
	movesUCI, err := json.Marshal(nonNil(res.MovesUCI))
	if err != nil {
		return fmt.Errorf("marshal moves_uci: %w", err)
	}
	movesSAN, err := json.Marshal(nonNil(res.MovesSAN))
	if err != nil {
		return fmt.Errorf("marshal moves_san: %w", err)
	}

	const q = `INSERT INTO chess_games (
		game_id, mode, room_code, white_id, black_id, winner, reason,
		moves_uci, moves_san, final_fen, pgn, started_at, ended_at, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9::jsonb,$10,$11,$12,$13,$14
	) ON CONFLICT (game_id) DO UPDATE SET
		winner=EXCLUDED.winner,
		reason=EXCLUDED.reason,
		moves_uci=EXCLUDED.moves_uci,
		moves_san=EXCLUDED.moves_san,
		final_fen=EXCLUDED.final_fen,
		pgn=EXCLUDED.pgn,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		res.GameID, res.Mode, res.RoomCode, res.WhiteID, res.BlackID, res.Winner, res.Reason,
		string(movesUCI), string(movesSAN), res.FinalFEN, BuildPGN(res),
		res.StartedAt, res.EndedAt, res.Duration().Milliseconds(),
	)
	return err
}

func (r *Repository) Recent(ctx context.Context, n int) ([]Result, error) {
	if n <= 0 {
		n = 20
	}
	const q = `SELECT game_id, mode, room_code, white_id, black_id, winner, reason,
		moves_uci, moves_san, final_fen, started_at, ended_at
		FROM chess_games ORDER BY ended_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Result, 0, n)
	for rows.Next() {
		var (
			res                Result
			movesUCI, movesSAN []byte
		)
		if err := rows.Scan(&res.GameID, &res.Mode, &res.RoomCode, &res.WhiteID, &res.BlackID,
			&res.Winner, &res.Reason, &movesUCI, &movesSAN, &res.FinalFEN, &res.StartedAt, &res.EndedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(movesUCI, &res.MovesUCI); err != nil {
			return nil, fmt.Errorf("decode moves_uci: %w", err)
		}
		if err := json.Unmarshal(movesSAN, &res.MovesSAN); err != nil {
			return nil, fmt.Errorf("decode moves_san: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
