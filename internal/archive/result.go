package archive

import (
	"fmt"
	"strings"
	"time"
)

// Result is the archived summary of a finished game.
type Result struct {
	GameID    string    `json:"game_id"`
	Mode      string    `json:"mode"`
	RoomCode  string    `json:"room_code,omitempty"`
	WhiteID   string    `json:"white_id"`
	BlackID   string    `json:"black_id"`
	Winner    string    `json:"winner,omitempty"`
	Reason    string    `json:"reason"`
	MovesUCI  []string  `json:"moves_uci"`
	MovesSAN  []string  `json:"moves_san"`
	FinalFEN  string    `json:"final_fen"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func (r Result) Duration() time.Duration {
	d := r.EndedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func mapResultToPGN(winner string) string {
	switch strings.ToLower(strings.TrimSpace(winner)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	default:
		return "1/2-1/2"
	}
}

// BuildPGN renders the game with a minimal seven-tag roster plus Termination.
func BuildPGN(r Result) string {
	var b strings.Builder
	date := r.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	pgnResult := mapResultToPGN(r.Winner)
	if r.Reason == "internal_error" {
		pgnResult = "*"
	}

	fmt.Fprintf(&b, "[Event \"%s game\"]\n", sanitizePGN(r.Mode))
	b.WriteString("[Site \"cheese-chess-server\"]\n")
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	b.WriteString("[Round \"-\"]\n")
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(r.WhiteID))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(r.BlackID))
	fmt.Fprintf(&b, "[Result \"%s\"]\n", pgnResult)
	if strings.TrimSpace(r.Reason) != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(r.Reason))
	}
	b.WriteString("\n")

	for i := 0; i < len(r.MovesSAN); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(r.MovesSAN[i]))
		if i+1 < len(r.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(r.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
