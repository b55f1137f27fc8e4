package rules

import (
	"errors"
	"strings"
	"testing"

	nchess "github.com/corentings/chess/v2"
)

func fromFEN(t *testing.T, fen string) *Position {
	t.Helper()
	opt, err := nchess.FEN(fen)
	if err != nil {
		t.Fatalf("FEN %q: %v", fen, err)
	}
	p := &Position{game: nchess.NewGame(opt), reps: make(map[string]int)}
	p.reps[p.repetitionKey()]++
	return p
}

func play(t *testing.T, moves ...string) *Position {
	t.Helper()
	p, err := FromMoves(moves)
	if err != nil {
		t.Fatalf("FromMoves: %v", err)
	}
	return p
}

func TestFoolsMate(t *testing.T) {
	p := play(t, "f2f3", "e7e5", "g2g4")
	if v := p.Terminal(); v.Over {
		t.Fatalf("premature verdict %+v", v)
	}
	mv, err := p.ApplyUCI("d8h4")
	if err != nil {
		t.Fatalf("ApplyUCI: %v", err)
	}
	if !mv.Check || !strings.HasPrefix(mv.SAN, "Qh4") || mv.Color != Black {
		t.Fatalf("unexpected move %+v", mv)
	}
	v := p.Terminal()
	if !v.Over || v.Reason != Checkmate || v.Winner != Black {
		t.Fatalf("expected black checkmate, got %+v", v)
	}
}

func TestStalemate(t *testing.T) {
	p := play(t,
		"e2e3", "a7a5", "d1h5", "a8a6", "h5a5", "h7h5", "h2h4", "a6h6", "a5c7", "f7f6",
		"c7d7", "e8f7", "d7b7", "d8d3", "b7b8", "d3h7", "b8c8", "f7g6", "c8e6",
	)
	v := p.Terminal()
	if !v.Over || v.Reason != Stalemate || v.Winner != "" {
		t.Fatalf("expected stalemate, got %+v", v)
	}
}

func TestThreefoldRepetition(t *testing.T) {
	cycle := []string{"g1f3", "g8f6", "f3g1", "f6g8"}
	p := play(t, cycle...)
	if v := p.Terminal(); v.Over {
		t.Fatalf("two occurrences must not end the game: %+v", v)
	}
	for _, mv := range cycle[:3] {
		if _, err := p.ApplyUCI(mv); err != nil {
			t.Fatal(err)
		}
		if v := p.Terminal(); v.Over {
			t.Fatalf("premature verdict after %s: %+v", mv, v)
		}
	}
	if _, err := p.ApplyUCI(cycle[3]); err != nil {
		t.Fatal(err)
	}
	if v := p.Terminal(); !v.Over || v.Reason != ThreefoldRepetition {
		t.Fatalf("expected threefold, got %+v", v)
	}
}

func TestFiftyMoveRule(t *testing.T) {
	p := fromFEN(t, "8/8/8/4k3/8/8/R7/4K3 w - - 99 80")
	if v := p.Terminal(); v.Over {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if _, err := p.Apply("a2", "a3", ""); err != nil {
		t.Fatal(err)
	}
	if v := p.Terminal(); !v.Over || v.Reason != FiftyMoveRule {
		t.Fatalf("expected fifty-move rule, got %+v", v)
	}
}

func TestCheckmateOutranksFiftyMoveRule(t *testing.T) {
	p := fromFEN(t, "7k/8/6K1/8/8/8/8/R7 w - - 99 80")
	if _, err := p.Apply("a1", "a8", ""); err != nil {
		t.Fatal(err)
	}
	if v := p.Terminal(); v.Reason != Checkmate || v.Winner != White {
		t.Fatalf("checkmate must take precedence, got %+v", v)
	}
}

func TestInsufficientMaterial(t *testing.T) {
	cases := map[string]bool{
		"8/8/8/4k3/8/8/8/4K3 w - - 0 1":     true,
		"8/8/8/4k3/8/8/8/4K1N1 w - - 0 1":   true,
		"8/8/8/4k3/8/8/8/2B1K3 w - - 0 1":   true,
		"8/8/8/4k3/8/2b5/8/2B1K3 w - - 0 1": true,
		"8/8/8/4k3/8/3b4/8/2B1K3 w - - 0 1": false,
		"8/8/8/4k3/8/8/8/R3K3 w - - 0 1":    false,
		"8/8/8/4k3/8/8/4P3/4K3 w - - 0 1":   false,
		"8/8/8/4k3/8/8/8/1NN1K3 w - - 0 1":  false,
	}
	for fen, want := range cases {
		p := fromFEN(t, fen)
		if got := insufficientMaterial(p.game.Position().Board()); got != want {
			t.Fatalf("%s: insufficient=%v want %v", fen, got, want)
		}
	}
	p := fromFEN(t, "8/8/8/4k3/8/8/8/4K1N1 w - - 0 1")
	if v := p.Terminal(); v.Reason != InsufficientMaterial {
		t.Fatalf("expected insufficient material verdict, got %+v", v)
	}
}

func TestIllegalMoveLeavesPositionUnchanged(t *testing.T) {
	p := New()
	before := p.FEN()
	for _, bad := range [][3]string{{"e2", "e5", ""}, {"e7", "e5", ""}, {"e1", "e2", ""}} {
		if _, err := p.Apply(bad[0], bad[1], bad[2]); !errors.Is(err, ErrIllegalMove) {
			t.Fatalf("%v: expected ErrIllegalMove, got %v", bad, err)
		}
	}
	for _, bad := range [][3]string{{"z9", "e4", ""}, {"e2", "", ""}, {"e2", "e4", "k"}} {
		if _, err := p.Apply(bad[0], bad[1], bad[2]); !errors.Is(err, ErrMalformedMove) {
			t.Fatalf("%v: expected ErrMalformedMove, got %v", bad, err)
		}
	}
	if p.FEN() != before || p.Ply() != 0 {
		t.Fatalf("position mutated by rejected moves")
	}
}

func TestPromotionDefaultsToQueen(t *testing.T) {
	p := fromFEN(t, "8/P7/8/8/8/8/8/k6K w - - 0 1")
	mv, err := p.Apply("a7", "a8", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if mv.Promotion != "q" || mv.UCI != "a7a8q" || !strings.HasPrefix(mv.SAN, "a8=Q") {
		t.Fatalf("unexpected promotion %+v", mv)
	}

	p = fromFEN(t, "8/P7/8/8/8/8/8/k6K w - - 0 1")
	mv, err = p.Apply("A7", "A8", "N")
	if err != nil || mv.Promotion != "n" {
		t.Fatalf("underpromotion: %+v %v", mv, err)
	}
}

func TestExtraneousPromotionIgnored(t *testing.T) {
	p := New()
	mv, err := p.Apply("e2", "e4", "q")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if mv.UCI != "e2e4" || mv.Promotion != "" || mv.SAN != "e4" {
		t.Fatalf("unexpected move %+v", mv)
	}
	if p.Turn() != Black {
		t.Fatalf("turn not advanced")
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	p := play(t, "e2e4")
	snap := p.Snapshot()
	if snap.Turn != Black || snap.Ply != 1 || len(snap.Legal) != 20 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	snap.Moves[0] = "zzzz"
	if p.MovesUCI()[0] != "e2e4" {
		t.Fatalf("snapshot aliases position history")
	}
}

func TestParseColor(t *testing.T) {
	if c, ok := ParseColor(" Black "); !ok || c != Black {
		t.Fatalf("ParseColor black: %v %v", c, ok)
	}
	if _, ok := ParseColor("red"); ok {
		t.Fatalf("red is not a color")
	}
	if White.Opponent() != Black || Black.Opponent() != White {
		t.Fatalf("Opponent broken")
	}
}
