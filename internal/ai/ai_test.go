package ai

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/park285/cheese-chess-server/internal/rules"
)

func snapshot(t *testing.T, moves ...string) rules.Snapshot {
	t.Helper()
	p, err := rules.FromMoves(moves)
	if err != nil {
		t.Fatalf("FromMoves: %v", err)
	}
	return p.Snapshot()
}

func TestGreedyReturnsLegalMove(t *testing.T) {
	g := NewGreedy()
	g.SetRandomSeed(7)
	snap := snapshot(t)
	legal := legalSet(snap)
	for _, level := range []string{"level1", "level3", "level8", "beginner"} {
		mv, err := g.BestMove(context.Background(), Request{Position: snap, Level: level})
		if err != nil {
			t.Fatalf("%s: %v", level, err)
		}
		if _, ok := legal[mv]; !ok {
			t.Fatalf("%s: illegal move %q", level, mv)
		}
	}
}

func TestGreedyTakesMateInOne(t *testing.T) {
	g := NewGreedy()
	g.SetRandomSeed(1)
	snap := snapshot(t, "f2f3", "e7e5", "g2g4")
	for i := 1; i <= 8; i++ {
		level := "level" + string(rune('0'+i))
		mv, err := g.BestMove(context.Background(), Request{Position: snap, Level: level})
		if err != nil {
			t.Fatalf("%s: %v", level, err)
		}
		if mv != "d8h4" {
			t.Fatalf("%s: expected mate d8h4, got %s", level, mv)
		}
	}
}

func TestGreedyWinsHangingQueenAtTopLevel(t *testing.T) {
	g := NewGreedy()
	mv, err := g.BestMove(context.Background(), Request{Position: snapshot(t, "e2e4", "d7d5", "d1g4"), Level: "level8"})
	if err != nil {
		t.Fatalf("BestMove: %v", err)
	}
	if mv != "c8g4" {
		t.Fatalf("expected c8g4, got %s", mv)
	}
}

func TestGreedyErrors(t *testing.T) {
	g := NewGreedy()
	if _, err := g.BestMove(context.Background(), Request{Position: rules.Snapshot{}, Level: "level1"}); !errors.Is(err, ErrNoMove) {
		t.Fatalf("expected ErrNoMove, got %v", err)
	}
	if _, err := g.BestMove(context.Background(), Request{Position: snapshot(t), Level: "level99"}); err == nil {
		t.Fatalf("expected unknown preset error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.BestMove(ctx, Request{Position: snapshot(t), Level: "level1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type stubOpponent struct {
	move  string
	err   error
	calls int
}

func (s *stubOpponent) BestMove(context.Context, Request) (string, error) {
	s.calls++
	return s.move, s.err
}

func TestFallback(t *testing.T) {
	primary := &stubOpponent{err: errors.New("engine crashed")}
	secondary := &stubOpponent{move: "e2e4"}
	mv, err := Fallback{Primary: primary, Secondary: secondary}.BestMove(context.Background(), Request{})
	if err != nil || mv != "e2e4" || primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("unexpected fallback result %q %v (%d/%d)", mv, err, primary.calls, secondary.calls)
	}

	ok := &stubOpponent{move: "d2d4"}
	unused := &stubOpponent{move: "e2e4"}
	mv, _ = Fallback{Primary: ok, Secondary: unused}.BestMove(context.Background(), Request{})
	if mv != "d2d4" || unused.calls != 0 {
		t.Fatalf("secondary consulted needlessly")
	}

	if _, err := (Fallback{}).BestMove(context.Background(), Request{}); !errors.Is(err, ErrNoMove) {
		t.Fatalf("expected ErrNoMove without engines, got %v", err)
	}
}

func TestSelectCandidate(t *testing.T) {
	p, err := GetPreset("level3")
	if err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewSource(3))
	cands := []Candidate{{Move: "a"}, {Move: "b"}, {Move: "c"}, {Move: "d"}}
	seen := map[string]int{}
	for i := 0; i < 500; i++ {
		c, err := SelectCandidate(p, cands, r)
		if err != nil {
			t.Fatal(err)
		}
		seen[c.Move]++
	}
	if seen["d"] != 0 {
		t.Fatalf("candidate outside the primary window chosen: %v", seen)
	}
	if seen["a"] <= seen["b"] || seen["b"] == 0 {
		t.Fatalf("weights not respected: %v", seen)
	}

	forced := []Candidate{{Move: "a"}, {Move: "b", Forced: true}}
	for i := 0; i < 20; i++ {
		if c, _ := SelectCandidate(p, forced, r); c.Move != "b" {
			t.Fatalf("forced candidate ignored")
		}
	}
	if _, err := SelectCandidate(p, nil, r); err == nil {
		t.Fatalf("expected error on empty candidates")
	}
	p.PrimaryChoices = 9
	if _, err := SelectCandidate(p, cands, r); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestGetPresetAliases(t *testing.T) {
	p, err := GetPreset(" Master ")
	if err != nil || p.Name != "level8" {
		t.Fatalf("alias not resolved: %+v %v", p, err)
	}
	p.CandidateWeights[0] = 0
	again, _ := GetPreset("level8")
	if again.CandidateWeights[0] != 1.0 {
		t.Fatalf("preset table mutated through returned copy")
	}
	for name := range presets {
		if err := ValidatePreset(presets[name]); err != nil {
			t.Fatalf("%s invalid: %v", name, err)
		}
	}
}

const fakeEngine = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go*)
      echo "info depth 1 multipv 1 score cp 35 pv e2e4 e7e5"
      echo "info depth 1 multipv 2 score cp 20 pv a1a5"
      echo "bestmove e2e4"
      ;;
    quit) exit 0 ;;
  esac
done
`

func TestStockfishFiltersIllegalLines(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell engine stub needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fake-engine")
	if err := os.WriteFile(path, []byte(fakeEngine), 0o755); err != nil {
		t.Fatal(err)
	}
	sf, err := NewStockfish(path)
	if err != nil {
		t.Fatalf("NewStockfish: %v", err)
	}
	t.Cleanup(func() { _ = sf.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		mv, err := sf.BestMove(ctx, Request{Position: snapshot(t), Level: "level1"})
		if err != nil {
			t.Fatalf("BestMove: %v", err)
		}
		if mv != "e2e4" {
			t.Fatalf("illegal engine line leaked through: %s", mv)
		}
	}
}
