package uci

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

const fakeEngine = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    uci) echo "id name fake"; echo "uciok" ;;
    isready) echo "readyok" ;;
    go*)
      echo "info depth 1 multipv 1 score cp 35 pv e2e4 e7e5"
      echo "info depth 1 multipv 2 score mate -2 pv f2f3"
      echo "bestmove e2e4"
      ;;
    quit) exit 0 ;;
  esac
done
`

// writeFakeEngine writes a scripted UCI engine and returns its path.
func writeFakeEngine(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell engine stub needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fake-engine")
	if err := os.WriteFile(path, []byte(fakeEngine), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	return path
}

func TestParseInfo(t *testing.T) {
	idx, line, ok := parseInfo("info depth 12 seldepth 15 multipv 3 score cp -42 nodes 1000 pv g1f3 d7d5 d2d4")
	if !ok || idx != 3 || line.Move != "g1f3" || line.EvalCP != -42 || len(line.PV) != 3 {
		t.Fatalf("unexpected parse: %d %+v %v", idx, line, ok)
	}
	_, line, ok = parseInfo("info depth 5 score mate 3 pv d1h5")
	if !ok || line.EvalCP != mateValue {
		t.Fatalf("mate score not mapped: %+v", line)
	}
	if _, _, ok := parseInfo("info string NNUE enabled"); ok {
		t.Fatalf("line without pv must be ignored")
	}
}

func TestCommands(t *testing.T) {
	if got := buildPositionCommand(nil); got != "position startpos\n" {
		t.Fatalf("unexpected %q", got)
	}
	if got := buildPositionCommand([]string{"e2e4", "e7e5"}); got != "position startpos moves e2e4 e7e5\n" {
		t.Fatalf("unexpected %q", got)
	}
	if _, err := buildGoTokens(Limits{}); err == nil {
		t.Fatalf("expected error without limits")
	}
	tokens, err := buildGoTokens(Limits{Depth: 8, MoveTimeMillis: 80})
	if err != nil || len(tokens) != 5 {
		t.Fatalf("unexpected tokens %v %v", tokens, err)
	}
	if d := computeSearchTimeout(Limits{Depth: 100}); d != 20*time.Second {
		t.Fatalf("depth timeout not capped: %v", d)
	}
}

func TestNewPoolMissingBinary(t *testing.T) {
	if _, err := NewPool(PoolConfig{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := NewPool(PoolConfig{BinaryPath: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestPoolSearchReusesProcess(t *testing.T) {
	pool, err := NewPool(PoolConfig{BinaryPath: writeFakeEngine(t), PerOptionCapacity: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opt := Options{Threads: 1, HashMB: 16, MultiPV: 2, SkillLevel: 3, Elo: 800}

	proc, err := pool.Acquire(ctx, opt)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := proc.NewGame(ctx); err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	res, err := proc.Search(ctx, SearchRequest{Limits: Limits{MoveTimeMillis: 10}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.BestMove != "e2e4" || len(res.Lines) != 2 || res.Lines[1].EvalCP != -mateValue {
		t.Fatalf("unexpected result %+v", res)
	}
	pool.Release(proc, nil)

	again, err := pool.Acquire(ctx, opt)
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if again != proc {
		t.Fatalf("expected the idle process to be reused")
	}
	pool.Release(again, nil)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	pool, err := NewPool(PoolConfig{BinaryPath: writeFakeEngine(t), PerOptionCapacity: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	opt := Options{HashMB: 16, MultiPV: 1}

	held, err := pool.Acquire(context.Background(), opt)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(held, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx, opt); err == nil {
		t.Fatalf("expected capacity wait to time out")
	}
}
