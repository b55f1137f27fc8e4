package uci

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"go.uber.org/zap"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond
	mateValue            = 30000
)

// Options are applied once per process via setoption.
type Options struct {
	Threads    int
	SkillLevel int
	HashMB     int
	MultiPV    int
	Elo        int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
}

// Line is one principal variation reported by the engine.
type Line struct {
	Move   string
	EvalCP int
	PV     []string
}

type SearchRequest struct {
	Moves  []string
	Limits Limits
}

type SearchResult struct {
	Lines    []Line
	BestMove string
}

// Proc is one running engine process speaking UCI over stdio.
type Proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	lines  chan readResult

	writeMu  sync.Mutex
	searchMu sync.Mutex
	closeMu  sync.Mutex
	closed   bool
}

type readResult struct {
	line string
	err  error
}

// Start launches binaryPath and completes the uci/isready handshake.
// The process outlives ctx; ctx only bounds the handshake.
func Start(ctx context.Context, binaryPath string, opt Options) (*Proc, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}

	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	p := &Proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		lines:  make(chan readResult, 64),
	}
	go p.pump()

	if err := p.handshake(ctx, opt); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// pump owns stdout so a timed-out read never leaves a goroutine racing the next one.
func (p *Proc) pump() {
	defer close(p.lines)
	for {
		line, err := p.stdout.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			p.lines <- readResult{line: line}
		}
		if err != nil {
			p.lines <- readResult{err: err}
			return
		}
	}
}

func (p *Proc) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	p.searchMu.Lock()
	defer p.searchMu.Unlock()

	goTokens, err := buildGoTokens(req.Limits)
	if err != nil {
		return SearchResult{}, err
	}
	if err := p.send(buildPositionCommand(req.Moves)); err != nil {
		return SearchResult{}, fmt.Errorf("send position: %w", err)
	}
	if err := p.send(strings.Join(goTokens, " ") + "\n"); err != nil {
		return SearchResult{}, fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, computeSearchTimeout(req.Limits))
	defer cancel()

	lines := make(map[int]Line)
	for {
		line, err := p.readLine(searchCtx)
		if err != nil {
			// the engine is still thinking; make it stop so the process stays reusable
			_ = p.send("stop\n")
			obslog.L().Warn("uci_search_read_error",
				zap.Int("ply", len(req.Moves)),
				zap.Strings("go", goTokens),
				zap.Error(err),
			)
			return SearchResult{}, fmt.Errorf("read line: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "info "):
			if idx, l, ok := parseInfo(line); ok {
				lines[idx] = l
			}
		case strings.HasPrefix(line, "bestmove"):
			var best string
			if parts := strings.Fields(line); len(parts) >= 2 {
				best = parts[1]
			}
			return SearchResult{Lines: collapseLines(lines), BestMove: best}, nil
		}
	}
}

func (p *Proc) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()
	if err := p.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := p.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (p *Proc) NewGame(ctx context.Context) error {
	if err := p.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}
	for attempt := 1; ; attempt++ {
		err := p.EnsureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts {
			return err
		}
		obslog.L().Debug("uci_ready_retry", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
}

func (p *Proc) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.send("quit\n")
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

func (p *Proc) handshake(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := p.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := p.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	for _, cmd := range optionCommands(opt) {
		if err := p.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	if err := p.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := p.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func optionCommands(opt Options) []string {
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		fmt.Sprintf("setoption name Skill Level value %d\n", opt.SkillLevel),
		fmt.Sprintf("setoption name MultiPV value %d\n", opt.MultiPV),
	}
	if opt.Elo > 0 {
		cmds = append(cmds,
			"setoption name UCI_LimitStrength value true\n",
			fmt.Sprintf("setoption name UCI_Elo value %d\n", opt.Elo),
		)
	}
	return cmds
}

func (p *Proc) send(msg string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdin, msg)
	return err
}

func (p *Proc) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (p *Proc) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	}
}

func buildPositionCommand(moves []string) string {
	var sb strings.Builder
	sb.WriteString("position startpos")
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.SkillLevel < 0 || opt.SkillLevel > 20 {
		return fmt.Errorf("skill level %d out of range 0-20", opt.SkillLevel)
	}
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.MultiPV <= 0 {
		return fmt.Errorf("multipv must be > 0: %d", opt.MultiPV)
	}
	if opt.Elo < 0 {
		return fmt.Errorf("elo must be >= 0: %d", opt.Elo)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		return time.Duration(l.MoveTimeMillis+2000) * time.Millisecond
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		return min(max(base, 6*time.Second), 20*time.Second)
	}
	return 6 * time.Second
}

// parseInfo extracts multipv index, score and PV from an "info" line.
func parseInfo(line string) (int, Line, bool) {
	parts := strings.Fields(line)
	var (
		multipv = 1
		evalCP  int
		pvIdx   = -1
	)
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				v, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						evalCP = v
					case "mate":
						evalCP = mateValue
						if v < 0 {
							evalCP = -mateValue
						}
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}
	if pvIdx == -1 || pvIdx >= len(parts) {
		return 0, Line{}, false
	}
	pv := append([]string(nil), parts[pvIdx:]...)
	return multipv, Line{Move: pv[0], EvalCP: evalCP, PV: pv}, true
}

func collapseLines(m map[int]Line) []Line {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Line, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
