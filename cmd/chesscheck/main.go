// chesscheck plays one game against the server's AI over the game socket
// and optionally reports the admin status endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/park285/cheese-chess-server/internal/ai"
	"github.com/park285/cheese-chess-server/internal/chessclient"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/protocol"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		wsURL    string
		color    string
		level    string
		pickAs   string
		maxPlies int
		adminURL string
		timeout  time.Duration
	)
	flagSet := pflag.NewFlagSet("chesscheck", pflag.ContinueOnError)
	flagSet.StringVar(&wsURL, "url", "ws://127.0.0.1:8081/", "game socket URL")
	flagSet.StringVar(&color, "color", "white", "side to play: white or black")
	flagSet.StringVar(&level, "level", "level1", "server AI level")
	flagSet.StringVar(&pickAs, "pick-level", "level3", "level of the local move picker")
	flagSet.IntVar(&maxPlies, "max-plies", 80, "resign after this many plies (0 plays to the end)")
	flagSet.StringVar(&adminURL, "admin-url", "", "admin base URL, e.g. http://127.0.0.1:8082")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if err := obslog.InitFromEnv(); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s := chessclient.NewSocket(wsURL)
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = s.Close(cctx)
	}()

	engine := ai.NewGreedy()
	pick := func(ctx context.Context, pos rules.Snapshot) (string, error) {
		return engine.BestMove(ctx, ai.Request{Position: pos, Level: pickAs})
	}

	started := time.Now()
	res, err := chessclient.PlayAgainstAI(ctx, s, protocol.SinglePlayerRequest{Color: color, Level: level}, pick, maxPlies)
	if err != nil {
		return err
	}
	logger.Info("game finished",
		zap.String("session_id", res.SessionID),
		zap.String("color", res.Color),
		zap.String("winner", res.Winner),
		zap.String("reason", res.Reason),
		zap.Int("plies", len(res.Moves)),
		zap.Duration("elapsed", time.Since(started)),
	)
	fmt.Printf("%s %s: winner=%q reason=%s\n%s\n", res.SessionID, res.Color, res.Winner, res.Reason, strings.Join(res.Moves, " "))

	if adminURL == "" {
		return nil
	}
	client := chessclient.NewAdminClient(adminURL, chessclient.WithTimeout(5*time.Second))
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("admin health: %w", err)
	}
	st, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("admin stats: %w", err)
	}
	fmt.Printf("stats: connections=%d sessions=%d active=%d queued=%d rooms=%d uptime=%ds\n",
		st.Connections, st.Sessions, st.ActiveSessions, st.Queued, st.PendingRooms, st.UptimeSec)

	results, err := client.Results(ctx, 5)
	if err != nil {
		logger.Warn("admin results unavailable", zap.Error(err))
		return nil
	}
	for _, r := range results {
		fmt.Printf("  %s %s %s-%s %s (%s)\n", r.EndedAt.Format(time.RFC3339), r.Mode, r.WhiteID, r.BlackID, r.Winner, r.Reason)
	}
	return nil
}
