package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/cheese-chess-server/internal/admin"
	"github.com/park285/cheese-chess-server/internal/ai"
	"github.com/park285/cheese-chess-server/internal/archive"
	appcfg "github.com/park285/cheese-chess-server/internal/config"
	"github.com/park285/cheese-chess-server/internal/hub"
	"github.com/park285/cheese-chess-server/internal/matchmaker"
	"github.com/park285/cheese-chess-server/internal/msgcat"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/transport"
	"go.uber.org/zap"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}
	if _, err := ai.GetPreset(cfg.AIPreset); err != nil {
		logger.Fatal("ai preset error", zap.String("preset", cfg.AIPreset), zap.Error(err))
	}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Opponent: Stockfish when configured, always backed by the built-in engine.
	var opponent ai.Opponent = ai.NewGreedy()
	var engine *ai.Stockfish
	if cfg.StockfishPath != "" {
		engine, err = ai.NewStockfish(cfg.StockfishPath)
		if err != nil {
			logger.Warn("stockfish unavailable; using built-in engine", zap.String("path", cfg.StockfishPath), zap.Error(err))
		} else {
			opponent = ai.Fallback{Primary: engine, Secondary: opponent}
		}
	}
	if cfg.OpeningBookPath != "" {
		book, err := ai.LoadBook(cfg.OpeningBookPath, opponent)
		if err != nil {
			logger.Fatal("opening book error", zap.Error(err))
		}
		opponent = book
	}

	var (
		sinks  []archive.Sink
		reader archive.Reader
		store  *archive.RedisStore
		repo   *archive.Repository
	)
	if cfg.RedisURL != "" {
		store, err = archive.NewRedisStore(ctx, cfg.RedisURL, cfg.ResultHistoryLimit, cfg.ResultTTL)
		if err != nil {
			logger.Fatal("redis init error", zap.Error(err))
		}
		sinks = append(sinks, store)
		reader = store
	}
	if cfg.DatabaseURL != "" {
		repo, err = archive.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres init error", zap.Error(err))
		}
		sinks = append(sinks, repo)
		if reader == nil {
			reader = repo
		}
	}
	var recorder *archive.Recorder
	if len(sinks) > 0 {
		recorder = archive.NewRecorder(5*time.Second, sinks...)
	}

	h := hub.New(hub.Config{
		Matchmaker:    matchmaker.New(cfg.RoomTTL),
		AI:            opponent,
		AILevel:       cfg.AIPreset,
		AITimeout:     cfg.AIMoveTimeout,
		Catalog:       cat,
		Recorder:      recorder,
		SendQueueSize: cfg.SendQueueSize,
	})
	go h.RunJanitor(ctx, time.Minute)

	ws := transport.NewServer(h, transport.Config{
		OriginPatterns:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		PingInterval:    cfg.PingInterval,
		WriteTimeout:    cfg.WriteTimeout,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ws.Handler(cfg.WSPath),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("path", cfg.WSPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	var adm *admin.Server
	if cfg.AdminAddr != "" {
		adm = admin.NewServer(h, reader)
		go func() {
			logger.Info("admin listening", zap.String("addr", cfg.AdminAddr))
			if err := adm.ListenAndServe(cfg.AdminAddr); err != nil {
				logger.Error("admin server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if adm != nil {
		if err := adm.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown", zap.Error(err))
		}
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", zap.Error(err))
	}
	if err := ws.Wait(shutdownCtx); err != nil {
		logger.Warn("socket drain", zap.Error(err))
	}
	// socket teardown abandons live games; drain their result hooks too
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub drain", zap.Error(err))
	}
	if err := recorder.Wait(shutdownCtx); err != nil {
		logger.Warn("archive drain", zap.Error(err))
	}

	if store != nil {
		_ = store.Close()
	}
	if repo != nil {
		_ = repo.Close()
	}
	if engine != nil {
		_ = engine.Close()
	}
}
