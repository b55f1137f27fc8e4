// Package admin serves health, counters and recent results over plain HTTP.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/park285/cheese-chess-server/internal/archive"
	"github.com/park285/cheese-chess-server/internal/hub"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultResultLimit = 20
	maxResultLimit     = 200
)

type StatsSource interface {
	Stats() hub.Stats
}

type StatsResponse struct {
	hub.Stats
	UptimeSec int64 `json:"uptime_sec"`
}

type Server struct {
	stats   StatsSource
	results archive.Reader
	started time.Time
	srv     *fasthttp.Server
}

// NewServer builds the admin endpoints. results may be nil when no archive is configured.
func NewServer(stats StatsSource, results archive.Reader) *Server {
	s := &Server{stats: stats, results: results, started: time.Now()}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "cheese-chess-admin",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("admin_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case "/stats":
		writeJSON(ctx, fasthttp.StatusOK, StatsResponse{
			Stats:     s.stats.Stats(),
			UptimeSec: int64(time.Since(s.started).Seconds()),
		})
	case "/results":
		s.handleResults(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) handleResults(ctx *fasthttp.RequestCtx) {
	if s.results == nil {
		ctx.Error("result archive disabled", fasthttp.StatusNotFound)
		return
	}
	limit := ctx.QueryArgs().GetUintOrZero("limit")
	if limit <= 0 {
		limit = defaultResultLimit
	}
	limit = min(limit, maxResultLimit)

	rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := s.results.Recent(rctx, limit)
	if err != nil {
		obslog.L().Warn("admin_results_failed", zap.Error(err))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"error": "archive unavailable"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"results": res})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encode failed", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
