package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/cheese-chess-server/internal/archive"
	"github.com/park285/cheese-chess-server/internal/hub"
	"github.com/valyala/fasthttp"
)

type fixedStats hub.Stats

func (f fixedStats) Stats() hub.Stats { return hub.Stats(f) }

func do(s *Server, method, uri string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	s.Handle(&ctx)
	return &ctx
}

func TestHealthAndStats(t *testing.T) {
	s := NewServer(fixedStats{Connections: 3, Sessions: 1, Queued: 1}, nil)

	ctx := do(s, fasthttp.MethodGet, "/healthz")
	if ctx.Response.StatusCode() != fasthttp.StatusOK || string(ctx.Response.Body()) != "ok" {
		t.Fatalf("healthz: %d %q", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = do(s, fasthttp.MethodGet, "/stats")
	var got StatsResponse
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if got.Connections != 3 || got.Sessions != 1 || got.Queued != 1 {
		t.Fatalf("unexpected stats %+v", got)
	}

	if ctx := do(s, fasthttp.MethodPost, "/stats"); ctx.Response.StatusCode() != fasthttp.StatusMethodNotAllowed {
		t.Fatalf("POST should be rejected, got %d", ctx.Response.StatusCode())
	}
	if ctx := do(s, fasthttp.MethodGet, "/nope"); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("unknown path: %d", ctx.Response.StatusCode())
	}
	if ctx := do(s, fasthttp.MethodGet, "/results"); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("results without archive should 404, got %d", ctx.Response.StatusCode())
	}
}

func TestResultsFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store, err := archive.NewRedisStore(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), 50, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for i := 0; i < 5; i++ {
		r := archive.Result{GameID: fmt.Sprintf("g%d", i), Mode: "room", Reason: "resignation", Winner: "white"}
		if err := store.Save(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}

	s := NewServer(fixedStats{}, store)
	ctx := do(s, fasthttp.MethodGet, "/results?limit=2")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var body struct {
		Results []archive.Result `json:"results"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 2 || body.Results[0].GameID != "g4" {
		t.Fatalf("unexpected results %+v", body.Results)
	}
}

type brokenReader struct{}

func (brokenReader) Recent(context.Context, int) ([]archive.Result, error) {
	return nil, errors.New("connection refused")
}

func TestResultsArchiveFailure(t *testing.T) {
	s := NewServer(fixedStats{}, brokenReader{})
	if ctx := do(s, fasthttp.MethodGet, "/results"); ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", ctx.Response.StatusCode())
	}
}
