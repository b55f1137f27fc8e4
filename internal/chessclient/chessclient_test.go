package chessclient

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-chess-server/internal/admin"
	"github.com/park285/cheese-chess-server/internal/ai"
	"github.com/park285/cheese-chess-server/internal/hub"
	"github.com/park285/cheese-chess-server/internal/matchmaker"
	"github.com/park285/cheese-chess-server/internal/protocol"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/park285/cheese-chess-server/internal/transport"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func startServer(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.Config{Matchmaker: matchmaker.New(time.Minute), AILevel: "level1", AITimeout: 2 * time.Second})
	ts := httptest.NewServer(transport.NewServer(h, transport.Config{}).Handler("/"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		ts.Close()
	})
	return h, "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func connect(t *testing.T, url string) *Socket {
	t.Helper()
	s := NewSocket(url)
	s.SetPingInterval(0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func greedyPicker() MovePicker {
	g := ai.NewGreedy()
	g.SetRandomSeed(11)
	return func(ctx context.Context, pos rules.Snapshot) (string, error) {
		return g.BestMove(ctx, ai.Request{Position: pos, Level: "level1"})
	}
}

func TestPlayAgainstAI(t *testing.T) {
	_, url := startServer(t)
	for _, color := range []string{"white", "black"} {
		t.Run(color, func(t *testing.T) {
			s := connect(t, url)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			res, err := PlayAgainstAI(ctx, s, protocol.SinglePlayerRequest{Color: color, Level: "level1"}, greedyPicker(), 30)
			if err != nil {
				t.Fatalf("PlayAgainstAI: %v", err)
			}
			if res.Color != color || res.SessionID == "" || res.Reason == "" || len(res.Moves) == 0 {
				t.Fatalf("unexpected result %+v", res)
			}
			if len(res.Moves) > 31 {
				t.Fatalf("game ran past the ply cap: %d", len(res.Moves))
			}
		})
	}
}

func TestSendRequiresConnection(t *testing.T) {
	s := NewSocket("ws://127.0.0.1:1/")
	if err := s.Send(context.Background(), protocol.New(protocol.TypeInitGame, nil)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestInboxUnregister(t *testing.T) {
	_, url := startServer(t)
	s := connect(t, url)
	inbox, stop := s.Inbox(4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Send(ctx, protocol.New(protocol.TypeCreateRoom, nil)); err != nil {
		t.Fatal(err)
	}
	select {
	case env := <-inbox:
		if env.Type != protocol.TypeRoomCreated {
			t.Fatalf("unexpected %s", env.Type)
		}
	case <-ctx.Done():
		t.Fatalf("no reply")
	}
	stop()
	s.cbM.RLock()
	n := len(s.msgCbs)
	s.cbM.RUnlock()
	if n != 0 {
		t.Fatalf("callback not removed")
	}
}

func TestAdminClient(t *testing.T) {
	h := hub.New(hub.Config{})
	h.Connect()
	ln := fasthttputil.NewInmemoryListener()
	srv := admin.NewServer(h, nil)
	go func() { _ = fasthttp.Serve(ln, srv.Handle) }()
	t.Cleanup(func() { _ = ln.Close() })

	c := NewAdminClient("http://admin.local", WithRetry(1), WithDialer(func(string) (net.Conn, error) { return ln.Dial() }))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	st, err := c.Stats(ctx)
	if err != nil || st.Connections != 1 {
		t.Fatalf("Stats: %+v %v", st, err)
	}
	if _, err := c.Results(ctx, 5); err == nil || !strings.Contains(err.Error(), "status=404") {
		t.Fatalf("expected 404 without archive, got %v", err)
	}
}
