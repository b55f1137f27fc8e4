package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/hub"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Config struct {
	OriginPatterns  []string
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
}

// Server upgrades HTTP requests to WebSocket and pumps frames between the
// socket and the hub.
type Server struct {
	hub *hub.Hub
	cfg Config
	wg  sync.WaitGroup
}

func NewServer(h *hub.Hub, cfg Config) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{hub: h, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.cfg.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := s.hub.Connect()
	defer s.hub.Disconnect(c)
	obslog.L().Debug("ws_open", zap.String("conn_id", c.ID()), zap.String("remote", r.RemoteAddr))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.writeLoop(ctx, cancel, ws, c)
	}()
	go func() {
		defer pumps.Done()
		s.pingLoop(ctx, cancel, ws, c.ID())
	}()

	s.readLoop(ctx, ws, c)
	cancel()
	pumps.Wait()
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *hub.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				obslog.L().Debug("ws_read_end", zap.String("conn_id", c.ID()))
			} else {
				obslog.L().Info("ws_read_error", zap.String("conn_id", c.ID()), zap.Error(err))
			}
			return
		}
		s.hub.HandleRaw(c, data)
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *hub.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			_ = ws.Close(websocket.StatusGoingAway, "connection closed by server")
			cancel()
			return
		case env := <-c.Outbound():
			wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, ws, env)
			wcancel()
			if err != nil {
				obslog.L().Info("ws_write_failed", zap.String("conn_id", c.ID()), zap.String("type", env.Type), zap.Error(err))
				cancel()
				return
			}
		}
	}
}

// pingLoop drops the connection after two consecutive failed pings.
func (s *Server) pingLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, connID string) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, max(s.cfg.PingInterval/2, time.Second))
			err := ws.Ping(pctx)
			pcancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				obslog.L().Info("ws_ping_timeout", zap.String("conn_id", connID), zap.Error(err))
				cancel()
				return
			}
		}
	}
}

// Wait blocks until every active socket handler has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler mounts the socket endpoint at path.
func (s *Server) Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	return mux
}
