package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"parley/internal/wire"
)

// maxFrameBytes bounds a single inbound frame. Inline images travel as data
// URLs, so this is generous.
const maxFrameBytes = 8 << 20

type ServerConfig struct {
	// AllowedOrigins lists accepted Origin headers; "*" accepts any.
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	PingInterval   time.Duration
	Logger         *slog.Logger
}

type Server struct {
	ctx      context.Context
	hub      messageHub
	cfg      ServerConfig
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

// NewServer returns a server whose connections all end when ctx is done.
func NewServer(ctx context.Context, hub messageHub, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		ctx:    ctx,
		hub:    hub,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "ws"),
	}
	s.upgrader = &websocket.Upgrader{
		Subprotocols: wire.Protocols(),
		CheckOrigin:  s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	codec, err := wire.ForProtocol(conn.Subprotocol())
	if err != nil {
		s.logger.Error("negotiated unknown subprotocol", "error", err)
		conn.Close()
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	if s.cfg.PingInterval > 0 {
		// Two missed pongs and the read pump fails.
		wait := 2 * s.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	connID := uuid.NewString()
	s.logger.Info("connection opened", "conn", connID, "remote", r.RemoteAddr, "codec", codec.Name())

	c := NewConnection(s.hub, conn, connID, ConnectionConfig{
		Codec:        codec,
		Limiter:      s.limiter(),
		PingInterval: s.cfg.PingInterval,
		Logger:       s.logger,
	})
	if err := c.Handle(s.ctx); err != nil {
		s.logger.Info("connection closed with error", "conn", connID, "error", err)
		return
	}
	s.logger.Info("connection closed", "conn", connID)
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
}
