// Package client is a Go client for the chat hub: a WebSocket transport that
// reconnects on its own, a projector that folds server events into local
// state, and a small REST client.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"parley/internal/models"
	"parley/internal/wire"
)

const (
	DefaultMaxRetries = 5
	DefaultMaxBackoff = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("transport closed")
)

// Handler consumes what the transport reads.
type Handler interface {
	Apply(ev models.RawEvent)
	// Reconnected runs after a lost connection has been re-established.
	Reconnected()
}

type Config struct {
	// URL of the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Protocol is wire.ProtocolJSON (default) or wire.ProtocolMsgpack.
	Protocol   string
	MaxRetries uint64
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

type Transport struct {
	cfg    Config
	codec  wire.Codec
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Dial connects once. Reconnection only kicks in from Run.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	codec, err := wire.ForProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Transport{
		cfg:   cfg,
		codec: codec,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{codec.Name()},
		},
		logger: cfg.Logger.With("component", "transport"),
	}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) dial(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	if got := conn.Subprotocol(); got != t.codec.Name() && !(got == "" && t.codec.Name() == wire.ProtocolJSON) {
		conn.Close()
		return backoff.Permanent(fmt.Errorf("server negotiated subprotocol %q, want %q", got, t.codec.Name()))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return backoff.Permanent(ErrClosed)
	}
	t.conn = conn
	return nil
}

// Run reads until ctx is done or Close is called, reconnecting with capped
// exponential backoff whenever the connection drops. It gives up after
// MaxRetries failed attempts in a row.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		err := t.readLoop(h)
		if t.isClosed() {
			return nil
		}
		t.logger.Warn("connection lost", "error", err)

		if err := t.reconnect(ctx); err != nil {
			if t.isClosed() {
				return nil
			}
			return fmt.Errorf("reconnect: %w", err)
		}
		t.logger.Info("reconnected")
		h.Reconnected()
	}
}

func (t *Transport) readLoop(h Handler) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return err
		}
		ev, err := t.codec.Decode(frame)
		if err != nil {
			t.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		h.Apply(ev)
	}
}

func (t *Transport) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = t.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.cfg.MaxRetries), ctx)
	return backoff.Retry(func() error {
		return t.dial(ctx)
	}, policy)
}

// Emit sends one event. It fails while the transport is between connections.
func (t *Transport) Emit(event string, data any) error {
	frame, err := t.codec.Encode(models.Event{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteMessage(t.codec.FrameType(), frame)
}

// Close ends the connection for good.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
