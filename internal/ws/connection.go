package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"parley/internal/models"
	"parley/internal/wire"
)

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

type messageHub interface {
	Join(connID string) chan models.Event
	Leave(connID string)
	Dispatch(connID string, ev models.RawEvent)
}

type ConnectionConfig struct {
	Codec wire.Codec
	// Limiter throttles inbound events other than user_join. Events over
	// the limit are dropped.
	Limiter *rate.Limiter
	// PingInterval is how often a ping is written. Zero disables pings.
	PingInterval time.Duration
	Logger       *slog.Logger
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	connID     string
	codec      wire.Codec
	limiter    *rate.Limiter
	ping       time.Duration
	logger     *slog.Logger
	fromClient chan models.RawEvent
	fromServer chan models.Event
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	connID string,
	cfg ConnectionConfig,
) *Connection {
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		connID:     connID,
		codec:      cfg.Codec,
		limiter:    cfg.Limiter,
		ping:       cfg.PingInterval,
		logger:     cfg.Logger.With("conn", connID),
		fromClient: make(chan models.RawEvent),
		fromServer: hub.Join(connID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Leave(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isClosure(err) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		// Claims always get an answer, so they are not throttled.
		if ev.Event != models.EventUserJoin && !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, dropping frame", "event", ev.Event)
			continue
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	var pings <-chan time.Time
	if c.ping > 0 {
		ticker := time.NewTicker(c.ping)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(c.connID, ev)
		case ev, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.write(ev); err != nil {
				return err
			}
		case <-pings:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) write(ev models.Event) error {
	frame, err := c.codec.Encode(ev)
	if err != nil {
		// Unencodable events are dropped, the connection stays up.
		c.logger.Error("encoding event", "event", ev.Event, "error", err)
		return nil
	}
	return c.ws.WriteMessage(c.codec.FrameType(), frame)
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
