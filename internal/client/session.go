package client

import (
	"context"
	"log/slog"
	"time"
)

// Session is a connected transport with a projector listening to it.
type Session struct {
	*Projector
	transport *Transport
	done      chan struct{}
	err       error
}

type SessionConfig struct {
	Config
	ReadDelay time.Duration
}

// Connect dials the hub and starts projecting its events. The session ends
// when ctx is done, Close is called or reconnection gives up.
func Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	t, err := Dial(ctx, cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		Projector: NewProjector(t, ProjectorConfig{ReadDelay: cfg.ReadDelay, Logger: cfg.Logger}),
		transport: t,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.err = t.Run(ctx, s.Projector)
		s.Projector.Close()
	}()
	return s, nil
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended. Valid after Done is closed.
func (s *Session) Err() error {
	return s.err
}

func (s *Session) Close() error {
	err := s.transport.Close()
	<-s.done
	return err
}
