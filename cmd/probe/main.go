// Command probe is a smoke client: it joins a running hub, posts one message
// and waits until the server has confirmed it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"parley/internal/client"
	"parley/internal/wire"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	name := flag.String("name", "probe", "Username to claim")
	room := flag.String("room", "general", "Room to post in")
	text := flag.String("message", "ping", "Message to post")
	protocol := flag.String("protocol", wire.ProtocolJSON, "Wire codec: json or msgpack")
	timeout := flag.Duration("timeout", 5*time.Second, "How long to wait for each step")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := probe(ctx, *url, *protocol, *name, *room, *text, *timeout); err != nil {
		fmt.Printf("Probe failed: %v\n", err)
		os.Exit(1)
	}
}

func probe(ctx context.Context, url, protocol, name, room, text string, timeout time.Duration) error {
	s, err := client.Connect(ctx, client.SessionConfig{
		Config: client.Config{URL: url, Protocol: protocol},
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	changed := make(chan struct{}, 1)
	s.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	wait := func(what string, ok func(client.State) bool) error {
		deadline := time.After(timeout)
		for {
			st := s.State()
			if st.Rejected != nil {
				return fmt.Errorf("%s: %s", what, st.Rejected.Message)
			}
			if ok(st) {
				return nil
			}
			select {
			case <-changed:
			case <-deadline:
				return fmt.Errorf("%s: timed out", what)
			case <-s.Done():
				return fmt.Errorf("%s: %w", what, errors.Join(errors.New("session ended"), s.Err()))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	start := time.Now()
	if err := s.Claim(name); err != nil {
		return err
	}
	if err := wait("claim", func(st client.State) bool { return st.Username != "" }); err != nil {
		return err
	}
	fmt.Printf("Claimed %q as connection %s\n", name, s.State().ConnID)

	if err := s.OpenRoom(room); err != nil {
		return err
	}
	if err := wait("join", func(st client.State) bool { return st.Room == room }); err != nil {
		return err
	}
	st := s.State()
	fmt.Printf("Joined %s: %d messages, %d users online\n", room, len(st.Messages), len(st.Users))

	tempID, err := s.Send(text)
	if err != nil {
		return err
	}
	err = wait("send", func(st client.State) bool {
		for _, m := range st.Messages {
			if m.TempID == tempID && m.Status != client.StatusSending {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	fmt.Printf("Message confirmed in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
