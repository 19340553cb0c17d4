package ws

import (
	"testing"
	"time"

	"parley/internal/models"
)

func TestHub_Lifecycle(t *testing.T) {
	h := NewHub(10, nil)

	ch1 := h.Join("c1")
	if ch1 == nil {
		t.Fatal("Join returned nil channel")
	}
	ch2 := h.Join("c2")
	if again := h.Join("c1"); again != ch1 {
		t.Error("second Join must return the existing queue")
	}
	if h.Count() != 2 {
		t.Errorf("Count = %d, want 2", h.Count())
	}

	// 1. Unicast reaches only its target
	h.Unicast("c1", models.Event{Event: models.EventConnected, Data: models.Connected{ID: "c1"}})
	select {
	case ev := <-ch1:
		if ev.Event != models.EventConnected {
			t.Errorf("c1 got %q", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unicast")
	}
	select {
	case ev := <-ch2:
		t.Errorf("c2 received unicast meant for c1: %v", ev)
	default:
	}

	// 2. Broadcast reaches everyone
	h.Broadcast(models.Event{Event: models.EventUserList, Data: []models.User{}})
	for name, ch := range map[string]chan models.Event{"c1": ch1, "c2": ch2} {
		select {
		case ev := <-ch:
			if ev.Event != models.EventUserList {
				t.Errorf("%s got %q", name, ev.Event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for broadcast on %s", name)
		}
	}

	// 3. Leave closes the queue and later sends are ignored
	h.Leave("c1")
	if _, ok := <-ch1; ok {
		t.Error("queue should be closed after Leave")
	}
	h.Unicast("c1", models.Event{Event: models.EventUserList})
	h.Leave("c1")
	if h.Count() != 1 {
		t.Errorf("Count = %d, want 1", h.Count())
	}
}

func TestHub_FullOutboxDrops(t *testing.T) {
	h := NewHub(2, nil)
	ch := h.Join("slow")

	for i := 0; i < 5; i++ {
		h.Unicast("slow", models.Event{Event: models.EventTypingUsers, Data: i})
	}

	if len(ch) != 2 {
		t.Fatalf("queue holds %d events, want 2", len(ch))
	}
	first := <-ch
	if first.Data != 0 {
		t.Errorf("oldest queued event = %v, want 0", first.Data)
	}
}

type fakeDispatcher struct {
	calls []string
}

func (d *fakeDispatcher) Connect(connID string)    { d.calls = append(d.calls, "connect:"+connID) }
func (d *fakeDispatcher) Disconnect(connID string) { d.calls = append(d.calls, "disconnect:"+connID) }
func (d *fakeDispatcher) Dispatch(connID string, ev models.RawEvent) {
	d.calls = append(d.calls, "dispatch:"+connID+":"+ev.Event)
}

func TestGateway(t *testing.T) {
	hub := NewHub(4, nil)
	d := &fakeDispatcher{}
	g := NewGateway(hub, d)

	ch := g.Join("c1")
	if g.Connections() != 1 {
		t.Errorf("Connections = %d, want 1", g.Connections())
	}
	g.Dispatch("c1", models.NewRawEvent(models.EventTyping, []byte("true"), nil))
	g.Leave("c1")

	want := []string{"connect:c1", "dispatch:c1:typing", "disconnect:c1"}
	if len(d.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", d.calls, want)
	}
	for i := range want {
		if d.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, d.calls[i], want[i])
		}
	}
	if _, ok := <-ch; ok {
		t.Error("queue should be closed after Leave")
	}
}
