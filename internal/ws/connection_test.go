package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"parley/internal/models"
	"parley/internal/wire"
)

type frame struct {
	kind int
	data []byte
}

type mockWS struct {
	readCh      chan []byte
	writeCh     chan frame
	closeCh     chan struct{}
	closeOnce   sync.Once
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan frame, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() {
		m.closed = true
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) WriteMessage(kind int, data []byte) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- frame{kind: kind, data: data}
	return nil
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	if m.errToReturn != nil {
		return 0, nil, m.errToReturn
	}
	select {
	case data := <-m.readCh:
		return websocket.TextMessage, data, nil
	case <-m.closeCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

type mockHub struct {
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.RawEvent
	// per connection channel
	connChans map[string]chan models.Event
	mu        sync.Mutex
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan models.RawEvent, 10),
		connChans:  make(map[string]chan models.Event),
	}
}

func (m *mockHub) Join(connID string) chan models.Event {
	m.joinCh <- connID
	ch := make(chan models.Event, 10)
	m.mu.Lock()
	m.connChans[connID] = ch
	m.mu.Unlock()
	return ch
}

func (m *mockHub) Leave(connID string) {
	m.leaveCh <- connID
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.connChans[connID]; ok {
		close(ch)
		delete(m.connChans, connID)
	}
}

func (m *mockHub) Dispatch(connID string, ev models.RawEvent) {
	m.dispatchCh <- ev
}

func (m *mockHub) queue(connID string) chan models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connChans[connID]
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	connID := "conn1"

	conn := NewConnection(hub, ws, connID, ConnectionConfig{Codec: wire.JSON{}})
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	// Verify Join was called
	select {
	case id := <-hub.joinCh:
		if id != connID {
			t.Errorf("Expected Join with %s, got %s", connID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Client -> Hub
	ws.readCh <- []byte(`{"event":"send_message","data":{"message":"hello","tempId":"t1"}}`)

	select {
	case received := <-hub.dispatchCh:
		var in models.SendMessage
		if err := received.Bind(&in); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if received.Event != models.EventSendMessage || in.Message != "hello" || in.TempID != "t1" {
			t.Errorf("Hub received wrong event: %s %+v", received.Event, in)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched event")
	}

	// 2. Malformed frames are skipped, the connection stays up
	ws.readCh <- []byte(`not json`)
	ws.readCh <- []byte(`{"event":"typing","data":true}`)
	select {
	case received := <-hub.dispatchCh:
		if received.Event != models.EventTyping {
			t.Errorf("expected typing after malformed frame, got %q", received.Event)
		}
	case <-time.After(1 * time.Second):
		t.Error("connection stopped after a malformed frame")
	}

	// 3. Hub -> Client
	hub.queue(connID) <- models.Event{
		Event: models.EventMessageAck,
		Data:  models.MessageAck{TempID: "t1", ID: 42, Room: "general"},
	}

	select {
	case received := <-ws.writeCh:
		if received.kind != websocket.TextMessage {
			t.Errorf("frame type = %d, want text", received.kind)
		}
		ev, err := wire.JSON{}.Decode(received.data)
		if err != nil {
			t.Fatalf("written frame does not decode: %v", err)
		}
		var ack models.MessageAck
		if err := ev.Bind(&ack); err != nil || ack.ID != 42 || ack.TempID != "t1" {
			t.Errorf("WS received wrong ack: %+v, %v", ack, err)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
	}

	// 4. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != connID {
			t.Errorf("Expected Leave with %s, got %s", connID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_RateLimit(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	// Burst of one and no refill within the test.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	conn := NewConnection(hub, ws, "flood", ConnectionConfig{Limiter: limiter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Handle(ctx)

	for i := 0; i < 3; i++ {
		ws.readCh <- []byte(`{"event":"typing","data":true}`)
	}

	select {
	case <-hub.dispatchCh:
	case <-time.After(time.Second):
		t.Fatal("first event should pass the limiter")
	}
	select {
	case ev := <-hub.dispatchCh:
		t.Errorf("event over the limit was dispatched: %q", ev.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_Msgpack(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "bin", ConnectionConfig{Codec: wire.Msgpack{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Handle(ctx)

	hub.queue("bin") <- models.Event{Event: models.EventConnected, Data: models.Connected{ID: "bin"}}

	select {
	case received := <-ws.writeCh:
		if received.kind != websocket.BinaryMessage {
			t.Errorf("frame type = %d, want binary", received.kind)
		}
		ev, err := wire.Msgpack{}.Decode(received.data)
		if err != nil || ev.Event != models.EventConnected {
			t.Errorf("decoded %q, %v", ev.Event, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame written")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "conn2", ConnectionConfig{})

	// Simulate a read error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_NormalCloseIsNotAnError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "conn3", ConnectionConfig{})

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	ws.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("normal closure reported as %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after close")
	}
}

func TestConnection_RateLimitSparesClaims(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	conn := NewConnection(hub, ws, "claimer", ConnectionConfig{Limiter: limiter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Handle(ctx)

	ws.readCh <- []byte(`{"event":"typing","data":true}`)
	ws.readCh <- []byte(`{"event":"typing","data":false}`)
	ws.readCh <- []byte(`{"event":"user_join","data":"alice"}`)

	want := []string{models.EventTyping, models.EventUserJoin}
	for _, name := range want {
		select {
		case ev := <-hub.dispatchCh:
			if ev.Event != name {
				t.Fatalf("dispatched %q, want %q", ev.Event, name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%q was not dispatched", name)
		}
	}
	select {
	case ev := <-hub.dispatchCh:
		t.Errorf("unexpected dispatch: %q", ev.Event)
	case <-time.After(100 * time.Millisecond):
	}
}
