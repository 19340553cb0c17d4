package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"parley/internal/api"
	"parley/internal/client"
	"parley/internal/models"
	"parley/internal/wire"
)

const (
	apiAddr   = "127.0.0.1:8887"
	adminAddr = "127.0.0.1:8888"
)

type wsPeer struct {
	t     *testing.T
	conn  *websocket.Conn
	codec wire.Codec
	id    string
}

func dialPeer(t *testing.T, protocol string) *wsPeer {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	if protocol != "" {
		dialer.Subprotocols = []string{protocol}
	}
	conn, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", apiAddr), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	codec, err := wire.ForProtocol(conn.Subprotocol())
	require.NoError(t, err)

	p := &wsPeer{t: t, conn: conn, codec: codec}
	var c models.Connected
	p.expect(models.EventConnected, &c)
	require.NotEmpty(t, c.ID)
	p.id = c.ID
	return p
}

func (p *wsPeer) emit(event string, data any) {
	p.t.Helper()
	frame, err := p.codec.Encode(models.Event{Event: event, Data: data})
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(p.codec.FrameType(), frame))
}

// expect skips frames until one named event arrives and binds it into v.
func (p *wsPeer) expect(event string, v any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, frame, err := p.conn.ReadMessage()
		require.NoError(p.t, err, "waiting for %s", event)
		ev, err := p.codec.Decode(frame)
		require.NoError(p.t, err)
		if ev.Event != event {
			continue
		}
		if v != nil {
			require.NoError(p.t, ev.Bind(v))
		}
		return
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestIntegration(t *testing.T) {
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("ADMIN_ADDR", adminAddr)

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, nil); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/health", apiAddr), 20)

	// Step 1: alice claims a name
	alice := dialPeer(t, "")
	alice.emit(models.EventUserJoin, "alice")
	var users []models.User
	alice.expect(models.EventUserList, &users)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].Username)
	require.Equal(t, "general", users[0].Room)
	var rooms []string
	alice.expect(models.EventAvailableRooms, &rooms)
	require.Equal(t, []string{"general", "random", "tech", "gaming"}, rooms)

	// Step 2: a case variant is taken, then bob succeeds over msgpack
	bob := dialPeer(t, wire.ProtocolMsgpack)
	require.Equal(t, wire.ProtocolMsgpack, bob.codec.Name())
	bob.emit(models.EventUserJoin, "Alice")
	var taken models.UsernameTaken
	bob.expect(models.EventUsernameTaken, &taken)
	require.Equal(t, models.CodeUsernameTaken, taken.Code)

	bob.emit(models.EventUserJoin, "bob")
	var joined models.UserNotice
	alice.expect(models.EventUserJoined, &joined)
	require.Equal(t, "bob", joined.Username)

	// Step 3: both enter general
	var changed models.RoomChanged
	alice.emit(models.EventJoinRoom, "general")
	alice.expect(models.EventRoomChanged, &changed)
	require.Equal(t, "general", changed.Room)
	bob.emit(models.EventJoinRoom, "general")
	bob.expect(models.EventRoomChanged, &changed)

	// Step 4: room message with ack
	alice.emit(models.EventSendMessage, models.SendMessage{Message: "hi", TempID: "t-1"})
	var ack models.MessageAck
	alice.expect(models.EventMessageAck, &ack)
	require.Equal(t, "t-1", ack.TempID)
	require.Equal(t, "general", ack.Room)

	var received models.Message
	bob.expect(models.EventReceiveMessage, &received)
	require.Equal(t, ack.ID, received.ID)
	require.Equal(t, "hi", received.Text)
	require.Equal(t, "alice", received.Sender)
	require.Empty(t, received.TempID)

	// Step 5: private message, same id on both sides
	alice.emit(models.EventPrivateMessage, models.PrivateMessage{To: bob.id, Message: "psst", TempID: "p-1"})
	var bobView, aliceView models.Message
	bob.expect(models.EventPrivateMessage, &bobView)
	alice.expect(models.EventPrivateMessage, &aliceView)
	require.Equal(t, aliceView.ID, bobView.ID)
	require.Equal(t, "p-1", aliceView.TempID)
	require.Empty(t, bobView.TempID)
	require.Equal(t, bob.id, bobView.RecipientID)

	// Step 6: bob reads, alice hears about it
	bob.emit(models.EventMarkMessageRead, models.MarkMessageRead{MessageID: bobView.ID, IsPrivate: true})
	var read models.MessageRead
	alice.expect(models.EventMessageRead, &read)
	require.Equal(t, bobView.ID, read.MessageID)
	require.Equal(t, "bob", read.ReadBy.Username)

	// Step 7: REST and admin views
	var page api.Page
	getJSON(t, fmt.Sprintf("http://%s/api/messages/general", apiAddr), &page)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "hi", page.Messages[0].Text)
	require.False(t, page.HasMore)

	var stats api.StatsResponse
	getJSON(t, fmt.Sprintf("http://%s/admin/stats", adminAddr), &stats)
	require.Equal(t, 2, stats.Users)
	require.Equal(t, 2, stats.Connections)
	require.Equal(t, 1, stats.PrivateMessages)

	// Step 8: disconnect is announced
	require.NoError(t, bob.conn.Close())
	var left models.UserNotice
	alice.expect(models.EventUserLeft, &left)
	require.Equal(t, "bob", left.Username)

	// Step 9: the Go client reconciles its own send
	s, err := client.Connect(ctx, client.SessionConfig{
		Config: client.Config{URL: fmt.Sprintf("ws://%s/ws", apiAddr)},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Claim("carol"))
	require.Eventually(t, func() bool { return s.State().Username == "carol" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.OpenRoom("general"))
	require.Eventually(t, func() bool { return len(s.State().Messages) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.Send("hello from carol")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := s.State().Messages
		return len(msgs) == 2 && msgs[1].Status == client.StatusDelivered && msgs[1].ID != 0
	}, 2*time.Second, 10*time.Millisecond)

	var fromCarol models.Message
	alice.expect(models.EventReceiveMessage, &fromCarol)
	require.Equal(t, "hello from carol", fromCarol.Text)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	httpClient := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := httpClient.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
