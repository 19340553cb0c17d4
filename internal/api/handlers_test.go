package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/router"
	"parley/internal/tracker"
)

type nopEmitter struct{}

func (nopEmitter) Unicast(string, models.Event) {}
func (nopEmitter) Broadcast(models.Event)       {}

type fixture struct {
	handler  http.Handler
	registry *registry.Registry
	tracker  *tracker.Tracker
	router   *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New()
	rooms := chat.NewStore(nil, chat.DefaultMaxRecords)
	tr := tracker.New(ctx, tracker.Config{Rooms: rooms})
	rt := router.New(router.Deps{Registry: reg, Rooms: rooms, Tracker: tr, Emitter: nopEmitter{}})

	r := mux.NewRouter()
	New(rt).Routes(r)
	return &fixture{handler: r, registry: reg, tracker: tr, router: rt}
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func (f *fixture) post(t *testing.T, sender models.User, text string) models.Message {
	t.Helper()
	msg, _, err := f.tracker.CreateRoomMessage(sender, models.SendMessage{Message: text})
	require.NoError(t, err)
	return msg
}

func TestMessagesHandler_Pagination(t *testing.T) {
	f := newFixture(t)
	alice := models.User{ID: "c1", Username: "alice", Room: "general"}
	for i := 0; i < 70; i++ {
		f.post(t, alice, fmt.Sprintf("message %d", i))
	}

	var first Page
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages/general", &first))
	require.Len(t, first.Messages, 50)
	require.True(t, first.HasMore)
	require.Equal(t, "message 20", first.Messages[0].Text)
	require.Equal(t, "message 69", first.Messages[49].Text)

	cursor := url.QueryEscape(first.Messages[0].Timestamp.Format(time.RFC3339Nano))
	var second Page
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages/general?before="+cursor, &second))
	require.Len(t, second.Messages, 20)
	require.False(t, second.HasMore)
	require.Equal(t, "message 0", second.Messages[0].Text)
	require.Equal(t, "message 19", second.Messages[19].Text)

	seen := map[int64]bool{}
	for _, m := range append(first.Messages, second.Messages...) {
		require.False(t, seen[m.ID], "message %d returned twice", m.ID)
		seen[m.ID] = true
	}
}

func TestMessagesHandler_Limit(t *testing.T) {
	f := newFixture(t)
	alice := models.User{ID: "c1", Username: "alice", Room: "general"}
	for i := 0; i < 60; i++ {
		f.post(t, alice, fmt.Sprintf("m%d", i))
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=500", 50},
		{"?limit=0", 1},
		{"?limit=-3", 1},
		{"?limit=abc", 50},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var page Page
			require.Equal(t, http.StatusOK, f.get(t, "/api/messages/general"+tt.query, &page))
			require.Len(t, page.Messages, tt.want)
		})
	}
}

func TestMessagesHandler_BadCursorAndUnknownRoom(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/messages/general?before=yesterday", nil))

	var page Page
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages/nowhere", &page))
	require.NotNil(t, page.Messages)
	require.Empty(t, page.Messages)
	require.False(t, page.HasMore)
}

func TestSearchHandler(t *testing.T) {
	f := newFixture(t)
	alice := models.User{ID: "c1", Username: "alice", Room: "general"}
	f.post(t, alice, "Hello world")
	f.post(t, alice, "unrelated")
	f.post(t, alice, "say HELLO again")

	var hits []models.Message
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages/general/search?q=hello", &hits))
	require.Len(t, hits, 2)
	require.Equal(t, "say HELLO again", hits[0].Text, "newest first")
	require.Equal(t, "Hello world", hits[1].Text)

	var empty []models.Message
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages/general/search?q=", &empty))
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

func TestUsersAndRoomsHandlers(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Claim("c2", "bob")
	require.NoError(t, err)
	_, err = f.registry.Claim("c1", "Alice")
	require.NoError(t, err)

	var users []models.User
	require.Equal(t, http.StatusOK, f.get(t, "/api/users", &users))
	require.Len(t, users, 2)
	require.Equal(t, "Alice", users[0].Username)
	require.Equal(t, "general", users[0].Room)

	var rooms []string
	require.Equal(t, http.StatusOK, f.get(t, "/api/rooms", &rooms))
	require.Equal(t, chat.DefaultCatalog, rooms)

	var health map[string]string
	require.Equal(t, http.StatusOK, f.get(t, "/health", &health))
	require.Equal(t, "ok", health["status"])
}

type fixedConns int

func (c fixedConns) Connections() int { return int(c) }

func TestAdminStatsHandler(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Claim("c1", "alice")
	require.NoError(t, err)
	f.post(t, models.User{ID: "c1", Username: "alice", Room: "general"}, "hi")

	r := mux.NewRouter()
	NewAdminHandler(f.router, fixedConns(3)).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.Connections)
	require.Equal(t, 1, stats.Users)
	require.Equal(t, 0, stats.PrivateMessages)

	var general chat.RoomStats
	for _, rs := range stats.Rooms {
		if rs.Name == "general" {
			general = rs
		}
	}
	require.Equal(t, 1, general.Messages)
}
