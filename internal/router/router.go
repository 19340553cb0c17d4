// Package router dispatches inbound client events against the registry,
// room store and tracker, and emits the resulting events to the right
// connections.
//
// Every handler runs to completion under a single mutex, so the stores it
// owns never see interleaved partial mutations and need no locks of their own.
package router

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/tracker"
)

const (
	MaxPageSize   = 50
	MaxSearchHits = 100
)

// Emitter delivers outbound events to live connections.
type Emitter interface {
	Unicast(connID string, ev models.Event)
	Broadcast(ev models.Event)
}

type Deps struct {
	Registry *registry.Registry
	Rooms    *chat.Store
	Tracker  *tracker.Tracker
	Emitter  Emitter
	Logger   *slog.Logger
}

type handlerFunc func(connID string, ev models.RawEvent)

type Router struct {
	registry *registry.Registry
	rooms    *chat.Store
	tracker  *tracker.Tracker
	emitter  Emitter
	logger   *slog.Logger

	handlers map[string]handlerFunc

	mu sync.Mutex
}

// Stats is a point-in-time view of the stores.
type Stats struct {
	Users           int              `json:"users"`
	PrivateMessages int              `json:"privateMessages"`
	Rooms           []chat.RoomStats `json:"rooms"`
}

func New(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := &Router{
		registry: d.Registry,
		rooms:    d.Rooms,
		tracker:  d.Tracker,
		emitter:  d.Emitter,
		logger:   d.Logger.With("component", "router"),
	}
	r.handlers = map[string]handlerFunc{
		models.EventUserJoin:        r.handleUserJoin,
		models.EventJoinRoom:        r.handleJoinRoom,
		models.EventLeaveRoom:       r.handleLeaveRoom,
		models.EventSendMessage:     r.handleSendMessage,
		models.EventPrivateMessage:  r.handlePrivateMessage,
		models.EventTyping:          r.handleTyping,
		models.EventAddReaction:     r.handleAddReaction,
		models.EventMarkMessageRead: r.handleMarkMessageRead,
		models.EventMarkRoomRead:    r.handleMarkRoomRead,
	}
	return r
}

// Connect greets a freshly upgraded connection with its id.
func (r *Router) Connect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.emitter.Unicast(connID, models.Event{
		Event: models.EventConnected,
		Data:  models.Connected{ID: connID},
	})
}

// Dispatch handles one inbound event. Unknown, malformed and
// precondition-failing events are dropped.
func (r *Router) Dispatch(connID string, ev models.RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "event", ev.Event, "conn", connID, "panic", p)
		}
	}()

	h, ok := r.handlers[ev.Event]
	if !ok {
		r.drop(connID, ev.Event, "unknown event")
		return
	}
	h(connID, ev)
}

// Disconnect releases everything the connection held and tells everyone.
func (r *Router) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.registry.Release(connID)
	r.rooms.Forget(connID)
	if !ok {
		return
	}

	r.logger.Info("user left", "conn", connID, "username", u.Username)
	r.emitter.Broadcast(models.Event{
		Event: models.EventUserLeft,
		Data:  models.UserNotice{Username: u.Username, ID: u.ID},
	})
	r.broadcastPresence()
	r.broadcastTypers()
}

func (r *Router) drop(connID, event, reason string) {
	r.logger.Debug("dropping event", "event", event, "conn", connID, "reason", reason)
}

// claimed looks up the connection's user, dropping the event when there is none.
func (r *Router) claimed(connID, event string) (models.User, bool) {
	u, ok := r.registry.Lookup(connID)
	if !ok {
		r.drop(connID, event, "connection has no username")
	}
	return u, ok
}

// bind decodes the payload, dropping the event when it is malformed.
func (r *Router) bind(connID string, ev models.RawEvent, v any) bool {
	if err := ev.Bind(v); err != nil {
		r.drop(connID, ev.Event, err.Error())
		return false
	}
	return true
}

func (r *Router) roomcast(room, except string, ev models.Event) {
	for _, id := range r.rooms.Members(room) {
		if id != except {
			r.emitter.Unicast(id, ev)
		}
	}
}

func (r *Router) broadcastPresence() {
	r.emitter.Broadcast(models.Event{
		Event: models.EventUserList,
		Data:  r.registry.List(),
	})
}

// broadcastTypers sends every claimed connection the typer list of its own room.
func (r *Router) broadcastTypers() {
	for _, u := range r.registry.List() {
		r.emitter.Unicast(u.ID, models.Event{
			Event: models.EventTypingUsers,
			Data:  r.rooms.Typers(u.Room),
		})
	}
}

// notify tells each sender whose message was just read, if still connected.
func (r *Router) notify(notices []tracker.Notice) {
	for _, n := range notices {
		if _, online := r.registry.Lookup(n.SenderID); !online {
			continue
		}
		r.emitter.Unicast(n.SenderID, models.Event{
			Event: models.EventMessageRead,
			Data:  n.Read,
		})
	}
}

func (r *Router) handleUserJoin(connID string, ev models.RawEvent) {
	var raw string
	if err := ev.Bind(&raw); err != nil {
		// Non-string names go through validation as empty ones.
		raw = ""
	}

	claim, err := r.registry.Claim(connID, raw)
	if claim.Replaced {
		r.rooms.Forget(connID)
		r.broadcastPresence()
		r.roomcast(claim.Prior.Room, "", models.Event{
			Event: models.EventTypingUsers,
			Data:  r.rooms.Typers(claim.Prior.Room),
		})
	}
	if err != nil {
		r.rejectClaim(connID, err)
		return
	}

	u := claim.User
	r.rooms.Join(connID, u.Room)
	r.logger.Info("user joined", "conn", connID, "username", u.Username)

	r.broadcastPresence()
	r.emitter.Broadcast(models.Event{
		Event: models.EventUserJoined,
		Data:  models.UserNotice{Username: u.Username, ID: u.ID},
	})
	r.emitter.Broadcast(models.Event{
		Event: models.EventAvailableRooms,
		Data:  r.rooms.Catalog(),
	})
}

func (r *Router) rejectClaim(connID string, err error) {
	notice := models.UsernameTaken{
		Code:    models.CodeInvalidUsername,
		Message: "Username must be between 3 and 20 characters",
	}
	if errors.Is(err, models.ErrUsernameTaken) {
		notice = models.UsernameTaken{
			Code:    models.CodeUsernameTaken,
			Message: "Username is already taken. Please choose another one.",
		}
	}

	r.logger.Debug("claim rejected", "conn", connID, "error", err)
	r.emitter.Unicast(connID, models.Event{
		Event: models.EventUsernameTaken,
		Data:  notice,
	})
}

func (r *Router) handleJoinRoom(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var room string
	if !r.bind(connID, ev, &room) {
		return
	}
	room = strings.TrimSpace(room)
	if room == "" {
		r.drop(connID, ev.Event, "empty room name")
		return
	}

	r.joinRoom(u, room)
}

// joinRoom moves the user into room. Re-joining the current room runs the
// whole sequence again, which refreshes the client's log and read state.
func (r *Router) joinRoom(u models.User, room string) {
	previous := u.Room
	r.rooms.Leave(u.ID, previous)
	r.rooms.Join(u.ID, room)
	u, _ = r.registry.SetRoom(u.ID, room)

	r.notify(r.tracker.MarkRoomRead(room, u))

	r.emitter.Unicast(u.ID, models.Event{
		Event: models.EventRoomChanged,
		Data: models.RoomChanged{
			Room:         room,
			PreviousRoom: previous,
			Messages:     r.rooms.Room(room).All(),
		},
	})
	r.roomcast(room, u.ID, models.Event{
		Event: models.EventUserJoinedRoom,
		Data:  models.RoomNotice{Username: u.Username, Room: room},
	})
}

// handleLeaveRoom drops the connection from the named room and sends the user
// back to the default room. The name is not checked against the user's actual
// room: leaving a room one is not in still resets to the default room and
// leaves the real current room's membership in place.
func (r *Router) handleLeaveRoom(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var room string
	if !r.bind(connID, ev, &room) || room == "" {
		return
	}

	r.rooms.Leave(u.ID, room)
	r.rooms.Join(u.ID, models.DefaultRoom)
	r.registry.SetRoom(u.ID, models.DefaultRoom)

	r.roomcast(room, "", models.Event{
		Event: models.EventUserLeftRoom,
		Data:  models.RoomNotice{Username: u.Username, Room: room},
	})
}

func (r *Router) handleSendMessage(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var in models.SendMessage
	if !r.bind(connID, ev, &in) {
		return
	}

	msg, duplicate, err := r.tracker.CreateRoomMessage(u, in)
	if err != nil {
		r.drop(connID, ev.Event, err.Error())
		return
	}

	if in.TempID != "" {
		r.emitter.Unicast(connID, models.Event{
			Event: models.EventMessageAck,
			Data:  models.MessageAck{TempID: in.TempID, ID: msg.ID, Room: msg.Room},
		})
	}
	if duplicate {
		return
	}

	r.roomcast(msg.Room, "", models.Event{
		Event: models.EventReceiveMessage,
		Data:  msg,
	})
}

func (r *Router) handlePrivateMessage(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var in models.PrivateMessage
	if !r.bind(connID, ev, &in) {
		return
	}
	recipient, ok := r.registry.Lookup(in.To)
	if !ok {
		r.drop(connID, ev.Event, "unknown recipient")
		return
	}

	senderView, recipientView, duplicate, err := r.tracker.CreatePrivateMessage(u, recipient, in)
	if err != nil {
		r.drop(connID, ev.Event, err.Error())
		return
	}

	if !duplicate && recipient.ID != u.ID {
		r.emitter.Unicast(recipient.ID, models.Event{
			Event: models.EventPrivateMessage,
			Data:  recipientView,
		})
	}
	r.emitter.Unicast(u.ID, models.Event{
		Event: models.EventPrivateMessage,
		Data:  senderView,
	})
}

func (r *Router) handleTyping(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var typing bool
	if !r.bind(connID, ev, &typing) {
		return
	}

	if typing {
		r.rooms.SetTyping(u.ID, u.Username, u.Room)
	} else {
		r.rooms.StopTyping(u.ID)
	}

	r.roomcast(u.Room, "", models.Event{
		Event: models.EventTypingUsers,
		Data:  r.rooms.Typers(u.Room),
	})
}

func (r *Router) handleAddReaction(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var in models.AddReaction
	if !r.bind(connID, ev, &in) {
		return
	}

	reactions, ok := r.tracker.ToggleReaction(in.Room, in.MessageID, u.Username, in.Reaction)
	if !ok {
		r.drop(connID, ev.Event, "unknown message")
		return
	}

	r.roomcast(in.Room, "", models.Event{
		Event: models.EventMessageReactionUpdated,
		Data:  models.ReactionUpdate{MessageID: in.MessageID, Reactions: reactions},
	})
}

func (r *Router) handleMarkMessageRead(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var in models.MarkMessageRead
	if !r.bind(connID, ev, &in) {
		return
	}

	if n, ok := r.tracker.MarkRead(in.MessageID, u, in.Room, in.IsPrivate); ok {
		r.notify([]tracker.Notice{n})
	}
}

func (r *Router) handleMarkRoomRead(connID string, ev models.RawEvent) {
	u, ok := r.claimed(connID, ev.Event)
	if !ok {
		return
	}
	var in models.MarkRoomRead
	if !r.bind(connID, ev, &in) || in.Room == "" {
		return
	}

	r.notify(r.tracker.MarkRoomRead(in.Room, u))
}

// Users returns the presence list.
func (r *Router) Users() []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.List()
}

// Rooms returns the room catalog.
func (r *Router) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms.Catalog()
}

// History pages backwards through a room log. Messages come oldest first;
// pass the oldest timestamp back as before to get the previous page.
func (r *Router) History(room string, before time.Time, limit int) ([]models.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	log, ok := r.rooms.Lookup(room)
	if !ok {
		return []models.Message{}, false
	}
	return log.Before(before, limit)
}

// Search finds messages in a room whose text contains query, newest first.
func (r *Router) Search(room, query string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.rooms.Lookup(room)
	if !ok {
		return []models.Message{}
	}
	return log.Search(query, MaxSearchHits)
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Users:           r.registry.Len(),
		PrivateMessages: r.tracker.PrivateCount(),
		Rooms:           r.rooms.Stats(),
	}
}
