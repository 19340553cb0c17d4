package chat

import (
	"sort"

	"parley/internal/models"
)

// DefaultCatalog is the discoverable room list when none is configured.
var DefaultCatalog = []string{models.DefaultRoom, "random", "tech", "gaming"}

// TypingState is present while a connection is typing.
type TypingState struct {
	Username string
	Room     string
}

// RoomStats is a snapshot of one room for the admin listener.
type RoomStats struct {
	Name     string `json:"name"`
	Members  int    `json:"members"`
	Messages int    `json:"messages"`
	Listed   bool   `json:"listed"`
}

// Store holds room logs, room membership and typing state.
//
// Store is not safe for concurrent use: it is owned by the router, which
// serializes every event handler.
type Store struct {
	catalog    []string
	maxRecords int

	// Map of room name -> message log, created on first reference
	rooms map[string]*Chat

	// Map of room name -> set of connection ids
	members map[string]map[string]struct{}

	// Map of connection id -> typing state
	typing map[string]TypingState
}

func NewStore(catalog []string, maxRecords int) *Store {
	if len(catalog) == 0 {
		catalog = DefaultCatalog
	}
	s := &Store{
		catalog:    append([]string(nil), catalog...),
		maxRecords: maxRecords,
		rooms:      make(map[string]*Chat),
		members:    make(map[string]map[string]struct{}),
		typing:     make(map[string]TypingState),
	}
	for _, name := range s.catalog {
		s.Room(name)
	}
	return s
}

// Catalog returns the rooms known at startup, in configured order.
// Ad hoc rooms are never part of it.
func (s *Store) Catalog() []string {
	return append([]string(nil), s.catalog...)
}

// Room returns the log for name, creating it on first reference.
func (s *Store) Room(name string) *Chat {
	c, ok := s.rooms[name]
	if !ok {
		c = New(Config{ID: name, MaxRecords: s.maxRecords})
		s.rooms[name] = c
	}
	return c
}

// Lookup returns the log for name without creating it.
func (s *Store) Lookup(name string) (*Chat, bool) {
	c, ok := s.rooms[name]
	return c, ok
}

// Append adds a message to the tail of the room log.
func (s *Store) Append(room string, msg models.Message) {
	s.Room(room).AddRecord(msg)
}

// Join adds the connection to the room's member set.
func (s *Store) Join(connID, room string) {
	set, ok := s.members[room]
	if !ok {
		set = make(map[string]struct{})
		s.members[room] = set
	}
	set[connID] = struct{}{}
	s.Room(room)
}

// Leave removes the connection from the room's member set.
// Leaving a room the connection is not in is a no-op.
func (s *Store) Leave(connID, room string) {
	set, ok := s.members[room]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.members, room)
	}
}

// IsMember reports whether the connection is in the room's member set.
func (s *Store) IsMember(connID, room string) bool {
	_, ok := s.members[room][connID]
	return ok
}

// Members returns the connection ids in the room, sorted.
func (s *Store) Members(room string) []string {
	set := s.members[room]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops every trace of the connection: membership of all rooms and
// typing state.
func (s *Store) Forget(connID string) {
	for room := range s.members {
		s.Leave(connID, room)
	}
	delete(s.typing, connID)
}

func (s *Store) SetTyping(connID, username, room string) {
	s.typing[connID] = TypingState{Username: username, Room: room}
}

func (s *Store) StopTyping(connID string) {
	delete(s.typing, connID)
}

// Typers returns the usernames currently typing in room, sorted.
func (s *Store) Typers(room string) []string {
	names := []string{}
	for _, st := range s.typing {
		if st.Room == room {
			names = append(names, st.Username)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every room that has a log or members.
func (s *Store) Stats() []RoomStats {
	listed := make(map[string]bool, len(s.catalog))
	for _, name := range s.catalog {
		listed[name] = true
	}

	stats := make([]RoomStats, 0, len(s.rooms))
	for name, c := range s.rooms {
		stats = append(stats, RoomStats{
			Name:     name,
			Members:  len(s.members[name]),
			Messages: c.Len(),
			Listed:   listed[name],
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}
