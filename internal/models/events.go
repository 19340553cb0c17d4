package models

import (
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventUserJoin        = "user_join"
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventSendMessage     = "send_message"
	EventPrivateMessage  = "private_message"
	EventTyping          = "typing"
	EventAddReaction     = "add_reaction"
	EventMarkMessageRead = "mark_message_read"
	EventMarkRoomRead    = "mark_room_read"
)

// Outbound event names. EventPrivateMessage is used in both directions.
const (
	EventConnected              = "connected"
	EventUsernameTaken          = "username_taken"
	EventUserList               = "user_list"
	EventUserJoined             = "user_joined"
	EventUserLeft               = "user_left"
	EventAvailableRooms         = "available_rooms"
	EventRoomChanged            = "room_changed"
	EventUserJoinedRoom         = "user_joined_room"
	EventUserLeftRoom           = "user_left_room"
	EventReceiveMessage         = "receive_message"
	EventTypingUsers            = "typing_users"
	EventMessageAck             = "message_ack"
	EventMessageReactionUpdated = "message_reaction_updated"
	EventMessageRead            = "message_read"
)

// Failure codes carried by username_taken.
const (
	CodeInvalidUsername = "invalid_username"
	CodeUsernameTaken   = "username_taken"
)

// Event is a single frame about to be encoded.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// RawEvent is a single decoded frame whose payload stays encoded until a
// handler binds it to the type it expects.
type RawEvent struct {
	Event  string
	data   []byte
	decode func(data []byte, v any) error
}

func NewRawEvent(event string, data []byte, decode func(data []byte, v any) error) RawEvent {
	return RawEvent{Event: event, data: data, decode: decode}
}

// Bind decodes the payload into v.
func (e RawEvent) Bind(v any) error {
	if len(e.data) == 0 || e.decode == nil {
		return fmt.Errorf("event %q: empty payload", e.Event)
	}
	if err := e.decode(e.data, v); err != nil {
		return fmt.Errorf("event %q: %w", e.Event, err)
	}
	return nil
}

// Inbound payloads.

type SendMessage struct {
	Message string      `json:"message"`
	Type    MessageType `json:"type"`
	Data    string      `json:"data"`
	TempID  string      `json:"tempId"`
}

type PrivateMessage struct {
	To      string      `json:"to"`
	Message string      `json:"message"`
	Type    MessageType `json:"type"`
	Data    string      `json:"data"`
	TempID  string      `json:"tempId"`
}

type AddReaction struct {
	MessageID int64  `json:"messageId"`
	Room      string `json:"room"`
	Reaction  string `json:"reaction"`
}

type MarkMessageRead struct {
	MessageID int64  `json:"messageId"`
	Room      string `json:"room"`
	IsPrivate bool   `json:"isPrivate"`
}

type MarkRoomRead struct {
	Room string `json:"room"`
}

// Outbound payloads.

type Connected struct {
	ID string `json:"id"`
}

type UsernameTaken struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type UserNotice struct {
	Username string `json:"username"`
	ID       string `json:"id"`
}

type RoomChanged struct {
	Room         string    `json:"room"`
	PreviousRoom string    `json:"previousRoom"`
	Messages     []Message `json:"messages"`
}

type RoomNotice struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

type MessageAck struct {
	TempID string `json:"tempId"`
	ID     int64  `json:"id"`
	Room   string `json:"room"`
}

type ReactionUpdate struct {
	MessageID int64               `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

type MessageRead struct {
	MessageID int64       `json:"messageId"`
	ReadBy    ReadReceipt `json:"readBy"`
	Timestamp time.Time   `json:"timestamp"`
}
