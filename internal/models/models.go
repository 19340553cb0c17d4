package models

import (
	"errors"
	"time"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrUsernameTaken   = errors.New("username is already taken")
)

// DefaultRoom is the room every claimed user starts in and falls back to.
const DefaultRoom = "general"

// User represents a connection that has claimed a display name.
// ID is the connection id.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a room or private chat message.
type Message struct {
	ID          int64       `json:"id"`
	TempID      string      `json:"tempId,omitempty"` // Client correlation token, echoed to the sender only
	SenderID    string      `json:"senderId"`
	Sender      string      `json:"sender"`
	Room        string      `json:"room,omitempty"`
	IsPrivate   bool        `json:"isPrivate"`
	RecipientID string      `json:"recipientId,omitempty"`
	Text        string      `json:"message"`
	Type        MessageType `json:"type"`
	Data        string      `json:"data,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
	HTML        string      `json:"html,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	// Reactions maps emoji to the usernames that reacted with it.
	Reactions map[string][]string `json:"reactions,omitempty"`
	ReadBy    []ReadReceipt       `json:"readBy"`
}

// Clone returns a deep copy of the message, safe to hand to connection
// goroutines while the original keeps being mutated.
func (m Message) Clone() Message {
	c := m
	if m.Reactions != nil {
		c.Reactions = CloneReactions(m.Reactions)
	}
	c.ReadBy = make([]ReadReceipt, len(m.ReadBy))
	copy(c.ReadBy, m.ReadBy)
	return c
}

// ReadByUser reports whether userID already has a receipt for the message.
func (m Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func CloneReactions(reactions map[string][]string) map[string][]string {
	c := make(map[string][]string, len(reactions))
	for emoji, users := range reactions {
		c[emoji] = append([]string(nil), users...)
	}
	return c
}

// CloneMessages deep-copies a message slice. The result is never nil.
func CloneMessages(messages []Message) []Message {
	result := make([]Message, len(messages))
	for i, m := range messages {
		result[i] = m.Clone()
	}
	return result
}
