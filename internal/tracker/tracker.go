// Package tracker owns message identity, private messages, reactions and
// read receipts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c-pro/geche"

	"parley/internal/chat"
	"parley/internal/content"
	"parley/internal/models"
)

const DefaultDedupTTL = 2 * time.Minute

var (
	ErrEmptyMessage = errors.New("message has neither text nor data")
	ErrBadType      = errors.New("unknown message type")
)

type Config struct {
	Rooms *chat.Store
	// DedupTTL is how long a (sender, tempId) pair is remembered.
	DedupTTL time.Duration
	Now      func() time.Time
}

// Notice tells the router which connection to inform about a new receipt.
type Notice struct {
	SenderID string
	Read     models.MessageRead
}

// Tracker is not safe for concurrent use; the router serializes access.
type Tracker struct {
	rooms *chat.Store

	// Map of message id -> private message. Never evicted.
	private geche.Geche[int64, models.Message]

	// Map of sender id + tempId -> ack already issued for it.
	sent geche.Geche[string, models.MessageAck]

	now    func() time.Time
	lastID int64
}

func New(ctx context.Context, config Config) *Tracker {
	if config.DedupTTL <= 0 {
		config.DedupTTL = DefaultDedupTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Tracker{
		rooms:   config.Rooms,
		private: geche.NewMapCache[int64, models.Message](),
		sent:    geche.NewMapTTLCache[string, models.MessageAck](ctx, config.DedupTTL, time.Minute),
		now:     config.Now,
	}
}

// NextID returns a wall-clock millisecond id, bumped past the previous one
// when the clock has not moved (or moved backwards).
func (t *Tracker) NextID() int64 {
	id := t.now().UnixMilli()
	if id <= t.lastID {
		id = t.lastID + 1
	}
	t.lastID = id
	return id
}

func (t *Tracker) newMessage(sender models.User, text string, typ models.MessageType, data string) (models.Message, error) {
	if typ == "" {
		typ = models.MessageTypeText
	}
	if !typ.Valid() {
		return models.Message{}, fmt.Errorf("%w: %q", ErrBadType, typ)
	}

	if strings.TrimSpace(text) == "" && data == "" {
		return models.Message{}, ErrEmptyMessage
	}

	id := t.NextID()
	msg := models.Message{
		ID:        id,
		SenderID:  sender.ID,
		Sender:    sender.Username,
		Text:      text,
		Type:      typ,
		Data:      data,
		HTML:      content.Render(text),
		Timestamp: time.UnixMilli(id).UTC(),
		ReadBy:    []models.ReadReceipt{},
	}
	if data != "" {
		msg.MimeType = content.DetectMime(data)
	}
	return msg, nil
}

type sendKind string

const (
	kindRoom    sendKind = "room"
	kindPrivate sendKind = "private"
)

// dedupKey scopes a tempId to the username rather than the connection, so a
// client that reconnects and replays its outbox is still recognized.
// Room and private sends never share a key.
func dedupKey(kind sendKind, sender models.User, tempID string) string {
	return string(kind) + "\x00" + strings.ToLower(sender.Username) + "\x00" + tempID
}

// seen returns the ack previously issued for this sender and tempId.
func (t *Tracker) seen(kind sendKind, sender models.User, tempID string) (models.MessageAck, bool) {
	if tempID == "" {
		return models.MessageAck{}, false
	}
	ack, err := t.sent.Get(dedupKey(kind, sender, tempID))
	if err != nil {
		return models.MessageAck{}, false
	}
	return ack, true
}

func (t *Tracker) remember(kind sendKind, sender models.User, tempID string, ack models.MessageAck) {
	if tempID == "" {
		return
	}
	t.sent.Set(dedupKey(kind, sender, tempID), ack)
}

// CreateRoomMessage stores a message in the sender's current room.
// The stored and returned message never carries the tempId. When the same
// sender already used tempId recently, nothing is stored and duplicate is
// true; the returned message then only has ID and Room set.
func (t *Tracker) CreateRoomMessage(sender models.User, in models.SendMessage) (msg models.Message, duplicate bool, err error) {
	if ack, ok := t.seen(kindRoom, sender, in.TempID); ok {
		return models.Message{ID: ack.ID, Room: ack.Room}, true, nil
	}

	msg, err = t.newMessage(sender, in.Message, in.Type, in.Data)
	if err != nil {
		return models.Message{}, false, err
	}
	msg.Room = sender.Room

	t.rooms.Append(msg.Room, msg)
	t.remember(kindRoom, sender, in.TempID, models.MessageAck{TempID: in.TempID, ID: msg.ID, Room: msg.Room})

	return msg.Clone(), false, nil
}

// CreatePrivateMessage stores a 1:1 message. Both views share the id and
// carry recipientId; only the sender's view carries the tempId.
// A repeated tempId returns the stored message with duplicate set.
func (t *Tracker) CreatePrivateMessage(sender, recipient models.User, in models.PrivateMessage) (senderView, recipientView models.Message, duplicate bool, err error) {
	if ack, ok := t.seen(kindPrivate, sender, in.TempID); ok {
		stored, err := t.private.Get(ack.ID)
		if err == nil {
			senderView = stored.Clone()
			senderView.TempID = in.TempID
			return senderView, stored.Clone(), true, nil
		}
	}

	msg, err := t.newMessage(sender, in.Message, in.Type, in.Data)
	if err != nil {
		return models.Message{}, models.Message{}, false, err
	}
	msg.IsPrivate = true
	msg.RecipientID = recipient.ID

	t.private.Set(msg.ID, msg)
	t.remember(kindPrivate, sender, in.TempID, models.MessageAck{TempID: in.TempID, ID: msg.ID})

	recipientView = msg.Clone()
	senderView = msg.Clone()
	senderView.TempID = in.TempID
	return senderView, recipientView, false, nil
}

// PrivateMessage returns a copy of a stored private message.
func (t *Tracker) PrivateMessage(id int64) (models.Message, bool) {
	m, err := t.private.Get(id)
	if err != nil {
		return models.Message{}, false
	}
	return m.Clone(), true
}

func (t *Tracker) PrivateCount() int {
	return t.private.Len()
}

// ToggleReaction adds username under emoji, or removes it when already
// present. An emoji left without users is deleted. It returns the updated
// reaction map, or false when the message is not in the room log.
func (t *Tracker) ToggleReaction(room string, messageID int64, username, emoji string) (map[string][]string, bool) {
	if emoji == "" || username == "" {
		return nil, false
	}
	log, ok := t.rooms.Lookup(room)
	if !ok {
		return nil, false
	}

	var reactions map[string][]string
	found := log.Update(messageID, func(m *models.Message) {
		m.Reactions = toggle(m.Reactions, username, emoji)
		reactions = models.CloneReactions(m.Reactions)
	})
	if !found {
		return nil, false
	}
	return reactions, true
}

func toggle(reactions map[string][]string, username, emoji string) map[string][]string {
	if reactions == nil {
		reactions = make(map[string][]string)
	}

	users := reactions[emoji]
	for i, u := range users {
		if u == username {
			users = append(users[:i:i], users[i+1:]...)
			if len(users) == 0 {
				delete(reactions, emoji)
			} else {
				reactions[emoji] = users
			}
			return reactions
		}
	}

	reactions[emoji] = append(users, username)
	return reactions
}

// MarkRead records that reader has seen a message. It is a no-op (false)
// when the message is unknown, authored by the reader, already read by the
// reader, or a private message addressed to someone else.
func (t *Tracker) MarkRead(messageID int64, reader models.User, room string, isPrivate bool) (Notice, bool) {
	receipt := models.ReadReceipt{
		UserID:    reader.ID,
		Username:  reader.Username,
		Timestamp: t.now().UTC(),
	}

	var senderID string
	if isPrivate {
		m, err := t.private.Get(messageID)
		if err != nil || !canMark(m, reader.ID) || m.RecipientID != reader.ID {
			return Notice{}, false
		}
		m.ReadBy = append(m.ReadBy, receipt)
		t.private.Set(messageID, m)
		senderID = m.SenderID
	} else {
		log, ok := t.rooms.Lookup(room)
		if !ok {
			return Notice{}, false
		}
		marked := false
		log.Update(messageID, func(m *models.Message) {
			if !canMark(*m, reader.ID) {
				return
			}
			m.ReadBy = append(m.ReadBy, receipt)
			senderID = m.SenderID
			marked = true
		})
		if !marked {
			return Notice{}, false
		}
	}

	return Notice{
		SenderID: senderID,
		Read: models.MessageRead{
			MessageID: messageID,
			ReadBy:    receipt,
			Timestamp: receipt.Timestamp,
		},
	}, true
}

func canMark(m models.Message, readerID string) bool {
	return m.SenderID != readerID && !m.ReadByUser(readerID)
}

// MarkRoomRead marks every message currently in the room log as read by reader.
func (t *Tracker) MarkRoomRead(room string, reader models.User) []Notice {
	log, ok := t.rooms.Lookup(room)
	if !ok {
		return nil
	}

	var notices []Notice
	for _, id := range log.IDs() {
		if n, ok := t.MarkRead(id, reader, room, false); ok {
			notices = append(notices, n)
		}
	}
	return notices
}
