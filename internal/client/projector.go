package client

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/models"
)

// DefaultReadDelay is how long a message must stay in view before it is
// reported as read.
const DefaultReadDelay = time.Second

var ErrNotClaimed = errors.New("no username claimed")

// Status is the sender-side view of an own message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

type Entry struct {
	models.Message
	// Status is only set on own messages.
	Status Status `json:"status,omitempty"`
}

// State is a copy of everything the projector knows.
type State struct {
	ConnID   string
	Username string
	Room     string
	// Peer is the connection id of the private conversation in view. Empty
	// while the room is in view.
	Peer     string
	Rooms    []string
	Users    []models.User
	Messages []Entry
	Private  map[string][]Entry
	Typing   []string
	// Unread counts messages that arrived out of view, by room and by peer.
	Unread        map[string]int
	UnreadPrivate map[string]int
	// Rejected holds the last failed claim, cleared by the next success.
	Rejected *models.UsernameTaken
}

type emitter interface {
	Emit(event string, data any) error
}

type ProjectorConfig struct {
	ReadDelay time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Projector mirrors server events into local state and issues the client's
// actions, rendering own messages optimistically until the server confirms
// them by tempId.
type Projector struct {
	emitter   emitter
	readDelay time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	claim    string
	state    State
	timers   map[int64]*time.Timer
	onChange func()
}

func NewProjector(e emitter, cfg ProjectorConfig) *Projector {
	if cfg.ReadDelay <= 0 {
		cfg.ReadDelay = DefaultReadDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Projector{
		emitter:   e,
		readDelay: cfg.ReadDelay,
		now:       cfg.Now,
		logger:    cfg.Logger.With("component", "projector"),
		state: State{
			Private:       map[string][]Entry{},
			Unread:        map[string]int{},
			UnreadPrivate: map[string]int{},
		},
		timers: map[int64]*time.Timer{},
	}
}

// OnChange registers fn to run after every applied event. fn runs without
// the projector lock held.
func (p *Projector) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

func (p *Projector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.state
	s.Rooms = slices.Clone(s.Rooms)
	s.Users = slices.Clone(s.Users)
	s.Typing = slices.Clone(s.Typing)
	s.Messages = cloneEntries(s.Messages)
	s.Private = make(map[string][]Entry, len(p.state.Private))
	for peer, conv := range p.state.Private {
		s.Private[peer] = cloneEntries(conv)
	}
	s.Unread = cloneCounts(p.state.Unread)
	s.UnreadPrivate = cloneCounts(p.state.UnreadPrivate)
	if s.Rejected != nil {
		r := *s.Rejected
		s.Rejected = &r
	}
	return s
}

// Close stops pending read-receipt timers.
func (p *Projector) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimers()
}

// Actions

func (p *Projector) Claim(username string) error {
	p.mu.Lock()
	p.claim = username
	p.mu.Unlock()
	return p.emitter.Emit(models.EventUserJoin, username)
}

func (p *Projector) OpenRoom(room string) error {
	return p.emitter.Emit(models.EventJoinRoom, room)
}

// LeaveRoom leaves room and reloads the default room, which the server has
// moved the user to.
func (p *Projector) LeaveRoom(room string) error {
	p.mu.Lock()
	p.cancelTimers()
	p.state.Room = models.DefaultRoom
	p.state.Peer = ""
	p.state.Messages = nil
	p.mu.Unlock()

	if err := p.emitter.Emit(models.EventLeaveRoom, room); err != nil {
		return err
	}
	return p.emitter.Emit(models.EventJoinRoom, models.DefaultRoom)
}

// OpenPrivate brings the conversation with peer into view.
func (p *Projector) OpenPrivate(peer string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelTimers()
	p.state.Peer = peer
	p.state.UnreadPrivate[peer] = 0
	for _, e := range p.state.Private[peer] {
		p.scheduleRead(e.Message)
	}
}

// ShowRoom brings the current room back into view.
func (p *Projector) ShowRoom() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelTimers()
	p.state.Peer = ""
	p.state.Unread[p.state.Room] = 0
	for _, e := range p.state.Messages {
		p.scheduleRead(e.Message)
	}
}

// Send posts text to the current room and returns the tempId of the
// optimistic copy.
func (p *Projector) Send(text string) (string, error) {
	return p.SendData(text, models.MessageTypeText, "")
}

func (p *Projector) SendData(text string, typ models.MessageType, data string) (string, error) {
	p.mu.Lock()
	if p.state.Username == "" {
		p.mu.Unlock()
		return "", ErrNotClaimed
	}
	msg := p.pending(text, typ, data)
	msg.Room = p.state.Room
	p.state.Messages = append(p.state.Messages, Entry{Message: msg, Status: StatusSending})
	p.mu.Unlock()

	return msg.TempID, p.emitter.Emit(models.EventSendMessage, models.SendMessage{
		Message: text,
		Type:    typ,
		Data:    data,
		TempID:  msg.TempID,
	})
}

// SendPrivate messages the connection peer and returns the tempId of the
// optimistic copy.
func (p *Projector) SendPrivate(peer, text string) (string, error) {
	p.mu.Lock()
	if p.state.Username == "" {
		p.mu.Unlock()
		return "", ErrNotClaimed
	}
	msg := p.pending(text, models.MessageTypeText, "")
	msg.IsPrivate = true
	msg.RecipientID = peer
	p.state.Private[peer] = append(p.state.Private[peer], Entry{Message: msg, Status: StatusSending})
	p.mu.Unlock()

	return msg.TempID, p.emitter.Emit(models.EventPrivateMessage, models.PrivateMessage{
		To:      peer,
		Message: text,
		Type:    models.MessageTypeText,
		TempID:  msg.TempID,
	})
}

func (p *Projector) SetTyping(typing bool) error {
	return p.emitter.Emit(models.EventTyping, typing)
}

func (p *Projector) React(messageID int64, emoji string) error {
	p.mu.Lock()
	room := p.state.Room
	p.mu.Unlock()
	return p.emitter.Emit(models.EventAddReaction, models.AddReaction{
		MessageID: messageID,
		Room:      room,
		Reaction:  emoji,
	})
}

func (p *Projector) MarkRoomRead() error {
	p.mu.Lock()
	room := p.state.Room
	p.mu.Unlock()
	return p.emitter.Emit(models.EventMarkRoomRead, models.MarkRoomRead{Room: room})
}

// Reconnected restores the identity and room on a fresh connection and
// resends every message still waiting for confirmation. The server drops the
// resends it has already seen.
func (p *Projector) Reconnected() {
	p.mu.Lock()
	name := p.state.Username
	if name == "" {
		name = p.claim
	}
	room := p.state.Room
	var resend []models.Event
	for _, e := range p.state.Messages {
		if e.Status == StatusSending {
			resend = append(resend, models.Event{Event: models.EventSendMessage, Data: models.SendMessage{
				Message: e.Text, Type: e.Type, Data: e.Data, TempID: e.TempID,
			}})
		}
	}
	for peer, conv := range p.state.Private {
		for _, e := range conv {
			if e.Status == StatusSending {
				resend = append(resend, models.Event{Event: models.EventPrivateMessage, Data: models.PrivateMessage{
					To: peer, Message: e.Text, Type: e.Type, Data: e.Data, TempID: e.TempID,
				}})
			}
		}
	}
	p.mu.Unlock()

	if name == "" {
		return
	}
	emit := func(event string, data any) {
		if err := p.emitter.Emit(event, data); err != nil {
			p.logger.Warn("replay failed", "event", event, "error", err)
		}
	}
	emit(models.EventUserJoin, name)
	if room != "" {
		emit(models.EventJoinRoom, room)
	}
	for _, ev := range resend {
		emit(ev.Event, ev.Data)
	}
}

func (p *Projector) pending(text string, typ models.MessageType, data string) models.Message {
	return models.Message{
		TempID:    uuid.NewString(),
		SenderID:  p.state.ConnID,
		Sender:    p.state.Username,
		Text:      text,
		Type:      typ,
		Data:      data,
		Timestamp: p.now().UTC(),
	}
}

// Events

// Apply folds one server event into the state. Unknown and malformed events
// are ignored.
func (p *Projector) Apply(ev models.RawEvent) {
	p.mu.Lock()
	if err := p.apply(ev); err != nil {
		p.logger.Debug("ignoring event", "event", ev.Event, "error", err)
	}
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (p *Projector) apply(ev models.RawEvent) error {
	switch ev.Event {
	case models.EventConnected:
		var c models.Connected
		if err := ev.Bind(&c); err != nil {
			return err
		}
		p.state.ConnID = c.ID

	case models.EventUsernameTaken:
		var r models.UsernameTaken
		if err := ev.Bind(&r); err != nil {
			return err
		}
		p.state.Rejected = &r
		p.state.Username = ""

	case models.EventUserList:
		var users []models.User
		if err := ev.Bind(&users); err != nil {
			return err
		}
		p.state.Users = users
		p.state.Username = ""
		for _, u := range users {
			if u.ID == p.state.ConnID {
				p.state.Username = u.Username
				p.state.Rejected = nil
				if p.state.Room == "" {
					p.state.Room = u.Room
				}
			}
		}

	case models.EventAvailableRooms:
		var rooms []string
		if err := ev.Bind(&rooms); err != nil {
			return err
		}
		p.state.Rooms = rooms

	case models.EventRoomChanged:
		var rc models.RoomChanged
		if err := ev.Bind(&rc); err != nil {
			return err
		}
		p.roomChanged(rc)

	case models.EventReceiveMessage:
		var msg models.Message
		if err := ev.Bind(&msg); err != nil {
			return err
		}
		p.receiveRoom(msg)

	case models.EventPrivateMessage:
		var msg models.Message
		if err := ev.Bind(&msg); err != nil {
			return err
		}
		p.receivePrivate(msg)

	case models.EventMessageAck:
		var ack models.MessageAck
		if err := ev.Bind(&ack); err != nil {
			return err
		}
		p.ack(ack)

	case models.EventTypingUsers:
		var typers []string
		if err := ev.Bind(&typers); err != nil {
			return err
		}
		p.state.Typing = slices.DeleteFunc(typers, func(name string) bool {
			return strings.EqualFold(name, p.state.Username)
		})

	case models.EventMessageReactionUpdated:
		var ru models.ReactionUpdate
		if err := ev.Bind(&ru); err != nil {
			return err
		}
		if i := indexByID(p.state.Messages, ru.MessageID); i >= 0 {
			p.state.Messages[i].Reactions = ru.Reactions
		}

	case models.EventMessageRead:
		var mr models.MessageRead
		if err := ev.Bind(&mr); err != nil {
			return err
		}
		p.read(mr)

	case models.EventUserJoined, models.EventUserLeft,
		models.EventUserJoinedRoom, models.EventUserLeftRoom:
		// Presence is carried by user_list.

	default:
		return errors.New("unknown event")
	}
	return nil
}

func (p *Projector) roomChanged(rc models.RoomChanged) {
	p.cancelTimers()

	entries := make([]Entry, 0, len(rc.Messages))
	for _, m := range rc.Messages {
		entries = append(entries, Entry{Message: m, Status: p.statusOf(m)})
	}
	// Sends still in flight for this room stay visible.
	for _, e := range p.state.Messages {
		if e.Status == StatusSending && e.Room == rc.Room {
			entries = append(entries, e)
		}
	}

	p.state.Room = rc.Room
	p.state.Peer = ""
	p.state.Messages = entries
	p.state.Unread[rc.Room] = 0
}

func (p *Projector) receiveRoom(msg models.Message) {
	if msg.Room != p.state.Room {
		p.state.Unread[msg.Room]++
		return
	}
	if i := indexByID(p.state.Messages, msg.ID); i >= 0 {
		p.state.Messages[i].Message = msg
		return
	}

	p.state.Messages = append(p.state.Messages, Entry{Message: msg, Status: p.statusOf(msg)})
	if p.mine(msg) {
		return
	}
	if p.state.Peer == "" {
		p.scheduleRead(msg)
	} else {
		p.state.Unread[msg.Room]++
	}
}

func (p *Projector) receivePrivate(msg models.Message) {
	peer := msg.SenderID
	if p.mine(msg) {
		peer = msg.RecipientID
	}
	conv := p.state.Private[peer]

	if msg.TempID != "" && p.mine(msg) {
		if i := indexByTempID(conv, msg.TempID); i >= 0 {
			conv[i] = Entry{Message: msg, Status: p.statusOf(msg)}
			return
		}
	}
	if i := indexByID(conv, msg.ID); i >= 0 {
		conv[i].Message = msg
		return
	}

	p.state.Private[peer] = append(conv, Entry{Message: msg, Status: p.statusOf(msg)})
	if p.mine(msg) {
		return
	}
	if p.state.Peer == peer {
		p.scheduleRead(msg)
	} else {
		p.state.UnreadPrivate[peer]++
	}
}

// ack confirms an optimistic room message. When the broadcast copy already
// arrived the optimistic copy is dropped in its favour.
func (p *Projector) ack(ack models.MessageAck) {
	i := indexByTempID(p.state.Messages, ack.TempID)
	if i < 0 {
		return
	}
	if j := indexByID(p.state.Messages, ack.ID); j >= 0 && j != i {
		p.state.Messages[j].TempID = ack.TempID
		p.state.Messages = slices.Delete(p.state.Messages, i, i+1)
		return
	}

	e := &p.state.Messages[i]
	e.ID = ack.ID
	e.Room = ack.Room
	if e.Status == StatusSending {
		e.Status = StatusDelivered
	}
}

func (p *Projector) read(mr models.MessageRead) {
	apply := func(entries []Entry) bool {
		i := indexByID(entries, mr.MessageID)
		if i < 0 {
			return false
		}
		e := &entries[i]
		if !e.ReadByUser(mr.ReadBy.UserID) {
			e.ReadBy = append(e.ReadBy, mr.ReadBy)
		}
		if p.mine(e.Message) {
			e.Status = StatusRead
		}
		return true
	}

	if apply(p.state.Messages) {
		return
	}
	for _, conv := range p.state.Private {
		if apply(conv) {
			return
		}
	}
}

func (p *Projector) mine(m models.Message) bool {
	if m.SenderID != "" && m.SenderID == p.state.ConnID {
		return true
	}
	// Own messages from before a reconnect carry the old connection id.
	return p.state.Username != "" && strings.EqualFold(m.Sender, p.state.Username)
}

func (p *Projector) statusOf(m models.Message) Status {
	if !p.mine(m) {
		return ""
	}
	if len(m.ReadBy) > 0 {
		return StatusRead
	}
	return StatusDelivered
}

// scheduleRead reports msg as read once it has been in view for readDelay.
// Must be called with p.mu held.
func (p *Projector) scheduleRead(msg models.Message) {
	if msg.ID == 0 || p.mine(msg) || msg.ReadByUser(p.state.ConnID) {
		return
	}
	if _, ok := p.timers[msg.ID]; ok {
		return
	}

	in := models.MarkMessageRead{MessageID: msg.ID, Room: msg.Room, IsPrivate: msg.IsPrivate}
	var timer *time.Timer
	timer = time.AfterFunc(p.readDelay, func() {
		p.mu.Lock()
		current := p.timers[in.MessageID] == timer
		if current {
			delete(p.timers, in.MessageID)
		}
		p.mu.Unlock()

		if !current {
			return
		}
		if err := p.emitter.Emit(models.EventMarkMessageRead, in); err != nil {
			p.logger.Debug("mark read failed", "id", in.MessageID, "error", err)
		}
	})
	p.timers[msg.ID] = timer
}

// cancelTimers must be called with p.mu held.
func (p *Projector) cancelTimers() {
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func indexByID(entries []Entry, id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(entries, func(e Entry) bool { return e.ID == id })
}

func indexByTempID(entries []Entry, tempID string) int {
	if tempID == "" {
		return -1
	}
	return slices.IndexFunc(entries, func(e Entry) bool { return e.TempID == tempID })
}

func cloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Message: e.Clone(), Status: e.Status}
	}
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
