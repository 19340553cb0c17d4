// Package wire encodes and decodes the {"event", "data"} envelope that
// travels over WebSocket frames.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"parley/internal/models"
)

// Subprotocol names a client may request during the upgrade.
const (
	ProtocolJSON    = "json"
	ProtocolMsgpack = "msgpack"
)

var ErrNoEvent = errors.New("frame has no event name")

type Codec interface {
	// Name is the WebSocket subprotocol the codec is negotiated by.
	Name() string
	// FrameType is websocket.TextMessage or websocket.BinaryMessage.
	FrameType() int
	Encode(ev models.Event) ([]byte, error)
	Decode(frame []byte) (models.RawEvent, error)
}

// Protocols lists every supported subprotocol, preferred first.
func Protocols() []string {
	return []string{ProtocolJSON, ProtocolMsgpack}
}

// ForProtocol returns the codec for a negotiated subprotocol.
// No subprotocol means JSON.
func ForProtocol(name string) (Codec, error) {
	switch name {
	case "", ProtocolJSON:
		return JSON{}, nil
	case ProtocolMsgpack:
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("unsupported subprotocol %q", name)
}

type JSON struct{}

func (JSON) Name() string   { return ProtocolJSON }
func (JSON) FrameType() int { return websocket.TextMessage }

func (JSON) Encode(ev models.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (JSON) Decode(frame []byte) (models.RawEvent, error) {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return models.RawEvent{}, fmt.Errorf("decode json frame: %w", err)
	}
	if env.Event == "" {
		return models.RawEvent{}, ErrNoEvent
	}
	return models.NewRawEvent(env.Event, env.Data, json.Unmarshal), nil
}

// Msgpack uses the same field names as JSON so both codecs share the models.
type Msgpack struct{}

func (Msgpack) Name() string   { return ProtocolMsgpack }
func (Msgpack) FrameType() int { return websocket.BinaryMessage }

func (Msgpack) Encode(ev models.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Decode(frame []byte) (models.RawEvent, error) {
	var env struct {
		Event string             `json:"event"`
		Data  msgpack.RawMessage `json:"data"`
	}
	if err := unmarshalMsgpack(frame, &env); err != nil {
		return models.RawEvent{}, fmt.Errorf("decode msgpack frame: %w", err)
	}
	if env.Event == "" {
		return models.RawEvent{}, ErrNoEvent
	}
	return models.NewRawEvent(env.Event, env.Data, unmarshalMsgpack), nil
}

func unmarshalMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
