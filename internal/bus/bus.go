// Package bus implements the room-keyed publish/subscribe used to fan events
// out to every session in a room, on this gateway instance and on its peers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/ws"
)

// ErrUnavailable is returned when the backend cannot accept a publish or a
// subscription.
var ErrUnavailable = chat.ErrBusUnavailable

// RoomKey addresses one room on the bus, e.g. "room.42".
type RoomKey string

func Key(roomId int64) RoomKey {
	return RoomKey("room." + strconv.FormatInt(roomId, 10))
}

// RoomId parses the room identifier back out of a key.
func (k RoomKey) RoomId() (int64, error) {
	s, ok := strings.CutPrefix(string(k), "room.")
	if !ok {
		return 0, fmt.Errorf("bad room key %q", k)
	}
	return strconv.ParseInt(s, 10, 64)
}

// Message is one published event. Origin identifies the publishing session
// so receivers can recognise their own echo.
type Message struct {
	Room   RoomKey
	Origin string
	Event  ws.Event
}

// Sink receives messages for the rooms it is subscribed to. Deliver must not
// block; it is called from the backend's dispatch path.
type Sink interface {
	Deliver(msg Message)
}

type Bus interface {
	// Subscribe is idempotent per (key, sink): a second call returns the
	// existing subscription.
	Subscribe(ctx context.Context, key RoomKey, sink Sink) (*Subscription, error)
	// Publish delivers msg to every subscriber of msg.Room on every instance,
	// including the publisher's own subscription.
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type wireMessage struct {
	Room   RoomKey         `json:"room"`
	Origin string          `json:"origin,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// Encode is the cross-process representation used by network backends.
func Encode(msg Message) ([]byte, error) {
	ev, err := ws.EncodeEvent(msg.Event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return json.Marshal(wireMessage{Room: msg.Room, Origin: msg.Origin, Event: ev})
}

func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode bus message: %w", err)
	}
	ev, err := ws.DecodeEvent(w.Event)
	if err != nil {
		return Message{}, err
	}
	return Message{Room: w.Room, Origin: w.Origin, Event: ev}, nil
}
