package types

import (
	"encoding/json"
)

// Reserved protocol event names. They are emitted and consumed by the
// connection layer itself; application handlers may observe them, but the
// protocol behavior attached to them is not optional.
const (
	// EventPing is sent by a heartbeat monitor to probe peer liveness.
	EventPing = "ping"

	// EventPong answers a ping. The reply is generated automatically by
	// the receiving connection.
	EventPong = "pong"

	// EventDisconnect announces an intentional close, optionally carrying
	// a DisconnectNotice payload with the reason.
	EventDisconnect = "__disconnect__"

	// EventHandshake is the first frame a client sends after the transport
	// connects. Its payload is the client's SocketMeta.
	EventHandshake = "__handshake__"
)

// EventMessage is the conventional event name for generic broadcast
// payloads. It carries no protocol behavior.
const EventMessage = "message"

// IsReservedEvent returns true for event names owned by the protocol layer.
func IsReservedEvent(name string) bool {
	switch name {
	case EventPing, EventPong, EventDisconnect, EventHandshake:
		return true
	}
	return false
}

// Message is the unit of exchange between peers: an event name and an
// arbitrary JSON payload. On the wire it is a single JSON object per line.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message, marshaling data as the payload. A nil data
// produces a message with no payload.
func NewMessage(event string, data interface{}) (Message, error) {
	msg := Message{Event: event}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, WrapError(ErrCodeInvalidArgument, "failed to encode message data", err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the payload into out. A message with no payload leaves
// out untouched.
func (m Message) Decode(out interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return WrapError(ErrCodeInvalidArgument, "failed to decode message data", err)
	}
	return nil
}

// Validate checks that the message can travel on the wire
func (m Message) Validate() error {
	if m.Event == "" {
		return NewError(ErrCodeInvalidArgument, "event name is required")
	}
	return nil
}

// String returns a short debug representation without the payload body
func (m Message) String() string {
	return "Message{event=" + m.Event + "}"
}

// SocketMeta identifies one peer connection. ID is generated fresh for
// every physical connection attempt; Username is the stable identity the
// server-side registry keys on; Name is a human-readable label.
type SocketMeta struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// Validate checks the fields the registry depends on
func (m SocketMeta) Validate() error {
	if m.Username == "" {
		return NewError(ErrCodeInvalidArgument, "username is required")
	}
	return nil
}

// DisconnectNotice is the optional payload of a __disconnect__ event
type DisconnectNotice struct {
	Reason string `json:"reason,omitempty"`
}

// DisconnectReasonSuperseded is the close reason a server sends to a
// connection evicted by a newer connection with the same identity. A
// client seeing it must not reconnect, or the two connections would
// evict each other forever.
const DisconnectReasonSuperseded = "superseded by reconnect"
