package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Lifecycle pseudo-events. They travel through the same subscription stream as
// server-pushed events so subscribers observe a single total order.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Event is one named frame delivered to subscribers.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v. Empty payloads decode as {}.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Name)
	}
	return nil
}

// envelope is the websocket wire frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DisconnectInfo is the payload of EventDisconnect.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// ConnectErrorInfo is the payload of EventConnectError.
type ConnectErrorInfo struct {
	Error string `json:"error"`
}

// EncodeFrame builds a wire frame for event with payload marshalled as data.
func EncodeFrame(event string, payload any) ([]byte, error) {
	env := envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", event)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// DecodeFrame parses a wire frame.
func DecodeFrame(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, errors.Wrap(err, "decode frame")
	}
	if env.Event == "" {
		return Event{}, errors.New("frame without event name")
	}
	return Event{Name: env.Event, Data: env.Data}, nil
}

func lifecycleEvent(name string, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{Name: name, Data: raw}
}
