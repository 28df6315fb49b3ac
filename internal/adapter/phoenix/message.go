// Package phoenix is a Phoenix Channels v2 client over WebSocket. A Socket
// multiplexes topics on one connection; each topic is a Channel that
// satisfies domain.Channel.
package phoenix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Protocol version appended to the socket URL as vsn.
const Version = "2.0.0"

// Reserved event names.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	topicPhoenix = "phoenix"
)

// Message is one frame of the v2 JSON serializer, encoded as the array
// [join_ref, ref, topic, event, payload]. Empty refs encode as null.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// OK reports whether the reply status is "ok".
func (r Reply) OK() bool { return r.Status == "ok" }

func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([5]any{nullable(m.JoinRef), nullable(m.Ref), m.Topic, m.Event, payload})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("phoenix frame: %w", err)
	}
	if len(parts) != 5 {
		return fmt.Errorf("phoenix frame: expected 5 elements, got %d", len(parts))
	}
	joinRef, err := decodeRef(parts[0])
	if err != nil {
		return fmt.Errorf("phoenix frame join_ref: %w", err)
	}
	ref, err := decodeRef(parts[1])
	if err != nil {
		return fmt.Errorf("phoenix frame ref: %w", err)
	}
	var topic, event string
	if err := json.Unmarshal(parts[2], &topic); err != nil {
		return fmt.Errorf("phoenix frame topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &event); err != nil {
		return fmt.Errorf("phoenix frame event: %w", err)
	}
	*m = Message{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: parts[4]}
	return nil
}

func nullable(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

// decodeRef accepts null, a string or a number. Some servers echo numeric refs.
func decodeRef(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}
