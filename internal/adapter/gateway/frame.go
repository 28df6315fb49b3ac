package gateway

import (
	"encoding/json"

	"synapsis/internal/domain"
)

// FrameType tells a gateway client how to read a Frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"  // client -> gateway RPC call
	FrameTypeResponse FrameType = "response" // gateway -> client RPC result
	FrameTypeEvent    FrameType = "event"    // gateway -> client session notification
)

// Frame is one JSON message on a /ws connection. Requests carry an RPC
// method such as chat.send; events carry a bus notification with Method set
// to its event type.
type Frame struct {
	Type    FrameType        `json:"type"`
	ID      uint64           `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    domain.ErrorCode `json:"code,omitempty"`
}

// responseFrame answers request id with either result or err classified by
// domain.ErrorCodeOf.
func responseFrame(id uint64, result json.RawMessage, err error) Frame {
	f := Frame{Type: FrameTypeResponse, ID: id, Payload: result}
	if err != nil {
		f.Error = err.Error()
		f.Code = domain.ErrorCodeOf(err)
	}
	return f
}

// eventFrame wraps a session notification for forwarding.
func eventFrame(event domain.Event) (Frame, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Method: string(event.Type), Payload: payload}, nil
}
