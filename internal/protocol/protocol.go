package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"bassethound/pkg/model"
)

// Command is an inbound envelope from the controller.
type Command struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Target string          `json:"target,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorInfo is the typed error carried by a failed response.
type ErrorInfo struct {
	Kind    model.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// Response is the terminal answer for one correlation ID. Exactly one is
// emitted per accepted command.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event is an unsolicited outbound notification.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Control frames carry liveness and identity traffic outside the
// command/response flow.
type Control struct {
	Type string `json:"type"`
}

const (
	ControlPing  = "ping"
	ControlPong  = "pong"
	ControlHello = "hello"
)

// Hello re-establishes identity and capabilities after every (re)connect.
type Hello struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agentId"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Inbound is the decoded form of one frame from the controller.
type Inbound struct {
	Control string   // ping/pong when non-empty
	Command *Command // set for command envelopes
}

// Decode classifies and parses a single inbound frame. A frame carrying a
// "type" field is a control message; anything else must be a well-formed
// command envelope with a non-empty id and kind.
func Decode(raw []byte) (Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return Inbound{}, fmt.Errorf("malformed frame: not valid JSON")
	}
	if t := gjson.GetBytes(raw, "type"); t.Exists() {
		switch t.String() {
		case ControlPing, ControlPong:
			return Inbound{Control: t.String()}, nil
		default:
			return Inbound{}, fmt.Errorf("unknown control frame %q", t.String())
		}
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Inbound{}, fmt.Errorf("malformed command envelope: %w", err)
	}
	if cmd.ID == "" {
		return Inbound{}, fmt.Errorf("command envelope missing id")
	}
	if cmd.Kind == "" {
		return Inbound{}, fmt.Errorf("command envelope missing kind")
	}
	return Inbound{Command: &cmd}, nil
}

// OK builds a success response around an already-serialized result.
func OK(id string, result json.RawMessage) Response {
	return Response{ID: id, Success: true, Result: result}
}

// Fail builds a typed error response.
func Fail(id string, kind model.ErrorKind, msg string) Response {
	return Response{ID: id, Success: false, Error: &ErrorInfo{Kind: kind, Message: msg}}
}
