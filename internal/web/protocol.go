package web

import (
	"ChatUI/internal/render"
	"ChatUI/internal/session"
)

// Message types from browser to server
const (
	TypeSubmit      = "submit"
	TypeSelectModel = "select_model"
	TypeNewSession  = "new_session"
)

// Message types from server to browser
const (
	TypeSession = "session"
	TypeTurn    = "turn"
	TypeDelta   = "delta"
	TypeDone    = "done"
	TypeState   = "state"
	TypeModel   = "model"
	TypeError   = "error"
)

// Error codes carried by error messages
const (
	ErrorCodeConnection     = "connection_error"
	ErrorCodeBackend        = "backend_error"
	ErrorCodeInterrupted    = "stream_interrupted"
	ErrorCodeInvalidState   = "invalid_state"
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnknownModel   = "unknown_model"
	ErrorCodeCancelled      = "cancelled"
	ErrorCodeInternal       = "internal_error"
)

// BaseMessage contains the fields every message carries
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// SubmitMessage is sent by the browser to submit user input
type SubmitMessage struct {
	BaseMessage
	Content string `json:"content"`
}

// SelectModelMessage is sent by the browser to change the model
type SelectModelMessage struct {
	BaseMessage
	Model string `json:"model"`
}

// SessionMessage describes the session bound to the connection. It is sent
// on connect and after every new_session.
type SessionMessage struct {
	BaseMessage
	Backend string         `json:"backend"`
	Model   string         `json:"model"`
	Stream  bool           `json:"stream"`
	Turns   []session.Turn `json:"turns"`
}

// TurnMessage echoes an accepted user turn
type TurnMessage struct {
	BaseMessage
	Turn session.Turn `json:"turn"`
}

// DeltaMessage carries one rendered fragment
type DeltaMessage struct {
	BaseMessage
	render.Update
}

// DoneMessage carries the completed assistant turn
type DoneMessage struct {
	BaseMessage
	Turn session.Turn `json:"turn"`
}

// StateMessage reports a turn cycle phase change
type StateMessage struct {
	BaseMessage
	State string `json:"state"`
}

// ModelMessage confirms a model selection
type ModelMessage struct {
	BaseMessage
	Model string `json:"model"`
}

// ErrorMessage reports a failure. Cycle is set when the failure ended a turn
// cycle that was under way; other errors leave a streaming reply alone.
// Partial is set when some of the reply was already shown before the failure.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
	Cycle   bool   `json:"cycle,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}
