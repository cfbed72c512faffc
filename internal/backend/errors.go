package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrInvalidRequest is returned by Send when the history or model cannot be
// sent: the history must be non-empty and end with a user turn.
var ErrInvalidRequest = errors.New("invalid backend request")

// ConnectionError means the backend could not be reached
type ConnectionError struct {
	URL   string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backend unreachable at %s: %v", e.URL, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// BackendError carries a failure reported by the backend, either as a
// non-success HTTP status or as an error object inside the stream.
type BackendError struct {
	StatusCode int // zero when reported in-stream
	Detail     string
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend error (%d %s): %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	}
	return "backend error: " + e.Detail
}

// StreamInterruptedError means the stream ended before its completion signal
type StreamInterruptedError struct {
	Fragments int // fragments delivered before the interruption
	Cause     error
}

func (e *StreamInterruptedError) Error() string {
	msg := fmt.Sprintf("stream interrupted after %d fragments", e.Fragments)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StreamInterruptedError) Unwrap() error {
	return e.Cause
}

const maxErrorBody = 64 << 10

// statusError builds a BackendError from a non-success response. The detail
// is taken from the {"error": "..."} (Ollama) or {"error": {"message": "..."}}
// (OpenAI) body when present, the raw body otherwise.
func statusError(resp *http.Response) *BackendError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &BackendError{
		StatusCode: resp.StatusCode,
		Detail:     errorDetail(body, resp.Status),
	}
}

func errorDetail(body []byte, fallback string) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var msg string
		if err := json.Unmarshal(payload.Error, &msg); err == nil && msg != "" {
			return msg
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}
