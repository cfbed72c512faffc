package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role identifies who produced a turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrInvalidRole = errors.New("invalid turn role")
	ErrOutOfOrder  = errors.New("turn out of order")
	ErrEmptyModel  = errors.New("model identifier is empty")
)

// Turn represents a single chat message
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now()}
}

// Session represents one browser conversation. Turns are stored by value and
// only ever appended.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Backend   string    `json:"backend"`

	mu    sync.RWMutex
	turns []Turn
	model string
}

// New creates an empty session targeting model. A non-empty systemPrompt
// becomes the leading system turn.
func New(id, backend, model, systemPrompt string) *Session {
	s := &Session{
		ID:        id,
		StartTime: time.Now(),
		Backend:   backend,
		model:     model,
	}
	if systemPrompt != "" {
		s.turns = append(s.turns, NewTurn(RoleSystem, systemPrompt))
	}
	return s
}

// Append adds turn to the end of the history.
//
// A system turn is only accepted first, and an assistant turn must answer the
// turn right before it, which has to be a user turn. Consecutive user turns
// are allowed so a failed cycle can be followed by a new submission.
func (s *Session) Append(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch turn.Role {
	case RoleSystem:
		if len(s.turns) != 0 {
			return fmt.Errorf("%w: system turn after %d turns", ErrOutOfOrder, len(s.turns))
		}
	case RoleUser:
	case RoleAssistant:
		if len(s.turns) == 0 || s.turns[len(s.turns)-1].Role != RoleUser {
			return fmt.Errorf("%w: assistant turn must follow a user turn", ErrOutOfOrder)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.turns = append(s.turns, turn)
	return nil
}

// History returns a copy of all turns in chronological order
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// CurrentModel returns the selected model identifier
func (s *Session) CurrentModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetModel changes the model used by the next request
func (s *Session) SetModel(model string) error {
	if model == "" {
		return ErrEmptyModel
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}
