package backend

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"ChatUI/internal/session"
)

// MockTurn scripts one reply of the mock client
type MockTurn struct {
	Fragments []string      // Fragments yielded in order
	SendErr   error         // Returned by Send instead of a sequence
	StreamErr error         // Returned by Next after the fragments, instead of io.EOF
	Gate      chan struct{} // When set, the first Next blocks until it is closed
	Delay     time.Duration // Optional delay before each fragment
}

// MockRequest records one Send call
type MockRequest struct {
	History []session.Turn
	Model   string
}

// MockClient is a configurable backend for testing.
// It returns scripted replies and records every request for verification.
type MockClient struct {
	models    []string
	turns     []MockTurn
	turnIndex int
	Requests  []MockRequest
	mu        sync.Mutex
}

// NewMockClient creates a mock client serving models
func NewMockClient(models ...string) *MockClient {
	return &MockClient{models: models}
}

// AddTurn adds a scripted reply and returns the client for chaining
func (m *MockClient) AddTurn(t MockTurn) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

// AddReply is a convenience method to add a reply made of fragments
func (m *MockClient) AddReply(fragments ...string) *MockClient {
	return m.AddTurn(MockTurn{Fragments: fragments})
}

// AddError adds a turn whose Send fails with err
func (m *MockClient) AddError(err error) *MockClient {
	return m.AddTurn(MockTurn{SendErr: err})
}

// RequestCount returns the number of recorded Send calls
func (m *MockClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent Send call
func (m *MockClient) LastRequest() (MockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return MockRequest{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

// Name returns "mock"
func (m *MockClient) Name() string {
	return "mock"
}

// Send implements Client
func (m *MockClient) Send(ctx context.Context, history []session.Turn, model string) (Sequence, error) {
	if err := validateRequest(history, model); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, MockRequest{History: history, Model: model})
	if m.turnIndex >= len(m.turns) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock client: no more turns configured (expected turn %d, have %d)", m.turnIndex, len(m.turns))
	}
	turn := m.turns[m.turnIndex]
	m.turnIndex++
	m.mu.Unlock()

	if turn.SendErr != nil {
		return nil, turn.SendErr
	}
	return &mockSequence{ctx: ctx, turn: turn}, nil
}

// ListModels returns the configured models
func (m *MockClient) ListModels(ctx context.Context) ([]string, error) {
	out := make([]string, len(m.models))
	copy(out, m.models)
	return out, nil
}

type mockSequence struct {
	ctx    context.Context
	turn   MockTurn
	next   int
	gated  bool
	done   bool
	closed bool
	mu     sync.Mutex
}

func (s *mockSequence) Next() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}
	if !s.gated && s.turn.Gate != nil {
		s.gated = true
		select {
		case <-s.ctx.Done():
			return Fragment{}, s.ctx.Err()
		case <-s.turn.Gate:
		}
	}

	if s.turn.Delay > 0 {
		select {
		case <-s.ctx.Done():
			return Fragment{}, s.ctx.Err()
		case <-time.After(s.turn.Delay):
		}
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Fragment{}, &StreamInterruptedError{Fragments: s.next}
	}
	if err := s.ctx.Err(); err != nil {
		return Fragment{}, err
	}

	if s.next < len(s.turn.Fragments) {
		text := s.turn.Fragments[s.next]
		s.next++
		return Fragment{Text: text}, nil
	}
	if s.turn.StreamErr != nil {
		return Fragment{}, s.turn.StreamErr
	}
	s.done = true
	return Fragment{}, io.EOF
}

func (s *mockSequence) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ Client = (*MockClient)(nil)
