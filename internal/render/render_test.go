package render

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChatUI/internal/backend"
	"ChatUI/internal/session"
)

func sequence(t *testing.T, turn backend.MockTurn) backend.Sequence {
	t.Helper()
	client := backend.NewMockClient().AddTurn(turn)
	history := []session.Turn{session.NewTurn(session.RoleUser, "Hello")}
	seq, err := client.Send(context.Background(), history, "m")
	require.NoError(t, err)
	return seq
}

// closeTracker records whether the renderer closed the sequence
type closeTracker struct {
	backend.Sequence
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return c.Sequence.Close()
}

func TestRenderAssemblesInOrder(t *testing.T) {
	fragments := []string{"Hi", " there", "!"}
	seq := &closeTracker{Sequence: sequence(t, backend.MockTurn{Fragments: fragments})}

	var updates []Update
	result, err := New().Render(context.Background(), seq, func(u Update) {
		updates = append(updates, u)
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", result.Content)
	assert.Equal(t, strings.Join(fragments, ""), result.Content)
	assert.Equal(t, 3, result.Fragments)
	assert.True(t, seq.closed)

	require.Len(t, updates, 3)
	assert.Equal(t, Update{Index: 0, Delta: "Hi", Content: "Hi"}, updates[0])
	assert.Equal(t, Update{Index: 1, Delta: " there", Content: "Hi there"}, updates[1])
	assert.Equal(t, Update{Index: 2, Delta: "!", Content: "Hi there!"}, updates[2])
}

func TestRenderEmptyReply(t *testing.T) {
	calls := 0
	result, err := New().Render(context.Background(), sequence(t, backend.MockTurn{}), func(Update) { calls++ })
	require.NoError(t, err)
	assert.Empty(t, result.Content)
	assert.Zero(t, result.Fragments)
	assert.Zero(t, result.FirstFragment)
	assert.Zero(t, calls)
}

func TestRenderStopsOnError(t *testing.T) {
	streamErr := &backend.StreamInterruptedError{Fragments: 2}
	seq := &closeTracker{Sequence: sequence(t, backend.MockTurn{
		Fragments: []string{"Hi", " the"},
		StreamErr: streamErr,
	})}

	var shown string
	result, err := New().Render(context.Background(), seq, func(u Update) { shown = u.Content })

	assert.Same(t, streamErr, err)
	assert.Equal(t, "Hi the", result.Content)
	assert.Equal(t, 2, result.Fragments)
	assert.Equal(t, "Hi the", shown, "partial content stays visible")
	assert.True(t, seq.closed)
}

func TestRenderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := sequence(t, backend.MockTurn{Fragments: []string{"a", "b", "c"}})

	result, err := New().Render(ctx, seq, func(u Update) {
		if u.Index == 0 {
			cancel()
		}
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "a", result.Content)
	assert.Equal(t, 1, result.Fragments)
}

func TestRenderNilUpdate(t *testing.T) {
	result, err := New().Render(context.Background(), sequence(t, backend.MockTurn{Fragments: []string{"ok"}}), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
}
