package chatbot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"ChatUI/internal/backend"
	"ChatUI/internal/render"
	"ChatUI/internal/session"
	"ChatUI/internal/store"
	"ChatUI/internal/telemetry"
)

const testModel = "qwen2.5:0.5b-instruct"

func newTestBot(t *testing.T, client *backend.MockClient) (*ChatBot, *store.SQLiteStore) {
	t.Helper()

	ledger, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	instruments, err := telemetry.NewInstruments(telemetry.Disabled().Meter)
	require.NoError(t, err)

	cb := New(session.New("s1", client.Name(), testModel, ""), Options{
		Client:      client,
		Recorder:    ledger,
		Instruments: instruments,
		Verbose:     true,
	})
	return cb, ledger
}

func waitForState(t *testing.T, cb *ChatBot, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return cb.State() == want }, time.Second, time.Millisecond)
}

func TestScenarioAStreamedReply(t *testing.T) {
	client := backend.NewMockClient().AddReply("Hi", " there", "!")
	cb, _ := newTestBot(t, client)

	var shown []string
	reply, err := cb.Submit(context.Background(), "Hello", func(u render.Update) {
		shown = append(shown, u.Content)
	})
	require.NoError(t, err)

	assert.Equal(t, session.RoleAssistant, reply.Role)
	assert.Equal(t, "Hi there!", reply.Content)
	assert.Equal(t, []string{"Hi", "Hi there", "Hi there!"}, shown)
	assert.Equal(t, StateIdle, cb.State())

	history := cb.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "Hello", history[0].Content)
	assert.Equal(t, "Hi there!", history[1].Content)

	req, ok := client.LastRequest()
	require.True(t, ok)
	assert.Equal(t, testModel, req.Model)
	require.Len(t, req.History, 1)
	assert.Equal(t, "Hello", req.History[0].Content)
}

func TestStateNotifications(t *testing.T) {
	client := backend.NewMockClient().AddReply("ok").AddError(&backend.BackendError{Detail: "boom"})

	var (
		states []State
		seen   []int
		cb     *ChatBot
	)
	cb = New(session.New("s1", client.Name(), testModel, ""), Options{
		Client: client,
		OnState: func(s State) {
			states = append(states, s)
			seen = append(seen, len(cb.History()))
		},
	})

	_, err := cb.Submit(context.Background(), "Hello", nil)
	require.NoError(t, err)
	_, err = cb.Submit(context.Background(), "Again", nil)
	require.Error(t, err)

	assert.Equal(t, []State{StateAwaitingResponse, StateIdle, StateAwaitingResponse, StateIdle}, states)
	assert.Equal(t, []int{1, 2, 3, 3}, seen, "user turn is in the history when awaiting is reported")

	// Rejected submissions never start a cycle
	_, err = cb.Submit(context.Background(), " ", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Len(t, states, 4)
}

func TestSubmissionsAlternate(t *testing.T) {
	const n = 4
	client := backend.NewMockClient()
	for i := 0; i < n; i++ {
		client.AddReply(fmt.Sprintf("reply %d", i))
	}
	cb, _ := newTestBot(t, client)

	for i := 0; i < n; i++ {
		_, err := cb.Submit(context.Background(), fmt.Sprintf("question %d", i), nil)
		require.NoError(t, err)
	}

	history := cb.History()
	require.Len(t, history, 2*n)
	for i, turn := range history {
		if i%2 == 0 {
			assert.Equal(t, session.RoleUser, turn.Role)
		} else {
			assert.Equal(t, session.RoleAssistant, turn.Role)
		}
	}

	// Each request carries the full history up to the new user turn
	for i, req := range client.Requests {
		assert.Len(t, req.History, 2*i+1)
	}
	assert.Equal(t, history, cb.History())
}

func TestScenarioBSubmitWhileAwaiting(t *testing.T) {
	gate := make(chan struct{})
	client := backend.NewMockClient().AddTurn(backend.MockTurn{Fragments: []string{"ok"}, Gate: gate})
	cb, _ := newTestBot(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := cb.Submit(context.Background(), "first", nil)
		done <- err
	}()
	waitForState(t, cb, StateAwaitingResponse)

	before := cb.History()
	_, err := cb.Submit(context.Background(), "second", nil)

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateAwaitingResponse, stateErr.State)
	assert.Equal(t, before, cb.History())
	assert.Equal(t, 1, client.RequestCount())

	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, cb.History(), 2)
	assert.Equal(t, StateIdle, cb.State())
}

// metricCounts sums the data points of every counter and histogram by name
func metricCounts(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					counts[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					counts[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return counts
}

func TestRejectedSubmissionMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	instruments, err := telemetry.NewInstruments(mp.Meter("test"))
	require.NoError(t, err)

	gate := make(chan struct{})
	client := backend.NewMockClient().AddTurn(backend.MockTurn{Fragments: []string{"ok"}, Gate: gate})
	cb := New(session.New("s1", client.Name(), testModel, ""), Options{Client: client, Instruments: instruments})

	done := make(chan error, 1)
	go func() {
		_, err := cb.Submit(context.Background(), "first", nil)
		done <- err
	}()
	waitForState(t, cb, StateAwaitingResponse)

	_, err = cb.Submit(context.Background(), "second", nil)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	close(gate)
	require.NoError(t, <-done)

	counts := metricCounts(t, reader)
	assert.Equal(t, int64(2), counts["chatui.turns"], "the rejection is counted")
	assert.Equal(t, int64(1), counts["chatui.turn.duration"], "only the cycle that ran has a duration")
	assert.Equal(t, int64(1), counts["http.client.request.duration"])
}

func TestScenarioCModelNotFound(t *testing.T) {
	client := backend.NewMockClient().AddError(&backend.BackendError{StatusCode: 404, Detail: "model not found"})
	cb, ledger := newTestBot(t, client)

	_, err := cb.Submit(context.Background(), "Hello", nil)

	var backendErr *backend.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "model not found", backendErr.Detail)
	assert.Equal(t, telemetry.OutcomeBackend, Outcome(err))
	assert.Equal(t, StateIdle, cb.State())

	history := cb.History()
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleUser, history[0].Role)

	summary, err := ledger.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, 1, summary[0].Failed)
}

func TestConnectionErrorBeforeFragments(t *testing.T) {
	connErr := &backend.ConnectionError{URL: "http://localhost:11434", Cause: errors.New("connection refused")}
	client := backend.NewMockClient().AddError(connErr).AddReply("recovered")
	cb, _ := newTestBot(t, client)

	calls := 0
	_, err := cb.Submit(context.Background(), "Hello", func(render.Update) { calls++ })
	assert.Same(t, connErr, err)
	assert.Zero(t, calls)
	assert.Len(t, cb.History(), 1)

	// The session stays usable
	reply, err := cb.Submit(context.Background(), "Hello again", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Content)

	history := cb.History()
	require.Len(t, history, 3)
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleUser, session.RoleAssistant},
		[]session.Role{history[0].Role, history[1].Role, history[2].Role})
}

func TestInterruptedStreamKeepsNoAssistantTurn(t *testing.T) {
	client := backend.NewMockClient().AddTurn(backend.MockTurn{
		Fragments: []string{"Hi", " the"},
		StreamErr: &backend.StreamInterruptedError{Fragments: 2},
	})
	cb, ledger := newTestBot(t, client)

	var shown string
	_, err := cb.Submit(context.Background(), "Hello", func(u render.Update) { shown = u.Content })

	assert.Equal(t, telemetry.OutcomeInterrupted, Outcome(err))
	assert.Equal(t, "Hi the", shown)
	assert.Len(t, cb.History(), 1)

	n, err := ledger.SessionTurns(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEmptyInputRejected(t *testing.T) {
	client := backend.NewMockClient()
	cb, _ := newTestBot(t, client)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := cb.Submit(context.Background(), input, nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
	}
	assert.Zero(t, cb.Session().Len())
	assert.Zero(t, client.RequestCount())
	assert.Equal(t, StateIdle, cb.State())
}

func TestModelChangeMidCycle(t *testing.T) {
	gate := make(chan struct{})
	client := backend.NewMockClient().
		AddTurn(backend.MockTurn{Fragments: []string{"one"}, Gate: gate}).
		AddReply("two")
	cb, _ := newTestBot(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := cb.Submit(context.Background(), "first", nil)
		done <- err
	}()
	waitForState(t, cb, StateAwaitingResponse)

	require.NoError(t, cb.SelectModel("llama3.2:1b"))
	close(gate)
	require.NoError(t, <-done)

	_, err := cb.Submit(context.Background(), "second", nil)
	require.NoError(t, err)

	require.Len(t, client.Requests, 2)
	assert.Equal(t, testModel, client.Requests[0].Model)
	assert.Equal(t, "llama3.2:1b", client.Requests[1].Model)
	assert.Equal(t, "llama3.2:1b", cb.Model())
}

func TestSelectModelEmpty(t *testing.T) {
	cb, _ := newTestBot(t, backend.NewMockClient())
	assert.ErrorIs(t, cb.SelectModel(""), session.ErrEmptyModel)
	assert.Equal(t, testModel, cb.Model())
}

func TestCancelledCycle(t *testing.T) {
	client := backend.NewMockClient().AddTurn(backend.MockTurn{Fragments: []string{"a", "b"}, Delay: 10 * time.Millisecond})
	cb, _ := newTestBot(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := cb.Submit(ctx, "Hello", func(render.Update) { cancel() })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, telemetry.OutcomeCancelled, Outcome(err))
	assert.Len(t, cb.History(), 1)
	assert.Equal(t, StateIdle, cb.State())
}

func TestReset(t *testing.T) {
	client := backend.NewMockClient().AddReply("hi")
	cb, _ := newTestBot(t, client)
	require.NoError(t, cb.SelectModel("llama3.2:1b"))

	_, err := cb.Submit(context.Background(), "Hello", nil)
	require.NoError(t, err)

	sess, err := cb.Reset("s2", "Be brief.")
	require.NoError(t, err)
	assert.Equal(t, "s2", sess.ID)
	assert.Equal(t, "llama3.2:1b", sess.CurrentModel())

	history := cb.History()
	require.Len(t, history, 1)
	assert.Equal(t, session.RoleSystem, history[0].Role)
}

func TestResetWhileAwaiting(t *testing.T) {
	gate := make(chan struct{})
	client := backend.NewMockClient().AddTurn(backend.MockTurn{Fragments: []string{"ok"}, Gate: gate})
	cb, _ := newTestBot(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := cb.Submit(context.Background(), "first", nil)
		done <- err
	}()
	waitForState(t, cb, StateAwaitingResponse)

	_, err := cb.Reset("s2", "")
	var stateErr *InvalidStateError
	assert.ErrorAs(t, err, &stateErr)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, "s1", cb.Session().ID)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, telemetry.OutcomeOK},
		{&InvalidStateError{State: StateAwaitingResponse, Op: "submit"}, telemetry.OutcomeRejected},
		{&backend.ConnectionError{Cause: errors.New("refused")}, telemetry.OutcomeConnection},
		{fmt.Errorf("wrapped: %w", &backend.BackendError{Detail: "x"}), telemetry.OutcomeBackend},
		{&backend.StreamInterruptedError{Fragments: 1}, telemetry.OutcomeInterrupted},
		{context.DeadlineExceeded, telemetry.OutcomeCancelled},
		{errors.New("boom"), telemetry.OutcomeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}
