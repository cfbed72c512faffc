package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"ChatUI/internal/backend"
	"ChatUI/internal/render"
	"ChatUI/internal/session"
	"ChatUI/internal/store"
	"ChatUI/internal/telemetry"
)

// State is the phase of the turn cycle
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
)

// ErrEmptyInput is returned for blank submissions; the session is left untouched
var ErrEmptyInput = errors.New("input is empty")

// InvalidStateError is returned when an operation is not allowed in the
// current state, such as a submission while a reply is still streaming.
type InvalidStateError struct {
	State State
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}

// Recorder receives one record per finished turn cycle
type Recorder interface {
	RecordTurn(ctx context.Context, rec store.TurnRecord) error
}

// Options carries the collaborators of a ChatBot. Client is required.
type Options struct {
	Client      backend.Client
	Renderer    *render.Renderer
	Recorder    Recorder // optional
	Instruments *telemetry.Instruments
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Verbose     bool

	// OnState is called on every phase change of the turn cycle: with
	// StateAwaitingResponse once the user turn is in the history, and with
	// StateIdle when the cycle is over. It runs on the submitting goroutine.
	OnState func(State)
}

// ChatBot drives the turn cycle of one session
type ChatBot struct {
	client      backend.Client
	renderer    *render.Renderer
	recorder    Recorder
	instruments *telemetry.Instruments
	tracer      trace.Tracer
	logger      *slog.Logger
	verbose     bool
	onState     func(State)

	mu      sync.Mutex
	state   State
	session *session.Session
}

// New creates a ChatBot for sess
func New(sess *session.Session, opts Options) *ChatBot {
	cb := &ChatBot{
		client:      opts.Client,
		renderer:    opts.Renderer,
		recorder:    opts.Recorder,
		instruments: opts.Instruments,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
		verbose:     opts.Verbose,
		onState:     opts.OnState,
		state:       StateIdle,
		session:     sess,
	}
	if cb.renderer == nil {
		cb.renderer = render.New()
	}
	if cb.tracer == nil {
		cb.tracer = tracenoop.NewTracerProvider().Tracer("chatui/chatbot")
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	return cb
}

// Session returns the current session
func (cb *ChatBot) Session() *session.Session {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.session
}

// State returns the current phase of the turn cycle
func (cb *ChatBot) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// History returns a copy of the session's turns
func (cb *ChatBot) History() []session.Turn {
	return cb.Session().History()
}

// Model returns the model the next request will use
func (cb *ChatBot) Model() string {
	return cb.Session().CurrentModel()
}

// SelectModel changes the model for subsequent requests. A cycle already in
// flight keeps the model it started with.
func (cb *ChatBot) SelectModel(model string) error {
	sess := cb.Session()
	if err := sess.SetModel(model); err != nil {
		return err
	}
	cb.logger.Info("model selected", "session_id", sess.ID, "model", model)
	return nil
}

// Reset replaces the session with an empty one that keeps the current model.
// It is rejected while a reply is streaming.
func (cb *ChatBot) Reset(id, systemPrompt string) (*session.Session, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateIdle {
		return nil, &InvalidStateError{State: cb.state, Op: "start a new session"}
	}

	old := cb.session
	cb.session = session.New(id, old.Backend, old.CurrentModel(), systemPrompt)
	cb.logger.Info("created new session", "session_id", id, "previous_session_id", old.ID, "backend", old.Backend)
	return cb.session, nil
}

// Submit runs one turn cycle: it appends input as a user turn, requests a
// reply for the whole history and renders it through update. On success the
// assistant turn is appended and returned.
//
// Any failure is returned unchanged. The user turn stays in the history, no
// assistant turn is appended, and the ChatBot is idle again.
func (cb *ChatBot) Submit(ctx context.Context, input string, update render.UpdateFunc) (session.Turn, error) {
	cb.mu.Lock()
	if cb.state != StateIdle {
		state := cb.state
		cb.mu.Unlock()
		cb.recordRejected(ctx)
		return session.Turn{}, &InvalidStateError{State: state, Op: "submit"}
	}
	if strings.TrimSpace(input) == "" {
		cb.mu.Unlock()
		return session.Turn{}, ErrEmptyInput
	}
	cb.state = StateAwaitingResponse
	sess := cb.session
	cb.mu.Unlock()

	defer func() {
		cb.mu.Lock()
		cb.state = StateIdle
		cb.mu.Unlock()
		cb.notify(StateIdle)
	}()

	if err := sess.Append(session.NewTurn(session.RoleUser, input)); err != nil {
		return session.Turn{}, err
	}
	cb.notify(StateAwaitingResponse)

	// Read once; a selection made mid-cycle applies to the next request
	model := sess.CurrentModel()

	ctx, span := cb.tracer.Start(ctx, "turn_cycle",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("llm.backend", cb.client.Name()),
			attribute.String("llm.model", model),
		),
	)
	defer span.End()

	start := time.Now()
	var (
		result  render.Result
		stats   backend.Stats
		request time.Duration
	)

	seq, err := cb.client.Send(ctx, sess.History(), model)
	if err == nil {
		request = time.Since(start)
		result, err = cb.renderer.Render(ctx, seq, update)
		if reporter, ok := seq.(backend.StatsReporter); ok {
			stats = reporter.Stats()
		}
	}

	var reply session.Turn
	if err == nil {
		reply = session.NewTurn(session.RoleAssistant, result.Content)
		err = sess.Append(reply)
	}

	result.Duration = time.Since(start)
	cb.finish(ctx, sess, model, result, stats, request, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return session.Turn{}, err
	}
	span.SetAttributes(attribute.Int("chatui.fragments", result.Fragments))
	return reply, nil
}

func (cb *ChatBot) notify(state State) {
	if cb.onState != nil {
		cb.onState(state)
	}
}

// finish logs and records a finished cycle
func (cb *ChatBot) finish(ctx context.Context, sess *session.Session, model string, result render.Result, stats backend.Stats, request time.Duration, err error) {
	outcome := Outcome(err)

	attrs := []any{
		"session_id", sess.ID,
		"backend", cb.client.Name(),
		"model", model,
		"outcome", outcome,
		"fragments", result.Fragments,
		"duration_ms", result.Duration.Milliseconds(),
	}
	if err != nil {
		cb.logger.Error("turn failed", append(attrs, "error", err)...)
	} else {
		cb.logger.Info("turn completed", append(attrs,
			"first_fragment_ms", result.FirstFragment.Milliseconds(),
			"prompt_tokens", stats.PromptTokens,
			"completion_tokens", stats.CompletionTokens,
		)...)
	}

	if cb.verbose {
		for i, turn := range sess.History() {
			cb.logger.Debug("session turn", "session_id", sess.ID, "index", i, "role", turn.Role, "content", turn.Content)
		}
	}

	// The cycle may have been cancelled by a closed connection
	recordCtx := context.WithoutCancel(ctx)

	if cb.instruments != nil {
		cb.instruments.RecordTurn(recordCtx, telemetry.TurnMetrics{
			Backend:          cb.client.Name(),
			Model:            model,
			Outcome:          outcome,
			Fragments:        result.Fragments,
			FirstFragment:    result.FirstFragment,
			Duration:         result.Duration,
			Request:          request,
			PromptTokens:     stats.PromptTokens,
			CompletionTokens: stats.CompletionTokens,
		})
	}

	if cb.recorder != nil {
		rec := store.TurnRecord{
			SessionID:     sess.ID,
			Backend:       cb.client.Name(),
			Model:         model,
			Outcome:       outcome,
			Fragments:     result.Fragments,
			Chars:         utf8.RuneCountInString(result.Content),
			FirstFragment: result.FirstFragment,
			Duration:      result.Duration,
		}
		if err != nil {
			rec.ErrorCode = outcome
		}
		if err := cb.recorder.RecordTurn(recordCtx, rec); err != nil {
			cb.logger.Warn("failed to record turn", "session_id", sess.ID, "error", err)
		}
	}
}

func (cb *ChatBot) recordRejected(ctx context.Context) {
	cb.logger.Warn("submission rejected, reply still streaming", "session_id", cb.Session().ID)
	if cb.instruments != nil {
		cb.instruments.RecordRejected(ctx, cb.client.Name(), cb.Model())
	}
}

// Outcome classifies the result of a turn cycle
func Outcome(err error) string {
	var (
		stateErr       *InvalidStateError
		connErr        *backend.ConnectionError
		backendErr     *backend.BackendError
		interruptedErr *backend.StreamInterruptedError
	)

	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.As(err, &stateErr):
		return telemetry.OutcomeRejected
	case errors.As(err, &connErr):
		return telemetry.OutcomeConnection
	case errors.As(err, &backendErr):
		return telemetry.OutcomeBackend
	case errors.As(err, &interruptedErr):
		return telemetry.OutcomeInterrupted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeCancelled
	default:
		return telemetry.OutcomeInternal
	}
}
