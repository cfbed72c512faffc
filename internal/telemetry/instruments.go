package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Turn outcomes used as the "outcome" metric attribute and in the turn ledger
const (
	OutcomeOK          = "ok"
	OutcomeConnection  = "connection_error"
	OutcomeBackend     = "backend_error"
	OutcomeInterrupted = "stream_interrupted"
	OutcomeCancelled   = "cancelled"
	OutcomeRejected    = "invalid_state"
	OutcomeInternal    = "internal_error"
)

// Instruments are the metrics recorded for every turn cycle
type Instruments struct {
	turns           metric.Int64Counter
	turnDuration    metric.Float64Histogram
	firstFragment   metric.Float64Histogram
	fragments       metric.Int64Counter
	tokens          metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewInstruments creates the turn instruments on meter
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)

	if in.turns, err = meter.Int64Counter("chatui.turns",
		metric.WithDescription("Completed turn cycles by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}
	if in.turnDuration, err = meter.Float64Histogram("chatui.turn.duration",
		metric.WithDescription("Turn cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}
	if in.firstFragment, err = meter.Float64Histogram("chatui.first_fragment",
		metric.WithDescription("Time to first reply fragment in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create first fragment histogram: %w", err)
	}
	if in.fragments, err = meter.Int64Counter("chatui.fragments",
		metric.WithDescription("Reply fragments rendered"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fragments counter: %w", err)
	}
	if in.tokens, err = meter.Int64Counter("llm.usage.tokens",
		metric.WithDescription("Tokens reported by the backend, by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}
	if in.requestDuration, err = meter.Float64Histogram("http.client.request.duration",
		metric.WithDescription("Time until the backend answered a chat request, in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	return &in, nil
}

// TurnMetrics describes one finished cycle
type TurnMetrics struct {
	Backend          string
	Model            string
	Outcome          string
	Fragments        int
	FirstFragment    time.Duration
	Duration         time.Duration
	Request          time.Duration // until the backend responded, zero if no request was sent
	PromptTokens     int
	CompletionTokens int
}

// RecordTurn records the metrics of a finished cycle
func (in *Instruments) RecordTurn(ctx context.Context, m TurnMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("llm.backend", m.Backend),
		attribute.String("llm.model", m.Model),
		attribute.String("outcome", m.Outcome),
	)

	in.turns.Add(ctx, 1, attrs)
	in.turnDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)

	if m.Request > 0 {
		in.requestDuration.Record(ctx, float64(m.Request.Milliseconds()),
			metric.WithAttributes(attribute.String("llm.backend", m.Backend), attribute.String("llm.model", m.Model)))
	}

	if m.Fragments > 0 {
		in.fragments.Add(ctx, int64(m.Fragments), attrs)
		in.firstFragment.Record(ctx, float64(m.FirstFragment.Milliseconds()), attrs)
	}

	model := metric.WithAttributes(attribute.String("llm.model", m.Model), attribute.String("kind", "prompt"))
	if m.PromptTokens > 0 {
		in.tokens.Add(ctx, int64(m.PromptTokens), model)
	}
	if m.CompletionTokens > 0 {
		in.tokens.Add(ctx, int64(m.CompletionTokens),
			metric.WithAttributes(attribute.String("llm.model", m.Model), attribute.String("kind", "completion")))
	}
}

// RecordRejected counts a submission turned away because a reply was still
// streaming. No cycle ran, so no durations are recorded.
func (in *Instruments) RecordRejected(ctx context.Context, backend, model string) {
	in.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("llm.backend", backend),
		attribute.String("llm.model", model),
		attribute.String("outcome", OutcomeRejected),
	))
}
