package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ChatUI/internal/config"
	"ChatUI/internal/session"
)

// Client sends a conversation to an LLM runtime and returns the reply as a
// fragment sequence. Implementations perform no retries.
type Client interface {
	// Name returns the backend identifier (ollama, openai, mock)
	Name() string

	// Send starts a generation for history, which must end with a user turn
	Send(ctx context.Context, history []session.Turn, model string) (Sequence, error)

	// ListModels returns the model identifiers the backend can serve
	ListModels(ctx context.Context) ([]string, error)
}

// Options configures an HTTP backend client
type Options struct {
	BaseURL     string
	Stream      bool
	KeepAlive   any // Ollama keep_alive: -1 or a duration string
	Temperature float64

	RequestTimeout        time.Duration
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	StreamIdleTimeout     time.Duration // longest wait for the next frame, zero disables

	Logger *slog.Logger
}

// OptionsFromConfig maps the application config to client options
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		BaseURL:               cfg.BackendURL,
		Stream:                cfg.Stream,
		KeepAlive:             cfg.KeepAliveValue(),
		Temperature:           cfg.Temperature,
		RequestTimeout:        cfg.RequestTimeout,
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		StreamIdleTimeout:     cfg.StreamIdleTimeout,
		Logger:                logger,
	}
}

// New creates the client for the configured backend
func New(cfg *config.Config, logger *slog.Logger) (Client, error) {
	opts := OptionsFromConfig(cfg, logger)
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllamaClient(opts), nil
	case config.BackendOpenAI:
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// httpBackend holds what the Ollama and OpenAI clients share
type httpBackend struct {
	name       string
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

func newHTTPBackend(name string, opts Options) httpBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = opts.ResponseHeaderTimeout

	return httpBackend{
		name:    name,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		opts:    opts,
		httpClient: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
		logger: logger.With("backend", name),
		tracer: otel.Tracer("chatui/backend"),
	}
}

// validateRequest enforces the input constraints of Send
func validateRequest(history []session.Turn, model string) error {
	if model == "" {
		return fmt.Errorf("%w: model is empty", ErrInvalidRequest)
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: history is empty", ErrInvalidRequest)
	}
	if last := history[len(history)-1]; last.Role != session.RoleUser {
		return fmt.Errorf("%w: history ends with a %s turn", ErrInvalidRequest, last.Role)
	}
	return nil
}

// post sends body to path and returns the response once a success status
// arrived. The returned span is still open; the caller ends it when the
// stream finishes.
func (b *httpBackend) post(ctx context.Context, path, model string, body any) (*http.Response, trace.Span, error) {
	ctx, span := b.tracer.Start(ctx, b.name+"_api_call",
		trace.WithAttributes(
			attribute.String("llm.backend", b.name),
			attribute.String("llm.model", model),
		),
	)

	jsonData, err := json.Marshal(body)
	if err != nil {
		endSpan(span, err)
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		endSpan(span, err)
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := b.do(req)
	if err != nil {
		endSpan(span, err)
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		backendErr := statusError(resp)
		b.logger.Warn("backend returned error status", "model", model, "status", resp.StatusCode, "detail", backendErr.Detail)
		endSpan(span, backendErr)
		return nil, nil, backendErr
	}

	return resp, span, nil
}

// openStream posts body and returns the response as a Sequence decoded by
// newReader. The request runs under its own context so that a stream going
// silent for longer than StreamIdleTimeout can be abandoned.
func (b *httpBackend) openStream(ctx context.Context, path, model string, body any, newReader func(io.Reader) readFrameFunc) (Sequence, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)

	resp, span, err := b.post(reqCtx, path, model, body)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	onFinish := func(err error) {
		endSpan(span, err)
		cancel(nil)
	}
	s := newWireStream(ctx, resp.Body, newReader(resp.Body), onFinish)
	s.url = b.baseURL
	s.watchIdle(reqCtx, b.opts.StreamIdleTimeout, cancel)
	return s, nil
}

// get fetches path and decodes the JSON response into out
func (b *httpBackend) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// do performs req, reporting transport failures as ConnectionError. A
// cancelled context is returned as is.
func (b *httpBackend) do(req *http.Request) (*http.Response, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectionError{URL: b.baseURL, Cause: err}
	}
	return resp, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// turnMessages converts session turns to the {role, content} wire form
// shared by Ollama and OpenAI-compatible servers.
func turnMessages(history []session.Turn) []ChatMessage {
	messages := make([]ChatMessage, len(history))
	for i, turn := range history {
		messages[i] = ChatMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}
	return messages
}

// ChatMessage is a message in a chat request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
