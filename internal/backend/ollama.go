package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"ChatUI/internal/session"
)

// OllamaRequest represents the request body for the Ollama /api/chat endpoint
type OllamaRequest struct {
	Model     string         `json:"model"`
	Messages  []ChatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	KeepAlive any            `json:"keep_alive,omitempty"`
	Options   *OllamaOptions `json:"options,omitempty"`
}

// OllamaOptions holds the runtime parameters sent with every request
type OllamaOptions struct {
	F16KV       bool    `json:"f16_kv"`
	LowVRAM     bool    `json:"low_vram"`
	UseMlock    bool    `json:"use_mlock"`
	Temperature float64 `json:"temperature"`
}

// OllamaResponse is one frame of an /api/chat response. A streaming reply is
// a sequence of these, one JSON object per line, the last with Done set.
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	Error           string `json:"error,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	LoadDuration    int64  `json:"load_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	EvalDuration    int64  `json:"eval_duration,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// OllamaClient talks to a local Ollama server
type OllamaClient struct {
	httpBackend
}

// NewOllamaClient creates an Ollama client
func NewOllamaClient(opts Options) *OllamaClient {
	return &OllamaClient{httpBackend: newHTTPBackend("ollama", opts)}
}

// Name returns the backend identifier
func (c *OllamaClient) Name() string {
	return c.name
}

// Send posts history to /api/chat and returns the reply stream
func (c *OllamaClient) Send(ctx context.Context, history []session.Turn, model string) (Sequence, error) {
	if err := validateRequest(history, model); err != nil {
		return nil, err
	}

	reqBody := OllamaRequest{
		Model:     model,
		Messages:  turnMessages(history),
		Stream:    c.opts.Stream,
		KeepAlive: c.opts.KeepAlive,
		Options: &OllamaOptions{
			F16KV:       true,
			LowVRAM:     false,
			UseMlock:    false,
			Temperature: c.opts.Temperature,
		},
	}

	c.logger.Debug("sending ollama request", "model", model, "messages", len(history), "stream", c.opts.Stream)
	return c.openStream(ctx, "/api/chat", model, reqBody, ollamaReader)
}

// ollamaReader decodes newline-delimited JSON frames
func ollamaReader(body io.Reader) readFrameFunc {
	dec := json.NewDecoder(body)
	return func() (frame, error) {
		var r OllamaResponse
		if err := dec.Decode(&r); err != nil {
			return frame{}, err
		}
		return ollamaFrame(r), nil
	}
}

func ollamaFrame(r OllamaResponse) frame {
	if r.Error != "" {
		return frame{err: &BackendError{Detail: r.Error}}
	}

	f := frame{text: r.Message.Content, done: r.Done}
	if r.Done {
		f.stats = &Stats{
			Model:            r.Model,
			DoneReason:       r.DoneReason,
			PromptTokens:     r.PromptEvalCount,
			CompletionTokens: r.EvalCount,
			TotalDuration:    time.Duration(r.TotalDuration),
			LoadDuration:     time.Duration(r.LoadDuration),
			EvalDuration:     time.Duration(r.EvalDuration),
		}
	}
	return f
}

// ListModels fetches the models installed in Ollama
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var tags OllamaTagsResponse
	if err := c.get(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}
