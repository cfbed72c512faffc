package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"ChatUI/internal/session"
)

// OpenAIRequest represents the request body for OpenAI-compatible servers
type OpenAIRequest struct {
	Model         string               `json:"model"`
	Messages      []ChatMessage        `json:"messages"`
	Stream        bool                 `json:"stream"`
	Temperature   float64              `json:"temperature"`
	StreamOptions *OpenAIStreamOptions `json:"stream_options,omitempty"`
}

// OpenAIStreamOptions asks for a usage block on the last chunk
type OpenAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAIResponse represents a non-streaming chat completion
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// OpenAIStreamChunk is the payload of one "data:" line of a streaming reply
type OpenAIStreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIChoice carries either a full message or a delta
type OpenAIChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// OpenAIUsage reports token counts
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIModelsResponse represents the response from /v1/models
type OpenAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

const sseDone = "[DONE]"

// OpenAIClient talks to an OpenAI-compatible local server over SSE
type OpenAIClient struct {
	httpBackend
}

// NewOpenAIClient creates an OpenAI-compatible client
func NewOpenAIClient(opts Options) *OpenAIClient {
	return &OpenAIClient{httpBackend: newHTTPBackend("openai", opts)}
}

// Name returns the backend identifier
func (c *OpenAIClient) Name() string {
	return c.name
}

// Send posts history to /v1/chat/completions and returns the reply stream
func (c *OpenAIClient) Send(ctx context.Context, history []session.Turn, model string) (Sequence, error) {
	if err := validateRequest(history, model); err != nil {
		return nil, err
	}

	reqBody := OpenAIRequest{
		Model:       model,
		Messages:    turnMessages(history),
		Stream:      c.opts.Stream,
		Temperature: c.opts.Temperature,
	}
	if c.opts.Stream {
		reqBody.StreamOptions = &OpenAIStreamOptions{IncludeUsage: true}
	}

	c.logger.Debug("sending openai request", "model", model, "messages", len(history), "stream", c.opts.Stream)
	if !c.opts.Stream {
		return c.openStream(ctx, "/v1/chat/completions", model, reqBody, completionReader)
	}
	return c.openStream(ctx, "/v1/chat/completions", model, reqBody, sseReader)
}

// completionReader decodes a non-streaming reply as a single final frame
func completionReader(body io.Reader) readFrameFunc {
	read := false
	return func() (frame, error) {
		if read {
			return frame{}, io.EOF
		}
		read = true

		var r OpenAIResponse
		if err := json.NewDecoder(body).Decode(&r); err != nil {
			return frame{}, err
		}

		f := frame{done: true, stats: usageStats(r.Model, r.Usage)}
		if len(r.Choices) > 0 {
			if msg := r.Choices[0].Message; msg != nil {
				f.text = msg.Content
			}
			f.stats.DoneReason = r.Choices[0].FinishReason
		}
		return f, nil
	}
}

// sseReader decodes server-sent events. Only "data:" lines are used; the
// stream is complete when the "[DONE]" sentinel arrives.
func sseReader(body io.Reader) readFrameFunc {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var last Stats
	return func() (frame, error) {
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			payload, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			payload = bytes.TrimSpace(payload)

			if string(payload) == sseDone {
				stats := last
				return frame{done: true, stats: &stats}, nil
			}

			var chunk OpenAIStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				return frame{}, fmt.Errorf("malformed stream chunk: %w", err)
			}
			if chunk.Error != nil {
				return frame{err: &BackendError{Detail: chunk.Error.Message}}, nil
			}

			if chunk.Model != "" {
				last.Model = chunk.Model
			}
			if chunk.Usage != nil {
				last.PromptTokens = chunk.Usage.PromptTokens
				last.CompletionTokens = chunk.Usage.CompletionTokens
			}

			var f frame
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.Delta != nil {
					f.text = choice.Delta.Content
				}
				if choice.FinishReason != "" {
					last.DoneReason = choice.FinishReason
				}
			}
			if f.text != "" {
				return f, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return frame{}, err
		}
		return frame{}, io.EOF
	}
}

func usageStats(model string, usage *OpenAIUsage) *Stats {
	stats := &Stats{Model: model}
	if usage != nil {
		stats.PromptTokens = usage.PromptTokens
		stats.CompletionTokens = usage.CompletionTokens
	}
	return stats
}

// ListModels fetches the models served by /v1/models
func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	var models OpenAIModelsResponse
	if err := c.get(ctx, "/v1/models", &models); err != nil {
		return nil, err
	}

	ids := make([]string, len(models.Data))
	for i, m := range models.Data {
		ids[i] = m.ID
	}
	return ids, nil
}
