// Package openai implements the generation and embedding backends against
// an OpenAI-compatible HTTP API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptq/promptq/internal/config"
	"github.com/promptq/promptq/pkg/models"
)

// Backend implements models.Generator and models.Embedder over the chat
// completions and embeddings endpoints.
type Backend struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewBackend(cfg config.OpenAIConfig) *Backend {
	return &Backend{
		cfg: cfg,
		// No overall timeout: streamed generations legitimately run long.
		// Cancellation comes from the request context.
		client: &http.Client{},
	}
}

func (b *Backend) Name() string { return "openai" }

// HandlesSystemPrompt is true: the system prompt travels as its own chat
// message, so the worker must not prepend it to the prompt text.
func (b *Backend) HandlesSystemPrompt() bool { return true }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stop        []string      `json:"stop,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (b *Backend) GenerateStream(ctx context.Context, params *models.Params, prompt string) (<-chan models.Fragment, error) {
	if params == nil {
		params = models.DefaultParams()
	}

	messages := make([]chatMessage, 0, 2)
	if params.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: params.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       b.cfg.Model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxNewTokens,
		Stop:        params.StopStrings,
		Messages:    messages,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := b.post(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	fragments := make(chan models.Fragment, 16)
	go b.readStream(ctx, resp.Body, fragments)
	return fragments, nil
}

// readStream parses the server-sent-events chunk stream and forwards
// content deltas as fragments.
func (b *Backend) readStream(ctx context.Context, body io.ReadCloser, fragments chan<- models.Fragment) {
	defer close(fragments)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			b.send(ctx, fragments, models.Fragment{Err: fmt.Errorf("decode stream chunk: %w", err)})
			return
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if !b.send(ctx, fragments, models.Fragment{Text: chunk.Choices[0].Delta.Content}) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		b.send(ctx, fragments, models.Fragment{Err: fmt.Errorf("read stream: %w", err)})
	}
}

func (b *Backend) send(ctx context.Context, fragments chan<- models.Fragment, f models.Fragment) bool {
	select {
	case fragments <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (b *Backend) Embed(ctx context.Context, text string) ([]float64, error) {
	payload, err := json.Marshal(embeddingRequest{
		Model: b.cfg.EmbeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := b.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return parsed.Data[0].Embedding, nil
}

func (b *Backend) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(b.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return resp, nil
}

var _ models.Generator = (*Backend)(nil)
var _ models.Embedder = (*Backend)(nil)
