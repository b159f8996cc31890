// Package testprovider is a synthetic upstream used to benchmark the gateway
// itself: it answers instantly (or with a configured delay) and never calls a
// paid API. Responses are fixed or keyword-tailored so latency tests and
// streaming tests can steer the output shape from the prompt alone.
package testprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

const defaultResponse = "This is a test response from TestProvider."

// Provider is the synthetic upstream.
type Provider struct {
	fixedResponse   string
	streamChunks    int
	streamChunkWait time.Duration
}

// Option customises a Provider.
type Option func(*Provider)

// WithFixedResponse overrides the default response content.
func WithFixedResponse(s string) Option {
	return func(p *Provider) {
		if s != "" {
			p.fixedResponse = s
		}
	}
}

// WithStreamChunks sets how many chunks a streamed response is split into.
func WithStreamChunks(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.streamChunks = n
		}
	}
}

// WithStreamChunkDelay sets the pause between streamed chunks.
func WithStreamChunkDelay(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.streamChunkWait = d
		}
	}
}

// New creates a test provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		fixedResponse: defaultResponse,
		streamChunks:  10,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "test" }

// ListModels returns a fixed catalog.
func (p *Provider) ListModels(_ context.Context) (*providers.ModelPage, error) {
	now := time.Now().Unix()
	return &providers.ModelPage{
		Object: "list",
		Data: []providers.ModelInfo{
			{ID: "test-fast", Object: "model", Created: now, OwnedBy: "test-provider"},
			{ID: "test-slow", Object: "model", Created: now, OwnedBy: "test-provider"},
			{ID: "test-stream", Object: "model", Created: now, OwnedBy: "test-provider"},
		},
	}, nil
}

// ChatCompletions returns a canned chat.completion object with word-count usage.
func (p *Provider) ChatCompletions(_ context.Context, payload map[string]any) (map[string]any, error) {
	model := stringField(payload, "model", "test-model")
	userMsg := lastUserMessage(payload)
	content := p.pickResponse(userMsg, false)

	promptTokens := len(strings.Fields(userMsg)) * 2
	completionTokens := len(strings.Fields(content))

	return map[string]any{
		"id":      fmt.Sprintf("test-%d", time.Now().UnixMilli()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}, nil
}

// ChatCompletionsStream streams the response as word-chunked SSE events
// followed by a [DONE] sentinel.
func (p *Provider) ChatCompletionsStream(ctx context.Context, payload map[string]any) (*providers.Stream, error) {
	model := stringField(payload, "model", "test-model")
	userMsg := lastUserMessage(payload)
	content := p.pickResponse(userMsg, true)

	chunks := splitContent(content, p.streamChunks)
	id := fmt.Sprintf("test-%d", time.Now().UnixMilli())
	created := time.Now().Unix()

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for i, chunk := range chunks {
			if p.streamChunkWait > 0 {
				select {
				case <-time.After(p.streamChunkWait):
				case <-ctx.Done():
					pw.CloseWithError(ctx.Err())
					return
				}
			}
			delta := chunk
			var finish any
			if i < len(chunks)-1 {
				delta += " "
			} else {
				finish = "stop"
			}
			event := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []any{
					map[string]any{
						"index":         0,
						"delta":         map[string]any{"content": delta},
						"finish_reason": finish,
					},
				},
			}
			data, _ := json.Marshal(event)
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", data); err != nil {
				return
			}
		}
		fmt.Fprint(pw, "data: [DONE]\n\n")
	}()

	return providers.NewStream(pr), nil
}

// pickResponse tailors the reply to keywords in the user message so tests can
// steer the response shape.
func (p *Provider) pickResponse(userMsg string, stream bool) string {
	lower := strings.ToLower(userMsg)
	// "hi" counts only as a whole word, not inside words like "anything".
	greeting := strings.Contains(lower, "hello")
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return r < 'a' || r > 'z' }) {
		if w == "hi" {
			greeting = true
		}
	}
	switch {
	case greeting:
		if stream {
			return "Hello! This is TestProvider speaking for stream test."
		}
		return "Hello! This is TestProvider speaking."
	case strings.Contains(lower, "long") || strings.Contains(lower, "paragraph"):
		if stream {
			parts := make([]string, p.streamChunks)
			for i := range parts {
				parts[i] = fmt.Sprintf("Stream chunk %d ", i)
			}
			return strings.Join(parts, " ")
		}
		return strings.Repeat("This is a longer response for testing purposes. ", 5)
	default:
		return p.fixedResponse
	}
}

// splitContent splits content into at most n word groups.
func splitContent(content string, n int) []string {
	words := strings.Fields(content)
	if n <= 0 || n >= len(words) {
		if len(words) == 0 {
			return []string{content}
		}
		return words
	}

	out := make([]string, 0, n)
	size := len(words) / n
	for i := 0; i < n; i++ {
		start := i * size
		end := (i + 1) * size
		if i == n-1 {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

func lastUserMessage(payload map[string]any) string {
	msgs, ok := payload["messages"].([]any)
	if !ok {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		msg, ok := msgs[i].(map[string]any)
		if !ok || msg["role"] != "user" {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			return content
		}
		return ""
	}
	return ""
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
