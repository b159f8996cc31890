// Package openaicompat is the adapter for OpenAI-compatible chat upstreams.
// DeepSeek, Moonshot, and Zai all speak this dialect; they differ only in
// base URL, credentials, and whether tool-message content must be flattened
// to a plain string before dispatch (DeepSeek requires it).
package openaicompat

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

// Provider is a configurable OpenAI-compatible upstream adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string

	mergeToolContent bool

	httpc   *http.Client // bounded — non-stream and model listing calls
	streamc *http.Client // unbounded — streams run as long as the model talks
}

// Option customises a Provider.
type Option func(*Provider)

// WithToolContentMerging flattens list-shaped content of role:"tool" messages
// into a single string before dispatch. Needed for upstreams that reject
// typed content parts on tool results.
func WithToolContentMerging() Option {
	return func(p *Provider) { p.mergeToolContent = true }
}

// New creates an adapter.
//
//   - name    — routing name, the prefix clients use in provider/model.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base, e.g. "https://api.deepseek.com/v1".
func New(name, apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: providers.ChatTimeout},
		streamc: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// UpstreamError is a non-2xx answer from the upstream.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ListModels fetches the upstream model catalog.
func (p *Provider) ListModels(ctx context.Context) (*providers.ModelPage, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.ModelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build models request: %w", p.name, err)
	}
	p.setHeaders(req)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: list models: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.upstreamError(resp)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: decode models encoding: %w", p.name, err)
	}
	var page providers.ModelPage
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%s: decode models: %w", p.name, err)
	}
	return &page, nil
}

// ChatCompletions dispatches a non-streaming chat request.
func (p *Provider) ChatCompletions(ctx context.Context, payload map[string]any) (map[string]any, error) {
	body, err := p.encodePayload(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build chat request: %w", p.name, err)
	}
	p.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: chat completions: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.upstreamError(resp)
	}

	respBody, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: decode chat encoding: %w", p.name, err)
	}
	var out map[string]any
	if err := json.NewDecoder(respBody).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode chat response: %w", p.name, err)
	}
	return out, nil
}

// ChatCompletionsStream opens a streaming chat request. Non-2xx upstream
// answers are converted to an error here, before any downstream byte is
// written, so the orchestrator can still answer with a plain 500.
func (p *Provider) ChatCompletionsStream(ctx context.Context, payload map[string]any) (*providers.Stream, error) {
	body, err := p.encodePayload(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build stream request: %w", p.name, err)
	}
	p.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.streamc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: open stream: %w", p.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr := p.upstreamError(resp)
		resp.Body.Close()
		return nil, uerr
	}

	reader, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: decode stream encoding: %w", p.name, err)
	}
	if reader == io.Reader(resp.Body) {
		return providers.NewStream(resp.Body), nil
	}
	return providers.NewStream(decodedStream{Reader: reader, body: resp.Body}), nil
}

// encodePayload applies the provider's payload normalization and serializes.
func (p *Provider) encodePayload(payload map[string]any) ([]byte, error) {
	if p.mergeToolContent {
		payload = mergeToolMessages(payload)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal payload: %w", p.name, err)
	}
	return body, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
}

// decodeBody unwraps the Content-Encoding the upstream chose. Setting
// Accept-Encoding ourselves disables the transport's transparent gzip
// handling, so both offered codings are decoded here.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// decodedStream pairs a decoding reader with the connection it wraps so
// closing the stream still releases the upstream body.
type decodedStream struct {
	io.Reader
	body io.Closer
}

func (d decodedStream) Close() error { return d.body.Close() }

// upstreamError reads (a bounded prefix of) the error body and logs it.
func (p *Provider) upstreamError(resp *http.Response) error {
	reader, err := decodeBody(resp)
	if err != nil {
		reader = resp.Body
	}
	data, _ := io.ReadAll(io.LimitReader(reader, 8192))
	slog.Error("upstream_error",
		slog.String("provider", p.name),
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(data)),
	)
	return &UpstreamError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(data)}
}

// mergeToolMessages returns a copy of payload in which every role:"tool"
// message with list-shaped content has that content flattened to one string.
// Other messages pass through untouched.
func mergeToolMessages(payload map[string]any) map[string]any {
	msgs, ok := payload["messages"].([]any)
	if !ok {
		return payload
	}

	newPayload := make(map[string]any, len(payload))
	for k, v := range payload {
		newPayload[k] = v
	}

	newMsgs := make([]any, len(msgs))
	copy(newMsgs, msgs)
	for i, m := range newMsgs {
		msg, ok := m.(map[string]any)
		if !ok || msg["role"] != "tool" {
			continue
		}
		newMsgs[i] = MergeToolContent(msg)
	}
	newPayload["messages"] = newMsgs
	return newPayload
}

// MergeToolContent flattens a message whose content is a list of typed parts
// into a single string. String and nil content pass through unchanged.
func MergeToolContent(msg map[string]any) map[string]any {
	content, ok := msg["content"]
	if !ok || content == nil {
		return msg
	}
	parts, ok := content.([]any)
	if !ok {
		return msg
	}

	var sb strings.Builder
	for _, item := range parts {
		switch part := item.(type) {
		case string:
			sb.WriteString(part)
		case map[string]any:
			switch part["type"] {
			case "text":
				if text, ok := part["text"].(string); ok {
					sb.WriteString(text)
				}
			case "image_url":
				url := ""
				if img, ok := part["image_url"].(map[string]any); ok {
					url, _ = img["url"].(string)
				}
				fmt.Fprintf(&sb, "\n[Attached Image: %s]\n", url)
			default:
				fmt.Fprintf(&sb, "\n[Unsupported Multimodal Block: %v]\n", part["type"])
			}
		default:
			fmt.Fprintf(&sb, "\n[Unknown Content Block: %v]\n", item)
		}
	}

	newMsg := make(map[string]any, len(msg))
	for k, v := range msg {
		newMsg[k] = v
	}
	newMsg["content"] = sb.String()
	return newMsg
}
