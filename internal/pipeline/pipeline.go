// Package pipeline implements the purpose-selected transformation sets
// applied at request entry, non-stream exit, and per streamed SSE event.
//
// Two pipelines exist: the identity pipeline for ordinary keys, and the
// cursor pipeline for clients that can only read standard content and need
// reasoning rewritten into <think> markers.
package pipeline

// Context carries per-request state through the pipeline hooks.
type Context struct {
	// RequestID is the gateway-generated chatcmpl id, forced onto every
	// downstream event.
	RequestID string
	// ChatID is a deterministic conversation hash used only for log
	// correlation across turns of the same chat.
	ChatID string
	// ModelName is the public provider-prefixed model name.
	ModelName string
	// ProviderName is the resolved upstream name.
	ProviderName string
	// ChatHistory holds the preprocessed request messages, for estimation.
	ChatHistory []any
	// UserID and Purpose come from the authenticated key record.
	UserID  int64
	Purpose string
}

// EventTransformer maps one upstream SSE event to zero or more downstream
// events. Transformers are stateful and belong to a single stream.
type EventTransformer func(event map[string]any) []map[string]any

// Pipeline is the purpose-specific transformation set.
type Pipeline interface {
	// Preprocess rewrites the request payload before upstream dispatch.
	Preprocess(ctx *Context, payload map[string]any) map[string]any
	// Postprocess rewrites a non-streaming upstream response.
	Postprocess(ctx *Context, raw map[string]any) map[string]any
	// NewTransformer returns a fresh per-stream event transformer.
	NewTransformer(ctx *Context) EventTransformer
}

// ForPurpose selects the pipeline for an API key purpose.
func ForPurpose(purpose string) Pipeline {
	if purpose == "cursor" {
		return &Cursor{}
	}
	return &Base{}
}

// Base is the identity pipeline.
type Base struct{}

func (*Base) Preprocess(_ *Context, payload map[string]any) map[string]any { return payload }

func (*Base) Postprocess(_ *Context, raw map[string]any) map[string]any { return raw }

func (*Base) NewTransformer(_ *Context) EventTransformer {
	return func(event map[string]any) []map[string]any {
		return []map[string]any{event}
	}
}

// cloneValue deep-copies the JSON-shaped value (maps, slices, scalars).
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// cloneEvent deep-copies an event object.
func cloneEvent(event map[string]any) map[string]any {
	return cloneValue(event).(map[string]any)
}
