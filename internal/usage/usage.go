// Package usage implements token-usage accounting for the gateway.
//
// Upstreams report usage under several shapes (or not at all); this package
// normalizes what arrives, estimates what doesn't, and builds the log entries
// that flow through the settlement queue to the authority.
package usage

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Usage is the normalized token-usage record.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// LogEntry is a single usage record as the authority's settlement endpoint
// expects it. Exactly one entry is enqueued per finished request.
type LogEntry struct {
	RequestID        string `json:"requestId"`
	Timestamp        int64  `json:"timestamp"`
	UserID           int64  `json:"userId,omitempty"`
	Purpose          string `json:"purpose,omitempty"`
	ProviderName     string `json:"providerName"`
	ModelName        string `json:"modelName"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	CachedTokens     int    `json:"cachedTokens"`
	TotalTokens      int    `json:"totalTokens"`
	IsEstimated      bool   `json:"isEstimated"`
}

// NewLogEntry builds a LogEntry stamped with the current time.
// modelName carries the provider prefix (e.g. "deepseek/deepseek-chat").
func NewLogEntry(requestID string, userID int64, purpose, providerName, modelName string, u Usage, isEstimated bool) LogEntry {
	return LogEntry{
		RequestID:        requestID,
		Timestamp:        time.Now().UnixMilli(),
		UserID:           userID,
		Purpose:          purpose,
		ProviderName:     providerName,
		ModelName:        modelName,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		TotalTokens:      u.TotalTokens,
		IsEstimated:      isEstimated,
	}
}

// Normalize extracts a Usage from a raw upstream usage object.
//
// Field sources, first present wins:
//
//	prompt:     prompt_tokens
//	completion: completion_tokens
//	total:      total_tokens, else prompt+completion
//	cached:     cached_tokens, else prompt_tokens_details.cached_tokens,
//	            else prompt_cache_hit_tokens, else 0
//
// Returns ok=false (and warns) when prompt or completion is missing so the
// caller falls back to estimation.
func Normalize(raw map[string]any) (Usage, bool) {
	if raw == nil {
		return Usage{}, false
	}

	prompt, okP := intField(raw, "prompt_tokens")
	completion, okC := intField(raw, "completion_tokens")
	if !okP || !okC {
		slog.Warn("usage_normalize_incomplete",
			slog.Bool("has_prompt_tokens", okP),
			slog.Bool("has_completion_tokens", okC),
		)
		return Usage{}, false
	}

	total, ok := intField(raw, "total_tokens")
	if !ok {
		total = prompt + completion
	}

	cached, ok := intField(raw, "cached_tokens")
	if !ok {
		if details, isMap := raw["prompt_tokens_details"].(map[string]any); isMap {
			cached, ok = intField(details, "cached_tokens")
		}
	}
	if !ok {
		cached, ok = intField(raw, "prompt_cache_hit_tokens")
	}
	if !ok {
		cached = 0
	}

	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		CachedTokens:     cached,
	}, true
}

// TokensFromChars converts a character count to an estimated token count
// using the gateway's 2-chars-per-token rule, with a floor of one token.
func TokensFromChars(chars int) int {
	tokens := (chars + 1) / 2
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimatePromptTokens estimates prompt tokens by summing the JSON-serialized
// length of each message's content.
func EstimatePromptTokens(messages []any) int {
	return TokensFromChars(contentChars(messages))
}

// Estimate builds a fully estimated Usage from the request messages and the
// first completion choice. Used when the upstream reports no usable usage.
func Estimate(messages []any, completionChoice any) Usage {
	promptChars := contentChars(messages)
	completionChars := jsonChars(completionChoice)

	prompt := TokensFromChars(promptChars)
	completion := TokensFromChars(completionChars)

	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		CachedTokens:     0,
	}
}

// contentChars sums the serialized length of the "content" field across
// messages. Non-map messages contribute nothing.
func contentChars(messages []any) int {
	chars := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		chars += jsonChars(msg["content"])
	}
	return chars
}

func jsonChars(v any) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len([]rune(string(data)))
}

// intField reads a numeric JSON field as int. Handles float64 (the default
// decoding) and json.Number.
func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
