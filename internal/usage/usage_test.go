package usage

import (
	"encoding/json"
	"testing"
)

// TestNormalizeIdentity verifies that the four canonical fields pass through
// unchanged when all are present.
func TestNormalizeIdentity(t *testing.T) {
	raw := map[string]any{
		"prompt_tokens":     float64(10),
		"completion_tokens": float64(5),
		"total_tokens":      float64(15),
		"cached_tokens":     float64(3),
	}

	u, ok := Normalize(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	want := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CachedTokens: 3}
	if u != want {
		t.Fatalf("got %+v, want %+v", u, want)
	}
}

// TestNormalizeTotalFallback verifies total = prompt + completion when the
// upstream omits total_tokens.
func TestNormalizeTotalFallback(t *testing.T) {
	u, ok := Normalize(map[string]any{
		"prompt_tokens":     float64(7),
		"completion_tokens": float64(2),
	})
	if !ok {
		t.Fatal("expected ok")
	}
	if u.TotalTokens != 9 {
		t.Fatalf("total = %d, want 9", u.TotalTokens)
	}
	if u.CachedTokens != 0 {
		t.Fatalf("cached = %d, want 0", u.CachedTokens)
	}
}

// TestNormalizeCachedSources verifies the cached-token fallback chain.
func TestNormalizeCachedSources(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want int
	}{
		{
			name: "direct cached_tokens",
			raw: map[string]any{
				"prompt_tokens": float64(1), "completion_tokens": float64(1),
				"cached_tokens": float64(4),
			},
			want: 4,
		},
		{
			name: "prompt_tokens_details",
			raw: map[string]any{
				"prompt_tokens": float64(1), "completion_tokens": float64(1),
				"prompt_tokens_details": map[string]any{"cached_tokens": float64(6)},
			},
			want: 6,
		},
		{
			name: "prompt_cache_hit_tokens",
			raw: map[string]any{
				"prompt_tokens": float64(1), "completion_tokens": float64(1),
				"prompt_cache_hit_tokens": float64(8),
			},
			want: 8,
		},
		{
			name: "absent",
			raw: map[string]any{
				"prompt_tokens": float64(1), "completion_tokens": float64(1),
			},
			want: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, ok := Normalize(tc.raw)
			if !ok {
				t.Fatal("expected ok")
			}
			if u.CachedTokens != tc.want {
				t.Fatalf("cached = %d, want %d", u.CachedTokens, tc.want)
			}
		})
	}
}

// TestNormalizeMissingFields verifies the estimation fallback is triggered
// when prompt or completion is missing.
func TestNormalizeMissingFields(t *testing.T) {
	if _, ok := Normalize(map[string]any{"completion_tokens": float64(5)}); ok {
		t.Fatal("missing prompt_tokens must not normalize")
	}
	if _, ok := Normalize(map[string]any{"prompt_tokens": float64(5)}); ok {
		t.Fatal("missing completion_tokens must not normalize")
	}
	if _, ok := Normalize(nil); ok {
		t.Fatal("nil usage must not normalize")
	}
}

// TestTokensFromChars verifies the chars/2 rule with its floor of one.
func TestTokensFromChars(t *testing.T) {
	cases := []struct{ chars, want int }{
		{0, 1},
		{1, 1},
		{2, 1},
		{3, 2},
		{60, 30},
		{61, 31},
	}
	for _, tc := range cases {
		if got := TokensFromChars(tc.chars); got != tc.want {
			t.Errorf("TokensFromChars(%d) = %d, want %d", tc.chars, got, tc.want)
		}
	}
}

// TestEstimatePromptTokens verifies the serialized-content character rule.
func TestEstimatePromptTokens(t *testing.T) {
	messages := []any{
		map[string]any{"role": "user", "content": "Hello"}, // "Hello" → 7 chars
	}
	// JSON.stringify("Hello") = `"Hello"` = 7 chars → ceil(7/2) = 4.
	if got := EstimatePromptTokens(messages); got != 4 {
		t.Fatalf("EstimatePromptTokens = %d, want 4", got)
	}
}

// TestEstimate verifies the full estimate shape.
func TestEstimate(t *testing.T) {
	messages := []any{
		map[string]any{"role": "user", "content": "Hi"}, // `"Hi"` → 4 chars → 2
	}
	choice := map[string]any{
		"message": map[string]any{"role": "assistant", "content": "Hey"},
	}

	choiceJSON, _ := json.Marshal(choice)
	wantCompletion := TokensFromChars(len(choiceJSON))

	u := Estimate(messages, choice)
	if u.PromptTokens != 2 {
		t.Fatalf("prompt = %d, want 2", u.PromptTokens)
	}
	if u.CompletionTokens != wantCompletion {
		t.Fatalf("completion = %d, want %d", u.CompletionTokens, wantCompletion)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Fatalf("total = %d, want %d", u.TotalTokens, u.PromptTokens+u.CompletionTokens)
	}
	if u.CachedTokens != 0 {
		t.Fatalf("cached = %d, want 0", u.CachedTokens)
	}
}

// TestEstimateNilChoice verifies the floor when the upstream produced nothing.
func TestEstimateNilChoice(t *testing.T) {
	u := Estimate(nil, nil)
	if u.PromptTokens != 1 || u.CompletionTokens != 1 {
		t.Fatalf("empty estimate must floor at 1/1, got %+v", u)
	}
}
