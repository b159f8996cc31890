package usage

// Tracker accumulates per-stream accounting state: the number of characters
// actually emitted to the client plus a latch for the upstream's own usage
// report when one arrives on a final tick.
//
// A Tracker belongs to a single stream pump goroutine and is not safe for
// concurrent use.
type Tracker struct {
	sentChars        int
	hasReceivedUsage bool
	actualUsage      Usage
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// TrackContent adds the emitted chunk's length to the character counter.
// Called for each delta.content, delta.reasoning_content, and serialized
// delta.tool_calls written downstream.
func (t *Tracker) TrackContent(s string) {
	t.sentChars += len([]rune(s))
}

// RecordActualUsage latches an upstream-reported usage. Later reports
// overwrite earlier ones, so the final tick wins.
func (t *Tracker) RecordActualUsage(u Usage) {
	t.actualUsage = u
	t.hasReceivedUsage = true
}

// HasReceivedUsage reports whether an upstream usage was latched.
func (t *Tracker) HasReceivedUsage() bool { return t.hasReceivedUsage }

// SentChars returns the number of characters emitted so far.
func (t *Tracker) SentChars() int { return t.sentChars }

// BuildUsage returns the usage to record for the stream: the latched actual
// usage when the upstream reported one, otherwise an estimate built from the
// prompt estimate and the emitted character count. The second return value is
// true when the usage is estimated.
func (t *Tracker) BuildUsage(promptTokens, cachedTokens int) (Usage, bool) {
	if t.hasReceivedUsage {
		return t.actualUsage, false
	}

	completion := TokensFromChars(t.sentChars)
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completion,
		TotalTokens:      promptTokens + completion,
		CachedTokens:     cachedTokens,
	}, true
}
