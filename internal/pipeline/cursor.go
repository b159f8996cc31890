package pipeline

import "strings"

// Think markers wrapped around reasoning text for clients that cannot read a
// dedicated reasoning_content field.
const (
	thinkBOS = "<think>\n"
	thinkEOS = "\n</think>"
)

// Cursor rewrites reasoning between the dedicated reasoning_content field and
// inline <think> markers, in both directions:
//
//   - request entry: assistant turns echoed back by the client carry inline
//     <think> blocks; these are split back out into reasoning_content.
//   - response exit (non-stream): reasoning_content is folded into content as
//     a leading <think> block.
//   - per stream event: a stateful rewriter opens a <think> block on the
//     first reasoning delta, forwards reasoning as content, and closes the
//     block when ordinary content resumes.
type Cursor struct{}

// extractThinkAndAnswer splits text into the reasoning between the first
// <think> pair and the remaining answer. Returns ("", text, false) when no
// complete pair is present.
func extractThinkAndAnswer(text string) (think, answer string, found bool) {
	start := strings.Index(text, thinkBOS)
	if start < 0 {
		return "", text, false
	}
	rest := text[start+len(thinkBOS):]
	end := strings.Index(rest, thinkEOS)
	if end < 0 {
		return "", text, false
	}
	think = rest[:end]
	answer = strings.Replace(text, thinkBOS+think+thinkEOS, "", 1)
	return think, answer, true
}

// Preprocess moves inline <think> blocks in assistant messages back into
// reasoning_content. Only assistant messages whose content is a parts list
// participate; string-content and non-assistant messages pass through.
func (*Cursor) Preprocess(_ *Context, payload map[string]any) map[string]any {
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
		if !ok || msg["role"] != "assistant" {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok || len(parts) == 0 {
			continue
		}
		first, ok := parts[0].(map[string]any)
		if !ok {
			continue
		}
		text, ok := first["text"].(string)
		if !ok {
			continue
		}

		think, answer, found := extractThinkAndAnswer(text)
		if !found {
			continue
		}

		newMsg := cloneEvent(msg)
		newMsg["reasoning_content"] = think
		if len(answer) > 0 {
			newMsg["content"] = []any{map[string]any{"type": "text", "text": answer}}
		} else {
			newMsg["content"] = []any{}
		}
		newMsgs[i] = newMsg
	}

	newPayload["messages"] = newMsgs
	return newPayload
}

// Postprocess folds a non-empty reasoning_content of the first choice into
// content as a leading <think> block and removes the field.
func (*Cursor) Postprocess(_ *Context, raw map[string]any) map[string]any {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return raw
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return raw
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return raw
	}
	reasoning, ok := message["reasoning_content"].(string)
	if !ok || reasoning == "" {
		return raw
	}

	content, _ := message["content"].(string)
	message["content"] = thinkBOS + reasoning + thinkEOS + content
	delete(message, "reasoning_content")
	return raw
}

// NewTransformer returns the per-stream reasoning rewriter. The single piece
// of state is whether a <think> block is currently open.
func (*Cursor) NewTransformer(_ *Context) EventTransformer {
	reasoningOpen := false

	return func(event map[string]any) []map[string]any {
		delta := eventDelta(event)
		if delta == nil {
			return []map[string]any{event}
		}

		// Key presence decides, not the value: upstreams emit empty-string
		// reasoning deltas as flush ticks and those must not close the block.
		rawReasoning, hasReasoning := delta["reasoning_content"]
		reasoning, _ := rawReasoning.(string)

		switch {
		case hasReasoning && !reasoningOpen:
			reasoningOpen = true
			return []map[string]any{
				markerEvent(event, thinkBOS),
				contentEvent(event, reasoning),
			}

		case hasReasoning && reasoningOpen:
			return []map[string]any{contentEvent(event, reasoning)}

		case !hasReasoning && reasoningOpen:
			reasoningOpen = false
			return []map[string]any{
				markerEvent(event, thinkEOS),
				event,
			}

		default:
			return []map[string]any{event}
		}
	}
}

// eventDelta returns choices[0].delta, or nil when the event has no choices.
func eventDelta(event map[string]any) map[string]any {
	choices, ok := event["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil
	}
	delta, _ := choice["delta"].(map[string]any)
	return delta
}

// contentEvent clones the event with its delta replaced by plain content.
func contentEvent(event map[string]any, content string) map[string]any {
	out := cloneEvent(event)
	if choices, ok := out["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			choice["delta"] = map[string]any{"content": content}
		}
	}
	return out
}

// markerEvent is a contentEvent for a synthesized <think> marker; the marker
// must never carry a finish_reason.
func markerEvent(event map[string]any, marker string) map[string]any {
	out := contentEvent(event, marker)
	if choices, ok := out["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			choice["finish_reason"] = nil
		}
	}
	return out
}
