package adapters

import (
	"github.com/tidwall/gjson"

	"github.com/JimStenstrom/claude-code-router/internal/sse"
)

// UsageTracker accumulates token usage from message_start and message_delta
// events. Only structured payloads are read, so token-like keys inside
// streamed text never count.
type UsageTracker struct {
	usage UsageInfo
	seen  bool
}

// Observe folds one event into the running usage.
func (t *UsageTracker) Observe(ev sse.Event) {
	payload, ok := ev.Data.(sse.JSON)
	if !ok {
		return
	}
	switch payload.Type() {
	case "message_start":
		t.apply(payload.Get("message.usage"))
	case "message_delta":
		t.apply(payload.Get("usage"))
	}
}

// Usage returns the usage seen so far and whether any was reported.
func (t *UsageTracker) Usage() (UsageInfo, bool) {
	return t.usage, t.seen
}

// UsageFromBody extracts usage from a non-streaming response body.
func UsageFromBody(body []byte) (UsageInfo, bool) {
	var t UsageTracker
	t.apply(gjson.GetBytes(body, "usage"))
	return t.Usage()
}

func (t *UsageTracker) apply(u gjson.Result) {
	if !u.Exists() {
		return
	}
	t.seen = true
	if v := int(u.Get("input_tokens").Int()); v > 0 {
		t.usage.InputTokens = v
	}
	if v := int(u.Get("output_tokens").Int()); v > t.usage.OutputTokens {
		t.usage.OutputTokens = v
	}
	if v := int(u.Get("cache_creation_input_tokens").Int()); v > 0 {
		t.usage.CacheCreationInputTokens = v
	}
	if v := int(u.Get("cache_read_input_tokens").Int()); v > 0 {
		t.usage.CacheReadInputTokens = v
	}

	t.usage.TotalTokens = t.usage.InputTokens + t.usage.OutputTokens +
		t.usage.CacheCreationInputTokens + t.usage.CacheReadInputTokens
}
