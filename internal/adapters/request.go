package adapters

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Request is an inbound Messages API request. Model is mutated by the router;
// Messages by agents and by the interceptor before a continuation.
type Request struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	System   System          `json:"system,omitempty"`
	Tools    []Tool          `json:"tools,omitempty"`
	Thinking json.RawMessage `json:"thinking,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Stream   bool            `json:"stream,omitempty"`

	// Derived per turn, never serialized.
	ID         string   `json:"-"`
	TokenCount int      `json:"-"`
	Agents     []string `json:"-"`
	SessionID  string   `json:"-"`
	Depth      int      `json:"-"` // continuation depth, 0 for client requests

	continued atomic.Bool
	raw       []byte
}

var requestKeys = keySet("model", "messages", "system", "tools", "thinking", "metadata", "stream")

// ParseRequest decodes a request body, keeping unknown fields for Marshal.
func ParseRequest(body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid request body: not JSON")
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	req.raw = append([]byte(nil), body...)
	req.SessionID = SessionIDFromMetadata(req.Metadata)
	return &req, nil
}

// Marshal encodes the request, including fields the gateway does not model.
func (r *Request) Marshal() ([]byte, error) {
	type alias Request
	a := alias(*r)
	known, err := json.Marshal(&a)
	if err != nil {
		return nil, err
	}
	if r.System.IsZero() {
		known, err = sjson.DeleteBytes(known, "system")
		if err != nil {
			return nil, err
		}
	}
	return mergeUnknown(known, r.raw, requestKeys)
}

// Clone returns an independent deep copy, derived fields included.
func (r *Request) Clone() (*Request, error) {
	body, err := r.Marshal()
	if err != nil {
		return nil, err
	}
	c, err := ParseRequest(body)
	if err != nil {
		return nil, err
	}
	c.ID = r.ID
	c.TokenCount = r.TokenCount
	c.Agents = append([]string(nil), r.Agents...)
	c.SessionID = r.SessionID
	c.Depth = r.Depth
	return c, nil
}

// MarkContinued records that a continuation of this request completed.
func (r *Request) MarkContinued() { r.continued.Store(true) }

// Continued reports whether a continuation of this request completed. It is
// safe to call while the interceptor's goroutine is still running.
func (r *Request) Continued() bool { return r.continued.Load() }

// SetExtra sets a top-level field the gateway does not model, e.g. max_tokens.
func (r *Request) SetExtra(key string, value any) error {
	if requestKeys[key] {
		return fmt.Errorf("%s is a modelled field", key)
	}
	base := r.raw
	if len(base) == 0 {
		base = []byte("{}")
	}
	out, err := sjson.SetBytes(base, escapeKey(key), value)
	if err != nil {
		return err
	}
	r.raw = out
	return nil
}

// Extra reads a top-level field the gateway does not model.
func (r *Request) Extra(key string) gjson.Result {
	return gjson.GetBytes(r.raw, escapeKey(key))
}

// ThinkingEnabled reports whether extended thinking was requested.
func (r *Request) ThinkingEnabled() bool {
	if len(r.Thinking) == 0 {
		return false
	}
	t := gjson.ParseBytes(r.Thinking)
	switch t.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.JSON:
		return t.Get("type").String() != "disabled"
	}
	return true
}

// HasImages reports whether msg carries an image, directly or inside a tool result.
func HasImages(msg Message) bool {
	for _, b := range msg.Content.Blocks {
		if b.Type == BlockImage {
			return true
		}
		for _, nb := range b.NestedBlocks() {
			if nb.Type == BlockImage {
				return true
			}
		}
	}
	return false
}

// SessionIDFromMetadata extracts <id> from metadata.user_id "<opaque>_session_<id>".
func SessionIDFromMetadata(metadata map[string]any) string {
	userID, _ := metadata["user_id"].(string)
	if userID == "" {
		return ""
	}
	idx := strings.LastIndex(userID, "_session_")
	if idx < 0 {
		return ""
	}
	return userID[idx+len("_session_"):]
}

// =============================================================================
// UNKNOWN FIELD PRESERVATION
// =============================================================================

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// mergeUnknown copies every top-level key of raw that is not in known keys
// into the freshly marshalled object.
func mergeUnknown(marshalled, raw []byte, modelled map[string]bool) ([]byte, error) {
	if len(raw) == 0 {
		return marshalled, nil
	}
	out := marshalled
	var err error
	gjson.ParseBytes(raw).ForEach(func(k, v gjson.Result) bool {
		if modelled[k.String()] {
			return true
		}
		out, err = sjson.SetRawBytes(out, escapeKey(k.String()), []byte(v.Raw))
		return err == nil
	})
	return out, err
}

// escapeKey makes a literal object key safe to use as a gjson/sjson path.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
