// Package adapters types - the Messages API request model shared by the router,
// the agents and the interceptor.
//
// DESIGN: The gateway understands one request shape (model, messages, system,
// tools). Fields it does not model (max_tokens, temperature, tool_choice, block
// extensions like cache_control or signature) are kept as raw JSON and written
// back untouched on Marshal, so forwarding never loses data.
package adapters

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// =============================================================================
// CONTENT BLOCK TYPES
// =============================================================================

const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ImageSource is the source of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is one typed block of message or system content. Block types
// the gateway does not model round-trip through raw.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // tool_result: string or blocks
	IsError   bool            `json:"is_error,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`

	raw json.RawMessage
}

var blockKeys = keySet("type", "text", "id", "name", "input", "tool_use_id", "content", "is_error", "source")

type blockAlias ContentBlock

// UnmarshalJSON decodes known fields and keeps the raw object.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var a blockAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes known fields plus any unknown ones from the original.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(blockAlias(b))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(known, b.raw, blockKeys)
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultText returns the text of a tool_result block's content.
func (b ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	c := gjson.ParseBytes(b.Content)
	if c.Type == gjson.String {
		return c.String()
	}
	var parts []string
	c.ForEach(func(_, v gjson.Result) bool {
		if v.Get("type").String() == BlockText {
			parts = append(parts, v.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// NestedBlocks decodes a tool_result's content when it is a block array.
func (b ContentBlock) NestedBlocks() []ContentBlock {
	if len(b.Content) == 0 || !gjson.ParseBytes(b.Content).IsArray() {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// =============================================================================
// MESSAGE CONTENT
// =============================================================================

// Content is message content: plain text or ordered blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

// TextContent builds plain-text content.
func TextContent(text string) Content { return Content{Text: text, isText: true} }

// BlockContent builds block content.
func BlockContent(blocks ...ContentBlock) Content { return Content{Blocks: blocks} }

// IsText reports whether the content is a plain string.
func (c Content) IsText() bool { return c.isText }

func (c *Content) UnmarshalJSON(data []byte) error {
	if r := gjson.ParseBytes(data); r.Type == gjson.String {
		*c = TextContent(r.String())
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = Content{Blocks: blocks}
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// Message is one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// =============================================================================
// SYSTEM PROMPT
// =============================================================================

// System is the system prompt: text or ordered text blocks.
type System struct {
	Text   string
	Blocks []ContentBlock
	set    bool
	isText bool
}

// SystemText builds a plain-text system prompt.
func SystemText(text string) System { return System{Text: text, set: true, isText: true} }

// SystemBlocks builds a block system prompt.
func SystemBlocks(blocks ...ContentBlock) System { return System{Blocks: blocks, set: true} }

// IsZero reports whether no system prompt was given.
func (s System) IsZero() bool { return !s.set }

// IsText reports whether the prompt is a plain string.
func (s System) IsText() bool { return s.isText }

func (s *System) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	switch {
	case r.Type == gjson.Null:
		*s = System{}
	case r.Type == gjson.String:
		*s = SystemText(r.String())
	default:
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		*s = SystemBlocks(blocks...)
	}
	return nil
}

func (s System) MarshalJSON() ([]byte, error) {
	if s.isText {
		return json.Marshal(s.Text)
	}
	if s.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Blocks)
}

// =============================================================================
// TOOLS
// =============================================================================

// Tool is a declared tool. Server tools (web_search, ...) carry a Type.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	raw json.RawMessage
}

var toolKeys = keySet("type", "name", "description", "input_schema")

type toolAlias Tool

func (t *Tool) UnmarshalJSON(data []byte) error {
	var a toolAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Tool(a)
	t.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (t Tool) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(toolAlias(t))
	if err != nil {
		return nil, err
	}
	return mergeUnknown(known, t.raw, toolKeys)
}

// =============================================================================
// USAGE TYPES - Token usage extracted from API response
// =============================================================================

// UsageInfo holds token usage extracted from an API response.
type UsageInfo struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}
