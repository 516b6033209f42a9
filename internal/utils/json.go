package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// MarshalNoEscape marshals JSON without HTML escaping, so prompt text keeps
// characters like '<' instead of inflating them to \u003c.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder adds a trailing newline; remove it for parity with json.Marshal.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// ErrNotObject is returned when lenient parsing yields something other than an object.
var ErrNotObject = errors.New("not a JSON object")

// ParseLenientObject parses model-produced tool arguments. It accepts strict
// JSON, JSON5 (single quotes, trailing commas, unquoted keys, comments), and
// either of those wrapped in a markdown fence or surrounded by prose. Empty
// input yields an empty object.
func ParseLenientObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]any{}, nil
	}

	if obj, err := decodeObject(text); err == nil {
		return obj, nil
	}

	candidate := stripCodeFence(text)
	if obj, err := decodeObject(candidate); err == nil {
		return obj, nil
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start >= 0 && end > start {
		if obj, err := decodeObject(candidate[start : end+1]); err == nil {
			return obj, nil
		}
	}

	preview := Truncate(text, 100)
	return nil, fmt.Errorf("parse tool arguments %q: %w", preview, ErrNotObject)
}

func decodeObject(text string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		if err := json5.Unmarshal([]byte(quoteSingleStrings(text)), &v); err != nil {
			return nil, err
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// quoteSingleStrings rewrites JSON5 single-quoted strings as double-quoted
// ones, which the json5 decoder does not accept. Double-quoted strings and
// comments are copied through untouched.
func quoteSingleStrings(text string) string {
	if !strings.Contains(text, "'") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 8)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '"':
			end := stringEnd(text, i, '"')
			b.WriteString(text[i:end])
			i = end - 1
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text) - i
			}
			b.WriteString(text[i : i+end])
			i += end - 1
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				b.WriteString(text[i:])
				return b.String()
			}
			b.WriteString(text[i : i+2+end+2])
			i += 2 + end + 1
		case c == '\'':
			b.WriteByte('"')
			j := i + 1
			for ; j < len(text) && text[j] != '\''; j++ {
				switch {
				case text[j] == '\\' && j+1 < len(text) && text[j+1] == '\'':
					b.WriteByte('\'')
					j++
				case text[j] == '\\' && j+1 < len(text):
					b.WriteByte('\\')
					b.WriteByte(text[j+1])
					j++
				case text[j] == '"':
					b.WriteString(`\"`)
				default:
					b.WriteByte(text[j])
				}
			}
			b.WriteByte('"')
			i = j
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// stringEnd returns the index just past the string literal opened at start.
func stringEnd(text string, start int, quote byte) int {
	for j := start + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(text)
}

// stripCodeFence removes ```json ... ``` or ``` ... ``` wrapping.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimPrefix(trimmed, "json5")
		trimmed = strings.TrimPrefix(trimmed, "json")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
	}
	return trimmed
}
