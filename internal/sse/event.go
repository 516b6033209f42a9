// Package sse implements the server-sent events wire codec used by the
// Messages streaming API.
//
// DESIGN: Payloads are a closed set of variants (JSON, Done, Invalid) so the
// interceptor can switch over them exhaustively. A malformed data line never
// fails the parser; it yields an Invalid payload and parsing continues.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON marks a data line that is neither JSON nor [DONE].
var ErrInvalidJSON = errors.New("sse: data is not valid JSON")

// DoneToken terminates OpenAI-style streams and is reproduced verbatim.
const DoneToken = "[DONE]"

// Data is the payload of an event: JSON, Done or Invalid.
type Data interface {
	isData()
}

// JSON is a structured payload.
type JSON struct {
	Raw json.RawMessage
}

// Done is the stream-terminated sentinel.
type Done struct{}

// Invalid holds a data line that did not parse as JSON.
type Invalid struct {
	Raw string
	Err error
}

func (JSON) isData()    {}
func (Done) isData()    {}
func (Invalid) isData() {}

// Get reads a gjson path from the payload.
func (j JSON) Get(path string) gjson.Result {
	return gjson.GetBytes(j.Raw, path)
}

// Type returns the payload's "type" field.
func (j JSON) Type() string {
	return j.Get("type").String()
}

// Event is one unit of the stream. Retry is zero when unset.
type Event struct {
	Name  string
	Data  Data
	ID    string
	Retry time.Duration
}

// Type returns the event name, falling back to the payload type.
func (e Event) Type() string {
	if e.Name != "" {
		return e.Name
	}
	if j, ok := e.Data.(JSON); ok {
		return j.Type()
	}
	return ""
}

// NewJSON builds a named event with a JSON payload.
func NewJSON(name string, raw []byte) Event {
	return Event{Name: name, Data: JSON{Raw: json.RawMessage(raw)}}
}

// ParseData decodes the text after "data:".
func ParseData(text string) Data {
	if text == DoneToken {
		return Done{}
	}
	if !gjson.Valid(text) {
		return Invalid{Raw: text, Err: ErrInvalidJSON}
	}
	return JSON{Raw: json.RawMessage(text)}
}

// Encode serializes ev in wire format, always terminated by a blank line.
func Encode(ev Event) []byte {
	var b bytes.Buffer
	if ev.ID != "" {
		b.WriteString("id: ")
		b.WriteString(ev.ID)
		b.WriteByte('\n')
	}
	if ev.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.FormatInt(ev.Retry.Milliseconds(), 10))
		b.WriteByte('\n')
	}
	if ev.Name != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Name)
		b.WriteByte('\n')
	}

	switch d := ev.Data.(type) {
	case JSON:
		raw := []byte(d.Raw)
		if bytes.ContainsAny(raw, "\r\n") {
			var compact bytes.Buffer
			if err := json.Compact(&compact, raw); err == nil {
				raw = compact.Bytes()
			}
		}
		writeDataLines(&b, string(raw))
	case Done:
		writeDataLines(&b, DoneToken)
	case Invalid:
		writeDataLines(&b, d.Raw)
	}

	b.WriteByte('\n')
	return b.Bytes()
}

func writeDataLines(b *bytes.Buffer, text string) {
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
}
