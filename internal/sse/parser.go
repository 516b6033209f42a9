package sse

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

const defaultBufferSize = 4096

// Parser decodes a byte stream split at arbitrary boundaries into events.
// It is not safe for concurrent use.
type Parser struct {
	buffer []byte
	draft  draft
}

type draft struct {
	name  string
	data  []string
	id    string
	retry time.Duration
}

func (d *draft) hasPayloadOrName() bool {
	return d.name != "" || len(d.data) > 0
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{buffer: make([]byte, 0, defaultBufferSize)}
}

// Feed appends chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buffer = append(p.buffer, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx < 0 {
			break
		}
		line := string(p.buffer[:idx])
		p.buffer = p.buffer[idx+1:]
		if ev, ok := p.processLine(line); ok {
			events = append(events, ev)
		}
	}

	// Reclaim the consumed prefix once the buffer is drained.
	if len(p.buffer) == 0 {
		p.buffer = p.buffer[:0:cap(p.buffer)]
	}
	return events
}

// Flush processes any buffered partial line and emits a pending event that
// never saw its terminating blank line.
func (p *Parser) Flush() []Event {
	var events []Event
	if len(p.buffer) > 0 {
		line := string(p.buffer)
		p.buffer = p.buffer[:0]
		if ev, ok := p.processLine(line); ok {
			events = append(events, ev)
		}
	}
	if ev, ok := p.finish(); ok {
		events = append(events, ev)
	}
	return events
}

func (p *Parser) processLine(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return p.finish()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		p.draft.name = strings.TrimSpace(value)
	case "data":
		p.draft.data = append(p.draft.data, value)
	case "id":
		p.draft.id = strings.TrimSpace(value)
	case "retry":
		if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && ms >= 0 {
			p.draft.retry = time.Duration(ms) * time.Millisecond
		}
	}
	return Event{}, false
}

// finish emits the draft when it carries a name or data, then resets it.
func (p *Parser) finish() (Event, bool) {
	d := p.draft
	p.draft = draft{}
	if !d.hasPayloadOrName() {
		return Event{}, false
	}

	ev := Event{Name: d.name, ID: d.id, Retry: d.retry}
	if len(d.data) > 0 {
		ev.Data = ParseData(strings.TrimSpace(strings.Join(d.data, "\n")))
	}
	return ev, true
}
