// Package tokenizer counts request tokens for routing decisions.
//
// DESIGN: Every section (messages, system, tools) is counted piece by piece
// and summed, so the size of a request equals the sum of the sizes of its
// sections counted alone. Counts use tiktoken cl100k_base; when the encoding
// cannot be loaded (offline, no cache) a chars/4 estimate is used instead.
package tokenizer

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// Encoding is the tiktoken encoding used for counting.
const Encoding = "cl100k_base"

// Counter counts the tokens of one piece of text.
type Counter interface {
	Count(text string) int
}

// Estimator approximates tokens as characters / config.TokenEstimateRatio.
type Estimator struct{}

func (Estimator) Count(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

var (
	defaultOnce    sync.Once
	defaultCounter Counter
)

// Default returns the process-wide counter, loading the encoding on first use.
func Default() Counter {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			log.Warn().Err(err).Str("encoding", Encoding).Msg("tokenizer: falling back to estimate")
			defaultCounter = Estimator{}
			return
		}
		defaultCounter = tiktokenCounter{enc: enc}
	})
	return defaultCounter
}

// Tokenizer computes request sizes with a Counter.
type Tokenizer struct {
	counter Counter
}

// New creates a Tokenizer. A nil counter uses Default().
func New(counter Counter) *Tokenizer {
	if counter == nil {
		counter = Default()
	}
	return &Tokenizer{counter: counter}
}

// ComputeSize returns the token count of messages, system and tools.
func (t *Tokenizer) ComputeSize(messages []adapters.Message, system adapters.System, tools []adapters.Tool) int {
	return t.countMessages(messages) + t.countSystem(system) + t.countTools(tools)
}

// RequestSize is ComputeSize over a request's sections.
func (t *Tokenizer) RequestSize(req *adapters.Request) int {
	return t.ComputeSize(req.Messages, req.System, req.Tools)
}

func (t *Tokenizer) countMessages(messages []adapters.Message) int {
	total := 0
	for _, msg := range messages {
		if msg.Content.IsText() {
			total += t.counter.Count(msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			total += t.countBlock(block)
		}
	}
	return total
}

func (t *Tokenizer) countBlock(block adapters.ContentBlock) int {
	switch block.Type {
	case adapters.BlockText:
		return t.counter.Count(block.Text)
	case adapters.BlockToolUse:
		return t.counter.Count(string(block.Input))
	case adapters.BlockToolResult:
		return t.counter.Count(block.ToolResultText())
	}
	return 0
}

func (t *Tokenizer) countSystem(system adapters.System) int {
	if system.IsText() {
		return t.counter.Count(system.Text)
	}
	total := 0
	for _, block := range system.Blocks {
		if block.Type == adapters.BlockText {
			total += t.counter.Count(block.Text)
		}
	}
	return total
}

func (t *Tokenizer) countTools(tools []adapters.Tool) int {
	total := 0
	for _, tool := range tools {
		total += t.counter.Count(tool.Name + tool.Description)
		if len(tool.InputSchema) > 0 {
			schema, err := json.Marshal(tool.InputSchema)
			if err == nil {
				total += t.counter.Count(string(schema))
			}
		}
	}
	return total
}
