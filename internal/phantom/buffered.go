package phantom

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// Resolve is Wrap for non-streaming responses: when body calls agent tools
// only, whatever its stop_reason, the tools run, a continuation is sent through
// the client, and its content is appended after the blocks the client may
// see. Anything else returns body unchanged.
func (i *Interceptor) Resolve(ctx context.Context, body []byte, req *adapters.Request, cfg *config.Config) ([]byte, error) {
	if len(req.Agents) == 0 || i.tools == nil || i.client == nil {
		return body, nil
	}
	var content []adapters.ContentBlock
	if err := json.Unmarshal([]byte(gjson.GetBytes(body, "content").Raw), &content); err != nil {
		return body, nil
	}

	t := &turn{i: i, req: req, cfg: cfg, outer: make(map[int]int)}
	var visible []adapters.ContentBlock
	for idx, block := range content {
		if block.Type != adapters.BlockToolUse {
			visible = append(visible, block)
			continue
		}
		tool, ok := i.tools.Tool(req.Agents, block.Name)
		if !ok {
			// The client owns this call; leave the response to it.
			return body, nil
		}
		call := &toolCall{index: idx, id: block.ID, name: block.Name, tool: tool}
		call.args.Write(block.Input)
		t.call = call
		t.execute(ctx)
	}
	if len(t.toolResults) == 0 {
		return body, nil
	}
	if req.Depth >= config.MaxContinuationDepth {
		log.Warn().Str("request_id", req.ID).Int("depth", req.Depth).Msg("phantom: continuation depth limit reached")
		return body, nil
	}

	req.Messages = append(req.Messages,
		adapters.Message{Role: adapters.RoleAssistant, Content: adapters.BlockContent(t.toolUses...)},
		adapters.Message{Role: adapters.RoleUser, Content: adapters.BlockContent(t.toolResults...)},
	)
	calls := len(t.toolUses)

	next, err := req.Clone()
	if err != nil {
		return nil, fmt.Errorf("build continuation: %w", err)
	}
	next.Depth = req.Depth + 1
	next.Stream = false

	ctx, cancel := context.WithTimeout(ctx, config.ContinuationTimeout)
	defer cancel()

	cont, err := i.client.Complete(ctx, next)
	if err != nil {
		t.recordContinuation(false, calls)
		return nil, fmt.Errorf("continuation: %w", err)
	}
	t.recordContinuation(true, calls)

	var tail []json.RawMessage
	gjson.GetBytes(cont, "content").ForEach(func(_, v gjson.Result) bool {
		tail = append(tail, json.RawMessage(v.Raw))
		return true
	})
	merged := make([]any, 0, len(visible)+len(tail))
	for _, b := range visible {
		merged = append(merged, b)
	}
	for _, b := range tail {
		merged = append(merged, b)
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(cont, "content", mergedJSON)
}
