// Package phantom executes agent tool calls inside a model's event stream.
//
// DESIGN: Agent tools are "phantom tools": the gateway declares them, the
// gateway runs them when the model calls them, and the client never sees
// them. Per response:
//  1. a tool_use block naming an agent tool is swallowed and its arguments
//     accumulated
//  2. on the block's stop the tool runs and its result is recorded
//  3. when the turn ends (any message_delta) with at least one result
//     recorded, the calls are appended to the history and a continuation
//     request is sent through the gateway's own /v1/messages
//  4. the continuation's events are spliced into the response in place of
//     the outer turn-complete event, with block indices renumbered so the
//     client sees one coherent message
//
// Tool failures drop only that invocation. Continuation failures end only
// the spliced sub-stream.
package phantom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/agents"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/events"
	"github.com/JimStenstrom/claude-code-router/internal/monitoring"
	"github.com/JimStenstrom/claude-code-router/internal/sse"
	"github.com/JimStenstrom/claude-code-router/internal/stream"
	"github.com/JimStenstrom/claude-code-router/internal/utils"
)

// Stream event types the interceptor reacts to.
const (
	eventMessageStart = "message_start"
	eventMessageDelta = "message_delta"
	eventMessageStop  = "message_stop"
	eventBlockStart   = "content_block_start"
	eventBlockDelta   = "content_block_delta"
	eventBlockStop    = "content_block_stop"

	inputJSONDelta = "input_json_delta"
)

// Continuer opens the event stream of a continuation request.
type Continuer interface {
	Continue(ctx context.Context, req *adapters.Request) (stream.Reader[sse.Event], error)
}

// ToolLookup resolves a tool by name among a request's active agents.
// *agents.Registry implements it.
type ToolLookup interface {
	Tool(active []string, name string) (agents.Tool, bool)
}

// Options wires an Interceptor.
type Options struct {
	Tools     ToolLookup
	Continuer Continuer
	Client    agents.Client
	Events    events.Emitter
	Metrics   *monitoring.MetricsCollector
}

// Interceptor wraps response streams of requests with active agents.
type Interceptor struct {
	tools     ToolLookup
	continuer Continuer
	client    agents.Client
	events    events.Emitter
	metrics   *monitoring.MetricsCollector
}

// New creates an interceptor.
func New(opts Options) *Interceptor {
	i := &Interceptor{
		tools:     opts.Tools,
		continuer: opts.Continuer,
		client:    opts.Client,
		events:    opts.Events,
		metrics:   opts.Metrics,
	}
	if i.events == nil {
		i.events = events.Nop{}
	}
	return i
}

// Wrap returns src with agent tool calls executed and continuations spliced
// in. Requests without active agents get src back unchanged.
func (i *Interceptor) Wrap(ctx context.Context, src stream.Reader[sse.Event], req *adapters.Request, cfg *config.Config) stream.Reader[sse.Event] {
	if len(req.Agents) == 0 || i.tools == nil {
		return src
	}
	t := &turn{
		i:     i,
		req:   req,
		cfg:   cfg,
		outer: make(map[int]int),
	}
	return stream.Rewrite(ctx, src, t.step)
}

// toolCall is the invocation being accumulated between a block start and its stop.
type toolCall struct {
	index int
	id    string
	name  string
	tool  agents.Tool
	args  strings.Builder
}

// turn is the per-response state. Only the rewriter's goroutine touches it.
type turn struct {
	i   *Interceptor
	req *adapters.Request
	cfg *config.Config

	call        *toolCall
	toolUses    []adapters.ContentBlock
	toolResults []adapters.ContentBlock

	// clientToolUse is set once a tool_use the gateway does not own has been
	// forwarded; the client must answer it, so no continuation is issued.
	clientToolUse bool

	// Block indices as the client sees them.
	outer map[int]int
	next  int
}

func (t *turn) step(ctx context.Context, ev sse.Event, emit stream.Emit[sse.Event]) (sse.Event, bool, error) {
	payload, ok := ev.Data.(sse.JSON)
	if !ok {
		return ev, true, nil
	}

	switch ev.Type() {
	case eventBlockStart:
		if t.call == nil && payload.Get("content_block.type").String() == adapters.BlockToolUse {
			name := payload.Get("content_block.name").String()
			if tool, ok := t.i.tools.Tool(t.req.Agents, name); ok {
				t.call = &toolCall{
					index: int(payload.Get("index").Int()),
					id:    payload.Get("content_block.id").String(),
					name:  name,
					tool:  tool,
				}
				log.Debug().Str("request_id", t.req.ID).Str("tool", name).Msg("phantom: intercepting tool call")
				return ev, false, nil
			}
			t.clientToolUse = true
		}

	case eventBlockDelta:
		if t.bound(payload) {
			if payload.Get("delta.type").String() == inputJSONDelta {
				t.call.args.WriteString(payload.Get("delta.partial_json").String())
			}
			return ev, false, nil
		}

	case eventBlockStop:
		if t.bound(payload) {
			t.execute(ctx)
			return ev, false, nil
		}

	case eventMessageDelta:
		if len(t.toolResults) > 0 {
			if sr := payload.Get("delta.stop_reason").String(); sr != "tool_use" {
				log.Debug().Str("request_id", t.req.ID).Str("stop_reason", sr).Msg("phantom: continuing turn with recorded tool results")
			}
			spliced, err := t.continueTurn(ctx, emit)
			if err != nil {
				return ev, false, err
			}
			if spliced {
				return ev, false, nil
			}
		}
		return ev, true, nil
	}

	out, err := t.remap(t.outer, ev, payload)
	return out, err == nil, err
}

func (t *turn) bound(payload sse.JSON) bool {
	return t.call != nil && int(payload.Get("index").Int()) == t.call.index
}

// execute runs the accumulated call. Failures are logged and the call dropped.
func (t *turn) execute(ctx context.Context) {
	call := t.call
	t.call = nil

	args, err := utils.ParseLenientObject(call.args.String())
	if err != nil {
		log.Warn().
			Err(err).
			Str("request_id", t.req.ID).
			Str("tool", call.name).
			Str("arguments", utils.Truncate(call.args.String(), config.MaxErrorBodyLogLen)).
			Msg("phantom: unparseable tool arguments, dropping call")
		t.recordTool(call, false, 0)
		return
	}

	start := time.Now()
	out, err := t.i.runTool(ctx, call.tool, args, agents.ToolContext{Request: t.req, Config: t.cfg, Client: t.i.client})
	if err != nil {
		log.Warn().
			Err(err).
			Str("request_id", t.req.ID).
			Str("tool", call.name).
			Msg("phantom: tool failed, dropping call")
		t.recordTool(call, false, time.Since(start))
		return
	}

	input, err := utils.MarshalNoEscape(args)
	if err != nil {
		input = []byte("{}")
	}
	result, _ := json.Marshal(out)
	t.toolUses = append(t.toolUses, adapters.ContentBlock{
		Type:  adapters.BlockToolUse,
		ID:    call.id,
		Name:  call.name,
		Input: input,
	})
	t.toolResults = append(t.toolResults, adapters.ContentBlock{
		Type:      adapters.BlockToolResult,
		ToolUseID: call.id,
		Content:   result,
	})
	t.recordTool(call, true, time.Since(start))
}

func (i *Interceptor) runTool(ctx context.Context, tool agents.Tool, args map[string]any, tc agents.ToolContext) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, p)
		}
	}()
	if tool.Handler == nil {
		return "", fmt.Errorf("tool %s has no handler", tool.Name)
	}
	return tool.Handler(ctx, args, tc)
}

func (t *turn) recordTool(call *toolCall, ok bool, d time.Duration) {
	if t.i.metrics != nil {
		t.i.metrics.RecordToolCall(call.name, ok)
	}
	t.i.events.Publish(events.Event{
		Type:      events.TypeToolCall,
		RequestID: t.req.ID,
		SessionID: t.req.SessionID,
		Data: map[string]any{
			"tool":        call.name,
			"id":          call.id,
			"ok":          ok,
			"duration_ms": d.Milliseconds(),
		},
	})
}

// continueTurn issues the continuation and forwards its events. spliced is
// false when nothing of the continuation reached the client, in which case
// the outer turn-complete event is forwarded instead.
func (t *turn) continueTurn(ctx context.Context, emit stream.Emit[sse.Event]) (spliced bool, err error) {
	if t.clientToolUse {
		log.Warn().Str("request_id", t.req.ID).Msg("phantom: turn also calls client tools, not continuing")
		return false, nil
	}
	if t.req.Depth >= config.MaxContinuationDepth {
		log.Warn().
			Str("request_id", t.req.ID).
			Int("depth", t.req.Depth).
			Msg("phantom: continuation depth limit reached")
		return false, nil
	}
	if t.i.continuer == nil {
		return false, nil
	}

	t.req.Messages = append(t.req.Messages,
		adapters.Message{Role: adapters.RoleAssistant, Content: adapters.BlockContent(t.toolUses...)},
		adapters.Message{Role: adapters.RoleUser, Content: adapters.BlockContent(t.toolResults...)},
	)
	calls := len(t.toolUses)
	t.toolUses, t.toolResults = nil, nil

	next, err := t.req.Clone()
	if err != nil {
		log.Error().Err(err).Str("request_id", t.req.ID).Msg("phantom: cannot build continuation")
		t.recordContinuation(false, calls)
		return false, nil
	}
	next.Depth = t.req.Depth + 1
	next.Stream = true

	ctx, cancel := context.WithTimeout(ctx, config.ContinuationTimeout)
	defer cancel()

	sub, err := t.i.continuer.Continue(ctx, next)
	if err != nil {
		if stream.IsCancellation(err) {
			return false, err
		}
		log.Warn().Err(err).Str("request_id", t.req.ID).Msg("phantom: continuation failed")
		t.recordContinuation(false, calls)
		return false, nil
	}
	defer func() { _ = sub.Close() }()

	scope := make(map[int]int)
	forwarded := false
	for {
		ev, err := sub.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if stream.IsCancellation(err) {
				log.Debug().Err(err).Str("request_id", t.req.ID).Msg("phantom: continuation closed early")
			} else {
				log.Warn().Err(err).Str("request_id", t.req.ID).Msg("phantom: continuation stream failed")
			}
			t.recordContinuation(false, calls)
			return forwarded, nil
		}

		switch ev.Type() {
		case eventMessageStart, eventMessageStop:
			continue
		}
		if payload, ok := ev.Data.(sse.JSON); ok {
			if ev, err = t.remap(scope, ev, payload); err != nil {
				return forwarded, err
			}
		}
		if err := emit(ev); err != nil {
			return true, err
		}
		forwarded = true
	}

	t.recordContinuation(true, calls)
	return forwarded, nil
}

func (t *turn) recordContinuation(ok bool, calls int) {
	if ok {
		t.req.MarkContinued()
	}
	if t.i.metrics != nil {
		t.i.metrics.RecordContinuation(ok)
	}
	t.i.events.Publish(events.Event{
		Type:      events.TypeContinuation,
		RequestID: t.req.ID,
		SessionID: t.req.SessionID,
		Data:      map[string]any{"ok": ok, "tool_calls": calls, "depth": t.req.Depth + 1},
	})
}

// remap renumbers the block index of ev into the client's numbering. Every
// block start takes the next client index; later events of the block follow it.
func (t *turn) remap(scope map[int]int, ev sse.Event, payload sse.JSON) (sse.Event, error) {
	idx := payload.Get("index")
	if !idx.Exists() {
		return ev, nil
	}
	src := int(idx.Int())

	var dst int
	switch ev.Type() {
	case eventBlockStart:
		dst = t.next
		t.next++
		scope[src] = dst
	case eventBlockDelta, eventBlockStop:
		var ok bool
		if dst, ok = scope[src]; !ok {
			return ev, nil
		}
	default:
		return ev, nil
	}
	if dst == src {
		return ev, nil
	}

	raw, err := sjson.SetBytes(payload.Raw, "index", dst)
	if err != nil {
		return ev, fmt.Errorf("renumber block %d: %w", src, err)
	}
	ev.Data = sse.JSON{Raw: raw}
	return ev, nil
}
