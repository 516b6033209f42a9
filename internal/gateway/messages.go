package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/events"
	"github.com/JimStenstrom/claude-code-router/internal/router"
	"github.com/JimStenstrom/claude-code-router/internal/sse"
	"github.com/JimStenstrom/claude-code-router/internal/store"
	"github.com/JimStenstrom/claude-code-router/internal/stream"
	"github.com/JimStenstrom/claude-code-router/internal/utils"
)

// forwardedHeaders are copied from the client request to the provider.
var forwardedHeaders = []string{"anthropic-version", "anthropic-beta"}

// handleMessages routes one Messages API request and relays the response.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := g.config()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}
	req, err := adapters.ParseRequest(body)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ID = g.getRequestID(r)
	req.Depth = continuationDepth(r)

	g.agents.Prepare(req, cfg)
	for _, name := range headerAgents(r) {
		if !slices.Contains(req.Agents, name) {
			req.Agents = append(req.Agents, name)
		}
	}

	decision := g.router.Route(r.Context(), req, cfg)
	providerName, model, ok := config.SplitTarget(decision.Target)
	if !ok {
		g.writeError(w, fmt.Sprintf("route %q is not a provider,model pair", decision.Target), http.StatusBadRequest)
		return
	}
	provider, ok := cfg.FindProvider(providerName)
	if !ok {
		g.writeError(w, fmt.Sprintf("unknown provider %q", providerName), http.StatusBadRequest)
		return
	}

	upstreamBody, err := upstreamRequestBody(req, model)
	if err != nil {
		g.writeError(w, "failed to encode request", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.APITimeout())
	defer cancel()

	resp, err := g.forward(ctx, r, provider, upstreamBody)
	if err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Str("provider", provider.Name).Msg("upstream request failed")
		g.metrics.RecordRequest(provider.Name, http.StatusBadGateway, time.Since(start))
		g.writeError(w, "upstream request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
		log.Warn().
			Str("request_id", req.ID).
			Str("provider", provider.Name).
			Int("status", resp.StatusCode).
			Str("body", utils.Truncate(string(errBody), config.MaxErrorBodyLogLen)).
			Msg("upstream error")
		g.metrics.RecordRequest(provider.Name, resp.StatusCode, time.Since(start))
		copyHeaders(w, resp.Header)
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(errBody)
		return
	}

	t := turnInfo{req: req, cfg: cfg, decision: decision, provider: provider.Name}
	if req.Stream {
		g.relayStream(ctx, w, resp, t)
	} else {
		g.relayBody(ctx, w, resp, t)
	}
	g.metrics.RecordRequest(provider.Name, resp.StatusCode, time.Since(start))
}

// turnInfo is what the relay steps need to know about a routed request.
type turnInfo struct {
	req      *adapters.Request
	cfg      *config.Config
	decision router.Decision
	provider string
}

func (g *Gateway) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, t turnInfo) {
	sse.SetHeaders(w)
	w.WriteHeader(resp.StatusCode)

	// Usage is this turn's own, read before any continuation is spliced in.
	// A continuation is a request of its own and records its own usage.
	tap := &usageTap{Reader: sse.NewReader(resp.Body)}
	n, err := sse.WriteAll(ctx, w, g.interceptor.Wrap(ctx, tap, t.req, t.cfg))
	if err != nil {
		log.Warn().Err(err).Str("request_id", t.req.ID).Int("events", n).Msg("stream ended with error")
	}
	if usage, ok := tap.Usage(); ok {
		g.recordUsage(t, usage)
	}
}

// usageTap reads usage off the provider's events. With agents active it is
// pulled by the interceptor's goroutine, which can outlive WriteAll when the
// client leaves early.
type usageTap struct {
	stream.Reader[sse.Event]

	mu      sync.Mutex
	tracker adapters.UsageTracker
}

func (u *usageTap) Recv() (sse.Event, error) {
	ev, err := u.Reader.Recv()
	if err == nil {
		u.mu.Lock()
		u.tracker.Observe(ev)
		u.mu.Unlock()
	}
	return ev, err
}

func (u *usageTap) Usage() (adapters.UsageInfo, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tracker.Usage()
}

func (g *Gateway) relayBody(ctx context.Context, w http.ResponseWriter, resp *http.Response, t turnInfo) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
	if err != nil {
		g.writeError(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}
	usage, hasUsage := adapters.UsageFromBody(body)

	body, err = g.interceptor.Resolve(ctx, body, t.req, t.cfg)
	if hasUsage {
		g.recordUsage(t, usage)
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", t.req.ID).Msg("agent tool continuation failed")
		g.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	copyHeaders(w, resp.Header)
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// forward sends body to the provider's Messages endpoint. api_base_url is
// the full endpoint URL.
func (g *Gateway) forward(ctx context.Context, r *http.Request, provider *config.Provider, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.APIBaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	if httpReq.Header.Get("anthropic-version") == "" {
		httpReq.Header.Set("anthropic-version", config.AnthropicVersion)
	}
	if provider.APIKey != "" {
		httpReq.Header.Set("x-api-key", provider.APIKey)
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	log.Debug().
		Str("provider", provider.Name).
		Str("url", provider.APIBaseURL).
		Str("api_key", utils.MaskKey(provider.APIKey)).
		Msg("forwarding request")

	return g.httpClient.Do(httpReq)
}

// recordUsage feeds a finished turn's usage to the usage cache, the ledger,
// metrics and the event bus. After a continuation the session's latest usage
// is the continuation's, which its own request has already cached.
func (g *Gateway) recordUsage(t turnInfo, usage adapters.UsageInfo) {
	if t.req.SessionID != "" && !t.req.Continued() {
		g.usage.Put(t.req.SessionID, usage)
	}
	g.metrics.RecordAPIUsage(t.decision.Target, usage.InputTokens, usage.OutputTokens)

	if g.ledger != nil {
		turn := store.Turn{
			RequestID: t.req.ID,
			SessionID: t.req.SessionID,
			Target:    t.decision.Target,
			Rule:      t.decision.Rule,
			Usage:     usage,
			At:        time.Now(),
		}
		// The request context may already be gone; the row is still wanted.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.ledger.Record(ctx, turn); err != nil {
			log.Warn().Err(err).Str("request_id", t.req.ID).Msg("usage ledger write failed")
		}
	}

	g.bus.Publish(events.Event{
		Type:      events.TypeUsage,
		Time:      time.Now(),
		RequestID: t.req.ID,
		SessionID: t.req.SessionID,
		Data: map[string]any{
			"target":        t.decision.Target,
			"provider":      t.provider,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"depth":         t.req.Depth,
		},
	})
}

// handleCountTokens answers count_tokens locally with the router's tokenizer.
func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}
	req, err := adapters.ParseRequest(body)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": g.tokenizer.RequestSize(req)})
}

// upstreamRequestBody encodes req with the provider's bare model name.
func upstreamRequestBody(req *adapters.Request, model string) ([]byte, error) {
	body, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "model", model)
}

// continuationDepth and headerAgents read the loopback headers. They are
// ignored unless the request comes from this host.
func continuationDepth(r *http.Request) int {
	if !isLoopback(r.RemoteAddr) {
		return 0
	}
	v := r.Header.Get(config.HeaderContinuationDepth)
	if v == "" {
		return 0
	}
	depth, err := strconv.Atoi(v)
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

func headerAgents(r *http.Request) []string {
	if !isLoopback(r.RemoteAddr) {
		return nil
	}
	var names []string
	for _, name := range strings.Split(r.Header.Get(config.HeaderAgents), ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// getRequestID gets or generates a request ID.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := r.Header.Get(config.HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// copyHeaders copies HTTP headers from source to destination.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		w.Header()[k] = v
	}
}
