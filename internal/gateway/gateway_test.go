package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/events"
	"github.com/JimStenstrom/claude-code-router/internal/sse"
	"github.com/JimStenstrom/claude-code-router/internal/store"
	"github.com/JimStenstrom/claude-code-router/internal/stream"
	"github.com/JimStenstrom/claude-code-router/internal/tokenizer"
)

// =============================================================================
// HELPERS
// =============================================================================

type upstreamCall struct {
	header http.Header
	body   []byte
}

// fakeUpstream records every request and answers with respond.
type fakeUpstream struct {
	*httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

func newFakeUpstream(t *testing.T, respond func(w http.ResponseWriter, body []byte)) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.calls = append(u.calls, upstreamCall{header: r.Header.Clone(), body: body})
		u.mu.Unlock()
		respond(w, body)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *fakeUpstream) recorded() []upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Host: "127.0.0.1",
		Providers: []config.Provider{{
			Name:       "mock",
			APIBaseURL: upstreamURL + "/v1/messages",
			APIKey:     "sk-upstream-0123456789",
			Models:     []string{"default-model", "bg-model", "text-model", "vision-model"},
		}},
		Router: config.RouterConfig{
			Default:    "mock,default-model",
			Background: "mock,bg-model",
		},
	}
}

// newTestGateway serves g on a local port and points the loopback at it.
func newTestGateway(t *testing.T, cfg *config.Config, ledger *store.UsageLedger) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(Options{
		Config:  func() *config.Config { return cfg },
		Counter: tokenizer.Estimator{},
		Ledger:  ledger,
	})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cfg.Port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return g, srv
}

func postJSON(t *testing.T, target, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		_, _ = io.WriteString(w, ev)
	}
}

const jsonReply = `{"id":"msg_01","type":"message","role":"assistant","model":"bg-model",` +
	`"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn",` +
	`"usage":{"input_tokens":12,"output_tokens":3}}`

// =============================================================================
// ROUTING AND FORWARDING
// =============================================================================

func TestMessages_RoutesAndRelaysJSON(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, jsonReply)
	})
	cfg := testConfig(up.URL)
	g, srv := newTestGateway(t, cfg, nil)

	body := `{"model":"claude-3-5-haiku-20241022","max_tokens":100,` +
		`"messages":[{"role":"user","content":"hi"}],` +
		`"metadata":{"user_id":"user_x_account__session_s1"}}`
	resp := postJSON(t, srv.URL+"/v1/messages", body, map[string]string{"anthropic-beta": "tools-2024"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", gjson.GetBytes(got, "content.0.text").String())

	calls := up.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "bg-model", gjson.GetBytes(calls[0].body, "model").String())
	assert.Equal(t, int64(100), gjson.GetBytes(calls[0].body, "max_tokens").Int(), "unknown fields survive")
	assert.Equal(t, "sk-upstream-0123456789", calls[0].header.Get("x-api-key"))
	assert.Equal(t, "tools-2024", calls[0].header.Get("anthropic-beta"))
	assert.Equal(t, config.AnthropicVersion, calls[0].header.Get("anthropic-version"))

	usage, ok := g.usage.Get("s1")
	require.True(t, ok, "usage cached for the session")
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)

	stats := g.metrics.FullStats()
	assert.Equal(t, int64(1), stats.Requests.Total)
	assert.Equal(t, int64(12), stats.Tokens.InputTokens)
}

func TestMessages_RecordsLedgerTurn(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, jsonReply)
	})
	ledger, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	cfg := testConfig(up.URL)
	_, srv := newTestGateway(t, cfg, ledger)

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}],` +
		`"metadata":{"user_id":"u_session_abc"}}`
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	totals, err := ledger.SessionTotals(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Turns)
	assert.Equal(t, int64(12), totals.InputTokens)

	byTarget, err := ledger.TargetTotals(context.Background())
	require.NoError(t, err)
	assert.Contains(t, byTarget, "mock,default-model")
}

func TestMessages_UpstreamErrorRelayed(t *testing.T) {
	const errBody = `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, errBody)
	})
	_, srv := newTestGateway(t, testConfig(up.URL), nil)

	resp := postJSON(t, srv.URL+"/v1/messages", `{"model":"x","messages":[]}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	got, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, errBody, string(got))
}

func TestMessages_RequestErrors(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		t.Error("upstream must not be called")
	})

	t.Run("invalid body", func(t *testing.T) {
		_, srv := newTestGateway(t, testConfig(up.URL), nil)
		resp := postJSON(t, srv.URL+"/v1/messages", `{not json`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		got, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "gateway_error", gjson.GetBytes(got, "error.type").String())
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := testConfig(up.URL)
		cfg.Router.Default = "ghost,model"
		_, srv := newTestGateway(t, cfg, nil)
		resp := postJSON(t, srv.URL+"/v1/messages", `{"model":"m","messages":[]}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		got, _ := io.ReadAll(resp.Body)
		assert.Contains(t, gjson.GetBytes(got, "error.message").String(), "ghost")
	})
}

func TestMessages_UpstreamUnreachable(t *testing.T) {
	up := newFakeUpstream(t, func(http.ResponseWriter, []byte) {})
	cfg := testConfig(up.URL)
	up.Close()

	_, srv := newTestGateway(t, cfg, nil)
	resp := postJSON(t, srv.URL+"/v1/messages", `{"model":"m","messages":[]}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// =============================================================================
// STREAMING WITH AGENT TOOLS
// =============================================================================

var toolTurn = []string{
	sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"text-model","usage":{"input_tokens":100,"output_tokens":1}}}`),
	sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
	sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me look."}}`),
	sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
	sseEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"analyzeImage","input":{}}}`),
	sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"imageId\":[\"1\"],"}}`),
	sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"task\":\"describe\"}"}}`),
	sseEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
	sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":30}}`),
	sseEvent("message_stop", `{"type":"message_stop"}`),
}

var answerTurn = []string{
	sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","content":[],"model":"text-model","usage":{"input_tokens":140,"output_tokens":1}}}`),
	sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
	sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"It is a red square."}}`),
	sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
	sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":8}}`),
	sseEvent("message_stop", `{"type":"message_stop"}`),
}

const visionReply = `{"id":"msg_v","type":"message","role":"assistant","model":"vision-model",` +
	`"content":[{"type":"text","text":"a red square"}],"stop_reason":"end_turn",` +
	`"usage":{"input_tokens":50,"output_tokens":5}}`

func lastMessageStartsWith(body []byte, blockType string) bool {
	n := gjson.GetBytes(body, "messages.#").Int()
	return gjson.GetBytes(body, fmt.Sprintf("messages.%d.content.0.type", n-1)).String() == blockType
}

func TestMessages_StreamsAgentToolContinuation(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		switch {
		case gjson.GetBytes(body, "model").String() == "vision-model":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, visionReply)
		case lastMessageStartsWith(body, adapters.BlockToolResult):
			writeSSE(w, answerTurn...)
		default:
			writeSSE(w, toolTurn...)
		}
	})
	cfg := testConfig(up.URL)
	cfg.Router.Default = "mock,text-model"
	cfg.Router.Image = "mock,vision-model"
	cfg.ForceUseImageAgent = true
	g, srv := newTestGateway(t, cfg, nil)

	body := `{"model":"claude-sonnet-4","stream":true,"max_tokens":1024,"messages":[{"role":"user","content":[` +
		`{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}},` +
		`{"type":"text","text":"What is in this picture?"}]}]}`
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got, err := stream.Collect(sse.NewReader(resp.Body))
	require.NoError(t, err)

	type seen struct {
		typ   string
		index int64
	}
	var summary []seen
	var text strings.Builder
	for _, ev := range got {
		payload, ok := ev.Data.(sse.JSON)
		require.True(t, ok)
		summary = append(summary, seen{ev.Type(), payload.Get("index").Int()})
		text.WriteString(payload.Get("delta.text").String())
		assert.NotEqual(t, "tool_use", payload.Get("content_block.type").String(), "agent tool call leaked")
		assert.NotEqual(t, "tool_use", payload.Get("delta.stop_reason").String())
	}
	assert.Equal(t, []seen{
		{"message_start", 0},
		{"content_block_start", 0},
		{"content_block_delta", 0},
		{"content_block_stop", 0},
		{"content_block_start", 1},
		{"content_block_delta", 1},
		{"content_block_stop", 1},
		{"message_delta", 0},
		{"message_stop", 0},
	}, summary)
	assert.Equal(t, "Let me look.It is a red square.", text.String())

	calls := up.recorded()
	require.Len(t, calls, 3, "turn, image analysis, continuation")

	first := calls[0].body
	assert.Equal(t, "text-model", gjson.GetBytes(first, "model").String())
	assert.Equal(t, "analyzeImage", gjson.GetBytes(first, "tools.0.name").String())
	assert.Contains(t, gjson.GetBytes(first, "messages.0.content.0.text").String(), "[Image #1]")
	assert.NotContains(t, string(first), "iVBORw0KGgo=", "image replaced by a placeholder")

	vision := calls[1].body
	assert.Equal(t, "vision-model", gjson.GetBytes(vision, "model").String())
	assert.Contains(t, string(vision), "iVBORw0KGgo=")
	assert.False(t, gjson.GetBytes(vision, "stream").Bool())

	cont := calls[2].body
	assert.Equal(t, "text-model", gjson.GetBytes(cont, "model").String())
	assert.True(t, gjson.GetBytes(cont, "stream").Bool())
	assert.Equal(t, int64(3), gjson.GetBytes(cont, "messages.#").Int())
	assert.Equal(t, "tool_use", gjson.GetBytes(cont, "messages.1.content.0.type").String())
	assert.Equal(t, "a red square", gjson.GetBytes(cont, "messages.2.content.0.content").String())

	tools := g.metrics.FullStats().Tools
	assert.Equal(t, int64(1), tools.Calls)
	assert.Equal(t, int64(1), tools.Continuations)
	assert.Zero(t, tools.ContinuationFailures)
}

func TestMessages_ContinuationUsageAccounting(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		switch {
		case gjson.GetBytes(body, "model").String() == "vision-model":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, visionReply)
		case lastMessageStartsWith(body, adapters.BlockToolResult):
			writeSSE(w, answerTurn...)
		default:
			writeSSE(w, toolTurn...)
		}
	})
	ledger, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	cfg := testConfig(up.URL)
	cfg.Router.Default = "mock,text-model"
	cfg.Router.Image = "mock,vision-model"
	cfg.ForceUseImageAgent = true
	g, srv := newTestGateway(t, cfg, ledger)

	body := `{"model":"claude-sonnet-4","stream":true,"max_tokens":1024,"metadata":{"user_id":"u_session_s9"},` +
		`"messages":[{"role":"user","content":[` +
		`{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}},` +
		`{"type":"text","text":"What is in this picture?"}]}]}`
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = stream.Collect(sse.NewReader(resp.Body))
	require.NoError(t, err)

	// The session's latest turn is the continuation.
	usage, ok := g.usage.Get("s9")
	require.True(t, ok)
	assert.Equal(t, 140, usage.InputTokens)
	assert.Equal(t, 8, usage.OutputTokens)

	// Each turn is counted once with its own usage: 100/30 then 140/8.
	var totals store.Totals
	require.Eventually(t, func() bool {
		totals, err = ledger.SessionTotals(context.Background(), "s9")
		return err == nil && totals.Turns == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(240), totals.InputTokens)
	assert.Equal(t, int64(38), totals.OutputTokens)
}

func TestMessages_StreamPassThroughWithoutAgents(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		writeSSE(w, answerTurn...)
	})
	g, srv := newTestGateway(t, testConfig(up.URL), nil)

	body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}],` +
		`"metadata":{"user_id":"u_session_s9"}}`
	resp := postJSON(t, srv.URL+"/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := stream.Collect(sse.NewReader(resp.Body))
	require.NoError(t, err)
	assert.Len(t, got, len(answerTurn))

	usage, ok := g.usage.Get("s9")
	require.True(t, ok)
	assert.Equal(t, 140, usage.InputTokens)
	assert.Equal(t, 8, usage.OutputTokens)
}

// =============================================================================
// OTHER ENDPOINTS
// =============================================================================

func TestCountTokens(t *testing.T) {
	up := newFakeUpstream(t, func(http.ResponseWriter, []byte) { t.Error("upstream must not be called") })
	_, srv := newTestGateway(t, testConfig(up.URL), nil)

	body := `{"model":"m","system":"be brief","messages":[{"role":"user","content":"` + strings.Repeat("a", 400) + `"}]}`
	resp := postJSON(t, srv.URL+"/v1/messages/count_tokens", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := adapters.ParseRequest([]byte(body))
	require.NoError(t, err)
	want := tokenizer.New(tokenizer.Estimator{}).RequestSize(req)

	var got struct {
		InputTokens int `json:"input_tokens"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, want, got.InputTokens)
	assert.Greater(t, got.InputTokens, 100)
}

func TestAPIKeyAuth(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, jsonReply)
	})
	cfg := testConfig(up.URL)
	cfg.APIKey = "router-secret"
	_, srv := newTestGateway(t, cfg, nil)

	const body = `{"model":"m","messages":[]}`
	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"x-api-key": "nope"}, http.StatusUnauthorized},
		{"x-api-key", map[string]string{"x-api-key": "router-secret"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer router-secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/messages", body, tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	t.Run("health is open", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestStats(t *testing.T) {
	up := newFakeUpstream(t, func(http.ResponseWriter, []byte) {})
	g, srv := newTestGateway(t, testConfig(up.URL), nil)

	t.Run("loopback", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stats StatsResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		assert.NotEmpty(t, stats.Uptime)
	})

	t.Run("remote is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	up := newFakeUpstream(t, func(http.ResponseWriter, []byte) {})
	_, srv := newTestGateway(t, testConfig(up.URL), nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, jsonReply)
	})
	g, srv := newTestGateway(t, testConfig(up.URL), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return g.Bus().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	reply := postJSON(t, srv.URL+"/v1/messages", `{"model":"claude-3-5-haiku","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, reply.StatusCode)

	var route events.Event
	for route.Type != events.TypeRoute {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &route))
	}
	assert.Equal(t, "mock,bg-model", route.Data["target"])
	assert.NotEmpty(t, route.RequestID)
}

// =============================================================================
// LOOPBACK CLIENT
// =============================================================================

func TestLoopbackClient(t *testing.T) {
	var got http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		if r.Header.Get(config.HeaderContinuationDepth) == "9" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":{"message":"boom"}}`)
			return
		}
		_, _ = io.WriteString(w, jsonReply)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	cfg := &config.Config{Port: port, APIKey: "router-secret"}
	client := NewLoopbackClient(http.DefaultClient, func() *config.Config { return cfg })

	req := &adapters.Request{
		ID:     "req-1",
		Model:  "mock,vision-model",
		Depth:  2,
		Agents: []string{"image", "search"},
		Stream: true,
	}
	body, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, jsonReply, string(body))

	assert.Equal(t, "2", got.Get(config.HeaderContinuationDepth))
	assert.Equal(t, "req-1", got.Get(config.HeaderRequestID))
	assert.Equal(t, "image,search", got.Get(config.HeaderAgents))
	assert.Equal(t, "router-secret", got.Get("x-api-key"))
	assert.False(t, gjson.GetBytes(gotBody, "stream").Bool(), "Complete never streams")

	req.Depth = 9
	_, err = client.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "boom")
}

func TestLoopbackHeadersTrustedFromLocalhostOnly(t *testing.T) {
	header := func(remote string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		r.RemoteAddr = remote
		r.Header.Set(config.HeaderContinuationDepth, "5")
		r.Header.Set(config.HeaderAgents, "image, search")
		return r
	}

	local := header("127.0.0.1:5555")
	assert.Equal(t, 5, continuationDepth(local))
	assert.Equal(t, []string{"image", "search"}, headerAgents(local))

	remote := header("203.0.113.7:5555")
	assert.Zero(t, continuationDepth(remote))
	assert.Empty(t, headerAgents(remote))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:1234"))
	assert.True(t, isLoopback("[::1]:80"))
	assert.False(t, isLoopback("10.0.0.2:80"))
	assert.False(t, isLoopback("garbage"))
}
