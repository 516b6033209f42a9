package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/cache"
	"github.com/JimStenstrom/claude-code-router/internal/config"
)

const pngSource = `{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}`

type fakeClient struct {
	got  *adapters.Request
	body string
	err  error
}

func (f *fakeClient) Complete(ctx context.Context, req *adapters.Request) ([]byte, error) {
	f.got = req
	return []byte(f.body), f.err
}

func imageConfig(force bool) *config.Config {
	return &config.Config{
		Router: config.RouterConfig{
			Default: "deepseek,deepseek-chat",
			Image:   "gemini,gemini-2.5-pro",
		},
		ForceUseImageAgent: force,
	}
}

func newImageAgent() *ImageAgent {
	return NewImageAgent(cache.NewTTLCache[adapters.ImageSource](config.ImageCacheCapacity, config.DefaultImageTTL))
}

func parse(t *testing.T, body string) *adapters.Request {
	t.Helper()
	req, err := adapters.ParseRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestImageAgent_ShouldHandle(t *testing.T) {
	agent := newImageAgent()

	t.Run("no image route configured", func(t *testing.T) {
		cfg := imageConfig(true)
		cfg.Router.Image = ""
		req := parse(t, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":[{"type":"image","source":`+pngSource+`}]}]}`)
		assert.False(t, agent.ShouldHandle(req, cfg))
	})

	t.Run("request already on image route", func(t *testing.T) {
		req := parse(t, `{"model":"gemini,gemini-2.5-pro","messages":[{"role":"user","content":[{"type":"image","source":`+pngSource+`}]}]}`)
		assert.False(t, agent.ShouldHandle(req, imageConfig(true)))
	})

	t.Run("no images", func(t *testing.T) {
		req := parse(t, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
		assert.False(t, agent.ShouldHandle(req, imageConfig(true)))
	})

	t.Run("forced agent handles images in last message", func(t *testing.T) {
		req := parse(t, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":[{"type":"image","source":`+pngSource+`}]}]}`)
		assert.True(t, agent.ShouldHandle(req, imageConfig(true)))
		assert.Equal(t, "claude-sonnet-4", req.Model)
	})

	t.Run("images in last message go straight to image route", func(t *testing.T) {
		req := parse(t, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"t1","content":[{"type":"image","source":`+pngSource+`}]},
			{"type":"text","text":"what is this?"}
		]}]}`)
		assert.False(t, agent.ShouldHandle(req, imageConfig(false)))
		assert.Equal(t, "gemini,gemini-2.5-pro", req.Model)

		blocks := req.Messages[0].Content.Blocks
		require.Len(t, blocks, 3)
		assert.Equal(t, "read image successfully", blocks[0].ToolResultText())
		assert.Equal(t, adapters.BlockImage, blocks[2].Type)
	})

	t.Run("images only in earlier messages", func(t *testing.T) {
		req := parse(t, `{"model":"claude-sonnet-4","messages":[
			{"role":"user","content":[{"type":"image","source":`+pngSource+`}]},
			{"role":"assistant","content":"ok"},
			{"role":"user","content":"describe it"}
		]}`)
		assert.True(t, agent.ShouldHandle(req, imageConfig(false)))
		assert.Equal(t, "claude-sonnet-4", req.Model)
	})
}

func TestImageAgent_HandleRequest(t *testing.T) {
	agent := newImageAgent()
	req := parse(t, `{"model":"claude-sonnet-4","system":"be helpful","messages":[
		{"role":"user","content":[
			{"type":"text","text":"[Image #1] compare these"},
			{"type":"image","source":`+pngSource+`,"cache_control":{"type":"ephemeral"}},
			{"type":"tool_result","tool_use_id":"t1","content":[{"type":"image","source":{"type":"url","url":"https://example.com/a.png"}}]}
		]}
	]}`)
	req.ID = "req-1"

	agent.HandleRequest(req, imageConfig(true))

	require.Len(t, req.System.Blocks, 2)
	assert.Equal(t, "be helpful", req.System.Blocks[0].Text)
	assert.Equal(t, imageSystemNote, req.System.Blocks[1].Text)

	blocks := req.Messages[0].Content.Blocks
	assert.Equal(t, " compare these", blocks[0].Text)
	assert.Equal(t, adapters.BlockText, blocks[1].Type)
	assert.Contains(t, blocks[1].Text, "[Image #1]")
	assert.Contains(t, blocks[2].ToolResultText(), "[Image #2]")

	first, ok := agent.images.Get("req-1_Image#1")
	require.True(t, ok)
	assert.Equal(t, "image/png", first.MediaType)
	second, ok := agent.images.Get("req-1_Image#2")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a.png", second.URL)

	body, err := req.Marshal()
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(body, "messages.0.content.1.source").Exists())
	assert.Equal(t, "ephemeral", gjson.GetBytes(body, "messages.0.content.1.cache_control.type").String())
}

func TestImageAgent_AnalyzeImage(t *testing.T) {
	agent := newImageAgent()
	cfg := imageConfig(true)
	req := parse(t, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":[
		{"type":"image","source":`+pngSource+`},
		{"type":"text","text":"what does the error say?"}
	]}]}`)
	req.ID = "req-2"
	agent.HandleRequest(req, cfg)

	client := &fakeClient{body: `{"content":[{"type":"text","text":"It says: file not found"}]}`}
	tool := agent.Tools()[0]
	out, err := tool.Handler(context.Background(), map[string]any{
		"imageId": []any{"1"},
		"task":    "read the error text",
		"regions": []any{map[string]any{"name": "dialog"}},
	}, ToolContext{Request: req, Config: cfg, Client: client})
	require.NoError(t, err)
	assert.Equal(t, "It says: file not found", out)

	sent := client.got
	require.NotNil(t, sent)
	assert.Equal(t, "gemini,gemini-2.5-pro", sent.Model)
	assert.False(t, sent.Stream)
	assert.Equal(t, 1, sent.Depth)
	blocks := sent.Messages[0].Content.Blocks
	require.Len(t, blocks, 3)
	assert.Equal(t, adapters.BlockImage, blocks[0].Type)
	assert.Equal(t, "what does the error say?", blocks[1].Text)
	assert.Contains(t, blocks[2].Text, "read the error text")
	assert.Contains(t, blocks[2].Text, `"dialog"`)
}

func TestImageAgent_AnalyzeImageErrors(t *testing.T) {
	agent := newImageAgent()
	cfg := imageConfig(true)
	req := &adapters.Request{ID: "req-3"}
	tool := agent.Tools()[0]

	_, err := tool.Handler(context.Background(), map[string]any{"imageId": []any{"9"}, "task": "x"},
		ToolContext{Request: req, Config: cfg, Client: &fakeClient{}})
	assert.Error(t, err, "unknown image")

	agent.images.Put("req-3_Image#1", adapters.ImageSource{Type: "base64", Data: "x"})
	_, err = tool.Handler(context.Background(), map[string]any{"imageId": float64(1), "task": "x"},
		ToolContext{Request: req, Config: cfg, Client: &fakeClient{err: errors.New("upstream down")}})
	assert.ErrorContains(t, err, "upstream down")

	_, err = tool.Handler(context.Background(), map[string]any{"imageId": "1", "task": "x"},
		ToolContext{Request: req, Config: cfg, Client: &fakeClient{body: `{"content":[]}`}})
	assert.Error(t, err)
}

func TestImageIDs(t *testing.T) {
	assert.Equal(t, []string{"1", "2"}, imageIDs([]any{"1", float64(2)}))
	assert.Equal(t, []string{"3"}, imageIDs("#3"))
	assert.Nil(t, imageIDs(nil))
}
