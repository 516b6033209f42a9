package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/sse"
	"github.com/JimStenstrom/claude-code-router/internal/stream"
	"github.com/JimStenstrom/claude-code-router/internal/utils"
)

// LoopbackClient sends requests back through the gateway's own
// /v1/messages endpoint. The request id, depth and active agents travel in
// headers so the inner request keeps the outer turn's state.
type LoopbackClient struct {
	client *http.Client
	config ConfigSource
}

// NewLoopbackClient creates a loopback client.
func NewLoopbackClient(client *http.Client, cfg ConfigSource) *LoopbackClient {
	return &LoopbackClient{client: client, config: cfg}
}

// Continue sends req as a streaming request and returns its events.
func (c *LoopbackClient) Continue(ctx context.Context, req *adapters.Request) (stream.Reader[sse.Event], error) {
	req.Stream = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return sse.NewReader(resp.Body), nil
}

// Complete sends req as a non-streaming request and returns the body.
func (c *LoopbackClient) Complete(ctx context.Context, req *adapters.Request) ([]byte, error) {
	req.Stream = false
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read loopback response: %w", err)
	}
	return body, nil
}

func (c *LoopbackClient) do(ctx context.Context, req *adapters.Request) (*http.Response, error) {
	cfg := c.config()
	body, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal loopback request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.LoopbackURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", config.AnthropicVersion)
	if cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", cfg.APIKey)
	}
	httpReq.Header.Set(config.HeaderContinuationDepth, strconv.Itoa(req.Depth))
	if req.ID != "" {
		httpReq.Header.Set(config.HeaderRequestID, req.ID)
	}
	if len(req.Agents) > 0 {
		httpReq.Header.Set(config.HeaderAgents, strings.Join(req.Agents, ","))
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("loopback request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
		return nil, fmt.Errorf("loopback request: status %d: %s", resp.StatusCode, utils.Truncate(string(errBody), config.MaxErrorBodyLogLen))
	}
	return resp, nil
}
