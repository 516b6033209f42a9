package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/events"
	"github.com/JimStenstrom/claude-code-router/internal/utils"
)

// CustomRouter is a pluggable decision function consulted before every
// built-in rule. An empty target means "no opinion".
type CustomRouter interface {
	Route(ctx context.Context, req *adapters.Request, cfg *config.Config, emitter events.Emitter) (string, error)
}

// CustomRouterFunc adapts a function to CustomRouter.
type CustomRouterFunc func(ctx context.Context, req *adapters.Request, cfg *config.Config, emitter events.Emitter) (string, error)

func (f CustomRouterFunc) Route(ctx context.Context, req *adapters.Request, cfg *config.Config, emitter events.Emitter) (string, error) {
	return f(ctx, req, cfg, emitter)
}

// CommandRouter runs an executable per request. The executable receives
// {"request": ..., "config": ...} on stdin and prints the target on stdout.
type CommandRouter struct {
	Path string
}

type commandInput struct {
	Request json.RawMessage `json:"request"`
	Config  *config.Config  `json:"config"`
}

func (c CommandRouter) Route(ctx context.Context, req *adapters.Request, cfg *config.Config, emitter events.Emitter) (string, error) {
	body, err := req.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	input, err := utils.MarshalNoEscape(commandInput{Request: body, Config: cfg})
	if err != nil {
		return "", fmt.Errorf("marshal custom router input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.CustomRouterTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("custom router %s: %w: %s", c.Path, err, utils.Truncate(strings.TrimSpace(stderr.String()), config.MaxErrorBodyLogLen))
	}

	target := strings.TrimSpace(stdout.String())
	emitter.Publish(events.Event{
		Type:      events.TypeCustomRoute,
		RequestID: req.ID,
		SessionID: req.SessionID,
		Data:      map[string]any{"path": c.Path, "target": target},
	})
	return target, nil
}

// ConfiguredCommand runs CUSTOM_ROUTER_PATH of the request's config when set.
// The path is read per request so hot reloads take effect.
func ConfiguredCommand() CustomRouter {
	return CustomRouterFunc(func(ctx context.Context, req *adapters.Request, cfg *config.Config, emitter events.Emitter) (string, error) {
		if cfg.CustomRouterPath == "" {
			return "", nil
		}
		return CommandRouter{Path: cfg.CustomRouterPath}.Route(ctx, req, cfg, emitter)
	})
}
