// Package agents adds server-side tools to requests. An agent decides per
// request whether it applies, may rewrite the request, and contributes tools
// whose calls are executed by the gateway instead of the client.
package agents

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// Client sends a non-streaming request through the gateway and returns the
// response body.
type Client interface {
	Complete(ctx context.Context, req *adapters.Request) ([]byte, error)
}

// ToolContext is what a tool handler sees of the turn that invoked it.
type ToolContext struct {
	Request *adapters.Request
	Config  *config.Config
	Client  Client
}

// Handler executes one tool call and returns its text output.
type Handler func(ctx context.Context, args map[string]any, tc ToolContext) (string, error)

// Tool is a tool contributed by an agent.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Definition is the tool as declared to the model.
func (t Tool) Definition() adapters.Tool {
	return adapters.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

// Agent is a server-side tool provider.
type Agent interface {
	Name() string
	// ShouldHandle reports whether the agent applies to req.
	ShouldHandle(req *adapters.Request, cfg *config.Config) bool
	// HandleRequest rewrites req before routing.
	HandleRequest(req *adapters.Request, cfg *config.Config)
	Tools() []Tool
}

// Registry holds the configured agents.
type Registry struct {
	mu     sync.RWMutex
	agents []Agent
}

// NewRegistry creates a registry with agents.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Register adds an agent, replacing one with the same name.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.agents {
		if existing.Name() == a.Name() {
			r.agents[i] = a
			return
		}
	}
	r.agents = append(r.agents, a)
}

// Prepare activates every agent that applies to req: it runs the agent's
// request hook, prepends its tools and records its name in req.Agents.
func (r *Registry) Prepare(req *adapters.Request, cfg *config.Config) {
	r.mu.RLock()
	agents := slices.Clone(r.agents)
	r.mu.RUnlock()

	for _, a := range agents {
		if !a.ShouldHandle(req, cfg) {
			continue
		}
		req.Agents = append(req.Agents, a.Name())
		a.HandleRequest(req, cfg)

		tools := a.Tools()
		if len(tools) == 0 {
			continue
		}
		defs := make([]adapters.Tool, 0, len(tools)+len(req.Tools))
		for _, t := range tools {
			defs = append(defs, t.Definition())
		}
		req.Tools = append(defs, req.Tools...)
	}
}

// Tool finds the tool called name among the agents in active.
func (r *Registry) Tool(active []string, name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if !slices.Contains(active, a.Name()) {
			continue
		}
		for _, t := range a.Tools() {
			if t.Name == name {
				return t, true
			}
		}
	}
	return Tool{}, false
}
