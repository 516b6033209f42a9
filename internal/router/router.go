// Package router picks the "provider,model" target for each request.
//
// Order of precedence:
//  1. the custom router, when configured and it returns a non-empty target
//  2. the built-in rules in SelectTarget, evaluated against the Router
//     section of the project or session override when one exists, otherwise
//     the global one
//
// Any failure, panics included, falls back to the global default route.
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/cache"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/events"
	"github.com/JimStenstrom/claude-code-router/internal/monitoring"
	"github.com/JimStenstrom/claude-code-router/internal/tokenizer"
)

// Scopes of the Router section a decision was made against.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
)

// Decision is the outcome of Route.
type Decision struct {
	Target  string
	Rule    string
	Scope   string
	Project string
}

// Options wires the router's collaborators. Only Tokenizer is required.
type Options struct {
	Tokenizer *tokenizer.Tokenizer
	Usage     *cache.UsageCache
	Projects  *cache.ProjectCache
	Custom    CustomRouter
	Events    events.Emitter
	Metrics   *monitoring.MetricsCollector
}

// Router makes routing decisions. It is safe for concurrent use.
type Router struct {
	tokenizer *tokenizer.Tokenizer
	usage     *cache.UsageCache
	projects  *cache.ProjectCache
	custom    CustomRouter
	events    events.Emitter
	metrics   *monitoring.MetricsCollector
}

// New creates a router.
func New(opts Options) *Router {
	r := &Router{
		tokenizer: opts.Tokenizer,
		usage:     opts.Usage,
		projects:  opts.Projects,
		custom:    opts.Custom,
		events:    opts.Events,
		metrics:   opts.Metrics,
	}
	if r.tokenizer == nil {
		r.tokenizer = tokenizer.New(tokenizer.Default())
	}
	if r.events == nil {
		r.events = events.Nop{}
	}
	return r
}

// Route computes the token count, decides the target and writes it to
// req.Model. It never fails: errors degrade to the default route.
func (r *Router) Route(ctx context.Context, req *adapters.Request, cfg *config.Config) (d Decision) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("request_id", req.ID).
				Str("panic", fmt.Sprint(p)).
				Msg("router: recovered, using default route")
			d = Decision{Target: cfg.Router.Default, Rule: RuleFallback, Scope: ScopeGlobal}
			req.Model = d.Target
		}
	}()

	if cfg.RewriteSystemPrompt != "" {
		if err := RewriteSystemPrompt(req, cfg.RewriteSystemPrompt); err != nil {
			log.Warn().Err(err).Str("path", cfg.RewriteSystemPrompt).Msg("router: system prompt rewrite skipped")
		}
	}

	req.TokenCount = r.tokenizer.RequestSize(req)
	if req.SessionID == "" {
		req.SessionID = adapters.SessionIDFromMetadata(req.Metadata)
	}

	original := req.Model
	d = r.decide(ctx, req, cfg)
	req.Model = d.Target

	log.Info().
		Str("request_id", req.ID).
		Str("session_id", req.SessionID).
		Str("model", original).
		Str("target", d.Target).
		Str("rule", d.Rule).
		Str("scope", d.Scope).
		Int("tokens", req.TokenCount).
		Msg("routed")

	r.events.Publish(events.Event{
		Type:      events.TypeRoute,
		RequestID: req.ID,
		SessionID: req.SessionID,
		Data: map[string]any{
			"model":  original,
			"target": d.Target,
			"rule":   d.Rule,
			"scope":  d.Scope,
			"tokens": req.TokenCount,
		},
	})
	if r.metrics != nil {
		r.metrics.RecordRoute(d.Rule, d.Target)
	}
	return d
}

func (r *Router) decide(ctx context.Context, req *adapters.Request, cfg *config.Config) Decision {
	if r.custom != nil {
		target, err := r.custom.Route(ctx, req, cfg, r.events)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("request_id", req.ID).Msg("router: custom router failed, using built-in rules")
		case target != "":
			return Decision{Target: target, Rule: RuleCustom, Scope: ScopeGlobal}
		}
	}

	d := Decision{Scope: ScopeGlobal}
	routes := cfg.Router
	if scoped, project, ok := r.scopedRoutes(ctx, req.SessionID, cfg); ok {
		routes = scoped
		d.Scope = ScopeProject
		d.Project = project
	}

	var last *adapters.UsageInfo
	if r.usage != nil {
		if u, ok := r.usage.Get(req.SessionID); ok {
			last = &u
		}
	}

	d.Target, d.Rule = SelectTarget(req, req.TokenCount, cfg, routes, last)
	if d.Target == "" {
		d.Target, d.Rule = cfg.Router.Default, RuleFallback
	}
	return d
}

// scopedRoutes resolves the session's project and loads its override.
func (r *Router) scopedRoutes(ctx context.Context, session string, cfg *config.Config) (config.RouterConfig, string, bool) {
	if r.projects == nil || session == "" {
		return config.RouterConfig{}, "", false
	}
	project, ok := r.projects.Lookup(ctx, session)
	if !ok {
		return config.RouterConfig{}, "", false
	}
	routes, found, err := config.LoadScopedRouter(cfg.Dir, project, session)
	if err != nil {
		log.Warn().Err(err).Str("project", project).Str("session_id", session).Msg("router: ignoring scoped config")
		return config.RouterConfig{}, "", false
	}
	return routes, project, found
}
