package router

import (
	"strings"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// Rules, reported in Decision.Rule, logs and metrics.
const (
	RuleCustom      = "custom"
	RuleExplicit    = "explicit"
	RuleLongContext = "long_context"
	RuleSubagent    = "subagent"
	RuleBackground  = "background"
	RuleWebSearch   = "web_search"
	RuleThink       = "think"
	RuleDefault     = "default"
	RuleFallback    = "fallback"
)

// SelectTarget applies the built-in rules in order and returns the first
// match. cfg supplies providers for explicit targets; routes may be a scoped
// override. It may strip the subagent tag from req's system prompt.
func SelectTarget(req *adapters.Request, size int, cfg *config.Config, routes config.RouterConfig, lastUsage *adapters.UsageInfo) (target, rule string) {
	// 1. explicit "provider,model"
	if strings.Contains(req.Model, ",") {
		return resolveExplicit(cfg, req.Model), RuleExplicit
	}

	// 2. long context
	if routes.LongContext != "" {
		threshold := routes.Threshold()
		recentlyLong := lastUsage != nil && lastUsage.InputTokens > threshold && size > config.LongContextReentryFloor
		if size > threshold || recentlyLong {
			return routes.LongContext, RuleLongContext
		}
	}

	// 3. subagent model tag
	if model, ok := takeSubagentModel(req); ok {
		return model, RuleSubagent
	}

	// 4. background
	if routes.Background != "" && isBackgroundModel(req.Model) {
		return routes.Background, RuleBackground
	}

	// 5. web search; must precede thinking
	if routes.WebSearch != "" && hasWebSearchTool(req.Tools) {
		return routes.WebSearch, RuleWebSearch
	}

	// 6. thinking
	if routes.Think != "" && req.ThinkingEnabled() {
		return routes.Think, RuleThink
	}

	// 7. default
	return routes.Default, RuleDefault
}

// resolveExplicit returns the canonical "provider,model" when both parts match
// configuration case-insensitively, else the raw value.
func resolveExplicit(cfg *config.Config, raw string) string {
	providerName, model, ok := config.SplitTarget(raw)
	if !ok || cfg == nil {
		return raw
	}
	provider, ok := cfg.FindProvider(providerName)
	if !ok {
		return raw
	}
	for _, m := range provider.Models {
		if strings.EqualFold(m, model) {
			return provider.Name + "," + m
		}
	}
	return raw
}

// takeSubagentModel reads and strips <CCR-SUBAGENT-MODEL>id</CCR-SUBAGENT-MODEL>
// at the start of the second system block.
func takeSubagentModel(req *adapters.Request) (string, bool) {
	if len(req.System.Blocks) < 2 {
		return "", false
	}
	block := &req.System.Blocks[1]
	if block.Type != adapters.BlockText || !strings.HasPrefix(block.Text, config.SubagentModelTagOpen) {
		return "", false
	}
	rest := block.Text[len(config.SubagentModelTagOpen):]
	end := strings.Index(rest, config.SubagentModelTagClose)
	if end < 0 {
		return "", false
	}
	model := strings.TrimSpace(rest[:end])
	if model == "" {
		return "", false
	}
	block.Text = rest[end+len(config.SubagentModelTagClose):]
	return model, true
}

func isBackgroundModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "claude") && strings.Contains(m, "haiku")
}

func hasWebSearchTool(tools []adapters.Tool) bool {
	for _, t := range tools {
		if strings.HasPrefix(t.Type, "web_search") {
			return true
		}
	}
	return false
}
