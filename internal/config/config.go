// Package config loads and validates the router configuration.
//
// DESIGN: The file format keeps the upper-case keys of the classic
// config.json (HOST, PORT, APIKEY, Providers, Router, ...). JSON files are
// decoded with encoding/json and anything else with yaml.v3, so the same keys
// work in either format. ${VAR}, ${VAR:default} and $VAR references are
// expanded before decoding.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNoDefaultRoute is returned by Validate when Router.default is empty.
var ErrNoDefaultRoute = errors.New("Router.default is required")

// Provider is one upstream speaking the Messages API.
type Provider struct {
	Name       string   `yaml:"name" json:"name"`
	APIBaseURL string   `yaml:"api_base_url" json:"api_base_url"`
	APIKey     string   `yaml:"api_key" json:"api_key,omitempty"`
	Models     []string `yaml:"models" json:"models"`
}

// RouterConfig selects a "provider,model" target per request class.
type RouterConfig struct {
	Default              string `yaml:"default" json:"default"`
	Background           string `yaml:"background,omitempty" json:"background,omitempty"`
	Think                string `yaml:"think,omitempty" json:"think,omitempty"`
	LongContext          string `yaml:"longContext,omitempty" json:"longContext,omitempty"`
	LongContextThreshold int    `yaml:"longContextThreshold,omitempty" json:"longContextThreshold,omitempty"`
	WebSearch            string `yaml:"webSearch,omitempty" json:"webSearch,omitempty"`
	Image                string `yaml:"image,omitempty" json:"image,omitempty"`
}

// Threshold returns the long-context threshold, defaulted.
func (r RouterConfig) Threshold() int {
	if r.LongContextThreshold > 0 {
		return r.LongContextThreshold
	}
	return DefaultLongContextThreshold
}

// Config is the whole router configuration.
type Config struct {
	Host         string `yaml:"HOST" json:"HOST"`
	Port         int    `yaml:"PORT" json:"PORT"`
	APIKey       string `yaml:"APIKEY" json:"APIKEY,omitempty"`
	APITimeoutMs int    `yaml:"API_TIMEOUT_MS" json:"API_TIMEOUT_MS,omitempty"`
	LogLevel     string `yaml:"LOG_LEVEL" json:"LOG_LEVEL,omitempty"`
	LogFile      string `yaml:"LOG_FILE" json:"LOG_FILE,omitempty"`

	Providers []Provider   `yaml:"Providers" json:"Providers"`
	Router    RouterConfig `yaml:"Router" json:"Router"`

	CustomRouterPath    string `yaml:"CUSTOM_ROUTER_PATH" json:"CUSTOM_ROUTER_PATH,omitempty"`
	RewriteSystemPrompt string `yaml:"REWRITE_SYSTEM_PROMPT" json:"REWRITE_SYSTEM_PROMPT,omitempty"`
	ForceUseImageAgent  bool   `yaml:"forceUseImageAgent" json:"forceUseImageAgent,omitempty"`
	ProjectsDir         string `yaml:"PROJECTS_DIR" json:"PROJECTS_DIR,omitempty"`
	UsageDB             string `yaml:"USAGE_DB" json:"USAGE_DB,omitempty"`

	// Dir is the directory holding the config file and per-project overrides.
	Dir string `yaml:"-" json:"-"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.APITimeoutMs == 0 {
		c.APITimeoutMs = int(DefaultAPITimeout / time.Millisecond)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ProjectsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ProjectsDir = filepath.Join(home, ".claude", "projects")
		}
	}
}

// Validate checks the configuration for faults that would break routing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Router.Default) == "" {
		return ErrNoDefaultRoute
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("Providers[%d]: name is required", i)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("Providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[key] = true
		if p.APIBaseURL == "" {
			return fmt.Errorf("provider %s: api_base_url is required", p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %s: at least one model is required", p.Name)
		}
	}

	return c.Router.validate()
}

func (r RouterConfig) validate() error {
	routes := map[string]string{
		"default":     r.Default,
		"background":  r.Background,
		"think":       r.Think,
		"longContext": r.LongContext,
		"webSearch":   r.WebSearch,
		"image":       r.Image,
	}
	for name, target := range routes {
		if target == "" {
			continue
		}
		if _, _, ok := SplitTarget(target); !ok {
			return fmt.Errorf("Router.%s: %q is not a \"provider,model\" pair", name, target)
		}
	}
	if r.LongContextThreshold < 0 {
		return fmt.Errorf("Router.longContextThreshold must not be negative")
	}
	return nil
}

// SplitTarget splits "provider,model". The model part may itself contain commas.
func SplitTarget(target string) (provider, model string, ok bool) {
	provider, model, ok = strings.Cut(target, ",")
	provider, model = strings.TrimSpace(provider), strings.TrimSpace(model)
	return provider, model, ok && provider != "" && model != ""
}

// FindProvider looks a provider up by name, case-insensitively.
func (c *Config) FindProvider(name string) (*Provider, bool) {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// APITimeout is the upstream request timeout.
func (c *Config) APITimeout() time.Duration {
	if c.APITimeoutMs <= 0 {
		return DefaultAPITimeout
	}
	return time.Duration(c.APITimeoutMs) * time.Millisecond
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoopbackURL is the gateway's own /v1/messages endpoint.
func (c *Config) LoopbackURL() string {
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port)) + "/v1/messages"
}
