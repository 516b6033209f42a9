package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandEnv replaces ${VAR}, ${VAR:default} and $VAR references.
// Unset variables without a default expand to the empty string.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if name == "" {
			name = sub[3]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}

// decode expands env references and decodes JSON or YAML into v. JSON input
// goes through encoding/json since YAML rejects tab indentation.
func decode(data []byte, v any) error {
	expanded := []byte(ExpandEnv(string(data)))
	if bytes.HasPrefix(bytes.TrimSpace(expanded), []byte("{")) {
		return json.Unmarshal(expanded, v)
	}
	return yaml.Unmarshal(expanded, v)
}

// Parse decodes config text (JSON or YAML) after env expansion.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadFile reads, parses and validates the config at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, nil
}

// Loader holds the current configuration and reloads it when the file changes.
// Readers take a snapshot with Config(); a failed reload keeps the previous one.
type Loader struct {
	path     string
	mu       sync.RWMutex
	cfg      *Config
	watchers []func(*Config)
}

// NewLoader creates a loader for the config file at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Path returns the config file path.
func (l *Loader) Path() string { return l.path }

// Load reads the file and swaps in the new configuration.
func (l *Loader) Load() error {
	cfg, err := LoadFile(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	watchers := append([]func(*Config){}, l.watchers...)
	l.mu.Unlock()

	log.Info().Str("path", l.path).Int("providers", len(cfg.Providers)).Msg("config: loaded")
	for _, fn := range watchers {
		fn(cfg)
	}
	return nil
}

// Config returns the current snapshot.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// OnReload registers a callback that fires after every successful load.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Watch reloads the configuration whenever the file is written or replaced,
// until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				log.Info().Str("file", event.Name).Msg("config: file changed, reloading")
				if err := l.Load(); err != nil {
					log.Error().Err(err).Msg("config: reload failed, keeping previous config")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("config: fsnotify error")
			}
		}
	}()
	return nil
}
