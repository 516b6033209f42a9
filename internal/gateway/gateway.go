// Package gateway is the HTTP front of the router.
//
// DESIGN: One Gateway owns the process-wide collaborators and the chi router:
//   - POST /v1/messages:              route, forward, intercept agent tools
//   - POST /v1/messages/count_tokens: local token count
//   - GET  /health, /stats, /metrics: operational endpoints
//   - GET  /v1/events:                websocket feed of gateway events
//
// Continuations and agent sub-requests come back in through /v1/messages via
// the LoopbackClient, so they are routed, metered and intercepted like any
// client request.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/agents"
	"github.com/JimStenstrom/claude-code-router/internal/cache"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/events"
	"github.com/JimStenstrom/claude-code-router/internal/monitoring"
	"github.com/JimStenstrom/claude-code-router/internal/phantom"
	"github.com/JimStenstrom/claude-code-router/internal/router"
	"github.com/JimStenstrom/claude-code-router/internal/store"
	"github.com/JimStenstrom/claude-code-router/internal/tokenizer"
)

// ConfigSource returns the current configuration. *config.Loader.Config fits.
type ConfigSource func() *config.Config

// Options configures a Gateway. Config is required.
type Options struct {
	Config ConfigSource
	// Ledger persists usage; nil disables it.
	Ledger *store.UsageLedger
	// Counter overrides the token counter, mainly for tests.
	Counter tokenizer.Counter
	// HTTPClient is used for upstream and loopback calls.
	HTTPClient *http.Client
}

// Gateway serves the Messages API in front of the configured providers.
type Gateway struct {
	config ConfigSource

	tokenizer   *tokenizer.Tokenizer
	usage       *cache.UsageCache
	router      *router.Router
	agents      *agents.Registry
	interceptor *phantom.Interceptor
	loopback    *LoopbackClient

	bus     *events.Bus
	metrics *monitoring.MetricsCollector
	prom    *monitoring.PromMetrics
	ledger  *store.UsageLedger

	httpClient *http.Client
	handler    http.Handler
	server     *http.Server
}

// New wires a gateway.
func New(opts Options) *Gateway {
	cfg := opts.Config()

	counter := opts.Counter
	if counter == nil {
		counter = tokenizer.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient()
	}

	g := &Gateway{
		config:     opts.Config,
		tokenizer:  tokenizer.New(counter),
		usage:      cache.NewUsageCache(config.UsageCacheCapacity),
		bus:        events.NewBus(),
		prom:       monitoring.NewPromMetrics(),
		ledger:     opts.Ledger,
		httpClient: httpClient,
	}
	g.metrics = monitoring.NewMetricsCollector(g.prom)
	g.loopback = NewLoopbackClient(httpClient, opts.Config)

	images := cache.NewTTLCache[adapters.ImageSource](config.ImageCacheCapacity, config.DefaultImageTTL)
	g.agents = agents.NewRegistry(agents.NewImageAgent(images))

	var projects *cache.ProjectCache
	if cfg.ProjectsDir != "" {
		projects = cache.NewProjectCache(config.ProjectCacheCapacity, cache.DirScanner(cfg.ProjectsDir))
	}
	g.router = router.New(router.Options{
		Tokenizer: g.tokenizer,
		Usage:     g.usage,
		Projects:  projects,
		Custom:    router.ConfiguredCommand(),
		Events:    g.bus,
		Metrics:   g.metrics,
	})
	g.interceptor = phantom.New(phantom.Options{
		Tools:     g.agents,
		Continuer: g.loopback,
		Client:    g.loopback,
		Events:    g.bus,
		Metrics:   g.metrics,
	})

	g.handler = g.routes()
	g.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           g.handler,
		ReadHeaderTimeout: config.DefaultServerReadTimeout,
		ReadTimeout:       config.DefaultServerReadTimeout,
		WriteTimeout:      config.DefaultServerWriteTimeout,
	}
	return g
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: config.DefaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.MaxIdleConnsPerHost = 16
	// Timeouts are per request, from API_TIMEOUT_MS or the continuation bound.
	return &http.Client{Transport: transport}
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	// No RealIP: /stats trusts RemoteAddr to be the peer.
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/stats", g.handleStats)
	r.Handle("/metrics", g.prom.Handler())

	r.Group(func(r chi.Router) {
		r.Use(g.apiKeyMiddleware)
		r.Post("/v1/messages", g.handleMessages)
		r.Post("/v1/messages/count_tokens", g.handleCountTokens)
		r.Get("/v1/events", g.handleEvents)
	})
	return r
}

// Handler is the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Bus is the event bus, for in-process subscribers.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Router is the routing engine, used by the route dry-run command.
func (g *Gateway) Router() *router.Router { return g.router }

// Agents is the agent registry.
func (g *Gateway) Agents() *agents.Registry { return g.agents }

// Start listens on the address configured at New and blocks until Shutdown.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Int("providers", len(g.config().Providers)).Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
