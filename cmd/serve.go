package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/gateway"
	"github.com/JimStenstrom/claude-code-router/internal/store"
	"github.com/JimStenstrom/claude-code-router/internal/utils"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 15 * time.Second

type serveFlags struct {
	config string
	port   int
	debug  bool
}

func parseServeFlags(args []string) (serveFlags, error) {
	var f serveFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c", "--config":
			if i+1 >= len(args) {
				return f, fmt.Errorf("%s requires a value", args[i])
			}
			i++
			f.config = args[i]
		case "-p", "--port":
			if i+1 >= len(args) {
				return f, fmt.Errorf("%s requires a value", args[i])
			}
			i++
			port, err := strconv.Atoi(args[i])
			if err != nil || port <= 0 || port > 65535 {
				return f, fmt.Errorf("invalid port %q", args[i])
			}
			f.port = port
		case "-d", "--debug":
			f.debug = true
		default:
			return f, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return f, nil
}

func runServe(args []string) {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			printHelp()
			return
		}
	}
	flags, err := parseServeFlags(args)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	path := resolveConfigPath(flags.config)
	loader := config.NewLoader(path)
	if err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config '%s': %v\n", path, err)
		os.Exit(1)
	}
	initial := loader.Config()
	port := initial.Port
	if flags.port > 0 {
		port = flags.port
	}

	closeLog := setupLogging(
		firstNonEmpty(os.Getenv("LOG_LEVEL"), initial.LogLevel),
		flags.debug,
		firstNonEmpty(os.Getenv("LOG_FILE"), initial.LogFile),
	)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loader.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
	}

	var ledger *store.UsageLedger
	if dbPath := firstNonEmpty(os.Getenv("USAGE_DB"), initial.UsageDB); dbPath != "" {
		ledger, err = store.Open(dbPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open usage ledger")
		}
		defer func() { _ = ledger.Close() }()
	}

	gw := gateway.New(gateway.Options{
		Config: pinnedListener(loader, initial.Host, port),
		Ledger: ledger,
	})

	printHeader("Claude Code Router " + Version)
	printInfo("Config: " + path)
	printInfo(fmt.Sprintf("Providers: %d, default route: %s", len(initial.Providers), initial.Router.Default))
	if initial.APIKey != "" {
		printInfo("API key required: " + utils.MaskKey(initial.APIKey))
	}
	printSuccess("Listening on http://" + net.JoinHostPort(initial.Host, strconv.Itoa(port)))

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			closeLog()
			os.Exit(1)
		}
	case <-ctx.Done():
		printStep("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
	}
}

// pinnedListener returns the loader's current config with the listen
// address fixed to the one the server was started on. The listener does
// not move on reload, and loopback calls must keep reaching it.
func pinnedListener(loader *config.Loader, host string, port int) gateway.ConfigSource {
	return func() *config.Config {
		cfg := loader.Config()
		if cfg.Host == host && cfg.Port == port {
			return cfg
		}
		pinned := *cfg
		pinned.Host, pinned.Port = host, port
		return &pinned
	}
}
