package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
	"github.com/JimStenstrom/claude-code-router/internal/config"
	"github.com/JimStenstrom/claude-code-router/internal/gateway"
	"github.com/JimStenstrom/claude-code-router/internal/tokenizer"
)

// routeResult is what `ccr route` prints.
type routeResult struct {
	Model   string   `json:"model"`
	Target  string   `json:"target"`
	Rule    string   `json:"rule"`
	Scope   string   `json:"scope"`
	Project string   `json:"project,omitempty"`
	Tokens  int      `json:"tokens"`
	Agents  []string `json:"agents,omitempty"`
}

// runRoute prints the routing decision for a request body without sending it.
func runRoute(args []string) {
	var configFlag, file string
	var debug bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c", "--config":
			if i+1 < len(args) {
				i++
				configFlag = args[i]
			}
		case "-d", "--debug":
			debug = true
		case "-h", "--help":
			fmt.Println("Usage: ccr route [--config FILE] <request.json | ->")
			return
		default:
			file = args[i]
		}
	}
	if file == "" {
		printError("route needs a request file, or - for stdin")
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(parseLevel("warn", debug))

	path := resolveConfigPath(configFlag)
	cfg, err := config.LoadFile(path)
	if err != nil {
		printError(fmt.Sprintf("loading config '%s': %v", path, err))
		os.Exit(1)
	}
	body, err := readRequestFile(file)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	result, err := dryRun(context.Background(), cfg, body, nil)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

// dryRun runs the agents and the router over body as the server would.
// A nil counter uses the default tokenizer.
func dryRun(ctx context.Context, cfg *config.Config, body []byte, counter tokenizer.Counter) (routeResult, error) {
	req, err := adapters.ParseRequest(body)
	if err != nil {
		return routeResult{}, err
	}
	req.ID = "dry-run"
	model := req.Model

	gw := gateway.New(gateway.Options{
		Config:  func() *config.Config { return cfg },
		Counter: counter,
	})
	gw.Agents().Prepare(req, cfg)
	d := gw.Router().Route(ctx, req, cfg)

	return routeResult{
		Model:   model,
		Target:  d.Target,
		Rule:    d.Rule,
		Scope:   d.Scope,
		Project: d.Project,
		Tokens:  req.TokenCount,
		Agents:  req.Agents,
	}, nil
}

func readRequestFile(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	body, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	return body, nil
}
