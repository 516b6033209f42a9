// Command ccr runs the Claude Code request router.
//
// Usage:
//
//	ccr serve [--config PATH] [--port N] [--debug]
//	ccr route [--config PATH] <request.json>
//	ccr version
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
)

// Version is set at build time via ldflags
var Version = "v0.1.0"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	args := os.Args[1:]
	if len(args) == 0 {
		runServe(nil)
		return
	}

	switch args[0] {
	case "serve", "start":
		runServe(args[1:])
	case "route":
		runRoute(args[1:])
	case "version", "-v", "--version":
		PrintVersion()
	case "help", "-h", "--help":
		printHelp()
	default:
		printError("unknown command: " + args[0])
		fmt.Println()
		printHelp()
		os.Exit(1)
	}
}

// PrintVersion prints the current version
func PrintVersion() {
	fmt.Printf("ccr %s\n", Version)
	fmt.Printf("Runtime: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp() {
	fmt.Println("Claude Code Router")
	fmt.Println()
	fmt.Println("Usage: ccr <command> [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the router (default)")
	fmt.Println("  route      Print the routing decision for a request file")
	fmt.Println("  version    Print the version")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config FILE    Config file (default: $CCR_CONFIG or ~/.claude-code-router/config.json)")
	fmt.Println("  -p, --port PORT      Listen port, overrides PORT")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println("  -h, --help           Show this help")
}

// resolveConfigPath picks the config file: the flag, then $CCR_CONFIG, then
// the first of config.json / config.yaml that exists in the home directory.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CCR_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	dir := filepath.Join(home, ".claude-code-router")
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.json")
}

// Print helper functions for consistent output formatting.
func printHeader(title string) {
	fmt.Printf("\033[1m\033[0;36m========================================\033[0m\n")
	fmt.Printf("\033[1m\033[0;36m       %s\033[0m\n", title)
	fmt.Printf("\033[1m\033[0;36m========================================\033[0m\n")
	fmt.Println()
}

func printSuccess(msg string) {
	fmt.Printf("\033[0;32m[OK]\033[0m %s\n", msg)
}

func printInfo(msg string) {
	fmt.Printf("\033[0;34m[INFO]\033[0m %s\n", msg)
}

func printWarn(msg string) {
	fmt.Printf("\033[1;33m[WARN]\033[0m %s\n", msg)
}

func printError(msg string) {
	fmt.Printf("\033[0;31m[ERROR]\033[0m %s\n", msg)
}

func printStep(msg string) {
	fmt.Printf("\033[0;36m>>>\033[0m %s\n", msg)
}
