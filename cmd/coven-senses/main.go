// ABOUTME: Entry point for coven-senses, the multi-agent sense platform
// ABOUTME: Subcommands: serve, send, agents, health, ledger

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-senses/internal/config"
	"github.com/2389/coven-senses/internal/platform"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        ___  ___ _ __  ___  ___  ___
 / __/ _ \ \ / / _ \ '_ \ _____/ __|/ _ \ '_ \/ __|/ _ \/ __|
| (_| (_) \ V /  __/ | | |_____\__ \  __/ | | \__ \  __/\__ \
 \___\___/ \_/ \___|_| |_|     |___/\___|_| |_|___/\___||___/
`

func usage() {
	fmt.Println("Usage: coven-senses <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the agents listed in platform.start_order")
	fmt.Println("  send --to ID --text TEXT    Send one envelope to an agent")
	fmt.Println("  agents                      List the peer table and live state")
	fmt.Println("  health                      Check platform readiness")
	fmt.Println("  ledger --agent ID           Show an agent's recorded envelopes")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default $COVEN_SENSES_CONFIG or")
	fmt.Println("$XDG_CONFIG_HOME/coven-senses/config.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "ledger":
		err = runLedger(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "path to config file (.yaml or .toml)")
	return fs
}

func loadConfig(flagValue string) (*config.Config, string, error) {
	path := config.ResolvePath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Database:  %s\n", cfg.Database.Path)
	}
	for _, id := range cfg.StartOrder() {
		a, _ := cfg.Agent(id)
		green.Print("    ▶ ")
		fmt.Print("Agent:     ")
		cyan.Print(a.ID)
		gray.Printf(" %s %s:%d\n", a.Role, a.Host, a.Port)
	}
	fmt.Println()

	logger.Info("starting coven-senses", "config", path, "agents", cfg.StartOrder())

	p, err := platform.New(cfg, platform.Collaborators{}, logger)
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	return p.Run(ctx)
}
