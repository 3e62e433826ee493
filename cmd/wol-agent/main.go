// ABOUTME: Entry point for the agent that runs on each managed machine
// ABOUTME: Announces the machine to the gateway and starts remote desktop sessions on request

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/2389/wol-gateway/internal/agentclient"
	"github.com/2389/wol-gateway/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("wol-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "agent.yaml", "path to the agent config file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug/info/warn/error)")
	flagSet.StringVar(&logFormat, "log-format", "text", "log format (text/json)")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("wol-agent %s\n", version)
		return nil
	}

	cfg, err := agentclient.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logLevel, logFormat, os.Stderr)
	logger.Info("starting wol-agent",
		"version", version,
		"machine", cfg.MachineName,
		"gateway", cfg.URL(),
		"applications", len(cfg.Applications),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = agentclient.New(cfg, logger).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
