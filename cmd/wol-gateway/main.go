// ABOUTME: Entry point for the wol-gateway server
// ABOUTME: Wakes, probes and shuts down machines and proxies browser terminals to them

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/wol-gateway/internal/config"
	"github.com/2389/wol-gateway/internal/gateway"
	"github.com/2389/wol-gateway/internal/logging"
	"github.com/2389/wol-gateway/internal/machine"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __      __   _                 _
  \ \    / /__| |___ __ _ __ _ _| |_ _____ __ ____ _ _  _
   \ \/\/ / _ \ |___/ _' / _' |  _/ -_) V  V / _' | || |
    \_/\_/\___/_|   \__, \__,_|\__\___|\_/\_/\__,_|\_, |
                    |___/                          |__/
`

type options struct {
	configPath string
	dryRun     bool
}

func main() {
	var opts options

	flagSet := pflag.NewFlagSet("wol-gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "path to the config file (yaml or toml)")
	flagSet.BoolVarP(&opts.dryRun, "dry-run", "n", false, "log wake, shutdown and task commands instead of running them")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(flagSet)
		return
	}

	command := "serve"
	if args := flagSet.Args(); len(args) > 0 {
		command = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case "serve":
		err = runServe(ctx, opts)
	case "health":
		err = runHealth(ctx, opts)
	case "machines":
		err = runMachines(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage(flagSet)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: wol-gateway [flags] [command]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve      Start the gateway server (default)")
	fmt.Fprintln(os.Stderr, "  health     Check gateway health")
	fmt.Fprintln(os.Stderr, "  machines   List machines and their power state")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprint(os.Stderr, flagSet.FlagUsages())
}

func runServe(ctx context.Context, opts options) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.dryRun {
		cfg.Server.DryRun = true
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", opts.configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Machines:  %d\n", len(cfg.Machines))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Server.DryRun {
		yellow.Println("    ! dry run: no packets or commands will be sent")
	}

	fmt.Println()

	logger.Info("starting wol-gateway",
		"config", opts.configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"machines", len(cfg.Machines),
		"dry_run", cfg.Server.DryRun,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runMachines(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/machine/list", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing machines failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing machines: status %d", resp.StatusCode)
	}

	var list gateway.ListMachinesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	for _, m := range list.Machines {
		fmt.Printf("%-20s %s", m.Name, stateColor(m.State).Sprintf("%-12s", m.State))
		if m.AgentConnected {
			fmt.Print(" agent")
		}
		if m.QueuedTasks > 0 {
			fmt.Printf(" queued=%d", m.QueuedTasks)
		}
		if m.LastTaskError != "" {
			color.New(color.FgRed).Printf(" %s", m.LastTaskError)
		}
		fmt.Println()
	}
	return nil
}

func stateColor(s machine.State) *color.Color {
	switch s {
	case machine.StateOn:
		return color.New(color.FgGreen)
	case machine.StateOff:
		return color.New(color.FgHiBlack)
	case machine.StatePendingOn, machine.StatePendingOff:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgMagenta)
	}
}
