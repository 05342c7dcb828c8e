// ABOUTME: Entry point for egg: starts the master (or single mode), runs forked
// ABOUTME: worker processes and checks health of a running cluster.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/egg/internal/boot"
	"github.com/2389/egg/internal/config"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/master"
	"github.com/2389/egg/internal/messenger"
	"github.com/2389/egg/internal/worker"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   ___  __ _  __ _
  / _ \/ _' |/ _' |
 |  __/ (_| | (_| |
  \___|\__, |\__, |
       |___/ |___/
`

// getConfigPath returns the path to the egg config file.
// Priority: EGG_CONFIG env var > XDG_CONFIG_HOME/egg/config.yaml > ~/.config/egg/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EGG_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "egg", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: egg <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  start                  Start the master, or both workers in single mode")
		fmt.Println("  worker --role ROLE     Run one worker (started by the master)")
		fmt.Println("  health                 Check cluster readiness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(ctx)
	case "worker":
		err = runWorker(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Mode:      %s", cfg.Mode)
	if cfg.Mode == config.ModeCluster {
		gray.Printf(" (%s, %d workers)", cfg.StartMode, cfg.Workers)
	}
	fmt.Println()
	if cfg.Mode == config.ModeCluster && cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	fmt.Println()

	logger.Info("starting egg",
		"config", configPath,
		"mode", cfg.Mode,
		"start_mode", cfg.StartMode,
		"workers", cfg.Workers,
	)

	if cfg.Mode == config.ModeSingle {
		return worker.RunSingle(ctx, cfg, boot.Default, logger)
	}

	var forker master.Forker
	if cfg.StartMode == config.StartThread {
		forker = &master.ThreadForker{Boot: boot.Default, Config: cfg, Logger: logger}
	} else {
		pf := &master.ProcessForker{Logger: logger}
		if _, err := os.Stat(configPath); err == nil {
			pf.ConfigPath = configPath
		}
		forker = pf
	}

	m, err := master.New(master.Options{Config: cfg, Forker: forker, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating master: %w", err)
	}
	return m.Run(ctx)
}

// runWorker runs one forked worker. Frames from the master arrive on the
// descriptor named by EGG_IPC_FD (3 by default); frames to the master go to
// the next descriptor.
func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	roleName := fs.String("role", "", "worker role: agent or app")
	clusterPort := fs.Int("cluster-port", 0, "port of the agent's cluster client leaders")
	configPath := fs.String("config", getConfigPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	role, err := envelope.ParseRole(*roleName)
	if err != nil {
		return err
	}
	if *clusterPort <= 0 {
		return errors.New("--cluster-port is required")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	fd := 3
	if v := os.Getenv(master.IPCFDEnv); v != "" {
		if fd, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("parsing %s: %w", master.IPCFDEnv, err)
		}
	}
	in := os.NewFile(uintptr(fd), "egg-ipc-in")
	out := os.NewFile(uintptr(fd+1), "egg-ipc-out")
	if in == nil || out == nil {
		return fmt.Errorf("no IPC descriptors at %d and %d", fd, fd+1)
	}

	ch := messenger.NewStreamChannel(in, out, logger.With("component", "master_pipe"))
	defer ch.Close()

	return worker.RunProcess(ctx, worker.Options{
		Role:        role,
		Mode:        messenger.ModeCluster,
		Process:     ch,
		ClusterPort: *clusterPort,
		Config:      cfg,
		Logger:      logger,
	}, boot.Default, ch.Done())
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
