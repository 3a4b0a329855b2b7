// Command agent runs the on-prem bridge agent.
//
// # Usage
//
//	agent --gateway wss://bridge.orglink.example/ws/agent --key olk_xxx
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (ORGLINK_*)
// - Config file (--config)
// - A .env file in the working directory, loaded before env overrides
//
// # Examples
//
// Run with flags:
//
//	agent --gateway wss://bridge.orglink.example/ws/agent \
//	      --key olk_xxx
//
// Run with config file:
//
//	agent --config /etc/orglink/agent.yaml
//
// Run with environment variables:
//
//	ORGLINK_GATEWAY_URL=wss://bridge.orglink.example/ws/agent \
//	ORGLINK_AGENT_KEY=olk_xxx \
//	agent
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/orglink/bridge/agent"
	"github.com/orglink/bridge/agent/internal/config"
)

func main() {
	// Parse flags
	var (
		configFile = flag.String("config", "", "Path to config file")
		gatewayURL = flag.String("gateway", "", "Gateway websocket URL")
		agentKey   = flag.String("key", "", "Agent authentication key")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("orglink-agent %s\n", agent.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Optional .env for local deployments; ignore when absent
	if err := godotenv.Load(); err == nil {
		logger.Debug("loaded .env file")
	}

	// Load configuration
	cfg := config.DefaultConfig()

	// Load from file if specified
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	// Apply environment overrides
	cfg.ApplyEnvOverrides()

	// Apply flag overrides
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	if *agentKey != "" {
		cfg.Gateway.AgentKey = *agentKey
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create agent
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run agent
	logger.Info("starting orglink agent", "gateway", cfg.Gateway.URL)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}
