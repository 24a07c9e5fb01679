package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtprelay/relaynode/internal/config"
	"github.com/mtprelay/relaynode/internal/logging"
	"github.com/mtprelay/relaynode/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	listenIP   string
	port       int
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.listenIP, "listen-ip", "", "Override the listen address")
	flag.IntVar(&f.port, "port", 0, "Override the listen port")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.listenIP != "" {
		cfg.Server.ListenIP = f.listenIP
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	path := config.ResolveConfigPath(flags.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludeHost:      cfg.Logging.IncludeHost,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("relaynode starting",
		"listen_ip", cfg.Server.ListenIP,
		"port", cfg.Server.Port,
		"max_connections", cfg.Server.MaxConnections,
		"optimize_throughput", cfg.Server.OptimizeThroughput,
		"resolver_workers", cfg.Server.ResolverWorkers.String(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runner := relay.NewRunner(logger)
	if err := runner.Run(ctx, cfg); err != nil {
		return fmt.Errorf("relaynode exited with error: %w", err)
	}
	return nil
}
