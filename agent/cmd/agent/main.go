// Command agent runs a fleet worker.
//
// # Usage
//
//	agent --controller ctl.internal:9999 --name edge-01
//
// Settings are layered: defaults, then the YAML file given by --config,
// then FLEETSYNC_* environment variables, then flags.
//
//	agent --config /etc/fleetsync/agent.yaml --tag rack=r12 --tag zone=b
//
//	FLEETSYNC_CONTROLLER_ADDRESS=ctl.internal:9999 agent --tls
//
// --print-config writes the effective configuration as YAML (secret
// redacted) and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/fleetsync/agent"
	"github.com/pilot-net/fleetsync/agent/internal/config"
)

type options struct {
	configFile    string
	controller    string
	secretFile    string
	id            string
	name          string
	tags          map[string]string
	useTLS        bool
	maxReconnects int
	debug         bool
	printConfig   bool
	version       bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{tags: map[string]string{}, maxReconnects: -1}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&opts.configFile, "config", "", "Path to config file")
	fs.StringVar(&opts.controller, "controller", "", "Controller address (host:port)")
	fs.StringVar(&opts.secretFile, "secret-file", "", "Path to the shared secret")
	fs.StringVar(&opts.id, "id", "", "Requested agent id (assigned by the controller when empty)")
	fs.StringVar(&opts.name, "name", "", "Agent name (defaults to the hostname)")
	fs.Func("tag", "Capability tag key=value (repeatable)", func(v string) error {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return fmt.Errorf("tag %q: expected key=value", v)
		}
		opts.tags[key] = value
		return nil
	})
	fs.BoolVar(&opts.useTLS, "tls", false, "Connect to the controller over TLS")
	fs.IntVar(&opts.maxReconnects, "max-reconnects", -1, "Reconnect attempts before giving up (0 = forever)")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.printConfig, "print-config", false, "Print the effective config and exit")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()

	if opts.controller != "" {
		cfg.Controller.Address = opts.controller
	}
	if opts.secretFile != "" {
		cfg.Controller.SecretFile = opts.secretFile
	}
	if opts.id != "" {
		cfg.Agent.ID = opts.id
	}
	if opts.name != "" {
		cfg.Agent.Name = opts.name
	}
	if opts.useTLS {
		cfg.Controller.TLS.Enabled = true
	}
	if opts.maxReconnects >= 0 {
		cfg.Reconnect.MaxAttempts = opts.maxReconnects
	}
	if len(opts.tags) > 0 && cfg.Agent.Tags == nil {
		cfg.Agent.Tags = make(map[string]string, len(opts.tags))
	}
	for k, v := range opts.tags {
		cfg.Agent.Tags[k] = v
	}
	if cfg.Agent.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Name = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	if opts.version {
		fmt.Printf("fleetsync-agent %s\n", agent.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if opts.debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if opts.printConfig {
		redacted := *cfg
		if redacted.Controller.Secret != "" {
			redacted.Controller.Secret = "<redacted>"
		}
		if err := yaml.NewEncoder(os.Stdout).Encode(&redacted); err != nil {
			logger.Error("failed to print config", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("agent shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	logger.Info("starting fleetsync agent",
		"name", cfg.Agent.Name,
		"controller", cfg.Controller.Address,
		"tls", cfg.Controller.TLS.Enabled,
	)
	return a.Run(ctx)
}
