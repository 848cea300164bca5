// Command server runs the fleetsync control plane.
//
// # Usage
//
//	server --config /etc/fleetsync/control-plane.yaml
//
// # Configuration
//
// The server can be configured via:
// - Config file (--config)
// - Environment variables (FLEETSYNC_*)
// - Command-line flags, which win over both
//
// To produce the api.key_hash value for an operator key:
//
//	server --hash-key "$OPERATOR_KEY"
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/fleetsync/control-plane/internal/api"
	"github.com/pilot-net/fleetsync/control-plane/internal/balancer"
	"github.com/pilot-net/fleetsync/control-plane/internal/buffer"
	"github.com/pilot-net/fleetsync/control-plane/internal/cache"
	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/control-plane/internal/controller"
	"github.com/pilot-net/fleetsync/control-plane/internal/coordinator"
	"github.com/pilot-net/fleetsync/control-plane/internal/metrics"
	"github.com/pilot-net/fleetsync/control-plane/internal/policy"
	"github.com/pilot-net/fleetsync/control-plane/internal/secrets"
	"github.com/pilot-net/fleetsync/control-plane/internal/stats"
	"github.com/pilot-net/fleetsync/control-plane/internal/store"
	"github.com/pilot-net/fleetsync/db/migrate"
)

const version = "fleetsync-server v0.1.0"

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		listenAddr = flag.String("listen", "", "Agent listener address (host:port)")
		apiAddr    = flag.String("api-addr", "", "HTTP API address (host:port)")
		dbURL      = flag.String("database", "", "Database URL (postgres://...)")
		hashKey    = flag.String("hash-key", "", "Print the bcrypt hash of an operator API key and exit")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		showVer    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		os.Exit(0)
	}
	if *hashKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashKey), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hashing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
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

	// Load configuration
	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnvOverrides()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *apiAddr != "" {
		cfg.API.Addr = *apiAddr
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	secret, err := secrets.Resolve(ctx, secrets.ConfigFrom(cfg.Secret), logger)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	gate, err := policy.New(cfg.Policy)
	if err != nil {
		return fmt.Errorf("building target policy: %w", err)
	}

	aggregator := stats.New(stats.Config{
		Interval:    cfg.Stats.Interval,
		HistorySize: cfg.Stats.HistorySize,
		Gauges:      cfg.Stats.Gauges,
		Logger:      logger,
	})

	ctrl := controller.New(controller.Config{
		ListenAddr:        cfg.ListenAddr,
		TLS:               tlsConfig,
		Secret:            secret,
		MaxAgents:         cfg.MaxAgents,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		EvictionGrace:     cfg.Heartbeat.EvictionGrace,
		ReadyTimeout:      cfg.Start.ReadyTimeout,
		StartLead:         cfg.Start.Lead,
		Stats:             aggregator,
		Logger:            logger,
	})

	bal := balancer.New(ctrl, logger)

	coordCfg := coordinator.Config{
		Fleet:      ctrl,
		Stats:      aggregator,
		Balancer:   bal,
		Validator:  gate,
		StartLead:  cfg.Start.Lead,
		PhaseDelay: cfg.Start.PhaseDelay,
		// One aggregation tick lets the final stats reports land.
		SettleDelay: cfg.Stats.Interval,
		Logger:      logger,
	}

	// Run history (optional)
	var history api.RunHistory
	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
		db, err := store.NewStoreFromURL(dbCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		coordCfg.Recorder = db
		history = db

		// With Redis available, finished runs go through a write-ahead
		// queue so a database outage does not lose them.
		if cfg.RedisURL != "" {
			queue, err := buffer.NewRunQueue(cfg.RedisURL, logger)
			if err != nil {
				return err
			}
			defer queue.Close()
			flusher := buffer.NewFlusher(queue, db, logger)
			flusher.Start()
			defer flusher.Stop()
			coordCfg.Recorder = queue
		}
		logger.Info("run history enabled", "queued", cfg.RedisURL != "")
	}

	coord := coordinator.New(coordCfg)

	guard := metrics.NewGuard(metrics.GuardConfig{
		MaxCPUPercent:    cfg.Resources.MaxCPUPercent,
		MaxMemoryPercent: cfg.Resources.MaxMemoryPercent,
		Interval:         cfg.Resources.SampleInterval,
		Logger:           logger,
	}, coord)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// Snapshot publication (optional)
	if cfg.RedisURL != "" {
		pub, err := cache.New(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		snapshots, unsubscribe := aggregator.Subscribe()
		defer unsubscribe()
		spawn(func() { pub.Run(ctx, snapshots) })
		logger.Info("snapshot publication enabled")
	}

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	spawn(func() { aggregator.Run(ctx) })
	spawn(func() { bal.Run(ctx, events, config.RebalanceInterval) })
	if guard.Enabled() {
		spawn(func() { guard.Run(ctx) })
	}

	apiServer := api.NewServer(api.Config{
		Fleet:             ctrl,
		Stats:             aggregator,
		Runner:            coord,
		Redistributions:   bal,
		History:           history,
		Validator:         gate,
		Health:            guard,
		KeyHash:           cfg.API.KeyHash,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		BaseContext:       ctx,
		Logger:            logger,
	})
	if cfg.API.KeyHash == "" {
		logger.Warn("api.key_hash not set, operator API is unauthenticated")
	}

	server := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", cfg.API.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("api server error", "error", err)
	}

	logger.Info("shutting down")
	coord.StopWorkload("control plane shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{server.Shutdown(shutdownCtx), ctrl.Stop(shutdownCtx)}
	cancelRun()
	wg.Wait()
	return errors.Join(errs...)
}
