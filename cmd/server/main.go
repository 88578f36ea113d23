package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/tmi-collab/api"
	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/pubsub"
	"github.com/ericfitz/tmi-collab/internal/rooms"
	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/ericfitz/tmi-collab/internal/telemetry"
	"github.com/ericfitz/tmi-collab/internal/uuidgen"
)

const busPingTimeout = 5 * time.Second

func main() {
	configFile, generateConfig, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(2)
	}
	if generateConfig {
		if err := config.GenerateExampleConfig(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := slogging.Initialize(loggingConfig(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	instanceID := cfg.Instance.ID
	if instanceID == "" {
		instanceID = uuidgen.NewInstanceID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, instanceID)
	stop()
	if err != nil {
		logger.Error("Server stopped with error: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped")
	_ = logger.Close()
}

func loggingConfig(cfg *config.Config) slogging.Config {
	return slogging.Config{
		Level:            cfg.GetLogLevel(),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}
}

func registryOptions(cfg *config.Config, instanceID string, metrics *telemetry.RoomMetrics) rooms.Options {
	return rooms.Options{
		InstanceID:       instanceID,
		Palette:          cfg.Rooms.Palette,
		CursorThrottle:   cfg.Rooms.CursorThrottle,
		InboxSize:        cfg.Rooms.InboxSize,
		MaxRoomIDLength:  cfg.Rooms.MaxRoomIDLength,
		MaxUsernameRunes: cfg.Rooms.MaxUsernameRunes,
		Metrics:          metrics,
		Logger:           slogging.Get(),
	}
}

// run serves until ctx is cancelled or a component fails, then shuts down
// the HTTP server, the room registry, the bus and telemetry in that order.
func run(ctx context.Context, cfg *config.Config, instanceID string) error {
	logger := slogging.Get()
	logger.Info("Starting collaboration server - instance: %s, bus: %s", instanceID, cfg.Bus.Driver)

	tel, err := telemetry.NewService(telemetry.FromRuntimeConfig(cfg, instanceID, os.Stdout))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telemetry.NewRoomMetrics(tel.GetTracer(), tel.GetMeter())
	if err != nil {
		return fmt.Errorf("failed to create room metrics: %w", err)
	}

	bus, err := pubsub.NewBus(cfg)
	if err != nil {
		return fmt.Errorf("failed to create bus: %w", err)
	}

	opts := registryOptions(cfg, instanceID, metrics)
	serverOpts := api.ServerOptions{
		Config:         cfg,
		Metrics:        metrics,
		MetricsHandler: tel.MetricsHandler(),
	}
	var bridge *pubsub.Bridge
	if bus != nil {
		pingCtx, cancel := context.WithTimeout(ctx, busPingTimeout)
		if err := bus.Ping(pingCtx); err != nil {
			logger.Warn("Bus %s unreachable at startup, collaborating locally until it recovers: %v", bus.Name(), err)
		}
		cancel()

		bridge = pubsub.NewBridge(bus, pubsub.BridgeOptions{
			InstanceID:     instanceID,
			OutboxSize:     cfg.Bus.OutboxSize,
			PublishTimeout: cfg.Bus.PublishTimeout,
			Metrics:        metrics,
		})
		opts.Publisher = bridge
		serverOpts.Bus = bridge
	}

	registry, err := rooms.NewRegistry(opts)
	if err != nil {
		return fmt.Errorf("failed to create room registry: %w", err)
	}
	serverOpts.Rooms = registry
	server := api.NewServer(serverOpts)
	router, err := server.NewRouter()
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// the core outlives ctx so connections drain before the registry stops
	coreCtx, cancelCore := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCore()
	g, gctx := errgroup.WithContext(coreCtx)
	g.Go(func() error { return registry.Run(gctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx, registry) })
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening on %s (tls: %t)", httpServer.Addr, cfg.Server.TLSEnabled)
		var err error
		if cfg.Server.TLSEnabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-gctx.Done():
		runErr = errors.New("room core stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown: %v", err)
	}
	server.CloseConnections()

	cancelCore()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	if bus != nil {
		if err := bus.Close(); err != nil {
			logger.Warn("Bus close: %v", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown: %v", err)
	}
	return runErr
}
