package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/EdWata/nao-car/internal/actuator"
	"github.com/EdWata/nao-car/internal/autodrive"
	"github.com/EdWata/nao-car/internal/command"
	"github.com/EdWata/nao-car/internal/config"
	"github.com/EdWata/nao-car/internal/discovery"
	"github.com/EdWata/nao-car/internal/metrics"
	"github.com/EdWata/nao-car/internal/router"
	"github.com/EdWata/nao-car/internal/server"
	"github.com/EdWata/nao-car/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "nao-car"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("stream_port", cfg.Stream.Port),
		slog.String("subject_prefix", cfg.Actuator.SubjectPrefix),
		slog.Bool("discovery", cfg.Discovery.Enabled),
		slog.Int("double_click_window_ms", cfg.Sensors.DoubleClickWindow),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Robot bridge
	bridge, err := actuator.Connect(actuator.BridgeConfig{
		URL:            cfg.Actuator.NATSURL,
		SubjectPrefix:  cfg.Actuator.SubjectPrefix,
		RequestTimeout: cfg.Actuator.GetRequestTimeoutDuration(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create robot bridge", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Robot bridge initialized", slog.String("subject_prefix", cfg.Actuator.SubjectPrefix))

	// Stream negotiator
	negotiator := stream.NewNegotiator(stream.Config{
		BindAddress:     cfg.Stream.BindAddress,
		Port:            cfg.Stream.Port,
		SubscriberQueue: cfg.Stream.SubscriberQueue,
	}, logger, appMetrics)
	if err := negotiator.Start(ctx); err != nil {
		logger.Error("Failed to start stream listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Command handlers
	autoDrive := autodrive.NewController(bridge.NewAutoDriver, bridge, cfg.Actuator.Language, logger)
	autoDrive.OnTransition = func(s autodrive.State) {
		appMetrics.RecordAutoDriveTransition(s.String())
	}
	commands := command.New(command.Config{
		Language:          cfg.Actuator.Language,
		IndexPath:         cfg.Web.IndexPath,
		CalibrateSensor:   cfg.Sensors.Calibrate,
		CalibrateHeld:     cfg.Sensors.CalibrateHeld,
		CalibrateReleased: cfg.Sensors.CalibrateReleased,
		ToggleSensor:      cfg.Sensors.ToggleAutoDrive,
	}, bridge.NewDrive, bridge, autoDrive, negotiator, logger)
	dispatcher := router.New(commands.Routes(), logger, appMetrics)
	logger.Debug("Routes registered", slog.Any("paths", dispatcher.Paths()))

	// Control server
	controlServer := server.NewServer(&cfg.Server, dispatcher, server.SensorConfig{
		Window:        cfg.Sensors.GetDoubleClickWindowDuration(),
		OnDoubleClick: commands.DoubleClick,
	}, logger, appMetrics)
	if err := controlServer.Start(ctx); err != nil {
		logger.Error("Failed to start control server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Robot events
	subs := make([]*nats.Subscription, 0, 2)
	if sub, err := bridge.SubscribeSensors(func(ev actuator.SensorEvent) {
		if !controlServer.PostSensorEvent(ev) {
			logger.Debug("Sensor event dropped, server stopped", slog.String("sensor", ev.Name))
		}
	}); err != nil {
		logger.Warn("Sensor events unavailable", slog.String("error", err.Error()))
	} else {
		subs = append(subs, sub)
	}
	if sub, err := bridge.SubscribeFrames(func(camera string, frame []byte) {
		negotiator.HandleFrame(camera, frame)
	}); err != nil {
		logger.Warn("Camera frames unavailable", slog.String("error", err.Error()))
	} else {
		subs = append(subs, sub)
	}

	// Service advertisement
	var advertiser *discovery.Advertiser
	if cfg.Discovery.Enabled {
		advertiser = discovery.NewAdvertiser(cfg.Discovery.Domain, logger)
		if !advertiser.Advertise(cfg.Discovery.ServiceName, cfg.Discovery.ProtocolTag, controlServer.Port()) {
			logger.Warn("Could not register service, remotes must be configured by hand")
		}
	}

	// HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controlServer, negotiator, commands, appMetrics, registry)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("control_address", controlServer.Addr().String()),
		slog.Int("stream_port", negotiator.Port()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if advertiser != nil {
		advertiser.Shutdown()
	}

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Error unsubscribing", slog.String("subject", sub.Subject), slog.String("error", err.Error()))
		}
	}

	if err := controlServer.Stop(); err != nil {
		logger.Error("Error stopping control server", slog.String("error", err.Error()))
	}

	if err := negotiator.Stop(); err != nil {
		logger.Error("Error stopping stream listener", slog.String("error", err.Error()))
	}

	if err := bridge.Close(); err != nil {
		logger.Error("Error closing robot bridge", slog.String("error", err.Error()))
	}

	stats := controlServer.Statistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("requests", stats.Requests),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("sensor_events", stats.SensorEvents),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
