package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/node-fleet/node-gateway/internal/api"
	"github.com/node-fleet/node-gateway/internal/bus"
	"github.com/node-fleet/node-gateway/internal/config"
	"github.com/node-fleet/node-gateway/internal/gateway"
	"github.com/node-fleet/node-gateway/internal/models"
	"github.com/node-fleet/node-gateway/internal/mqtt"
	"github.com/node-fleet/node-gateway/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/gateway.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Connect to database
	store, err := storage.NewPostgresStore(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	// Optional event export bus
	var exporter gateway.EventExporter
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
		natsExporter, err := bus.NewExporter(&cfg.NATS, cfg.Server.Name)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event export")
		} else {
			defer natsExporter.Close()
			exporter = natsExporter
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, event export disabled")
	}

	// Gateway core
	registry := gateway.NewRegistry(cfg.Gateway.MaxClients)
	router := gateway.NewRouter(registry, cfg.Gateway.MaxMessageSize)
	broadcaster := gateway.NewBroadcaster(store, registry)

	// Device transport, wired to the event processor once commands exist
	var processor *gateway.EventProcessor
	transport := mqtt.NewClient(&cfg.MQTT, mqtt.SinkFunc(func(ctx context.Context, ev models.DeviceEvent) {
		processor.HandleDeviceEvent(ctx, ev)
	}))

	commands := gateway.NewDeviceHandler(store, registry, transport, cfg.Gateway.CommandTimeout)
	defer commands.Shutdown()

	processor = gateway.NewEventProcessor(store, transport, broadcaster, commands, exporter)

	systemHandler := gateway.NewSystemHandler(store, registry, transport,
		cfg.Gateway.FreshnessThreshold, cfg.Server.Version)

	router.RegisterHandler(models.MessageTypeHandshake, systemHandler.HandleHandshake)
	router.RegisterHandler(models.MessageTypeSystemInfo, systemHandler.HandleSystemInfo)
	router.RegisterHandler(models.MessageTypeDeviceCommand, commands.HandleCommand)
	router.RegisterHandler(models.MessageTypePing, router.HandlePing)
	router.RegisterHandler(models.MessageTypePong, router.HandlePong)

	if err := router.CheckComplete(); err != nil {
		log.Fatal().Err(err).Msg("Message router misconfigured")
	}

	// Connect device transport
	if err := transport.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer transport.Close()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Session liveness sweeper
	sweeper := gateway.NewSweeper(registry, cfg.Gateway.ConnectionTimeout, cfg.Gateway.HeartbeatInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// Device status monitor
	monitor := gateway.NewStatusMonitor(store, broadcaster,
		cfg.Gateway.FreshnessThreshold, cfg.Gateway.MonitorInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	// HTTP + websocket server
	wsServer := gateway.NewServer(registry, router, cfg.Server.Version, cfg.Gateway.MaxMessageSize)
	stats := &statsAggregator{
		registry:    registry,
		router:      router,
		commands:    commands,
		broadcaster: broadcaster,
		transport:   transport,
	}
	apiServer := api.NewRESTServer(cfg, store, wsServer, stats)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server gracefully")
	}

	wg.Wait()

	log.Info().Msg("Gateway stopped")
}

// statsAggregator bundles the runtime counters for the stats endpoint.
type statsAggregator struct {
	registry    *gateway.Registry
	router      *gateway.Router
	commands    *gateway.DeviceHandler
	broadcaster *gateway.Broadcaster
	transport   *mqtt.Client
}

func (a *statsAggregator) RuntimeStats() map[string]interface{} {
	return map[string]interface{}{
		"sessions":      a.registry.Stats(),
		"messages":      a.router.Stats(),
		"commands":      a.commands.Stats(),
		"notifications": a.broadcaster.Stats(),
		"mqttConnected": a.transport.IsConnected(),
	}
}
