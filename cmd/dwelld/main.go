package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/starfail/dwell/pkg/api"
	"github.com/starfail/dwell/pkg/config"
	"github.com/starfail/dwell/pkg/engine"
	"github.com/starfail/dwell/pkg/geocode"
	"github.com/starfail/dwell/pkg/logx"
	"github.com/starfail/dwell/pkg/metrics"
	"github.com/starfail/dwell/pkg/mqtt"
	"github.com/starfail/dwell/pkg/notifications"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
	"github.com/starfail/dwell/pkg/store"
	"github.com/starfail/dwell/pkg/telem"
)

const (
	version = "0.3.0-dev"
	appName = "dwelld"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/dwell/dwell.yaml", "YAML config file path")
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error), overrides the config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	if cfg.LogSyslog {
		if err := logger.EnableSyslog(appName); err != nil {
			logger.Warn("syslog unavailable", "error", err)
		}
	}
	logger.Info("starting dwell daemon",
		"version", version,
		"config", *configFile,
		"log_level", cfg.LogLevel,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dwell daemon stopped")
}

func run(cfg *config.Config, logger *logx.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	sampler, err := sampling.NewSampler(cfg.SamplingConfig(), logger)
	if err != nil {
		return err
	}
	registry := places.NewRegistry(cfg.PlacesConfig(), logger)
	telemetry := telem.NewStore(cfg.TelemetryConfig())
	metricsServer := metrics.NewServer(version, logger)

	var geocoder *geocode.Queue
	if cfg.Geocode.Enabled {
		google, err := geocode.NewGoogleGeocoder(cfg.Geocode.APIKey, cfg.Geocode.Language)
		if err != nil {
			return err
		}
		geocoder = geocode.NewQueue(cfg.GeocodeConfig(), google, registry, logger)
	}

	mqttClient := mqtt.NewClient(cfg.MQTTConfig(), logger)
	if err := mqttClient.Connect(); err != nil {
		// paho keeps retrying in the background
		logger.Warn("MQTT broker not reachable yet", "error", err)
	}
	defer mqttClient.Disconnect()

	notifier := notifications.NewManager(cfg.NotificationsConfig(), logger)
	if cfg.MQTT.Enabled {
		notifier.AddSink(mqttClient)
	}

	engineConfig := engine.DefaultConfig()
	engineConfig.Extractor = cfg.ExtractorConfig()
	engineConfig.Clustering = cfg.ClusteringConfig()
	engineConfig.Location = cfg.Location()
	engineConfig.RebuildSpec = cfg.Schedule.Rebuild
	engineConfig.RescanSpec = cfg.Schedule.GeocodeRescan
	engineConfig.CleanupSpec = cfg.Schedule.Cleanup
	engineConfig.StatusSpec = cfg.Schedule.Status

	deps := engine.Deps{
		Sampler:   sampler,
		Registry:  registry,
		Telemetry: telemetry,
		Store:     db,
		Geocoder:  geocoder,
		Metrics:   metricsServer,
		Notifier:  notifier,
	}
	if cfg.MQTT.Enabled {
		deps.Publisher = mqttClient
	}

	eng, err := engine.New(engineConfig, deps, logger)
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		return err
	}
	eng.RescanUnnamed()

	if err := mqttClient.SubscribeFixes(eng.HandleFix); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		if err := metricsServer.Start(cfg.Metrics.Listen); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(api.Deps{
			Places:    registry,
			Sampler:   sampler,
			Rebuilder: eng,
			Events:    telemetry,
			Metrics:   metricsServer.Handler(),
			Version:   version,
		}, logger)
		if err := apiServer.Start(cfg.API.Listen); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			apiServer.Stop(sctx)
		}()
	}

	logger.Info("dwell daemon started", "places", registry.Len())
	return eng.Run(ctx)
}
