package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/engine"
	"face-sentry-go/internal/core/index"
	"face-sentry-go/internal/core/match"
	"face-sentry-go/internal/core/quality"
	"face-sentry-go/internal/core/registry"
	"face-sentry-go/internal/core/track"
	"face-sentry-go/internal/crops"
	"face-sentry-go/internal/db"
	"face-sentry-go/internal/db/repository"
	"face-sentry-go/internal/logger"
	"face-sentry-go/internal/mqtt"
	"face-sentry-go/internal/server"
	"face-sentry-go/internal/stats"
)

func main() {
	configPath := flag.String("config", "/config/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	log.Info("Initializing database...")
	database, err := db.Init(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Database initialization complete.")

	repo := repository.NewGormRepository(database)
	rt := config.NewRuntime(cfg.Recognition)

	// Known-identity gallery and matching
	idx := index.New(cfg.Recognition.EmbeddingDim, cfg.Recognition.ANNEnabled)
	resolver := match.NewResolver(idx, rt)
	validator := quality.NewValidator(rt)
	tracker := track.NewManager(rt, validator)

	cropStore, err := crops.NewStore(cfg.Server.CropDir)
	if err != nil {
		log.Warnf("Crop store unavailable, continuing without crops: %v", err)
		cropStore = nil
	}

	reg := registry.New(rt, repo, cropStore, cfg.Registry.QueueSize)
	if err := reg.Load(); err != nil {
		log.Warnf("Unknown-person gallery load failed, recurrence matching starts empty: %v", err)
	}
	reg.Start(cfg.Registry.Workers)
	defer reg.Stop()

	eng := engine.New(rt, idx, resolver, tracker, reg, repo, nil)
	if err := eng.ReloadGallery(); err != nil {
		log.Fatalf("Failed to load known-identity gallery: %v", err)
	}
	eng.Start()
	defer eng.Stop()

	// MQTT bridge: enrollment events in, classification events out
	mqttClient := mqtt.NewClient(cfg.MQTT, eng)
	if cfg.MQTT.Enabled {
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
		} else {
			eng.SetPublisher(mqttClient)
			defer mqttClient.Stop()
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	reporter := stats.NewReporter(eng, time.Duration(cfg.Stats.IntervalSeconds)*time.Second)
	reporter.Start()
	defer reporter.Stop()

	httpServer := server.New(cfg.Server, rt, eng)
	httpServer.Start()

	// Hot-reload of the recognition settings
	config.Watch(*configPath, func(updated *config.Config) {
		rt.Reload(updated.Recognition)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		log.Errorf("HTTP server shutdown error: %v", err)
	}
	log.Info("Shutdown complete.")
}
