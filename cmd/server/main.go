package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hydrowatch/backend/internal/alerts"
	"github.com/hydrowatch/backend/internal/api"
	"github.com/hydrowatch/backend/internal/audit"
	"github.com/hydrowatch/backend/internal/circuitbreaker"
	"github.com/hydrowatch/backend/internal/clock"
	"github.com/hydrowatch/backend/internal/config"
	"github.com/hydrowatch/backend/internal/fusion"
	"github.com/hydrowatch/backend/internal/hub"
	"github.com/hydrowatch/backend/internal/isoforest"
	"github.com/hydrowatch/backend/internal/metrics"
	"github.com/hydrowatch/backend/internal/notify"
	"github.com/hydrowatch/backend/internal/pipeline"
	"github.com/hydrowatch/backend/internal/preprocess"
	"github.com/hydrowatch/backend/internal/store"
	"github.com/hydrowatch/backend/internal/valve"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (empty = defaults)")
	modelPath := flag.String("model", os.Getenv("MODEL_PATH"), "anomaly model snapshot to load at boot")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	// Cloud Run style port override.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	met := metrics.New()
	clk := clock.System{}
	auditLog := audit.New(clk)
	breakers := circuitbreaker.NewBoundaryBreakers()
	h := hub.New(clk, cfg.Fanout.QueueCap, met)

	forest := isoforest.New(isoforest.Options{
		NumTrees:      cfg.Model.NumTrees,
		SubsampleSize: cfg.Model.SubsampleSize,
		Seed:          cfg.Model.Seed,
	}, met)
	if *modelPath != "" {
		blob, err := os.ReadFile(*modelPath)
		if err != nil {
			log.Fatalf("Failed to read model snapshot %s: %v", *modelPath, err)
		}
		if err := forest.Load(blob); err != nil {
			log.Fatalf("Failed to load model snapshot %s: %v", *modelPath, err)
		}
		auditLog.Append(audit.KindModelLoaded, "model", "system", map[string]interface{}{
			"path": *modelPath,
		})
		log.Printf("📦 Anomaly model loaded from %s", *modelPath)
	}

	sampleStore := buildStore(cfg)
	defer sampleStore.Close()

	actuator := valve.NewSim(clk, 500*time.Millisecond)

	notifiers := []notify.Notifier{notify.NewInApp(256)}
	if cfg.Notifiers.EmailRecipient != "" {
		notifiers = append(notifiers, notify.NewEmail(cfg.Notifiers.EmailRecipient))
	}
	if cfg.Notifiers.SMSRecipient != "" {
		notifiers = append(notifiers, notify.NewSMS(cfg.Notifiers.SMSRecipient))
	}
	var emergency notify.Notifier
	if cfg.Notifiers.SlackWebhook != "" {
		emergency = notify.NewSlack(cfg.Notifiers.SlackWebhook, cfg.Notifiers.SlackChannel)
	}

	manager := alerts.NewManager(alerts.Options{
		Config:    cfg.Alerts,
		Clock:     clk,
		Metrics:   met,
		Notifiers: notifiers,
		Emergency: emergency,
		Actuator:  actuator,
		Breakers:  breakers,
		Audit:     auditLog,
		Publisher: h,
	})

	p := pipeline.New(pipeline.Options{
		Config:   cfg.Pipeline,
		Rules:    cfg.Rules,
		Features: cfg.Features,
		Clock:    clk,
		Metrics:  met,
		Pre:      preprocess.New(cfg.Features, clk, met),
		Forest:   forest,
		Fuser:    fusion.New(cfg.Fusion),
		Alerts:   manager,
		Hub:      h,
		Store:    sampleStore,
		Breakers: breakers,
	})

	// Bridges tie the local hub into the multi-pod fan-out fabric.
	bridgeCtx, stopBridges := context.WithCancel(context.Background())
	defer stopBridges()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bridge := hub.NewRedisBridge(h, rdb, "", podID())
		if err := bridge.Start(bridgeCtx); err != nil {
			log.Printf("Redis hub bridge disabled: %v", err)
		} else {
			defer bridge.Stop()
		}
	}
	if cfg.PubSub.ProjectID != "" {
		bridge, err := hub.NewPubSubBridge(h, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Printf("Pub/Sub hub bridge disabled: %v", err)
		} else {
			go bridge.Start(bridgeCtx)
			defer bridge.Stop()
		}
	}

	server := api.NewServer(p, manager, auditLog, h, forest, breakers, sampleStore)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	auditLog.Append(audit.KindSystemStart, "server", "system", map[string]interface{}{
		"port": cfg.Server.Port,
		"env":  cfg.Server.Env,
	})

	// Graceful shutdown (Cloud Run sends SIGTERM): stop intake, drain the
	// pipeline, then stop the HTTP server.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := p.Shutdown(ctx); err != nil {
			log.Printf("Pipeline shutdown error: %v", err)
		}
		manager.Close()
		auditLog.Append(audit.KindSystemStop, "server", "system", nil)
		h.Close()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Leak detection API starting on port %s", cfg.Server.Port)
	log.Printf("📊 Health check: http://localhost:%s/api/v1/health", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// buildStore picks the persistence backend: Postgres when a DSN is
// configured, Redis when an address is, in-memory otherwise. Backend
// failures fall back to in-memory so detection keeps running.
func buildStore(cfg *config.Config) store.SampleStore {
	if cfg.Postgres.DSN != "" {
		s, err := store.NewPostgres(cfg.Postgres.DSN)
		if err == nil {
			return s
		}
		log.Printf("Postgres unavailable, falling back: %v", err)
	}
	if cfg.Redis.Addr != "" {
		s, err := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 0)
		if err == nil {
			return s
		}
		log.Printf("Redis unavailable, falling back: %v", err)
	}
	log.Println("Using in-memory sample store")
	return store.NewMemory(0)
}

// podID identifies this instance on the shared hub bridge.
func podID() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "local"
}
