package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signoff/hub/internal/aibridge"
	"signoff/hub/internal/config"
	"signoff/hub/internal/docstore"
	"signoff/hub/internal/hub"
	"signoff/hub/internal/pubsub"
	"signoff/hub/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	bridge, err := pubsub.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer bridge.Close()

	service := hub.NewService(dataStore, bridge)
	wsHub := hub.NewHub(service, hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientDeadAfter:   cfg.ClientDeadAfter,
		OriginPatterns:    []string{cfg.CORSOrigin},
	})

	go func() {
		if err := bridge.Run(ctx, wsHub.Fanout); err != nil && ctx.Err() == nil {
			log.Fatalf("event relay failed: %v", err)
		}
	}()

	// The analysis bridge only runs when both the AI service and the
	// document store are configured.
	if strings.TrimSpace(cfg.AIServiceURL) != "" && strings.TrimSpace(cfg.MinioEndpoint) != "" {
		docs, err := docstore.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		analyzer := &aibridge.HTTPAnalyzer{URL: cfg.AIServiceURL}
		worker := aibridge.NewWorker(dataStore, docs, analyzer, aibridge.Options{
			PollInterval: cfg.AISweepInterval,
			JobDeadline:  cfg.AIJobDeadline,
		})
		go worker.Run(ctx)
		log.Printf("analysis bridge enabled against %s", cfg.AIServiceURL)
	} else {
		log.Printf("analysis bridge disabled (SIGNOFF_AI_URL or MINIO_ENDPOINT unset)")
	}

	httpServer := hub.NewHTTPServer(service, wsHub, cfg.CORSOrigin, cfg.HubToken)
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
		// Websocket connections are long-lived, so only the header read gets
		// a timeout here.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Signoff hub listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
