package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/adreel/internal/api"
	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/pipeline"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/worker"
)

func main() {
	log.Println("Starting Adreel API...")

	// Load configuration
	cfg, err := config.LoadForAPI()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Create API handler
	handler := api.NewHandler(database, q, cfg.OutputDir)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		MediaDir:           cfg.OutputDir,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())

		p, err := pipeline.New(workerCtx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize pipeline: %v", err)
		}

		w := worker.New(database, q, p.Clips, p.Concat, worker.Options{
			ScenePacing:  cfg.ScenePacingDelay,
			HopPacing:    cfg.HopPacingDelay,
			ResumeDelay:  cfg.PollInterval * 3,
			TransitionMs: cfg.TransitionDurationMs,
		})
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
