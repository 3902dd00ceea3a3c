package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gigovert/api"
	"gigovert/config"
	"gigovert/models"
	"gigovert/services"
	"gigovert/worker"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Starting Universal File Converter service...")

	cfg := config.Load()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis successfully")

	var store models.JobStore
	switch cfg.StoreBackend {
	case "memory":
		log.Println("Using in-memory job store (records do not survive restart)")
		store = services.NewMemoryStore()
	default:
		dbStore, err := services.NewDatabaseStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbStore.Close()
		log.Println("Connected to database successfully")
		store = dbStore
	}

	files, err := services.NewFileStore(cfg.UploadDir, cfg.OutputDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatalf("Failed to prepare storage directories: %v", err)
	}

	converter := services.NewConverter(cfg.OutputDir)
	fetcher := services.NewFetcher(cfg.OutputDir)
	health := services.NewHealthMonitor()

	s3Svc := services.NewS3Service(cfg)
	if s3Svc != nil {
		log.Printf("Artifact offload enabled (bucket %s)", cfg.S3Bucket)
	}

	queue := worker.NewQueue(redisClient, cfg)
	pool := worker.NewPool(cfg, queue, store, converter, fetcher, files, s3Svc, health)

	var wg sync.WaitGroup
	workerCtx, cancel := context.WithCancel(context.Background())

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(workerCtx, workerID)
		}(i)
	}
	log.Printf("Started %d conversion workers", cfg.WorkerCount)

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.MaintenanceLoop(workerCtx)
	}()

	router := mux.NewRouter()
	handler := api.NewHandler(store, queue, files, health, cfg.MaxUploadBytes)
	limiter := api.NewRateLimiter(cfg.RateLimit, time.Duration(cfg.RateWindow)*time.Second)
	api.SetupRoutes(router, handler, limiter)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("Listening on Redis queue: %s", cfg.PendingQueue)
	log.Println("Service is ready to process conversions")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping workers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	shutdownCancel()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}

	redisClient.Close()
	log.Println("Conversion service stopped")
}
