// Package main is the entry point for the spatx pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spatx/spatx/internal/api"
	"github.com/spatx/spatx/internal/cache"
	"github.com/spatx/spatx/internal/config"
	"github.com/spatx/spatx/internal/dataset"
	"github.com/spatx/spatx/internal/pipeline"
	"github.com/spatx/spatx/internal/plot"
	"github.com/spatx/spatx/internal/resultstore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/spatx.yaml", "Path to configuration file")
	serve := flag.Bool("serve", false, "Serve results over HTTP after the run")
	serveOnly := flag.Bool("serve-only", false, "Skip the pipeline and serve stored runs")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Open the result store
	store, err := resultstore.NewStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open result store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	var d *dataset.Dataset
	var runID string
	if !*serveOnly {
		p := pipeline.New(cfg, store)
		runID = p.RunID()
		log.Printf("Starting run %s (%s)", runID, cfg.Run.Name)

		start := time.Now()
		d, err = p.Run(ctx)
		if err != nil {
			log.Fatalf("Run %s failed: %v", runID, err)
		}
		log.Printf("Run %s completed in %v: %d features x %d observations, %d result tables",
			runID, time.Since(start).Round(time.Millisecond), d.NFeatures(), d.NObs(), len(d.ResultNames()))
	}

	if !*serve && !*serveOnly {
		return
	}

	// Initialize cache manager for the results server
	cacheManager, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: cfg.Cache.FigureSizeMB,
		FigureTTL:         time.Duration(cfg.Cache.FigureTTLMinutes) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	renderer := plot.NewRenderer(plot.Config{
		Width:           cfg.Render.Width,
		Height:          cfg.Render.Height,
		PointRadius:     cfg.Render.PointRadius,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	router := api.NewRouter(api.RouterConfig{
		Server: &api.Server{
			Store:       store,
			Cache:       cacheManager,
			Renderer:    renderer,
			Dataset:     d,
			ActiveRunID: runID,
		},
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
