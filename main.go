package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/velotrack/geofence-backend/internal/config"
	"github.com/velotrack/geofence-backend/internal/db"
	"github.com/velotrack/geofence-backend/internal/geofencing"
	"github.com/velotrack/geofence-backend/internal/logger"
	"github.com/velotrack/geofence-backend/internal/metrics"
	"github.com/velotrack/geofence-backend/internal/middleware"
	"github.com/velotrack/geofence-backend/internal/pipeline"
)

func healthHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx, gdb); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	}
}

func main() {
	_ = godotenv.Load(".env.local")

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	limit := flag.Int("limit", 0, "number of recent events to backfill on startup (default from config)")
	syncOnly := flag.Bool("sync-only", false, "run the startup backfill and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if *limit <= 0 {
		*limit = cfg.Backfill.Limit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	stats, err := p.Controller.RunBackfill(ctx, *limit)
	if err != nil {
		log.Error("startup backfill failed", "processed", stats.Processed, "created", stats.Created, "error", err)
		if *syncOnly {
			os.Exit(1)
		}
	}
	if *syncOnly {
		fmt.Printf("Backfill complete: %d processed, %d violations created\n", stats.Processed, stats.Created)
		return
	}

	sub := p.Controller.StartStreaming(ctx, func(v geofencing.Violation) error {
		log.Info("new violation",
			"violation_id", v.ID,
			"bike_id", v.BikeID,
			"zone_id", v.ZoneID,
			"customer_id", v.CustomerID,
			"type", v.ViolationType,
		)
		return nil
	})

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(log, "/health", "/metrics"))
	r.Get("/health", healthHandler(p.DB))
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/violations", geofencing.SetupRoutes(p.Controller))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ops server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown", "error", err)
	}
	sub.Cancel()
	log.Info("violation listener stopped")
}
