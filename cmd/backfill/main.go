package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/velotrack/geofence-backend/internal/config"
	"github.com/velotrack/geofence-backend/internal/logger"
	"github.com/velotrack/geofence-backend/internal/pipeline"
)

func main() {
	_ = godotenv.Load(".env.local")

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	limit := flag.Int("limit", 0, "number of recent events to evaluate (default from config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	l := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if *limit <= 0 {
		*limit = cfg.Backfill.Limit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Open(ctx, cfg, l)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer p.Close()

	fmt.Printf("Backfilling up to %d recent exit events...\n", *limit)
	stats, err := p.Controller.RunBackfill(ctx, *limit)

	fmt.Println()
	fmt.Printf("  Processed: %d\n", stats.Processed)
	fmt.Printf("  Created:   %d\n", stats.Created)
	if err != nil {
		fmt.Printf("  Aborted:   %v\n", err)
		p.Close()
		os.Exit(1)
	}
}
