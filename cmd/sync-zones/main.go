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
	"github.com/velotrack/geofence-backend/internal/db"
	"github.com/velotrack/geofence-backend/internal/geofencing"
	"github.com/velotrack/geofence-backend/internal/logger"
	"github.com/velotrack/geofence-backend/internal/zonecache"
	"github.com/velotrack/geofence-backend/internal/zonesync"
)

func main() {
	_ = godotenv.Load(".env.local")

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	file := flag.String("file", "zones.yaml", "zone export to import (YAML or JSON)")
	zoneID := flag.String("zone-id", "", "sync only this zone")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	l := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	docs, err := zonesync.ParseFile(*file)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DatabaseURL, cfg.SQLLogLevel)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer db.Close(gdb)

	if err := geofencing.Migrate(gdb.WithContext(ctx)); err != nil {
		log.Fatalf("❌ %v", err)
	}

	var cache zonesync.Invalidator
	if rdb := zonecache.Open(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); rdb != nil {
		defer rdb.Close()
		cache = zonecache.New(geofencing.NewStore(gdb), rdb, cfg.Redis.TTL, l)
	}
	syncer := zonesync.NewSyncer(gdb, cache, l)

	if *zoneID != "" {
		fmt.Printf("Syncing zone: %s\n", *zoneID)
		if _, err := syncer.SyncOne(ctx, docs, *zoneID); err != nil {
			fmt.Printf("✗ Failed to sync zone %s: %v\n", *zoneID, err)
			os.Exit(1)
		}
		fmt.Printf("✓ Zone %s synced successfully\n", *zoneID)
		return
	}

	fmt.Printf("Syncing all zones from %s...\n", *file)
	stats, err := syncer.SyncAll(ctx, docs)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	fmt.Println("\n✓ Sync completed:")
	fmt.Printf("  Total: %d\n", stats.Total)
	fmt.Printf("  Created: %d\n", stats.Created)
	fmt.Printf("  Updated: %d\n", stats.Updated)
	fmt.Printf("  Failed: %d\n", stats.Failed)
}
