// Package pipeline assembles the violation pipeline from configuration.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/velotrack/geofence-backend/internal/config"
	"github.com/velotrack/geofence-backend/internal/db"
	"github.com/velotrack/geofence-backend/internal/geofencing"
	"github.com/velotrack/geofence-backend/internal/geofencing/kafkafeed"
	"github.com/velotrack/geofence-backend/internal/geofencing/pgfeed"
	"github.com/velotrack/geofence-backend/internal/zonecache"
)

type Pipeline struct {
	DB         *gorm.DB
	Store      *geofencing.Store
	Events     *pgfeed.Feed
	Polygons   *geofencing.PolygonStore
	Evaluator  *geofencing.Evaluator
	Controller *geofencing.Controller

	// ZoneCache is nil unless Redis is configured.
	ZoneCache *zonecache.Cache

	redis *redis.Client
}

// Open connects to the database and wires every component. Call Close when done.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gdb, err := db.Open(cfg.DatabaseURL, cfg.SQLLogLevel)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{DB: gdb}

	p.Events = pgfeed.New(gdb, cfg.DatabaseURL, logger)
	if err := geofencing.Migrate(gdb.WithContext(ctx)); err != nil {
		p.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := p.Events.Setup(ctx); err != nil {
		p.Close()
		return nil, err
	}

	p.Store = geofencing.NewStore(gdb)

	var zones geofencing.ZoneDirectory = p.Store
	if rdb := zonecache.Open(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); rdb != nil {
		p.redis = rdb
		p.ZoneCache = zonecache.New(p.Store, rdb, cfg.Redis.TTL, logger)
		zones = p.ZoneCache
		logger.Info("zone cache enabled", "addr", cfg.Redis.Addr)
	}

	p.Polygons = geofencing.NewPolygonStore(zones, geofencing.WithPolygonTTL(cfg.ZoneCacheTTL))
	if n, err := p.Polygons.Warm(ctx, p.Store); err != nil {
		logger.Warn("zone warm-up failed, polygons will load on demand", "error", err)
	} else {
		logger.Info("zone polygons warmed", "zones", n)
	}
	p.Evaluator = geofencing.NewEvaluator(p.Store, p.Polygons, p.Store, p.Store,
		geofencing.WithEvaluatorLogger(logger))

	var feed geofencing.EventFeed = p.Events
	if cfg.Feed.Kind == config.FeedKafka {
		feed = kafkafeed.New(kafkafeed.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
	}

	p.Controller = geofencing.NewController(p.Evaluator, p.Events, feed,
		geofencing.WithControllerLogger(logger),
		geofencing.WithBackfillRate(cfg.Backfill.RatePerSecond),
		geofencing.WithResubscribeInterval(cfg.Feed.ResubscribeInterval),
	)
	return p, nil
}

func (p *Pipeline) Close() {
	if p.redis != nil {
		_ = p.redis.Close()
	}
	if p.DB != nil {
		_ = db.Close(p.DB)
	}
}
