// Package zonecache puts a Redis layer in front of a zone directory so that
// several pipeline processes share zone lookups.
package zonecache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velotrack/geofence-backend/internal/geofencing"
	"github.com/velotrack/geofence-backend/internal/metrics"
)

const (
	DefaultTTL = 10 * time.Minute
	keyPrefix  = "geofence:zone:"
)

// Open returns a client for addr, or nil when addr is empty.
func Open(addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Cache implements geofencing.ZoneDirectory. Redis failures degrade to the
// wrapped directory; they never fail a lookup on their own.
type Cache struct {
	next   geofencing.ZoneDirectory
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func New(next geofencing.ZoneDirectory, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func key(zoneID string) string {
	return keyPrefix + zoneID
}

func (c *Cache) GetZone(ctx context.Context, zoneID string) (*geofencing.Zone, error) {
	data, err := c.rdb.Get(ctx, key(zoneID)).Bytes()
	switch {
	case err == nil:
		var z geofencing.Zone
		if jerr := json.Unmarshal(data, &z); jerr == nil {
			metrics.ZoneCacheHitsTotal.WithLabelValues("redis").Inc()
			return &z, nil
		}
		c.logger.Warn("dropping unreadable cached zone", "zone_id", zoneID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("redis get failed", "zone_id", zoneID, "error", err)
	}
	metrics.ZoneCacheMissesTotal.WithLabelValues("redis").Inc()

	z, err := c.next.GetZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(z)
	if err != nil {
		return z, nil
	}
	if err := c.rdb.Set(ctx, key(zoneID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "zone_id", zoneID, "error", err)
	}
	return z, nil
}

// Invalidate drops the cached entries for zoneIDs.
func (c *Cache) Invalidate(ctx context.Context, zoneIDs ...string) error {
	if len(zoneIDs) == 0 {
		return nil
	}
	keys := make([]string, len(zoneIDs))
	for i, id := range zoneIDs {
		keys[i] = key(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}
