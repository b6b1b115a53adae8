package geofencing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velotrack/geofence-backend/internal/clock"
	"github.com/velotrack/geofence-backend/internal/metrics"
)

// DefaultPolygonTTL bounds how long a zone polygon is served from memory
// before the directory is consulted again.
const DefaultPolygonTTL = 5 * time.Minute

type cachedZone struct {
	active   bool
	vertices []LatLng
	loadedAt time.Time
}

// PolygonStore resolves zone ids to polygons, keeping recently used zones in
// memory. Vertices are returned in the order the directory stored them.
type PolygonStore struct {
	zones ZoneDirectory
	ttl   time.Duration
	clock clock.Clock

	mu    sync.RWMutex
	cache map[string]cachedZone
}

type PolygonStoreOption func(*PolygonStore)

// WithPolygonTTL overrides DefaultPolygonTTL. A non-positive TTL disables caching.
func WithPolygonTTL(d time.Duration) PolygonStoreOption {
	return func(s *PolygonStore) {
		s.ttl = d
	}
}

func WithPolygonClock(c clock.Clock) PolygonStoreOption {
	return func(s *PolygonStore) {
		s.clock = c
	}
}

func NewPolygonStore(zones ZoneDirectory, opts ...PolygonStoreOption) *PolygonStore {
	s := &PolygonStore{
		zones: zones,
		ttl:   DefaultPolygonTTL,
		clock: clock.NewSystem(),
		cache: make(map[string]cachedZone),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveZonePolygon returns the polygon of an active zone. It returns
// ErrZoneNotFound for unknown or inactive zones and ErrNoGeometry when the
// zone has fewer than three vertices.
func (s *PolygonStore) ResolveZonePolygon(ctx context.Context, zoneID string) ([]LatLng, error) {
	entry, ok := s.cached(zoneID)
	if ok {
		metrics.ZoneCacheHitsTotal.WithLabelValues("memory").Inc()
	} else {
		metrics.ZoneCacheMissesTotal.WithLabelValues("memory").Inc()
		zone, err := s.zones.GetZone(ctx, zoneID)
		if err != nil {
			if errors.Is(err, ErrZoneNotFound) {
				return nil, fmt.Errorf("zone %s: %w", zoneID, ErrZoneNotFound)
			}
			return nil, fmt.Errorf("load zone %s: %w", zoneID, err)
		}
		entry = cachedZone{
			active:   zone.IsActive,
			vertices: append([]LatLng(nil), zone.PolygonPoints...),
			loadedAt: s.clock.Now(),
		}
		s.store(zoneID, entry)
	}

	if !entry.active {
		return nil, fmt.Errorf("zone %s is inactive: %w", zoneID, ErrZoneNotFound)
	}
	if len(entry.vertices) < MinPolygonVertices {
		return nil, fmt.Errorf("zone %s has %d vertices: %w", zoneID, len(entry.vertices), ErrNoGeometry)
	}
	return append([]LatLng(nil), entry.vertices...), nil
}

// Warm preloads every active zone so the first evaluations after startup do
// not each hit the directory. It returns the number of zones cached.
func (s *PolygonStore) Warm(ctx context.Context, loader ZoneLoader) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	ids, err := loader.ListActiveZoneIDs(ctx)
	if err != nil {
		return 0, err
	}
	zones, err := loader.LoadZones(ctx, ids)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	for _, z := range zones {
		s.store(z.ID, cachedZone{
			active:   z.IsActive,
			vertices: append([]LatLng(nil), z.PolygonPoints...),
			loadedAt: now,
		})
	}
	return len(zones), nil
}

// Invalidate drops a zone from memory so the next lookup reloads it.
func (s *PolygonStore) Invalidate(zoneID string) {
	s.mu.Lock()
	delete(s.cache, zoneID)
	s.mu.Unlock()
}

func (s *PolygonStore) cached(zoneID string) (cachedZone, bool) {
	if s.ttl <= 0 {
		return cachedZone{}, false
	}
	s.mu.RLock()
	entry, ok := s.cache[zoneID]
	s.mu.RUnlock()
	if !ok || s.clock.Now().Sub(entry.loadedAt) >= s.ttl {
		return cachedZone{}, false
	}
	return entry, true
}

func (s *PolygonStore) store(zoneID string, entry cachedZone) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[zoneID] = entry
	s.mu.Unlock()
}
