// Package zonesync imports zone polygons from an upstream export into the
// zones table.
package zonesync

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/velotrack/geofence-backend/internal/clock"
	"github.com/velotrack/geofence-backend/internal/geofencing"
)

// Invalidator drops cached copies of zones after they change.
type Invalidator interface {
	Invalidate(ctx context.Context, zoneIDs ...string) error
}

type Stats struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type Syncer struct {
	db     *gorm.DB
	cache  Invalidator
	clock  clock.Clock
	logger *slog.Logger
}

// NewSyncer returns a syncer writing through db. cache may be nil.
func NewSyncer(db *gorm.DB, cache Invalidator, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{db: db, cache: cache, clock: clock.NewSystem(), logger: logger}
}

// SyncAll upserts every zone in docs. A zone that fails is counted and
// logged; the rest still sync.
func (s *Syncer) SyncAll(ctx context.Context, docs []Document) (Stats, error) {
	stats := Stats{Total: len(docs)}
	var synced []string

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		created, err := s.upsert(ctx, d)
		if err != nil {
			s.logger.Error("zone sync failed", "zone_id", d.ID, "error", err)
			stats.Failed++
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Updated++
		}
		synced = append(synced, d.ID)
	}

	s.invalidate(ctx, synced...)
	s.logger.Info("zone sync completed",
		"total", stats.Total, "created", stats.Created, "updated", stats.Updated, "failed", stats.Failed)
	return stats, nil
}

// SyncOne upserts the zone with id zoneID from docs. It returns
// geofencing.ErrZoneNotFound when docs does not contain it.
func (s *Syncer) SyncOne(ctx context.Context, docs []Document, zoneID string) (bool, error) {
	for _, d := range docs {
		if d.ID != zoneID {
			continue
		}
		created, err := s.upsert(ctx, d)
		if err != nil {
			return false, err
		}
		s.invalidate(ctx, zoneID)
		return created, nil
	}
	return false, fmt.Errorf("zone %s: %w", zoneID, geofencing.ErrZoneNotFound)
}

func (s *Syncer) upsert(ctx context.Context, d Document) (bool, error) {
	z, err := ToZone(d, s.clock.Now())
	if err != nil {
		return false, err
	}
	if !z.HasGeometry() {
		s.logger.Warn("zone has no usable geometry", "zone_id", z.ID, "vertices", len(z.PolygonPoints))
	}

	var created bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&geofencing.Zone{}).Where("id = ?", z.ID).Count(&count).Error; err != nil {
			return err
		}
		created = count == 0

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "color_code", "is_active", "center_latitude", "center_longitude",
				"polygon_points", "synced_at", "updated_at",
			}),
		}).Create(&z).Error
	})
	if err != nil {
		return false, fmt.Errorf("upsert zone %s: %w", z.ID, err)
	}
	return created, nil
}

func (s *Syncer) invalidate(ctx context.Context, zoneIDs ...string) {
	if s.cache == nil || len(zoneIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, zoneIDs...); err != nil {
		s.logger.Warn("zone cache invalidation failed", "error", err)
	}
}
