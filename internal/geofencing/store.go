package geofencing

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the Postgres-backed implementation of the zone, bike, rental and
// violation lookups. Bikes and rides are owned by other services; their tables
// are only read here.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetZone(ctx context.Context, zoneID string) (*Zone, error) {
	var z Zone
	err := s.db.WithContext(ctx).First(&z, "id = ?", zoneID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrZoneNotFound
		}
		return nil, fmt.Errorf("%w: get zone %s: %v", ErrTransport, zoneID, err)
	}
	return &z, nil
}

// LoadZones fetches several zones in one query, in no particular order.
func (s *Store) LoadZones(ctx context.Context, zoneIDs []string) ([]Zone, error) {
	if len(zoneIDs) == 0 {
		return []Zone{}, nil
	}
	var zones []Zone
	if err := s.db.WithContext(ctx).
		Where("id = ANY(?)", pq.Array(zoneIDs)).
		Find(&zones).Error; err != nil {
		return nil, fmt.Errorf("%w: load zones: %v", ErrTransport, err)
	}
	return zones, nil
}

// ListActiveZoneIDs returns the ids of every active zone.
func (s *Store) ListActiveZoneIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Zone{}).
		Where("is_active = ?", true).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("%w: list zones: %v", ErrTransport, err)
	}
	return ids, nil
}

func (s *Store) CurrentZoneID(ctx context.Context, bikeID string) (string, error) {
	var rows []struct {
		CurrentZoneID *string
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT current_zone_id
		FROM bikes
		WHERE firebase_id = ?
		LIMIT 1
	`, bikeID).Scan(&rows).Error
	if err != nil {
		return "", fmt.Errorf("%w: bike zone for %s: %v", ErrTransport, bikeID, err)
	}
	if len(rows) == 0 || rows[0].CurrentZoneID == nil {
		return "", nil
	}
	return *rows[0].CurrentZoneID, nil
}

func (s *Store) ActiveRental(ctx context.Context, bikeID string) (*ActiveRental, error) {
	var rows []struct {
		CustomerID *string
		RentalID   string
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.firebase_id AS customer_id, r.firebase_id AS rental_id
		FROM rides r
		JOIN bikes b ON b.id = r.bike_id
		LEFT JOIN customers c ON c.id = r.customer_id
		WHERE b.firebase_id = ?
		  AND r.rental_status = 'ACTIVE'
		ORDER BY r.start_time DESC NULLS LAST
		LIMIT 1
	`, bikeID).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: active rental for %s: %v", ErrTransport, bikeID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rental := &ActiveRental{RentalID: rows[0].RentalID}
	if rows[0].CustomerID != nil {
		rental.CustomerID = *rows[0].CustomerID
	}
	return rental, nil
}

func (s *Store) FindExisting(ctx context.Context, key DedupKey) (*Violation, error) {
	var found []Violation
	err := s.db.WithContext(ctx).
		Where("bike_id = ? AND latitude = ? AND longitude = ? AND violation_time = ?",
			key.BikeID, key.Latitude, key.Longitude, key.ViolationTime).
		Limit(1).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("%w: find violation %s: %v", ErrTransport, key, err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// InsertIfAbsent relies on the unique dedup index: a conflicting insert is a
// no-op and the already stored row is returned instead.
func (s *Store) InsertIfAbsent(ctx context.Context, v Violation) (Violation, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&v)
	if res.Error != nil {
		return Violation{}, false, fmt.Errorf("%w: insert violation: %v", ErrTransport, res.Error)
	}
	if res.RowsAffected == 1 {
		return v, true, nil
	}

	existing, err := s.FindExisting(ctx, v.Key())
	if err != nil {
		return Violation{}, false, err
	}
	if existing == nil {
		return Violation{}, false, fmt.Errorf("%w: insert skipped but no row for %s", ErrPersistenceConflict, v.Key())
	}
	return *existing, false, nil
}

// Migrate creates the tables this package owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Zone{}, &Violation{}); err != nil {
		return fmt.Errorf("auto-migrate geofencing tables: %w", err)
	}
	return nil
}
