package geofencing

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownCustomer is stored when no active rental can be linked to a violation.
const UnknownCustomer = "UNKNOWN"

// violationNamespace seeds the UUIDv5 ids derived from dedup keys.
var violationNamespace = uuid.MustParse("6f1d2f0e-3c4b-5a8e-9d7c-2b1a0e9f8c71")

// Zone is a geofence a bike is expected to stay within. Zones are written by
// the zone sync and only read by the evaluator.
type Zone struct {
	ID              string    `gorm:"primaryKey;size:255" json:"id"` // upstream document id
	Name            string    `gorm:"size:100" json:"name"`
	ColorCode       string    `gorm:"size:7" json:"color_code"`
	IsActive        bool      `gorm:"not null;index" json:"is_active"`
	CenterLatitude  *float64  `gorm:"type:numeric(10,7)" json:"center_latitude"`
	CenterLongitude *float64  `gorm:"type:numeric(10,7)" json:"center_longitude"`
	PolygonPoints   Vertices  `gorm:"type:jsonb;not null" json:"polygon_points"`
	SyncedAt        time.Time `json:"synced_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Zone) TableName() string {
	return "zones"
}

// HasGeometry reports whether the zone has enough vertices to validate against.
func (z Zone) HasGeometry() bool {
	return len(z.PolygonPoints) >= MinPolygonVertices
}

// Vertices is an ordered polygon ring stored as a JSON array of
// {"latitude","longitude"} objects. Order is significant and preserved.
type Vertices []LatLng

func (v Vertices) Value() (driver.Value, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]LatLng(v))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (v *Vertices) Scan(src any) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("vertices: unsupported scan type %T", src)
	}
	var points []LatLng
	if err := json.Unmarshal(raw, &points); err != nil {
		return fmt.Errorf("vertices: %w", err)
	}
	*v = points
	return nil
}

// Violation is a recorded, validated zone exit. The (bike, latitude,
// longitude, violation time) tuple is unique.
type Violation struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	ZoneID        string        `gorm:"size:255;not null;index:idx_zone_violations_zone_time,priority:1" json:"zone_id"`
	BikeID        string        `gorm:"size:255;not null;index;uniqueIndex:idx_zone_violations_dedup,priority:1" json:"bike_id"`
	CustomerID    string        `gorm:"size:255;not null;index" json:"customer_id"`
	RentalID      *string       `gorm:"size:255;index" json:"rental_id"`
	ViolationType ViolationType `gorm:"size:30;not null" json:"violation_type"`
	Latitude      float64       `gorm:"type:numeric(10,7);not null;uniqueIndex:idx_zone_violations_dedup,priority:2" json:"latitude"`
	Longitude     float64       `gorm:"type:numeric(10,7);not null;uniqueIndex:idx_zone_violations_dedup,priority:3" json:"longitude"`
	ViolationTime time.Time     `gorm:"not null;index;uniqueIndex:idx_zone_violations_dedup,priority:4;index:idx_zone_violations_zone_time,priority:2" json:"violation_time"`
	Resolved      bool          `gorm:"not null;index" json:"resolved"`
	ResolvedAt    *time.Time    `json:"resolved_at"`
	Notes         string        `gorm:"type:text" json:"notes"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (Violation) TableName() string {
	return "zone_violations"
}

// Key returns the dedup key of a stored violation.
func (v Violation) Key() DedupKey {
	return NewDedupKey(v.BikeID, LatLng{Latitude: v.Latitude, Longitude: v.Longitude}, v.ViolationTime)
}

// DedupKey identifies one physical exit event.
type DedupKey struct {
	BikeID        string
	Latitude      float64
	Longitude     float64
	ViolationTime time.Time
}

// NewDedupKey canonicalizes a key to what the store keeps: coordinates at 7
// decimal places and UTC time at microsecond precision.
func NewDedupKey(bikeID string, p LatLng, t time.Time) DedupKey {
	return DedupKey{
		BikeID:        bikeID,
		Latitude:      roundCoord(p.Latitude),
		Longitude:     roundCoord(p.Longitude),
		ViolationTime: t.UTC().Truncate(time.Microsecond),
	}
}

// ID is the violation id every writer derives for this key.
func (k DedupKey) ID() uuid.UUID {
	return uuid.NewSHA1(violationNamespace, []byte(k.String()))
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%.7f|%.7f|%s", k.BikeID, k.Latitude, k.Longitude, k.ViolationTime.Format(time.RFC3339Nano))
}

func roundCoord(x float64) float64 {
	return math.Round(x*1e7) / 1e7
}

// ActiveRental links a bike to the customer and rental currently using it.
type ActiveRental struct {
	CustomerID string
	RentalID   string
}

// RawExitEvent is an exit report as delivered by the telemetry feed. Location
// and Timestamp are left untyped; Normalize resolves them.
type RawExitEvent struct {
	ID            string `json:"id"`
	BikeID        string `json:"bike_id"`
	Location      any    `json:"location"`
	Timestamp     any    `json:"timestamp"`
	ViolationType string `json:"violation_type,omitempty"`
}

// DecodeRawExitEvent decodes a JSON exit report keeping numbers exact.
func DecodeRawExitEvent(data []byte) (RawExitEvent, error) {
	var ev RawExitEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return RawExitEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// ExitEvent is a RawExitEvent after normalization.
type ExitEvent struct {
	ID       string
	BikeID   string
	Location LatLng
	Time     time.Time
	RawType  string
}

// Normalize resolves the polymorphic fields of raw into an ExitEvent.
func Normalize(raw RawExitEvent) (ExitEvent, error) {
	bikeID := strings.TrimSpace(raw.BikeID)
	if bikeID == "" {
		return ExitEvent{}, fmt.Errorf("%w: missing bike id", ErrMalformedEvent)
	}
	loc, err := NormalizeLocation(raw.Location)
	if err != nil {
		return ExitEvent{}, err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return ExitEvent{}, err
	}
	rawType := raw.ViolationType
	if strings.TrimSpace(rawType) == "" {
		rawType = DefaultRawViolationType
	}
	return ExitEvent{
		ID:       raw.ID,
		BikeID:   bikeID,
		Location: loc,
		Time:     ts,
		RawType:  rawType,
	}, nil
}
