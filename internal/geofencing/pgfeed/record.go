package pgfeed

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/velotrack/geofence-backend/internal/geofencing"
)

// EventRecord is a raw exit event as written by the telemetry ingestion path.
// Location and timestamp are kept exactly as received.
type EventRecord struct {
	ID            string    `gorm:"primaryKey;size:255"`
	BikeID        string    `gorm:"size:255;index"`
	Location      JSON      `gorm:"type:jsonb"`
	Timestamp     JSON      `gorm:"type:jsonb"`
	ViolationType string    `gorm:"size:50"`
	ReceivedAt    time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time
}

func (EventRecord) TableName() string {
	return "geofence_violation_events"
}

// JSON is a raw jsonb column value.
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], s...)
	case string:
		*j = JSON(s)
	default:
		return fmt.Errorf("pgfeed: unsupported jsonb scan type %T", src)
	}
	return nil
}

// ToRaw decodes the stored payload. Undecodable fields are left nil so that
// evaluation discards the event as malformed instead of losing it silently.
func (r EventRecord) ToRaw() geofencing.RawExitEvent {
	return geofencing.RawExitEvent{
		ID:            r.ID,
		BikeID:        r.BikeID,
		Location:      decodeAny(r.Location),
		Timestamp:     decodeAny(r.Timestamp),
		ViolationType: r.ViolationType,
	}
}

// FromRaw builds a record for ev received at receivedAt.
func FromRaw(ev geofencing.RawExitEvent, receivedAt time.Time) (EventRecord, error) {
	loc, err := json.Marshal(ev.Location)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode location: %w", err)
	}
	ts, err := encodeTimestamp(ev.Timestamp)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode timestamp: %w", err)
	}
	return EventRecord{
		ID:            ev.ID,
		BikeID:        ev.BikeID,
		Location:      loc,
		Timestamp:     ts,
		ViolationType: ev.ViolationType,
		ReceivedAt:    receivedAt.UTC(),
	}, nil
}

func encodeTimestamp(v any) ([]byte, error) {
	if t, ok := v.(time.Time); ok {
		return json.Marshal(t.UTC().Format(time.RFC3339Nano))
	}
	return json.Marshal(v)
}

func decodeAny(raw JSON) any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}
