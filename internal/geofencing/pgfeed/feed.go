// Package pgfeed reads raw exit events from Postgres: recent history through
// gorm and live changes through LISTEN/NOTIFY on a dedicated connection.
package pgfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/velotrack/geofence-backend/internal/geofencing"
)

// Channel is the NOTIFY channel the event table trigger publishes on.
const Channel = "geofence_violation_events"

const notifyTriggerSQL = `
CREATE OR REPLACE FUNCTION notify_geofence_violation_event() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + Channel + `', json_build_object('op', TG_OP, 'id', NEW.id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS geofence_violation_events_notify ON geofence_violation_events;

CREATE TRIGGER geofence_violation_events_notify
AFTER INSERT OR UPDATE ON geofence_violation_events
FOR EACH ROW EXECUTE FUNCTION notify_geofence_violation_event();
`

type notification struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// Feed implements geofencing.EventLister and geofencing.EventFeed.
type Feed struct {
	db     *gorm.DB
	dsn    string
	logger *slog.Logger
}

// New returns a feed reading through db. dsn is used to open the dedicated
// listening connection.
func New(db *gorm.DB, dsn string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{db: db, dsn: dsn, logger: logger.With("feed", "postgres")}
}

// Setup creates the event table and its notify trigger.
func (f *Feed) Setup(ctx context.Context) error {
	if err := f.db.WithContext(ctx).AutoMigrate(&EventRecord{}); err != nil {
		return fmt.Errorf("auto-migrate event table: %w", err)
	}
	if err := f.db.WithContext(ctx).Exec(notifyTriggerSQL).Error; err != nil {
		return fmt.Errorf("create notify trigger: %w", err)
	}
	return nil
}

// Publish stores an event, replacing any earlier version with the same id.
// Replacements reach subscribers as MODIFIED changes.
func (f *Feed) Publish(ctx context.Context, ev geofencing.RawExitEvent) error {
	rec, err := FromRaw(ev, time.Now())
	if err != nil {
		return err
	}
	err = f.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bike_id", "location", "timestamp", "violation_type", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("%w: publish event %s: %v", geofencing.ErrTransport, ev.ID, err)
	}
	return nil
}

// ListRecent returns up to limit events ordered by arrival, newest first.
// Event timestamps are stored as jsonb in whatever shape the producer sent
// (ISO strings, Unix seconds or milliseconds, objects), so they have no
// usable SQL ordering; received_at is the indexed stand-in.
func (f *Feed) ListRecent(ctx context.Context, limit int) ([]geofencing.RawExitEvent, error) {
	var records []EventRecord
	if err := f.db.WithContext(ctx).
		Order("received_at DESC").
		Order("id").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: list recent events: %v", geofencing.ErrTransport, err)
	}

	events := make([]geofencing.RawExitEvent, 0, len(records))
	for _, r := range records {
		events = append(events, r.ToRaw())
	}
	return events, nil
}

// Subscribe listens for table changes and forwards them to out until ctx is
// cancelled. Changes committed while no subscription is active are not
// replayed; a backfill covers them.
func (f *Feed) Subscribe(ctx context.Context, out chan<- geofencing.EventChange) error {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return fmt.Errorf("%w: connect listener: %v", geofencing.ErrTransport, err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("%w: listen: %v", geofencing.ErrTransport, err)
	}
	f.logger.Info("listening for exit events", "channel", Channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: wait for notification: %v", geofencing.ErrTransport, err)
		}

		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil || msg.ID == "" {
			f.logger.Warn("ignoring unreadable notification", "payload", n.Payload, "error", err)
			continue
		}

		var rec EventRecord
		err = f.db.WithContext(ctx).First(&rec, "id = ?", msg.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			f.logger.Warn("notified event no longer exists", "event_id", msg.ID)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: load event %s: %v", geofencing.ErrTransport, msg.ID, err)
		}

		change := geofencing.EventChange{Type: changeType(msg.Op), Event: rec.ToRaw()}
		select {
		case out <- change:
		case <-ctx.Done():
			return nil
		}
	}
}

func changeType(op string) geofencing.ChangeType {
	switch op {
	case "UPDATE":
		return geofencing.ChangeModified
	case "DELETE":
		return geofencing.ChangeRemoved
	}
	return geofencing.ChangeAdded
}
