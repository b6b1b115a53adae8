package geofencing

import "context"

// ZoneDirectory looks up zones by id. Implementations return ErrZoneNotFound
// when the zone does not exist and wrap I/O failures with ErrTransport.
type ZoneDirectory interface {
	GetZone(ctx context.Context, zoneID string) (*Zone, error)
}

// ZoneLoader lists and batch-loads zones for cache warm-up.
type ZoneLoader interface {
	ListActiveZoneIDs(ctx context.Context) ([]string, error)
	LoadZones(ctx context.Context, zoneIDs []string) ([]Zone, error)
}

// BikeDirectory reports the zone a bike is currently assigned to. An empty id
// with a nil error means the bike has no assignment.
type BikeDirectory interface {
	CurrentZoneID(ctx context.Context, bikeID string) (string, error)
}

// RentalDirectory returns the open rental for a bike, or nil when there is none.
type RentalDirectory interface {
	ActiveRental(ctx context.Context, bikeID string) (*ActiveRental, error)
}

// ViolationStore persists violations. InsertIfAbsent must be atomic on the
// dedup key: when a record with the same key exists it returns that record
// and created=false.
type ViolationStore interface {
	InsertIfAbsent(ctx context.Context, v Violation) (stored Violation, created bool, err error)
	FindExisting(ctx context.Context, key DedupKey) (*Violation, error)
}

// ChangeType tags a live feed notification.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeRemoved  ChangeType = "REMOVED"
)

// EventChange is one notification from a live event feed.
type EventChange struct {
	Type  ChangeType
	Event RawExitEvent
}

// EventLister returns up to limit of the most recent raw events, newest first.
type EventLister interface {
	ListRecent(ctx context.Context, limit int) ([]RawExitEvent, error)
}

// EventFeed delivers live changes into out until ctx is cancelled or the
// underlying transport fails. Implementations must stop sending once ctx is done.
type EventFeed interface {
	Subscribe(ctx context.Context, out chan<- EventChange) error
}
