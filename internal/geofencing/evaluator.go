package geofencing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velotrack/geofence-backend/internal/clock"
	"github.com/velotrack/geofence-backend/internal/metrics"
)

// OutcomeStatus is the terminal state of one evaluation.
type OutcomeStatus string

const (
	OutcomeRecorded        OutcomeStatus = "RECORDED"
	OutcomeAlreadyRecorded OutcomeStatus = "ALREADY_RECORDED"
	OutcomeDiscarded       OutcomeStatus = "DISCARDED"
)

// Outcome is the result of evaluating one raw exit event. Violation is set for
// RECORDED and ALREADY_RECORDED; Reason carries the discard cause.
type Outcome struct {
	Status    OutcomeStatus
	Violation *Violation
	Reason    error
	// Validated is false when the violation was recorded without a polygon check.
	Validated bool
}

// PolygonResolver is satisfied by *PolygonStore.
type PolygonResolver interface {
	ResolveZonePolygon(ctx context.Context, zoneID string) ([]LatLng, error)
}

// Evaluator decides whether a reported exit is genuine and records it.
type Evaluator struct {
	bikes    BikeDirectory
	polygons PolygonResolver
	rentals  RentalDirectory
	store    ViolationStore
	clock    clock.Clock
	logger   *slog.Logger
}

type EvaluatorOption func(*Evaluator)

func WithEvaluatorLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithEvaluatorClock(c clock.Clock) EvaluatorOption {
	return func(e *Evaluator) {
		e.clock = c
	}
}

func NewEvaluator(bikes BikeDirectory, polygons PolygonResolver, rentals RentalDirectory, store ViolationStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		bikes:    bikes,
		polygons: polygons,
		rentals:  rentals,
		store:    store,
		clock:    clock.NewSystem(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateOne runs a raw event through normalization, zone resolution,
// geometry validation and deduplication, and records it when it is a genuine
// exit. Per-event problems are reported through Outcome; the error return is
// reserved for store failures, which the caller decides how to handle.
func (e *Evaluator) EvaluateOne(ctx context.Context, raw RawExitEvent) (Outcome, error) {
	start := time.Now()
	out, err := e.evaluate(ctx, raw)
	metrics.EvaluationDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.EvaluationErrorsTotal.Inc()
		return out, err
	}
	metrics.EventsEvaluatedTotal.WithLabelValues(string(out.Status), reasonLabel(out.Reason)).Inc()
	return out, nil
}

func (e *Evaluator) evaluate(ctx context.Context, raw RawExitEvent) (Outcome, error) {
	log := e.logger.With("event_id", raw.ID, "bike_id", raw.BikeID)

	ev, err := Normalize(raw)
	if err != nil {
		log.Error("discarding malformed exit event",
			"error", err,
			"location", fmt.Sprintf("%#v", raw.Location),
			"timestamp", fmt.Sprintf("%#v", raw.Timestamp),
		)
		return discard(err), nil
	}
	if !ev.Location.InRange() {
		err := fmt.Errorf("%w: %s out of range", ErrMalformedLocation, ev.Location)
		log.Error("discarding malformed exit event", "error", err)
		return discard(err), nil
	}

	zoneID, err := e.bikes.CurrentZoneID(ctx, ev.BikeID)
	if err != nil {
		log.Error("bike zone lookup failed", "error", err)
		return discard(fmt.Errorf("%w: %v", ErrUnresolvableZone, err)), nil
	}
	if zoneID == "" {
		log.Warn("no zone assigned to bike, cannot evaluate exit", "location", ev.Location.String())
		return discard(ErrUnresolvableZone), nil
	}
	log = log.With("zone_id", zoneID)

	validated := true
	polygon, err := e.polygons.ResolveZonePolygon(ctx, zoneID)
	if err != nil {
		validated = false
		if errors.Is(err, ErrZoneNotFound) || errors.Is(err, ErrNoGeometry) {
			log.Warn("no zone geometry, recording without validation", "error", err)
		} else {
			log.Error("zone polygon lookup failed, recording without validation", "error", err)
		}
	} else if !IsValidExit(ev.Location, polygon) {
		log.Info("location still inside zone, discarding false positive", "location", ev.Location.String())
		return discard(ErrFalsePositiveExit), nil
	}

	key := NewDedupKey(ev.BikeID, ev.Location, ev.Time)
	existing, err := e.store.FindExisting(ctx, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("find existing violation: %w", err)
	}
	if existing != nil {
		log.Info("violation already recorded", "violation_id", existing.ID)
		return Outcome{Status: OutcomeAlreadyRecorded, Violation: existing, Validated: validated}, nil
	}

	v := Violation{
		ID:            key.ID(),
		ZoneID:        zoneID,
		BikeID:        key.BikeID,
		CustomerID:    UnknownCustomer,
		Latitude:      key.Latitude,
		Longitude:     key.Longitude,
		ViolationTime: key.ViolationTime,
		Notes:         violationNote(ev.ID, zoneID, validated),
		CreatedAt:     e.clock.Now(),
	}

	rental, err := e.rentals.ActiveRental(ctx, ev.BikeID)
	if err != nil {
		log.Warn("active rental lookup failed, recording without customer", "error", err)
	} else if rental != nil {
		if rental.CustomerID != "" {
			v.CustomerID = rental.CustomerID
		}
		if rental.RentalID != "" {
			rentalID := rental.RentalID
			v.RentalID = &rentalID
		}
	}

	vt, known := MapViolationType(ev.RawType)
	if !known {
		log.Warn("unrecognized violation type, defaulting", "violation_type", ev.RawType, "mapped", vt)
	}
	v.ViolationType = vt

	stored, created, err := e.store.InsertIfAbsent(ctx, v)
	if err != nil {
		return Outcome{}, fmt.Errorf("insert violation: %w", err)
	}
	if !created {
		log.Info("violation recorded concurrently", "violation_id", stored.ID)
		return Outcome{Status: OutcomeAlreadyRecorded, Violation: &stored, Reason: ErrPersistenceConflict, Validated: validated}, nil
	}

	if !validated {
		metrics.UnvalidatedViolationsTotal.Inc()
	}
	log.Info("recorded zone violation",
		"violation_id", stored.ID,
		"violation_type", stored.ViolationType,
		"location", ev.Location.String(),
		"violation_time", stored.ViolationTime,
		"validated", validated,
	)
	return Outcome{Status: OutcomeRecorded, Violation: &stored, Validated: validated}, nil
}

func discard(reason error) Outcome {
	return Outcome{Status: OutcomeDiscarded, Reason: reason}
}

func violationNote(eventID, zoneID string, validated bool) string {
	note := fmt.Sprintf("Auto-recorded from exit event %s", eventID)
	if !validated {
		note += fmt.Sprintf("; zone %s has no usable geometry, exit not validated", zoneID)
	}
	return note
}

func reasonLabel(reason error) string {
	switch {
	case reason == nil:
		return "none"
	case IsMalformed(reason):
		return "malformed"
	case errors.Is(reason, ErrUnresolvableZone):
		return "no_zone"
	case errors.Is(reason, ErrFalsePositiveExit):
		return "false_positive"
	case errors.Is(reason, ErrPersistenceConflict):
		return "conflict"
	}
	return "other"
}
