package geofencing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/velotrack/geofence-backend/internal/metrics"
)

const (
	DefaultBackfillLimit       = 100
	DefaultResubscribeInterval = 5 * time.Second
)

// EventEvaluator is satisfied by *Evaluator.
type EventEvaluator interface {
	EvaluateOne(ctx context.Context, raw RawExitEvent) (Outcome, error)
}

// BackfillStats counts the events a backfill looked at and the violations it created.
type BackfillStats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
}

// Controller drives the evaluator from historical and live event sources.
// Backfill and streaming share the same evaluation path and may run
// concurrently.
type Controller struct {
	evaluator EventEvaluator
	lister    EventLister
	feed      EventFeed
	logger    *slog.Logger

	backfillRate        rate.Limit
	resubscribeInterval time.Duration
}

type ControllerOption func(*Controller)

func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBackfillRate caps backfill evaluations per second. Zero means unlimited.
func WithBackfillRate(perSecond float64) ControllerOption {
	return func(c *Controller) {
		if perSecond > 0 {
			c.backfillRate = rate.Limit(perSecond)
		}
	}
}

// WithResubscribeInterval sets the minimum gap between live feed subscriptions.
func WithResubscribeInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.resubscribeInterval = d
		}
	}
}

// NewController wires an evaluator to its sources. Either source may be nil
// when the corresponding mode is not used.
func NewController(evaluator EventEvaluator, lister EventLister, feed EventFeed, opts ...ControllerOption) *Controller {
	c := &Controller{
		evaluator:           evaluator,
		lister:              lister,
		feed:                feed,
		logger:              slog.Default(),
		backfillRate:        rate.Inf,
		resubscribeInterval: DefaultResubscribeInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunBackfill evaluates up to limit of the most recent events, newest first.
// It is safe to re-run: already recorded events count as processed but not
// created. A store or transport failure stops the run and the counts so far
// are returned alongside the error.
func (c *Controller) RunBackfill(ctx context.Context, limit int) (BackfillStats, error) {
	var stats BackfillStats
	if c.lister == nil {
		return stats, fmt.Errorf("backfill: no event lister configured")
	}
	if limit <= 0 {
		limit = DefaultBackfillLimit
	}

	c.logger.Info("backfill started", "limit", limit)

	events, err := c.lister.ListRecent(ctx, limit)
	if err != nil {
		metrics.BackfillRunsTotal.WithLabelValues("failed").Inc()
		return stats, fmt.Errorf("list recent events: %w", err)
	}

	limiter := rate.NewLimiter(c.backfillRate, 1)
	for _, ev := range events {
		if err := limiter.Wait(ctx); err != nil {
			metrics.BackfillRunsTotal.WithLabelValues("cancelled").Inc()
			return stats, err
		}

		outcome, err := c.evaluator.EvaluateOne(ctx, ev)
		if err != nil {
			metrics.BackfillRunsTotal.WithLabelValues("failed").Inc()
			c.logger.Error("backfill aborted",
				"event_id", ev.ID,
				"processed", stats.Processed,
				"created", stats.Created,
				"error", err,
			)
			return stats, fmt.Errorf("evaluate event %s: %w", ev.ID, err)
		}

		stats.Processed++
		if outcome.Status == OutcomeRecorded {
			stats.Created++
		}
	}

	metrics.BackfillRunsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("backfill finished", "processed", stats.Processed, "created", stats.Created)
	return stats, nil
}

// ViolationCallback is invoked for each newly recorded violation.
type ViolationCallback func(Violation) error

// Subscription is a running streaming task.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops delivery and waits for the in-flight evaluation to finish.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// StartStreaming subscribes to the live feed and evaluates every ADDED or
// MODIFIED event until the returned subscription is cancelled or ctx ends.
// onCreated, if set, receives only newly recorded violations; its errors and
// panics are logged and never stop the loop. Feed failures are logged and the
// feed is subscribed again.
func (c *Controller) StartStreaming(ctx context.Context, onCreated ViolationCallback) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	if c.feed == nil {
		c.logger.Error("streaming requested without an event feed")
		cancel()
		close(sub.done)
		return sub
	}

	changes := make(chan EventChange)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pump(ctx, changes)
	}()
	go func() {
		defer wg.Done()
		c.consume(ctx, changes, onCreated)
	}()
	go func() {
		wg.Wait()
		close(sub.done)
	}()

	c.logger.Info("violation stream started")
	return sub
}

func (c *Controller) pump(ctx context.Context, changes chan<- EventChange) {
	limiter := rate.NewLimiter(rate.Every(c.resubscribeInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := c.feed.Subscribe(ctx, changes)
		if ctx.Err() != nil {
			return
		}
		metrics.FeedReconnectsTotal.Inc()
		if err != nil {
			c.logger.Error("event feed interrupted, resubscribing", "error", err)
		} else {
			c.logger.Warn("event feed closed, resubscribing")
		}
	}
}

func (c *Controller) consume(ctx context.Context, changes <-chan EventChange, onCreated ViolationCallback) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("violation stream stopped")
			return
		case change := <-changes:
			c.handleChange(ctx, change, onCreated)
		}
	}
}

func (c *Controller) handleChange(ctx context.Context, change EventChange, onCreated ViolationCallback) {
	if change.Type != ChangeAdded && change.Type != ChangeModified {
		return
	}

	// An evaluation that has started runs to completion even if the
	// subscription is cancelled meanwhile.
	outcome, err := c.evaluator.EvaluateOne(context.WithoutCancel(ctx), change.Event)
	if err != nil {
		c.logger.Error("stream evaluation failed",
			"event_id", change.Event.ID,
			"bike_id", change.Event.BikeID,
			"change", change.Type,
			"error", err,
		)
		return
	}
	if outcome.Status != OutcomeRecorded || onCreated == nil {
		return
	}
	c.deliver(onCreated, *outcome.Violation)
}

func (c *Controller) deliver(onCreated ViolationCallback, v Violation) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackFailuresTotal.Inc()
			c.logger.Error("violation callback panicked", "violation_id", v.ID, "panic", r)
		}
	}()
	if err := onCreated(v); err != nil {
		metrics.CallbackFailuresTotal.Inc()
		c.logger.Error("violation callback failed", "violation_id", v.ID, "error", err)
	}
}
