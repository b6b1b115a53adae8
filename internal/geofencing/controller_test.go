package geofencing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEvaluator wraps an evaluator and can fail chosen events.
type countingEvaluator struct {
	inner EventEvaluator

	mu     sync.Mutex
	seen   []string
	failOn map[string]error
}

func (c *countingEvaluator) EvaluateOne(ctx context.Context, raw RawExitEvent) (Outcome, error) {
	c.mu.Lock()
	c.seen = append(c.seen, raw.ID)
	err := c.failOn[raw.ID]
	c.mu.Unlock()
	if err != nil {
		return Outcome{}, err
	}
	return c.inner.EvaluateOne(ctx, raw)
}

func (c *countingEvaluator) seenIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

type recordingLister struct {
	fakeLister
	limits []int
}

func (r *recordingLister) ListRecent(ctx context.Context, limit int) ([]RawExitEvent, error) {
	r.limits = append(r.limits, limit)
	return r.fakeLister.ListRecent(ctx, limit)
}

func newController(f *evalFixture, lister EventLister, feed EventFeed, opts ...ControllerOption) *Controller {
	opts = append([]ControllerOption{WithControllerLogger(quietLg)}, opts...)
	return NewController(f.evaluator(), lister, feed, opts...)
}

func outsideEvents(n int) []RawExitEvent {
	events := make([]RawExitEvent, n)
	for i := range events {
		events[i] = exitAt(fmt.Sprintf("E%d", i), 20+float64(i), 20)
	}
	return events
}

func TestRunBackfill_IsDeterministic(t *testing.T) {
	f := newFixture()
	c := newController(f, fakeLister{events: outsideEvents(3)}, nil)
	ctx := context.Background()

	stats, err := c.RunBackfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BackfillStats{Processed: 3, Created: 3}, stats)

	stats, err = c.RunBackfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, BackfillStats{Processed: 3, Created: 0}, stats)
	assert.Len(t, f.store.all(), 3)
}

func TestRunBackfill_CountsDiscardsAsProcessed(t *testing.T) {
	f := newFixture()
	events := []RawExitEvent{
		exitAt("out", 15, 15),
		exitAt("in", 5, 5),
		{ID: "bad", BikeID: "B1", Location: "nowhere", Timestamp: t0},
	}
	c := newController(f, fakeLister{events: events}, nil)

	stats, err := c.RunBackfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, BackfillStats{Processed: 3, Created: 1}, stats)
}

func TestRunBackfill_Limit(t *testing.T) {
	f := newFixture()
	lister := &recordingLister{fakeLister: fakeLister{events: outsideEvents(5)}}
	c := newController(f, lister, nil)
	ctx := context.Background()

	stats, err := c.RunBackfill(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)

	_, err = c.RunBackfill(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, DefaultBackfillLimit}, lister.limits)
}

func TestRunBackfill_AbortsWithPartialCounts(t *testing.T) {
	f := newFixture()
	ev := &countingEvaluator{
		inner:  f.evaluator(),
		failOn: map[string]error{"E1": fmt.Errorf("%w: connection lost", ErrTransport)},
	}
	c := NewController(ev, fakeLister{events: outsideEvents(3)}, nil, WithControllerLogger(quietLg))

	stats, err := c.RunBackfill(context.Background(), 10)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, BackfillStats{Processed: 1, Created: 1}, stats)
	assert.Equal(t, []string{"E0", "E1"}, ev.seenIDs())
}

func TestRunBackfill_ListFailure(t *testing.T) {
	f := newFixture()
	c := newController(f, fakeLister{err: fmt.Errorf("%w: refused", ErrTransport)}, nil)

	stats, err := c.RunBackfill(context.Background(), 10)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Zero(t, stats)

	_, err = newController(f, nil, nil).RunBackfill(context.Background(), 10)
	assert.Error(t, err)
}

func TestRunBackfill_Paced(t *testing.T) {
	f := newFixture()
	c := newController(f, fakeLister{events: outsideEvents(3)}, nil, WithBackfillRate(1000))

	stats, err := c.RunBackfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Created)
}

func TestRunBackfill_CancelledContext(t *testing.T) {
	f := newFixture()
	c := newController(f, fakeLister{events: outsideEvents(3)}, nil, WithBackfillRate(0.001))
	ctx, cancel := context.WithCancel(context.Background())

	// The first token is available immediately; the second never arrives.
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	stats, err := c.RunBackfill(ctx, 10)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Processed)
}

func TestStartStreaming_DeliversOnlyNewViolations(t *testing.T) {
	f := newFixture()
	feed := newChanFeed()
	c := newController(f, nil, feed)

	created := make(chan Violation, 10)
	sub := c.StartStreaming(context.Background(), func(v Violation) error {
		created <- v
		return nil
	})
	defer sub.Cancel()

	feed.src <- EventChange{Type: ChangeAdded, Event: exitAt("E1", 15, 15)}
	select {
	case v := <-created:
		assert.Equal(t, "B1", v.BikeID)
	case <-time.After(2 * time.Second):
		t.Fatal("no violation delivered")
	}

	// Same physical event again, a false positive and a removal: no callbacks.
	feed.src <- EventChange{Type: ChangeModified, Event: exitAt("E1", 15, 15)}
	feed.src <- EventChange{Type: ChangeAdded, Event: exitAt("E2", 5, 5)}
	feed.src <- EventChange{Type: ChangeRemoved, Event: exitAt("E3", 30, 30)}

	feed.src <- EventChange{Type: ChangeAdded, Event: exitAt("E4", 40, 40)}
	select {
	case v := <-created:
		assert.Equal(t, 40.0, v.Latitude)
	case <-time.After(2 * time.Second):
		t.Fatal("no violation delivered")
	}
	assert.Len(t, f.store.all(), 2)
}

func TestStartStreaming_ContainsCallbackFailures(t *testing.T) {
	f := newFixture()
	feed := newChanFeed()
	c := newController(f, nil, feed)

	var mu sync.Mutex
	var calls int
	sub := c.StartStreaming(context.Background(), func(v Violation) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			panic("callback bug")
		case 2:
			return errors.New("notification service down")
		}
		return nil
	})
	defer sub.Cancel()

	for i, lat := range []float64{20, 30, 40} {
		feed.src <- EventChange{Type: ChangeAdded, Event: exitAt(fmt.Sprintf("E%d", i), lat, 20)}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.store.all(), 3)
}

func TestStartStreaming_ContinuesAfterEvaluationError(t *testing.T) {
	f := newFixture()
	feed := newChanFeed()
	ev := &countingEvaluator{
		inner:  f.evaluator(),
		failOn: map[string]error{"E0": fmt.Errorf("%w: timeout", ErrTransport)},
	}
	c := NewController(ev, nil, feed, WithControllerLogger(quietLg))

	created := make(chan Violation, 1)
	sub := c.StartStreaming(context.Background(), func(v Violation) error {
		created <- v
		return nil
	})
	defer sub.Cancel()

	feed.src <- EventChange{Type: ChangeAdded, Event: exitAt("E0", 20, 20)}
	feed.src <- EventChange{Type: ChangeAdded, Event: exitAt("E1", 30, 30)}

	select {
	case v := <-created:
		assert.Equal(t, 30.0, v.Latitude)
	case <-time.After(2 * time.Second):
		t.Fatal("stream stopped after an evaluation error")
	}
}

func TestStartStreaming_ResubscribesAfterFeedFailure(t *testing.T) {
	f := newFixture()
	feed := newChanFeed()
	feed.failFirst = fmt.Errorf("%w: listener dropped", ErrTransport)
	c := newController(f, nil, feed, WithResubscribeInterval(10*time.Millisecond))

	created := make(chan Violation, 1)
	sub := c.StartStreaming(context.Background(), func(v Violation) error {
		created <- v
		return nil
	})
	defer sub.Cancel()

	feed.src <- EventChange{Type: ChangeAdded, Event: exitAt("E1", 15, 15)}
	select {
	case <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("feed was not re-subscribed")
	}
	assert.Equal(t, 2, feed.subscribeCount())
}

func TestStartStreaming_CancelWaitsForShutdown(t *testing.T) {
	f := newFixture()
	feed := newChanFeed()
	c := newController(f, nil, feed)

	sub := c.StartStreaming(context.Background(), nil)
	sub.Cancel()

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Cancel returned")
	}
}

func TestStartStreaming_StopsWithParentContext(t *testing.T) {
	f := newFixture()
	c := newController(f, nil, newChanFeed())
	ctx, cancel := context.WithCancel(context.Background())

	sub := c.StartStreaming(ctx, nil)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestStartStreaming_WithoutFeed(t *testing.T) {
	f := newFixture()
	sub := newController(f, nil, nil).StartStreaming(context.Background(), nil)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription without a feed should be done immediately")
	}
	sub.Cancel()
}
