package kafkafeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotrack/geofence-backend/internal/geofencing"
)

// fakeReader serves queued messages, then blocks until ctx is done or
// returns failAfter once the queue is empty.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	failAfter error
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	fail := r.failAfter
	r.mu.Unlock()
	if fail != nil {
		return kafka.Message{}, fail
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func newTestFeed(r *fakeReader) *Feed {
	f := New(Config{Brokers: []string{"localhost:9092"}, Topic: "exits", GroupID: "test"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.newReader = func(Config) messageReader { return r }
	return f
}

func TestSubscribe_ForwardsDecodedEvents(t *testing.T) {
	r := &fakeReader{
		msgs: []kafka.Message{
			{Topic: "exits", Offset: 1, Value: []byte(`{"id":"E1","bike_id":"B1","location":[14.5,121.0],"timestamp":1714557600}`)},
			{Topic: "exits", Offset: 2, Value: []byte(`not json`)},
			{Topic: "exits", Partition: 3, Offset: 4, Value: []byte(`{"bike_id":"B2","location":[1,2],"timestamp":"2024-05-01T10:00:00Z"}`),
				Headers: []kafka.Header{{Key: "Change-Type", Value: []byte("modified")}}},
			{Topic: "exits", Offset: 5, Value: []byte(`{"id":"E3","bike_id":"B3"}`),
				Headers: []kafka.Header{{Key: ChangeHeader, Value: []byte("REMOVED")}}},
		},
	}
	f := newTestFeed(r)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan geofencing.EventChange, 10)
	errc := make(chan error, 1)
	go func() { errc <- f.Subscribe(ctx, out) }()

	var got []geofencing.EventChange
	for len(got) < 3 {
		select {
		case c := <-out:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d changes delivered", len(got))
		}
	}
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, geofencing.ChangeAdded, got[0].Type)
	assert.Equal(t, "E1", got[0].Event.ID)

	assert.Equal(t, geofencing.ChangeModified, got[1].Type)
	assert.Equal(t, "exits/3/4", got[1].Event.ID, "events without an id get one from their offset")

	assert.Equal(t, geofencing.ChangeRemoved, got[2].Type)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 4, 5}, r.committed, "invalid messages are committed and skipped")
	assert.True(t, r.closed)
}

func TestSubscribe_FetchFailureIsTransportError(t *testing.T) {
	r := &fakeReader{failAfter: errors.New("broker unreachable")}
	err := newTestFeed(r).Subscribe(context.Background(), make(chan geofencing.EventChange))
	assert.ErrorIs(t, err, geofencing.ErrTransport)
	assert.True(t, r.closed)
}

func TestSubscribe_LogsUndecodableMessages(t *testing.T) {
	long := strings.Repeat("x", maxLoggedPayload+100)
	r := &fakeReader{
		msgs: []kafka.Message{
			{Topic: "exits", Partition: 1, Offset: 7, Value: []byte(`{"id":`)},
			{Topic: "exits", Partition: 1, Offset: 8, Value: []byte(long)},
		},
		failAfter: errors.New("done"),
	}
	var buf bytes.Buffer
	f := New(Config{Topic: "exits"}, slog.New(slog.NewJSONHandler(&buf, nil)))
	f.newReader = func(Config) messageReader { return r }

	err := f.Subscribe(context.Background(), make(chan geofencing.EventChange))
	require.ErrorIs(t, err, geofencing.ErrTransport)

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "invalid message" {
			entries = append(entries, entry)
		}
	}
	require.Len(t, entries, 2)

	assert.Equal(t, "ERROR", entries[0]["level"])
	assert.Equal(t, `{"id":`, entries[0]["payload"])
	assert.EqualValues(t, 7, entries[0]["offset"])

	payload, _ := entries[1]["payload"].(string)
	assert.True(t, strings.HasPrefix(payload, long[:maxLoggedPayload]))
	assert.Contains(t, payload, "612 bytes")
	assert.Less(t, len(payload), len(long))
}
