// Package kafkafeed consumes raw exit events from a Kafka topic.
package kafkafeed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/velotrack/geofence-backend/internal/geofencing"
)

// ChangeHeader optionally tags a message as ADDED, MODIFIED or REMOVED.
// Messages without it are treated as ADDED.
const ChangeHeader = "change-type"

// maxLoggedPayload caps how much of an undecodable message is logged.
const maxLoggedPayload = 512

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Feed implements geofencing.EventFeed. Each Subscribe call joins the
// consumer group with a fresh reader, so re-subscribing after a failure
// resumes from the last committed offset.
type Feed struct {
	cfg       Config
	logger    *slog.Logger
	newReader func(Config) messageReader
}

func New(cfg Config, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		cfg:       cfg,
		logger:    logger.With("feed", "kafka", "topic", cfg.Topic),
		newReader: newKafkaReader,
	}
}

func newKafkaReader(cfg Config) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})
}

// Subscribe forwards messages to out until ctx is cancelled or a fetch fails.
// Offsets are committed once the change has been handed over; evaluation is
// idempotent, so redelivery after a crash is harmless.
func (f *Feed) Subscribe(ctx context.Context, out chan<- geofencing.EventChange) error {
	reader := f.newReader(f.cfg)
	defer reader.Close()

	f.logger.Info("starting Kafka consumer", "brokers", f.cfg.Brokers, "group_id", f.cfg.GroupID)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: fetch message: %v", geofencing.ErrTransport, err)
		}

		ev, err := geofencing.DecodeRawExitEvent(msg.Value)
		if err != nil {
			f.logger.Error("invalid message",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"payload", payloadPreview(msg.Value),
			)
			f.commit(ctx, reader, msg)
			continue
		}
		if ev.ID == "" {
			ev.ID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		}

		change := geofencing.EventChange{Type: changeType(msg.Headers), Event: ev}
		select {
		case out <- change:
		case <-ctx.Done():
			return nil
		}
		f.commit(ctx, reader, msg)
	}
}

func (f *Feed) commit(ctx context.Context, reader messageReader, msg kafka.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		f.logger.Warn("commit failed", "error", err, "offset", msg.Offset)
	}
}

func changeType(headers []kafka.Header) geofencing.ChangeType {
	for _, h := range headers {
		if !strings.EqualFold(h.Key, ChangeHeader) {
			continue
		}
		switch geofencing.ChangeType(strings.ToUpper(strings.TrimSpace(string(h.Value)))) {
		case geofencing.ChangeModified:
			return geofencing.ChangeModified
		case geofencing.ChangeRemoved:
			return geofencing.ChangeRemoved
		}
	}
	return geofencing.ChangeAdded
}

func payloadPreview(b []byte) string {
	if len(b) <= maxLoggedPayload {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:maxLoggedPayload], len(b))
}
