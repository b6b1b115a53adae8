// Package config loads pipeline settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// FeedKind selects the live event transport.
type FeedKind string

const (
	FeedPostgres FeedKind = "postgres"
	FeedKafka    FeedKind = "kafka"
)

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrUnknownFeedKind    = errors.New("FEED_KIND must be postgres or kafka")
	ErrMissingKafkaConfig = errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for the kafka feed")
)

type Config struct {
	DatabaseURL string `yaml:"database_url"`
	ListenAddr  string `yaml:"listen_addr"`
	SQLLogLevel string `yaml:"sql_log_level"`

	Log      LogConfig      `yaml:"log"`
	Backfill BackfillConfig `yaml:"backfill"`
	Feed     FeedConfig     `yaml:"feed"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`

	// ZoneCacheTTL is how long resolved polygons stay in process memory.
	ZoneCacheTTL time.Duration `yaml:"zone_cache_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BackfillConfig struct {
	Limit int `yaml:"limit"`
	// RatePerSecond paces evaluations; zero means unpaced.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type FeedConfig struct {
	Kind                FeedKind      `yaml:"kind"`
	ResubscribeInterval time.Duration `yaml:"resubscribe_interval"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// RedisConfig enables the shared zone cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		SQLLogLevel: "warn",
		Log:         LogConfig{Level: "info", Format: "text"},
		Backfill:    BackfillConfig{Limit: 100},
		Feed: FeedConfig{
			Kind:                FeedPostgres,
			ResubscribeInterval: 5 * time.Second,
		},
		Kafka:        KafkaConfig{GroupID: "geofence-violations"},
		Redis:        RedisConfig{TTL: 10 * time.Minute},
		ZoneCacheTTL: 5 * time.Minute,
	}
}

// Load builds the configuration. path may be empty; when set the file must
// exist. Environment variables override file values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("SQL_LOG_LEVEL", &c.SQLLogLevel)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)

	var kind string
	str("FEED_KIND", &kind)
	if kind != "" {
		c.Feed.Kind = FeedKind(strings.ToLower(kind))
	}
	var brokers string
	str("KAFKA_BROKERS", &brokers)
	if brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	if v, ok := lookup("BACKFILL_RATE"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("BACKFILL_RATE: %w", err)
		}
		c.Backfill.RatePerSecond = f
	}

	if err := num("BACKFILL_LIMIT", &c.Backfill.Limit); err != nil {
		return err
	}
	if err := num("REDIS_DB", &c.Redis.DB); err != nil {
		return err
	}
	if err := dur("REDIS_TTL", &c.Redis.TTL); err != nil {
		return err
	}
	if err := dur("ZONE_CACHE_TTL", &c.ZoneCacheTTL); err != nil {
		return err
	}
	return dur("FEED_RESUBSCRIBE_INTERVAL", &c.Feed.ResubscribeInterval)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is usable for the selected feed.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	switch c.Feed.Kind {
	case FeedPostgres:
	case FeedKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return ErrMissingKafkaConfig
		}
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownFeedKind, c.Feed.Kind)
	}
	if c.Backfill.RatePerSecond < 0 {
		return errors.New("backfill rate must not be negative")
	}
	return nil
}
