// Package testutil provides Postgres and Redis fixtures for integration tests.
// Tests using it are skipped unless TEST_DATABASE_URL or TEST_REDIS_ADDR is set.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/velotrack/geofence-backend/internal/db"
)

// NewTestDB returns a connection whose search_path is a throwaway schema that
// is dropped when the test ends, and the DSN that reaches the same schema.
func NewTestDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()
	base := os.Getenv("TEST_DATABASE_URL")
	if base == "" {
		t.Skip("skipping Postgres integration tests: TEST_DATABASE_URL not set")
	}

	admin, err := db.Open(base, "silent")
	if err != nil {
		t.Skipf("skipping Postgres integration tests: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Ping(ctx, admin); err != nil {
		db.Close(admin)
		t.Skipf("skipping Postgres integration tests: %v", err)
	}

	schema := "geofence_test_" + strings.ReplaceAll(uuid.NewString()[:13], "-", "")
	if err := admin.Exec(`CREATE SCHEMA "` + schema + `"`).Error; err != nil {
		db.Close(admin)
		t.Fatalf("create schema: %v", err)
	}

	dsn, err := withSearchPath(base, schema)
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}
	gdb, err := db.Open(dsn, "silent")
	if err != nil {
		t.Fatalf("open test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close(gdb)
		admin.Exec(`DROP SCHEMA "` + schema + `" CASCADE`)
		db.Close(admin)
	})
	return gdb, dsn
}

func withSearchPath(dsn, schema string) (string, error) {
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CreateFleetTables creates the minimal bikes, customers and rides tables the
// store reads from. In production they belong to the fleet service.
func CreateFleetTables(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE customers (id SERIAL PRIMARY KEY, firebase_id VARCHAR(255) UNIQUE)`,
		`CREATE TABLE bikes (id SERIAL PRIMARY KEY, firebase_id VARCHAR(255) UNIQUE NOT NULL, current_zone_id VARCHAR(255))`,
		`CREATE TABLE rides (
			id SERIAL PRIMARY KEY,
			firebase_id VARCHAR(255) UNIQUE NOT NULL,
			bike_id INTEGER REFERENCES bikes(id),
			customer_id INTEGER REFERENCES customers(id),
			rental_status VARCHAR(20) NOT NULL,
			start_time TIMESTAMPTZ
		)`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			t.Fatalf("create fleet tables: %v", err)
		}
	}
}

// InsertBike adds a bike assigned to zoneID; an empty zoneID leaves it unassigned.
func InsertBike(t *testing.T, gdb *gorm.DB, bikeID, zoneID string) {
	t.Helper()
	var zone any
	if zoneID != "" {
		zone = zoneID
	}
	if err := gdb.Exec(`INSERT INTO bikes (firebase_id, current_zone_id) VALUES (?, ?)`, bikeID, zone).Error; err != nil {
		t.Fatalf("insert bike: %v", err)
	}
}

// InsertRide adds a ride for bikeID by customerID with the given status.
func InsertRide(t *testing.T, gdb *gorm.DB, rideID, bikeID, customerID, status string, start time.Time) {
	t.Helper()
	if err := gdb.Exec(`INSERT INTO customers (firebase_id) VALUES (?) ON CONFLICT DO NOTHING`, customerID).Error; err != nil {
		t.Fatalf("insert customer: %v", err)
	}
	err := gdb.Exec(`
		INSERT INTO rides (firebase_id, bike_id, customer_id, rental_status, start_time)
		SELECT ?, b.id, c.id, ?, ?
		FROM bikes b, customers c
		WHERE b.firebase_id = ? AND c.firebase_id = ?
	`, rideID, status, start, bikeID, customerID).Error
	if err != nil {
		t.Fatalf("insert ride: %v", err)
	}
}

// NewTestRedis returns a client on TEST_REDIS_ADDR. The database is shared, so
// tests should build their keys from UniqueID.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skipping Redis integration tests: TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("skipping Redis integration tests: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// UniqueID returns an id that does not collide across test runs.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
