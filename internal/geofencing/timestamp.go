package geofencing

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Numeric timestamps at or above this magnitude are read as milliseconds.
const millisecondThreshold = 1e11

type asTimer interface {
	AsTime() time.Time
}

type timer interface {
	Time() time.Time
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp converts a timestamp of unknown representation into a UTC
// instant. It tries, in order: a time.Time, a value convertible to an instant
// (AsTime/Time methods or a {"_seconds","_nanoseconds"} object), an ISO-8601
// string, and a Unix timestamp in seconds or milliseconds. It never falls back
// to the current time.
func ParseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("%w: timestamp is empty", ErrMalformedTimestamp)
	case time.Time:
		return nonZero(ts)
	case *time.Time:
		if ts == nil {
			return time.Time{}, fmt.Errorf("%w: timestamp is empty", ErrMalformedTimestamp)
		}
		return nonZero(*ts)
	case asTimer:
		return nonZero(ts.AsTime())
	case timer:
		return nonZero(ts.Time())
	case map[string]any:
		return fromSecondsObject(ts)
	case string:
		return parseISO(ts)
	case json.Number:
		if n, err := ts.Int64(); err == nil {
			return fromUnixInt(n), nil
		}
		f, err := ts.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
		}
		return fromUnixFloat(f)
	case int:
		return fromUnixInt(int64(ts)), nil
	case int32:
		return fromUnixInt(int64(ts)), nil
	case int64:
		return fromUnixInt(ts), nil
	case uint32:
		return fromUnixInt(int64(ts)), nil
	case uint64:
		if ts > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("%w: %d out of range", ErrMalformedTimestamp, ts)
		}
		return fromUnixInt(int64(ts)), nil
	case float64:
		return fromUnixFloat(ts)
	case float32:
		return fromUnixFloat(float64(ts))
	}
	return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrMalformedTimestamp, v)
}

func nonZero(t time.Time) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: zero time", ErrMalformedTimestamp)
	}
	return t.UTC(), nil
}

func parseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is empty", ErrMalformedTimestamp)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrMalformedTimestamp, s)
}

// fromSecondsObject handles the serialized instant form {"_seconds": s, "_nanoseconds": n}
// and its unprefixed {"seconds": s, "nanos": n} variant.
func fromSecondsObject(m map[string]any) (time.Time, error) {
	secKey, nanoKey := "_seconds", "_nanoseconds"
	if _, ok := m[secKey]; !ok {
		secKey, nanoKey = "seconds", "nanos"
	}
	rawSec, ok := m[secKey]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: object without seconds", ErrMalformedTimestamp)
	}
	sec, err := toInt(rawSec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: seconds: %v", ErrMalformedTimestamp, err)
	}
	var nanos int64
	if rawNanos, ok := m[nanoKey]; ok {
		if nanos, err = toInt(rawNanos); err != nil {
			return time.Time{}, fmt.Errorf("%w: nanoseconds: %v", ErrMalformedTimestamp, err)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}

func toInt(v any) (int64, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	if s, ok := v.(string); ok {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return int64(f), nil
}

func fromUnixInt(n int64) time.Time {
	if math.Abs(float64(n)) >= millisecondThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func fromUnixFloat(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("%w: non-finite unix timestamp", ErrMalformedTimestamp)
	}
	// Scale to whole microseconds before converting so a float carrying an
	// integral instant lands on the same value as its integer form.
	micros := math.Round(f * 1e6)
	if math.Abs(f) >= millisecondThreshold {
		micros = math.Round(f * 1e3)
	}
	if math.Abs(micros) >= math.MaxInt64 {
		return time.Time{}, fmt.Errorf("%w: unix timestamp %g out of range", ErrMalformedTimestamp, f)
	}
	return time.UnixMicro(int64(micros)).UTC(), nil
}
