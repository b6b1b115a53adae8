package geofencing

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// LatLng is the canonical coordinate used everywhere past the ingestion boundary.
type LatLng struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// InRange reports whether the point lies within [-90,90] x [-180,180]. The
// validator does not check this; out-of-range points give undefined membership.
func (p LatLng) InRange() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func (p LatLng) String() string {
	return fmt.Sprintf("(%.7f, %.7f)", p.Latitude, p.Longitude)
}

// GeoPoint is the geo point object emitted by the telemetry producers. Its
// serialized form uses the underscore-prefixed field names.
type GeoPoint struct {
	Lat float64 `json:"_latitude"`
	Lng float64 `json:"_longitude"`
}

func (g GeoPoint) Latitude() float64  { return g.Lat }
func (g GeoPoint) Longitude() float64 { return g.Lng }

type latitudeLongitude interface {
	Latitude() float64
	Longitude() float64
}

type latLng interface {
	Lat() float64
	Lng() float64
}

// NormalizeLocation converts a location of unknown shape into a LatLng.
//
// Shapes are tried in order: an object exposing latitude/longitude (including
// the serialized {"_latitude","_longitude"} form), a 2-element sequence read as
// (lat, lon), and a map with "latitude" and "longitude" keys. Anything else, or
// a coordinate that is not a finite number, yields ErrMalformedLocation.
func NormalizeLocation(v any) (LatLng, error) {
	if isNil(v) {
		return LatLng{}, fmt.Errorf("%w: location is empty", ErrMalformedLocation)
	}

	switch loc := v.(type) {
	case LatLng:
		return finite(loc.Latitude, loc.Longitude)
	case *LatLng:
		return finite(loc.Latitude, loc.Longitude)
	case latitudeLongitude:
		return finite(loc.Latitude(), loc.Longitude())
	case latLng:
		return finite(loc.Lat(), loc.Lng())
	}

	m, isMap := asMap(v)
	if isMap {
		if lat, ok := m["_latitude"]; ok {
			if lon, ok := m["_longitude"]; ok {
				return pair(lat, lon)
			}
		}
	}

	if seq, ok := asSequence(v); ok {
		if len(seq) != 2 {
			return LatLng{}, fmt.Errorf("%w: expected 2 elements, got %d", ErrMalformedLocation, len(seq))
		}
		return pair(seq[0], seq[1])
	}

	if isMap {
		lat, hasLat := m["latitude"]
		lon, hasLon := m["longitude"]
		if hasLat && hasLon {
			return pair(lat, lon)
		}
		return LatLng{}, fmt.Errorf("%w: map without latitude/longitude keys", ErrMalformedLocation)
	}

	return LatLng{}, fmt.Errorf("%w: unsupported shape %T", ErrMalformedLocation, v)
}

func pair(lat, lon any) (LatLng, error) {
	la, err := toFloat(lat)
	if err != nil {
		return LatLng{}, fmt.Errorf("%w: latitude: %v", ErrMalformedLocation, err)
	}
	lo, err := toFloat(lon)
	if err != nil {
		return LatLng{}, fmt.Errorf("%w: longitude: %v", ErrMalformedLocation, err)
	}
	return finite(la, lo)
}

func finite(lat, lon float64) (LatLng, error) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return LatLng{}, fmt.Errorf("%w: non-finite coordinate (%v, %v)", ErrMalformedLocation, lat, lon)
	}
	return LatLng{Latitude: lat, Longitude: lon}, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case nil:
		return 0, fmt.Errorf("missing value")
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asSequence(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		// raw bytes are not a coordinate pair
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
	case reflect.Array:
	default:
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
