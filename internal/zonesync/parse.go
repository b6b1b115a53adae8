package zonesync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/velotrack/geofence-backend/internal/geofencing"
)

const DefaultColorCode = "#3388ff"

// Document is one zone as exported from the upstream zone editor. Points are
// keyed by their position in the ring; keys must be integers.
type Document struct {
	ID        string              `yaml:"id"`
	Name      string              `yaml:"name"`
	ColorCode string              `yaml:"color_code"`
	IsActive  *bool               `yaml:"is_active"`
	Points    map[string]PointDoc `yaml:"points"`
}

type PointDoc struct {
	Location any `yaml:"location"`
}

type export struct {
	Zones []Document `yaml:"zones"`
}

// ParseFile reads a zone export. JSON exports parse as well.
func ParseFile(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) ([]Document, error) {
	var doc export
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse zone export: %w", err)
	}
	if len(doc.Zones) == 0 {
		return nil, errors.New("zone export has no zones")
	}

	seen := map[string]bool{}
	for i, z := range doc.Zones {
		id := strings.TrimSpace(z.ID)
		if id == "" {
			return nil, fmt.Errorf("zone %d: id is required", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("zone %d: duplicate id %q", i+1, id)
		}
		seen[id] = true
		doc.Zones[i].ID = id
	}
	return doc.Zones, nil
}

// ToZone converts d into a zone row. Vertices are ordered by their integer
// key; points without a location are skipped. The center is the vertex mean.
func ToZone(d Document, now time.Time) (geofencing.Zone, error) {
	type indexed struct {
		idx int
		p   geofencing.LatLng
	}

	points := make([]indexed, 0, len(d.Points))
	for key, pd := range d.Points {
		idx, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return geofencing.Zone{}, fmt.Errorf("zone %s: point key %q is not an index", d.ID, key)
		}
		if pd.Location == nil {
			continue
		}
		p, err := geofencing.NormalizeLocation(pd.Location)
		if err != nil {
			return geofencing.Zone{}, fmt.Errorf("zone %s: point %d: %w", d.ID, idx, err)
		}
		points = append(points, indexed{idx: idx, p: p})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].idx < points[j].idx })

	vertices := make(geofencing.Vertices, len(points))
	for i, ip := range points {
		vertices[i] = ip.p
	}

	z := geofencing.Zone{
		ID:            d.ID,
		Name:          d.Name,
		ColorCode:     d.ColorCode,
		IsActive:      true,
		PolygonPoints: vertices,
		SyncedAt:      now.UTC(),
	}
	if z.ColorCode == "" {
		z.ColorCode = DefaultColorCode
	}
	if d.IsActive != nil {
		z.IsActive = *d.IsActive
	}
	if c, ok := geofencing.Centroid(vertices); ok {
		z.CenterLatitude = &c.Latitude
		z.CenterLongitude = &c.Longitude
	}
	return z, nil
}
