package geofencing

// MinPolygonVertices is the smallest vertex count that forms a polygon.
const MinPolygonVertices = 3

// PointInPolygon reports whether p lies inside the closed polygon using ray
// casting over planar lat/lon. Vertex n-1 wraps to vertex 0. Polygons with
// fewer than three vertices contain nothing.
//
// The test is not geodesic: edges are straight lines in lat/lon space and
// polygons spanning the anti-meridian or a pole give wrong answers. Points
// exactly on an edge or vertex get a deterministic but unspecified result.
func PointInPolygon(p LatLng, polygon []LatLng) bool {
	n := len(polygon)
	if n < MinPolygonVertices {
		return false
	}

	lat, lon := p.Latitude, p.Longitude
	inside := false

	p1 := polygon[0]
	for i := 1; i <= n; i++ {
		p2 := polygon[i%n]

		if lon > min(p1.Longitude, p2.Longitude) &&
			lon <= max(p1.Longitude, p2.Longitude) &&
			lat <= max(p1.Latitude, p2.Latitude) {
			if p1.Longitude == p2.Longitude {
				inside = !inside
			} else {
				crossing := (lon-p1.Longitude)*(p2.Latitude-p1.Latitude)/(p2.Longitude-p1.Longitude) + p1.Latitude
				if lat <= crossing {
					inside = !inside
				}
			}
		}

		p1 = p2
	}

	return inside
}

// IsValidExit reports whether p has genuinely left the polygon.
func IsValidExit(p LatLng, polygon []LatLng) bool {
	return !PointInPolygon(p, polygon)
}

// Centroid returns the vertex mean, used as the display center of a zone.
func Centroid(polygon []LatLng) (LatLng, bool) {
	if len(polygon) == 0 {
		return LatLng{}, false
	}
	var c LatLng
	for _, v := range polygon {
		c.Latitude += v.Latitude
		c.Longitude += v.Longitude
	}
	n := float64(len(polygon))
	return LatLng{Latitude: c.Latitude / n, Longitude: c.Longitude / n}, true
}
