// Package geo provides the small amount of spherical geometry the dispatcher
// needs: great-circle distance, region bounds, metric offsets, and the
// exploration grid.
package geo

import (
	"math"
	"math/rand"
)

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Distance returns the great-circle distance between a and b in meters
// (haversine).
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(s)))
}

// Offset shifts p by the given metric deltas (north and east, meters).
// Accurate for the short distances this system deals in.
func Offset(p Point, northM, eastM float64) Point {
	dLat := northM / earthRadiusM * 180 / math.Pi
	dLon := eastM / (earthRadiusM * math.Cos(p.Lat*math.Pi/180)) * 180 / math.Pi
	return Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}
}

// Jitter displaces p by a uniform random offset within maxMeters.
func Jitter(p Point, maxMeters float64, rng *rand.Rand) Point {
	if maxMeters <= 0 || rng == nil {
		return p
	}
	// sqrt for a uniform distribution over the disk, not just the radius
	r := maxMeters * math.Sqrt(rng.Float64())
	theta := rng.Float64() * 2 * math.Pi
	return Offset(p, r*math.Cos(theta), r*math.Sin(theta))
}

// Bounds is a lat/lon rectangle. South/West must be strictly below North/East.
type Bounds struct {
	SouthLat float64
	WestLon  float64
	NorthLat float64
	EastLon  float64
}

func (b Bounds) Valid() bool {
	return b.NorthLat > b.SouthLat && b.EastLon > b.WestLon &&
		b.SouthLat >= -90 && b.NorthLat <= 90 &&
		b.WestLon >= -180 && b.EastLon <= 180
}

func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.SouthLat && p.Lat <= b.NorthLat &&
		p.Lon >= b.WestLon && p.Lon <= b.EastLon
}

func (b Bounds) Center() Point {
	return Point{
		Lat: (b.SouthLat + b.NorthLat) / 2,
		Lon: (b.WestLon + b.EastLon) / 2,
	}
}

// WidthM and HeightM approximate the rectangle's metric extents.
func (b Bounds) WidthM() float64 {
	mid := (b.SouthLat + b.NorthLat) / 2
	return Distance(Point{Lat: mid, Lon: b.WestLon}, Point{Lat: mid, Lon: b.EastLon})
}

func (b Bounds) HeightM() float64 {
	return Distance(Point{Lat: b.SouthLat, Lon: b.WestLon}, Point{Lat: b.NorthLat, Lon: b.WestLon})
}
