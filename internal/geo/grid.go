package geo

// CoverGrid lays a staggered grid of points over b with roughly stepM meter
// spacing. Alternate rows are shifted by half a step so scan circles overlap
// less wastefully. Always returns at least the center point.
func CoverGrid(b Bounds, stepM float64) []Point {
	if !b.Valid() {
		return nil
	}
	if stepM <= 0 {
		return []Point{b.Center()}
	}

	height := b.HeightM()
	width := b.WidthM()

	rows := int(height/stepM) + 1
	cols := int(width/stepM) + 1

	origin := Point{Lat: b.SouthLat, Lon: b.WestLon}
	pts := make([]Point, 0, rows*cols)
	for r := 0; r < rows; r++ {
		shift := 0.0
		if r%2 == 1 {
			shift = stepM / 2
		}
		for c := 0; c < cols; c++ {
			p := Offset(origin, float64(r)*stepM, float64(c)*stepM+shift)
			if b.Contains(p) {
				pts = append(pts, p)
			}
		}
	}
	if len(pts) == 0 {
		pts = append(pts, b.Center())
	}
	return pts
}
