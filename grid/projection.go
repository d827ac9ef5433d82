package grid

import "math"

// earthRadius is the WGS84 equatorial radius in meters.
const earthRadius = 6378137.0

// Projection maps geographic coordinates to the local world frame.
type Projection interface {
	Project(lat, lon float64) (x, y float64)
}

// EquirectangularProjection is a local tangent-plane approximation around
// an origin. It is accurate to a few centimeters over a few kilometers.
type EquirectangularProjection struct {
	OriginLat float64
	OriginLon float64
	FlipY     bool // simulator frames with y pointing south
}

func (p EquirectangularProjection) Project(lat, lon float64) (float64, float64) {
	cosLat := math.Cos(p.OriginLat * math.Pi / 180)
	x := earthRadius * (lon - p.OriginLon) * math.Pi / 180 * cosLat
	y := earthRadius * (lat - p.OriginLat) * math.Pi / 180
	if p.FlipY {
		y = -y
	}
	return x, y
}

// Unproject is the inverse of Project.
func (p EquirectangularProjection) Unproject(x, y float64) (lat, lon float64) {
	if p.FlipY {
		y = -y
	}
	cosLat := math.Cos(p.OriginLat * math.Pi / 180)
	lat = p.OriginLat + y/earthRadius*180/math.Pi
	lon = p.OriginLon + x/(earthRadius*cosLat)*180/math.Pi
	return lat, lon
}
