package quadkey

import "math"

// Web Mercator bounds used by the tile system. Latitudes beyond these
// values are clipped before projection.
const (
	MinLatitude  = -85.05112878
	MaxLatitude  = 85.05112878
	MinLongitude = -180.0
	MaxLongitude = 180.0

	// MinLevel and MaxLevel bound the quadkey length.
	MinLevel = 1
	MaxLevel = 31

	// TileSize is the edge length of a tile in pixels.
	TileSize = 256
)

// Anchor selects which pixel of a tile represents it.
type Anchor int

const (
	AnchorCenter Anchor = iota
	AnchorNW
	AnchorNE
	AnchorSW
	AnchorSE
)

// String implements fmt.Stringer
func (a Anchor) String() string {
	switch a {
	case AnchorNW:
		return "nw"
	case AnchorNE:
		return "ne"
	case AnchorSW:
		return "sw"
	case AnchorSE:
		return "se"
	default:
		return "center"
	}
}

func clip(n, minValue, maxValue float64) float64 {
	return math.Min(math.Max(n, minValue), maxValue)
}

// mapSize returns the width (and height) of the world map in pixels at level.
func mapSize(level int) uint64 {
	return uint64(TileSize) << uint(level)
}

// geoToPixel projects a latitude/longitude pair to pixel coordinates.
func geoToPixel(lat, lon float64, level int) (int64, int64) {
	lat = clip(lat, MinLatitude, MaxLatitude)
	lon = clip(lon, MinLongitude, MaxLongitude)

	x := (lon + 180) / 360
	sinLat := math.Sin(lat * math.Pi / 180)
	y := 0.5 - math.Log((1+sinLat)/(1-sinLat))/(4*math.Pi)

	size := float64(mapSize(level))
	px := clip(x*size+0.5, 0, size-1)
	py := clip(y*size+0.5, 0, size-1)
	return int64(px), int64(py)
}

// pixelToGeo is the inverse of geoToPixel.
func pixelToGeo(px, py int64, level int) (lat, lon float64) {
	size := float64(mapSize(level))
	x := clip(float64(px), 0, size-1)/size - 0.5
	y := 0.5 - clip(float64(py), 0, size-1)/size

	lat = 90 - 360*math.Atan(math.Exp(-y*2*math.Pi))/math.Pi
	lon = 360 * x
	return lat, lon
}

// tileToPixel returns the pixel coordinate of the anchor of a tile.
func tileToPixel(x, y uint32, anchor Anchor) (int64, int64) {
	px := int64(x) * TileSize
	py := int64(y) * TileSize
	switch anchor {
	case AnchorNE:
		px += TileSize
	case AnchorSW:
		py += TileSize
	case AnchorSE:
		px += TileSize
		py += TileSize
	case AnchorNW:
	default:
		px += TileSize / 2
		py += TileSize / 2
	}
	return px, py
}

// tileToKey encodes tile coordinates as a base-4 digit string.
func tileToKey(x, y uint32, level int) string {
	buf := make([]byte, level)
	for i := level; i > 0; i-- {
		digit := byte('0')
		mask := uint32(1) << uint(i-1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		buf[level-i] = digit
	}
	return string(buf)
}

// keyToTile decodes a validated digit string into tile coordinates.
func keyToTile(key string) (uint32, uint32) {
	var x, y uint32
	level := len(key)
	for i := level; i > 0; i-- {
		mask := uint32(1) << uint(i-1)
		switch key[level-i] {
		case '1':
			x |= mask
		case '2':
			y |= mask
		case '3':
			x |= mask
			y |= mask
		}
	}
	return x, y
}

// levelMask keeps tile coordinates within the bit width of a level.
func levelMask(level int) int64 {
	return int64(1)<<uint(level) - 1
}
