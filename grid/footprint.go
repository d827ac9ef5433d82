package grid

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/kwv/pemesh/quadkey"
)

// metersPerDegree is the length of one degree of latitude.
const metersPerDegree = 111320.0

// FootprintPolygon returns the oriented rectangle covered by a vehicle of
// the given length and width centred on lat/lon. heading is in degrees
// clockwise from north.
func FootprintPolygon(lat, lon, heading, length, width float64) orb.Polygon {
	h := heading * math.Pi / 180
	// Unit vectors along the vehicle axis and to its right, as (east, north).
	fe, fn := math.Sin(h), math.Cos(h)
	re, rn := math.Cos(h), -math.Sin(h)

	hl, hw := length/2, width/2
	cosLat := math.Cos(lat * math.Pi / 180)
	corner := func(along, side float64) orb.Point {
		east := along*fe + side*re
		north := along*fn + side*rn
		return orb.Point{
			lon + east/(metersPerDegree*cosLat),
			lat + north/metersPerDegree,
		}
	}

	ring := orb.Ring{
		corner(hl, -hw),
		corner(hl, hw),
		corner(-hl, hw),
		corner(-hl, -hw),
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// FootprintQuadKeys returns the tiles at level whose centres lie inside the
// vehicle footprint. The tile under the vehicle centre is always included.
func FootprintQuadKeys(lat, lon, heading, length, width float64, level int) ([]quadkey.QuadKey, error) {
	center, err := quadkey.FromGeo(lat, lon, level)
	if err != nil {
		return nil, err
	}

	poly := FootprintPolygon(lat, lon, heading, length, width)
	b := poly.Bound()
	nw, err := quadkey.FromGeo(b.Max.Lat(), b.Min.Lon(), level)
	if err != nil {
		return nil, err
	}
	se, err := quadkey.FromGeo(b.Min.Lat(), b.Max.Lon(), level)
	if err != nil {
		return nil, err
	}
	candidates, err := nw.Difference(se)
	if err != nil {
		return nil, err
	}

	keys := []quadkey.QuadKey{center}
	for q := range candidates {
		if q == center {
			continue
		}
		tlat, tlon := q.ToGeo(quadkey.AnchorCenter)
		if planar.PolygonContains(poly, orb.Point{tlon, tlat}) {
			keys = append(keys, q)
		}
	}
	return keys, nil
}
