// Package grid builds the local occupancy grid around the vehicle: one 3D
// box per quadkey tile in a square neighbourhood, classified against lidar
// point clouds and smoothed over time.
package grid

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// Cell is one tile of the grid. Two cells are the same cell iff their
// quadkeys are equal.
type Cell struct {
	QuadKey quadkey.QuadKey
	Box     r3.Box
	State   mesh.Confidence[mesh.OccupancyState]
}

// Grid is the set of cells covering the neighbourhood of Center, sorted by
// quadkey.
type Grid struct {
	Center quadkey.QuadKey
	Cells  []*Cell
	index  map[string]int
}

func newGrid(center quadkey.QuadKey, cells []*Cell) *Grid {
	slices.SortFunc(cells, func(a, b *Cell) int { return quadkey.Compare(a.QuadKey, b.QuadKey) })
	g := &Grid{Center: center, Cells: cells, index: make(map[string]int, len(cells))}
	for i, c := range cells {
		g.index[c.QuadKey.String()] = i
	}
	return g
}

// Cell looks up a cell by quadkey string.
func (g *Grid) Cell(key string) (*Cell, bool) {
	i, ok := g.index[key]
	if !ok {
		return nil, false
	}
	return g.Cells[i], true
}

// Keys returns the cell quadkeys in grid order.
func (g *Grid) Keys() []quadkey.QuadKey {
	keys := make([]quadkey.QuadKey, len(g.Cells))
	for i, c := range g.Cells {
		keys[i] = c.QuadKey
	}
	return keys
}

// Len returns the number of cells.
func (g *Grid) Len() int { return len(g.Cells) }

// Clone returns a deep copy that is safe to read while the original is
// being updated.
func (g *Grid) Clone() *Grid {
	cells := make([]*Cell, len(g.Cells))
	for i, c := range g.Cells {
		cp := *c
		cells[i] = &cp
	}
	return newGrid(g.Center, cells)
}

// cellBox projects the four tile corners and extrudes them vertically.
func cellBox(q quadkey.QuadKey, proj Projection, offset, height float64) r3.Box {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, a := range []quadkey.Anchor{quadkey.AnchorNW, quadkey.AnchorNE, quadkey.AnchorSW, quadkey.AnchorSE} {
		lat, lon := q.ToGeo(a)
		x, y := proj.Project(lat, lon)
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return r3.Box{
		Min: r3.Vec{X: minX, Y: minY, Z: offset},
		Max: r3.Vec{X: maxX, Y: maxY, Z: offset + height},
	}
}

// boxContains reports whether p lies inside b, boundaries included.
func boxContains(b r3.Box, p r3.Vec) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// rayEntry intersects the segment from origin to target with b using the
// slab method. It returns the segment parameter in [0, 1] at which the
// segment enters the box.
func rayEntry(origin, target r3.Vec, b r3.Box) (float64, bool) {
	d := r3.Sub(target, origin)
	tEnter, tExit := math.Inf(-1), math.Inf(1)

	axes := [3][4]float64{
		{origin.X, d.X, b.Min.X, b.Max.X},
		{origin.Y, d.Y, b.Min.Y, b.Max.Y},
		{origin.Z, d.Z, b.Min.Z, b.Max.Z},
	}
	for _, a := range axes {
		o, dir, lo, hi := a[0], a[1], a[2], a[3]
		if dir == 0 {
			if o < lo || o > hi {
				return 0, false
			}
			continue
		}
		t1, t2 := (lo-o)/dir, (hi-o)/dir
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tEnter = math.Max(tEnter, t1)
		tExit = math.Min(tExit, t2)
		if tEnter > tExit {
			return 0, false
		}
	}
	if tExit < 0 || tEnter > 1 {
		return 0, false
	}
	return math.Max(tEnter, 0), true
}
