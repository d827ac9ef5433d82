// Package quadkey implements the hierarchical tile addressing used to
// partition the perceived environment model: a quadkey is a string of
// base-4 digits whose length is the zoom level of the tile it names.
package quadkey

import (
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"slices"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var (
	// ErrInvalidQuadKey is returned for keys with digits outside {0,1,2,3}
	// or a length outside [MinLevel, MaxLevel].
	ErrInvalidQuadKey = errors.New("invalid quadkey")

	// ErrInvalidLevel is returned when a level is out of range or two keys
	// that must share a level do not.
	ErrInvalidLevel = errors.New("invalid level")
)

// QuadKey is an immutable tile address. The zero value is not a valid key.
type QuadKey struct {
	key  string
	x, y uint32
}

// New parses a digit string into a QuadKey.
func New(key string) (QuadKey, error) {
	if len(key) < MinLevel || len(key) > MaxLevel {
		return QuadKey{}, fmt.Errorf("%w: %q has length %d", ErrInvalidQuadKey, key, len(key))
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '0' || key[i] > '3' {
			return QuadKey{}, fmt.Errorf("%w: %q has digit %q at %d", ErrInvalidQuadKey, key, key[i], i)
		}
	}
	x, y := keyToTile(key)
	return QuadKey{key: key, x: x, y: y}, nil
}

// MustNew is like New but panics on error. Intended for constants and tests.
func MustNew(key string) QuadKey {
	q, err := New(key)
	if err != nil {
		panic(err)
	}
	return q
}

// FromGeo returns the quadkey of the tile containing lat/lon at level.
// Coordinates outside the Mercator bounds are clipped.
func FromGeo(lat, lon float64, level int) (QuadKey, error) {
	if err := validLevel(level); err != nil {
		return QuadKey{}, err
	}
	px, py := geoToPixel(lat, lon, level)
	return fromTile(uint32(px/TileSize), uint32(py/TileSize), level), nil
}

// FromTile builds a quadkey from tile coordinates. Coordinates are masked
// to the bit width of the level.
func FromTile(x, y uint32, level int) (QuadKey, error) {
	if err := validLevel(level); err != nil {
		return QuadKey{}, err
	}
	return fromTile(x, y, level), nil
}

// FromMapTile converts an orb maptile to a quadkey.
func FromMapTile(t maptile.Tile) (QuadKey, error) {
	return FromTile(t.X, t.Y, int(t.Z))
}

func fromTile(x, y uint32, level int) QuadKey {
	mask := uint32(levelMask(level))
	x &= mask
	y &= mask
	return QuadKey{key: tileToKey(x, y, level), x: x, y: y}
}

func validLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidLevel, level, MinLevel, MaxLevel)
	}
	return nil
}

// String returns the digit string.
func (q QuadKey) String() string { return q.key }

// Level returns the zoom level, which is the number of digits.
func (q QuadKey) Level() int { return len(q.key) }

// IsZero reports whether q is the zero value.
func (q QuadKey) IsZero() bool { return q.key == "" }

// XY returns the tile coordinates.
func (q QuadKey) XY() (uint32, uint32) { return q.x, q.y }

// Tile returns the tile as an orb maptile.
func (q QuadKey) Tile() maptile.Tile {
	return maptile.New(q.x, q.y, maptile.Zoom(q.Level()))
}

// Bound returns the lon/lat bounding box of the tile.
func (q QuadKey) Bound() orb.Bound {
	return q.Tile().Bound()
}

// ToGeo returns the latitude and longitude of the anchor pixel of the tile.
func (q QuadKey) ToGeo(anchor Anchor) (lat, lon float64) {
	px, py := tileToPixel(q.x, q.y, anchor)
	return pixelToGeo(px, py, q.Level())
}

// Compare orders quadkeys lexicographically by digit string.
func Compare(a, b QuadKey) int {
	return strings.Compare(a.key, b.key)
}

// Parent returns the key one level up. A level 1 key is its own parent.
func (q QuadKey) Parent() QuadKey {
	return q.Truncate(q.Level() - 1)
}

// Truncate returns the ancestor of q at level. Levels at or below zero clamp
// to MinLevel, levels at or above q's level return q.
func (q QuadKey) Truncate(level int) QuadKey {
	if level >= q.Level() {
		return q
	}
	if level < MinLevel {
		level = MinLevel
	}
	key := q.key[:level]
	x, y := keyToTile(key)
	return QuadKey{key: key, x: x, y: y}
}

// Children returns every descendant at atLevel in lexicographic order.
// The result is empty when atLevel is not deeper than q.
func (q QuadKey) Children(atLevel int) []QuadKey {
	if atLevel <= q.Level() || q.Level() >= MaxLevel || atLevel > MaxLevel {
		return nil
	}
	keys := []string{q.key}
	for depth := q.Level(); depth < atLevel; depth++ {
		next := make([]string, 0, len(keys)*4)
		for _, k := range keys {
			for _, d := range "0123" {
				next = append(next, k+string(d))
			}
		}
		keys = next
	}

	children := make([]QuadKey, len(keys))
	for i, k := range keys {
		x, y := keyToTile(k)
		children[i] = QuadKey{key: k, x: x, y: y}
	}
	return children
}

// Nearby returns the (2n+1)x(2n+1) neighbourhood of q, including q.
func (q QuadKey) Nearby(n int) []QuadKey {
	offsets := make([]int, 0, 2*n+1)
	for i := -n; i <= n; i++ {
		offsets = append(offsets, i)
	}
	return q.NearbyCustom(offsets, offsets)
}

// NearbyCustom returns the keys whose tiles are offset from q by every
// (dx, dy) in the Cartesian product of xs and ys.
//
// Negative tile coordinates are mirrored to their absolute value and
// coordinates past the last tile wrap within the level. Near the poles and
// the antimeridian this does not describe the geographic neighbourhood.
// The result is deduplicated and sorted.
func (q QuadKey) NearbyCustom(xs, ys []int) []QuadKey {
	level := q.Level()
	mask := levelMask(level)

	seen := make(map[[2]int64]struct{}, len(xs)*len(ys))
	result := make([]QuadKey, 0, len(xs)*len(ys))
	for _, dx := range xs {
		for _, dy := range ys {
			nx := abs64(int64(q.x)+int64(dx)) & mask
			ny := abs64(int64(q.y)+int64(dy)) & mask
			tile := [2]int64{nx, ny}
			if _, ok := seen[tile]; ok {
				continue
			}
			seen[tile] = struct{}{}
			result = append(result, fromTile(uint32(nx), uint32(ny), level))
		}
	}
	slices.SortFunc(result, Compare)
	return result
}

// IsAncestor reports whether q is a strict ancestor of other and, if so,
// the level difference between them.
func (q QuadKey) IsAncestor(other QuadKey) (int, bool) {
	if q.Level() >= other.Level() || !strings.HasPrefix(other.key, q.key) {
		return 0, false
	}
	return other.Level() - q.Level(), true
}

// IsDescendant reports whether q is a strict descendant of other.
func (q QuadKey) IsDescendant(other QuadKey) (int, bool) {
	return other.IsAncestor(q)
}

// Difference lazily yields every key of the inclusive tile rectangle spanned
// by q and other, row by row from the north-west corner. Both keys must be at
// the same level.
func (q QuadKey) Difference(other QuadKey) (iter.Seq[QuadKey], error) {
	if q.Level() != other.Level() {
		return nil, fmt.Errorf("%w: difference between levels %d and %d", ErrInvalidLevel, q.Level(), other.Level())
	}

	x0, y0 := int64(q.x), int64(q.y)
	x1, y1 := int64(other.x), int64(other.y)

	// Classify where other lies relative to q to find the corners.
	var left, top, right, bottom int64
	switch {
	case x1 >= x0 && y1 <= y0: // north-east
		left, top, right, bottom = x0, y1, x1, y0
	case x1 <= x0 && y1 >= y0: // south-west
		left, top, right, bottom = x1, y0, x0, y1
	case x1 < x0 && y1 < y0: // north-west
		left, top, right, bottom = x1, y1, x0, y0
	default: // south-east
		left, top, right, bottom = x0, y0, x1, y1
	}

	level := q.Level()
	return func(yield func(QuadKey) bool) {
		for y := top; y <= bottom; y++ {
			for x := left; x <= right; x++ {
				if !yield(fromTile(uint32(x), uint32(y), level)) {
					return
				}
			}
		}
	}, nil
}

// QuadInt encodes q as a single integer: a sentinel bit at 2*level followed
// by the digits read as a base-4 number. The encoding is unique across levels.
func (q QuadKey) QuadInt() uint64 {
	level := q.Level()
	v := uint64(1) << uint(2*level)
	for i := 0; i < level; i++ {
		v |= uint64(q.key[i]-'0') << uint(2*(level-1-i))
	}
	return v
}

// FromQuadInt decodes a value produced by QuadInt.
func FromQuadInt(v uint64) (QuadKey, error) {
	n := bits.Len64(v)
	if n == 0 || (n-1)%2 != 0 {
		return QuadKey{}, fmt.Errorf("%w: quadint %d has no sentinel", ErrInvalidQuadKey, v)
	}
	level := (n - 1) / 2
	if err := validLevel(level); err != nil {
		return QuadKey{}, err
	}
	buf := make([]byte, level)
	for i := 0; i < level; i++ {
		buf[i] = '0' + byte((v>>uint(2*(level-1-i)))&3)
	}
	return New(string(buf))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
