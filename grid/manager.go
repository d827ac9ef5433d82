package grid

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// Config configures a Manager.
type Config struct {
	Level            int
	Radius           int
	Incremental      bool
	CacheSize        int
	Height           float64
	Offset           float64
	Workers          int
	Window           int
	ConfidenceOffset float64
	Projection       Projection
}

// ConfigFromMesh extracts the grid settings from the node configuration.
func ConfigFromMesh(cfg *mesh.Config) Config {
	return Config{
		Level:            cfg.Tiles.OccupancyLevel,
		Radius:           cfg.Grid.Radius,
		Incremental:      cfg.Grid.IncrementalEnabled(),
		CacheSize:        cfg.Grid.CacheSize,
		Height:           cfg.Grid.CellHeight,
		Offset:           cfg.Grid.CellOffset,
		Workers:          cfg.Grid.Workers,
		Window:           cfg.Grid.Window,
		ConfidenceOffset: cfg.Grid.ConfidenceOffset,
		Projection: EquirectangularProjection{
			OriginLat: cfg.Projection.OriginLat,
			OriginLon: cfg.Projection.OriginLon,
			FlipY:     cfg.Projection.FlipY,
		},
	}
}

// Manager owns the occupancy grid of one vehicle. It recomputes the
// neighbourhood when the vehicle enters a new tile, reusing cached grids
// and patching the previous grid after one-tile moves.
type Manager struct {
	cfg     Config
	tracker *Tracker
	cache   *lru.Cache[string, *Grid]
	flight  singleflight.Group

	recomputeMu sync.Mutex
	matchMu     sync.Mutex

	mu        sync.Mutex
	center    quadkey.QuadKey
	previous  quadkey.QuadKey
	footprint map[string]struct{}
}

// NewManager creates a manager with no position.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Level < quadkey.MinLevel || cfg.Level > quadkey.MaxLevel {
		return nil, fmt.Errorf("grid level: %w: %d", quadkey.ErrInvalidLevel, cfg.Level)
	}
	if cfg.Radius < 0 {
		return nil, fmt.Errorf("grid radius must not be negative, got %d", cfg.Radius)
	}
	if cfg.CacheSize < 2 {
		cfg.CacheSize = 2
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Projection == nil {
		cfg.Projection = EquirectangularProjection{}
	}

	cache, err := lru.New[string, *Grid](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating grid cache: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		tracker:   NewTracker(cfg.Window, cfg.ConfidenceOffset),
		cache:     cache,
		footprint: make(map[string]struct{}),
	}, nil
}

// Tracker returns the temporal tracker owned by the manager.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// Level returns the occupancy tile level.
func (m *Manager) Level() int { return m.cfg.Level }

// Center returns the current center tile, or the zero key before the first fix.
func (m *Manager) Center() quadkey.QuadKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.center
}

// UpdatePosition moves the grid to the tile containing fix. It reports
// whether the center tile changed.
func (m *Manager) UpdatePosition(fix mesh.GeoFix) (bool, error) {
	qk, err := quadkey.FromGeo(fix.Lat, fix.Lon, m.cfg.Level)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	if qk == m.center {
		m.mu.Unlock()
		return false, nil
	}
	m.previous = m.center
	m.center = qk
	m.mu.Unlock()

	_, err, _ = m.flight.Do(qk.String(), func() (any, error) {
		return nil, m.recompute(qk)
	})
	return true, err
}

func (m *Manager) recompute(center quadkey.QuadKey) error {
	m.recomputeMu.Lock()
	defer m.recomputeMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.cache.Get(center.String()); ok {
		m.applyFootprint(g)
		m.retainTracked(g)
		recomputes.WithLabelValues("cached").Inc()
		return nil
	}

	keys, mode := m.neighbourhood(center, m.previous)

	prevGrid, _ := m.cache.Peek(m.previous.String())
	cells := make([]*Cell, 0, len(keys))
	for _, k := range keys {
		cell := &Cell{
			QuadKey: k,
			Box:     cellBox(k, m.cfg.Projection, m.cfg.Offset, m.cfg.Height),
			State:   mesh.Confidence[mesh.OccupancyState]{Value: mesh.Unknown},
		}
		if prevGrid != nil {
			if prev, ok := prevGrid.Cell(k.String()); ok {
				cell.State = prev.State
			}
		}
		cells = append(cells, cell)
	}

	g := newGrid(center, cells)
	m.applyFootprint(g)
	m.cache.Add(center.String(), g)
	m.retainTracked(g)

	recomputes.WithLabelValues(mode).Inc()
	return nil
}

// neighbourhood returns the cell keys around center and the mode used to
// compute them. Must be called with m.mu held.
func (m *Manager) neighbourhood(center, prev quadkey.QuadKey) ([]quadkey.QuadKey, string) {
	r := m.cfg.Radius
	want := (2*r + 1) * (2*r + 1)

	if m.cfg.Incremental && !prev.IsZero() && prev.Level() == center.Level() {
		if prevGrid, ok := m.cache.Peek(prev.String()); ok {
			px, py := prev.XY()
			cx, cy := center.XY()
			dx, dy := int(int64(cx)-int64(px)), int(int64(cy)-int64(py))
			if abs(dx) <= 1 && abs(dy) <= 1 {
				keys := incrementalKeys(prevGrid.Keys(), prev, center, dx, dy, r)
				if len(keys) == want {
					return keys, "incremental"
				}
				log.Printf("[GRID] Incremental recompute produced %d cells, want %d; falling back to full", len(keys), want)
			}
		}
	}
	return center.Nearby(r), "full"
}

// incrementalKeys patches the previous neighbourhood after a move of
// (dx, dy) tiles: the trailing edge is removed and the leading edge added.
func incrementalKeys(prevKeys []quadkey.QuadKey, prev, center quadkey.QuadKey, dx, dy, r int) []quadkey.QuadKey {
	span := make([]int, 0, 2*r+1)
	for i := -r; i <= r; i++ {
		span = append(span, i)
	}

	add := make(map[quadkey.QuadKey]struct{})
	remove := make(map[quadkey.QuadKey]struct{})
	put := func(set map[quadkey.QuadKey]struct{}, keys []quadkey.QuadKey) {
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}

	if dx != 0 {
		put(add, center.NearbyCustom([]int{dx * r}, span))
		put(remove, prev.NearbyCustom([]int{-dx * r}, span))
	}
	if dy != 0 {
		put(add, center.NearbyCustom(span, []int{dy * r}))
		put(remove, prev.NearbyCustom(span, []int{-dy * r}))
	}
	if dx != 0 && dy != 0 {
		put(add, center.NearbyCustom([]int{dx * r}, []int{dy * r}))
		put(remove, prev.NearbyCustom([]int{-dx * r}, []int{-dy * r}))
	}

	next := make(map[quadkey.QuadKey]struct{}, len(prevKeys))
	for _, k := range prevKeys {
		if _, ok := remove[k]; !ok {
			next[k] = struct{}{}
		}
	}
	for k := range add {
		next[k] = struct{}{}
	}

	keys := make([]quadkey.QuadKey, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	return keys
}

// SetEgoFootprint replaces the set of cells occupied by the vehicle itself.
// Those cells are forced OCCUPIED with confidence 1 and skipped by matching.
func (m *Manager) SetEgoFootprint(keys []quadkey.QuadKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.footprint
	m.footprint = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m.footprint[k.String()] = struct{}{}
	}

	g, ok := m.cache.Peek(m.center.String())
	if !ok {
		return
	}
	// Cells the vehicle left start over as unknown.
	for k := range old {
		if _, still := m.footprint[k]; still {
			continue
		}
		if c, ok := g.Cell(k); ok {
			c.State = mesh.Confidence[mesh.OccupancyState]{Value: mesh.Unknown}
		}
	}
	m.applyFootprint(g)
}

// applyFootprint must be called with m.mu held.
func (m *Manager) applyFootprint(g *Grid) {
	for k := range m.footprint {
		if c, ok := g.Cell(k); ok {
			c.State = mesh.Confidence[mesh.OccupancyState]{Value: mesh.Occupied, Confidence: 1}
		}
	}
}

// retainTracked must be called with m.mu held.
func (m *Manager) retainTracked(g *Grid) {
	keep := make(map[string]struct{}, g.Len())
	for _, c := range g.Cells {
		keep[c.QuadKey.String()] = struct{}{}
	}
	m.tracker.Retain(keep)
}

// Grid returns a copy of the grid for the current center, or nil.
func (m *Manager) Grid() *Grid {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.center.IsZero() {
		return nil
	}
	g, ok := m.cache.Peek(m.center.String())
	if !ok {
		return nil
	}
	return g.Clone()
}

// MatchWithPoints classifies every non-footprint cell of the current grid
// against cloud as seen from observer and updates the smoothed states.
// It returns false when there is no grid, no points or no observer, and
// when another match is still running.
func (m *Manager) MatchWithPoints(ctx context.Context, cloud mesh.PointCloud, observer *r3.Vec) (bool, error) {
	if !m.matchMu.TryLock() {
		droppedMatches.Inc()
		log.Printf("[GRID] Dropping point cloud from %s: match already running", cloud.Timestamp.Format(time.RFC3339Nano))
		return false, nil
	}
	defer m.matchMu.Unlock()

	if observer == nil || len(cloud.Points) == 0 {
		return false, nil
	}

	m.mu.Lock()
	g, ok := m.cache.Peek(m.center.String())
	if m.center.IsZero() || !ok {
		m.mu.Unlock()
		return false, nil
	}
	var (
		targets []*Cell
		boxes   []r3.Box
	)
	for _, c := range g.Cells {
		if _, forced := m.footprint[c.QuadKey.String()]; forced {
			continue
		}
		targets = append(targets, c)
		boxes = append(boxes, c.Box)
	}
	m.mu.Unlock()

	points := make([]r3.Vec, len(cloud.Points))
	for i, p := range cloud.Points {
		points[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}

	start := time.Now()
	states, err := matchBatches(ctx, boxes, points, *observer, m.cfg.Workers)
	if err != nil {
		return false, fmt.Errorf("matching point cloud: %w", err)
	}
	matchDuration.Observe(time.Since(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range targets {
		key := c.QuadKey.String()
		if _, forced := m.footprint[key]; forced {
			continue
		}
		c.State = mesh.Confidence[mesh.OccupancyState]{
			Value:      states[i],
			Confidence: m.tracker.Observe(key, states[i]),
		}
	}
	return true, nil
}

// Scene builds a scene from the current grid.
func (m *Manager) Scene(ts time.Time, ego *mesh.Actor) *mesh.Scene {
	g := m.Grid()
	if g == nil {
		return nil
	}
	scene := &mesh.Scene{
		Timestamp:  ts,
		MeasuredBy: ego,
		Cells:      make([]mesh.SceneCell, 0, g.Len()),
	}
	for _, c := range g.Cells {
		scene.Cells = append(scene.Cells, mesh.SceneCell{
			Hash:  c.QuadKey.QuadInt(),
			State: c.State,
		})
	}
	return scene
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
