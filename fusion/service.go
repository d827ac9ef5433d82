// Package fusion merges occupancy scenes reported by several observers into
// one scene per distribution sector, weighting each observation by its age.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// ErrNotConfigured is returned by Push before a sector has been set.
var ErrNotConfigured = errors.New("fusion sector not configured")

// Config configures a Service.
type Config struct {
	OccupancyLevel    int
	DistributionLevel int
	Lambda            float64
	HistoryDepth      int
}

// ConfigFromMesh extracts the fusion settings from the node configuration.
func ConfigFromMesh(cfg *mesh.Config) Config {
	return Config{
		OccupancyLevel:    cfg.Tiles.OccupancyLevel,
		DistributionLevel: cfg.Tiles.RemoteLevel,
		Lambda:            cfg.Fusion.Lambda,
		HistoryDepth:      cfg.Fusion.HistoryDepth,
	}
}

// OccupantCandidate is one observer's opinion about who occupies a cell.
type OccupantCandidate struct {
	Sender   string
	Weight   float64
	Occupant mesh.Confidence[*mesh.Actor]
}

// OccupantFuser decides the occupant of a fused cell.
type OccupantFuser interface {
	FuseOccupant(hash uint64, candidates []OccupantCandidate) *mesh.Confidence[*mesh.Actor]
}

// NoOccupant reports no occupant with confidence 0 for every cell.
type NoOccupant struct{}

func (NoOccupant) FuseOccupant(uint64, []OccupantCandidate) *mesh.Confidence[*mesh.Actor] {
	return &mesh.Confidence[*mesh.Actor]{}
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithOccupantFuser replaces the default NoOccupant fuser.
func WithOccupantFuser(f OccupantFuser) Option {
	return func(s *Service) { s.occupants = f }
}

// observation is one pushed scene with its state matrix aligned to the
// current sector: one row per cell, one column per state, NaN rows for
// cells the scene did not cover.
type observation struct {
	sender    string
	scene     *mesh.Scene
	received  time.Time
	states    *mat.Dense
	occupants map[int]mesh.Confidence[*mesh.Actor]
}

// Service keeps a bounded history of observations per sender for one sector
// and fuses them on demand.
type Service struct {
	cfg       Config
	now       func() time.Time
	occupants OccupantFuser

	mu      sync.Mutex
	sector  quadkey.QuadKey
	cells   []quadkey.QuadKey
	index   map[uint64]int
	// TODO: drop senders whose newest observation is past a retention window.
	history map[string][]*observation

	fuseMu sync.Mutex
}

// New creates a service without a sector.
func New(cfg Config, opts ...Option) *Service {
	if cfg.HistoryDepth < 1 {
		cfg.HistoryDepth = 1
	}
	s := &Service{
		cfg:       cfg,
		now:       time.Now,
		occupants: NoOccupant{},
		history:   make(map[string][]*observation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sector returns the sector being fused, or the zero key.
func (s *Service) Sector() quadkey.QuadKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sector
}

// Len returns the number of retained observations across all senders.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained()
}

func (s *Service) retained() int {
	n := 0
	for _, h := range s.history {
		n += len(h)
	}
	return n
}

// SetSector fixes the cell index to the occupancy-level tiles of sector.
// Retained observations are re-aligned to the new index; cells outside the
// new sector stop contributing.
func (s *Service) SetSector(sector quadkey.QuadKey) error {
	if sector.IsZero() {
		return fmt.Errorf("%w: empty sector", quadkey.ErrInvalidQuadKey)
	}
	if sector.Level() > s.cfg.OccupancyLevel {
		return fmt.Errorf("%w: sector level %d exceeds occupancy level %d",
			quadkey.ErrInvalidLevel, sector.Level(), s.cfg.OccupancyLevel)
	}

	cells := []quadkey.QuadKey{sector}
	if sector.Level() < s.cfg.OccupancyLevel {
		cells = sector.Children(s.cfg.OccupancyLevel)
	}
	index := make(map[uint64]int, len(cells))
	for i, c := range cells {
		index[c.QuadInt()] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sector == s.sector {
		return nil
	}
	s.sector = sector
	s.cells = cells
	s.index = index
	for _, h := range s.history {
		for _, o := range h {
			o.states, o.occupants = s.align(o.scene)
		}
	}
	log.Printf("[FUSION] Sector set to %s (%d cells, %d retained observations)", sector, len(cells), s.retained())
	return nil
}

// align builds the state matrix of scene against the current index. Must
// be called with s.mu held.
func (s *Service) align(scene *mesh.Scene) (*mat.Dense, map[int]mesh.Confidence[*mesh.Actor]) {
	cols := len(mesh.OccupancyStates)
	data := make([]float64, len(s.cells)*cols)
	for i := range data {
		data[i] = math.NaN()
	}
	states := mat.NewDense(len(s.cells), cols, data)

	var occupants map[int]mesh.Confidence[*mesh.Actor]
	for _, c := range scene.Cells {
		row, ok := s.index[c.Hash]
		if !ok {
			continue
		}
		for j, st := range mesh.OccupancyStates {
			v := 0.0
			if st == c.State.Value {
				v = c.State.Confidence
			}
			states.Set(row, j, v)
		}
		if c.Occupant != nil {
			if occupants == nil {
				occupants = make(map[int]mesh.Confidence[*mesh.Actor])
			}
			occupants[row] = *c.Occupant
		}
	}
	return states, occupants
}

// Push records a scene reported by sender. The sender's oldest observation
// is evicted once its history is full; other senders are unaffected.
func (s *Service) Push(sender string, scene *mesh.Scene) error {
	if scene == nil {
		return errors.New("nil scene")
	}
	if err := scene.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sector.IsZero() {
		return ErrNotConfigured
	}

	o := &observation{sender: sender, scene: scene, received: s.now()}
	o.states, o.occupants = s.align(scene)

	h := s.history[sender]
	if len(h) >= s.cfg.HistoryDepth {
		h = append(h[:0], h[len(h)-s.cfg.HistoryDepth+1:]...)
	}
	s.history[sender] = append(h, o)

	pushes.Inc()
	historySize.Set(float64(s.retained()))
	return nil
}

// weight is the exponential decay factor of an observation taken at ts.
// Ages are quantised to tenths of a second.
func (s *Service) weight(now, ts time.Time) float64 {
	age := math.Max(0, math.Round(now.Sub(ts).Seconds()*10))
	return math.Exp(-s.cfg.Lambda * age)
}

// Get fuses every retained observation younger than maxAge and returns one
// scene per distribution sector. It reports false when there is nothing to
// fuse or when another fusion is still running.
func (s *Service) Get(maxAge time.Duration) (map[string]*mesh.Scene, bool) {
	if !s.fuseMu.TryLock() {
		droppedFusions.Inc()
		log.Printf("[FUSION] Dropping fusion request: previous fusion still running")
		return nil, false
	}
	defer s.fuseMu.Unlock()

	now := s.now()

	s.mu.Lock()
	cells := s.cells
	// Copies: SetSector swaps the matrices of retained observations.
	var live []observation
	for _, sender := range slices.Sorted(maps.Keys(s.history)) {
		for _, o := range s.history[sender] {
			if now.Sub(o.scene.Timestamp) <= maxAge {
				live = append(live, *o)
			}
		}
	}
	s.mu.Unlock()

	if len(live) == 0 {
		return nil, false
	}

	start := time.Now()
	defer func() { fuseDuration.Observe(time.Since(start).Seconds()) }()

	rows, cols := len(cells), len(mesh.OccupancyStates)
	sum := mat.NewDense(rows, cols, nil)
	contributing := make([]float64, rows)
	maxCell := make([]float64, rows)
	maxWeight := 0.0
	weights := make([]float64, len(live))

	for i, o := range live {
		w := s.weight(now, o.scene.Timestamp)
		weights[i] = w
		maxWeight = math.Max(maxWeight, w)
		for r := range rows {
			row := o.states.RawRowView(r)
			if math.IsNaN(row[0]) {
				continue
			}
			contributing[r] += w
			maxCell[r] = math.Max(maxCell[r], w)
			floats.AddScaled(sum.RawRowView(r), w, row)
		}
	}
	if maxWeight == 0 {
		return nil, false
	}

	var minTS, maxTS, lastTS time.Time
	var lastReceived time.Time
	for i, o := range live {
		ts := o.scene.Timestamp
		if i == 0 || ts.Before(minTS) {
			minTS = ts
		}
		if i == 0 || ts.After(maxTS) {
			maxTS = ts
		}
		if i == 0 || !o.received.Before(lastReceived) {
			lastReceived, lastTS = o.received, ts
		}
	}

	out := make(map[string]*mesh.Scene)
	for r := range rows {
		if contributing[r] == 0 {
			continue
		}
		row := sum.RawRowView(r)
		floats.Scale(maxCell[r]/(contributing[r]*maxWeight), row)

		idx := floats.MaxIdx(row)
		state := mesh.Confidence[mesh.OccupancyState]{Value: mesh.OccupancyStates[idx], Confidence: row[idx]}
		if row[idx] == 0 {
			state = mesh.Confidence[mesh.OccupancyState]{Value: mesh.Unknown}
		}

		hash := cells[r].QuadInt()
		var candidates []OccupantCandidate
		for i, o := range live {
			if occ, ok := o.occupants[r]; ok {
				candidates = append(candidates, OccupantCandidate{Sender: o.sender, Weight: weights[i], Occupant: occ})
			}
		}

		key := cells[r].Truncate(s.cfg.DistributionLevel).String()
		scene, ok := out[key]
		if !ok {
			scene = &mesh.Scene{
				Timestamp:     now,
				MinTimestamp:  &minTS,
				MaxTimestamp:  &maxTS,
				LastTimestamp: &lastTS,
			}
			out[key] = scene
		}
		scene.Cells = append(scene.Cells, mesh.SceneCell{
			Hash:     hash,
			State:    state,
			Occupant: s.occupants.FuseOccupant(hash, candidates),
		})
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Run fuses every interval and hands each output scene to emit in sector
// order until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval, maxAge time.Duration, emit func(sector string, scene *mesh.Scene)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, ok := s.Get(maxAge)
			if !ok {
				continue
			}
			keys := make([]string, 0, len(out))
			for k := range out {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				emit(k, out[k])
			}
		}
	}
}
