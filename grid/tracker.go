package grid

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/kwv/pemesh/mesh"
)

// Tracker smooths per-cell observations with a fixed-length sliding window
// of booleans for every (cell, state) pair it has seen.
type Tracker struct {
	mu      sync.Mutex
	length  int
	offset  float64
	windows map[string]map[mesh.OccupancyState][]float64
}

// NewTracker creates a tracker with windows of length samples. Confidence
// is the window mean minus offset, floored at zero.
func NewTracker(length int, offset float64) *Tracker {
	if length < 1 {
		length = 1
	}
	return &Tracker{
		length:  length,
		offset:  offset,
		windows: make(map[string]map[mesh.OccupancyState][]float64),
	}
}

// Observe runs one update cycle for cell: the observed state is reinforced
// and every other state tracked for the cell decays. It returns the
// smoothed confidence of the observed state.
func (t *Tracker) Observe(cell string, observed mesh.OccupancyState) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	states, ok := t.windows[cell]
	if !ok {
		states = make(map[mesh.OccupancyState][]float64)
		t.windows[cell] = states
	}
	if _, ok := states[observed]; !ok {
		states[observed] = make([]float64, 0, t.length)
	}

	for state, w := range states {
		v := 0.0
		if state == observed {
			v = 1
		}
		if len(w) == t.length {
			w = append(w[:0], w[1:]...)
		}
		states[state] = append(w, v)
	}
	return t.confidence(states[observed])
}

// Confidence returns the current smoothed confidence of state for cell.
func (t *Tracker) Confidence(cell string, state mesh.OccupancyState) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confidence(t.windows[cell][state])
}

func (t *Tracker) confidence(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	return math.Max(0, stat.Mean(w, nil)-t.offset)
}

// Retain drops the windows of every cell not in keep.
func (t *Tracker) Retain(keep map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cell := range t.windows {
		if _, ok := keep[cell]; !ok {
			delete(t.windows, cell)
		}
	}
}

// Len returns the number of tracked cells.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}
