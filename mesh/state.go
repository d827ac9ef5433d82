package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LivePosition is the last reported position of an actor.
type LivePosition struct {
	ActorID   string    `json:"actorId"`
	Type      string    `json:"type,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Heading   float64   `json:"heading"` // degrees clockwise from north
	Timestamp time.Time `json:"timestamp"`
	Color     string    `json:"color"` // hex color for this actor
}

// Snapshot is the persisted form of the fused scenes.
type Snapshot struct {
	Fused   map[string]*Scene `json:"fused"`
	Updated time.Time         `json:"updated"`
}

// StateTracker keeps the latest scenes and actor positions for the HTTP
// endpoints.
type StateTracker struct {
	mu        sync.RWMutex
	positions map[string]*LivePosition
	colors    map[string]string // actor ID -> hex color
	local     *Scene
	remote    map[string]*Scene // sector -> last received scene
	fused     map[string]*Scene // sector -> last fused scene
	updated   time.Time
	cachePath string // path to the snapshot cache file; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		positions: make(map[string]*LivePosition),
		colors:    make(map[string]string),
		remote:    make(map[string]*Scene),
		fused:     make(map[string]*Scene),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists the fused
// scenes to cachePath. If the file exists, the cached scenes are loaded on
// creation.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		if snap, err := LoadSnapshot(cachePath); err == nil {
			maps.Copy(st.fused, snap.Fused)
			st.updated = snap.Updated
		}
	}
	return st
}

// SetColor sets the color for an actor
func (st *StateTracker) SetColor(actorID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[actorID] = hexColor
}

// UpdateActor records the position of an actor.
func (st *StateTracker) UpdateActor(a Actor) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.updateActorLocked(a, time.Now())
}

func (st *StateTracker) updateActorLocked(a Actor, ts time.Time) {
	color := st.colors[a.ID]
	if color == "" {
		color = "#FF0000" // default red
	}
	st.positions[a.ID] = &LivePosition{
		ActorID:   a.ID,
		Type:      a.Type,
		Lat:       a.Lat,
		Lon:       a.Lon,
		Heading:   a.Heading,
		Timestamp: ts,
		Color:     color,
	}
}

// UpdateLocalScene stores the scene built from this node's own grid.
func (st *StateTracker) UpdateLocalScene(s *Scene) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.local = s
	if s.MeasuredBy != nil {
		st.updateActorLocked(*s.MeasuredBy, s.Timestamp)
	}
}

// UpdateRemoteScene stores a scene received for sector.
func (st *StateTracker) UpdateRemoteScene(sector string, s *Scene) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.remote[sector] = s
	if s.MeasuredBy != nil {
		st.updateActorLocked(*s.MeasuredBy, s.Timestamp)
	}
}

// UpdateFused replaces the fused scenes of the given sectors and persists
// the result when a cache path is configured.
func (st *StateTracker) UpdateFused(scenes map[string]*Scene) {
	st.mu.Lock()
	maps.Copy(st.fused, scenes)
	st.updated = time.Now()
	snap := &Snapshot{Fused: maps.Clone(st.fused), Updated: st.updated}
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveSnapshot(snap, cachePath); err != nil {
			log.Printf("[HTTP] warning: failed to save snapshot cache: %v", err)
		}
	}
}

// GetPositions returns all current positions
func (st *StateTracker) GetPositions() map[string]*LivePosition {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*LivePosition)
	for k, v := range st.positions {
		copy := *v
		result[k] = &copy
	}
	return result
}

// LocalScene returns the last local scene, or nil.
func (st *StateTracker) LocalScene() *Scene {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.local
}

// RemoteScenes returns the last received scene per sector.
func (st *StateTracker) RemoteScenes() map[string]*Scene {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return maps.Clone(st.remote)
}

// FusedScenes returns the last fused scene per sector.
func (st *StateTracker) FusedScenes() map[string]*Scene {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return maps.Clone(st.fused)
}

// HasScenes returns true if any scene has been recorded.
func (st *StateTracker) HasScenes() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.local != nil || len(st.remote) > 0 || len(st.fused) > 0
}

// LastUpdated returns when the fused scenes last changed.
func (st *StateTracker) LastUpdated() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.updated
}

// SaveSnapshot writes a Snapshot to disk as JSON.
func SaveSnapshot(snap *Snapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot cache: %w", err)
	}
	return nil
}

// LoadSnapshot reads a Snapshot from a JSON file on disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot cache: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot cache: %w", err)
	}
	return &snap, nil
}
