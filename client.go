package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/pemesh/fusion"
	"github.com/kwv/pemesh/grid"
	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// clientNode is the vehicle side: sensors drive the grid engine, local
// scenes go to the owning edge node, and scenes from the surrounding
// sectors are fused locally.
type clientNode struct {
	cfg        *mesh.Config
	codec      mesh.Codec
	grid       *grid.Manager
	projection grid.Projection
	fusion     *fusion.Service
	subs       *mesh.TileSubscriptionManager
	state      *mesh.StateTracker

	mu     sync.Mutex
	fix    mesh.GeoFix
	hasFix bool
	sector quadkey.QuadKey // fusion sector
}

func newClientNode(cfg *mesh.Config, codec mesh.Codec, dial mesh.Dialer, state *mesh.StateTracker) (*clientNode, error) {
	gridCfg := grid.ConfigFromMesh(cfg)
	mgr, err := grid.NewManager(gridCfg)
	if err != nil {
		return nil, err
	}

	c := &clientNode{
		cfg:        cfg,
		codec:      codec,
		grid:       mgr,
		projection: gridCfg.Projection,
		fusion:     fusion.New(fusion.ConfigFromMesh(cfg)),
		state:      state,
	}
	c.subs = mesh.NewTileSubscriptionManager(mesh.SubscriptionOptionsFromConfig(cfg), dial, codec, c.handleScene)
	return c, nil
}

// Close releases the edge connections.
func (c *clientNode) Close() {
	c.subs.Close()
}

func (c *clientNode) egoActor(fix mesh.GeoFix) mesh.Actor {
	return mesh.Actor{
		ID:      c.cfg.Node.ID,
		Type:    c.cfg.Vehicle.Type,
		Lat:     fix.Lat,
		Lon:     fix.Lon,
		Alt:     fix.Alt,
		Heading: fix.Heading,
		Length:  c.cfg.Vehicle.Length,
		Width:   c.cfg.Vehicle.Width,
	}
}

func (c *clientNode) lastFix() (mesh.GeoFix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fix, c.hasFix
}

// fusionSector is the parent of the remote sector, so the local fusion
// covers the sector and part of its neighbourhood.
func (c *clientNode) fusionSector(center quadkey.QuadKey) quadkey.QuadKey {
	sector := center.Truncate(c.cfg.Tiles.RemoteLevel)
	if sector.Level() > quadkey.MinLevel {
		return sector.Parent()
	}
	return sector
}

// handleFix moves the grid, the ego footprint, the subscriptions and the
// fusion sector to the new position.
func (c *clientNode) handleFix(ctx context.Context, fix mesh.GeoFix) {
	c.mu.Lock()
	c.fix = fix
	c.hasFix = true
	c.mu.Unlock()

	c.state.UpdateActor(c.egoActor(fix))

	changed, err := c.grid.UpdatePosition(fix)
	if err != nil {
		log.Printf("[CLIENT] Ignoring fix (%.6f, %.6f): %v", fix.Lat, fix.Lon, err)
		return
	}

	footprint, err := grid.FootprintQuadKeys(fix.Lat, fix.Lon, fix.Heading,
		c.cfg.Vehicle.Length, c.cfg.Vehicle.Width, c.grid.Level())
	if err != nil {
		log.Printf("[CLIENT] Footprint: %v", err)
	} else {
		c.grid.SetEgoFootprint(footprint)
	}

	if !changed {
		return
	}
	center := c.grid.Center()
	c.subs.UpdatePosition(ctx, center)

	sector := c.fusionSector(center)
	c.mu.Lock()
	moved := sector != c.sector
	c.sector = sector
	c.mu.Unlock()
	if moved {
		if err := c.fusion.SetSector(sector); err != nil {
			log.Printf("[CLIENT] Fusion sector %s: %v", sector, err)
			return
		}
		log.Printf("[CLIENT] Fusing sector %s", sector)
	}
}

// handleCloud matches a sweep against the grid and distributes the
// resulting scene.
func (c *clientNode) handleCloud(ctx context.Context, cloud mesh.PointCloud) {
	fix, ok := c.lastFix()
	if !ok {
		log.Printf("[CLIENT] Dropping point cloud: no position yet")
		return
	}

	x, y := c.projection.Project(fix.Lat, fix.Lon)
	observer := r3.Vec{X: x, Y: y, Z: c.cfg.Vehicle.SensorHeight}
	matched, err := c.grid.MatchWithPoints(ctx, cloud, &observer)
	if err != nil {
		log.Printf("[CLIENT] Matching point cloud: %v", err)
		return
	}
	if !matched {
		return
	}

	ego := c.egoActor(fix)
	scene := c.grid.Scene(cloud.Timestamp, &ego)
	if scene == nil {
		return
	}
	if err := c.publishScene(scene); err != nil {
		log.Printf("[CLIENT] Warning: %v", err)
	}
}

// publishScene records scene locally, feeds the local fusion and sends it
// to the sectors it touches.
func (c *clientNode) publishScene(scene *mesh.Scene) error {
	c.state.UpdateLocalScene(scene)
	if err := c.fusion.Push(c.cfg.Node.ID, scene); err != nil && !errors.Is(err, fusion.ErrNotConfigured) {
		log.Printf("[CLIENT] Local fusion rejected scene: %v", err)
	}

	g := c.grid.Grid()
	if g == nil {
		return nil
	}
	encoded, err := c.codec.Encode(scene)
	if err != nil {
		return fmt.Errorf("encoding scene: %w", err)
	}
	if err := c.subs.PublishGraph(encoded, g.Keys()); err != nil {
		return fmt.Errorf("publishing scene: %w", err)
	}
	return nil
}

// handleScene receives fused scenes from the subscribed sectors.
func (c *clientNode) handleScene(sector string, scene *mesh.Scene) {
	c.state.UpdateRemoteScene(sector, scene)
	if err := c.fusion.Push("sector:"+sector, scene); err != nil && !errors.Is(err, fusion.ErrNotConfigured) {
		log.Printf("[CLIENT] Local fusion rejected sector %s: %v", sector, err)
	}
}

// emit records one locally fused sector.
func (c *clientNode) emit(sector string, scene *mesh.Scene) {
	c.state.UpdateFused(map[string]*mesh.Scene{sector: scene})
}

// superviseSubscriptions retries missing edge connections every interval
// until ctx is cancelled.
func (c *clientNode) superviseSubscriptions(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.subs.Active() {
				c.subs.Refresh(ctx)
			}
		}
	}
}
