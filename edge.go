package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/kwv/pemesh/fusion"
	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// edgeNode fuses the raw scenes published for the sectors of one edge tile.
type edgeNode struct {
	tile      quadkey.QuadKey
	codec     mesh.Codec
	fusion    *fusion.Service
	publisher *mesh.ScenePublisher
	state     *mesh.StateTracker
}

func newEdgeNode(cfg *mesh.Config, codec mesh.Codec, bridge mesh.Bridge, state *mesh.StateTracker) (*edgeNode, error) {
	if cfg.Node.Tile == "" {
		return nil, fmt.Errorf("edge mode requires node.tile")
	}
	tile, err := quadkey.New(cfg.Node.Tile)
	if err != nil {
		return nil, fmt.Errorf("node.tile: %w", err)
	}

	svc := fusion.New(fusion.ConfigFromMesh(cfg))
	if err := svc.SetSector(tile); err != nil {
		return nil, fmt.Errorf("configuring fusion for %s: %w", tile, err)
	}
	return &edgeNode{
		tile:      tile,
		codec:     codec,
		fusion:    svc,
		publisher: mesh.NewScenePublisher(bridge, codec, cfg.MQTT.FusedPrefix),
		state:     state,
	}, nil
}

// handleRaw receives {rawPrefix}/{sector}. Sectors outside the tile belong
// to another edge node and are ignored.
func (e *edgeNode) handleRaw(topic string, payload []byte) {
	sector := topic[strings.LastIndex(topic, "/")+1:]
	if !strings.HasPrefix(sector, e.tile.String()) {
		return
	}

	scene, err := e.codec.Decode(payload)
	if err != nil {
		log.Printf("[EDGE] Dropping scene on %s: %v", topic, err)
		return
	}

	sender := sector
	if scene.MeasuredBy != nil && scene.MeasuredBy.ID != "" {
		sender = scene.MeasuredBy.ID
	}
	e.state.UpdateRemoteScene(sector, scene)
	if err := e.fusion.Push(sender, scene); err != nil {
		log.Printf("[EDGE] Rejected scene from %s: %v", sender, err)
	}
}

// emit records and publishes one fused sector.
func (e *edgeNode) emit(sector string, scene *mesh.Scene) {
	e.state.UpdateFused(map[string]*mesh.Scene{sector: scene})
	if err := e.publisher.PublishScene(sector, scene); err != nil {
		log.Printf("[EDGE] Error publishing sector %s: %v", sector, err)
	}
}
