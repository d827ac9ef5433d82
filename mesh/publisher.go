package mesh

import (
	"fmt"
	"log"
	"sync"
)

// ScenePublisher publishes fused scenes to their sector topics and remembers
// the last scene sent for each sector.
type ScenePublisher struct {
	bridge Bridge
	codec  Codec
	prefix string
	last   map[string]*Scene
	mu     sync.RWMutex
}

// NewScenePublisher creates a publisher writing to {prefix}/{sector}.
// If bridge is nil, scenes are only recorded (for testing).
func NewScenePublisher(bridge Bridge, codec Codec, prefix string) *ScenePublisher {
	if prefix == "" {
		prefix = "pemesh/fused"
	}
	return &ScenePublisher{
		bridge: bridge,
		codec:  codec,
		prefix: prefix,
		last:   make(map[string]*Scene),
	}
}

// Topic returns the topic a sector's scenes are published on.
func (p *ScenePublisher) Topic(sector string) string {
	return fmt.Sprintf("%s/%s", p.prefix, sector)
}

// PublishScene encodes scene and publishes it for sector.
func (p *ScenePublisher) PublishScene(sector string, scene *Scene) error {
	p.mu.Lock()
	p.last[sector] = scene
	p.mu.Unlock()

	if p.bridge == nil || !p.bridge.IsConnected() {
		return ErrNotConnected
	}

	payload, err := p.codec.Encode(scene)
	if err != nil {
		return fmt.Errorf("encoding scene for %s: %w", sector, err)
	}

	topic := p.Topic(sector)
	if err := p.bridge.Publish(topic, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	publishedScenes.WithLabelValues("fused").Inc()

	log.Printf("[EDGE] Published %d fused cells to %s (%d bytes)", len(scene.Cells), topic, len(payload))
	return nil
}

// LastScene returns the last scene published for sector.
func (p *ScenePublisher) LastScene(sector string) (*Scene, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.last[sector]
	return s, ok
}

// LastScenes returns a copy of the last scene per sector.
func (p *ScenePublisher) LastScenes() map[string]*Scene {
	p.mu.RLock()
	defer p.mu.RUnlock()

	scenes := make(map[string]*Scene, len(p.last))
	for sector, s := range p.last {
		scenes[sector] = s
	}
	return scenes
}

// ClearSector forgets the last scene of sector.
func (p *ScenePublisher) ClearSector(sector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, sector)
}
