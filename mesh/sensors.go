package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// SensorFeed receives geo fixes and point clouds published by the local
// sensor bindings: JSON fixes on {prefix}/gnss and CBOR clouds on
// {prefix}/lidar.
type SensorFeed struct {
	bridge Bridge
	prefix string

	mu      sync.RWMutex
	onFix   func(GeoFix)
	onCloud func(PointCloud)
	lastFix *GeoFix
}

// NewSensorFeed creates a feed reading from bridge under prefix.
func NewSensorFeed(bridge Bridge, prefix string) *SensorFeed {
	if prefix == "" {
		prefix = "pemesh/sensors"
	}
	return &SensorFeed{bridge: bridge, prefix: prefix}
}

// GNSSTopic returns the topic geo fixes arrive on.
func (f *SensorFeed) GNSSTopic() string { return f.prefix + "/gnss" }

// LidarTopic returns the topic point clouds arrive on.
func (f *SensorFeed) LidarTopic() string { return f.prefix + "/lidar" }

// OnFix sets the handler for decoded geo fixes.
func (f *SensorFeed) OnFix(h func(GeoFix)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFix = h
}

// OnCloud sets the handler for decoded point clouds.
func (f *SensorFeed) OnCloud(h func(PointCloud)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCloud = h
}

// Start subscribes to both sensor topics.
func (f *SensorFeed) Start() error {
	if err := f.bridge.Subscribe(f.GNSSTopic(), f.handleFix); err != nil {
		return fmt.Errorf("subscribing to gnss: %w", err)
	}
	if err := f.bridge.Subscribe(f.LidarTopic(), f.handleCloud); err != nil {
		return fmt.Errorf("subscribing to lidar: %w", err)
	}
	log.Printf("[CLIENT] Listening for sensors on %s/{gnss,lidar}", f.prefix)
	return nil
}

// Stop unsubscribes from the sensor topics.
func (f *SensorFeed) Stop() {
	for _, topic := range []string{f.GNSSTopic(), f.LidarTopic()} {
		if err := f.bridge.Unsubscribe(topic); err != nil {
			log.Printf("[CLIENT] Error unsubscribing from %s: %v", topic, err)
		}
	}
}

// LastFix returns the most recent fix.
func (f *SensorFeed) LastFix() (GeoFix, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastFix == nil {
		return GeoFix{}, false
	}
	return *f.lastFix, true
}

func (f *SensorFeed) handleFix(topic string, payload []byte) {
	var fix GeoFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		decodeFailures.WithLabelValues("sensors").Inc()
		log.Printf("[CLIENT] Dropping fix on %s: %v", topic, err)
		return
	}

	f.mu.Lock()
	f.lastFix = &fix
	h := f.onFix
	f.mu.Unlock()

	if h != nil {
		h(fix)
	}
}

func (f *SensorFeed) handleCloud(topic string, payload []byte) {
	cloud, err := DecodePointCloud(payload)
	if err != nil {
		decodeFailures.WithLabelValues("sensors").Inc()
		log.Printf("[CLIENT] Dropping point cloud on %s: %v", topic, err)
		return
	}

	f.mu.RLock()
	h := f.onCloud
	f.mu.RUnlock()

	if h != nil {
		h(cloud)
	}
}

// EncodePointCloud encodes a point cloud for the lidar topic.
func EncodePointCloud(cloud PointCloud) ([]byte, error) {
	data, err := cbor.Marshal(cloud)
	if err != nil {
		return nil, fmt.Errorf("encoding point cloud: %w", err)
	}
	return data, nil
}

// DecodePointCloud decodes a lidar payload.
func DecodePointCloud(data []byte) (PointCloud, error) {
	var cloud PointCloud
	if len(data) == 0 {
		return cloud, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if err := cbor.Unmarshal(data, &cloud); err != nil {
		return cloud, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cloud, nil
}
