package mesh

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kwv/pemesh/quadkey"
)

// LoadConfig loads the configuration from a YAML file, applies defaults and
// validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.MQTT.RawPrefix == "" {
		c.MQTT.RawPrefix = "pemesh/raw"
	}
	if c.MQTT.FusedPrefix == "" {
		c.MQTT.FusedPrefix = "pemesh/fused"
	}

	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.Codec == "" {
		c.Node.Codec = "cbor"
	}

	if c.Tiles.OccupancyLevel == 0 {
		c.Tiles.OccupancyLevel = 24
	}
	if c.Tiles.RemoteLevel == 0 {
		c.Tiles.RemoteLevel = 20
	}
	if c.Tiles.EdgeLevel == 0 {
		c.Tiles.EdgeLevel = 18
	}

	if c.Grid.Radius == 0 {
		c.Grid.Radius = 5
	}
	if c.Grid.Incremental == nil {
		enabled := true
		c.Grid.Incremental = &enabled
	}
	if c.Grid.CacheSize == 0 {
		c.Grid.CacheSize = 64
	}
	if c.Grid.CellHeight == 0 {
		c.Grid.CellHeight = 2.5
	}
	if c.Grid.Workers == 0 {
		c.Grid.Workers = runtime.NumCPU()
	}
	if c.Grid.Window == 0 {
		c.Grid.Window = 5
	}
	if c.Grid.ConfidenceOffset == 0 {
		c.Grid.ConfidenceOffset = 0.1
	}

	if c.Fusion.Lambda == 0 {
		c.Fusion.Lambda = 0.05
	}
	if c.Fusion.HistoryDepth == 0 {
		c.Fusion.HistoryDepth = 10
	}
	if c.Fusion.Interval == 0 {
		c.Fusion.Interval = 500 * time.Millisecond
	}
	if c.Fusion.MaxAge == 0 {
		c.Fusion.MaxAge = 10 * time.Second
	}

	if c.Subscription.HostTemplate == "" {
		c.Subscription.HostTemplate = "edge-{tile}.pemesh.local"
	}
	if c.Subscription.Port == 0 {
		c.Subscription.Port = 1883
	}
	if c.Subscription.ConnectTimeout == 0 {
		c.Subscription.ConnectTimeout = 5 * time.Second
	}
	if c.Subscription.RateLimit == 0 {
		c.Subscription.RateLimit = 100 * time.Millisecond
	}

	if c.Sensors.Prefix == "" {
		c.Sensors.Prefix = "pemesh/sensors"
	}

	if c.Vehicle.Type == "" {
		c.Vehicle.Type = "vehicle.car"
	}
	if c.Vehicle.Length == 0 {
		c.Vehicle.Length = 4.5
	}
	if c.Vehicle.Width == 0 {
		c.Vehicle.Width = 1.9
	}
	if c.Vehicle.SensorHeight == 0 {
		c.Vehicle.SensorHeight = 1.8
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
}

// MaxFusionDepth bounds the number of levels between a fused sector and its
// occupancy cells.
const MaxFusionDepth = 8

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	if c.Node.Codec != "cbor" && c.Node.Codec != "json" {
		return fmt.Errorf("node.codec must be cbor or json, got %q", c.Node.Codec)
	}
	if c.Node.Tile != "" {
		tile, err := quadkey.New(c.Node.Tile)
		if err != nil {
			return fmt.Errorf("node.tile: %w", err)
		}
		if tile.Level() != c.Tiles.EdgeLevel {
			return fmt.Errorf("node.tile must be at tiles.edgeLevel %d, got level %d", c.Tiles.EdgeLevel, tile.Level())
		}
	}

	t := c.Tiles
	for name, level := range map[string]int{
		"tiles.occupancyLevel": t.OccupancyLevel,
		"tiles.remoteLevel":    t.RemoteLevel,
		"tiles.edgeLevel":      t.EdgeLevel,
	} {
		if level < quadkey.MinLevel || level > quadkey.MaxLevel {
			return fmt.Errorf("%s must be in [%d, %d], got %d", name, quadkey.MinLevel, quadkey.MaxLevel, level)
		}
	}
	if !(t.EdgeLevel <= t.RemoteLevel && t.RemoteLevel <= t.OccupancyLevel) {
		return fmt.Errorf("tiles levels must satisfy edgeLevel <= remoteLevel <= occupancyLevel, got %d/%d/%d",
			t.EdgeLevel, t.RemoteLevel, t.OccupancyLevel)
	}
	// Fusion indexes 4^(occupancyLevel - sectorLevel) cells per observation.
	// Edges fuse their tile, clients the parent of their remote sector.
	if gap := t.OccupancyLevel - t.EdgeLevel; gap > MaxFusionDepth {
		return fmt.Errorf("tiles.occupancyLevel - tiles.edgeLevel must be at most %d, got %d", MaxFusionDepth, gap)
	}
	if gap := t.OccupancyLevel - t.RemoteLevel + 1; gap > MaxFusionDepth {
		return fmt.Errorf("tiles.occupancyLevel - tiles.remoteLevel must be at most %d, got %d", MaxFusionDepth-1, gap-1)
	}

	if c.Grid.Radius < 1 {
		return fmt.Errorf("grid.radius must be at least 1, got %d", c.Grid.Radius)
	}
	if c.Grid.Workers < 1 {
		return fmt.Errorf("grid.workers must be at least 1, got %d", c.Grid.Workers)
	}
	if c.Grid.ConfidenceOffset < 0 || c.Grid.ConfidenceOffset >= 1 {
		return fmt.Errorf("grid.confidenceOffset must be in [0, 1), got %g", c.Grid.ConfidenceOffset)
	}

	if c.Fusion.Lambda < 0 {
		return fmt.Errorf("fusion.lambda must not be negative, got %g", c.Fusion.Lambda)
	}
	if c.Fusion.HistoryDepth < 1 {
		return fmt.Errorf("fusion.historyDepth must be at least 1, got %d", c.Fusion.HistoryDepth)
	}

	for tile := range c.Subscription.Edges {
		if _, err := quadkey.New(tile); err != nil {
			return fmt.Errorf("subscription.edges: %w", err)
		}
	}

	return nil
}
