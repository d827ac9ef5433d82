package mesh

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  clientId: pemesh-test
node:
  id: car-1
  codec: json
tiles:
  occupancyLevel: 22
  remoteLevel: 19
  edgeLevel: 16
grid:
  radius: 3
  incremental: false
fusion:
  lambda: 0.1
  interval: 250ms
subscription:
  edges:
    "1202032330120203": "tcp://edge-a:1883"
projection:
  originLat: 48.137154
  originLon: 11.576124
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want a not found error", err)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q, want %q", cfg.MQTT.Broker, "tcp://localhost:1883")
	}
	if cfg.Node.ID != "car-1" || cfg.Node.Codec != "json" {
		t.Errorf("Node = %+v, want id car-1 with json codec", cfg.Node)
	}
	if cfg.Tiles != (TilesConfig{OccupancyLevel: 22, RemoteLevel: 19, EdgeLevel: 16}) {
		t.Errorf("Tiles = %+v", cfg.Tiles)
	}
	if cfg.Grid.Radius != 3 {
		t.Errorf("Grid.Radius = %d, want 3", cfg.Grid.Radius)
	}
	if cfg.Grid.IncrementalEnabled() {
		t.Error("incremental: false should disable incremental recompute")
	}
	if cfg.Fusion.Lambda != 0.1 {
		t.Errorf("Fusion.Lambda = %g, want 0.1", cfg.Fusion.Lambda)
	}
	if cfg.Fusion.Interval != 250*time.Millisecond {
		t.Errorf("Fusion.Interval = %s, want 250ms", cfg.Fusion.Interval)
	}
	if got := cfg.Subscription.Edges["1202032330120203"]; got != "tcp://edge-a:1883" {
		t.Errorf("Subscription.Edges = %v", cfg.Subscription.Edges)
	}
	if cfg.Projection.OriginLat != 48.137154 {
		t.Errorf("Projection.OriginLat = %g", cfg.Projection.OriginLat)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://localhost:1883\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Node.ID == "" {
		t.Error("Node.ID should default to a generated ID")
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"mqtt.rawPrefix", cfg.MQTT.RawPrefix, "pemesh/raw"},
		{"mqtt.fusedPrefix", cfg.MQTT.FusedPrefix, "pemesh/fused"},
		{"node.codec", cfg.Node.Codec, "cbor"},
		{"tiles.occupancyLevel", cfg.Tiles.OccupancyLevel, 24},
		{"tiles.remoteLevel", cfg.Tiles.RemoteLevel, 20},
		{"tiles.edgeLevel", cfg.Tiles.EdgeLevel, 18},
		{"grid.radius", cfg.Grid.Radius, 5},
		{"grid.incremental", cfg.Grid.IncrementalEnabled(), true},
		{"grid.cacheSize", cfg.Grid.CacheSize, 64},
		{"grid.workers", cfg.Grid.Workers, runtime.NumCPU()},
		{"grid.window", cfg.Grid.Window, 5},
		{"fusion.lambda", cfg.Fusion.Lambda, 0.05},
		{"fusion.historyDepth", cfg.Fusion.HistoryDepth, 10},
		{"fusion.maxAge", cfg.Fusion.MaxAge, 10 * time.Second},
		{"subscription.port", cfg.Subscription.Port, 1883},
		{"sensors.prefix", cfg.Sensors.Prefix, "pemesh/sensors"},
		{"vehicle.length", cfg.Vehicle.Length, 4.5},
		{"http.port", cfg.HTTP.Port, 8080},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadConfig_BrokerFromEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	path := writeConfig(t, "node:\n  id: car-1\n")

	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig with MQTT_BROKER set: %v", err)
	}
}

func TestValidate_FusionDepthAtLimit(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://b:1883\ntiles:\n  occupancyLevel: 24\n  remoteLevel: 17\n  edgeLevel: 16\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("expected a gap of %d levels to be accepted, got %v", MaxFusionDepth, err)
	}
	if cfg.Tiles.OccupancyLevel-cfg.Tiles.EdgeLevel != MaxFusionDepth {
		t.Errorf("unexpected levels %+v", cfg.Tiles)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "mqtt: [broker\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing broker",
			yaml: "mqtt:\n  broker: \"\"\n",
		},
		{
			name: "qos out of range",
			yaml: "mqtt:\n  broker: tcp://b:1883\n  qos: 3\n",
		},
		{
			name: "unknown codec",
			yaml: "mqtt:\n  broker: tcp://b:1883\nnode:\n  codec: xml\n",
		},
		{
			name: "invalid node tile",
			yaml: "mqtt:\n  broker: tcp://b:1883\nnode:\n  tile: \"1204\"\n",
		},
		{
			name: "node tile at wrong level",
			yaml: "mqtt:\n  broker: tcp://b:1883\nnode:\n  tile: \"1202\"\n",
		},
		{
			name: "level out of range",
			yaml: "mqtt:\n  broker: tcp://b:1883\ntiles:\n  occupancyLevel: 40\n",
		},
		{
			name: "levels out of order",
			yaml: "mqtt:\n  broker: tcp://b:1883\ntiles:\n  occupancyLevel: 18\n  remoteLevel: 20\n  edgeLevel: 16\n",
		},
		{
			name: "edge tile too coarse for fusion",
			yaml: "mqtt:\n  broker: tcp://b:1883\ntiles:\n  occupancyLevel: 24\n  remoteLevel: 20\n  edgeLevel: 14\n",
		},
		{
			name: "remote sector too coarse for fusion",
			yaml: "mqtt:\n  broker: tcp://b:1883\ntiles:\n  occupancyLevel: 24\n  remoteLevel: 16\n  edgeLevel: 16\n",
		},
		{
			name: "negative radius",
			yaml: "mqtt:\n  broker: tcp://b:1883\ngrid:\n  radius: -1\n",
		},
		{
			name: "confidence offset of one",
			yaml: "mqtt:\n  broker: tcp://b:1883\ngrid:\n  confidenceOffset: 1\n",
		},
		{
			name: "negative lambda",
			yaml: "mqtt:\n  broker: tcp://b:1883\nfusion:\n  lambda: -0.5\n",
		},
		{
			name: "invalid edge tile",
			yaml: "mqtt:\n  broker: tcp://b:1883\nsubscription:\n  edges:\n    \"19\": tcp://x:1883\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Errorf("expected validation error for %q, got nil", tc.name)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// SaveConfig
// ---------------------------------------------------------------------------

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	original := &Config{
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "test-client",
		},
		Node:   NodeConfig{ID: "edge-7", Tile: "120203233012020320"},
		Fusion: FusionConfig{Interval: 750 * time.Millisecond},
	}

	if err := SaveConfig(path, original); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	// Round-trip: LoadConfig must succeed and reproduce the data
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after save: %v", err)
	}
	if loaded.MQTT.Broker != original.MQTT.Broker {
		t.Errorf("Broker = %q, want %q", loaded.MQTT.Broker, original.MQTT.Broker)
	}
	if loaded.Node.Tile != "120203233012020320" {
		t.Errorf("Node.Tile = %q", loaded.Node.Tile)
	}
	if loaded.Fusion.Interval != 750*time.Millisecond {
		t.Errorf("Fusion.Interval = %s, want 750ms", loaded.Fusion.Interval)
	}
}
