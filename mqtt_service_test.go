package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pemesh/mesh"
)

// TestClientServiceLifecycle drives RunClient through fake brokers: a GNSS
// fix on the sensor bus must move the grid and open the edge connections,
// and cancellation must release everything.
func TestClientServiceLifecycle(t *testing.T) {
	cfg := testConfig(t)
	sensors := newFakeBridge("tcp://sensors:1883")
	dialer := &fakeDialer{}

	var brokers []string
	app := NewApp()
	app.Config = cfg
	app.Dialer = dialer.Dial
	app.NewBridge = func(opts mesh.BridgeOptions) mesh.Bridge {
		brokers = append(brokers, opts.ClientID)
		return sensors
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunClient(ctx) }()

	gnss := cfg.Sensors.Prefix + "/gnss"
	require.Eventually(t, func() bool {
		for _, topic := range sensors.Topics() {
			if topic == gnss {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	payload, err := json.Marshal(mesh.GeoFix{Timestamp: time.Now(), Lat: testLat, Lon: testLon, Heading: 180})
	require.NoError(t, err)
	require.True(t, sensors.Deliver(gnss, payload))

	pos := app.State.GetPositions()[cfg.Node.ID]
	require.NotNil(t, pos, "ego position should be tracked")
	assert.InDelta(t, 180.0, pos.Heading, 1e-9)

	edge := occupancyKey(t, cfg).Truncate(cfg.Tiles.EdgeLevel).String()
	assert.NotNil(t, dialer.Bridge(edge), "edge %s should have been dialed", edge)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunClient did not stop after cancel")
	}

	assert.Equal(t, []string{cfg.MQTT.ClientID + "-sensors"}, brokers)
	assert.Empty(t, sensors.Topics(), "sensor topics should be unsubscribed")
	assert.False(t, sensors.IsConnected())
	assert.False(t, dialer.Bridge(edge).IsConnected(), "edge connections should be closed")
}

// TestClientServiceConfigErrors checks that RunClient refuses configurations
// the grid engine or codec cannot use.
func TestClientServiceConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*mesh.Config)
	}{
		{"unknown codec", func(c *mesh.Config) { c.Node.Codec = "xml" }},
		{"negative grid radius", func(c *mesh.Config) { c.Grid.Radius = -1 }},
		{"occupancy level out of range", func(c *mesh.Config) { c.Tiles.OccupancyLevel = 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			app := NewApp()
			app.Config = cfg
			app.Dialer = (&fakeDialer{}).Dial
			app.NewBridge = func(opts mesh.BridgeOptions) mesh.Bridge {
				return newFakeBridge(opts.Broker)
			}
			assert.Error(t, app.RunClient(context.Background()))
		})
	}
}
