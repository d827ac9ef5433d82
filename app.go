package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/kwv/pemesh/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Options AppOptions
	Config  *mesh.Config
	State   *mesh.StateTracker
	Codec   mesh.Codec

	// NewBridge creates the broker connection of a role. Tests replace it.
	NewBridge func(opts mesh.BridgeOptions) mesh.Bridge
	// Dialer opens connections to edge nodes in client mode. Defaults to
	// mesh.MQTTDialer with the broker credentials.
	Dialer mesh.Dialer

	out io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		State: mesh.NewStateTracker(),
		NewBridge: func(opts mesh.BridgeOptions) mesh.Bridge {
			return mesh.NewMQTTBridge(opts)
		},
		out: os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// setup loads the configuration and builds the shared dependencies.
func (a *App) setup() error {
	if a.Config == nil {
		cfg, err := mesh.LoadConfig(a.Options.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		a.Config = cfg
		log.Printf("Loaded config from %s (node %s)", a.Options.ConfigFile, cfg.Node.ID)
	}
	if a.Options.HTTPPort != 0 {
		a.Config.HTTP.Port = a.Options.HTTPPort
	}

	if a.Codec == nil {
		codec, err := mesh.NewCodec(a.Config.Node.Codec)
		if err != nil {
			return err
		}
		a.Codec = codec
	}
	if a.Options.CachePath != "" {
		a.State = mesh.NewStateTrackerWithCache(a.Options.CachePath)
	}
	if a.State == nil {
		a.State = mesh.NewStateTracker()
	}
	a.State.SetColor(a.Config.Node.ID, "#2980B9")
	return nil
}

// connect creates and connects a bridge for opts.
func (a *App) connect(ctx context.Context, opts mesh.BridgeOptions) (mesh.Bridge, error) {
	bridge := a.NewBridge(opts)
	if err := bridge.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, err)
	}
	return bridge, nil
}

// RunEdge fuses the raw scenes of every sector inside node.tile and
// publishes the fused scenes until ctx is cancelled.
func (a *App) RunEdge(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	cfg := a.Config

	bridge, err := a.connect(ctx, mesh.BridgeOptionsFromConfig(cfg.MQTT))
	if err != nil {
		return err
	}
	defer bridge.Disconnect()

	node, err := newEdgeNode(cfg, a.Codec, bridge, a.State)
	if err != nil {
		return err
	}
	topic := cfg.MQTT.RawPrefix + "/+"
	if err := bridge.Subscribe(topic, node.handleRaw); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	a.startHTTP(ctx, "edge")
	log.Printf("[EDGE] Serving tile %s: %s -> %s/{sector}", node.tile, topic, cfg.MQTT.FusedPrefix)

	node.fusion.Run(ctx, cfg.Fusion.Interval, cfg.Fusion.MaxAge, node.emit)

	log.Println("[EDGE] Shutting down")
	return nil
}

// RunClient feeds the local sensors through the grid engine, exchanges
// scenes with the edge nodes around the vehicle and fuses what it receives,
// until ctx is cancelled.
func (a *App) RunClient(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	cfg := a.Config

	sensorOpts := mesh.BridgeOptionsFromConfig(cfg.MQTT)
	if cfg.Sensors.Broker != "" {
		sensorOpts.Broker = cfg.Sensors.Broker
	}
	sensorOpts.ClientID += "-sensors"
	sensors, err := a.connect(ctx, sensorOpts)
	if err != nil {
		return err
	}
	defer sensors.Disconnect()

	dialer := a.Dialer
	if dialer == nil {
		dialer = mesh.MQTTDialer(mesh.BridgeOptionsFromConfig(cfg.MQTT))
	}
	node, err := newClientNode(cfg, a.Codec, dialer, a.State)
	if err != nil {
		return err
	}
	defer node.Close()

	feed := mesh.NewSensorFeed(sensors, cfg.Sensors.Prefix)
	feed.OnFix(func(fix mesh.GeoFix) { node.handleFix(ctx, fix) })
	feed.OnCloud(func(cloud mesh.PointCloud) { node.handleCloud(ctx, cloud) })
	if err := feed.Start(); err != nil {
		return err
	}
	defer feed.Stop()

	a.startHTTP(ctx, "client")
	log.Printf("[CLIENT] Node %s running, sensors on %s", cfg.Node.ID, sensorOpts.Broker)

	go node.fusion.Run(ctx, cfg.Fusion.Interval, cfg.Fusion.MaxAge, node.emit)
	node.superviseSubscriptions(ctx, cfg.Subscription.ConnectTimeout)

	log.Println("[CLIENT] Shutting down")
	return nil
}

// startHTTP serves the status endpoints until ctx is cancelled. A
// non-positive port disables the server.
func (a *App) startHTTP(ctx context.Context, mode string) {
	port := a.Config.HTTP.Port
	if port <= 0 {
		return
	}
	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           newHTTPServer(a.State, mode),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}()
}
