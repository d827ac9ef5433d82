package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// benchVehicle walks east one occupancy tile per scene.
type benchVehicle struct {
	id   string
	x, y uint32
}

// benchFleet generates synthetic scenes for a set of vehicles.
type benchFleet struct {
	level       int
	remoteLevel int
	radius      int
	rng         *rand.Rand
	vehicles    []*benchVehicle
	next        int
}

// newBenchFleet places the vehicles on consecutive rows north of origin.
func newBenchFleet(runID string, origin quadkey.QuadKey, remoteLevel int, opts BenchOptions) *benchFleet {
	n := max(opts.Vehicles, 1)
	x, y := origin.XY()
	f := &benchFleet{
		level:       origin.Level(),
		remoteLevel: remoteLevel,
		radius:      max(opts.Radius, 0),
		rng:         rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	for i := range n {
		f.vehicles = append(f.vehicles, &benchVehicle{
			id: fmt.Sprintf("bench-%s-%d", runID, i),
			x:  x,
			y:  y - uint32(i*(2*f.radius+1)),
		})
	}
	return f
}

// Next advances the next vehicle in turn and returns its raw sector and
// scene.
func (f *benchFleet) Next(ts time.Time) (string, *mesh.Scene, error) {
	v := f.vehicles[f.next%len(f.vehicles)]
	f.next++
	v.x++

	center, err := quadkey.FromTile(v.x, v.y, f.level)
	if err != nil {
		return "", nil, err
	}
	lat, lon := center.ToGeo(quadkey.AnchorCenter)

	scene := &mesh.Scene{
		Timestamp: ts,
		MeasuredBy: &mesh.Actor{
			ID: v.id, Type: "vehicle.bench", Lat: lat, Lon: lon, Heading: 90,
		},
	}
	for _, k := range center.Nearby(f.radius) {
		state := mesh.Free
		if f.rng.Float64() < 0.2 {
			state = mesh.Occupied
		}
		if k == center {
			state = mesh.Occupied
		}
		scene.Cells = append(scene.Cells, mesh.SceneCell{
			Hash:  k.QuadInt(),
			State: mesh.Confidence[mesh.OccupancyState]{Value: state, Confidence: 0.5 + f.rng.Float64()/2},
		})
	}
	return center.Truncate(f.remoteLevel).String(), scene, nil
}

// benchResult summarises one bench run.
type benchResult struct {
	RunID    string
	Sent     int
	Failed   int
	Received int64
	Elapsed  time.Duration
}

func (r benchResult) String() string {
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		secs = 1
	}
	return fmt.Sprintf("run %s: sent %d scenes (%d failed, %.1f/s), received %d fused scenes in %s",
		r.RunID, r.Sent, r.Failed, float64(r.Sent)/secs, r.Received, r.Elapsed.Round(time.Millisecond))
}

// RunBench publishes synthetic scenes to the raw topics at the configured
// rate and counts the fused scenes coming back.
func (a *App) RunBench(ctx context.Context) error {
	if err := a.setup(); err != nil {
		return err
	}
	cfg := a.Config
	opts := a.Options.Bench
	if opts.Rate <= 0 {
		return fmt.Errorf("bench rate must be positive, got %g", opts.Rate)
	}

	origin, err := benchOrigin(cfg)
	if err != nil {
		return err
	}

	bridgeOpts := mesh.BridgeOptionsFromConfig(cfg.MQTT)
	runID := uuid.NewString()[:8]
	bridgeOpts.ClientID = fmt.Sprintf("%s-bench-%s", bridgeOpts.ClientID, runID)
	bridge, err := a.connect(ctx, bridgeOpts)
	if err != nil {
		return err
	}
	defer bridge.Disconnect()

	var received atomic.Int64
	fusedTopic := cfg.MQTT.FusedPrefix + "/+"
	err = bridge.Subscribe(fusedTopic, func(topic string, payload []byte) {
		if _, err := a.Codec.Decode(payload); err == nil {
			received.Add(1)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", fusedTopic, err)
	}

	fleet := newBenchFleet(runID, origin, cfg.Tiles.RemoteLevel, opts)
	result := runBenchLoop(ctx, bridge, a.Codec, fleet, cfg.MQTT.RawPrefix, opts)
	result.RunID = runID

	// Give the edge nodes one fusion round to answer.
	select {
	case <-ctx.Done():
	case <-time.After(cfg.Fusion.Interval):
	}
	result.Received = received.Load()

	log.Printf("[BENCH] %s", result)
	fmt.Fprintln(a.out, result)
	return nil
}

// runBenchLoop publishes until opts.Duration elapses or ctx is cancelled.
func runBenchLoop(ctx context.Context, bridge mesh.Bridge, codec mesh.Codec, fleet *benchFleet, rawPrefix string, opts BenchOptions) benchResult {
	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(opts.Rate), 1)
	start := time.Now()
	var result benchResult
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sector, scene, err := fleet.Next(time.Now())
		if err != nil {
			result.Failed++
			continue
		}
		payload, err := codec.Encode(scene)
		if err == nil {
			err = bridge.Publish(rawPrefix+"/"+sector, payload)
		}
		if err != nil {
			result.Failed++
			if errors.Is(err, mesh.ErrNotConnected) {
				log.Printf("[BENCH] Broker disconnected, stopping")
				break
			}
			continue
		}
		result.Sent++
	}
	result.Elapsed = time.Since(start)
	return result
}

// benchOrigin is the occupancy tile the fleet starts from: the center of
// node.tile when set, else the projection origin.
func benchOrigin(cfg *mesh.Config) (quadkey.QuadKey, error) {
	lat, lon := cfg.Projection.OriginLat, cfg.Projection.OriginLon
	if cfg.Node.Tile != "" {
		tile, err := quadkey.New(cfg.Node.Tile)
		if err != nil {
			return quadkey.QuadKey{}, err
		}
		lat, lon = tile.ToGeo(quadkey.AnchorCenter)
	}
	return quadkey.FromGeo(lat, lon, cfg.Tiles.OccupancyLevel)
}
