package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command line options shared by the subcommands.
type AppOptions struct {
	ConfigFile string
	CachePath  string // snapshot cache for fused scenes; empty disables
	HTTPPort   int    // overrides http.port when non-zero; negative disables HTTP
	Bench      BenchOptions
}

// BenchOptions configures the synthetic load generator.
type BenchOptions struct {
	Rate     float64 // scenes per second across all vehicles
	Duration time.Duration
	Vehicles int
	Radius   int // cells around each vehicle
	Seed     uint64
}

// Runner runs the node roles. App implements it; tests substitute a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunEdge(ctx context.Context) error
	RunClient(ctx context.Context) error
	RunBench(ctx context.Context) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to the selected role.
func run(args []string, out io.Writer, app Runner) error {
	root := newRootCmd(out, app)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer, app Runner) *cobra.Command {
	var opts AppOptions

	root := &cobra.Command{
		Use:   "pemesh",
		Short: "Shared perceived-environment model over a tiled MQTT mesh",
		Long: `pemesh builds quadkey occupancy grids from vehicle sensors, fuses
observations from many vehicles per geographic sector and redistributes the
fused scenes over MQTT.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "pemesh version: %s\n", Version)
			app.ApplyOptions(opts)
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "config.yaml", "Path to configuration file")
	flags.StringVar(&opts.CachePath, "cache", "", "Persist fused scenes to this JSON file")
	flags.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP port (overrides http.port, negative disables)")

	edgeCmd := &cobra.Command{
		Use:   "edge",
		Short: "Fuse and redistribute the sectors of the tile in node.tile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignals(cmd.Context(), app.RunEdge)
		},
	}

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Build the local occupancy grid and exchange scenes with edge nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignals(cmd.Context(), app.RunClient)
		},
	}

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Publish synthetic scenes at a fixed rate and count fused replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignals(cmd.Context(), app.RunBench)
		},
	}
	bf := benchCmd.Flags()
	bf.Float64Var(&opts.Bench.Rate, "rate", 20, "Scenes per second")
	bf.DurationVar(&opts.Bench.Duration, "duration", 30*time.Second, "How long to publish")
	bf.IntVar(&opts.Bench.Vehicles, "vehicles", 10, "Number of simulated vehicles")
	bf.IntVar(&opts.Bench.Radius, "radius", 5, "Grid radius of each simulated vehicle")
	bf.Uint64Var(&opts.Bench.Seed, "seed", 1, "Random seed for cell states")

	root.AddCommand(edgeCmd, clientCmd, benchCmd)
	return root
}

// withSignals runs fn with a context cancelled on SIGINT or SIGTERM.
func withSignals(parent context.Context, fn func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}
