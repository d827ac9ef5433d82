package grid

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/pemesh/mesh"
)

// classify returns OCCUPIED when a point lies inside box, FREE when a ray
// from the observer enters box before reaching its point, and UNKNOWN
// otherwise.
func classify(box r3.Box, points []r3.Vec, observer r3.Vec) mesh.OccupancyState {
	free := false
	for _, p := range points {
		if boxContains(box, p) {
			return mesh.Occupied
		}
		if !free {
			if t, ok := rayEntry(observer, p, box); ok && t < 1 {
				free = true
			}
		}
	}
	if free {
		return mesh.Free
	}
	return mesh.Unknown
}

// matchBatches classifies boxes on a pool of workers. The boxes are split
// into one contiguous batch per worker, each batch produces its own result
// slice and the caller concatenates them in order. Cancellation is checked
// before each batch starts.
func matchBatches(ctx context.Context, boxes []r3.Box, points []r3.Vec, observer r3.Vec, workers int) ([]mesh.OccupancyState, error) {
	if len(boxes) == 0 {
		return nil, nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(boxes) {
		workers = len(boxes)
	}
	size := (len(boxes) + workers - 1) / workers

	var bounds [][2]int
	for start := 0; start < len(boxes); start += size {
		bounds = append(bounds, [2]int{start, min(start+size, len(boxes))})
	}
	batches := make([][]mesh.OccupancyState, len(bounds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, b := range bounds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := make([]mesh.OccupancyState, 0, b[1]-b[0])
			for _, box := range boxes[b[0]:b[1]] {
				out = append(out, classify(box, points, observer))
			}
			batches[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]mesh.OccupancyState, 0, len(boxes))
	for _, batch := range batches {
		results = append(results, batch...)
	}
	return results, nil
}
