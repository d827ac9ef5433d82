package mesh

import (
	"log"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/kwv/pemesh/quadkey"
)

// Scene layers exported to GeoJSON.
const (
	LayerLocal  = "local"
	LayerRemote = "remote"
	LayerFused  = "fused"
	LayerActors = "actors"
)

// CellFeature converts one scene cell to a polygon feature covering its tile.
func CellFeature(cell SceneCell, sector, layer string) (*geojson.Feature, error) {
	q, err := quadkey.FromQuadInt(cell.Hash)
	if err != nil {
		return nil, err
	}

	f := geojson.NewFeature(q.Bound().ToPolygon())
	f.ID = q.String()
	f.Properties["quadkey"] = q.String()
	f.Properties["layer"] = layer
	f.Properties["state"] = cell.State.Value.String()
	f.Properties["confidence"] = cell.State.Confidence
	if sector != "" {
		f.Properties["sector"] = sector
	}
	if cell.Occupant != nil && cell.Occupant.Value != nil {
		f.Properties["occupant"] = cell.Occupant.Value.ID
		f.Properties["occupantConfidence"] = cell.Occupant.Confidence
	}
	return f, nil
}

// SceneToFeatures converts every cell of scene. Cells with invalid hashes
// are logged and skipped.
func SceneToFeatures(scene *Scene, sector, layer string) []*geojson.Feature {
	if scene == nil {
		return nil
	}
	features := make([]*geojson.Feature, 0, len(scene.Cells))
	for _, c := range scene.Cells {
		f, err := CellFeature(c, sector, layer)
		if err != nil {
			log.Printf("[HTTP] Skipping cell %d: %v", c.Hash, err)
			continue
		}
		if scene.MeasuredBy != nil {
			f.Properties["measuredBy"] = scene.MeasuredBy.ID
		}
		features = append(features, f)
	}
	return features
}

// PositionsToFeatures converts live positions to point features sorted by
// actor ID.
func PositionsToFeatures(positions map[string]*LivePosition) []*geojson.Feature {
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	features := make([]*geojson.Feature, 0, len(ids))
	for _, id := range ids {
		pos := positions[id]
		f := geojson.NewFeature(orb.Point{pos.Lon, pos.Lat})
		f.ID = id
		f.Properties["layer"] = LayerActors
		f.Properties["actorId"] = id
		f.Properties["heading"] = pos.Heading
		f.Properties["color"] = pos.Color
		f.Properties["timestamp"] = pos.Timestamp
		if pos.Type != "" {
			f.Properties["type"] = pos.Type
		}
		features = append(features, f)
	}
	return features
}

// StateToFeatureCollection exports everything the tracker knows: the local
// scene, received and fused scenes by sector, and actor positions.
func StateToFeatureCollection(st *StateTracker) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, f := range SceneToFeatures(st.LocalScene(), "", LayerLocal) {
		fc.Append(f)
	}
	appendSectors := func(scenes map[string]*Scene, layer string) {
		for _, sector := range sortedSectors(scenes) {
			for _, f := range SceneToFeatures(scenes[sector], sector, layer) {
				fc.Append(f)
			}
		}
	}
	appendSectors(st.RemoteScenes(), LayerRemote)
	appendSectors(st.FusedScenes(), LayerFused)

	for _, f := range PositionsToFeatures(st.GetPositions()) {
		fc.Append(f)
	}
	return fc
}

func sortedSectors(scenes map[string]*Scene) []string {
	keys := make([]string, 0, len(scenes))
	for k := range scenes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
