package mesh

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pemesh/quadkey"
)

func TestCellFeature(t *testing.T) {
	cell := SceneCell{
		Hash:     356,
		State:    Confidence[OccupancyState]{Value: Occupied, Confidence: 1},
		Occupant: &Confidence[*Actor]{Value: &Actor{ID: "ped-7"}, Confidence: 0.5},
	}

	f, err := CellFeature(cell, "12", LayerFused)
	require.NoError(t, err)

	assert.Equal(t, "1210", f.ID)
	assert.Equal(t, "1210", f.Properties["quadkey"])
	assert.Equal(t, "OCCUPIED", f.Properties["state"])
	assert.Equal(t, 1.0, f.Properties["confidence"])
	assert.Equal(t, "12", f.Properties["sector"])
	assert.Equal(t, LayerFused, f.Properties["layer"])
	assert.Equal(t, "ped-7", f.Properties["occupant"])

	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok, "geometry should be a polygon, got %T", f.Geometry)
	assert.Equal(t, quadkey.MustNew("1210").Bound(), poly.Bound())
}

func TestCellFeature_InvalidHash(t *testing.T) {
	_, err := CellFeature(SceneCell{Hash: 0}, "", LayerLocal)
	assert.ErrorIs(t, err, quadkey.ErrInvalidQuadKey)
}

func TestSceneToFeatures(t *testing.T) {
	scene := testScene()
	scene.Cells = append(scene.Cells, SceneCell{Hash: 2}) // no sentinel

	features := SceneToFeatures(scene, "", LayerLocal)
	require.Len(t, features, 3)
	for _, f := range features {
		assert.Equal(t, "ego-1", f.Properties["measuredBy"])
		_, hasSector := f.Properties["sector"]
		assert.False(t, hasSector)
	}
	_, hasOccupant := features[0].Properties["occupant"]
	assert.False(t, hasOccupant)

	assert.Nil(t, SceneToFeatures(nil, "", LayerLocal))
}

func TestPositionsToFeatures(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	positions := map[string]*LivePosition{
		"b": {ActorID: "b", Lat: 48.2, Lon: 16.37, Heading: 90, Color: "#00FF00", Timestamp: ts},
		"a": {ActorID: "a", Type: "vehicle.car", Lat: 1, Lon: 2, Color: "#FF0000", Timestamp: ts},
	}

	features := PositionsToFeatures(positions)
	require.Len(t, features, 2)
	assert.Equal(t, "a", features[0].ID)
	assert.Equal(t, "b", features[1].ID)
	assert.Equal(t, orb.Point{16.37, 48.2}, features[1].Geometry)
	assert.Equal(t, "vehicle.car", features[0].Properties["type"])
	assert.Equal(t, LayerActors, features[1].Properties["layer"])
}

func TestStateToFeatureCollection(t *testing.T) {
	st := NewStateTracker()
	st.UpdateLocalScene(testScene())
	st.UpdateRemoteScene("13", &Scene{Cells: []SceneCell{{Hash: 355}}})
	st.UpdateFused(map[string]*Scene{
		"12": {Cells: []SceneCell{{Hash: 354}}},
	})

	fc := StateToFeatureCollection(st)

	// 3 local cells, 1 remote, 1 fused, 1 actor.
	require.Len(t, fc.Features, 6)
	layers := map[string]int{}
	for _, f := range fc.Features {
		layers[f.Properties.MustString("layer")]++
	}
	assert.Equal(t, map[string]int{LayerLocal: 3, LayerRemote: 1, LayerFused: 1, LayerActors: 1}, layers)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	decoded, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, decoded.Features, 6)
}

func TestStateToFeatureCollection_Empty(t *testing.T) {
	fc := StateToFeatureCollection(NewStateTracker())
	assert.Empty(t, fc.Features)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)
}
