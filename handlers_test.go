package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/kwv/pemesh/mesh"
	"github.com/kwv/pemesh/quadkey"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// cellScene returns a scene with a single cell at key.
func cellScene(key string, state mesh.OccupancyState) *mesh.Scene {
	return &mesh.Scene{
		Timestamp: time.Now(),
		Cells: []mesh.SceneCell{{
			Hash:  quadkey.MustNew(key).QuadInt(),
			State: mesh.Confidence[mesh.OccupancyState]{Value: state, Confidence: 1},
		}},
	}
}

// populatedTracker returns a StateTracker with one scene per layer and one
// actor.
func populatedTracker() *mesh.StateTracker {
	st := mesh.NewStateTracker()
	st.UpdateLocalScene(cellScene("12020323301220330112", mesh.Free))
	st.UpdateRemoteScene("1202032330122033011", cellScene("12020323301220330113", mesh.Occupied))
	st.UpdateFused(map[string]*mesh.Scene{
		"1202032330122033011": cellScene("12020323301220330110", mesh.Unknown),
	})
	st.UpdateActor(mesh.Actor{ID: "car-1", Lat: 48.137, Lon: 11.576, Heading: 45})
	return st
}

// emptyTracker returns a StateTracker with no scenes.
func emptyTracker() *mesh.StateTracker {
	return mesh.NewStateTracker()
}

func serve(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// layerScenes
// ---------------------------------------------------------------------------

func TestLayerScenes(t *testing.T) {
	st := populatedTracker()
	tests := []struct {
		layer string
		want  int
	}{
		{"", 3},
		{"all", 3},
		{mesh.LayerLocal, 1},
		{mesh.LayerRemote, 1},
		{mesh.LayerFused, 1},
	}
	for _, tt := range tests {
		t.Run("layer="+tt.layer, func(t *testing.T) {
			scenes, err := layerScenes(st, tt.layer)
			if err != nil {
				t.Fatalf("layerScenes(%q) error: %v", tt.layer, err)
			}
			if len(scenes) != tt.want {
				t.Errorf("layerScenes(%q) returned %d scenes, want %d", tt.layer, len(scenes), tt.want)
			}
		})
	}

	if _, err := layerScenes(st, "bogus"); err == nil {
		t.Error("expected error for unknown layer")
	}
}

func TestLayerScenes_DrawOrder(t *testing.T) {
	st := populatedTracker()
	scenes, err := layerScenes(st, "all")
	if err != nil {
		t.Fatal(err)
	}
	if scenes[0] != st.RemoteScenes()["1202032330122033011"] {
		t.Error("remote scenes should be drawn first")
	}
	if scenes[1] != st.LocalScene() {
		t.Error("local scene should be drawn second")
	}
	if scenes[2] != st.FusedScenes()["1202032330122033011"] {
		t.Error("fused scenes should be drawn last")
	}
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth_NoScenes(t *testing.T) {
	w := serve(newHTTPServer(emptyTracker(), "edge"), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status      string     `json:"status"`
		Mode        string     `json:"mode"`
		HasScenes   bool       `json:"hasScenes"`
		LastUpdated *time.Time `json:"lastUpdated"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Mode != "edge" {
		t.Errorf("mode = %q, want %q", body.Mode, "edge")
	}
	if body.HasScenes {
		t.Error("hasScenes = true, want false")
	}
	if body.LastUpdated != nil {
		t.Errorf("lastUpdated = %v, want omitted", body.LastUpdated)
	}
}

func TestHealth_WithScenes(t *testing.T) {
	w := serve(newHTTPServer(populatedTracker(), "client"), "/health")

	var body struct {
		HasScenes   bool       `json:"hasScenes"`
		LastUpdated *time.Time `json:"lastUpdated"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if !body.HasScenes {
		t.Error("hasScenes = false, want true")
	}
	if body.LastUpdated == nil {
		t.Error("lastUpdated missing after a fused update")
	}
}

// ---------------------------------------------------------------------------
// rendered endpoints
// ---------------------------------------------------------------------------

func TestEndpoints_NoScenes_503(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), "client")
	for _, ep := range []string{"/grid.png", "/grid.svg"} {
		t.Run(ep, func(t *testing.T) {
			w := serve(handler, ep)
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s status = %d, want %d", ep, w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

func TestGridPNG(t *testing.T) {
	w := serve(newHTTPServer(populatedTracker(), "client"), "/grid.png?layer=fused")
	if w.Code != http.StatusOK {
		t.Fatalf("/grid.png status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("response is not a PNG: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Error("PNG has no pixels")
	}
}

func TestGridSVG(t *testing.T) {
	w := serve(newHTTPServer(populatedTracker(), "client"), "/grid.svg")
	if w.Code != http.StatusOK {
		t.Fatalf("/grid.svg status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want image/svg+xml", ct)
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("response does not contain an <svg> element")
	}
}

func TestGrid_UnknownLayer(t *testing.T) {
	w := serve(newHTTPServer(populatedTracker(), "client"), "/grid.svg?layer=lidar")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ---------------------------------------------------------------------------
// /scenes.geojson, /metrics, /
// ---------------------------------------------------------------------------

func TestScenesGeoJSON(t *testing.T) {
	w := serve(newHTTPServer(populatedTracker(), "client"), "/scenes.geojson")
	if w.Code != http.StatusOK {
		t.Fatalf("/scenes.geojson status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q, want application/geo+json", ct)
	}
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	if err != nil {
		t.Fatalf("invalid GeoJSON: %v", err)
	}
	// three cells and one actor
	if len(fc.Features) != 4 {
		t.Errorf("got %d features, want 4", len(fc.Features))
	}
}

func TestScenesGeoJSON_Empty(t *testing.T) {
	w := serve(newHTTPServer(emptyTracker(), "edge"), "/scenes.geojson")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	if err != nil {
		t.Fatalf("invalid GeoJSON: %v", err)
	}
	if len(fc.Features) != 0 {
		t.Errorf("got %d features, want 0", len(fc.Features))
	}
}

func TestMetrics(t *testing.T) {
	w := serve(newHTTPServer(emptyTracker(), "edge"), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("/metrics does not expose the default Go collectors")
	}
}

func TestIndex(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), "edge")

	w := serve(handler, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `src="/grid.svg"`) {
		t.Error("index does not embed /grid.svg")
	}
	if !strings.Contains(body, "pemesh edge") {
		t.Error("index title does not name the mode")
	}

	if w := serve(handler, "/nope"); w.Code != http.StatusNotFound {
		t.Errorf("/nope status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
