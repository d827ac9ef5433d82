package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/pemesh/mesh"
)

// layerScenes returns the scenes of the requested layer in drawing order:
// remote first, then local, then fused on top.
func layerScenes(st *mesh.StateTracker, layer string) ([]*mesh.Scene, error) {
	var scenes []*mesh.Scene
	addSectors := func(m map[string]*mesh.Scene) {
		for _, sector := range sortedKeys(m) {
			scenes = append(scenes, m[sector])
		}
	}

	switch layer {
	case "", "all":
		addSectors(st.RemoteScenes())
		if local := st.LocalScene(); local != nil {
			scenes = append(scenes, local)
		}
		addSectors(st.FusedScenes())
	case mesh.LayerRemote:
		addSectors(st.RemoteScenes())
	case mesh.LayerLocal:
		if local := st.LocalScene(); local != nil {
			scenes = append(scenes, local)
		}
	case mesh.LayerFused:
		addSectors(st.FusedScenes())
	default:
		return nil, fmt.Errorf("unknown layer %q", layer)
	}
	return scenes, nil
}

func sortedKeys(m map[string]*mesh.Scene) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *mesh.StateTracker, mode string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status      string     `json:"status"`
			Mode        string     `json:"mode"`
			Timestamp   time.Time  `json:"timestamp"`
			HasScenes   bool       `json:"hasScenes"`
			LastUpdated *time.Time `json:"lastUpdated,omitempty"`
		}{
			Status:    "ok",
			Mode:      mode,
			Timestamp: time.Now(),
			HasScenes: stateTracker.HasScenes(),
		}
		if updated := stateTracker.LastUpdated(); !updated.IsZero() {
			status.LastUpdated = &updated
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/scenes.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := mesh.StateToFeatureCollection(stateTracker)
		data, err := fc.MarshalJSON()
		if err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// scenesFor resolves the layer parameter and writes the error response
	// when there is nothing to draw.
	scenesFor := func(w http.ResponseWriter, r *http.Request) ([]*mesh.Scene, bool) {
		if !stateTracker.HasScenes() {
			http.Error(w, "No scenes available", http.StatusServiceUnavailable)
			return nil, false
		}
		scenes, err := layerScenes(stateTracker, r.URL.Query().Get("layer"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil, false
		}
		return scenes, true
	}

	mux.HandleFunc("/grid.png", func(w http.ResponseWriter, r *http.Request) {
		scenes, ok := scenesFor(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.NewGridRenderer().WritePNG(w, scenes, stateTracker.GetPositions()); err != nil {
			log.Printf("Error encoding grid PNG: %v", err)
		}
	})

	mux.HandleFunc("/grid.svg", func(w http.ResponseWriter, r *http.Request) {
		scenes, ok := scenesFor(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.NewVectorRenderer().RenderToSVG(w, scenes, stateTracker.GetPositions()); err != nil {
			log.Printf("Error encoding grid SVG: %v", err)
		}
	})

	// Default route serves HTML page embedding the SVG grid
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>pemesh %s</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%%;height:100%%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/grid.svg" alt="Occupancy grid">
</body>
</html>`, mode)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
