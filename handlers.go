package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kwv/tudopos/indoor"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *indoor.SceneTracker, simplifyTolerance, gridSpacing float64) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status    string   `json:"status"`
			Timestamp int64    `json:"timestamp"`
			HasScenes bool     `json:"hasScenes"`
			Devices   []string `json:"devices"`
		}{
			Status:    "ok",
			Timestamp: time.Now().Unix(),
			HasScenes: tracker.HasScenes(),
			Devices:   tracker.Devices(),
		})
	})

	// Latest estimate per device
	mux.HandleFunc("/positions.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_ = json.NewEncoder(w).Encode(struct {
			Devices   []indoor.DevicePosition `json:"devices"`
			Timestamp int64                   `json:"timestamp"`
		}{
			Devices:   tracker.Positions(),
			Timestamp: time.Now().Unix(),
		})
	})

	// Estimation scene as GeoJSON; ?device=ID selects a device, default is
	// the most recently updated one
	mux.HandleFunc("/scene.geojson", func(w http.ResponseWriter, r *http.Request) {
		scene := tracker.GetScene(r.URL.Query().Get("device"))
		if scene == nil {
			http.Error(w, "No scene available", http.StatusServiceUnavailable)
			return
		}
		fc := indoor.SceneToFeatureCollection(scene, simplifyTolerance)
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_ = json.NewEncoder(w).Encode(fc)
	})

	// Estimation scene as raster PNG with labels
	mux.HandleFunc("/scene.png", func(w http.ResponseWriter, r *http.Request) {
		scene := tracker.GetScene(r.URL.Query().Get("device"))
		if scene == nil {
			http.Error(w, "No scene available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := indoor.NewSceneRenderer(scene).EncodePNG(w); err != nil {
			log.Printf("[HTTP] PNG encode error: %v", err)
		}
	})

	// Estimation scene as SVG
	mux.HandleFunc("/scene.svg", func(w http.ResponseWriter, r *http.Request) {
		scene := tracker.GetScene(r.URL.Query().Get("device"))
		if scene == nil {
			http.Error(w, "No scene available", http.StatusServiceUnavailable)
			return
		}
		renderer := indoor.NewVectorSceneRenderer(scene)
		if gridSpacing > 0 {
			renderer.GridSpacing = gridSpacing
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("[HTTP] SVG render error: %v", err)
		}
	})

	// Default route serves HTML page embedding the SVG scene
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>tudopos</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/scene.svg" alt="Estimation Scene">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
