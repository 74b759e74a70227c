package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/tudopos/indoor"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// testScene returns a small 2D scene with an estimate so that every exporter
// has something to draw without pulling in heavy test fixtures.
func testScene(deviceID string) *indoor.Scene {
	return &indoor.Scene{
		DeviceID: deviceID,
		Sources: []indoor.Source{
			{ID: "a", Position: []float64{0, 0}},
			{ID: "b", Position: []float64{6, 0}},
			{ID: "c", Position: []float64{0, 6}},
			{ID: "d", Position: []float64{6, 6}},
		},
		Samples: []indoor.SceneSample{
			{SourceID: "a", Position: []float64{0, 0}, Distance: 3.61, Inlier: true, Residual: 0.01},
			{SourceID: "b", Position: []float64{6, 0}, Distance: 5.0, Inlier: true, Residual: 0.02},
			{SourceID: "c", Position: []float64{0, 6}, Distance: 3.61, Inlier: true, Residual: 0.01},
			{SourceID: "d", Position: []float64{6, 6}, Distance: 5.0, Inlier: false, Residual: 1.4},
		},
		Estimate:   []float64{2, 3},
		Accuracy:   0.4,
		NumInliers: 3,
	}
}

// populatedTracker returns a SceneTracker that already contains one scene.
func populatedTracker() *indoor.SceneTracker {
	st := indoor.NewSceneTracker()
	st.UpdateScene("tag-a", testScene("tag-a"))
	return st
}

// emptyTracker returns a SceneTracker with no scenes.
func emptyTracker() *indoor.SceneTracker {
	return indoor.NewSceneTracker()
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /health
// ---------------------------------------------------------------------------

func TestHealth_NoScenes(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status    string   `json:"status"`
		HasScenes bool     `json:"hasScenes"`
		Devices   []string `json:"devices"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.HasScenes {
		t.Error("hasScenes = true, want false when no scenes tracked")
	}
	if len(body.Devices) != 0 {
		t.Errorf("devices = %v, want empty", body.Devices)
	}
}

func TestHealth_WithScenes(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		HasScenes bool     `json:"hasScenes"`
		Devices   []string `json:"devices"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if !body.HasScenes {
		t.Error("hasScenes = false, want true when a scene is tracked")
	}
	if len(body.Devices) != 1 || body.Devices[0] != "tag-a" {
		t.Errorf("devices = %v, want [tag-a]", body.Devices)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /positions.json
// ---------------------------------------------------------------------------

func TestPositionsJSON_Empty(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/positions.json", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/positions.json status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Devices []indoor.DevicePosition `json:"devices"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /positions.json response: %v", err)
	}
	if len(body.Devices) != 0 {
		t.Errorf("devices = %v, want empty", body.Devices)
	}
}

func TestPositionsJSON_WithScenes(t *testing.T) {
	st := populatedTracker()
	st.UpdateScene("tag-b", testScene("tag-b"))

	handler := newHTTPServer(st, 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/positions.json", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/positions.json status = %d, want %d", w.Code, http.StatusOK)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	var body struct {
		Devices   []indoor.DevicePosition `json:"devices"`
		Timestamp int64                   `json:"timestamp"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /positions.json response: %v", err)
	}
	if len(body.Devices) != 2 {
		t.Fatalf("devices = %d entries, want 2", len(body.Devices))
	}
	if body.Devices[0].DeviceID != "tag-a" || body.Devices[1].DeviceID != "tag-b" {
		t.Errorf("device order = [%s %s], want [tag-a tag-b]",
			body.Devices[0].DeviceID, body.Devices[1].DeviceID)
	}
	if got := body.Devices[0].Coordinates; len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("coordinates = %v, want [2 3]", got)
	}
	if body.Devices[0].NumInliers != 3 {
		t.Errorf("numInliers = %d, want 3", body.Devices[0].NumInliers)
	}
	if body.Devices[0].Timestamp == 0 {
		t.Error("per device timestamp should be set")
	}
	if body.Timestamp == 0 {
		t.Error("response timestamp should be set")
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- scene endpoints with no scenes (503 paths)
// ---------------------------------------------------------------------------

func TestEndpoints_NoScenes_503(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), 0, 0)

	endpoints := []string{
		"/scene.geojson",
		"/scene.png",
		"/scene.svg",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, ep, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s status = %d, want %d", ep, w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /scene.geojson
// ---------------------------------------------------------------------------

func TestSceneGeoJSON_WithScenes(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0.02, 0)
	req := httptest.NewRequest(http.MethodGet, "/scene.geojson", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/scene.geojson status = %d, want %d, body=%q", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/geo+json")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("failed to decode /scene.geojson response: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("type = %q, want FeatureCollection", fc.Type)
	}
	// 4 sources + 3 inlier range circles + 1 estimate
	if len(fc.Features) != 8 {
		t.Errorf("features = %d, want 8", len(fc.Features))
	}
}

func TestSceneGeoJSON_DeviceParam(t *testing.T) {
	st := populatedTracker()
	st.UpdateScene("tag-b", testScene("tag-b"))

	handler := newHTTPServer(st, 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/scene.geojson?device=tag-b", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/scene.geojson?device=tag-b status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"deviceId":"tag-b"`) {
		t.Error("response should carry the scene of the requested device")
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /scene.png
// ---------------------------------------------------------------------------

func TestScenePNG_WithScenes(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/scene.png", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/scene.png status = %d, want %d, body=%q", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/png")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("response is not a valid PNG: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		t.Errorf("PNG is %dx%d, want a positive size", cfg.Width, cfg.Height)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /scene.svg
// ---------------------------------------------------------------------------

func TestSceneSVG_WithScenes(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/scene.svg", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/scene.svg status = %d, want %d, body=%q", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/svg+xml")
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("response body does not look like SVG")
	}
}

func TestSceneSVG_WithGridSpacing(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0, 2.0)
	req := httptest.NewRequest(http.MethodGet, "/scene.svg", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/scene.svg with grid spacing status = %d, want %d, body=%q", w.Code, http.StatusOK, w.Body.String())
	}
	if w.Body.Len() == 0 {
		t.Error("response body is empty; expected SVG data")
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- index page and unknown paths
// ---------------------------------------------------------------------------

func TestIndexPage(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(w.Body.String(), `<img src="/scene.svg"`) {
		t.Error("index page should embed the scene SVG")
	}
}

func TestUnknownPath_404(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("/does-not-exist status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
