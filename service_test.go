package main

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/tudopos/indoor"
)

// writeServiceConfig writes a 2D config with five sources, enough for the
// robust pipeline to reject one bad range.
func writeServiceConfig(t *testing.T, dir string) string {
	t.Helper()
	content := `mqtt:
  broker: tcp://localhost:1883
  fingerprintPrefix: site/devices
  publishPrefix: site/estimates
dimensions: 2
sources:
  - id: a
    position: [0, 0]
    transmitPower: -40
  - id: b
    position: [6, 0]
    transmitPower: -40
  - id: c
    position: [0, 6]
    transmitPower: -40
  - id: d
    position: [6, 6]
    transmitPower: -40
  - id: e
    position: [3, 7]
    transmitPower: -40
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// TestServiceConfigLoading covers the configs the service accepts and the
// ones it must refuse at startup rather than on the first message.
func TestServiceConfigLoading(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		shouldError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			configYAML: `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: site/estimates
  clientId: test-client
dimensions: 2
httpAddr: ":8080"
gridSpacing: 0.5
estimator:
  ranging:
    method: msac
    threshold: 0.4
sources:
  - id: a
    position: [0, 0]
    covarianceDiagonal: [0.01, 0.01]
  - id: b
    position: [6, 0]
`,
			shouldError: false,
		},
		{
			name: "missing broker",
			configYAML: `mqtt:
  publishPrefix: site/estimates
sources:
  - id: a
    position: [0, 0]
`,
			shouldError: true,
			errorMsg:    "mqtt.broker is required",
		},
		{
			name: "no sources defined",
			configYAML: `mqtt:
  broker: tcp://localhost:1883
sources: []
`,
			shouldError: true,
			errorMsg:    "at least one source",
		},
		{
			name: "source position dimension mismatch",
			configYAML: `mqtt:
  broker: tcp://localhost:1883
dimensions: 2
sources:
  - id: a
    position: [0, 0, 0]
`,
			shouldError: true,
			errorMsg:    "position has",
		},
		{
			name: "unknown robust method",
			configYAML: `mqtt:
  broker: tcp://localhost:1883
dimensions: 2
estimator:
  ranging:
    method: centroid
sources:
  - id: a
    position: [0, 0]
  - id: b
    position: [6, 0]
`,
			shouldError: true,
			errorMsg:    "estimator.ranging",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := indoor.LoadConfig(configPath)

			if tt.shouldError {
				if err == nil {
					t.Fatalf("Expected error containing %q, got nil", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %q, want it to contain %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if config == nil {
				t.Fatal("Expected config to be non-nil")
			}
			if config.HTTPAddr != ":8080" {
				t.Errorf("HTTPAddr = %q, want :8080", config.HTTPAddr)
			}
			if config.GetDimensions() != 2 {
				t.Errorf("dimensions = %d, want 2", config.GetDimensions())
			}
		})
	}
}

// TestServiceCalibrationCache mirrors the startup cache handling: a missing
// file is fine, a corrupt one is an error the service survives with a warning.
func TestServiceCalibrationCache(t *testing.T) {
	tests := []struct {
		name        string
		cacheJSON   string
		shouldExist bool
		shouldError bool
		expectFits  int
	}{
		{
			name: "valid cache",
			cacheJSON: `{
  "sources": {
    "a": {"transmitPower": -41.5, "pathLossExponent": 2.2, "residualStdDev": 1.1, "numSamples": 12},
    "b": {"transmitPower": -39.0, "pathLossExponent": 1.9, "residualStdDev": 0.8, "numSamples": 20}
  },
  "lastUpdated": 1234567890
}`,
			shouldExist: true,
			expectFits:  2,
		},
		{
			name:        "missing cache file",
			shouldExist: false,
		},
		{
			name:        "invalid JSON",
			cacheJSON:   `{invalid json`,
			shouldExist: true,
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			cachePath := filepath.Join(tmpDir, "pathloss-cache.json")

			if tt.shouldExist {
				if err := os.WriteFile(cachePath, []byte(tt.cacheJSON), 0644); err != nil {
					t.Fatalf("Failed to write test cache: %v", err)
				}
			}

			cache, err := indoor.LoadCalibration(cachePath)

			if tt.shouldError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !tt.shouldExist {
				if cache != nil {
					t.Error("Expected nil cache for a missing file")
				}
				return
			}
			if cache == nil {
				t.Fatal("Expected cache to be non-nil")
			}
			if len(cache.Sources) != tt.expectFits {
				t.Errorf("Expected %d fits, got %d", tt.expectFits, len(cache.Sources))
			}
			fit, ok := cache.GetFit("a")
			if !ok {
				t.Fatal("Fit for source a should exist")
			}
			if fit.PathLossExponent != 2.2 {
				t.Errorf("PathLossExponent = %f, want 2.2", fit.PathLossExponent)
			}
		})
	}
}

// TestServiceTopics verifies the subscription wildcard and the topic parser
// agree on the device segment.
func TestServiceTopics(t *testing.T) {
	config := &indoor.Config{}
	if got := config.GetFingerprintPrefix(); got != indoor.DefaultFingerprintPrefix {
		t.Errorf("fingerprint prefix = %q, want default %q", got, indoor.DefaultFingerprintPrefix)
	}
	if got := config.GetPublishPrefix(); got != indoor.DefaultPublishPrefix {
		t.Errorf("publish prefix = %q, want default %q", got, indoor.DefaultPublishPrefix)
	}

	config.MQTT.FingerprintPrefix = "site/devices"
	topic := config.GetFingerprintPrefix() + "/tag-1/fingerprint"
	device, ok := indoor.DeviceIDFromTopic(topic)
	if !ok {
		t.Fatalf("DeviceIDFromTopic(%q) did not match", topic)
	}
	if device != "tag-1" {
		t.Errorf("device = %q, want tag-1", device)
	}
}

// TestServiceEstimateFlow runs a fingerprint through the same path the
// message handler uses: estimate, flag the outlier, store the scene.
func TestServiceEstimateFlow(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeServiceConfig(t, tmpDir)

	app := NewApp()
	app.ConfigFile = configPath
	app.CalibrationCache = filepath.Join(tmpDir, "no-cache.json")
	if err := app.loadEstimationSetup(); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if len(app.Sources) != 5 {
		t.Fatalf("sources = %d, want 5", len(app.Sources))
	}

	// Device at (2, 3); source e reports a range 4 m too long.
	truth := []float64{2, 3}
	fp := &indoor.Fingerprint{DeviceID: "tag-1"}
	for _, s := range app.Sources {
		d := math.Hypot(s.Position[0]-truth[0], s.Position[1]-truth[1])
		if s.ID == "e" {
			d += 4
		}
		fp.Readings = append(fp.Readings, indoor.NewRangingReading(s.ID, d, 0.05))
	}

	scene, pos, err := app.estimateFingerprint("tag-1", fp)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if d := math.Hypot(pos.Coordinates[0]-2, pos.Coordinates[1]-3); d > 0.15 {
		t.Errorf("position = %s, want within 0.15 m of (2.000, 3.000)", formatCoords(pos.Coordinates))
	}
	if pos.NumInliers != 4 {
		t.Errorf("NumInliers = %d, want 4 of 5", pos.NumInliers)
	}
	for _, s := range scene.Samples {
		if s.SourceID == "e" && s.Inlier {
			t.Error("the off range sample should be flagged as an outlier")
		}
		if s.SourceID != "e" && !s.Inlier {
			t.Errorf("sample for %s should be an inlier", s.SourceID)
		}
	}

	// The handler stores the scene for the HTTP endpoints.
	app.Tracker.UpdateScene("tag-1", scene)
	got := app.Tracker.GetScene("")
	if got == nil || got.DeviceID != "tag-1" {
		t.Fatal("tracker should serve the updated scene")
	}
	positions := app.Tracker.Positions()
	if len(positions) != 1 || positions[0].DeviceID != "tag-1" {
		t.Fatalf("positions = %v, want one entry for tag-1", positions)
	}
}

// TestServiceEstimateFlow_DropsBadFingerprint checks the handler contract: a
// fingerprint that cannot be estimated is an error, not a crash, and leaves
// the tracker untouched.
func TestServiceEstimateFlow_DropsBadFingerprint(t *testing.T) {
	app := NewApp()
	app.Config = &indoor.Config{Dimensions: 2}
	app.Sources = testSources()

	fp := &indoor.Fingerprint{
		DeviceID: "tag-1",
		Readings: []indoor.Reading{indoor.NewRangingReading("a", 2.0, 0.05)},
	}
	if _, _, err := app.estimateFingerprint("tag-1", fp); err == nil {
		t.Fatal("expected an error for a fingerprint with too few readings")
	}
	if app.Tracker.HasScenes() {
		t.Error("a failed estimate must not reach the tracker")
	}

	// The next valid fingerprint estimates normally.
	if _, _, err := app.estimateFingerprint("tag-1", syntheticFingerprint("tag-1", []float64{2, 3})); err != nil {
		t.Errorf("recovery estimate failed: %v", err)
	}
}
