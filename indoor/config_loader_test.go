package indoor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/tudopos/lateration"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  fingerprintPrefix: tudopos/devices
  publishPrefix: tudopos/estimates
  clientId: tudopos-test
dimensions: 3
estimator:
  ranging:
    method: ransac
    threshold: 0.25
sources:
  - id: anchor-a
    position: [0, 0, 0]
    transmitPower: -41
  - id: anchor-b
    position: [10, 0, 0]
    covarianceDiagonal: [0.04, 0.04, 0.09]
  - id: anchor-c
    position: [0, 10, 0]
    pathLossExponent: 2.4
  - id: anchor-d
    position: [0, 0, 10]
  - id: anchor-e
    position: [10, 10, 10]
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q, want %q", cfg.MQTT.Broker, "tcp://localhost:1883")
	}
	if len(cfg.Sources) != 5 {
		t.Fatalf("len(Sources) = %d, want 5", len(cfg.Sources))
	}
	if cfg.Sources[0].ID != "anchor-a" {
		t.Errorf("Sources[0].ID = %q, want anchor-a", cfg.Sources[0].ID)
	}
	if cfg.Sources[0].TransmitPower == nil || *cfg.Sources[0].TransmitPower != -41 {
		t.Errorf("Sources[0].TransmitPower = %v, want -41", cfg.Sources[0].TransmitPower)
	}
	if cfg.Sources[1].CovarianceDiagonal[2] != 0.09 {
		t.Errorf("Sources[1].CovarianceDiagonal = %v", cfg.Sources[1].CovarianceDiagonal)
	}
	if cfg.Estimator.Ranging.Method != "ransac" {
		t.Errorf("Ranging.Method = %q, want ransac", cfg.Estimator.Ranging.Method)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing broker",
			yaml: `mqtt:
  broker: ""
sources:
  - id: a
    position: [0, 0, 0]
`,
		},
		{
			name: "empty sources list",
			yaml: `mqtt:
  broker: tcp://localhost:1883
sources: []
`,
		},
		{
			name: "source missing id",
			yaml: `mqtt:
  broker: tcp://localhost:1883
sources:
  - id: ""
    position: [0, 0, 0]
`,
		},
		{
			name: "bad dimensions",
			yaml: `mqtt:
  broker: tcp://localhost:1883
dimensions: 5
sources:
  - id: a
    position: [0, 0, 0, 0, 0]
`,
		},
		{
			name: "position dimensionality mismatch",
			yaml: `mqtt:
  broker: tcp://localhost:1883
dimensions: 2
sources:
  - id: a
    position: [0, 0, 0]
`,
		},
		{
			name: "covariance diagonal length mismatch",
			yaml: `mqtt:
  broker: tcp://localhost:1883
sources:
  - id: a
    position: [0, 0, 0]
    covarianceDiagonal: [1, 1]
`,
		},
		{
			name: "negative covariance",
			yaml: `mqtt:
  broker: tcp://localhost:1883
sources:
  - id: a
    position: [0, 0, 0]
    covarianceDiagonal: [1, 1, -1]
`,
		},
		{
			name: "unknown method",
			yaml: `mqtt:
  broker: tcp://localhost:1883
estimator:
  rssi:
    method: leastsquares
sources:
  - id: a
    position: [0, 0, 0]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	orig := &Config{
		MQTT:    MQTTConfig{Broker: "tcp://broker:1883"},
		Sources: []SourceConfig{{ID: "a", Position: []float64{1, 2, 3}}},
	}

	if err := SaveConfig(path, orig); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.MQTT.Broker != orig.MQTT.Broker || len(got.Sources) != 1 {
		t.Errorf("reloaded config = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Defaults and conversions
// ---------------------------------------------------------------------------

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.GetDimensions() != 3 {
		t.Errorf("GetDimensions = %d, want 3", cfg.GetDimensions())
	}
	if cfg.GetFingerprintPrefix() != DefaultFingerprintPrefix {
		t.Errorf("GetFingerprintPrefix = %q", cfg.GetFingerprintPrefix())
	}
	if cfg.GetPublishPrefix() != DefaultPublishPrefix {
		t.Errorf("GetPublishPrefix = %q", cfg.GetPublishPrefix())
	}
	if cfg.GetClientID() != DefaultClientID {
		t.Errorf("GetClientID = %q", cfg.GetClientID())
	}
	if !cfg.IsSequential() {
		t.Error("IsSequential should default to true")
	}
	off := false
	cfg.Estimator.Sequential = &off
	if cfg.IsSequential() {
		t.Error("IsSequential should honor an explicit false")
	}
}

func TestPhaseSettingsToPhaseConfig(t *testing.T) {
	refine := false
	ps := PhaseSettings{
		Method:        "msac",
		Threshold:     0.5,
		Confidence:    0.95,
		MaxIterations: 100,
		Refine:        &refine,
	}

	cfg, err := ps.ToPhaseConfig()
	if err != nil {
		t.Fatalf("ToPhaseConfig: %v", err)
	}
	if cfg.Method.Method != lateration.MethodMsac || cfg.Method.Threshold != 0.5 {
		t.Errorf("method config = %+v", cfg.Method)
	}
	if cfg.Confidence != 0.95 || cfg.MaxIterations != 100 {
		t.Errorf("knobs = %+v", cfg)
	}
	if cfg.RefineResult {
		t.Error("explicit refine false ignored")
	}
	if !cfg.UseLinearSolver {
		t.Error("UseLinearSolver should default to true")
	}

	// Empty settings select PROMedS with solver defaults.
	var empty PhaseSettings
	cfg, err = empty.ToPhaseConfig()
	if err != nil {
		t.Fatalf("ToPhaseConfig(empty): %v", err)
	}
	if cfg.Method.Method != lateration.MethodPromeds {
		t.Errorf("default method = %v, want PROMedS", cfg.Method.Method)
	}

	bad := PhaseSettings{Method: "leastsquares"}
	if _, err := bad.ToPhaseConfig(); err == nil {
		t.Error("unknown method should return error")
	}
}

func TestBuildSources_MergesCalibration(t *testing.T) {
	tx := -50.0
	cfg := &Config{
		Dimensions: 2,
		Sources: []SourceConfig{
			{ID: "a", Position: []float64{0, 0}, TransmitPower: &tx},
			{ID: "b", Position: []float64{5, 5}, CovarianceDiagonal: []float64{0.25, 1}},
			{ID: "c", Position: []float64{9, 1}},
		},
	}
	cache := &SourceCalibration{Sources: map[string]PathLossFit{
		"a": {TransmitPower: -38, PathLossExponent: 2.5},
		"b": {TransmitPower: -36, PathLossExponent: 2.1},
	}}

	sources := cfg.BuildSources(cache)
	if len(sources) != 3 {
		t.Fatalf("len(sources) = %d, want 3", len(sources))
	}
	// Explicit config power wins over the cache.
	if sources[0].TransmitPower != -50 {
		t.Errorf("a.TransmitPower = %v, want -50", sources[0].TransmitPower)
	}
	// Unset exponent still comes from the cache.
	if sources[0].PathLossExponent != 2.5 {
		t.Errorf("a.PathLossExponent = %v, want 2.5", sources[0].PathLossExponent)
	}
	if sources[1].TransmitPower != -36 || sources[1].PathLossExponent != 2.1 {
		t.Errorf("b = %+v, want calibrated values", sources[1])
	}
	if sources[1].PositionCovariance == nil || sources[1].PositionCovariance.At(1, 1) != 1 {
		t.Errorf("b covariance = %v", sources[1].PositionCovariance)
	}
	// No config value, no cache entry: service default.
	if sources[2].TransmitPower != DefaultTransmitPower {
		t.Errorf("c.TransmitPower = %v, want %v", sources[2].TransmitPower, DefaultTransmitPower)
	}
	if sources[2].PathLossExponent != 0 {
		t.Errorf("c.PathLossExponent = %v, want 0 (model default)", sources[2].PathLossExponent)
	}
}

func TestBuildForceExponentMap(t *testing.T) {
	m := BuildForceExponentMap("a=2.5,b=3")
	if len(m) != 2 || m["a"] != 2.5 || m["b"] != 3 {
		t.Errorf("BuildForceExponentMap = %v", m)
	}
	if len(BuildForceExponentMap("")) != 0 {
		t.Error("empty spec should produce an empty map")
	}
	m = BuildForceExponentMap("garbage,a=1.8")
	if len(m) != 1 || m["a"] != 1.8 {
		t.Errorf("BuildForceExponentMap with garbage = %v", m)
	}
}
