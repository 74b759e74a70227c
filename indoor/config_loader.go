package indoor

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/kwv/tudopos/lateration"
)

// DefaultTransmitPower is assumed for sources whose config and calibration
// both leave the transmit power unset, in dBm at one meter.
const DefaultTransmitPower = -40.0

// Default topic roots used when the config leaves them empty.
const (
	DefaultFingerprintPrefix = "tudopos/devices"
	DefaultPublishPrefix     = "tudopos/estimates"
	DefaultClientID          = "tudopos"
)

// Config represents the full configuration file
type Config struct {
	MQTT       MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Dimensions int             `yaml:"dimensions,omitempty" json:"dimensions,omitempty"` // 2 or 3, default 3
	Estimator  EstimatorConfig `yaml:"estimator,omitempty" json:"estimator,omitempty"`
	Sources    []SourceConfig  `yaml:"sources" json:"sources"`

	CalibrationCache string  `yaml:"calibrationCache,omitempty" json:"calibrationCache,omitempty"` // path-loss cache path
	HTTPAddr         string  `yaml:"httpAddr,omitempty" json:"httpAddr,omitempty"`                 // e.g. ":8574", empty disables HTTP
	GridSpacing      float64 `yaml:"gridSpacing,omitempty" json:"gridSpacing,omitempty"`           // renderer grid in meters (default 1)
	VectorResolution float64 `yaml:"vectorResolution,omitempty" json:"vectorResolution,omitempty"` // vector PNG pixels per meter (default 50)
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker            string `yaml:"broker" json:"broker"`
	FingerprintPrefix string `yaml:"fingerprintPrefix,omitempty" json:"fingerprintPrefix,omitempty"`
	PublishPrefix     string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID          string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username          string `yaml:"username,omitempty" json:"username,omitempty"`
	Password          string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SourceConfig describes one located source in the configuration file.
// TransmitPower and PathLossExponent are optional; values from the
// calibration cache fill them only when unset here.
type SourceConfig struct {
	ID                 string    `yaml:"id" json:"id"`
	Position           []float64 `yaml:"position" json:"position"`
	CovarianceDiagonal []float64 `yaml:"covarianceDiagonal,omitempty" json:"covarianceDiagonal,omitempty"` // per-axis position variance
	TransmitPower      *float64  `yaml:"transmitPower,omitempty" json:"transmitPower,omitempty"`
	PathLossExponent   *float64  `yaml:"pathLossExponent,omitempty" json:"pathLossExponent,omitempty"`
}

// EstimatorConfig selects the estimation pipeline and its per-phase knobs.
type EstimatorConfig struct {
	// Sequential selects the two phase RSSI+ranging pipeline. Nil means true.
	Sequential    *bool         `yaml:"sequential,omitempty" json:"sequential,omitempty"`
	Rssi          PhaseSettings `yaml:"rssi,omitempty" json:"rssi,omitempty"`
	Ranging       PhaseSettings `yaml:"ranging,omitempty" json:"ranging,omitempty"`
	ProgressDelta float64       `yaml:"progressDelta,omitempty" json:"progressDelta,omitempty"`
}

// PhaseSettings is the YAML form of one phase configuration. Method is one of
// ransac, lmeds, msac, prosac, promeds (default promeds). Numeric zero values
// select the solver defaults; nil pointer booleans default to true.
type PhaseSettings struct {
	Method                   string  `yaml:"method,omitempty" json:"method,omitempty"`
	Threshold                float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	StopThreshold            float64 `yaml:"stopThreshold,omitempty" json:"stopThreshold,omitempty"`
	Confidence               float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	MaxIterations            int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	SubsetSize               int     `yaml:"subsetSize,omitempty" json:"subsetSize,omitempty"`
	Refine                   *bool   `yaml:"refine,omitempty" json:"refine,omitempty"`
	KeepCovariance           *bool   `yaml:"keepCovariance,omitempty" json:"keepCovariance,omitempty"`
	UseLinearSolver          *bool   `yaml:"useLinearSolver,omitempty" json:"useLinearSolver,omitempty"`
	HomogeneousSolver        bool    `yaml:"homogeneousSolver,omitempty" json:"homogeneousSolver,omitempty"`
	UseSourceCovariance      bool    `yaml:"useSourceCovariance,omitempty" json:"useSourceCovariance,omitempty"`
	EvenlyDistributeReadings bool    `yaml:"evenlyDistributeReadings,omitempty" json:"evenlyDistributeReadings,omitempty"`
	FallbackDistanceStdDev   float64 `yaml:"fallbackDistanceStdDev,omitempty" json:"fallbackDistanceStdDev,omitempty"`
}

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if len(config.Sources) == 0 {
		return nil, fmt.Errorf("at least one source must be defined")
	}
	dims := config.GetDimensions()
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("dimensions must be 2 or 3, got %d", config.Dimensions)
	}

	// Validate source configs
	for i, sc := range config.Sources {
		if sc.ID == "" {
			return nil, fmt.Errorf("sources[%d].id is required", i)
		}
		if len(sc.Position) != dims {
			return nil, fmt.Errorf("sources[%d].position has %d coordinates for %s, want %d",
				i, len(sc.Position), sc.ID, dims)
		}
		if sc.CovarianceDiagonal != nil && len(sc.CovarianceDiagonal) != dims {
			return nil, fmt.Errorf("sources[%d].covarianceDiagonal has %d entries for %s, want %d",
				i, len(sc.CovarianceDiagonal), sc.ID, dims)
		}
		for _, v := range sc.CovarianceDiagonal {
			if v < 0 {
				return nil, fmt.Errorf("sources[%d].covarianceDiagonal has negative variance for %s", i, sc.ID)
			}
		}
	}

	// Validate method names early so the service fails at startup, not on the
	// first message.
	if _, err := config.Estimator.Rssi.methodConfig(); err != nil {
		return nil, fmt.Errorf("estimator.rssi: %w", err)
	}
	if _, err := config.Estimator.Ranging.methodConfig(); err != nil {
		return nil, fmt.Errorf("estimator.ranging: %w", err)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetDimensions returns the configured dimensionality, defaulting to 3.
func (c *Config) GetDimensions() int {
	if c.Dimensions == 0 {
		return 3
	}
	return c.Dimensions
}

// GetSourceByID returns the source config for the given ID
func (c *Config) GetSourceByID(id string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// GetFingerprintPrefix returns the subscribe topic root.
func (c *Config) GetFingerprintPrefix() string {
	if c.MQTT.FingerprintPrefix == "" {
		return DefaultFingerprintPrefix
	}
	return c.MQTT.FingerprintPrefix
}

// GetPublishPrefix returns the publish topic root.
func (c *Config) GetPublishPrefix() string {
	if c.MQTT.PublishPrefix == "" {
		return DefaultPublishPrefix
	}
	return c.MQTT.PublishPrefix
}

// GetClientID returns the MQTT client identifier.
func (c *Config) GetClientID() string {
	if c.MQTT.ClientID == "" {
		return DefaultClientID
	}
	return c.MQTT.ClientID
}

// IsSequential reports whether the two phase pipeline is selected.
func (c *Config) IsSequential() bool {
	if c.Estimator.Sequential == nil {
		return true
	}
	return *c.Estimator.Sequential
}

// methodConfig maps the method name onto its threshold knob. An empty name
// selects PROMedS.
func (p *PhaseSettings) methodConfig() (MethodConfig, error) {
	if p.Method == "" {
		return PromedsConfig(p.StopThreshold), nil
	}
	method, err := lateration.ParseMethod(p.Method)
	if err != nil {
		return MethodConfig{}, err
	}
	mc := MethodConfig{Method: method}
	if method.UsesStopThreshold() {
		mc.StopThreshold = p.StopThreshold
	} else {
		mc.Threshold = p.Threshold
	}
	return mc, nil
}

// ToPhaseConfig converts the YAML settings into a runnable phase
// configuration.
func (p *PhaseSettings) ToPhaseConfig() (PhaseConfig, error) {
	mc, err := p.methodConfig()
	if err != nil {
		return PhaseConfig{}, err
	}
	cfg := DefaultPhaseConfig(mc)
	if p.Confidence != 0 {
		cfg.Confidence = p.Confidence
	}
	if p.MaxIterations != 0 {
		cfg.MaxIterations = p.MaxIterations
	}
	if p.SubsetSize != 0 {
		cfg.PreliminarySubsetSize = p.SubsetSize
	}
	if p.Refine != nil {
		cfg.RefineResult = *p.Refine
	}
	if p.KeepCovariance != nil {
		cfg.KeepCovariance = *p.KeepCovariance
	}
	if p.UseLinearSolver != nil {
		cfg.UseLinearSolver = *p.UseLinearSolver
	}
	cfg.UseHomogeneousLinearSolver = p.HomogeneousSolver
	cfg.UseSourcePositionCovariance = p.UseSourceCovariance
	cfg.EvenlyDistributeReadings = p.EvenlyDistributeReadings
	if p.FallbackDistanceStdDev != 0 {
		cfg.FallbackDistanceStdDev = p.FallbackDistanceStdDev
	}
	return cfg, nil
}

// BuildSources converts the source configs into the registry handed to the
// estimators, with the calibration cache filling parameters the config left
// unset. Explicit config values take precedence over cached calibration.
func (c *Config) BuildSources(cache *SourceCalibration) []Source {
	dims := c.GetDimensions()
	out := make([]Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		src := Source{
			ID:            sc.ID,
			Position:      append([]float64(nil), sc.Position...),
			TransmitPower: DefaultTransmitPower,
		}
		if sc.CovarianceDiagonal != nil {
			cov := mat.NewSymDense(dims, nil)
			for i, v := range sc.CovarianceDiagonal {
				cov.SetSym(i, i, v)
			}
			src.PositionCovariance = cov
		}

		fit, calibrated := cache.GetFit(sc.ID)
		if sc.TransmitPower != nil {
			src.TransmitPower = *sc.TransmitPower
		} else if calibrated {
			src.TransmitPower = fit.TransmitPower
		}
		if sc.PathLossExponent != nil {
			src.PathLossExponent = *sc.PathLossExponent
		} else if calibrated {
			src.PathLossExponent = fit.PathLossExponent
		}

		out = append(out, src)
	}
	return out
}

// BuildForceExponentMap creates a path loss exponent override map from the
// --force-exponent CLI flag format: "SOURCE_ID=EXPONENT,SOURCE_ID2=EXPONENT2"
func BuildForceExponentMap(forceExponent string) map[string]float64 {
	exponents := make(map[string]float64)

	if forceExponent == "" {
		return exponents
	}

	remaining := forceExponent
	for remaining != "" {
		var spec string
		idx := indexOf(remaining, ',')
		if idx == -1 {
			spec = remaining
			remaining = ""
		} else {
			spec = remaining[:idx]
			remaining = remaining[idx+1:]
		}

		// Parse SOURCE_ID=EXPONENT
		eqIdx := indexOf(spec, '=')
		if eqIdx == -1 {
			continue
		}

		sourceID := spec[:eqIdx]
		var exponent float64
		if _, err := fmt.Sscanf(spec[eqIdx+1:], "%f", &exponent); err == nil {
			exponents[sourceID] = exponent
		}
	}

	return exponents
}

// indexOf returns the index of the first occurrence of sep in s, or -1 if not found
func indexOf(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return i
		}
	}
	return -1
}
