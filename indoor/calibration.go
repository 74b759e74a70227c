package indoor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultCalibrationCachePath is the default path for the fitted path loss cache
const DefaultCalibrationCachePath = ".pathloss-cache.json"

// CalibrationSample is one RSSI observation taken at a known distance from a
// source, the raw material for fitting its path loss model.
type CalibrationSample struct {
	SourceID string  `json:"sourceId"`
	Distance float64 `json:"distance"` // meters
	Rssi     float64 `json:"rssi"`     // dBm
}

// SourceCalibration holds fitted path loss models per source.
type SourceCalibration struct {
	Sources     map[string]PathLossFit `json:"sources"`
	LastUpdated int64                  `json:"lastUpdated"`
}

// LoadCalibration loads fitted path loss models from a JSON cache file
func LoadCalibration(path string) (*SourceCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No calibration file yet
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var cal SourceCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}

	return &cal, nil
}

// SaveCalibration saves fitted path loss models to a JSON cache file
func SaveCalibration(path string, cal *SourceCalibration) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	// Update timestamp
	cal.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}

	return nil
}

// LoadCalibrationSamples reads a JSON file of calibration samples, the input
// of the one-shot calibrate mode.
func LoadCalibrationSamples(path string) ([]CalibrationSample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading samples file: %w", err)
	}
	var samples []CalibrationSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("parsing samples file: %w", err)
	}
	return samples, nil
}

// CalibrateSources fits a path loss model per source from observations taken
// at known distances. Sources without enough usable samples are left out, so
// callers keep their configured model for those.
func CalibrateSources(samples []CalibrationSample) (*SourceCalibration, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no calibration samples", ErrInvalidInput)
	}

	distances := make(map[string][]float64)
	rssis := make(map[string][]float64)
	for _, s := range samples {
		distances[s.SourceID] = append(distances[s.SourceID], s.Distance)
		rssis[s.SourceID] = append(rssis[s.SourceID], s.Rssi)
	}

	cal := &SourceCalibration{
		Sources:     make(map[string]PathLossFit),
		LastUpdated: time.Now().Unix(),
	}
	for id := range distances {
		fit, err := FitPathLoss(distances[id], rssis[id])
		if err != nil {
			continue
		}
		cal.Sources[id] = *fit
	}
	if len(cal.Sources) == 0 {
		return nil, fmt.Errorf("%w: no source had enough usable samples", ErrInvalidInput)
	}

	return cal, nil
}

// GetFit retrieves the fitted model for a source.
func (c *SourceCalibration) GetFit(sourceID string) (PathLossFit, bool) {
	if c == nil || c.Sources == nil {
		return PathLossFit{}, false
	}
	fit, ok := c.Sources[sourceID]
	return fit, ok
}

// ApplyToSources overwrites the configured transmit power and exponent of
// every source a fit exists for and returns how many were updated.
func (c *SourceCalibration) ApplyToSources(sources []Source) int {
	if c == nil {
		return 0
	}
	updated := 0
	for i := range sources {
		fit, ok := c.GetFit(sources[i].ID)
		if !ok {
			continue
		}
		sources[i].TransmitPower = fit.TransmitPower
		sources[i].PathLossExponent = fit.PathLossExponent
		updated++
	}
	return updated
}

// CalibrationStatus provides status information about calibration
type CalibrationStatus struct {
	CalibratedSources []string  `json:"calibratedSources"`
	MissingSources    []string  `json:"missingSources"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// GetStatus returns the current calibration status
func (c *SourceCalibration) GetStatus(expectedSources []string) CalibrationStatus {
	var status CalibrationStatus

	if c == nil {
		status.MissingSources = expectedSources
		return status
	}

	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	calibrated := make(map[string]bool)
	for id := range c.Sources {
		status.CalibratedSources = append(status.CalibratedSources, id)
		calibrated[id] = true
	}

	for _, id := range expectedSources {
		if !calibrated[id] {
			status.MissingSources = append(status.MissingSources, id)
		}
	}

	return status
}

// NeedsRecalibration checks if calibration should be refreshed
func (c *SourceCalibration) NeedsRecalibration(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}
