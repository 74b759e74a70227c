package indoor

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// DecodeFingerprintData decodes a fingerprint payload from the formats
// carried on the wire:
// - Raw JSON (starts with '{')
// - Zlib-compressed JSON
func DecodeFingerprintData(data []byte) (*Fingerprint, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	jsonBytes := data
	if data[0] != '{' {
		inflated, err := inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not JSON or zlib-compressed")
		}
		jsonBytes = inflated
	}

	if len(jsonBytes) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}

	fp, err := ParseFingerprintJSON(jsonBytes)
	if err != nil {
		return nil, err
	}
	if err := ValidateFingerprint(fp); err != nil {
		return nil, err
	}
	return fp, nil
}

// ParseFingerprintJSON parses fingerprint JSON data without validating it.
func ParseFingerprintJSON(data []byte) (*Fingerprint, error) {
	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &fp, nil
}

// ValidateFingerprint checks that every reading carries the measurements its
// kind requires, with finite values and non-negative deviations. Zero
// deviations mean unknown and are allowed.
func ValidateFingerprint(fp *Fingerprint) error {
	if fp == nil || len(fp.Readings) == 0 {
		return fmt.Errorf("%w: fingerprint has no readings", ErrInvalidInput)
	}
	for i := range fp.Readings {
		r := &fp.Readings[i]
		if r.SourceID == "" {
			return fmt.Errorf("%w: reading %d has no source id", ErrInvalidInput, i)
		}
		needsDistance := r.Kind == KindRanging || r.Kind == KindRangingAndRssi
		needsRssi := r.Kind == KindRssi || r.Kind == KindRangingAndRssi
		if !needsDistance && !needsRssi {
			return fmt.Errorf("%w: reading %d has unknown kind %d", ErrInvalidInput, i, r.Kind)
		}
		if needsDistance {
			if !isFinite(r.Distance) || r.Distance < 0 {
				return fmt.Errorf("%w: reading %d has distance %v", ErrInvalidInput, i, r.Distance)
			}
			if !isFinite(r.DistanceStdDev) || r.DistanceStdDev < 0 {
				return fmt.Errorf("%w: reading %d has distance deviation %v",
					ErrInvalidInput, i, r.DistanceStdDev)
			}
		}
		if needsRssi {
			if !isFinite(r.Rssi) {
				return fmt.Errorf("%w: reading %d has RSSI %v", ErrInvalidInput, i, r.Rssi)
			}
			if !isFinite(r.RssiStdDev) || r.RssiStdDev < 0 {
				return fmt.Errorf("%w: reading %d has RSSI deviation %v",
					ErrInvalidInput, i, r.RssiStdDev)
			}
		}
		if r.NumAttempts < 0 || r.NumSuccesses < 0 ||
			(r.NumAttempts > 0 && r.NumSuccesses > r.NumAttempts) {
			return fmt.Errorf("%w: reading %d reports %d successes out of %d attempts",
				ErrInvalidInput, i, r.NumSuccesses, r.NumAttempts)
		}
	}
	return nil
}

// DecodeFingerprintFile reads and decodes a fingerprint file.
// This is a convenience function for the one-shot command line mode.
func DecodeFingerprintFile(path string) (*Fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return DecodeFingerprintData(data)
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			// Data already read, close failures carry no information here.
			_ = closeErr
		}
	}()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}
