package indoor

import (
	"fmt"
	"math"
)

const (
	// DefaultPathLossExponent models free space propagation. Indoor
	// environments typically sit between 1.6 and 4.
	DefaultPathLossExponent = 2.0

	// pathLossReferenceDistance is the distance in meters at which
	// Source.TransmitPower is expected to be observed.
	pathLossReferenceDistance = 1.0
)

// DistanceFromRssi converts a received signal strength into a distance using
// the log distance path loss model:
//
//	rssi = txPower - 10*exponent*log10(d/d0)
//
// solved for d. txPower is the expected RSSI at the reference distance d0.
func DistanceFromRssi(rssi, txPower, exponent float64) float64 {
	if exponent <= 0 {
		exponent = DefaultPathLossExponent
	}
	return pathLossReferenceDistance * math.Pow(10, (txPower-rssi)/(10*exponent))
}

// RssiFromDistance is the forward model, mostly useful for tests and for
// synthesizing fingerprints.
func RssiFromDistance(distance, txPower, exponent float64) float64 {
	if exponent <= 0 {
		exponent = DefaultPathLossExponent
	}
	return txPower - 10*exponent*math.Log10(distance/pathLossReferenceDistance)
}

// DistanceDeviationFromRssi propagates an RSSI standard deviation through the
// path loss model by first order error propagation:
//
//	sd_d = d * ln(10)/(10*exponent) * sd_rssi
//
// Returns 0 when the RSSI deviation is unknown.
func DistanceDeviationFromRssi(distance, exponent, rssiStdDev float64) float64 {
	if rssiStdDev <= 0 {
		return 0
	}
	if exponent <= 0 {
		exponent = DefaultPathLossExponent
	}
	return distance * math.Ln10 / (10 * exponent) * rssiStdDev
}

// PathLossFit holds calibrated path loss model parameters for one source.
type PathLossFit struct {
	TransmitPower    float64 `json:"transmitPower"`    // dBm at the reference distance
	PathLossExponent float64 `json:"pathLossExponent"` // decay exponent
	ResidualStdDev   float64 `json:"residualStdDev"`   // dB spread of the fit
	NumSamples       int     `json:"numSamples"`
}

// FitPathLoss calibrates transmit power and path loss exponent from paired
// (distance, rssi) observations by least squares on the log linear model
// rssi = txPower - 10*exponent*log10(d). Needs at least two samples at
// distinct distances.
func FitPathLoss(distances, rssis []float64) (*PathLossFit, error) {
	if len(distances) != len(rssis) {
		return nil, fmt.Errorf("%w: got %d distances and %d rssi values",
			ErrInvalidInput, len(distances), len(rssis))
	}
	n := 0
	var sumX, sumY, sumXX, sumXY float64
	for i, d := range distances {
		if d <= 0 || !isFinite(d) || !isFinite(rssis[i]) {
			continue
		}
		x := -10 * math.Log10(d/pathLossReferenceDistance)
		y := rssis[i]
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
		n++
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least two usable samples, got %d", ErrInvalidInput, n)
	}

	fn := float64(n)
	det := fn*sumXX - sumX*sumX
	if math.Abs(det) < 1e-12 {
		return nil, fmt.Errorf("%w: all samples at the same distance", ErrInvalidInput)
	}
	// y = exponent*x + txPower
	exponent := (fn*sumXY - sumX*sumY) / det
	txPower := (sumY - exponent*sumX) / fn

	var ss float64
	for i, d := range distances {
		if d <= 0 || !isFinite(d) || !isFinite(rssis[i]) {
			continue
		}
		pred := txPower - 10*exponent*math.Log10(d/pathLossReferenceDistance)
		r := rssis[i] - pred
		ss += r * r
	}
	residual := 0.0
	if n > 2 {
		residual = math.Sqrt(ss / float64(n-2))
	}

	return &PathLossFit{
		TransmitPower:    txPower,
		PathLossExponent: exponent,
		ResidualStdDev:   residual,
		NumSamples:       n,
	}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
