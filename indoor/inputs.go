package indoor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolverInputs is the flat sample form consumed by the lateration solver.
// All slices run parallel; QualityScores is nil when no scores were
// configured.
type SolverInputs struct {
	Positions          [][]float64
	Distances          []float64
	StandardDeviations []float64
	QualityScores      []float64
	// ReadingIdx maps each sample back to the fingerprint reading it came
	// from. Composite readings contribute two samples with the same index.
	ReadingIdx []int
}

// NumSamples returns how many usable samples were derived.
func (in *SolverInputs) NumSamples() int {
	return len(in.Positions)
}

// BuildSolverInputs converts located sources and one fingerprint into
// parallel solver arrays. Every reading whose source is present yields one
// sample per carried measurement: ranging values are used directly, signal
// strengths are converted through the path loss model of their source.
//
// The standard deviation of each sample combines the measurement deviation
// with, when useSourceCovariance is set and the source carries one, the
// source position covariance projected on the line of sight from
// referencePosition. When neither yields a usable value the fallback
// deviation is substituted. Readings without a located source or without a
// finite non negative distance are skipped.
func BuildSolverInputs(sources []Source, fp *Fingerprint, useSourceCovariance bool,
	fallbackStdDev float64, sourceScores, readingScores []float64,
	referencePosition []float64) (*SolverInputs, error) {

	if fp == nil {
		return nil, fmt.Errorf("%w: nil fingerprint", ErrInvalidInput)
	}
	if fallbackStdDev <= 0 {
		return nil, fmt.Errorf("%w: fallback deviation %v", ErrInvalidInput, fallbackStdDev)
	}

	sourceIdx := make(map[string]int, len(sources))
	for i := range sources {
		if _, ok := sourceIdx[sources[i].ID]; !ok {
			sourceIdx[sources[i].ID] = i
		}
	}

	hasScores := sourceScores != nil || readingScores != nil
	in := &SolverInputs{}

	for ri := range fp.Readings {
		r := &fp.Readings[ri]
		si, ok := sourceIdx[r.SourceID]
		if !ok {
			continue
		}
		src := &sources[si]
		if len(src.Position) == 0 {
			continue
		}

		var score float64
		if readingScores != nil && ri < len(readingScores) {
			score = readingScores[ri]
		} else if sourceScores != nil && si < len(sourceScores) {
			score = sourceScores[si]
		}

		add := func(distance, measuredStdDev float64) {
			if distance < 0 || !isFinite(distance) {
				return
			}
			sd := effectiveStdDev(measuredStdDev, src, useSourceCovariance, referencePosition, fallbackStdDev)
			in.Positions = append(in.Positions, src.Position)
			in.Distances = append(in.Distances, distance)
			in.StandardDeviations = append(in.StandardDeviations, sd)
			in.ReadingIdx = append(in.ReadingIdx, ri)
			if hasScores {
				in.QualityScores = append(in.QualityScores, score)
			}
		}

		switch r.Kind {
		case KindRanging:
			add(r.Distance, r.DistanceStdDev)
		case KindRssi:
			d := DistanceFromRssi(r.Rssi, src.TransmitPower, src.Exponent())
			add(d, DistanceDeviationFromRssi(d, src.Exponent(), r.RssiStdDev))
		case KindRangingAndRssi:
			add(r.Distance, r.DistanceStdDev)
			d := DistanceFromRssi(r.Rssi, src.TransmitPower, src.Exponent())
			add(d, DistanceDeviationFromRssi(d, src.Exponent(), r.RssiStdDev))
		}
	}

	return in, nil
}

// effectiveStdDev combines a measured deviation with the projected source
// position uncertainty. Returns the fallback when no component is usable.
func effectiveStdDev(measured float64, src *Source, useCovariance bool, from []float64, fallback float64) float64 {
	variance := 0.0
	usable := false
	if measured > 0 && isFinite(measured) {
		variance += measured * measured
		usable = true
	}
	if useCovariance && src.PositionCovariance != nil &&
		src.PositionCovariance.SymmetricDim() == len(src.Position) {
		if v := projectedVariance(src.PositionCovariance, src.Position, from); v > 0 && isFinite(v) {
			variance += v
			usable = true
		}
	}
	if !usable {
		return fallback
	}
	sd := math.Sqrt(variance)
	if sd <= 0 || !isFinite(sd) {
		return fallback
	}
	return sd
}

// projectedVariance evaluates u^T C u for the unit line of sight direction u
// pointing from the reference position to the source. Without a usable
// reference the mean diagonal variance is used, which is exact for isotropic
// covariances.
func projectedVariance(cov *mat.SymDense, sourcePos, from []float64) float64 {
	d := len(sourcePos)
	if from == nil || len(from) != d {
		return meanDiagonal(cov, d)
	}
	u := make([]float64, d)
	var norm float64
	for j := range u {
		u[j] = sourcePos[j] - from[j]
		norm += u[j] * u[j]
	}
	norm = math.Sqrt(norm)
	if norm < 1e-12 {
		return meanDiagonal(cov, d)
	}
	for j := range u {
		u[j] /= norm
	}
	uv := mat.NewVecDense(d, u)
	return mat.Inner(uv, cov, uv)
}

func meanDiagonal(cov *mat.SymDense, d int) float64 {
	var tr float64
	for j := 0; j < d; j++ {
		tr += cov.At(j, j)
	}
	return tr / float64(d)
}
