// Package lateration estimates a 2D or 3D position from reference positions
// and measured distances. Estimation is robust to outlying measurements: a
// family of consensus methods (RANSAC, LMedS, MSAC, PROSAC, PROMedS) draws
// small subsets of samples, solves each closed-form, and keeps the candidate
// with the best agreement before refining it on the inliers.
package lateration

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Method selects the robust consensus strategy used to reject outliers.
type Method int

const (
	// MethodRansac maximizes the number of samples within a fixed threshold.
	MethodRansac Method = iota
	// MethodLmeds minimizes the median of squared residuals and derives the
	// inlier threshold from the result.
	MethodLmeds
	// MethodMsac scores candidates by truncated squared residuals instead of
	// a plain inlier count.
	MethodMsac
	// MethodProsac is RANSAC with progressive sampling guided by sample
	// quality scores.
	MethodProsac
	// MethodPromeds is LMedS with the same progressive sampling as PROSAC.
	MethodPromeds
)

func (m Method) String() string {
	switch m {
	case MethodRansac:
		return "RANSAC"
	case MethodLmeds:
		return "LMedS"
	case MethodMsac:
		return "MSAC"
	case MethodProsac:
		return "PROSAC"
	case MethodPromeds:
		return "PROMedS"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod converts a config string such as "ransac" or "promeds" into a
// Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "ransac", "RANSAC":
		return MethodRansac, nil
	case "lmeds", "LMedS", "LMEDS":
		return MethodLmeds, nil
	case "msac", "MSAC":
		return MethodMsac, nil
	case "prosac", "PROSAC":
		return MethodProsac, nil
	case "promeds", "PROMedS", "PROMEDS":
		return MethodPromeds, nil
	default:
		return 0, fmt.Errorf("unknown robust method %q", s)
	}
}

// UsesStopThreshold reports whether the method derives its inlier threshold
// from the median residual instead of a fixed distance.
func (m Method) UsesStopThreshold() bool {
	return m == MethodLmeds || m == MethodPromeds
}

// UsesQualityScores reports whether the method samples progressively by
// quality score.
func (m Method) UsesQualityScores() bool {
	return m == MethodProsac || m == MethodPromeds
}

var (
	// ErrNoConsensus means no candidate position gathered enough inliers.
	ErrNoConsensus = errors.New("lateration: no consensus among samples")
	// ErrDegenerate means the sample geometry does not constrain a position,
	// for example coincident or collinear anchors.
	ErrDegenerate = errors.New("lateration: degenerate sample geometry")
	// ErrInvalidInput means sizes or values of the inputs are unusable.
	ErrInvalidInput = errors.New("lateration: invalid input")
)

// Config holds parameters for robust position estimation.
type Config struct {
	Method        Method  // consensus strategy
	Confidence    float64 // probability that at least one subset is outlier free, in [0,1]
	MaxIterations int     // hard cap on subset iterations
	SubsetSize    int     // samples per preliminary subset, 0 means dims+1

	// Threshold is the inlier distance threshold in meters for RANSAC,
	// MSAC and PROSAC.
	Threshold float64
	// StopThreshold stops LMedS and PROMedS early once the median residual
	// falls below it, and bounds their derived inlier threshold from below.
	StopThreshold float64

	// ProgressDelta is the minimum progress change reported through
	// Events.OnProgress.
	ProgressDelta float64

	Refine         bool // refine the best candidate on its inliers
	KeepCovariance bool // keep the covariance of the refined position

	// UseHomogeneousSolver switches the closed-form subset solver to the
	// homogeneous SVD formulation, which tolerates anchors near the origin.
	UseHomogeneousSolver bool
	// UseLinearSolver selects the closed-form subset solver. When false each
	// subset is solved iteratively from InitialPosition or the subset
	// centroid.
	UseLinearSolver bool
	// InitialPosition optionally seeds iterative subset solves and the final
	// refinement. Length must match the anchor dimensions when set.
	InitialPosition []float64

	// RNG drives subset sampling. Uses a time seeded source when nil.
	RNG *rand.Rand
}

// DefaultConfig returns the solver defaults for the given method.
func DefaultConfig(method Method) Config {
	return Config{
		Method:          method,
		Confidence:      0.99, // 1% chance of missing an outlier free subset
		MaxIterations:   5000,
		Threshold:       0.1,    // 10 cm inlier band
		StopThreshold:   2.5e-3, // early stop once median residual is sub-centimeter
		ProgressDelta:   0.05,
		Refine:          true,
		KeepCovariance:  true,
		UseLinearSolver: true,
	}
}

// Events carries optional callbacks fired while Solve runs. Any field may be
// nil.
type Events struct {
	OnStart         func()
	OnEnd           func()
	OnNextIteration func(iteration int)
	OnProgress      func(progress float64)
}

// Result is the outcome of a robust position solve.
type Result struct {
	// Position is the estimated position, one coordinate per dimension.
	Position []float64
	// Covariance of the refined position, nil unless refinement ran with
	// KeepCovariance set.
	Covariance *mat.SymDense
	// Inliers flags each input sample as part of the consensus set.
	Inliers []bool
	// NumInliers is the size of the consensus set.
	NumInliers int
	// Residuals holds the absolute range residual of each sample against the
	// final position.
	Residuals []float64
	// Iterations actually executed before convergence or exhaustion.
	Iterations int
}

// Solve estimates a position from anchor positions, measured distances and
// their standard deviations. qualityScores may be nil; when present and the
// method samples progressively, higher scoring samples are tried first.
// Events may be nil.
func Solve(positions [][]float64, distances, stddevs, qualityScores []float64, cfg Config, ev *Events) (*Result, error) {
	n := len(positions)
	if n == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidInput)
	}
	dims := len(positions[0])
	if dims < 2 || dims > 3 {
		return nil, fmt.Errorf("%w: unsupported dimensions %d", ErrInvalidInput, dims)
	}
	if len(distances) != n || len(stddevs) != n {
		return nil, fmt.Errorf("%w: got %d positions, %d distances, %d deviations",
			ErrInvalidInput, n, len(distances), len(stddevs))
	}
	if qualityScores != nil && len(qualityScores) != n {
		return nil, fmt.Errorf("%w: got %d quality scores for %d samples",
			ErrInvalidInput, len(qualityScores), n)
	}
	for i, p := range positions {
		if len(p) != dims {
			return nil, fmt.Errorf("%w: sample %d has %d dimensions, want %d",
				ErrInvalidInput, i, len(p), dims)
		}
		if distances[i] < 0 || !isFinite(distances[i]) {
			return nil, fmt.Errorf("%w: sample %d has distance %v", ErrInvalidInput, i, distances[i])
		}
		if stddevs[i] <= 0 || !isFinite(stddevs[i]) {
			return nil, fmt.Errorf("%w: sample %d has deviation %v", ErrInvalidInput, i, stddevs[i])
		}
	}

	subsetSize := cfg.SubsetSize
	if subsetSize == 0 {
		subsetSize = dims + 1
	}
	if subsetSize < dims+1 {
		return nil, fmt.Errorf("%w: subset size %d below minimum %d", ErrInvalidInput, subsetSize, dims+1)
	}
	if n < subsetSize {
		return nil, fmt.Errorf("%w: %d samples below subset size %d", ErrInvalidInput, n, subsetSize)
	}
	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, cfg.Confidence)
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("%w: max iterations %d", ErrInvalidInput, cfg.MaxIterations)
	}
	if cfg.Method.UsesStopThreshold() {
		if cfg.StopThreshold <= 0 {
			return nil, fmt.Errorf("%w: stop threshold %v", ErrInvalidInput, cfg.StopThreshold)
		}
	} else if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold %v", ErrInvalidInput, cfg.Threshold)
	}
	if cfg.InitialPosition != nil && len(cfg.InitialPosition) != dims {
		return nil, fmt.Errorf("%w: initial position has %d dimensions, want %d",
			ErrInvalidInput, len(cfg.InitialPosition), dims)
	}

	rng := cfg.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var sampler subsetSampler
	if cfg.Method.UsesQualityScores() && qualityScores != nil {
		sampler = newProgressiveSampler(qualityScores, subsetSize, cfg.MaxIterations, rng)
	} else {
		sampler = newUniformSampler(n, rng)
	}

	if ev != nil && ev.OnStart != nil {
		ev.OnStart()
	}

	s := &solveState{
		cfg:        cfg,
		ev:         ev,
		positions:  positions,
		distances:  distances,
		stddevs:    stddevs,
		dims:       dims,
		subsetSize: subsetSize,
		sampler:    sampler,
	}
	res, err := s.run()

	if ev != nil {
		if ev.OnProgress != nil && s.lastProgress < 1 {
			ev.OnProgress(1)
		}
		if ev.OnEnd != nil {
			ev.OnEnd()
		}
	}
	return res, err
}

type solveState struct {
	cfg        Config
	ev         *Events
	positions  [][]float64
	distances  []float64
	stddevs    []float64
	dims       int
	subsetSize int
	sampler    subsetSampler

	lastProgress float64
}

func (s *solveState) run() (*Result, error) {
	n := len(s.positions)
	cfg := s.cfg

	// LMedS style methods have no inlier ratio to adapt on, so their bound
	// assumes up to half the samples are outliers.
	bound := cfg.MaxIterations
	if cfg.Method.UsesStopThreshold() {
		bound = adaptiveIterations(cfg.Confidence, 0.5, s.subsetSize, cfg.MaxIterations)
	}

	bestCost := math.Inf(1)
	var bestPos []float64
	bestMedian := math.Inf(1)

	subset := make([]int, s.subsetSize)
	residuals := make([]float64, n)
	iterations := 0

	for iter := 0; iter < bound; iter++ {
		iterations = iter + 1
		if s.ev != nil && s.ev.OnNextIteration != nil {
			s.ev.OnNextIteration(iterations)
		}

		s.sampler.next(iter, subset)
		candidate, err := s.solveSubset(subset)
		if err != nil {
			s.reportProgress(float64(iterations) / float64(bound))
			continue
		}
		computeResiduals(candidate, s.positions, s.distances, residuals)

		cost, median, inlierRatio := s.score(residuals)
		if cost < bestCost {
			bestCost = cost
			bestMedian = median
			bestPos = append(bestPos[:0], candidate...)

			if cfg.Method.UsesStopThreshold() {
				if math.Sqrt(median) <= cfg.StopThreshold {
					break
				}
			} else if next := adaptiveIterations(cfg.Confidence, inlierRatio, s.subsetSize, cfg.MaxIterations); next < bound {
				bound = next
			}
		}
		s.reportProgress(float64(iterations) / float64(bound))
	}

	if bestPos == nil {
		return nil, ErrNoConsensus
	}

	cutoff := s.inlierCutoff(bestMedian, n)
	computeResiduals(bestPos, s.positions, s.distances, residuals)
	inliers, numInliers := markInliers(residuals, cutoff)
	if numInliers < s.subsetSize {
		return nil, ErrNoConsensus
	}

	pos := bestPos
	var cov *mat.SymDense
	if cfg.Refine {
		refined, rcov, err := s.refine(bestPos, inliers, numInliers)
		if err == nil {
			pos = refined
			if cfg.KeepCovariance {
				cov = rcov
			}
			computeResiduals(pos, s.positions, s.distances, residuals)
			inliers, numInliers = markInliers(residuals, cutoff)
			if numInliers < s.subsetSize {
				return nil, ErrNoConsensus
			}
		}
	}

	out := &Result{
		Position:   pos,
		Covariance: cov,
		Inliers:    inliers,
		NumInliers: numInliers,
		Residuals:  append([]float64(nil), residuals...),
		Iterations: iterations,
	}
	return out, nil
}

// score reduces the residuals of one candidate to a comparable cost. Lower is
// better for every method. It also returns the median of squared residuals
// and the inlier ratio against the fixed threshold, which only some methods
// consume.
func (s *solveState) score(residuals []float64) (cost, median, inlierRatio float64) {
	n := len(residuals)
	switch s.cfg.Method {
	case MethodRansac, MethodProsac:
		inside := 0
		for _, r := range residuals {
			if r <= s.cfg.Threshold {
				inside++
			}
		}
		return float64(n - inside), 0, float64(inside) / float64(n)
	case MethodMsac:
		t2 := s.cfg.Threshold * s.cfg.Threshold
		var c float64
		inside := 0
		for _, r := range residuals {
			r2 := r * r
			if r2 < t2 {
				c += r2
				inside++
			} else {
				c += t2
			}
		}
		return c, 0, float64(inside) / float64(n)
	default: // MethodLmeds, MethodPromeds
		med := medianOfSquares(residuals)
		return med, med, 0
	}
}

// inlierCutoff is the residual threshold used to build the final consensus
// set. Fixed threshold methods use the configured value directly; median
// based methods derive a robust standard deviation from the best median.
func (s *solveState) inlierCutoff(bestMedian float64, n int) float64 {
	if !s.cfg.Method.UsesStopThreshold() {
		return s.cfg.Threshold
	}
	scale := 1.4826
	if n > s.subsetSize {
		scale *= 1 + 5.0/float64(n-s.subsetSize)
	}
	sigma := scale * math.Sqrt(bestMedian)
	cutoff := 2.5 * sigma
	if cutoff < s.cfg.StopThreshold {
		cutoff = s.cfg.StopThreshold
	}
	return cutoff
}

func (s *solveState) solveSubset(subset []int) ([]float64, error) {
	m := len(subset)
	pos := make([][]float64, m)
	dist := make([]float64, m)
	dev := make([]float64, m)
	for i, idx := range subset {
		pos[i] = s.positions[idx]
		dist[i] = s.distances[idx]
		dev[i] = s.stddevs[idx]
	}
	if s.cfg.UseLinearSolver {
		if s.cfg.UseHomogeneousSolver {
			return solveLinearHomogeneous(pos, dist)
		}
		return solveLinearInhomogeneous(pos, dist)
	}
	seed := s.cfg.InitialPosition
	if seed == nil {
		seed = centroid(pos)
	}
	refined, _, err := solveNonlinear(seed, pos, dist, dev)
	return refined, err
}

func (s *solveState) refine(initial []float64, inliers []bool, numInliers int) ([]float64, *mat.SymDense, error) {
	pos := make([][]float64, 0, numInliers)
	dist := make([]float64, 0, numInliers)
	dev := make([]float64, 0, numInliers)
	for i, in := range inliers {
		if !in {
			continue
		}
		pos = append(pos, s.positions[i])
		dist = append(dist, s.distances[i])
		dev = append(dev, s.stddevs[i])
	}
	return solveNonlinear(initial, pos, dist, dev)
}

func (s *solveState) reportProgress(p float64) {
	if p > 1 {
		p = 1
	}
	if p <= s.lastProgress {
		return
	}
	if s.ev == nil || s.ev.OnProgress == nil {
		s.lastProgress = p
		return
	}
	if p-s.lastProgress >= s.cfg.ProgressDelta || p >= 1 {
		s.ev.OnProgress(p)
		s.lastProgress = p
	}
}

// adaptiveIterations returns the number of subset draws needed to pick at
// least one outlier free subset with the requested confidence, given the
// current inlier ratio. Clamped to [1, limit].
func adaptiveIterations(confidence, inlierRatio float64, subsetSize, limit int) int {
	if inlierRatio <= 0 {
		return limit
	}
	pGood := math.Pow(inlierRatio, float64(subsetSize))
	if pGood >= 1 {
		return 1
	}
	k := math.Log(1-confidence) / math.Log(1-pGood)
	if math.IsNaN(k) || k >= float64(limit) {
		return limit
	}
	if k < 1 {
		return 1
	}
	return int(math.Ceil(k))
}

func markInliers(residuals []float64, cutoff float64) ([]bool, int) {
	inliers := make([]bool, len(residuals))
	count := 0
	for i, r := range residuals {
		if r <= cutoff {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

func medianOfSquares(residuals []float64) float64 {
	sq := make([]float64, len(residuals))
	for i, r := range residuals {
		sq[i] = r * r
	}
	sort.Float64s(sq)
	n := len(sq)
	if n%2 == 1 {
		return sq[n/2]
	}
	return (sq[n/2-1] + sq[n/2]) / 2
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
