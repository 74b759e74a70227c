package indoor

import (
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/kwv/tudopos/lateration"
)

// DefaultFallbackDistanceStdDev is substituted for samples that carry no
// usable uncertainty of their own.
const DefaultFallbackDistanceStdDev = 1e-3

// Listener receives estimation lifecycle callbacks. Any field may be nil.
// Callbacks run synchronously on the estimating goroutine while the
// estimator is locked, so calling a mutator from inside one fails with
// ErrLocked.
type Listener struct {
	OnEstimateStart  func(e *Estimator)
	OnEstimateEnd    func(e *Estimator)
	OnNextIteration  func(e *Estimator, iteration int)
	OnProgressChange func(e *Estimator, progress float64)
}

// MethodConfig pairs a robust method with its tuning knob. RANSAC, MSAC and
// PROSAC take a fixed inlier distance threshold; LMedS and PROMedS take a
// stop threshold on the median residual instead.
type MethodConfig struct {
	Method        lateration.Method
	Threshold     float64 // meters, fixed threshold methods
	StopThreshold float64 // meters, median based methods
}

// RansacConfig selects RANSAC with the given inlier threshold in meters.
// A non positive threshold selects the solver default.
func RansacConfig(threshold float64) MethodConfig {
	return MethodConfig{Method: lateration.MethodRansac, Threshold: threshold}
}

// MsacConfig selects MSAC with the given inlier threshold in meters.
func MsacConfig(threshold float64) MethodConfig {
	return MethodConfig{Method: lateration.MethodMsac, Threshold: threshold}
}

// ProsacConfig selects PROSAC with the given inlier threshold in meters.
// PROSAC samples by quality score, so scores should be configured.
func ProsacConfig(threshold float64) MethodConfig {
	return MethodConfig{Method: lateration.MethodProsac, Threshold: threshold}
}

// LmedsConfig selects LMedS with the given stop threshold in meters.
func LmedsConfig(stopThreshold float64) MethodConfig {
	return MethodConfig{Method: lateration.MethodLmeds, StopThreshold: stopThreshold}
}

// PromedsConfig selects PROMedS with the given stop threshold in meters.
func PromedsConfig(stopThreshold float64) MethodConfig {
	return MethodConfig{Method: lateration.MethodPromeds, StopThreshold: stopThreshold}
}

type solveFunc func(positions [][]float64, distances, stddevs, scores []float64,
	cfg lateration.Config, ev *lateration.Events) (*lateration.Result, error)

// Estimator turns located sources plus one fingerprint of readings into a
// position, delegating outlier rejection to the lateration solver. An
// instance is created unconfigured, becomes ready once sources and a
// fingerprint satisfying the count invariants are attached, and is locked
// for the duration of each Estimate call. Mutators fail with ErrLocked while
// an estimation runs; the lock is always released on return. Solver input
// arrays are rebuilt lazily when configuration changed since the last run.
type Estimator struct {
	mu     sync.Mutex
	locked bool

	dims   int
	method MethodConfig

	sources       []Source
	fingerprint   *Fingerprint
	sourceScores  []float64
	readingScores []float64

	confidence           float64
	maxIterations        int
	progressDelta        float64
	subsetSize           int // 0 means the minimum for dims
	refineResult         bool
	keepCovariance       bool
	useLinearSolver      bool
	useHomogeneousSolver bool
	useSourceCovariance  bool
	evenlyDistribute     bool
	fallbackStdDev       float64
	initialPosition      []float64
	listener             *Listener
	rng                  *rand.Rand

	dirty  bool
	inputs *SolverInputs

	position   []float64
	covariance *mat.SymDense
	inliers    []bool
	numInliers int
	residuals  []float64
	iterations int

	// solve is swapped out in tests to observe the forwarded arrays.
	solve solveFunc
}

// NewEstimator creates an estimator for 2 or 3 coordinate positions using
// the given robust method. Solver knobs start at the lateration defaults.
func NewEstimator(dims int, method MethodConfig) (*Estimator, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("%w: unsupported dimensions %d", ErrInvalidInput, dims)
	}
	base := lateration.DefaultConfig(method.Method)
	if method.Threshold <= 0 {
		method.Threshold = base.Threshold
	}
	if method.StopThreshold <= 0 {
		method.StopThreshold = base.StopThreshold
	}
	return &Estimator{
		dims:            dims,
		method:          method,
		confidence:      base.Confidence,
		maxIterations:   base.MaxIterations,
		progressDelta:   base.ProgressDelta,
		refineResult:    base.Refine,
		keepCovariance:  base.KeepCovariance,
		useLinearSolver: base.UseLinearSolver,
		fallbackStdDev:  DefaultFallbackDistanceStdDev,
		dirty:           true,
		solve:           lateration.Solve,
	}, nil
}

// Dims returns the number of position coordinates.
func (e *Estimator) Dims() int { return e.dims }

// Method returns the configured robust method.
func (e *Estimator) Method() lateration.Method { return e.method.Method }

// MinRequiredSources is the smallest source count that can fix a position,
// one more than the dimension count.
func (e *Estimator) MinRequiredSources() int { return e.dims + 1 }

// IsLocked reports whether an estimation is currently running.
func (e *Estimator) IsLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// IsReady reports whether sources and fingerprint are attached and satisfy
// the count invariants: at least MinRequiredSources sources and at least as
// many readings as sources.
func (e *Estimator) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyLocked()
}

func (e *Estimator) readyLocked() bool {
	return len(e.sources) >= e.MinRequiredSources() &&
		e.fingerprint != nil &&
		len(e.fingerprint.Readings) >= len(e.sources)
}

// SetSources attaches the located sources. Fails with ErrLocked during an
// estimation and with ErrInvalidInput when fewer than MinRequiredSources are
// given or a source has the wrong dimension count.
func (e *Estimator) SetSources(sources []Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if len(sources) < e.MinRequiredSources() {
		return fmt.Errorf("%w: got %d sources, need at least %d",
			ErrInvalidInput, len(sources), e.MinRequiredSources())
	}
	for i := range sources {
		if len(sources[i].Position) != e.dims {
			return fmt.Errorf("%w: source %q has %d coordinates, want %d",
				ErrInvalidInput, sources[i].ID, len(sources[i].Position), e.dims)
		}
	}
	e.sources = append([]Source(nil), sources...)
	e.dirty = true
	return nil
}

// SetFingerprint attaches the fingerprint whose position is wanted. The
// readings are copied.
func (e *Estimator) SetFingerprint(fp *Fingerprint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if fp == nil {
		return fmt.Errorf("%w: nil fingerprint", ErrInvalidInput)
	}
	cp := *fp
	cp.Readings = append([]Reading(nil), fp.Readings...)
	e.fingerprint = &cp
	e.dirty = true
	return nil
}

// SetSourceQualityScores attaches one quality score per source, larger is
// better. Nil clears the scores.
func (e *Estimator) SetSourceQualityScores(scores []float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if scores != nil && len(scores) < e.MinRequiredSources() {
		return fmt.Errorf("%w: got %d source scores, need at least %d",
			ErrInvalidInput, len(scores), e.MinRequiredSources())
	}
	e.sourceScores = append([]float64(nil), scores...)
	if scores == nil {
		e.sourceScores = nil
	}
	e.dirty = true
	return nil
}

// SetReadingQualityScores attaches one quality score per fingerprint
// reading, larger is better. Nil clears the scores.
func (e *Estimator) SetReadingQualityScores(scores []float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if scores != nil && len(scores) < e.MinRequiredSources() {
		return fmt.Errorf("%w: got %d reading scores, need at least %d",
			ErrInvalidInput, len(scores), e.MinRequiredSources())
	}
	e.readingScores = append([]float64(nil), scores...)
	if scores == nil {
		e.readingScores = nil
	}
	e.dirty = true
	return nil
}

// SetConfidence sets the probability of finding an outlier free subset,
// in [0,1].
func (e *Estimator) SetConfidence(confidence float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if confidence < 0 || confidence > 1 || !isFinite(confidence) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInput, confidence)
	}
	e.confidence = confidence
	return nil
}

// SetMaxIterations caps the solver subset iterations, at least 1.
func (e *Estimator) SetMaxIterations(iterations int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if iterations < 1 {
		return fmt.Errorf("%w: max iterations %d", ErrInvalidInput, iterations)
	}
	e.maxIterations = iterations
	return nil
}

// SetProgressDelta sets the minimum progress change reported to the
// listener, in [0,1].
func (e *Estimator) SetProgressDelta(delta float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if delta < 0 || delta > 1 || !isFinite(delta) {
		return fmt.Errorf("%w: progress delta %v outside [0,1]", ErrInvalidInput, delta)
	}
	e.progressDelta = delta
	return nil
}

// SetPreliminarySubsetSize sets how many samples each candidate solve uses,
// at least MinRequiredSources.
func (e *Estimator) SetPreliminarySubsetSize(size int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if size < e.MinRequiredSources() {
		return fmt.Errorf("%w: subset size %d below minimum %d",
			ErrInvalidInput, size, e.MinRequiredSources())
	}
	e.subsetSize = size
	return nil
}

// SetThreshold tunes the active knob of the configured method: the fixed
// inlier threshold for RANSAC, MSAC and PROSAC, the median residual stop
// threshold for LMedS and PROMedS. Meters, strictly positive.
func (e *Estimator) SetThreshold(threshold float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if threshold <= 0 || !isFinite(threshold) {
		return fmt.Errorf("%w: threshold %v", ErrInvalidInput, threshold)
	}
	if e.method.Method.UsesStopThreshold() {
		e.method.StopThreshold = threshold
	} else {
		e.method.Threshold = threshold
	}
	return nil
}

// SetRefineResult toggles refining the best candidate on its inliers.
func (e *Estimator) SetRefineResult(refine bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.refineResult = refine
	return nil
}

// SetKeepCovariance toggles keeping the covariance of the refined position.
func (e *Estimator) SetKeepCovariance(keep bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.keepCovariance = keep
	return nil
}

// SetUseLinearSolver toggles the closed form subset solver.
func (e *Estimator) SetUseLinearSolver(use bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.useLinearSolver = use
	return nil
}

// SetUseHomogeneousLinearSolver switches the closed form solver to its
// homogeneous formulation.
func (e *Estimator) SetUseHomogeneousLinearSolver(use bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.useHomogeneousSolver = use
	return nil
}

// SetUseSourcePositionCovariance toggles folding source position uncertainty
// into the per sample standard deviations.
func (e *Estimator) SetUseSourcePositionCovariance(use bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.useSourceCovariance = use
	e.dirty = true
	return nil
}

// SetEvenlyDistributeReadings toggles the quality score draft that spreads
// subset sampling across sources.
func (e *Estimator) SetEvenlyDistributeReadings(distribute bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.evenlyDistribute = distribute
	e.dirty = true
	return nil
}

// SetFallbackDistanceStandardDeviation sets the deviation substituted for
// samples without usable uncertainty, strictly positive.
func (e *Estimator) SetFallbackDistanceStandardDeviation(sd float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if sd <= 0 || !isFinite(sd) {
		return fmt.Errorf("%w: fallback deviation %v", ErrInvalidInput, sd)
	}
	e.fallbackStdDev = sd
	e.dirty = true
	return nil
}

// SetInitialPosition seeds iterative solves and the line of sight projection
// of source covariances. Nil clears the seed.
func (e *Estimator) SetInitialPosition(position []float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if position != nil && len(position) != e.dims {
		return fmt.Errorf("%w: initial position has %d coordinates, want %d",
			ErrInvalidInput, len(position), e.dims)
	}
	if position == nil {
		e.initialPosition = nil
	} else {
		e.initialPosition = append([]float64(nil), position...)
	}
	e.dirty = true
	return nil
}

// SetListener attaches the lifecycle callbacks.
func (e *Estimator) SetListener(l *Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.listener = l
	return nil
}

// SetRNG fixes the random source used for subset sampling, for reproducible
// runs. Nil restores time based seeding.
func (e *Estimator) SetRNG(rng *rand.Rand) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.rng = rng
	return nil
}

// Sources returns the attached sources.
func (e *Estimator) Sources() []Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sources
}

// Fingerprint returns the attached fingerprint.
func (e *Estimator) Fingerprint() *Fingerprint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fingerprint
}

// InitialPosition returns the configured seed or nil.
func (e *Estimator) InitialPosition() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialPosition
}

// Confidence returns the configured confidence.
func (e *Estimator) Confidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confidence
}

// MaxIterations returns the configured iteration cap.
func (e *Estimator) MaxIterations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxIterations
}

// ProgressDelta returns the configured progress granularity.
func (e *Estimator) ProgressDelta() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressDelta
}

// PreliminarySubsetSize returns the effective subset size.
func (e *Estimator) PreliminarySubsetSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveSubsetSize()
}

func (e *Estimator) effectiveSubsetSize() int {
	if e.subsetSize > 0 {
		return e.subsetSize
	}
	return e.MinRequiredSources()
}

// Threshold returns the active tuning knob of the configured method.
func (e *Estimator) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.method.Method.UsesStopThreshold() {
		return e.method.StopThreshold
	}
	return e.method.Threshold
}

// FallbackDistanceStandardDeviation returns the configured fallback.
func (e *Estimator) FallbackDistanceStandardDeviation() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallbackStdDev
}

// EstimatedPosition returns the position of the last successful Estimate,
// nil before the first success.
func (e *Estimator) EstimatedPosition() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

// Covariance returns the covariance of the last estimate, nil when
// refinement or covariance keeping was disabled.
func (e *Estimator) Covariance() *mat.SymDense {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.covariance
}

// Inliers flags each solver sample of the last run as part of the consensus
// set, parallel to Positions.
func (e *Estimator) Inliers() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inliers
}

// NumInliers returns the consensus size of the last run.
func (e *Estimator) NumInliers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numInliers
}

// Residuals returns the per sample residuals of the last run.
func (e *Estimator) Residuals() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.residuals
}

// Iterations returns how many subset iterations the last run executed.
func (e *Estimator) Iterations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iterations
}

// SolverInputs returns the flat arrays of the most recent build, nil before
// the first Estimate.
func (e *Estimator) SolverInputs() *SolverInputs {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs
}

// Estimate runs the robust solve and returns the estimated position.
// Fails with ErrLocked when an estimation is already running and with
// ErrNotReady when sources or readings are missing. The locked flag is
// released on every return path.
func (e *Estimator) Estimate() ([]float64, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	if err := e.rebuild(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	in := e.inputs
	subsetSize := e.effectiveSubsetSize()
	cfg := lateration.Config{
		Method:               e.method.Method,
		Confidence:           e.confidence,
		MaxIterations:        e.maxIterations,
		SubsetSize:           subsetSize,
		Threshold:            e.method.Threshold,
		StopThreshold:        e.method.StopThreshold,
		ProgressDelta:        e.progressDelta,
		Refine:               e.refineResult,
		KeepCovariance:       e.keepCovariance,
		UseLinearSolver:      e.useLinearSolver,
		UseHomogeneousSolver: e.useHomogeneousSolver,
		InitialPosition:      e.initialPosition,
		RNG:                  e.rng,
	}
	ev := e.solverEvents()
	solve := e.solve
	e.mu.Unlock()

	if in.NumSamples() < subsetSize {
		return nil, fmt.Errorf("%w: only %d usable samples, need %d",
			ErrNotReady, in.NumSamples(), subsetSize)
	}

	res, err := solve(in.Positions, in.Distances, in.StandardDeviations, in.QualityScores, cfg, ev)
	if err != nil {
		return nil, fmt.Errorf("robust position estimation: %w", err)
	}

	e.mu.Lock()
	e.position = res.Position
	e.covariance = res.Covariance
	e.inliers = res.Inliers
	e.numInliers = res.NumInliers
	e.residuals = res.Residuals
	e.iterations = res.Iterations
	e.mu.Unlock()

	return res.Position, nil
}

func (e *Estimator) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	if !e.readyLocked() {
		return ErrNotReady
	}
	e.locked = true
	return nil
}

func (e *Estimator) release() {
	e.mu.Lock()
	e.locked = false
	e.mu.Unlock()
}

// rebuild refreshes the flat solver arrays when configuration changed since
// the last run. When the even distribution draft is enabled it first rewrites
// the stored quality scores in place.
func (e *Estimator) rebuild() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty && e.inputs != nil {
		return nil
	}

	if e.evenlyDistribute {
		e.sourceScores = resizeScores(e.sourceScores, len(e.sources))
		e.readingScores = resizeScores(e.readingScores, len(e.fingerprint.Readings))
		if err := DistributeQualityScores(e.sources, e.fingerprint.Readings, e.sourceScores, e.readingScores); err != nil {
			return err
		}
	}

	in, err := BuildSolverInputs(e.sources, e.fingerprint, e.useSourceCovariance,
		e.fallbackStdDev, e.sourceScores, e.readingScores, e.initialPosition)
	if err != nil {
		return err
	}
	e.inputs = in
	e.dirty = false
	return nil
}

// resizeScores pads or trims a score slice to n entries, allocating a zero
// filled slice when none was configured.
func resizeScores(scores []float64, n int) []float64 {
	if len(scores) == n {
		return scores
	}
	out := make([]float64, n)
	copy(out, scores)
	return out
}

func (e *Estimator) solverEvents() *lateration.Events {
	l := e.listener
	if l == nil {
		return nil
	}
	return &lateration.Events{
		OnStart: func() {
			if l.OnEstimateStart != nil {
				l.OnEstimateStart(e)
			}
		},
		OnEnd: func() {
			if l.OnEstimateEnd != nil {
				l.OnEstimateEnd(e)
			}
		},
		OnNextIteration: func(iteration int) {
			if l.OnNextIteration != nil {
				l.OnNextIteration(e, iteration)
			}
		},
		OnProgress: func(progress float64) {
			if l.OnProgressChange != nil {
				l.OnProgressChange(e, progress)
			}
		},
	}
}
