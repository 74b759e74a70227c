package indoor

import (
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/kwv/tudopos/lateration"
)

// PhaseConfig is the full configuration of one pipeline phase. Numeric zero
// values select the solver defaults; boolean fields are taken literally, so
// start from DefaultPhaseConfig when only changing a few knobs.
type PhaseConfig struct {
	Method                      MethodConfig
	Confidence                  float64
	MaxIterations               int
	PreliminarySubsetSize       int // 0 means the minimum for dims
	RefineResult                bool
	KeepCovariance              bool
	UseLinearSolver             bool
	UseHomogeneousLinearSolver  bool
	UseSourcePositionCovariance bool
	EvenlyDistributeReadings    bool
	FallbackDistanceStdDev      float64 // 0 means DefaultFallbackDistanceStdDev
}

// DefaultPhaseConfig returns a phase configuration mirroring the solver
// defaults for the given method.
func DefaultPhaseConfig(method MethodConfig) PhaseConfig {
	base := lateration.DefaultConfig(method.Method)
	return PhaseConfig{
		Method:                 method,
		Confidence:             base.Confidence,
		MaxIterations:          base.MaxIterations,
		RefineResult:           base.Refine,
		KeepCovariance:         base.KeepCovariance,
		UseLinearSolver:        base.UseLinearSolver,
		FallbackDistanceStdDev: DefaultFallbackDistanceStdDev,
	}
}

func normalizePhase(dims int, p PhaseConfig) (PhaseConfig, error) {
	base := lateration.DefaultConfig(p.Method.Method)
	if p.Method.Threshold <= 0 {
		p.Method.Threshold = base.Threshold
	}
	if p.Method.StopThreshold <= 0 {
		p.Method.StopThreshold = base.StopThreshold
	}
	if p.Confidence == 0 {
		p.Confidence = base.Confidence
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return p, fmt.Errorf("%w: phase confidence %v outside [0,1]", ErrInvalidInput, p.Confidence)
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = base.MaxIterations
	}
	if p.MaxIterations < 1 {
		return p, fmt.Errorf("%w: phase max iterations %d", ErrInvalidInput, p.MaxIterations)
	}
	if p.PreliminarySubsetSize != 0 && p.PreliminarySubsetSize < dims+1 {
		return p, fmt.Errorf("%w: phase subset size %d below minimum %d",
			ErrInvalidInput, p.PreliminarySubsetSize, dims+1)
	}
	if p.FallbackDistanceStdDev == 0 {
		p.FallbackDistanceStdDev = DefaultFallbackDistanceStdDev
	}
	if p.FallbackDistanceStdDev < 0 {
		return p, fmt.Errorf("%w: phase fallback deviation %v", ErrInvalidInput, p.FallbackDistanceStdDev)
	}
	return p, nil
}

// applyPhase loads a normalized phase configuration into an inner estimator.
func (e *Estimator) applyPhase(p PhaseConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyPhaseLocked(p)
}

func (e *Estimator) applyPhaseLocked(p PhaseConfig) {
	e.method = p.Method
	e.confidence = p.Confidence
	e.maxIterations = p.MaxIterations
	e.subsetSize = p.PreliminarySubsetSize
	e.refineResult = p.RefineResult
	e.keepCovariance = p.KeepCovariance
	e.useLinearSolver = p.UseLinearSolver
	e.useHomogeneousSolver = p.UseHomogeneousLinearSolver
	e.useSourceCovariance = p.UseSourcePositionCovariance
	e.evenlyDistribute = p.EvenlyDistributeReadings
	e.fallbackStdDev = p.FallbackDistanceStdDev
	e.dirty = true
}

// ApplyPhaseConfig loads a whole phase configuration at once, filling zero
// values with the solver defaults for its method.
func (e *Estimator) ApplyPhaseConfig(p PhaseConfig) error {
	norm, err := normalizePhase(e.Dims(), p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	e.applyPhaseLocked(norm)
	return nil
}

// SequentialListener receives pipeline lifecycle callbacks. Progress covers
// both phases: the RSSI phase maps to [0,0.5], the ranging phase to [0.5,1].
type SequentialListener struct {
	OnEstimateStart  func(s *SequentialEstimator)
	OnEstimateEnd    func(s *SequentialEstimator)
	OnProgressChange func(s *SequentialEstimator, progress float64)
}

// SequentialEstimator runs a coarse RSSI based estimation followed by a fine
// ranging based one seeded with the coarse result. Composite readings are
// split so each phase sees only its own measurement kind over the shared
// source set. A coarse failure is recovered silently; a fine failure is the
// pipeline failure.
type SequentialEstimator struct {
	mu     sync.Mutex
	locked bool

	dims          int
	rssiPhase     PhaseConfig
	rangingPhase  PhaseConfig
	progressDelta float64

	sources         []Source
	fingerprint     *Fingerprint
	sourceScores    []float64
	readingScores   []float64
	initialPosition []float64
	listener        *SequentialListener
	rng             *rand.Rand

	lastProgress float64

	position        []float64
	covariance      *mat.SymDense
	coarsePosition  []float64
	resultEstimator *Estimator
}

// NewSequentialEstimator creates a pipeline for 2 or 3 coordinate positions
// with independent configurations for the RSSI and ranging phases.
func NewSequentialEstimator(dims int, rssiPhase, rangingPhase PhaseConfig) (*SequentialEstimator, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("%w: unsupported dimensions %d", ErrInvalidInput, dims)
	}
	rssi, err := normalizePhase(dims, rssiPhase)
	if err != nil {
		return nil, err
	}
	ranging, err := normalizePhase(dims, rangingPhase)
	if err != nil {
		return nil, err
	}
	return &SequentialEstimator{
		dims:          dims,
		rssiPhase:     rssi,
		rangingPhase:  ranging,
		progressDelta: 0.05,
	}, nil
}

// NewDefaultSequentialEstimator creates a pipeline with PROMedS defaults for
// both phases.
func NewDefaultSequentialEstimator(dims int) (*SequentialEstimator, error) {
	phase := DefaultPhaseConfig(PromedsConfig(0))
	return NewSequentialEstimator(dims, phase, phase)
}

// Dims returns the number of position coordinates.
func (s *SequentialEstimator) Dims() int { return s.dims }

// MinRequiredSources is stricter than a single estimator: the pipeline wants
// strictly more sources than the geometric minimum.
func (s *SequentialEstimator) MinRequiredSources() int { return s.dims + 2 }

// IsLocked reports whether an estimation is currently running.
func (s *SequentialEstimator) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// IsReady reports whether the pipeline can run: more sources than the
// geometric minimum and at least as many readings as sources.
func (s *SequentialEstimator) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *SequentialEstimator) readyLocked() bool {
	return len(s.sources) >= s.MinRequiredSources() &&
		s.fingerprint != nil &&
		len(s.fingerprint.Readings) >= len(s.sources)
}

// SetSources attaches the located sources shared by both phases.
func (s *SequentialEstimator) SetSources(sources []Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if len(sources) < s.MinRequiredSources() {
		return fmt.Errorf("%w: got %d sources, need at least %d",
			ErrInvalidInput, len(sources), s.MinRequiredSources())
	}
	for i := range sources {
		if len(sources[i].Position) != s.dims {
			return fmt.Errorf("%w: source %q has %d coordinates, want %d",
				ErrInvalidInput, sources[i].ID, len(sources[i].Position), s.dims)
		}
	}
	s.sources = append([]Source(nil), sources...)
	return nil
}

// SetFingerprint attaches the fingerprint whose position is wanted.
func (s *SequentialEstimator) SetFingerprint(fp *Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if fp == nil {
		return fmt.Errorf("%w: nil fingerprint", ErrInvalidInput)
	}
	cp := *fp
	cp.Readings = append([]Reading(nil), fp.Readings...)
	s.fingerprint = &cp
	return nil
}

// SetSourceQualityScores attaches one score per source, larger is better.
func (s *SequentialEstimator) SetSourceQualityScores(scores []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if scores != nil && len(scores) < s.MinRequiredSources() {
		return fmt.Errorf("%w: got %d source scores, need at least %d",
			ErrInvalidInput, len(scores), s.MinRequiredSources())
	}
	if scores == nil {
		s.sourceScores = nil
		return nil
	}
	s.sourceScores = append([]float64(nil), scores...)
	return nil
}

// SetReadingQualityScores attaches one score per fingerprint reading. Both
// split parts of a composite reading inherit its score.
func (s *SequentialEstimator) SetReadingQualityScores(scores []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if scores != nil && len(scores) < s.MinRequiredSources() {
		return fmt.Errorf("%w: got %d reading scores, need at least %d",
			ErrInvalidInput, len(scores), s.MinRequiredSources())
	}
	if scores == nil {
		s.readingScores = nil
		return nil
	}
	s.readingScores = append([]float64(nil), scores...)
	return nil
}

// SetInitialPosition seeds the RSSI phase and serves as the ranging phase
// seed when the RSSI phase fails. Nil clears the seed.
func (s *SequentialEstimator) SetInitialPosition(position []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if position != nil && len(position) != s.dims {
		return fmt.Errorf("%w: initial position has %d coordinates, want %d",
			ErrInvalidInput, len(position), s.dims)
	}
	if position == nil {
		s.initialPosition = nil
	} else {
		s.initialPosition = append([]float64(nil), position...)
	}
	return nil
}

// SetProgressDelta sets the minimum overall progress change reported to the
// listener, in [0,1].
func (s *SequentialEstimator) SetProgressDelta(delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if delta < 0 || delta > 1 || !isFinite(delta) {
		return fmt.Errorf("%w: progress delta %v outside [0,1]", ErrInvalidInput, delta)
	}
	s.progressDelta = delta
	return nil
}

// SetListener attaches the pipeline lifecycle callbacks.
func (s *SequentialEstimator) SetListener(l *SequentialListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	s.listener = l
	return nil
}

// SetRNG fixes the random source used by both phases, for reproducible runs.
func (s *SequentialEstimator) SetRNG(rng *rand.Rand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	s.rng = rng
	return nil
}

// Sources returns the attached sources.
func (s *SequentialEstimator) Sources() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources
}

// Fingerprint returns the attached fingerprint.
func (s *SequentialEstimator) Fingerprint() *Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// EstimatedPosition returns the final position of the last successful
// Estimate, nil before the first success.
func (s *SequentialEstimator) EstimatedPosition() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Covariance returns the covariance of the last estimate, nil when the
// winning phase did not keep one.
func (s *SequentialEstimator) Covariance() *mat.SymDense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.covariance
}

// CoarsePosition returns the RSSI phase result of the last run, nil when the
// coarse phase failed or was skipped.
func (s *SequentialEstimator) CoarsePosition() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coarsePosition
}

// ResultEstimator returns the inner estimator whose output became the final
// position of the last successful Estimate: the ranging phase normally, the
// RSSI phase when no ranging readings were available. Nil before the first
// success.
func (s *SequentialEstimator) ResultEstimator() *Estimator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultEstimator
}

// Estimate runs both phases and returns the final position. The pipeline is
// locked at the outer level for the whole duration; the inner estimators'
// locks are not observable by the caller.
func (s *SequentialEstimator) Estimate() ([]float64, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	s.mu.Lock()
	s.lastProgress = 0
	s.coarsePosition = nil
	l := s.listener
	s.mu.Unlock()

	if l != nil && l.OnEstimateStart != nil {
		l.OnEstimateStart(s)
	}
	defer func() {
		if l != nil && l.OnEstimateEnd != nil {
			l.OnEstimateEnd(s)
		}
	}()

	rangingReadings, rssiReadings, rangingScores, rssiScores := s.splitReadings()

	// Coarse phase: failure here is recovered by falling back to the outer
	// seed, so errors are swallowed.
	var coarsePos []float64
	var coarseCov *mat.SymDense
	coarse, err := s.buildInner(s.rssiPhase, rssiReadings, rssiScores, s.initialPosition, 0)
	if err == nil && coarse.IsReady() {
		if pos, err := coarse.Estimate(); err == nil {
			coarsePos = pos
			coarseCov = coarse.Covariance()
			s.mu.Lock()
			s.coarsePosition = pos
			s.mu.Unlock()
		}
	}
	s.reportProgress(0.5)

	// Fine phase: seeded with the coarse result when available.
	seed := coarsePos
	if seed == nil {
		seed = s.initialPosition
	}
	fine, err := s.buildInner(s.rangingPhase, rangingReadings, rangingScores, seed, 0.5)
	if err != nil {
		return nil, err
	}
	if fine.IsReady() {
		pos, err := fine.Estimate()
		if err != nil {
			return nil, fmt.Errorf("ranging phase: %w", err)
		}
		s.finish(pos, fine.Covariance(), fine)
		return pos, nil
	}

	// Not enough ranging readings for the fine phase. The coarse result is
	// the best available answer; without one the pipeline cannot run.
	if coarsePos != nil {
		s.finish(coarsePos, coarseCov, coarse)
		return coarsePos, nil
	}
	return nil, fmt.Errorf("%w: neither phase had enough readings", ErrNotReady)
}

func (s *SequentialEstimator) finish(pos []float64, cov *mat.SymDense, inner *Estimator) {
	s.reportProgress(1)
	s.mu.Lock()
	s.position = pos
	s.covariance = cov
	s.resultEstimator = inner
	s.mu.Unlock()
}

func (s *SequentialEstimator) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if !s.readyLocked() {
		return ErrNotReady
	}
	s.locked = true
	return nil
}

func (s *SequentialEstimator) release() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

// splitReadings separates the fingerprint into kind pure reading lists.
// Outer reading scores follow the split: both parts of a composite reading
// inherit its score.
func (s *SequentialEstimator) splitReadings() (ranging, rssi []Reading, rangingScores, rssiScores []float64) {
	hasScores := s.readingScores != nil
	for ri := range s.fingerprint.Readings {
		var score float64
		if hasScores && ri < len(s.readingScores) {
			score = s.readingScores[ri]
		}
		rg, rs := s.fingerprint.Readings[ri].Split()
		if rg != nil {
			ranging = append(ranging, *rg)
			if hasScores {
				rangingScores = append(rangingScores, score)
			}
		}
		if rs != nil {
			rssi = append(rssi, *rs)
			if hasScores {
				rssiScores = append(rssiScores, score)
			}
		}
	}
	return ranging, rssi, rangingScores, rssiScores
}

// buildInner assembles a fully configured single phase estimator over the
// shared source set. offset shifts its progress reports into the outer
// range: 0 for the coarse half, 0.5 for the fine half.
func (s *SequentialEstimator) buildInner(phase PhaseConfig, readings []Reading,
	scores []float64, seed []float64, offset float64) (*Estimator, error) {

	e, err := NewEstimator(s.dims, phase.Method)
	if err != nil {
		return nil, err
	}
	e.applyPhase(phase)

	if err := e.SetSources(s.sources); err != nil {
		return nil, err
	}
	fp := &Fingerprint{
		DeviceID:  s.fingerprint.DeviceID,
		Readings:  readings,
		Timestamp: s.fingerprint.Timestamp,
	}
	if err := e.SetFingerprint(fp); err != nil {
		return nil, err
	}
	if seed != nil {
		if err := e.SetInitialPosition(seed); err != nil {
			return nil, err
		}
	}
	if s.rng != nil {
		if err := e.SetRNG(s.rng); err != nil {
			return nil, err
		}
	}
	// Score arrays that became too short after the split are dropped rather
	// than failing the phase.
	if s.sourceScores != nil {
		_ = e.SetSourceQualityScores(s.sourceScores)
	}
	if scores != nil {
		_ = e.SetReadingQualityScores(scores)
	}
	// Inner deltas are doubled because each phase spans half the outer
	// progress range.
	delta := 2 * s.progressDelta
	if delta > 1 {
		delta = 1
	}
	if err := e.SetProgressDelta(delta); err != nil {
		return nil, err
	}
	if err := e.SetListener(&Listener{
		OnProgressChange: func(_ *Estimator, p float64) {
			s.reportProgress(offset + p/2)
		},
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// reportProgress forwards monotone overall progress to the outer listener.
func (s *SequentialEstimator) reportProgress(p float64) {
	if p > 1 {
		p = 1
	}
	s.mu.Lock()
	l := s.listener
	if p <= s.lastProgress {
		s.mu.Unlock()
		return
	}
	if p-s.lastProgress < s.progressDelta && p < 1 {
		s.mu.Unlock()
		return
	}
	s.lastProgress = p
	s.mu.Unlock()
	if l != nil && l.OnProgressChange != nil {
		l.OnProgressChange(s, p)
	}
}
