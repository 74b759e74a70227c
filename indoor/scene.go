package indoor

import "math"

// Scene is a renderable snapshot of one estimation run: the configured
// sources, the range samples the solver consumed and the estimate, if any.
// All exporters (GeoJSON, raster, vector) draw from this one struct.
type Scene struct {
	DeviceID   string
	Sources    []Source
	Samples    []SceneSample
	Estimate   []float64
	Accuracy   float64
	NumInliers int
}

// SceneSample is one range observation as the solver saw it.
type SceneSample struct {
	SourceID string
	Position []float64
	Distance float64
	Inlier   bool
	Residual float64
}

// BuildScene assembles a scene from an estimator. Before the first run the
// scene holds only the sources; after a successful run it carries the
// samples with their consensus flags and the estimated position.
func BuildScene(deviceID string, est *Estimator) *Scene {
	scene := &Scene{
		DeviceID: deviceID,
		Sources:  est.Sources(),
	}

	in := est.SolverInputs()
	if in == nil {
		return scene
	}

	fp := est.Fingerprint()
	inliers := est.Inliers()
	residuals := est.Residuals()

	scene.Samples = make([]SceneSample, in.NumSamples())
	for i := range scene.Samples {
		s := SceneSample{
			Position: in.Positions[i],
			Distance: in.Distances[i],
		}
		if fp != nil && i < len(in.ReadingIdx) {
			s.SourceID = fp.Readings[in.ReadingIdx[i]].SourceID
		}
		if i < len(inliers) {
			s.Inlier = inliers[i]
		}
		if i < len(residuals) {
			s.Residual = residuals[i]
		}
		scene.Samples[i] = s
	}

	scene.Estimate = est.EstimatedPosition()
	scene.Accuracy = AccuracyFromCovariance(est.Covariance())
	scene.NumInliers = est.NumInliers()
	return scene
}

// Dims returns the coordinate dimensionality of the scene, taken from the
// first source. Empty scenes report 0.
func (s *Scene) Dims() int {
	if len(s.Sources) > 0 {
		return s.Sources[0].Dims()
	}
	if len(s.Samples) > 0 {
		return len(s.Samples[0].Position)
	}
	return len(s.Estimate)
}

// Bounds computes the XY bounding box of the drawable scene content: the
// sources, every range circle and the estimate with its accuracy margin.
// An empty scene returns all zeros.
func (s *Scene) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	found := false

	include := func(x, y, margin float64) {
		found = true
		if x-margin < minX {
			minX = x - margin
		}
		if y-margin < minY {
			minY = y - margin
		}
		if x+margin > maxX {
			maxX = x + margin
		}
		if y+margin > maxY {
			maxY = y + margin
		}
	}

	if s != nil {
		for i := range s.Sources {
			p := s.Sources[i].Position
			if len(p) >= 2 {
				include(p[0], p[1], 0)
			}
		}
		for _, sm := range s.Samples {
			if len(sm.Position) >= 2 {
				include(sm.Position[0], sm.Position[1], sm.Distance)
			}
		}
		if len(s.Estimate) >= 2 {
			include(s.Estimate[0], s.Estimate[1], s.Accuracy)
		}
	}

	if !found {
		return 0, 0, 0, 0
	}
	return minX, minY, maxX, maxY
}
