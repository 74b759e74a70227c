package lateration

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// Iteration cap and step tolerance for the Gauss-Newton refinement.
	refineMaxIterations = 50
	refineTolerance     = 1e-12

	// Levenberg damping ladder applied when the normal equations are singular.
	refineInitialDamping = 1e-9
	refineMaxDamping     = 1e3
)

// solveNonlinear refines an initial position estimate by weighted damped
// Gauss-Newton on the range model f_i(x) = |x - S_i|. Weights are the inverse
// squared standard deviations. Returns the refined position together with the
// covariance of the estimate, (J^T W J)^-1 evaluated at the solution.
func solveNonlinear(initial []float64, positions [][]float64, distances, stddevs []float64) ([]float64, *mat.SymDense, error) {
	n := len(positions)
	if n == 0 {
		return nil, nil, ErrDegenerate
	}
	d := len(initial)
	if n < d {
		return nil, nil, ErrDegenerate
	}

	weights := make([]float64, n)
	for i, sd := range stddevs {
		if sd <= 0 || math.IsNaN(sd) || math.IsInf(sd, 0) {
			return nil, nil, ErrDegenerate
		}
		weights[i] = 1.0 / (sd * sd)
	}

	x := make([]float64, d)
	copy(x, initial)

	jac := mat.NewDense(n, d, nil)
	res := mat.NewVecDense(n, nil)
	normal := mat.NewSymDense(d, nil)
	grad := mat.NewVecDense(d, nil)
	step := mat.NewVecDense(d, nil)

	for iter := 0; iter < refineMaxIterations; iter++ {
		// Jacobian rows are the unit vectors from the anchors to the current
		// estimate; residuals are predicted minus measured distances.
		for i := 0; i < n; i++ {
			dist := euclidean(x, positions[i])
			if dist < 1e-12 {
				dist = 1e-12
			}
			for j := 0; j < d; j++ {
				jac.Set(i, j, (x[j]-positions[i][j])/dist)
			}
			res.SetVec(i, dist-distances[i])
		}

		// Weighted normal equations: (J^T W J) step = -J^T W r.
		for j := 0; j < d; j++ {
			for k := j; k < d; k++ {
				var s float64
				for i := 0; i < n; i++ {
					s += weights[i] * jac.At(i, j) * jac.At(i, k)
				}
				normal.SetSym(j, k, s)
			}
			var g float64
			for i := 0; i < n; i++ {
				g += weights[i] * jac.At(i, j) * res.AtVec(i)
			}
			grad.SetVec(j, -g)
		}

		if !solveDamped(normal, grad, step) {
			return nil, nil, ErrDegenerate
		}

		var stepNorm float64
		for j := 0; j < d; j++ {
			x[j] += step.AtVec(j)
			stepNorm += step.AtVec(j) * step.AtVec(j)
		}
		if !allFinite(x) {
			return nil, nil, ErrDegenerate
		}
		if math.Sqrt(stepNorm) < refineTolerance {
			break
		}
	}

	cov, err := invertSym(normal)
	if err != nil {
		return x, nil, nil
	}
	return x, cov, nil
}

// solveDamped solves normal*step = grad, escalating a Levenberg damping term
// on the diagonal until the system factorizes. Reports false when even the
// largest damping cannot make it positive definite.
func solveDamped(normal *mat.SymDense, grad, step *mat.VecDense) bool {
	d := grad.Len()
	var chol mat.Cholesky
	if chol.Factorize(normal) {
		if err := chol.SolveVecTo(step, grad); err == nil {
			return true
		}
	}
	damped := mat.NewSymDense(d, nil)
	for lambda := refineInitialDamping; lambda <= refineMaxDamping; lambda *= 100 {
		damped.CopySym(normal)
		for j := 0; j < d; j++ {
			damped.SetSym(j, j, normal.At(j, j)+lambda)
		}
		if chol.Factorize(damped) {
			if err := chol.SolveVecTo(step, grad); err == nil {
				return true
			}
		}
	}
	return false
}

func invertSym(m *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(m) {
		return nil, ErrDegenerate
	}
	d := m.SymmetricDim()
	inv := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, ErrDegenerate
	}
	return inv, nil
}
