package lateration

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// solveLinearInhomogeneous computes a position from anchor positions and
// distances by subtracting the sphere equation of the first anchor from the
// others, which cancels the quadratic term:
//
//	2*(S_i - S_0) · x = d_0^2 - d_i^2 + |S_i|^2 - |S_0|^2
//
// The resulting overdetermined linear system is solved by QR least squares.
// Requires at least dims+1 anchors.
func solveLinearInhomogeneous(positions [][]float64, distances []float64) ([]float64, error) {
	n := len(positions)
	if n == 0 {
		return nil, ErrDegenerate
	}
	d := len(positions[0])
	if n-1 < d {
		return nil, ErrDegenerate
	}

	s0 := positions[0]
	n0 := sqNorm(s0)

	a := mat.NewDense(n-1, d, nil)
	b := mat.NewVecDense(n-1, nil)
	for i := 1; i < n; i++ {
		si := positions[i]
		for j := 0; j < d; j++ {
			a.Set(i-1, j, 2*(si[j]-s0[j]))
		}
		b.SetVec(i-1, distances[0]*distances[0]-distances[i]*distances[i]+sqNorm(si)-n0)
	}

	var qr mat.QR
	qr.Factorize(a)

	x := mat.NewVecDense(d, nil)
	if err := qr.SolveVecTo(x, false, b); err != nil {
		return nil, ErrDegenerate
	}

	out := make([]float64, d)
	for j := 0; j < d; j++ {
		out[j] = x.AtVec(j)
	}
	if !allFinite(out) {
		return nil, ErrDegenerate
	}
	return out, nil
}

// solveLinearHomogeneous solves the same differenced system in homogeneous
// form [A | -b]·[x; 1] = 0, taking the right singular vector associated with
// the smallest singular value and de-homogenizing it.
func solveLinearHomogeneous(positions [][]float64, distances []float64) ([]float64, error) {
	n := len(positions)
	if n == 0 {
		return nil, ErrDegenerate
	}
	d := len(positions[0])
	if n-1 < d {
		return nil, ErrDegenerate
	}

	s0 := positions[0]
	n0 := sqNorm(s0)

	m := mat.NewDense(n-1, d+1, nil)
	for i := 1; i < n; i++ {
		si := positions[i]
		for j := 0; j < d; j++ {
			m.Set(i-1, j, 2*(si[j]-s0[j]))
		}
		rhs := distances[0]*distances[0] - distances[i]*distances[i] + sqNorm(si) - n0
		m.Set(i-1, d, -rhs)
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFullV); !ok {
		return nil, ErrDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)

	// Singular values come out in descending order; the null direction is the
	// last column of V.
	scale := v.At(d, d)
	if math.Abs(scale) < 1e-12 {
		return nil, ErrDegenerate
	}
	out := make([]float64, d)
	for j := 0; j < d; j++ {
		out[j] = v.At(j, d) / scale
	}
	if !allFinite(out) {
		return nil, ErrDegenerate
	}
	return out, nil
}

func sqNorm(p []float64) float64 {
	var s float64
	for _, c := range p {
		s += c * c
	}
	return s
}

func euclidean(a, b []float64) float64 {
	var s float64
	for j := range a {
		dc := a[j] - b[j]
		s += dc * dc
	}
	return math.Sqrt(s)
}

// computeResiduals fills out[i] with |dist(p, positions[i]) - distances[i]|.
func computeResiduals(p []float64, positions [][]float64, distances []float64, out []float64) {
	for i := range positions {
		out[i] = math.Abs(euclidean(p, positions[i]) - distances[i])
	}
}

func allFinite(p []float64) bool {
	for _, c := range p {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func centroid(positions [][]float64) []float64 {
	if len(positions) == 0 {
		return nil
	}
	d := len(positions[0])
	out := make([]float64, d)
	for _, p := range positions {
		for j := 0; j < d; j++ {
			out[j] += p[j]
		}
	}
	inv := 1.0 / float64(len(positions))
	for j := 0; j < d; j++ {
		out[j] *= inv
	}
	return out
}
