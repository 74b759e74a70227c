package lateration

import (
	"math/rand"
	"sort"
)

// subsetSampler draws preliminary subsets of sample indices for one robust
// iteration.
type subsetSampler interface {
	next(iteration int, into []int)
}

// uniformSampler draws subsets uniformly at random without replacement, the
// sampling used by RANSAC, MSAC and LMedS.
type uniformSampler struct {
	rng     *rand.Rand
	indices []int
}

func newUniformSampler(n int, rng *rand.Rand) *uniformSampler {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return &uniformSampler{rng: rng, indices: idx}
}

func (s *uniformSampler) next(_ int, into []int) {
	// Partial Fisher-Yates over the index scratch slice.
	n := len(s.indices)
	for i := range into {
		j := i + s.rng.Intn(n-i)
		s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
		into[i] = s.indices[i]
	}
}

// progressiveSampler draws subsets from a pool of the highest quality samples
// first and grows the pool as iterations advance, so that promising samples
// are tried early. This is the sampling used by PROSAC and PROMedS.
type progressiveSampler struct {
	rng *rand.Rand
	// Sample indices sorted by descending quality score.
	order []int
	// Number of iterations between pool growth steps.
	growthEvery int
	scratch     []int
}

func newProgressiveSampler(qualityScores []float64, subsetSize, maxIterations int, rng *rand.Rand) *progressiveSampler {
	n := len(qualityScores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return qualityScores[order[a]] > qualityScores[order[b]]
	})

	span := n - subsetSize
	growthEvery := 1
	if span > 0 {
		growthEvery = maxIterations / span
		if growthEvery < 1 {
			growthEvery = 1
		}
	}
	return &progressiveSampler{
		rng:         rng,
		order:       order,
		growthEvery: growthEvery,
		scratch:     make([]int, n),
	}
}

func (s *progressiveSampler) next(iteration int, into []int) {
	pool := len(into) + iteration/s.growthEvery
	if pool > len(s.order) {
		pool = len(s.order)
	}
	copy(s.scratch, s.order[:pool])
	for i := range into {
		j := i + s.rng.Intn(pool-i)
		s.scratch[i], s.scratch[j] = s.scratch[j], s.scratch[i]
		into[i] = s.scratch[i]
	}
}
