package indoor

import (
	"fmt"
	"sort"
)

// kindPriority ranks reading kinds by intrinsic reliability. Ranging
// measurements are less noisy than signal strength, so they are consumed
// first during the draft.
func kindPriority(k ReadingKind) int {
	switch k {
	case KindRanging:
		return 0
	case KindRangingAndRssi:
		return 1
	default:
		return 2
	}
}

// DistributeQualityScores overwrites sourceScores and readingScores in place
// with synthetic draft ranks so that minimal subset sampling visits sources
// round robin instead of draining the best scored source first.
//
// Readings are grouped by source and ordered within each group by kind
// priority, then by descending original score. Sources are ordered by
// descending original score. Repeated sweeps over the ordered sources then
// hand out values of two strictly decreasing counters, both starting at 0:
// every source that still has unconsumed readings takes the next source rank,
// and its next reading takes the next reading rank. Ranks become negative
// quickly; downstream consumers only compare them relatively.
//
// Readings whose source is not in sources, and sources without readings,
// keep their original scores.
func DistributeQualityScores(sources []Source, readings []Reading, sourceScores, readingScores []float64) error {
	if len(sourceScores) != len(sources) {
		return fmt.Errorf("%w: got %d source scores for %d sources",
			ErrInvalidInput, len(sourceScores), len(sources))
	}
	if len(readingScores) != len(readings) {
		return fmt.Errorf("%w: got %d reading scores for %d readings",
			ErrInvalidInput, len(readingScores), len(readings))
	}

	originalSource := append([]float64(nil), sourceScores...)
	originalReading := append([]float64(nil), readingScores...)

	sourceIdx := make(map[string]int, len(sources))
	for i := range sources {
		if _, ok := sourceIdx[sources[i].ID]; !ok {
			sourceIdx[sources[i].ID] = i
		}
	}

	groups := make([][]int, len(sources))
	for ri := range readings {
		si, ok := sourceIdx[readings[ri].SourceID]
		if !ok {
			continue
		}
		groups[si] = append(groups[si], ri)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(a, b int) bool {
			ka := kindPriority(readings[group[a]].Kind)
			kb := kindPriority(readings[group[b]].Kind)
			if ka != kb {
				return ka < kb
			}
			return originalReading[group[a]] > originalReading[group[b]]
		})
	}

	order := make([]int, len(sources))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return originalSource[order[a]] > originalSource[order[b]]
	})

	cursor := make([]int, len(sources))
	sourceCounter := 0
	readingCounter := 0
	for {
		assigned := false
		for _, si := range order {
			if cursor[si] >= len(groups[si]) {
				continue
			}
			sourceScores[si] = float64(-sourceCounter)
			sourceCounter++

			ri := groups[si][cursor[si]]
			cursor[si]++
			readingScores[ri] = float64(-readingCounter)
			readingCounter++
			assigned = true
		}
		if !assigned {
			return nil
		}
	}
}
