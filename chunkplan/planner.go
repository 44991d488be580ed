// Package chunkplan computes serving chunk shapes: given a variable's full
// shape and its native on-disk chunk shape, it picks a chunk shape whose
// total element count respects global size bounds while staying as close
// as possible to the native layout. The time axis is frozen to the
// dataset's native time-chunking and never resized.
package chunkplan

import (
	"fmt"

	virtualzarr "github.com/earthdatalab/virtualzarr"
)

// Bounds delimits acceptable total chunk sizes in elements.
type Bounds struct {
	Min int
	Max int
}

// DefaultBounds matches the common archive serving limits: chunks between
// 512x512 and 2048x2048 elements.
var DefaultBounds = Bounds{Min: 512 * 512, Max: 2048 * 2048}

// candidate is one admissible size for a dimension. dist counts search
// steps from the native size (halvings when shrinking, multiples when
// growing), so deviation is measured in candidate-index terms.
type candidate struct {
	size int
	dist int
}

// Plan returns the serving chunk shape for a variable.
//
// If the native chunking already satisfies the bounds it is returned
// unchanged. Otherwise each non-time dimension gets a small candidate set:
// sizes reachable from the native size by repeated halving when the total
// must shrink, or multiples of the native size evenly dividing the axis
// length when it may grow. The Cartesian product is searched by
// branch-and-bound, pruning any partial assignment whose running product
// already exceeds Max, minimizing total candidate-index deviation from the
// native profile; ties prefer the smaller maximum non-time size. When no
// combination reaches Min, the closest admissible combination under Max is
// returned; when none fits under Max at all, the plan is infeasible.
func Plan(native, shape []int, timeAxis int, bounds Bounds) ([]int, error) {
	if len(native) != len(shape) {
		return nil, fmt.Errorf("%w: native rank %d != shape rank %d", virtualzarr.ErrChunkPlanInfeasible, len(native), len(shape))
	}
	// timeAxis -1 plans a variable with no temporal axis.
	if timeAxis < -1 || timeAxis >= len(shape) {
		return nil, fmt.Errorf("%w: time axis %d out of range", virtualzarr.ErrChunkPlanInfeasible, timeAxis)
	}
	if bounds.Min <= 0 || bounds.Max < bounds.Min {
		return nil, fmt.Errorf("%w: bad bounds [%d, %d]", virtualzarr.ErrChunkPlanInfeasible, bounds.Min, bounds.Max)
	}

	base := make([]int, len(native))
	for d := range native {
		base[d] = native[d]
		if base[d] > shape[d] {
			base[d] = shape[d]
		}
		if base[d] < 1 {
			base[d] = 1
		}
	}

	total := product(base)
	if total >= bounds.Min && total <= bounds.Max {
		return base, nil
	}

	shrink := total > bounds.Max
	sets := make([][]candidate, len(base))
	fixed := 1
	for d := range base {
		if d == timeAxis {
			sets[d] = []candidate{{size: base[d]}}
			fixed *= base[d]
			continue
		}
		if shrink {
			sets[d] = halvings(base[d])
		} else {
			sets[d] = multiples(base[d], shape[d])
		}
	}

	s := &search{sets: sets, timeAxis: timeAxis, bounds: bounds}
	s.walk(0, 1, 0, make([]int, len(base)))

	switch {
	case s.best != nil:
		return s.best, nil
	case s.bestUnder != nil:
		// Nothing reaches Min; serve the closest shape that fits under Max.
		return s.bestUnder, nil
	default:
		return nil, fmt.Errorf("%w: shape %v native %v bounds [%d, %d]", virtualzarr.ErrChunkPlanInfeasible, shape, native, bounds.Min, bounds.Max)
	}
}

// search carries the branch-and-bound state. best tracks assignments
// landing within bounds; bestUnder tracks assignments below Min, kept as a
// fallback when the bounds cannot be reached.
type search struct {
	sets     [][]candidate
	timeAxis int
	bounds   Bounds

	best      []int
	bestDist  int
	bestMax   int
	bestUnder []int
	underDist int
	underMax  int
}

func (s *search) walk(dim, running, dist int, acc []int) {
	if dim == len(s.sets) {
		s.offer(running, dist, acc)
		return
	}
	for _, cand := range s.sets[dim] {
		next := running * cand.size
		if next > s.bounds.Max {
			// Candidates are ordered largest first in shrink mode; any
			// assignment extending this one can only stay over Max with
			// the same prefix, so the branch dies here for this size.
			continue
		}
		acc[dim] = cand.size
		s.walk(dim+1, next, dist+cand.dist, acc)
	}
}

func (s *search) offer(total, dist int, acc []int) {
	m := maxNonTime(acc, s.timeAxis)
	if total >= s.bounds.Min {
		if s.best == nil || dist < s.bestDist || (dist == s.bestDist && m < s.bestMax) {
			s.best = append([]int(nil), acc...)
			s.bestDist = dist
			s.bestMax = m
		}
		return
	}
	if s.bestUnder == nil || dist < s.underDist || (dist == s.underDist && m < s.underMax) {
		s.bestUnder = append([]int(nil), acc...)
		s.underDist = dist
		s.underMax = m
	}
}

// halvings enumerates the native size and every integer size reachable by
// repeated halving, largest first.
func halvings(native int) []candidate {
	var out []candidate
	size, dist := native, 0
	for size >= 1 {
		out = append(out, candidate{size: size, dist: dist})
		if size == 1 {
			break
		}
		size /= 2
		dist++
	}
	return out
}

// multiples enumerates the native size and its multiples that evenly
// divide the axis length, up to the axis length itself. The native size is
// always admissible even when it does not divide the axis (the trailing
// chunk may be partial).
func multiples(native, axis int) []candidate {
	out := []candidate{{size: native}}
	dist := 0
	for m := native * 2; m <= axis; m += native {
		if axis%m != 0 {
			continue
		}
		dist++
		out = append(out, candidate{size: m, dist: dist})
	}
	return out
}

func product(shape []int) int {
	p := 1
	for _, v := range shape {
		p *= v
	}
	return p
}

func maxNonTime(shape []int, timeAxis int) int {
	m := 0
	for d, v := range shape {
		if d == timeAxis {
			continue
		}
		if v > m {
			m = v
		}
	}
	return m
}
