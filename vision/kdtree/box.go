package kdtree

import (
	"math"
	"slices"
)

// box is an axis-aligned bounding volume. Values are never mutated after construction; narrowing
// produces a new box that shares the untouched side.
type box struct {
	lo, hi []float64
}

func newBox[T any](points []Point[T]) box {
	dims := len(points[0].Vec)
	b := box{lo: make([]float64, dims), hi: make([]float64, dims)}
	for d := 0; d < dims; d++ {
		b.lo[d] = math.Inf(1)
		b.hi[d] = math.Inf(-1)
	}
	for _, p := range points {
		for d, v := range p.Vec {
			if v < b.lo[d] {
				b.lo[d] = v
			}
			if v > b.hi[d] {
				b.hi[d] = v
			}
		}
	}
	return b
}

// widestDim returns the dimension with the largest extent; ties go to the lowest index.
func (b box) widestDim() int {
	best := 0
	bestSpread := math.Inf(-1)
	for d := range b.lo {
		if spread := b.hi[d] - b.lo[d]; spread > bestSpread {
			bestSpread = spread
			best = d
		}
	}
	return best
}

func (b box) withLo(dim int, v float64) box {
	lo := slices.Clone(b.lo)
	lo[dim] = v
	return box{lo: lo, hi: b.hi}
}

func (b box) withHi(dim int, v float64) box {
	hi := slices.Clone(b.hi)
	hi[dim] = v
	return box{lo: b.lo, hi: hi}
}

// distance returns the squared distance from q to the box; 0 when q is inside.
func (b box) distance(q []float64) float64 {
	var sum float64
	for d, v := range q {
		off := axisOffset(v, b.lo[d], b.hi[d])
		sum += off * off
	}
	return sum
}

// axisOffset is how far v lies outside [lo, hi] along one axis.
func axisOffset(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo - v
	case v > hi:
		return v - hi
	default:
		return 0
	}
}
