// Package kdtree implements a bucket k-d tree for approximate k-nearest-neighbor search over
// fixed-dimension float vectors, such as image feature descriptors.
//
// The tree is built once from a static set of points and is immutable afterwards. It never copies
// or mutates the indexed vectors; callers must keep them alive and unchanged for the lifetime of
// the tree. Concurrent read-only searches are safe once New has returned.
package kdtree

import (
	"cmp"
	"math"
	"slices"

	"github.com/pkg/errors"

	"go.viam.com/imgreg/utils"
)

var (
	// ErrEmptyIndex is returned when building a tree from zero points.
	ErrEmptyIndex = errors.New("cannot build a k-d tree from zero points")
	// ErrDimensionMismatch is returned when vectors do not share the tree's dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Point pairs a vector used for spatial lookup with the payload identifying where it came from.
type Point[T any] struct {
	Vec  []float64
	Item T
}

// Config contains the parameters of a k-d tree.
type Config struct {
	// BucketSize is the maximum number of points stored in one leaf.
	BucketSize int `json:"bucket_size"`
	// K is the neighbor count used by Nearest.
	K int `json:"k"`
	// Epsilon is the slack used by Nearest; 0 means exact search.
	Epsilon float64 `json:"epsilon"`
}

// DefaultConfig returns a config suited to nearest/second-nearest descriptor lookups.
func DefaultConfig() Config {
	return Config{BucketSize: 2, K: 2, Epsilon: 0}
}

// Validate ensures all parts of the Config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.BucketSize < 1 {
		return utils.NewOutOfRangeConfigError(path, "bucket_size", cfg.BucketSize, ">= 1")
	}
	if cfg.K < 1 {
		return utils.NewOutOfRangeConfigError(path, "k", cfg.K, ">= 1")
	}
	if !(cfg.Epsilon >= 0) || math.IsInf(cfg.Epsilon, 1) {
		return utils.NewOutOfRangeConfigError(path, "epsilon", cfg.Epsilon, "finite and >= 0")
	}
	return nil
}

// node is either a branch splitting on dim at mid, or a leaf owning points[start:end].
type node struct {
	leaf bool

	dim       int
	lo, hi    float64
	mid       float64
	low, high int

	start, end int
}

// Tree is a bucket k-d tree. Nodes live in a flat arena and refer to their children by index.
type Tree[T any] struct {
	cfg    Config
	dims   int
	points []Point[T]
	nodes  []node
	root   int
	bounds box
	depth  int
	leaves int
}

// New builds a tree over points. The slice itself is copied so its order can be rearranged, but
// the vectors are referenced, not copied. Building is deterministic for a given input order.
func New[T any](points []Point[T], cfg Config) (*Tree[T], error) {
	if err := cfg.Validate("kdtree"); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, ErrEmptyIndex
	}
	dims := len(points[0].Vec)
	if dims == 0 {
		return nil, errors.Wrap(ErrDimensionMismatch, "point 0 has an empty vector")
	}
	for i, p := range points {
		if len(p.Vec) != dims {
			return nil, errors.Wrapf(ErrDimensionMismatch, "point %d has %d dimensions, expected %d", i, len(p.Vec), dims)
		}
	}

	t := &Tree[T]{
		cfg:    cfg,
		dims:   dims,
		points: slices.Clone(points),
		nodes:  make([]node, 0, 2*(len(points)/cfg.BucketSize+1)),
	}
	t.bounds = newBox(t.points)
	t.root = t.build(0, len(t.points), t.bounds, 1)
	return t, nil
}

// build partitions points[start:end] within b and returns the index of the created node.
func (t *Tree[T]) build(start, end int, b box, depth int) int {
	if depth > t.depth {
		t.depth = depth
	}
	if end-start <= t.cfg.BucketSize {
		t.nodes = append(t.nodes, node{leaf: true, start: start, end: end})
		t.leaves++
		return len(t.nodes) - 1
	}

	dim := b.widestDim()
	slices.SortStableFunc(t.points[start:end], func(p1, p2 Point[T]) int {
		return cmp.Compare(p1.Vec[dim], p2.Vec[dim])
	})
	median := start + (end-start)/2
	mid := t.points[median].Vec[dim]

	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{dim: dim, lo: b.lo[dim], hi: b.hi[dim], mid: mid})

	low := t.build(start, median, b.withHi(dim, mid), depth+1)
	high := t.build(median, end, b.withLo(dim, mid), depth+1)
	t.nodes[idx].low = low
	t.nodes[idx].high = high
	return idx
}

// Len returns the number of indexed points.
func (t *Tree[T]) Len() int {
	return len(t.points)
}

// Dims returns the dimensionality of the indexed vectors.
func (t *Tree[T]) Dims() int {
	return t.dims
}

// Depth returns the number of levels in the tree; a single leaf has depth 1.
func (t *Tree[T]) Depth() int {
	return t.depth
}

// Leaves returns the number of leaf buckets.
func (t *Tree[T]) Leaves() int {
	return t.leaves
}

// Bounds returns copies of the per-dimension minimum and maximum of the indexed points.
func (t *Tree[T]) Bounds() (lo, hi []float64) {
	return slices.Clone(t.bounds.lo), slices.Clone(t.bounds.hi)
}
