package kdtree

import (
	"math"
	"slices"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/imgreg/utils"
)

// Neighbor is a search hit. Dist is the squared Euclidean distance to the query.
type Neighbor[T any] struct {
	Item T
	Vec  []float64
	Dist float64
}

// query is the transient state of one search.
type query[T any] struct {
	vec    []float64
	factor float64
	best   keeper[T]
}

// Nearest returns the payloads of the configured K nearest points using the configured Epsilon.
func (t *Tree[T]) Nearest(q []float64) ([]T, error) {
	return t.Find(q, t.cfg.K, t.cfg.Epsilon)
}

// Find returns the payloads of the k nearest points to q in ascending distance order, or all of
// them when the tree holds fewer than k points.
func (t *Tree[T]) Find(q []float64, k int, epsilon float64) ([]T, error) {
	neighbors, err := t.Search(q, k, epsilon)
	if err != nil {
		return nil, err
	}
	items := make([]T, len(neighbors))
	for i, n := range neighbors {
		items[i] = n.Item
	}
	return items, nil
}

// Search is like Find but also reports the vectors and squared distances of the hits.
//
// With epsilon == 0 the result is the exact k-nearest set. With epsilon > 0 a subtree is skipped
// unless it could hold a point closer than the current k-th best divided by (1+epsilon)², so the
// k-th returned distance is within a factor (1+epsilon) of the true k-th nearest distance.
func (t *Tree[T]) Search(q []float64, k int, epsilon float64) ([]Neighbor[T], error) {
	if len(q) != t.dims {
		return nil, errors.Wrapf(ErrDimensionMismatch, "query has %d dimensions, tree has %d", len(q), t.dims)
	}
	if k < 1 {
		return nil, errors.Errorf("k must be >= 1, got %d", k)
	}
	if !(epsilon >= 0) {
		return nil, errors.Errorf("epsilon must be >= 0, got %v", epsilon)
	}

	capacity := k
	if capacity > len(t.points) {
		capacity = len(t.points)
	}
	qs := &query[T]{
		vec:    q,
		factor: utils.Square(1 + epsilon),
		best:   keeper[T]{k: k, items: make([]Neighbor[T], 0, capacity+1)},
	}
	t.search(t.root, t.bounds.distance(q), qs)
	return qs.best.items, nil
}

// search visits node n whose volume lies at squared distance rd from the query.
func (t *Tree[T]) search(n int, rd float64, qs *query[T]) {
	nd := &t.nodes[n]
	if nd.leaf {
		t.scanLeaf(nd, qs)
		return
	}

	v := qs.vec[nd.dim]
	old := axisOffset(v, nd.lo, nd.hi)
	near, far := nd.low, nd.high
	farOff := nd.mid - v
	if v > nd.mid {
		near, far = nd.high, nd.low
		farOff = v - nd.mid
	}

	// The near child keeps the same offset along dim, so rd carries over unchanged.
	t.search(near, rd, qs)

	farRd := rd - utils.Square(old) + utils.Square(farOff)
	if qs.best.worst() > farRd*qs.factor {
		t.search(far, farRd, qs)
	}
}

// scanLeaf offers every point of a leaf to the result set. The current k-th best distance is
// re-read for each point so that improvements made earlier in the same leaf tighten the cutoff.
func (t *Tree[T]) scanLeaf(nd *node, qs *query[T]) {
	for i := nd.start; i < nd.end; i++ {
		p := &t.points[i]
		d, ok := distanceWithin(qs.vec, p.Vec, qs.best.worst())
		if !ok {
			continue
		}
		qs.best.insert(Neighbor[T]{Item: p.Item, Vec: p.Vec, Dist: d})
	}
}

// distanceWithin accumulates the squared distance between a and b, giving up as soon as the
// running sum exceeds limit.
func distanceWithin(a, b []float64, limit float64) (float64, bool) {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
		if sum > limit {
			return sum, false
		}
	}
	return sum, true
}

// keeper holds at most k neighbors sorted by ascending distance. Equal distances keep insertion
// order.
type keeper[T any] struct {
	k     int
	items []Neighbor[T]
}

func (kp *keeper[T]) worst() float64 {
	if len(kp.items) < kp.k {
		return math.Inf(1)
	}
	return kp.items[len(kp.items)-1].Dist
}

func (kp *keeper[T]) insert(n Neighbor[T]) {
	if len(kp.items) == kp.k && n.Dist >= kp.worst() {
		return
	}
	at := sort.Search(len(kp.items), func(i int) bool {
		return kp.items[i].Dist > n.Dist
	})
	kp.items = slices.Insert(kp.items, at, n)
	if len(kp.items) > kp.k {
		kp.items = kp.items[:kp.k]
	}
}
