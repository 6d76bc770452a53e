package kdtree

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"gonum.org/v1/gonum/floats"
)

func randomPoints(r *rand.Rand, n, dims int) []Point[int] {
	points := make([]Point[int], n)
	for i := range points {
		vec := make([]float64, dims)
		for d := range vec {
			vec[d] = r.Float64()*100 - 50
		}
		points[i] = Point[int]{Vec: vec, Item: i}
	}
	return points
}

type bruteHit struct {
	item int
	dist float64
}

func bruteForce(points []Point[int], q []float64) []bruteHit {
	hits := make([]bruteHit, len(points))
	for i, p := range points {
		d := floats.Distance(p.Vec, q, 2)
		hits[i] = bruteHit{p.Item, d * d}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	return hits
}

func TestNewErrors(t *testing.T) {
	_, err := New([]Point[int]{}, DefaultConfig())
	test.That(t, errors.Is(err, ErrEmptyIndex), test.ShouldBeTrue)

	_, err = New([]Point[int]{{Vec: nil, Item: 0}}, DefaultConfig())
	test.That(t, errors.Is(err, ErrDimensionMismatch), test.ShouldBeTrue)

	_, err = New([]Point[int]{{Vec: []float64{1, 2}, Item: 0}, {Vec: []float64{1}, Item: 1}}, DefaultConfig())
	test.That(t, errors.Is(err, ErrDimensionMismatch), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "point 1 has 1 dimensions, expected 2")

	cfg := DefaultConfig()
	cfg.BucketSize = 0
	_, err = New([]Point[int]{{Vec: []float64{1}, Item: 0}}, cfg)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bucket_size")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate("path"), test.ShouldBeNil)

	cfg.K = 0
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.Epsilon = -0.1
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)

	cfg.Epsilon = math.NaN()
	test.That(t, cfg.Validate("path"), test.ShouldNotBeNil)
}

// checkNode walks the subtree rooted at n and returns the item ids it holds while verifying the
// split invariants.
func checkNode(t *testing.T, tree *Tree[int], n int) []int {
	t.Helper()
	nd := tree.nodes[n]
	if nd.leaf {
		test.That(t, nd.end-nd.start, test.ShouldBeLessThanOrEqualTo, tree.cfg.BucketSize)
		test.That(t, nd.end-nd.start, test.ShouldBeGreaterThan, 0)
		ids := []int{}
		for _, p := range tree.points[nd.start:nd.end] {
			ids = append(ids, p.Item)
		}
		return ids
	}
	test.That(t, nd.mid, test.ShouldBeGreaterThanOrEqualTo, nd.lo)
	test.That(t, nd.mid, test.ShouldBeLessThanOrEqualTo, nd.hi)
	low := checkNode(t, tree, nd.low)
	high := checkNode(t, tree, nd.high)
	byItem := map[int][]float64{}
	for _, p := range tree.points {
		byItem[p.Item] = p.Vec
	}
	for _, id := range low {
		test.That(t, byItem[id][nd.dim], test.ShouldBeLessThanOrEqualTo, nd.mid)
	}
	for _, id := range high {
		test.That(t, byItem[id][nd.dim], test.ShouldBeGreaterThanOrEqualTo, nd.mid)
	}
	return append(low, high...)
}

func TestBuildStructure(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	points := randomPoints(r, 200, 3)
	for _, bucket := range []int{1, 2, 5, 200, 500} {
		cfg := DefaultConfig()
		cfg.BucketSize = bucket
		tree, err := New(points, cfg)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.Len(), test.ShouldEqual, 200)
		test.That(t, tree.Dims(), test.ShouldEqual, 3)

		ids := checkNode(t, tree, tree.root)
		sort.Ints(ids)
		test.That(t, len(ids), test.ShouldEqual, 200)
		for i, id := range ids {
			test.That(t, id, test.ShouldEqual, i)
		}
		if bucket >= 200 {
			test.That(t, tree.Leaves(), test.ShouldEqual, 1)
			test.That(t, tree.Depth(), test.ShouldEqual, 1)
		} else {
			test.That(t, tree.Leaves(), test.ShouldBeGreaterThanOrEqualTo, 200/bucket)
		}
	}

	// the input slice order is untouched
	for i, p := range points {
		test.That(t, p.Item, test.ShouldEqual, i)
	}

	lo, hi := func() ([]float64, []float64) {
		tree, err := New(points, DefaultConfig())
		test.That(t, err, test.ShouldBeNil)
		return tree.Bounds()
	}()
	for _, p := range points {
		for d, v := range p.Vec {
			test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, lo[d])
			test.That(t, v, test.ShouldBeLessThanOrEqualTo, hi[d])
		}
	}
}

func TestBuildDuplicatePoints(t *testing.T) {
	points := make([]Point[int], 9)
	for i := range points {
		points[i] = Point[int]{Vec: []float64{1, 1}, Item: i}
	}
	cfg := DefaultConfig()
	cfg.BucketSize = 1
	tree, err := New(points, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Leaves(), test.ShouldEqual, 9)

	hits, err := tree.Search([]float64{1, 1}, 3, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hits, test.ShouldHaveLength, 3)
	for _, h := range hits {
		test.That(t, h.Dist, test.ShouldEqual, 0)
	}
}

func TestSearchExactMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, dims := range []int{1, 2, 8, 32} {
		points := randomPoints(r, 300, dims)
		for _, bucket := range []int{1, 2, 7} {
			cfg := DefaultConfig()
			cfg.BucketSize = bucket
			tree, err := New(points, cfg)
			test.That(t, err, test.ShouldBeNil)

			for trial := 0; trial < 20; trial++ {
				q := randomPoints(r, 1, dims)[0].Vec
				// queries well outside the indexed volume are covered too
				if trial%5 == 0 {
					for d := range q {
						q[d] *= 4
					}
				}
				want := bruteForce(points, q)
				for _, k := range []int{1, 2, 5} {
					got, err := tree.Search(q, k, 0)
					test.That(t, err, test.ShouldBeNil)
					test.That(t, got, test.ShouldHaveLength, k)
					for i := range got {
						test.That(t, got[i].Item, test.ShouldEqual, want[i].item)
						test.That(t, got[i].Dist, test.ShouldAlmostEqual, want[i].dist, 1e-9)
					}
				}
			}
		}
	}
}

func TestSearchSingleLeafIsExact(t *testing.T) {
	// With one large bucket every point goes through the leaf scan. The k-th best cutoff is
	// re-read for each point, so early-out never drops a point that belongs in the result.
	r := rand.New(rand.NewSource(3))
	points := randomPoints(r, 64, 4)
	cfg := DefaultConfig()
	cfg.BucketSize = 64
	tree, err := New(points, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Leaves(), test.ShouldEqual, 1)

	q := []float64{1, -2, 3, -4}
	want := bruteForce(points, q)
	got, err := tree.Search(q, 4, 0)
	test.That(t, err, test.ShouldBeNil)
	for i := range got {
		test.That(t, got[i].Item, test.ShouldEqual, want[i].item)
	}
}

func TestSearchApproximateBound(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	points := randomPoints(r, 500, 16)
	tree, err := New(points, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	for _, epsilon := range []float64{0.1, 0.5, 2} {
		factor := (1 + epsilon) * (1 + epsilon)
		for trial := 0; trial < 25; trial++ {
			q := randomPoints(r, 1, 16)[0].Vec
			want := bruteForce(points, q)
			for _, k := range []int{1, 3, 10} {
				got, err := tree.Search(q, k, epsilon)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, got, test.ShouldHaveLength, k)
				for i := 1; i < len(got); i++ {
					test.That(t, got[i].Dist, test.ShouldBeGreaterThanOrEqualTo, got[i-1].Dist)
				}
				test.That(t, got[k-1].Dist, test.ShouldBeLessThanOrEqualTo, want[k-1].dist*factor+1e-9)
			}
		}
	}
}

func TestSearchFewerPointsThanK(t *testing.T) {
	points := []Point[int]{
		{Vec: []float64{0, 0}, Item: 0},
		{Vec: []float64{3, 4}, Item: 1},
	}
	tree, err := New(points, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	items, err := tree.Find([]float64{3, 3}, 5, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, items, test.ShouldResemble, []int{1, 0})

	items, err = tree.Find([]float64{3, 3}, 5, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, items, test.ShouldHaveLength, 2)
}

func TestSearchErrors(t *testing.T) {
	tree, err := New([]Point[int]{{Vec: []float64{0, 0}, Item: 0}}, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	_, err = tree.Find([]float64{0}, 1, 0)
	test.That(t, errors.Is(err, ErrDimensionMismatch), test.ShouldBeTrue)
	_, err = tree.Find([]float64{0, 0}, 0, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = tree.Find([]float64{0, 0}, 1, -1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDescriptorLookup(t *testing.T) {
	// three image points, each with a one dimensional descriptor
	points := []Point[r2.Point]{
		{Vec: []float64{0.0}, Item: r2.Point{X: 0, Y: 0}},
		{Vec: []float64{1.0}, Item: r2.Point{X: 10, Y: 0}},
		{Vec: []float64{2.0}, Item: r2.Point{X: 0, Y: 10}},
	}
	tree, err := New(points, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	hits, err := tree.Search([]float64{0.9}, 2, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hits, test.ShouldHaveLength, 2)
	test.That(t, hits[0].Item, test.ShouldResemble, r2.Point{X: 10, Y: 0})
	test.That(t, math.Sqrt(hits[0].Dist), test.ShouldAlmostEqual, 0.1)
	test.That(t, hits[1].Item, test.ShouldResemble, r2.Point{X: 0, Y: 0})
	test.That(t, math.Sqrt(hits[1].Dist), test.ShouldAlmostEqual, 0.9)

	items, err := tree.Nearest([]float64{0.9})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, items, test.ShouldResemble, []r2.Point{{X: 10, Y: 0}, {X: 0, Y: 0}})
}

func TestRebuildIsDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	points := randomPoints(r, 150, 6)
	tree1, err := New(points, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	tree2, err := New(points, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree1.nodes, test.ShouldResemble, tree2.nodes)

	for trial := 0; trial < 20; trial++ {
		q := randomPoints(r, 1, 6)[0].Vec
		got1, err := tree1.Find(q, 3, 0.5)
		test.That(t, err, test.ShouldBeNil)
		got2, err := tree2.Find(q, 3, 0.5)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got1, test.ShouldResemble, got2)
	}
}

func TestConcurrentSearch(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	points := randomPoints(r, 400, 8)
	tree, err := New(points, DefaultConfig())
	test.That(t, err, test.ShouldBeNil)

	queries := randomPoints(r, 32, 8)
	want := make([][]int, len(queries))
	for i, q := range queries {
		want[i], err = tree.Find(q.Vec, 2, 0)
		test.That(t, err, test.ShouldBeNil)
	}

	got := make([][]int, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, vec []float64) {
			defer wg.Done()
			got[i], _ = tree.Find(vec, 2, 0)
		}(i, q.Vec)
	}
	wg.Wait()
	test.That(t, got, test.ShouldResemble, want)
}

func TestKeeper(t *testing.T) {
	kp := keeper[string]{k: 3}
	test.That(t, math.IsInf(kp.worst(), 1), test.ShouldBeTrue)
	kp.insert(Neighbor[string]{Item: "c", Dist: 3})
	kp.insert(Neighbor[string]{Item: "a", Dist: 1})
	kp.insert(Neighbor[string]{Item: "b", Dist: 2})
	test.That(t, kp.worst(), test.ShouldEqual, 3)
	kp.insert(Neighbor[string]{Item: "b2", Dist: 2})
	kp.insert(Neighbor[string]{Item: "z", Dist: 9})
	names := []string{}
	for _, n := range kp.items {
		names = append(names, n.Item)
	}
	test.That(t, names, test.ShouldResemble, []string{"a", "b", "b2"})
}
