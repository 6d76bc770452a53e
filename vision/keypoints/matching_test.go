package keypoints

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/vision/kdtree"
)

func TestMatchingConfigValidate(t *testing.T) {
	cfg := DefaultMatchingConfig()
	test.That(t, cfg.Validate("matching"), test.ShouldBeNil)

	for _, tc := range []struct {
		name   string
		mutate func(*MatchingConfig)
		field  string
	}{
		{"bucket", func(c *MatchingConfig) { c.BucketSize = 0 }, "bucket_size"},
		{"epsilon", func(c *MatchingConfig) { c.Epsilon = -1 }, "epsilon"},
		{"ratio zero", func(c *MatchingConfig) { c.Ratio = 0 }, "ratio"},
		{"ratio above one", func(c *MatchingConfig) { c.Ratio = 1.5 }, "ratio"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultMatchingConfig()
			tc.mutate(cfg)
			err := cfg.Validate("matching")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.field)
		})
	}

	_, err := NewMatcher(&MatchingConfig{BucketSize: 2}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAccept(t *testing.T) {
	cfg := &MatchingConfig{BucketSize: 2, MaxDist: 4, Ratio: 0.8}
	test.That(t, cfg.accept(4, 5), test.ShouldBeTrue)
	test.That(t, cfg.accept(4.01, 100), test.ShouldBeFalse)
	test.That(t, cfg.accept(3, 3.7), test.ShouldBeFalse)
	test.That(t, cfg.accept(0, 0), test.ShouldBeFalse)
	test.That(t, cfg.accept(0, 1), test.ShouldBeTrue)

	cfg.MaxDist = 0
	test.That(t, cfg.accept(400, 500), test.ShouldBeTrue)
}

// ratioScenario has reference descriptors at 0 and 9 so a query at 4 sees d0 = 4 and d1 = 5.
func ratioScenario(t *testing.T, cfg *MatchingConfig) []*Match {
	t.Helper()
	reference := []*Feature{
		NewFeature(1, 1, []float64{0}),
		NewFeature(2, 2, []float64{9}),
	}
	m, err := NewMatcher(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Set(reference), test.ShouldBeNil)
	matches, err := m.Run(context.Background(), []*Feature{NewFeature(5, 5, []float64{4})})
	test.That(t, err, test.ShouldBeNil)
	return matches
}

func TestRatioTest(t *testing.T) {
	t.Run("both bounds inclusive", func(t *testing.T) {
		matches := ratioScenario(t, &MatchingConfig{BucketSize: 2, MaxDist: 4, Ratio: 0.8})
		test.That(t, matches, test.ShouldHaveLength, 1)
		test.That(t, matches[0].From.Point, test.ShouldResemble, r2.Point{X: 5, Y: 5})
		test.That(t, matches[0].To.Point, test.ShouldResemble, r2.Point{X: 1, Y: 1})
	})
	t.Run("rejected by absolute distance", func(t *testing.T) {
		matches := ratioScenario(t, &MatchingConfig{BucketSize: 2, MaxDist: 3.99, Ratio: 0.8})
		test.That(t, matches, test.ShouldHaveLength, 0)
	})
	t.Run("rejected by ratio", func(t *testing.T) {
		matches := ratioScenario(t, &MatchingConfig{BucketSize: 2, MaxDist: 4, Ratio: 0.79})
		test.That(t, matches, test.ShouldHaveLength, 0)
	})
	t.Run("absolute check disabled", func(t *testing.T) {
		matches := ratioScenario(t, &MatchingConfig{BucketSize: 2, Ratio: 0.8})
		test.That(t, matches, test.ShouldHaveLength, 1)
	})
}

func TestRunSkipsUnusableFeatures(t *testing.T) {
	m, err := NewMatcher(nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = m.Run(context.Background(), nil)
	test.That(t, err, test.ShouldNotBeNil)

	// only one reference feature has a descriptor so no query has a second neighbor
	test.That(t, m.Set([]*Feature{
		NewFeature(0, 0, []float64{0, 0}),
		NewFeature(1, 1, nil),
		nil,
	}), test.ShouldBeNil)
	matches, err := m.Run(context.Background(), []*Feature{NewFeature(0, 0, []float64{0, 0})})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 0)

	// duplicated reference descriptors leave d1 == 0
	test.That(t, m.Set([]*Feature{
		NewFeature(0, 0, []float64{3, 3}),
		NewFeature(1, 1, []float64{3, 3}),
	}), test.ShouldBeNil)
	matches, err = m.Run(context.Background(), []*Feature{
		NewFeature(0, 0, []float64{3, 3}),
		NewFeature(2, 2, nil),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 0)

	_, err = m.Run(context.Background(), []*Feature{NewFeature(0, 0, []float64{3})})
	test.That(t, errors.Is(err, kdtree.ErrDimensionMismatch), test.ShouldBeTrue)

	err = m.Set([]*Feature{NewFeature(0, 0, nil)})
	test.That(t, errors.Is(err, kdtree.ErrEmptyIndex), test.ShouldBeTrue)
}

func TestEmptyDescriptorsAreSkipped(t *testing.T) {
	var blank Feature
	test.That(t, blank.UnmarshalJSON([]byte(`{"x": 4, "y": 4, "descriptor": []}`)), test.ShouldBeNil)
	test.That(t, blank.Descriptor, test.ShouldNotBeNil)
	test.That(t, blank.HasDescriptor(), test.ShouldBeFalse)

	m, err := NewMatcher(nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Set([]*Feature{
		NewFeature(0, 0, []float64{0, 0}),
		&blank,
		NewFeature(9, 9, []float64{9, 9}),
	}), test.ShouldBeNil)
	test.That(t, m.tree.Len(), test.ShouldEqual, 2)

	matches, err := m.Run(context.Background(), []*Feature{
		NewFeature(1, 1, []float64{}),
		NewFeature(2, 2, []float64{1, 0}),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 1)
	test.That(t, matches[0].To.Point, test.ShouldResemble, r2.Point{X: 0, Y: 0})
}

func TestRunManyQueriesKeepsOrder(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	reference := make([]*Feature, 200)
	for i := range reference {
		desc := make([]float64, 8)
		for d := range desc {
			desc[d] = r.Float64() * 100
		}
		reference[i] = NewFeature(float64(i), float64(-i), desc)
	}
	// each query is a slightly perturbed copy of a reference descriptor
	query := make([]*Feature, len(reference))
	for i, ref := range reference {
		desc := make([]float64, len(ref.Descriptor))
		for d, v := range ref.Descriptor {
			desc[d] = v + (r.Float64()-0.5)*0.01
		}
		query[i] = NewFeature(float64(i)+0.5, float64(-i), desc)
	}

	m, err := NewMatcher(nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Set(reference), test.ShouldBeNil)
	matches, err := m.Run(context.Background(), query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, len(query))
	for i, match := range matches {
		test.That(t, match.From, test.ShouldEqual, query[i])
		test.That(t, match.To, test.ShouldEqual, reference[i])
		test.That(t, match.Displacement(), test.ShouldResemble, r2.Point{X: -0.5, Y: 0})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Run(ctx, query)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestFeatureFiles(t *testing.T) {
	features := []*Feature{
		NewFeature(1.5, 2, []float64{0.25, 1}),
		NewFeature(-3, 4, nil),
	}
	path := filepath.Join(t.TempDir(), "features.json")
	test.That(t, WriteFeaturesToJSONFile(features, path), test.ShouldBeNil)

	loaded, err := LoadFeaturesFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, features)
	test.That(t, loaded[1].HasDescriptor(), test.ShouldBeFalse)

	_, err = LoadFeaturesFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	var f Feature
	test.That(t, f.UnmarshalJSON([]byte(`{"x": 1, "y": 2, "descriptor": [3]}`)), test.ShouldBeNil)
	test.That(t, f, test.ShouldResemble, Feature{Point: r2.Point{X: 1, Y: 2}, Descriptor: []float64{3}})
	test.That(t, f.HasDescriptor(), test.ShouldBeTrue)
}
