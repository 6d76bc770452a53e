package keypoints

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/utils"
	"go.viam.com/imgreg/vision/kdtree"
)

// DefaultRatio is the default nearest/second-nearest distance ratio threshold.
const DefaultRatio = 0.8

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	// BucketSize is the leaf size of the reference descriptor tree.
	BucketSize int `json:"bucket_size"`
	// Epsilon is the approximation slack of the neighbor search; 0 is exact.
	Epsilon float64 `json:"epsilon"`
	// MaxDist is the largest accepted nearest descriptor distance. Values <= 0 disable the check.
	MaxDist float64 `json:"max_dist"`
	// Ratio is the largest accepted nearest/second-nearest distance ratio.
	Ratio float64 `json:"ratio"`
}

// DefaultMatchingConfig returns the default matching parameters.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{BucketSize: 2, Ratio: DefaultRatio}
}

// Validate ensures all parts of the MatchingConfig are valid.
func (cfg *MatchingConfig) Validate(path string) error {
	if cfg.BucketSize < 1 {
		return utils.NewOutOfRangeConfigError(path, "bucket_size", cfg.BucketSize, ">= 1")
	}
	if !(cfg.Epsilon >= 0) || math.IsInf(cfg.Epsilon, 1) {
		return utils.NewOutOfRangeConfigError(path, "epsilon", cfg.Epsilon, "finite and >= 0")
	}
	if math.IsNaN(cfg.MaxDist) {
		return utils.NewOutOfRangeConfigError(path, "max_dist", cfg.MaxDist, "a number")
	}
	if !(cfg.Ratio > 0 && cfg.Ratio <= 1) {
		return utils.NewOutOfRangeConfigError(path, "ratio", cfg.Ratio, "in (0, 1]")
	}
	return nil
}

// accept applies the absolute distance and ratio tests to the nearest (d0) and second-nearest
// (d1) descriptor distances. Both bounds are inclusive.
func (cfg *MatchingConfig) accept(d0, d1 float64) bool {
	if cfg.MaxDist > 0 && d0 > cfg.MaxDist {
		return false
	}
	if d1 <= 0 {
		return false
	}
	return d0/d1 <= cfg.Ratio
}

func (cfg *MatchingConfig) treeConfig() kdtree.Config {
	return kdtree.Config{BucketSize: cfg.BucketSize, K: 2, Epsilon: cfg.Epsilon}
}

// Matcher finds correspondences between query features and a fixed reference set. After Set, Run
// may be called any number of times, including concurrently.
type Matcher struct {
	cfg    *MatchingConfig
	logger logging.Logger
	tree   *kdtree.Tree[*Feature]
}

// NewMatcher returns a matcher with the given config. A nil config means DefaultMatchingConfig and
// a nil logger discards output.
func NewMatcher(cfg *MatchingConfig, logger logging.Logger) (*Matcher, error) {
	if cfg == nil {
		cfg = DefaultMatchingConfig()
	}
	if err := cfg.Validate("matching"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger("matching")
	}
	return &Matcher{cfg: cfg, logger: logger}, nil
}

// Set indexes the reference features. Features without a descriptor are skipped.
func (m *Matcher) Set(reference []*Feature) error {
	withDesc := lo.Filter(reference, func(f *Feature, _ int) bool {
		return f.HasDescriptor()
	})
	points := lo.Map(withDesc, func(f *Feature, _ int) kdtree.Point[*Feature] {
		return kdtree.Point[*Feature]{Vec: f.Descriptor, Item: f}
	})
	tree, err := kdtree.New(points, m.cfg.treeConfig())
	if err != nil {
		return errors.Wrap(err, "cannot index reference features")
	}
	m.tree = tree
	m.logger.Debugw("indexed reference features",
		"features", len(reference), "indexed", tree.Len(), "depth", tree.Depth(), "leaves", tree.Leaves())
	return nil
}

// Run matches every query feature that has a descriptor against the reference set. Queries are
// split across parallel workers; the returned matches keep query order.
func (m *Matcher) Run(ctx context.Context, query []*Feature) ([]*Match, error) {
	if m.tree == nil {
		return nil, errors.New("matcher has no reference features, call Set first")
	}
	queries := lo.Filter(query, func(f *Feature, _ int) bool {
		return f.HasDescriptor()
	})
	for i, f := range queries {
		if len(f.Descriptor) != m.tree.Dims() {
			return nil, errors.Wrapf(kdtree.ErrDimensionMismatch,
				"query feature %d has %d descriptor dimensions, reference has %d", i, len(f.Descriptor), m.tree.Dims())
		}
	}

	found := make([]*Match, len(queries))
	errs := make([]error, len(queries))
	err := utils.GroupWorkParallel(
		ctx,
		len(queries),
		nil,
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				found[workNum], errs[workNum] = m.match(queries[workNum])
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	matches := lo.Compact(found)
	m.logger.CDebugw(ctx, "matched features", "queries", len(queries), "matches", len(matches))
	return matches, nil
}

// match returns nil without error when the query has no acceptable reference feature.
func (m *Matcher) match(q *Feature) (*Match, error) {
	neighbors, err := m.tree.Search(q.Descriptor, 2, m.cfg.Epsilon)
	if err != nil {
		return nil, err
	}
	if len(neighbors) < 2 {
		return nil, nil
	}
	d0 := math.Sqrt(neighbors[0].Dist)
	d1 := math.Sqrt(neighbors[1].Dist)
	if !m.cfg.accept(d0, d1) {
		return nil, nil
	}
	return &Match{From: q, To: neighbors[0].Item}, nil
}
