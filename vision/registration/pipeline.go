package registration

import (
	"context"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/vision/keypoints"
)

// ErrorStats summarizes the Test values of a model over a set of matches.
type ErrorStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	Max    float64 `json:"max"`
}

// ComputeErrorStats scores every match with model. An empty match list gives zero stats.
func ComputeErrorStats(model Model, matches []*keypoints.Match) (ErrorStats, error) {
	if len(matches) == 0 {
		return ErrorStats{}, nil
	}
	data := make(stats.Float64Data, len(matches))
	for i, m := range matches {
		data[i] = model.Test(m)
	}
	var es ErrorStats
	var err error
	es.Count = len(data)
	if es.Mean, err = data.Mean(); err != nil {
		return ErrorStats{}, err
	}
	if es.Median, err = data.Median(); err != nil {
		return ErrorStats{}, err
	}
	if es.P90, err = data.Percentile(90); err != nil {
		return ErrorStats{}, err
	}
	if es.Max, err = data.Max(); err != nil {
		return ErrorStats{}, err
	}
	return es, nil
}

// Result is the outcome of Register.
type Result struct {
	// Inliers holds the final consensus set and its model.
	Inliers *MatchSet
	// Candidates holds every correspondence that passed descriptor matching.
	Candidates []*keypoints.Match
	// SampledInliers is the consensus size found by the sampler before refinement.
	SampledInliers   int
	RefineIterations int
	Stats            ErrorStats
}

// Register matches query features against reference features and fits a model with est: candidate
// correspondences from descriptor matching, a robust consensus search over them, then refinement
// of the consensus against all candidates.
func Register(
	ctx context.Context,
	est Estimator,
	reference, query []*keypoints.Feature,
	cfg *Config,
	logger logging.Logger,
) (*Result, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate("registration"); err != nil {
		return nil, err
	}
	if de, ok := est.(DOFEstimator); ok && de.DegreesOfFreedom() != cfg.DOF {
		return nil, errors.Wrapf(ErrDOFMismatch, "config has %d, estimator has %d", cfg.DOF, de.DegreesOfFreedom())
	}
	if logger == nil {
		logger = logging.NewBlankLogger("registration")
	}

	matcher, err := keypoints.NewMatcher(cfg.Matching, logger.Sublogger("matching"))
	if err != nil {
		return nil, err
	}
	if err := matcher.Set(reference); err != nil {
		return nil, err
	}
	candidates, err := matcher.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	logger.CDebugw(ctx, "descriptor matching done", "reference", len(reference), "query", len(query), "candidates", len(candidates))

	set, err := RANSAC(ctx, est, candidates, cfg.RANSAC, nil, logger.Sublogger("ransac"))
	if err != nil {
		return nil, err
	}
	if !set.HasModel() {
		return nil, errors.Wrapf(ErrNoConsensus, "%d candidates", len(candidates))
	}
	sampled := set.Len()

	iterations, err := Refine(ctx, est, set, candidates, cfg.Refine, logger.Sublogger("refine"))
	if err != nil {
		return nil, errors.Wrap(err, "refinement failed")
	}

	es, err := ComputeErrorStats(set.Model(), set.Matches)
	if err != nil {
		return nil, err
	}
	logger.CDebugw(ctx, "registration done",
		"sampled_inliers", sampled, "inliers", set.Len(), "refine_iterations", iterations, "mean_error", es.Mean)

	return &Result{
		Inliers:          set,
		Candidates:       candidates,
		SampledInliers:   sampled,
		RefineIterations: iterations,
		Stats:            es,
	}, nil
}
