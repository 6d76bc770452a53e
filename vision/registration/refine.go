package registration

import (
	"context"
	"math"

	"github.com/samber/lo"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/utils"
	"go.viam.com/imgreg/vision/keypoints"
)

// RefineConfig contains the parameters of fixed-point refinement.
type RefineConfig struct {
	Threshold     float64 `json:"threshold"`
	MaxIterations int     `json:"max_iterations"`
}

// DefaultRefineConfig returns the default refinement parameters.
func DefaultRefineConfig() *RefineConfig {
	return &RefineConfig{Threshold: 1.0, MaxIterations: 20}
}

// Validate ensures all parts of the RefineConfig are valid.
func (cfg *RefineConfig) Validate(path string) error {
	if !(cfg.Threshold > 0) || math.IsInf(cfg.Threshold, 1) {
		return utils.NewOutOfRangeConfigError(path, "threshold", cfg.Threshold, "finite and > 0")
	}
	if cfg.MaxIterations < 0 {
		return utils.NewOutOfRangeConfigError(path, "max_iterations", cfg.MaxIterations, ">= 0")
	}
	return nil
}

// Refine repeatedly refits the model on the whole of set and replaces set with every match in
// source that the new model accepts. It stops once the consensus size is unchanged between rounds,
// falls below the estimator's minimal sample, or MaxIterations rounds have run, and returns the
// number of rounds run. A construction failure stops refinement and leaves set as it was before
// that round.
func Refine(
	ctx context.Context,
	est Estimator,
	set *MatchSet,
	source []*keypoints.Match,
	cfg *RefineConfig,
	logger logging.Logger,
) (int, error) {
	if logger == nil {
		logger = logging.NewBlankLogger("refine")
	}
	previous := -1
	iter := 0
	for iter < cfg.MaxIterations && set.Len() != previous && set.Len() >= est.MinMatches() {
		if err := ctx.Err(); err != nil {
			return iter, err
		}
		model, err := est.Construct(set.Matches)
		if err != nil {
			return iter, err
		}
		inliers := lo.Filter(source, func(m *keypoints.Match, _ int) bool {
			return model.Test(m) <= cfg.Threshold
		})
		previous = set.Len()
		set.Set(inliers, model)
		iter++
		logger.CDebugw(ctx, "refined consensus", "iteration", iter, "size", set.Len(), "error", model.Error())
	}
	return iter, nil
}
