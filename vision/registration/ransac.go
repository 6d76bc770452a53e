package registration

import (
	"context"
	"math"
	"math/rand"
	"slices"

	"github.com/pkg/errors"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/utils"
	"go.viam.com/imgreg/vision/keypoints"
)

// RANSACConfig contains the parameters of the random sample consensus search.
type RANSACConfig struct {
	// Iterations is the number of samples drawn. Negative values derive the count from
	// InlierRate and the estimator's minimal sample size, 0 derives it from Confidence.
	Iterations int `json:"iterations"`
	// InlierRate is the assumed fraction of candidates that are inliers.
	InlierRate float64 `json:"inlier_rate"`
	// Confidence is the target probability of drawing at least one all-inlier sample.
	Confidence float64 `json:"confidence"`
	// Threshold is the largest Test value counted as an inlier.
	Threshold float64 `json:"threshold"`
	// MinConsensus is the number of inliers, beyond the sample itself, needed to accept a model.
	// 0 means the estimator's minimal sample size.
	MinConsensus int `json:"min_consensus"`
	// Seed seeds the sampler; 0 means 1.
	Seed int64 `json:"seed"`
}

// DefaultRANSACConfig returns the default sampler parameters.
func DefaultRANSACConfig() *RANSACConfig {
	return &RANSACConfig{
		Iterations: -1,
		InlierRate: 0.5,
		Confidence: 0.99,
		Threshold:  1.0,
	}
}

// Validate ensures all parts of the RANSACConfig are valid.
func (cfg *RANSACConfig) Validate(path string) error {
	if !(cfg.InlierRate > 0 && cfg.InlierRate <= 1) {
		return utils.NewOutOfRangeConfigError(path, "inlier_rate", cfg.InlierRate, "in (0, 1]")
	}
	if !(cfg.Confidence > 0 && cfg.Confidence < 1) {
		return utils.NewOutOfRangeConfigError(path, "confidence", cfg.Confidence, "in (0, 1)")
	}
	if !(cfg.Threshold > 0) || math.IsInf(cfg.Threshold, 1) {
		return utils.NewOutOfRangeConfigError(path, "threshold", cfg.Threshold, "finite and > 0")
	}
	if cfg.MinConsensus < 0 {
		return utils.NewOutOfRangeConfigError(path, "min_consensus", cfg.MinConsensus, ">= 0")
	}
	return nil
}

// NewRand returns the generator described by Seed.
func (cfg *RANSACConfig) NewRand() *rand.Rand {
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return rand.New(rand.NewSource(seed))
}

// IterationBudget returns how many samples of size n to draw.
//
// A positive k is used as is. A negative k gives ceil((1 - k*sigma) / w^n) with
// sigma = sqrt(1 - w^n), i.e. the expected number of draws until an all-inlier sample plus -k
// standard deviations. k == 0 gives ceil(log(1-p) / log(1-w^n)), the number of draws needed to
// see an all-inlier sample with probability p. The result is at least 1.
func IterationBudget(k int, w, p float64, n int) int {
	if k > 0 {
		return k
	}
	wn := math.Pow(w, float64(n))
	var budget float64
	if k < 0 {
		sigma := math.Sqrt(1 - wn)
		budget = (1 - float64(k)*sigma) / wn
	} else {
		budget = math.Log(1-p) / math.Log(1-wn)
	}
	if iters := utils.CeilToInt(budget); iters > 1 {
		return iters
	}
	return 1
}

// RANSAC searches for the model with the largest consensus among candidates. Each iteration fits a
// model to a random minimal sample, discards it when its own fitting error exceeds the threshold,
// then grows the sample into a consensus set with every other candidate that tests within the
// threshold. The largest consensus with at least MinConsensus members beyond the sample wins.
//
// The returned set has no model when no iteration qualified. A nil rng means cfg.NewRand().
// Cancelling ctx stops the search between iterations.
func RANSAC(
	ctx context.Context,
	est Estimator,
	candidates []*keypoints.Match,
	cfg *RANSACConfig,
	rng *rand.Rand,
	logger logging.Logger,
) (*MatchSet, error) {
	n := est.MinMatches()
	if len(candidates) < n {
		return nil, errors.Wrapf(ErrInsufficientMatches, "have %d candidates, need %d", len(candidates), n)
	}
	if rng == nil {
		rng = cfg.NewRand()
	}
	if logger == nil {
		logger = logging.NewBlankLogger("ransac")
	}
	minConsensus := cfg.MinConsensus
	if minConsensus == 0 {
		minConsensus = n
	}
	iterations := IterationBudget(cfg.Iterations, cfg.InlierRate, cfg.Confidence, n)
	logger.CDebugw(ctx, "starting ransac",
		"candidates", len(candidates), "sample", n, "iterations", iterations, "threshold", cfg.Threshold)

	pool := slices.Clone(candidates)
	best := NewMatchSet(nil)
	for iter := 0; iter < iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := 0; i < n; i++ {
			j := i + rng.Intn(len(pool)-i)
			pool[i], pool[j] = pool[j], pool[i]
		}
		sample := pool[:n]

		model, err := est.Construct(sample)
		if err != nil {
			logger.CDebugw(ctx, "skipping degenerate sample", "iteration", iter, "error", err)
			continue
		}
		if !(model.Error() <= cfg.Threshold) {
			continue
		}

		consensus := slices.Clone(sample)
		for _, m := range pool[n:] {
			if model.Test(m) <= cfg.Threshold {
				consensus = append(consensus, m)
			}
		}
		if len(consensus)-n < minConsensus {
			continue
		}
		if len(consensus) > best.Len() {
			best.Set(consensus, model)
			logger.CDebugw(ctx, "new best consensus", "iteration", iter, "size", len(consensus), "error", model.Error())
		}
	}
	return best, nil
}
