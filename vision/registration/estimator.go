// Package registration fits a geometric model to noisy feature correspondences between two images:
// a robust random-sample consensus search followed by fixed-point refinement on the inliers.
package registration

import (
	"github.com/pkg/errors"

	"go.viam.com/imgreg/vision/keypoints"
)

var (
	// ErrInsufficientMatches is returned when fewer candidates exist than the estimator's minimal sample.
	ErrInsufficientMatches = errors.New("not enough candidate matches for a minimal sample")
	// ErrNoConsensus is returned by Register when no sampled model gathered enough inliers.
	ErrNoConsensus = errors.New("no model reached the minimum consensus")
	// ErrDOFMismatch is returned by Register when the config and the estimator disagree on DOF.
	ErrDOFMismatch = errors.New("estimator degrees of freedom do not match config")
)

// Model is a fitted transform that can score a single correspondence.
type Model interface {
	// Test returns the distance, in point units, between the transformed From point and the To point.
	Test(match *keypoints.Match) float64
	// Error returns the mean Test value over the matches the model was fitted on.
	Error() float64
}

// Estimator fits a Model to a set of correspondences.
type Estimator interface {
	Construct(matches []*keypoints.Match) (Model, error)
	// MinMatches is the size of the minimal sample that can constrain a model.
	MinMatches() int
}

// MatchSet is an ordered collection of correspondences with an optional model fitted to them.
// Replacing or clearing the model drops the set's only reference to it.
type MatchSet struct {
	Matches []*keypoints.Match
	model   Model
}

// NewMatchSet returns a set holding matches and no model.
func NewMatchSet(matches []*keypoints.Match) *MatchSet {
	return &MatchSet{Matches: matches}
}

// Len returns the number of matches.
func (s *MatchSet) Len() int {
	return len(s.Matches)
}

// Model returns the associated model, or nil.
func (s *MatchSet) Model() Model {
	return s.model
}

// HasModel reports whether a model is associated with the set.
func (s *MatchSet) HasModel() bool {
	return s.model != nil
}

// SetModel replaces the associated model.
func (s *MatchSet) SetModel(model Model) {
	s.model = model
}

// Set replaces both the matches and the model.
func (s *MatchSet) Set(matches []*keypoints.Match, model Model) {
	s.Matches = matches
	s.model = model
}

// Clear removes all matches and the model.
func (s *MatchSet) Clear() {
	s.Matches = nil
	s.model = nil
}

// DOFEstimator is an Estimator whose transforms have a fixed number of degrees of freedom.
type DOFEstimator interface {
	Estimator
	DegreesOfFreedom() int
}
