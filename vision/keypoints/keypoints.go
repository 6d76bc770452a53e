// Package keypoints contains image feature points with descriptors and the descriptor matching
// that turns two feature sets into candidate correspondences.
package keypoints

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Feature is a point in an image together with an optional descriptor vector. A nil Descriptor
// means the point has none and is ignored by matching.
type Feature struct {
	Point      r2.Point
	Descriptor []float64
}

// NewFeature returns a feature at (x, y) with the given descriptor.
func NewFeature(x, y float64, descriptor []float64) *Feature {
	return &Feature{Point: r2.Point{X: x, Y: y}, Descriptor: descriptor}
}

// HasDescriptor reports whether the feature can take part in matching.
func (f *Feature) HasDescriptor() bool {
	return f != nil && len(f.Descriptor) > 0
}

type featureJSON struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Descriptor []float64 `json:"descriptor"`
}

// MarshalJSON encodes the feature as {"x", "y", "descriptor"}.
func (f Feature) MarshalJSON() ([]byte, error) {
	return json.Marshal(featureJSON{X: f.Point.X, Y: f.Point.Y, Descriptor: f.Descriptor})
}

// UnmarshalJSON decodes the {"x", "y", "descriptor"} form.
func (f *Feature) UnmarshalJSON(data []byte) error {
	var fj featureJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return err
	}
	f.Point = r2.Point{X: fj.X, Y: fj.Y}
	f.Descriptor = fj.Descriptor
	return nil
}

// Match is a hypothesized correspondence between a query feature (From) and a reference feature
// (To). It does not own either feature. Geometric models map From onto To.
type Match struct {
	From *Feature
	To   *Feature
}

// Displacement is To minus From.
func (m *Match) Displacement() r2.Point {
	return m.To.Point.Sub(m.From.Point)
}

// LoadFeaturesFromJSONFile reads a JSON array of features.
func LoadFeaturesFromJSONFile(file string) ([]*Feature, error) {
	filePath := filepath.Clean(file)
	//nolint:gosec
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var features []*Feature
	if err := json.NewDecoder(f).Decode(&features); err != nil {
		return nil, errors.Wrapf(err, "cannot decode features from %q", file)
	}
	for i, feat := range features {
		if feat == nil {
			return nil, errors.Errorf("feature %d in %q is null", i, file)
		}
	}
	return features, nil
}

// WriteFeaturesToJSONFile writes features as a JSON array that LoadFeaturesFromJSONFile can read.
func WriteFeaturesToJSONFile(features []*Feature, file string) error {
	data, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return err
	}
	//nolint:gosec
	return os.WriteFile(filepath.Clean(file), data, 0o644)
}
