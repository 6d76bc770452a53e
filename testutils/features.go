// Package testutils contains helpers for building synthetic features and correspondences in tests.
package testutils

import (
	"math/rand"

	"github.com/golang/geo/r2"

	"go.viam.com/imgreg/vision/keypoints"
)

// PointMapper maps a query image point to the matching reference image point.
type PointMapper func(r2.Point) r2.Point

// MatchesUnder pairs every point in from with its image under f.
func MatchesUnder(f PointMapper, from []r2.Point) []*keypoints.Match {
	matches := make([]*keypoints.Match, len(from))
	for i, pt := range from {
		matches[i] = &keypoints.Match{
			From: &keypoints.Feature{Point: pt},
			To:   &keypoints.Feature{Point: f(pt)},
		}
	}
	return matches
}

// RandomPoints returns n points uniformly distributed over [0, width) x [0, height).
func RandomPoints(rng *rand.Rand, n int, width, height float64) []r2.Point {
	pts := make([]r2.Point, n)
	for i := range pts {
		pts[i] = r2.Point{X: rng.Float64() * width, Y: rng.Float64() * height}
	}
	return pts
}

// SceneConfig describes a synthetic pair of feature sets.
type SceneConfig struct {
	// Inliers is the number of query features whose reference counterpart lies where the mapper
	// puts it.
	Inliers int
	// Outliers is the number of query features whose descriptor matches a reference feature placed
	// somewhere unrelated.
	Outliers int
	// Distractors is the number of extra reference features with no query counterpart.
	Distractors    int
	DescriptorDims int
	// DescriptorNoise is the largest per-component perturbation applied to query descriptors.
	DescriptorNoise float64
	Width, Height   float64
}

// Scene is a generated pair of feature sets.
type Scene struct {
	Reference []*keypoints.Feature
	Query     []*keypoints.Feature
	// Truth maps query features to their true reference feature; outliers are absent.
	Truth map[*keypoints.Feature]*keypoints.Feature
}

// NewScene generates a scene whose inlier query points map onto their reference points under f.
// Every query feature gets a perturbed copy of its reference descriptor, so descriptor matching
// pairs both inliers and outliers.
func NewScene(rng *rand.Rand, cfg SceneConfig, f PointMapper) *Scene {
	scene := &Scene{Truth: map[*keypoints.Feature]*keypoints.Feature{}}
	descriptor := func() []float64 {
		d := make([]float64, cfg.DescriptorDims)
		for i := range d {
			d[i] = rng.Float64() * 100
		}
		return d
	}
	perturbed := func(d []float64) []float64 {
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = v + (rng.Float64()*2-1)*cfg.DescriptorNoise
		}
		return out
	}

	for _, pt := range RandomPoints(rng, cfg.Inliers, cfg.Width, cfg.Height) {
		ref := &keypoints.Feature{Point: f(pt), Descriptor: descriptor()}
		q := &keypoints.Feature{Point: pt, Descriptor: perturbed(ref.Descriptor)}
		scene.Reference = append(scene.Reference, ref)
		scene.Query = append(scene.Query, q)
		scene.Truth[q] = ref
	}
	for i := 0; i < cfg.Outliers; i++ {
		pts := RandomPoints(rng, 2, cfg.Width, cfg.Height)
		ref := &keypoints.Feature{Point: pts[0], Descriptor: descriptor()}
		q := &keypoints.Feature{Point: pts[1], Descriptor: perturbed(ref.Descriptor)}
		scene.Reference = append(scene.Reference, ref)
		scene.Query = append(scene.Query, q)
	}
	for _, pt := range RandomPoints(rng, cfg.Distractors, cfg.Width, cfg.Height) {
		scene.Reference = append(scene.Reference, &keypoints.Feature{Point: pt, Descriptor: descriptor()})
	}

	rng.Shuffle(len(scene.Reference), func(i, j int) {
		scene.Reference[i], scene.Reference[j] = scene.Reference[j], scene.Reference[i]
	})
	rng.Shuffle(len(scene.Query), func(i, j int) {
		scene.Query[i], scene.Query[j] = scene.Query[j], scene.Query[i]
	})
	return scene
}
