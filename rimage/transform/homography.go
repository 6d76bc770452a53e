// Package transform contains the planar transforms fitted between two images and the estimator
// that fits them from point correspondences.
package transform

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 matrix (represented as a 2D array) used to transform a plane from the perspective of a 2D
// camera to the perspective of another 2D camera. Indices are [row][column].
type Homography [3][3]float64

// NewHomography creates a homography from a slice of 9 floats in row-major order.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("input to NewHomography must have length of 9. Has length of %d", len(vals))
	}
	var h Homography
	for i, v := range vals {
		h[i/3][i%3] = v
	}
	return &h, nil
}

// IdentityHomography returns the homography that maps every point onto itself.
func IdentityHomography() *Homography {
	return &Homography{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// homographyFromDense copies a 3x3 matrix, scaling it so the bottom right entry is 1 when possible.
func homographyFromDense(m mat.Matrix) *Homography {
	var h Homography
	scale := 1.0
	if s := m.At(2, 2); s != 0 {
		scale = 1 / s
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r][c] = m.At(r, c) * scale
		}
	}
	return &h
}

// At returns the value of the homography at the given row and column.
func (h *Homography) At(row, col int) float64 {
	return h[row][col]
}

// Apply maps pt through the homography, dividing by the homogeneous scale term. Points that map to
// infinity have non-finite coordinates.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	return r2.Point{X: x / z, Y: y / z}
}

// Matrix returns the homography as a gonum matrix.
func (h *Homography) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, h.Values())
}

// Values returns the 9 entries in row-major order.
func (h *Homography) Values() []float64 {
	vals := make([]float64, 0, 9)
	for _, row := range h {
		vals = append(vals, row[:]...)
	}
	return vals
}

// Inverse returns the homography mapping points back through h.
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.Matrix()); err != nil {
		return nil, errors.Wrap(ErrSingularSystem, err.Error())
	}
	return homographyFromDense(&inv), nil
}

// Compose returns the homography applying h first and then next.
func (h *Homography) Compose(next *Homography) *Homography {
	var out mat.Dense
	out.Mul(next.Matrix(), h.Matrix())
	return homographyFromDense(&out)
}

// IsFinite reports whether every entry is a finite number.
func (h *Homography) IsFinite() bool {
	for _, v := range h.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (h *Homography) String() string {
	return fmt.Sprintf("[[%g %g %g] [%g %g %g] [%g %g %g]]",
		h[0][0], h[0][1], h[0][2], h[1][0], h[1][1], h[1][2], h[2][0], h[2][1], h[2][2])
}

// MarshalJSON encodes the homography as 9 numbers in row-major order.
func (h Homography) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Values())
}

// UnmarshalJSON decodes 9 numbers in row-major order.
func (h *Homography) UnmarshalJSON(data []byte) error {
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	parsed, err := NewHomography(vals)
	if err != nil {
		return err
	}
	*h = *parsed
	return nil
}
