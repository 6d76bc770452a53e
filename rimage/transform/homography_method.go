package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/imgreg/utils"
	"go.viam.com/imgreg/vision/keypoints"
	"go.viam.com/imgreg/vision/registration"
)

// SupportedDOF lists the degrees of freedom HomographyMethod can fit:
//   - 2: translation
//   - 3: rotation and translation
//   - 4: independent scale and translation per axis
//   - 6: affine
//   - 8: projective
var SupportedDOF = []int{2, 3, 4, 6, 8}

var _ registration.DOFEstimator = (*HomographyMethod)(nil)

// HomographyMethod fits a Homography with a fixed number of degrees of freedom to correspondences,
// mapping each match's From point onto its To point.
type HomographyMethod struct {
	DOF int
}

// NewHomographyMethod returns an estimator for dof, which must be one of SupportedDOF.
func NewHomographyMethod(dof int) (*HomographyMethod, error) {
	if !isSupportedDOF(dof) {
		return nil, errors.Wrapf(ErrUnsupportedDOF, "%d", dof)
	}
	return &HomographyMethod{DOF: dof}, nil
}

func isSupportedDOF(dof int) bool {
	for _, d := range SupportedDOF {
		if d == dof {
			return true
		}
	}
	return false
}

// DegreesOfFreedom returns DOF.
func (hm *HomographyMethod) DegreesOfFreedom() int {
	return hm.DOF
}

// MinMatches returns ceil(DOF/2); each correspondence constrains two parameters.
func (hm *HomographyMethod) MinMatches() int {
	return (hm.DOF + 1) / 2
}

// Construct fits a model to matches. It fails without returning a model when DOF is unsupported,
// there are fewer than MinMatches matches, or the matches do not determine a unique solution.
func (hm *HomographyMethod) Construct(matches []*keypoints.Match) (registration.Model, error) {
	model, err := hm.Fit(matches)
	if err != nil {
		return nil, err
	}
	return model, nil
}

// Fit is Construct returning the concrete model type.
func (hm *HomographyMethod) Fit(matches []*keypoints.Match) (*HomographyModel, error) {
	if !isSupportedDOF(hm.DOF) {
		return nil, errors.Wrapf(ErrUnsupportedDOF, "%d", hm.DOF)
	}
	if len(matches) < hm.MinMatches() {
		return nil, errors.Wrapf(ErrInsufficientMatches, "%d dof needs %d matches, got %d", hm.DOF, hm.MinMatches(), len(matches))
	}

	var h *Homography
	var err error
	switch hm.DOF {
	case 2:
		h = fitTranslation(matches)
	case 3:
		h = fitRigid(matches)
	case 4:
		h, err = fitAxisScale(matches)
	case 6:
		h, err = fitAffine(matches)
	case 8:
		h, err = fitProjective(matches)
	}
	if err != nil {
		return nil, err
	}
	if !h.IsFinite() {
		return nil, errors.Wrap(ErrSingularSystem, "fitted homography is not finite")
	}

	model := &HomographyModel{H: *h, DOF: hm.DOF}
	var sum float64
	for _, m := range matches {
		sum += model.Test(m)
	}
	model.fitError = sum / float64(len(matches))
	return model, nil
}

// HomographyModel is a fitted homography together with its mean error over the fit set.
type HomographyModel struct {
	H        Homography
	DOF      int
	fitError float64
}

// Test returns the distance between the mapped From point and the To point. Matches whose From
// point maps to infinity score +Inf.
func (m *HomographyModel) Test(match *keypoints.Match) float64 {
	d := m.H.Apply(match.From.Point).Sub(match.To.Point).Norm()
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// Error returns the mean Test value over the matches the model was fitted on.
func (m *HomographyModel) Error() float64 {
	return m.fitError
}

func centroids(matches []*keypoints.Match) (from, to r2.Point) {
	for _, m := range matches {
		from = from.Add(m.From.Point)
		to = to.Add(m.To.Point)
	}
	n := 1 / float64(len(matches))
	return from.Mul(n), to.Mul(n)
}

func fitTranslation(matches []*keypoints.Match) *Homography {
	from, to := centroids(matches)
	t := to.Sub(from)
	return &Homography{{1, 0, t.X}, {0, 1, t.Y}, {0, 0, 1}}
}

// fitRigid averages the wrapped angle between each pair of centered vectors. Vectors at a centroid
// carry no direction and are skipped.
func fitRigid(matches []*keypoints.Match) *Homography {
	cf, ct := centroids(matches)
	var sum float64
	var count int
	for _, m := range matches {
		vf := m.From.Point.Sub(cf)
		vt := m.To.Point.Sub(ct)
		if vf.Norm() == 0 || vt.Norm() == 0 {
			continue
		}
		sum += utils.AngleDiffRadians(math.Atan2(vf.Y, vf.X), math.Atan2(vt.Y, vt.X))
		count++
	}
	var theta float64
	if count > 0 {
		theta = sum / float64(count)
	}
	sin, cos := math.Sincos(theta)
	tx := ct.X - (cos*cf.X - sin*cf.Y)
	ty := ct.Y - (sin*cf.X + cos*cf.Y)
	return &Homography{{cos, -sin, tx}, {sin, cos, ty}, {0, 0, 1}}
}

// fitAxisScale solves x' = sx*x + tx and y' = sy*y + ty as two independent 2 parameter fits.
func fitAxisScale(matches []*keypoints.Match) (*Homography, error) {
	n := len(matches)
	ax := mat.NewDense(n, 2, nil)
	ay := mat.NewDense(n, 2, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, m := range matches {
		ax.SetRow(i, []float64{m.From.Point.X, 1})
		ay.SetRow(i, []float64{m.From.Point.Y, 1})
		bx.SetVec(i, m.To.Point.X)
		by.SetVec(i, m.To.Point.Y)
	}
	px, err := SolveLeastSquares(ax, bx)
	if err != nil {
		return nil, errors.Wrap(err, "x axis")
	}
	py, err := SolveLeastSquares(ay, by)
	if err != nil {
		return nil, errors.Wrap(err, "y axis")
	}
	return &Homography{{px.AtVec(0), 0, px.AtVec(1)}, {0, py.AtVec(0), py.AtVec(1)}, {0, 0, 1}}, nil
}

// fitAffine stacks an x and a y equation per match into a 6 parameter system.
func fitAffine(matches []*keypoints.Match) (*Homography, error) {
	n := len(matches)
	a := mat.NewDense(2*n, 6, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, m := range matches {
		x, y := m.From.Point.X, m.From.Point.Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1})
		b.SetVec(2*i, m.To.Point.X)
		b.SetVec(2*i+1, m.To.Point.Y)
	}
	p, err := SolveLeastSquares(a, b)
	if err != nil {
		return nil, err
	}
	return &Homography{
		{p.AtVec(0), p.AtVec(1), p.AtVec(2)},
		{p.AtVec(3), p.AtVec(4), p.AtVec(5)},
		{0, 0, 1},
	}, nil
}

// fitProjective solves the 8 parameter system with h33 fixed at 1 on normalized coordinates:
//
//	u = h11*x + h12*y + h13 - h31*x*u - h32*y*u
//	v = h21*x + h22*y + h23 - h31*x*v - h32*y*v
func fitProjective(matches []*keypoints.Match) (*Homography, error) {
	n := len(matches)
	from := make([]r2.Point, n)
	to := make([]r2.Point, n)
	for i, m := range matches {
		from[i] = m.From.Point
		to[i] = m.To.Point
	}
	nFrom, tFrom, err := normalizePoints(from)
	if err != nil {
		return nil, err
	}
	nTo, tTo, err := normalizePoints(to)
	if err != nil {
		return nil, err
	}

	a := mat.NewDense(2*n, 8, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := range nFrom {
		x, y := nFrom[i].X, nFrom[i].Y
		u, v := nTo[i].X, nTo[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -x * u, -y * u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -x * v, -y * v})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}
	p, err := SolveLeastSquares(a, b)
	if err != nil {
		return nil, err
	}
	normalized := &Homography{
		{p.AtVec(0), p.AtVec(1), p.AtVec(2)},
		{p.AtVec(3), p.AtVec(4), p.AtVec(5)},
		{p.AtVec(6), p.AtVec(7), 1},
	}

	// H = tTo^-1 * Hn * tFrom
	tToInv, err := tTo.Inverse()
	if err != nil {
		return nil, err
	}
	return tFrom.Compose(normalized).Compose(tToInv), nil
}

// normalizePoints translates points to their centroid and scales them to a mean distance of
// sqrt(2), as described in Multiple View Geometry, Alg 4.2.
func normalizePoints(pts []r2.Point) ([]r2.Point, *Homography, error) {
	var mu r2.Point
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(len(pts)))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(len(pts))
	}
	if d == 0 {
		return nil, nil, errors.Wrap(ErrSingularSystem, "all points coincide")
	}
	scale := math.Sqrt(2) / d
	normalized := make([]r2.Point, len(pts))
	for i, pt := range pts {
		normalized[i] = pt.Sub(mu).Mul(scale)
	}
	return normalized, &Homography{{scale, 0, -scale * mu.X}, {0, scale, -scale * mu.Y}, {0, 0, 1}}, nil
}
