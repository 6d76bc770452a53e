package transform

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnsupportedDOF is returned for a degrees-of-freedom value with no estimator.
	ErrUnsupportedDOF = errors.New("unsupported degrees of freedom")
	// ErrInsufficientMatches is returned when there are too few matches to constrain a model.
	ErrInsufficientMatches = errors.New("not enough matches to constrain the model")
	// ErrSingularSystem is returned when a linear system has no unique solution.
	ErrSingularSystem = errors.New("singular linear system")
)

// SolveLeastSquares returns the x minimizing ||a*x - b||. a must have at least as many rows as
// columns.
func SolveLeastSquares(a *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	r, c := a.Dims()
	if r < c {
		return nil, errors.Wrapf(ErrInsufficientMatches, "%d equations for %d unknowns", r, c)
	}
	if b.Len() != r {
		return nil, errors.Errorf("right hand side has %d rows, system has %d", b.Len(), r)
	}

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, errors.Wrapf(ErrSingularSystem, "condition number %g", float64(cond))
		}
		return nil, err
	}
	return &x, nil
}
