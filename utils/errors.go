package utils

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// NewOutOfRangeConfigError is used when a numeric config field falls outside its allowed range.
// The returned error is a config validation error scoped to path.
func NewOutOfRangeConfigError(path, field string, value interface{}, bounds string) error {
	return utils.NewConfigValidationError(path, errors.Errorf("%q is %v but must be %s", field, value, bounds))
}

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}
