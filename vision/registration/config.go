package registration

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/vision/keypoints"
)

// DefaultDOF is the transform used when a config does not name one.
const DefaultDOF = 8

// Config contains every parameter of a registration run.
type Config struct {
	// DOF must match the estimator handed to Register when it reports its degrees of freedom.
	DOF      int                       `json:"dof"`
	Matching *keypoints.MatchingConfig `json:"matching"`
	RANSAC   *RANSACConfig             `json:"ransac"`
	Refine   *RefineConfig             `json:"refine"`
	// LogLevel, when set, is the level the register command logs at.
	LogLevel *logging.Level `json:"log_level,omitempty"`
}

// DefaultConfig returns a config with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		DOF:      DefaultDOF,
		Matching: keypoints.DefaultMatchingConfig(),
		RANSAC:   DefaultRANSACConfig(),
		Refine:   DefaultRefineConfig(),
	}
}

// LoadConfig loads a Config from a JSON5 file, so comments and trailing commas are allowed.
// Sections and fields missing from the file keep their defaults.
func LoadConfig(file string) (*Config, error) {
	config := DefaultConfig()
	//nolint:gosec
	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, err
	}

	// json5 has no strict mode; the parsed document is re-encoded and decoded strictly so unknown
	// fields are still rejected.
	var raw interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "cannot parse registration config %q", file)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	jsonParser := json.NewDecoder(bytes.NewReader(normalized))
	jsonParser.DisallowUnknownFields()
	if err := jsonParser.Decode(config); err != nil {
		return nil, errors.Wrapf(err, "cannot decode registration config %q", file)
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate ensures all parts of the Config are valid. Every section is checked and all problems
// are reported together.
func (config *Config) Validate(path string) error {
	var errs error
	if config.DOF < 1 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.Errorf("dof should be >= 1, got %d", config.DOF)))
	}
	if config.Matching == nil {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "matching"))
	} else {
		errs = multierr.Append(errs, config.Matching.Validate(path+".matching"))
	}
	if config.RANSAC == nil {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "ransac"))
	} else {
		errs = multierr.Append(errs, config.RANSAC.Validate(path+".ransac"))
	}
	if config.Refine == nil {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "refine"))
	} else {
		errs = multierr.Append(errs, config.Refine.Validate(path+".refine"))
	}
	return errs
}
