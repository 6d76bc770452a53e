// Package main registers a query feature set against a reference feature set and reports the
// fitted homography.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"go.viam.com/imgreg/logging"
	"go.viam.com/imgreg/rimage/transform"
	"go.viam.com/imgreg/utils"
	"go.viam.com/imgreg/vision/keypoints"
	"go.viam.com/imgreg/vision/registration"
)

const (
	flagReference = "reference"
	flagQuery     = "query"
	flagConfig    = "config"
	flagDOF       = "dof"
	flagThreshold = "threshold"
	flagSeed      = "seed"
	flagOut       = "out"
	flagMaxRows   = "max-rows"
	flagDebug     = "debug"
)

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	var logger logging.Logger
	return &cli.App{
		Name:      "register",
		Usage:     "fit a homography mapping query features onto reference features",
		Writer:    out,
		ErrWriter: out,
		// errors are returned from Run and reported by main, never by exiting inside the app.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     flagReference,
				Aliases:  []string{"r"},
				Required: true,
				Usage:    "reference features as a JSON array of {x, y, descriptor} from `FILE`",
			},
			&cli.PathFlag{
				Name:     flagQuery,
				Aliases:  []string{"q"},
				Required: true,
				Usage:    "query features as a JSON array of {x, y, descriptor} from `FILE`",
			},
			&cli.PathFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load registration configuration from `FILE`",
			},
			&cli.IntFlag{
				Name:  flagDOF,
				Usage: fmt.Sprintf("degrees of freedom of the fitted transform, one of %v", transform.SupportedDOF),
			},
			&cli.Float64Flag{
				Name:  flagThreshold,
				Usage: "inlier threshold in pixels for both sampling and refinement",
			},
			&cli.Int64Flag{
				Name:  flagSeed,
				Usage: "seed for the random sampler",
			},
			&cli.PathFlag{
				Name:    flagOut,
				Aliases: []string{"o"},
				Usage:   "write the result as JSON to `FILE`",
			},
			&cli.IntFlag{
				Name:  flagMaxRows,
				Value: 20,
				Usage: "number of inliers to print, 0 prints all",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("register")
			} else {
				logger = logging.NewLogger("register")
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return register(c, logger)
		},
	}
}

// loadConfig reads the optional config file and applies flag overrides.
func loadConfig(c *cli.Context) (*registration.Config, error) {
	cfg := registration.DefaultConfig()
	if path := c.Path(flagConfig); path != "" {
		var err error
		if cfg, err = registration.LoadConfig(path); err != nil {
			return nil, errors.Wrap(err, "invalid registration config")
		}
	}
	if c.IsSet(flagDOF) {
		cfg.DOF = c.Int(flagDOF)
	}
	if c.IsSet(flagThreshold) {
		cfg.RANSAC.Threshold = c.Float64(flagThreshold)
		cfg.Refine.Threshold = c.Float64(flagThreshold)
	}
	if c.IsSet(flagSeed) {
		cfg.RANSAC.Seed = c.Int64(flagSeed)
	}
	if err := cfg.Validate("flags"); err != nil {
		return nil, errors.Wrap(err, "invalid registration config")
	}
	return cfg, nil
}

func loadFeatures(ctx context.Context, referencePath, queryPath string) (reference, query []*keypoints.Feature, err error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reference, err = keypoints.LoadFeaturesFromJSONFile(referencePath)
		return errors.Wrap(err, "reading reference features")
	})
	g.Go(func() error {
		var err error
		query, err = keypoints.LoadFeaturesFromJSONFile(queryPath)
		return errors.Wrap(err, "reading query features")
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return reference, query, nil
}

func register(c *cli.Context, logger logging.Logger) error {
	defer func() {
		//nolint:errcheck
		logger.Sync()
	}()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	est, err := transform.NewHomographyMethod(cfg.DOF)
	if err != nil {
		return err
	}
	if cfg.LogLevel != nil && !c.Bool(flagDebug) {
		logger.SetLevel(*cfg.LogLevel)
	}

	ctx := c.Context
	reference, query, err := loadFeatures(ctx, c.Path(flagReference), c.Path(flagQuery))
	if err != nil {
		return err
	}
	logger.Infow("loaded features", "reference", len(reference), "query", len(query))

	result, err := registration.Register(ctx, est, reference, query, cfg, logger)
	if err != nil {
		return err
	}
	model, ok := result.Inliers.Model().(*transform.HomographyModel)
	if !ok {
		return utils.NewUnexpectedTypeError(model, result.Inliers.Model())
	}

	report := newReport(model, result)
	fmt.Fprint(c.App.Writer, report.String(c.Int(flagMaxRows)))
	if err := report.printHistogram(c.App.Writer); err != nil {
		return err
	}

	if path := c.Path(flagOut); path != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		//nolint:gosec
		if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
			return err
		}
		logger.Infow("wrote result", "path", path)
	}
	return nil
}

type inlierReport struct {
	From  keypoints.Feature `json:"from"`
	To    keypoints.Feature `json:"to"`
	Error float64           `json:"error"`
}

type report struct {
	DOF              int                     `json:"dof"`
	Homography       transform.Homography    `json:"homography"`
	Candidates       int                     `json:"candidates"`
	SampledInliers   int                     `json:"sampled_inliers"`
	RefineIterations int                     `json:"refine_iterations"`
	Stats            registration.ErrorStats `json:"error_stats"`
	Inliers          []inlierReport          `json:"inliers"`
}

func newReport(model *transform.HomographyModel, result *registration.Result) *report {
	r := &report{
		DOF:              model.DOF,
		Homography:       model.H,
		Candidates:       len(result.Candidates),
		SampledInliers:   result.SampledInliers,
		RefineIterations: result.RefineIterations,
		Stats:            result.Stats,
	}
	for _, m := range result.Inliers.Matches {
		r.Inliers = append(r.Inliers, inlierReport{
			From:  keypoints.Feature{Point: m.From.Point},
			To:    keypoints.Feature{Point: m.To.Point},
			Error: model.Test(m),
		})
	}
	return r
}

// String renders the homography, a summary and up to maxRows inliers as tables.
func (r *report) String(maxRows int) string {
	h := table.NewWriter()
	h.SetTitle(fmt.Sprintf("Homography (%d dof)", r.DOF))
	for _, row := range r.Homography {
		h.AppendRow(table.Row{
			fmt.Sprintf("%.6g", row[0]),
			fmt.Sprintf("%.6g", row[1]),
			fmt.Sprintf("%.6g", row[2]),
		})
	}

	s := table.NewWriter()
	s.AppendHeader(table.Row{"Candidates", "Sampled", "Inliers", "Refine rounds", "Mean", "Median", "P90", "Max"})
	s.AppendRow(table.Row{
		r.Candidates,
		r.SampledInliers,
		len(r.Inliers),
		r.RefineIterations,
		fmt.Sprintf("%.3f", r.Stats.Mean),
		fmt.Sprintf("%.3f", r.Stats.Median),
		fmt.Sprintf("%.3f", r.Stats.P90),
		fmt.Sprintf("%.3f", r.Stats.Max),
	})

	m := table.NewWriter()
	m.AppendHeader(table.Row{"#", "Query", "Reference", "Error"})
	for i, in := range r.Inliers {
		if maxRows > 0 && i == maxRows {
			m.AppendFooter(table.Row{"", fmt.Sprintf("%d more", len(r.Inliers)-maxRows), "", ""})
			break
		}
		m.AppendRow(table.Row{
			i + 1,
			fmt.Sprintf("X:%.1f, Y:%.1f", in.From.Point.X, in.From.Point.Y),
			fmt.Sprintf("X:%.1f, Y:%.1f", in.To.Point.X, in.To.Point.Y),
			fmt.Sprintf("%.3f", in.Error),
		})
	}
	return h.Render() + "\n" + s.Render() + "\n" + m.Render() + "\n"
}

const histogramBins = 10

// printHistogram draws the distribution of inlier errors. Nothing is drawn when every error is equal.
func (r *report) printHistogram(w io.Writer) error {
	errs := lo.Map(r.Inliers, func(in inlierReport, _ int) float64 { return in.Error })
	if len(errs) == 0 || lo.Max(errs) <= lo.Min(errs) {
		return nil
	}
	fmt.Fprintln(w, "inlier error distribution")
	return histogram.Fprint(w, histogram.Hist(min(histogramBins, len(errs)), errs), histogram.Linear(40))
}
