package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"
)

// ErrTrainingFailure is returned when calibration cannot produce statistics,
// e.g. for a sample count of one or less.
var ErrTrainingFailure = errors.New("processing: training failure")

// DefaultDropCount is the number of deliveries discarded at the start of a
// calibration run; the first packets after the producer starts are unstable.
const DefaultDropCount = 3

// ProgressFunc is called after each collected training sample.
type ProgressFunc func(done, total int)

// Calibrator collects a training set of peak pairs and derives a [Baseline].
type Calibrator struct {
	Scan ScanLayout

	// DropCount deliveries are discarded before collection starts.
	DropCount int

	// Progress, if set, is called after every sample. Progress is logged
	// every five samples either way.
	Progress ProgressFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewCalibrator returns a Calibrator with the default drop count.
func NewCalibrator(scan ScanLayout) *Calibrator {
	return &Calibrator{Scan: scan, DropCount: DefaultDropCount}
}

// Run collects sampleCount peak pairs from src and computes the baseline.
// A sampleCount of one or less fails before src is touched.
func (c *Calibrator) Run(ctx context.Context, src Acquirer, sampleCount int) (Baseline, error) {
	if sampleCount <= 1 {
		return Baseline{}, fmt.Errorf("%w: need at least 2 training samples, got %d", ErrTrainingFailure, sampleCount)
	}
	if err := c.Scan.Validate(0); err != nil {
		return Baseline{}, err
	}
	log := c.logger()

	for i := range c.DropCount {
		if _, err := src.Acquire(ctx); err != nil {
			return Baseline{}, fmt.Errorf("processing: drop packet %d: %w", i, err)
		}
	}

	left := make([]float64, 0, sampleCount)
	right := make([]float64, 0, sampleCount)
	for i := range sampleCount {
		v, err := src.Acquire(ctx)
		if err != nil {
			return Baseline{}, fmt.Errorf("processing: training sample %d: %w", i, err)
		}
		p, err := ExtractPeaks(v, c.Scan)
		if err != nil {
			return Baseline{}, fmt.Errorf("processing: training sample %d: %w", i, err)
		}
		left = append(left, p.Left)
		right = append(right, p.Right)
		c.progress(log, i+1, sampleCount)
	}

	if log.Enabled(ctx, slog.LevelDebug) {
		for i := range left {
			log.Debug("training set", "row", i, "left", left[i], "right", right[i])
		}
	}

	var b Baseline
	b.Mean[0], b.StdDev[0] = stat.MeanStdDev(left, nil)
	b.Mean[1], b.StdDev[1] = stat.MeanStdDev(right, nil)
	log.Info("training complete",
		"mean_left", b.Mean[0], "mean_right", b.Mean[1],
		"std_left", b.StdDev[0], "std_right", b.StdDev[1],
	)
	if err := b.Validate(); err != nil {
		return Baseline{}, err
	}
	return b, nil
}

func (c *Calibrator) progress(log *slog.Logger, done, total int) {
	if c.Progress != nil {
		c.Progress(done, total)
	}
	if done%5 == 0 || done == total {
		log.Info("training progress", "done", done, "total", total, "percent", done*100/total)
	}
}

func (c *Calibrator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
