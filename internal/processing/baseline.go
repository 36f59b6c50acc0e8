package processing

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerateBaseline is returned when a channel's standard deviation is
// zero or not finite, which would make normalization divide by zero.
var ErrDegenerateBaseline = errors.New("processing: degenerate baseline")

// Baseline is the per-channel mean and sample standard deviation learned
// during calibration. Index 0 is the left channel, 1 the right.
type Baseline struct {
	Mean   [2]float64
	StdDev [2]float64
}

// Validate rejects baselines that cannot be used to normalize.
func (b Baseline) Validate() error {
	for c, sd := range b.StdDev {
		if sd == 0 || math.IsNaN(sd) || math.IsInf(sd, 0) {
			return fmt.Errorf("%w: channel %d std-dev is %v", ErrDegenerateBaseline, c, sd)
		}
		if m := b.Mean[c]; math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("%w: channel %d mean is %v", ErrDegenerateBaseline, c, m)
		}
	}
	return nil
}

// IsZero reports whether b is the zero value (never calibrated).
func (b Baseline) IsZero() bool {
	return b == (Baseline{})
}

// ZScore normalizes a peak pair and returns the mean of both channel scores.
func (b Baseline) ZScore(p PeakPair) float64 {
	zl := (p.Left - b.Mean[0]) / b.StdDev[0]
	zr := (p.Right - b.Mean[1]) / b.StdDev[1]
	return (zl + zr) / 2
}
