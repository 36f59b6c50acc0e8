package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNoBaseline is returned by [Normalizer.Next] when the normalizer has
	// not been given a validated baseline.
	ErrNoBaseline = errors.New("processing: no baseline")

	// ErrPersistentArtifact is returned when MaxArtifactRetries consecutive
	// deliveries were rejected as eye blinks.
	ErrPersistentArtifact = errors.New("processing: persistent artifact")
)

// DefaultEyeBlinkThreshold is the normalized score at or above which a sample
// is treated as an eye-blink artifact.
const DefaultEyeBlinkThreshold = 3.5

// Normalizer turns deliveries into normalized samples against a baseline.
type Normalizer struct {
	baseline Baseline
	scan     ScanLayout

	// EyeBlinkThreshold rejects samples whose score is not below it.
	EyeBlinkThreshold float64

	// MaxArtifactRetries bounds consecutive rejections per Next call.
	// Zero retries forever.
	MaxArtifactRetries int

	// OnArtifact, if set, is called with the score of every rejected sample.
	OnArtifact func(score float64)

	Logger *slog.Logger
}

// NewNormalizer returns a normalizer for a validated baseline.
func NewNormalizer(b Baseline, scan ScanLayout) (*Normalizer, error) {
	if b.IsZero() {
		return nil, ErrNoBaseline
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := scan.Validate(0); err != nil {
		return nil, err
	}
	return &Normalizer{
		baseline:          b,
		scan:              scan,
		EyeBlinkThreshold: DefaultEyeBlinkThreshold,
	}, nil
}

// Baseline returns the baseline in use.
func (n *Normalizer) Baseline() Baseline { return n.baseline }

// Next acquires deliveries until one scores below the eye-blink threshold and
// returns that score.
func (n *Normalizer) Next(ctx context.Context, src Acquirer) (float64, error) {
	if n == nil || n.baseline.IsZero() {
		return 0, ErrNoBaseline
	}
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}

	for rejected := 0; ; {
		v, err := src.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		p, err := ExtractPeaks(v, n.scan)
		if err != nil {
			return 0, err
		}
		score := n.baseline.ZScore(p)
		if score < n.EyeBlinkThreshold {
			return score, nil
		}

		rejected++
		log.Debug("eye blink detected", "score", score, "rejected", rejected)
		if n.OnArtifact != nil {
			n.OnArtifact(score)
		}
		if n.MaxArtifactRetries > 0 && rejected >= n.MaxArtifactRetries {
			return 0, fmt.Errorf("%w: %d consecutive samples at or above %v",
				ErrPersistentArtifact, rejected, n.EyeBlinkThreshold)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}
