// Package detect defines the offense detection capability consulted by the
// courtroom and the adapters that implement it.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// ErrDetector marks a failed detection cycle. The cycle is abandoned and not
// retried until the next evaluation trigger.
var ErrDetector = errors.New("detector error")

// Memory is a read-only snapshot of the host agent's memory.
type Memory map[string]any

// Detector evaluates a window of turns for an offense.
type Detector interface {
	Evaluate(ctx context.Context, turns []contracts.Turn, memory Memory) (contracts.Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, turns []contracts.Turn, memory Memory) (contracts.Detection, error)

func (f DetectorFunc) Evaluate(ctx context.Context, turns []contracts.Turn, memory Memory) (contracts.Detection, error) {
	return f(ctx, turns, memory)
}

// Run calls d and normalizes its result: errors and panics are wrapped in
// ErrDetector and confidence is clamped to [0, 1].
func Run(ctx context.Context, d Detector, turns []contracts.Turn, memory Memory) (det contracts.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			det = contracts.Detection{}
			err = fmt.Errorf("%w: panic: %v", ErrDetector, r)
		}
	}()

	det, err = d.Evaluate(ctx, turns, memory)
	if err != nil {
		return contracts.Detection{}, fmt.Errorf("%w: %w", ErrDetector, err)
	}
	det.Confidence = clamp(det.Confidence)
	if det.Triggered && det.Offense == "" {
		return contracts.Detection{}, fmt.Errorf("%w: triggered detection without offense", ErrDetector)
	}
	return det, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0 || f != f:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
