// Package contracts defines the learned-policy capability: an opaque
// π(obs) → actions function. The controller never sees the model; it sees
// a fixed-shape observation in and a fixed-shape action vector out.
package contracts

import (
	"context"
	"errors"
	"fmt"
)

const (
	// ObservationSize is the pinned policy input width: 9 junctions × 7
	// features. Larger grids truncate after sorting by junction id,
	// smaller grids zero-pad.
	ObservationSize = 63
	// ActionCount is the pinned policy output width: one action per
	// observed junction.
	ActionCount = 9
	// MaxAction is the highest valid per-junction action (W).
	MaxAction = 3
)

// ErrNotReady is returned while the policy has no loaded model.
var ErrNotReady = errors.New("policy not ready")

// ErrBadShape rejects observations or action vectors of the wrong width.
var ErrBadShape = errors.New("policy shape mismatch")

// Policy is the capability interface the decision engine consumes.
type Policy interface {
	Predict(ctx context.Context, observation []float64, deterministic bool) ([]int, error)
	IsReady() bool
}

// ValidateObservation checks the input shape and range.
func ValidateObservation(observation []float64) error {
	if len(observation) != ObservationSize {
		return fmt.Errorf("%w: observation has %d features, want %d", ErrBadShape, len(observation), ObservationSize)
	}
	return nil
}

// ValidateActions checks the output shape and per-junction action range.
func ValidateActions(actions []int) error {
	if len(actions) != ActionCount {
		return fmt.Errorf("%w: policy returned %d actions, want %d", ErrBadShape, len(actions), ActionCount)
	}
	for i, action := range actions {
		if action < 0 || action > MaxAction {
			return fmt.Errorf("%w: action[%d]=%d outside [0,%d]", ErrBadShape, i, action, MaxAction)
		}
	}
	return nil
}
