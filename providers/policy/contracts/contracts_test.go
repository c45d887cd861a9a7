package contracts

import (
	"errors"
	"testing"
)

func TestValidateObservation(t *testing.T) {
	t.Parallel()

	if err := ValidateObservation(make([]float64, ObservationSize)); err != nil {
		t.Fatalf("expected valid observation, got %v", err)
	}
	if err := ValidateObservation(make([]float64, 10)); !errors.Is(err, ErrBadShape) {
		t.Fatalf("expected ErrBadShape, got %v", err)
	}
}

func TestValidateActions(t *testing.T) {
	t.Parallel()

	valid := []int{0, 1, 2, 3, 0, 1, 2, 3, 0}
	if err := ValidateActions(valid); err != nil {
		t.Fatalf("expected valid actions, got %v", err)
	}
	if err := ValidateActions([]int{0, 1}); !errors.Is(err, ErrBadShape) {
		t.Fatalf("expected ErrBadShape for short vector, got %v", err)
	}
	outOfRange := []int{0, 1, 2, 3, 4, 1, 2, 3, 0}
	if err := ValidateActions(outOfRange); !errors.Is(err, ErrBadShape) {
		t.Fatalf("expected ErrBadShape for out-of-range action, got %v", err)
	}
}
