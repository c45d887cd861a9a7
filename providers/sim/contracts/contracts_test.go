package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("%w: J-42", ErrUnknownJunction)
	if !errors.Is(wrapped, ErrUnknownJunction) {
		t.Fatalf("expected wrapped error to match ErrUnknownJunction")
	}
	if errors.Is(wrapped, ErrUnavailable) {
		t.Fatalf("unexpected match against ErrUnavailable")
	}
}
