package clock

import (
	"sync"
	"testing"
	"time"
)

func TestAfterFiresOnceInSubmissionOrder(t *testing.T) {
	t.Parallel()

	scheduler := NewScheduler(Config{})
	defer scheduler.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	record := func(name string, last bool) Task {
		return func(time.Time) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if last {
				close(done)
			}
		}
	}

	// Same delay: fire order must match submission order.
	if err := scheduler.After(5*time.Millisecond, "first", nil, record("first", false)); err != nil {
		t.Fatalf("unexpected After error: %v", err)
	}
	if err := scheduler.After(5*time.Millisecond, "second", nil, record("second", false)); err != nil {
		t.Fatalf("unexpected After error: %v", err)
	}
	if err := scheduler.After(5*time.Millisecond, "third", nil, record("third", true)); err != nil {
		t.Fatalf("unexpected After error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled tasks did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected submission order [first second third], got %v", order)
	}
}

func TestEveryRepeatsUntilCancelled(t *testing.T) {
	t.Parallel()

	scheduler := NewScheduler(Config{})
	defer scheduler.Close()

	token := NewToken()
	fired := make(chan struct{}, 16)
	if err := scheduler.Every(2*time.Millisecond, "tick", token, func(time.Time) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("unexpected Every error: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("interval task stopped firing after %d fires", i)
		}
	}

	token.Cancel()
	// Drain anything in flight, then confirm silence.
	deadline := time.After(50 * time.Millisecond)
drain:
	for {
		select {
		case <-fired:
		case <-deadline:
			break drain
		}
	}
	select {
	case <-fired:
		t.Fatalf("interval task fired after cancellation")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelledTokenSuppressesPendingFire(t *testing.T) {
	t.Parallel()

	scheduler := NewScheduler(Config{})
	defer scheduler.Close()

	token := NewToken()
	token.Cancel()

	fired := make(chan struct{}, 1)
	if err := scheduler.After(time.Millisecond, "suppressed", token, func(time.Time) {
		fired <- struct{}{}
	}); err != nil {
		t.Fatalf("unexpected After error: %v", err)
	}

	select {
	case <-fired:
		t.Fatalf("task fired despite cancelled token")
	case <-time.After(30 * time.Millisecond):
	}

	stats := scheduler.Stats()
	if stats.Suppressed != 1 {
		t.Fatalf("expected 1 suppressed fire, got %+v", stats)
	}
}

func TestSchedulerRejectsBadInput(t *testing.T) {
	t.Parallel()

	scheduler := NewScheduler(Config{})
	defer scheduler.Close()

	if err := scheduler.Every(0, "tick", nil, func(time.Time) {}); err == nil {
		t.Fatalf("expected error for non-positive period")
	}
	if err := scheduler.After(-time.Second, "late", nil, func(time.Time) {}); err == nil {
		t.Fatalf("expected error for negative delay")
	}
	if err := scheduler.After(time.Millisecond, "", nil, func(time.Time) {}); err == nil {
		t.Fatalf("expected error for missing task name")
	}
	if err := scheduler.After(time.Millisecond, "nil-task", nil, nil); err == nil {
		t.Fatalf("expected error for nil task")
	}
}

func TestSchedulerCloseRejectsNewWork(t *testing.T) {
	t.Parallel()

	scheduler := NewScheduler(Config{})
	if err := scheduler.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}
	if err := scheduler.After(time.Millisecond, "late", nil, func(time.Time) {}); err != ErrSchedulerClosed {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
	// Close is idempotent.
	if err := scheduler.Close(); err != nil {
		t.Fatalf("unexpected second Close error: %v", err)
	}
}

func TestTokenSemantics(t *testing.T) {
	t.Parallel()

	var nilToken *Token
	if nilToken.Cancelled() {
		t.Fatalf("nil token must never be cancelled")
	}
	nilToken.Cancel() // must not panic

	token := NewToken()
	if token.Cancelled() {
		t.Fatalf("fresh token must not be cancelled")
	}
	token.Cancel()
	token.Cancel() // idempotent
	if !token.Cancelled() {
		t.Fatalf("token must report cancelled after Cancel")
	}
	select {
	case <-token.Done():
	default:
		t.Fatalf("Done channel must be closed after Cancel")
	}
}
