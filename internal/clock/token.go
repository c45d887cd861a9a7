package clock

import "sync"

// Token is a cooperative cancellation handle. Cancel is idempotent and
// safe for concurrent use; tasks observe it at their next yield point.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token cancelled. Pending fires scheduled against the
// token are suppressed; in-flight tasks see it at their next check.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Done exposes the cancellation channel for select loops.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// Cancelled reports whether Cancel has been called. A nil token is never
// cancelled.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
