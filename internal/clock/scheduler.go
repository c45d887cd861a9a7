package clock

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSchedulerClosed is returned once Close has been called.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// Task is one unit of scheduled work. The scheduler passes the fire time
// so tasks never read the wall clock themselves.
type Task func(now time.Time)

// Config tunes a Scheduler.
type Config struct {
	// Now supplies time. Defaults to time.Now, which carries a monotonic
	// reading on every supported platform.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Scheduled  uint64
	Fired      uint64
	Suppressed uint64
}

// Scheduler dispatches interval and one-shot tasks on a single worker,
// so tick-structured tasks run cooperatively: at most one task body
// executes at a time, and tasks due at the same instant fire in
// submission order.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	scheduled  atomic.Uint64
	fired      atomic.Uint64
	suppressed atomic.Uint64

	closeOnce sync.Once
}

type entry struct {
	fireAt time.Time
	seq    uint64
	name   string
	period time.Duration // zero for one-shot
	token  *Token
	task   Task
}

// NewScheduler constructs and starts a scheduler.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	heap.Init(&s.entries)
	go s.run()
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.cfg.Now()
}

// Every schedules task to fire each period until the token is cancelled
// or the scheduler closes. The first fire is one period from now.
func (s *Scheduler) Every(period time.Duration, name string, token *Token, task Task) error {
	if period <= 0 {
		return fmt.Errorf("period must be > 0")
	}
	return s.add(s.cfg.Now().Add(period), period, name, token, task)
}

// After schedules task to fire once after delay. A zero delay fires on the
// next scheduler pass.
func (s *Scheduler) After(delay time.Duration, name string, token *Token, task Task) error {
	if delay < 0 {
		return fmt.Errorf("delay must be >= 0")
	}
	return s.add(s.cfg.Now().Add(delay), 0, name, token, task)
}

func (s *Scheduler) add(fireAt time.Time, period time.Duration, name string, token *Token, task Task) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if task == nil {
		return fmt.Errorf("task is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.seq++
	heap.Push(&s.entries, &entry{
		fireAt: fireAt,
		seq:    s.seq,
		name:   name,
		period: period,
		token:  token,
		task:   task,
	})
	s.mu.Unlock()
	s.scheduled.Add(1)
	s.kick()
	return nil
}

// Close stops dispatch. Pending entries are discarded; an in-flight task
// finishes before Close returns.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.entries = s.entries[:0]
		s.mu.Unlock()
		s.kick()
		<-s.stopped
	})
	return nil
}

// Stats returns a snapshot of scheduling counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled:  s.scheduled.Load(),
		Fired:      s.fired.Load(),
		Suppressed: s.suppressed.Load(),
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.stopped)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var next *entry
		if len(s.entries) > 0 {
			next = s.entries[0]
		}
		s.mu.Unlock()

		if next == nil {
			<-s.wake
			continue
		}

		wait := next.fireAt.Sub(s.cfg.Now())
		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-s.wake:
				continue
			case <-timer.C:
			}
		}

		s.dispatchDue()
	}
}

// dispatchDue pops and runs every entry whose fire time has passed,
// in (fireAt, submission) order.
func (s *Scheduler) dispatchDue() {
	for {
		now := s.cfg.Now()

		s.mu.Lock()
		if s.closed || len(s.entries) == 0 || s.entries[0].fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		due := heap.Pop(&s.entries).(*entry)
		s.mu.Unlock()

		if due.token.Cancelled() {
			s.suppressed.Add(1)
			continue
		}

		due.task(now)
		s.fired.Add(1)

		if due.period > 0 && !due.token.Cancelled() {
			// Fixed-delay rescheduling: the next fire is one period after
			// this one completed, so a slow task cannot stack fires.
			s.mu.Lock()
			if !s.closed {
				s.seq++
				due.fireAt = s.cfg.Now().Add(due.period)
				due.seq = s.seq
				heap.Push(&s.entries, due)
				s.mu.Unlock()
				s.scheduled.Add(1)
				continue
			}
			s.mu.Unlock()
		}
	}
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
