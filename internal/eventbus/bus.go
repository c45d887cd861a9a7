package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arterial/traffic-grid-controller/api/events"
)

// Subscriber receives events in publish order. Deliver must be safe for
// concurrent use with other subscribers; a slow subscriber delays the
// whole bus worker, so long work belongs behind the subscriber's own queue.
type Subscriber interface {
	Deliver(ctx context.Context, event events.Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event events.Event) error

// Deliver implements Subscriber.
func (f SubscriberFunc) Deliver(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}

// Config controls bounded queue, delivery, and throttling behavior.
type Config struct {
	QueueCapacity  int
	DeliverTimeout time.Duration
	// Throttles maps an event name to its minimum emission interval.
	// Throttled events are coalesced by their CoalesceKey: within one
	// interval only the latest event per key survives.
	Throttles map[events.Name]time.Duration
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 1024
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 200 * time.Millisecond
	}
	if c.Throttles == nil {
		c.Throttles = map[events.Name]time.Duration{
			events.VehicleUpdate: 100 * time.Millisecond,
			events.DensityUpdate: time.Second,
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats captures current bus counters.
type Stats struct {
	Published       uint64
	Coalesced       uint64
	Dropped         uint64
	Delivered       uint64
	DeliverFailures uint64
	QueueDepth      int
	Subscribers     int
}

// Bus is a bounded non-blocking event bus with a single dispatch worker,
// so subscribers observe events in publish order across ticks.
type Bus struct {
	cfg Config

	queue chan events.Event
	stop  chan struct{}

	subsMu sync.RWMutex
	subs   []namedSubscriber

	pendMu    sync.Mutex
	pending   map[events.Name]map[string]events.Event
	lastFlush map[events.Name]time.Time

	closeOnce sync.Once
	wg        sync.WaitGroup

	published       atomic.Uint64
	coalesced       atomic.Uint64
	dropped         atomic.Uint64
	delivered       atomic.Uint64
	deliverFailures atomic.Uint64
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

// New constructs and starts a bus.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:       cfg,
		queue:     make(chan events.Event, cfg.QueueCapacity),
		stop:      make(chan struct{}),
		pending:   make(map[events.Name]map[string]events.Event),
		lastFlush: make(map[events.Name]time.Time),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers a named subscriber. Names must be unique.
func (b *Bus) Subscribe(name string, sub Subscriber) error {
	if name == "" {
		return fmt.Errorf("subscriber name is required")
	}
	if sub == nil {
		return fmt.Errorf("subscriber is required")
	}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, existing := range b.subs {
		if existing.name == name {
			return fmt.Errorf("subscriber %q is already registered", name)
		}
	}
	b.subs = append(b.subs, namedSubscriber{name: name, sub: sub})
	return nil
}

// Unsubscribe removes a named subscriber. Removing an unknown name is a no-op.
func (b *Bus) Unsubscribe(name string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for i, existing := range b.subs {
		if existing.name == name {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event without blocking. Throttled event kinds are
// coalesced per entity key and emitted at their configured interval; all
// other kinds go straight to the queue, dropping when it is full.
func (b *Bus) Publish(event events.Event) {
	if event.TimestampMS == 0 {
		event.TimestampMS = b.cfg.Now().UnixMilli()
	}
	if _, throttled := b.cfg.Throttles[event.Name]; throttled {
		b.coalesce(event)
		return
	}
	b.enqueue(event)
}

// Emit builds and publishes an event, marshaling payload to JSON. A nil
// payload publishes an attributes-only event. Marshal failures drop the
// payload rather than the event.
func (b *Bus) Emit(name events.Name, severity events.Severity, attributes map[string]string, payload any) {
	event := events.Event{
		Name:        name,
		TimestampMS: b.cfg.Now().UnixMilli(),
		Severity:    severity,
		Attributes:  cloneAttributes(attributes),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	b.Publish(event)
}

// Close flushes coalesced events, drains the queue, and stops the worker.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
	})
	return nil
}

// Stats returns current counter snapshots.
func (b *Bus) Stats() Stats {
	b.subsMu.RLock()
	subscribers := len(b.subs)
	b.subsMu.RUnlock()
	return Stats{
		Published:       b.published.Load(),
		Coalesced:       b.coalesced.Load(),
		Dropped:         b.dropped.Load(),
		Delivered:       b.delivered.Load(),
		DeliverFailures: b.deliverFailures.Load(),
		QueueDepth:      len(b.queue),
		Subscribers:     subscribers,
	}
}

func (b *Bus) coalesce(event events.Event) {
	key := event.CoalesceKey()
	if key == "" {
		// Without an entity key there is nothing to coalesce on.
		b.enqueue(event)
		return
	}
	b.pendMu.Lock()
	bucket, ok := b.pending[event.Name]
	if !ok {
		bucket = make(map[string]events.Event)
		b.pending[event.Name] = bucket
	}
	if _, replaced := bucket[key]; replaced {
		b.coalesced.Add(1)
	}
	bucket[key] = event
	b.pendMu.Unlock()
}

func (b *Bus) enqueue(event events.Event) {
	select {
	case b.queue <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(flushTick(b.cfg.Throttles))
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			b.flushPending(true)
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		case event := <-b.queue:
			b.deliver(event)
		case <-ticker.C:
			b.flushPending(false)
		}
	}
}

// flushPending moves due coalesced events onto the queue in deterministic
// key order. force ignores the per-name interval (used on Close).
func (b *Bus) flushPending(force bool) {
	now := b.cfg.Now()

	b.pendMu.Lock()
	var due []events.Event
	for name, bucket := range b.pending {
		if len(bucket) == 0 {
			continue
		}
		interval := b.cfg.Throttles[name]
		if !force && now.Sub(b.lastFlush[name]) < interval {
			continue
		}
		keys := make([]string, 0, len(bucket))
		for key := range bucket {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			due = append(due, bucket[key])
		}
		b.pending[name] = make(map[string]events.Event)
		b.lastFlush[name] = now
	}
	b.pendMu.Unlock()

	for _, event := range due {
		b.enqueue(event)
	}
}

func (b *Bus) deliver(event events.Event) {
	b.subsMu.RLock()
	subs := make([]namedSubscriber, len(b.subs))
	copy(subs, b.subs)
	b.subsMu.RUnlock()

	for _, entry := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DeliverTimeout)
		err := entry.sub.Deliver(ctx, event)
		cancel()
		if err != nil {
			b.deliverFailures.Add(1)
			continue
		}
		b.delivered.Add(1)
	}
}

// flushTick picks the worker's coalesce-scan period: a quarter of the
// shortest throttle interval, clamped to [10ms, 250ms].
func flushTick(throttles map[events.Name]time.Duration) time.Duration {
	shortest := time.Second
	for _, interval := range throttles {
		if interval > 0 && interval < shortest {
			shortest = interval
		}
	}
	tick := shortest / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	return tick
}

func cloneAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
