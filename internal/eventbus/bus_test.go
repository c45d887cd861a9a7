package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/arterial/traffic-grid-controller/api/events"
)

type blockingSubscriber struct {
	block <-chan struct{}
}

func (s blockingSubscriber) Deliver(ctx context.Context, _ events.Event) error {
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPublishIsNonBlockingWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	bus := New(Config{
		QueueCapacity:  1,
		DeliverTimeout: 5 * time.Millisecond,
		Throttles:      map[events.Name]time.Duration{},
	})
	defer func() {
		close(block)
		_ = bus.Close()
	}()
	if err := bus.Subscribe("blocker", blockingSubscriber{block: block}); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}

	start := time.Now()
	for i := 0; i < 2000; i++ {
		bus.Publish(events.Event{Name: events.AgentStatus, TimestampMS: int64(i + 1)})
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected non-blocking publish under pressure, took %s", elapsed)
	}

	stats := bus.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected dropped events under queue pressure, got %+v", stats)
	}
}

func TestFanOutPreservesPublishOrder(t *testing.T) {
	t.Parallel()

	bus := New(Config{Throttles: map[events.Name]time.Duration{}})
	first := NewMemorySubscriber()
	second := NewMemorySubscriber()
	if err := bus.Subscribe("first", first); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}
	if err := bus.Subscribe("second", second); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}

	for i := 1; i <= 5; i++ {
		bus.Publish(events.Event{Name: events.SignalChange, TimestampMS: int64(i)})
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}

	for _, sub := range []*MemorySubscriber{first, second} {
		delivered := sub.Events()
		if len(delivered) != 5 {
			t.Fatalf("expected 5 delivered events, got %d", len(delivered))
		}
		for i, event := range delivered {
			if event.TimestampMS != int64(i+1) {
				t.Fatalf("delivery out of order at %d: %+v", i, event)
			}
		}
	}
}

func TestDuplicateSubscriberNameRejected(t *testing.T) {
	t.Parallel()

	bus := New(Config{})
	defer bus.Close()

	if err := bus.Subscribe("dup", NewMemorySubscriber()); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}
	if err := bus.Subscribe("dup", NewMemorySubscriber()); err == nil {
		t.Fatalf("expected duplicate-name error")
	}
}

func TestVehicleUpdatesCoalescedByVehicleID(t *testing.T) {
	t.Parallel()

	bus := New(Config{
		Throttles: map[events.Name]time.Duration{events.VehicleUpdate: 50 * time.Millisecond},
	})
	sub := NewMemorySubscriber()
	if err := bus.Subscribe("memory", sub); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}

	// Ten updates for one vehicle inside one throttle window: only the
	// latest survives.
	for i := 1; i <= 10; i++ {
		bus.Publish(events.Event{
			Name:        events.VehicleUpdate,
			TimestampMS: int64(i),
			Attributes:  map[string]string{"vehicle_id": "veh-1"},
		})
	}
	bus.Publish(events.Event{
		Name:        events.VehicleUpdate,
		TimestampMS: 100,
		Attributes:  map[string]string{"vehicle_id": "veh-2"},
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}

	updates := sub.Named(events.VehicleUpdate)
	if len(updates) != 2 {
		t.Fatalf("expected 2 coalesced updates, got %d: %+v", len(updates), updates)
	}
	byVehicle := map[string]int64{}
	for _, event := range updates {
		byVehicle[event.Attributes["vehicle_id"]] = event.TimestampMS
	}
	if byVehicle["veh-1"] != 10 {
		t.Fatalf("expected latest update (ts=10) for veh-1, got %d", byVehicle["veh-1"])
	}
	if byVehicle["veh-2"] != 100 {
		t.Fatalf("expected update for veh-2, got %+v", byVehicle)
	}

	stats := bus.Stats()
	if stats.Coalesced != 9 {
		t.Fatalf("expected 9 coalesced events, got %+v", stats)
	}
}

func TestDensityUpdatesCoalescedByRoadID(t *testing.T) {
	t.Parallel()

	bus := New(Config{
		Throttles: map[events.Name]time.Duration{events.DensityUpdate: time.Second},
	})
	sub := NewMemorySubscriber()
	if err := bus.Subscribe("memory", sub); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}

	for _, roadID := range []string{"R-1", "R-2", "R-1", "R-2", "R-1"} {
		bus.Publish(events.Event{
			Name:        events.DensityUpdate,
			TimestampMS: busNow(),
			Attributes:  map[string]string{"road_id": roadID},
		})
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}

	updates := sub.Named(events.DensityUpdate)
	if len(updates) != 2 {
		t.Fatalf("expected one coalesced update per road, got %d", len(updates))
	}
	// Flush order is deterministic by key.
	if updates[0].Attributes["road_id"] != "R-1" || updates[1].Attributes["road_id"] != "R-2" {
		t.Fatalf("expected [R-1 R-2] flush order, got %+v", updates)
	}
}

func TestEmitMarshalsPayload(t *testing.T) {
	t.Parallel()

	bus := New(Config{Throttles: map[events.Name]time.Duration{}})
	sub := NewMemorySubscriber()
	if err := bus.Subscribe("memory", sub); err != nil {
		t.Fatalf("unexpected Subscribe error: %v", err)
	}

	bus.Emit(events.FailSafeTriggered, events.SeverityCritical,
		map[string]string{"reason": "signal_conflicts"},
		map[string]any{"junction_id": "J-3"})

	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected Close error: %v", err)
	}

	delivered := sub.Events()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 event, got %d", len(delivered))
	}
	event := delivered[0]
	if event.Severity != events.SeverityCritical {
		t.Fatalf("expected critical severity, got %q", event.Severity)
	}
	if event.Attributes["reason"] != "signal_conflicts" {
		t.Fatalf("expected reason attribute, got %+v", event.Attributes)
	}
	if len(event.Payload) == 0 {
		t.Fatalf("expected marshaled payload")
	}
	if event.TimestampMS <= 0 {
		t.Fatalf("expected stamped timestamp, got %d", event.TimestampMS)
	}
}

func busNow() int64 { return time.Now().UnixMilli() }
