package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestBusPublishFillsSourceAndTime(t *testing.T) {
	bus := NewBus("escrow")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	ch := make(chan Event, 4)
	sub := bus.Subscribe(ch)
	defer sub.Unsubscribe()

	bus.Emit("created", "e-1", map[string]float64{"amount": 10})

	select {
	case evt := <-ch:
		if evt.Source != "escrow" || evt.Type != "created" || evt.Subject != "e-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if !evt.OccurredAt.Equal(fixed) {
			t.Fatalf("unexpected timestamp %v", evt.OccurredAt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Emit("created", "x", nil)
	if bus.Name() != "" {
		t.Fatal("nil bus should have empty name")
	}
}

func TestPumpDeliversToSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus("failover")
	sink := NewMemorySink()
	done := make(chan error, 1)
	go func() { done <- Pump(ctx, bus, sink, nil, LogSink{}) }()

	waitForDelivery(t, bus, sink)

	bus.Emit("circuit_opened", "0xabc", nil)
	bus.Emit("circuit_closed", "0xabc", nil)

	deadline := time.After(2 * time.Second)
	for {
		types := sink.Types()
		if len(types) >= 3 && types[len(types)-2] == "circuit_opened" && types[len(types)-1] == "circuit_closed" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events not pumped, got %v", types)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

// stuckSink never returns from Deliver until released, regardless of ctx.
type stuckSink struct{ release chan struct{} }

func (s *stuckSink) Deliver(context.Context, Event) error {
	<-s.release
	return nil
}

func (s *stuckSink) Close() error { return nil }

// deadlineSink reports the context error each delivery ends with.
type deadlineSink struct{ errs chan error }

func (s *deadlineSink) Deliver(ctx context.Context, _ Event) error {
	if _, ok := ctx.Deadline(); !ok {
		s.errs <- errors.New("no deadline")
		return nil
	}
	<-ctx.Done()
	select {
	case s.errs <- ctx.Err():
	default:
	}
	return ctx.Err()
}

func (s *deadlineSink) Close() error { return nil }

func TestPumpDoesNotBlockPublishersOnStalledSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stuck := &stuckSink{release: make(chan struct{})}
	defer close(stuck.release)
	mem := NewMemorySink()
	var dropped atomic.Int64
	opts := PumpOptions{
		QueueSize:      4,
		DeliverTimeout: 50 * time.Millisecond,
		OnDrop: func(sink Sink, _ Event) {
			if sink == Sink(stuck) {
				dropped.Add(1)
			}
		},
	}

	bus := NewBus("escrow")
	done := make(chan error, 1)
	go func() { done <- PumpWith(ctx, bus, opts, stuck, mem) }()
	waitForDelivery(t, bus, mem)

	published := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Emit("created", "e", nil)
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(3 * time.Second):
		t.Fatal("publishing blocked behind a stalled sink")
	}
	if dropped.Load() == 0 {
		t.Fatal("expected events for the stalled sink to be dropped")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after cancellation")
	}
}

func TestPumpBoundsEachDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &deadlineSink{errs: make(chan error, 1)}
	bus := NewBus("credit")
	go PumpWith(ctx, bus, PumpOptions{DeliverTimeout: 20 * time.Millisecond}, sink)

	deadline := time.After(2 * time.Second)
	for {
		bus.Emit("payment", "agent-1", nil)
		select {
		case err := <-sink.errs:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("delivery should end on its own deadline, got %v", err)
			}
			return
		case <-deadline:
			t.Fatal("delivery never timed out")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPumpRequiresSource(t *testing.T) {
	if err := Pump(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestMemorySinkRejectsAfterClose(t *testing.T) {
	sink := NewMemorySink()
	_ = sink.Close()
	if err := sink.Deliver(context.Background(), Event{Type: "x"}); err == nil {
		t.Fatal("closed sink should reject events")
	}
}

func TestRedisSinkChannelNaming(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	sink := newRedisSink(client, "")
	if got := sink.ChannelFor(Event{Type: "escrow:released"}); got != "openmcp:settlement:escrow:released" {
		t.Fatalf("unexpected channel %q", got)
	}
	custom := newRedisSink(client, "mesh")
	if got := custom.ChannelFor(Event{Type: AggregateType}); got != "mesh:aggregate:event" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestSinkConstructorsValidateConfig(t *testing.T) {
	if _, err := NewRedisSink(context.Background(), RedisSinkConfig{}); err == nil {
		t.Fatal("expected error for empty redis address")
	}
	if _, err := NewRabbitMQSink(RabbitMQSinkConfig{}); err == nil {
		t.Fatal("expected error for empty rabbitmq url")
	}
}

// waitForDelivery publishes warm-up events until the pump goroutine has
// subscribed, since Feed drops sends that happen before any subscription.
func waitForDelivery(t *testing.T, bus *Bus, sink *MemorySink) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(sink.Events()) == 0 {
		bus.Emit("warmup", "", nil)
		select {
		case <-deadline:
			t.Fatal("pump never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
