package runtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leeforge/plugind/plugin"
)

func instanceEvent(i int) plugin.InstanceEvent {
	return plugin.InstanceEvent{
		Type:       plugin.InstanceStateChanged,
		InstanceID: fmt.Sprintf("inst-%d", i),
		Timestamp:  time.Now(),
	}
}

func receive(t *testing.T, sub *Subscription, n int) []plugin.Event {
	t.Helper()
	out := make([]plugin.Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestEventBus_FanOutPreservesOrder(t *testing.T) {
	bus := NewEventBus(256, nil)
	defer bus.Close()

	subs := []*Subscription{bus.Subscribe(), bus.Subscribe(), bus.Subscribe()}

	const n = 100
	for i := 0; i < n; i++ {
		bus.Publish(instanceEvent(i))
	}

	for s, sub := range subs {
		got := receive(t, sub, n)
		for i, ev := range got {
			want := fmt.Sprintf("inst-%d", i)
			if id := ev.(plugin.InstanceEvent).InstanceID; id != want {
				t.Fatalf("subscriber %d: event %d = %s, want %s", s, i, id, want)
			}
		}
		if sub.Dropped() != 0 {
			t.Fatalf("subscriber %d dropped %d events", s, sub.Dropped())
		}
	}
}

func TestEventBus_NoReplayBeforeSubscribe(t *testing.T) {
	bus := NewEventBus(16, nil)
	defer bus.Close()

	early := bus.Subscribe()
	bus.Publish(instanceEvent(0))
	late := bus.Subscribe()
	bus.Publish(instanceEvent(1))

	if got := receive(t, early, 2); len(got) != 2 {
		t.Fatalf("early subscriber expected 2 events, got %d", len(got))
	}
	got := receive(t, late, 1)
	if id := got[0].(plugin.InstanceEvent).InstanceID; id != "inst-1" {
		t.Fatalf("late subscriber got %s, want inst-1", id)
	}
}

func TestEventBus_KindFilter(t *testing.T) {
	bus := NewEventBus(16, nil)
	defer bus.Close()

	health := bus.Subscribe(plugin.KindHealth)
	bus.Publish(instanceEvent(0))
	bus.Publish(plugin.HealthEvent{Type: plugin.HealthStatusChanged, InstanceID: "inst-0"})

	got := receive(t, health, 1)
	if got[0].Kind() != plugin.KindHealth {
		t.Fatalf("expected health event, got %s", got[0].Kind())
	}
}

func TestEventBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(4, nil)
	defer bus.Close()

	slow := bus.Subscribe()
	fast := bus.Subscribe()

	var wg sync.WaitGroup
	var fastGot []plugin.Event
	wg.Add(1)
	go func() {
		defer wg.Done()
		timeout := time.After(2 * time.Second)
		for len(fastGot) < 10 {
			select {
			case ev := <-fast.Events():
				fastGot = append(fastGot, ev)
			case <-timeout:
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(instanceEvent(i))
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
	wg.Wait()

	if len(fastGot) != 10 {
		t.Fatalf("fast subscriber expected 10 events, got %d", len(fastGot))
	}
	if slow.Dropped() != 6 {
		t.Fatalf("slow subscriber expected 6 drops, got %d", slow.Dropped())
	}
	if _, dropped := bus.Stats(); dropped != 6 {
		t.Fatalf("bus expected 6 drops, got %d", dropped)
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(16, nil)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestEventBus_CloseIsIdempotent(t *testing.T) {
	bus := NewEventBus(16, nil)
	sub := bus.Subscribe()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	bus.Publish(instanceEvent(0))

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	after := bus.Subscribe()
	if _, ok := <-after.Events(); ok {
		t.Fatal("subscribing to a closed bus should yield a closed channel")
	}
}
