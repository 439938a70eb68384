package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(KindSessionUpdated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	ev := Event{Kind: KindSessionUpdated, Namespace: "default", Payload: "test-session"}
	bus.Publish(ev)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Kind != KindSessionUpdated {
			t.Errorf("expected KindSessionUpdated, got %v", received.Kind)
		}
		if received.Payload != "test-session" {
			t.Errorf("expected 'test-session', got %v", received.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := New()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Kind: KindSessionUpdated, Namespace: "default"})
	bus.Publish(Event{Kind: KindMessageAdded, Namespace: "default"})
	bus.Publish(Event{Kind: KindMachineUpdated, Namespace: "default"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(KindSessionUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Kind: KindSessionUpdated})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 event before unsub, got %d", count)
	}

	unsub()

	bus.PublishSync(Event{Kind: KindSessionUpdated})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_UnsubscribeGlobal(t *testing.T) {
	bus := New()
	defer bus.Close()

	var count int32
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Kind: KindSessionUpdated})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 event before unsub, got %d", count)
	}

	unsub()

	bus.PublishSync(Event{Kind: KindMessageAdded})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_PublishSync(t *testing.T) {
	bus := New()
	defer bus.Close()

	var received []Kind
	var mu sync.Mutex

	bus.Subscribe(KindSessionUpdated, func(e Event) {
		mu.Lock()
		received = append(received, e.Kind)
		mu.Unlock()
	})
	bus.Subscribe(KindMachineUpdated, func(e Event) {
		mu.Lock()
		received = append(received, e.Kind)
		mu.Unlock()
	})

	bus.PublishSync(Event{Kind: KindSessionUpdated})
	bus.PublishSync(Event{Kind: KindMachineUpdated})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("expected 2 events, got %d", len(received))
	}
	mu.Unlock()
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		bus.Subscribe(KindSessionUpdated, func(e Event) {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	bus.Publish(Event{Kind: KindSessionUpdated})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("expected 3 subscribers to receive event, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Publish(Event{Kind: KindSessionUpdated})
	bus.PublishSync(Event{Kind: KindSessionUpdated})
}

func TestBus_KindFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	var sessionCount, messageCount int32

	bus.Subscribe(KindSessionUpdated, func(e Event) {
		atomic.AddInt32(&sessionCount, 1)
	})
	bus.Subscribe(KindMessageAdded, func(e Event) {
		atomic.AddInt32(&messageCount, 1)
	})

	bus.PublishSync(Event{Kind: KindSessionUpdated})
	bus.PublishSync(Event{Kind: KindSessionUpdated})
	bus.PublishSync(Event{Kind: KindMessageAdded})

	if atomic.LoadInt32(&sessionCount) != 2 {
		t.Errorf("expected 2 session events, got %d", sessionCount)
	}
	if atomic.LoadInt32(&messageCount) != 1 {
		t.Errorf("expected 1 message event, got %d", messageCount)
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	bus := New()

	var count int32
	bus.Subscribe(KindSessionUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bus.PublishSync(Event{Kind: KindSessionUpdated})
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("expected no events after close, got %d", count)
	}
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(KindSessionUpdated, func(e Event) {
				atomic.AddInt32(&count, 1)
			})
			defer unsub()

			for j := 0; j < 10; j++ {
				bus.Publish(Event{Kind: KindSessionUpdated})
			}
		}()
	}

	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) == 0 {
		t.Log("warning: no events received, but no panic occurred")
	}
}
