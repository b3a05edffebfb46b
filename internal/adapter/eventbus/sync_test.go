package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/testutil"
)

// TestNewSyncEventBus tests event bus creation.
func TestNewSyncEventBus(t *testing.T) {
	bus := NewSyncEventBus()

	if bus == nil {
		t.Fatal("NewSyncEventBus returned nil")
	}

	if bus.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

// TestPublishSubscribe tests basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewSyncEventBus()
	defer bus.Close()

	var received domain.Event
	var callCount int

	subID := bus.Subscribe(domain.EventHandleLoaded, func(event domain.Event) {
		received = event
		callCount++
	})
	if subID == "" {
		t.Fatal("Subscribe returned empty subscription ID")
	}

	bus.Publish(domain.NewHandleLoadedEvent("music", "theme.ogg"))

	if callCount != 1 {
		t.Fatalf("Expected handler to be called once, got %d", callCount)
	}

	loaded, ok := received.(domain.HandleLoadedEvent)
	if !ok {
		t.Fatalf("Expected HandleLoadedEvent, got %T", received)
	}
	if loaded.Channel != "music" || loaded.Source != "theme.ogg" {
		t.Errorf("Unexpected payload: %+v", loaded)
	}
	if loaded.Timestamp().IsZero() {
		t.Error("Event timestamp should be set")
	}
}

// TestPublishOnlyMatchingType tests that handlers only see their own event type.
func TestPublishOnlyMatchingType(t *testing.T) {
	bus := NewSyncEventBus()
	defer bus.Close()

	var evicted int32
	bus.Subscribe(domain.EventHandleEvicted, func(domain.Event) {
		atomic.AddInt32(&evicted, 1)
	})

	bus.Publish(domain.NewHandleLoadedEvent("sfx", "click.wav"))
	bus.Publish(domain.NewHandleEvictedEvent("sfx", "click.wav"))

	if got := atomic.LoadInt32(&evicted); got != 1 {
		t.Errorf("Expected 1 evicted event, got %d", got)
	}
}

// TestUnsubscribe tests unsubscribing handlers.
func TestUnsubscribe(t *testing.T) {
	bus := NewSyncEventBus()
	defer bus.Close()

	var first, second int32
	id := bus.Subscribe(domain.EventInstanceEnded, func(domain.Event) { atomic.AddInt32(&first, 1) })
	bus.Subscribe(domain.EventInstanceEnded, func(domain.Event) { atomic.AddInt32(&second, 1) })

	inst := domain.NewInstance(1, "line.ogg", testutil.Epoch)
	bus.Publish(domain.NewInstanceEndedEvent("voice", inst))

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	bus.Publish(domain.NewInstanceEndedEvent("voice", inst))

	if got := atomic.LoadInt32(&first); got != 1 {
		t.Errorf("Unsubscribed handler: expected 1 call, got %d", got)
	}
	if got := atomic.LoadInt32(&second); got != 2 {
		t.Errorf("Remaining handler: expected 2 calls, got %d", got)
	}
	if bus.SubscriberCount() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", bus.SubscriberCount())
	}
}

// TestSubscribeAll tests wildcard subscriptions run after typed ones.
func TestSubscribeAll(t *testing.T) {
	bus := NewSyncEventBus()
	defer bus.Close()

	var order []string
	bus.SubscribeAll(func(e domain.Event) { order = append(order, "all:"+string(e.Type())) })
	bus.Subscribe(domain.EventMusicSwitched, func(domain.Event) { order = append(order, "typed") })

	bus.Publish(domain.NewMusicSwitchedEvent("a.ogg", "b.ogg"))
	bus.Publish(domain.NewHandleLoadFailedEvent("music", "b.ogg", errors.New("boom")))

	want := []string{"typed", "all:music.switched", "all:handle.load_failed"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d]: expected %s, got %s", i, want[i], order[i])
		}
	}

	if !bus.HasSubscribers(domain.EventInstanceStopped) {
		t.Error("Wildcard subscription should count for every type")
	}
}

// TestHandlerPanic tests that a panicking handler does not stop delivery.
func TestHandlerPanic(t *testing.T) {
	bus := NewSyncEventBus()
	defer bus.Close()
	bus.SetLogger(testutil.DiscardLogger())

	var called int32
	bus.Subscribe(domain.EventInstanceStopped, func(domain.Event) { panic("handler failure") })
	bus.Subscribe(domain.EventInstanceStopped, func(domain.Event) { atomic.AddInt32(&called, 1) })

	inst := domain.NewInstance(7, "shot.wav", testutil.Epoch)
	bus.Publish(domain.NewInstanceStoppedEvent("sfx", inst))

	if atomic.LoadInt32(&called) != 1 {
		t.Error("Second handler should still be called after a panic")
	}
}

// TestUnsubscribeDuringPublish tests that a handler may remove itself.
func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := NewSyncEventBus()
	defer bus.Close()

	var calls int32
	var id domain.SubscriptionID
	id = bus.Subscribe(domain.EventHandleLoaded, func(domain.Event) {
		atomic.AddInt32(&calls, 1)
		bus.Unsubscribe(id)
	})

	bus.Publish(domain.NewHandleLoadedEvent("music", "x.ogg"))
	bus.Publish(domain.NewHandleLoadedEvent("music", "x.ogg"))

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}

// TestClose tests closing the bus.
func TestClose(t *testing.T) {
	bus := NewSyncEventBus()

	var calls int32
	bus.Subscribe(domain.EventHandleLoaded, func(domain.Event) { atomic.AddInt32(&calls, 1) })

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err == nil {
		t.Error("Second Close should return an error")
	}

	bus.Publish(domain.NewHandleLoadedEvent("music", "x.ogg"))
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("Closed bus should not deliver events")
	}

	defer func() {
		if recover() == nil {
			t.Error("Subscribe on a closed bus should panic")
		}
	}()
	bus.Subscribe(domain.EventHandleLoaded, func(domain.Event) {})
}

// TestConcurrentPublish tests publishing from many goroutines.
func TestConcurrentPublish(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	bus := NewSyncEventBus()
	defer bus.Close()

	var calls int64
	bus.SubscribeAll(func(domain.Event) { atomic.AddInt64(&calls, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(domain.NewHandleLoadedEvent("sfx", "hit.wav"))
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1000 {
		t.Errorf("Expected 1000 deliveries, got %d", got)
	}
}
