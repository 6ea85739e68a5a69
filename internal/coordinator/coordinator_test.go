package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Loop tests ---

func runLoop(t *testing.T, l *Loop) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestLoopDo(t *testing.T) {
	var after atomic.Int32
	l := NewLoop(newTestLogger(), func() { after.Add(1) })
	runLoop(t, l)

	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("task did not run")
	}
	if after.Load() != 1 {
		t.Errorf("after hook ran %d times, want 1", after.Load())
	}
}

func TestLoopPostFromTask(t *testing.T) {
	l := NewLoop(newTestLogger(), nil)
	runLoop(t, l)

	var order []int
	done := make(chan struct{})
	err := l.Do(context.Background(), func() {
		order = append(order, 1)
		l.Post(func() {
			order = append(order, 3)
			close(done)
		})
		order = append(order, 2)
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v", order)
	}
}

func TestLoopRecoversPanic(t *testing.T) {
	l := NewLoop(newTestLogger(), nil)
	runLoop(t, l)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("loop stopped after panic")
	}
}

func TestLoopAfterFunc(t *testing.T) {
	l := NewLoop(newTestLogger(), nil)
	runLoop(t, l)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	stopped := l.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("Stop reported timer already fired")
	}
}

func TestLoopDoAfterStop(t *testing.T) {
	l := NewLoop(newTestLogger(), nil)
	cancel := runLoop(t, l)
	cancel()
	<-l.stopped

	err := l.Do(context.Background(), func() {})
	if !errors.Is(err, ErrLoopStopped) {
		t.Errorf("err = %v, want ErrLoopStopped", err)
	}
}

func TestLoopDoContextCancelled(t *testing.T) {
	l := NewLoop(newTestLogger(), nil) // never run
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

// --- EventBus tests ---

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventGroupStatus, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventGroupStatus, Data: map[string]any{"group": 1}})

	if received.Type != EventGroupStatus {
		t.Errorf("type = %q, want %q", received.Type, EventGroupStatus)
	}
	if received.Data["group"] != 1 {
		t.Errorf("data = %v", received.Data)
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceConnected, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceDisconnected})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceConnected})
	eb.Emit(Event{Type: EventDeviceDisconnected})
	eb.Emit(Event{Type: EventAseState})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusOnGroup(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got []string

	eb.OnGroup(2, func(e Event) {
		got = append(got, e.Type)
	})

	eb.Emit(Event{Type: EventGroupStatus, Data: map[string]any{"group": 1}})
	eb.Emit(Event{Type: EventGroupStatus, Data: map[string]any{"group": 2}})
	eb.Emit(Event{Type: EventTransitionTimeout, Data: map[string]any{"group": 2}})
	eb.Emit(Event{Type: EventDeviceRemoved, Data: map[string]any{"address": "AA"}})

	if len(got) != 2 || got[0] != EventGroupStatus || got[1] != EventTransitionTimeout {
		t.Errorf("group 2 handler got %v", got)
	}
}

func TestEventBusSubscriptionOrder(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var order []int

	eb.OnAll(func(Event) { order = append(order, 1) })
	unsub := eb.On(EventAseState, func(Event) { order = append(order, 2) })
	eb.OnGroup(7, func(Event) { order = append(order, 3) })
	unsub()
	eb.On(EventAseState, func(Event) { order = append(order, 4) })

	eb.Emit(Event{Type: EventAseState, Data: map[string]any{"group": 7}})

	want := []int{1, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventGroup(t *testing.T) {
	if id, ok := (Event{Data: map[string]any{"group": 3}}).Group(); !ok || id != 3 {
		t.Errorf("Group() = %d, %v", id, ok)
	}
	if _, ok := (Event{Data: map[string]any{"group": "3"}}).Group(); ok {
		t.Error("string group id accepted")
	}
	if _, ok := (Event{}).Group(); ok {
		t.Error("nil data reported a group")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventGroupStatus, func(e Event) {
		count.Add(1)
	})
	unsubAll := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventGroupStatus})
	if count.Load() != 2 {
		t.Fatalf("expected 2 calls before unsub, got %d", count.Load())
	}

	unsub()
	unsubAll()
	eb.Emit(Event{Type: EventGroupStatus})
	if count.Load() != 2 {
		t.Errorf("expected 2 calls after unsub, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventLinkQuality, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventLinkQuality, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventLinkQuality})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventAseState})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}
