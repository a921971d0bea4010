package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"VBridge/module/bind/model"
)

func TestTimerQueueOrderAndCancel(t *testing.T) {
	q := NewTimerQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var mu sync.Mutex
	var fired []string
	done := make(chan struct{}, 3)
	record := func(k string) func(model.Action) {
		return func(model.Action) {
			mu.Lock()
			fired = append(fired, k)
			mu.Unlock()
			done <- struct{}{}
		}
	}
	now := time.Now()
	q.Schedule("c", now.Add(60*time.Millisecond), model.ActionKick, record("c"))
	q.Schedule("a", now.Add(20*time.Millisecond), model.ActionKick, record("a"))
	q.Schedule("b", now.Add(40*time.Millisecond), model.ActionKick, record("b"))
	q.Schedule("x", now.Add(30*time.Millisecond), model.ActionKick, record("x"))
	if !q.Cancel("x") {
		t.Fatalf("cancel x")
	}
	if q.Cancel("x") {
		t.Fatalf("double cancel reported true")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timers did not fire")
		}
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 {
		t.Fatalf("fired = %v", fired)
	}
	for _, k := range fired {
		if k == "x" {
			t.Fatalf("cancelled timer fired")
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestTimerQueueReschedule(t *testing.T) {
	q := NewTimerQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	hits := make(chan string, 2)
	q.Schedule("k", time.Now().Add(time.Hour), model.ActionWarn, func(a model.Action) { hits <- "late " + a.String() })
	if a, _, ok := q.Pending("k"); !ok || a != model.ActionWarn {
		t.Fatalf("pending = %v %v", a, ok)
	}
	q.Schedule("k", time.Now().Add(10*time.Millisecond), model.ActionMute, func(a model.Action) { hits <- "early " + a.String() })
	select {
	case h := <-hits:
		if h != "early mute" {
			t.Fatalf("got %s", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("rescheduled timer did not fire")
	}
	if q.Len() != 0 {
		t.Fatalf("old entry left in queue")
	}
}
