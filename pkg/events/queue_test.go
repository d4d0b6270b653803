package events

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if h := q.Call(func() { order = append(order, i) }); h == 0 {
			t.Fatalf("Call() returned zero handle")
		}
	}

	if n := q.Dispatch(); n != 5 {
		t.Fatalf("expected 5 items dispatched, got %d", n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("items ran out of order: %v", order)
		}
	}
}

func TestQueueCancel(t *testing.T) {
	q := NewQueue()
	ran := false
	h := q.Call(func() { ran = true })

	if !q.Cancel(h) {
		t.Fatalf("Cancel() should find pending item")
	}
	if q.Cancel(h) {
		t.Fatalf("Cancel() should not find item twice")
	}
	q.Dispatch()
	if ran {
		t.Fatalf("cancelled item ran")
	}
}

func TestQueueReentrantPost(t *testing.T) {
	q := NewQueue()
	count := 0
	var step func()
	step = func() {
		count++
		if count < 3 {
			q.Call(step)
		}
	}
	q.Call(step)

	if n := q.Dispatch(); n != 3 {
		t.Fatalf("expected 3 dispatches, got %d", n)
	}
}

func TestQueueRecoversPanic(t *testing.T) {
	q := NewQueue()
	after := false
	q.Call(func() { panic("boom") })
	q.Call(func() { after = true })

	q.Dispatch()
	if !after {
		t.Fatalf("queue should keep dispatching after a panicking item")
	}
}

func TestQueueRunAndClose(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		q.Run(ctx)
		close(done)
	}()

	ran := make(chan struct{})
	q.Call(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("Run did not dispatch posted item")
	}

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Close")
	}

	if h := q.Call(func() {}); h != 0 {
		t.Fatalf("Call() on closed queue should return 0")
	}
}
