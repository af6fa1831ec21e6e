package util

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManualSchedulerTickAndCancel(t *testing.T) {
	m := NewManualScheduler()
	var a, b int
	cancelA := m.Every(time.Second, func() { a++ })
	m.Every(time.Second, func() { b++ })

	m.TickN(3)
	if a != 3 || b != 3 {
		t.Fatalf("a=%d b=%d, want 3/3", a, b)
	}

	cancelA()
	cancelA() // idempotent
	m.Tick()
	if a != 3 || b != 4 {
		t.Fatalf("a=%d b=%d after cancel, want 3/4", a, b)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

func TestManualSchedulerCancelFromTask(t *testing.T) {
	m := NewManualScheduler()
	n := 0
	var cancel func()
	cancel = m.Every(time.Second, func() {
		n++
		if n == 2 {
			cancel()
		}
	})
	m.TickN(5)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
}

func TestTickerSchedulerFiresImmediatelyAndStops(t *testing.T) {
	var n atomic.Int32
	fired := make(chan struct{}, 1)
	cancel := TickerScheduler{}.Every(time.Hour, func() {
		n.Add(1)
		fired <- struct{}{}
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick did not fire immediately")
	}
	cancel()
	cancel()
	if n.Load() != 1 {
		t.Fatalf("ticks = %d, want 1", n.Load())
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("now = %v", got)
	}
	select {
	case <-c.After(time.Minute):
	default:
		t.Fatal("After should be ready immediately")
	}
}
