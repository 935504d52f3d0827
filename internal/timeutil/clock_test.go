package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("timer did not fire")
	}
}

func TestMockClock_AdvanceFiresTimer(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	timer := clock.NewTimer(100 * time.Millisecond)
	if got := clock.PendingTimers(); got != 1 {
		t.Fatalf("PendingTimers() = %d, want 1", got)
	}

	clock.Advance(99 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-timer.C():
		if !got.Equal(start.Add(100 * time.Millisecond)) {
			t.Errorf("timer delivered %v, want %v", got, start.Add(100*time.Millisecond))
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	if got := clock.PendingTimers(); got != 0 {
		t.Errorf("PendingTimers() after fire = %d, want 0", got)
	}
}

func TestMockClock_StoppedTimerDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Stop() on an armed timer should report true")
	}
	if timer.Stop() {
		t.Error("second Stop() should report false")
	}

	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
}

func TestMockClock_ZeroDurationFiresImmediately(t *testing.T) {
	clock := NewMockClock(time.Unix(100, 0))
	timer := clock.NewTimer(0)

	select {
	case <-timer.C():
	default:
		t.Fatal("zero duration timer should fire without advancing")
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewMockClock(start)

	clock.Set(start.Add(5 * time.Second))
	if got := clock.Since(start); got != 5*time.Second {
		t.Errorf("Since() = %v, want 5s", got)
	}
}
