package engine

import (
	"testing"
	"time"
)

func TestOneShotTimerFiresOncePerArming(t *testing.T) {
	clock := &fakeClock{}
	var fired []uint64
	timer := newOneShotTimer(clock, func(generation uint64) { fired = append(fired, generation) })

	generation := timer.arm(time.Second)
	if !timer.armed() {
		t.Fatalf("expected timer to be armed")
	}

	clock.fire(time.Second)
	if len(fired) != 1 || fired[0] != generation {
		t.Fatalf("expected one expiry for generation %d, got %v", generation, fired)
	}
	if timer.armed() {
		t.Fatalf("expected timer to disarm after firing")
	}
	if !timer.isCurrent(generation) {
		t.Fatalf("expected fired generation to stay current until re-armed")
	}
}

func TestOneShotTimerRearmSupersedesPreviousArming(t *testing.T) {
	clock := &fakeClock{}
	var fired []uint64
	timer := newOneShotTimer(clock, func(generation uint64) { fired = append(fired, generation) })

	first := timer.arm(time.Second)
	second := timer.arm(time.Second)

	if timer.isCurrent(first) {
		t.Fatalf("expected first generation to be stale after re-arm")
	}
	if got := clock.pending(time.Second); got != 1 {
		t.Fatalf("expected re-arm to stop the previous timer, %d pending", got)
	}

	clock.fire(time.Second)
	if len(fired) != 1 || fired[0] != second {
		t.Fatalf("expected only generation %d to fire, got %v", second, fired)
	}
}

func TestOneShotTimerDisarmMakesQueuedExpiryStale(t *testing.T) {
	clock := &fakeClock{}
	timer := newOneShotTimer(clock, func(uint64) {})

	generation := timer.arm(time.Second)
	clock.fire(time.Second)
	timer.disarm()

	if timer.isCurrent(generation) {
		t.Fatalf("expected expiry generation to be stale after disarm")
	}
	if timer.armed() {
		t.Fatalf("expected timer to stay disarmed")
	}
}

func TestOneShotTimerIgnoresLateCallbackAfterDisarm(t *testing.T) {
	clock := &fakeClock{}
	fired := 0
	timer := newOneShotTimer(clock, func(uint64) { fired++ })

	generation := timer.arm(time.Second)
	timer.disarm()
	timer.fire(generation)

	if fired != 0 {
		t.Fatalf("expected disarmed timer not to expire, fired %d times", fired)
	}
}
