package engine

import (
	"sync"
	"time"
)

// Clock creates one-shot timers. Tests replace it to fire timers by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// oneShotTimer fires at most once per arming. Every arm and disarm starts a
// new generation; the expiry callback receives the generation it was armed
// with so the dispatcher can discard expiries that were overtaken.
//
// The callback only posts a message. It never touches engine state.
type oneShotTimer struct {
	mu         sync.Mutex
	clock      Clock
	timer      Timer
	generation uint64
	isArmed    bool

	onExpire func(generation uint64)
}

func newOneShotTimer(clock Clock, onExpire func(generation uint64)) *oneShotTimer {
	return &oneShotTimer{clock: clock, onExpire: onExpire}
}

func (t *oneShotTimer) arm(timeout time.Duration) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.generation++
	generation := t.generation
	t.isArmed = true
	t.timer = t.clock.AfterFunc(timeout, func() { t.fire(generation) })
	return generation
}

func (t *oneShotTimer) disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.generation++
	t.isArmed = false
}

func (t *oneShotTimer) armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isArmed
}

// isCurrent reports whether an expiry for generation still belongs to the
// latest arming.
func (t *oneShotTimer) isCurrent(generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return generation == t.generation
}

func (t *oneShotTimer) fire(generation uint64) {
	t.mu.Lock()
	if !t.isArmed || generation != t.generation {
		t.mu.Unlock()
		return
	}
	t.isArmed = false
	t.timer = nil
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(generation)
	}
}

func (t *oneShotTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
