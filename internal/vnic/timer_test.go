package vnic

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFiresAfterDelay(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool

	tm := NewTimer(20*time.Millisecond, func() { fired.Store(true) })
	tm.Start()

	time.Sleep(100 * time.Millisecond)

	if !fired.Load() {
		t.Error("timer did not fire within the expected window")
	}
}

func TestTimerCancelPreventsFire(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool

	tm := NewTimer(20*time.Millisecond, func() { fired.Store(true) })
	tm.Start()
	tm.Cancel()

	time.Sleep(60 * time.Millisecond)

	if fired.Load() {
		t.Error("timer fired after being cancelled")
	}
}

func TestTimerExtendPushesOutFireTime(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool

	tm := NewTimer(30*time.Millisecond, func() { fired.Store(true) })
	tm.Start()

	time.Sleep(15 * time.Millisecond)
	tm.Extend(50 * time.Millisecond) // should now fire ~50ms from here, not ~15ms

	time.Sleep(25 * time.Millisecond)
	if fired.Load() {
		t.Error("timer fired before its extended delay elapsed")
	}

	time.Sleep(50 * time.Millisecond)
	if !fired.Load() {
		t.Error("timer never fired after extension")
	}
}

func TestTimerExpireFiresImmediately(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool

	tm := NewTimer(time.Hour, func() { fired.Store(true) })
	tm.Start()
	tm.Expire()

	if !fired.Load() {
		t.Error("Expire must invoke the callback synchronously")
	}
}
