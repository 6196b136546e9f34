package testutil

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// Counter is a deterministic integer counter for tests.
type Counter struct {
	lock  sync.Mutex
	value int
}

// Next increments and returns counter value.
func (counter *Counter) Next() int {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	counter.value++
	return counter.value
}

// Value returns the current counter value.
func (counter *Counter) Value() int {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	return counter.value
}

// Eventually polls condition until it returns true or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, condition func() bool, format string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type manualTimer struct {
	due     time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// Timers is a manual clock for code that schedules work with an AfterFunc-shaped hook.
type Timers struct {
	lock   sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
}

// AfterFunc schedules fn to run once Advance moves the clock past delay.
func (timers *Timers) AfterFunc(delay time.Duration, fn func()) func() bool {
	timers.lock.Lock()
	defer timers.lock.Unlock()
	timers.seq++
	timer := &manualTimer{due: timers.now + delay, seq: timers.seq, fn: fn}
	timers.timers = append(timers.timers, timer)
	return func() bool {
		timers.lock.Lock()
		defer timers.lock.Unlock()
		if timer.stopped || timer.fired {
			return false
		}
		timer.stopped = true
		return true
	}
}

// Advance moves the clock and runs due callbacks in due order on the calling goroutine.
func (timers *Timers) Advance(delay time.Duration) {
	timers.lock.Lock()
	timers.now += delay
	var due []*manualTimer
	pending := timers.timers[:0]
	for _, timer := range timers.timers {
		switch {
		case timer.stopped:
		case timer.due <= timers.now:
			timer.fired = true
			due = append(due, timer)
		default:
			pending = append(pending, timer)
		}
	}
	timers.timers = pending
	timers.lock.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due == due[j].due {
			return due[i].seq < due[j].seq
		}
		return due[i].due < due[j].due
	})
	for _, timer := range due {
		timer.fn()
	}
}

// Pending returns the number of armed timers.
func (timers *Timers) Pending() int {
	timers.lock.Lock()
	defer timers.lock.Unlock()
	count := 0
	for _, timer := range timers.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}
