package iothub

import (
	"context"
	"errors"
	"testing"
	"time"
)

type manualClock struct {
	current time.Time
}

func (clock *manualClock) now() time.Time {
	return clock.current
}

func newManualHelper(timeout time.Duration, start bool, clock *manualClock) *TimeoutHelper {
	helper := &TimeoutHelper{timeout: timeout, now: clock.now}
	if start {
		helper.setDeadline()
	}
	return helper
}

func TestTimeoutHelperRemainingTime(t *testing.T) {
	clock := &manualClock{current: time.Unix(1000, 0)}
	helper := newManualHelper(10*time.Second, true, clock)

	clock.current = clock.current.Add(4 * time.Second)
	if remaining := helper.RemainingTime(); remaining != 6*time.Second {
		t.Fatalf("expected 6s remaining, got %s", remaining)
	}
	if helper.Expired() {
		t.Fatalf("expected the helper not to be expired")
	}

	clock.current = clock.current.Add(time.Minute)
	if remaining := helper.RemainingTime(); remaining != 0 {
		t.Fatalf("expected the remaining time to clamp at zero, got %s", remaining)
	}
	if !helper.Expired() {
		t.Fatalf("expected the helper to be expired")
	}
	if helper.OriginalTimeout() != 10*time.Second {
		t.Fatalf("expected the original timeout to be kept")
	}
}

func TestTimeoutHelperDeferredStart(t *testing.T) {
	clock := &manualClock{current: time.Unix(1000, 0)}
	helper := newManualHelper(5*time.Second, false, clock)

	clock.current = clock.current.Add(time.Hour)
	deadline := helper.Deadline()
	if !deadline.Equal(clock.current.Add(5 * time.Second)) {
		t.Fatalf("expected the deadline to start on first use, got %s", deadline)
	}
	clock.current = clock.current.Add(time.Second)
	if !helper.Deadline().Equal(deadline) {
		t.Fatalf("expected the deadline to stay fixed")
	}
}

func TestTimeoutHelperWithoutTimeout(t *testing.T) {
	helper := NewTimeoutHelper(0, true)
	if helper.Expired() {
		t.Fatalf("expected a helper without timeout never to expire")
	}
	if !helper.Deadline().IsZero() {
		t.Fatalf("expected no deadline")
	}
	if helper.RemainingTime() <= 24*time.Hour {
		t.Fatalf("expected an unbounded remaining time")
	}

	var empty *TimeoutHelper
	if empty.Expired() || empty.RemainingTime() != 0 || empty.OriginalTimeout() != 0 {
		t.Fatalf("expected a nil helper to be inert")
	}
}

func TestRunWithTimeout(t *testing.T) {
	sentinel := errors.New("sentinel")
	if err := runWithTimeout(context.Background(), time.Second, func() error { return sentinel }); err != sentinel {
		t.Fatalf("expected the function result, got %v", err)
	}

	release := make(chan struct{})
	defer close(release)
	blocked := func() error {
		<-release
		return nil
	}
	if err := runWithTimeout(context.Background(), 10*time.Millisecond, blocked); ErrorCode(err) != TimedOutError {
		t.Fatalf("expected TimedOutError, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := runWithTimeout(ctx, time.Minute, blocked); !IsCanceled(err) {
		t.Fatalf("expected CanceledError, got %v", err)
	}

	called := false
	if err := runWithTimeout(ctx, time.Second, func() error { called = true; return nil }); !IsCanceled(err) || called {
		t.Fatalf("expected a canceled context to skip the function, got %v", err)
	}
}
