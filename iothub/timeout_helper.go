package iothub

import (
	"context"
	"sync"
	"time"
)

// TimeoutHelper tracks a deadline derived from a timeout span. The deadline is fixed the first
// time it is needed unless the helper was started at construction.
type TimeoutHelper struct {
	lock        sync.Mutex
	timeout     time.Duration
	deadline    time.Time
	deadlineSet bool
	now         func() time.Time
}

// NewTimeoutHelper returns a new TimeoutHelper. A non-positive timeout never expires.
func NewTimeoutHelper(timeout time.Duration, startTimeout bool) *TimeoutHelper {
	helper := &TimeoutHelper{timeout: timeout, now: time.Now}
	if startTimeout {
		helper.setDeadline()
	}
	return helper
}

func (helper *TimeoutHelper) setDeadline() {
	if helper.deadlineSet {
		return
	}
	helper.deadlineSet = true
	if helper.timeout <= 0 {
		return
	}
	helper.deadline = helper.now().Add(helper.timeout)
}

// OriginalTimeout returns the configured timeout span.
func (helper *TimeoutHelper) OriginalTimeout() time.Duration {
	if helper == nil {
		return 0
	}
	return helper.timeout
}

// Deadline returns the deadline, starting the helper if needed. Zero means no deadline.
func (helper *TimeoutHelper) Deadline() time.Time {
	if helper == nil {
		return time.Time{}
	}
	helper.lock.Lock()
	defer helper.lock.Unlock()
	helper.setDeadline()
	return helper.deadline
}

// RemainingTime returns the time left before the deadline, never negative.
// Helpers without a timeout report the maximum duration.
func (helper *TimeoutHelper) RemainingTime() time.Duration {
	if helper == nil {
		return 0
	}
	helper.lock.Lock()
	defer helper.lock.Unlock()
	helper.setDeadline()
	if helper.timeout <= 0 {
		return time.Duration(1<<63 - 1)
	}
	remaining := helper.deadline.Sub(helper.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the deadline has passed.
func (helper *TimeoutHelper) Expired() bool {
	return helper != nil && helper.timeout > 0 && helper.RemainingTime() == 0
}

// runWithTimeout races fn, which cannot observe cancellation itself, against ctx and a
// timer. The first to finish wins; a losing fn keeps running in the background and its
// result is dropped.
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return WrapError(CanceledError, err, "operation canceled before start")
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return WrapError(CanceledError, ctx.Err())
	case <-expired:
		return NewError(TimedOutError, "operation did not complete within "+timeout.String())
	}
}
