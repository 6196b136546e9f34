package iothub

import (
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffNeverNonPositive(t *testing.T) {
	policies := []*ExponentialBackoffRetryPolicy{
		NewExponentialBackoffRetryPolicy(0, 100*time.Millisecond, 10*time.Second, 100*time.Millisecond, true),
		NewExponentialBackoffRetryPolicy(0, 0, 10*time.Second, 100*time.Millisecond, false),
		NewExponentialBackoffRetryPolicy(0, 0, time.Duration(1<<62), time.Second, true),
	}
	for index, policy := range policies {
		for attempt := 1; attempt <= 5000; attempt++ {
			retry, delay := policy.ShouldRetry(attempt, NewError(NetworkError))
			if !retry {
				t.Fatalf("policy %d: expected retry at attempt %d", index, attempt)
			}
			if delay <= 0 {
				t.Fatalf("policy %d: expected positive delay at attempt %d, got %v", index, attempt, delay)
			}
			if delay > policy.MaxBackoff {
				t.Fatalf("policy %d: delay %v exceeds max backoff %v at attempt %d", index, delay, policy.MaxBackoff, attempt)
			}
		}
	}
}

func TestExponentialBackoffGrowth(t *testing.T) {
	policy := NewExponentialBackoffRetryPolicy(0, 100*time.Millisecond, 10*time.Second, 100*time.Millisecond, false)

	expected := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for index, want := range expected {
		_, delay := policy.ShouldRetry(index+1, nil)
		if delay != want {
			t.Fatalf("attempt %d: expected %v, got %v", index+1, want, delay)
		}
	}
	if _, delay := policy.ShouldRetry(20, nil); delay != 10*time.Second {
		t.Fatalf("expected delay capped at 10s, got %v", delay)
	}
}

func TestExponentialBackoffMaxRetries(t *testing.T) {
	policy := NewExponentialBackoffRetryPolicy(3, 0, time.Second, 10*time.Millisecond, false)
	for attempt := 1; attempt <= 3; attempt++ {
		if retry, _ := policy.ShouldRetry(attempt, nil); !retry {
			t.Fatalf("expected retry at attempt %d", attempt)
		}
	}
	if retry, delay := policy.ShouldRetry(4, nil); retry || delay != 0 {
		t.Fatalf("expected no retry after max retries, got %v %v", retry, delay)
	}
}

func TestNoRetryPolicy(t *testing.T) {
	policy := NewNoRetryPolicy()
	inputs := []error{nil, errors.New("boom"), NewError(NetworkError), NewError(ThrottlingError)}
	for _, err := range inputs {
		for attempt := 0; attempt < 10; attempt++ {
			retry, delay := policy.ShouldRetry(attempt, err)
			if retry || delay != 0 {
				t.Fatalf("expected (false, 0) for attempt %d and %v, got (%v, %v)", attempt, err, retry, delay)
			}
		}
	}
}

func TestFixedDelayRetryPolicy(t *testing.T) {
	policy := NewFixedDelayRetryPolicy(2, 250*time.Millisecond, false)
	for attempt := 1; attempt <= 2; attempt++ {
		retry, delay := policy.ShouldRetry(attempt, nil)
		if !retry || delay != 250*time.Millisecond {
			t.Fatalf("attempt %d: expected (true, 250ms), got (%v, %v)", attempt, retry, delay)
		}
	}
	if retry, _ := policy.ShouldRetry(3, nil); retry {
		t.Fatalf("expected no retry after two attempts")
	}

	jittered := NewFixedDelayRetryPolicy(0, time.Second, true)
	for attempt := 1; attempt <= 100; attempt++ {
		_, delay := jittered.ShouldRetry(attempt, nil)
		if delay < 800*time.Millisecond || delay > 1200*time.Millisecond {
			t.Fatalf("expected jittered delay within 20%% of 1s, got %v", delay)
		}
	}
}

func TestIncrementalDelayRetryPolicy(t *testing.T) {
	policy := NewIncrementalDelayRetryPolicy(0, 100*time.Millisecond, 350*time.Millisecond, false)
	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 350 * time.Millisecond}
	for index, want := range expected {
		_, delay := policy.ShouldRetry(index+1, nil)
		if delay != want {
			t.Fatalf("attempt %d: expected %v, got %v", index+1, want, delay)
		}
	}
}

func TestRetryPolicyFunc(t *testing.T) {
	var policy RetryPolicyFunc = func(attempt int, err error) (bool, time.Duration) {
		return attempt < 2, time.Duration(attempt) * time.Millisecond
	}
	if retry, delay := policy.ShouldRetry(1, nil); !retry || delay != time.Millisecond {
		t.Fatalf("unexpected first decision (%v, %v)", retry, delay)
	}
	if retry, _ := policy.ShouldRetry(2, nil); retry {
		t.Fatalf("expected second decision to stop")
	}

	var empty RetryPolicyFunc
	if retry, delay := empty.ShouldRetry(1, nil); retry || delay != 0 {
		t.Fatalf("expected nil policy func to never retry")
	}
}
