package iothub

import (
	"math"
	"math/rand/v2"
	"time"
)

const jitterFraction = 0.2

// RetryPolicy decides whether a failed operation is attempted again and after what delay.
// currentRetryCount starts at 1 for the first retry.
type RetryPolicy interface {
	ShouldRetry(currentRetryCount int, lastError error) (bool, time.Duration)
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(currentRetryCount int, lastError error) (bool, time.Duration)

// ShouldRetry calls policy.
func (policy RetryPolicyFunc) ShouldRetry(currentRetryCount int, lastError error) (bool, time.Duration) {
	if policy == nil {
		return false, 0
	}
	return policy(currentRetryCount, lastError)
}

// NoRetryPolicy never retries.
type NoRetryPolicy struct{}

// NewNoRetryPolicy returns a new NoRetryPolicy.
func NewNoRetryPolicy() *NoRetryPolicy {
	return &NoRetryPolicy{}
}

// ShouldRetry always returns false with a zero delay.
func (policy *NoRetryPolicy) ShouldRetry(currentRetryCount int, lastError error) (bool, time.Duration) {
	return false, 0
}

// FixedDelayRetryPolicy retries with a constant delay.
type FixedDelayRetryPolicy struct {
	MaxRetries uint
	Delay      time.Duration
	UseJitter  bool
}

// NewFixedDelayRetryPolicy returns a new FixedDelayRetryPolicy. maxRetries of 0 retries forever.
func NewFixedDelayRetryPolicy(maxRetries uint, delay time.Duration, useJitter bool) *FixedDelayRetryPolicy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayRetryPolicy{MaxRetries: maxRetries, Delay: delay, UseJitter: useJitter}
}

// ShouldRetry returns the fixed delay until MaxRetries is reached.
func (policy *FixedDelayRetryPolicy) ShouldRetry(currentRetryCount int, lastError error) (bool, time.Duration) {
	if policy == nil || exceeded(policy.MaxRetries, currentRetryCount) {
		return false, 0
	}
	return true, applyJitter(policy.Delay, policy.UseJitter)
}

// IncrementalDelayRetryPolicy grows the delay linearly with each attempt.
type IncrementalDelayRetryPolicy struct {
	MaxRetries     uint
	DelayIncrement time.Duration
	MaxDelay       time.Duration
	UseJitter      bool
}

// NewIncrementalDelayRetryPolicy returns a new IncrementalDelayRetryPolicy.
func NewIncrementalDelayRetryPolicy(maxRetries uint, delayIncrement time.Duration, maxDelay time.Duration, useJitter bool) *IncrementalDelayRetryPolicy {
	if delayIncrement < 0 {
		delayIncrement = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &IncrementalDelayRetryPolicy{
		MaxRetries:     maxRetries,
		DelayIncrement: delayIncrement,
		MaxDelay:       maxDelay,
		UseJitter:      useJitter,
	}
}

// ShouldRetry returns DelayIncrement*attempt capped at MaxDelay.
func (policy *IncrementalDelayRetryPolicy) ShouldRetry(currentRetryCount int, lastError error) (bool, time.Duration) {
	if policy == nil || exceeded(policy.MaxRetries, currentRetryCount) {
		return false, 0
	}
	attempt := math.Max(float64(currentRetryCount), 1)
	delayFloat := math.Min(float64(policy.DelayIncrement)*attempt, float64(policy.MaxDelay))
	return true, applyJitter(time.Duration(delayFloat), policy.UseJitter)
}

// ExponentialBackoffRetryPolicy stores exponential backoff parameters.
type ExponentialBackoffRetryPolicy struct {
	MaxRetries   uint
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DeltaBackoff time.Duration
	UseJitter    bool
}

// NewExponentialBackoffRetryPolicy returns a new ExponentialBackoffRetryPolicy.
func NewExponentialBackoffRetryPolicy(maxRetries uint, minBackoff time.Duration, maxBackoff time.Duration, deltaBackoff time.Duration, useJitter bool) *ExponentialBackoffRetryPolicy {
	if minBackoff < 0 {
		minBackoff = 0
	}
	if deltaBackoff <= 0 {
		deltaBackoff = 100 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &ExponentialBackoffRetryPolicy{
		MaxRetries:   maxRetries,
		MinBackoff:   minBackoff,
		MaxBackoff:   maxBackoff,
		DeltaBackoff: deltaBackoff,
		UseJitter:    useJitter,
	}
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return NewExponentialBackoffRetryPolicy(0, 100*time.Millisecond, 10*time.Second, 100*time.Millisecond, true)
}

// ShouldRetry returns min(MaxBackoff, MinBackoff + DeltaBackoff*(2^attempt-1)).
// The computation saturates at MaxBackoff instead of overflowing.
func (policy *ExponentialBackoffRetryPolicy) ShouldRetry(currentRetryCount int, lastError error) (bool, time.Duration) {
	if policy == nil || exceeded(policy.MaxRetries, currentRetryCount) {
		return false, 0
	}

	attempt := math.Max(float64(currentRetryCount), 1)
	delta := float64(policy.DeltaBackoff)
	if policy.UseJitter {
		delta = delta * (1 - jitterFraction + 2*jitterFraction*rand.Float64())
	}

	delayFloat := float64(policy.MinBackoff) + delta*(math.Pow(2, attempt)-1)
	if math.IsInf(delayFloat, 0) || math.IsNaN(delayFloat) || delayFloat > float64(policy.MaxBackoff) {
		delayFloat = float64(policy.MaxBackoff)
	}

	delay := time.Duration(delayFloat)
	if delay <= 0 {
		delay = policy.MaxBackoff
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return true, delay
}

func exceeded(maxRetries uint, currentRetryCount int) bool {
	return maxRetries > 0 && currentRetryCount > int(min(maxRetries, math.MaxInt32))
}

func applyJitter(delay time.Duration, useJitter bool) time.Duration {
	if !useJitter || delay <= 0 {
		return delay
	}
	factor := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(delay) * factor)
}
