package engine

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Scheduler runs f after d. The returned function cancels the call and
// reports whether it was still pending. Tests substitute a manual one.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// RetryPolicy controls reconnect delays: Base × Growth^n for the n-th
// consecutive attempt, with n capped at MaxExponent.
type RetryPolicy struct {
	Base        time.Duration
	Growth      float64
	MaxExponent int
}

// DefaultRetryPolicy returns the reconnect policy used when none is set.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 100 * time.Millisecond, Growth: 1.5, MaxExponent: 10}
}

// MaxDelay returns the largest delay the policy produces.
func (p RetryPolicy) MaxDelay() time.Duration {
	d := float64(p.Base)
	for i := 0; i < p.MaxExponent; i++ {
		d *= p.Growth
	}
	return time.Duration(d)
}

// newBackOff returns an unrandomized exponential backoff for the policy.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Growth
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay()
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
