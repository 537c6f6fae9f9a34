package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxRetries        = 3
	DefaultBackoffMultiplier = 2.0
)

// DefaultDelays is the positional delay schedule used when a policy has none.
var DefaultDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

const maxDelay = time.Duration(math.MaxInt64)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxRetries counts retries, not attempts: an operation runs at most
	// MaxRetries+1 times.
	MaxRetries int
	// Delays are used positionally for the first len(Delays) retries.
	Delays []time.Duration
	// BackoffMultiplier scales the last delay for retries past len(Delays).
	BackoffMultiplier float64
}

// DefaultPolicy returns 3 retries with 1s, 2s and 4s delays and a multiplier of 2.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        DefaultMaxRetries,
		Delays:            append([]time.Duration(nil), DefaultDelays...),
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// PolicyFromMillis builds a policy from the millisecond values used by the
// configuration surface.
func PolicyFromMillis(maxRetries int, delaysMs []int, multiplier float64) Policy {
	delays := make([]time.Duration, 0, len(delaysMs))
	for _, ms := range delaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return Policy{MaxRetries: maxRetries, Delays: delays, BackoffMultiplier: multiplier}.Normalize()
}

// Normalize fills unset fields with defaults. A negative MaxRetries becomes 0.
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if len(p.Delays) == 0 {
		p.Delays = append([]time.Duration(nil), DefaultDelays...)
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return p
}

// CalculateDelay returns the wait before retry number attemptIndex (0-based).
// Indices inside Delays return the configured value verbatim; later indices
// return Delays[last] * BackoffMultiplier^(attemptIndex-len(Delays)+1).
func (p Policy) CalculateDelay(attemptIndex int) time.Duration {
	p = p.Normalize()
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	if attemptIndex < len(p.Delays) {
		return p.Delays[attemptIndex]
	}
	last := p.Delays[len(p.Delays)-1]
	exponent := float64(attemptIndex - len(p.Delays) + 1)
	scaled := float64(last) * math.Pow(p.BackoffMultiplier, exponent)
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) || scaled >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(scaled)
}

// NewBackOff exposes the policy as a backoff.BackOff. It yields MaxRetries
// delays and then backoff.Stop.
func (p Policy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p.Normalize()}
}

type policyBackOff struct {
	policy Policy
	next   int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.next >= b.policy.MaxRetries {
		return backoff.Stop
	}
	d := b.policy.CalculateDelay(b.next)
	b.next++
	return d
}

func (b *policyBackOff) Reset() {
	b.next = 0
}
