package models

import (
	"math"
	"math/rand"
	"time"
)

// RetryStrategy selects the delay progression between attempts.
type RetryStrategy string

const (
	RetryConstant    RetryStrategy = "constant"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryFibonacci   RetryStrategy = "fibonacci"
)

// RetryPolicy is the retry value object. Delays are computed from the attempt
// number, capped at MaxDelay, with optional ±20% jitter applied after capping.
type RetryPolicy struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelay      time.Duration `yaml:"max_delay_ms" json:"max_delay_ms"`
	Strategy      RetryStrategy `yaml:"strategy" json:"strategy"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy returns the engine default: 3 attempts, exponential
// 1s..10s with factor 2 and jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		Strategy:      RetryExponential,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Delay returns the pause before retry number attempt. The first retry is
// attempt 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}

	base := float64(p.InitialDelay)
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	var d float64
	switch p.Strategy {
	case RetryConstant:
		d = base
	case RetryLinear:
		d = base * float64(attempt)
	case RetryFibonacci:
		d = base * float64(fib(attempt))
	case RetryExponential:
		d = base * math.Pow(factor, float64(attempt-1))
	default:
		d = base * math.Pow(factor, float64(attempt-1))
	}

	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}

	// Jitter is applied after capping: uniform in [0.8, 1.2].
	if p.Jitter {
		d *= 0.8 + 0.4*rand.Float64()
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// fib returns the n-th Fibonacci number with fib(1) = fib(2) = 1.
func fib(n int) int {
	if n <= 2 {
		return 1
	}
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
