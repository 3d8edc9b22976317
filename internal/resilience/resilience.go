// Package resilience provides the timeout, retry, and circuit-breaker
// primitives that every outbound runtime-driver call is wrapped in.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
)

// Policy configures the retry/circuit-breaker wrapper for one logical
// upstream (one runtime driver's control socket, typically).
type Policy struct {
	// Timeout bounds a single call attempt. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// Multiplier scales the backoff after each retry.
	Multiplier float64
	// MaxBackoff caps the computed backoff delay.
	MaxBackoff time.Duration

	// BreakerName identifies this policy's circuit breaker in metrics/logs.
	BreakerName string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing half-open.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive successes needed to close.
	HalfOpenSuccesses uint32
}

// DefaultPolicy is the default timeout/retry/breaker tuning for an upstream
// control socket: 30s timeout, 3 attempts starting at 100ms backoff doubling
// to a 5s cap, breaker opening after 5 failures with a 30s cooldown and 2
// successes to close.
func DefaultPolicy(name string) Policy {
	return Policy{
		Timeout:           30 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		Multiplier:        2,
		MaxBackoff:        5 * time.Second,
		BreakerName:       name,
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Executor wraps calls to one upstream with timeout, retry, and a circuit
// breaker. Retries apply only to connection errors and 5xx responses, never
// to exec/file operations (callers of Executor for those operations should
// bypass it and call the transport directly).
type Executor struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker[any]
}

// NewExecutor builds an Executor from policy.
func NewExecutor(policy Policy) *Executor {
	st := gobreaker.Settings{
		Name:        policy.BreakerName,
		MaxRequests: policy.HalfOpenSuccesses,
		Interval:    0,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.FailureThreshold
		},
	}
	return &Executor{
		policy:  policy,
		breaker: gobreaker.NewCircuitBreaker[any](st),
	}
}

// ErrCircuitOpen is returned when the breaker is open and a call is rejected
// without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Retryable reports whether err should trigger a retry attempt: connection
// errors, or an HTTP status in the 5xx range when err wraps one.
type Retryable interface {
	Retryable() bool
}

// StatusError lets a caller mark a non-2xx HTTP response as retryable only
// when the status is 5xx: connection errors and 5xx are retryable, 4xx is not.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// Anything else that isn't a typed status error is treated as a
	// connection-level failure and is retryable.
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

// Do runs fn through the breaker, retrying per-policy on retryable errors
// and bounding each attempt with policy.Timeout.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	operation := func() (any, error) {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.policy.Timeout)
			defer cancel()
		}

		_, err := e.breaker.Execute(func() (any, error) {
			return nil, fn(attemptCtx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(ErrCircuitOpen)
		}
		if err != nil && !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackoff(e.policy)),
		backoff.WithMaxTries(uint(e.policy.MaxAttempts)),
	)
	return err
}

// newBackoff builds an exponential backoff.BackOff with full jitter: each
// delay is drawn uniformly from [0, d], where d starts at p.InitialBackoff
// and grows by p.Multiplier up to p.MaxBackoff.
func newBackoff(p Policy) backoff.BackOff {
	return &jitteredExponential{
		current:    p.InitialBackoff,
		multiplier: p.Multiplier,
		max:        p.MaxBackoff,
	}
}

type jitteredExponential struct {
	current    time.Duration
	multiplier float64
	max        time.Duration
}

func (b *jitteredExponential) NextBackOff() time.Duration {
	d := b.current
	// Full jitter: pick uniformly in [0, d].
	jittered := time.Duration(rand.Int64N(int64(d) + 1))

	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return jittered
}

func (b *jitteredExponential) Reset() {}

// IsCircuitOpen reports whether err is (or wraps) the circuit-open sentinel.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// StatusErrorFromResponse builds a *StatusError for a non-2xx response.
func StatusErrorFromResponse(resp *http.Response, body string) *StatusError {
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}
