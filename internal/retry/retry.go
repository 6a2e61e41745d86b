// Package retry provides exponential backoff with an optional circuit
// breaker, used by the checkpoint store backends to ride out transient
// failures talking to Redis or SQLite without the caller having to
// hand-roll a loop.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy decides whether and how long to wait before a retry.
type Policy interface {
	ShouldRetry(attempt int, err error) bool
	GetDelay(attempt int) time.Duration
	GetMaxAttempts() int
}

// Classifier reports whether err is worth retrying. The zero value
// (nil) retries every error, which is the right default for checkpoint
// store backends: a failed Save/Load is assumed transient until proven
// otherwise by exhausting MaxAttempts.
type Classifier func(err error) bool

// Config holds retry configuration.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	Retryable      Classifier
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns a sensible default for a backend call over a
// local network (Redis, SQLite on a mounted volume): three attempts,
// starting at 100ms and backing off geometrically to a 30s ceiling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// ExponentialBackoffPolicy is the default Policy: delay doubles (or by
// Multiplier) each attempt, capped at MaxDelay, with optional jitter to
// avoid synchronized retries across many clients.
type ExponentialBackoffPolicy struct {
	config Config
	rng    *rand.Rand
	mu     sync.Mutex
}

// NewExponentialBackoffPolicy builds a policy from config.
func NewExponentialBackoffPolicy(config Config) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldRetry reports whether attempt (1-based) should be retried given
// err. It defers to config.Retryable when set; otherwise every error is
// retryable up to MaxAttempts.
func (p *ExponentialBackoffPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.config.MaxAttempts {
		return false
	}
	if p.config.Retryable == nil {
		return true
	}
	return p.config.Retryable(err)
}

// GetDelay returns the delay before the given attempt (1-based).
func (p *ExponentialBackoffPolicy) GetDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.config.BaseDelay
	}

	delay := float64(p.config.BaseDelay) * math.Pow(p.config.Multiplier, float64(attempt-1))

	if p.config.Jitter {
		p.mu.Lock()
		delay += p.rng.Float64() * 0.1 * delay
		p.mu.Unlock()
	}

	if maxDelay := float64(p.config.MaxDelay); delay > maxDelay {
		delay = maxDelay
	}
	return time.Duration(delay)
}

// GetMaxAttempts returns the configured attempt ceiling.
func (p *ExponentialBackoffPolicy) GetMaxAttempts() int { return p.config.MaxAttempts }

// CircuitState is one of Closed, Open, or HalfOpen.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker trips to Open after FailureThreshold consecutive
// failures and refuses calls until ResetTimeout has elapsed, at which
// point it goes HalfOpen and allows one probing call through.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	failures     int
	lastFailTime time.Time
	state        CircuitState
	mu           sync.RWMutex
}

// NewCircuitBreaker builds a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// ErrCircuitOpen is returned by Execute while the breaker is tripped.
var ErrCircuitOpen = fmt.Errorf("retry: circuit breaker is open")

// Execute runs fn if the circuit allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = CircuitClosed
		cb.failures = 0
		return
	}
	cb.failures++
	cb.lastFailTime = time.Now()
	if cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Metrics tracks cumulative retry outcomes for a Retrier.
type Metrics struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	CircuitBreaks   int64
	AverageAttempts float64
}

// Retrier wraps a Policy and optional CircuitBreaker around arbitrary
// calls.
type Retrier struct {
	policy         Policy
	circuitBreaker *CircuitBreaker
	metrics        Metrics
	mu             sync.Mutex
}

// New builds a Retrier from config, defaulting to DefaultConfig() when
// none is given.
func New(config ...Config) *Retrier {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	r := &Retrier{policy: NewExponentialBackoffPolicy(cfg)}
	if cfg.CircuitBreaker != nil {
		r.circuitBreaker = NewCircuitBreaker(*cfg.CircuitBreaker)
	}
	return r
}

// Execute retries fn until it succeeds, the policy gives up, or ctx is
// canceled.
func (r *Retrier) Execute(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	r.metrics.TotalCalls++
	r.mu.Unlock()

	var lastErr error
	maxAttempts := r.policy.GetMaxAttempts()
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if r.circuitBreaker != nil {
			cbErr := r.circuitBreaker.Execute(ctx, func() error {
				lastErr = fn()
				return lastErr
			})
			if cbErr == ErrCircuitOpen {
				r.record(false, attempt)
				r.mu.Lock()
				r.metrics.CircuitBreaks++
				r.mu.Unlock()
				return cbErr
			}
		} else {
			lastErr = fn()
		}

		if lastErr == nil {
			r.record(true, attempt)
			return nil
		}

		if !r.policy.ShouldRetry(attempt, lastErr) || attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			r.record(false, attempt)
			return ctx.Err()
		case <-time.After(r.policy.GetDelay(attempt)):
		}
	}

	r.record(false, attempts)
	return fmt.Errorf("retry: operation failed after %d attempts: %w", attempts, lastErr)
}

func (r *Retrier) record(success bool, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.metrics.SuccessfulCalls++
	} else {
		r.metrics.FailedCalls++
	}
	total := r.metrics.SuccessfulCalls + r.metrics.FailedCalls
	if total > 0 {
		r.metrics.AverageAttempts = (r.metrics.AverageAttempts*float64(total-1) + float64(attempts)) / float64(total)
	}
}

// GetMetrics returns a snapshot of the retrier's cumulative metrics.
func (r *Retrier) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}
