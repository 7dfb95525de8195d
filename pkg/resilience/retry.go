// Package resilience wraps outbound calls with retry and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	Jitter       float64       `yaml:"jitter" json:"jitter"` // 0-1, fraction of delay to randomize

	// ShouldRetry decides whether err is transient. Nil retries everything
	// except Permanent errors.
	ShouldRetry func(error) bool `yaml:"-" json:"-"`
}

// DefaultRetryConfig suits command publishing: a few quick attempts, since
// a late avoidance command is worth little.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retryer implements retry logic with exponential backoff
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config RetryConfig) *Retryer {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}
	return &Retryer{config: config}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts   int
	LastError  error
	TotalDelay time.Duration
	Success    bool
}

// Err returns nil on success, otherwise the last error wrapped with
// ErrMaxRetriesExceeded when attempts ran out.
func (r RetryResult) Err() error {
	if r.Success {
		return nil
	}
	if r.LastError == nil || errors.Is(r.LastError, ErrContextCanceled) {
		return r.LastError
	}
	return errors.Join(ErrMaxRetriesExceeded, r.LastError)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Execute runs fn until it succeeds, returns a non-retryable error, attempts
// run out or ctx is done.
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) RetryResult {
	return r.ExecuteWithCallback(ctx, fn, nil)
}

// ExecuteWithCallback is Execute with a hook called before each backoff
func (r *Retryer) ExecuteWithCallback(
	ctx context.Context,
	fn func(context.Context) error,
	onRetry func(attempt int, err error, delay time.Duration),
) RetryResult {
	result := RetryResult{}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.LastError = ErrContextCanceled
			return result
		}

		err := fn(ctx)
		if err == nil {
			result.Success = true
			return result
		}
		result.LastError = err

		if !r.shouldRetry(err) || attempt == r.config.MaxAttempts {
			return result
		}

		delay := r.calculateDelay(attempt)
		result.TotalDelay += delay
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ErrContextCanceled
			return result
		case <-timer.C:
		}
	}
	return result
}

func (r *Retryer) shouldRetry(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(err)
	}
	return true
}

// calculateDelay is initialDelay * multiplier^(attempt-1) with jitter, capped
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if r.config.Jitter > 0 {
		jitterRange := delay * r.config.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}
