package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// CircuitState is the state of a circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string        `yaml:"name" json:"name"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"` // half-open successes before closing
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`                     // open duration before half-open
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	OnStateChange func(from, to CircuitState) `yaml:"-" json:"-"`
}

// DefaultCircuitBreakerConfig returns defaults for the command link
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker fails fast while a downstream is known to be down
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailure     time.Time
	lastStateChange time.Time
	now             func() time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.halfOpenCalls = 1
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// a cancelled caller says nothing about the downstream
	if errors.Is(err, context.Canceled) {
		if cb.state == CircuitHalfOpen && cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		return
	}

	if err != nil {
		cb.failureCount++
		cb.lastFailure = cb.now()
		switch cb.state {
		case CircuitClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.transitionTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		cb.halfOpenCalls--
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.now()

	switch next {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.successCount = 0
	case CircuitHalfOpen:
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}

	if cb.config.OnStateChange != nil && prev != next {
		cb.config.OnStateChange(prev, next)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

// CircuitBreakerStats is a snapshot of breaker counters
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailure     time.Time    `json:"last_failure"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}
