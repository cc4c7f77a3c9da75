package guard

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitBreaker stops calling a failing dependency for resetTimeout after
// failureThreshold consecutive failures, then lets a single trial call through.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	trialRunning bool

	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

type BreakerOption func(*CircuitBreaker)

func WithClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		state:        StateClosed,
		threshold:    max(1, failureThreshold),
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the breaker rejects it with ErrCircuitOpen.
func (b *CircuitBreaker) Execute(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err == nil)
	return err
}

// admit reports whether the admitted call is the half-open trial.
func (b *CircuitBreaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trialRunning = true
		return true, nil
	case StateHalfOpen:
		if b.trialRunning {
			return false, ErrCircuitOpen
		}
		b.trialRunning = true
		return true, nil
	}
	return false, nil
}

// record only lets the trial call resolve half_open. Calls admitted while
// closed that finish after the breaker opened are ignored.
func (b *CircuitBreaker) record(trial, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.state == StateHalfOpen {
		b.trialRunning = false
		if success {
			b.state = StateClosed
			b.failures = 0
		} else {
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return
	}
	if b.state != StateClosed {
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialRunning = false
	b.openedAt = time.Time{}
}
