package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"autoloc/pkg/metrics"

	"go.uber.org/zap"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker opens after maxFailures failures inside window and lets a
// single probe through once timeout has elapsed.
type CircuitBreaker struct {
	name        string
	maxFailures int
	window      time.Duration
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
	state    State
	probing  bool
}

type Option func(*CircuitBreaker)

func WithLogger(log *zap.Logger) Option {
	return func(cb *CircuitBreaker) { cb.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

func New(name string, maxFailures int, timeout, window time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		window:      window,
		timeout:     timeout,
		log:         zap.NewNop(),
		now:         time.Now,
		state:       StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open, in which case fallback runs
// instead. Without a fallback an open breaker returns ErrOpen.
func (cb *CircuitBreaker) Execute(fn func() error, fallback func() error) error {
	if !cb.allow() {
		if fallback != nil {
			return fallback()
		}
		return ErrOpen
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if err == nil {
		if cb.state == StateHalfOpen {
			cb.probing = false
			cb.failures = cb.failures[:0]
			cb.setState(StateClosed)
		}
		cb.cleanOldFailures(now)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.cleanOldFailures(now)
	if cb.state == StateHalfOpen || len(cb.failures) >= cb.maxFailures {
		cb.probing = false
		cb.openedAt = now
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.log.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
	)
	cb.state = s
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(s))
}

func (cb *CircuitBreaker) cleanOldFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
