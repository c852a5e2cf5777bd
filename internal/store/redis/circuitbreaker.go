package redis

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig tunes the breaker guarding Redis writes.
type BreakerConfig struct {
	Name         string
	MaxFailures  uint32        // consecutive failures before opening
	ResetTimeout time.Duration // open duration before a half-open probe

	// OnStateChange is called on every transition (optional).
	OnStateChange func(from, to gobreaker.State)
}

// CircuitBreaker guards Redis writes. After MaxFailures consecutive
// failures it rejects calls for ResetTimeout, then lets one probe through.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker

	hooks []func(from, to gobreaker.State)
}

// NewCircuitBreaker creates a breaker. Zero values default to 5 failures
// and a 10s reset timeout.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "redis"
	}
	b := &CircuitBreaker{}
	if cfg.OnStateChange != nil {
		b.hooks = append(b.hooks, cfg.OnStateChange)
	}
	limit := cfg.MaxFailures
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= limit
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			for _, h := range b.hooks {
				h(from, to)
			}
		},
	})
	return b
}

// Execute runs fn through the breaker.
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() gobreaker.State { return b.cb.State() }

// onStateChange registers an extra transition hook. Must be called before
// the breaker is shared.
func (b *CircuitBreaker) onStateChange(fn func(from, to gobreaker.State)) {
	b.hooks = append(b.hooks, fn)
}

// StateValue maps a state to the gauge value exported by metrics
// (0=closed, 1=open, 2=half-open).
func StateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}
