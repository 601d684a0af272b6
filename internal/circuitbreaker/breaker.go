// Package circuitbreaker guards outbound calls from the beacon to the
// inference service so a dead model endpoint cannot slow every cycle down.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // failures tripped the breaker, requests rejected
	StateHalfOpen              // probing whether the dependency recovered
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

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes a breaker.
type Config struct {
	Name string
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes successful probes close the breaker again.
	HalfOpenProbes int
}

// DefaultInferenceConfig suits the LLM client: trip fast, probe slowly.
func DefaultInferenceConfig() Config {
	return Config{
		Name:             "inference",
		FailureThreshold: 3,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	probeHits int
	openedAt  time.Time
}

// New builds a breaker, filling zero config fields with defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed, transitioning open → half-open
// after the timeout.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.OpenTimeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case StateHalfOpen:
			b.probeHits++
			if b.probeHits >= b.cfg.HalfOpenProbes {
				b.setState(StateClosed)
			}
		default:
			b.failures = 0
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Info("circuit breaker state change", "name", b.cfg.Name, "from", b.state.String(), "to", s.String())
	b.state = s
	b.failures = 0
	b.probeHits = 0
	if s == StateOpen {
		b.openedAt = time.Now()
	}
}
