// Package resilience guards live provider connects with circuit breakers and
// fails over between configured providers.
//
// [Breaker] is a three-state breaker (closed, open, half-open). [Group]
// holds an ordered list of values, each behind its own breaker, and [Do]
// tries them in order until one succeeds. [Failover] applies both to
// [live.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A failed
	// probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the state's lower-case name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// BreakerConfig tunes a [Breaker]. Zero fields take the package defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// At most this many probes are in flight at once.
	HalfOpenMax int
}

// Breaker is a circuit breaker. Calls that fail because their context was
// cancelled are not counted against the guarded dependency.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute calls fn unless the breaker rejects it, and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.succeedLocked(probe)
	case errors.Is(ctx.Err(), context.Canceled):
		// The caller gave up; nothing is known about the dependency.
	default:
		b.failLocked(probe)
	}
	return err
}

// admit decides whether a call may proceed. probe reports a half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) succeedLocked(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.HalfOpenMax {
		b.state = StateClosed
		b.failures = 0
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
}

func (b *Breaker) failLocked(probe bool) {
	if probe {
		if b.state == StateHalfOpen {
			b.trip()
			slog.Warn("circuit breaker re-opened", "name", b.cfg.Name)
		}
		return
	}
	if b.state != StateClosed {
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip()
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
