// Package cloudbreaker implements the cloud-escalation circuit breaker
// (§4.3). Unlike a per-function error-rate breaker, this is a single
// process-global gate tripped by consecutive failures or one failure of a
// kind severe enough to act alone (rate-limit or safety-block).
//
// # State machine
//
//	Closed ──(3 consecutive failures, or 1 rate-limit/safety failure)──► Open
//	  ▲                                                                    │
//	  └────────────(half-open probe succeeds)──── HalfOpen ◄──(cooldown elapses)
//	                (half-open probe fails) ─────────────────────────────► Open
//
// # Concurrency
//
// All public methods are safe for concurrent use; they acquire the
// internal mutex for every call, the same shape as the teacher's per-
// function breaker.
package cloudbreaker

import (
	"sync"
	"time"
)

// State is one of the three circuit-breaker states from §3.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// FailureKind distinguishes the failure classes §4.3 treats specially.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureRateLimit
	FailureSafetyBlock
)

// Config holds the trip threshold and cooldown from §4.3.
type Config struct {
	ConsecutiveThreshold int           // default: 3
	OpenCooldown         time.Duration // default: 3600s
}

// Breaker is the process-global cloud circuit breaker (§9: a long-lived
// singleton constructed once at startup).
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool // gates HALF_OPEN to a single trial call
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.ConsecutiveThreshold <= 0 {
		cfg.ConsecutiveThreshold = 3
	}
	if cfg.OpenCooldown <= 0 {
		cfg.OpenCooldown = 3600 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether an outbound call may proceed, transitioning
// OPEN→HALF_OPEN once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenCooldown {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		// Exactly one trial call is permitted per §4.3; the first
		// Allow after entering HALF_OPEN claims the probe slot, every
		// concurrent caller after it is refused until the trial's
		// outcome is recorded and moves the state again.
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker and resets the failure counter. A
// successful fallback call counts as success for breaker purposes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probeInFlight = false
}

// RecordFailure trips the breaker to OPEN when the consecutive-failure
// threshold is reached, or immediately for a rate-limit/safety-block
// failure. Any failure while HALF_OPEN reopens the breaker and restarts
// the consecutive-failure counter.
func (b *Breaker) RecordFailure(kind FailureKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveFailures = 1
		b.probeInFlight = false
		return
	}

	b.consecutiveFailures++
	if kind == FailureRateLimit || kind == FailureSafetyBlock || b.consecutiveFailures >= b.cfg.ConsecutiveThreshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State returns the current state, applying the lazy OPEN→HALF_OPEN
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenCooldown {
		b.state = StateHalfOpen
	}
	return b.state
}
