package autonomy

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of the mutation circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// GuardStatus reports the guard's current state.
type GuardStatus struct {
	RateLimitRemaining  int          `json:"rate_limit_remaining"`
	MaxMutationsPerHour int          `json:"max_mutations_per_hour"`
	CircuitState        CircuitState `json:"circuit_state"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
}

// Guard rate-limits applied mutations and trips a circuit breaker when a
// mutation causes a severe fitness drop, blocking further autonomous
// applies until the cooldown elapses.
type Guard struct {
	mu         sync.Mutex
	timestamps []time.Time
	maxPerHour int

	state     CircuitState
	openedAt  time.Time
	threshold float64 // fractional fitness drop that trips, e.g. 0.30
	cooldown  time.Duration

	now func() time.Time
}

// NewGuard creates a guard. maxPerHour <= 0 disables rate limiting.
func NewGuard(maxPerHour int, dropThreshold float64, cooldown time.Duration) *Guard {
	return &Guard{
		maxPerHour: maxPerHour,
		state:      CircuitClosed,
		threshold:  dropThreshold,
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// Allow reports whether an autonomous apply may proceed, consuming one
// rate-limit slot when it may.
func (g *Guard) Allow() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	switch g.state {
	case CircuitOpen:
		if now.Sub(g.openedAt) < g.cooldown {
			return false, fmt.Sprintf("circuit open since %s", g.openedAt.Format(time.RFC3339))
		}
		g.state = CircuitHalfOpen
	case CircuitHalfOpen, CircuitClosed:
	}

	if g.maxPerHour > 0 {
		cutoff := now.Add(-1 * time.Hour)
		valid := g.timestamps[:0]
		for _, t := range g.timestamps {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		g.timestamps = valid

		if len(g.timestamps) >= g.maxPerHour {
			return false, "mutation rate limit exceeded"
		}
		g.timestamps = append(g.timestamps, now)
	}

	if g.state == CircuitHalfOpen {
		return true, "circuit half-open, test mutation"
	}
	return true, "circuit closed"
}

// RecordResult feeds fitness before/after an apply into the breaker.
// Returns true when the breaker trips.
func (g *Guard) RecordResult(oldFitness, newFitness float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if oldFitness <= 0 {
		return false
	}

	drop := (oldFitness - newFitness) / oldFitness
	if drop > g.threshold {
		g.state = CircuitOpen
		g.openedAt = g.now()
		return true
	}

	if g.state == CircuitHalfOpen {
		if newFitness >= oldFitness {
			g.state = CircuitClosed
		} else {
			g.state = CircuitOpen
			g.openedAt = g.now()
			return true
		}
	}
	return false
}

// State returns the circuit state, applying the cooldown transition.
func (g *Guard) State() CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == CircuitOpen && g.now().Sub(g.openedAt) >= g.cooldown {
		g.state = CircuitHalfOpen
	}
	return g.state
}

// Reset forces the circuit closed and clears the rate-limit window.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = CircuitClosed
	g.timestamps = nil
}

// Status snapshots the guard for the status surface.
func (g *Guard) Status() GuardStatus {
	state := g.State()

	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.maxPerHour
	if g.maxPerHour > 0 {
		cutoff := g.now().Add(-1 * time.Hour)
		count := 0
		for _, t := range g.timestamps {
			if t.After(cutoff) {
				count++
			}
		}
		remaining = g.maxPerHour - count
		if remaining < 0 {
			remaining = 0
		}
	}

	st := GuardStatus{
		RateLimitRemaining:  remaining,
		MaxMutationsPerHour: g.maxPerHour,
		CircuitState:        state,
	}
	if !g.openedAt.IsZero() && state != CircuitClosed {
		opened := g.openedAt
		st.OpenedAt = &opened
	}
	return st
}
