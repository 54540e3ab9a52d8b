package exec

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/venue"
)

// BreakerState is the per-account circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the failure tracker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSec      int `yaml:"cooldown_sec"`
	WindowSec        int `yaml:"window_sec"`
}

// Defaults fills zero-valued fields.
func (c *BreakerConfig) Defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.CooldownSec == 0 {
		c.CooldownSec = 60
	}
	if c.WindowSec == 0 {
		c.WindowSec = 120
	}
}

type breakerEntry struct {
	state       BreakerState
	failures    int
	firstFailAt time.Time
	lastFailAt  time.Time
	lastOKAt    time.Time
	openedAt    time.Time
	probeTaken  bool
}

// Breaker tracks consecutive execution failures per account and stops
// sending orders to a misbehaving venue/account pairing. Without it, many
// concurrent callers would hammer a degraded connection at full rate with
// no cross-attempt memory.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	accounts map[string]*breakerEntry
	now      func() time.Time
}

// NewBreaker creates the per-account breaker registry.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.Defaults()
	return &Breaker{cfg: cfg, accounts: make(map[string]*breakerEntry), now: time.Now}
}

// Allow reports whether an attempt may reach the network. While OPEN it
// rejects locally; once the cooldown elapses it grants exactly one
// HALF_OPEN probe and rejects everything else until the probe resolves.
func (b *Breaker) Allow(account string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(account)
	now := b.now()

	switch e.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		cooldown := time.Duration(b.cfg.CooldownSec) * time.Second
		remaining := e.openedAt.Add(cooldown).Sub(now)
		if remaining > 0 {
			return openError(remaining)
		}
		b.transition(account, e, BreakerHalfOpen)
		e.probeTaken = true
		return nil
	case BreakerHalfOpen:
		if e.probeTaken {
			return openError(time.Duration(b.cfg.CooldownSec) * time.Second)
		}
		e.probeTaken = true
		return nil
	}
	return nil
}

// RecordSuccess resets the consecutive-failure count; a HALF_OPEN probe
// success closes the circuit.
func (b *Breaker) RecordSuccess(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(account)
	now := b.now()
	e.failures = 0
	e.lastOKAt = now
	if e.state == BreakerHalfOpen {
		b.transition(account, e, BreakerClosed)
	}
}

// ReleaseProbe hands back an unresolved HALF_OPEN probe so the next
// caller may take it. Outcomes that say nothing about venue health
// (throttle, local slippage rejection, caller cancellation) neither close
// nor reopen the circuit; without the hand-back the single probe would
// stay consumed and the account would wedge shut.
func (b *Breaker) ReleaseProbe(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(account)
	if e.state == BreakerHalfOpen {
		e.probeTaken = false
	}
}

// RecordFailure counts a failure within the rolling window; reaching the
// threshold opens the circuit, and a failed HALF_OPEN probe reopens it with
// a fresh cooldown.
func (b *Breaker) RecordFailure(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(account)
	now := b.now()

	switch e.state {
	case BreakerHalfOpen:
		e.probeTaken = false
		e.openedAt = now
		e.lastFailAt = now
		b.transition(account, e, BreakerOpen)
	case BreakerClosed:
		window := time.Duration(b.cfg.WindowSec) * time.Second
		if e.failures > 0 && now.Sub(e.firstFailAt) > window {
			e.failures = 0
		}
		if e.failures == 0 {
			e.firstFailAt = now
		}
		e.failures++
		e.lastFailAt = now
		if e.failures >= b.cfg.FailureThreshold {
			e.openedAt = now
			e.probeTaken = false
			b.transition(account, e, BreakerOpen)
		}
	}
}

// State returns the account's current circuit state.
func (b *Breaker) State(account string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(account).state
}

func (b *Breaker) entry(account string) *breakerEntry {
	e, ok := b.accounts[account]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.accounts[account] = e
	}
	return e
}

func (b *Breaker) transition(account string, e *breakerEntry, to BreakerState) {
	from := e.state
	e.state = to
	observ.Error("circuit_breaker_transition", map[string]any{
		"account": account, "from": from.String(), "to": to.String(),
		"failures": e.failures,
	})
	observ.IncCounter("circuit_breaker_transitions_total", map[string]string{
		"from": from.String(), "to": to.String(),
	})
	observ.SetGauge("circuit_breaker_state", float64(to), map[string]string{"account": account})
}

func openError(remaining time.Duration) *venue.Error {
	return &venue.Error{
		Code:       venue.CodeBreakerOpen,
		Message:    fmt.Sprintf("execution suspended, retry in %s", remaining),
		Retryable:  true,
		RetryAfter: remaining,
	}
}
