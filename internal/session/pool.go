package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
)

// Pool owns at most one session per account, created lazily on first
// acquire. A periodic sweep closes idle sessions to bound memory.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	dialer   Dialer
	sessions map[string]*Session
	onCreate []func(*Session)
	closed   bool
}

// NewPool creates the session registry.
func NewPool(cfg Config, dialer Dialer) *Pool {
	cfg.Defaults()
	return &Pool{cfg: cfg, dialer: dialer, sessions: make(map[string]*Session)}
}

// OnCreate registers a hook run for every session the pool creates,
// including recreations after a teardown or an idle sweep, so stream
// consumers can attach to sessions the pool brings up behind their back.
// Register before the first Acquire.
func (p *Pool) OnCreate(fn func(*Session)) {
	p.mu.Lock()
	p.onCreate = append(p.onCreate, fn)
	p.mu.Unlock()
}

// Acquire establishes or returns a live, authorized session for the
// account, blocking until it is ready or ctx expires.
func (p *Pool) Acquire(ctx context.Context, account, token string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, context.Canceled
	}
	s, ok := p.sessions[account]
	if ok && s.State() == StateClosed {
		delete(p.sessions, account)
		ok = false
	}
	var created *Session
	if !ok {
		s = newSession(context.Background(), account, token, p.cfg, p.dialer)
		p.sessions[account] = s
		created = s
		observ.SetGauge("session_pool_size", float64(len(p.sessions)), nil)
	}
	hooks := append([]func(*Session){}, p.onCreate...)
	p.mu.Unlock()

	if created != nil {
		for _, fn := range hooks {
			fn(created)
		}
	}
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Request acquires the account's session and performs one correlated
// exchange.
func (p *Pool) Request(ctx context.Context, account, token string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	s, err := p.Acquire(ctx, account, token)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, payload, timeout)
}

// Sweep closes sessions idle past the configured timeout, skipping any with
// in-flight or queued work. Returns the number closed.
func (p *Pool) Sweep(now time.Time) int {
	idle := time.Duration(p.cfg.IdleTimeoutSec) * time.Second
	p.mu.Lock()
	var victims []*Session
	for account, s := range p.sessions {
		if s.State() == StateClosed {
			delete(p.sessions, account)
			continue
		}
		if s.idle(now, idle) {
			victims = append(victims, s)
			delete(p.sessions, account)
		}
	}
	observ.SetGauge("session_pool_size", float64(len(p.sessions)), nil)
	p.mu.Unlock()

	for _, s := range victims {
		observ.Log("session_swept_idle", map[string]any{"account": s.Account()})
		s.Close()
	}
	return len(victims)
}

// SweepLoop runs Sweep on the configured interval until ctx is done.
func (p *Pool) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

// Close tears down every session.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
