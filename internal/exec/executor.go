package exec

import (
	"context"
	"errors"

	"github.com/quantal/execore/internal/venue"
)

// Executor fronts the engine with a per-account circuit breaker. Every
// attempt must pass Allow first; outcomes feed back so a run of
// venue-side failures trips the account open.
type Executor struct {
	engine  *Engine
	breaker *Breaker
}

// NewExecutor wires an engine behind a breaker.
func NewExecutor(engine *Engine, breaker *Breaker) *Executor {
	return &Executor{engine: engine, breaker: breaker}
}

// Execute runs one breaker-gated attempt.
func (x *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := x.breaker.Allow(req.Account); err != nil {
		return nil, err
	}
	res, err := x.engine.Execute(ctx, req)
	if err != nil {
		if countsAsBreakerFailure(err) {
			x.breaker.RecordFailure(req.Account)
		} else {
			x.breaker.ReleaseProbe(req.Account)
		}
		return nil, err
	}
	x.breaker.RecordSuccess(req.Account)
	return res, nil
}

// countsAsBreakerFailure filters outcomes that say nothing about the
// venue's health: local rate shaping, our own slippage rejection, and
// caller cancellation all leave the breaker counters alone.
func countsAsBreakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch venue.Classify(err).Code {
	case venue.CodeThrottle, venue.CodeSlippageExceeded:
		return false
	}
	return true
}
