package risk

import (
	"time"

	"github.com/quantal/execore/internal/observ"
)

// AdmitRequest is a proposed trade presented for admission.
type AdmitRequest struct {
	Account  string
	Stake    float64
	Strategy string
	Regime   string
	Symbol   string
}

// Engine composes the kill switch, hard rate caps, EV gate and the risk
// cache into one pre-trade decision. A pass has already reserved the
// account's slot; the caller must settle or roll back.
type Engine struct {
	cache  *Cache
	kill   *KillSwitch
	limits *HardLimits
	ev     *EVGate
	cfg    Config
}

// NewEngine builds the admission pipeline. cfg is resolved once here;
// per-call evaluation never merges option fields.
func NewEngine(cache *Cache, kill *KillSwitch, limits *HardLimits, ev *EVGate, cfg Config) *Engine {
	cfg.Defaults()
	return &Engine{cache: cache, kill: kill, limits: limits, ev: ev, cfg: cfg}
}

// Evaluate runs the layered admission checks. Kill switch and rate caps
// run first, then the cache performs its ordered checks and reserves
// atomically; the EV gate vetoes last, after every account-state reason
// has had its say, unwinding the reservation when it does.
func (e *Engine) Evaluate(req AdmitRequest) Decision {
	start := time.Now()
	d := e.evaluate(req)
	observ.ObserveDuration("risk_decision_ms", time.Since(start), nil)
	observ.IncCounter("risk_decisions_total", map[string]string{
		"verdict": string(d.Verdict), "reason": d.Reason,
	})
	if d.Verdict == VerdictHalt {
		observ.Warn("admission_halt", map[string]any{
			"account": req.Account, "symbol": req.Symbol, "reason": d.Reason,
		})
	}
	return d
}

func (e *Engine) evaluate(req AdmitRequest) Decision {
	if active, reason := e.kill.Active(req.Account); active {
		d := haltDecision(ReasonKillSwitch)
		if reason != "" {
			d.Reason = ReasonKillSwitch + ":" + reason
		}
		return d
	}

	if ok, reason := e.limits.AdmitOrder(req.Account); !ok {
		return haltDecision(reason)
	}

	d := e.cache.CheckAndReserve(req.Account, req.Stake, e.cfg)
	if !d.Allowed() {
		e.limits.ReleaseOrder(req.Account)
		return d
	}

	if e.ev != nil && e.ev.Enabled() {
		key := Key{Strategy: req.Strategy, Regime: req.Regime, Symbol: req.Symbol}
		if viable, _ := e.ev.Viable(key); !viable {
			e.cache.OnFailedAttempt(req.Account, d.Stake)
			e.limits.ReleaseOrder(req.Account)
			return haltDecision(ReasonNegativeEV)
		}
	}
	return d
}

// OnSettlement applies an asynchronous settlement to the account's risk
// state.
func (e *Engine) OnSettlement(account string, stake, profit float64) {
	e.cache.OnSettlement(account, stake, profit)
}

// OnFailedAttempt rolls back a reservation whose execution never reached
// the venue.
func (e *Engine) OnFailedAttempt(account string, stake float64) {
	e.cache.OnFailedAttempt(account, stake)
	e.limits.ReleaseOrder(account)
}

// RecordOutcome feeds the EV gate's performance window.
func (e *Engine) RecordOutcome(key Key, profit, stake, payout float64) {
	if e.ev != nil {
		e.ev.Record(key, profit, stake, payout)
	}
}

// RecordCancel counts a quote cancellation against the cancel rate caps.
func (e *Engine) RecordCancel(account string) {
	e.limits.RecordCancel(account)
}
