package risk

import (
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
)

// Key identifies one performance window.
type Key struct {
	Strategy string
	Regime   string
	Symbol   string
}

// Outcome is one settled trade in a performance window.
type Outcome struct {
	Profit float64
	Stake  float64
	Payout float64
	At     time.Time
}

// EVConfig controls the expected-value viability gate.
type EVConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MinSamples      int     `yaml:"min_samples"`
	SafetyMarginPct float64 `yaml:"safety_margin_pct"` // added to breakeven, in win-rate points
	WindowSize      int     `yaml:"window_size"`
}

// Defaults fills zero-valued fields.
func (c *EVConfig) Defaults() {
	if c.MinSamples == 0 {
		c.MinSamples = 15
	}
	if c.SafetyMarginPct == 0 {
		c.SafetyMarginPct = 2
	}
	if c.WindowSize == 0 {
		c.WindowSize = 50
	}
}

// Stats summarizes a window for explainability.
type Stats struct {
	Samples   int     `json:"samples"`
	WinRate   float64 `json:"win_rate"`
	Breakeven float64 `json:"breakeven"`
	AvgStake  float64 `json:"avg_stake"`
	AvgPayout float64 `json:"avg_payout"`
}

// window is an oldest-evicted ring of outcomes.
type window struct {
	outcomes []Outcome
	next     int
	full     bool
}

func (w *window) add(o Outcome, cap int) {
	if len(w.outcomes) < cap {
		w.outcomes = append(w.outcomes, o)
		return
	}
	w.outcomes[w.next] = o
	w.next = (w.next + 1) % cap
	w.full = true
}

// EVGate vetoes strategy/symbol pairs whose rolling win rate has fallen
// under the breakeven rate implied by observed payouts. Below the minimum
// sample size it fails open: too little history is not evidence of a bad
// edge.
type EVGate struct {
	mu      sync.Mutex
	cfg     EVConfig
	windows map[Key]*window
}

// NewEVGate creates the gate.
func NewEVGate(cfg EVConfig) *EVGate {
	cfg.Defaults()
	return &EVGate{cfg: cfg, windows: make(map[Key]*window)}
}

// Enabled reports whether the gate participates in admission.
func (g *EVGate) Enabled() bool { return g.cfg.Enabled }

// Record appends a settled outcome to the key's window, evicting the oldest
// entry once the window is full.
func (g *EVGate) Record(key Key, profit, stake, payout float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[key]
	if !ok {
		w = &window{}
		g.windows[key] = w
	}
	w.add(Outcome{Profit: profit, Stake: stake, Payout: payout, At: time.Now()}, g.cfg.WindowSize)
}

// Viable reports whether the key's rolling expectancy clears breakeven plus
// the safety margin. breakeven = stake / (stake + payout): the win rate at
// which expected value is zero.
func (g *EVGate) Viable(key Key) (bool, Stats) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[key]
	if !ok {
		return true, Stats{}
	}

	var wins int
	var sumStake, sumPayout float64
	for _, o := range w.outcomes {
		if o.Profit > 0 {
			wins++
		}
		sumStake += o.Stake
		sumPayout += o.Payout
	}
	n := len(w.outcomes)
	stats := Stats{Samples: n}
	if n == 0 {
		return true, stats
	}
	stats.WinRate = float64(wins) / float64(n)
	stats.AvgStake = sumStake / float64(n)
	stats.AvgPayout = sumPayout / float64(n)
	if stats.AvgStake+stats.AvgPayout > 0 {
		stats.Breakeven = stats.AvgStake / (stats.AvgStake + stats.AvgPayout)
	}

	if n < g.cfg.MinSamples {
		return true, stats
	}

	required := stats.Breakeven + g.cfg.SafetyMarginPct/100
	viable := stats.WinRate >= required
	if !viable {
		observ.IncCounter("ev_gate_vetoes_total", map[string]string{
			"strategy": key.Strategy, "symbol": key.Symbol,
		})
	}
	return viable, stats
}
