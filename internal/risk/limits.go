package risk

import (
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
)

// rateWindow is a pruned list of event times for rolling rate caps. Bounded
// by the largest window it answers for.
type rateWindow struct {
	times []time.Time
}

func (w *rateWindow) add(t time.Time) {
	w.times = append(w.times, t)
}

func (w *rateWindow) prune(now time.Time, keep time.Duration) {
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) > keep {
		cut++
	}
	if cut > 0 {
		w.times = w.times[cut:]
	}
}

func (w *rateWindow) countWithin(now time.Time, window time.Duration) int {
	n := 0
	for i := len(w.times) - 1; i >= 0; i-- {
		if now.Sub(w.times[i]) > window {
			break
		}
		n++
	}
	return n
}

// HardLimits enforces order and cancel rate caps from rolling counters,
// independently of the admission pipeline's stateful checks. Any breach is
// a hard reject.
type HardLimits struct {
	mu      sync.Mutex
	cfg     Config
	orders  map[string]*rateWindow
	cancels map[string]*rateWindow
}

// NewHardLimits creates the rolling-counter checker.
func NewHardLimits(cfg Config) *HardLimits {
	cfg.Defaults()
	return &HardLimits{
		cfg:     cfg,
		orders:  make(map[string]*rateWindow),
		cancels: make(map[string]*rateWindow),
	}
}

// AdmitOrder checks the per-second and per-minute order rate caps and, on a
// pass, records the order in the same step.
func (h *HardLimits) AdmitOrder(account string) (bool, string) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.window(h.orders, account)
	w.prune(now, time.Minute)

	if h.cfg.MaxOrdersPerSec > 0 && w.countWithin(now, time.Second) >= h.cfg.MaxOrdersPerSec {
		observ.IncCounter("hard_limit_rejects_total", map[string]string{"kind": "orders_per_sec"})
		return false, ReasonOrderRateCap
	}
	if h.cfg.MaxOrdersPerMin > 0 && w.countWithin(now, time.Minute) >= h.cfg.MaxOrdersPerMin {
		observ.IncCounter("hard_limit_rejects_total", map[string]string{"kind": "orders_per_min"})
		return false, ReasonOrderRateCap
	}
	w.add(now)
	return true, ""
}

// AdmitCancel checks the cancel rate cap and records the cancel on a pass.
func (h *HardLimits) AdmitCancel(account string) (bool, string) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	w := h.window(h.cancels, account)
	w.prune(now, time.Second)

	if h.cfg.MaxCancelsPerSec > 0 && w.countWithin(now, time.Second) >= h.cfg.MaxCancelsPerSec {
		observ.IncCounter("hard_limit_rejects_total", map[string]string{"kind": "cancels_per_sec"})
		return false, ReasonCancelRateCap
	}
	w.add(now)
	return true, ""
}

// RecordCancel counts a cancellation signal (a rejected quote) without
// enforcing, for when the cancel has already happened.
func (h *HardLimits) RecordCancel(account string) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.window(h.cancels, account)
	w.prune(now, time.Second)
	w.add(now)
	observ.IncCounter("quote_cancels_total", map[string]string{"account": account})
}

// ReleaseOrder removes the most recent order mark after an admission that
// was reversed before reaching the venue, so a rolled-back attempt does not
// consume rate budget.
func (h *HardLimits) ReleaseOrder(account string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.orders[account]
	if !ok || len(w.times) == 0 {
		return
	}
	w.times = w.times[:len(w.times)-1]
}

func (h *HardLimits) window(m map[string]*rateWindow, account string) *rateWindow {
	w, ok := m[account]
	if !ok {
		w = &rateWindow{}
		m[account] = w
	}
	return w
}
