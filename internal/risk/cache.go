package risk

import (
	"context"
	"sync"
	"time"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/store"
)

// Entry is one account's aggregate risk state. Daily fields reset on day
// rollover; equity, high-water mark and streaks survive it.
type Entry struct {
	Account        string
	Equity         float64
	DayStartEquity float64
	HighWater      float64
	DailyLoss      float64 // cumulative realized loss today, positive
	DailyProfit    float64
	ConsecLosses   int
	ConsecWins     int
	OpenCount      int
	OpenExposure   float64
	LastTradeAt    time.Time
	LastLossAt     time.Time
	Day            string // UTC date key for rollover detection
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Cache owns the per-account risk entries. All mutation goes through its
// methods and completes under one lock with no suspension point, which is
// what makes concurrent admissions against the same limit safe.
type Cache struct {
	mu      sync.Mutex
	st      store.Store
	entries map[string]*Entry
	dirty   map[string]bool
}

// NewCache creates an empty cache backed by the durable store.
func NewCache(st store.Store) *Cache {
	return &Cache{
		st:      st,
		entries: make(map[string]*Entry),
		dirty:   make(map[string]bool),
	}
}

// Load seeds an account entry from its durable snapshot. Returns false when
// no snapshot exists; admission for that account fails closed until Seed or
// a successful Load.
func (c *Cache) Load(ctx context.Context, account string) (bool, error) {
	snap, ok, err := c.st.GetSnapshot(ctx, account)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[account]; exists {
		return true, nil
	}
	e := &Entry{
		Account:        snap.Account,
		Equity:         snap.Equity,
		DayStartEquity: snap.Equity,
		HighWater:      snap.HighWater,
		DailyLoss:      snap.DailyLoss,
		DailyProfit:    snap.DailyProfit,
		ConsecLosses:   snap.ConsecLosses,
		ConsecWins:     snap.ConsecWins,
		OpenCount:      snap.OpenCount,
		OpenExposure:   snap.OpenExposure,
		Day:            snap.Day,
	}
	if e.HighWater < e.Equity {
		e.HighWater = e.Equity
	}
	c.rolloverLocked(e, time.Now())
	c.entries[account] = e
	return true, nil
}

// Seed creates a fresh entry from a known balance, typically the authorize
// reply when no durable snapshot exists yet. Existing entries are left
// untouched.
func (c *Cache) Seed(account string, equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[account]; exists {
		return
	}
	now := time.Now()
	c.entries[account] = &Entry{
		Account:        account,
		Equity:         equity,
		DayStartEquity: equity,
		HighWater:      equity,
		Day:            dayKey(now),
	}
	c.dirty[account] = true
}

// Get returns a copy of the entry with day rollover applied.
func (c *Cache) Get(account string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[account]
	if !ok {
		return Entry{}, false
	}
	c.rolloverLocked(e, time.Now())
	return *e, true
}

// CheckAndReserve runs the ordered admission checks and, on a pass,
// reserves the slot in the same step: count and exposure increment before
// the lock is released, so two concurrent evaluations cannot both pass the
// same limit. First match wins.
func (c *Cache) CheckAndReserve(account string, stake float64, cfg Config) Decision {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[account]
	if !ok {
		// fail closed: absent state is never a pass
		return haltDecision(ReasonCacheUnavailable)
	}
	c.rolloverLocked(e, now)

	if cfg.MaxConcurrentTrades > 0 && e.OpenCount >= cfg.MaxConcurrentTrades {
		return Decision{Verdict: VerdictMaxConcurrent, Reason: ReasonMaxConcurrent}
	}

	if cfg.MaxConsecutiveLosses > 0 && e.ConsecLosses >= cfg.MaxConsecutiveLosses {
		until := e.LastLossAt.Add(time.Duration(cfg.LossCooldownSec) * time.Second)
		if now.Before(until) {
			return Decision{Verdict: VerdictCooldown, Reason: ReasonLossCooldown, Wait: until.Sub(now)}
		}
	}

	if cfg.TradeCooldownSec > 0 && !e.LastTradeAt.IsZero() {
		until := e.LastTradeAt.Add(time.Duration(cfg.TradeCooldownSec) * time.Second)
		if now.Before(until) {
			return Decision{Verdict: VerdictCooldown, Reason: ReasonTradeCooldown, Wait: until.Sub(now)}
		}
	}

	if cfg.DailyLossLimitPct > 0 && e.DayStartEquity > 0 {
		lossPct := e.DailyLoss / e.DayStartEquity * 100
		if lossPct >= cfg.DailyLossLimitPct {
			return haltDecision(ReasonDailyLossLimit)
		}
	}

	if cfg.DrawdownLimitPct > 0 && e.HighWater > 0 {
		ddPct := (e.HighWater - e.Equity) / e.HighWater * 100
		if ddPct >= cfg.DrawdownLimitPct {
			return haltDecision(ReasonDrawdownLimit)
		}
	}

	verdict, reason := VerdictOK, ""
	admitted := stake
	if cfg.MaxStake > 0 && admitted > cfg.MaxStake {
		admitted = cfg.MaxStake
		verdict, reason = VerdictReduceStake, ReasonStakeClamped
	}

	// hard caps; for a binary contract the notional at risk is the stake,
	// so the exposure cap is the notional cap
	if cfg.MaxOrderStake > 0 && admitted > cfg.MaxOrderStake {
		return haltDecision(ReasonOrderSizeCap)
	}
	if cfg.MaxOpenExposure > 0 && e.OpenExposure+admitted > cfg.MaxOpenExposure {
		return haltDecision(ReasonExposureCap)
	}

	e.OpenCount++
	e.OpenExposure += admitted
	e.LastTradeAt = now
	c.dirty[account] = true

	return Decision{Verdict: verdict, Reason: reason, Stake: admitted}
}

// OnFailedAttempt releases a reservation after an execution that never
// reached the venue. PnL and streaks are untouched; counters clamp at zero
// so a duplicate rollback is harmless.
func (c *Cache) OnFailedAttempt(account string, stake float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[account]
	if !ok {
		return
	}
	if e.OpenCount > 0 {
		e.OpenCount--
	}
	e.OpenExposure -= stake
	if e.OpenExposure < 0 {
		e.OpenExposure = 0
	}
	c.dirty[account] = true
}

// OnSettlement releases the reservation and applies the realized outcome.
// The in-memory update is synchronous and unconditional; durable flushing
// happens separately and can never block or fail the decision path.
func (c *Cache) OnSettlement(account string, stake, profit float64) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[account]
	if !ok {
		observ.Warn("settlement_for_unknown_account", map[string]any{"account": account})
		return
	}
	c.rolloverLocked(e, now)

	if e.OpenCount > 0 {
		e.OpenCount--
	}
	e.OpenExposure -= stake
	if e.OpenExposure < 0 {
		e.OpenExposure = 0
	}

	e.Equity += profit
	if e.Equity > e.HighWater {
		e.HighWater = e.Equity
	}
	if profit < 0 {
		e.DailyLoss += -profit
		e.ConsecLosses++
		e.ConsecWins = 0
		e.LastLossAt = now
	} else {
		e.DailyProfit += profit
		e.ConsecWins++
		e.ConsecLosses = 0
	}
	c.dirty[account] = true

	observ.SetGauge("risk_equity", e.Equity, map[string]string{"account": account})
	observ.SetGauge("risk_open_count", float64(e.OpenCount), map[string]string{"account": account})
}

// Flush upserts dirty entries to the durable store. Failures keep the entry
// dirty for the next pass; they are logged, never propagated.
func (c *Cache) Flush(ctx context.Context) {
	c.mu.Lock()
	pending := make([]store.Snapshot, 0, len(c.dirty))
	for account := range c.dirty {
		if e, ok := c.entries[account]; ok {
			pending = append(pending, snapshotOf(e))
		}
		delete(c.dirty, account)
	}
	c.mu.Unlock()

	for _, snap := range pending {
		if err := c.st.UpsertSnapshot(ctx, snap); err != nil {
			observ.Warn("risk_snapshot_flush_failed", map[string]any{
				"account": snap.Account, "error": err.Error(),
			})
			observ.IncCounter("risk_snapshot_flush_errors_total", nil)
			c.mu.Lock()
			c.dirty[snap.Account] = true
			c.mu.Unlock()
		}
	}
}

// FlushLoop periodically flushes dirty entries until ctx is done, with one
// final flush on the way out.
func (c *Cache) FlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

func (c *Cache) rolloverLocked(e *Entry, now time.Time) {
	day := dayKey(now)
	if e.Day == day {
		return
	}
	e.Day = day
	e.DailyLoss = 0
	e.DailyProfit = 0
	e.DayStartEquity = e.Equity
	c.dirty[e.Account] = true
}

func snapshotOf(e *Entry) store.Snapshot {
	return store.Snapshot{
		Account:      e.Account,
		Equity:       e.Equity,
		HighWater:    e.HighWater,
		DailyLoss:    e.DailyLoss,
		DailyProfit:  e.DailyProfit,
		ConsecLosses: e.ConsecLosses,
		ConsecWins:   e.ConsecWins,
		OpenCount:    e.OpenCount,
		OpenExposure: e.OpenExposure,
		Day:          e.Day,
		UpdatedAt:    time.Now().UTC(),
	}
}
