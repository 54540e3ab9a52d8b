package risk

import "time"

// Verdict is the outcome class of one admission evaluation.
type Verdict string

const (
	VerdictOK            Verdict = "ok"
	VerdictReduceStake   Verdict = "reduce_stake"
	VerdictCooldown      Verdict = "cooldown"
	VerdictMaxConcurrent Verdict = "max_concurrent"
	VerdictHalt          Verdict = "halt"
)

// Reason codes let callers decide between pausing a whole strategy run and
// skipping one attempt.
const (
	ReasonKillSwitch       = "kill_switch_active"
	ReasonCacheUnavailable = "risk_cache_unavailable"
	ReasonMaxConcurrent    = "max_concurrent_trades"
	ReasonLossCooldown     = "loss_streak_cooldown"
	ReasonTradeCooldown    = "trade_cooldown"
	ReasonDailyLossLimit   = "daily_loss_limit"
	ReasonDrawdownLimit    = "drawdown_limit"
	ReasonStakeClamped     = "stake_clamped"
	ReasonOrderSizeCap     = "order_size_cap"
	ReasonExposureCap      = "exposure_cap"
	ReasonOrderRateCap     = "order_rate_cap"
	ReasonCancelRateCap    = "cancel_rate_cap"
	ReasonNegativeEV       = "negative_ev"
)

// Decision is the admission result. Stake carries the admitted (possibly
// clamped) size for OK and REDUCE_STAKE; Wait carries the remaining
// cooldown for COOLDOWN.
type Decision struct {
	Verdict Verdict       `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
	Stake   float64       `json:"stake,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
}

// Allowed reports whether execution may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictOK || d.Verdict == VerdictReduceStake
}

func haltDecision(reason string) Decision {
	return Decision{Verdict: VerdictHalt, Reason: reason}
}

// Config is the full risk-admission surface, resolved once at load time.
type Config struct {
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
	DrawdownLimitPct     float64 `yaml:"drawdown_limit_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	LossCooldownSec      int     `yaml:"loss_cooldown_sec"`
	TradeCooldownSec     int     `yaml:"trade_cooldown_sec"`
	MaxConcurrentTrades  int     `yaml:"max_concurrent_trades"`
	MaxStake             float64 `yaml:"max_stake"`
	MaxOrderStake        float64 `yaml:"max_order_stake"`
	MaxOpenExposure      float64 `yaml:"max_open_exposure"`
	MaxOrdersPerSec      int     `yaml:"max_orders_per_sec"`
	MaxOrdersPerMin      int     `yaml:"max_orders_per_min"`
	MaxCancelsPerSec     int     `yaml:"max_cancels_per_sec"`
}

// Defaults fills zero-valued fields with conservative limits.
func (c *Config) Defaults() {
	if c.DailyLossLimitPct == 0 {
		c.DailyLossLimitPct = 5
	}
	if c.DrawdownLimitPct == 0 {
		c.DrawdownLimitPct = 15
	}
	if c.MaxConsecutiveLosses == 0 {
		c.MaxConsecutiveLosses = 4
	}
	if c.LossCooldownSec == 0 {
		c.LossCooldownSec = 300
	}
	if c.MaxConcurrentTrades == 0 {
		c.MaxConcurrentTrades = 3
	}
	if c.MaxStake == 0 {
		c.MaxStake = 50
	}
	if c.MaxOrderStake == 0 {
		c.MaxOrderStake = 200
	}
	if c.MaxOpenExposure == 0 {
		c.MaxOpenExposure = 500
	}
	if c.MaxOrdersPerSec == 0 {
		c.MaxOrdersPerSec = 3
	}
	if c.MaxOrdersPerMin == 0 {
		c.MaxOrdersPerMin = 30
	}
	if c.MaxCancelsPerSec == 0 {
		c.MaxCancelsPerSec = 5
	}
}
