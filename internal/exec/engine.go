package exec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quantal/execore/internal/observ"
	"github.com/quantal/execore/internal/ratelimit"
	"github.com/quantal/execore/internal/venue"
)

// Sessions is the slice of the session pool the engine needs. Satisfied by
// *session.Pool.
type Sessions interface {
	Request(ctx context.Context, account, token string, payload map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// CancelRecorder counts quote cancellations against the risk rate caps.
type CancelRecorder interface {
	RecordCancel(account string)
}

// Config tunes the quote to commit protocol.
type Config struct {
	MaxRequoteAttempts   int     `yaml:"max_requote_attempts"`
	RequoteDelayMs       int     `yaml:"requote_delay_ms"`
	SlippageTolerancePct float64 `yaml:"slippage_tolerance_pct"`
	QuoteTimeoutMs       int     `yaml:"quote_timeout_ms"`
	CommitTimeoutMs      int     `yaml:"commit_timeout_ms"`
	Currency             string  `yaml:"currency"`
}

// Defaults fills zero-valued fields.
func (c *Config) Defaults() {
	if c.MaxRequoteAttempts == 0 {
		c.MaxRequoteAttempts = 2
	}
	if c.RequoteDelayMs == 0 {
		c.RequoteDelayMs = 250
	}
	if c.SlippageTolerancePct == 0 {
		c.SlippageTolerancePct = 1
	}
	if c.QuoteTimeoutMs == 0 {
		c.QuoteTimeoutMs = 3000
	}
	if c.CommitTimeoutMs == 0 {
		c.CommitTimeoutMs = 5000
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
}

// Request is one proposed execution, already admitted by the risk pipeline.
// LimitPrice of zero accepts whatever the venue quotes; a positive value
// enables the slippage check against it.
type Request struct {
	Account     string
	Token       string
	Symbol      string
	Direction   venue.Direction
	Stake       float64
	DurationSec int
	LimitPrice  float64
}

// Result is a committed order with the quote it came from and all four
// phase timestamps for latency attribution.
type Result struct {
	AttemptID string              `json:"attempt_id"`
	Quote     venue.ProposalReply `json:"quote"`
	Order     venue.BuyReply      `json:"order"`
	Phases    venue.PhaseTimes    `json:"phases"`
	Requotes  int                 `json:"requotes"`
}

// Engine drives the two-phase quote then commit protocol through the
// rate-limited session pool, requoting on slippage until the budget runs
// out.
type Engine struct {
	sessions Sessions
	limits   *ratelimit.Set
	cancels  CancelRecorder
	cfg      Config
}

// NewEngine builds an execution engine. cancels may be nil.
func NewEngine(sessions Sessions, limits *ratelimit.Set, cancels CancelRecorder, cfg Config) *Engine {
	cfg.Defaults()
	return &Engine{sessions: sessions, limits: limits, cancels: cancels, cfg: cfg}
}

// Execute runs one attempt: token, quote, slippage check, token, commit.
// Errors come back classified; only the venue telling us the price moved
// (and local slippage rejection with budget left) triggers a requote.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	res := &Result{AttemptID: uuid.NewString()}
	start := time.Now()

	for attempt := 0; ; attempt++ {
		res.Requotes = attempt
		quote, err := e.quote(ctx, req, res)
		if err != nil {
			e.countError(err)
			return nil, err
		}

		if req.LimitPrice > 0 && quote.AskPrice > req.LimitPrice*(1+e.cfg.SlippageTolerancePct/100) {
			if e.cancels != nil {
				e.cancels.RecordCancel(req.Account)
			}
			observ.IncCounter("exec_requotes_total", map[string]string{"account": req.Account})
			if attempt < e.cfg.MaxRequoteAttempts {
				if err := e.requoteDelay(ctx); err != nil {
					return nil, err
				}
				continue
			}
			err := &venue.Error{
				Code:    venue.CodeSlippageExceeded,
				Message: "quoted price exceeds limit after requote budget",
				Quote:   quote,
			}
			e.countError(err)
			return nil, err
		}

		order, err := e.commit(ctx, req, quote, res)
		if err != nil {
			ve := venue.Classify(err)
			if ve.Code == venue.CodeRequoteExhausted && attempt < e.cfg.MaxRequoteAttempts {
				// the offer repriced between quote and commit
				observ.IncCounter("exec_requotes_total", map[string]string{"account": req.Account})
				if err := e.requoteDelay(ctx); err != nil {
					return nil, err
				}
				continue
			}
			e.countError(ve)
			return nil, err
		}

		res.Quote = *quote
		res.Order = *order
		observ.ObserveDuration("exec_attempt_ms", time.Since(start), map[string]string{"account": req.Account})
		observ.IncCounter("exec_orders_total", map[string]string{"account": req.Account, "symbol": req.Symbol})
		return res, nil
	}
}

func (e *Engine) quote(ctx context.Context, req Request, res *Result) (*venue.ProposalReply, error) {
	if err := e.limits.Acquire(ctx, req.Account, ratelimit.ClassQuote); err != nil {
		return nil, venue.Classify(err)
	}
	payload := map[string]any{
		"proposal":      1,
		"amount":        req.Stake,
		"basis":         "stake",
		"contract_type": string(req.Direction),
		"currency":      e.cfg.Currency,
		"duration":      req.DurationSec,
		"duration_unit": "s",
		"symbol":        req.Symbol,
	}
	res.Phases.QuoteSentAt = time.Now()
	raw, err := e.sessions.Request(ctx, req.Account, req.Token, payload,
		time.Duration(e.cfg.QuoteTimeoutMs)*time.Millisecond)
	res.Phases.QuoteAckedAt = time.Now()
	if err != nil {
		return nil, venue.Classify(err)
	}
	var reply struct {
		Proposal venue.ProposalReply `json:"proposal"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, venue.Classify(err)
	}
	if reply.Proposal.ID == "" {
		return nil, venue.NewError(venue.CodeProposalReject, false, "venue returned no offer")
	}
	return &reply.Proposal, nil
}

func (e *Engine) commit(ctx context.Context, req Request, quote *venue.ProposalReply, res *Result) (*venue.BuyReply, error) {
	if err := e.limits.Acquire(ctx, req.Account, ratelimit.ClassCommit); err != nil {
		return nil, venue.Classify(err)
	}
	payload := map[string]any{
		"buy":   quote.ID,
		"price": quote.AskPrice,
	}
	res.Phases.CommitSentAt = time.Now()
	raw, err := e.sessions.Request(ctx, req.Account, req.Token, payload,
		time.Duration(e.cfg.CommitTimeoutMs)*time.Millisecond)
	res.Phases.CommitAckedAt = time.Now()
	if err != nil {
		return nil, markAmbiguous(venue.Classify(err))
	}
	var reply struct {
		Buy venue.BuyReply `json:"buy"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, markAmbiguous(venue.Classify(err))
	}
	if reply.Buy.ContractID == 0 {
		return nil, venue.NewError(venue.CodeBuyReject, false, "venue returned no order")
	}
	return &reply.Buy, nil
}

func (e *Engine) requoteDelay(ctx context.Context) error {
	t := time.NewTimer(time.Duration(e.cfg.RequoteDelayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) countError(err error) {
	ve := venue.Classify(err)
	observ.IncCounter("exec_errors_total", map[string]string{"code": string(ve.Code)})
}
