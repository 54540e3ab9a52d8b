package exec

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantal/execore/internal/ratelimit"
	"github.com/quantal/execore/internal/venue"
)

// scriptedSessions replays canned replies, proposals and buys separately.
type scriptedSessions struct {
	proposals []step
	buys      []step

	proposalReqs []map[string]any
	buyReqs      []map[string]any
}

type step struct {
	raw string
	err error
}

func proposalReply(id string, ask, payout float64) step {
	raw, _ := json.Marshal(map[string]any{
		"proposal": venue.ProposalReply{ID: id, AskPrice: ask, Payout: payout, Spot: 100},
	})
	return step{raw: string(raw)}
}

func buyReply(contractID int64, price float64) step {
	raw, _ := json.Marshal(map[string]any{
		"buy": venue.BuyReply{ContractID: contractID, BuyPrice: price, TransactionID: contractID * 10},
	})
	return step{raw: string(raw)}
}

func (s *scriptedSessions) Request(ctx context.Context, account, token string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	var st step
	if _, ok := payload["proposal"]; ok {
		s.proposalReqs = append(s.proposalReqs, payload)
		if len(s.proposals) == 0 {
			return nil, venue.Timeout("request", timeout)
		}
		st, s.proposals = s.proposals[0], s.proposals[1:]
	} else {
		s.buyReqs = append(s.buyReqs, payload)
		if len(s.buys) == 0 {
			return nil, venue.Timeout("request", timeout)
		}
		st, s.buys = s.buys[0], s.buys[1:]
	}
	if st.err != nil {
		return nil, st.err
	}
	return json.RawMessage(st.raw), nil
}

type cancelCounter struct{ n int }

func (c *cancelCounter) RecordCancel(string) { c.n++ }

func testExecConfig() Config {
	return Config{
		MaxRequoteAttempts:   2,
		RequoteDelayMs:       1,
		SlippageTolerancePct: 1,
		QuoteTimeoutMs:       100,
		CommitTimeoutMs:      100,
		Currency:             "USD",
	}
}

func openLimits() *ratelimit.Set {
	return ratelimit.NewSet(ratelimit.Config{
		Quote:  ratelimit.BucketSpec{RatePerSec: 1000, Burst: 100},
		Commit: ratelimit.BucketSpec{RatePerSec: 1000, Burst: 100},
	})
}

func execRequest(limit float64) Request {
	return Request{
		Account:     "acct1",
		Token:       "tok",
		Symbol:      "R_100",
		Direction:   venue.DirectionUp,
		Stake:       10,
		DurationSec: 60,
		LimitPrice:  limit,
	}
}

func TestExecuteQuoteThenCommit(t *testing.T) {
	sess := &scriptedSessions{
		proposals: []step{proposalReply("p1", 10, 18.5)},
		buys:      []step{buyReply(42, 10)},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	res, err := e.Execute(context.Background(), execRequest(0))
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Order.ContractID)
	assert.Equal(t, "p1", res.Quote.ID)
	assert.Equal(t, 0, res.Requotes)
	assert.NotEmpty(t, res.AttemptID)

	require.Len(t, sess.proposalReqs, 1)
	p := sess.proposalReqs[0]
	assert.Equal(t, "stake", p["basis"])
	assert.Equal(t, "CALL", p["contract_type"])
	assert.Equal(t, 10.0, p["amount"])

	require.Len(t, sess.buyReqs, 1)
	assert.Equal(t, "p1", sess.buyReqs[0]["buy"])
	assert.Equal(t, 10.0, sess.buyReqs[0]["price"])

	// all four phase timestamps populated, in order
	ph := res.Phases
	assert.False(t, ph.QuoteSentAt.IsZero())
	assert.False(t, ph.CommitAckedAt.IsZero())
	assert.True(t, !ph.QuoteAckedAt.Before(ph.QuoteSentAt))
	assert.True(t, !ph.CommitAckedAt.Before(ph.CommitSentAt))
}

func TestExecuteSlippageRequotesThenGivesUp(t *testing.T) {
	// every quote comes back above limit*(1+1%)
	sess := &scriptedSessions{
		proposals: []step{
			proposalReply("p1", 10.5, 18.5),
			proposalReply("p2", 10.5, 18.5),
			proposalReply("p3", 10.5, 18.5),
		},
	}
	cancels := &cancelCounter{}
	e := NewEngine(sess, openLimits(), cancels, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(10))
	ve := venue.Classify(err)
	require.NotNil(t, ve)
	assert.Equal(t, venue.CodeSlippageExceeded, ve.Code)
	assert.False(t, ve.Retryable)
	require.NotNil(t, ve.Quote, "reject should carry the last quote")
	assert.Equal(t, "p3", ve.Quote.ID)

	assert.Len(t, sess.proposalReqs, 3, "initial quote plus two requotes")
	assert.Empty(t, sess.buyReqs, "no commit may be attempted over limit")
	assert.Equal(t, 3, cancels.n, "every abandoned quote counts as a cancel")
}

func TestExecuteSlippageWithinToleranceCommits(t *testing.T) {
	sess := &scriptedSessions{
		proposals: []step{proposalReply("p1", 10.05, 18.5)}, // 0.5% over
		buys:      []step{buyReply(7, 10.05)},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	res, err := e.Execute(context.Background(), execRequest(10))
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Order.ContractID)
}

func TestExecutePriceMovedRequotesThenSucceeds(t *testing.T) {
	sess := &scriptedSessions{
		proposals: []step{
			proposalReply("p1", 10, 18.5),
			proposalReply("p2", 10, 18.5),
		},
		buys: []step{
			{err: venue.FromWire("buy", &venue.WireError{Code: "PriceMoved", Message: "offer repriced"})},
			buyReply(9, 10),
		},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	res, err := e.Execute(context.Background(), execRequest(0))
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Order.ContractID)
	assert.Equal(t, 1, res.Requotes)
}

func TestExecutePriceMovedExhaustsBudget(t *testing.T) {
	moved := step{err: venue.FromWire("buy", &venue.WireError{Code: "PriceMoved", Message: "offer repriced"})}
	sess := &scriptedSessions{
		proposals: []step{
			proposalReply("p1", 10, 18.5),
			proposalReply("p2", 10, 18.5),
			proposalReply("p3", 10, 18.5),
		},
		buys: []step{moved, moved, moved},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(0))
	ve := venue.Classify(err)
	require.NotNil(t, ve)
	assert.Equal(t, venue.CodeRequoteExhausted, ve.Code)
	assert.Len(t, sess.buyReqs, 3)
}

func TestExecuteProposalRejectIsTerminal(t *testing.T) {
	sess := &scriptedSessions{
		proposals: []step{{err: venue.FromWire("proposal", &venue.WireError{Code: "ContractBuyValidationError", Message: "market closed"})}},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(0))
	ve := venue.Classify(err)
	require.NotNil(t, ve)
	assert.Equal(t, venue.CodeProposalReject, ve.Code)
	assert.False(t, ve.Retryable)
	assert.Len(t, sess.proposalReqs, 1, "hard rejects must not requote")
}

func TestExecuteCommitTimeoutIsAmbiguous(t *testing.T) {
	// a quote but no scripted buy: the commit ack never arrives
	sess := &scriptedSessions{
		proposals: []step{proposalReply("p1", 10, 18.5)},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(0))
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err), "lost commit ack must surface as unresolved")
	assert.Equal(t, venue.CodeWSTimeout, venue.Classify(err).Code)
}

func TestExecuteQuoteTimeoutIsNotAmbiguous(t *testing.T) {
	sess := &scriptedSessions{}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(0))
	require.Error(t, err)
	assert.False(t, IsAmbiguous(err), "nothing committed before the quote acked")
}

func TestExecuteBuyRejectIsNotAmbiguous(t *testing.T) {
	sess := &scriptedSessions{
		proposals: []step{proposalReply("p1", 10, 18.5)},
		buys:      []step{{err: venue.NewError(venue.CodeBuyReject, false, "declined")}},
	}
	e := NewEngine(sess, openLimits(), nil, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(0))
	require.Error(t, err)
	assert.False(t, IsAmbiguous(err), "a definitive decline is fully resolved")
	assert.Equal(t, venue.CodeBuyReject, venue.Classify(err).Code)
}

func TestExecuteThrottleSurfacesRetryAfter(t *testing.T) {
	tight := ratelimit.NewSet(ratelimit.Config{
		Quote:     ratelimit.BucketSpec{RatePerSec: 0.01, Burst: 1},
		MaxWaitMs: 10,
	})
	sess := &scriptedSessions{
		proposals: []step{proposalReply("p1", 10, 18.5), proposalReply("p2", 10, 18.5)},
		buys:      []step{buyReply(1, 10), buyReply(2, 10)},
	}
	e := NewEngine(sess, tight, nil, testExecConfig())

	_, err := e.Execute(context.Background(), execRequest(0))
	require.NoError(t, err, "first attempt rides the burst")

	_, err = e.Execute(context.Background(), execRequest(0))
	ve := venue.Classify(err)
	require.NotNil(t, ve)
	assert.Equal(t, venue.CodeThrottle, ve.Code)
	assert.True(t, ve.Retryable)
	assert.Greater(t, ve.RetryAfter, time.Duration(0))
}
