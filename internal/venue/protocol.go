package venue

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Direction is the contract direction for a timed binary contract.
type Direction string

const (
	DirectionUp   Direction = "CALL"
	DirectionDown Direction = "PUT"
)

// Stream categories carried in the msg_type field of unsolicited frames.
const (
	StreamTick     = "tick"
	StreamContract = "proposal_open_contract"
)

var reqCounter atomic.Int64

// NextReqID returns a correlation id unique within the process.
func NextReqID() int64 {
	return reqCounter.Add(1)
}

// Envelope is the minimal shape every inbound frame is parsed into before
// dispatch. Responses echo the caller's req_id; stream frames carry a
// msg_type and no req_id.
type Envelope struct {
	MsgType string     `json:"msg_type,omitempty"`
	ReqID   int64      `json:"req_id,omitempty"`
	Error   *WireError `json:"error,omitempty"`
	Raw     json.RawMessage
}

// WireError is the venue's error object, echoed with the originating req_id.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseEnvelope extracts the dispatch fields from a raw frame, keeping the
// full payload attached for the caller to decode.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	env.Raw = json.RawMessage(raw)
	return env, nil
}

// AuthorizeRequest exchanges a credential for an authorized identity.
type AuthorizeRequest struct {
	Authorize string `json:"authorize"`
	ReqID     int64  `json:"req_id"`
}

// AuthorizeReply is the authorized identity for a session.
type AuthorizeReply struct {
	LoginID  string  `json:"loginid"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// ProposalRequest asks the venue to price a contract. Basis is always
// "stake": the amount field is what the account pays, payout is derived.
type ProposalRequest struct {
	Proposal     int     `json:"proposal"`
	Amount       float64 `json:"amount"`
	Basis        string  `json:"basis"`
	ContractType string  `json:"contract_type"`
	Currency     string  `json:"currency"`
	Duration     int     `json:"duration"`
	DurationUnit string  `json:"duration_unit"`
	Symbol       string  `json:"symbol"`
	ReqID        int64   `json:"req_id"`
}

// ProposalReply is a priced offer. The id is only valid for a short window
// and must be passed back verbatim on commit.
type ProposalReply struct {
	ID       string  `json:"id"`
	AskPrice float64 `json:"ask_price"`
	Payout   float64 `json:"payout"`
	Spot     float64 `json:"spot"`
}

// BuyRequest commits a previously quoted proposal. Price is the ceiling the
// caller accepts; the venue rejects if the offer has repriced above it.
type BuyRequest struct {
	Buy   string  `json:"buy"`
	Price float64 `json:"price"`
	ReqID int64   `json:"req_id"`
}

// BuyReply acknowledges a committed order.
type BuyReply struct {
	ContractID    int64   `json:"contract_id"`
	BuyPrice      float64 `json:"buy_price"`
	TransactionID int64   `json:"transaction_id"`
}

// TickEvent is a streamed live price update.
type TickEvent struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

// ContractUpdate is a streamed open-position status change. IsSold with a
// final Profit marks settlement.
type ContractUpdate struct {
	ContractID int64   `json:"contract_id"`
	Underlying string  `json:"underlying"`
	BuyPrice   float64 `json:"buy_price"`
	Payout     float64 `json:"payout"`
	Profit     float64 `json:"profit"`
	IsSold     int     `json:"is_sold"`
	SellTime   int64   `json:"sell_time"`
}

// SubscribeContractsPayload builds the subscription request for the
// open-contract status stream.
func SubscribeContractsPayload() map[string]any {
	return map[string]any{
		"proposal_open_contract": 1,
		"subscribe":              1,
	}
}

// SubscribeTicksPayload builds the subscription request for live ticks.
func SubscribeTicksPayload(symbol string) map[string]any {
	return map[string]any{
		"ticks":     symbol,
		"subscribe": 1,
	}
}

// PhaseTimes carries the per-phase timestamps of one execution attempt for
// latency attribution.
type PhaseTimes struct {
	QuoteSentAt   time.Time `json:"quote_sent_at"`
	QuoteAckedAt  time.Time `json:"quote_acked_at"`
	CommitSentAt  time.Time `json:"commit_sent_at"`
	CommitAckedAt time.Time `json:"commit_acked_at"`
}
