package venue

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies every failure the execution path can surface. Callers
// branch on Retryable plus the code itself; they never parse messages.
type Code string

const (
	CodeThrottle         Code = "THROTTLE"
	CodeProposalReject   Code = "PROPOSAL_REJECT"
	CodeBuyReject        Code = "BUY_REJECT"
	CodeSlippageExceeded Code = "SLIPPAGE_EXCEEDED"
	CodeRequoteExhausted Code = "REQUOTE_EXHAUSTED"
	CodeWSTimeout        Code = "WS_TIMEOUT"
	CodeWSNetwork        Code = "WS_NETWORK"
	CodeWSAuth           Code = "WS_AUTH"
	CodeBreakerOpen      Code = "BREAKER_OPEN"
	CodeUnknown          Code = "UNKNOWN"
)

// Error is a classified execution failure.
type Error struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration  // populated for THROTTLE and BREAKER_OPEN
	Quote      *ProposalReply // last quote snapshot for SLIPPAGE_EXCEEDED
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// NewError builds a classified error.
func NewError(code Code, retryable bool, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: retryable}
}

// Throttled reports local rate shaping with the time until a token frees.
func Throttled(wait time.Duration) *Error {
	return &Error{
		Code:       CodeThrottle,
		Message:    fmt.Sprintf("rate limited, retry in %s", wait),
		Retryable:  true,
		RetryAfter: wait,
	}
}

// Timeout reports a correlated request that saw no reply within its deadline.
func Timeout(op string, d time.Duration) *Error {
	return &Error{
		Code:      CodeWSTimeout,
		Message:   fmt.Sprintf("%s timed out after %s", op, d),
		Retryable: true,
	}
}

// Network reports a transport-level failure.
func Network(err error) *Error {
	return &Error{Code: CodeWSNetwork, Retryable: true, Wrapped: err}
}

// FromWire maps a venue error object to a classified error using the
// msg_type the venue echoes back. Proposal and buy declines are definitive;
// everything transport-shaped stays retryable.
func FromWire(msgType string, we *WireError) *Error {
	switch msgType {
	case "authorize":
		return &Error{Code: CodeWSAuth, Message: we.Message, Retryable: true}
	case "proposal":
		return &Error{Code: CodeProposalReject, Message: we.Message}
	case "buy":
		if we.Code == "PriceMoved" {
			// the offer repriced between quote and commit; a fresh quote
			// may still succeed
			return &Error{Code: CodeRequoteExhausted, Message: we.Message, Retryable: true}
		}
		return &Error{Code: CodeBuyReject, Message: we.Message}
	default:
		return &Error{Code: CodeUnknown, Message: we.Message, Retryable: true}
	}
}

// Classify normalizes any error into a *Error. Unrecognized errors are
// treated as retryable UNKNOWN so a transient blip never becomes a permanent
// rejection.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	return &Error{Code: CodeUnknown, Retryable: true, Wrapped: err, Message: err.Error()}
}

// Retryable reports whether a failed attempt may be retried as a fresh
// attempt at a higher level.
func Retryable(err error) bool {
	ve := Classify(err)
	return ve != nil && ve.Retryable
}
