package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrOrderNotFound   = errors.New("order_not_found")
	ErrBalanceNotFound = errors.New("balance_not_found")
	ErrBalanceExists   = errors.New("balance_already_exists")
	ErrWebhookNotFound = errors.New("webhook_not_found")
	ErrPriceNotFound   = errors.New("price_not_found")
	ErrNotHalted       = errors.New("portfolio_not_halted")
)

// RejectionReason is the machine-readable cause recorded on a rejected attempt.
type RejectionReason string

const (
	ReasonInsufficientFunds    RejectionReason = "insufficient_funds"
	ReasonInsufficientPosition RejectionReason = "insufficient_position"
	ReasonPriceUnavailable     RejectionReason = "price_unavailable"
	ReasonInvalidCancelTarget  RejectionReason = "invalid_cancel_target"
	ReasonUserCancelled        RejectionReason = "user_cancelled"
)

// Rejection is an expected, user-facing refusal to execute or cancel an order.
// It terminates the current attempt only; it never aborts a matching cycle.
type Rejection struct {
	Reason  RejectionReason
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Message
}

// Is matches any rejection with the same reason, so callers can write
// errors.Is(err, domain.ErrInsufficientFunds).
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

var (
	ErrInsufficientFunds    = &Rejection{Reason: ReasonInsufficientFunds}
	ErrInsufficientPosition = &Rejection{Reason: ReasonInsufficientPosition}
	ErrPriceUnavailable     = &Rejection{Reason: ReasonPriceUnavailable}
	ErrInvalidCancelTarget  = &Rejection{Reason: ReasonInvalidCancelTarget}
)

// Reject builds a Rejection with a formatted message.
func Reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsRejection returns the rejection wrapped in err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// InvariantError reports a broken ledger identity: an oversell, a negative
// position, or a balance whose totals do not add up. It means serialization
// was violated upstream and must halt processing for the portfolio.
type InvariantError struct {
	Key    PortfolioKey
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated for %s: %s", e.Key, e.Detail)
}

func invariant(key PortfolioKey, format string, args ...any) *InvariantError {
	return &InvariantError{Key: key, Detail: fmt.Sprintf(format, args...)}
}

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
