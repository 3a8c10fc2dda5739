package venue

import (
	"context"
	"errors"
	"fmt"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the replica order types the engine emits.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ReplicaRequest captures one follower's replica order to be sent to a venue.
type ReplicaRequest struct {
	FollowerID     string
	RelationshipID string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            float64
	Price          float64 // reference price; required for LIMIT
	StopLoss       float64
	TakeProfit     float64
	Leverage       float64
	ClientID       string // session id, doubles as client order id
}

// SubmitResult returns the venue ack for a replica submission.
type SubmitResult struct {
	OrderID      string
	FilledQty    float64
	FillPrice    float64
	RemainingQty float64
	Fees         float64
}

// Adapter submits replica orders to one trading platform.
// Implementations own their connectivity; the engine only sees this surface.
type Adapter interface {
	Platform() string
	SubmitReplicaOrder(ctx context.Context, req ReplicaRequest) (SubmitResult, error)
}

// SymbolMeta describes venue-specific order constraints for a symbol.
type SymbolMeta struct {
	StepSize float64 // minimum quantity increment; 0 means no constraint
	MinQty   float64
}

// MetaProvider is optionally implemented by adapters that expose symbol
// constraints; the sizer rounds quantities down to StepSize when available.
type MetaProvider interface {
	SymbolMeta(symbol string) SymbolMeta
}

// QuoteProvider is optionally implemented by adapters that can report the
// current market price for a symbol. The dispatcher uses it to cancel a
// replica whose expected slippage already breaches the follower's tolerance
// before the order ever reaches the venue. 0 means no quote available.
type QuoteProvider interface {
	Quote(symbol string) float64
}

// TransientError marks a submission failure that is safe to retry:
// network timeouts, rate limits, temporary venue rejections.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient venue error: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a submission failure that must not be retried:
// invalid order, insufficient follower funds, unknown symbol.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent venue error: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient creates a TransientError from a reason string.
func Transient(op, reason string) error {
	return &TransientError{Op: op, Err: errors.New(reason)}
}

// Permanent creates a PermanentError from a reason string.
func Permanent(op, reason string) error {
	return &PermanentError{Op: op, Err: errors.New(reason)}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a terminal venue rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
