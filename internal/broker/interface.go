// Package broker defines the contract with the brokerage transport and the
// resilience wrappers around it. The transport itself (session, auth, wire
// protocol) lives behind this interface.
package broker

import (
	"context"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/orders"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	// StatusSubmitted means the venue accepted the order
	StatusSubmitted OrderStatus = "submitted"
	// StatusPartiallyFilled means some contracts have traded
	StatusPartiallyFilled OrderStatus = "partially_filled"
	// StatusFilled means the order traded completely
	StatusFilled OrderStatus = "filled"
	// StatusCancelled means the order was cancelled before completing
	StatusCancelled OrderStatus = "cancelled"
	// StatusRejected means the venue refused the order
	StatusRejected OrderStatus = "rejected"
)

// FillEvent reports contracts trading on one leg of an order. FillID is the
// venue's unique id for the execution; duplicates carry the same FillID.
type FillEvent struct {
	FillID    string             `json:"fill_id"`
	OrderID   string             `json:"order_id"`
	Strike    float64            `json:"strike"`
	Expiry    time.Time          `json:"expiry"`
	Right     models.OptionRight `json:"right"`
	Action    models.LegAction   `json:"action"`
	Price     float64            `json:"price"`
	Quantity  int                `json:"quantity"`
	Timestamp time.Time          `json:"timestamp"`
}

// OrderStatusEvent reports an order-level state change.
type OrderStatusEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// QuoteUpdate is one element of the subscribed market-data stream: either an
// underlying price tick (Quote nil) or an option quote.
type QuoteUpdate struct {
	Symbol     string
	Underlying float64
	Quote      *market.StrikeQuote
	Timestamp  time.Time
}

// PositionReport is one contract row from the venue's live position report,
// used for startup reconciliation. Quantity is signed, negative for short.
type PositionReport struct {
	Symbol   string             `json:"symbol"`
	Strike   float64            `json:"strike"`
	Expiry   time.Time          `json:"expiry"`
	Right    models.OptionRight `json:"right"`
	Quantity int                `json:"quantity"`
}

// Broker is the transport contract the core trades through.
type Broker interface {
	// SubscribeQuotes streams quote updates for an underlying until the
	// context is cancelled.
	SubscribeQuotes(ctx context.Context, symbol string) (<-chan QuoteUpdate, error)

	// SubmitOrder places a multi-leg limit order and returns the venue's
	// order id. It must not block on the fill.
	SubmitOrder(spec *orders.OrderSpec) (string, error)

	// CancelOrder cancels a working order.
	CancelOrder(orderID string) error

	// FillEvents streams per-leg executions for all submitted orders.
	FillEvents() <-chan FillEvent

	// OrderStatusEvents streams order-level state changes.
	OrderStatusEvents() <-chan OrderStatusEvent

	// GetPositions returns the venue's live position report.
	GetPositions() ([]PositionReport, error)

	// GetAccountBalance returns total account equity.
	GetAccountBalance() (float64, error)
}
