// Package schema defines the canonical domain types exchanged between venue
// adapters and callers.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the taker direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the crossing side, used when flattening a position.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType identifies the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce identifies how long an order rests.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "good_til_cancel"
	TimeInForceIOC TimeInForce = "immediate_or_cancel"
)

// PositionSide identifies the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// MarginMode identifies how collateral backs a position.
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// OrderStatus is the normalized lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the order can no longer trade.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// MarkPrice is the venue's mark/oracle price for a symbol.
type MarkPrice struct {
	Symbol    string
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// BookLevel is one resting price level.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a depth-limited view of the venue book. Bids descend, asks
// ascend by price.
type OrderBook struct {
	Symbol     string
	Bids       []BookLevel
	Asks       []BookLevel
	Sequence   uint64
	CapturedAt time.Time
}

// Position is the last-known open position for a symbol. Adapters never
// return a zero-size position; flat is represented by absence.
type Position struct {
	Symbol           string
	Side             PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	LiquidationPrice decimal.Decimal
	Leverage         decimal.Decimal
	MarginMode       MarginMode
}

// Balance reports account collateral.
type Balance struct {
	Asset         string
	Available     decimal.Decimal
	Total         decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// Order is an open or recently acknowledged order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
}

// OrderRequest describes an order to place. A zero Price means market.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	Type       OrderType
	ReduceOnly bool
}

// Market reports whether the request is a market order.
func (r OrderRequest) Market() bool {
	return r.Type == OrderTypeMarket || r.Price.IsZero()
}

// OrderAck is the venue acknowledgement for a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
}

// CancelResult reports the outcome of one order cancellation.
type CancelResult struct {
	OrderID string
	OK      bool
	Reason  string
}

// LeverageInfo describes the current leverage configuration for a symbol.
type LeverageInfo struct {
	Symbol               string
	Leverage             int
	MarginMode           MarginMode
	MaxLeverage          int
	AvailableMarginModes []MarginMode
}

// SymbolSet lists tradeable symbols split by market kind.
type SymbolSet struct {
	Perp []string
	Spot []string
}
