package schema

import (
	"context"

	"github.com/shopspring/decimal"
)

// Capability names one read or trade surface an adapter exposes.
type Capability string

const (
	CapMarkPrice    Capability = "get_mark_price"
	CapOrderBook    Capability = "get_orderbook"
	CapPosition     Capability = "get_position"
	CapOpenOrders   Capability = "get_open_orders"
	CapCollateral   Capability = "get_collateral"
	CapCreateOrder  Capability = "create_order"
	CapCancelOrders Capability = "cancel_orders"
	CapLeverage     Capability = "update_leverage"
)

// Exchange is the uniform capability interface implemented by every venue
// adapter. Reads prefer live stream caches and fall back to the venue REST
// collaborator when the cache is not ready within the adapter's wait budget.
// Trading calls are always one-shot authenticated requests.
type Exchange interface {
	// CreateOrder places an order. Size and price are quantized to the
	// venue's step/tick before signing.
	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// GetPosition returns the open position for symbol, or nil when flat.
	// A nil position with a nil error is an authoritative answer.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// ClosePosition flattens the given position (or the live one when pos is
	// nil) with a reduce-only market order.
	ClosePosition(ctx context.Context, symbol string, pos *Position) (OrderAck, error)

	// GetCollateral returns account collateral balances.
	GetCollateral(ctx context.Context) (Balance, error)

	// GetOpenOrders lists resting orders for symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// CancelOrders cancels the identified orders, or every open order for
	// symbol when ids is empty.
	CancelOrders(ctx context.Context, symbol string, ids []string) ([]CancelResult, error)

	// GetMarkPrice returns the venue mark price for symbol.
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetOrderBook returns at most depth levels per side.
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)

	// UpdateLeverage changes leverage and/or margin mode for symbol.
	UpdateLeverage(ctx context.Context, symbol string, leverage int, mode MarginMode) error

	// GetLeverageInfo reports the current leverage configuration.
	GetLeverageInfo(ctx context.Context, symbol string) (LeverageInfo, error)

	// GetAvailableSymbols lists tradeable symbols discovered from venue
	// metadata.
	GetAvailableSymbols(ctx context.Context) (SymbolSet, error)

	// StreamSupport reports, per capability, whether reads are backed by a
	// live stream. The map is static for the adapter's lifetime.
	StreamSupport() map[Capability]bool

	// Close releases sessions and transports. Idempotent.
	Close() error
}
