// Package standx implements the StandX venue adapter: bearer-token sessions
// bootstrapped by a wallet sign-in, ed25519 detached body signatures on every
// private request, and a single multiplexed websocket for market and account
// data.
package standx

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/numeric"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/signing"
)

const (
	venueName       = "standx"
	collateralAsset = "USDT"
)

var streamBacked = map[schema.Capability]bool{
	schema.CapMarkPrice:    true,
	schema.CapOrderBook:    true,
	schema.CapPosition:     true,
	schema.CapOpenOrders:   true,
	schema.CapCollateral:   true,
	schema.CapCreateOrder:  false,
	schema.CapCancelOrders: false,
	schema.CapLeverage:     false,
}

// Provider implements schema.Exchange for the StandX perpetual venue.
type Provider struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     config.StandXSettings
	logger  observability.Logger
	metrics *shared.VenueMetrics

	rest    *restClient
	auth    *authManager
	markets map[string]Market
	symbols schema.SymbolSet
	streams *streams
}

// Options carries the capabilities the adapter cannot construct itself.
type Options struct {
	// WalletSigner signs the sign-in challenge. Optional when a cached
	// session or a configured session token is available.
	WalletSigner WalletSigner
}

// New loads symbol metadata and restores or prepares the venue session.
// The websocket is dialed lazily on first streamed read.
func New(ctx context.Context, cfg config.StandXSettings, opts Options, logger observability.Logger) (*Provider, error) {
	if logger == nil {
		logger = observability.Log()
	}

	sessionDir := cfg.SessionDir
	if sessionDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		sessionDir = filepath.Join(home, ".mpdex", "sessions")
	}
	store, err := signing.NewSessionStore(venueName, sessionDir)
	if err != nil {
		return nil, err
	}

	metrics := shared.NewVenueMetrics(venueName)
	apiClient := shared.NewRESTClient(venueName, cfg.APIBaseURL, cfg.HTTPTimeout, cfg.RequestsPerSecond)
	auth := newAuthManager(cfg.WalletAddress, cfg.Chain, apiClient, store, opts.WalletSigner, cfg.SessionToken, logger)

	perpsClient := shared.NewRESTClient(venueName, cfg.PerpsBaseURL, cfg.HTTPTimeout, cfg.RequestsPerSecond)
	rest := newRESTClient(perpsClient, auth, metrics)

	markets, symbols, err := rest.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("standx markets loaded",
		observability.Field{Key: "venue", Value: venueName},
		observability.Field{Key: "perps", Value: len(markets)})

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Provider{
		ctx:     pctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		rest:    rest,
		auth:    auth,
		markets: markets,
		symbols: symbols,
		streams: newStreams(pctx, rest, auth, cfg, markets, metrics, logger),
	}, nil
}

func (p *Provider) market(symbol string) (Market, error) {
	m, ok := p.markets[symbol]
	if !ok {
		return Market{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("unknown symbol"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", symbol))
	}
	return m, nil
}

// StreamSupport reports which capabilities are served from live streams.
func (p *Provider) StreamSupport() map[schema.Capability]bool {
	out := make(map[schema.Capability]bool, len(streamBacked))
	for k, v := range streamBacked {
		out[k] = v
	}
	return out
}

// GetMarkPrice serves the venue mark price, stream-first.
func (p *Provider) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m, err := p.market(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if p.cfg.PreferStream {
		if err := p.streams.watchMark(ctx, m.Symbol); err == nil {
			if p.streams.marks.WaitReady(ctx, m.Symbol, p.cfg.Stream.ReadyTimeout) {
				if mark, ok := p.streams.marks.Get(m.Symbol); ok {
					p.metrics.RecordRead(ctx, string(schema.CapMarkPrice), "stream")
					return mark, nil
				}
			}
		}
	}
	mark, err := p.rest.price(ctx, m.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapMarkPrice), "rest")
	return mark, nil
}

// GetOrderBook serves a depth-bounded book view, stream-first.
func (p *Provider) GetOrderBook(ctx context.Context, symbol string, depth int) (schema.OrderBook, error) {
	m, err := p.market(symbol)
	if err != nil {
		return schema.OrderBook{}, err
	}
	if depth <= 0 {
		depth = p.cfg.Stream.BookDepth
	}
	if p.cfg.PreferStream {
		maintainer, err := p.streams.watchBook(ctx, m.Symbol)
		if err == nil && p.streams.waitBookReady(ctx, maintainer, p.cfg.Stream.ReadyTimeout) {
			p.metrics.RecordRead(ctx, string(schema.CapOrderBook), "stream")
			return maintainer.Book(depth), nil
		}
	}
	bids, asks, seq, err := p.rest.depth(ctx, m.Symbol, depth)
	if err != nil {
		return schema.OrderBook{}, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapOrderBook), "rest")
	return schema.OrderBook{
		Symbol:     m.Symbol,
		Bids:       bids,
		Asks:       asks,
		Sequence:   seq,
		CapturedAt: time.Now(),
	}, nil
}

// GetPosition returns the open position for symbol, or nil when flat.
func (p *Provider) GetPosition(ctx context.Context, symbol string) (*schema.Position, error) {
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	if p.cfg.PreferStream {
		if err := p.streams.watchAccount(ctx); err == nil {
			if p.streams.positions.WaitReady(ctx, m.Symbol, p.cfg.Stream.ReadyTimeout) {
				p.metrics.RecordRead(ctx, string(schema.CapPosition), "stream")
				if pos, ok := p.streams.positions.Get(m.Symbol); ok {
					return &pos, nil
				}
				return nil, nil
			}
		}
	}
	rows, err := p.rest.positions(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapPosition), "rest")
	for _, row := range rows {
		if row.Symbol != m.Symbol {
			continue
		}
		if pos, open := positionFrom(row); open {
			return &pos, nil
		}
	}
	return nil, nil
}

// ClosePosition flattens the position with a reduce-only market order.
func (p *Provider) ClosePosition(ctx context.Context, symbol string, pos *schema.Position) (schema.OrderAck, error) {
	if pos == nil {
		current, err := p.GetPosition(ctx, symbol)
		if err != nil {
			return schema.OrderAck{}, err
		}
		pos = current
	}
	if pos == nil {
		return schema.OrderAck{}, errs.New(venueName, errs.CodeNotFound,
			errs.WithMessage("no open position to close"),
			errs.WithVenueField("symbol", symbol))
	}
	side := schema.SideSell
	if pos.Side == schema.PositionShort {
		side = schema.SideBuy
	}
	return p.CreateOrder(ctx, schema.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Size:       pos.Size,
		Type:       schema.OrderTypeMarket,
		ReduceOnly: true,
	})
}

// GetCollateral reports the USDT balance, stream-first.
func (p *Provider) GetCollateral(ctx context.Context) (schema.Balance, error) {
	if p.cfg.PreferStream {
		if err := p.streams.watchAccount(ctx); err == nil {
			if p.streams.collateral.WaitReady(ctx, collateralAsset, p.cfg.Stream.ReadyTimeout) {
				p.metrics.RecordRead(ctx, string(schema.CapCollateral), "stream")
				if bal, ok := p.streams.collateral.Get(collateralAsset); ok {
					return bal, nil
				}
				return schema.Balance{Asset: collateralAsset}, nil
			}
		}
	}
	row, err := p.rest.balance(ctx)
	if err != nil {
		return schema.Balance{}, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapCollateral), "rest")
	return balanceFrom(row), nil
}

// GetOpenOrders lists resting orders for symbol, stream-first.
func (p *Provider) GetOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	if p.cfg.PreferStream {
		if err := p.streams.watchAccount(ctx); err == nil {
			if p.streams.orders.WaitReady(ctx, m.Symbol, p.cfg.Stream.ReadyTimeout) {
				p.metrics.RecordRead(ctx, string(schema.CapOpenOrders), "stream")
				list, _ := p.streams.orders.Get(m.Symbol)
				return list, nil
			}
		}
	}
	rows, err := p.rest.openOrders(ctx, m.Symbol)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapOpenOrders), "rest")
	orders := make([]schema.Order, 0, len(rows))
	for _, row := range rows {
		order := orderFrom(row)
		if order.Status != schema.OrderStatusOpen {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// CreateOrder quantizes and submits the order. Authentication happens at the
// transport: the body is signed with the session's ed25519 key.
func (p *Provider) CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	m, err := p.market(req.Symbol)
	if err != nil {
		return schema.OrderAck{}, err
	}
	if req.Market() {
		req.Type = schema.OrderTypeMarket
	} else if req.Type == "" {
		req.Type = schema.OrderTypeLimit
	}

	size := numeric.SizeToStep(req.Size, m.StepSize)
	if size.LessThan(m.MinOrderSize) || size.GreaterThan(m.MaxOrderSize) {
		return schema.OrderAck{}, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("size outside contract bounds"),
			errs.WithCanonicalCode(errs.CanonicalBadQuantity),
			errs.WithVenueField("symbol", m.Symbol),
			errs.WithVenueField("size", size.String()))
	}

	body := orderBody{
		Symbol:        m.Symbol,
		Side:          string(req.Side),
		Type:          "market",
		Size:          size.String(),
		TimeInForce:   "immediate_or_cancel",
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: uuid.NewString(),
	}
	if req.Type == schema.OrderTypeLimit {
		if req.Price.Sign() <= 0 {
			return schema.OrderAck{}, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("limit order requires a positive price"))
		}
		body.Type = "limit"
		body.TimeInForce = "good_til_cancel"
		body.Price = numeric.PriceToTick(req.Price, m.TickSize).String()
	}

	ack, err := p.rest.createOrder(ctx, body)
	if err != nil {
		return schema.OrderAck{}, err
	}
	status := orderStatus(ack.Status)
	if ack.Status == "" {
		status = schema.OrderStatusOpen
	}
	return schema.OrderAck{
		OrderID:       ack.OrderID,
		ClientOrderID: body.ClientOrderID,
		Status:        status,
	}, nil
}

// CancelOrders cancels the given ids, reporting a per-id outcome in input
// order.
func (p *Provider) CancelOrders(ctx context.Context, symbol string, ids []string) ([]schema.CancelResult, error) {
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		open, err := p.GetOpenOrders(ctx, symbol)
		if err != nil {
			return nil, err
		}
		for _, o := range open {
			ids = append(ids, o.ID)
		}
		if len(ids) == 0 {
			return nil, nil
		}
	}
	rows, err := p.rest.cancelOrders(ctx, m.Symbol, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]cancelRow, len(rows))
	for _, row := range rows {
		byID[row.OrderID] = row
	}
	results := make([]schema.CancelResult, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			results = append(results, schema.CancelResult{OrderID: id, OK: false, Reason: "no result reported"})
			continue
		}
		results = append(results, schema.CancelResult{OrderID: id, OK: row.OK, Reason: row.Reason})
	}
	return results, nil
}

// UpdateLeverage is not offered by the venue API.
func (p *Provider) UpdateLeverage(ctx context.Context, symbol string, leverage int, mode schema.MarginMode) error {
	return errs.NotImplemented(venueName, string(schema.CapLeverage))
}

// GetLeverageInfo is not offered by the venue API.
func (p *Provider) GetLeverageInfo(ctx context.Context, symbol string) (schema.LeverageInfo, error) {
	return schema.LeverageInfo{}, errs.NotImplemented(venueName, "get_leverage_info")
}

// GetAvailableSymbols lists the venue's perp and spot symbols as loaded at
// construction.
func (p *Provider) GetAvailableSymbols(ctx context.Context) (schema.SymbolSet, error) {
	out := schema.SymbolSet{
		Perp: append([]string(nil), p.symbols.Perp...),
		Spot: append([]string(nil), p.symbols.Spot...),
	}
	return out, nil
}

// Close tears down the stream session.
func (p *Provider) Close() error {
	p.streams.close()
	p.cancel()
	return nil
}
