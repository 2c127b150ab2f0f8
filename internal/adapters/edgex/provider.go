package edgex

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/signing"
)

// streamBacked is the static per-capability freshness map. Trading calls are
// always one-shot REST; everything else reads the stream cache first.
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

// Provider implements schema.Exchange for the EdgeX perpetual venue.
type Provider struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     config.EdgeXSettings
	logger  observability.Logger
	metrics *shared.VenueMetrics

	rest    *restClient
	builder *orderBuilder
	markets map[string]Market
	streams *streams
}

// New dials nothing: it verifies credentials locally, loads contract
// metadata over REST and prepares the lazy stream layer.
func New(ctx context.Context, cfg config.EdgeXSettings, logger observability.Logger) (*Provider, error) {
	if logger == nil {
		logger = observability.Log()
	}
	signer, err := signing.NewStarkSigner(venueName, cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	metrics := shared.NewVenueMetrics(venueName)
	httpClient := shared.NewRESTClient(venueName, cfg.BaseURL, cfg.HTTPTimeout, cfg.RequestsPerSecond)
	rest := newRESTClient(httpClient, signer, cfg.AccountID, metrics)

	markets, err := rest.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("edgex markets loaded",
		observability.Field{Key: "venue", Value: venueName},
		observability.Field{Key: "contracts", Value: len(markets)})

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Provider{
		ctx:     pctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		rest:    rest,
		builder: newOrderBuilder(signer, cfg.AccountID),
		markets: markets,
		streams: newStreams(pctx, rest, cfg, markets, metrics, logger),
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

// GetMarkPrice serves the last traded price, stream-first with REST fallback.
func (p *Provider) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m, err := p.market(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if p.cfg.PreferStream {
		if err := p.streams.watchMark(ctx, m); err == nil {
			if p.streams.marks.WaitReady(ctx, m.Symbol, p.cfg.Stream.ReadyTimeout) {
				if q, ok := p.streams.marks.Get(m.Symbol); ok {
					p.metrics.RecordRead(ctx, string(schema.CapMarkPrice), "stream")
					return q.Last, nil
				}
			}
		} else {
			p.logger.Error("mark price stream unavailable, using rest",
				observability.Field{Key: "venue", Value: venueName},
				observability.Field{Key: "symbol", Value: symbol},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	last, _, err := p.rest.ticker(ctx, m.ContractID)
	if err != nil {
		return decimal.Zero, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapMarkPrice), "rest")
	return last, nil
}

// oraclePrice resolves the reference price a market order signs against.
func (p *Provider) oraclePrice(ctx context.Context, m Market) (decimal.Decimal, error) {
	if q, ok := p.streams.marks.Get(m.Symbol); ok && q.Oracle.Sign() > 0 {
		return q.Oracle, nil
	}
	_, oracle, err := p.rest.ticker(ctx, m.ContractID)
	return oracle, err
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
		maintainer, err := p.streams.watchBook(ctx, m)
		if err == nil && p.streams.waitBookReady(ctx, maintainer, p.cfg.Stream.ReadyTimeout) {
			p.metrics.RecordRead(ctx, string(schema.CapOrderBook), "stream")
			return maintainer.Book(depth), nil
		}
	}
	bids, asks, cursor, err := p.rest.depthSnapshot(ctx, m.ContractID, depth)
	if err != nil {
		return schema.OrderBook{}, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapOrderBook), "rest")
	return schema.OrderBook{
		Symbol:     m.Symbol,
		Bids:       bids,
		Asks:       asks,
		Sequence:   cursor,
		CapturedAt: time.Now(),
	}, nil
}

// GetPosition returns the open position for symbol, or nil when flat. A
// ready cache with no entry is an authoritative flat answer.
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
	asset, err := p.rest.accountAsset(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapPosition), "rest")
	assets := make(map[string]positionAssetEntry, len(asset.PositionAssetList))
	for _, a := range asset.PositionAssetList {
		assets[a.ContractID] = a
	}
	for _, entry := range asset.PositionList {
		if entry.ContractID != m.ContractID {
			continue
		}
		if pos, open := positionFrom(m, entry, assets); open {
			return &pos, nil
		}
	}
	return nil, nil
}

// ClosePosition flattens the position with a reduce-only market order. The
// caller may pass the position it already holds to skip the lookup.
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
	asset, err := p.rest.accountAsset(ctx)
	if err != nil {
		return schema.Balance{}, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapCollateral), "rest")
	for _, c := range asset.CollateralAssetModelList {
		if c.CoinID != collateralCoinID {
			continue
		}
		available, _ := decimal.NewFromString(c.AvailableAmount)
		total, _ := decimal.NewFromString(c.TotalEquity)
		pnl, _ := decimal.NewFromString(c.UnrealizePnl)
		return schema.Balance{
			Asset:         collateralAsset,
			Available:     available,
			Total:         total,
			UnrealizedPnl: pnl,
		}, nil
	}
	return schema.Balance{Asset: collateralAsset}, nil
}

// GetOpenOrders lists resting orders for symbol, stream-first. A ready cache
// with no entry reads as no open orders.
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
	entries, err := p.rest.activeOrders(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordRead(ctx, string(schema.CapOpenOrders), "rest")
	orders := make([]schema.Order, 0, len(entries))
	for _, entry := range entries {
		if entry.Status != "OPEN" {
			continue
		}
		order, err := entry.toOrder(m.Symbol)
		if err != nil {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// CreateOrder quantizes, signs and submits the order as a one-shot request.
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

	var refPrice decimal.Decimal
	if req.Type == schema.OrderTypeMarket {
		refPrice, err = p.oraclePrice(ctx, m)
		if err != nil {
			return schema.OrderAck{}, err
		}
	}
	body, err := p.builder.build(m, req, refPrice)
	if err != nil {
		return schema.OrderAck{}, err
	}

	orderID, err := p.rest.createOrder(ctx, body)
	if err != nil {
		return schema.OrderAck{}, err
	}
	return schema.OrderAck{
		OrderID:       orderID,
		ClientOrderID: body["clientOrderId"],
		Status:        schema.OrderStatusOpen,
	}, nil
}

// CancelOrders cancels the given ids, reporting a per-id outcome in input
// order.
func (p *Provider) CancelOrders(ctx context.Context, symbol string, ids []string) ([]schema.CancelResult, error) {
	if _, err := p.market(symbol); err != nil {
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
	outcome, err := p.rest.cancelByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	results := make([]schema.CancelResult, 0, len(ids))
	for _, id := range ids {
		raw, ok := outcome[id]
		switch {
		case !ok:
			results = append(results, schema.CancelResult{OrderID: id, OK: false, Reason: "no result reported"})
		case raw == "success":
			results = append(results, schema.CancelResult{OrderID: id, OK: true})
		default:
			results = append(results, schema.CancelResult{OrderID: id, OK: false, Reason: raw})
		}
	}
	return results, nil
}

// UpdateLeverage sets the contract's max leverage. The venue only offers
// cross margin.
func (p *Provider) UpdateLeverage(ctx context.Context, symbol string, leverage int, mode schema.MarginMode) error {
	m, err := p.market(symbol)
	if err != nil {
		return err
	}
	if mode != "" && mode != schema.MarginCross {
		return errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("only cross margin is supported"),
			errs.WithVenueField("mode", string(mode)))
	}
	if leverage <= 0 {
		return errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("leverage must be positive"))
	}
	return p.rest.updateLeverage(ctx, m.ContractID, leverage)
}

// GetLeverageInfo reads the contract's current leverage configuration.
func (p *Provider) GetLeverageInfo(ctx context.Context, symbol string) (schema.LeverageInfo, error) {
	m, err := p.market(symbol)
	if err != nil {
		return schema.LeverageInfo{}, err
	}
	current, ceiling, err := p.rest.leverageSetting(ctx, m.ContractID)
	if err != nil {
		return schema.LeverageInfo{}, err
	}
	return schema.LeverageInfo{
		Symbol:               symbol,
		Leverage:             current,
		MarginMode:           schema.MarginCross,
		MaxLeverage:          ceiling,
		AvailableMarginModes: []schema.MarginMode{schema.MarginCross},
	}, nil
}

// GetAvailableSymbols lists tradeable perpetuals as composite coin-quote
// pairs.
func (p *Provider) GetAvailableSymbols(ctx context.Context) (schema.SymbolSet, error) {
	perp := make([]string, 0, len(p.markets))
	for symbol := range p.markets {
		perp = append(perp, baseCoin(symbol)+"-USD")
	}
	sort.Strings(perp)
	return schema.SymbolSet{Perp: perp}, nil
}

// Close tears down the stream sessions. REST calls remain usable until the
// provider is discarded.
func (p *Provider) Close() error {
	p.streams.close()
	p.cancel()
	return nil
}
