package edgex

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/book"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/statecache"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/stream"
)

const (
	frameTypePing      = "ping"
	frameTypePayload   = "payload"
	frameTypeSubscribe = "subscribe"

	accountChannel = "account-all"

	depthSnapshot = "SNAPSHOT"
)

// wsFrame is the envelope every quote and account frame arrives in.
type wsFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Time    string          `json:"time"`
	Content json.RawMessage `json:"content"`
}

type wsContent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type depthFrame struct {
	StartVersion string     `json:"startVersion"`
	EndVersion   string     `json:"endVersion"`
	DepthType    string     `json:"depthType"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type accountEvent struct {
	PositionList      []positionEntry      `json:"positionList"`
	PositionAssetList []positionAssetEntry `json:"positionAssetList"`
	CollateralList    []collateralEntry    `json:"collateralList"`
	OrderList         []orderEntry         `json:"orderList"`
}

// markQuote carries the two stream prices GetMarkPrice and protective limits
// draw from.
type markQuote struct {
	Last   decimal.Decimal
	Oracle decimal.Decimal
}

// streams owns the public and private websocket sessions and the projections
// they feed. Sessions are dialed lazily on first use and shared afterwards.
type streams struct {
	ctx        context.Context
	rest       *restClient
	settings   config.EdgeXSettings
	logger     observability.Logger
	metrics    *shared.VenueMetrics
	bySymbol   map[string]Market
	byContract map[string]Market

	marks      *statecache.Projection[markQuote]
	positions  *statecache.Projection[schema.Position]
	orders     *statecache.Projection[[]schema.Order]
	collateral *statecache.Projection[schema.Balance]

	mu      sync.Mutex
	public  *stream.Session
	private *stream.Session
	books   map[string]*shared.BookMaintainer

	// ordersBySymbol merges per-order stream updates into full open-order
	// lists. Guarded by ordersMu, separate from mu so reads never contend
	// with session dialing.
	ordersMu       sync.Mutex
	ordersBySymbol map[string]map[string]schema.Order
}

func newStreams(ctx context.Context, rest *restClient, settings config.EdgeXSettings, markets map[string]Market, metrics *shared.VenueMetrics, logger observability.Logger) *streams {
	if logger == nil {
		logger = observability.Log()
	}
	byContract := make(map[string]Market, len(markets))
	for _, m := range markets {
		byContract[m.ContractID] = m
	}
	return &streams{
		ctx:            ctx,
		rest:           rest,
		settings:       settings,
		logger:         logger,
		metrics:        metrics,
		bySymbol:       markets,
		byContract:     byContract,
		marks:          statecache.NewProjection[markQuote]("edgex.marks"),
		positions:      statecache.NewProjection[schema.Position]("edgex.positions"),
		orders:         statecache.NewProjection[[]schema.Order]("edgex.orders"),
		collateral:     statecache.NewProjection[schema.Balance]("edgex.collateral"),
		books:          make(map[string]*shared.BookMaintainer),
		ordersBySymbol: make(map[string]map[string]schema.Order),
	}
}

func tickerChannel(contractID string) string { return "ticker." + contractID }

func depthChannel(contractID string, depth int) string {
	return "depth." + contractID + "." + strconv.Itoa(depth)
}

func subscribeFrame(channel string) []byte {
	payload, _ := json.Marshal(map[string]string{"type": frameTypeSubscribe, "channel": channel})
	return payload
}

// autoPong answers the venue's application-level ping, echoing its timestamp.
func autoPong(frame []byte) ([]byte, bool) {
	var f wsFrame
	if err := json.Unmarshal(frame, &f); err != nil || f.Type != frameTypePing {
		return nil, false
	}
	pong, _ := json.Marshal(map[string]string{"type": "pong", "time": f.Time})
	return pong, true
}

// ensurePublic dials the quote stream once and reuses it afterwards.
func (s *streams) ensurePublic(ctx context.Context) (*stream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.public != nil {
		return s.public, nil
	}

	sess := stream.NewSession(s.ctx, stream.Config{
		Venue:        venueName,
		URL:          s.settings.WSPublicURL,
		Heartbeat:    stream.HeartbeatPolicy{Mode: stream.HeartbeatServerPing, AutoPong: autoPong},
		RecvTimeout:  s.settings.Stream.RecvTimeout,
		ReconnectMin: s.settings.Stream.ReconnectMin,
		ReconnectMax: s.settings.Stream.ReconnectMax,
		OnMessage:    s.onPublicFrame,
		OnReconnect:  s.onPublicReconnect,
		Logger:       s.logger,
	})
	if err := sess.Start(); err != nil {
		sess.Close()
		return nil, err
	}
	s.public = sess
	return sess, nil
}

// ensurePrivate dials the account stream with a fresh handshake signature.
func (s *streams) ensurePrivate(ctx context.Context) (*stream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.private != nil {
		return s.private, nil
	}

	header, err := s.rest.wsAuthHeaders()
	if err != nil {
		return nil, err
	}
	sess := stream.NewSession(s.ctx, stream.Config{
		Venue:        venueName,
		URL:          s.settings.WSPrivateURL + "?accountId=" + s.rest.accountID,
		Header:       header,
		Heartbeat:    stream.HeartbeatPolicy{Mode: stream.HeartbeatServerPing, AutoPong: autoPong},
		RecvTimeout:  s.settings.Stream.RecvTimeout,
		ReconnectMin: s.settings.Stream.ReconnectMin,
		ReconnectMax: s.settings.Stream.ReconnectMax,
		OnMessage:    s.onPrivateFrame,
		OnReconnect:  s.onPrivateReconnect,
		Logger:       s.logger,
	})
	if err := sess.Start(); err != nil {
		sess.Close()
		return nil, err
	}
	s.private = sess
	return sess, nil
}

// watchMark subscribes the ticker channel for a market, idempotently.
func (s *streams) watchMark(ctx context.Context, m Market) error {
	sess, err := s.ensurePublic(ctx)
	if err != nil {
		return err
	}
	channel := tickerChannel(m.ContractID)
	for _, sub := range sess.Subscriptions() {
		if sub.Channel == channel {
			return nil
		}
	}
	if err := sess.Send(ctx, subscribeFrame(channel)); err != nil {
		return err
	}
	sess.Track(stream.Subscription{Channel: channel, Key: m.Symbol})
	return nil
}

// watchBook subscribes the depth channel and returns the maintainer that the
// frames feed. The venue sends a SNAPSHOT frame on subscribe, so no REST
// snapshot is needed on the happy path.
func (s *streams) watchBook(ctx context.Context, m Market) (*shared.BookMaintainer, error) {
	sess, err := s.ensurePublic(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	maintainer, ok := s.books[m.Symbol]
	if !ok {
		depth := s.settings.Stream.BookDepth
		rec := book.New(m.Symbol, depth, book.SizeAbsolute)
		contractID := m.ContractID
		maintainer = shared.NewBookMaintainer(venueName, rec, func(ctx context.Context) ([]schema.BookLevel, []schema.BookLevel, uint64, error) {
			s.metrics.RecordBookResync(ctx, m.Symbol)
			return s.rest.depthSnapshot(ctx, contractID, depth)
		}, s.logger)
		s.books[m.Symbol] = maintainer
	}
	s.mu.Unlock()

	channel := depthChannel(m.ContractID, s.settings.Stream.BookDepth)
	for _, sub := range sess.Subscriptions() {
		if sub.Channel == channel {
			return maintainer, nil
		}
	}
	if err := sess.Send(ctx, subscribeFrame(channel)); err != nil {
		return nil, err
	}
	sess.Track(stream.Subscription{Channel: channel, Key: m.Symbol})
	return maintainer, nil
}

// watchAccount ensures the private stream is up. Position, order and
// collateral projections become ready once its snapshot frame lands.
func (s *streams) watchAccount(ctx context.Context) error {
	_, err := s.ensurePrivate(ctx)
	return err
}

func (s *streams) book(symbol string) *shared.BookMaintainer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books[symbol]
}

// waitBookReady polls the maintainer until it holds a snapshot or the window
// elapses.
func (s *streams) waitBookReady(ctx context.Context, m *shared.BookMaintainer, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.Ready() {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// onPublicReconnect replays the quote subscriptions and invalidates every
// book so stale state is never served across the gap.
func (s *streams) onPublicReconnect(subs []stream.Subscription) error {
	s.metrics.RecordReconnect(s.ctx, "public")
	s.mu.Lock()
	sess := s.public
	for _, m := range s.books {
		m.Invalidate()
	}
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	for _, sub := range subs {
		if err := sess.Send(s.ctx, subscribeFrame(sub.Channel)); err != nil {
			return err
		}
	}
	return nil
}

// onPrivateReconnect drops account projections until the next snapshot frame
// marks them ready again.
func (s *streams) onPrivateReconnect(subs []stream.Subscription) error {
	s.metrics.RecordReconnect(s.ctx, "private")
	s.positions.Reset()
	s.orders.Reset()
	s.collateral.Reset()
	s.ordersMu.Lock()
	s.ordersBySymbol = make(map[string]map[string]schema.Order)
	s.ordersMu.Unlock()
	return nil
}

func (s *streams) onPublicFrame(frame []byte) {
	var f wsFrame
	if err := json.Unmarshal(frame, &f); err != nil || f.Type != frameTypePayload {
		return
	}
	s.metrics.RecordStreamMessage(s.ctx, f.Channel, len(frame))

	var content wsContent
	if err := json.Unmarshal(f.Content, &content); err != nil {
		return
	}
	switch {
	case len(f.Channel) > 7 && f.Channel[:7] == "ticker.":
		s.handleTicker(content.Data)
	case len(f.Channel) > 6 && f.Channel[:6] == "depth.":
		s.handleDepth(content.Data)
	}
}

func (s *streams) handleTicker(data json.RawMessage) {
	var entries []tickerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	for _, e := range entries {
		m, ok := s.byContract[e.ContractID]
		if !ok {
			continue
		}
		last, err := decimal.NewFromString(e.LastPrice)
		if err != nil {
			continue
		}
		oracle, err := decimal.NewFromString(e.OraclePrice)
		if err != nil {
			oracle = last
		}
		s.marks.Update(m.Symbol, markQuote{Last: last, Oracle: oracle})
	}
}

func (s *streams) handleDepth(data json.RawMessage) {
	var entries []struct {
		ContractID string `json:"contractId"`
		depthFrame
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	for _, e := range entries {
		m, ok := s.byContract[e.ContractID]
		if !ok {
			continue
		}
		maintainer := s.book(m.Symbol)
		if maintainer == nil {
			continue
		}
		bids, err := parseLevels(e.Bids)
		if err != nil {
			continue
		}
		asks, err := parseLevels(e.Asks)
		if err != nil {
			continue
		}
		first, _ := strconv.ParseUint(e.StartVersion, 10, 64)
		last, _ := strconv.ParseUint(e.EndVersion, 10, 64)
		if e.DepthType == depthSnapshot {
			maintainer.ApplySnapshot(bids, asks, last)
			continue
		}
		maintainer.OnDelta(s.ctx, shared.BookDelta{First: first, Last: last, Bids: bids, Asks: asks})
	}
}

func (s *streams) onPrivateFrame(frame []byte) {
	var f wsFrame
	if err := json.Unmarshal(frame, &f); err != nil || f.Type != frameTypePayload || f.Channel != accountChannel {
		return
	}
	s.metrics.RecordStreamMessage(s.ctx, f.Channel, len(frame))

	var content wsContent
	if err := json.Unmarshal(f.Content, &content); err != nil {
		return
	}
	var events []accountEvent
	if err := json.Unmarshal(content.Data, &events); err != nil {
		return
	}
	snapshot := content.Event == depthSnapshot
	for _, e := range events {
		s.applyAccountEvent(e)
	}
	if snapshot {
		s.markAccountReady()
	}
}

// applyAccountEvent folds one account frame into the projections. Flat
// positions are removed so readers see nil rather than a zero-size entry.
func (s *streams) applyAccountEvent(e accountEvent) {
	assetByContract := make(map[string]positionAssetEntry, len(e.PositionAssetList))
	for _, a := range e.PositionAssetList {
		assetByContract[a.ContractID] = a
	}

	for _, p := range e.PositionList {
		m, ok := s.byContract[p.ContractID]
		if !ok {
			continue
		}
		pos, open := positionFrom(m, p, assetByContract)
		if !open {
			s.positions.Remove(m.Symbol)
			continue
		}
		s.positions.Update(m.Symbol, pos)
	}

	for _, c := range e.CollateralList {
		if c.CoinID != collateralCoinID {
			continue
		}
		available, _ := decimal.NewFromString(c.AvailableAmount)
		total, _ := decimal.NewFromString(c.TotalEquity)
		pnl, _ := decimal.NewFromString(c.UnrealizePnl)
		s.collateral.Update(collateralAsset, schema.Balance{
			Asset:         collateralAsset,
			Available:     available,
			Total:         total,
			UnrealizedPnl: pnl,
		})
	}

	if len(e.OrderList) > 0 {
		s.foldOrders(e.OrderList)
	}
}

// foldOrders merges per-order updates into full per-symbol open-order lists.
// Terminal orders drop out of the list.
func (s *streams) foldOrders(updates []orderEntry) {
	s.ordersMu.Lock()
	touched := make(map[string]bool)
	for _, u := range updates {
		m, ok := s.byContract[u.ContractID]
		if !ok {
			continue
		}
		order, err := u.toOrder(m.Symbol)
		if err != nil {
			continue
		}
		bySymbol := s.ordersBySymbol[m.Symbol]
		if bySymbol == nil {
			bySymbol = make(map[string]schema.Order)
			s.ordersBySymbol[m.Symbol] = bySymbol
		}
		if order.Status.Terminal() {
			delete(bySymbol, order.ID)
		} else {
			bySymbol[order.ID] = order
		}
		touched[m.Symbol] = true
	}
	flattened := make(map[string][]schema.Order, len(touched))
	for symbol := range touched {
		list := make([]schema.Order, 0, len(s.ordersBySymbol[symbol]))
		for _, o := range s.ordersBySymbol[symbol] {
			list = append(list, o)
		}
		flattened[symbol] = list
	}
	s.ordersMu.Unlock()

	for symbol, list := range flattened {
		s.orders.Update(symbol, list)
	}
}

// markAccountReady arms every account projection for every known market, so
// flat positions and empty order lists read as ready absence.
func (s *streams) markAccountReady() {
	for symbol := range s.bySymbol {
		s.positions.MarkReady(symbol)
		s.orders.MarkReady(symbol)
	}
	s.collateral.MarkReady(collateralAsset)
}

func (s *streams) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.public != nil {
		s.public.Close()
		s.public = nil
	}
	if s.private != nil {
		s.private.Close()
		s.private = nil
	}
}

// positionFrom converts one venue position row to the canonical shape. A
// zero or malformed size reads as flat.
func positionFrom(m Market, p positionEntry, assets map[string]positionAssetEntry) (schema.Position, bool) {
	size, err := decimal.NewFromString(p.OpenSize)
	if err != nil || size.IsZero() {
		return schema.Position{}, false
	}
	pos := schema.Position{
		Symbol: m.Symbol,
		Side:   schema.PositionLong,
		Size:   size.Abs(),
	}
	if size.Sign() < 0 {
		pos.Side = schema.PositionShort
	}
	if a, ok := assets[p.ContractID]; ok {
		pos.EntryPrice, _ = decimal.NewFromString(a.AvgEntryPrice)
		pos.UnrealizedPnl, _ = decimal.NewFromString(a.UnrealizePnl)
		pos.LiquidationPrice, _ = decimal.NewFromString(a.LiquidatePrice)
	}
	return pos, true
}

// toOrder converts a venue order row to the canonical shape.
func (o orderEntry) toOrder(symbol string) (schema.Order, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		price = decimal.Zero
	}
	size, err := decimal.NewFromString(o.Size)
	if err != nil {
		return schema.Order{}, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("malformed order size"), errs.WithCause(err))
	}
	filled, _ := decimal.NewFromString(o.CumFillSize)

	order := schema.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         price,
		Size:          size,
		FilledSize:    filled,
		Status:        orderStatus(o.Status),
	}
	if o.Side == "SELL" {
		order.Side = schema.SideSell
	}
	if o.Type == "MARKET" {
		order.Type = schema.OrderTypeMarket
	}
	if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil {
		order.CreatedAt = time.UnixMilli(ms)
	}
	return order, nil
}

func orderStatus(raw string) schema.OrderStatus {
	switch raw {
	case "OPEN", "PENDING", "UNTRIGGERED":
		return schema.OrderStatusOpen
	case "FILLED":
		return schema.OrderStatusFilled
	case "CANCELED", "CANCELING", "EXPIRED":
		return schema.OrderStatusCancelled
	default:
		return schema.OrderStatusRejected
	}
}
