package standx

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/book"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/statecache"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/stream"
)

const (
	opPing        = "ping"
	opAuth        = "auth"
	opSubscribe   = "subscribe"
	pingInterval  = 15 * time.Second
	accountStream = "account"

	eventSnapshot = "snapshot"
)

// wsOp is a client-to-server command frame.
type wsOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// wsMessage is a server push: a channel name plus its payload.
type wsMessage struct {
	Ch   string          `json:"ch"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type depthMessage struct {
	Seq     uint64     `json:"seq"`
	PrevSeq uint64     `json:"prevSeq"`
	Bids    [][]string `json:"bids"`
	Asks    [][]string `json:"asks"`
}

type accountMessage struct {
	Positions []positionRow `json:"positions"`
	Balances  []balanceRow  `json:"balances"`
	Orders    []orderRow    `json:"orders"`
}

// streams owns the single multiplexed websocket and the projections it
// feeds. Public channels work unauthenticated; the account channel requires
// an auth frame after every (re)connect.
type streams struct {
	ctx      context.Context
	rest     *restClient
	auth     *authManager
	settings config.StandXSettings
	logger   observability.Logger
	metrics  *shared.VenueMetrics
	markets  map[string]Market

	marks      *statecache.Projection[decimal.Decimal]
	positions  *statecache.Projection[schema.Position]
	orders     *statecache.Projection[[]schema.Order]
	collateral *statecache.Projection[schema.Balance]

	mu      sync.Mutex
	session *stream.Session
	books   map[string]*shared.BookMaintainer
	account bool

	ordersMu       sync.Mutex
	ordersBySymbol map[string]map[string]schema.Order
}

func newStreams(ctx context.Context, rest *restClient, auth *authManager, settings config.StandXSettings, markets map[string]Market, metrics *shared.VenueMetrics, logger observability.Logger) *streams {
	if logger == nil {
		logger = observability.Log()
	}
	return &streams{
		ctx:            ctx,
		rest:           rest,
		auth:           auth,
		settings:       settings,
		logger:         logger,
		metrics:        metrics,
		markets:        markets,
		marks:          statecache.NewProjection[decimal.Decimal]("standx.marks"),
		positions:      statecache.NewProjection[schema.Position]("standx.positions"),
		orders:         statecache.NewProjection[[]schema.Order]("standx.orders"),
		collateral:     statecache.NewProjection[schema.Balance]("standx.collateral"),
		books:          make(map[string]*shared.BookMaintainer),
		ordersBySymbol: make(map[string]map[string]schema.Order),
	}
}

func priceChannel(symbol string) string { return "price:" + symbol }

func depthChannelName(symbol string) string { return "depth:" + symbol }

func opFrame(op string, args ...string) []byte {
	payload, _ := json.Marshal(wsOp{Op: op, Args: args})
	return payload
}

// ensureSession dials the multiplexed socket once.
func (s *streams) ensureSession(ctx context.Context) (*stream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session, nil
	}

	sess := stream.NewSession(s.ctx, stream.Config{
		Venue: venueName,
		URL:   s.settings.WSURL,
		Heartbeat: stream.HeartbeatPolicy{
			Mode:      stream.HeartbeatClientPing,
			Interval:  pingInterval,
			BuildPing: func() []byte { return opFrame(opPing) },
		},
		RecvTimeout:  s.settings.Stream.RecvTimeout,
		ReconnectMin: s.settings.Stream.ReconnectMin,
		ReconnectMax: s.settings.Stream.ReconnectMax,
		OnMessage:    s.onFrame,
		OnReconnect:  s.onReconnect,
		Logger:       s.logger,
	})
	if err := sess.Start(); err != nil {
		sess.Close()
		return nil, err
	}
	s.session = sess
	return sess, nil
}

func (s *streams) watchMark(ctx context.Context, symbol string) error {
	return s.subscribe(ctx, priceChannel(symbol), symbol)
}

func (s *streams) watchBook(ctx context.Context, symbol string) (*shared.BookMaintainer, error) {
	s.mu.Lock()
	maintainer, ok := s.books[symbol]
	if !ok {
		depth := s.settings.Stream.BookDepth
		rec := book.New(symbol, depth, book.SizeAbsolute)
		sym := symbol
		maintainer = shared.NewBookMaintainer(venueName, rec, func(ctx context.Context) ([]schema.BookLevel, []schema.BookLevel, uint64, error) {
			s.metrics.RecordBookResync(ctx, sym)
			return s.rest.depth(ctx, sym, depth)
		}, s.logger)
		s.books[symbol] = maintainer
	}
	s.mu.Unlock()

	if err := s.subscribe(ctx, depthChannelName(symbol), symbol); err != nil {
		return nil, err
	}
	if !ok {
		// The feed carries only diffs; arm the book from REST.
		go func() { _ = maintainer.Resync(s.ctx) }()
	}
	return maintainer, nil
}

// watchAccount authenticates the socket and subscribes the account channel.
func (s *streams) watchAccount(ctx context.Context) error {
	sess, err := s.ensureSession(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	already := s.account
	s.mu.Unlock()
	if already {
		return nil
	}

	if err := s.auth.ensure(ctx); err != nil {
		return err
	}
	token, err := s.auth.bearer()
	if err != nil {
		return err
	}
	if err := sess.Send(ctx, opFrame(opAuth, token)); err != nil {
		return err
	}
	if err := sess.Send(ctx, opFrame(opSubscribe, accountStream)); err != nil {
		return err
	}
	// Latch only once the channel is live so a failed attempt retries.
	sess.Track(stream.Subscription{Channel: accountStream, Key: accountStream})
	s.mu.Lock()
	s.account = true
	s.mu.Unlock()
	return nil
}

func (s *streams) subscribe(ctx context.Context, channel, key string) error {
	sess, err := s.ensureSession(ctx)
	if err != nil {
		return err
	}
	for _, sub := range sess.Subscriptions() {
		if sub.Channel == channel {
			return nil
		}
	}
	if err := sess.Send(ctx, opFrame(opSubscribe, channel)); err != nil {
		return err
	}
	sess.Track(stream.Subscription{Channel: channel, Key: key})
	return nil
}

// onReconnect re-authenticates if the account channel was live, replays
// every subscription, and drops state that must not survive the gap.
func (s *streams) onReconnect(subs []stream.Subscription) error {
	s.metrics.RecordReconnect(s.ctx, "multiplexed")

	s.mu.Lock()
	sess := s.session
	account := s.account
	for _, m := range s.books {
		m.Invalidate()
	}
	s.mu.Unlock()

	s.positions.Reset()
	s.orders.Reset()
	s.collateral.Reset()
	s.ordersMu.Lock()
	s.ordersBySymbol = make(map[string]map[string]schema.Order)
	s.ordersMu.Unlock()

	if sess == nil {
		return nil
	}
	if account {
		token, err := s.auth.bearer()
		if err != nil {
			return err
		}
		if err := sess.Send(s.ctx, opFrame(opAuth, token)); err != nil {
			return err
		}
	}
	for _, sub := range subs {
		if err := sess.Send(s.ctx, opFrame(opSubscribe, sub.Channel)); err != nil {
			return err
		}
	}

	// Diff-only depth feeds need a fresh REST snapshot after resubscribe.
	s.mu.Lock()
	books := make([]*shared.BookMaintainer, 0, len(s.books))
	for _, m := range s.books {
		books = append(books, m)
	}
	s.mu.Unlock()
	for _, m := range books {
		maintainer := m
		go func() { _ = maintainer.Resync(s.ctx) }()
	}
	return nil
}

func (s *streams) onFrame(frame []byte) {
	var msg wsMessage
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Ch == "" {
		return
	}
	s.metrics.RecordStreamMessage(s.ctx, msg.Ch, len(frame))

	switch {
	case msg.Ch == accountStream:
		s.handleAccount(msg)
	case len(msg.Ch) > 6 && msg.Ch[:6] == "price:":
		s.handlePrice(msg.Ch[6:], msg.Data)
	case len(msg.Ch) > 6 && msg.Ch[:6] == "depth:":
		s.handleDepth(msg.Ch[6:], msg.Data)
	}
}

func (s *streams) handlePrice(symbol string, data json.RawMessage) {
	var row priceRow
	if err := json.Unmarshal(data, &row); err != nil {
		return
	}
	mark, err := decimal.NewFromString(row.MarkPrice)
	if err != nil {
		return
	}
	s.marks.Update(symbol, mark)
}

func (s *streams) handleDepth(symbol string, data json.RawMessage) {
	maintainer := s.book(symbol)
	if maintainer == nil {
		return
	}
	var msg depthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return
	}
	maintainer.OnDelta(s.ctx, shared.BookDelta{
		First: msg.PrevSeq + 1,
		Last:  msg.Seq,
		Bids:  bids,
		Asks:  asks,
	})
}

func (s *streams) handleAccount(msg wsMessage) {
	var payload accountMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return
	}

	for _, row := range payload.Positions {
		pos, open := positionFrom(row)
		if !open {
			s.positions.Remove(row.Symbol)
			continue
		}
		s.positions.Update(row.Symbol, pos)
	}
	for _, row := range payload.Balances {
		s.collateral.Update(row.Asset, balanceFrom(row))
	}
	if len(payload.Orders) > 0 {
		s.foldOrders(payload.Orders)
	}

	if msg.Type == eventSnapshot {
		for symbol := range s.markets {
			s.positions.MarkReady(symbol)
			s.orders.MarkReady(symbol)
		}
		s.collateral.MarkReady(collateralAsset)
	}
}

func (s *streams) foldOrders(rows []orderRow) {
	s.ordersMu.Lock()
	touched := make(map[string]bool)
	for _, row := range rows {
		order := orderFrom(row)
		bySymbol := s.ordersBySymbol[order.Symbol]
		if bySymbol == nil {
			bySymbol = make(map[string]schema.Order)
			s.ordersBySymbol[order.Symbol] = bySymbol
		}
		if order.Status.Terminal() {
			delete(bySymbol, order.ID)
		} else {
			bySymbol[order.ID] = order
		}
		touched[order.Symbol] = true
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

func (s *streams) book(symbol string) *shared.BookMaintainer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books[symbol]
}

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

func (s *streams) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	s.account = false
}

// positionFrom converts one venue row; zero or malformed size reads as flat.
func positionFrom(row positionRow) (schema.Position, bool) {
	size, err := decimal.NewFromString(row.Size)
	if err != nil || size.IsZero() {
		return schema.Position{}, false
	}
	pos := schema.Position{
		Symbol: row.Symbol,
		Side:   schema.PositionLong,
		Size:   size.Abs(),
	}
	if size.Sign() < 0 {
		pos.Side = schema.PositionShort
	}
	pos.EntryPrice, _ = decimal.NewFromString(row.EntryPrice)
	pos.UnrealizedPnl, _ = decimal.NewFromString(row.UnrealizedPnl)
	pos.LiquidationPrice, _ = decimal.NewFromString(row.LiquidationPrice)
	pos.Leverage, _ = decimal.NewFromString(row.Leverage)
	if row.MarginMode == string(schema.MarginIsolated) {
		pos.MarginMode = schema.MarginIsolated
	} else if row.MarginMode != "" {
		pos.MarginMode = schema.MarginCross
	}
	return pos, true
}

func balanceFrom(row balanceRow) schema.Balance {
	bal := schema.Balance{Asset: row.Asset}
	bal.Available, _ = decimal.NewFromString(row.Available)
	bal.Total, _ = decimal.NewFromString(row.Total)
	bal.UnrealizedPnl, _ = decimal.NewFromString(row.UnrealizedPnl)
	return bal
}

func orderFrom(row orderRow) schema.Order {
	order := schema.Order{
		ID:            row.OrderID,
		ClientOrderID: row.ClientOrderID,
		Symbol:        row.Symbol,
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeLimit,
		Status:        orderStatus(row.Status),
	}
	if row.Side == "sell" {
		order.Side = schema.SideSell
	}
	if row.Type == "market" {
		order.Type = schema.OrderTypeMarket
	}
	order.Price, _ = decimal.NewFromString(row.Price)
	order.Size, _ = decimal.NewFromString(row.Size)
	order.FilledSize, _ = decimal.NewFromString(row.FilledSize)
	if row.CreatedAt > 0 {
		order.CreatedAt = time.UnixMilli(row.CreatedAt)
	}
	return order
}

func orderStatus(raw string) schema.OrderStatus {
	switch raw {
	case "open", "new", "partially_filled":
		return schema.OrderStatusOpen
	case "filled":
		return schema.OrderStatusFilled
	case "cancelled", "canceled":
		return schema.OrderStatusCancelled
	default:
		return schema.OrderStatusRejected
	}
}
