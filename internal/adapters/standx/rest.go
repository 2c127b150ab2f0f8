package standx

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

// envelope is the venue's uniform response wrapper; code 0 is success.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e envelope) decode(out any) error {
	if e.Code != 0 {
		return errs.New(venueName, errs.CodeRequest,
			errs.WithRawCode(strconv.Itoa(e.Code)),
			errs.WithRawMessage(e.Msg))
	}
	if out == nil || len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("decode response data"), errs.WithCause(err))
	}
	return nil
}

// Market carries one perpetual's quantization rules.
type Market struct {
	Symbol       string
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinOrderSize decimal.Decimal
	MaxOrderSize decimal.Decimal
}

// restClient talks to the perps API. Private calls carry a bearer token plus
// a detached ed25519 signature over the body; a rejected session is dropped
// and retried once after a fresh login.
type restClient struct {
	http    *shared.RESTClient
	auth    *authManager
	metrics *shared.VenueMetrics
	now     func() time.Time
}

func newRESTClient(http *shared.RESTClient, auth *authManager, metrics *shared.VenueMetrics) *restClient {
	return &restClient{http: http, auth: auth, metrics: metrics, now: time.Now}
}

func (r *restClient) do(ctx context.Context, req shared.Request, out any) error {
	op := req.Method + " " + req.Path
	start := r.now()
	var env envelope
	err := r.http.Do(ctx, req, &env)
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.RecordRequest(ctx, op, result, r.now().Sub(start))
	if err != nil {
		return err
	}
	return env.decode(out)
}

func (r *restClient) public(ctx context.Context, path string, query url.Values, out any) error {
	return r.do(ctx, shared.Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// signed executes an authenticated call. GET requests sign an empty payload;
// POST requests sign the exact body bytes.
func (r *restClient) signed(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("encode request body"), errs.WithCause(err))
		}
	}

	attempt := func() error {
		if err := r.auth.ensure(ctx); err != nil {
			return err
		}
		headers, err := r.auth.headers(string(payload))
		if err != nil {
			return err
		}
		return r.do(ctx, shared.Request{
			Method:  method,
			Path:    path,
			Query:   query,
			Headers: headers,
			Body:    payload,
		}, out)
	}

	err := attempt()
	var e *errs.E
	if errors.As(err, &e) && e.Code == errs.CodeAuth && e.HTTP != 0 {
		// The venue rejected a session we thought was live; log in again.
		r.auth.invalidate()
		return attempt()
	}
	return err
}

type symbolRow struct {
	Symbol       string `json:"symbol"`
	TickSize     string `json:"tickSize"`
	StepSize     string `json:"stepSize"`
	MinOrderSize string `json:"minOrderSize"`
	MaxOrderSize string `json:"maxOrderSize"`
}

type symbolsPayload struct {
	Perp []symbolRow `json:"perp"`
	Spot []symbolRow `json:"spot"`
}

// fetchMarkets loads perp quantization rules, and the raw symbol lists for
// GetAvailableSymbols.
func (r *restClient) fetchMarkets(ctx context.Context) (map[string]Market, schema.SymbolSet, error) {
	var payload symbolsPayload
	if err := r.public(ctx, "/api/v1/market/symbols", nil, &payload); err != nil {
		return nil, schema.SymbolSet{}, err
	}
	if len(payload.Perp) == 0 {
		return nil, schema.SymbolSet{}, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("symbols returned no perps"))
	}

	markets := make(map[string]Market, len(payload.Perp))
	set := schema.SymbolSet{
		Perp: make([]string, 0, len(payload.Perp)),
		Spot: make([]string, 0, len(payload.Spot)),
	}
	for _, row := range payload.Perp {
		m, err := row.toMarket()
		if err != nil {
			return nil, schema.SymbolSet{}, err
		}
		markets[m.Symbol] = m
		set.Perp = append(set.Perp, m.Symbol)
	}
	for _, row := range payload.Spot {
		set.Spot = append(set.Spot, row.Symbol)
	}
	return markets, set, nil
}

func (row symbolRow) toMarket() (Market, error) {
	tick, err := decimal.NewFromString(row.TickSize)
	if err != nil {
		return Market{}, badSymbolMeta(row.Symbol, "tickSize", err)
	}
	step, err := decimal.NewFromString(row.StepSize)
	if err != nil {
		return Market{}, badSymbolMeta(row.Symbol, "stepSize", err)
	}
	minSize, err := decimal.NewFromString(row.MinOrderSize)
	if err != nil {
		return Market{}, badSymbolMeta(row.Symbol, "minOrderSize", err)
	}
	maxSize, err := decimal.NewFromString(row.MaxOrderSize)
	if err != nil {
		return Market{}, badSymbolMeta(row.Symbol, "maxOrderSize", err)
	}
	return Market{
		Symbol:       row.Symbol,
		TickSize:     tick,
		StepSize:     step,
		MinOrderSize: minSize,
		MaxOrderSize: maxSize,
	}, nil
}

func badSymbolMeta(symbol, field string, cause error) error {
	return errs.New(venueName, errs.CodeProtocol,
		errs.WithMessage("malformed symbol metadata"),
		errs.WithVenueField("symbol", symbol),
		errs.WithVenueField("field", field),
		errs.WithCause(cause))
}

type priceRow struct {
	Symbol     string `json:"symbol"`
	MarkPrice  string `json:"markPrice"`
	IndexPrice string `json:"indexPrice"`
}

func (r *restClient) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var row priceRow
	if err := r.public(ctx, "/api/v1/market/price",
		url.Values{"symbol": {symbol}}, &row); err != nil {
		return decimal.Zero, err
	}
	mark, err := decimal.NewFromString(row.MarkPrice)
	if err != nil {
		return decimal.Zero, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("malformed markPrice"), errs.WithCause(err))
	}
	return mark, nil
}

type depthPayload struct {
	Seq  uint64     `json:"seq"`
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (r *restClient) depth(ctx context.Context, symbol string, limit int) (bids, asks []schema.BookLevel, seq uint64, err error) {
	var payload depthPayload
	if err := r.public(ctx, "/api/v1/market/depth", url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(limit)},
	}, &payload); err != nil {
		return nil, nil, 0, err
	}
	bids, err = parseLevels(payload.Bids)
	if err != nil {
		return nil, nil, 0, err
	}
	asks, err = parseLevels(payload.Asks)
	if err != nil {
		return nil, nil, 0, err
	}
	return bids, asks, payload.Seq, nil
}

func parseLevels(raw [][]string) ([]schema.BookLevel, error) {
	out := make([]schema.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, errs.New(venueName, errs.CodeProtocol,
				errs.WithMessage("malformed depth price"), errs.WithCause(err))
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, errs.New(venueName, errs.CodeProtocol,
				errs.WithMessage("malformed depth size"), errs.WithCause(err))
		}
		out = append(out, schema.BookLevel{Price: price, Size: size})
	}
	return out, nil
}

type positionRow struct {
	Symbol           string `json:"symbol"`
	Size             string `json:"size"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedPnl    string `json:"unrealizedPnl"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginMode       string `json:"marginMode"`
}

func (r *restClient) positions(ctx context.Context) ([]positionRow, error) {
	var rows []positionRow
	err := r.signed(ctx, http.MethodGet, "/api/v1/account/positions", nil, nil, &rows)
	return rows, err
}

type balanceRow struct {
	Asset         string `json:"asset"`
	Available     string `json:"available"`
	Total         string `json:"total"`
	UnrealizedPnl string `json:"unrealizedPnl"`
}

func (r *restClient) balance(ctx context.Context) (balanceRow, error) {
	var row balanceRow
	err := r.signed(ctx, http.MethodGet, "/api/v1/account/balance", nil, nil, &row)
	return row, err
}

type orderRow struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	FilledSize    string `json:"filledSize"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
}

func (r *restClient) openOrders(ctx context.Context, symbol string) ([]orderRow, error) {
	var rows []orderRow
	err := r.signed(ctx, http.MethodGet, "/api/v1/orders/open",
		url.Values{"symbol": {symbol}}, nil, &rows)
	return rows, err
}

type orderBody struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Size          string `json:"size"`
	Price         string `json:"price,omitempty"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClientOrderID string `json:"clientOrderId"`
}

type orderAckRow struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (r *restClient) createOrder(ctx context.Context, body orderBody) (orderAckRow, error) {
	var ack orderAckRow
	err := r.signed(ctx, http.MethodPost, "/api/v1/orders", nil, body, &ack)
	return ack, err
}

type cancelRow struct {
	OrderID string `json:"orderId"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason"`
}

func (r *restClient) cancelOrders(ctx context.Context, symbol string, ids []string) ([]cancelRow, error) {
	var rows []cancelRow
	err := r.signed(ctx, http.MethodPost, "/api/v1/orders/cancel", nil, map[string]any{
		"symbol":   symbol,
		"orderIds": ids,
	}, &rows)
	return rows, err
}
