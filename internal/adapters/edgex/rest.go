package edgex

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/signing"
)

const (
	headerTimestamp = "X-edgeX-Api-Timestamp"
	headerSignature = "X-edgeX-Api-Signature"

	codeSuccess = "SUCCESS"
)

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Code       string            `json:"code"`
	Data       json.RawMessage   `json:"data"`
	ErrorParam map[string]string `json:"errorParam"`
}

// restClient is the signed REST collaborator: public quote endpoints plus
// private account and trading endpoints authenticated with a stark signature
// over timestamp+METHOD+path+sortedParams.
type restClient struct {
	http      *shared.RESTClient
	signer    *signing.StarkSigner
	accountID string
	metrics   *shared.VenueMetrics
	now       func() time.Time
}

func newRESTClient(http *shared.RESTClient, signer *signing.StarkSigner, accountID string, metrics *shared.VenueMetrics) *restClient {
	return &restClient{
		http:      http,
		signer:    signer,
		accountID: accountID,
		metrics:   metrics,
		now:       time.Now,
	}
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

	if env.Code != "" && env.Code != codeSuccess {
		opts := []errs.Option{errs.WithRawCode(env.Code)}
		for k, v := range env.ErrorParam {
			opts = append(opts, errs.WithVenueField(k, v))
		}
		return errs.New(venueName, errs.CodeRequest, opts...)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("decode response data"), errs.WithCause(err))
	}
	return nil
}

func (r *restClient) public(ctx context.Context, path string, params map[string]string, out any) error {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return r.do(ctx, shared.Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// signed executes a private call. params enter both the signature and, for
// GET, the query string; body ships as JSON for POST.
func (r *restClient) signed(ctx context.Context, method, path string, params map[string]string, body any, out any) error {
	ts := strconv.FormatInt(r.now().UnixMilli(), 10)
	sig, err := r.signer.SignRequest(method, path, params, ts)
	if err != nil {
		return err
	}

	req := shared.Request{
		Method: method,
		Path:   path,
		Headers: map[string]string{
			headerTimestamp: ts,
			headerSignature: sig,
		},
	}
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		req.Query = query
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		req.Body = payload
	}
	return r.do(ctx, req, out)
}

type tickerEntry struct {
	ContractID  string `json:"contractId"`
	LastPrice   string `json:"lastPrice"`
	OraclePrice string `json:"oraclePrice"`
}

// ticker returns the last traded and oracle prices for a contract.
func (r *restClient) ticker(ctx context.Context, contractID string) (last, oracle decimal.Decimal, err error) {
	var entries []tickerEntry
	if err := r.public(ctx, "/api/v1/public/quote/getTicker",
		map[string]string{"contractId": contractID}, &entries); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(entries) == 0 {
		return decimal.Zero, decimal.Zero, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("empty ticker response"))
	}
	last, err = decimal.NewFromString(entries[0].LastPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("malformed lastPrice"), errs.WithCause(err))
	}
	oracle, err = decimal.NewFromString(entries[0].OraclePrice)
	if err != nil {
		// Some contracts quote without an oracle; fall back to last.
		oracle = last
	}
	return last, oracle, nil
}

type depthEntry struct {
	StartVersion string     `json:"startVersion"`
	EndVersion   string     `json:"endVersion"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// depthSnapshot fetches a full book snapshot with its version cursor.
func (r *restClient) depthSnapshot(ctx context.Context, contractID string, level int) (bids, asks []schema.BookLevel, cursor uint64, err error) {
	var entries []depthEntry
	if err := r.public(ctx, "/api/v1/public/quote/getDepth", map[string]string{
		"contractId": contractID,
		"level":      strconv.Itoa(level),
	}, &entries); err != nil {
		return nil, nil, 0, err
	}
	if len(entries) == 0 {
		return nil, nil, 0, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("empty depth response"))
	}
	entry := entries[0]
	bids, err = parseLevels(entry.Bids)
	if err != nil {
		return nil, nil, 0, err
	}
	asks, err = parseLevels(entry.Asks)
	if err != nil {
		return nil, nil, 0, err
	}
	cursor, _ = strconv.ParseUint(entry.EndVersion, 10, 64)
	return bids, asks, cursor, nil
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

type positionEntry struct {
	ContractID string `json:"contractId"`
	OpenSize   string `json:"openSize"`
	OpenValue  string `json:"openValue"`
}

type positionAssetEntry struct {
	ContractID     string `json:"contractId"`
	AvgEntryPrice  string `json:"avgEntryPrice"`
	UnrealizePnl   string `json:"unrealizePnl"`
	LiquidatePrice string `json:"liquidatePrice"`
}

type collateralEntry struct {
	CoinID          string `json:"coinId"`
	AvailableAmount string `json:"availableAmount"`
	TotalEquity     string `json:"totalEquity"`
	UnrealizePnl    string `json:"unrealizePnl"`
}

type accountAsset struct {
	PositionList             []positionEntry      `json:"positionList"`
	PositionAssetList        []positionAssetEntry `json:"positionAssetList"`
	CollateralAssetModelList []collateralEntry    `json:"collateralAssetModelList"`
}

func (r *restClient) accountAsset(ctx context.Context) (accountAsset, error) {
	var out accountAsset
	err := r.signed(ctx, http.MethodGet, "/api/v1/private/account/getAccountAsset",
		map[string]string{"accountId": r.accountID}, nil, &out)
	return out, err
}

type orderEntry struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"clientOrderId"`
	ContractID    string `json:"contractId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	CumFillSize   string `json:"cumFillSize"`
	Status        string `json:"status"`
	CreatedTime   string `json:"createdTime"`
}

type activeOrderPage struct {
	DataList []orderEntry `json:"dataList"`
}

func (r *restClient) activeOrders(ctx context.Context, contractID string) ([]orderEntry, error) {
	var page activeOrderPage
	err := r.signed(ctx, http.MethodGet, "/api/v1/private/order/getActiveOrderPage",
		map[string]string{
			"accountId":            r.accountID,
			"size":                 "200",
			"filterContractIdList": contractID,
		}, nil, &page)
	if err != nil {
		return nil, err
	}
	return page.DataList, nil
}

type cancelResultPayload struct {
	CancelResultMap map[string]string `json:"cancelResultMap"`
}

// cancelByIDs cancels the given order ids. The ids join with '&' in the
// signature string but ship as a JSON list in the body.
func (r *restClient) cancelByIDs(ctx context.Context, ids []string) (map[string]string, error) {
	params := map[string]string{
		"accountId":   r.accountID,
		"orderIdList": strings.Join(ids, "&"),
	}
	body := map[string]any{
		"accountId":   r.accountID,
		"orderIdList": ids,
	}
	var out cancelResultPayload
	if err := r.signed(ctx, http.MethodPost, "/api/v1/private/order/cancelOrderById",
		params, body, &out); err != nil {
		return nil, err
	}
	if out.CancelResultMap == nil {
		// Venue acknowledged without per-id detail; treat every id as done.
		result := make(map[string]string, len(ids))
		for _, id := range ids {
			result[id] = "success"
		}
		return result, nil
	}
	return out.CancelResultMap, nil
}

type createOrderAck struct {
	OrderID string `json:"orderId"`
}

// createOrder submits a signed order body. Every body value participates in
// the request signature.
func (r *restClient) createOrder(ctx context.Context, body map[string]string) (string, error) {
	params := make(map[string]string, len(body))
	for k, v := range body {
		params[k] = v
	}
	var ack createOrderAck
	if err := r.signed(ctx, http.MethodPost, "/api/v1/private/order/createOrder",
		params, body, &ack); err != nil {
		return "", err
	}
	return ack.OrderID, nil
}

type tradeSetting struct {
	MaxLeverage string `json:"maxLeverage"`
}

type accountDetail struct {
	ContractIDToTradeSetting map[string]tradeSetting `json:"contractIdToTradeSetting"`
	MaxLeverage              string                  `json:"maxLeverage"`
}

func (r *restClient) leverageSetting(ctx context.Context, contractID string) (int, int, error) {
	var detail accountDetail
	err := r.signed(ctx, http.MethodGet, "/api/v1/private/account/getAccountByAccountId",
		map[string]string{"accountId": r.accountID}, nil, &detail)
	if err != nil {
		return 0, 0, err
	}
	current := 0
	if setting, ok := detail.ContractIDToTradeSetting[contractID]; ok {
		current, _ = strconv.Atoi(setting.MaxLeverage)
	}
	ceiling, _ := strconv.Atoi(detail.MaxLeverage)
	return current, ceiling, nil
}

func (r *restClient) updateLeverage(ctx context.Context, contractID string, leverage int) error {
	params := map[string]string{
		"accountId":   r.accountID,
		"contractId":  contractID,
		"maxLeverage": strconv.Itoa(leverage),
	}
	return r.signed(ctx, http.MethodPost, "/api/v1/private/account/updateLeverageSetting",
		params, params, nil)
}

// wsAuthHeaders produces the private stream handshake headers. The signed
// path embeds the account id without a query separator, matching the venue
// SDK.
func (r *restClient) wsAuthHeaders() (http.Header, error) {
	ts := strconv.FormatInt(r.now().UnixMilli(), 10)
	path := "/api/v1/private/wsaccountId=" + r.accountID
	sig, err := r.signer.SignRequestRS(http.MethodGet, path, nil, ts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(headerTimestamp, ts)
	header.Set(headerSignature, sig)
	return header, nil
}
