package standx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/signing"
)

const symbolsBody = `{"code":0,"data":{"perp":[
	{"symbol":"BTC-USD","tickSize":"0.1","stepSize":"0.001","minOrderSize":"0.001","maxOrderSize":"100"},
	{"symbol":"ETH-USD","tickSize":"0.01","stepSize":"0.01","minOrderSize":"0.01","maxOrderSize":"1000"}
],"spot":[{"symbol":"BTC-USDT"}]}}`

func newTestProvider(t *testing.T, extra http.HandlerFunc) *Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/market/symbols", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(symbolsBody))
	})
	if extra != nil {
		mux.HandleFunc("/", extra)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := config.StandXSettings{
		WalletAddress: testAddress,
		Chain:         "bsc",
		SessionToken:  makeJWT(t, time.Now().Add(time.Hour)),
		SessionDir:    t.TempDir(),
		APIBaseURL:    server.URL,
		PerpsBaseURL:  server.URL,
		WSURL:         "ws://127.0.0.1:1/ws",
		PreferStream:  false,
		HTTPTimeout:   2 * time.Second,
		Stream: config.StreamSettings{
			RecvTimeout:  time.Second,
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 20 * time.Millisecond,
			ReadyTimeout: 100 * time.Millisecond,
			BookDepth:    50,
		},
	}
	p, err := New(context.Background(), cfg, Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestGetMarkPriceFallsBackToREST(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/market/price", r.URL.Path)
		require.Equal(t, "BTC-USD", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"code":0,"data":{"symbol":"BTC-USD","markPrice":"50123.4","indexPrice":"50120"}}`))
	})

	price, err := p.GetMarkPrice(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("50123.4").Equal(price))
}

func TestPrivateCallsCarrySignatureHeaders(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/account/balance", r.URL.Path)
		require.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		require.Equal(t, "v1", r.Header.Get(signing.HeaderSignVersion))
		require.NotEmpty(t, r.Header.Get(signing.HeaderRequestID))
		require.NotEmpty(t, r.Header.Get(signing.HeaderTimestamp))
		require.NotEmpty(t, r.Header.Get(signing.HeaderSignature))
		_, _ = w.Write([]byte(`{"code":0,"data":{"asset":"USDT","available":"900","total":"1000","unrealizedPnl":"-3"}}`))
	})

	bal, err := p.GetCollateral(context.Background())
	require.NoError(t, err)
	require.Equal(t, "USDT", bal.Asset)
	require.True(t, decimal.RequireFromString("900").Equal(bal.Available))
}

func TestAuthRejectionRetriesOnceWithFreshSession(t *testing.T) {
	var attempts atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"asset":"USDT","available":"1","total":"1","unrealizedPnl":"0"}}`))
	})

	_, err := p.GetCollateral(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), attempts.Load())
}

func TestCreateOrderQuantizesAndSigns(t *testing.T) {
	var body orderBody
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/orders", r.URL.Path)
		require.NotEmpty(t, r.Header.Get(signing.HeaderSignature))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"code":0,"data":{"orderId":"o-1","status":"open"}}`))
	})

	ack, err := p.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC-USD",
		Side:   schema.SideBuy,
		Size:   decimal.RequireFromString("0.0155"),
		Price:  decimal.RequireFromString("50000.16"),
		Type:   schema.OrderTypeLimit,
	})
	require.NoError(t, err)
	require.Equal(t, "o-1", ack.OrderID)
	require.Equal(t, schema.OrderStatusOpen, ack.Status)

	require.Equal(t, "0.015", body.Size)
	require.Equal(t, "50000.2", body.Price)
	require.Equal(t, "buy", body.Side)
	require.Equal(t, "limit", body.Type)
	require.Equal(t, "good_til_cancel", body.TimeInForce)
	require.Equal(t, ack.ClientOrderID, body.ClientOrderID)
}

func TestCreateOrderRejectsUndersize(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := p.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol: "BTC-USD",
		Side:   schema.SideBuy,
		Size:   decimal.RequireFromString("0.0001"),
		Price:  decimal.RequireFromString("50000"),
		Type:   schema.OrderTypeLimit,
	})
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CanonicalBadQuantity, e.Canonical)
	require.Zero(t, hits.Load())
}

func TestGetPositionFlatReadsNil(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":[{"symbol":"BTC-USD","size":"0"}]}`))
	})

	pos, err := p.GetPosition(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.Nil(t, pos)
}

func TestGetPositionLong(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":[{
			"symbol":"BTC-USD","size":"0.4","entryPrice":"48000",
			"unrealizedPnl":"80","liquidationPrice":"30000",
			"leverage":"5","marginMode":"cross"}]}`))
	})

	pos, err := p.GetPosition(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.Equal(t, schema.PositionLong, pos.Side)
	require.Equal(t, schema.MarginCross, pos.MarginMode)
	require.True(t, decimal.RequireFromString("5").Equal(pos.Leverage))
}

func TestCancelOrdersKeepsInputOrder(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/orders/cancel", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":0,"data":[
			{"orderId":"b","ok":false,"reason":"order not found"},
			{"orderId":"a","ok":true}
		]}`))
	})

	results, err := p.CancelOrders(context.Background(), "BTC-USD", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].OrderID)
	require.True(t, results[0].OK)
	require.False(t, results[1].OK)
	require.Equal(t, "order not found", results[1].Reason)
}

func TestLeverageIsNotImplemented(t *testing.T) {
	p := newTestProvider(t, nil)

	err := p.UpdateLeverage(context.Background(), "BTC-USD", 5, schema.MarginCross)
	require.True(t, errs.IsNotImplemented(err))

	_, err = p.GetLeverageInfo(context.Background(), "BTC-USD")
	require.True(t, errs.IsNotImplemented(err))
}

func TestVenueErrorSurfacesRawMessage(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":4001,"msg":"insufficient margin"}`))
	})

	_, err := p.GetMarkPrice(context.Background(), "BTC-USD")
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, "4001", e.RawCode)
	require.Equal(t, "insufficient margin", e.RawMsg)
}

func TestGetAvailableSymbols(t *testing.T) {
	p := newTestProvider(t, nil)

	set, err := p.GetAvailableSymbols(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"BTC-USD", "ETH-USD"}, set.Perp)
	require.Equal(t, []string{"BTC-USDT"}, set.Spot)
}
