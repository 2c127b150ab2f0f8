package edgex

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/book"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

func testMarkets() map[string]Market {
	return map[string]Market{
		"BTCUSD": {
			Symbol:            "BTCUSD",
			ContractID:        "10000001",
			TickSize:          decimal.RequireFromString("0.1"),
			StepSize:          decimal.RequireFromString("0.001"),
			StarkResolution:   decimal.New(1, 10),
			SyntheticAssetID:  big.NewInt(1),
			CollateralAssetID: big.NewInt(2),
		},
	}
}

func newTestStreams(t *testing.T) *streams {
	t.Helper()
	cfg := config.EdgeXSettings{
		Stream: config.StreamSettings{BookDepth: 50},
	}
	return newStreams(context.Background(), nil, cfg, testMarkets(),
		shared.NewVenueMetrics(venueName), nil)
}

func frame(channel, event string, data any) []byte {
	raw, _ := json.Marshal(data)
	content, _ := json.Marshal(map[string]any{"event": event, "data": json.RawMessage(raw)})
	payload, _ := json.Marshal(map[string]any{
		"type":    "payload",
		"channel": channel,
		"content": json.RawMessage(content),
	})
	return payload
}

func TestTickerFrameUpdatesMark(t *testing.T) {
	s := newTestStreams(t)

	s.onPublicFrame(frame("ticker.10000001", "", []map[string]string{{
		"contractId":  "10000001",
		"lastPrice":   "50100.5",
		"oraclePrice": "50099",
	}}))

	q, ok := s.marks.Get("BTCUSD")
	require.True(t, ok)
	require.True(t, decimal.RequireFromString("50100.5").Equal(q.Last))
	require.True(t, decimal.RequireFromString("50099").Equal(q.Oracle))
}

func TestDepthFramesBuildBook(t *testing.T) {
	s := newTestStreams(t)
	rec := book.New("BTCUSD", 50, book.SizeAbsolute)
	maintainer := shared.NewBookMaintainer(venueName, rec, func(ctx context.Context) ([]schema.BookLevel, []schema.BookLevel, uint64, error) {
		t.Fatal("snapshot fetch must not run when the feed supplies one")
		return nil, nil, 0, nil
	}, nil)
	s.books["BTCUSD"] = maintainer

	s.onPublicFrame(frame("depth.10000001.50", "", []map[string]any{{
		"contractId":   "10000001",
		"depthType":    "SNAPSHOT",
		"startVersion": "100",
		"endVersion":   "100",
		"bids":         [][]string{{"50000", "1"}, {"49990", "2"}},
		"asks":         [][]string{{"50010", "1"}},
	}}))
	require.True(t, maintainer.Ready())

	s.onPublicFrame(frame("depth.10000001.50", "", []map[string]any{{
		"contractId":   "10000001",
		"depthType":    "CHANGED",
		"startVersion": "101",
		"endVersion":   "101",
		"bids":         [][]string{{"50000", "0"}},
		"asks":         [][]string{},
	}}))

	b := maintainer.Book(10)
	require.Equal(t, uint64(101), b.Sequence)
	require.Len(t, b.Bids, 1)
	require.True(t, decimal.RequireFromString("49990").Equal(b.Bids[0].Price))
}

func TestAccountSnapshotMarksReady(t *testing.T) {
	s := newTestStreams(t)
	require.False(t, s.positions.Ready("BTCUSD"))

	s.onPrivateFrame(frame("account-all", "SNAPSHOT", []map[string]any{{
		"positionList": []map[string]string{{"contractId": "10000001", "openSize": "1.2"}},
		"positionAssetList": []map[string]string{{
			"contractId": "10000001", "avgEntryPrice": "48000",
			"unrealizePnl": "15", "liquidatePrice": "30000",
		}},
		"collateralList": []map[string]string{{
			"coinId": "1000", "availableAmount": "900", "totalEquity": "1000", "unrealizePnl": "15",
		}},
	}}))

	require.True(t, s.positions.Ready("BTCUSD"))
	require.True(t, s.orders.Ready("BTCUSD"))
	require.True(t, s.collateral.Ready("USDT"))

	pos, ok := s.positions.Get("BTCUSD")
	require.True(t, ok)
	require.Equal(t, schema.PositionLong, pos.Side)
	require.True(t, decimal.RequireFromString("48000").Equal(pos.EntryPrice))

	bal, ok := s.collateral.Get("USDT")
	require.True(t, ok)
	require.True(t, decimal.RequireFromString("900").Equal(bal.Available))
}

func TestZeroSizePositionReadsAsFlat(t *testing.T) {
	s := newTestStreams(t)

	s.onPrivateFrame(frame("account-all", "SNAPSHOT", []map[string]any{{
		"positionList": []map[string]string{{"contractId": "10000001", "openSize": "0.5"}},
	}}))
	_, ok := s.positions.Get("BTCUSD")
	require.True(t, ok)

	// A fill closing the position arrives as a zero-size row; the cache must
	// read as authoritatively flat, still ready.
	s.onPrivateFrame(frame("account-all", "CHANGED", []map[string]any{{
		"positionList": []map[string]string{{"contractId": "10000001", "openSize": "0"}},
	}}))
	_, ok = s.positions.Get("BTCUSD")
	require.False(t, ok)
	require.True(t, s.positions.Ready("BTCUSD"))
}

func TestOrderUpdatesFoldIntoOpenList(t *testing.T) {
	s := newTestStreams(t)

	s.onPrivateFrame(frame("account-all", "SNAPSHOT", []map[string]any{{
		"orderList": []map[string]string{{
			"id": "11", "contractId": "10000001", "side": "BUY", "type": "LIMIT",
			"price": "48000", "size": "0.5", "cumFillSize": "0", "status": "OPEN",
			"createdTime": "1700000000000",
		}},
	}}))
	list, _ := s.orders.Get("BTCUSD")
	require.Len(t, list, 1)

	s.onPrivateFrame(frame("account-all", "CHANGED", []map[string]any{{
		"orderList": []map[string]string{{
			"id": "11", "contractId": "10000001", "side": "BUY", "type": "LIMIT",
			"price": "48000", "size": "0.5", "cumFillSize": "0.5", "status": "FILLED",
			"createdTime": "1700000000000",
		}},
	}}))
	list, _ = s.orders.Get("BTCUSD")
	require.Empty(t, list)
}

func TestPrivateReconnectDropsReadiness(t *testing.T) {
	s := newTestStreams(t)
	s.onPrivateFrame(frame("account-all", "SNAPSHOT", []map[string]any{{
		"collateralList": []map[string]string{{
			"coinId": "1000", "availableAmount": "900", "totalEquity": "1000", "unrealizePnl": "0",
		}},
	}}))
	require.True(t, s.collateral.Ready("USDT"))

	require.NoError(t, s.onPrivateReconnect(nil))
	require.False(t, s.collateral.Ready("USDT"))
	require.False(t, s.positions.Ready("BTCUSD"))
}

func TestAutoPongEchoesServerTime(t *testing.T) {
	pong, ok := autoPong([]byte(`{"type":"ping","time":"1700000000000"}`))
	require.True(t, ok)
	require.JSONEq(t, `{"type":"pong","time":"1700000000000"}`, string(pong))

	_, ok = autoPong([]byte(`{"type":"payload","channel":"x"}`))
	require.False(t, ok)
}

func TestFailedSubscribeIsNotTracked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := config.EdgeXSettings{
		WSPublicURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		Stream: config.StreamSettings{
			RecvTimeout:  time.Second,
			ReconnectMin: 10 * time.Millisecond,
			ReconnectMax: 20 * time.Millisecond,
			BookDepth:    50,
		},
	}
	s := newStreams(context.Background(), nil, cfg, testMarkets(),
		shared.NewVenueMetrics(venueName), nil)
	defer s.close()

	require.NoError(t, s.watchMark(context.Background(), s.bySymbol["BTCUSD"]))
	s.mu.Lock()
	sess := s.public
	s.mu.Unlock()
	require.Len(t, sess.Subscriptions(), 1)

	sess.Close()
	other := Market{Symbol: "ETHUSD", ContractID: "10000002"}
	require.Error(t, s.watchMark(context.Background(), other))
	require.Len(t, sess.Subscriptions(), 1, "failed send must not track a dead subscription")
}
