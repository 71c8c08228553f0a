package dhan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/config"
	"github.com/realalgo/gateway/internal/symbols"
)

func newTestUpgrader() websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
}

type fakeSymbols struct {
	byKey map[string]symbols.Instrument
}

func (f *fakeSymbols) Lookup(_ context.Context, _, symbol, exchange string) (symbols.Instrument, error) {
	in, ok := f.byKey[exchange+":"+symbol]
	if !ok {
		return symbols.Instrument{}, fmt.Errorf("%w: %s:%s", symbols.ErrNotFound, exchange, symbol)
	}
	return in, nil
}

func (f *fakeSymbols) LookupToken(_ context.Context, _, token string) (symbols.Instrument, error) {
	for _, in := range f.byKey {
		if in.Token == token {
			return in, nil
		}
	}
	return symbols.Instrument{}, symbols.ErrNotFound
}

func testSymbols() *fakeSymbols {
	return &fakeSymbols{byKey: map[string]symbols.Instrument{
		"NSE:RELIANCE": {Symbol: "RELIANCE", Exchange: "NSE", BrokerExchange: "NSE_EQ", Token: "2885"},
		"NFO:NIFTY24DECFUT": {
			Symbol: "NIFTY24DECFUT", Exchange: "NFO", BrokerExchange: "NSE_FNO", Token: "53001",
		},
	}}
}

func newTestAdapter(t *testing.T, baseURL, wsURL string) *Adapter {
	t.Helper()
	return New(zaptest.NewLogger(t), config.BrokerConfig{BaseURL: baseURL, WSURL: wsURL}, testSymbols())
}

func testSession() *broker.Session {
	return &broker.Session{
		Identity: broker.BrokerIdentity{
			BrokerCode:  Code,
			AccountID:   "ACC1",
			Credentials: broker.Credentials{ClientID: "1100339"},
		},
		AuthToken: "feed-token",
	}
}

func limitBuy() broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:   "ACC1",
		Symbol:      "RELIANCE",
		Exchange:    broker.ExchangeNSE,
		Side:        broker.SideBuy,
		Quantity:    10,
		ProductType: broker.ProductMIS,
		OrderType:   broker.OrderTypeLimit,
		Price:       decimal.NewFromFloat(2840.5),
		ClientTag:   "mystrategy",
	}
}

func TestSegmentMappingRoundTrip(t *testing.T) {
	cases := map[string]string{
		broker.ExchangeNSE: "NSE_EQ",
		broker.ExchangeBSE: "BSE_EQ",
		broker.ExchangeNFO: "NSE_FNO",
		broker.ExchangeBFO: "BSE_FNO",
		broker.ExchangeCDS: "NSE_CURRENCY",
		broker.ExchangeBCD: "BSE_CURRENCY",
		broker.ExchangeMCX: "MCX_COMM",
	}
	for gw, seg := range cases {
		got, ok := Segment(gw)
		require.True(t, ok, gw)
		assert.Equal(t, seg, got)
		back, ok := GatewayExchange(seg)
		require.True(t, ok, seg)
		assert.Equal(t, gw, back)
	}

	// Both index exchanges share one segment.
	seg, ok := Segment(broker.ExchangeNSEIndex)
	require.True(t, ok)
	assert.Equal(t, "IDX_I", seg)
	seg, ok = Segment(broker.ExchangeBSEIndex)
	require.True(t, ok)
	assert.Equal(t, "IDX_I", seg)

	_, ok = Segment("NASDAQ")
	assert.False(t, ok)
}

func TestPlaceOrderTranslatesRequest(t *testing.T) {
	var got orderPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/orders", r.URL.Path)
		require.Equal(t, "feed-token", r.Header.Get("access-token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(orderResponse{OrderID: "112111182198", OrderStatus: "PENDING"})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	res, err := a.PlaceOrder(context.Background(), testSession(), limitBuy())
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)
	assert.Equal(t, "112111182198", res.BrokerOrderID)

	assert.Equal(t, "1100339", got.DhanClientID)
	assert.Equal(t, "mystrategy", got.CorrelationID)
	assert.Equal(t, "BUY", got.TransactionType)
	assert.Equal(t, "NSE_EQ", got.ExchangeSegment)
	assert.Equal(t, "INTRADAY", got.ProductType)
	assert.Equal(t, "LIMIT", got.OrderType)
	assert.Equal(t, "2885", got.SecurityID)
	assert.Equal(t, int64(10), got.Quantity)
	assert.InDelta(t, 2840.5, got.Price, 1e-9)
}

func TestPlaceOrderUnknownInstrumentStaysLocal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	req := limitBuy()
	req.Symbol = "NOSUCH"
	res, err := a.PlaceOrder(context.Background(), testSession(), req)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Contains(t, res.Message, "instrument master")
	assert.Zero(t, calls.Load(), "no request may leave the process")
}

func TestPlaceOrderBrokerDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(errEnvelope{
			ErrorType: "Order_Error", ErrorCode: "DH-905", ErrorMessage: "Insufficient funds",
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	res, err := a.PlaceOrder(context.Background(), testSession(), limitBuy())
	require.NoError(t, err, "a broker decline is a result, not an error")
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Contains(t, res.Message, "DH-905")
	assert.Contains(t, res.Message, "Insufficient funds")
}

func TestPlaceOrderExpiredTokenSurfacesAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	_, err := a.PlaceOrder(context.Background(), testSession(), limitBuy())
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrAuthRequired)
}

func TestPlaceOrderServerErrorIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	_, err := a.PlaceOrder(context.Background(), testSession(), limitBuy())
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrAmbiguous)
}

func TestAuthenticateValidatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/fundlimit", r.URL.Path)
		require.Equal(t, "live-token", r.Header.Get("access-token"))
		fmt.Fprint(w, `{"availabelBalance": 50000.25, "utilizedAmount": 1200.5, "collateralAmount": 0}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	identity := broker.BrokerIdentity{
		BrokerCode:  Code,
		AccountID:   "ACC1",
		Credentials: broker.Credentials{ClientID: "1100339", AccessToken: "live-token"},
	}
	sess, err := a.Authenticate(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, "live-token", sess.AuthToken)
}

func TestAuthenticateWithoutTokenFailsFast(t *testing.T) {
	a := newTestAdapter(t, "http://unused.invalid", "")
	_, err := a.Authenticate(context.Background(), broker.BrokerIdentity{AccountID: "ACC1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrAuthRequired)
}

func TestCancelAllSweepsRestingOrders(t *testing.T) {
	var cancelled []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders":
			json.NewEncoder(w).Encode([]orderDetail{
				{OrderID: "O1", OrderStatus: "PENDING"},
				{OrderID: "O2", OrderStatus: "TRADED"},
				{OrderID: "O3", OrderStatus: "TRIGGER_PENDING"},
				{OrderID: "O4", OrderStatus: "PENDING"},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/orders/O4":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(errEnvelope{ErrorCode: "DH-905", ErrorMessage: "order is being traded"})
		case r.Method == http.MethodDelete:
			id := strings.TrimPrefix(r.URL.Path, "/v2/orders/")
			cancelled = append(cancelled, id)
			json.NewEncoder(w).Encode(orderResponse{OrderID: id, OrderStatus: "CANCELLED"})
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	res, err := a.CancelAllOrders(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, []string{"O1", "O3"}, res.Cancelled)
	assert.Equal(t, []string{"O4"}, res.Failed)
	assert.Equal(t, []string{"O1", "O3"}, cancelled)
}

func TestFetchOrderStatusNormalizesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/orders/112", r.URL.Path)
		json.NewEncoder(w).Encode(orderDetail{
			OrderID:            "112",
			OrderStatus:        "TRADED",
			TransactionType:    "BUY",
			ExchangeSegment:    "NSE_EQ",
			ProductType:        "INTRADAY",
			OrderType:          "LIMIT",
			TradingSymbol:      "RELIANCE-EQ",
			SecurityID:         "2885",
			Quantity:           10,
			FilledQty:          10,
			Price:              2840.5,
			AverageTradedPrice: 2840.1,
			UpdateTime:         "2026-08-25 10:12:45",
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	st, err := a.FetchOrderStatus(context.Background(), testSession(), "112")
	require.NoError(t, err)
	assert.Equal(t, broker.OrderStateComplete, st.State)
	assert.Equal(t, "RELIANCE", st.Symbol, "master symbol wins over broker echo")
	assert.Equal(t, broker.ExchangeNSE, st.Exchange)
	assert.Equal(t, broker.SideBuy, st.Side)
	assert.Equal(t, broker.ProductMIS, st.ProductType)
	assert.Equal(t, int64(10), st.FilledQuantity)
	assert.False(t, st.UpdatedAt.IsZero())
}

func TestFetchPositionsMapsSegmentsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]positionRow{{
			TradingSymbol:    "NIFTY DEC FUT",
			SecurityID:       "53001",
			ExchangeSegment:  "NSE_FNO",
			ProductType:      "MARGIN",
			NetQty:           -50,
			CostPrice:        24100.5,
			LastTradedPrice:  24050.0,
			UnrealizedProfit: 2525.0,
		}})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	positions, err := a.FetchPositions(context.Background(), testSession())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NIFTY24DECFUT", positions[0].Symbol)
	assert.Equal(t, broker.ExchangeNFO, positions[0].Exchange)
	assert.Equal(t, broker.ProductNRML, positions[0].ProductType)
	assert.Equal(t, int64(-50), positions[0].Quantity)
}

func TestFetchFundsParsesUpstreamSpelling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"availabelBalance": 98765.43, "utilizedAmount": 1234.56, "collateralAmount": 500}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	funds, err := a.FetchFunds(context.Background(), testSession())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(98765.43).Equal(funds.AvailableCash))
	assert.True(t, decimal.NewFromFloat(1234.56).Equal(funds.UsedMargin))
	assert.True(t, decimal.NewFromInt(500).Equal(funds.Collateral))
}

func TestFetchQuoteReadsNestedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/marketfeed/quote", r.URL.Path)
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, map[string][]string{"NSE_EQ": {"2885"}}, body)
		fmt.Fprint(w, `{"data":{"NSE_EQ":{"2885":{
			"last_price": 2843.5,
			"ohlc": {"open": 2820, "high": 2850, "low": 2815, "close": 2818.25},
			"volume": 1250000,
			"buy_price": 2843.4,
			"sell_price": 2843.6
		}}}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	q, err := a.FetchQuote(context.Background(), testSession(), "RELIANCE", broker.ExchangeNSE)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(2843.5).Equal(q.LTP))
	assert.True(t, decimal.NewFromFloat(2818.25).Equal(q.PrevClose))
	assert.Equal(t, int64(1250000), q.Volume)
	assert.True(t, q.Ask.GreaterThan(q.Bid))
}

func TestFetchDepthBuildsLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/marketfeed/depth", r.URL.Path)
		fmt.Fprint(w, `{"data":{"NSE_EQ":{"2885":{
			"last_price": 2843.5,
			"depth": {
				"buy":  [{"price": 2843.4, "quantity": 120, "orders": 3}, {"price": 2843.3, "quantity": 80, "orders": 2}],
				"sell": [{"price": 2843.6, "quantity": 150, "orders": 4}]
			}
		}}}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	d, err := a.FetchDepth(context.Background(), testSession(), "RELIANCE", broker.ExchangeNSE)
	require.NoError(t, err)
	require.Len(t, d.Bids, 2)
	require.Len(t, d.Asks, 1)
	assert.Equal(t, int64(200), d.TotalBuyQty)
	assert.Equal(t, int64(150), d.TotalSellQty)
}

func TestOrderStateTable(t *testing.T) {
	assert.Equal(t, broker.OrderStateComplete, orderState("TRADED"))
	assert.Equal(t, broker.OrderStateCancelled, orderState("CANCELLED"))
	assert.Equal(t, broker.OrderStateRejected, orderState("REJECTED"))
	assert.Equal(t, broker.OrderStateOpen, orderState("PENDING"))
	assert.Equal(t, broker.OrderStateOpen, orderState("TRANSIT"))
	assert.Equal(t, broker.OrderStateTriggerPending, orderState("TRIGGER_PENDING"))
}

func TestQuoteFeedMissingInstrumentRejectsLocally(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	_, err := a.FetchQuote(context.Background(), testSession(), "NOSUCH", broker.ExchangeNSE)
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrValidation)
	assert.Zero(t, calls.Load())
}

func feedTick(securityID string, seq uint64, ltp float64) string {
	return fmt.Sprintf(`{"type":"ticker","exchangeSegment":"NSE_EQ","securityId":"%s","sequence":%d,"ltp":%g,"ltt":%d}`,
		securityID, seq, ltp, time.Now().Unix())
}

func TestStreamSubscribesAndDecodesTicks(t *testing.T) {
	upgrader := newTestUpgrader()
	frames := make(chan wsRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2", r.URL.Query().Get("version"))
		require.Equal(t, "feed-token", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req wsRequest
		require.NoError(t, conn.ReadJSON(&req))
		frames <- req

		// One known and one never-subscribed security id.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(feedTick("2885", 1001, 2843.5))))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(feedTick("99999", 1, 1.0))))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(feedTick("2885", 1002, 2843.7))))

		// Hold the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	a := newTestAdapter(t, "http://unused.invalid", wsURL)
	topic := broker.Topic{Exchange: broker.ExchangeNSE, Symbol: "RELIANCE", Mode: broker.ModeLTP}
	h, err := a.OpenStream(context.Background(), testSession(), []broker.Topic{topic})
	require.NoError(t, err)
	defer h.Close()

	select {
	case req := <-frames:
		assert.Equal(t, reqTicker, req.RequestCode)
		assert.Equal(t, 1, req.InstrumentCount)
		require.Len(t, req.InstrumentList, 1)
		assert.Equal(t, wsInstrument{ExchangeSegment: "NSE_EQ", SecurityID: "2885"}, req.InstrumentList[0])
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	var got []broker.Tick
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tk, ok := <-h.Ticks():
			require.True(t, ok, "stream closed early")
			got = append(got, tk)
		case <-deadline:
			t.Fatalf("timed out, have %d ticks", len(got))
		}
	}
	assert.Equal(t, "RELIANCE", got[0].Symbol)
	assert.Equal(t, broker.ExchangeNSE, got[0].Exchange)
	assert.Equal(t, broker.ModeLTP, got[0].Mode)
	assert.Equal(t, uint64(1001), got[0].UpstreamSeq)
	assert.IsType(t, broker.LTPPayload{}, got[0].Payload)
	assert.Equal(t, uint64(1002), got[1].UpstreamSeq)
}

func TestUnsubscribeOneModeKeepsSiblingTicks(t *testing.T) {
	upgrader := newTestUpgrader()
	offs := make(chan wsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Two subscribe frames from the dial, then the ticker-off frame.
		var req wsRequest
		for i := 0; i < 3; i++ {
			require.NoError(t, conn.ReadJSON(&req))
		}
		offs <- req

		quote := `{"type":"quote","exchangeSegment":"NSE_EQ","securityId":"2885","sequence":2001,"ltp":2843.9,"open":2820,"high":2850,"low":2815,"close":2818.25,"volume":1250100}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(quote)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	a := newTestAdapter(t, "http://unused.invalid", wsURL)
	ltp := broker.Topic{Exchange: broker.ExchangeNSE, Symbol: "RELIANCE", Mode: broker.ModeLTP}
	quote := broker.Topic{Exchange: broker.ExchangeNSE, Symbol: "RELIANCE", Mode: broker.ModeQuote}
	h, err := a.OpenStream(context.Background(), testSession(), []broker.Topic{ltp, quote})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Unsubscribe([]broker.Topic{ltp}))

	select {
	case off := <-offs:
		assert.Equal(t, reqTickerOff, off.RequestCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscribe frame received")
	}

	select {
	case tk, ok := <-h.Ticks():
		require.True(t, ok, "stream closed early")
		assert.Equal(t, broker.ModeQuote, tk.Mode)
		assert.Equal(t, "RELIANCE", tk.Symbol)
		assert.IsType(t, broker.QuotePayload{}, tk.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("quote tick dropped after the ticker unsubscribe")
	}
}

func TestStreamCloseStopsPumps(t *testing.T) {
	upgrader := newTestUpgrader()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	a := newTestAdapter(t, "http://unused.invalid", wsURL)
	h, err := a.OpenStream(context.Background(), testSession(), nil)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "close is idempotent")
	for range h.Ticks() {
	}
}
