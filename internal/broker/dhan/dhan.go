// Package dhan implements the Dhan HLD v2 REST and websocket adapter.
// Orders, snapshots and streams are translated between the gateway's
// normalized types and Dhan's exchange segments and security ids; the
// instrument master resolves every (symbol, exchange) pair before a byte
// leaves the process.
package dhan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/config"
	"github.com/realalgo/gateway/internal/symbols"
)

// Code is the broker code the Dhan adapter registers under.
const Code = "dhan"

const requestTimeout = 10 * time.Second

// SymbolSource resolves gateway instruments to Dhan security ids and back.
// *symbols.Store satisfies it.
type SymbolSource interface {
	Lookup(ctx context.Context, broker, symbol, exchange string) (symbols.Instrument, error)
	LookupToken(ctx context.Context, broker, token string) (symbols.Instrument, error)
}

// Adapter talks to the Dhan trading and data APIs.
type Adapter struct {
	log   *zap.Logger
	rest  *broker.RESTClient
	syms  SymbolSource
	wsURL string
}

// New builds the Dhan adapter against the configured endpoints.
func New(log *zap.Logger, cfg config.BrokerConfig, syms SymbolSource) *Adapter {
	return &Adapter{
		log:   log,
		rest:  broker.NewRESTClient(cfg.BaseURL, requestTimeout),
		syms:  syms,
		wsURL: cfg.WSURL,
	}
}

func (a *Adapter) Code() string { return Code }

func (a *Adapter) headers(sess *broker.Session) http.Header {
	h := http.Header{}
	h.Set("access-token", sess.AuthToken)
	return h
}

// errEnvelope is Dhan's error body, e.g.
// {"errorType":"Order_Error","errorCode":"DH-905","errorMessage":"..."}.
type errEnvelope struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// rejectionMessage extracts the broker's message from a 4xx body, falling
// back to the raw body.
func rejectionMessage(e *broker.HTTPError) string {
	var env errEnvelope
	if err := json.Unmarshal(e.Body, &env); err == nil && env.ErrorMessage != "" {
		if env.ErrorCode != "" {
			return fmt.Sprintf("%s: %s", env.ErrorCode, env.ErrorMessage)
		}
		return env.ErrorMessage
	}
	return e.Error()
}

// Authenticate validates the static access token by fetching fund limits.
// Dhan issues long-lived tokens out of band; there is no login exchange.
func (a *Adapter) Authenticate(ctx context.Context, identity broker.BrokerIdentity) (*broker.Session, error) {
	if identity.AccessToken == "" {
		return nil, fmt.Errorf("dhan: access token missing for account %s: %w",
			identity.AccountID, broker.ErrAuthRequired)
	}
	sess := &broker.Session{Identity: identity, AuthToken: identity.AccessToken}
	if _, err := a.FetchFunds(ctx, sess); err != nil {
		return nil, fmt.Errorf("dhan: token validation for %s: %w", identity.AccountID, err)
	}
	return sess, nil
}

// resolve maps (symbol, exchange) to the Dhan segment and security id. A
// miss is a local rejection: no request is sent for an unknown instrument.
func (a *Adapter) resolve(ctx context.Context, symbol, exchange string) (segment, securityID string, err error) {
	seg, ok := Segment(exchange)
	if !ok {
		return "", "", fmt.Errorf("%w: exchange %q not routable to dhan", broker.ErrValidation, exchange)
	}
	in, err := a.syms.Lookup(ctx, Code, symbol, exchange)
	if err != nil {
		if errors.Is(err, symbols.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s:%s not in dhan instrument master", broker.ErrValidation, exchange, symbol)
		}
		return "", "", fmt.Errorf("instrument lookup: %w", err)
	}
	return seg, in.Token, nil
}

type orderPayload struct {
	DhanClientID      string  `json:"dhanClientId"`
	CorrelationID     string  `json:"correlationId,omitempty"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	Validity          string  `json:"validity"`
	SecurityID        string  `json:"securityId"`
	Quantity          int64   `json:"quantity"`
	DisclosedQuantity int64   `json:"disclosedQuantity,omitempty"`
	Price             float64 `json:"price,omitempty"`
	TriggerPrice      float64 `json:"triggerPrice,omitempty"`
}

type orderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

func (a *Adapter) PlaceOrder(ctx context.Context, sess *broker.Session, req broker.OrderRequest) (broker.OrderResult, error) {
	segment, securityID, err := a.resolve(ctx, req.Symbol, req.Exchange)
	if err != nil {
		if errors.Is(err, broker.ErrValidation) {
			return broker.Rejected(err.Error()), nil
		}
		return broker.OrderResult{}, err
	}

	body := orderPayload{
		DhanClientID:      sess.Identity.ClientID,
		CorrelationID:     req.ClientTag,
		TransactionType:   string(req.Side),
		ExchangeSegment:   segment,
		ProductType:       toProduct[req.ProductType],
		OrderType:         toOrderType[req.OrderType],
		Validity:          "DAY",
		SecurityID:        securityID,
		Quantity:          req.Quantity,
		DisclosedQuantity: req.DisclosedQuantity,
		Price:             req.Price.InexactFloat64(),
		TriggerPrice:      req.TriggerPrice.InexactFloat64(),
	}

	var resp orderResponse
	if err := a.rest.PostMutate(ctx, "/v2/orders", a.headers(sess), body, &resp); err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return broker.Rejected(rejectionMessage(httpErr)), nil
		}
		return broker.OrderResult{}, err
	}
	if resp.OrderStatus == "REJECTED" {
		return broker.Rejected(fmt.Sprintf("order %s rejected by broker", resp.OrderID)), nil
	}
	return broker.Accepted(resp.OrderID), nil
}

type modifyPayload struct {
	DhanClientID      string  `json:"dhanClientId"`
	OrderID           string  `json:"orderId"`
	OrderType         string  `json:"orderType,omitempty"`
	Quantity          int64   `json:"quantity"`
	Price             float64 `json:"price,omitempty"`
	TriggerPrice      float64 `json:"triggerPrice,omitempty"`
	DisclosedQuantity int64   `json:"disclosedQuantity,omitempty"`
	Validity          string  `json:"validity"`
}

func (a *Adapter) ModifyOrder(ctx context.Context, sess *broker.Session, req broker.ModifyRequest) (broker.OrderResult, error) {
	body := modifyPayload{
		DhanClientID:      sess.Identity.ClientID,
		OrderID:           req.OrderID,
		OrderType:         toOrderType[req.OrderType],
		Quantity:          req.Quantity,
		Price:             req.Price.InexactFloat64(),
		TriggerPrice:      req.TriggerPrice.InexactFloat64(),
		DisclosedQuantity: req.DisclosedQuantity,
		Validity:          "DAY",
	}

	var resp orderResponse
	if err := a.rest.PutMutate(ctx, "/v2/orders/"+req.OrderID, a.headers(sess), body, &resp); err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return broker.Rejected(rejectionMessage(httpErr)), nil
		}
		return broker.OrderResult{}, err
	}
	return broker.Accepted(resp.OrderID), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, sess *broker.Session, orderID string) (broker.OrderResult, error) {
	var resp orderResponse
	if err := a.rest.DeleteMutate(ctx, "/v2/orders/"+orderID, a.headers(sess), &resp); err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return broker.Rejected(rejectionMessage(httpErr)), nil
		}
		return broker.OrderResult{}, err
	}
	return broker.Accepted(orderID), nil
}

// orderDetail is one row of Dhan's order book.
type orderDetail struct {
	OrderID            string  `json:"orderId"`
	OrderStatus        string  `json:"orderStatus"`
	TransactionType    string  `json:"transactionType"`
	ExchangeSegment    string  `json:"exchangeSegment"`
	ProductType        string  `json:"productType"`
	OrderType          string  `json:"orderType"`
	TradingSymbol      string  `json:"tradingSymbol"`
	SecurityID         string  `json:"securityId"`
	Quantity           int64   `json:"quantity"`
	FilledQty          int64   `json:"filledQty"`
	Price              float64 `json:"price"`
	TriggerPrice       float64 `json:"triggerPrice"`
	AverageTradedPrice float64 `json:"averageTradedPrice"`
	UpdateTime         string  `json:"updateTime"`
}

// CancelAllOrders sweeps the order book; Dhan has no native cancel-all.
func (a *Adapter) CancelAllOrders(ctx context.Context, sess *broker.Session) (broker.CancelAllResult, error) {
	var book []orderDetail
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/v2/orders", a.headers(sess), &book)
	})
	if err != nil {
		return broker.CancelAllResult{}, err
	}

	var res broker.CancelAllResult
	for _, od := range book {
		if !cancellable(od.OrderStatus) {
			continue
		}
		out, err := a.CancelOrder(ctx, sess, od.OrderID)
		if err != nil || out.Status != broker.StatusAccepted {
			res.Failed = append(res.Failed, od.OrderID)
			continue
		}
		res.Cancelled = append(res.Cancelled, od.OrderID)
	}
	return res, nil
}

func (a *Adapter) statusFromDetail(ctx context.Context, od orderDetail) broker.OrderStatus {
	st := broker.OrderStatus{
		OrderID:        od.OrderID,
		Symbol:         od.TradingSymbol,
		Side:           broker.Side(od.TransactionType),
		ProductType:    fromProduct[od.ProductType],
		OrderType:      fromOrderType[od.OrderType],
		Quantity:       od.Quantity,
		FilledQuantity: od.FilledQty,
		Price:          decimal.NewFromFloat(od.Price),
		TriggerPrice:   decimal.NewFromFloat(od.TriggerPrice),
		AveragePrice:   decimal.NewFromFloat(od.AverageTradedPrice),
		State:          orderState(od.OrderStatus),
	}
	if ex, ok := GatewayExchange(od.ExchangeSegment); ok {
		st.Exchange = ex
	}
	// The master carries the gateway symbol; the broker echo is a fallback.
	if in, err := a.syms.LookupToken(ctx, Code, od.SecurityID); err == nil {
		st.Symbol = in.Symbol
		st.Exchange = in.Exchange
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", od.UpdateTime); err == nil {
		st.UpdatedAt = ts
	}
	return st
}

func (a *Adapter) FetchOrderStatus(ctx context.Context, sess *broker.Session, orderID string) (broker.OrderStatus, error) {
	var od orderDetail
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/v2/orders/"+orderID, a.headers(sess), &od)
	})
	if err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return broker.OrderStatus{}, fmt.Errorf("%w: %s", broker.ErrBrokerRejected, rejectionMessage(httpErr))
		}
		return broker.OrderStatus{}, err
	}
	return a.statusFromDetail(ctx, od), nil
}

type positionRow struct {
	TradingSymbol    string  `json:"tradingSymbol"`
	SecurityID       string  `json:"securityId"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	NetQty           int64   `json:"netQty"`
	CostPrice        float64 `json:"costPrice"`
	LastTradedPrice  float64 `json:"lastTradedPrice"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
}

func (a *Adapter) FetchPositions(ctx context.Context, sess *broker.Session) ([]broker.Position, error) {
	var rows []positionRow
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/v2/positions", a.headers(sess), &rows)
	})
	if err != nil {
		return nil, err
	}

	out := make([]broker.Position, 0, len(rows))
	for _, r := range rows {
		p := broker.Position{
			Symbol:       r.TradingSymbol,
			ProductType:  fromProduct[r.ProductType],
			Quantity:     r.NetQty,
			AveragePrice: decimal.NewFromFloat(r.CostPrice),
			LTP:          decimal.NewFromFloat(r.LastTradedPrice),
			PnL:          decimal.NewFromFloat(r.UnrealizedProfit),
		}
		if ex, ok := GatewayExchange(r.ExchangeSegment); ok {
			p.Exchange = ex
		}
		if in, err := a.syms.LookupToken(ctx, Code, r.SecurityID); err == nil {
			p.Symbol = in.Symbol
			p.Exchange = in.Exchange
		}
		out = append(out, p)
	}
	return out, nil
}

type holdingRow struct {
	TradingSymbol string  `json:"tradingSymbol"`
	SecurityID    string  `json:"securityId"`
	Exchange      string  `json:"exchange"`
	TotalQty      int64   `json:"totalQty"`
	AvgCostPrice  float64 `json:"avgCostPrice"`
	LastPrice     float64 `json:"lastPrice"`
}

func (a *Adapter) FetchHoldings(ctx context.Context, sess *broker.Session) ([]broker.Holding, error) {
	var rows []holdingRow
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/v2/holdings", a.headers(sess), &rows)
	})
	if err != nil {
		return nil, err
	}

	out := make([]broker.Holding, 0, len(rows))
	for _, r := range rows {
		avg := decimal.NewFromFloat(r.AvgCostPrice)
		ltp := decimal.NewFromFloat(r.LastPrice)
		h := broker.Holding{
			Symbol:       r.TradingSymbol,
			Exchange:     r.Exchange,
			Quantity:     r.TotalQty,
			AveragePrice: avg,
			LTP:          ltp,
			PnL:          ltp.Sub(avg).Mul(decimal.NewFromInt(r.TotalQty)).Round(2),
		}
		if in, err := a.syms.LookupToken(ctx, Code, r.SecurityID); err == nil {
			h.Symbol = in.Symbol
			h.Exchange = in.Exchange
		}
		out = append(out, h)
	}
	return out, nil
}

// fundsResponse mirrors Dhan's fund limit body, including the upstream
// spelling of availabelBalance.
type fundsResponse struct {
	AvailableBalance float64 `json:"availabelBalance"`
	CollateralAmount float64 `json:"collateralAmount"`
	UtilizedAmount   float64 `json:"utilizedAmount"`
}

func (a *Adapter) FetchFunds(ctx context.Context, sess *broker.Session) (broker.Funds, error) {
	var resp fundsResponse
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/v2/fundlimit", a.headers(sess), &resp)
	})
	if err != nil {
		return broker.Funds{}, err
	}
	return broker.Funds{
		AvailableCash: decimal.NewFromFloat(resp.AvailableBalance),
		Collateral:    decimal.NewFromFloat(resp.CollateralAmount),
		UsedMargin:    decimal.NewFromFloat(resp.UtilizedAmount),
	}, nil
}

// marketfeed request/response shapes: the request body groups security ids
// by segment, the response nests segment -> security id -> fields.
type quoteFields struct {
	LastPrice float64 `json:"last_price"`
	OHLC      struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	Volume    int64   `json:"volume"`
	OI        int64   `json:"oi"`
	BuyPrice  float64 `json:"buy_price"`
	SellPrice float64 `json:"sell_price"`
	Depth     struct {
		Buy  []depthRung `json:"buy"`
		Sell []depthRung `json:"sell"`
	} `json:"depth"`
}

type depthRung struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

type feedResponse struct {
	Data map[string]map[string]quoteFields `json:"data"`
}

func (a *Adapter) fetchFeed(ctx context.Context, sess *broker.Session, path, symbol, exchange string) (quoteFields, error) {
	segment, securityID, err := a.resolve(ctx, symbol, exchange)
	if err != nil {
		return quoteFields{}, err
	}

	body := map[string][]string{segment: {securityID}}
	var resp feedResponse
	err = broker.RetryRead(ctx, func() error {
		return a.rest.PostRead(ctx, path, a.headers(sess), body, &resp)
	})
	if err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return quoteFields{}, fmt.Errorf("%w: %s", broker.ErrBrokerRejected, rejectionMessage(httpErr))
		}
		return quoteFields{}, err
	}
	q, ok := resp.Data[segment][securityID]
	if !ok {
		return quoteFields{}, fmt.Errorf("%w: no feed data for %s:%s", broker.ErrBrokerRejected, exchange, symbol)
	}
	return q, nil
}

func (a *Adapter) FetchQuote(ctx context.Context, sess *broker.Session, symbol, exchange string) (broker.Quote, error) {
	q, err := a.fetchFeed(ctx, sess, "/v2/marketfeed/quote", symbol, exchange)
	if err != nil {
		return broker.Quote{}, err
	}
	return broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       decimal.NewFromFloat(q.LastPrice),
		Open:      decimal.NewFromFloat(q.OHLC.Open),
		High:      decimal.NewFromFloat(q.OHLC.High),
		Low:       decimal.NewFromFloat(q.OHLC.Low),
		PrevClose: decimal.NewFromFloat(q.OHLC.Close),
		Volume:    q.Volume,
		Bid:       decimal.NewFromFloat(q.BuyPrice),
		Ask:       decimal.NewFromFloat(q.SellPrice),
		OI:        q.OI,
	}, nil
}

func (a *Adapter) FetchDepth(ctx context.Context, sess *broker.Session, symbol, exchange string) (broker.Depth, error) {
	q, err := a.fetchFeed(ctx, sess, "/v2/marketfeed/depth", symbol, exchange)
	if err != nil {
		return broker.Depth{}, err
	}
	d := broker.Depth{
		Symbol:   symbol,
		Exchange: exchange,
		LTP:      decimal.NewFromFloat(q.LastPrice),
	}
	for _, r := range q.Depth.Buy {
		d.Bids = append(d.Bids, broker.DepthLevel{
			Price: decimal.NewFromFloat(r.Price), Quantity: r.Quantity, Orders: r.Orders,
		})
		d.TotalBuyQty += r.Quantity
	}
	for _, r := range q.Depth.Sell {
		d.Asks = append(d.Asks, broker.DepthLevel{
			Price: decimal.NewFromFloat(r.Price), Quantity: r.Quantity, Orders: r.Orders,
		})
		d.TotalSellQty += r.Quantity
	}
	return d, nil
}
