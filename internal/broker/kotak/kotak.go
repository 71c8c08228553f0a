// Package kotak implements the Kotak Neo REST and websocket adapter. The
// wire format uses the HS API's terse field names (es, pc, pt, qt, ts, tt);
// declines arrive as stat=Not_Ok inside a 200 response rather than as HTTP
// errors.
package kotak

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/config"
	"github.com/realalgo/gateway/internal/symbols"
)

// Code is the broker code the Kotak adapter registers under.
const Code = "kotak"

const requestTimeout = 10 * time.Second

// SymbolSource resolves gateway instruments to Kotak trading symbols and
// tokens. *symbols.Store satisfies it.
type SymbolSource interface {
	Lookup(ctx context.Context, broker, symbol, exchange string) (symbols.Instrument, error)
	LookupToken(ctx context.Context, broker, token string) (symbols.Instrument, error)
}

// Adapter talks to the Kotak Neo trading and data APIs.
type Adapter struct {
	log   *zap.Logger
	rest  *broker.RESTClient
	syms  SymbolSource
	wsURL string
	now   func() time.Time
}

// New builds the Kotak adapter against the configured endpoints.
func New(log *zap.Logger, cfg config.BrokerConfig, syms SymbolSource) *Adapter {
	return &Adapter{
		log:   log,
		rest:  broker.NewRESTClient(cfg.BaseURL, requestTimeout),
		syms:  syms,
		wsURL: cfg.WSURL,
		now:   time.Now,
	}
}

func (a *Adapter) Code() string { return Code }

// apiStatus is the stat envelope every Kotak response carries.
type apiStatus struct {
	Stat    string `json:"stat"`
	ErrMsg  string `json:"errMsg,omitempty"`
	ErrCode string `json:"code,omitempty"`
}

func (s apiStatus) ok() bool { return s.Stat == "Ok" }

func (s apiStatus) message() string {
	if s.ErrMsg == "" {
		return "request declined"
	}
	if s.ErrCode != "" {
		return fmt.Sprintf("%s: %s", s.ErrCode, s.ErrMsg)
	}
	return s.ErrMsg
}

type loginRequest struct {
	UserID   string `json:"userid"`
	Password string `json:"password"`
	APIKey   string `json:"apikey"`
}

type loginResponse struct {
	apiStatus
	Data struct {
		Token     string `json:"token"`
		Sid       string `json:"sid"`
		ExpiresIn int64  `json:"expiresIn"`
	} `json:"data"`
}

// Authenticate performs the interactive login and returns a bearer session.
// The sid rides along for the streaming handshake.
func (a *Adapter) Authenticate(ctx context.Context, identity broker.BrokerIdentity) (*broker.Session, error) {
	if identity.ClientID == "" || identity.Password == "" {
		return nil, fmt.Errorf("kotak: client id and password required for %s: %w",
			identity.AccountID, broker.ErrAuthRequired)
	}

	body := loginRequest{
		UserID:   identity.ClientID,
		Password: identity.Password,
		APIKey:   identity.APIKey,
	}
	var resp loginResponse
	if err := a.rest.PostRead(ctx, "/session/1.0/login", nil, body, &resp); err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("kotak login: %s: %w", httpErr.Error(), broker.ErrAuthRequired)
		}
		return nil, fmt.Errorf("kotak login: %w", err)
	}
	if !resp.ok() || resp.Data.Token == "" {
		return nil, fmt.Errorf("kotak login: %s: %w", resp.message(), broker.ErrAuthRequired)
	}

	sess := &broker.Session{
		Identity:  identity,
		AuthToken: resp.Data.Token,
		FeedToken: resp.Data.Sid,
	}
	if resp.Data.ExpiresIn > 0 {
		sess.ExpiresAt = a.now().Add(time.Duration(resp.Data.ExpiresIn) * time.Second)
	}
	return sess, nil
}

func (a *Adapter) headers(sess *broker.Session) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+sess.AuthToken)
	h.Set("Sid", sess.FeedToken)
	return h
}

// resolve maps (symbol, exchange) to the Kotak segment and instrument. A
// miss is a local rejection: no request is sent for an unknown instrument.
func (a *Adapter) resolve(ctx context.Context, symbol, exchange string) (string, symbols.Instrument, error) {
	seg, ok := Segment(exchange)
	if !ok {
		return "", symbols.Instrument{}, fmt.Errorf("%w: exchange %q not routable to kotak", broker.ErrValidation, exchange)
	}
	in, err := a.syms.Lookup(ctx, Code, symbol, exchange)
	if err != nil {
		if errors.Is(err, symbols.ErrNotFound) {
			return "", symbols.Instrument{}, fmt.Errorf("%w: %s:%s not in kotak instrument master",
				broker.ErrValidation, exchange, symbol)
		}
		return "", symbols.Instrument{}, fmt.Errorf("instrument lookup: %w", err)
	}
	return seg, in, nil
}

// orderPayload uses the HS API short names: es exchange segment, pc product,
// pr price, pt price type, qt quantity, tp trigger price, ts trading symbol,
// tt transaction type. Numbers travel as strings.
type orderPayload struct {
	AMO              string `json:"am"`
	DisclosedQty     string `json:"dq"`
	ExchangeSegment  string `json:"es"`
	MarketProtection string `json:"mp"`
	Product          string `json:"pc"`
	PosSquareFlag    string `json:"pf"`
	Price            string `json:"pr"`
	PriceType        string `json:"pt"`
	Quantity         string `json:"qt"`
	Retention        string `json:"rt"`
	TriggerPrice     string `json:"tp"`
	TradingSymbol    string `json:"ts"`
	TransactionType  string `json:"tt"`
}

type orderResponse struct {
	apiStatus
	OrderNo string `json:"nOrdNo"`
}

// mutate posts one order mutation and folds the three decline shapes
// (HTTP 4xx, stat=Not_Ok, REJECTED echo) into a Rejected result.
func (a *Adapter) mutate(ctx context.Context, sess *broker.Session, path string, body any) (broker.OrderResult, error) {
	var resp orderResponse
	if err := a.rest.PostMutate(ctx, path, a.headers(sess), body, &resp); err != nil {
		var httpErr *broker.HTTPError
		if errors.As(err, &httpErr) {
			return broker.Rejected(httpErr.Error()), nil
		}
		return broker.OrderResult{}, err
	}
	if !resp.ok() {
		return broker.Rejected(resp.message()), nil
	}
	return broker.Accepted(resp.OrderNo), nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, sess *broker.Session, req broker.OrderRequest) (broker.OrderResult, error) {
	seg, in, err := a.resolve(ctx, req.Symbol, req.Exchange)
	if err != nil {
		if errors.Is(err, broker.ErrValidation) {
			return broker.Rejected(err.Error()), nil
		}
		return broker.OrderResult{}, err
	}

	body := orderPayload{
		AMO:              "NO",
		DisclosedQty:     strconv.FormatInt(req.DisclosedQuantity, 10),
		ExchangeSegment:  seg,
		MarketProtection: "0",
		Product:          toProduct[req.ProductType],
		PosSquareFlag:    "N",
		Price:            req.Price.String(),
		PriceType:        toOrderType[req.OrderType],
		Quantity:         strconv.FormatInt(req.Quantity, 10),
		Retention:        "DAY",
		TriggerPrice:     req.TriggerPrice.String(),
		TradingSymbol:    in.BrokerSymbol,
		TransactionType:  toSide[req.Side],
	}
	return a.mutate(ctx, sess, "/orders/2.0/place", body)
}

type modifyPayload struct {
	OrderNo         string `json:"no"`
	ExchangeSegment string `json:"es"`
	Price           string `json:"pr"`
	PriceType       string `json:"pt"`
	Quantity        string `json:"qt"`
	TriggerPrice    string `json:"tp"`
	TradingSymbol   string `json:"ts"`
	Validity        string `json:"vd"`
}

func (a *Adapter) ModifyOrder(ctx context.Context, sess *broker.Session, req broker.ModifyRequest) (broker.OrderResult, error) {
	seg, in, err := a.resolve(ctx, req.Symbol, req.Exchange)
	if err != nil {
		if errors.Is(err, broker.ErrValidation) {
			return broker.Rejected(err.Error()), nil
		}
		return broker.OrderResult{}, err
	}

	body := modifyPayload{
		OrderNo:         req.OrderID,
		ExchangeSegment: seg,
		Price:           req.Price.String(),
		PriceType:       toOrderType[req.OrderType],
		Quantity:        strconv.FormatInt(req.Quantity, 10),
		TriggerPrice:    req.TriggerPrice.String(),
		TradingSymbol:   in.BrokerSymbol,
		Validity:        "DAY",
	}
	return a.mutate(ctx, sess, "/orders/2.0/modify", body)
}

type cancelPayload struct {
	OrderNo string `json:"on"`
	AMO     string `json:"am"`
}

func (a *Adapter) CancelOrder(ctx context.Context, sess *broker.Session, orderID string) (broker.OrderResult, error) {
	res, err := a.mutate(ctx, sess, "/orders/2.0/cancel", cancelPayload{OrderNo: orderID, AMO: "NO"})
	if err != nil {
		return res, err
	}
	if res.Status == broker.StatusAccepted && res.BrokerOrderID == "" {
		res.BrokerOrderID = orderID
	}
	return res, nil
}

// bookRow is one order book entry.
type bookRow struct {
	OrderNo         string  `json:"nOrdNo"`
	Status          string  `json:"ordSt"`
	TradingSymbol   string  `json:"trdSym"`
	Token           string  `json:"tok"`
	ExchangeSegment string  `json:"exSeg"`
	Product         string  `json:"prod"`
	PriceType       string  `json:"prcTp"`
	TransactionType string  `json:"trnsTp"`
	Quantity        int64   `json:"qty"`
	FilledQuantity  int64   `json:"fldQty"`
	Price           float64 `json:"prc"`
	TriggerPrice    float64 `json:"trgPrc"`
	AveragePrice    float64 `json:"avgPrc"`
	OrderTime       string  `json:"ordDtTm"`
}

type bookResponse struct {
	apiStatus
	Data []bookRow `json:"data"`
}

func (a *Adapter) orderBook(ctx context.Context, sess *broker.Session) ([]bookRow, error) {
	var resp bookResponse
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/orders/2.0/book", a.headers(sess), &resp)
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("%w: order book: %s", broker.ErrBrokerRejected, resp.message())
	}
	return resp.Data, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, sess *broker.Session) (broker.CancelAllResult, error) {
	book, err := a.orderBook(ctx, sess)
	if err != nil {
		return broker.CancelAllResult{}, err
	}

	var res broker.CancelAllResult
	for _, row := range book {
		if !cancellable(row.Status) {
			continue
		}
		out, err := a.CancelOrder(ctx, sess, row.OrderNo)
		if err != nil || out.Status != broker.StatusAccepted {
			res.Failed = append(res.Failed, row.OrderNo)
			continue
		}
		res.Cancelled = append(res.Cancelled, row.OrderNo)
	}
	return res, nil
}

func (a *Adapter) statusFromRow(ctx context.Context, row bookRow) broker.OrderStatus {
	st := broker.OrderStatus{
		OrderID:        row.OrderNo,
		Symbol:         row.TradingSymbol,
		Side:           fromSide[row.TransactionType],
		ProductType:    fromProduct[row.Product],
		OrderType:      fromOrderType[row.PriceType],
		Quantity:       row.Quantity,
		FilledQuantity: row.FilledQuantity,
		Price:          decimal.NewFromFloat(row.Price),
		TriggerPrice:   decimal.NewFromFloat(row.TriggerPrice),
		AveragePrice:   decimal.NewFromFloat(row.AveragePrice),
		State:          orderState(row.Status),
	}
	if ex, ok := GatewayExchange(row.ExchangeSegment); ok {
		st.Exchange = ex
	}
	if in, err := a.syms.LookupToken(ctx, Code, row.Token); err == nil {
		st.Symbol = in.Symbol
		st.Exchange = in.Exchange
	}
	if ts, err := time.Parse("02-Jan-2006 15:04:05", row.OrderTime); err == nil {
		st.UpdatedAt = ts
	}
	return st
}

// FetchOrderStatus scans the order book; Kotak has no single-order endpoint.
func (a *Adapter) FetchOrderStatus(ctx context.Context, sess *broker.Session, orderID string) (broker.OrderStatus, error) {
	book, err := a.orderBook(ctx, sess)
	if err != nil {
		return broker.OrderStatus{}, err
	}
	for _, row := range book {
		if row.OrderNo == orderID {
			return a.statusFromRow(ctx, row), nil
		}
	}
	return broker.OrderStatus{}, fmt.Errorf("%w: order %s not in book", broker.ErrBrokerRejected, orderID)
}

type positionRow struct {
	TradingSymbol   string  `json:"trdSym"`
	Token           string  `json:"tok"`
	ExchangeSegment string  `json:"exSeg"`
	Product         string  `json:"prod"`
	NetQuantity     int64   `json:"netQty"`
	AveragePrice    float64 `json:"avgPrc"`
	LastPrice       float64 `json:"ltp"`
}

type positionsResponse struct {
	apiStatus
	Data []positionRow `json:"data"`
}

func (a *Adapter) FetchPositions(ctx context.Context, sess *broker.Session) ([]broker.Position, error) {
	var resp positionsResponse
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/positions/2.0", a.headers(sess), &resp)
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("%w: positions: %s", broker.ErrBrokerRejected, resp.message())
	}

	out := make([]broker.Position, 0, len(resp.Data))
	for _, r := range resp.Data {
		avg := decimal.NewFromFloat(r.AveragePrice)
		ltp := decimal.NewFromFloat(r.LastPrice)
		p := broker.Position{
			Symbol:       r.TradingSymbol,
			ProductType:  fromProduct[r.Product],
			Quantity:     r.NetQuantity,
			AveragePrice: avg,
			LTP:          ltp,
			PnL:          ltp.Sub(avg).Mul(decimal.NewFromInt(r.NetQuantity)).Round(2),
		}
		if ex, ok := GatewayExchange(r.ExchangeSegment); ok {
			p.Exchange = ex
		}
		if in, err := a.syms.LookupToken(ctx, Code, r.Token); err == nil {
			p.Symbol = in.Symbol
			p.Exchange = in.Exchange
		}
		out = append(out, p)
	}
	return out, nil
}

type holdingRow struct {
	TradingSymbol   string  `json:"trdSym"`
	Token           string  `json:"tok"`
	ExchangeSegment string  `json:"exSeg"`
	Quantity        int64   `json:"qty"`
	AveragePrice    float64 `json:"avgPrc"`
	ClosingPrice    float64 `json:"clsPrc"`
}

type holdingsResponse struct {
	apiStatus
	Data []holdingRow `json:"data"`
}

func (a *Adapter) FetchHoldings(ctx context.Context, sess *broker.Session) ([]broker.Holding, error) {
	var resp holdingsResponse
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/holdings/2.0", a.headers(sess), &resp)
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("%w: holdings: %s", broker.ErrBrokerRejected, resp.message())
	}

	out := make([]broker.Holding, 0, len(resp.Data))
	for _, r := range resp.Data {
		avg := decimal.NewFromFloat(r.AveragePrice)
		ltp := decimal.NewFromFloat(r.ClosingPrice)
		h := broker.Holding{
			Symbol:       r.TradingSymbol,
			Quantity:     r.Quantity,
			AveragePrice: avg,
			LTP:          ltp,
			PnL:          ltp.Sub(avg).Mul(decimal.NewFromInt(r.Quantity)).Round(2),
		}
		if ex, ok := GatewayExchange(r.ExchangeSegment); ok {
			h.Exchange = ex
		}
		if in, err := a.syms.LookupToken(ctx, Code, r.Token); err == nil {
			h.Symbol = in.Symbol
			h.Exchange = in.Exchange
		}
		out = append(out, h)
	}
	return out, nil
}

type limitsResponse struct {
	apiStatus
	Net           float64 `json:"net"`
	MarginUsed    float64 `json:"marginUsed"`
	Collateral    float64 `json:"collateralValue"`
	RealizedPnL   float64 `json:"realizedPnl"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
}

func (a *Adapter) FetchFunds(ctx context.Context, sess *broker.Session) (broker.Funds, error) {
	var resp limitsResponse
	err := broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, "/limits/2.0", a.headers(sess), &resp)
	})
	if err != nil {
		return broker.Funds{}, err
	}
	if !resp.ok() {
		return broker.Funds{}, fmt.Errorf("%w: limits: %s", broker.ErrBrokerRejected, resp.message())
	}
	return broker.Funds{
		AvailableCash: decimal.NewFromFloat(resp.Net),
		Collateral:    decimal.NewFromFloat(resp.Collateral),
		UsedMargin:    decimal.NewFromFloat(resp.MarginUsed),
		RealizedPnL:   decimal.NewFromFloat(resp.RealizedPnL),
		UnrealizedPnL: decimal.NewFromFloat(resp.UnrealizedPnL),
	}, nil
}

type quoteResponse struct {
	apiStatus
	Data struct {
		LTP       float64 `json:"ltp"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"lo"`
		Close     float64 `json:"c"`
		Volume    int64   `json:"v"`
		OI        int64   `json:"oi"`
		BidPrice  float64 `json:"bp"`
		AskPrice  float64 `json:"sp"`
		DepthBook struct {
			Buy  []depthRung `json:"buy"`
			Sell []depthRung `json:"sell"`
		} `json:"depth"`
	} `json:"data"`
}

type depthRung struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"qty"`
	Orders   int64   `json:"ord"`
}

func (a *Adapter) fetchQuoteData(ctx context.Context, sess *broker.Session, symbol, exchange string) (quoteResponse, error) {
	seg, in, err := a.resolve(ctx, symbol, exchange)
	if err != nil {
		return quoteResponse{}, err
	}

	path := fmt.Sprintf("/quotes/2.0?es=%s&tk=%s", seg, in.Token)
	var resp quoteResponse
	err = broker.RetryRead(ctx, func() error {
		return a.rest.Get(ctx, path, a.headers(sess), &resp)
	})
	if err != nil {
		return quoteResponse{}, err
	}
	if !resp.ok() {
		return quoteResponse{}, fmt.Errorf("%w: quote %s:%s: %s", broker.ErrBrokerRejected, exchange, symbol, resp.message())
	}
	return resp, nil
}

func (a *Adapter) FetchQuote(ctx context.Context, sess *broker.Session, symbol, exchange string) (broker.Quote, error) {
	resp, err := a.fetchQuoteData(ctx, sess, symbol, exchange)
	if err != nil {
		return broker.Quote{}, err
	}
	d := resp.Data
	return broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       decimal.NewFromFloat(d.LTP),
		Open:      decimal.NewFromFloat(d.Open),
		High:      decimal.NewFromFloat(d.High),
		Low:       decimal.NewFromFloat(d.Low),
		PrevClose: decimal.NewFromFloat(d.Close),
		Volume:    d.Volume,
		Bid:       decimal.NewFromFloat(d.BidPrice),
		Ask:       decimal.NewFromFloat(d.AskPrice),
		OI:        d.OI,
	}, nil
}

func (a *Adapter) FetchDepth(ctx context.Context, sess *broker.Session, symbol, exchange string) (broker.Depth, error) {
	resp, err := a.fetchQuoteData(ctx, sess, symbol, exchange)
	if err != nil {
		return broker.Depth{}, err
	}
	d := broker.Depth{
		Symbol:   symbol,
		Exchange: exchange,
		LTP:      decimal.NewFromFloat(resp.Data.LTP),
	}
	for _, r := range resp.Data.DepthBook.Buy {
		d.Bids = append(d.Bids, broker.DepthLevel{
			Price: decimal.NewFromFloat(r.Price), Quantity: r.Quantity, Orders: r.Orders,
		})
		d.TotalBuyQty += r.Quantity
	}
	for _, r := range resp.Data.DepthBook.Sell {
		d.Asks = append(d.Asks, broker.DepthLevel{
			Price: decimal.NewFromFloat(r.Price), Quantity: r.Quantity, Orders: r.Orders,
		})
		d.TotalSellQty += r.Quantity
	}
	return d, nil
}
