// Package paper implements a simulated broker backend. Every well-formed
// order is honored against an in-memory book, prices follow a deterministic
// random walk, and streams emit synthetic ticks, so the full gateway path
// runs without external connectivity.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
)

// Code is the broker code the paper adapter registers under.
const Code = "paper"

const startingCash = 1_000_000

type posKey struct {
	symbol   string
	exchange string
	product  broker.ProductType
}

// Adapter is the simulated broker.
type Adapter struct {
	log          *zap.Logger
	tickInterval time.Duration

	mu        sync.Mutex
	orders    map[string]*broker.OrderStatus
	positions map[posKey]*broker.Position
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	rng       *rand.Rand
}

// New builds a paper adapter. Synthetic streams tick twice a second.
func New(log *zap.Logger) *Adapter {
	return &Adapter{
		log:          log,
		tickInterval: 500 * time.Millisecond,
		orders:       make(map[string]*broker.OrderStatus),
		positions:    make(map[posKey]*broker.Position),
		cash:         decimal.NewFromInt(startingCash),
		prices:       make(map[string]decimal.Decimal),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Adapter) Code() string { return Code }

// Authenticate always succeeds; the paper broker has no real login.
func (a *Adapter) Authenticate(_ context.Context, _ broker.BrokerIdentity) (*broker.Session, error) {
	return &broker.Session{
		AuthToken: uuid.NewString(),
		FeedToken: uuid.NewString(),
	}, nil
}

// priceLocked returns the walked price for a symbol, seeding a stable base
// from the symbol name on first sight. Caller holds a.mu.
func (a *Adapter) priceLocked(symbol string) decimal.Decimal {
	p, ok := a.prices[symbol]
	if !ok {
		var seed uint64
		for _, r := range symbol {
			seed = seed*31 + uint64(r)
		}
		p = decimal.NewFromInt(int64(100 + seed%900))
		a.prices[symbol] = p
	}
	return p
}

// walkLocked nudges the symbol's price by up to ±0.1%. Caller holds a.mu.
func (a *Adapter) walkLocked(symbol string) decimal.Decimal {
	p := a.priceLocked(symbol)
	drift := decimal.NewFromFloat((a.rng.Float64() - 0.5) / 500)
	p = p.Add(p.Mul(drift)).Round(2)
	if p.LessThanOrEqual(decimal.Zero) {
		p = decimal.NewFromInt(1)
	}
	a.prices[symbol] = p
	return p
}

func (a *Adapter) PlaceOrder(_ context.Context, _ *broker.Session, req broker.OrderRequest) (broker.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	orderID := uuid.NewString()
	st := &broker.OrderStatus{
		OrderID:      orderID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		ProductType:  req.ProductType,
		OrderType:    req.OrderType,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		UpdatedAt:    time.Now().UTC(),
	}

	switch req.OrderType {
	case broker.OrderTypeMarket:
		fill := a.walkLocked(req.Symbol)
		st.State = broker.OrderStateComplete
		st.FilledQuantity = req.Quantity
		st.AveragePrice = fill
		a.applyFillLocked(req, fill)
	case broker.OrderTypeSL, broker.OrderTypeSLM:
		st.State = broker.OrderStateTriggerPending
	default:
		st.State = broker.OrderStateOpen
	}

	a.orders[orderID] = st
	return broker.Accepted(orderID), nil
}

// applyFillLocked books a fill into positions and cash. Caller holds a.mu.
func (a *Adapter) applyFillLocked(req broker.OrderRequest, fill decimal.Decimal) {
	key := posKey{symbol: req.Symbol, exchange: req.Exchange, product: req.ProductType}
	pos, ok := a.positions[key]
	if !ok {
		pos = &broker.Position{
			Symbol:      req.Symbol,
			Exchange:    req.Exchange,
			ProductType: req.ProductType,
		}
		a.positions[key] = pos
	}

	qty := req.Quantity
	if req.Side == broker.SideSell {
		qty = -qty
	}
	notional := fill.Mul(decimal.NewFromInt(req.Quantity))
	if req.Side == broker.SideBuy {
		a.cash = a.cash.Sub(notional)
	} else {
		a.cash = a.cash.Add(notional)
	}

	newQty := pos.Quantity + qty
	switch {
	case newQty == 0:
		pos.AveragePrice = decimal.Zero
	case (pos.Quantity >= 0) == (qty >= 0) && pos.Quantity != 0:
		// Same direction: blend the average.
		oldNotional := pos.AveragePrice.Mul(decimal.NewFromInt(abs(pos.Quantity)))
		pos.AveragePrice = oldNotional.Add(fill.Mul(decimal.NewFromInt(abs(qty)))).
			Div(decimal.NewFromInt(abs(newQty))).Round(2)
	case abs(newQty) > abs(pos.Quantity):
		// Flipped through zero: the remainder opens at the fill price.
		pos.AveragePrice = fill
	}
	pos.Quantity = newQty
	pos.LTP = fill
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func (a *Adapter) ModifyOrder(_ context.Context, _ *broker.Session, req broker.ModifyRequest) (broker.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.orders[req.OrderID]
	if !ok {
		return broker.Rejected(fmt.Sprintf("order %s not found", req.OrderID)), nil
	}
	switch st.State {
	case broker.OrderStateOpen, broker.OrderStateTriggerPending:
	default:
		return broker.Rejected(fmt.Sprintf("order %s is %s", req.OrderID, st.State)), nil
	}

	st.Quantity = req.Quantity
	if !req.Price.IsZero() {
		st.Price = req.Price
	}
	if !req.TriggerPrice.IsZero() {
		st.TriggerPrice = req.TriggerPrice
	}
	if req.OrderType != "" {
		st.OrderType = req.OrderType
	}
	st.UpdatedAt = time.Now().UTC()
	return broker.Accepted(req.OrderID), nil
}

func (a *Adapter) CancelOrder(_ context.Context, _ *broker.Session, orderID string) (broker.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.orders[orderID]
	if !ok {
		return broker.Rejected(fmt.Sprintf("order %s not found", orderID)), nil
	}
	switch st.State {
	case broker.OrderStateOpen, broker.OrderStateTriggerPending:
		st.State = broker.OrderStateCancelled
		st.UpdatedAt = time.Now().UTC()
		return broker.Accepted(orderID), nil
	default:
		return broker.Rejected(fmt.Sprintf("order %s is %s", orderID, st.State)), nil
	}
}

func (a *Adapter) CancelAllOrders(_ context.Context, _ *broker.Session) (broker.CancelAllResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res broker.CancelAllResult
	now := time.Now().UTC()
	for id, st := range a.orders {
		switch st.State {
		case broker.OrderStateOpen, broker.OrderStateTriggerPending:
			st.State = broker.OrderStateCancelled
			st.UpdatedAt = now
			res.Cancelled = append(res.Cancelled, id)
		}
	}
	return res, nil
}

func (a *Adapter) FetchOrderStatus(_ context.Context, _ *broker.Session, orderID string) (broker.OrderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.orders[orderID]
	if !ok {
		return broker.OrderStatus{}, fmt.Errorf("order %s not found: %w", orderID, broker.ErrBrokerRejected)
	}
	return *st, nil
}

func (a *Adapter) FetchPositions(_ context.Context, _ *broker.Session) ([]broker.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]broker.Position, 0, len(a.positions))
	for _, pos := range a.positions {
		p := *pos
		p.LTP = a.priceLocked(p.Symbol)
		p.PnL = p.LTP.Sub(p.AveragePrice).Mul(decimal.NewFromInt(p.Quantity)).Round(2)
		out = append(out, p)
	}
	return out, nil
}

// FetchHoldings reports CNC long positions as demat holdings.
func (a *Adapter) FetchHoldings(_ context.Context, _ *broker.Session) ([]broker.Holding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []broker.Holding
	for key, pos := range a.positions {
		if key.product != broker.ProductCNC || pos.Quantity <= 0 {
			continue
		}
		ltp := a.priceLocked(pos.Symbol)
		out = append(out, broker.Holding{
			Symbol:       pos.Symbol,
			Exchange:     pos.Exchange,
			Quantity:     pos.Quantity,
			AveragePrice: pos.AveragePrice,
			LTP:          ltp,
			PnL:          ltp.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(pos.Quantity)).Round(2),
		})
	}
	return out, nil
}

func (a *Adapter) FetchFunds(_ context.Context, _ *broker.Session) (broker.Funds, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := decimal.Zero
	unrealized := decimal.Zero
	for _, pos := range a.positions {
		used = used.Add(pos.AveragePrice.Mul(decimal.NewFromInt(abs(pos.Quantity))))
		ltp := a.priceLocked(pos.Symbol)
		unrealized = unrealized.Add(ltp.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return broker.Funds{
		AvailableCash: a.cash.Round(2),
		UsedMargin:    used.Round(2),
		UnrealizedPnL: unrealized.Round(2),
	}, nil
}

func (a *Adapter) FetchQuote(_ context.Context, _ *broker.Session, symbol, exchange string) (broker.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ltp := a.walkLocked(symbol)
	base := a.priceLocked(symbol)
	spread := ltp.Mul(decimal.NewFromFloat(0.0005)).Round(2)
	return broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       ltp,
		Open:      base,
		High:      ltp.Add(spread),
		Low:       ltp.Sub(spread),
		PrevClose: base,
		Volume:    int64(a.rng.Intn(1_000_000)),
		Bid:       ltp.Sub(spread),
		Ask:       ltp.Add(spread),
	}, nil
}

func (a *Adapter) FetchDepth(_ context.Context, _ *broker.Session, symbol, exchange string) (broker.Depth, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ltp := a.walkLocked(symbol)
	tick := decimal.NewFromFloat(0.05)
	d := broker.Depth{Symbol: symbol, Exchange: exchange, LTP: ltp}
	for i := 1; i <= 5; i++ {
		level := decimal.NewFromInt(int64(i))
		qty := int64(a.rng.Intn(5000) + 100)
		d.Bids = append(d.Bids, broker.DepthLevel{
			Price:    ltp.Sub(tick.Mul(level)),
			Quantity: qty,
			Orders:   int64(a.rng.Intn(50) + 1),
		})
		d.TotalBuyQty += qty
		qty = int64(a.rng.Intn(5000) + 100)
		d.Asks = append(d.Asks, broker.DepthLevel{
			Price:    ltp.Add(tick.Mul(level)),
			Quantity: qty,
			Orders:   int64(a.rng.Intn(50) + 1),
		})
		d.TotalSellQty += qty
	}
	return d, nil
}
