// Package gateway is the composition point of the trading gateway: one
// facade over the order router, the market-data bus and the instrument
// master. The REST and websocket servers depend only on this package.
package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/marketdata"
	"github.com/realalgo/gateway/internal/registry"
	"github.com/realalgo/gateway/internal/router"
	"github.com/realalgo/gateway/internal/symbols"
)

// Gateway bundles the trading and streaming capabilities behind one surface.
type Gateway struct {
	log  *zap.Logger
	rt   *router.Router
	reg  *registry.Registry
	bus  *marketdata.Bus
	syms *symbols.Store
}

// New assembles the facade.
func New(log *zap.Logger, rt *router.Router, reg *registry.Registry, bus *marketdata.Bus, syms *symbols.Store) *Gateway {
	return &Gateway{log: log, rt: rt, reg: reg, bus: bus, syms: syms}
}

// Trading.

func (g *Gateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	return g.rt.Submit(ctx, req)
}

func (g *Gateway) PlaceBasket(ctx context.Context, accountID string, legs []broker.OrderRequest) (router.BasketResult, error) {
	return g.rt.SubmitBasket(ctx, accountID, legs)
}

func (g *Gateway) PlaceSplit(ctx context.Context, req broker.OrderRequest, splitSize int64) ([]router.SplitLeg, error) {
	return g.rt.SubmitSplit(ctx, req, splitSize)
}

func (g *Gateway) PlaceSmart(ctx context.Context, req broker.OrderRequest, positionSize int64) (broker.OrderResult, error) {
	return g.rt.SubmitSmart(ctx, req, positionSize)
}

func (g *Gateway) ModifyOrder(ctx context.Context, req broker.ModifyRequest) (broker.OrderResult, error) {
	return g.rt.Modify(ctx, req)
}

func (g *Gateway) CancelOrder(ctx context.Context, accountID, orderID string) (broker.OrderResult, error) {
	return g.rt.Cancel(ctx, accountID, orderID)
}

func (g *Gateway) CancelAllOrders(ctx context.Context, accountID string) (broker.CancelAllResult, error) {
	return g.rt.CancelAll(ctx, accountID)
}

// Account snapshots.

func (g *Gateway) OrderStatus(ctx context.Context, accountID, orderID string) (broker.OrderStatus, error) {
	return g.rt.OrderStatus(ctx, accountID, orderID)
}

func (g *Gateway) GetPositions(ctx context.Context, accountID string) ([]broker.Position, error) {
	return g.rt.Positions(ctx, accountID)
}

func (g *Gateway) GetHoldings(ctx context.Context, accountID string) ([]broker.Holding, error) {
	return g.rt.Holdings(ctx, accountID)
}

func (g *Gateway) GetFunds(ctx context.Context, accountID string) (broker.Funds, error) {
	return g.rt.Funds(ctx, accountID)
}

func (g *Gateway) GetQuote(ctx context.Context, accountID, symbol, exchange string) (broker.Quote, error) {
	return g.rt.Quote(ctx, accountID, symbol, exchange)
}

func (g *Gateway) GetDepth(ctx context.Context, accountID, symbol, exchange string) (broker.Depth, error) {
	return g.rt.Depth(ctx, accountID, symbol, exchange)
}

// Search queries the instrument master, ranked by closeness to the query.
func (g *Gateway) Search(ctx context.Context, query, exchange string, limit int) ([]symbols.Instrument, error) {
	return g.syms.Search(ctx, query, exchange, limit)
}

// Ping verifies the account resolves and its broker session is obtainable.
func (g *Gateway) Ping(ctx context.Context, accountID string) error {
	_, err := g.reg.GetSession(ctx, accountID)
	return err
}

// Streaming.

// Connect registers a new market-data subscriber.
func (g *Gateway) Connect() *marketdata.Subscriber {
	return g.bus.Connect()
}

func (g *Gateway) Subscribe(ctx context.Context, sub *marketdata.Subscriber, topics []broker.Topic) error {
	return g.bus.Subscribe(ctx, sub, topics)
}

func (g *Gateway) Unsubscribe(sub *marketdata.Subscriber, topics []broker.Topic) {
	g.bus.Unsubscribe(sub, topics)
}

func (g *Gateway) Disconnect(sub *marketdata.Subscriber) {
	g.bus.Disconnect(sub)
}
