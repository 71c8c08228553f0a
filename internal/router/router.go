// Package router fronts every order mutation and account read. It validates
// requests before any network call, serializes mutations per account, retries
// a rejected session exactly once after re-authentication, and journals the
// outcome of every mutation.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/journal"
	"github.com/realalgo/gateway/internal/registry"
	"github.com/realalgo/gateway/pkg/metrics"
)

// BasketLeg is the outcome of one basket order.
type BasketLeg struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	broker.OrderResult
}

// BasketResult aggregates independent basket legs. Status is Accepted when
// every leg landed, Rejected when none did, PartiallyFailed otherwise.
type BasketResult struct {
	Status broker.ResultStatus `json:"status"`
	Legs   []BasketLeg         `json:"results"`
}

// SplitLeg is the outcome of one slice of a split order.
type SplitLeg struct {
	OrderNum int   `json:"order_num"`
	Quantity int64 `json:"quantity"`
	broker.OrderResult
}

// Router routes normalized requests to the owning account's adapter.
type Router struct {
	log *zap.Logger
	reg *registry.Registry
	rec journal.Recorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a router. A nil recorder disables journaling.
func New(log *zap.Logger, reg *registry.Registry, rec journal.Recorder) *Router {
	if rec == nil {
		rec = journal.Nop{}
	}
	return &Router{
		log:   log,
		reg:   reg,
		rec:   rec,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockAccount serializes mutations for one account. Mutations on different
// accounts proceed concurrently.
func (r *Router) lockAccount(accountID string) func() {
	r.mu.Lock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// withSession runs fn with the account's session, re-authenticating and
// retrying exactly once when the broker no longer honors it.
func (r *Router) withSession(ctx context.Context, accountID string, fn func(broker.Adapter, *broker.Session) error) error {
	ad, err := r.reg.AdapterFor(accountID)
	if err != nil {
		return err
	}
	sess, err := r.reg.GetSession(ctx, accountID)
	if err != nil {
		return err
	}
	err = fn(ad, sess)
	if errors.Is(err, broker.ErrAuthRequired) {
		sess, err = r.reg.Refresh(ctx, accountID)
		if err != nil {
			return err
		}
		return fn(ad, sess)
	}
	return err
}

func (r *Router) brokerCode(accountID string) string {
	id, err := r.reg.Identity(accountID)
	if err != nil {
		return "unknown"
	}
	return id.BrokerCode
}

func (r *Router) countOrder(accountID string, status broker.ResultStatus) {
	metrics.OrdersSubmitted.WithLabelValues(r.brokerCode(accountID), string(status)).Inc()
}

// resultForError folds a taxonomy error into a result shape. Ambiguous stays
// Ambiguous so no caller mistakes it for a clean decline.
func resultForError(err error) broker.OrderResult {
	if broker.IsAmbiguous(err) {
		return broker.Ambiguous(err.Error())
	}
	return broker.Rejected(err.Error())
}

// Submit validates and places a single order. Validation failures return
// before any adapter call.
func (r *Router) Submit(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := req.Validate(); err != nil {
		res := broker.Rejected(err.Error())
		r.countOrder(req.AccountID, res.Status)
		return res, err
	}
	unlock := r.lockAccount(req.AccountID)
	defer unlock()
	return r.placeLocked(ctx, req)
}

// placeLocked performs one placement. The caller holds the account lock.
func (r *Router) placeLocked(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	start := time.Now()
	var res broker.OrderResult
	err := r.withSession(ctx, req.AccountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		res, callErr = ad.PlaceOrder(ctx, sess, req)
		return callErr
	})
	code := r.brokerCode(req.AccountID)
	metrics.OrderLatency.WithLabelValues(code).Observe(time.Since(start).Seconds())
	if err != nil {
		res = resultForError(err)
	}
	metrics.OrdersSubmitted.WithLabelValues(code, string(res.Status)).Inc()
	r.rec.Record(journal.OrderEvent{
		Event:         journal.EventOrderPlaced,
		AccountID:     req.AccountID,
		Broker:        code,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		Status:        string(res.Status),
		BrokerOrderID: res.BrokerOrderID,
		Message:       res.Message,
		ClientTag:     req.ClientTag,
	})
	if err != nil {
		r.log.Warn("order placement failed",
			zap.String("account", req.AccountID),
			zap.String("symbol", req.Symbol),
			zap.String("status", string(res.Status)),
			zap.Error(err))
	}
	return res, err
}

// SubmitBasket places each leg independently under one account lock. A
// failed leg never stops the legs after it.
func (r *Router) SubmitBasket(ctx context.Context, accountID string, legs []broker.OrderRequest) (BasketResult, error) {
	if len(legs) == 0 {
		return BasketResult{}, fmt.Errorf("%w: basket needs at least one order", broker.ErrValidation)
	}
	unlock := r.lockAccount(accountID)
	defer unlock()

	out := BasketResult{Legs: make([]BasketLeg, 0, len(legs))}
	var accepted, failed int
	for _, leg := range legs {
		leg.AccountID = accountID
		var res broker.OrderResult
		if err := leg.Validate(); err != nil {
			res = broker.Rejected(err.Error())
			r.countOrder(accountID, res.Status)
		} else {
			res, _ = r.placeLocked(ctx, leg)
		}
		if res.Status == broker.StatusAccepted {
			accepted++
		} else {
			failed++
		}
		out.Legs = append(out.Legs, BasketLeg{Symbol: leg.Symbol, Exchange: leg.Exchange, OrderResult: res})
	}
	switch {
	case failed == 0:
		out.Status = broker.StatusAccepted
	case accepted == 0:
		out.Status = broker.StatusRejected
	default:
		out.Status = broker.StatusPartiallyFailed
	}
	return out, nil
}

// SubmitSplit slices one order into legs of at most splitSize, remainder
// last, and places them like basket legs.
func (r *Router) SubmitSplit(ctx context.Context, req broker.OrderRequest, splitSize int64) ([]SplitLeg, error) {
	if splitSize <= 0 {
		return nil, fmt.Errorf("%w: splitsize must be positive, got %d", broker.ErrValidation, splitSize)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := r.lockAccount(req.AccountID)
	defer unlock()

	var legs []SplitLeg
	remaining := req.Quantity
	for num := 1; remaining > 0; num++ {
		qty := min(splitSize, remaining)
		leg := req
		leg.Quantity = qty
		if leg.DisclosedQuantity > qty {
			leg.DisclosedQuantity = qty
		}
		res, _ := r.placeLocked(ctx, leg)
		legs = append(legs, SplitLeg{OrderNum: num, Quantity: qty, OrderResult: res})
		remaining -= qty
	}
	return legs, nil
}

// SubmitSmart moves the account's net position in req's instrument to
// positionSize, placing at most one order. When the position already matches
// it places nothing and reports success.
func (r *Router) SubmitSmart(ctx context.Context, req broker.OrderRequest, positionSize int64) (broker.OrderResult, error) {
	if req.AccountID == "" {
		return broker.OrderResult{}, fmt.Errorf("%w: account id is required", broker.ErrValidation)
	}
	if req.Symbol == "" {
		return broker.OrderResult{}, fmt.Errorf("%w: symbol is required", broker.ErrValidation)
	}
	if !broker.KnownExchange(req.Exchange) {
		return broker.OrderResult{}, fmt.Errorf("%w: unknown exchange %q", broker.ErrValidation, req.Exchange)
	}

	// The position read and the resulting order form one critical section,
	// so two smart orders for the same account cannot both see the stale
	// position.
	unlock := r.lockAccount(req.AccountID)
	defer unlock()

	var current int64
	err := r.withSession(ctx, req.AccountID, func(ad broker.Adapter, sess *broker.Session) error {
		positions, err := ad.FetchPositions(ctx, sess)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.Symbol == req.Symbol && p.Exchange == req.Exchange && p.ProductType == req.ProductType {
				current += p.Quantity
			}
		}
		return nil
	})
	if err != nil {
		return broker.OrderResult{}, err
	}

	delta := positionSize - current
	if delta == 0 {
		return broker.OrderResult{
			Status:    broker.StatusAccepted,
			Message:   "position already at target size",
			Timestamp: time.Now().UTC(),
		}, nil
	}

	leg := req
	if delta > 0 {
		leg.Side = broker.SideBuy
		leg.Quantity = delta
	} else {
		leg.Side = broker.SideSell
		leg.Quantity = -delta
	}
	if leg.OrderType == "" {
		leg.OrderType = broker.OrderTypeMarket
	}
	if err := leg.Validate(); err != nil {
		return broker.Rejected(err.Error()), err
	}
	return r.placeLocked(ctx, leg)
}

// Modify amends a resting order.
func (r *Router) Modify(ctx context.Context, req broker.ModifyRequest) (broker.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return broker.Rejected(err.Error()), err
	}
	unlock := r.lockAccount(req.AccountID)
	defer unlock()

	var res broker.OrderResult
	err := r.withSession(ctx, req.AccountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		res, callErr = ad.ModifyOrder(ctx, sess, req)
		return callErr
	})
	code := r.brokerCode(req.AccountID)
	if err != nil {
		res = resultForError(err)
	}
	metrics.OrdersSubmitted.WithLabelValues(code, string(res.Status)).Inc()
	r.rec.Record(journal.OrderEvent{
		Event:         journal.EventOrderModified,
		AccountID:     req.AccountID,
		Broker:        code,
		Symbol:        req.Symbol,
		Exchange:      req.Exchange,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		Status:        string(res.Status),
		BrokerOrderID: req.OrderID,
		Message:       res.Message,
	})
	return res, err
}

// Cancel cancels one resting order.
func (r *Router) Cancel(ctx context.Context, accountID, orderID string) (broker.OrderResult, error) {
	if orderID == "" {
		return broker.OrderResult{}, fmt.Errorf("%w: orderid is required", broker.ErrValidation)
	}
	unlock := r.lockAccount(accountID)
	defer unlock()

	var res broker.OrderResult
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		res, callErr = ad.CancelOrder(ctx, sess, orderID)
		return callErr
	})
	code := r.brokerCode(accountID)
	if err != nil {
		res = resultForError(err)
	}
	metrics.OrdersSubmitted.WithLabelValues(code, string(res.Status)).Inc()
	r.rec.Record(journal.OrderEvent{
		Event:         journal.EventOrderCancelled,
		AccountID:     accountID,
		Broker:        code,
		Status:        string(res.Status),
		BrokerOrderID: orderID,
		Message:       res.Message,
	})
	return res, err
}

// CancelAll sweeps every open order for the account.
func (r *Router) CancelAll(ctx context.Context, accountID string) (broker.CancelAllResult, error) {
	unlock := r.lockAccount(accountID)
	defer unlock()

	var res broker.CancelAllResult
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		res, callErr = ad.CancelAllOrders(ctx, sess)
		return callErr
	})
	code := r.brokerCode(accountID)
	status := broker.StatusAccepted
	msg := fmt.Sprintf("cancelled %d, failed %d", len(res.Cancelled), len(res.Failed))
	if err != nil {
		status = resultForError(err).Status
		msg = err.Error()
	} else if len(res.Failed) > 0 {
		status = broker.StatusPartiallyFailed
	}
	r.rec.Record(journal.OrderEvent{
		Event:     journal.EventCancelAll,
		AccountID: accountID,
		Broker:    code,
		Status:    string(status),
		Message:   msg,
	})
	return res, err
}

// OrderStatus fetches the normalized state of one order. Callers reconcile
// Ambiguous mutation outcomes through this call.
func (r *Router) OrderStatus(ctx context.Context, accountID, orderID string) (broker.OrderStatus, error) {
	if orderID == "" {
		return broker.OrderStatus{}, fmt.Errorf("%w: orderid is required", broker.ErrValidation)
	}
	var st broker.OrderStatus
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		st, callErr = ad.FetchOrderStatus(ctx, sess, orderID)
		return callErr
	})
	return st, err
}

// Positions fetches the account's open positions.
func (r *Router) Positions(ctx context.Context, accountID string) ([]broker.Position, error) {
	var out []broker.Position
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		out, callErr = ad.FetchPositions(ctx, sess)
		return callErr
	})
	return out, err
}

// Holdings fetches the account's demat holdings.
func (r *Router) Holdings(ctx context.Context, accountID string) ([]broker.Holding, error) {
	var out []broker.Holding
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		out, callErr = ad.FetchHoldings(ctx, sess)
		return callErr
	})
	return out, err
}

// Funds fetches the account's margin snapshot.
func (r *Router) Funds(ctx context.Context, accountID string) (broker.Funds, error) {
	var out broker.Funds
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		out, callErr = ad.FetchFunds(ctx, sess)
		return callErr
	})
	return out, err
}

// Quote fetches a full quote snapshot for one instrument.
func (r *Router) Quote(ctx context.Context, accountID, symbol, exchange string) (broker.Quote, error) {
	if symbol == "" {
		return broker.Quote{}, fmt.Errorf("%w: symbol is required", broker.ErrValidation)
	}
	if !broker.KnownExchange(exchange) {
		return broker.Quote{}, fmt.Errorf("%w: unknown exchange %q", broker.ErrValidation, exchange)
	}
	var out broker.Quote
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		out, callErr = ad.FetchQuote(ctx, sess, symbol, exchange)
		return callErr
	})
	return out, err
}

// Depth fetches an order book snapshot for one instrument.
func (r *Router) Depth(ctx context.Context, accountID, symbol, exchange string) (broker.Depth, error) {
	if symbol == "" {
		return broker.Depth{}, fmt.Errorf("%w: symbol is required", broker.ErrValidation)
	}
	if !broker.KnownExchange(exchange) {
		return broker.Depth{}, fmt.Errorf("%w: unknown exchange %q", broker.ErrValidation, exchange)
	}
	var out broker.Depth
	err := r.withSession(ctx, accountID, func(ad broker.Adapter, sess *broker.Session) error {
		var callErr error
		out, callErr = ad.FetchDepth(ctx, sess, symbol, exchange)
		return callErr
	})
	return out, err
}
