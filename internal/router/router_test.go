package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/journal"
	"github.com/realalgo/gateway/internal/registry"
)

// fakeAdapter is a programmable broker backend. Behavior is injected per
// test through the fn fields; calls are recorded for assertions.
type fakeAdapter struct {
	mu     sync.Mutex
	placed []broker.OrderRequest

	placeFn     func(req broker.OrderRequest) (broker.OrderResult, error)
	modifyFn    func(req broker.ModifyRequest) (broker.OrderResult, error)
	cancelFn    func(orderID string) (broker.OrderResult, error)
	cancelAllFn func() (broker.CancelAllResult, error)
	positionsFn func() ([]broker.Position, error)
	quoteFn     func(symbol, exchange string) (broker.Quote, error)

	logins atomic.Int64
}

func (f *fakeAdapter) Code() string { return "paper" }

func (f *fakeAdapter) Authenticate(context.Context, broker.BrokerIdentity) (*broker.Session, error) {
	f.logins.Add(1)
	return &broker.Session{AuthToken: "tok"}, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, _ *broker.Session, req broker.OrderRequest) (broker.OrderResult, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	fn := f.placeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return broker.Accepted("OID-1"), nil
}

func (f *fakeAdapter) ModifyOrder(_ context.Context, _ *broker.Session, req broker.ModifyRequest) (broker.OrderResult, error) {
	if f.modifyFn != nil {
		return f.modifyFn(req)
	}
	return broker.Accepted(req.OrderID), nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _ *broker.Session, orderID string) (broker.OrderResult, error) {
	if f.cancelFn != nil {
		return f.cancelFn(orderID)
	}
	return broker.Accepted(orderID), nil
}

func (f *fakeAdapter) CancelAllOrders(context.Context, *broker.Session) (broker.CancelAllResult, error) {
	if f.cancelAllFn != nil {
		return f.cancelAllFn()
	}
	return broker.CancelAllResult{}, nil
}

func (f *fakeAdapter) FetchOrderStatus(_ context.Context, _ *broker.Session, orderID string) (broker.OrderStatus, error) {
	return broker.OrderStatus{OrderID: orderID, State: broker.OrderStateOpen}, nil
}

func (f *fakeAdapter) FetchPositions(context.Context, *broker.Session) ([]broker.Position, error) {
	if f.positionsFn != nil {
		return f.positionsFn()
	}
	return nil, nil
}

func (f *fakeAdapter) FetchHoldings(context.Context, *broker.Session) ([]broker.Holding, error) {
	return nil, nil
}

func (f *fakeAdapter) FetchFunds(context.Context, *broker.Session) (broker.Funds, error) {
	return broker.Funds{}, nil
}

func (f *fakeAdapter) FetchQuote(_ context.Context, _ *broker.Session, symbol, exchange string) (broker.Quote, error) {
	if f.quoteFn != nil {
		return f.quoteFn(symbol, exchange)
	}
	return broker.Quote{Symbol: symbol, Exchange: exchange}, nil
}

func (f *fakeAdapter) FetchDepth(_ context.Context, _ *broker.Session, symbol, exchange string) (broker.Depth, error) {
	return broker.Depth{Symbol: symbol, Exchange: exchange}, nil
}

func (f *fakeAdapter) OpenStream(context.Context, *broker.Session, []broker.Topic) (broker.StreamHandle, error) {
	return nil, errors.New("no stream in tests")
}

func (f *fakeAdapter) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeAdapter) placedAt(i int) broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[i]
}

type recStub struct {
	mu     sync.Mutex
	events []journal.OrderEvent
}

func (r *recStub) Record(ev journal.OrderEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recStub) byEvent(name string) []journal.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []journal.OrderEvent
	for _, ev := range r.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRouter(t *testing.T, fake *fakeAdapter) (*Router, *recStub) {
	t.Helper()
	identities := []broker.BrokerIdentity{
		{BrokerCode: "paper", AccountID: "ACC1"},
		{BrokerCode: "paper", AccountID: "ACC2"},
	}
	factories := map[string]registry.Factory{
		"paper": func(_ *zap.Logger) (broker.Adapter, error) { return fake, nil },
	}
	reg := registry.New(zaptest.NewLogger(t), identities, factories, func(now time.Time) time.Time {
		return now.Add(time.Hour)
	})
	rec := &recStub{}
	return New(zaptest.NewLogger(t), reg, rec), rec
}

func validOrder() broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:   "ACC1",
		Symbol:      "RELIANCE",
		Exchange:    broker.ExchangeNSE,
		Side:        broker.SideBuy,
		Quantity:    10,
		ProductType: broker.ProductMIS,
		OrderType:   broker.OrderTypeMarket,
	}
}

func TestSubmitValidationSkipsAdapter(t *testing.T) {
	fake := &fakeAdapter{}
	r, _ := newTestRouter(t, fake)

	req := validOrder()
	req.Quantity = 0
	res, err := r.Submit(context.Background(), req)

	assert.ErrorIs(t, err, broker.ErrValidation)
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Equal(t, 0, fake.placeCount(), "invalid requests must not reach the adapter")
	assert.Equal(t, int64(0), fake.logins.Load(), "invalid requests must not trigger a login")
}

func TestSubmitPlacesAndJournals(t *testing.T) {
	fake := &fakeAdapter{}
	r, rec := newTestRouter(t, fake)

	res, err := r.Submit(context.Background(), validOrder())
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)
	assert.Equal(t, "OID-1", res.BrokerOrderID)

	events := rec.byEvent(journal.EventOrderPlaced)
	require.Len(t, events, 1)
	assert.Equal(t, "ACC1", events[0].AccountID)
	assert.Equal(t, "paper", events[0].Broker)
	assert.Equal(t, "RELIANCE", events[0].Symbol)
	assert.Equal(t, string(broker.StatusAccepted), events[0].Status)
	assert.Equal(t, "OID-1", events[0].BrokerOrderID)
}

func TestSubmitBrokerDeclineIsRejectedResult(t *testing.T) {
	fake := &fakeAdapter{
		placeFn: func(broker.OrderRequest) (broker.OrderResult, error) {
			return broker.Rejected("insufficient margin"), nil
		},
	}
	r, _ := newTestRouter(t, fake)

	res, err := r.Submit(context.Background(), validOrder())
	require.NoError(t, err, "a broker decline is a result, not an error")
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Equal(t, "insufficient margin", res.Message)
}

func TestSubmitReauthenticatesOnce(t *testing.T) {
	var calls atomic.Int64
	fake := &fakeAdapter{}
	fake.placeFn = func(broker.OrderRequest) (broker.OrderResult, error) {
		if calls.Add(1) == 1 {
			return broker.OrderResult{}, fmt.Errorf("token stale: %w", broker.ErrAuthRequired)
		}
		return broker.Accepted("OID-2"), nil
	}
	r, _ := newTestRouter(t, fake)

	res, err := r.Submit(context.Background(), validOrder())
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)
	assert.Equal(t, 2, fake.placeCount())
	assert.Equal(t, int64(2), fake.logins.Load(), "initial login plus one refresh")
}

func TestSubmitAuthRetryHappensExactlyOnce(t *testing.T) {
	fake := &fakeAdapter{
		placeFn: func(broker.OrderRequest) (broker.OrderResult, error) {
			return broker.OrderResult{}, broker.ErrAuthRequired
		},
	}
	r, _ := newTestRouter(t, fake)

	_, err := r.Submit(context.Background(), validOrder())
	assert.ErrorIs(t, err, broker.ErrAuthRequired)
	assert.Equal(t, 2, fake.placeCount(), "one transparent retry, never a loop")
}

func TestSubmitAmbiguousNeverRetried(t *testing.T) {
	fake := &fakeAdapter{
		placeFn: func(broker.OrderRequest) (broker.OrderResult, error) {
			return broker.OrderResult{}, fmt.Errorf("post /orders: %w", broker.ErrAmbiguous)
		},
	}
	r, _ := newTestRouter(t, fake)

	res, err := r.Submit(context.Background(), validOrder())
	assert.True(t, broker.IsAmbiguous(err))
	assert.Equal(t, broker.StatusAmbiguous, res.Status)
	assert.Equal(t, 1, fake.placeCount(), "ambiguous outcomes must not be resubmitted")
}

func TestMutationsSerializedPerAccount(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	fake := &fakeAdapter{}
	fake.placeFn = func(broker.OrderRequest) (broker.OrderResult, error) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return broker.Accepted("OID"), nil
	}
	r, _ := newTestRouter(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Submit(context.Background(), validOrder())
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "same-account mutations must not overlap")
	assert.Equal(t, 4, fake.placeCount())
}

func TestSubmitBasketLegsIndependent(t *testing.T) {
	fake := &fakeAdapter{
		placeFn: func(req broker.OrderRequest) (broker.OrderResult, error) {
			if req.Symbol == "SBIN" {
				return broker.Rejected("scrip blocked"), nil
			}
			return broker.Accepted("OID-" + req.Symbol), nil
		},
	}
	r, _ := newTestRouter(t, fake)

	legs := []broker.OrderRequest{validOrder(), validOrder(), validOrder()}
	legs[1].Symbol = "SBIN"
	legs[2].Symbol = "INFY"
	legs[2].Quantity = 0 // fails validation, still must not stop leg placement before it

	res, err := r.SubmitBasket(context.Background(), "ACC1", legs)
	require.NoError(t, err)

	require.Len(t, res.Legs, 3)
	assert.Equal(t, broker.StatusAccepted, res.Legs[0].Status)
	assert.Equal(t, broker.StatusRejected, res.Legs[1].Status)
	assert.Equal(t, broker.StatusRejected, res.Legs[2].Status)
	assert.Equal(t, broker.StatusPartiallyFailed, res.Status)
	assert.Equal(t, 2, fake.placeCount(), "invalid leg never reaches the adapter")
}

func TestSubmitBasketAllAcceptedAndAllRejected(t *testing.T) {
	fake := &fakeAdapter{}
	r, _ := newTestRouter(t, fake)

	res, err := r.SubmitBasket(context.Background(), "ACC1", []broker.OrderRequest{validOrder(), validOrder()})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)

	fake.placeFn = func(broker.OrderRequest) (broker.OrderResult, error) {
		return broker.Rejected("halted"), nil
	}
	res, err = r.SubmitBasket(context.Background(), "ACC1", []broker.OrderRequest{validOrder(), validOrder()})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusRejected, res.Status)

	_, err = r.SubmitBasket(context.Background(), "ACC1", nil)
	assert.ErrorIs(t, err, broker.ErrValidation)
}

func TestSubmitSplitSlicesWithRemainderLast(t *testing.T) {
	fake := &fakeAdapter{}
	r, _ := newTestRouter(t, fake)

	req := validOrder()
	req.Quantity = 25
	legs, err := r.SubmitSplit(context.Background(), req, 10)
	require.NoError(t, err)

	require.Len(t, legs, 3)
	assert.Equal(t, []int64{10, 10, 5}, []int64{legs[0].Quantity, legs[1].Quantity, legs[2].Quantity})
	assert.Equal(t, 1, legs[0].OrderNum)
	assert.Equal(t, 3, legs[2].OrderNum)
	assert.Equal(t, int64(5), fake.placedAt(2).Quantity)
}

func TestSubmitSplitSmallOrderSingleLeg(t *testing.T) {
	fake := &fakeAdapter{}
	r, _ := newTestRouter(t, fake)

	req := validOrder()
	req.Quantity = 25
	legs, err := r.SubmitSplit(context.Background(), req, 50)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, int64(25), legs[0].Quantity)

	_, err = r.SubmitSplit(context.Background(), req, 0)
	assert.ErrorIs(t, err, broker.ErrValidation)
}

func TestSubmitSmartSellsDownToTarget(t *testing.T) {
	fake := &fakeAdapter{
		positionsFn: func() ([]broker.Position, error) {
			return []broker.Position{{
				Symbol:      "RELIANCE",
				Exchange:    broker.ExchangeNSE,
				ProductType: broker.ProductMIS,
				Quantity:    100,
			}}, nil
		},
	}
	r, _ := newTestRouter(t, fake)

	req := validOrder()
	req.Quantity = 0
	res, err := r.SubmitSmart(context.Background(), req, 40)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)

	require.Equal(t, 1, fake.placeCount())
	placed := fake.placedAt(0)
	assert.Equal(t, broker.SideSell, placed.Side)
	assert.Equal(t, int64(60), placed.Quantity)
}

func TestSubmitSmartBuysToCoverShort(t *testing.T) {
	fake := &fakeAdapter{
		positionsFn: func() ([]broker.Position, error) {
			return []broker.Position{{
				Symbol:      "RELIANCE",
				Exchange:    broker.ExchangeNSE,
				ProductType: broker.ProductMIS,
				Quantity:    -50,
			}}, nil
		},
	}
	r, _ := newTestRouter(t, fake)

	res, err := r.SubmitSmart(context.Background(), validOrder(), -20)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)

	placed := fake.placedAt(0)
	assert.Equal(t, broker.SideBuy, placed.Side)
	assert.Equal(t, int64(30), placed.Quantity)
}

func TestSubmitSmartNoOpWhenAtTarget(t *testing.T) {
	fake := &fakeAdapter{
		positionsFn: func() ([]broker.Position, error) {
			return []broker.Position{{
				Symbol:      "RELIANCE",
				Exchange:    broker.ExchangeNSE,
				ProductType: broker.ProductMIS,
				Quantity:    40,
			}}, nil
		},
	}
	r, _ := newTestRouter(t, fake)

	res, err := r.SubmitSmart(context.Background(), validOrder(), 40)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)
	assert.Contains(t, res.Message, "already at target")
	assert.Equal(t, 0, fake.placeCount(), "matching position places nothing")
}

func TestModifyValidatesAndJournals(t *testing.T) {
	fake := &fakeAdapter{}
	r, rec := newTestRouter(t, fake)

	_, err := r.Modify(context.Background(), broker.ModifyRequest{AccountID: "ACC1"})
	assert.ErrorIs(t, err, broker.ErrValidation)

	req := broker.ModifyRequest{
		AccountID: "ACC1",
		OrderID:   "OID-9",
		Symbol:    "RELIANCE",
		Exchange:  broker.ExchangeNSE,
		Quantity:  5,
		OrderType: broker.OrderTypeLimit,
		Price:     decimal.NewFromInt(2850),
	}
	res, err := r.Modify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)

	events := rec.byEvent(journal.EventOrderModified)
	require.Len(t, events, 1)
	assert.Equal(t, "OID-9", events[0].BrokerOrderID)
}

func TestCancelAllReportsPartialFailure(t *testing.T) {
	fake := &fakeAdapter{
		cancelAllFn: func() (broker.CancelAllResult, error) {
			return broker.CancelAllResult{
				Cancelled: []string{"O1", "O2"},
				Failed:    []string{"O3"},
			}, nil
		},
	}
	r, rec := newTestRouter(t, fake)

	res, err := r.CancelAll(context.Background(), "ACC1")
	require.NoError(t, err)
	assert.Len(t, res.Cancelled, 2)
	assert.Len(t, res.Failed, 1)

	events := rec.byEvent(journal.EventCancelAll)
	require.Len(t, events, 1)
	assert.Equal(t, string(broker.StatusPartiallyFailed), events[0].Status)
}

func TestQuoteValidatesInstrument(t *testing.T) {
	fake := &fakeAdapter{}
	r, _ := newTestRouter(t, fake)

	_, err := r.Quote(context.Background(), "ACC1", "RELIANCE", "NASDAQ")
	assert.ErrorIs(t, err, broker.ErrValidation)

	_, err = r.Quote(context.Background(), "ACC1", "", broker.ExchangeNSE)
	assert.ErrorIs(t, err, broker.ErrValidation)

	q, err := r.Quote(context.Background(), "ACC1", "RELIANCE", broker.ExchangeNSE)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", q.Symbol)
}

func TestUnknownAccountSurfacesRegistryError(t *testing.T) {
	fake := &fakeAdapter{}
	r, _ := newTestRouter(t, fake)

	_, err := r.Submit(context.Background(), func() broker.OrderRequest {
		req := validOrder()
		req.AccountID = "GHOST"
		return req
	}())
	assert.ErrorIs(t, err, registry.ErrUnknownAccount)
	assert.Equal(t, 0, fake.placeCount())
}
