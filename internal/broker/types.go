// Package broker defines the normalized trading vocabulary shared by every
// broker adapter: order requests and results, snapshot shapes, sessions,
// market-data topics and ticks. All broker-specific wire formats are
// translated to and from these types inside the adapters; nothing outside
// an adapter ever sees a broker-native payload.
package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// Product types.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"
	ProductNRML ProductType = "NRML"
	ProductCNC  ProductType = "CNC"
)

// Exchange codes understood by the gateway. Index pseudo-exchanges carry
// index ticks only and never accept orders.
const (
	ExchangeNSE      = "NSE"
	ExchangeBSE      = "BSE"
	ExchangeNFO      = "NFO"
	ExchangeBFO      = "BFO"
	ExchangeCDS      = "CDS"
	ExchangeBCD      = "BCD"
	ExchangeMCX      = "MCX"
	ExchangeNSEIndex = "NSE_INDEX"
	ExchangeBSEIndex = "BSE_INDEX"
)

var exchanges = map[string]struct{}{
	ExchangeNSE:      {},
	ExchangeBSE:      {},
	ExchangeNFO:      {},
	ExchangeBFO:      {},
	ExchangeCDS:      {},
	ExchangeBCD:      {},
	ExchangeMCX:      {},
	ExchangeNSEIndex: {},
	ExchangeBSEIndex: {},
}

// KnownExchange reports whether code is one of the supported exchange codes.
func KnownExchange(code string) bool {
	_, ok := exchanges[code]
	return ok
}

// OrderRequest is the normalized order submission shape. It is immutable
// once handed to the router.
type OrderRequest struct {
	AccountID         string          `json:"account_id"`
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Side              Side            `json:"action"`
	Quantity          int64           `json:"quantity"`
	ProductType       ProductType     `json:"product"`
	OrderType         OrderType       `json:"pricetype"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	DisclosedQuantity int64           `json:"disclosed_quantity"`
	ClientTag         string          `json:"strategy,omitempty"`
}

// Validate applies the broker-independent checks that reject a request
// before any network call is made.
func (r *OrderRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if !KnownExchange(r.Exchange) {
		return fmt.Errorf("%w: unknown exchange %q", ErrValidation, r.Exchange)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: action must be BUY or SELL, got %q", ErrValidation, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, r.Quantity)
	}
	switch r.ProductType {
	case ProductMIS, ProductNRML, ProductCNC:
	default:
		return fmt.Errorf("%w: unknown product %q", ErrValidation, r.ProductType)
	}
	switch r.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: LIMIT order needs a positive price", ErrValidation)
		}
	case OrderTypeSL:
		if r.Price.LessThanOrEqual(decimal.Zero) || r.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: SL order needs positive price and trigger price", ErrValidation)
		}
	case OrderTypeSLM:
		if r.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: SL-M order needs a positive trigger price", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown pricetype %q", ErrValidation, r.OrderType)
	}
	if r.DisclosedQuantity < 0 || r.DisclosedQuantity > r.Quantity {
		return fmt.Errorf("%w: disclosed quantity out of range", ErrValidation)
	}
	return nil
}

// ModifyRequest carries the fields a broker needs to amend a resting order.
type ModifyRequest struct {
	AccountID         string          `json:"account_id"`
	OrderID           string          `json:"orderid"`
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Side              Side            `json:"action"`
	ProductType       ProductType     `json:"product"`
	OrderType         OrderType       `json:"pricetype"`
	Quantity          int64           `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	DisclosedQuantity int64           `json:"disclosed_quantity"`
}

// Validate checks the modify-specific requirements.
func (r *ModifyRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if r.OrderID == "" {
		return fmt.Errorf("%w: orderid is required", ErrValidation)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, r.Quantity)
	}
	if !KnownExchange(r.Exchange) {
		return fmt.Errorf("%w: unknown exchange %q", ErrValidation, r.Exchange)
	}
	return nil
}

// Result statuses for mutating calls.
type ResultStatus string

const (
	StatusAccepted        ResultStatus = "Accepted"
	StatusRejected        ResultStatus = "Rejected"
	StatusPartiallyFailed ResultStatus = "PartiallyFailed"
	// StatusAmbiguous marks a mutating call whose broker-side effect is
	// unknown (transport failed after the request may have been delivered).
	// Callers reconcile through FetchOrderStatus, never by resubmitting.
	StatusAmbiguous ResultStatus = "Ambiguous"
)

// OrderResult is the single normalized outcome of one mutating call.
type OrderResult struct {
	Status        ResultStatus `json:"status"`
	BrokerOrderID string       `json:"orderid,omitempty"`
	Message       string       `json:"message,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Rejected builds a Rejected result with the given message.
func Rejected(message string) OrderResult {
	return OrderResult{Status: StatusRejected, Message: message, Timestamp: time.Now().UTC()}
}

// Accepted builds an Accepted result for the given broker order id.
func Accepted(orderID string) OrderResult {
	return OrderResult{Status: StatusAccepted, BrokerOrderID: orderID, Timestamp: time.Now().UTC()}
}

// Ambiguous builds an Ambiguous result with the given message.
func Ambiguous(message string) OrderResult {
	return OrderResult{Status: StatusAmbiguous, Message: message, Timestamp: time.Now().UTC()}
}

// CancelAllResult reports a cancel-all sweep: order ids cancelled and order
// ids the broker refused to cancel.
type CancelAllResult struct {
	Cancelled []string `json:"canceledorders"`
	Failed    []string `json:"failedcancellations"`
}

// Position is one open position, normalized across brokers.
type Position struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	ProductType  ProductType     `json:"product"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LTP          decimal.Decimal `json:"ltp"`
	PnL          decimal.Decimal `json:"pnl"`
}

// Holding is one demat holding, normalized across brokers.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LTP          decimal.Decimal `json:"ltp"`
	PnL          decimal.Decimal `json:"pnl"`
}

// Funds is the margin/cash snapshot for one account.
type Funds struct {
	AvailableCash decimal.Decimal `json:"availablecash"`
	Collateral    decimal.Decimal `json:"collateral"`
	UsedMargin    decimal.Decimal `json:"utiliseddebits"`
	RealizedPnL   decimal.Decimal `json:"m2mrealized"`
	UnrealizedPnL decimal.Decimal `json:"m2munrealized"`
}

// Quote is a full quote snapshot for one instrument.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	LTP       decimal.Decimal `json:"ltp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Volume    int64           `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	OI        int64           `json:"oi,omitempty"`
}

// DepthLevel is one price level of an order book snapshot.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int64           `json:"orders"`
}

// Depth is a five-level order book snapshot plus aggregates.
type Depth struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Bids         []DepthLevel    `json:"bids"`
	Asks         []DepthLevel    `json:"asks"`
	LTP          decimal.Decimal `json:"ltp"`
	TotalBuyQty  int64           `json:"totalbuyqty"`
	TotalSellQty int64           `json:"totalsellqty"`
}

// OrderStatus is the normalized state of one broker order, used both for
// the orderstatus API and for reconciling Ambiguous outcomes.
type OrderStatus struct {
	OrderID        string          `json:"orderid"`
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	Side           Side            `json:"action"`
	ProductType    ProductType     `json:"product"`
	OrderType      OrderType       `json:"pricetype"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	State          string          `json:"order_status"`
	UpdatedAt      time.Time       `json:"timestamp"`
}

// Broker-normalized order states used in OrderStatus.State.
const (
	OrderStateOpen           = "open"
	OrderStateComplete       = "complete"
	OrderStateCancelled      = "cancelled"
	OrderStateRejected       = "rejected"
	OrderStateTriggerPending = "trigger pending"
)
