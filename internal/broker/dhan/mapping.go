package dhan

import "github.com/realalgo/gateway/internal/broker"

// Exchange segment codes on the Dhan side. Both index pseudo-exchanges live
// in the single IDX_I segment.
var toSegment = map[string]string{
	broker.ExchangeNSE:      "NSE_EQ",
	broker.ExchangeBSE:      "BSE_EQ",
	broker.ExchangeNFO:      "NSE_FNO",
	broker.ExchangeBFO:      "BSE_FNO",
	broker.ExchangeCDS:      "NSE_CURRENCY",
	broker.ExchangeBCD:      "BSE_CURRENCY",
	broker.ExchangeMCX:      "MCX_COMM",
	broker.ExchangeNSEIndex: "IDX_I",
	broker.ExchangeBSEIndex: "IDX_I",
}

var fromSegment = map[string]string{
	"NSE_EQ":       broker.ExchangeNSE,
	"BSE_EQ":       broker.ExchangeBSE,
	"NSE_FNO":      broker.ExchangeNFO,
	"BSE_FNO":      broker.ExchangeBFO,
	"NSE_CURRENCY": broker.ExchangeCDS,
	"BSE_CURRENCY": broker.ExchangeBCD,
	"MCX_COMM":     broker.ExchangeMCX,
	// IDX_I folds two gateway exchanges; NSE_INDEX wins on the way back.
	// Stream decoding never hits this: topics keep their requested exchange.
	"IDX_I": broker.ExchangeNSEIndex,
}

// Segment converts a gateway exchange code to a Dhan exchange segment.
func Segment(exchange string) (string, bool) {
	seg, ok := toSegment[exchange]
	return seg, ok
}

// GatewayExchange converts a Dhan exchange segment back to the gateway code.
func GatewayExchange(segment string) (string, bool) {
	ex, ok := fromSegment[segment]
	return ex, ok
}

var toProduct = map[broker.ProductType]string{
	broker.ProductMIS:  "INTRADAY",
	broker.ProductNRML: "MARGIN",
	broker.ProductCNC:  "CNC",
}

var fromProduct = map[string]broker.ProductType{
	"INTRADAY": broker.ProductMIS,
	"MARGIN":   broker.ProductNRML,
	"CNC":      broker.ProductCNC,
}

var toOrderType = map[broker.OrderType]string{
	broker.OrderTypeMarket: "MARKET",
	broker.OrderTypeLimit:  "LIMIT",
	broker.OrderTypeSL:     "STOP_LOSS",
	broker.OrderTypeSLM:    "STOP_LOSS_MARKET",
}

var fromOrderType = map[string]broker.OrderType{
	"MARKET":           broker.OrderTypeMarket,
	"LIMIT":            broker.OrderTypeLimit,
	"STOP_LOSS":        broker.OrderTypeSL,
	"STOP_LOSS_MARKET": broker.OrderTypeSLM,
}

// orderState maps Dhan order statuses to the normalized states.
func orderState(status string) string {
	switch status {
	case "TRADED":
		return broker.OrderStateComplete
	case "CANCELLED":
		return broker.OrderStateCancelled
	case "REJECTED":
		return broker.OrderStateRejected
	case "PENDING", "TRANSIT", "PART_TRADED":
		return broker.OrderStateOpen
	case "TRIGGER_PENDING":
		return broker.OrderStateTriggerPending
	default:
		return broker.OrderStateOpen
	}
}

// cancellable reports whether a Dhan order status still rests on the book.
func cancellable(status string) bool {
	switch status {
	case "PENDING", "TRANSIT", "PART_TRADED", "TRIGGER_PENDING":
		return true
	}
	return false
}
