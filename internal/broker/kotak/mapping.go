package kotak

import "github.com/realalgo/gateway/internal/broker"

// Kotak exchange segments. Index topics ride the cash segments.
var toSegment = map[string]string{
	broker.ExchangeNSE:      "nse_cm",
	broker.ExchangeBSE:      "bse_cm",
	broker.ExchangeNFO:      "nse_fo",
	broker.ExchangeBFO:      "bse_fo",
	broker.ExchangeCDS:      "cde_fo",
	broker.ExchangeBCD:      "bcs-fo",
	broker.ExchangeMCX:      "mcx_fo",
	broker.ExchangeNSEIndex: "nse_cm",
	broker.ExchangeBSEIndex: "bse_cm",
}

var fromSegment = map[string]string{
	"nse_cm": broker.ExchangeNSE,
	"bse_cm": broker.ExchangeBSE,
	"nse_fo": broker.ExchangeNFO,
	"bse_fo": broker.ExchangeBFO,
	"cde_fo": broker.ExchangeCDS,
	"bcs-fo": broker.ExchangeBCD,
	"mcx_fo": broker.ExchangeMCX,
}

// Segment converts a gateway exchange code to a Kotak exchange segment.
func Segment(exchange string) (string, bool) {
	seg, ok := toSegment[exchange]
	return seg, ok
}

// GatewayExchange converts a Kotak exchange segment back to the gateway code.
func GatewayExchange(segment string) (string, bool) {
	ex, ok := fromSegment[segment]
	return ex, ok
}

var toOrderType = map[broker.OrderType]string{
	broker.OrderTypeLimit:  "L",
	broker.OrderTypeMarket: "MKT",
	broker.OrderTypeSL:     "SL",
	broker.OrderTypeSLM:    "SL-M",
}

var fromOrderType = map[string]broker.OrderType{
	"L":    broker.OrderTypeLimit,
	"MKT":  broker.OrderTypeMarket,
	"SL":   broker.OrderTypeSL,
	"SL-M": broker.OrderTypeSLM,
}

var toProduct = map[broker.ProductType]string{
	broker.ProductNRML: "NRML",
	broker.ProductCNC:  "CNC",
	broker.ProductMIS:  "MIS",
}

// fromProduct folds Kotak's cover and bracket products into the intraday
// bucket; the gateway does not model them separately.
var fromProduct = map[string]broker.ProductType{
	"NRML":          broker.ProductNRML,
	"CNC":           broker.ProductCNC,
	"MIS":           broker.ProductMIS,
	"INTRADAY":      broker.ProductMIS,
	"CO":            broker.ProductMIS,
	"Bracket Order": broker.ProductMIS,
}

var toSide = map[broker.Side]string{
	broker.SideBuy:  "B",
	broker.SideSell: "S",
}

var fromSide = map[string]broker.Side{
	"B": broker.SideBuy,
	"S": broker.SideSell,
}

// orderState maps Kotak order book statuses to the normalized states; the
// book already uses lower-case words.
func orderState(status string) string {
	switch status {
	case "complete", "traded":
		return broker.OrderStateComplete
	case "cancelled":
		return broker.OrderStateCancelled
	case "rejected":
		return broker.OrderStateRejected
	case "trigger pending":
		return broker.OrderStateTriggerPending
	default:
		return broker.OrderStateOpen
	}
}

func cancellable(status string) bool {
	switch status {
	case "open", "pending", "trigger pending", "put order req received":
		return true
	}
	return false
}
