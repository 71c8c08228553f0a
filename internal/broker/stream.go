package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Subscription modes, in increasing payload depth.
type Mode string

const (
	ModeLTP   Mode = "LTP"
	ModeQuote Mode = "Quote"
	ModeDepth Mode = "Depth"
)

// ParseMode normalizes a client-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "LTP", "ltp":
		return ModeLTP, nil
	case "Quote", "quote", "QUOTE":
		return ModeQuote, nil
	case "Depth", "depth", "DEPTH":
		return ModeDepth, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, s)
}

// Topic identifies one market-data stream.
type Topic struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Mode     Mode   `json:"mode"`
}

func (t Topic) String() string {
	return t.Exchange + ":" + t.Symbol + ":" + string(t.Mode)
}

// Tick kinds. Gap and UpstreamDown are synthetic markers injected by the
// ingest worker; they carry no payload.
type TickKind string

const (
	TickData         TickKind = "data"
	TickGap          TickKind = "gap"
	TickUpstreamDown TickKind = "upstream_down"
)

// Tick is one normalized market-data event. Sequence is assigned by the
// ingest worker and increases monotonically per topic; UpstreamSeq is the
// broker-native sequence when the feed provides one, used only to detect
// gaps and never exposed downstream.
type Tick struct {
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Mode        Mode      `json:"mode"`
	Kind        TickKind  `json:"kind"`
	Sequence    uint64    `json:"sequence"`
	UpstreamSeq uint64    `json:"-"`
	Payload     any       `json:"data,omitempty"`
	SourceTime  time.Time `json:"timestamp"`
}

// Topic returns the tick's topic key.
func (t Tick) Topic() Topic {
	return Topic{Exchange: t.Exchange, Symbol: t.Symbol, Mode: t.Mode}
}

// LTPPayload is the mode=LTP tick payload.
type LTPPayload struct {
	LTP decimal.Decimal `json:"ltp"`
}

// QuotePayload is the mode=Quote tick payload.
type QuotePayload struct {
	LTP    decimal.Decimal `json:"ltp"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// DepthPayload is the mode=Depth tick payload.
type DepthPayload struct {
	LTP          decimal.Decimal `json:"ltp"`
	Bids         []DepthLevel    `json:"bids"`
	Asks         []DepthLevel    `json:"asks"`
	TotalBuyQty  int64           `json:"totalbuyqty"`
	TotalSellQty int64           `json:"totalsellqty"`
}

// StreamHandle is one live broker streaming connection scoped to a session.
// Ticks() closes when the connection is lost; the ingest worker then
// reopens the stream through the adapter. Subscribe and Unsubscribe adjust
// the live topic set without reconnecting.
type StreamHandle interface {
	Ticks() <-chan Tick
	Subscribe(topics []Topic) error
	Unsubscribe(topics []Topic) error
	Close() error
}
