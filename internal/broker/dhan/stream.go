package dhan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
)

// Feed request codes. Unsubscribe is subscribe+1; 12 disconnects.
const (
	reqTicker      = 15
	reqTickerOff   = 16
	reqQuote       = 17
	reqQuoteOff    = 18
	reqDepth       = 19
	reqDepthOff    = 20
	reqDisconnect  = 12
	maxInstruments = 100
	readLimit      = 512 * 1024
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
)

func subscribeCode(mode broker.Mode, off bool) int {
	switch mode {
	case broker.ModeQuote:
		if off {
			return reqQuoteOff
		}
		return reqQuote
	case broker.ModeDepth:
		if off {
			return reqDepthOff
		}
		return reqDepth
	default:
		if off {
			return reqTickerOff
		}
		return reqTicker
	}
}

type wsInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type wsRequest struct {
	RequestCode     int            `json:"RequestCode"`
	InstrumentCount int            `json:"InstrumentCount,omitempty"`
	InstrumentList  []wsInstrument `json:"InstrumentList,omitempty"`
}

// tickFrame is one JSON feed message from the Dhan stream.
type tickFrame struct {
	Type            string  `json:"type"`
	ExchangeSegment string  `json:"exchangeSegment"`
	SecurityID      string  `json:"securityId"`
	Sequence        uint64  `json:"sequence"`
	LTP             float64 `json:"ltp"`
	Open            float64 `json:"open"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Close           float64 `json:"close"`
	Volume          int64   `json:"volume"`
	LTT             int64   `json:"ltt"`
	Depth           struct {
		Buy  []depthRung `json:"buy"`
		Sell []depthRung `json:"sell"`
	} `json:"depth"`
}

// topicMeta keeps the gateway identity of a subscribed security id so tick
// decoding never hits the instrument master. refs counts the modes live on
// the id; two modes of one instrument share a single entry.
type topicMeta struct {
	symbol   string
	exchange string
	refs     int
}

type stream struct {
	adapter *Adapter
	log     *zap.Logger
	conn    *websocket.Conn
	ticks   chan broker.Tick
	done    chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex
	metaMu  sync.RWMutex
	meta    map[string]topicMeta
	closed  bool
}

// OpenStream dials the Dhan live feed and subscribes the given topics.
func (a *Adapter) OpenStream(ctx context.Context, sess *broker.Session, topics []broker.Topic) (broker.StreamHandle, error) {
	url := fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2",
		a.wsURL, sess.AuthToken, sess.Identity.ClientID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dhan feed dial: %v: %w", err, broker.ErrUpstreamDown)
	}

	s := &stream{
		adapter: a,
		log:     a.log.Named("stream"),
		conn:    conn,
		ticks:   make(chan broker.Tick, 1024),
		done:    make(chan struct{}),
		meta:    make(map[string]topicMeta),
	}
	if err := s.Subscribe(topics); err != nil {
		s.Close()
		return nil, err
	}

	s.wg.Add(2)
	go s.readPump()
	go s.pingPump()
	return s, nil
}

func (s *stream) Ticks() <-chan broker.Tick { return s.ticks }

// send writes one request frame under the write lock.
func (s *stream) send(req wsRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("dhan feed write: %v: %w", err, broker.ErrUpstreamDown)
	}
	return nil
}

// request groups topics by mode and sends one frame per mode, chunked to the
// feed's instrument limit. Instruments missing from the master are skipped
// with a warning; they cannot be expressed on the wire.
func (s *stream) request(topics []broker.Topic, off bool) error {
	byMode := make(map[broker.Mode][]wsInstrument)
	ctx := context.Background()
	for _, t := range topics {
		seg, securityID, err := s.adapter.resolve(ctx, t.Symbol, t.Exchange)
		if err != nil {
			s.log.Warn("skipping unresolvable topic",
				zap.String("symbol", t.Symbol),
				zap.String("exchange", t.Exchange),
				zap.Error(err))
			continue
		}
		byMode[t.Mode] = append(byMode[t.Mode], wsInstrument{ExchangeSegment: seg, SecurityID: securityID})

		s.metaMu.Lock()
		if off {
			if meta, ok := s.meta[securityID]; ok {
				meta.refs--
				if meta.refs <= 0 {
					delete(s.meta, securityID)
				} else {
					s.meta[securityID] = meta
				}
			}
		} else {
			meta := s.meta[securityID]
			meta.symbol, meta.exchange = t.Symbol, t.Exchange
			meta.refs++
			s.meta[securityID] = meta
		}
		s.metaMu.Unlock()
	}

	for mode, instruments := range byMode {
		for len(instruments) > 0 {
			n := len(instruments)
			if n > maxInstruments {
				n = maxInstruments
			}
			req := wsRequest{
				RequestCode:     subscribeCode(mode, off),
				InstrumentCount: n,
				InstrumentList:  instruments[:n],
			}
			if err := s.send(req); err != nil {
				return err
			}
			instruments = instruments[n:]
		}
	}
	return nil
}

func (s *stream) Subscribe(topics []broker.Topic) error   { return s.request(topics, false) }
func (s *stream) Unsubscribe(topics []broker.Topic) error { return s.request(topics, true) }

func (s *stream) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteJSON(wsRequest{RequestCode: reqDisconnect})
	s.writeMu.Unlock()

	close(s.done)
	s.conn.Close()
	s.wg.Wait()
	return nil
}

func (s *stream) readPump() {
	defer s.wg.Done()
	defer close(s.ticks)

	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Warn("feed read failed", zap.Error(err))
				}
			}
			return
		}

		var frame tickFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.log.Debug("undecodable feed frame", zap.Int("size", len(message)), zap.Error(err))
			continue
		}
		tick, ok := s.toTick(frame)
		if !ok {
			continue
		}
		select {
		case s.ticks <- tick:
		case <-s.done:
			return
		}
	}
}

func (s *stream) pingPump() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn("feed ping failed", zap.Error(err))
				s.conn.Close()
				return
			}
		}
	}
}

// toTick converts one feed frame to a normalized tick.
func (s *stream) toTick(frame tickFrame) (broker.Tick, bool) {
	var mode broker.Mode
	switch frame.Type {
	case "ticker":
		mode = broker.ModeLTP
	case "quote":
		mode = broker.ModeQuote
	case "depth":
		mode = broker.ModeDepth
	default:
		return broker.Tick{}, false
	}

	s.metaMu.RLock()
	meta, ok := s.meta[frame.SecurityID]
	s.metaMu.RUnlock()
	if !ok {
		return broker.Tick{}, false
	}

	tick := broker.Tick{
		Exchange:    meta.exchange,
		Symbol:      meta.symbol,
		Mode:        mode,
		Kind:        broker.TickData,
		UpstreamSeq: frame.Sequence,
	}
	if frame.LTT > 0 {
		tick.SourceTime = time.Unix(frame.LTT, 0).UTC()
	}

	ltp := decimal.NewFromFloat(frame.LTP)
	switch mode {
	case broker.ModeQuote:
		tick.Payload = broker.QuotePayload{
			LTP:    ltp,
			Open:   decimal.NewFromFloat(frame.Open),
			High:   decimal.NewFromFloat(frame.High),
			Low:    decimal.NewFromFloat(frame.Low),
			Close:  decimal.NewFromFloat(frame.Close),
			Volume: frame.Volume,
		}
	case broker.ModeDepth:
		p := broker.DepthPayload{LTP: ltp}
		for _, r := range frame.Depth.Buy {
			p.Bids = append(p.Bids, broker.DepthLevel{
				Price: decimal.NewFromFloat(r.Price), Quantity: r.Quantity, Orders: r.Orders,
			})
			p.TotalBuyQty += r.Quantity
		}
		for _, r := range frame.Depth.Sell {
			p.Asks = append(p.Asks, broker.DepthLevel{
				Price: decimal.NewFromFloat(r.Price), Quantity: r.Quantity, Orders: r.Orders,
			})
			p.TotalSellQty += r.Quantity
		}
		tick.Payload = p
	default:
		tick.Payload = broker.LTPPayload{LTP: ltp}
	}
	return tick, true
}
