package kotak

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
)

// HSM feed channels: one per subscription depth.
const (
	channelLTP   = 1
	channelQuote = 2
	channelDepth = 3

	readLimit    = 512 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

func channelForMode(mode broker.Mode) int {
	switch mode {
	case broker.ModeQuote:
		return channelQuote
	case broker.ModeDepth:
		return channelDepth
	default:
		return channelLTP
	}
}

func modeForChannel(ch int) (broker.Mode, bool) {
	switch ch {
	case channelLTP:
		return broker.ModeLTP, true
	case channelQuote:
		return broker.ModeQuote, true
	case channelDepth:
		return broker.ModeDepth, true
	}
	return "", false
}

// connectFrame is the post-dial handshake carrying the bearer token and sid.
type connectFrame struct {
	Type          string `json:"type"`
	Authorization string `json:"Authorization"`
	Sid           string `json:"Sid"`
	Source        string `json:"source"`
}

// watchFrame subscribes (mws) or unsubscribes (mwu) a scrip list on one
// channel. Scrips are "segment|token" pairs joined by '&'.
type watchFrame struct {
	Type       string `json:"type"`
	Scrips     string `json:"scrips"`
	ChannelNum int    `json:"channelnum"`
}

// feedFrame is one data message. Terse keys mirror the HSM feed: e exchange
// segment, tk token, op/h/lo/c OHLC, bp/sp best bid and ask.
type feedFrame struct {
	Type     string  `json:"type"`
	Exchange string  `json:"e"`
	Token    string  `json:"tk"`
	Channel  int     `json:"channel"`
	Sequence uint64  `json:"seq"`
	LTP      float64 `json:"ltp"`
	Open     float64 `json:"op"`
	High     float64 `json:"h"`
	Low      float64 `json:"lo"`
	Close    float64 `json:"c"`
	Volume   int64   `json:"v"`
	FeedTime int64   `json:"ft"`
	Depth    struct {
		Buy  []depthRung `json:"buy"`
		Sell []depthRung `json:"sell"`
	} `json:"depth"`
}

// topicMeta maps a scrip back to its gateway identity. refs counts the
// channels live on the scrip so dropping one mode keeps the others decodable.
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

// OpenStream dials the HSM feed, authenticates with the session's sid and
// subscribes the given topics.
func (a *Adapter) OpenStream(ctx context.Context, sess *broker.Session, topics []broker.Topic) (broker.StreamHandle, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("kotak feed dial: %v: %w", err, broker.ErrUpstreamDown)
	}

	s := &stream{
		adapter: a,
		log:     a.log.Named("stream"),
		conn:    conn,
		ticks:   make(chan broker.Tick, 1024),
		done:    make(chan struct{}),
		meta:    make(map[string]topicMeta),
	}
	hello := connectFrame{
		Type:          "cn",
		Authorization: sess.AuthToken,
		Sid:           sess.FeedToken,
		Source:        "API",
	}
	if err := s.send(hello); err != nil {
		conn.Close()
		return nil, err
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

func (s *stream) send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("kotak feed write: %v: %w", err, broker.ErrUpstreamDown)
	}
	return nil
}

// request groups topics per channel and sends one watch frame per channel.
// Instruments missing from the master are skipped with a warning.
func (s *stream) request(topics []broker.Topic, frameType string) error {
	byChannel := make(map[int][]string)
	ctx := context.Background()
	for _, t := range topics {
		seg, in, err := s.adapter.resolve(ctx, t.Symbol, t.Exchange)
		if err != nil {
			s.log.Warn("skipping unresolvable topic",
				zap.String("symbol", t.Symbol),
				zap.String("exchange", t.Exchange),
				zap.Error(err))
			continue
		}
		scrip := seg + "|" + in.Token
		ch := channelForMode(t.Mode)
		byChannel[ch] = append(byChannel[ch], scrip)

		s.metaMu.Lock()
		if frameType == "mwu" {
			if meta, ok := s.meta[scrip]; ok {
				meta.refs--
				if meta.refs <= 0 {
					delete(s.meta, scrip)
				} else {
					s.meta[scrip] = meta
				}
			}
		} else {
			meta := s.meta[scrip]
			meta.symbol, meta.exchange = t.Symbol, t.Exchange
			meta.refs++
			s.meta[scrip] = meta
		}
		s.metaMu.Unlock()
	}

	for ch, scrips := range byChannel {
		frame := watchFrame{
			Type:       frameType,
			Scrips:     strings.Join(scrips, "&"),
			ChannelNum: ch,
		}
		if err := s.send(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *stream) Subscribe(topics []broker.Topic) error   { return s.request(topics, "mws") }
func (s *stream) Unsubscribe(topics []broker.Topic) error { return s.request(topics, "mwu") }

func (s *stream) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
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

		var frame feedFrame
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

func (s *stream) toTick(frame feedFrame) (broker.Tick, bool) {
	if frame.Type != "sf" && frame.Type != "df" {
		return broker.Tick{}, false
	}
	mode, ok := modeForChannel(frame.Channel)
	if !ok {
		return broker.Tick{}, false
	}

	s.metaMu.RLock()
	meta, found := s.meta[frame.Exchange+"|"+frame.Token]
	s.metaMu.RUnlock()
	if !found {
		return broker.Tick{}, false
	}

	tick := broker.Tick{
		Exchange:    meta.exchange,
		Symbol:      meta.symbol,
		Mode:        mode,
		Kind:        broker.TickData,
		UpstreamSeq: frame.Sequence,
	}
	if frame.FeedTime > 0 {
		tick.SourceTime = time.Unix(frame.FeedTime, 0).UTC()
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
