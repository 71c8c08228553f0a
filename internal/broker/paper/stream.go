package paper

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
)

// stream emits one synthetic tick per subscribed topic every tickInterval.
// Upstream sequence numbers increase per topic so the ingest layer sees a
// contiguous feed.
type stream struct {
	adapter *Adapter
	log     *zap.Logger
	ticks   chan broker.Tick
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	topics map[broker.Topic]struct{}
	seq    map[broker.Topic]uint64
	closed bool
}

// OpenStream starts the synthetic feed for the given topics.
func (a *Adapter) OpenStream(_ context.Context, _ *broker.Session, topics []broker.Topic) (broker.StreamHandle, error) {
	s := &stream{
		adapter: a,
		log:     a.log,
		ticks:   make(chan broker.Tick, 64),
		done:    make(chan struct{}),
		topics:  make(map[broker.Topic]struct{}, len(topics)),
		seq:     make(map[broker.Topic]uint64),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	s.wg.Add(1)
	go s.run(a.tickInterval)
	return s, nil
}

func (s *stream) Ticks() <-chan broker.Tick { return s.ticks }

func (s *stream) Subscribe(topics []broker.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrUpstreamDown
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	return nil
}

func (s *stream) Unsubscribe(topics []broker.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
		delete(s.seq, t)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *stream) run(interval time.Duration) {
	defer s.wg.Done()
	defer close(s.ticks)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, t := range s.emit(now) {
				select {
				case s.ticks <- t:
				case <-s.done:
					return
				default:
					// Consumer stalled; skip this tick rather than block
					// the generator.
				}
			}
		}
	}
}

// emit builds one tick per subscribed topic at the walked price.
func (s *stream) emit(now time.Time) []broker.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]broker.Tick, 0, len(s.topics))
	for t := range s.topics {
		s.adapter.mu.Lock()
		ltp := s.adapter.walkLocked(t.Symbol)
		s.adapter.mu.Unlock()

		s.seq[t]++
		out = append(out, broker.Tick{
			Exchange:    t.Exchange,
			Symbol:      t.Symbol,
			Mode:        t.Mode,
			Kind:        broker.TickData,
			UpstreamSeq: s.seq[t],
			Payload:     s.payload(t.Mode, ltp),
			SourceTime:  now.UTC(),
		})
	}
	return out
}

func (s *stream) payload(mode broker.Mode, ltp decimal.Decimal) any {
	switch mode {
	case broker.ModeQuote:
		spread := ltp.Mul(decimal.NewFromFloat(0.0005)).Round(2)
		return broker.QuotePayload{
			LTP:    ltp,
			Open:   ltp,
			High:   ltp.Add(spread),
			Low:    ltp.Sub(spread),
			Close:  ltp,
			Volume: 0,
		}
	case broker.ModeDepth:
		tick := decimal.NewFromFloat(0.05)
		p := broker.DepthPayload{LTP: ltp}
		for i := 1; i <= 5; i++ {
			level := decimal.NewFromInt(int64(i))
			p.Bids = append(p.Bids, broker.DepthLevel{Price: ltp.Sub(tick.Mul(level)), Quantity: 100, Orders: 1})
			p.Asks = append(p.Asks, broker.DepthLevel{Price: ltp.Add(tick.Mul(level)), Quantity: 100, Orders: 1})
			p.TotalBuyQty += 100
			p.TotalSellQty += 100
		}
		return p
	default:
		return broker.LTPPayload{LTP: ltp}
	}
}
