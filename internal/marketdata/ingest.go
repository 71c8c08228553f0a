package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/registry"
	"github.com/realalgo/gateway/pkg/metrics"
)

// TickSink receives every sequenced tick. The bus and the Redis egress both
// implement it.
type TickSink interface {
	Publish(t broker.Tick)
}

// Manager implements Upstream over the feed account's broker stream. It owns
// one worker per live connection, assigns the per-topic gateway sequence,
// injects gap markers when the broker-native sequence jumps, and emits
// upstream-down markers when the reconnect budget runs out.
type Manager struct {
	log           *zap.Logger
	reg           *registry.Registry
	sinks         []TickSink
	feedAccount   string
	brokerLabel   string
	maxReconnects int
	backoff       func(attempt int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	desired map[broker.Topic]struct{}
	w       *worker
	seq     map[broker.Topic]uint64
	lastUp  map[broker.Topic]uint64
	closed  bool
}

type worker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	handle broker.StreamHandle
}

func (w *worker) setHandle(h broker.StreamHandle) {
	w.mu.Lock()
	w.handle = h
	w.mu.Unlock()
}

func (w *worker) getHandle() broker.StreamHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// NewManager builds an ingest manager streaming through feedAccount's broker
// session and delivering to the given sinks.
func NewManager(log *zap.Logger, reg *registry.Registry, feedAccount string, maxReconnects int, sinks ...TickSink) *Manager {
	if maxReconnects <= 0 {
		maxReconnects = 5
	}
	label := "unknown"
	if id, err := reg.Identity(feedAccount); err == nil {
		label = id.BrokerCode
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:           log,
		reg:           reg,
		sinks:         sinks,
		feedAccount:   feedAccount,
		brokerLabel:   label,
		maxReconnects: maxReconnects,
		backoff:       broker.StreamBackoff,
		ctx:           ctx,
		cancel:        cancel,
		desired:       make(map[broker.Topic]struct{}),
		seq:           make(map[broker.Topic]uint64),
		lastUp:        make(map[broker.Topic]uint64),
	}
}

// EnsureTopics adds topics to the live subscription set, starting the stream
// worker on first demand.
func (m *Manager) EnsureTopics(ctx context.Context, topics []broker.Topic) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("ingest closed")
	}
	var added []broker.Topic
	for _, t := range topics {
		if _, ok := m.desired[t]; ok {
			continue
		}
		m.desired[t] = struct{}{}
		added = append(added, t)
	}
	var started bool
	w := m.w
	if w == nil && len(m.desired) > 0 {
		w = &worker{}
		w.ctx, w.cancel = context.WithCancel(m.ctx)
		m.w = w
		m.wg.Add(1)
		started = true
	}
	m.mu.Unlock()

	if started {
		go m.run(w)
		return nil
	}
	if len(added) > 0 && w != nil {
		// A nil handle means the worker is between connections; the next
		// OpenStream picks the topics up from the desired set.
		if h := w.getHandle(); h != nil {
			if err := h.Subscribe(added); err != nil {
				m.log.Warn("live subscribe failed, will resync on reconnect",
					zap.Error(err), zap.Int("topics", len(added)))
			}
		}
	}
	return nil
}

// ReleaseTopics removes topics from the subscription set, stopping the
// worker when nothing is left to serve.
func (m *Manager) ReleaseTopics(topics []broker.Topic) {
	m.mu.Lock()
	var removed []broker.Topic
	for _, t := range topics {
		if _, ok := m.desired[t]; !ok {
			continue
		}
		delete(m.desired, t)
		delete(m.lastUp, t)
		removed = append(removed, t)
	}
	w := m.w
	stop := w != nil && len(m.desired) == 0
	if stop {
		m.w = nil
	}
	m.mu.Unlock()

	if stop {
		w.cancel()
		return
	}
	if w != nil && len(removed) > 0 {
		if h := w.getHandle(); h != nil {
			if err := h.Unsubscribe(removed); err != nil {
				m.log.Warn("live unsubscribe failed", zap.Error(err), zap.Int("topics", len(removed)))
			}
		}
	}
}

func (m *Manager) desiredSnapshot() []broker.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.Topic, 0, len(m.desired))
	for t := range m.desired {
		out = append(out, t)
	}
	return out
}

// run is the worker loop: open the stream, consume until it drops, back off,
// repeat. The gateway sequence survives reconnects.
func (m *Manager) run(w *worker) {
	defer m.wg.Done()
	attempt := 0
	downEmitted := false
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		topics := m.desiredSnapshot()
		if len(topics) == 0 {
			select {
			case <-w.ctx.Done():
			case <-time.After(m.backoff(0)):
			}
			continue
		}

		h, err := m.openStream(w.ctx, topics)
		if err != nil {
			attempt++
			metrics.StreamReconnects.WithLabelValues(m.brokerLabel).Inc()
			m.log.Warn("stream connect failed",
				zap.String("account", m.feedAccount),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt >= m.maxReconnects && !downEmitted {
				m.emitMarkers(broker.TickUpstreamDown)
				downEmitted = true
			}
			select {
			case <-time.After(m.backoff(attempt)):
			case <-w.ctx.Done():
				return
			}
			continue
		}

		if downEmitted {
			m.log.Info("stream recovered", zap.String("account", m.feedAccount))
		}
		attempt = 0
		downEmitted = false
		w.setHandle(h)
		m.resync(h, topics)
		m.consume(w, h)
		w.setHandle(nil)
		_ = h.Close()

		if w.ctx.Err() != nil {
			return
		}
		attempt++
		metrics.StreamReconnects.WithLabelValues(m.brokerLabel).Inc()
		m.log.Warn("stream dropped, reconnecting",
			zap.String("account", m.feedAccount),
			zap.Int("attempt", attempt))
		select {
		case <-time.After(m.backoff(attempt - 1)):
		case <-w.ctx.Done():
			return
		}
	}
}

func (m *Manager) openStream(ctx context.Context, topics []broker.Topic) (broker.StreamHandle, error) {
	sess, err := m.reg.GetSession(ctx, m.feedAccount)
	if err != nil {
		return nil, err
	}
	ad, err := m.reg.AdapterFor(m.feedAccount)
	if err != nil {
		return nil, err
	}
	return ad.OpenStream(ctx, sess, topics)
}

// resync reconciles the freshly opened stream with topics ensured or
// released while the connection was being established.
func (m *Manager) resync(h broker.StreamHandle, opened []broker.Topic) {
	have := make(map[broker.Topic]struct{}, len(opened))
	for _, t := range opened {
		have[t] = struct{}{}
	}
	m.mu.Lock()
	var add, remove []broker.Topic
	for t := range m.desired {
		if _, ok := have[t]; !ok {
			add = append(add, t)
		}
	}
	for t := range have {
		if _, ok := m.desired[t]; !ok {
			remove = append(remove, t)
		}
	}
	m.mu.Unlock()

	if len(add) > 0 {
		if err := h.Subscribe(add); err != nil {
			m.log.Warn("post-connect subscribe failed", zap.Error(err))
		}
	}
	if len(remove) > 0 {
		if err := h.Unsubscribe(remove); err != nil {
			m.log.Warn("post-connect unsubscribe failed", zap.Error(err))
		}
	}
}

func (m *Manager) consume(w *worker, h broker.StreamHandle) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case t, ok := <-h.Ticks():
			if !ok {
				return
			}
			metrics.TicksIngested.WithLabelValues(m.brokerLabel).Inc()
			m.deliver(t)
		}
	}
}

// deliver assigns the gateway sequence and pushes the tick (and any gap
// marker it implies) to the sinks. Sequencing is per topic and monotonic for
// the life of the process.
func (m *Manager) deliver(t broker.Tick) {
	topic := t.Topic()
	var out []broker.Tick
	var gap bool

	m.mu.Lock()
	if _, ok := m.desired[topic]; !ok {
		m.mu.Unlock()
		return
	}
	if t.UpstreamSeq > 0 {
		last := m.lastUp[topic]
		if last > 0 && t.UpstreamSeq > last+1 {
			m.seq[topic]++
			out = append(out, broker.Tick{
				Exchange:   t.Exchange,
				Symbol:     t.Symbol,
				Mode:       t.Mode,
				Kind:       broker.TickGap,
				Sequence:   m.seq[topic],
				SourceTime: time.Now().UTC(),
			})
			gap = true
		}
		m.lastUp[topic] = t.UpstreamSeq
	}
	if t.Kind == "" {
		t.Kind = broker.TickData
	}
	if t.SourceTime.IsZero() {
		t.SourceTime = time.Now().UTC()
	}
	m.seq[topic]++
	t.Sequence = m.seq[topic]
	out = append(out, t)
	m.mu.Unlock()

	if gap {
		metrics.GapMarkers.Inc()
	}
	for _, tick := range out {
		for _, sink := range m.sinks {
			sink.Publish(tick)
		}
	}
}

// emitMarkers publishes one synthetic marker per subscribed topic so
// subscribers learn the feed is down instead of watching silence.
func (m *Manager) emitMarkers(kind broker.TickKind) {
	now := time.Now().UTC()
	m.mu.Lock()
	out := make([]broker.Tick, 0, len(m.desired))
	for t := range m.desired {
		m.seq[t]++
		out = append(out, broker.Tick{
			Exchange:   t.Exchange,
			Symbol:     t.Symbol,
			Mode:       t.Mode,
			Kind:       kind,
			Sequence:   m.seq[t],
			SourceTime: now,
		})
	}
	m.mu.Unlock()

	if kind == broker.TickUpstreamDown {
		metrics.UpstreamDownMarkers.Add(float64(len(out)))
	}
	for _, tick := range out {
		for _, sink := range m.sinks {
			sink.Publish(tick)
		}
	}
}

// Close stops every worker and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.w = nil
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
