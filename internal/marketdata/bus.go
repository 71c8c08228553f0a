// Package marketdata carries ticks from broker streams to subscribers: an
// ingest manager that owns the broker-facing workers and the per-topic
// sequence domain, a distribution bus that fans ticks out over bounded
// per-subscriber queues, and an optional Redis egress mirror.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/pkg/metrics"
)

// Upstream is the ingest side the bus drives: it is told which topics need a
// live broker subscription and which can be released.
type Upstream interface {
	EnsureTopics(ctx context.Context, topics []broker.Topic) error
	ReleaseTopics(topics []broker.Topic)
}

// Subscriber is one attached tick consumer. Its queue is bounded; when the
// consumer falls behind, the oldest queued tick is dropped first so the
// stream stays fresh.
type Subscriber struct {
	id     string
	ch     chan broker.Tick
	topics map[broker.Topic]struct{}
	drops  atomic.Uint64
	closed bool
}

// ID returns the subscriber's bus-assigned id.
func (s *Subscriber) ID() string { return s.id }

// Ticks returns the delivery channel. It is closed on Disconnect.
func (s *Subscriber) Ticks() <-chan broker.Tick { return s.ch }

// Drops returns how many ticks this subscriber has lost to queue pressure.
func (s *Subscriber) Drops() uint64 { return s.drops.Load() }

type topicState struct {
	subs   map[string]*Subscriber
	linger *time.Timer
}

// Bus fans ticks out to subscribers and keeps the upstream subscription set
// in step with demand. Topics are refcounted; the last unsubscribe arms a
// linger timer so a quick resubscribe never bounces the broker subscription.
type Bus struct {
	log       *zap.Logger
	queueSize int
	linger    time.Duration

	mu       sync.Mutex
	subs     map[string]*Subscriber
	topics   map[broker.Topic]*topicState
	upstream Upstream
	closed   bool
}

// NewBus builds a bus with the given per-subscriber queue size and topic
// teardown linger.
func NewBus(log *zap.Logger, queueSize int, linger time.Duration) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		log:       log,
		queueSize: queueSize,
		linger:    linger,
		subs:      make(map[string]*Subscriber),
		topics:    make(map[broker.Topic]*topicState),
	}
}

// SetUpstream wires the ingest manager. Must be called before the first
// Subscribe; a nil upstream leaves the bus distributing whatever is pushed.
func (b *Bus) SetUpstream(u Upstream) {
	b.mu.Lock()
	b.upstream = u
	b.mu.Unlock()
}

// Connect attaches a new subscriber with an empty topic set.
func (b *Bus) Connect() *Subscriber {
	sub := &Subscriber{
		id:     uuid.NewString(),
		ch:     make(chan broker.Tick, b.queueSize),
		topics: make(map[broker.Topic]struct{}),
	}
	b.mu.Lock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		b.mu.Unlock()
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()
	metrics.ActiveSubscribers.Inc()
	return sub
}

// Subscribe adds topics to the subscriber. Topics gaining their first
// subscriber are ensured upstream; on upstream failure every topic added by
// this call is rolled back and the subscriber keeps its previous set.
func (b *Bus) Subscribe(ctx context.Context, sub *Subscriber, topics []broker.Topic) error {
	b.mu.Lock()
	if b.closed || sub.closed {
		b.mu.Unlock()
		return fmt.Errorf("subscriber detached")
	}
	var fresh, activated []broker.Topic
	for _, t := range topics {
		if _, ok := sub.topics[t]; ok {
			continue
		}
		sub.topics[t] = struct{}{}
		fresh = append(fresh, t)
		st, ok := b.topics[t]
		if !ok {
			st = &topicState{subs: make(map[string]*Subscriber)}
			b.topics[t] = st
		}
		st.subs[sub.id] = sub
		if len(st.subs) == 1 {
			if st.linger != nil {
				// Back inside the linger window: upstream still has it.
				st.linger.Stop()
				st.linger = nil
				metrics.ActiveTopics.Inc()
			} else {
				activated = append(activated, t)
			}
		}
	}
	upstream := b.upstream
	b.mu.Unlock()

	if len(activated) == 0 {
		return nil
	}
	metrics.ActiveTopics.Add(float64(len(activated)))
	if upstream != nil {
		if err := upstream.EnsureTopics(ctx, activated); err != nil {
			b.Unsubscribe(sub, fresh)
			return err
		}
	}
	return nil
}

// Unsubscribe removes topics from the subscriber. Topics left without
// subscribers are torn down upstream after the linger window.
func (b *Bus) Unsubscribe(sub *Subscriber, topics []broker.Topic) {
	b.mu.Lock()
	deactivated := b.releaseLocked(sub, topics)
	b.mu.Unlock()
	if n := len(deactivated); n > 0 {
		metrics.ActiveTopics.Sub(float64(n))
	}
}

// releaseLocked drops the subscriber from each topic and arms linger timers
// for topics that lost their last subscriber. Caller holds b.mu.
func (b *Bus) releaseLocked(sub *Subscriber, topics []broker.Topic) []broker.Topic {
	var deactivated []broker.Topic
	for _, t := range topics {
		if _, ok := sub.topics[t]; !ok {
			continue
		}
		delete(sub.topics, t)
		st := b.topics[t]
		if st == nil {
			continue
		}
		delete(st.subs, sub.id)
		if len(st.subs) == 0 {
			deactivated = append(deactivated, t)
			if st.linger != nil {
				st.linger.Stop()
			}
			topic := t
			st.linger = time.AfterFunc(b.linger, func() { b.teardown(topic) })
		}
	}
	return deactivated
}

// teardown releases one topic upstream unless a subscriber came back.
func (b *Bus) teardown(t broker.Topic) {
	b.mu.Lock()
	st := b.topics[t]
	if st == nil || len(st.subs) > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.topics, t)
	upstream := b.upstream
	b.mu.Unlock()
	if upstream != nil {
		upstream.ReleaseTopics([]broker.Topic{t})
	}
}

// Disconnect detaches the subscriber, releases its topics and closes its
// channel. Safe to call more than once.
func (b *Bus) Disconnect(sub *Subscriber) {
	b.mu.Lock()
	if sub.closed {
		b.mu.Unlock()
		return
	}
	sub.closed = true
	held := make([]broker.Topic, 0, len(sub.topics))
	for t := range sub.topics {
		held = append(held, t)
	}
	deactivated := b.releaseLocked(sub, held)
	delete(b.subs, sub.id)
	close(sub.ch)
	b.mu.Unlock()

	metrics.ActiveSubscribers.Dec()
	if n := len(deactivated); n > 0 {
		metrics.ActiveTopics.Sub(float64(n))
	}
	if d := sub.Drops(); d > 0 {
		b.log.Debug("subscriber detached with drops",
			zap.String("subscriber", sub.id),
			zap.Uint64("dropped", d))
	}
}

// Publish fans one tick out to every subscriber of its topic. Pushes never
// block: a full queue evicts its oldest tick to make room, and the drop is
// counted against the subscriber.
func (b *Bus) Publish(t broker.Tick) {
	topic := t.Topic()
	b.mu.Lock()
	st := b.topics[topic]
	if st == nil || len(st.subs) == 0 {
		b.mu.Unlock()
		return
	}
	for _, sub := range st.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- t:
			metrics.TicksPublished.Inc()
			continue
		default:
		}
		// Queue full: evict the oldest tick, then retry once. The consumer
		// may have drained concurrently, in which case nothing is evicted.
		select {
		case <-sub.ch:
			sub.drops.Add(1)
			metrics.TicksDropped.Inc()
		default:
		}
		select {
		case sub.ch <- t:
			metrics.TicksPublished.Inc()
		default:
			sub.drops.Add(1)
			metrics.TicksDropped.Inc()
		}
	}
	b.mu.Unlock()
}

// Topics returns the topics that currently have at least one subscriber.
func (b *Bus) Topics() []broker.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Topic, 0, len(b.topics))
	for t, st := range b.topics {
		if len(st.subs) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Close detaches every subscriber and releases every topic upstream.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var released []broker.Topic
	var active int
	for t, st := range b.topics {
		if st.linger != nil {
			st.linger.Stop()
		}
		if len(st.subs) > 0 {
			active++
		}
		released = append(released, t)
		delete(b.topics, t)
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		sub.closed = true
		sub.topics = make(map[broker.Topic]struct{})
		close(sub.ch)
		delete(b.subs, sub.id)
	}
	upstream := b.upstream
	b.mu.Unlock()

	metrics.ActiveSubscribers.Sub(float64(len(subs)))
	metrics.ActiveTopics.Sub(float64(active))
	if upstream != nil && len(released) > 0 {
		upstream.ReleaseTopics(released)
	}
}
