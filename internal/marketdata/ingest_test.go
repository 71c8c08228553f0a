package marketdata

import (
	"context"
	"errors"
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
	"github.com/realalgo/gateway/internal/registry"
)

// scriptedStream is a StreamHandle driven by the test: push feeds ticks,
// drop simulates a lost connection.
type scriptedStream struct {
	ch     chan broker.Tick
	mu     sync.Mutex
	subbed [][]broker.Topic
	unsub  [][]broker.Topic
	closed atomic.Bool
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{ch: make(chan broker.Tick, 64)}
}

func (s *scriptedStream) Ticks() <-chan broker.Tick { return s.ch }

func (s *scriptedStream) Subscribe(ts []broker.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subbed = append(s.subbed, ts)
	return nil
}

func (s *scriptedStream) Unsubscribe(ts []broker.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsub = append(s.unsub, ts)
	return nil
}

func (s *scriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *scriptedStream) push(symbol string, upstreamSeq uint64) {
	s.ch <- broker.Tick{
		Exchange:    broker.ExchangeNSE,
		Symbol:      symbol,
		Mode:        broker.ModeLTP,
		UpstreamSeq: upstreamSeq,
		Payload:     broker.LTPPayload{LTP: decimal.NewFromInt(100)},
	}
}

func (s *scriptedStream) drop() { close(s.ch) }

func (s *scriptedStream) liveSubscribes() [][]broker.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]broker.Topic, len(s.subbed))
	copy(out, s.subbed)
	return out
}

// streamAdapter hands out scripted streams in order; when the queue is
// empty or failErr is set, OpenStream fails.
type streamAdapter struct {
	broker.Adapter

	mu      sync.Mutex
	streams []*scriptedStream
	failErr error

	opens atomic.Int64
}

func (a *streamAdapter) Code() string { return "paper" }

func (a *streamAdapter) Authenticate(context.Context, broker.BrokerIdentity) (*broker.Session, error) {
	return &broker.Session{AuthToken: "tok"}, nil
}

func (a *streamAdapter) OpenStream(_ context.Context, _ *broker.Session, topics []broker.Topic) (broker.StreamHandle, error) {
	a.opens.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return nil, a.failErr
	}
	if len(a.streams) == 0 {
		return nil, errors.New("no stream scripted")
	}
	s := a.streams[0]
	a.streams = a.streams[1:]
	return s, nil
}

func (a *streamAdapter) script(s *scriptedStream) {
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
}

func (a *streamAdapter) setFail(err error) {
	a.mu.Lock()
	a.failErr = err
	a.mu.Unlock()
}

type collectSink struct {
	mu    sync.Mutex
	ticks []broker.Tick
}

func (c *collectSink) Publish(t broker.Tick) {
	c.mu.Lock()
	c.ticks = append(c.ticks, t)
	c.mu.Unlock()
}

func (c *collectSink) snapshot() []broker.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Tick, len(c.ticks))
	copy(out, c.ticks)
	return out
}

func (c *collectSink) waitLen(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.ticks) >= n
	}, 2*time.Second, time.Millisecond)
}

func newTestManager(t *testing.T, ad broker.Adapter, sink TickSink) *Manager {
	t.Helper()
	identities := []broker.BrokerIdentity{{BrokerCode: "paper", AccountID: "FEED"}}
	factories := map[string]registry.Factory{
		"paper": func(_ *zap.Logger) (broker.Adapter, error) { return ad, nil },
	}
	reg := registry.New(zaptest.NewLogger(t), identities, factories, func(now time.Time) time.Time {
		return now.Add(time.Hour)
	})
	m := NewManager(zaptest.NewLogger(t), reg, "FEED", 2, sink)
	m.backoff = func(int) time.Duration { return time.Millisecond }
	t.Cleanup(m.Close)
	return m
}

func waitOpens(t *testing.T, ad *streamAdapter, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return ad.opens.Load() >= n },
		2*time.Second, time.Millisecond)
}

func TestTicksSequencedPerTopic(t *testing.T) {
	st := newScriptedStream()
	ad := &streamAdapter{streams: []*scriptedStream{st}}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink)

	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topicLTP("RELIANCE")}))
	waitOpens(t, ad, 1)

	st.push("RELIANCE", 100)
	st.push("RELIANCE", 101)
	st.push("RELIANCE", 102)
	sink.waitLen(t, 3)

	ticks := sink.snapshot()
	for i, tick := range ticks {
		assert.Equal(t, broker.TickData, tick.Kind)
		assert.Equal(t, uint64(i+1), tick.Sequence)
		assert.Zero(t, tick.UpstreamSeq, "broker-native sequence never leaves ingest")
	}
}

func TestGapMarkerOnUpstreamJump(t *testing.T) {
	st := newScriptedStream()
	ad := &streamAdapter{streams: []*scriptedStream{st}}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink)

	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topicLTP("RELIANCE")}))
	waitOpens(t, ad, 1)

	st.push("RELIANCE", 100)
	st.push("RELIANCE", 101)
	st.push("RELIANCE", 105) // jump: 102..104 lost upstream
	sink.waitLen(t, 4)

	ticks := sink.snapshot()
	require.Len(t, ticks, 4)
	assert.Equal(t, broker.TickData, ticks[0].Kind)
	assert.Equal(t, broker.TickData, ticks[1].Kind)
	assert.Equal(t, broker.TickGap, ticks[2].Kind)
	assert.Nil(t, ticks[2].Payload, "markers carry no payload")
	assert.Equal(t, broker.TickData, ticks[3].Kind)
	for i, tick := range ticks {
		assert.Equal(t, uint64(i+1), tick.Sequence, "markers consume a sequence slot")
	}

	// An upstream sequence reset (broker restart) is not a gap.
	st.push("RELIANCE", 3)
	sink.waitLen(t, 5)
	ticks = sink.snapshot()
	assert.Equal(t, broker.TickData, ticks[4].Kind)
	assert.Equal(t, uint64(5), ticks[4].Sequence)
}

func TestSequenceSurvivesReconnect(t *testing.T) {
	st1 := newScriptedStream()
	st2 := newScriptedStream()
	ad := &streamAdapter{streams: []*scriptedStream{st1, st2}}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink)

	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topicLTP("RELIANCE")}))
	waitOpens(t, ad, 1)

	st1.push("RELIANCE", 10)
	sink.waitLen(t, 1)

	st1.drop()
	waitOpens(t, ad, 2)

	st2.push("RELIANCE", 11)
	sink.waitLen(t, 2)

	ticks := sink.snapshot()
	assert.Equal(t, uint64(1), ticks[0].Sequence)
	assert.Equal(t, uint64(2), ticks[1].Sequence, "sequence continues across reconnects")
	assert.True(t, st1.closed.Load())
}

func TestUpstreamDownMarkerAfterReconnectBudget(t *testing.T) {
	ad := &streamAdapter{failErr: errors.New("connection refused")}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink) // budget of 2 reconnect attempts

	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topicLTP("RELIANCE")}))
	sink.waitLen(t, 1)

	ticks := sink.snapshot()
	assert.Equal(t, broker.TickUpstreamDown, ticks[0].Kind)
	assert.Equal(t, uint64(1), ticks[0].Sequence)

	// The marker is emitted once per outage, not once per failed attempt.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)

	// Recovery: the next successful connect resumes data after the marker.
	st := newScriptedStream()
	ad.script(st)
	ad.setFail(nil)
	waitOpens(t, ad, 3)

	st.push("RELIANCE", 50)
	sink.waitLen(t, 2)
	ticks = sink.snapshot()
	assert.Equal(t, broker.TickData, ticks[1].Kind)
	assert.Equal(t, uint64(2), ticks[1].Sequence)
}

func TestReleaseLastTopicStopsWorker(t *testing.T) {
	st := newScriptedStream()
	ad := &streamAdapter{streams: []*scriptedStream{st}}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink)

	topic := topicLTP("RELIANCE")
	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topic}))
	waitOpens(t, ad, 1)

	st.push("RELIANCE", 1)
	sink.waitLen(t, 1)

	m.ReleaseTopics([]broker.Topic{topic})
	require.Eventually(t, func() bool { return st.closed.Load() },
		2*time.Second, time.Millisecond)

	// New demand starts a fresh worker.
	st2 := newScriptedStream()
	ad.script(st2)
	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topic}))
	waitOpens(t, ad, 2)
}

func TestEnsureSubscribesOnLiveStream(t *testing.T) {
	st := newScriptedStream()
	ad := &streamAdapter{streams: []*scriptedStream{st}}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink)

	t1 := topicLTP("RELIANCE")
	t2 := topicLTP("SBIN")
	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{t1}))
	waitOpens(t, ad, 1)

	// Prove the consume loop is attached before subscribing live.
	st.push("RELIANCE", 1)
	sink.waitLen(t, 1)

	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{t2}))
	require.Eventually(t, func() bool {
		for _, batch := range st.liveSubscribes() {
			for _, tp := range batch {
				if tp == t2 {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	st.push("SBIN", 1)
	sink.waitLen(t, 2)
	ticks := sink.snapshot()
	assert.Equal(t, uint64(1), ticks[1].Sequence, "each topic has its own sequence")
}

func TestTicksForUnknownTopicsDropped(t *testing.T) {
	st := newScriptedStream()
	ad := &streamAdapter{streams: []*scriptedStream{st}}
	sink := &collectSink{}
	m := newTestManager(t, ad, sink)

	require.NoError(t, m.EnsureTopics(context.Background(), []broker.Topic{topicLTP("RELIANCE")}))
	waitOpens(t, ad, 1)

	st.push("SBIN", 1) // never subscribed
	st.push("RELIANCE", 1)
	sink.waitLen(t, 1)

	ticks := sink.snapshot()
	require.Len(t, ticks, 1)
	assert.Equal(t, "RELIANCE", ticks[0].Symbol)
}
