package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realalgo/gateway/internal/broker"
)

type fakeUpstream struct {
	mu       sync.Mutex
	ensured  [][]broker.Topic
	released [][]broker.Topic
	err      error
}

func (f *fakeUpstream) EnsureTopics(_ context.Context, ts []broker.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ensured = append(f.ensured, ts)
	return nil
}

func (f *fakeUpstream) ReleaseTopics(ts []broker.Topic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ts)
}

func (f *fakeUpstream) ensureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ensured)
}

func (f *fakeUpstream) releaseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func topicLTP(symbol string) broker.Topic {
	return broker.Topic{Exchange: broker.ExchangeNSE, Symbol: symbol, Mode: broker.ModeLTP}
}

func dataTick(symbol string, seq uint64) broker.Tick {
	return broker.Tick{
		Exchange:   broker.ExchangeNSE,
		Symbol:     symbol,
		Mode:       broker.ModeLTP,
		Kind:       broker.TickData,
		Sequence:   seq,
		SourceTime: time.Now().UTC(),
	}
}

func newTestBus(t *testing.T, queue int, linger time.Duration) (*Bus, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{}
	b := NewBus(zaptest.NewLogger(t), queue, linger)
	b.SetUpstream(up)
	t.Cleanup(b.Close)
	return b, up
}

func TestSubscribeEnsuresUpstreamOnlyOnFirstSubscriber(t *testing.T) {
	b, up := newTestBus(t, 8, time.Second)
	topic := topicLTP("RELIANCE")

	s1 := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s1, []broker.Topic{topic}))
	assert.Equal(t, 1, up.ensureCalls())

	s2 := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s2, []broker.Topic{topic}))
	assert.Equal(t, 1, up.ensureCalls(), "second subscriber reuses the live topic")

	// Re-subscribing the same topic on the same subscriber is a no-op.
	require.NoError(t, b.Subscribe(context.Background(), s1, []broker.Topic{topic}))
	assert.Equal(t, 1, up.ensureCalls())
}

func TestPublishFansOutToTopicSubscribers(t *testing.T) {
	b, _ := newTestBus(t, 8, time.Second)
	reliance := topicLTP("RELIANCE")
	sbin := topicLTP("SBIN")

	s1 := b.Connect()
	s2 := b.Connect()
	s3 := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s1, []broker.Topic{reliance}))
	require.NoError(t, b.Subscribe(context.Background(), s2, []broker.Topic{reliance}))
	require.NoError(t, b.Subscribe(context.Background(), s3, []broker.Topic{sbin}))

	b.Publish(dataTick("RELIANCE", 1))

	for _, s := range []*Subscriber{s1, s2} {
		select {
		case tick := <-s.Ticks():
			assert.Equal(t, "RELIANCE", tick.Symbol)
			assert.Equal(t, uint64(1), tick.Sequence)
		default:
			t.Fatalf("subscriber %s got no tick", s.ID())
		}
	}
	select {
	case tick := <-s3.Ticks():
		t.Fatalf("subscriber of another topic got tick %+v", tick)
	default:
	}
}

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	b, _ := newTestBus(t, 4, time.Second)
	topic := topicLTP("RELIANCE")

	s := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s, []broker.Topic{topic}))

	for seq := uint64(1); seq <= 6; seq++ {
		b.Publish(dataTick("RELIANCE", seq))
	}

	var got []uint64
	for {
		select {
		case tick := <-s.Ticks():
			got = append(got, tick.Sequence)
			continue
		default:
		}
		break
	}

	assert.Equal(t, []uint64{3, 4, 5, 6}, got, "oldest ticks evicted first")
	assert.Equal(t, uint64(2), s.Drops())
}

func TestUnsubscribeTearsDownAfterLinger(t *testing.T) {
	b, up := newTestBus(t, 8, 50*time.Millisecond)
	topic := topicLTP("RELIANCE")

	s := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s, []broker.Topic{topic}))
	b.Unsubscribe(s, []broker.Topic{topic})

	assert.Equal(t, 0, up.releaseCalls(), "teardown waits out the linger window")
	assert.Eventually(t, func() bool { return up.releaseCalls() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestResubscribeWithinLingerKeepsUpstream(t *testing.T) {
	b, up := newTestBus(t, 8, 50*time.Millisecond)
	topic := topicLTP("RELIANCE")

	s := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s, []broker.Topic{topic}))
	b.Unsubscribe(s, []broker.Topic{topic})

	// Come back before the linger fires.
	require.NoError(t, b.Subscribe(context.Background(), s, []broker.Topic{topic}))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, up.releaseCalls(), "resubscribe within linger cancels teardown")
	assert.Equal(t, 1, up.ensureCalls(), "upstream subscription was never dropped")

	// Ticks still flow.
	b.Publish(dataTick("RELIANCE", 9))
	select {
	case tick := <-s.Ticks():
		assert.Equal(t, uint64(9), tick.Sequence)
	default:
		t.Fatal("expected tick after resubscribe")
	}
}

func TestDisconnectClosesChannelAndReleasesTopics(t *testing.T) {
	b, up := newTestBus(t, 8, 10*time.Millisecond)
	topic := topicLTP("RELIANCE")

	s := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s, []broker.Topic{topic}))

	b.Disconnect(s)
	b.Disconnect(s) // second call is a no-op

	_, open := <-s.Ticks()
	assert.False(t, open, "channel closes on disconnect")

	assert.Eventually(t, func() bool { return up.releaseCalls() == 1 },
		time.Second, 5*time.Millisecond)

	// Publishing to the dead subscriber's topic is harmless.
	assert.NotPanics(t, func() { b.Publish(dataTick("RELIANCE", 1)) })
}

func TestSubscribeRollsBackOnUpstreamFailure(t *testing.T) {
	b, up := newTestBus(t, 8, 10*time.Millisecond)
	up.err = errors.New("symbol not in master")
	topic := topicLTP("BOGUS")

	s := b.Connect()
	err := b.Subscribe(context.Background(), s, []broker.Topic{topic})
	require.Error(t, err)

	// The topic was not retained: a publish delivers nothing.
	b.Publish(dataTick("BOGUS", 1))
	select {
	case tick := <-s.Ticks():
		t.Fatalf("rolled-back subscription received tick %+v", tick)
	default:
	}

	// A later subscribe starts clean and reaches upstream again.
	up.err = nil
	require.NoError(t, b.Subscribe(context.Background(), s, []broker.Topic{topic}))
	assert.Equal(t, 1, up.ensureCalls())
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b, _ := newTestBus(t, 8, time.Second)
	assert.NotPanics(t, func() { b.Publish(dataTick("RELIANCE", 1)) })
}

func TestCloseDetachesEverySubscriber(t *testing.T) {
	up := &fakeUpstream{}
	b := NewBus(zaptest.NewLogger(t), 8, time.Second)
	b.SetUpstream(up)

	s1 := b.Connect()
	s2 := b.Connect()
	require.NoError(t, b.Subscribe(context.Background(), s1, []broker.Topic{topicLTP("RELIANCE")}))
	require.NoError(t, b.Subscribe(context.Background(), s2, []broker.Topic{topicLTP("SBIN")}))

	b.Close()

	_, open := <-s1.Ticks()
	assert.False(t, open)
	_, open = <-s2.Ticks()
	assert.False(t, open)
	assert.Equal(t, 1, up.releaseCalls(), "all topics released in one call")

	// Connecting after close yields a dead subscriber rather than a panic.
	s3 := b.Connect()
	_, open = <-s3.Ticks()
	assert.False(t, open)
	assert.Error(t, b.Subscribe(context.Background(), s3, []broker.Topic{topicLTP("INFY")}))
}
