package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/internal/config"
	"github.com/realalgo/gateway/pkg/metrics"
)

// Egress mirrors every distributed tick onto Redis pub/sub so out-of-process
// consumers can follow a topic without attaching to the gateway's websocket.
// Channel naming is <prefix>.<exchange>.<symbol>.<mode>.
//
// Publishing runs on its own goroutine behind a bounded queue; the tick path
// never waits on Redis, and ticks that cannot be queued are counted and
// dropped.
type Egress struct {
	log    *zap.Logger
	rdb    *redis.Client
	prefix string

	ch   chan broker.Tick
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewEgress connects the Redis client and starts the publish worker.
func NewEgress(log *zap.Logger, cfg config.RedisConfig) *Egress {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	e := &Egress{
		log:    log,
		rdb:    rdb,
		prefix: cfg.ChannelPrefix,
		ch:     make(chan broker.Tick, 1024),
		done:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Publish queues one tick for Redis. Never blocks.
func (e *Egress) Publish(t broker.Tick) {
	select {
	case e.ch <- t:
	case <-e.done:
	default:
		metrics.EgressErrors.Inc()
	}
}

func (e *Egress) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case t := <-e.ch:
			e.publishOne(t)
		}
	}
}

func (e *Egress) publishOne(t broker.Tick) {
	payload, err := json.Marshal(t)
	if err != nil {
		metrics.EgressErrors.Inc()
		return
	}
	channel := fmt.Sprintf("%s.%s.%s.%s", e.prefix, t.Exchange, t.Symbol, t.Mode)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		metrics.EgressErrors.Inc()
		e.log.Debug("tick egress failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Close stops the worker and closes the Redis client.
func (e *Egress) Close() error {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
	return e.rdb.Close()
}
