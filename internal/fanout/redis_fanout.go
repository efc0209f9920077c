package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
)

// RedisBroker is the cross-process Bus: snapshots travel as JSON over Redis
// Pub/Sub channels, one channel per topic. Redis Pub/Sub keeps no backlog and
// delivers in channel order to currently connected subscribers, which matches
// the in-process Broker, so consumers need not know which one they are on.
type RedisBroker struct {
	client *redis.Client
	buffer int
	logger *slog.Logger

	nextID atomic.Uint64
	mu     sync.Mutex
	subs   map[uint64]*redis.PubSub
}

func NewRedisBroker(client *redis.Client, buffer int, logger *slog.Logger) *RedisBroker {
	if buffer <= 0 {
		buffer = 16
	}
	return &RedisBroker{client: client, buffer: buffer, logger: logger, subs: make(map[uint64]*redis.PubSub)}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, loc models.AgentLocation) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return err
	}
	observability.FanoutPublished.Inc()
	return nil
}

func (b *RedisBroker) Subscribe(topic string) (*Subscription, error) {
	ps := b.client.Subscribe(context.Background(), topic)
	// force the SUBSCRIBE round-trip so the caller sees messages published
	// after Subscribe returns
	if _, err := ps.Receive(context.Background()); err != nil {
		_ = ps.Close()
		return nil, err
	}

	id := b.nextID.Add(1)
	sub := &Subscription{topic: topic, id: id, ch: make(chan models.AgentLocation, b.buffer)}
	sub.stop = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		_ = ps.Close()
	}
	b.mu.Lock()
	b.subs[id] = ps
	b.mu.Unlock()

	go func() {
		defer close(sub.ch)
		for msg := range ps.Channel() {
			var loc models.AgentLocation
			if err := json.Unmarshal([]byte(msg.Payload), &loc); err != nil {
				if b.logger != nil {
					b.logger.Warn("fanout: bad payload", "topic", topic, "error", err)
				}
				continue
			}
			deliver(sub.ch, loc)
		}
	}()
	return sub, nil
}

func (b *RedisBroker) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.stop == nil {
		return
	}
	sub.stop()
}

// Close tears down every open subscription, for shutdown paths.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, id)
	}
	return nil
}
