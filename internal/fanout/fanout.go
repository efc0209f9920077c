// Package fanout broadcasts agent location snapshots from the ingestion path
// to however many matcher/session consumers are currently subscribed.
//
// Delivery is at-least-once per active subscriber and per-topic ordered from
// the producer's point of view. Each subscriber owns a bounded queue; when it
// falls behind, the oldest queued snapshot is dropped so the publisher never
// blocks. Drops are counted in metrics only: consumers treat every message as
// an idempotent full snapshot, so a later update supersedes anything missed.
package fanout

import (
	"context"
	"sync"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
)

// TopicAll carries every update; per-agent topics carry just one agent's.
const TopicAll = "agents.all"

func AgentTopic(agentID string) string { return "agent." + agentID }

// Bus is the publish side plus subscription management, implemented in-process
// by Broker and across processes by RedisBroker.
type Bus interface {
	Publish(ctx context.Context, topic string, loc models.AgentLocation) error
	Subscribe(topic string) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}

type Subscription struct {
	topic string
	id    uint64
	ch    chan models.AgentLocation
	stop  func()
}

// C is the receive side of the subscription. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan models.AgentLocation { return s.ch }

func (s *Subscription) Topic() string { return s.topic }

// Broker is the in-process Bus: a topic registry guarded by an RWMutex.
// Publish holds the read lock for the duration of delivery, so once
// Unsubscribe (which takes the write lock) returns, no new delivery to that
// subscription can start.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*Subscription
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{topics: make(map[string]map[uint64]*Subscription), buffer: buffer}
}

func (b *Broker) Publish(_ context.Context, topic string, loc models.AgentLocation) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	observability.FanoutPublished.Inc()
	for _, sub := range b.topics[topic] {
		deliver(sub.ch, loc)
	}
	return nil
}

// deliver enqueues without ever blocking: on a full queue it evicts the
// oldest entry first. If another consumer races the eviction, the snapshot is
// dropped instead.
func deliver(ch chan models.AgentLocation, loc models.AgentLocation) {
	select {
	case ch <- loc:
		return
	default:
	}
	select {
	case <-ch:
		observability.FanoutDropped.Inc()
	default:
	}
	select {
	case ch <- loc:
	default:
		observability.FanoutDropped.Inc()
	}
}

func (b *Broker) Subscribe(topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{topic: topic, id: b.nextID, ch: make(chan models.AgentLocation, b.buffer)}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	close(sub.ch)
}
