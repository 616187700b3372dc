// Package events carries messages between the scheduler and its observers:
// topic recipients, lifecycle consumers, and WebSocket streams.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/jobsvc/errors"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Message is one published value.
type Message struct {
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Value     json.RawMessage   `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Bus is an in-process topic fan-out.
//
// Publish delivers to every matching subscriber, waiting on each full
// subscriber buffer until it drains or ctx is done. Subscribers that fall
// behind therefore slow publishers down rather than losing messages.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	seq    atomic.Uint64
	closed bool
}

type subscription struct {
	topic string
	ch    chan Message
	once  sync.Once
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[uint64]*subscription{}}
}

// Subscribe returns a channel receiving messages on topic (or every topic
// for Wildcard) and a function that closes it.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{topic: topic, ch: make(chan Message, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribers returns how many subscriptions match topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.topic == topic || s.topic == Wildcard {
			n++
		}
	}
	return n
}

// Publish delivers m to every matching subscriber. A message with no
// subscribers is accepted and dropped.
func (b *Bus) Publish(ctx context.Context, m Message) error {
	if m.Topic == "" || m.Topic == Wildcard {
		return errors.Newf("invalid publish topic %q", m.Topic)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == m.Topic || s.topic == Wildcard {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, m); err != nil {
			return errors.Wrapf(err, "publish to topic %s", m.Topic)
		}
	}
	return nil
}

// deliver sends m, tolerating a concurrent unsubscribe closing the channel.
func (s *subscription) deliver(ctx context.Context, m Message) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	select {
	case s.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every subscription. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*subscription{}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
