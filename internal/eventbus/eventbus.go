// Package eventbus is a synchronous typed publish/subscribe bus for claim
// lifecycle events.
package eventbus

import (
	"sync"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

// Topic names a lifecycle event.
type Topic string

const (
	TopicStart Topic = "start"
	TopicStop  Topic = "stop"
	TopicError Topic = "error"
	TopicDone  Topic = "done"
)

// Topics lists every lifecycle topic.
var Topics = []Topic{TopicStart, TopicStop, TopicError, TopicDone}

// Event is the payload delivered to subscribers.
// Message is set for TopicError, Outcome for TopicDone.
type Event struct {
	Topic   Topic
	Message string
	Outcome *types.ClaimOutcome
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events to subscribers in subscription order.
// Publish does not return until every current subscriber of the topic ran.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Topic][]subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers handler for topic. The returned function removes only
// this registration and may be called any number of times.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// copy so an in-progress Publish keeps iterating its own slice
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[topic] = next
			return
		}
	}
}

// Publish invokes every subscriber of topic with ev. Handlers run outside the
// bus lock, so they may subscribe or unsubscribe.
func (b *Bus) Publish(topic Topic, ev Event) {
	ev.Topic = topic

	b.mu.Lock()
	subs := b.subs[topic]
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

// Count returns the number of subscribers for topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
