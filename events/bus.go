// Package events fans orchestrator state out to observers. Publishing never
// blocks: each subscriber is pumped by its own goroutine, and only the
// high-volume agent output topic is allowed to drop (oldest first) when a
// subscriber falls behind.
package events

import (
	"sync"
	"time"
)

// Topics published by the orchestrator.
const (
	TopicStatus          = "orchestrator:status"
	TopicSessionStarted  = "session:started"
	TopicSessionFinished = "session:finished"
	TopicFeatureUpdated  = "feature:updated"
	TopicAgentOutput     = "agent:output"
	TopicCriticalFailure = "track:critical_failure"
	TopicNewCategories   = "tracks:new_categories"
)

// agentOutputBuffer bounds the pending agent output per subscriber. Older
// messages are dropped first when a subscriber cannot keep up.
const agentOutputBuffer = 256

// Event is one published notification.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Subscription receives events on C until Unsubscribe is called.
type Subscription struct {
	C <-chan Event

	bus    *Bus
	ch     chan Event
	topics map[string]bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	dropped int
	closed  bool
}

// Bus is a non-blocking publish/subscribe fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers for the given topics; no topics means all topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:    b,
		ch:     make(chan Event),
		topics: make(map[string]bool, len(topics)),
	}
	sub.C = sub.ch
	sub.cond = sync.NewCond(&sub.mu)
	for _, t := range topics {
		sub.topics[t] = true
	}

	go sub.pump()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		sub.enqueue(event)
	}
}

// enqueue appends an event to the subscriber's pending list. Agent output is
// bounded with drop-oldest; every other topic is retained unconditionally.
func (s *Subscription) enqueue(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if event.Topic == TopicAgentOutput {
		count := 0
		for _, pending := range s.pending {
			if pending.Topic == TopicAgentOutput {
				count++
			}
		}
		if count >= agentOutputBuffer {
			// Drop the oldest buffered agent output event.
			for i, pending := range s.pending {
				if pending.Topic == TopicAgentOutput {
					s.pending = append(s.pending[:i], s.pending[i+1:]...)
					s.dropped++
					break
				}
			}
		}
	}

	s.pending = append(s.pending, event)
	s.cond.Signal()
}

// pump delivers pending events to the channel in order.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.pending) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		event := s.pending[0]
		s.pending = s.pending[1:]
		closed := s.closed
		s.mu.Unlock()

		if closed {
			// Drain without delivering once unsubscribed.
			continue
		}
		s.ch <- event
	}
}

// Dropped reports how many agent output events this subscriber lost.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
