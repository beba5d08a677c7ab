// Package events provides a topic-keyed broker used to fan out passive
// detection results, scan log entries and scan progress to any number of
// subscribers (the HTTP stream, the CLI tail, tests).
package events

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Topic names the event streams the broker carries.
type Topic string

const (
	TopicPassiveResult Topic = "passive_result"
	TopicScanLog       Topic = "scan_log"
	TopicScanProgress  Topic = "scan_progress"
)

// Event is one broker message: the topic plus an arbitrary payload
// (types.PassiveDetectionResult, types.ScanLogEntry, types.ScanProgress).
type Event struct {
	Topic   Topic
	Payload any
}

// Subscription is a stable handle for unsubscribing; it does not rely on
// channel identity.
type Subscription struct {
	ID uint64
	C  <-chan Event
}

type subscriber struct {
	topics map[Topic]struct{} // nil means all topics
	ch     chan Event
}

// Broker fans events out to subscribers. Slow subscribers drop events
// rather than blocking publishers.
type Broker struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscriber
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber for the given topics (all topics when
// none are given) with a buffered channel of size buf.
func (b *Broker) Subscribe(buf int, topics ...Topic) Subscription {
	if buf <= 0 {
		buf = 100
	}
	sub := &subscriber{ch: make(chan Event, buf)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	return Subscription{ID: id, C: sub.ch}
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Broker) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber. Never blocks: a full
// subscriber channel drops the event, counted and periodically reported.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[ev.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				fmt.Fprintf(os.Stderr, "events: dropped event (topic=%s, total dropped=%d)\n",
					ev.Topic, count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped on slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
