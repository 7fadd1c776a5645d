// Package router provides an in-process pub/sub bus carrying cache
// invalidation events from the write path to the SQL runtime.
package router

import (
	"sync"
	"time"
)

// InvalidationScope discriminates invalidation events.
type InvalidationScope int

const (
	// ScopeDataset invalidates one dataset's runtime state.
	ScopeDataset InvalidationScope = iota
	// ScopeGlobal invalidates every cached context and connection.
	ScopeGlobal
)

// Invalidation is one invalidation event.
type Invalidation struct {
	Scope     InvalidationScope
	DatasetID string // empty for ScopeGlobal
	Reason    string
	Timestamp int64
}

// Notifier fans invalidations out to subscribers.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a notifier whose subscriber channels buffer bufferSize
// events.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends an invalidation to all matching subscribers. Non-blocking:
// when a subscriber's channel is full the event is dropped, which is safe
// because the runtime treats invalidations as hints over a TTL backstop.
func (n *Notifier) Publish(ev Invalidation) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(ev) {
			select {
			case sub.Ch <- ev:
			default:
			}
		}
		return true
	})
}

// PublishDataset publishes a dataset-scoped invalidation.
func (n *Notifier) PublishDataset(datasetID, reason string) {
	n.Publish(Invalidation{Scope: ScopeDataset, DatasetID: datasetID, Reason: reason})
}

// PublishGlobal publishes a global invalidation.
func (n *Notifier) PublishGlobal(reason string) {
	n.Publish(Invalidation{Scope: ScopeGlobal, Reason: reason})
}

// Subscribe registers a subscriber. datasetIDs narrows delivery to those
// datasets; an empty list receives everything. Global events are always
// delivered.
func (n *Notifier) Subscribe(id string, datasetIDs ...string) *Subscriber {
	sub := &Subscriber{
		ID:         id,
		DatasetIDs: datasetIDs,
		Ch:         make(chan Invalidation, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Subscriber is one registered invalidation consumer.
type Subscriber struct {
	ID         string
	DatasetIDs []string
	Ch         chan Invalidation
}

func (s *Subscriber) matches(ev Invalidation) bool {
	if ev.Scope == ScopeGlobal || len(s.DatasetIDs) == 0 {
		return true
	}
	for _, id := range s.DatasetIDs {
		if id == ev.DatasetID {
			return true
		}
	}
	return false
}
