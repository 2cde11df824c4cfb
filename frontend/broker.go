// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package frontend

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// Broker fans outbound events to subscribers. Delivery is best effort: a
// subscriber that stops draining loses events rather than backpressuring the
// core.
type Broker struct {
	logger hclog.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// Subscription is one subscriber's buffered event feed.
type Subscription struct {
	ch     chan Event
	id     int
	once   sync.Once
	parent *Broker
}

// NewBroker builds an event broker.
func NewBroker(logger hclog.Logger) *Broker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Broker{
		logger: logger.Named("frontend"),
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe registers a feed with the given buffer size.
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ch:     make(chan Event, buffer),
		id:     b.nextID,
		parent: b,
	}
	b.nextID++

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// C returns the subscriber's event channel. It closes when the subscription
// is cancelled or the broker shuts down.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe cancels the feed. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		defer s.parent.mu.Unlock()
		if _, ok := s.parent.subs[s.id]; ok {
			delete(s.parent.subs, s.id)
			close(s.ch)
		}
	})
}

// Publish delivers ev to all subscribers, dropping on full buffers.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.IncrCounter([]string{"matterbridge", "frontend", "dropped"}, 1)
		}
	}
}

// Close terminates all subscriptions. Publishing afterwards is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Snackbar publishes a transient operator notification.
func (b *Broker) Snackbar(message string, timeoutSec int, severity Severity) {
	b.Publish(Event{Topic: TopicSnackbar, Payload: &Snackbar{
		Message:  message,
		Timeout:  timeoutSec,
		Severity: severity,
	}})
}

// RefreshRequired asks the UI to reload one scope.
func (b *Broker) RefreshRequired(scope Scope) {
	b.Publish(Event{Topic: TopicRefresh, Payload: &Refresh{Changed: scope}})
}

// AttributeChanged forwards an observed endpoint attribute change.
func (b *Broker) AttributeChanged(change AttributeChange) {
	b.Publish(Event{Topic: TopicAttribute, Payload: &change})
}

// Log forwards a supervisor log line.
func (b *Broker) Log(level string, t time.Time, name, message string) {
	b.Publish(Event{Topic: TopicLog, Payload: &LogEntry{
		Level:   level,
		Time:    t,
		Name:    name,
		Message: message,
	}})
}
