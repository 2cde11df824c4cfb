// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"sync"
	"time"
)

// EventType enumerates the lifecycle events a server node emits.
type EventType uint8

const (
	EventOnline EventType = iota
	EventOffline
	EventCommissioned
	EventDecommissioned
	EventFabricsChanged
	EventSessionOpened
	EventSessionClosed
	EventSubscriptionsChanged
)

func (t EventType) String() string {
	switch t {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventCommissioned:
		return "commissioned"
	case EventDecommissioned:
		return "decommissioned"
	case EventFabricsChanged:
		return "fabricsChanged"
	case EventSessionOpened:
		return "sessionOpened"
	case EventSessionClosed:
		return "sessionClosed"
	case EventSubscriptionsChanged:
		return "subscriptionsChanged"
	default:
		return "unknown"
	}
}

// Event is a single server node lifecycle notification.
type Event struct {
	Type    EventType
	StoreID string
	Time    time.Time

	// Fabric is set on commissioned, decommissioned and fabricsChanged
	// events.
	Fabric *Fabric

	// Session is set on session and subscription events.
	Session *Session
}

// nodeEvents fans node events out to subscribers. Delivery is best effort:
// a subscriber that stops draining its channel loses events rather than
// blocking the node.
type nodeEvents struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newNodeEvents() *nodeEvents {
	return &nodeEvents{subs: make(map[int]chan Event)}
}

// subscribe registers a buffered subscription channel. The returned cancel
// func is idempotent.
func (e *nodeEvents) subscribe(buffer int) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := e.nextID
	e.nextID++

	if e.closed {
		close(ch)
		return ch, func() {}
	}
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// publish delivers ev to every subscriber, dropping on full buffers.
func (e *nodeEvents) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close terminates all subscriptions.
func (e *nodeEvents) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
