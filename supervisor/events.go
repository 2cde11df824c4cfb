// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

// State is where the supervisor is in its lifecycle. Transitions only
// move forward; a terminated supervisor is never reused.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateCleaning      State = "cleaning"
	StateTerminated    State = "terminated"
)

// EventKind labels a lifecycle event.
type EventKind string

const (
	// EventBridgeStarted fires once the server nodes are up and the
	// post-start waves are scheduled.
	EventBridgeStarted EventKind = "bridge_started"

	// EventCleanupStarted fires when a cleanup begins. Exactly one
	// cleanup runs per supervisor lifetime.
	EventCleanupStarted EventKind = "cleanup_started"

	// EventCleanupCompleted is the last event before the feed closes.
	EventCleanupCompleted EventKind = "cleanup_completed"

	// EventRestart, EventUpdate and EventShutdown tell the hosting
	// process what to do after cleanup: re-exec, hand off to an updater,
	// or exit.
	EventRestart  EventKind = "restart"
	EventUpdate   EventKind = "update"
	EventShutdown EventKind = "shutdown"
)

// Event is one lifecycle notification. Message carries the cleanup
// message when the event came out of a cleanup.
type Event struct {
	Kind    EventKind
	Message string
}

// Subscribe returns a feed of lifecycle events. Delivery is best effort:
// events are dropped for subscribers whose buffer is full. The channel
// closes when the supervisor terminates. The returned cancel function is
// idempotent.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Supervisor) emit(kind EventKind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- Event{Kind: kind, Message: message}:
		default:
		}
	}
}

// closeSubs closes every subscriber channel. Called once, under terminate.
func (s *Supervisor) closeSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once cleanup completes. Hosting processes block on it
// after Run to keep the process alive until a signal or a virtual device
// command tears the supervisor down.
func (s *Supervisor) Done() <-chan struct{} {
	return s.doneCh
}
