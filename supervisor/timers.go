// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Timers is a registry of named deferred actions. Every wave the
// supervisor schedules is parked here under a stable name, so shutdown can
// enumerate what is still pending and cancel all of it in one sweep
// instead of hoping each scheduling site cleaned up after itself.
type Timers struct {
	logger hclog.Logger

	mu   sync.Mutex
	seq  uint64
	live map[string]*namedTimer
}

type namedTimer struct {
	seq   uint64
	timer *time.Timer
}

// NewTimers builds an empty registry.
func NewTimers(logger hclog.Logger) *Timers {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Timers{
		logger: logger.Named("timers"),
		live:   make(map[string]*namedTimer),
	}
}

// After schedules fn to run once d elapses, replacing any action still
// pending under the same name. The callback runs on its own goroutine. An
// action that already started cannot be recalled.
func (t *Timers) After(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.live[name]; ok {
		old.timer.Stop()
		t.logger.Debug("replacing pending action", "name", name)
	}

	t.seq++
	seq := t.seq
	t.live[name] = &namedTimer{
		seq: seq,
		timer: time.AfterFunc(d, func() {
			if !t.claim(name, seq) {
				return
			}
			fn()
		}),
	}
}

// claim removes the registry entry if it still belongs to seq, reporting
// whether the fired callback may run. A Cancel or a replacing After that
// raced the firing wins here.
func (t *Timers) claim(name string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	nt, ok := t.live[name]
	if !ok || nt.seq != seq {
		return false
	}
	delete(t.live, name)
	return true
}

// Cancel stops the pending action under name. It returns false when
// nothing was pending.
func (t *Timers) Cancel(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	nt, ok := t.live[name]
	if !ok {
		return false
	}
	delete(t.live, name)
	nt.timer.Stop()
	return true
}

// CancelAll stops every pending action and returns how many were live.
func (t *Timers) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.live)
	for name, nt := range t.live {
		nt.timer.Stop()
		delete(t.live, name)
	}
	if n > 0 {
		t.logger.Debug("cancelled pending actions", "count", n)
	}
	return n
}

// Active returns the names with a pending action, sorted.
func (t *Timers) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.live))
	for name := range t.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
