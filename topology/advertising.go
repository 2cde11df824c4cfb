// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package topology

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultAdvertisingWindow mirrors the Matter commissioning window: an
// uncommissioned node announces itself over DNS-SD for fifteen minutes and
// then goes quiet until restarted.
const DefaultAdvertisingWindow = 15 * time.Minute

// Advertising tracks which server nodes are currently announcing an open
// commissioning window. Entries expire on their own after the window
// elapses, so a node that was never paired stops reporting as advertising
// without anyone having to remember to clear it.
type Advertising struct {
	window time.Duration
	lru    *expirable.LRU[string, time.Time]
}

// NewAdvertising returns a tracker with the given window. A zero window
// selects DefaultAdvertisingWindow.
func NewAdvertising(window time.Duration) *Advertising {
	if window <= 0 {
		window = DefaultAdvertisingWindow
	}
	return &Advertising{
		window: window,
		lru:    expirable.NewLRU[string, time.Time](0, nil, window),
	}
}

// Start records that the node backing storeID opened its commissioning
// window now.
func (a *Advertising) Start(storeID string) {
	a.lru.Add(storeID, time.Now())
}

// Stop clears the entry for storeID. Commissioning, decommissioning and
// going offline all end the announcement early.
func (a *Advertising) Stop(storeID string) {
	a.lru.Remove(storeID)
}

// Active reports whether storeID is inside its advertising window.
func (a *Advertising) Active(storeID string) bool {
	_, ok := a.lru.Get(storeID)
	return ok
}

// StartedAt returns when the window for storeID opened.
func (a *Advertising) StartedAt(storeID string) (time.Time, bool) {
	return a.lru.Get(storeID)
}

// Window returns the configured advertising duration.
func (a *Advertising) Window() time.Duration {
	return a.window
}
