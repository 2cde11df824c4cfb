// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package catalog holds the platforms compiled into the supervisor.
// Builtin platforms register themselves here from register.go; the
// plugin manager resolves names against the catalog before looking for
// an installed plugin directory.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/matterbridge/matterbridged/plugins"
)

var (
	mu      sync.Mutex
	builtin = map[string]*Registration{}
)

// Registration ties a builtin manifest to its factory.
type Registration struct {
	Manifest *plugins.Manifest
	Factory  plugins.Factory
}

// Register adds a builtin platform. It is meant to be called from init
// and panics on a duplicate or invalid registration.
func Register(m *plugins.Manifest, f plugins.Factory) {
	mu.Lock()
	defer mu.Unlock()

	m.Canonicalize()
	if err := m.Validate(); err != nil {
		panic(fmt.Sprintf("catalog: registering %q: %v", m.Name, err))
	}
	if f == nil {
		panic(fmt.Sprintf("catalog: registering %q with nil factory", m.Name))
	}
	if _, ok := builtin[m.Name]; ok {
		panic(fmt.Sprintf("catalog: %q registered twice", m.Name))
	}
	builtin[m.Name] = &Registration{Manifest: m, Factory: f}
}

// Lookup returns the registration for name, or false when the name is
// not a builtin.
func Lookup(name string) (*Registration, bool) {
	mu.Lock()
	defer mu.Unlock()

	r, ok := builtin[name]
	if !ok {
		return nil, false
	}
	return &Registration{Manifest: r.Manifest.Copy(), Factory: r.Factory}, true
}

// Names returns the sorted names of all builtin platforms.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()

	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
