// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package pluginmanager owns the persisted plugin roster and the
// lifecycle of every platform on it. The manager loads builtin
// platforms straight from the catalog and external ones through
// rpcplugin, drives start/configure/shutdown, and keeps the fail-safe
// counters the supervisor's fail-stop policy is built on.
package pluginmanager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/copystructure"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/plugins/catalog"
	"github.com/matterbridge/matterbridged/storage"
)

const (
	// rosterKey holds the persisted []RosterEntry in the roster context.
	rosterKey = "plugins"

	// configKey holds a plugin's settings in its own storage context.
	configKey = "config"

	// manifestKey holds the roster entry mirrored into the plugin's own
	// storage context.
	manifestKey = "manifest"

	// removeDelay is the pause between endpoint removals when a
	// shutdown cascades into removing the plugin's devices.
	removeDelay = 100 * time.Millisecond
)

// BridgeFunc returns the Bridge a plugin publishes devices through.
type BridgeFunc func(name string) plugins.Bridge

// RemoveAllFunc withdraws every device of a plugin, pausing delay
// between removals.
type RemoveAllFunc func(ctx context.Context, name string, delay time.Duration) error

// WipeFunc clears a plugin's protocol-side storage namespace.
type WipeFunc func(name string) error

// Config configures a plugin manager.
type Config struct {
	Logger hclog.Logger

	// Store provides the per-plugin settings contexts.
	Store *storage.Store

	// Roster is the storage context the roster is persisted in.
	Roster *storage.Context

	// Frontend receives snackbars and refresh events. Optional.
	Frontend *frontend.Broker

	// Bridges provides the per-plugin device bridge. Required for Load.
	Bridges BridgeFunc

	// RemoveAll cascades endpoint removal on shutdown. Optional; the
	// plugin's own bridge is used when unset.
	RemoveAll RemoveAllFunc

	// WipeMatter clears a plugin's Matter namespace on removal.
	// Optional.
	WipeMatter WipeFunc

	// PluginsDir is where external plugins are installed, and the base
	// for resolving non-absolute roster paths.
	PluginsDir string

	// FailLimit overrides the startup poll budget. Zero selects the
	// host profile default.
	FailLimit int

	// PollInterval overrides the startup poll tick. Zero selects one
	// second.
	PollInterval time.Duration

	// Reinstall allows fetching a missing plugin from its source during
	// Restore. Disabled while a destructive command is pending.
	Reinstall bool
}

// Manager implements the roster operations. Roster mutations are
// serialized; lifecycle calls against distinct plugins may run
// concurrently.
type Manager struct {
	logger     hclog.Logger
	store      *storage.Store
	roster     *storage.Context
	front      *frontend.Broker
	bridges    BridgeFunc
	removeAll  RemoveAllFunc
	wipeMatter WipeFunc
	pluginsDir string
	failLimit  int
	reinstall  bool

	// pollInterval is the startup poll tick, shortened in tests.
	pollInterval time.Duration

	mu     sync.Mutex
	order  []*instance
	byName map[string]*instance
}

// New returns a manager over the given configuration.
func New(c *Config) (*Manager, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("pluginmanager: config requires a store")
	}
	if c.Roster == nil {
		return nil, fmt.Errorf("pluginmanager: config requires a roster context")
	}
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	limit := c.FailLimit
	if limit <= 0 {
		limit = defaultFailLimit()
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Manager{
		logger:       logger.Named("plugins"),
		store:        c.Store,
		roster:       c.Roster,
		front:        c.Frontend,
		bridges:      c.Bridges,
		removeAll:    c.RemoveAll,
		wipeMatter:   c.WipeMatter,
		pluginsDir:   c.PluginsDir,
		failLimit:    limit,
		reinstall:    c.Reinstall,
		pollInterval: interval,
		byName:       make(map[string]*instance),
	}, nil
}

// Restore reads the persisted roster and parses every entry. Plugins
// whose manifests cannot be read are kept on the roster marked in
// error; a missing install is refetched from its source when reinstall
// is allowed.
func (m *Manager) Restore(ctx context.Context) error {
	entries, err := storage.GetDefault[[]RosterEntry](m.roster, rosterKey, nil)
	if err != nil {
		return fmt.Errorf("pluginmanager: reading roster: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range entries {
		inst := &instance{entry: entries[i]}
		if reg, ok := catalog.Lookup(inst.entry.Name); ok {
			inst.builtin = true
			inst.factory = reg.Factory
			inst.refreshFromManifest(reg.Manifest)
		} else if err := m.parseLocked(ctx, inst); err != nil {
			inst.inError = true
			m.logger.Error("plugin manifest unreadable, marking in error",
				"plugin", inst.entry.Name, "error", err)
		}
		m.insertLocked(inst)
	}
	return m.saveRosterLocked()
}

// Add registers a plugin by installed package name or absolute path and
// enables it.
func (m *Manager) Add(ref string) (*PluginInfo, error) {
	inst, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := inst.entry.Name
	if _, ok := m.byName[name]; ok {
		return nil, &PluginError{Plugin: name, Op: "add", Err: ErrPluginRegistered}
	}
	inst.entry.Enabled = true
	m.insertLocked(inst)
	if err := m.saveRosterLocked(); err != nil {
		return nil, err
	}
	m.refreshPlugins()
	return inst.info(), nil
}

// Remove shuts the plugin down if it is live, drops it from the roster
// and optionally wipes its storage namespaces.
func (m *Manager) Remove(ctx context.Context, name string, wipe bool) error {
	m.mu.Lock()
	inst, ok := m.byName[name]
	loaded := ok && inst.loaded
	m.mu.Unlock()
	if !ok {
		return &PluginError{Plugin: name, Op: "remove", Err: ErrPluginNotFound}
	}

	if loaded {
		if err := m.Shutdown(ctx, name, "removing", true); err != nil {
			m.logger.Warn("shutdown before removal failed", "plugin", name, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.byName, name)
	for i, other := range m.order {
		if other == inst {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	err := m.saveRosterLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if wipe {
		if derr := m.store.DeleteContext(name); derr != nil {
			m.logger.Warn("removing plugin settings failed", "plugin", name, "error", derr)
		}
		if m.wipeMatter != nil {
			if werr := m.wipeMatter(name); werr != nil {
				m.logger.Warn("removing plugin matter namespace failed", "plugin", name, "error", werr)
			}
		}
	}
	m.refreshPlugins()
	return nil
}

// Enable marks the plugin enabled and resets its runtime state.
func (m *Manager) Enable(name string) (*PluginInfo, error) {
	return m.setEnabled(name, true)
}

// Disable shuts a live plugin down, marks it disabled and resets its
// runtime state.
func (m *Manager) Disable(ctx context.Context, name string) (*PluginInfo, error) {
	m.mu.Lock()
	inst, ok := m.byName[name]
	loaded := ok && inst.loaded
	m.mu.Unlock()
	if !ok {
		return nil, &PluginError{Plugin: name, Op: "disable", Err: ErrPluginNotFound}
	}

	if loaded {
		if err := m.Shutdown(ctx, name, "disabling", true); err != nil {
			m.logger.Warn("shutdown before disable failed", "plugin", name, "error", err)
		}
	}
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) (*PluginInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byName[name]
	if !ok {
		op := "enable"
		if !enabled {
			op = "disable"
		}
		return nil, &PluginError{Plugin: name, Op: op, Err: ErrPluginNotFound}
	}
	inst.entry.Enabled = enabled
	inst.resetRuntime()
	if err := m.saveRosterLocked(); err != nil {
		return nil, err
	}
	m.refreshPlugins()
	return inst.info(), nil
}

// List returns a snapshot of every plugin in roster order.
func (m *Manager) List() []*PluginInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]*PluginInfo, len(m.order))
	for i, inst := range m.order {
		infos[i] = inst.info()
	}
	return infos
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(name string) (*PluginInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return inst.info(), true
}

// Names returns the sorted plugin names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetConfig persists a plugin's settings. The stored value is a deep
// copy, so later caller mutations do not leak into storage.
func (m *Manager) SetConfig(name string, config map[string]any) error {
	m.mu.Lock()
	_, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return &PluginError{Plugin: name, Op: "set-config", Err: ErrPluginNotFound}
	}

	copied, err := copystructure.Copy(config)
	if err != nil {
		return &PluginError{Plugin: name, Op: "set-config", Err: err}
	}
	return storage.Set(m.store.Context(name), configKey, copied.(map[string]any))
}

// Config returns a plugin's persisted settings.
func (m *Manager) Config(name string) (map[string]any, error) {
	return storage.GetDefault[map[string]any](m.store.Context(name), configKey, map[string]any{})
}

// resolve builds an unregistered instance from a catalog name, an
// absolute path or a directory under the plugins dir.
func (m *Manager) resolve(ref string) (*instance, error) {
	if reg, ok := catalog.Lookup(ref); ok {
		inst := &instance{builtin: true, factory: reg.Factory}
		inst.entry.Name = reg.Manifest.Name
		inst.refreshFromManifest(reg.Manifest)
		return inst, nil
	}

	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.pluginsDir, ref)
	}
	manifest, err := plugins.LoadManifest(path)
	if err != nil {
		return nil, &PluginError{Plugin: ref, Op: "add", Err: err}
	}
	inst := &instance{}
	inst.entry.Name = manifest.Name
	inst.entry.Path = path
	inst.refreshFromManifest(manifest)
	return inst, nil
}

func (m *Manager) insertLocked(inst *instance) {
	m.order = append(m.order, inst)
	m.byName[inst.entry.Name] = inst
}

func (m *Manager) saveRosterLocked() error {
	entries := make([]RosterEntry, len(m.order))
	for i, inst := range m.order {
		entries[i] = inst.entry
	}
	if err := storage.Set(m.roster, rosterKey, entries); err != nil {
		return fmt.Errorf("pluginmanager: persisting roster: %w", err)
	}

	// Each plugin's own namespace mirrors its manifest, so surfaces
	// reading one plugin's context never have to load the roster.
	for i := range entries {
		if err := storage.Set(m.store.Context(entries[i].Name), manifestKey, entries[i]); err != nil {
			return fmt.Errorf("pluginmanager: mirroring manifest for %q: %w", entries[i].Name, err)
		}
	}
	return nil
}

func (m *Manager) refreshPlugins() {
	if m.front != nil {
		m.front.RefreshRequired(frontend.ScopePlugins)
	}
}
