// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package pluginmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/plugins/rpcplugin"
)

// guard runs fn, converting a panic in plugin code into an error so a
// misbehaving platform cannot take the supervisor down with it.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Parse re-reads a plugin's manifest from disk and refreshes the
// roster fields. A malformed manifest marks the plugin in error.
func (m *Manager) Parse(ctx context.Context, name string) (*plugins.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byName[name]
	if !ok {
		return nil, &PluginError{Plugin: name, Op: "parse", Err: ErrPluginNotFound}
	}
	if inst.builtin {
		return inst.manifest.Copy(), nil
	}
	if err := m.parseLocked(ctx, inst); err != nil {
		inst.inError = true
		return nil, &PluginError{Plugin: name, Op: "parse", Err: err}
	}
	if err := m.saveRosterLocked(); err != nil {
		return nil, err
	}
	return inst.manifest.Copy(), nil
}

// parseLocked loads the manifest for an external plugin, reinstalling
// from its recorded source when the install directory vanished.
func (m *Manager) parseLocked(ctx context.Context, inst *instance) error {
	manifest, err := plugins.LoadManifest(inst.entry.Path)
	if err == nil {
		inst.refreshFromManifest(manifest)
		return nil
	}

	if !errors.Is(err, os.ErrNotExist) || !m.reinstall || inst.entry.Source == "" {
		return err
	}

	m.logger.Warn("plugin install missing, reinstalling",
		"plugin", inst.entry.Name, "source", inst.entry.Source)
	if ierr := m.install(ctx, inst.entry.Source, inst.entry.Path); ierr != nil {
		inst.entry.Enabled = false
		return fmt.Errorf("reinstall from %s: %w", inst.entry.Source, ierr)
	}

	manifest, err = plugins.LoadManifest(inst.entry.Path)
	if err != nil {
		inst.entry.Enabled = false
		return err
	}
	inst.refreshFromManifest(manifest)
	return nil
}

// Load initialises the plugin's runtime instance. With start set, a
// successful load is followed by Start(reason). Failures mark the
// plugin in error and never propagate a crash.
func (m *Manager) Load(ctx context.Context, name string, start bool, reason string) error {
	m.mu.Lock()
	inst, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return &PluginError{Plugin: name, Op: "load", Err: ErrPluginNotFound}
	}
	if !inst.entry.Enabled {
		m.mu.Unlock()
		return &PluginError{Plugin: name, Op: "load", Err: ErrPluginDisabled}
	}
	if inst.loaded {
		platform := inst.platform
		started := inst.started
		m.mu.Unlock()
		if start && !started {
			return m.startPlatform(ctx, name, platform, reason)
		}
		return nil
	}
	if m.bridges == nil {
		m.mu.Unlock()
		return &PluginError{Plugin: name, Op: "load", Err: fmt.Errorf("manager has no bridge provider")}
	}
	builtin := inst.builtin
	factory := inst.factory
	manifest := inst.manifest
	m.mu.Unlock()

	config, err := m.Config(name)
	if err != nil {
		m.markError(name)
		return &PluginError{Plugin: name, Op: "load", Err: err}
	}

	fc := &plugins.FactoryConfig{
		Name:   name,
		Bridge: m.bridges(name),
		Config: config,
		Logger: m.logger.Named(name),
	}

	var platform plugins.Platform
	var external *rpcplugin.Instance
	if builtin {
		err = guard(func() error {
			var ferr error
			platform, ferr = factory(fc)
			return ferr
		})
	} else if manifest == nil {
		err = fmt.Errorf("manifest was never parsed")
	} else {
		external, err = rpcplugin.Launch(ctx, manifest.ExecutablePath(), fc)
		if external != nil {
			platform = external.Platform
		}
	}
	if err != nil {
		m.markError(name)
		m.logger.Error("plugin failed to load", "plugin", name, "error", err)
		return &PluginError{Plugin: name, Op: "load", Err: err}
	}

	m.mu.Lock()
	inst.platform = platform
	inst.external = external
	inst.loaded = true
	m.mu.Unlock()
	m.logger.Info("plugin loaded", "plugin", name, "builtin", builtin)

	if !start {
		return nil
	}
	return m.startPlatform(ctx, name, platform, reason)
}

func (m *Manager) startPlatform(ctx context.Context, name string, platform plugins.Platform, reason string) error {
	err := guard(func() error { return platform.Start(ctx, reason) })
	if err != nil {
		m.markError(name)
		m.logger.Error("plugin failed to start", "plugin", name, "error", err)
		return &PluginError{Plugin: name, Op: "start", Err: err}
	}

	m.mu.Lock()
	if inst, ok := m.byName[name]; ok {
		inst.started = true
	}
	m.mu.Unlock()
	m.logger.Debug("plugin started", "plugin", name, "reason", reason)
	return nil
}

// Configure applies the plugin's settings. A declined configuration
// returns (false, nil) and surfaces a snackbar; an error leaves the
// plugin running but unconfigured.
func (m *Manager) Configure(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	inst, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return false, &PluginError{Plugin: name, Op: "configure", Err: ErrPluginNotFound}
	}
	if inst.inError {
		m.mu.Unlock()
		return false, nil
	}
	platform := inst.platform
	m.mu.Unlock()
	if platform == nil {
		return false, &PluginError{Plugin: name, Op: "configure", Err: ErrPluginNotLoaded}
	}

	var confirmed bool
	err := guard(func() error {
		var cerr error
		confirmed, cerr = platform.Configure(ctx)
		return cerr
	})
	if err != nil {
		m.logger.Error("plugin configure failed", "plugin", name, "error", err)
		return false, &PluginError{Plugin: name, Op: "configure", Err: err}
	}
	if !confirmed {
		m.logger.Warn("plugin declined its configuration", "plugin", name)
		if m.front != nil {
			m.front.Snackbar(fmt.Sprintf("Plugin %s declined its configuration", name), 10, frontend.SeverityWarning)
		}
		return false, nil
	}

	m.mu.Lock()
	inst.configured = true
	m.mu.Unlock()
	m.logger.Debug("plugin configured", "plugin", name)
	return true, nil
}

// Shutdown stops the plugin's platform, kills an external instance and
// optionally cascades into removing the plugin's devices with a pause
// between removals. Shutting down a plugin that is not loaded is a
// no-op.
func (m *Manager) Shutdown(ctx context.Context, name string, reason string, removeDevices bool) error {
	m.mu.Lock()
	inst, ok := m.byName[name]
	if !ok {
		m.mu.Unlock()
		return &PluginError{Plugin: name, Op: "shutdown", Err: ErrPluginNotFound}
	}
	platform := inst.platform
	external := inst.external
	wasError := inst.inError
	m.mu.Unlock()
	if platform == nil {
		return nil
	}

	err := guard(func() error { return platform.Shutdown(ctx, reason) })
	if err != nil {
		m.logger.Warn("plugin shutdown failed", "plugin", name, "error", err)
	}
	if external != nil {
		external.Kill()
	}

	m.mu.Lock()
	inst.resetRuntime()
	inst.inError = wasError
	m.mu.Unlock()

	if removeDevices {
		if rerr := m.removeDevices(ctx, name); rerr != nil {
			m.logger.Warn("removing plugin devices failed", "plugin", name, "error", rerr)
		}
	}
	if err != nil {
		return &PluginError{Plugin: name, Op: "shutdown", Err: err}
	}
	m.logger.Info("plugin shut down", "plugin", name, "reason", reason)
	return nil
}

func (m *Manager) removeDevices(ctx context.Context, name string) error {
	if m.removeAll != nil {
		return m.removeAll(ctx, name, removeDelay)
	}
	if m.bridges != nil {
		return m.bridges(name).RemoveAllBridgedEndpoints(ctx)
	}
	return nil
}

// ShutdownAll stops every enabled, non-error plugin. Failures are
// collected, not fatal.
func (m *Manager) ShutdownAll(ctx context.Context, reason string) error {
	m.mu.Lock()
	var names []string
	for _, inst := range m.order {
		if inst.entry.Enabled && !inst.inError && inst.loaded {
			names = append(names, inst.entry.Name)
		}
	}
	m.mu.Unlock()

	var mErr multierror.Error
	for _, name := range names {
		if err := m.Shutdown(ctx, name, reason, false); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// WaitAllStarted polls once a second until every enabled plugin has
// started. A plugin exceeding the fail budget, or one already in error,
// halts the wait with a StartupError naming the offenders.
func (m *Manager) WaitAllStarted(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		done, err := m.startedPass()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) startedPass() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []string
	pending := 0
	for _, inst := range m.order {
		if !inst.entry.Enabled {
			continue
		}
		if inst.inError {
			failed = append(failed, inst.entry.Name)
			continue
		}
		if inst.started {
			continue
		}
		pending++
		inst.failCount++
		if inst.failCount >= m.failLimit {
			inst.inError = true
			failed = append(failed, inst.entry.Name)
			m.logger.Error("plugin never reached started state",
				"plugin", inst.entry.Name, "ticks", inst.failCount)
		}
	}
	if len(failed) > 0 {
		return false, &StartupError{Failed: failed}
	}
	return pending == 0, nil
}

func (m *Manager) markError(name string) {
	m.mu.Lock()
	if inst, ok := m.byName[name]; ok {
		inst.inError = true
	}
	m.mu.Unlock()
}

// MarkError flags a plugin in error from outside the manager. The
// supervisor uses it when a pre-flight check rejects a plugin before the
// server nodes start.
func (m *Manager) MarkError(name string) {
	m.markError(name)
}
