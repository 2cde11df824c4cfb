// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/pluginmanager"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/topology"
)

// startReason is handed to every platform Start during bringup.
const startReason = "Matterbridge is starting"

// Timer names for the post-start waves. Per-plugin reachability timers
// append the plugin name.
const (
	timerConfigureWave    = "configure-wave"
	timerReachabilityWave = "reachability-wave"
)

func pluginReachabilityTimer(name string) string {
	return timerReachabilityWave + "/" + name
}

// Run brings the bridge up in the mode resolved during Initialize. It
// returns once startup settled: nodes advertising, or startup halted by
// the fail-stop policy with the supervisor still running so the operator
// can repair the roster through the frontend. In test mode Run tears the
// supervisor down again before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateInitializing {
		return fmt.Errorf("supervisor: run called in state %s", state)
	}

	if s.cfg.StartDelay > 0 {
		s.logger.Info("delaying startup", "delay", s.cfg.StartDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.runCtx.Done():
			return s.runCtx.Err()
		case <-time.After(s.cfg.StartDelay):
		}
	}

	defer metrics.MeasureSince([]string{"matterbridge", "supervisor", "run"}, time.Now())

	var err error
	switch s.mode {
	case topology.ModeBridge:
		err = s.runBridge(ctx)
	case topology.ModeChildBridge:
		err = s.runChildBridge(ctx)
	case topology.ModeController:
		return ErrControllerMode
	default:
		return fmt.Errorf("supervisor: unknown mode %q", s.mode)
	}
	if err != nil {
		return err
	}

	s.setRunning()

	if s.cfg.Test {
		s.logger.Info("test run complete, shutting down")
		return s.Cleanup(ctx, MessageShutdown)
	}
	return nil
}

// setRunning flips initializing to running. It loses to a cleanup that
// began while the run path was still working.
func (s *Supervisor) setRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return false
	}
	s.state = StateRunning
	return true
}

func (s *Supervisor) runBridge(ctx context.Context) error {
	if err := s.topo.BuildBridge(ctx); err != nil {
		return err
	}

	enabled := s.enabledPlugins()
	s.loadInBackground(enabled)

	if s.waitStartBarrier() || s.preflight() {
		return nil
	}

	if err := s.topo.StartNodes(ctx); err != nil {
		s.logger.Error("failed to start server nodes", "error", err)
	}

	s.scheduleWaves(nil)
	s.emit(EventBridgeStarted, "")
	s.logger.Info("bridge started", "plugins", len(enabled))
	return nil
}

func (s *Supervisor) runChildBridge(ctx context.Context) error {
	enabled := s.enabledPlugins()

	// load synchronously so every platform's manifest and settings are
	// parsed before any node exists
	for _, name := range enabled {
		if err := s.manager.Load(ctx, name, false, startReason); err != nil {
			s.logger.Error("plugin failed to load", "plugin", name, "error", err)
		}
	}

	// dynamic platforms get their node and aggregator up front; an
	// accessory platform's node is created when its device arrives
	for _, name := range enabled {
		info, ok := s.manager.Get(name)
		if !ok || info.InError || info.Type != plugins.TypeDynamic {
			continue
		}
		if err := s.topo.PreparePlugin(ctx, name); err != nil {
			s.logger.Error("failed to prepare plugin node", "plugin", name, "error", err)
			s.manager.MarkError(name)
		}
	}

	s.loadInBackground(enabled)

	if s.waitStartBarrier() || s.preflight() {
		return nil
	}

	if err := s.topo.StartNodes(ctx); err != nil {
		s.logger.Error("failed to start server nodes", "error", err)
	}

	s.scheduleWaves(s.activePlugins())
	s.emit(EventBridgeStarted, "")
	s.logger.Info("childbridge started", "plugins", len(enabled))
	return nil
}

// loadInBackground brings plugins up without blocking startup; the
// barrier waits for the outcome.
func (s *Supervisor) loadInBackground(names []string) {
	for _, name := range names {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.manager.Load(s.runCtx, name, true, startReason); err != nil {
				s.logger.Error("plugin failed to come up", "plugin", name, "error", err)
			}
		}()
	}
}

// waitStartBarrier blocks until every enabled plugin started or the
// fail-stop policy trips. On a trip the server nodes must not start: a
// commissioned controller that saw the bridge come up without the failed
// plugin's devices would drop them, losing their room assignments and
// automations.
func (s *Supervisor) waitStartBarrier() bool {
	err := s.manager.WaitAllStarted(s.runCtx)
	if err == nil {
		return false
	}

	var startErr *pluginmanager.StartupError
	if errors.As(err, &startErr) {
		s.logger.Error("startup halted, server nodes will not be started", "plugins", startErr.Failed)
		for _, name := range startErr.Failed {
			s.front.Snackbar(fmt.Sprintf("plugin %s is in error state", name), 0, frontend.SeverityError)
		}
		s.front.Snackbar("Fix or disable the plugins in error state and restart", 0, frontend.SeverityWarning)
		return true
	}

	s.logger.Warn("startup barrier interrupted", "error", err)
	return true
}

// preflight rejects non-dynamic plugins that registered no devices. A
// started accessory platform without its device is a broken integration;
// advertising its node anyway would commission an empty bridge.
func (s *Supervisor) preflight() bool {
	halted := false
	for _, info := range s.manager.List() {
		if !info.Enabled || info.InError || info.Type == plugins.TypeDynamic {
			continue
		}
		if s.reg.CountByPlugin(info.Name) > 0 {
			continue
		}
		s.logger.Error("plugin started but registered no devices", "plugin", info.Name, "type", info.Type)
		s.manager.MarkError(info.Name)
		s.front.Snackbar(fmt.Sprintf("plugin %s is in error state", info.Name), 0, frontend.SeverityError)
		halted = true
	}
	if halted {
		s.logger.Error("startup halted, server nodes will not be started")
	}
	return halted
}

// scheduleWaves arms the post-start timers: plugin configuration after
// the configure wave, reachability after the reachability wave. In
// childbridge mode every plugin gets its own reachability timer so a
// plugin restart can re-arm just its own.
func (s *Supervisor) scheduleWaves(pluginNames []string) {
	s.timers.After(timerConfigureWave, s.configureWave, s.configureAll)

	if len(pluginNames) == 0 {
		s.timers.After(timerReachabilityWave, s.reachabilityWave, func() {
			s.topo.SetAggregatorReachability(true)
			s.front.RefreshRequired(frontend.ScopeReachability)
		})
		return
	}
	for _, name := range pluginNames {
		s.timers.After(pluginReachabilityTimer(name), s.reachabilityWave, func() {
			if s.topo.SetPluginReachability(name, true) {
				s.front.RefreshRequired(frontend.ScopeReachability)
			}
		})
	}
}

// configureAll pushes the stored configuration into every started
// plugin.
func (s *Supervisor) configureAll() {
	for _, info := range s.manager.List() {
		if !info.Enabled || info.InError || !info.Started {
			continue
		}
		if _, err := s.manager.Configure(s.runCtx, info.Name); err != nil {
			s.logger.Error("plugin configuration failed", "plugin", info.Name, "error", err)
		}
	}
	s.front.RefreshRequired(frontend.ScopePlugins)
}

// enabledPlugins returns the names of the enabled roster entries.
func (s *Supervisor) enabledPlugins() []string {
	var names []string
	for _, info := range s.manager.List() {
		if info.Enabled {
			names = append(names, info.Name)
		}
	}
	return names
}

// activePlugins returns the plugins that made it through startup.
func (s *Supervisor) activePlugins() []string {
	var names []string
	for _, info := range s.manager.List() {
		if info.Enabled && !info.InError && info.Started {
			names = append(names, info.Name)
		}
	}
	return names
}
