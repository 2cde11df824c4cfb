// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"os"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/matterbridge/matterbridged/topology"
)

// Cleanup messages. The message names what triggered the teardown,
// selects the storage branch, and maps to the final lifecycle event the
// hosting process acts on.
const (
	MessageRestart      = "restarting..."
	MessageUpdate       = "updating..."
	MessageShutdown     = "shutting down..."
	MessageReset        = "shutting down with reset..."
	MessageUnregister   = "unregistered all devices and shutting down..."
	MessageFactoryReset = "shutting down with factory reset..."
)

// unregisterDelay paces endpoint withdrawal so subscribed controllers
// see each removal instead of one bulk disappearance.
const unregisterDelay = 100 * time.Millisecond

// Cleanup tears the supervisor down: plugins, nodes, stores, sinks and
// signal handlers, in that order, with the message selecting what
// happens to the persisted state. Exactly one cleanup runs per
// supervisor; later calls return nil immediately. Every step runs even
// when earlier ones fail, and the combined error is returned.
func (s *Supervisor) Cleanup(ctx context.Context, message string) error {
	s.mu.Lock()
	if s.state == StateCleaning || s.state == StateTerminated {
		s.mu.Unlock()
		s.logger.Debug("cleanup already ran, ignoring", "message", message)
		return nil
	}
	s.state = StateCleaning
	s.mu.Unlock()

	defer metrics.MeasureSince([]string{"matterbridge", "supervisor", "cleanup"}, time.Now())
	s.logger.Info("cleanup started", "message", message)
	s.emit(EventCleanupStarted, message)

	var mErr multierror.Error

	if s.runCancel != nil {
		s.runCancel()
	}
	s.timers.CancelAll()

	if s.manager != nil {
		reason := "closing: " + message
		var g errgroup.Group
		for _, info := range s.manager.List() {
			if !info.Enabled || info.InError || !info.Loaded {
				continue
			}
			name := info.Name
			g.Go(func() error {
				return s.manager.Shutdown(ctx, name, reason, false)
			})
		}
		if err := g.Wait(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			s.logger.Warn("plugin shutdown failed during cleanup", "error", err)
		}
	}

	// let in-flight subscription reports drain before the nodes close
	if s.gracePeriod > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.gracePeriod):
		}
	}

	if s.topo != nil {
		if err := s.topo.Close(ctx); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			s.logger.Warn("failed to close topology", "error", err)
		}
	}

	switch message {
	case MessageReset:
		s.clearCommissioning(&mErr)
	case MessageUnregister:
		s.clearParts(&mErr)
	}

	if s.env != nil {
		if err := s.env.Close(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			s.logger.Warn("failed to close matter environment", "error", err)
		}
	}

	s.closeLogSinks()
	s.front.Close()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			s.logger.Warn("failed to close store", "error", err)
		}
	}

	if message == MessageFactoryReset {
		s.removeStorage(&mErr)
	}

	s.stopSignalHandler()

	switch message {
	case MessageRestart:
		s.emit(EventRestart, message)
	case MessageUpdate:
		s.emit(EventUpdate, message)
	default:
		s.emit(EventShutdown, message)
	}
	s.emit(EventCleanupCompleted, message)
	s.logger.Info("cleanup completed", "message", message)

	s.terminate()
	s.bg.Wait()

	return mErr.ErrorOrNil()
}

// clearCommissioning wipes fabrics, sessions, ACLs and event state from
// every node context. The next run comes up decommissioned but keeps its
// identity seeds, so pairing codes stay printable.
func (s *Supervisor) clearCommissioning(mErr *multierror.Error) {
	if s.env == nil {
		return
	}
	ids, err := s.env.Storage().Contexts()
	if err != nil {
		mErr.Errors = append(mErr.Errors, err)
		return
	}
	for _, id := range ids {
		if err := s.env.Storage().Open(id).ClearCommissioning(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			continue
		}
		s.logger.Info("commissioning state cleared", "storeId", id)
	}
}

// clearParts drops the endpoint composition trees so the next run
// rebuilds them from a clean slate, keeping fabrics intact.
func (s *Supervisor) clearParts(mErr *multierror.Error) {
	if s.env == nil {
		return
	}
	ids, err := s.env.Storage().Contexts()
	if err != nil {
		mErr.Errors = append(mErr.Errors, err)
		return
	}
	for _, id := range ids {
		if err := s.env.Storage().Open(id).ClearParts(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			continue
		}
		s.logger.Info("endpoint structure cleared", "storeId", id)
	}
}

// removeStorage deletes the storage directories. Certificates, logs and
// uploads survive a factory reset.
func (s *Supervisor) removeStorage(mErr *multierror.Error) {
	for _, dir := range []string{
		s.dirs.MatterStorage,
		s.dirs.MatterStorageBackup,
		s.dirs.Storage,
		s.dirs.StorageBackup,
	} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			s.logger.Warn("failed to remove storage directory", "dir", dir, "error", err)
			continue
		}
		s.logger.Info("storage directory removed", "dir", dir)
	}
}

// handleCommand reacts to a virtual device trigger. The topology
// dispatches it on its own goroutine.
func (s *Supervisor) handleCommand(cmd topology.Command) {
	s.logger.Info("supervisor command received", "command", cmd)
	ctx := context.Background()

	switch cmd {
	case topology.CommandRestart:
		_ = s.Cleanup(ctx, MessageRestart)
	case topology.CommandUpdate:
		_ = s.Cleanup(ctx, MessageUpdate)
	case topology.CommandUnregister:
		_ = s.UnregisterAndShutdown(ctx)
	default:
		s.logger.Warn("unknown supervisor command", "command", cmd)
	}
}

// UnregisterAndShutdown withdraws every bridged endpoint, waits the
// grace period so subscribed controllers observe the removals, then
// cleans up dropping the endpoint composition state.
func (s *Supervisor) UnregisterAndShutdown(ctx context.Context) error {
	if s.manager != nil && s.topo != nil {
		for _, name := range s.manager.Names() {
			if err := s.topo.RemoveAllBridgedEndpoints(ctx, name, unregisterDelay); err != nil {
				s.logger.Error("failed to remove plugin endpoints", "plugin", name, "error", err)
			}
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.gracePeriod):
	}

	return s.Cleanup(ctx, MessageUnregister)
}
