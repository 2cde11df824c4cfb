// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package pluginmanager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPluginNotFound is returned when an operation names a plugin
	// that is not on the roster.
	ErrPluginNotFound = errors.New("plugin is not registered")

	// ErrPluginRegistered is returned when adding a plugin whose name is
	// already on the roster.
	ErrPluginRegistered = errors.New("plugin is already registered")

	// ErrPluginDisabled is returned when loading a disabled plugin.
	ErrPluginDisabled = errors.New("plugin is disabled")

	// ErrPluginNotLoaded is returned when a lifecycle call reaches a
	// plugin without a live platform.
	ErrPluginNotLoaded = errors.New("plugin is not loaded")
)

// PluginError wraps a failure of one roster operation with the plugin
// and operation it belongs to.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// StartupError reports the plugins that kept the supervisor from
// completing startup. The server nodes must not be started while this
// is non-nil, otherwise controllers would drop the devices the failed
// plugins registered in earlier runs.
type StartupError struct {
	Failed []string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup halted, plugins in error: %s", strings.Join(e.Failed, ", "))
}
