// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package pluginmanager

import (
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/plugins/rpcplugin"
)

// RosterEntry is the persisted record of one registered plugin. The
// descriptive fields are refreshed from the manifest on every parse so
// the roster survives a plugin that can no longer be read.
type RosterEntry struct {
	Name        string
	Path        string
	Type        plugins.Type
	Version     string
	Description string
	Author      string
	Source      string
	Enabled     bool
}

// PluginInfo is a point-in-time snapshot of one plugin, safe to hand to
// the frontend and CLI.
type PluginInfo struct {
	RosterEntry

	Builtin    bool
	Loaded     bool
	Started    bool
	Configured bool
	InError    bool
	FailCount  int
}

// instance is the manager's live state for one plugin.
type instance struct {
	entry   RosterEntry
	builtin bool
	factory plugins.Factory

	manifest *plugins.Manifest
	platform plugins.Platform
	external *rpcplugin.Instance

	loaded     bool
	started    bool
	configured bool
	inError    bool
	failCount  int
}

func (i *instance) info() *PluginInfo {
	return &PluginInfo{
		RosterEntry: i.entry,
		Builtin:     i.builtin,
		Loaded:      i.loaded,
		Started:     i.started,
		Configured:  i.configured,
		InError:     i.inError,
		FailCount:   i.failCount,
	}
}

// resetRuntime drops all live state, keeping the roster fields.
func (i *instance) resetRuntime() {
	i.platform = nil
	i.external = nil
	i.loaded = false
	i.started = false
	i.configured = false
	i.inError = false
	i.failCount = 0
}

// refreshFromManifest copies the descriptive manifest fields into the
// persisted entry.
func (i *instance) refreshFromManifest(m *plugins.Manifest) {
	i.manifest = m
	i.entry.Type = m.Type
	i.entry.Version = m.Version
	i.entry.Description = m.Description
	i.entry.Author = m.Author
	if m.Source != "" {
		i.entry.Source = m.Source
	}
	if m.Path != "" {
		i.entry.Path = m.Path
	}
}
