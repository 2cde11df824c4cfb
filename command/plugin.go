// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"strings"

	"github.com/hashicorp/cli"

	"github.com/matterbridge/matterbridged/pluginmanager"
	"github.com/matterbridge/matterbridged/storage"
	"github.com/matterbridge/matterbridged/supervisor"
)

type PluginCommand struct {
	Meta
}

func (f *PluginCommand) Help() string {
	helpText := `
Usage: matterbridged plugin <subcommand> [options] [args]

  This command groups subcommands for managing the plugin roster. The
  roster is persisted in the supervisor store, so these commands work
  against a stopped supervisor and take effect on its next start.

  Register a plugin:

      $ matterbridged plugin add matterbridge-example-accessory

  List the roster:

      $ matterbridged plugin list

  Please see the individual subcommand help for detailed usage
  information.
`
	return strings.TrimSpace(helpText)
}

func (f *PluginCommand) Synopsis() string {
	return "Manage the plugin roster"
}

func (f *PluginCommand) Name() string { return "plugin" }

func (f *PluginCommand) Run(args []string) int {
	return cli.RunResultHelp
}

// rosterManager builds a manager over an already opened store. The
// manager can mutate the roster and fetch plugin packages but never
// starts a platform: lifecycle stays with the supervisor.
func rosterManager(store *storage.Store, dirs supervisor.Dirs) (*pluginmanager.Manager, error) {
	return pluginmanager.New(&pluginmanager.Config{
		Store:      store,
		Roster:     store.Context(supervisor.SettingsContext),
		PluginsDir: dirs.Plugins,
	})
}

// restoreRoster loads the persisted roster into a fresh manager so the
// subcommand sees the same plugins the supervisor would.
func restoreRoster(ctx context.Context, store *storage.Store, dirs supervisor.Dirs) (*pluginmanager.Manager, error) {
	manager, err := rosterManager(store, dirs)
	if err != nil {
		return nil, err
	}
	if err := manager.Restore(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}
