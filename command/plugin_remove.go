// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/matterbridge/matterbridged/matter"
)

type PluginRemoveCommand struct {
	Meta
}

func (c *PluginRemoveCommand) Help() string {
	helpText := `
Usage: matterbridged plugin remove <name> [options]

  Drop a plugin from the roster. The installed package stays on disk;
  reinstalling is a matter of adding it again.

General Options:

  ` + generalOptionsUsage() + `

Remove Options:

  -wipe
    Also delete the plugin's persisted settings and its Matter side
    storage namespaces. Its devices will have to be re-commissioned
    should the plugin come back.
`

	return strings.TrimSpace(helpText)
}

func (c *PluginRemoveCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetStore),
		complete.Flags{
			"-wipe": complete.PredictNothing,
		})
}

func (c *PluginRemoveCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *PluginRemoveCommand) Synopsis() string {
	return "Drop a plugin from the roster"
}

func (c *PluginRemoveCommand) Name() string { return "plugin remove" }

func (c *PluginRemoveCommand) Run(args []string) int {
	var wipe bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&wipe, "wipe", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <name>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	name := args[0]

	store, dirs, err := c.Meta.Store()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	manager, err := restoreRoster(context.Background(), store, dirs)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error reading roster: %s", err))
		return 1
	}

	if err := manager.Remove(context.Background(), name, false); err != nil {
		c.Ui.Error(fmt.Sprintf("Error removing plugin: %s", err))
		return 1
	}

	if wipe {
		if err := store.DeleteContext(name); err != nil {
			c.Ui.Error(fmt.Sprintf("Error removing plugin settings: %s", err))
			return 1
		}
		service, err := matter.NewStorageService(&matter.StorageServiceConfig{
			Dir:       dirs.MatterStorage,
			BackupDir: dirs.MatterStorageBackup,
		})
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error opening matter storage: %s", err))
			return 1
		}
		defer service.Close()
		if err := service.DeleteNamespace(name); err != nil {
			c.Ui.Error(fmt.Sprintf("Error removing matter namespace: %s", err))
			return 1
		}
	}

	c.Ui.Output(fmt.Sprintf("Removed plugin %q", name))
	return 0
}
