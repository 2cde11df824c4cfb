// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type PluginAddCommand struct {
	Meta
}

func (c *PluginAddCommand) Help() string {
	helpText := `
Usage: matterbridged plugin add <name|path> [options]

  Register a plugin on the roster and enable it. The argument is a
  builtin platform name, the directory name of an installed plugin
  package, or an absolute path to one. The supervisor loads the plugin
  on its next start.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *PluginAddCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *PluginAddCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictDirs("*")
}

func (c *PluginAddCommand) Synopsis() string {
	return "Register a plugin on the roster"
}

func (c *PluginAddCommand) Name() string { return "plugin add" }

func (c *PluginAddCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <name|path>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

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

	info, err := manager.Add(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error adding plugin: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Registered plugin %q (%s %s)",
		info.Name, info.Type, info.Version))
	return 0
}
