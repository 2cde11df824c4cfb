// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type PluginDisableCommand struct {
	Meta
}

func (c *PluginDisableCommand) Help() string {
	helpText := `
Usage: matterbridged plugin disable <name> [options]

  Mark a registered plugin disabled. The plugin stays on the roster
  but the supervisor skips it until it is enabled again.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *PluginDisableCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *PluginDisableCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *PluginDisableCommand) Synopsis() string {
	return "Mark a plugin disabled"
}

func (c *PluginDisableCommand) Name() string { return "plugin disable" }

func (c *PluginDisableCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <name>")
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

	info, err := manager.Disable(context.Background(), args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error disabling plugin: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Disabled plugin %q", info.Name))
	return 0
}
