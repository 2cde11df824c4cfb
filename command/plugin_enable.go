// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type PluginEnableCommand struct {
	Meta
}

func (c *PluginEnableCommand) Help() string {
	helpText := `
Usage: matterbridged plugin enable <name> [options]

  Mark a registered plugin enabled. The supervisor loads enabled
  plugins on its next start.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *PluginEnableCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *PluginEnableCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *PluginEnableCommand) Synopsis() string {
	return "Mark a plugin enabled"
}

func (c *PluginEnableCommand) Name() string { return "plugin enable" }

func (c *PluginEnableCommand) Run(args []string) int {
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

	info, err := manager.Enable(args[0])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error enabling plugin: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Enabled plugin %q", info.Name))
	return 0
}
