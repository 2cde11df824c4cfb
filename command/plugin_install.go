// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type PluginInstallCommand struct {
	Meta
}

func (c *PluginInstallCommand) Help() string {
	helpText := `
Usage: matterbridged plugin install <name> <source> [options]

  Fetch a plugin package from source into the plugins directory under
  the given name, then register and enable it. The source is a
  go-getter URL, so git repositories, plain http(s) archives, S3 and
  GCS objects and local files all work:

      $ matterbridged plugin install my-switch git::https://example.com/plugins/switch

  The recorded source is also used to reinstall the plugin should its
  install directory go missing.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *PluginInstallCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *PluginInstallCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *PluginInstallCommand) Synopsis() string {
	return "Fetch and register a plugin package"
}

func (c *PluginInstallCommand) Name() string { return "plugin install" }

func (c *PluginInstallCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if l := len(args); l != 2 {
		c.Ui.Error("This command takes two arguments: <name> <source>")
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

	info, err := manager.Install(context.Background(), args[0], args[1])
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error installing plugin: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Installed plugin %q (%s %s) from %s",
		info.Name, info.Type, info.Version, args[1]))
	return 0
}
