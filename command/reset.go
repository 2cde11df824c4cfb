// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/posener/complete"

	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/supervisor"
)

type ResetCommand struct {
	Meta
}

func (c *ResetCommand) Help() string {
	helpText := `
Usage: matterbridged reset [<plugin>] [options]

  Without an argument, clear the commissioning state of every server
  node: commissioned fabrics, sessions, event journals and node
  identity. The nodes come up decommissioned on the next start and
  have to be paired again. Settings and the plugin roster survive.

  With a plugin name, delete that plugin's Matter storage namespace
  instead: its childbridge node context and its per-device contexts.
  Other plugins and the shared bridge are untouched.

  The supervisor must not be running.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *ResetCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *ResetCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *ResetCommand) Synopsis() string {
	return "Clear commissioning state"
}

func (c *ResetCommand) Name() string { return "reset" }

func (c *ResetCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if l := len(args); l > 1 {
		c.Ui.Error("This command takes at most one argument: <plugin>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	dirs, err := supervisor.ResolveDirs(c.Meta.homeDir, c.Meta.profile)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error resolving directories: %s", err))
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

	if len(args) == 1 {
		plugin := args[0]
		if err := service.DeleteNamespace(plugin); err != nil {
			c.Ui.Error(fmt.Sprintf("Error removing matter namespace: %s", err))
			return 1
		}
		c.Ui.Output(fmt.Sprintf("Removed matter storage of plugin %q", plugin))
		return 0
	}

	ids, err := service.Contexts()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing server nodes: %s", err))
		return 1
	}

	var mErr multierror.Error
	for _, id := range ids {
		if err := service.Open(id).ClearCommissioning(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error clearing commissioning state: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Cleared commissioning state of %d server node(s)", len(ids)))
	return 0
}
