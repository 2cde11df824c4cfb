// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/posener/complete"

	"github.com/matterbridge/matterbridged/supervisor"
)

type FactoryResetCommand struct {
	Meta
}

func (c *FactoryResetCommand) Help() string {
	helpText := `
Usage: matterbridged factoryreset [options]

  Delete the supervisor and Matter storage directories including their
  backups. Every setting, the plugin roster and all commissioning
  state are lost; the next start behaves like a first run.
  Certificates, uploads and log files survive.

  The supervisor must not be running.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *FactoryResetCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *FactoryResetCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *FactoryResetCommand) Synopsis() string {
	return "Delete all persisted state"
}

func (c *FactoryResetCommand) Name() string { return "factoryreset" }

func (c *FactoryResetCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if l := len(flags.Args()); l != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	dirs, err := supervisor.ResolveDirs(c.Meta.homeDir, c.Meta.profile)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error resolving directories: %s", err))
		return 1
	}

	var mErr multierror.Error
	for _, dir := range []string{
		dirs.MatterStorage,
		dirs.MatterStorageBackup,
		dirs.Storage,
		dirs.StorageBackup,
	} {
		if err := os.RemoveAll(dir); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error removing storage directories: %s", err))
		return 1
	}

	c.Ui.Output("Removed all persisted state")
	return 0
}
