// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/posener/complete"

	"github.com/matterbridge/matterbridged/storage"
	"github.com/matterbridge/matterbridged/supervisor"
)

type StorageBackupCommand struct {
	Meta
}

func (c *StorageBackupCommand) Help() string {
	helpText := `
Usage: matterbridged storage backup [options]

  Snapshot the supervisor and Matter storage directories into their
  backup siblings, replacing any previous backup. A supervisor whose
  store fails verification on startup recovers from these snapshots.

  The supervisor must not be running: a store file must not be copied
  while it is open.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *StorageBackupCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *StorageBackupCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StorageBackupCommand) Synopsis() string {
	return "Snapshot the stores into their backup directories"
}

func (c *StorageBackupCommand) Name() string { return "storage backup" }

func (c *StorageBackupCommand) Run(args []string) int {
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

	backed := 0
	for _, pair := range [][2]string{
		{dirs.Storage, dirs.StorageBackup},
		{dirs.MatterStorage, dirs.MatterStorageBackup},
	} {
		if _, err := os.Stat(pair[0]); os.IsNotExist(err) {
			continue
		}
		if err := storage.CopyTree(pair[0], pair[1]); err != nil {
			c.Ui.Error(fmt.Sprintf("Error backing up %s: %s", pair[0], err))
			return 1
		}
		c.Ui.Output(fmt.Sprintf("Backed up %s to %s", pair[0], pair[1]))
		backed++
	}

	if backed == 0 {
		c.Ui.Output("No storage directories found, nothing to back up")
	}
	return 0
}
