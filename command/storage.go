// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"strings"

	"github.com/hashicorp/cli"
)

type StorageCommand struct {
	Meta
}

func (f *StorageCommand) Help() string {
	helpText := `
Usage: matterbridged storage <subcommand> [options]

  This command groups subcommands for inspecting and backing up the
  persisted stores. These commands work against a stopped supervisor.

  Print the supervisor store:

      $ matterbridged storage list

  Snapshot both stores into their backup directories:

      $ matterbridged storage backup

  Please see the individual subcommand help for detailed usage
  information.
`
	return strings.TrimSpace(helpText)
}

func (f *StorageCommand) Synopsis() string {
	return "Inspect and back up the persisted stores"
}

func (f *StorageCommand) Name() string { return "storage" }

func (f *StorageCommand) Run(args []string) int {
	return cli.RunResultHelp
}
