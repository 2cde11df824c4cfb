// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/matterbridge/matterbridged/command"
	"github.com/matterbridge/matterbridged/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	// The meta UI colors command output when stdout is a terminal. The
	// agent UI never does; its output interleaves with the log stream.
	metaPtr := new(command.Meta)
	metaPtr.SetupUi(args)

	agentUi := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("matterbridged", version.GetVersion().FullVersionNumber(true))
	c.Args = args
	c.Commands = command.Commands(metaPtr, agentUi)
	c.Autocomplete = true
	c.HelpWriter = os.Stdout

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
