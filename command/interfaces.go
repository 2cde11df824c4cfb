// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"strings"

	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/posener/complete"
)

type InterfacesCommand struct {
	Meta
}

func (c *InterfacesCommand) Help() string {
	helpText := `
Usage: matterbridged interfaces

  Print the host's network interfaces and their addresses. The names
  and addresses shown here are the valid values for the agent's
  -mdnsinterface, -ipv4address and -ipv6address flags.
`
	return strings.TrimSpace(helpText)
}

func (c *InterfacesCommand) AutocompleteFlags() complete.Flags {
	return nil
}

func (c *InterfacesCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *InterfacesCommand) Synopsis() string {
	return "Print the host's network interfaces"
}

func (c *InterfacesCommand) Name() string { return "interfaces" }

func (c *InterfacesCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetNone)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if l := len(flags.Args()); l != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	ifAddrs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error enumerating interfaces: %s", err))
		return 1
	}
	if len(ifAddrs) == 0 {
		c.Ui.Output("No network interfaces found")
		return 0
	}

	rows := make([]string, 0, len(ifAddrs)+1)
	rows = append(rows, "Name|Address|MTU|Flags")
	for _, ia := range ifAddrs {
		// net.Flags joins with the pipe we use as the column glue.
		ifFlags := strings.ReplaceAll(ia.Flags.String(), "|", ",")
		rows = append(rows, fmt.Sprintf("%s|%s|%d|%s",
			ia.Name, ia.SockAddr.String(), ia.MTU, ifFlags))
	}

	c.Ui.Output(formatList(rows))
	return 0
}
