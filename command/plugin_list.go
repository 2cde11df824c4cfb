// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-bexpr"
	"github.com/posener/complete"

	"github.com/matterbridge/matterbridged/pluginmanager"
)

type PluginListCommand struct {
	Meta
}

func (c *PluginListCommand) Help() string {
	helpText := `
Usage: matterbridged plugin list [options]

  List the plugin roster with the descriptive fields recorded at
  registration time. Runtime state belongs to a live supervisor and is
  not shown here.

General Options:

  ` + generalOptionsUsage() + `

List Options:

  -filter
    Specifies an expression used to filter the roster. The selectors
    are the roster fields, for example -filter='Enabled == true' or
    -filter='Type == "DynamicPlatform"'.
`

	return strings.TrimSpace(helpText)
}

func (c *PluginListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetStore),
		complete.Flags{
			"-filter": complete.PredictAnything,
		})
}

func (c *PluginListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *PluginListCommand) Synopsis() string {
	return "List the plugin roster"
}

func (c *PluginListCommand) Name() string { return "plugin list" }

func (c *PluginListCommand) Run(args []string) int {
	var filter string

	flags := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&filter, "filter", "", "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if l := len(flags.Args()); l != 0 {
		c.Ui.Error("This command takes no arguments")
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

	infos := manager.List()
	if filter != "" {
		evaluator, err := bexpr.CreateEvaluator(filter)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Invalid filter expression: %s", err))
			return 1
		}
		filtered := infos[:0]
		for _, info := range infos {
			ok, err := evaluator.Evaluate(info)
			if err != nil {
				c.Ui.Error(fmt.Sprintf("Error evaluating filter: %s", err))
				return 1
			}
			if ok {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	c.Ui.Output(formatPlugins(infos))
	return 0
}

func formatPlugins(infos []*pluginmanager.PluginInfo) string {
	if len(infos) == 0 {
		return "No plugins registered"
	}

	output := make([]string, 0, len(infos)+1)
	output = append(output, "Name|Type|Version|Enabled|Builtin|Source")
	for _, info := range infos {
		source := info.Source
		if source == "" {
			source = "<none>"
		}
		output = append(output, fmt.Sprintf("%s|%s|%s|%t|%t|%s",
			info.Name, info.Type, info.Version, info.Enabled, info.Builtin, source))
	}

	return formatList(output)
}
