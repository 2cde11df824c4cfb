// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/matterbridge/matterbridged/storage"
)

// redactedKey is never printed in clear. The store holds the frontend
// password under it.
const redactedKey = "password"

type StorageListCommand struct {
	Meta
}

func (c *StorageListCommand) Help() string {
	helpText := `
Usage: matterbridged storage list [options]

  Print every context, key and value of the supervisor store. Nested
  contexts are shown with their full slash joined path. Password
  values are redacted.

General Options:

  ` + generalOptionsUsage()

	return strings.TrimSpace(helpText)
}

func (c *StorageListCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetStore)
}

func (c *StorageListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StorageListCommand) Synopsis() string {
	return "Print the supervisor store"
}

func (c *StorageListCommand) Name() string { return "storage list" }

func (c *StorageListCommand) Run(args []string) int {
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

	store, _, err := c.Meta.Store()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening store: %s", err))
		return 1
	}
	defer store.Close()

	ids, err := store.Contexts()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing contexts: %s", err))
		return 1
	}

	rows := []string{"Context|Key|Value"}
	for _, id := range ids {
		rows, err = appendContextRows(rows, store.Context(id))
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error reading context %q: %s", id, err))
			return 1
		}
	}

	if len(rows) == 1 {
		c.Ui.Output("Store is empty")
		return 0
	}
	c.Ui.Output(formatList(rows))
	return 0
}

// appendContextRows adds one row per key and recurses into nested
// contexts, depth first.
func appendContextRows(rows []string, ctx *storage.Context) ([]string, error) {
	keys, err := ctx.Keys()
	if err != nil {
		return rows, err
	}
	for _, key := range keys {
		rows = append(rows, fmt.Sprintf("%s|%s|%s", ctx.FullName(), key, renderValue(ctx, key)))
	}

	subs, err := ctx.Subs()
	if err != nil {
		return rows, err
	}
	for _, sub := range subs {
		rows, err = appendContextRows(rows, ctx.Sub(sub))
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func renderValue(ctx *storage.Context, key string) string {
	if key == redactedKey {
		return "<redacted>"
	}
	value, err := storage.Get[any](ctx, key)
	if err != nil {
		return fmt.Sprintf("<unreadable: %s>", err)
	}
	return fmt.Sprintf("%v", value)
}
