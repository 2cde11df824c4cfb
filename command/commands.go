// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/matterbridge/matterbridged/command/agent"
	"github.com/matterbridge/matterbridged/version"
	colorable "github.com/mattn/go-colorable"
)

const (
	// EnvMatterbridgeCLINoColor is an env var that toggles colored UI output.
	EnvMatterbridgeCLINoColor = `MATTERBRIDGE_CLI_NO_COLOR`

	// EnvMatterbridgeCLIForceColor is an env var that forces colored UI output.
	EnvMatterbridgeCLIForceColor = `MATTERBRIDGE_CLI_FORCE_COLOR`
)

// Commands returns the mapping of CLI commands for Matterbridge. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version: version.GetVersion(),
				Ui:      agentUi,
			}, nil
		},
		"factoryreset": func() (cli.Command, error) {
			return &FactoryResetCommand{
				Meta: meta,
			}, nil
		},
		"interfaces": func() (cli.Command, error) {
			return &InterfacesCommand{
				Meta: meta,
			}, nil
		},
		"plugin": func() (cli.Command, error) {
			return &PluginCommand{
				Meta: meta,
			}, nil
		},
		"plugin add": func() (cli.Command, error) {
			return &PluginAddCommand{
				Meta: meta,
			}, nil
		},
		"plugin disable": func() (cli.Command, error) {
			return &PluginDisableCommand{
				Meta: meta,
			}, nil
		},
		"plugin enable": func() (cli.Command, error) {
			return &PluginEnableCommand{
				Meta: meta,
			}, nil
		},
		"plugin install": func() (cli.Command, error) {
			return &PluginInstallCommand{
				Meta: meta,
			}, nil
		},
		"plugin list": func() (cli.Command, error) {
			return &PluginListCommand{
				Meta: meta,
			}, nil
		},
		"plugin remove": func() (cli.Command, error) {
			return &PluginRemoveCommand{
				Meta: meta,
			}, nil
		},
		"reset": func() (cli.Command, error) {
			return &ResetCommand{
				Meta: meta,
			}, nil
		},
		"storage": func() (cli.Command, error) {
			return &StorageCommand{
				Meta: meta,
			}, nil
		},
		"storage backup": func() (cli.Command, error) {
			return &StorageBackupCommand{
				Meta: meta,
			}, nil
		},
		"storage list": func() (cli.Command, error) {
			return &StorageListCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
