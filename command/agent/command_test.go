// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/helper/logging"
	"github.com/matterbridge/matterbridged/helper/pointer"
	"github.com/matterbridge/matterbridged/helper/testlog"
	"github.com/matterbridge/matterbridged/version"
)

func TestCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &Command{}
}

func TestCommand_ReadConfig_Flags(t *testing.T) {
	ci.Parallel(t)

	cmd := &Command{
		Version: version.GetVersion(),
		Ui:      &logging.HcLogUI{Log: testlog.HCLogger(t)},
	}
	cmd.args = []string{
		"-childbridge",
		"-port", "5541",
		"-passcode", "20202022",
		"-discriminator", "3841",
		"-logger", "debug",
		"-filelogger",
		"-readonly",
		"-sudo",
	}

	config := cmd.readConfig()
	must.NotNil(t, config)
	must.Eq(t, "childbridge", config.Mode)
	must.Eq(t, pointer.Of(5541), config.Port)
	must.Eq(t, pointer.Of(20202022), config.Passcode)
	must.Eq(t, pointer.Of(3841), config.Discriminator)
	must.Eq(t, "debug", config.LogLevel)
	must.Eq(t, pointer.Of(true), config.FileLogger)
	must.True(t, config.ReadOnly)

	// bool flags with a persisted counterpart only count when given
	must.Nil(t, config.MatterFileLogger)
}

func TestCommand_ReadConfig_ModeConflict(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &Command{Ui: ui}
	cmd.args = []string{"-bridge", "-childbridge"}

	must.Nil(t, cmd.readConfig())
	must.StrContains(t, ui.ErrorWriter.String(), "Only one of")
}

func TestCommand_ReadConfig_Files(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	first := filepath.Join(dir, "first.hcl")
	must.NoError(t, os.WriteFile(first, []byte(
		"mode = \"bridge\"\nlogger = \"warn\"\nprofile = \"blue\"\n"), 0o644))
	second := filepath.Join(dir, "second.hcl")
	must.NoError(t, os.WriteFile(second, []byte("logger = \"debug\"\n"), 0o644))

	ui := cli.NewMockUi()
	cmd := &Command{Ui: ui}
	cmd.args = []string{"-config", first, "-config", second, "-logger", "error"}

	config := cmd.readConfig()
	must.NotNil(t, config)

	// later files override earlier ones, flags override files
	must.Eq(t, "bridge", config.Mode)
	must.Eq(t, "blue", config.Profile)
	must.Eq(t, "error", config.LogLevel)
}

func TestCommand_ReadConfig_MissingFile(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &Command{Ui: ui}
	cmd.args = []string{"-config", filepath.Join(t.TempDir(), "nope.hcl")}

	must.Nil(t, cmd.readConfig())
	must.StrContains(t, ui.ErrorWriter.String(), "Error loading configuration")
}

func TestCommand_ReadConfig_Invalid(t *testing.T) {
	ci.Parallel(t)

	ui := cli.NewMockUi()
	cmd := &Command{Ui: ui}
	cmd.args = []string{"-port", "70000"}

	must.Nil(t, cmd.readConfig())
	must.StrContains(t, ui.ErrorWriter.String(), "Invalid configuration")
}

// TestCommand_Run_TestMode drives the whole agent through the CLI
// surface. Not parallel: it claims the process-wide supervisor
// instance.
func TestCommand_Run_TestMode(t *testing.T) {
	ui := cli.NewMockUi()
	cmd := &Command{Version: version.GetVersion(), Ui: ui}

	code := cmd.Run([]string{"-test", "-bridge", "-homedir", t.TempDir()})

	must.Zero(t, code, must.Sprintf("stderr: %s", ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), "shutdown complete")
}
