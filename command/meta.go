// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"flag"
	"os"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	colorable "github.com/mattn/go-colorable"
	"github.com/mitchellh/colorstring"
	"github.com/posener/complete"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/matterbridge/matterbridged/storage"
	"github.com/matterbridge/matterbridged/supervisor"
)

// FlagSetFlags is an enum to define what flags are present in the
// default FlagSet returned by Meta.FlagSet.
type FlagSetFlags uint

const (
	FlagSetNone FlagSetFlags = 0

	// FlagSetStore enables the flags locating the supervisor's home
	// directory, for commands that operate on the stores directly.
	FlagSetStore FlagSetFlags = 1 << iota

	FlagSetDefault = FlagSetStore
)

// Meta contains the meta-options and functionality that nearly every
// Matterbridge command inherits.
type Meta struct {
	Ui cli.Ui

	// Whether to not-colorize output
	noColor bool

	// Whether to force colorized output
	forceColor bool

	// homeDir overrides the root the state directories live under.
	homeDir string

	// profile selects a profiles/<name> sub-layout.
	profile string
}

// FlagSet returns a FlagSet with the common flags that every command
// implements. The exact behavior of FlagSet can be configured using the
// flags as the second parameter.
func (m *Meta) FlagSet(n string, fs FlagSetFlags) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	// FlagSetStore is used to enable the settings for locating the
	// stores on commands that read or modify them.
	if fs&FlagSetStore != 0 {
		f.StringVar(&m.homeDir, "homedir", "", "")
		f.StringVar(&m.profile, "profile", "", "")
		f.BoolVar(&m.noColor, "no-color", false, "")
		f.BoolVar(&m.forceColor, "force-color", false, "")
	}

	f.SetOutput(&uiErrorWriter{ui: m.Ui})

	return f
}

// AutocompleteFlags returns a set of flag completions for the given
// flag set.
func (m *Meta) AutocompleteFlags(fs FlagSetFlags) complete.Flags {
	if fs&FlagSetStore == 0 {
		return nil
	}

	return complete.Flags{
		"-homedir":     complete.PredictDirs("*"),
		"-profile":     complete.PredictAnything,
		"-no-color":    complete.PredictNothing,
		"-force-color": complete.PredictNothing,
	}
}

// Store opens the supervisor store under the selected home directory
// and profile, the same files a supervisor over that root would use.
// The caller owns the returned store and must close it. Commands must
// not run against the store of a live supervisor.
func (m *Meta) Store() (*storage.Store, supervisor.Dirs, error) {
	dirs, err := supervisor.ResolveDirs(m.homeDir, m.profile)
	if err != nil {
		return nil, supervisor.Dirs{}, err
	}
	store, err := dirs.OpenStore(false, hclog.NewNullLogger())
	if err != nil {
		return nil, supervisor.Dirs{}, err
	}
	return store, dirs, nil
}

func (m *Meta) Colorize() *colorstring.Colorize {
	_, coloredUi := m.Ui.(*cli.ColoredUi)

	return &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !coloredUi,
		Reset:   true,
	}
}

func (m *Meta) SetupUi(args []string) {
	noColor := os.Getenv(EnvMatterbridgeCLINoColor) != ""
	forceColor := os.Getenv(EnvMatterbridgeCLIForceColor) != ""

	for _, arg := range args {
		// Check if color is set
		if arg == "-no-color" || arg == "--no-color" {
			noColor = true
		} else if arg == "-force-color" || arg == "--force-color" {
			forceColor = true
		}
	}

	m.Ui = &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      colorable.NewColorableStdout(),
		ErrorWriter: colorable.NewColorableStderr(),
	}

	// Only use colored UI if not disabled and stdout is a tty or colors
	// are forced.
	isTerminal := terminal.IsTerminal(int(os.Stdout.Fd()))
	useColor := !noColor && (isTerminal || forceColor)
	if useColor {
		m.Ui = &cli.ColoredUi{
			ErrorColor: cli.UiColorRed,
			WarnColor:  cli.UiColorYellow,
			InfoColor:  cli.UiColorGreen,
			Ui:         m.Ui,
		}
	}
}

// generalOptionsUsage returns the help string for the global options.
func generalOptionsUsage() string {
	helpText := `
  -homedir=<path>
    The root the state directories live under. Defaults to the user
    home. Must match the directory the supervisor runs against.

  -profile=<name>
    Select a profiles/<name> sub-layout so several supervisors can
    share one account without sharing state.

  -no-color
    Disables colored command output. Alternatively,
    MATTERBRIDGE_CLI_NO_COLOR may be set. This option takes precedence
    over -force-color.

  -force-color
    Forces colored command output. This can be used in cases where the
    usual terminal detection fails. Alternatively,
    MATTERBRIDGE_CLI_FORCE_COLOR may be set. This option has no effect
    if -no-color is also used.
`
	return strings.TrimSpace(helpText)
}
