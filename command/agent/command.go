// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/cli"

	flaghelper "github.com/matterbridge/matterbridged/helper/flags"
	"github.com/matterbridge/matterbridged/helper/pointer"
	"github.com/matterbridge/matterbridged/storage"
	"github.com/matterbridge/matterbridged/supervisor"
	"github.com/matterbridge/matterbridged/version"
)

// Command is a Command implementation that runs a Matterbridge agent in
// the foreground. The supervisor owns the process signals; the command
// configures it, runs it and blocks until it has torn itself down.
type Command struct {
	Version *version.VersionInfo
	Ui      cli.Ui

	args []string
}

// readConfig parses the command line and the -config files into one
// merged configuration: defaults, then files in order, then flags.
func (c *Command) readConfig() *Config {
	cmdConfig := &Config{}

	var configPaths flaghelper.StringFlag
	var modeBridge, modeChildBridge, modeController bool
	var port, passcode, discriminator, vendorID, productID, delay, fixedDelay int
	var fileLogger, matterFileLogger bool
	var sudo, noSudo bool

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	// run modes
	flags.BoolVar(&modeBridge, "bridge", false, "")
	flags.BoolVar(&modeChildBridge, "childbridge", false, "")
	flags.BoolVar(&modeController, "controller", false, "")
	flags.BoolVar(&cmdConfig.Test, "test", false, "")

	// config file and state location
	flags.Var(&configPaths, "config", "")
	flags.StringVar(&cmdConfig.HomeDir, "homedir", "", "")
	flags.StringVar(&cmdConfig.Profile, "profile", "", "")

	// node identity
	flags.IntVar(&port, "port", -1, "")
	flags.IntVar(&passcode, "passcode", -1, "")
	flags.IntVar(&discriminator, "discriminator", -1, "")
	flags.IntVar(&vendorID, "vendorId", -1, "")
	flags.StringVar(&cmdConfig.VendorName, "vendorName", "", "")
	flags.IntVar(&productID, "productId", -1, "")
	flags.StringVar(&cmdConfig.ProductName, "productName", "", "")

	// network
	flags.StringVar(&cmdConfig.MdnsInterface, "mdnsinterface", "", "")
	flags.StringVar(&cmdConfig.IPv4Address, "ipv4address", "", "")
	flags.StringVar(&cmdConfig.IPv6Address, "ipv6address", "", "")

	// logging
	flags.StringVar(&cmdConfig.LogLevel, "logger", "", "")
	flags.StringVar(&cmdConfig.MatterLogLevel, "matterlogger", "", "")
	flags.BoolVar(&fileLogger, "filelogger", false, "")
	flags.BoolVar(&matterFileLogger, "matterfilelogger", false, "")

	// behavior
	flags.StringVar(&cmdConfig.VirtualMode, "virtualmode", "", "")
	flags.BoolVar(&cmdConfig.NoRestore, "norestore", false, "")
	flags.BoolVar(&cmdConfig.NoVirtual, "novirtual", false, "")
	flags.BoolVar(&cmdConfig.ReadOnly, "readonly", false, "")
	flags.BoolVar(&cmdConfig.Shelly, "shelly", false, "")
	flags.BoolVar(&cmdConfig.Service, "service", false, "")
	flags.BoolVar(&cmdConfig.Docker, "docker", false, "")
	flags.IntVar(&cmdConfig.Frontend, "frontend", 0, "")
	flags.BoolVar(&cmdConfig.SSL, "ssl", false, "")
	flags.BoolVar(&cmdConfig.MTLS, "mtls", false, "")
	flags.IntVar(&delay, "delay", -1, "")
	flags.IntVar(&fixedDelay, "fixed_delay", -1, "")
	flags.BoolVar(&sudo, "sudo", false, "")
	flags.BoolVar(&noSudo, "nosudo", false, "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	modes := 0
	if modeBridge {
		cmdConfig.Mode = "bridge"
		modes++
	}
	if modeChildBridge {
		cmdConfig.Mode = "childbridge"
		modes++
	}
	if modeController {
		cmdConfig.Mode = "controller"
		modes++
	}
	if modes > 1 {
		c.Ui.Error("Only one of -bridge, -childbridge or -controller may be given")
		return nil
	}

	if sudo || noSudo {
		c.Ui.Warn("The -sudo and -nosudo flags are accepted for compatibility and have no effect")
	}

	// the int defaults double as unset markers, so only values the
	// operator gave make it into the config
	if port >= 0 {
		cmdConfig.Port = pointer.Of(port)
	}
	if passcode >= 0 {
		cmdConfig.Passcode = pointer.Of(passcode)
	}
	if discriminator >= 0 {
		cmdConfig.Discriminator = pointer.Of(discriminator)
	}
	if vendorID >= 0 {
		cmdConfig.VendorID = pointer.Of(vendorID)
	}
	if productID >= 0 {
		cmdConfig.ProductID = pointer.Of(productID)
	}
	if delay >= 0 {
		cmdConfig.Delay = pointer.Of(delay)
	}
	if fixedDelay >= 0 {
		cmdConfig.FixedDelay = pointer.Of(fixedDelay)
	}

	// bool flags with a persisted counterpart only count when given
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "filelogger":
			cmdConfig.FileLogger = pointer.Of(fileLogger)
		case "matterfilelogger":
			cmdConfig.MatterFileLogger = pointer.Of(matterFileLogger)
		}
	})

	config := DefaultConfig()
	for _, path := range configPaths {
		current, err := ParseConfigFile(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(current)
	}
	config = config.Merge(cmdConfig)

	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return nil
	}

	return config
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	ctx := context.Background()

	s, err := supervisor.LoadInstance(config.SupervisorConfig())
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error creating supervisor: %s", err))
		return 1
	}

	// Subscribed before Run so the terminal event is never missed.
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	c.printConfigInfo(config)

	if err := s.Initialize(ctx); err != nil {
		// Initialize tears its own partial state down.
		return c.startupError("initialization", err)
	}

	c.Ui.Output("Matterbridge agent started! Log data will stream in below:\n")

	if err := s.Run(ctx); err != nil {
		code := c.startupError("startup", err)
		if cerr := s.Cleanup(ctx, supervisor.MessageShutdown); cerr != nil {
			c.Ui.Error(fmt.Sprintf("Error during cleanup: %s", cerr))
		}
		return code
	}

	// Block until a signal or a virtual device command tears the
	// supervisor down, then report how the process should be relaunched.
	<-s.Done()

	final := supervisor.EventShutdown
	for ev := range events {
		switch ev.Kind {
		case supervisor.EventRestart, supervisor.EventUpdate, supervisor.EventShutdown:
			final = ev.Kind
		}
	}

	switch final {
	case supervisor.EventRestart:
		c.Ui.Output("Restart requested, exiting for the service manager to relaunch")
	case supervisor.EventUpdate:
		c.Ui.Output("Update requested, exiting for the updater to take over")
	default:
		c.Ui.Output("Matterbridge agent shutdown complete")
	}
	return 0
}

// startupError reports a failed Initialize or Run. Only a corrupt store
// under -norestore and a rejected runtime are fatal to the exit code;
// everything else still exits cleanly so supervised setups do not flap.
func (c *Command) startupError(phase string, err error) int {
	switch {
	case errors.Is(err, supervisor.ErrRuntimeVersion):
		c.Ui.Error(fmt.Sprintf("Error during %s: %s", phase, err))
		return 1
	case storage.IsCorrupt(err):
		c.Ui.Error(fmt.Sprintf("Error during %s: %s", phase, err))
		c.Ui.Error("The store could not be restored; re-run without -norestore to recover from backup")
		return 1
	case errors.Is(err, supervisor.ErrControllerMode):
		c.Ui.Error("Controller mode is reserved and not implemented")
		return 0
	default:
		c.Ui.Error(fmt.Sprintf("Error during %s: %s", phase, err))
		return 0
	}
}

// printConfigInfo prints the agent configuration block above the log
// stream. Only operator-supplied values show up; everything else is
// resolved from the store once the supervisor is up.
func (c *Command) printConfigInfo(config *Config) {
	info := map[string]string{
		"version": c.Version.VersionNumber(),
		"mode":    config.Mode,
		"home":    config.HomeDir,
		"profile": config.Profile,
	}
	for k, v := range info {
		if v == "" {
			info[k] = "<persisted>"
		}
	}
	if config.Test {
		info["mode"] += " (test)"
	}

	padding := 18
	infoKeys := make([]string, 0, len(info))
	for k := range info {
		infoKeys = append(infoKeys, k)
	}
	sort.Strings(infoKeys)

	c.Ui.Output("Matterbridge agent configuration:\n")
	for _, k := range infoKeys {
		c.Ui.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			strings.ToUpper(k[:1])+k[1:],
			info[k]))
	}
	c.Ui.Output("")
}

func (c *Command) Synopsis() string {
	return "Runs a Matterbridge agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: matterbridged agent [options]

  Starts the Matterbridge agent and runs until an interrupt is received
  or a virtual device command shuts it down. The agent exposes the
  devices of every enabled plugin as a Matter bridge.

  Most options are persisted in the store on first use: a flag given
  once keeps its value across restarts until it is given again with a
  different value or the store is reset.

General Options:

  -config=<path>
    The path to an HCL configuration file. May be given multiple
    times; later files and command line flags override earlier values.

  -homedir=<path>
    The root the state directories live under. Defaults to the user
    home.

  -profile=<name>
    Select a profiles/<name> sub-layout so several agents can share
    one account without sharing state.

Mode Options:

  -bridge
    Expose all plugins under one shared bridge node. This is the
    default for a fresh store.

  -childbridge
    Give every enabled plugin its own server node, each paired
    separately.

  -controller
    Reserved. Selecting it fails after initialization.

  -test
    Bring the agent all the way up, then shut it down again. Intended
    for setup validation.

Identity Options:

  -port=<port>
    The Matter transport port of the bridge node. Child bridge nodes
    count up from it. Defaults to 5540.

  -passcode=<code>
    The pairing passcode of the bridge node. Only accepted together
    with -discriminator.

  -discriminator=<value>
    The pairing discriminator of the bridge node, 0 to 4095. Only
    accepted together with -passcode.

  -vendorId=<id> -vendorName=<name> -productId=<id> -productName=<name>
    Override the bridge's Matter identity. These win over the pairing
    file in the certificates directory.

Network Options:

  -mdnsinterface=<name>
    Restrict mDNS advertising to one interface. Invalid names are
    ignored with a warning; see "matterbridged interfaces".

  -ipv4address=<addr> -ipv6address=<addr>
    Bind the Matter transport to one address instead of all
    interfaces.

Logging Options:

  -logger=<level>
    The log level of the supervisor tree: trace, debug, info, warn or
    error. Defaults to info.

  -matterlogger=<level>
    The log level of the matter runtime tree.

  -filelogger / -matterfilelogger
    Additionally write the respective tree to its log file under the
    home directory.

Behavior Options:

  -virtualmode=<mode>
    The Matter device type of the virtual command devices: disabled,
    outlet, light, switch or mounted_switch.

  -novirtual
    Skip the virtual command devices for this run without changing the
    persisted mode.

  -norestore
    Fail hard when a store is corrupt instead of recovering from its
    backup.

  -readonly
    Do not persist any flag values to the store.

  -shelly
    Additionally expose the unregister command as a virtual device.

  -service / -docker
    Mark the agent as running under a service manager or in a
    container. A restart request then exits cleanly and relies on the
    manager's restart policy.

  -frontend=<port> -ssl -mtls
    Describe the separate web frontend some installations run next to
    the agent. Recorded for that process; the agent serves no HTTP.

  -delay=<seconds>
    Postpone startup by a random number of seconds up to the bound,
    staggering instances that share a boot.

  -fixed_delay=<seconds>
    Postpone startup by exactly the given seconds. Wins over -delay.
`
	return strings.TrimSpace(helpText)
}
