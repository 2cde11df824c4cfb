// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package agent implements the command that runs a supervisor in the
// foreground. It owns the flag and config-file surface and maps it onto
// the supervisor's configuration; everything below that line lives in
// the supervisor packages.
package agent

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/matterbridge/matterbridged/helper/pointer"
	"github.com/matterbridge/matterbridged/supervisor"
	"github.com/matterbridge/matterbridged/topology"
)

// Config is the configuration for the Matterbridge agent. Every field
// can come from an HCL config file or from the command line; the
// command line wins. Unset fields fall through to the values persisted
// in the store, so a flag given once sticks across restarts.
type Config struct {
	// Mode is the commissioning layout: bridge, childbridge or
	// controller. Empty resolves the persisted mode, then bridge.
	Mode string `hcl:"mode"`

	// HomeDir is the root the state directories are laid out under.
	// Defaults to the user home.
	HomeDir string `hcl:"homedir"`

	// Profile isolates this instance's state from other instances
	// under the same HomeDir.
	Profile string `hcl:"profile"`

	// Test tears the supervisor down again right after startup
	// completes.
	Test bool `hcl:"test"`

	// Port is the Matter transport port of the bridge node. Child
	// bridge nodes count up from it.
	Port *int `hcl:"port"`

	// Passcode and Discriminator seed the bridge node's pairing
	// identity. They are only accepted together.
	Passcode      *int `hcl:"passcode"`
	Discriminator *int `hcl:"discriminator"`

	// Network overrides, validated against the host interfaces.
	MdnsInterface string `hcl:"mdnsinterface"`
	IPv4Address   string `hcl:"ipv4address"`
	IPv6Address   string `hcl:"ipv6address"`

	// Bridge identity overrides. These win over the pairing file.
	VendorID    *int   `hcl:"vendorid"`
	VendorName  string `hcl:"vendorname"`
	ProductID   *int   `hcl:"productid"`
	ProductName string `hcl:"productname"`

	// LogLevel and MatterLogLevel override the persisted levels for
	// the supervisor's and the matter runtime's logger trees.
	LogLevel       string `hcl:"logger"`
	MatterLogLevel string `hcl:"matterlogger"`

	// FileLogger and MatterFileLogger toggle the per-tree log files.
	FileLogger       *bool `hcl:"filelogger"`
	MatterFileLogger *bool `hcl:"matterfilelogger"`

	// VirtualMode selects the device type of the virtual command
	// devices: disabled, outlet, light, switch or mounted_switch.
	VirtualMode string `hcl:"virtualmode"`

	// NoRestore fails hard on store corruption instead of restoring
	// from backup.
	NoRestore bool `hcl:"norestore"`

	// NoVirtual disables the virtual command devices for this run.
	NoVirtual bool `hcl:"novirtual"`

	// ReadOnly stops flags from being persisted.
	ReadOnly bool `hcl:"readonly"`

	// Shelly additionally exposes the unregister command as a virtual
	// device.
	Shelly bool `hcl:"shelly"`

	// Frontend, SSL and MTLS describe the separate web frontend some
	// installations run next to the supervisor. The agent records them
	// for that process; the supervisor itself serves no HTTP.
	Frontend int  `hcl:"frontend"`
	SSL      bool `hcl:"ssl"`
	MTLS     bool `hcl:"mtls"`

	// Service and Docker mark the two managed environments. Process
	// lifetime is then owned by the service manager: a restart request
	// exits cleanly and relies on its restart policy.
	Service bool `hcl:"service"`
	Docker  bool `hcl:"docker"`

	// Delay postpones startup by a random number of seconds up to the
	// given bound, staggering instances that share a boot. FixedDelay
	// postpones by exactly the given seconds and wins over Delay.
	Delay      *int `hcl:"delay"`
	FixedDelay *int `hcl:"fixed_delay"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys.
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// DefaultConfig is the agent configuration before files and flags are
// merged in. It is intentionally empty: operational defaults live with
// the supervisor and the persisted settings, so a bare agent start
// resumes whatever the last run configured.
func DefaultConfig() *Config {
	return &Config{}
}

// Merge merges two configurations, with b taking precedence.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.Mode != "" {
		result.Mode = b.Mode
	}
	if b.HomeDir != "" {
		result.HomeDir = b.HomeDir
	}
	if b.Profile != "" {
		result.Profile = b.Profile
	}
	if b.Test {
		result.Test = true
	}
	if b.Port != nil {
		result.Port = b.Port
	}
	if b.Passcode != nil {
		result.Passcode = b.Passcode
	}
	if b.Discriminator != nil {
		result.Discriminator = b.Discriminator
	}
	if b.MdnsInterface != "" {
		result.MdnsInterface = b.MdnsInterface
	}
	if b.IPv4Address != "" {
		result.IPv4Address = b.IPv4Address
	}
	if b.IPv6Address != "" {
		result.IPv6Address = b.IPv6Address
	}
	if b.VendorID != nil {
		result.VendorID = b.VendorID
	}
	if b.VendorName != "" {
		result.VendorName = b.VendorName
	}
	if b.ProductID != nil {
		result.ProductID = b.ProductID
	}
	if b.ProductName != "" {
		result.ProductName = b.ProductName
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.MatterLogLevel != "" {
		result.MatterLogLevel = b.MatterLogLevel
	}
	if b.FileLogger != nil {
		result.FileLogger = b.FileLogger
	}
	if b.MatterFileLogger != nil {
		result.MatterFileLogger = b.MatterFileLogger
	}
	if b.VirtualMode != "" {
		result.VirtualMode = b.VirtualMode
	}
	if b.NoRestore {
		result.NoRestore = true
	}
	if b.NoVirtual {
		result.NoVirtual = true
	}
	if b.ReadOnly {
		result.ReadOnly = true
	}
	if b.Shelly {
		result.Shelly = true
	}
	if b.Frontend != 0 {
		result.Frontend = b.Frontend
	}
	if b.SSL {
		result.SSL = true
	}
	if b.MTLS {
		result.MTLS = true
	}
	if b.Service {
		result.Service = true
	}
	if b.Docker {
		result.Docker = true
	}
	if b.Delay != nil {
		result.Delay = b.Delay
	}
	if b.FixedDelay != nil {
		result.FixedDelay = b.FixedDelay
	}

	return &result
}

// Validate checks the fields the supervisor cannot check itself, the
// numeric ranges the wire types impose among them.
func (c *Config) Validate() error {
	switch c.Mode {
	case "", string(topology.ModeBridge), string(topology.ModeChildBridge), string(topology.ModeController):
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.VirtualMode != "" {
		if _, err := topology.ParseVirtualMode(c.VirtualMode); err != nil {
			return err
		}
	}
	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", *c.Port)
	}
	if (c.Passcode == nil) != (c.Discriminator == nil) {
		return fmt.Errorf("passcode and discriminator are only accepted together")
	}
	if c.Passcode != nil && (*c.Passcode < 1 || *c.Passcode > 99999998) {
		return fmt.Errorf("passcode must be between 1 and 99999998, got %d", *c.Passcode)
	}
	if c.Discriminator != nil && (*c.Discriminator < 0 || *c.Discriminator > 4095) {
		return fmt.Errorf("discriminator must be between 0 and 4095, got %d", *c.Discriminator)
	}
	if c.VendorID != nil && (*c.VendorID < 1 || *c.VendorID > 65535) {
		return fmt.Errorf("vendorId must be between 1 and 65535, got %d", *c.VendorID)
	}
	if c.ProductID != nil && (*c.ProductID < 1 || *c.ProductID > 65535) {
		return fmt.Errorf("productId must be between 1 and 65535, got %d", *c.ProductID)
	}
	if c.Frontend < 0 || c.Frontend > 65535 {
		return fmt.Errorf("frontend port must be between 0 and 65535, got %d", c.Frontend)
	}
	if c.Delay != nil && *c.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %d", *c.Delay)
	}
	if c.FixedDelay != nil && *c.FixedDelay < 0 {
		return fmt.Errorf("fixed_delay must not be negative, got %d", *c.FixedDelay)
	}
	return nil
}

// SupervisorConfig maps the agent configuration onto the supervisor's.
// Validate must have passed.
func (c *Config) SupervisorConfig() *supervisor.Config {
	sc := &supervisor.Config{
		HomeDir:        c.HomeDir,
		Profile:        c.Profile,
		Mode:           c.Mode,
		Test:           c.Test,
		VirtualMode:    c.VirtualMode,
		MdnsInterface:  c.MdnsInterface,
		IPv4Address:    c.IPv4Address,
		IPv6Address:    c.IPv6Address,
		VendorName:     c.VendorName,
		ProductName:    c.ProductName,
		LogLevel:       c.LogLevel,
		MatterLogLevel: c.MatterLogLevel,
		FileLog:        c.FileLogger,
		MatterFileLog:  c.MatterFileLogger,
		NoRestore:      c.NoRestore,
		NoVirtual:      c.NoVirtual,
		ReadOnly:       c.ReadOnly,
		Shelly:         c.Shelly,
		StartDelay:     c.startDelay(),
	}

	if c.Port != nil {
		sc.Port = pointer.Of(uint16(*c.Port))
	}
	if c.Passcode != nil {
		sc.Passcode = pointer.Of(uint32(*c.Passcode))
	}
	if c.Discriminator != nil {
		sc.Discriminator = pointer.Of(uint16(*c.Discriminator))
	}
	if c.VendorID != nil {
		sc.VendorID = pointer.Of(uint16(*c.VendorID))
	}
	if c.ProductID != nil {
		sc.ProductID = pointer.Of(uint16(*c.ProductID))
	}

	return sc
}

// startDelay computes the startup postponement. A fixed delay wins; a
// plain delay draws a random duration up to its bound so several
// instances sharing a boot do not advertise at once.
func (c *Config) startDelay() time.Duration {
	if c.FixedDelay != nil && *c.FixedDelay > 0 {
		return time.Duration(*c.FixedDelay) * time.Second
	}
	if c.Delay != nil && *c.Delay > 0 {
		return time.Duration(1+rand.Intn(*c.Delay)) * time.Second
	}
	return 0
}
