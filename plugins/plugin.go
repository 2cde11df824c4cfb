// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package plugins defines the contract between the Matterbridge
// supervisor and the platforms it hosts. A platform is the runtime face
// of a plugin: the supervisor builds it through a Factory, drives it
// through the Platform lifecycle and hands it a Bridge so it can surface
// devices on the Matter side. Builtin platforms are compiled in and
// registered with the catalog package; external platforms run as
// subprocesses behind the rpcplugin package and see the exact same
// contract.
package plugins

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Type partitions platforms by how many devices they may expose.
type Type string

const (
	// TypeAccessory platforms expose exactly one device.
	TypeAccessory Type = "AccessoryPlatform"

	// TypeDynamic platforms expose any number of devices and may add and
	// remove them while running.
	TypeDynamic Type = "DynamicPlatform"
)

// Valid returns true for a known platform type. The empty string is not
// valid; manifests that omit the type default to TypeDynamic before
// validation.
func (t Type) Valid() bool {
	switch t {
	case TypeAccessory, TypeDynamic:
		return true
	default:
		return false
	}
}

// Platform is the lifecycle every plugin implements.
//
// The supervisor calls Start once the Matter side the plugin will
// publish to is ready, Configure whenever updated settings should be
// applied, and Shutdown exactly once before the platform is discarded.
// All three receive a context bounding how long the supervisor is
// willing to wait.
type Platform interface {
	// Start brings the platform online. The reason describes what
	// triggered it, such as a supervisor start or a plugin restart.
	Start(ctx context.Context, reason string) error

	// Configure applies the platform's current settings. It returns
	// false with a nil error when the platform declines the settings
	// without failing; the supervisor records the decline but keeps the
	// platform running. A non-nil error marks the platform in error.
	Configure(ctx context.Context) (bool, error)

	// Shutdown stops the platform. The platform must not call its
	// Bridge after Shutdown returns.
	Shutdown(ctx context.Context, reason string) error
}

// Factory builds a platform instance. The factory call is the load
// step: an error return marks the plugin in error before it ever
// starts, and a successful return hands the supervisor a Platform ready
// for Start.
type Factory func(*FactoryConfig) (Platform, error)

// FactoryConfig carries everything a platform needs at load time.
type FactoryConfig struct {
	// Name is the plugin name the platform was registered under.
	Name string

	// Bridge is the supervisor-side API the platform publishes devices
	// through. It is bound to this plugin; the platform can only touch
	// endpoints it created itself.
	Bridge Bridge

	// Config holds the plugin's persisted settings.
	Config map[string]any

	// Logger is named after the plugin.
	Logger hclog.Logger
}

// Validate checks that a factory config is complete enough to load a
// platform from.
func (c *FactoryConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("plugins: factory config missing plugin name")
	}
	if c.Bridge == nil {
		return fmt.Errorf("plugins: factory config for %q missing bridge", c.Name)
	}
	return nil
}
