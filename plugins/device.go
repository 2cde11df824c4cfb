// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package plugins

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/matterbridge/matterbridged/matter"
)

// Mode selects how one device definition is surfaced on the Matter
// side. It refines the supervisor's bridge mode for a single device.
type Mode string

const (
	// ModeDefault follows the supervisor's bridge mode.
	ModeDefault Mode = ""

	// ModeServer gives the device a dedicated server node even when the
	// supervisor runs in bridge mode.
	ModeServer Mode = "server"

	// ModeMatter surfaces the device as a standalone Matter node owned
	// by the plugin rather than the supervisor.
	ModeMatter Mode = "matter"
)

// Valid returns true for a known device mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeServer, ModeMatter:
		return true
	default:
		return false
	}
}

// DeviceDefinition describes one device a platform publishes through
// its Bridge. Definitions cross the process boundary for external
// plugins, so everything in here stays plain data.
type DeviceDefinition struct {
	// Serial identifies the device within its plugin. Required.
	Serial string

	// Name is the label shown to controllers. Required.
	Name string

	// UniqueID overrides the identifier derived from the device's
	// identity fields. Optional.
	UniqueID string

	// DeviceType is the primary Matter device type of the endpoint.
	DeviceType matter.DeviceTypeID

	VendorID    uint16
	VendorName  string
	ProductID   uint16
	ProductName string

	// SoftwareVersion and HardwareVersion are free-form version strings
	// reported on the bridged device basic information cluster.
	SoftwareVersion string
	HardwareVersion string

	// Mode optionally overrides how this device is surfaced.
	Mode Mode

	// Clusters lists attribute servers beyond the device type defaults,
	// keyed by cluster with the attributes each serves.
	Clusters map[matter.ClusterID][]matter.AttributeID

	// Children are the parts of a composed device. Children cannot have
	// children of their own.
	Children []*DeviceDefinition
}

// Validate checks a definition before it is published. Child
// definitions are validated too; nesting below one level is rejected.
func (d *DeviceDefinition) Validate() error {
	var mErr multierror.Error
	if d.Serial == "" {
		mErr.Errors = append(mErr.Errors, errors.New("device is missing a serial number"))
	}
	if d.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("device %q is missing a name", d.Serial))
	}
	if d.DeviceType == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("device %q is missing a device type", d.Serial))
	}
	if !d.Mode.Valid() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("device %q has unknown mode %q", d.Serial, d.Mode))
	}
	seen := make(map[string]bool, len(d.Children))
	for _, child := range d.Children {
		if child.Serial == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("device %q has a child without a serial number", d.Serial))
			continue
		}
		if seen[child.Serial] {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("device %q has duplicate child serial %q", d.Serial, child.Serial))
		}
		seen[child.Serial] = true
		if child.DeviceType == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("child device %q is missing a device type", child.Serial))
		}
		if len(child.Children) > 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("child device %q cannot have children of its own", child.Serial))
		}
	}
	return mErr.ErrorOrNil()
}

// DerivedUniqueID returns the device's unique identifier, deriving a
// stable one from the identity fields when none was set.
func (d *DeviceDefinition) DerivedUniqueID() string {
	if d.UniqueID != "" {
		return d.UniqueID
	}
	return matter.DeriveUniqueID(d.Name, d.Serial, d.VendorName, d.ProductName)
}

// Copy returns a deep copy of the definition.
func (d *DeviceDefinition) Copy() *DeviceDefinition {
	if d == nil {
		return nil
	}
	nd := new(DeviceDefinition)
	*nd = *d
	if d.Clusters != nil {
		nd.Clusters = make(map[matter.ClusterID][]matter.AttributeID, len(d.Clusters))
		for cluster, attrs := range d.Clusters {
			nd.Clusters[cluster] = append([]matter.AttributeID(nil), attrs...)
		}
	}
	if d.Children != nil {
		nd.Children = make([]*DeviceDefinition, len(d.Children))
		for i, child := range d.Children {
			nd.Children[i] = child.Copy()
		}
	}
	return nd
}
