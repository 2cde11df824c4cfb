// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package plugins

import (
	"context"

	"github.com/matterbridge/matterbridged/matter"
)

// Bridge is the supervisor-side API handed to each platform. Every
// bridge is bound to one plugin: serial numbers are resolved within
// that plugin's devices and a platform can never reach endpoints
// another plugin created.
//
// The endpoint operations block until the device is visible on the
// Matter side or the context expires. Platforms running out of process
// call the same methods through an RPC proxy.
type Bridge interface {
	// AddBridgedEndpoint publishes a device. The definition's serial
	// must be unique within the plugin.
	AddBridgedEndpoint(ctx context.Context, def *DeviceDefinition) error

	// RemoveBridgedEndpoint withdraws the device with the given serial.
	RemoveBridgedEndpoint(ctx context.Context, serial string) error

	// RemoveAllBridgedEndpoints withdraws every device the plugin has
	// published.
	RemoveAllBridgedEndpoints(ctx context.Context) error

	// SetAttribute updates one attribute on a published device. Values
	// are limited to gob's basic types plus []any and map[string]any so
	// they survive the out-of-process path.
	SetAttribute(serial string, cluster matter.ClusterID, attribute matter.AttributeID, value any) error

	// SetReachability flips the reachable attribute on a published
	// device.
	SetReachability(serial string, reachable bool) error
}
