// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package topology

import (
	"fmt"

	"github.com/matterbridge/matterbridged/matter"
)

// VirtualMode selects the Matter device type the supervisor's command
// devices are exposed as, or disables them.
type VirtualMode string

const (
	VirtualDisabled      VirtualMode = "disabled"
	VirtualOutlet        VirtualMode = "outlet"
	VirtualLight         VirtualMode = "light"
	VirtualSwitch        VirtualMode = "switch"
	VirtualMountedSwitch VirtualMode = "mounted_switch"
)

// Valid returns true for a known virtual mode.
func (v VirtualMode) Valid() bool {
	switch v {
	case VirtualDisabled, VirtualOutlet, VirtualLight, VirtualSwitch, VirtualMountedSwitch:
		return true
	default:
		return false
	}
}

// ParseVirtualMode validates an operator-supplied virtual mode string.
func ParseVirtualMode(s string) (VirtualMode, error) {
	v := VirtualMode(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown virtual mode %q (disabled, outlet, light, switch or mounted_switch)", s)
	}
	return v, nil
}

func (v VirtualMode) deviceType() matter.DeviceTypeID {
	switch v {
	case VirtualOutlet:
		return matter.DeviceTypeOnOffPlugInUnit
	case VirtualLight:
		return matter.DeviceTypeOnOffLight
	case VirtualSwitch:
		return matter.DeviceTypeOnOffSwitch
	case VirtualMountedSwitch:
		return matter.DeviceTypeMountedOnOffControl
	default:
		return 0
	}
}

// virtualSpec is one supervisor command surfaced as a device.
type virtualSpec struct {
	id      string
	name    string
	command Command
}

func (t *Topology) virtualSpecs() []virtualSpec {
	if t.virtual == VirtualDisabled {
		return nil
	}
	specs := []virtualSpec{
		{id: "matterbridge-restart", name: "Restart Matterbridge", command: CommandRestart},
		{id: "matterbridge-update", name: "Update Matterbridge", command: CommandUpdate},
	}
	if t.unregister {
		specs = append(specs, virtualSpec{
			id: "matterbridge-unregister", name: "Unregister Matterbridge", command: CommandUnregister,
		})
	}
	return specs
}

// attachVirtualDevices adds the command devices under an aggregator.
// Turning one on dispatches its command and the state reverts to off.
func (t *Topology) attachVirtualDevices(agg *matter.Endpoint) error {
	for _, spec := range t.virtualSpecs() {
		ep := matter.NewEndpoint(matter.EndpointConfig{
			ID:         spec.id,
			DeviceType: t.virtual.deviceType(),
			Clusters: map[matter.ClusterID][]matter.AttributeID{
				matter.ClusterOnOff: {matter.AttributeOnOff},
				matter.ClusterBridgedDeviceBasicInformation: {
					matter.AttributeReachable, matter.AttributeNodeLabel,
				},
			},
		})
		_ = ep.SetAttribute(matter.ClusterOnOff, matter.AttributeOnOff, false)
		_ = ep.SetAttribute(matter.ClusterBridgedDeviceBasicInformation, matter.AttributeReachable, true)
		_ = ep.SetAttribute(matter.ClusterBridgedDeviceBasicInformation, matter.AttributeNodeLabel, spec.name)

		command := spec.command
		if err := ep.SubscribeAttribute(matter.ClusterOnOff, matter.AttributeOnOff, func(value any) {
			on, _ := value.(bool)
			if !on {
				return
			}
			t.logger.Info("virtual device triggered", "command", string(command))
			if t.onCommand != nil {
				go t.onCommand(command)
			}
			// Revert so the next press is observable as a fresh
			// transition.
			_ = ep.SetAttribute(matter.ClusterOnOff, matter.AttributeOnOff, false)
		}); err != nil {
			return err
		}

		if err := agg.AddChild(ep); err != nil {
			return fmt.Errorf("topology: adding virtual device %q: %w", spec.id, err)
		}
	}
	return nil
}
