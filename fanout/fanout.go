// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package fanout subscribes to attribute changes on every bridged endpoint
// and forwards them to the frontend. Subscriptions come from a fixed
// allow-list of cluster/attribute pairs; anything a device serves beyond the
// list stays plugin-internal.
package fanout

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v2"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/registry"
)

// pair is one subscribable cluster/attribute combination.
type pair struct {
	cluster   matter.ClusterID
	attribute matter.AttributeID
}

// allowPairs is the fixed allow-list of attributes forwarded to the
// frontend. Bridged endpoints additionally get the reachable attribute of
// the bridged device basic information cluster; accessory node roots get the
// plain basic information one.
var allowPairs = []pair{
	{matter.ClusterOnOff, matter.AttributeOnOff},
	{matter.ClusterLevelControl, matter.AttributeCurrentLevel},
	{matter.ClusterColorControl, matter.AttributeCurrentHue},
	{matter.ClusterColorControl, matter.AttributeCurrentSaturation},
	{matter.ClusterColorControl, matter.AttributeColorTemperature},
	{matter.ClusterColorControl, matter.AttributeColorMode},
	{matter.ClusterThermostat, matter.AttributeLocalTemperature},
	{matter.ClusterThermostat, matter.AttributeSystemMode},
	{matter.ClusterThermostat, matter.AttributeOccupiedHeatingSetpoint},
	{matter.ClusterThermostat, matter.AttributeOccupiedCoolingSetpoint},
	{matter.ClusterWindowCovering, matter.AttributeLiftPosition},
	{matter.ClusterWindowCovering, matter.AttributeTargetLiftPosition},
	{matter.ClusterWindowCovering, matter.AttributeOperationalStatus},
	{matter.ClusterDoorLock, matter.AttributeLockState},
	{matter.ClusterFanControl, matter.AttributeFanMode},
	{matter.ClusterFanControl, matter.AttributePercentCurrent},
	{matter.ClusterBooleanState, matter.AttributeStateValue},
	{matter.ClusterOccupancySensing, matter.AttributeOccupancy},
	{matter.ClusterIlluminanceMeasurement, matter.AttributeMeasuredValue},
	{matter.ClusterTemperatureMeasurement, matter.AttributeMeasuredValue},
	{matter.ClusterRelativeHumidityMeasurement, matter.AttributeMeasuredValue},
	{matter.ClusterPressureMeasurement, matter.AttributeMeasuredValue},
	{matter.ClusterFlowMeasurement, matter.AttributeMeasuredValue},
	{matter.ClusterTvocMeasurement, matter.AttributeMeasuredValue},
	{matter.ClusterAirQuality, matter.AttributeAirQuality},
	{matter.ClusterSmokeCoAlarm, matter.AttributeSmokeState},
	{matter.ClusterSmokeCoAlarm, matter.AttributeCoState},
	{matter.ClusterModeSelect, matter.AttributeCurrentModeSelect},
	{matter.ClusterRvcRunMode, matter.AttributeCurrentMode},
	{matter.ClusterRvcCleanMode, matter.AttributeCurrentMode},
	{matter.ClusterRvcOperationalState, matter.AttributeOperationalState},
	{matter.ClusterServiceArea, matter.AttributeSelectedAreas},
	{matter.ClusterServiceArea, matter.AttributeCurrentArea},
	{matter.ClusterBridgedDeviceBasicInformation, matter.AttributeReachable},
}

// Config configures a Fanout.
type Config struct {
	Logger hclog.Logger

	// Broker receives the forwarded attribute changes.
	Broker *frontend.Broker
}

// Fanout walks bridged endpoints and wires their allow-listed attributes to
// the frontend broker.
type Fanout struct {
	logger hclog.Logger
	broker *frontend.Broker
	allow  *set.Set[pair]
}

// New builds a Fanout over the fixed allow-list.
func New(c *Config) *Fanout {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Fanout{
		logger: logger.Named("fanout"),
		broker: c.Broker,
		allow:  set.From(allowPairs),
	}
}

// SubscribeEntry wires one registered device. The endpoint and its children
// are walked one level deep; each allow-listed attribute present is
// subscribed. Failures are logged and skipped so one bad attribute never
// costs the rest of the device. Returns the number of subscriptions made.
func (f *Fanout) SubscribeEntry(e *registry.Entry) int {
	if e == nil || e.Endpoint == nil {
		return 0
	}

	count := f.subscribeEndpoint(e, e.Endpoint)
	for _, child := range e.Endpoint.Children() {
		count += f.subscribeEndpoint(e, child)
	}

	f.logger.Debug("device subscribed", "plugin", e.Plugin, "serial", e.Serial, "subscriptions", count)
	return count
}

// SubscribeNodeRoot wires the reachable attribute of a node's root endpoint.
// Accessory platforms in childbridge mode surface reachability there rather
// than on a bridged endpoint.
func (f *Fanout) SubscribeNodeRoot(plugin string, node *matter.ServerNode) int {
	if node == nil {
		return 0
	}
	root := node.Root()
	if !root.HasAttributeServer(matter.ClusterBasicInformation, matter.AttributeReachable) {
		return 0
	}

	change := frontend.AttributeChange{
		Plugin:     plugin,
		Serial:     node.SerialNumber(),
		UniqueID:   node.UniqueID(),
		EndpointID: root.ID(),
		Cluster:    matter.ClusterName(matter.ClusterBasicInformation),
		Attribute:  matter.AttributeName(matter.ClusterBasicInformation, matter.AttributeReachable),
	}
	err := root.SubscribeAttribute(matter.ClusterBasicInformation, matter.AttributeReachable, func(value any) {
		c := change
		c.Value = value
		f.broker.AttributeChanged(c)
	})
	if err != nil {
		f.logger.Warn("failed to subscribe node reachability",
			"plugin", plugin, "node", node.StoreID(), "error", err)
		return 0
	}
	return 1
}

func (f *Fanout) subscribeEndpoint(e *registry.Entry, ep *matter.Endpoint) int {
	count := 0
	for _, p := range f.allow.Slice() {
		if !ep.HasAttributeServer(p.cluster, p.attribute) {
			continue
		}

		change := frontend.AttributeChange{
			Plugin:     e.Plugin,
			Serial:     e.Serial,
			UniqueID:   e.UniqueID,
			EndpointID: ep.ID(),
			Cluster:    matter.ClusterName(p.cluster),
			Attribute:  matter.AttributeName(p.cluster, p.attribute),
		}
		endpoint := ep
		err := ep.SubscribeAttribute(p.cluster, p.attribute, func(value any) {
			c := change
			// The number is assigned when the endpoint joins a node, which
			// may happen after this subscription is placed.
			c.EndpointNumber = endpoint.Number()
			c.Value = value
			f.broker.AttributeChanged(c)
		})
		if err != nil {
			f.logger.Warn("failed to subscribe attribute",
				"plugin", e.Plugin, "endpoint", ep.ID(),
				"cluster", change.Cluster, "attribute", change.Attribute, "error", err)
			continue
		}
		count++
	}
	return count
}
