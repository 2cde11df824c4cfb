// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/registry"
)

// nodeLabelLimit matches the Matter size limit on the node label attribute.
const nodeLabelLimit = 32

// Bridge returns the device API handed to one plugin. Every bridge is
// scoped to its plugin: serials resolve within that plugin's devices only.
func (t *Topology) Bridge(name string) plugins.Bridge {
	return &pluginBridge{t: t, plugin: name}
}

type pluginBridge struct {
	t      *Topology
	plugin string
}

func (b *pluginBridge) AddBridgedEndpoint(ctx context.Context, def *plugins.DeviceDefinition) error {
	return b.t.AddBridgedEndpoint(ctx, b.plugin, def)
}

func (b *pluginBridge) RemoveBridgedEndpoint(ctx context.Context, serial string) error {
	return b.t.RemoveBridgedEndpoint(ctx, b.plugin, serial)
}

func (b *pluginBridge) RemoveAllBridgedEndpoints(ctx context.Context) error {
	return b.t.RemoveAllBridgedEndpoints(ctx, b.plugin, 0)
}

func (b *pluginBridge) SetAttribute(serial string, cluster matter.ClusterID, attribute matter.AttributeID, value any) error {
	return b.t.SetAttribute(b.plugin, serial, cluster, attribute, value)
}

func (b *pluginBridge) SetReachability(serial string, reachable bool) error {
	return b.t.SetReachability(b.plugin, serial, reachable)
}

// AddBridgedEndpoint validates, builds and places one device, then records
// it in the registry. Placement depends on the bridge mode and the
// device's own mode override.
func (t *Topology) AddBridgedEndpoint(ctx context.Context, plugin string, def *plugins.DeviceDefinition) error {
	if def == nil {
		return errors.New("topology: nil device definition")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("topology: invalid device from plugin %q: %w", plugin, err)
	}
	if _, exists := t.registry.Get(plugin, def.Serial); exists {
		return fmt.Errorf("topology: plugin %q already registered device %q", plugin, def.Serial)
	}

	var err error
	switch {
	case def.Mode == plugins.ModeServer:
		err = t.addServerDevice(ctx, plugin, def)
	case t.mode == ModeBridge:
		err = t.addToBridge(plugin, def)
	case t.mode == ModeChildBridge:
		err = t.addToPluginNode(ctx, plugin, def)
	default:
		err = fmt.Errorf("topology: mode %q cannot host bridged endpoints", t.mode)
	}
	if err != nil {
		return err
	}

	t.logger.Debug("bridged endpoint added",
		"plugin", plugin, "serial", def.Serial, "name", def.Name, "mode", string(def.Mode))
	return nil
}

// addToBridge places a device on the shared bridge node: default mode under
// the aggregator, matter mode directly under the root.
func (t *Topology) addToBridge(plugin string, def *plugins.DeviceDefinition) error {
	t.mu.Lock()
	node, agg := t.bridgeNode, t.bridgeAggregator
	t.mu.Unlock()
	if node == nil {
		return ErrBridgeNotBuilt
	}

	parent := agg
	if def.Mode == plugins.ModeMatter {
		parent = node.Root()
	}

	ep := buildEndpoint(def)
	if err := parent.AddChild(ep); err != nil {
		return fmt.Errorf("topology: failed to add endpoint %q: %w", def.Serial, err)
	}
	return t.register(plugin, def, ep)
}

// addToPluginNode places a device on its plugin's childbridge node. Dynamic
// platforms attach under the plugin aggregator; accessory platforms host
// exactly one device directly under the root. Matter-mode devices always
// attach under the root, even on an already populated accessory node.
func (t *Topology) addToPluginNode(ctx context.Context, plugin string, def *plugins.DeviceDefinition) error {
	pn, err := t.ensurePluginNode(ctx, plugin)
	if err != nil {
		return err
	}

	pn.mu.Lock()
	defer pn.mu.Unlock()

	var parent *matter.Endpoint
	accessorySlot := false
	switch {
	case def.Mode == plugins.ModeMatter:
		parent = pn.node.Root()
	case pn.aggregator != nil:
		parent = pn.aggregator
	default:
		if pn.deviceSerial != "" {
			return ErrExactlyOneDevice
		}
		parent = pn.node.Root()
		accessorySlot = true
	}

	ep := buildEndpoint(def)
	if err := parent.AddChild(ep); err != nil {
		return fmt.Errorf("topology: failed to add endpoint %q: %w", def.Serial, err)
	}
	if err := t.register(plugin, def, ep); err != nil {
		return err
	}
	if accessorySlot {
		pn.deviceSerial = def.Serial
	}
	return nil
}

// addServerDevice gives the device its own server node with a fresh
// identity triple, in any bridge mode.
func (t *Topology) addServerDevice(ctx context.Context, plugin string, def *plugins.DeviceDefinition) error {
	storeID := deviceStoreID(plugin, def.Serial)

	node, err := t.newNode(ctx, nodeSpec{
		storeID:               storeID,
		plugin:                plugin,
		deviceName:            def.Name,
		deviceType:            def.DeviceType,
		vendorID:              deviceVendorID(t.identity, def),
		vendorName:            stringOr(def.VendorName, t.identity.VendorName),
		productID:             deviceProductID(t.identity, def),
		productName:           stringOr(def.ProductName, t.identity.ProductName),
		uniqueID:              def.DerivedUniqueID(),
		softwareVersion:       matter.SoftwareVersionFromString(def.SoftwareVersion),
		softwareVersionString: matter.NormalizeSoftwareVersionString(def.SoftwareVersion),
		hardwareVersion:       matter.HardwareVersionFromString(def.HardwareVersion),
		hardwareVersionString: def.HardwareVersion,
	})
	if err != nil {
		return err
	}

	ep := buildEndpoint(def)
	if err := node.Add(ep); err != nil {
		return fmt.Errorf("topology: failed to add endpoint %q: %w", def.Serial, err)
	}
	if err := t.register(plugin, def, ep); err != nil {
		return err
	}

	t.mu.Lock()
	t.deviceNodes[registry.EntryKey(plugin, def.Serial)] = node
	started := t.started
	t.mu.Unlock()

	if started {
		return node.Start(ctx)
	}
	return nil
}

func deviceStoreID(plugin, serial string) string {
	return plugin + "-" + serial
}

func deviceVendorID(id Identity, def *plugins.DeviceDefinition) matter.VendorID {
	if def.VendorID != 0 {
		return matter.VendorID(def.VendorID)
	}
	return id.VendorID
}

func deviceProductID(id Identity, def *plugins.DeviceDefinition) matter.ProductID {
	if def.ProductID != 0 {
		return matter.ProductID(def.ProductID)
	}
	return id.ProductID
}

func stringOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// register records the endpoint in the registry and fires the subscription
// hook. A rejected entry rolls the endpoint back out of the node.
func (t *Topology) register(plugin string, def *plugins.DeviceDefinition, ep *matter.Endpoint) error {
	err := t.registry.Set(registry.Entry{
		Plugin:   plugin,
		Serial:   def.Serial,
		UniqueID: def.DerivedUniqueID(),
		Name:     def.Name,
		Endpoint: ep,
	})
	if err != nil {
		ep.Delete()
		return err
	}

	if t.onRegister != nil {
		if entry, ok := t.registry.Get(plugin, def.Serial); ok {
			t.onRegister(entry)
		}
	}
	return nil
}

// buildEndpoint turns a device definition into an endpoint tree. Every
// device carries the bridged device basic information cluster with its
// name and starts out reachable.
func buildEndpoint(def *plugins.DeviceDefinition) *matter.Endpoint {
	ep := newDeviceEndpoint(def)
	for _, childDef := range def.Children {
		// Children were validated with the parent; attaching to a
		// detached parent cannot fail.
		_ = ep.AddChild(newDeviceEndpoint(childDef))
	}
	return ep
}

func newDeviceEndpoint(def *plugins.DeviceDefinition) *matter.Endpoint {
	clusters := make(map[matter.ClusterID][]matter.AttributeID, len(def.Clusters)+1)
	for cluster, attrs := range def.Clusters {
		clusters[cluster] = attrs
	}
	if _, ok := clusters[matter.ClusterBridgedDeviceBasicInformation]; !ok {
		clusters[matter.ClusterBridgedDeviceBasicInformation] = []matter.AttributeID{
			matter.AttributeReachable, matter.AttributeNodeLabel,
		}
	}

	ep := matter.NewEndpoint(matter.EndpointConfig{
		ID:         def.Serial,
		DeviceType: def.DeviceType,
		Clusters:   clusters,
	})
	_ = ep.SetAttribute(matter.ClusterBridgedDeviceBasicInformation, matter.AttributeReachable, true)
	if ep.HasAttributeServer(matter.ClusterBridgedDeviceBasicInformation, matter.AttributeNodeLabel) {
		label := def.Name
		if len(label) > nodeLabelLimit {
			label = label[:nodeLabelLimit]
		}
		_ = ep.SetAttribute(matter.ClusterBridgedDeviceBasicInformation, matter.AttributeNodeLabel, label)
	}
	return ep
}

// RemoveBridgedEndpoint withdraws one device: it leaves the registry, its
// endpoint is detached, and a dedicated server node is closed.
func (t *Topology) RemoveBridgedEndpoint(ctx context.Context, plugin, serial string) error {
	entry, ok := t.registry.Remove(plugin, serial)
	if !ok {
		return fmt.Errorf("topology: plugin %q has no registered device %q", plugin, serial)
	}
	entry.Endpoint.Delete()

	t.mu.Lock()
	key := registry.EntryKey(plugin, serial)
	node := t.deviceNodes[key]
	delete(t.deviceNodes, key)
	if node != nil {
		delete(t.byStoreID, node.StoreID())
		for i, n := range t.nodes {
			if n == node {
				t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
				break
			}
		}
	}
	pn := t.plugins[plugin]
	t.mu.Unlock()

	if node != nil {
		if err := t.closeNode(ctx, node); err != nil {
			return err
		}
	}

	// Free the accessory slot when its single device goes away.
	if pn != nil {
		pn.mu.Lock()
		if pn.deviceSerial == serial {
			pn.deviceSerial = ""
		}
		pn.mu.Unlock()
	}

	t.logger.Debug("bridged endpoint removed", "plugin", plugin, "serial", serial)
	return nil
}

// RemoveAllBridgedEndpoints withdraws every device of one plugin, pausing
// delay between removals so controllers observe the transitions.
func (t *Topology) RemoveAllBridgedEndpoints(ctx context.Context, plugin string, delay time.Duration) error {
	entries := t.registry.ByPlugin(plugin)

	var mErr multierror.Error
	for i, entry := range entries {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := t.RemoveBridgedEndpoint(ctx, plugin, entry.Serial); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// SetAttribute updates one attribute on a plugin's device. The serial may
// name a child endpoint of a composed device; children are resolved within
// the plugin's entries.
func (t *Topology) SetAttribute(plugin, serial string, cluster matter.ClusterID, attribute matter.AttributeID, value any) error {
	ep, err := t.resolveEndpoint(plugin, serial)
	if err != nil {
		return err
	}
	return ep.SetAttribute(cluster, attribute, value)
}

// SetReachability flips the reachable attribute on a plugin's device.
func (t *Topology) SetReachability(plugin, serial string, reachable bool) error {
	ep, err := t.resolveEndpoint(plugin, serial)
	if err != nil {
		return err
	}
	return ep.SetAttribute(matter.ClusterBridgedDeviceBasicInformation, matter.AttributeReachable, reachable)
}

func (t *Topology) resolveEndpoint(plugin, serial string) (*matter.Endpoint, error) {
	if entry, ok := t.registry.Get(plugin, serial); ok {
		return entry.Endpoint, nil
	}
	// Child endpoints are not registry entries; scan one level down.
	for _, entry := range t.registry.ByPlugin(plugin) {
		for _, child := range entry.Endpoint.Children() {
			if child.ID() == serial {
				return child, nil
			}
		}
	}
	return nil, fmt.Errorf("topology: plugin %q has no device %q", plugin, serial)
}
