// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package topology owns the commissioning layout of the supervisor: which
// server nodes exist, which aggregators they host and where each bridged
// endpoint attaches. The layout follows the bridge mode; plugins only ever
// see the Bridge interface and never place endpoints themselves.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/registry"
)

// Mode selects the commissioning layout of the supervisor.
type Mode string

const (
	// ModeBridge exposes every plugin's devices under one shared server
	// node and aggregator.
	ModeBridge Mode = "bridge"

	// ModeChildBridge gives every enabled plugin its own server node.
	ModeChildBridge Mode = "childbridge"

	// ModeController is the inverse role: the supervisor commissions
	// other nodes. The name is reserved; selecting it fails after
	// initialization.
	ModeController Mode = "controller"
)

// Valid returns true for a known bridge mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBridge, ModeChildBridge, ModeController:
		return true
	default:
		return false
	}
}

// ParseMode validates an operator-supplied mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown bridge mode %q (bridge, childbridge or controller)", s)
	}
	return m, nil
}

// BridgeStoreID is the storage namespace and node name of the shared
// bridge-mode server node.
const BridgeStoreID = "Matterbridge"

// closeTimeout bounds how long one server node may take to close during
// shutdown. Expiry is logged and swallowed so cleanup keeps moving.
const closeTimeout = 30 * time.Second

var (
	// ErrExactlyOneDevice rejects a second default-mode device on an
	// accessory platform's server node.
	ErrExactlyOneDevice = errors.New("topology: accessory platform may expose exactly one device")

	// ErrBridgeNotBuilt is returned when a plugin publishes a device
	// before the shared bridge node exists.
	ErrBridgeNotBuilt = errors.New("topology: bridge server node not built")
)

// Identity carries the Matter identity of the shared bridge node. Plugin
// and device nodes inherit the vendor fields and derive the rest.
type Identity struct {
	DeviceName string

	VendorID   matter.VendorID
	VendorName string

	ProductID   matter.ProductID
	ProductName string

	// DeviceType optionally overrides the advertised device type of the
	// bridge node. Zero keeps the aggregator type.
	DeviceType matter.DeviceTypeID

	// SerialNumber and UniqueID override the derived bridge identity,
	// typically from the pairing file.
	SerialNumber string
	UniqueID     string

	SoftwareVersion       uint32
	SoftwareVersionString string
	HardwareVersion       uint16
	HardwareVersionString string

	// Certification is the device attestation bundle from the pairing
	// file, applied to every node. Optional.
	Certification *matter.Certification
}

// Command is a supervisor action a virtual device can trigger.
type Command string

const (
	CommandRestart    Command = "restart"
	CommandUpdate     Command = "update"
	CommandUnregister Command = "unregister"
)

// CommandFunc receives virtual device commands.
type CommandFunc func(Command)

// PluginTypeFunc resolves a plugin's platform type. The second return is
// false when the plugin is unknown.
type PluginTypeFunc func(name string) (plugins.Type, bool)

// RegisterHook observes every entry accepted into the registry, after the
// endpoint is attached. Used to place attribute subscriptions.
type RegisterHook func(e *registry.Entry)

// NodeHook observes every server node creation. plugin is empty for the
// shared bridge node.
type NodeHook func(plugin string, node *matter.ServerNode)

// Config configures a Topology.
type Config struct {
	Logger hclog.Logger

	// Mode is the commissioning layout. Required.
	Mode Mode

	// Storage provides the per-node Matter storage contexts. Required.
	Storage *matter.StorageService

	// Registry records every bridged endpoint. Required.
	Registry *registry.Registry

	// Frontend receives refresh events. Optional.
	Frontend *frontend.Broker

	// Seeds allocates node identities. Required.
	Seeds *Seeds

	// Identity is the bridge node identity.
	Identity Identity

	// VirtualMode selects the device type of the virtual command
	// devices. VirtualDisabled turns them off.
	VirtualMode VirtualMode

	// UnregisterDevice additionally exposes the unregister command as a
	// virtual device.
	UnregisterDevice bool

	// OnCommand receives virtual device commands. Optional.
	OnCommand CommandFunc

	// PluginType resolves platform types in childbridge mode. Plugins it
	// does not know are treated as dynamic.
	PluginType PluginTypeFunc

	// OnRegister fires for every accepted registry entry. Optional.
	OnRegister RegisterHook

	// OnNodeCreated fires for every new server node. Optional.
	OnNodeCreated NodeHook

	// AdvertisingWindow overrides the commissioning announcement window.
	// Zero keeps the 15 minute default.
	AdvertisingWindow time.Duration
}

// pluginNode is the per-plugin server node in childbridge mode. Its mutex
// serializes node creation and device placement for one plugin, so two
// rapid adds cannot race the aggregator into existence twice.
type pluginNode struct {
	mu           sync.Mutex
	node         *matter.ServerNode
	aggregator   *matter.Endpoint
	deviceSerial string
}

// Topology is the commissioning layout. All node and endpoint mutation
// flows through it.
type Topology struct {
	logger     hclog.Logger
	mode       Mode
	storage    *matter.StorageService
	registry   *registry.Registry
	frontend   *frontend.Broker
	seeds      *Seeds
	identity   Identity
	virtual    VirtualMode
	unregister bool
	onCommand  CommandFunc
	pluginType PluginTypeFunc
	onRegister RegisterHook
	onNode     NodeHook
	adv        *Advertising

	mu               sync.Mutex
	nodes            []*matter.ServerNode
	byStoreID        map[string]*matter.ServerNode
	plugins          map[string]*pluginNode
	deviceNodes      map[string]*matter.ServerNode
	bridgeNode       *matter.ServerNode
	bridgeAggregator *matter.Endpoint
	cancels          []func()
	started          bool

	wg sync.WaitGroup
}

// New builds an empty topology. Nodes are created by BuildBridge,
// PreparePlugin and the device add path.
func New(c *Config) (*Topology, error) {
	if !c.Mode.Valid() {
		return nil, fmt.Errorf("topology: unknown mode %q", c.Mode)
	}
	if c.Storage == nil {
		return nil, errors.New("topology: storage service is required")
	}
	if c.Registry == nil {
		return nil, errors.New("topology: device registry is required")
	}
	if c.Seeds == nil {
		return nil, errors.New("topology: identity seeds are required")
	}
	if c.VirtualMode != "" && !c.VirtualMode.Valid() {
		return nil, fmt.Errorf("topology: unknown virtual mode %q", c.VirtualMode)
	}

	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	identity := c.Identity
	if identity.DeviceName == "" {
		identity.DeviceName = BridgeStoreID
	}

	virtual := c.VirtualMode
	if virtual == "" {
		virtual = VirtualDisabled
	}

	return &Topology{
		logger:      logger.Named("topology"),
		mode:        c.Mode,
		storage:     c.Storage,
		registry:    c.Registry,
		frontend:    c.Frontend,
		seeds:       c.Seeds,
		identity:    identity,
		virtual:     virtual,
		unregister:  c.UnregisterDevice,
		onCommand:   c.OnCommand,
		pluginType:  c.PluginType,
		onRegister:  c.OnRegister,
		onNode:      c.OnNodeCreated,
		adv:         NewAdvertising(c.AdvertisingWindow),
		byStoreID:   make(map[string]*matter.ServerNode),
		plugins:     make(map[string]*pluginNode),
		deviceNodes: make(map[string]*matter.ServerNode),
	}, nil
}

// Mode returns the commissioning layout.
func (t *Topology) Mode() Mode {
	return t.mode
}

// nodeSpec is the identity of one server node about to be created.
type nodeSpec struct {
	storeID    string
	plugin     string
	deviceName string
	deviceType matter.DeviceTypeID

	vendorID    matter.VendorID
	vendorName  string
	productID   matter.ProductID
	productName string

	serialNumber string
	uniqueID     string

	softwareVersion       uint32
	softwareVersionString string
	hardwareVersion       uint16
	hardwareVersionString string
}

// newNode consumes a seed triple and creates the server node, registering
// its event pump. Callers must not hold t.mu.
func (t *Topology) newNode(ctx context.Context, spec nodeSpec) (*matter.ServerNode, error) {
	defer metrics.MeasureSince([]string{"matterbridge", "topology", "create_node"}, time.Now())

	t.mu.Lock()
	if _, exists := t.byStoreID[spec.storeID]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("topology: server node %q already exists", spec.storeID)
	}
	t.mu.Unlock()

	alloc, err := t.seeds.Allocate()
	if err != nil {
		return nil, err
	}

	if spec.uniqueID == "" {
		spec.uniqueID = matter.DeriveUniqueID(spec.storeID, spec.deviceName, spec.vendorName, spec.productName)
	}
	if spec.serialNumber == "" {
		spec.serialNumber = spec.uniqueID
	}

	node, err := matter.NewServerNode(t.storage.Open(spec.storeID), matter.NodeConfig{
		StoreID:               spec.storeID,
		DeviceName:            spec.deviceName,
		DeviceType:            spec.deviceType,
		Port:                  alloc.Port,
		Passcode:              alloc.Passcode,
		Discriminator:         alloc.Discriminator,
		VendorID:              spec.vendorID,
		VendorName:            spec.vendorName,
		ProductID:             spec.productID,
		ProductName:           spec.productName,
		SerialNumber:          spec.serialNumber,
		UniqueID:              spec.uniqueID,
		SoftwareVersion:       spec.softwareVersion,
		SoftwareVersionString: spec.softwareVersionString,
		HardwareVersion:       spec.hardwareVersion,
		HardwareVersionString: spec.hardwareVersionString,
		Certification:         t.identity.Certification,
		Logger:                t.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("topology: creating server node %q: %w", spec.storeID, err)
	}

	t.mu.Lock()
	t.nodes = append(t.nodes, node)
	t.byStoreID[spec.storeID] = node
	t.mu.Unlock()

	t.pump(node)
	t.logger.Info("server node created", "storeId", spec.storeID,
		"port", alloc.Port, "discriminator", alloc.Discriminator)

	if t.onNode != nil {
		t.onNode(spec.plugin, node)
	}
	return node, nil
}

// pump forwards one node's lifecycle events to the advertising tracker and
// the frontend. The goroutine ends when the node closes its event stream.
func (t *Topology) pump(node *matter.ServerNode) {
	ch, cancel := node.Subscribe(16)

	t.mu.Lock()
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for ev := range ch {
			t.handleNodeEvent(node, ev)
		}
	}()
}

func (t *Topology) handleNodeEvent(node *matter.ServerNode, ev matter.Event) {
	storeID := node.StoreID()
	switch ev.Type {
	case matter.EventOnline:
		if !node.IsCommissioned() {
			t.adv.Start(storeID)
			codes := node.PairingCodes()
			t.logger.Info("commissioning window open",
				"storeId", storeID,
				"manualPairingCode", codes.ManualPairingCode,
				"qrPairingCode", codes.QRPairingCode)
		}
		t.refresh(frontend.ScopeMatter)
	case matter.EventOffline:
		t.adv.Stop(storeID)
		t.refresh(frontend.ScopeMatter)
	case matter.EventCommissioned:
		t.adv.Stop(storeID)
		t.logger.Info("server node commissioned", "storeId", storeID)
		t.refresh(frontend.ScopeMatter)
	case matter.EventDecommissioned:
		t.adv.Stop(storeID)
		t.logger.Info("server node decommissioned", "storeId", storeID)
		t.refresh(frontend.ScopeMatter)
	case matter.EventFabricsChanged:
		t.refresh(frontend.ScopeFabrics)
	case matter.EventSessionOpened, matter.EventSessionClosed, matter.EventSubscriptionsChanged:
		t.refresh(frontend.ScopeSessions)
	}
}

func (t *Topology) refresh(scope frontend.Scope) {
	if t.frontend != nil {
		t.frontend.RefreshRequired(scope)
	}
}

// newAggregator builds an aggregator that also serves the reachable
// attribute, so the reachability wave has somewhere to land.
func newAggregator(id string) *matter.Endpoint {
	return matter.NewEndpoint(matter.EndpointConfig{
		ID:         id,
		DeviceType: matter.DeviceTypeAggregator,
		Clusters: map[matter.ClusterID][]matter.AttributeID{
			matter.ClusterBasicInformation: {matter.AttributeReachable},
		},
	})
}

// aggregatorID is the endpoint ID of every aggregator; it only needs to be
// unique within its node.
const aggregatorID = "aggregator"

// BuildBridge creates the shared bridge-mode server node, its aggregator
// and the virtual devices. The node is not started; StartNodes does that
// once every plugin is up. Calling it again is a no-op.
func (t *Topology) BuildBridge(ctx context.Context) error {
	if t.mode != ModeBridge {
		return fmt.Errorf("topology: mode %q has no shared bridge node", t.mode)
	}

	t.mu.Lock()
	built := t.bridgeNode != nil
	t.mu.Unlock()
	if built {
		return nil
	}

	node, err := t.newNode(ctx, nodeSpec{
		storeID:               BridgeStoreID,
		deviceName:            t.identity.DeviceName,
		deviceType:            t.identity.DeviceType,
		vendorID:              t.identity.VendorID,
		vendorName:            t.identity.VendorName,
		productID:             t.identity.ProductID,
		productName:           t.identity.ProductName,
		serialNumber:          t.identity.SerialNumber,
		uniqueID:              t.identity.UniqueID,
		softwareVersion:       t.identity.SoftwareVersion,
		softwareVersionString: t.identity.SoftwareVersionString,
		hardwareVersion:       t.identity.HardwareVersion,
		hardwareVersionString: t.identity.HardwareVersionString,
	})
	if err != nil {
		return err
	}

	agg := newAggregator(aggregatorID)
	if err := node.Add(agg); err != nil {
		return fmt.Errorf("topology: adding bridge aggregator: %w", err)
	}
	if err := t.attachVirtualDevices(agg); err != nil {
		return err
	}

	t.mu.Lock()
	t.bridgeNode = node
	t.bridgeAggregator = agg
	t.mu.Unlock()
	return nil
}

// PreparePlugin pre-creates a plugin's server node in childbridge mode.
// Dynamic platforms get their node and aggregator before their devices
// arrive; accessory platforms create theirs lazily on the first add.
func (t *Topology) PreparePlugin(ctx context.Context, name string) error {
	if t.mode != ModeChildBridge {
		return fmt.Errorf("topology: mode %q has no per-plugin nodes", t.mode)
	}
	_, err := t.ensurePluginNode(ctx, name)
	return err
}

// pluginSlot returns the bookkeeping slot of one plugin, creating it on
// first use.
func (t *Topology) pluginSlot(name string) *pluginNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	pn, ok := t.plugins[name]
	if !ok {
		pn = &pluginNode{}
		t.plugins[name] = pn
	}
	return pn
}

// ensurePluginNode creates the per-plugin server node on first use. The
// plugin's slot mutex is held across creation, so a concurrent add blocks
// until the node and its aggregator have parts.
func (t *Topology) ensurePluginNode(ctx context.Context, name string) (*pluginNode, error) {
	pn := t.pluginSlot(name)

	pn.mu.Lock()
	defer pn.mu.Unlock()
	if pn.node != nil {
		return pn, nil
	}

	ptype := plugins.TypeDynamic
	if t.pluginType != nil {
		if known, ok := t.pluginType(name); ok {
			ptype = known
		}
	}

	node, err := t.newNode(ctx, nodeSpec{
		storeID:               name,
		plugin:                name,
		deviceName:            name,
		vendorID:              t.identity.VendorID,
		vendorName:            t.identity.VendorName,
		productID:             t.identity.ProductID,
		productName:           name,
		softwareVersion:       t.identity.SoftwareVersion,
		softwareVersionString: t.identity.SoftwareVersionString,
		hardwareVersion:       t.identity.HardwareVersion,
		hardwareVersionString: t.identity.HardwareVersionString,
	})
	if err != nil {
		return nil, err
	}

	if ptype == plugins.TypeDynamic {
		agg := newAggregator(aggregatorID)
		if err := node.Add(agg); err != nil {
			return nil, fmt.Errorf("topology: adding aggregator for plugin %q: %w", name, err)
		}
		if err := t.attachVirtualDevices(agg); err != nil {
			return nil, err
		}
		pn.aggregator = agg
	}
	pn.node = node

	if t.startedNow() {
		if err := node.Start(ctx); err != nil {
			return nil, err
		}
	}
	return pn, nil
}

func (t *Topology) startedNow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// StartNodes brings every created server node online. Called once at the
// fail-stop barrier, after all plugins reached started.
func (t *Topology) StartNodes(ctx context.Context) error {
	defer metrics.MeasureSince([]string{"matterbridge", "topology", "start_nodes"}, time.Now())

	t.mu.Lock()
	t.started = true
	nodes := append([]*matter.ServerNode(nil), t.nodes...)
	t.mu.Unlock()

	var mErr multierror.Error
	for _, node := range nodes {
		if node.IsOnline() {
			continue
		}
		if err := node.Start(ctx); err != nil {
			t.logger.Error("failed to start server node", "storeId", node.StoreID(), "error", err)
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// StopNodes closes every server node. Each close is bounded by a watchdog;
// a node exceeding it is logged and abandoned so shutdown keeps moving.
func (t *Topology) StopNodes(ctx context.Context) error {
	defer metrics.MeasureSince([]string{"matterbridge", "topology", "stop_nodes"}, time.Now())

	t.mu.Lock()
	nodes := append([]*matter.ServerNode(nil), t.nodes...)
	t.mu.Unlock()

	var mErr multierror.Error
	for _, node := range nodes {
		if err := t.closeNode(ctx, node); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

func (t *Topology) closeNode(ctx context.Context, node *matter.ServerNode) error {
	cctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	err := node.Close(cctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, matter.ErrCloseTimeout):
		t.logger.Warn("server node close timed out, continuing shutdown", "storeId", node.StoreID())
		return nil
	default:
		t.logger.Error("failed to close server node", "storeId", node.StoreID(), "error", err)
		return err
	}
}

// SetAggregatorReachability flips the reachable attribute on every
// aggregator, and on the root of accessory nodes that host their device
// directly. Driven by the reachability wave after node start.
func (t *Topology) SetAggregatorReachability(reachable bool) {
	t.mu.Lock()
	var targets []*matter.Endpoint
	if t.bridgeAggregator != nil {
		targets = append(targets, t.bridgeAggregator)
	}
	slots := make([]*pluginNode, 0, len(t.plugins))
	for _, pn := range t.plugins {
		slots = append(slots, pn)
	}
	t.mu.Unlock()

	for _, pn := range slots {
		if ep := pn.reachabilityTarget(); ep != nil {
			targets = append(targets, ep)
		}
	}

	for _, ep := range targets {
		if err := ep.SetAttribute(matter.ClusterBasicInformation, matter.AttributeReachable, reachable); err != nil {
			t.logger.Warn("failed to set aggregator reachability", "endpoint", ep.ID(), "error", err)
		}
	}
	t.logger.Debug("aggregator reachability set", "reachable", reachable, "aggregators", len(targets))
}

// SetPluginReachability flips the reachable attribute of one plugin's
// aggregator, or its node root for accessory plugins. Returns false when
// the plugin has no server node yet.
func (t *Topology) SetPluginReachability(name string, reachable bool) bool {
	t.mu.Lock()
	pn, ok := t.plugins[name]
	t.mu.Unlock()
	if !ok {
		return false
	}

	ep := pn.reachabilityTarget()
	if ep == nil {
		return false
	}
	if err := ep.SetAttribute(matter.ClusterBasicInformation, matter.AttributeReachable, reachable); err != nil {
		t.logger.Warn("failed to set plugin reachability", "plugin", name, "error", err)
		return false
	}
	t.logger.Debug("plugin reachability set", "plugin", name, "reachable", reachable)
	return true
}

// reachabilityTarget picks the endpoint carrying the slot's reachable
// attribute: the aggregator when one exists, the node root otherwise.
func (pn *pluginNode) reachabilityTarget() *matter.Endpoint {
	pn.mu.Lock()
	defer pn.mu.Unlock()
	switch {
	case pn.aggregator != nil:
		return pn.aggregator
	case pn.node != nil:
		return pn.node.Root()
	}
	return nil
}

// Advertising reports whether the node backing storeID is inside its
// commissioning announcement window.
func (t *Topology) Advertising(storeID string) bool {
	return t.adv.Active(storeID)
}

// AdvertisingSince returns when storeID opened its window.
func (t *Topology) AdvertisingSince(storeID string) (time.Time, bool) {
	return t.adv.StartedAt(storeID)
}

// Node looks a server node up by store ID.
func (t *Topology) Node(storeID string) (*matter.ServerNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.byStoreID[storeID]
	return node, ok
}

// Nodes returns every server node in creation order.
func (t *Topology) Nodes() []*matter.ServerNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*matter.ServerNode(nil), t.nodes...)
}

// BridgeNode returns the shared bridge-mode node, nil before BuildBridge.
func (t *Topology) BridgeNode() *matter.ServerNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bridgeNode
}

// PluginNode returns a plugin's server node in childbridge mode.
func (t *Topology) PluginNode(name string) (*matter.ServerNode, bool) {
	t.mu.Lock()
	pn, ok := t.plugins[name]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	pn.mu.Lock()
	defer pn.mu.Unlock()
	if pn.node == nil {
		return nil, false
	}
	return pn.node, true
}

// Close stops every node and ends the event pumps.
func (t *Topology) Close(ctx context.Context) error {
	err := t.StopNodes(ctx)

	t.mu.Lock()
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	t.wg.Wait()
	return err
}
