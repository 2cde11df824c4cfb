// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/matterbridge/matterbridged/storage"
)

// ErrCloseTimeout is returned by Close when the node could not wind down
// within the caller's deadline. Cleanup treats it as non fatal.
var ErrCloseTimeout = errors.New("matter: server node close timed out")

// NodeState is the lifecycle state of a server node.
type NodeState uint8

const (
	NodeCreated NodeState = iota
	NodeOnline
	NodeOffline
	NodeClosed
)

func (s NodeState) String() string {
	switch s {
	case NodeCreated:
		return "created"
	case NodeOnline:
		return "online"
	case NodeOffline:
		return "offline"
	case NodeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WindowStatus mirrors the administrator commissioning cluster's window
// state.
type WindowStatus uint8

const (
	WindowClosed WindowStatus = iota
	WindowOpenBasic
	WindowOpenEnhanced
)

func (w WindowStatus) String() string {
	switch w {
	case WindowClosed:
		return "closed"
	case WindowOpenBasic:
		return "basic"
	case WindowOpenEnhanced:
		return "enhanced"
	default:
		return "unknown"
	}
}

// Fabric is a trust domain a controller established at commissioning.
type Fabric struct {
	Index    uint8    `json:"index"`
	ID       uint64   `json:"id"`
	Label    string   `json:"label"`
	VendorID VendorID `json:"vendorId"`
}

// Session is an operative secure channel within a fabric.
type Session struct {
	Name          string `json:"name"`
	FabricIndex   uint8  `json:"fabricIndex"`
	PeerNodeID    uint64 `json:"peerNodeId"`
	Subscriptions int    `json:"subscriptions"`
}

// Certification is the optional device attestation bundle loaded from the
// pairing file.
type Certification struct {
	PrivateKey              []byte
	Certificate             []byte
	IntermediateCertificate []byte
	Declaration             []byte
}

// Size limits applied to identity strings before persistence.
const (
	maxSerialLen      = 32
	maxProductNameLen = 32
	maxVendorNameLen  = 32
	maxSoftwareVerLen = 64
)

// NodeConfig describes a server node identity.
type NodeConfig struct {
	// StoreID is the unique storage namespace of the node.
	StoreID string

	// DeviceName is the label controllers show for the node.
	DeviceName string

	// DeviceType is the advertised product device type. Defaults to the
	// aggregator type.
	DeviceType DeviceTypeID

	Port          uint16
	Passcode      uint32
	Discriminator uint16

	VendorID    VendorID
	VendorName  string
	ProductID   ProductID
	ProductName string

	SerialNumber string
	UniqueID     string

	SoftwareVersion       uint32
	SoftwareVersionString string
	HardwareVersion       uint16
	HardwareVersionString string

	// Certification optionally carries the device attestation bundle.
	Certification *Certification

	Logger hclog.Logger
}

// ServerNode is one commissionable Matter identity: a root endpoint tree
// bound to a port, passcode and discriminator, persisting into its own
// storage context and emitting lifecycle events.
type ServerNode struct {
	cfg     NodeConfig
	logger  hclog.Logger
	storage *StorageContext
	pairing PairingCodes
	events  *nodeEvents

	mu           sync.Mutex
	state        NodeState
	commissioned bool
	window       WindowStatus
	fabrics      map[uint8]*Fabric
	sessions     map[string]*Session
	root         *Endpoint
	nextNumber   EndpointNumber
	closers      []func(context.Context) error
}

// NewServerNode builds a server node over its storage context and persists
// its identity. The node starts in the created state; Start brings it
// online.
func NewServerNode(sc *StorageContext, cfg NodeConfig) (*ServerNode, error) {
	if cfg.StoreID == "" {
		return nil, errors.New("matter: node requires a store ID")
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("matter: node %q requires a port", cfg.StoreID)
	}
	if !ValidPasscode(cfg.Passcode) {
		return nil, fmt.Errorf("matter: node %q passcode %d is not commissionable", cfg.StoreID, cfg.Passcode)
	}
	if !ValidDiscriminator(cfg.Discriminator) {
		return nil, fmt.Errorf("matter: node %q discriminator %d exceeds 12 bits", cfg.StoreID, cfg.Discriminator)
	}
	if cfg.DeviceType == 0 {
		cfg.DeviceType = DeviceTypeAggregator
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = cfg.StoreID
	}

	cfg.SerialNumber = truncate(cfg.SerialNumber, maxSerialLen)
	cfg.ProductName = truncate(cfg.ProductName, maxProductNameLen)
	cfg.VendorName = truncate(cfg.VendorName, maxVendorNameLen)
	cfg.SoftwareVersionString = truncate(cfg.SoftwareVersionString, maxSoftwareVerLen)

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	n := &ServerNode{
		cfg:      cfg,
		logger:   logger.Named("node").With("storeId", cfg.StoreID),
		storage:  sc,
		events:   newNodeEvents(),
		state:    NodeCreated,
		window:   WindowClosed,
		fabrics:  make(map[uint8]*Fabric),
		sessions: make(map[string]*Session),
	}
	n.pairing = PairingCodes{
		QRPairingCode:     QRPairingCode(cfg.VendorID, cfg.ProductID, cfg.Passcode, cfg.Discriminator),
		ManualPairingCode: ManualPairingCode(cfg.Passcode, cfg.Discriminator),
	}

	n.root = NewEndpoint(EndpointConfig{ID: cfg.StoreID, DeviceType: DeviceTypeRootNode})
	n.root.node = n
	n.root.number = 0

	if err := n.restoreState(); err != nil {
		return nil, err
	}
	if err := n.persistIdentity(); err != nil {
		return nil, err
	}

	return n, nil
}

// restoreState reloads endpoint numbering and commissioned fabrics from the
// storage context so identities stay stable across restarts.
func (n *ServerNode) restoreState() error {
	next, err := storage.GetDefault(n.storage.Root(), "nextNumber", uint16(1))
	if err != nil {
		return err
	}
	n.nextNumber = EndpointNumber(next)

	keys, err := n.storage.Fabrics().Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		fabric, err := storage.Get[Fabric](n.storage.Fabrics(), key)
		if err != nil {
			return err
		}
		f := fabric
		n.fabrics[f.Index] = &f
	}
	n.commissioned = len(n.fabrics) > 0
	return nil
}

func (n *ServerNode) persistIdentity() error {
	persist := n.storage.Persist()
	pairs := map[string]any{
		"storeId":               n.cfg.StoreID,
		"deviceName":            n.cfg.DeviceName,
		"deviceType":            uint32(n.cfg.DeviceType),
		"vendorId":              uint16(n.cfg.VendorID),
		"vendorName":            n.cfg.VendorName,
		"productId":             uint16(n.cfg.ProductID),
		"productName":           n.cfg.ProductName,
		"serialNumber":          n.cfg.SerialNumber,
		"uniqueId":              n.cfg.UniqueID,
		"softwareVersion":       n.cfg.SoftwareVersion,
		"softwareVersionString": n.cfg.SoftwareVersionString,
		"hardwareVersion":       n.cfg.HardwareVersion,
		"hardwareVersionString": n.cfg.HardwareVersionString,
		"qrPairingCode":         n.pairing.QRPairingCode,
		"manualPairingCode":     n.pairing.ManualPairingCode,
	}
	for key, value := range pairs {
		if err := storage.Set(persist, key, value); err != nil {
			return fmt.Errorf("failed to persist node identity %q: %w", key, err)
		}
	}
	return nil
}

// StoreID returns the node's storage namespace.
func (n *ServerNode) StoreID() string { return n.cfg.StoreID }

// DeviceName returns the node label.
func (n *ServerNode) DeviceName() string { return n.cfg.DeviceName }

// Port returns the node's UDP port.
func (n *ServerNode) Port() uint16 { return n.cfg.Port }

// Passcode returns the commissioning passcode.
func (n *ServerNode) Passcode() uint32 { return n.cfg.Passcode }

// Discriminator returns the commissioning discriminator.
func (n *ServerNode) Discriminator() uint16 { return n.cfg.Discriminator }

// SerialNumber returns the truncated serial number.
func (n *ServerNode) SerialNumber() string { return n.cfg.SerialNumber }

// UniqueID returns the node's unique identifier.
func (n *ServerNode) UniqueID() string { return n.cfg.UniqueID }

// PairingCodes returns the onboarding codes.
func (n *ServerNode) PairingCodes() PairingCodes { return n.pairing }

// Root returns the root endpoint.
func (n *ServerNode) Root() *Endpoint { return n.root }

// Storage returns the node's storage context.
func (n *ServerNode) Storage() *StorageContext { return n.storage }

// Subscribe registers a lifecycle event channel with the given buffer.
func (n *ServerNode) Subscribe(buffer int) (<-chan Event, func()) {
	return n.events.subscribe(buffer)
}

// RegisterCloser adds a hook run during Close, before the event stream shuts
// down. Closers run in reverse registration order.
func (n *ServerNode) RegisterCloser(fn func(context.Context) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closers = append(n.closers, fn)
}

// Add attaches an endpoint directly under the root. Aggregators and single
// accessory devices both enter the tree this way.
func (n *ServerNode) Add(e *Endpoint) error {
	return n.root.AddChild(e)
}

// HasParts reports whether any endpoint is attached under the root.
func (n *ServerNode) HasParts() bool {
	return len(n.root.Children()) > 0
}

// attach numbers the endpoint subtree and binds it to the node. Endpoint
// numbers are persisted so controllers see stable numbering across restarts.
func (n *ServerNode) attach(e *Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NodeClosed {
		return fmt.Errorf("matter: node %q is closed", n.cfg.StoreID)
	}

	var attachErr error
	e.walk(func(ep *Endpoint) {
		if attachErr != nil {
			return
		}
		ep.mu.Lock()
		defer ep.mu.Unlock()
		if ep.number != 0 {
			ep.node = n
			return
		}

		key := "endpoint/" + ep.id
		number, err := storage.GetDefault(n.storage.Root(), key, uint16(0))
		if err != nil {
			attachErr = err
			return
		}
		if number == 0 {
			number = uint16(n.nextNumber)
			n.nextNumber++
			if err := storage.Set(n.storage.Root(), key, number); err != nil {
				attachErr = err
				return
			}
			if err := storage.Set(n.storage.Root(), "nextNumber", uint16(n.nextNumber)); err != nil {
				attachErr = err
				return
			}
		} else if EndpointNumber(number) >= n.nextNumber {
			n.nextNumber = EndpointNumber(number) + 1
		}
		ep.number = EndpointNumber(number)
		ep.node = n
	})
	if attachErr != nil {
		return fmt.Errorf("matter: failed to attach endpoint %q: %w", e.id, attachErr)
	}

	n.logger.Debug("endpoint attached", "endpoint", e.id, "number", e.number)
	return nil
}

// Start brings the node online. An uncommissioned node opens its basic
// commissioning window and starts advertising; a commissioned one resumes
// silently. Starting an online node is a no-op.
func (n *ServerNode) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	switch n.state {
	case NodeClosed:
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q is closed", n.cfg.StoreID)
	case NodeOnline:
		n.mu.Unlock()
		return nil
	}
	n.state = NodeOnline
	if !n.commissioned {
		n.window = WindowOpenBasic
	}
	n.mu.Unlock()

	n.logger.Info("server node online",
		"port", n.cfg.Port, "commissioned", n.IsCommissioned())
	n.emit(Event{Type: EventOnline})
	return nil
}

// Stop takes the node offline without tearing it down. Start may be called
// again afterwards.
func (n *ServerNode) Stop() {
	n.mu.Lock()
	if n.state != NodeOnline {
		n.mu.Unlock()
		return
	}
	n.state = NodeOffline
	n.window = WindowClosed
	n.mu.Unlock()

	n.logger.Info("server node offline")
	n.emit(Event{Type: EventOffline})
}

// Close takes the node offline, runs registered closers and shuts the event
// stream down. The context bounds the total close time; on expiry the node
// is still marked closed and ErrCloseTimeout is returned.
func (n *ServerNode) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.state == NodeClosed {
		n.mu.Unlock()
		return nil
	}
	wasOnline := n.state == NodeOnline
	n.state = NodeClosed
	n.window = WindowClosed
	closers := append([]func(context.Context) error(nil), n.closers...)
	n.closers = nil
	n.mu.Unlock()

	if wasOnline {
		n.logger.Info("server node offline")
		n.emit(Event{Type: EventOffline})
	}

	var mErr multierror.Error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil {
				mErr.Errors = append(mErr.Errors, err)
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n.events.close()
		return fmt.Errorf("%w: %q", ErrCloseTimeout, n.cfg.StoreID)
	}

	n.events.close()
	return mErr.ErrorOrNil()
}

// Commission records a fabric created by a controller's commissioning flow.
func (n *ServerNode) Commission(f Fabric) error {
	n.mu.Lock()
	if n.state == NodeClosed {
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q is closed", n.cfg.StoreID)
	}
	if _, exists := n.fabrics[f.Index]; exists {
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q already carries fabric %d", n.cfg.StoreID, f.Index)
	}
	n.mu.Unlock()

	if err := storage.Set(n.storage.Fabrics(), fabricKey(f.Index), f); err != nil {
		return err
	}

	n.mu.Lock()
	fc := f
	n.fabrics[f.Index] = &fc
	first := !n.commissioned
	n.commissioned = true
	n.window = WindowClosed
	n.mu.Unlock()

	n.logger.Info("node commissioned", "fabric", f.Index, "label", f.Label)
	if first {
		n.emit(Event{Type: EventCommissioned, Fabric: &fc})
	}
	n.emit(Event{Type: EventFabricsChanged, Fabric: &fc})
	return nil
}

// Decommission removes a fabric. Removing the last one returns the node to
// the uncommissioned state and reopens the commissioning window if online.
func (n *ServerNode) Decommission(index uint8) error {
	n.mu.Lock()
	if _, ok := n.fabrics[index]; !ok {
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q has no fabric %d", n.cfg.StoreID, index)
	}
	n.mu.Unlock()

	if err := n.storage.Fabrics().Remove(fabricKey(index)); err != nil {
		return err
	}

	n.mu.Lock()
	fabric, ok := n.fabrics[index]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	delete(n.fabrics, index)
	last := len(n.fabrics) == 0
	if last {
		n.commissioned = false
		if n.state == NodeOnline {
			n.window = WindowOpenBasic
		}
	}
	remaining := len(n.fabrics)
	n.mu.Unlock()

	n.logger.Info("fabric removed", "fabric", index, "remaining", remaining)
	n.emit(Event{Type: EventFabricsChanged, Fabric: fabric})
	if last {
		n.emit(Event{Type: EventDecommissioned, Fabric: fabric})
	}
	return nil
}

// OpenSession records a controller session.
func (n *ServerNode) OpenSession(s Session) error {
	n.mu.Lock()
	if n.state != NodeOnline {
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q is not online", n.cfg.StoreID)
	}
	sc := s
	n.sessions[s.Name] = &sc
	n.mu.Unlock()

	if err := storage.Set(n.storage.Sessions(), s.Name, s); err != nil {
		return err
	}
	n.emit(Event{Type: EventSessionOpened, Session: &sc})
	return nil
}

// CloseSession drops a controller session.
func (n *ServerNode) CloseSession(name string) error {
	n.mu.Lock()
	session, ok := n.sessions[name]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q has no session %q", n.cfg.StoreID, name)
	}
	delete(n.sessions, name)
	n.mu.Unlock()

	if err := n.storage.Sessions().Remove(name); err != nil {
		return err
	}
	n.emit(Event{Type: EventSessionClosed, Session: session})
	return nil
}

// SetSubscriptions updates a session's subscription count.
func (n *ServerNode) SetSubscriptions(name string, count int) error {
	n.mu.Lock()
	session, ok := n.sessions[name]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("matter: node %q has no session %q", n.cfg.StoreID, name)
	}
	session.Subscriptions = count
	sc := *session
	n.mu.Unlock()

	n.emit(Event{Type: EventSubscriptionsChanged, Session: &sc})
	return nil
}

// IsOnline reports whether the node is online.
func (n *ServerNode) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == NodeOnline
}

// IsCommissioned reports whether at least one fabric is present.
func (n *ServerNode) IsCommissioned() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commissioned
}

// State returns the lifecycle state.
func (n *ServerNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// WindowStatus returns the commissioning window state.
func (n *ServerNode) WindowStatus() WindowStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.window
}

// Fabrics returns the commissioned fabrics ordered by index.
func (n *ServerNode) Fabrics() []Fabric {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Fabric, 0, len(n.fabrics))
	for _, f := range n.fabrics {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Sessions returns the open sessions ordered by name.
func (n *ServerNode) Sessions() []Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (n *ServerNode) emit(ev Event) {
	ev.StoreID = n.cfg.StoreID
	ev.Time = time.Now()
	n.events.publish(ev)
}

func fabricKey(index uint8) string {
	return "fabric/" + strconv.Itoa(int(index))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
