// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/helper/testlog"
	"github.com/matterbridge/matterbridged/storage"
	"github.com/shoenig/test/must"
)

func testStorageService(t *testing.T) *StorageService {
	t.Helper()
	root := t.TempDir()
	svc, err := NewStorageService(&StorageServiceConfig{
		Dir:       filepath.Join(root, "matterstorage"),
		BackupDir: filepath.Join(root, "matterstorage.backup"),
		Logger:    testlog.HCLogger(t),
	})
	must.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func testNodeConfig(storeID string) NodeConfig {
	return NodeConfig{
		StoreID:       storeID,
		DeviceName:    "Matterbridge",
		Port:          5540,
		Passcode:      20202021,
		Discriminator: 3840,
		VendorID:      0xFFF1,
		VendorName:    "Matterbridge",
		ProductID:     0x8000,
		ProductName:   "Matterbridge aggregator",
		SerialNumber:  "0x123456789",
		UniqueID:      "0fcba1234567890a",
	}
}

func drainEvent(t *testing.T, ch <-chan Event, expect EventType) Event {
	t.Helper()
	select {
	case ev := <-ch:
		must.Eq(t, expect, ev.Type)
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s event", expect)
		return Event{}
	}
}

func TestServerNode_Validation(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)

	cases := []struct {
		name   string
		mutate func(*NodeConfig)
	}{
		{"missing store id", func(c *NodeConfig) { c.StoreID = "" }},
		{"missing port", func(c *NodeConfig) { c.Port = 0 }},
		{"forbidden passcode", func(c *NodeConfig) { c.Passcode = 11111111 }},
		{"wide discriminator", func(c *NodeConfig) { c.Discriminator = 4096 }},
	}
	for _, tc := range cases {
		cfg := testNodeConfig("Matterbridge")
		tc.mutate(&cfg)
		_, err := NewServerNode(svc.Open(cfg.StoreID), cfg)
		must.Error(t, err, must.Sprintf("case %q", tc.name))
	}
}

func TestServerNode_IdentityPersisted(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	cfg := testNodeConfig("Matterbridge")
	cfg.SerialNumber = strings.Repeat("s", 40)
	cfg.VendorName = strings.Repeat("v", 40)
	cfg.ProductName = strings.Repeat("p", 40)
	cfg.SoftwareVersionString = strings.Repeat("1.2.3-", 20)

	node, err := NewServerNode(svc.Open("Matterbridge"), cfg)
	must.NoError(t, err)

	// Identity strings are truncated before persistence.
	must.Eq(t, 32, len(node.SerialNumber()))

	persist := svc.Open("Matterbridge").Persist()

	deviceName, err := storage.Get[string](persist, "deviceName")
	must.NoError(t, err)
	must.Eq(t, "Matterbridge", deviceName)

	serial, err := storage.Get[string](persist, "serialNumber")
	must.NoError(t, err)
	must.Eq(t, strings.Repeat("s", 32), serial)

	vendorName, err := storage.Get[string](persist, "vendorName")
	must.NoError(t, err)
	must.Eq(t, 32, len(vendorName))

	productName, err := storage.Get[string](persist, "productName")
	must.NoError(t, err)
	must.Eq(t, 32, len(productName))

	softwareVer, err := storage.Get[string](persist, "softwareVersionString")
	must.NoError(t, err)
	must.Eq(t, 64, len(softwareVer))

	manual, err := storage.Get[string](persist, "manualPairingCode")
	must.NoError(t, err)
	must.Eq(t, "34970112332", manual)

	qr, err := storage.Get[string](persist, "qrPairingCode")
	must.NoError(t, err)
	must.Eq(t, node.PairingCodes().QRPairingCode, qr)
}

func TestServerNode_Lifecycle(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)

	events, cancel := node.Subscribe(16)
	defer cancel()

	must.Eq(t, NodeCreated, node.State())
	must.Eq(t, WindowClosed, node.WindowStatus())

	must.NoError(t, node.Start(context.Background()))
	drainEvent(t, events, EventOnline)
	must.True(t, node.IsOnline())
	must.False(t, node.IsCommissioned())
	must.Eq(t, WindowOpenBasic, node.WindowStatus())

	// Starting an online node changes nothing.
	must.NoError(t, node.Start(context.Background()))

	fabric := Fabric{Index: 1, ID: 0x1122334455667788, Label: "Apple Home", VendorID: 0x1349}
	must.NoError(t, node.Commission(fabric))
	drainEvent(t, events, EventCommissioned)
	drainEvent(t, events, EventFabricsChanged)
	must.True(t, node.IsCommissioned())
	must.Eq(t, WindowClosed, node.WindowStatus())
	must.Eq(t, []Fabric{fabric}, node.Fabrics())

	// A second fabric does not re-fire commissioned.
	second := Fabric{Index: 2, ID: 0x8877665544332211, Label: "Home Assistant", VendorID: 0x1384}
	must.NoError(t, node.Commission(second))
	drainEvent(t, events, EventFabricsChanged)

	must.NoError(t, node.Decommission(2))
	drainEvent(t, events, EventFabricsChanged)
	must.True(t, node.IsCommissioned())

	must.NoError(t, node.Decommission(1))
	drainEvent(t, events, EventFabricsChanged)
	drainEvent(t, events, EventDecommissioned)
	must.False(t, node.IsCommissioned())
	must.Eq(t, WindowOpenBasic, node.WindowStatus())

	must.NoError(t, node.Close(context.Background()))
	drainEvent(t, events, EventOffline)
	must.Eq(t, NodeClosed, node.State())

	// Close is idempotent and start after close fails.
	must.NoError(t, node.Close(context.Background()))
	must.Error(t, node.Start(context.Background()))
}

func TestServerNode_CommissionedAcrossRestart(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)

	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)
	must.NoError(t, node.Start(context.Background()))
	must.NoError(t, node.Commission(Fabric{Index: 1, ID: 42, Label: "Google Home", VendorID: 0x6006}))
	must.NoError(t, node.Close(context.Background()))

	// A new node over the same storage context resumes commissioned.
	node, err = NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)
	must.True(t, node.IsCommissioned())
	must.Len(t, 1, node.Fabrics())

	must.NoError(t, node.Start(context.Background()))
	must.Eq(t, WindowClosed, node.WindowStatus())
}

func TestServerNode_EndpointNumbering(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)

	must.False(t, node.HasParts())

	aggregator := NewAggregator("Matterbridge-aggregator")
	must.NoError(t, node.Add(aggregator))
	must.True(t, node.HasParts())
	must.Eq(t, EndpointNumber(1), aggregator.Number())

	light := NewEndpoint(EndpointConfig{ID: "plugin/light-1", DeviceType: DeviceTypeOnOffLight})
	must.NoError(t, aggregator.AddChild(light))
	must.Eq(t, EndpointNumber(2), light.Number())

	outlet := NewEndpoint(EndpointConfig{ID: "plugin/outlet-1", DeviceType: DeviceTypeOnOffPlugInUnit})
	must.NoError(t, aggregator.AddChild(outlet))
	must.Eq(t, EndpointNumber(3), outlet.Number())

	must.NoError(t, node.Close(context.Background()))

	// Same identities resolve to the same numbers after a restart.
	node, err = NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)

	aggregator = NewAggregator("Matterbridge-aggregator")
	must.NoError(t, node.Add(aggregator))
	light = NewEndpoint(EndpointConfig{ID: "plugin/light-1", DeviceType: DeviceTypeOnOffLight})
	must.NoError(t, aggregator.AddChild(light))

	must.Eq(t, EndpointNumber(1), aggregator.Number())
	must.Eq(t, EndpointNumber(2), light.Number())

	// A brand new identity continues after the persisted high water mark.
	sensor := NewEndpoint(EndpointConfig{ID: "plugin/sensor-1", DeviceType: DeviceTypeTemperatureSensor})
	must.NoError(t, aggregator.AddChild(sensor))
	must.Eq(t, EndpointNumber(4), sensor.Number())
}

func TestServerNode_ComposedEndpointNumbering(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)

	aggregator := NewAggregator("agg")

	// Compose a parent endpoint with a child before attaching anything.
	vacuum := NewEndpoint(EndpointConfig{ID: "plugin/vacuum", DeviceType: DeviceTypeRoboticVacuum})
	area := NewEndpoint(EndpointConfig{ID: "plugin/vacuum/area", DeviceType: DeviceTypeContactSensor})
	must.NoError(t, vacuum.AddChild(area))

	must.NoError(t, node.Add(aggregator))
	must.NoError(t, aggregator.AddChild(vacuum))

	must.Eq(t, EndpointNumber(1), aggregator.Number())
	must.Eq(t, EndpointNumber(2), vacuum.Number())
	must.Eq(t, EndpointNumber(3), area.Number())
}

func TestServerNode_CloseTimeout(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)
	must.NoError(t, node.Start(context.Background()))

	release := make(chan struct{})
	node.RegisterCloser(func(ctx context.Context) error {
		<-release
		return nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = node.Close(ctx)
	must.ErrorIs(t, err, ErrCloseTimeout)
	must.Eq(t, NodeClosed, node.State())
}

func TestServerNode_Sessions(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)

	events, cancel := node.Subscribe(16)
	defer cancel()

	// Sessions require an online node.
	must.Error(t, node.OpenSession(Session{Name: "secure/1"}))

	must.NoError(t, node.Start(context.Background()))
	drainEvent(t, events, EventOnline)

	session := Session{Name: "secure/1", FabricIndex: 1, PeerNodeID: 77}
	must.NoError(t, node.OpenSession(session))
	ev := drainEvent(t, events, EventSessionOpened)
	must.Eq(t, "secure/1", ev.Session.Name)
	must.Len(t, 1, node.Sessions())

	must.NoError(t, node.SetSubscriptions("secure/1", 3))
	drainEvent(t, events, EventSubscriptionsChanged)
	must.Eq(t, 3, node.Sessions()[0].Subscriptions)

	must.NoError(t, node.CloseSession("secure/1"))
	drainEvent(t, events, EventSessionClosed)
	must.Len(t, 0, node.Sessions())

	must.Error(t, node.CloseSession("secure/1"))
}

func TestEndpoint_Attributes(t *testing.T) {
	ci.Parallel(t)

	light := NewEndpoint(EndpointConfig{ID: "light", DeviceType: DeviceTypeDimmableLight})

	must.True(t, light.HasAttributeServer(ClusterOnOff, AttributeOnOff))
	must.True(t, light.HasAttributeServer(ClusterLevelControl, AttributeCurrentLevel))
	must.False(t, light.HasAttributeServer(ClusterColorControl, AttributeCurrentHue))

	var observed []any
	err := light.SubscribeAttribute(ClusterOnOff, AttributeOnOff, func(v any) {
		observed = append(observed, v)
	})
	must.NoError(t, err)

	must.NoError(t, light.SetAttribute(ClusterOnOff, AttributeOnOff, true))
	must.NoError(t, light.SetAttribute(ClusterOnOff, AttributeOnOff, false))
	must.Eq(t, []any{true, false}, observed)

	v, ok := light.Attribute(ClusterOnOff, AttributeOnOff)
	must.True(t, ok)
	must.Eq(t, false, v)

	// Attributes outside the endpoint's servers are rejected.
	must.Error(t, light.SetAttribute(ClusterDoorLock, AttributeLockState, 1))
	must.Error(t, light.SubscribeAttribute(ClusterDoorLock, AttributeLockState, func(any) {}))
}

func TestEndpoint_Delete(t *testing.T) {
	ci.Parallel(t)

	svc := testStorageService(t)
	node, err := NewServerNode(svc.Open("Matterbridge"), testNodeConfig("Matterbridge"))
	must.NoError(t, err)

	aggregator := NewAggregator("agg")
	must.NoError(t, node.Add(aggregator))

	light := NewEndpoint(EndpointConfig{ID: "light", DeviceType: DeviceTypeOnOffLight})
	must.NoError(t, aggregator.AddChild(light))
	must.Len(t, 1, aggregator.Children())

	light.Delete()
	must.Len(t, 0, aggregator.Children())
	must.True(t, light.Deleted())

	// Deleted endpoints reject children.
	must.Error(t, light.AddChild(NewEndpoint(EndpointConfig{ID: "x", DeviceType: DeviceTypeOnOffLight})))
}
