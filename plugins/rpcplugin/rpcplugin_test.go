// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package rpcplugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/shoenig/test/must"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/helper/testlog"
	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
)

// stubPlatform drives its bridge from lifecycle calls so tests can
// observe the full round trip.
type stubPlatform struct {
	cfg          *plugins.FactoryConfig
	configureOK  bool
	configureErr error
	startErr     error
	blockStart   chan struct{}

	mu      sync.Mutex
	started []string
	stopped []string
}

func (s *stubPlatform) Start(_ context.Context, reason string) error {
	if s.blockStart != nil {
		<-s.blockStart
	}
	s.mu.Lock()
	s.started = append(s.started, reason)
	s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}

	def := &plugins.DeviceDefinition{
		Serial:     "stub-1",
		Name:       "Stub Light",
		DeviceType: matter.DeviceTypeOnOffLight,
		VendorName: "Stub Co",
		Clusters: map[matter.ClusterID][]matter.AttributeID{
			matter.ClusterLevelControl: {matter.AttributeCurrentLevel},
		},
		Children: []*plugins.DeviceDefinition{
			{Serial: "stub-1-temp", Name: "Stub Temp", DeviceType: matter.DeviceTypeTemperatureSensor},
		},
	}
	if err := s.cfg.Bridge.AddBridgedEndpoint(context.Background(), def); err != nil {
		return err
	}
	if err := s.cfg.Bridge.SetAttribute("stub-1", matter.ClusterLevelControl, matter.AttributeCurrentLevel, 42.5); err != nil {
		return err
	}
	return s.cfg.Bridge.SetReachability("stub-1", true)
}

func (s *stubPlatform) Configure(context.Context) (bool, error) {
	return s.configureOK, s.configureErr
}

func (s *stubPlatform) Shutdown(_ context.Context, reason string) error {
	s.mu.Lock()
	s.stopped = append(s.stopped, reason)
	s.mu.Unlock()
	return s.cfg.Bridge.RemoveAllBridgedEndpoints(context.Background())
}

// recordingBridge captures bridge calls on the supervisor side.
type recordingBridge struct {
	mu         sync.Mutex
	added      []*plugins.DeviceDefinition
	removed    []string
	removedAll int
	attrs      []SetAttributeArgs
	reachable  map[string]bool
}

func (r *recordingBridge) AddBridgedEndpoint(_ context.Context, def *plugins.DeviceDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, def)
	return nil
}

func (r *recordingBridge) RemoveBridgedEndpoint(_ context.Context, serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, serial)
	return nil
}

func (r *recordingBridge) RemoveAllBridgedEndpoints(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedAll++
	return nil
}

func (r *recordingBridge) SetAttribute(serial string, cluster matter.ClusterID, attribute matter.AttributeID, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attrs = append(r.attrs, SetAttributeArgs{Serial: serial, Cluster: cluster, Attribute: attribute, Value: value})
	return nil
}

func (r *recordingBridge) SetReachability(serial string, reachable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reachable == nil {
		r.reachable = make(map[string]bool)
	}
	r.reachable[serial] = reachable
	return nil
}

func testPlatformConn(t *testing.T, factory plugins.Factory) *platformClient {
	t.Helper()

	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		PlatformPluginName: &PlatformPlugin{Factory: factory, Logger: testlog.HCLogger(t)},
	}, nil)
	t.Cleanup(func() { _ = client.Close() })

	raw, err := client.Dispense(PlatformPluginName)
	must.NoError(t, err)
	pc, ok := raw.(*platformClient)
	must.True(t, ok)
	return pc
}

func TestPlatformPlugin_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	stub := &stubPlatform{configureOK: true}
	pc := testPlatformConn(t, func(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
		stub.cfg = cfg
		return stub, nil
	})

	bridge := &recordingBridge{}
	ctx := context.Background()
	err := pc.load(ctx, &plugins.FactoryConfig{
		Name:   "matterbridge-stub",
		Bridge: bridge,
		Config: map[string]any{"interval": 5, "debug": true},
	})
	must.NoError(t, err)

	// Config crosses the wire as JSON.
	must.Eq(t, "matterbridge-stub", stub.cfg.Name)
	must.Eq(t, map[string]any{"interval": float64(5), "debug": true}, stub.cfg.Config)

	must.NoError(t, pc.Start(ctx, "supervisor start"))
	must.Eq(t, []string{"supervisor start"}, stub.started)

	bridge.mu.Lock()
	must.Len(t, 1, bridge.added)
	def := bridge.added[0]
	must.Eq(t, "stub-1", def.Serial)
	must.Eq(t, matter.DeviceTypeOnOffLight, def.DeviceType)
	must.Eq(t, []matter.AttributeID{matter.AttributeCurrentLevel}, def.Clusters[matter.ClusterLevelControl])
	must.Len(t, 1, def.Children)
	must.Eq(t, "stub-1-temp", def.Children[0].Serial)
	must.Len(t, 1, bridge.attrs)
	must.Eq(t, 42.5, bridge.attrs[0].Value)
	must.True(t, bridge.reachable["stub-1"])
	bridge.mu.Unlock()

	ok, err := pc.Configure(ctx)
	must.NoError(t, err)
	must.True(t, ok)

	must.NoError(t, pc.Shutdown(ctx, "supervisor stop"))
	must.Eq(t, []string{"supervisor stop"}, stub.stopped)
	bridge.mu.Lock()
	must.Eq(t, 1, bridge.removedAll)
	bridge.mu.Unlock()
}

func TestPlatformPlugin_ConfigureDeclined(t *testing.T) {
	ci.Parallel(t)

	stub := &stubPlatform{configureOK: false}
	pc := testPlatformConn(t, func(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
		stub.cfg = cfg
		return stub, nil
	})
	must.NoError(t, pc.load(context.Background(), &plugins.FactoryConfig{Name: "stub", Bridge: &recordingBridge{}}))

	ok, err := pc.Configure(context.Background())
	must.NoError(t, err)
	must.False(t, ok)
}

func TestPlatformPlugin_ConfigureError(t *testing.T) {
	ci.Parallel(t)

	stub := &stubPlatform{configureErr: errors.New("bad credentials")}
	pc := testPlatformConn(t, func(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
		stub.cfg = cfg
		return stub, nil
	})
	must.NoError(t, pc.load(context.Background(), &plugins.FactoryConfig{Name: "stub", Bridge: &recordingBridge{}}))

	ok, err := pc.Configure(context.Background())
	must.False(t, ok)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "bad credentials")
}

func TestPlatformPlugin_FactoryError(t *testing.T) {
	ci.Parallel(t)

	pc := testPlatformConn(t, func(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
		return nil, errors.New("unsupported firmware")
	})

	err := pc.load(context.Background(), &plugins.FactoryConfig{Name: "stub", Bridge: &recordingBridge{}})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "unsupported firmware")
}

func TestPlatformPlugin_NotLoaded(t *testing.T) {
	ci.Parallel(t)

	pc := testPlatformConn(t, func(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
		return &stubPlatform{cfg: cfg}, nil
	})

	err := pc.Start(context.Background(), "too early")
	must.Error(t, err)
	must.StrContains(t, err.Error(), "not loaded")
}

func TestPlatformPlugin_ContextCancellation(t *testing.T) {
	ci.Parallel(t)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	stub := &stubPlatform{blockStart: block}
	pc := testPlatformConn(t, func(cfg *plugins.FactoryConfig) (plugins.Platform, error) {
		stub.cfg = cfg
		return stub, nil
	})
	must.NoError(t, pc.load(context.Background(), &plugins.FactoryConfig{Name: "stub", Bridge: &recordingBridge{}}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pc.Start(ctx, "blocked")
	must.ErrorIs(t, err, context.DeadlineExceeded)
}
