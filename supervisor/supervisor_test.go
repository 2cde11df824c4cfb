// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/shoenig/test/must"
	"go.uber.org/goleak"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/helper/pointer"
	"github.com/matterbridge/matterbridged/helper/testlog"
	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/plugins/builtin/exampledynamic"
	"github.com/matterbridge/matterbridged/plugins/catalog"
	"github.com/matterbridge/matterbridged/storage"
	"github.com/matterbridge/matterbridged/topology"
)

// Catalog entries scripting startup outcomes the example platforms never
// produce.
const (
	failPluginName = "matterbridge-test-failstart"
	idlePluginName = "matterbridge-test-idle"
)

var testPluginsOnce sync.Once

func setupTestPlugins() {
	testPluginsOnce.Do(func() {
		catalog.Register(&plugins.Manifest{
			Name:        failPluginName,
			Version:     "1.0.0",
			Description: "Accessory platform that refuses to start",
			Author:      "matterbridge",
			Type:        plugins.TypeAccessory,
		}, func(*plugins.FactoryConfig) (plugins.Platform, error) {
			return &scriptedPlatform{startErr: errors.New("refusing to start")}, nil
		})
		catalog.Register(&plugins.Manifest{
			Name:        idlePluginName,
			Version:     "1.0.0",
			Description: "Accessory platform that registers no devices",
			Author:      "matterbridge",
			Type:        plugins.TypeAccessory,
		}, func(*plugins.FactoryConfig) (plugins.Platform, error) {
			return &scriptedPlatform{}, nil
		})
	})
}

type scriptedPlatform struct {
	startErr error
}

func (p *scriptedPlatform) Start(context.Context, string) error { return p.startErr }

func (p *scriptedPlatform) Configure(context.Context) (bool, error) { return true, nil }

func (p *scriptedPlatform) Shutdown(context.Context, string) error { return nil }

func testConfig(t *testing.T) *Config {
	return &Config{
		Logger:        testlog.HCLogger(t),
		HomeDir:       t.TempDir(),
		Mode:          "bridge",
		Port:          pointer.Of(uint16(5540)),
		Passcode:      pointer.Of(uint32(20202021)),
		Discriminator: pointer.Of(uint16(3840)),
	}
}

func newTestSupervisor(t *testing.T, c *Config) *Supervisor {
	t.Helper()
	s, err := New(c)
	must.NoError(t, err)

	// pace the startup barrier and the shutdown grace for test speed;
	// the waves keep their defaults unless a test arms them
	s.pollInterval = 10 * time.Millisecond
	s.gracePeriod = 20 * time.Millisecond

	t.Cleanup(func() {
		if s.State() != StateTerminated {
			_ = s.Cleanup(context.Background(), MessageShutdown)
		}
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitForEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event feed closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %s", kind)
		}
	}
}

func waitForSnackbar(t *testing.T, events <-chan frontend.Event, message string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("frontend feed closed while waiting for snackbar %q", message)
			}
			if ev.Topic != frontend.TopicSnackbar {
				continue
			}
			if sb, ok := ev.Payload.(*frontend.Snackbar); ok && sb.Message == message {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for snackbar %q", message)
		}
	}
}

func mustExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

// TestSupervisor_FreshBridgeStart walks the whole lifecycle on an empty
// home directory. Deliberately not parallel: it verifies no goroutines
// outlive the supervisor.
func TestSupervisor_FreshBridgeStart(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		// the commissioning announcement cache's janitor has no stop hook
		goleak.IgnoreTopFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"),
	)

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))

	must.NoError(t, s.Initialize(ctx))
	must.Eq(t, StateInitializing, s.State())
	must.Eq(t, topology.ModeBridge, s.Mode())

	// stores and their backups exist before any node runs
	dirs := s.Dirs()
	mustExist(t, filepath.Join(dirs.Storage, "supervisor.db"))
	mustExist(t, filepath.Join(dirs.StorageBackup, "supervisor.db"))
	mustExist(t, filepath.Join(dirs.MatterStorage, "matter.db"))
	mustExist(t, filepath.Join(dirs.MatterStorageBackup, "matter.db"))

	events, cancel := s.Subscribe(16)
	defer cancel()

	must.NoError(t, s.Run(ctx))
	must.Eq(t, StateRunning, s.State())
	waitForEvent(t, events, EventBridgeStarted)

	node := s.Topology().BridgeNode()
	must.NotNil(t, node)
	must.Eq(t, "Matterbridge", node.DeviceName())
	must.Eq(t, uint16(5540), node.Port())
	waitFor(t, "bridge node online", node.IsOnline)

	// one aggregator, no devices, nothing registered
	children := node.Root().Children()
	must.Len(t, 1, children)
	must.Eq(t, matter.DeviceTypeAggregator, children[0].DeviceType())
	must.Len(t, 0, children[0].Children())
	must.Eq(t, 0, s.Registry().Size())

	must.NoError(t, s.Cleanup(ctx, MessageShutdown))
	must.Eq(t, StateTerminated, s.State())
	waitForEvent(t, events, EventCleanupCompleted)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel still open after cleanup")
	}

	// cleanup runs exactly once
	must.NoError(t, s.Cleanup(ctx, MessageReset))
}

// TestSupervisor_LoadInstance pins the process-wide singleton. Not
// parallel: it touches the package-level instance.
func TestSupervisor_LoadInstance(t *testing.T) {
	t.Cleanup(func() {
		instanceMu.Lock()
		instance = nil
		instanceMu.Unlock()
	})

	a, err := LoadInstance(testConfig(t))
	must.NoError(t, err)
	b, err := LoadInstance(&Config{Mode: "childbridge", Logger: testlog.HCLogger(t)})
	must.NoError(t, err)
	must.True(t, a == b)
}

func TestSupervisor_SecondInitialize(t *testing.T) {
	ci.Parallel(t)

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))

	err := s.Initialize(ctx)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "initialize called in state")
}

func TestSupervisor_DirsProfile(t *testing.T) {
	ci.Parallel(t)

	dirs, err := resolveDirs("/data", "blue")
	must.NoError(t, err)
	must.Eq(t, "/data/.matterbridge/profiles/blue", dirs.Home)
	must.Eq(t, "/data/Matterbridge/profiles/blue", dirs.Plugins)
	must.Eq(t, "/data/.mattercert/profiles/blue", dirs.CertDir)
	must.Eq(t, filepath.Join(dirs.Home, "storage"), dirs.Storage)
	must.Eq(t, filepath.Join(dirs.Home, "matterstorage.backup"), dirs.MatterStorageBackup)

	plain, err := resolveDirs("/data", "")
	must.NoError(t, err)
	must.Eq(t, "/data/.matterbridge", plain.Home)
}

func TestSupervisor_CheckRuntime(t *testing.T) {
	ci.Parallel(t)

	logger := testlog.HCLogger(t)
	must.NoError(t, checkRuntime(logger, "go1.22.0"))
	must.NoError(t, checkRuntime(logger, "go1.25.7"))
	must.NoError(t, checkRuntime(logger, "devel +abc123"))

	err := checkRuntime(logger, "go1.21.9")
	must.ErrorIs(t, err, ErrRuntimeVersion)
}

// TestSupervisor_PluginErrorBlocksStart verifies the fail-stop policy: a
// plugin in error keeps every server node offline so commissioned
// controllers never observe a reduced device set.
func TestSupervisor_PluginErrorBlocksStart(t *testing.T) {
	ci.Parallel(t)
	setupTestPlugins()

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))

	_, err := s.Manager().Add(failPluginName)
	must.NoError(t, err)

	sub := s.Frontend().Subscribe(64)
	defer sub.Unsubscribe()

	must.NoError(t, s.Run(ctx))
	must.Eq(t, StateRunning, s.State())

	info, ok := s.Manager().Get(failPluginName)
	must.True(t, ok)
	must.True(t, info.InError)

	node := s.Topology().BridgeNode()
	must.NotNil(t, node)
	must.False(t, node.IsOnline())

	waitForSnackbar(t, sub.C(), "plugin "+failPluginName+" is in error state")
}

// TestSupervisor_PreflightZeroDevices verifies that an accessory
// platform that started without registering its device halts startup the
// same way a start failure does.
func TestSupervisor_PreflightZeroDevices(t *testing.T) {
	ci.Parallel(t)
	setupTestPlugins()

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))

	_, err := s.Manager().Add(idlePluginName)
	must.NoError(t, err)

	sub := s.Frontend().Subscribe(64)
	defer sub.Unsubscribe()

	must.NoError(t, s.Run(ctx))
	must.Eq(t, StateRunning, s.State())

	info, ok := s.Manager().Get(idlePluginName)
	must.True(t, ok)
	must.True(t, info.InError)

	node := s.Topology().BridgeNode()
	must.NotNil(t, node)
	must.False(t, node.IsOnline())

	waitForSnackbar(t, sub.C(), "plugin "+idlePluginName+" is in error state")
}

// TestSupervisor_DisabledPluginSkipped verifies a disabled roster entry
// is never loaded, started, or configured. The idle platform would halt
// preflight if it ran, so a bridge that comes online proves the skip.
func TestSupervisor_DisabledPluginSkipped(t *testing.T) {
	ci.Parallel(t)
	setupTestPlugins()

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))

	_, err := s.Manager().Add(idlePluginName)
	must.NoError(t, err)
	_, err = s.Manager().Disable(ctx, idlePluginName)
	must.NoError(t, err)

	must.NoError(t, s.Run(ctx))
	must.Eq(t, StateRunning, s.State())

	node := s.Topology().BridgeNode()
	must.NotNil(t, node)
	waitFor(t, "bridge node online", node.IsOnline)

	info, ok := s.Manager().Get(idlePluginName)
	must.True(t, ok)
	must.False(t, info.Enabled)
	must.False(t, info.Loaded)
	must.False(t, info.Started)
	must.False(t, info.Configured)
	must.False(t, info.InError)
}

// TestSupervisor_ChildBridge runs a dynamic platform in childbridge mode
// and checks the per-plugin node shape: one server node, one aggregator,
// the plugin's devices below it, reachable after the wave.
func TestSupervisor_ChildBridge(t *testing.T) {
	ci.Parallel(t)

	cfg := testConfig(t)
	cfg.Mode = "childbridge"
	s := newTestSupervisor(t, cfg)
	s.configureWave = 25 * time.Millisecond
	s.reachabilityWave = 50 * time.Millisecond

	ctx := context.Background()
	must.NoError(t, s.Initialize(ctx))

	_, err := s.Manager().Add(exampledynamic.Name)
	must.NoError(t, err)

	events, cancel := s.Subscribe(16)
	defer cancel()

	must.NoError(t, s.Run(ctx))
	waitForEvent(t, events, EventBridgeStarted)

	must.Nil(t, s.Topology().BridgeNode())
	node, ok := s.Topology().PluginNode(exampledynamic.Name)
	must.True(t, ok)
	waitFor(t, "plugin node online", node.IsOnline)

	children := node.Root().Children()
	must.Len(t, 1, children)
	aggregator := children[0]
	must.Eq(t, matter.DeviceTypeAggregator, aggregator.DeviceType())
	must.Len(t, 2, aggregator.Children())
	must.Eq(t, 2, s.Registry().Size())

	waitFor(t, "aggregator reachable", func() bool {
		v, ok := aggregator.Attribute(matter.ClusterBasicInformation, matter.AttributeReachable)
		return ok && v == true
	})
}

// TestSupervisor_ReachabilityWave checks the post-start waves in bridge
// mode: the shared aggregator flips reachable and the frontend learns
// about it.
func TestSupervisor_ReachabilityWave(t *testing.T) {
	ci.Parallel(t)

	s := newTestSupervisor(t, testConfig(t))
	s.configureWave = 25 * time.Millisecond
	s.reachabilityWave = 50 * time.Millisecond

	ctx := context.Background()
	must.NoError(t, s.Initialize(ctx))

	sub := s.Frontend().Subscribe(64)
	defer sub.Unsubscribe()

	must.NoError(t, s.Run(ctx))

	node := s.Topology().BridgeNode()
	must.NotNil(t, node)
	aggregator := node.Root().Children()[0]

	waitFor(t, "aggregator reachable", func() bool {
		v, ok := aggregator.Attribute(matter.ClusterBasicInformation, matter.AttributeReachable)
		return ok && v == true
	})
	waitFor(t, "wave timers drained", func() bool {
		return len(s.timers.Active()) == 0
	})

	deadline := time.After(3 * time.Second)
	for {
		var ev frontend.Event
		var ok bool
		select {
		case ev, ok = <-sub.C():
			must.True(t, ok)
		case <-deadline:
			t.Fatal("timeout waiting for reachability refresh")
		}
		if ev.Topic != frontend.TopicRefresh {
			continue
		}
		if r, isRefresh := ev.Payload.(*frontend.Refresh); isRefresh && r.Changed == frontend.ScopeReachability {
			break
		}
	}
}

// TestSupervisor_ResetClearsCommissioning verifies the reset branch:
// fabrics and sessions are gone after cleanup while the stores and their
// backups survive.
func TestSupervisor_ResetClearsCommissioning(t *testing.T) {
	ci.Parallel(t)

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))
	must.NoError(t, s.Run(ctx))

	node := s.Topology().BridgeNode()
	must.NotNil(t, node)
	waitFor(t, "bridge node online", node.IsOnline)

	mctx := s.Environment().Storage().Open(topology.BridgeStoreID)
	must.NoError(t, storage.Set(mctx.Fabrics(), "fabric-1", "controller"))
	must.NoError(t, storage.Set(mctx.Sessions(), "session-1", "case"))

	dirs := s.Dirs()
	must.NoError(t, s.Cleanup(ctx, MessageReset))
	must.Eq(t, StateTerminated, s.State())

	// commissioning state is gone, the stores are not
	svc, err := matter.NewStorageService(&matter.StorageServiceConfig{
		Dir:    dirs.MatterStorage,
		Logger: testlog.HCLogger(t),
	})
	must.NoError(t, err)
	reopened := svc.Open(topology.BridgeStoreID)

	keys, err := reopened.Fabrics().Keys()
	must.NoError(t, err)
	must.Len(t, 0, keys)
	keys, err = reopened.Sessions().Keys()
	must.NoError(t, err)
	must.Len(t, 0, keys)
	must.NoError(t, svc.Close())

	// supervisor settings survive a reset
	store, err := storage.Open(&storage.Config{
		Dir:      dirs.Storage,
		FileName: "supervisor.db",
		Logger:   testlog.HCLogger(t),
	})
	must.NoError(t, err)
	mode, err := storage.GetDefault(store.Context(SettingsContext), keyBridgeMode, "")
	must.NoError(t, err)
	must.Eq(t, "bridge", mode)
	must.NoError(t, store.Close())

	mustExist(t, filepath.Join(dirs.StorageBackup, "supervisor.db"))
	mustExist(t, filepath.Join(dirs.MatterStorageBackup, "matter.db"))
}

// TestSupervisor_FactoryReset verifies the factory reset branch: all
// four storage directories are removed, everything else stays.
func TestSupervisor_FactoryReset(t *testing.T) {
	ci.Parallel(t)

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))
	must.NoError(t, s.Run(ctx))

	dirs := s.Dirs()
	must.NoError(t, s.Cleanup(ctx, MessageFactoryReset))

	for _, dir := range []string{dirs.Storage, dirs.StorageBackup, dirs.MatterStorage, dirs.MatterStorageBackup} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed", dir)
		}
	}
	mustExist(t, dirs.Home)
	mustExist(t, dirs.Certs)
	mustExist(t, dirs.Uploads)
}

// TestSupervisor_CleanupSerialized fires concurrent cleanups and expects
// exactly one to run.
func TestSupervisor_CleanupSerialized(t *testing.T) {
	ci.Parallel(t)

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))
	must.NoError(t, s.Run(ctx))

	events, cancel := s.Subscribe(32)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Cleanup(ctx, MessageShutdown)
		}()
	}
	wg.Wait()
	must.Eq(t, StateTerminated, s.State())

	completed := 0
	for ev := range events {
		if ev.Kind == EventCleanupCompleted {
			completed++
		}
	}
	must.Eq(t, 1, completed)
}

// TestSupervisor_UnregisterAndShutdown verifies the unregister flow: all
// bridged endpoints withdrawn, then cleanup with the parts tree cleared.
func TestSupervisor_UnregisterAndShutdown(t *testing.T) {
	ci.Parallel(t)

	ctx := context.Background()
	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(ctx))

	_, err := s.Manager().Add(exampledynamic.Name)
	must.NoError(t, err)

	events, cancel := s.Subscribe(16)
	defer cancel()

	must.NoError(t, s.Run(ctx))
	waitForEvent(t, events, EventBridgeStarted)
	waitFor(t, "devices registered", func() bool { return s.Registry().Size() == 2 })

	must.NoError(t, s.UnregisterAndShutdown(ctx))
	must.Eq(t, StateTerminated, s.State())
	must.Eq(t, 0, s.Registry().Size())

	ev := waitForEvent(t, events, EventShutdown)
	must.Eq(t, MessageUnregister, ev.Message)
}

func TestSupervisor_ControllerMode(t *testing.T) {
	ci.Parallel(t)

	cfg := testConfig(t)
	cfg.Mode = "controller"
	s := newTestSupervisor(t, cfg)

	ctx := context.Background()
	must.NoError(t, s.Initialize(ctx))

	err := s.Run(ctx)
	must.ErrorIs(t, err, ErrControllerMode)
	must.Eq(t, StateInitializing, s.State())

	must.NoError(t, s.Cleanup(ctx, MessageShutdown))
	must.Eq(t, StateTerminated, s.State())
}

// TestSupervisor_TestMode verifies that test mode tears the supervisor
// down right after startup settles.
func TestSupervisor_TestMode(t *testing.T) {
	ci.Parallel(t)

	cfg := testConfig(t)
	cfg.Test = true
	s := newTestSupervisor(t, cfg)

	ctx := context.Background()
	must.NoError(t, s.Initialize(ctx))
	must.NoError(t, s.Run(ctx))
	must.Eq(t, StateTerminated, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel still open after test run")
	}
}

func TestSupervisor_NetworkValidation(t *testing.T) {
	ci.Parallel(t)

	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(context.Background()))

	// persisted overrides that stopped matching the host are cleared
	must.NoError(t, storage.Set(s.settings, keyMdnsInterface, "nonexistent0"))
	must.NoError(t, storage.Set(s.settings, keyIPv4Address, "203.0.113.254"))

	network := s.resolveNetwork()
	must.Eq(t, "", network.mdnsInterface)
	must.Eq(t, "", network.ipv4Address)

	has, err := s.settings.Has(keyMdnsInterface)
	must.NoError(t, err)
	must.False(t, has)
	has, err = s.settings.Has(keyIPv4Address)
	must.NoError(t, err)
	must.False(t, has)

	// a name the host actually carries survives validation
	ifAddrs, err := sockaddr.GetAllInterfaces()
	must.NoError(t, err)
	if len(ifAddrs) == 0 {
		t.Skip("host has no addressed interfaces")
	}
	name := ifAddrs[0].Name
	must.NoError(t, storage.Set(s.settings, keyMdnsInterface, name))
	network = s.resolveNetwork()
	must.Eq(t, name, network.mdnsInterface)
}

func TestSupervisor_ReloadLogLevels(t *testing.T) {
	ci.Parallel(t)

	s := newTestSupervisor(t, testConfig(t))
	must.NoError(t, s.Initialize(context.Background()))

	level, matterLevel := s.logLevels()
	must.Eq(t, hclog.Info, level)
	must.Eq(t, hclog.Info, matterLevel)

	must.NoError(t, storage.Set(s.settings, keyLogLevel, "debug"))
	must.NoError(t, storage.Set(s.settings, keyMatterLogLevel, "error"))
	s.reloadLogLevels()

	level, matterLevel = s.logLevels()
	must.Eq(t, hclog.Debug, level)
	must.Eq(t, hclog.Error, matterLevel)

	// an unparsable persisted level falls back to the default and is
	// cleared
	must.NoError(t, storage.Set(s.settings, keyLogLevel, "chatty"))
	s.reloadLogLevels()
	level, _ = s.logLevels()
	must.Eq(t, hclog.Info, level)
	has, err := s.settings.Has(keyLogLevel)
	must.NoError(t, err)
	must.False(t, has)
}

func TestSupervisor_LogLevelFlagPersists(t *testing.T) {
	ci.Parallel(t)

	cfg := testConfig(t)
	cfg.LogLevel = "debug"
	s := newTestSupervisor(t, cfg)
	must.NoError(t, s.Initialize(context.Background()))

	level, _ := s.logLevels()
	must.Eq(t, hclog.Debug, level)

	v, err := storage.GetDefault(s.settings, keyLogLevel, "")
	must.NoError(t, err)
	must.Eq(t, "debug", v)
}
