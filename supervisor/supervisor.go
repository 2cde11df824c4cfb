// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package supervisor ties the whole bridge together. It owns the
// lifecycle: initialization resolves directories, stores and settings and
// builds the matter environment, the plugin manager and the commissioning
// topology; run brings the plugins and server nodes up; cleanup tears
// everything down exactly once, honoring the message that triggered it.
//
// A process hosts at most one supervisor, obtained through LoadInstance.
// Tests build private instances with New.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	goversion "github.com/hashicorp/go-version"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/matterbridge/matterbridged/fanout"
	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/matter"
	"github.com/matterbridge/matterbridged/pairing"
	"github.com/matterbridge/matterbridged/pluginmanager"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/registry"
	"github.com/matterbridge/matterbridged/storage"
	"github.com/matterbridge/matterbridged/topology"
	"github.com/matterbridge/matterbridged/version"
)

// Bridge identity defaults, in the Matter test vendor space. A pairing
// file or the identity flags replace them.
const (
	defaultDeviceName  = "Matterbridge"
	defaultVendorName  = "Matterbridge"
	defaultProductName = "Matterbridge aggregator"
)

const (
	defaultVendorID  = matter.VendorID(0xFFF1)
	defaultProductID = matter.ProductID(0x8000)
)

// Startup and shutdown pacing.
const (
	// defaultConfigureWave is how long after node start the plugins get
	// their configuration pushed.
	defaultConfigureWave = 30 * time.Second

	// defaultReachabilityWave is how long after node start the bridged
	// device trees are marked reachable.
	defaultReachabilityWave = 60 * time.Second

	// defaultGracePeriod is the pause between withdrawing endpoints and
	// closing nodes, long enough for subscribed controllers to observe
	// the change.
	defaultGracePeriod = time.Second

	// defaultPollInterval is the startup barrier poll tick.
	defaultPollInterval = time.Second
)

// ErrRuntimeVersion is returned when the process runs under a Go runtime
// older than version.MinimumGoRuntime. Together with unrecoverable store
// corruption this is the only startup failure that exits non-zero.
var ErrRuntimeVersion = errors.New("go runtime below supported minimum")

// ErrControllerMode is returned by Run in controller mode, which is a
// reserved layout without an implementation.
var ErrControllerMode = errors.New("supervisor: controller mode is not implemented")

// Config configures a supervisor. The zero value runs a bridge out of
// the user home with default identity and seeds.
type Config struct {
	// Logger is the root logger. When nil the supervisor builds its own
	// console logger and routes it through the level machinery; a
	// provided logger keeps its own output and only gains the
	// supervisor's sinks.
	Logger hclog.InterceptLogger

	// LogOutput is the console writer used when Logger is nil. Defaults
	// to stderr.
	LogOutput io.Writer

	// HomeDir is the root the state directories are laid out under.
	// Defaults to the user home.
	HomeDir string

	// Profile isolates this instance's state from other instances under
	// the same HomeDir.
	Profile string

	// Mode is the commissioning layout: bridge, childbridge or
	// controller. Empty resolves the persisted mode, then bridge.
	Mode string

	// Test makes Run tear the supervisor down again right after startup
	// completes.
	Test bool

	// VirtualMode selects the device type of the virtual command
	// devices. Empty resolves the persisted mode, then disabled.
	VirtualMode string

	// Node identity seeds. Nil fields fall back to the pairing file,
	// then to persisted values, then to generated ones.
	Port          *uint16
	Passcode      *uint32
	Discriminator *uint16

	// Network overrides, validated against the host interfaces.
	MdnsInterface string
	IPv4Address   string
	IPv6Address   string

	// Bridge identity overrides. These win over the pairing file.
	VendorID    *uint16
	VendorName  string
	ProductID   *uint16
	ProductName string

	// LogLevel and MatterLogLevel override the persisted levels for the
	// supervisor's and the matter runtime's logger trees.
	LogLevel       string
	MatterLogLevel string

	// FileLog and MatterFileLog toggle the per-tree log files. Nil
	// keeps the persisted switches.
	FileLog       *bool
	MatterFileLog *bool

	// NoRestore fails hard on store corruption instead of restoring
	// from backup.
	NoRestore bool

	// NoVirtual disables the virtual command devices for this run
	// without touching the persisted mode.
	NoVirtual bool

	// ReadOnly stops flags from being persisted.
	ReadOnly bool

	// Shelly additionally exposes the unregister command as a virtual
	// device.
	Shelly bool

	// NoReinstall blocks refetching missing plugins during restore.
	// Destructive commands set it so a wiped plugin stays gone.
	NoReinstall bool

	// StartDelay postpones Run, for hosts whose network comes up late.
	StartDelay time.Duration

	// AdvertisingWindow overrides the commissioning announcement
	// window. Zero keeps the default.
	AdvertisingWindow time.Duration
}

// Supervisor is the bridge lifecycle owner.
type Supervisor struct {
	cfg    Config
	logger hclog.InterceptLogger

	matterTree string
	console    *logRouter

	sinkMu      sync.Mutex
	frontSink   *frontend.LogSink
	fileSinks   []*fileSink
	level       hclog.Level
	matterLevel hclog.Level

	front *frontend.Broker

	dirs     Dirs
	store    *storage.Store
	settings *storage.Context
	override *pairing.Override

	env     *matter.Environment
	reg     *registry.Registry
	fan     *fanout.Fanout
	topo    *topology.Topology
	manager *pluginmanager.Manager
	timers  *Timers

	mode        topology.Mode
	virtualMode topology.VirtualMode

	runCtx    context.Context
	runCancel context.CancelFunc
	signalCh  chan os.Signal
	bg        sync.WaitGroup

	// startup and shutdown pacing, fixed after New
	pollInterval     time.Duration
	configureWave    time.Duration
	reachabilityWave time.Duration
	gracePeriod      time.Duration

	mu        sync.Mutex
	state     State
	subs      map[int]chan Event
	nextSub   int
	doneCh    chan struct{}
	closeOnce sync.Once
}

var (
	instanceMu sync.Mutex
	instance   *Supervisor
)

// LoadInstance returns the process-wide supervisor, constructing it on
// first use. Later calls return the existing instance regardless of
// their configuration; there is never more than one supervisor per
// process.
func LoadInstance(c *Config) (*Supervisor, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return instance, nil
	}
	s, err := New(c)
	if err != nil {
		return nil, err
	}
	instance = s
	return s, nil
}

// New builds an unstarted supervisor. Initialize must run before Run.
func New(c *Config) (*Supervisor, error) {
	if c == nil {
		c = &Config{}
	}
	cfg := *c

	// fail fast on unparsable flags
	if cfg.Mode != "" {
		if _, err := topology.ParseMode(cfg.Mode); err != nil {
			return nil, err
		}
	}
	if cfg.VirtualMode != "" {
		if _, err := topology.ParseVirtualMode(cfg.VirtualMode); err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger
	var console *logRouter
	if logger == nil {
		out := cfg.LogOutput
		if out == nil {
			out = os.Stderr
		}
		// the root logger swallows its own output; the console router
		// in front of the real writer applies the two log levels
		logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Name:   "matterbridge",
			Level:  hclog.Trace,
			Output: io.Discard,
		})
		console = newLogRouter(hclog.NewSinkAdapter(&hclog.LoggerOptions{
			Output: out,
			Level:  hclog.Trace,
		}), routeAll, matterTreeName(logger))
		logger.RegisterSink(console)
	}

	s := &Supervisor{
		cfg:              cfg,
		logger:           logger,
		matterTree:       matterTreeName(logger),
		console:          console,
		front:            frontend.NewBroker(logger),
		timers:           NewTimers(logger),
		level:            defaultLogLevel,
		matterLevel:      defaultLogLevel,
		pollInterval:     defaultPollInterval,
		configureWave:    defaultConfigureWave,
		reachabilityWave: defaultReachabilityWave,
		gracePeriod:      defaultGracePeriod,
		state:            StateUninitialized,
		subs:             make(map[int]chan Event),
		doneCh:           make(chan struct{}),
	}
	return s, nil
}

// Initialize brings the supervisor from uninitialized to initializing:
// it verifies the runtime, lays out the directories, opens the stores,
// reconciles flags against persisted settings, loads the pairing file,
// builds the matter environment, the registry, the topology and the
// plugin manager, restores the plugin roster and installs the signal
// handlers. It does not start any node; Run does.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("supervisor: initialize called in state %s", state)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	ok := false
	defer func() {
		if !ok {
			s.abortInitialize()
		}
	}()

	if err := checkRuntime(s.logger, runtime.Version()); err != nil {
		return err
	}

	dirs, err := resolveDirs(s.cfg.HomeDir, s.cfg.Profile)
	if err != nil {
		return err
	}
	s.dirs = dirs
	if err := dirs.ensure(); err != nil {
		return err
	}

	store, err := dirs.OpenStore(s.cfg.NoRestore, s.logger)
	if err != nil {
		return fmt.Errorf("supervisor: opening store: %w", err)
	}
	s.store = store
	s.settings = store.Context(SettingsContext)
	if store.Restored() {
		s.logger.Warn("supervisor store was restored from its backup")
		s.front.Snackbar("Supervisor storage was restored from its backup", 10, frontend.SeverityWarning)
	}

	if err := s.applyLogSettings(); err != nil {
		return err
	}

	if s.mode, err = s.resolveMode(); err != nil {
		return err
	}
	if s.virtualMode, err = s.resolveVirtualMode(); err != nil {
		return err
	}

	network := s.resolveNetwork()

	if s.override, err = pairing.Load(dirs.CertDir, s.logger); err != nil {
		return err
	}

	env, err := matter.NewEnvironment(&matter.EnvironmentConfig{
		StorageDir:       dirs.MatterStorage,
		StorageBackupDir: dirs.MatterStorageBackup,
		NoRestore:        s.cfg.NoRestore,
		MdnsInterface:    network.mdnsInterface,
		IPv4Address:      network.ipv4Address,
		IPv6Address:      network.ipv6Address,
		HandleSignals:    false,
		Logger:           s.logger,
	})
	if err != nil {
		return err
	}
	s.env = env
	if env.Storage().Restored() {
		s.logger.Warn("matter storage was restored from its backup")
		s.front.Snackbar("Matter storage was restored from its backup", 10, frontend.SeverityWarning)
	}

	if s.reg, err = registry.New(&registry.Config{Logger: s.logger, Broker: s.front}); err != nil {
		return err
	}
	s.fan = fanout.New(&fanout.Config{Logger: s.logger, Broker: s.front})

	// a pairing file seeds the passcode pair only where no flag did
	passcode, discriminator := s.cfg.Passcode, s.cfg.Discriminator
	if s.override != nil {
		if passcode == nil && s.override.Passcode != nil {
			passcode = s.override.Passcode
		}
		if discriminator == nil && s.override.Discriminator != nil {
			discriminator = s.override.Discriminator
		}
	}
	seeds, err := topology.NewSeeds(&topology.SeedsConfig{
		Logger:        s.logger,
		Store:         s.settings,
		Port:          s.cfg.Port,
		Passcode:      passcode,
		Discriminator: discriminator,
	})
	if err != nil {
		return err
	}

	topo, err := topology.New(&topology.Config{
		Logger:            s.logger,
		Mode:              s.mode,
		Storage:           env.Storage(),
		Registry:          s.reg,
		Frontend:          s.front,
		Seeds:             seeds,
		Identity:          s.buildIdentity(s.override),
		VirtualMode:       s.virtualMode,
		UnregisterDevice:  s.cfg.Shelly,
		OnCommand:         s.handleCommand,
		PluginType:        s.pluginType,
		OnRegister:        s.onRegister,
		OnNodeCreated:     s.onNodeCreated,
		AdvertisingWindow: s.cfg.AdvertisingWindow,
	})
	if err != nil {
		return err
	}
	s.topo = topo

	manager, err := pluginmanager.New(&pluginmanager.Config{
		Logger:       s.logger,
		Store:        store,
		Roster:       s.settings,
		Frontend:     s.front,
		Bridges:      s.bridgeFor,
		RemoveAll:    s.removeEndpoints,
		WipeMatter:   s.wipePluginStorage,
		PluginsDir:   dirs.Plugins,
		PollInterval: s.pollInterval,
		Reinstall:    !s.cfg.NoReinstall,
	})
	if err != nil {
		return err
	}
	s.manager = manager
	if err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("supervisor: restoring plugin roster: %w", err)
	}

	s.recordVersions()
	s.banner()

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.startSignalHandler()

	ok = true
	return nil
}

// abortInitialize releases whatever a failed Initialize already opened.
// The supervisor ends terminated; retrying takes a fresh instance.
func (s *Supervisor) abortInitialize() {
	if s.env != nil {
		if err := s.env.Close(); err != nil {
			s.logger.Warn("failed to close matter environment", "error", err)
		}
		s.env = nil
	}
	s.closeLogSinks()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("failed to close store", "error", err)
		}
		s.store = nil
	}
	s.front.Close()
	s.terminate()
}

// terminate flips the supervisor into its final state and releases every
// waiter.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	s.closeSubs()
	s.closeOnce.Do(func() { close(s.doneCh) })
}

// checkRuntime rejects Go runtimes older than version.MinimumGoRuntime.
// Development toolchains with unparsable versions pass with a warning.
func checkRuntime(logger hclog.Logger, runtimeVersion string) error {
	minimum, err := goversion.NewVersion(version.MinimumGoRuntime)
	if err != nil {
		logger.Warn("invalid minimum runtime version, skipping check",
			"minimum", version.MinimumGoRuntime, "error", err)
		return nil
	}
	v, err := goversion.NewVersion(strings.TrimPrefix(runtimeVersion, "go"))
	if err != nil {
		logger.Warn("cannot parse go runtime version, skipping minimum check",
			"version", runtimeVersion)
		return nil
	}
	if v.LessThan(minimum) {
		return fmt.Errorf("supervisor: %w: running %s, need go%s or newer",
			ErrRuntimeVersion, runtimeVersion, version.MinimumGoRuntime)
	}
	return nil
}

// resolveMode picks the commissioning layout: flag, then persisted
// value, then bridge. An unparsable persisted mode is cleared.
func (s *Supervisor) resolveMode() (topology.Mode, error) {
	if s.cfg.Mode != "" {
		mode, err := topology.ParseMode(s.cfg.Mode)
		if err != nil {
			return "", err
		}
		if err := persistSetting(s, keyBridgeMode, string(mode)); err != nil {
			return "", err
		}
		return mode, nil
	}

	persisted, err := storage.GetDefault(s.settings, keyBridgeMode, "")
	if err != nil {
		return "", err
	}
	if persisted == "" {
		return topology.ModeBridge, nil
	}
	mode, err := topology.ParseMode(persisted)
	if err != nil {
		s.logger.Warn("clearing invalid persisted bridge mode", "value", persisted)
		if rerr := s.settings.Remove(keyBridgeMode); rerr != nil {
			s.logger.Warn("failed to clear bridge mode", "error", rerr)
		}
		return topology.ModeBridge, nil
	}
	return mode, nil
}

// resolveVirtualMode picks the virtual device mode the same way.
// NoVirtual forces disabled for this run without touching the store.
func (s *Supervisor) resolveVirtualMode() (topology.VirtualMode, error) {
	if s.cfg.NoVirtual {
		return topology.VirtualDisabled, nil
	}
	if s.cfg.VirtualMode != "" {
		vm, err := topology.ParseVirtualMode(s.cfg.VirtualMode)
		if err != nil {
			return "", err
		}
		if err := persistSetting(s, keyVirtualMode, string(vm)); err != nil {
			return "", err
		}
		return vm, nil
	}

	persisted, err := storage.GetDefault(s.settings, keyVirtualMode, "")
	if err != nil {
		return "", err
	}
	if persisted == "" {
		return topology.VirtualDisabled, nil
	}
	vm, err := topology.ParseVirtualMode(persisted)
	if err != nil {
		s.logger.Warn("clearing invalid persisted virtual mode", "value", persisted)
		if rerr := s.settings.Remove(keyVirtualMode); rerr != nil {
			s.logger.Warn("failed to clear virtual mode", "error", rerr)
		}
		return topology.VirtualDisabled, nil
	}
	return vm, nil
}

// buildIdentity layers the bridge identity: defaults, then the pairing
// file, then the identity flags.
func (s *Supervisor) buildIdentity(o *pairing.Override) topology.Identity {
	id := topology.Identity{
		DeviceName:  defaultDeviceName,
		VendorID:    defaultVendorID,
		VendorName:  defaultVendorName,
		ProductID:   defaultProductID,
		ProductName: defaultProductName,
	}
	if o != nil {
		if o.VendorID != nil {
			id.VendorID = matter.VendorID(*o.VendorID)
		}
		if o.VendorName != nil {
			id.VendorName = *o.VendorName
		}
		if o.ProductID != nil {
			id.ProductID = matter.ProductID(*o.ProductID)
		}
		if o.ProductName != nil {
			id.ProductName = *o.ProductName
		}
		if o.DeviceType != nil {
			id.DeviceType = matter.DeviceTypeID(*o.DeviceType)
		}
		if o.SerialNumber != nil {
			id.SerialNumber = *o.SerialNumber
		}
		if o.UniqueID != nil {
			id.UniqueID = *o.UniqueID
		}
		id.Certification = o.Certification
	}
	if s.cfg.VendorID != nil {
		id.VendorID = matter.VendorID(*s.cfg.VendorID)
	}
	if s.cfg.VendorName != "" {
		id.VendorName = s.cfg.VendorName
	}
	if s.cfg.ProductID != nil {
		id.ProductID = matter.ProductID(*s.cfg.ProductID)
	}
	if s.cfg.ProductName != "" {
		id.ProductName = s.cfg.ProductName
	}
	return id
}

// pluginType resolves a plugin's platform type for the topology.
func (s *Supervisor) pluginType(name string) (plugins.Type, bool) {
	if s.manager == nil {
		return "", false
	}
	info, ok := s.manager.Get(name)
	if !ok {
		return "", false
	}
	return info.Type, true
}

// onRegister fans attribute changes of a freshly registered endpoint out
// to the frontend.
func (s *Supervisor) onRegister(e *registry.Entry) {
	s.fan.SubscribeEntry(e)
}

// onNodeCreated adds a node-level subscription for accessory platforms,
// whose single device lives directly on their node root.
func (s *Supervisor) onNodeCreated(plugin string, node *matter.ServerNode) {
	if plugin == "" {
		return
	}
	if t, ok := s.pluginType(plugin); ok && t == plugins.TypeAccessory {
		s.fan.SubscribeNodeRoot(plugin, node)
	}
}

// bridgeFor hands a plugin its device bridge.
func (s *Supervisor) bridgeFor(name string) plugins.Bridge {
	return s.topo.Bridge(name)
}

// removeEndpoints withdraws every endpoint a plugin registered.
func (s *Supervisor) removeEndpoints(ctx context.Context, name string, delay time.Duration) error {
	return s.topo.RemoveAllBridgedEndpoints(ctx, name, delay)
}

// wipePluginStorage removes a plugin's matter storage: its childbridge
// node context plus any per-device contexts it created.
func (s *Supervisor) wipePluginStorage(name string) error {
	return s.env.Storage().DeleteNamespace(name)
}

// ResetPlugin clears the commissioning state a single plugin's nodes
// accumulated, without touching the roster or its settings. Intended for
// the offline reset command; a running supervisor should shut the plugin
// down first.
func (s *Supervisor) ResetPlugin(name string) error {
	return s.wipePluginStorage(name)
}

// recordVersions stamps the store with the running build and the plugin
// directory, and warns when the update checker recorded a newer release.
func (s *Supervisor) recordVersions() {
	info := version.GetVersion()
	if err := persistSetting(s, keyDevVersion, info.VersionNumber()); err != nil {
		s.logger.Warn("failed to record build version", "error", err)
	}
	if err := persistSetting(s, keyModulesDir, s.dirs.Plugins); err != nil {
		s.logger.Warn("failed to record plugin directory", "error", err)
	}

	latest, err := storage.GetDefault(s.settings, keyLatestVersion, "")
	if err != nil || latest == "" {
		return
	}
	latestV, err := goversion.NewVersion(latest)
	if err != nil {
		return
	}
	currentV, err := goversion.NewVersion(info.VersionNumber())
	if err != nil {
		return
	}
	if latestV.GreaterThan(currentV) {
		s.logger.Info("a newer release is available", "current", info.VersionNumber(), "latest", latest)
		s.front.Snackbar(fmt.Sprintf("Matterbridge %s is available", latest), 10, frontend.SeverityInfo)
	}
}

// banner logs the startup summary.
func (s *Supervisor) banner() {
	total := "unknown"
	if vm, err := mem.VirtualMemory(); err == nil {
		total = humanize.IBytes(vm.Total)
	}
	s.logger.Info("starting matterbridge supervisor",
		"version", version.GetVersion().VersionNumber(),
		"mode", s.mode,
		"go", runtime.Version(),
		"arch", runtime.GOARCH,
		"memory", total,
		"home", s.dirs.Home,
	)
	if s.cfg.Profile != "" {
		s.logger.Info("using profile", "profile", s.cfg.Profile)
	}
	if s.cfg.ReadOnly {
		s.logger.Info("read-only mode, flags will not be persisted")
	}
}

// startSignalHandler installs the process signal hooks: SIGINT and
// SIGTERM trigger a full cleanup, SIGHUP re-applies the persisted log
// levels.
func (s *Supervisor) startSignalHandler() {
	s.signalCh = make(chan os.Signal, 3)
	signal.Notify(s.signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for sig := range s.signalCh {
			switch sig {
			case syscall.SIGHUP:
				s.logger.Info("caught signal", "signal", sig.String())
				s.reloadLogLevels()
			default:
				s.logger.Info("caught signal, shutting down", "signal", sig.String())
				go func() {
					_ = s.Cleanup(context.Background(), MessageShutdown)
				}()
			}
		}
	}()
}

// stopSignalHandler uninstalls the hooks and ends the signal goroutine.
func (s *Supervisor) stopSignalHandler() {
	if s.signalCh == nil {
		return
	}
	signal.Stop(s.signalCh)
	close(s.signalCh)
	s.signalCh = nil
}

// Manager returns the plugin manager. Nil before Initialize.
func (s *Supervisor) Manager() *pluginmanager.Manager { return s.manager }

// Topology returns the commissioning topology. Nil before Initialize.
func (s *Supervisor) Topology() *topology.Topology { return s.topo }

// Frontend returns the outbound event broker.
func (s *Supervisor) Frontend() *frontend.Broker { return s.front }

// Registry returns the device registry. Nil before Initialize.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Store returns the supervisor's own store. Nil before Initialize.
func (s *Supervisor) Store() *storage.Store { return s.store }

// Environment returns the matter environment. Nil before Initialize.
func (s *Supervisor) Environment() *matter.Environment { return s.env }

// Dirs returns the resolved directory layout. Zero before Initialize.
func (s *Supervisor) Dirs() Dirs { return s.dirs }

// Mode returns the commissioning layout. Empty before Initialize.
func (s *Supervisor) Mode() topology.Mode { return s.mode }
