// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"net"

	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/matterbridge/matterbridged/storage"
)

// SettingsContext is the supervisor's namespace in its store. The plugin
// roster and the node identity seeds live in the same context, written by
// their owning packages.
const SettingsContext = "matterbridge"

// Persisted settings keys. A command line flag wins over the persisted
// value and is persisted itself, so a flag given once sticks for later
// runs.
const (
	keyBridgeMode  = "bridgeMode"
	keyVirtualMode = "virtualmode"

	keyMdnsInterface = "mattermdnsinterface"
	keyIPv4Address   = "matteripv4address"
	keyIPv6Address   = "matteripv6address"

	keyLogLevel       = "matterbridgeLogLevel"
	keyMatterLogLevel = "matterLogLevel"
	keyFileLog        = "matterbridgeFileLog"
	keyMatterFileLog  = "matterFileLog"

	// keyDevVersion records the build that last ran against this store.
	// keyLatestVersion is written by the update checker; startup only
	// reads it to warn about available releases.
	keyDevVersion    = "matterbridgeDevVersion"
	keyLatestVersion = "matterbridgeLatestVersion"

	// keyModulesDir mirrors the resolved plugin directory for operator
	// tooling that inspects the store offline.
	keyModulesDir = "globalModulesDirectory"

	// keyPassword is owned by the frontend. The storage CLI redacts it.
	keyPassword = "password"
)

// persist writes a settings value unless the supervisor runs read-only.
func persistSetting[T any](s *Supervisor, key string, value T) error {
	if s.cfg.ReadOnly {
		s.logger.Debug("read-only mode, not persisting setting", "key", key)
		return nil
	}
	return storage.Set(s.settings, key, value)
}

// stringSetting resolves explicit over persisted over fallback. An
// explicit value is persisted for later runs.
func (s *Supervisor) stringSetting(key, explicit, fallback string) (string, error) {
	if explicit != "" {
		if err := persistSetting(s, key, explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	return storage.GetDefault(s.settings, key, fallback)
}

// boolSetting is stringSetting for flag-shaped booleans, where nil means
// the flag was not given.
func (s *Supervisor) boolSetting(key string, explicit *bool, fallback bool) (bool, error) {
	if explicit != nil {
		if err := persistSetting(s, key, *explicit); err != nil {
			return false, err
		}
		return *explicit, nil
	}
	return storage.GetDefault(s.settings, key, fallback)
}

// networkConfig is the validated network override set handed to the
// matter environment. Empty fields mean all interfaces.
type networkConfig struct {
	mdnsInterface string
	ipv4Address   string
	ipv6Address   string
}

// resolveNetwork validates the network overrides against the host's
// interfaces. Overrides that stopped matching the host are cleared from
// the store with a warning and the node falls back to all interfaces;
// a stale address must never keep the bridge off the network.
func (s *Supervisor) resolveNetwork() networkConfig {
	ifAddrs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		s.logger.Warn("cannot enumerate host interfaces, skipping network override validation", "error", err)
		mdns, _ := s.stringSetting(keyMdnsInterface, s.cfg.MdnsInterface, "")
		ipv4, _ := s.stringSetting(keyIPv4Address, s.cfg.IPv4Address, "")
		ipv6, _ := s.stringSetting(keyIPv6Address, s.cfg.IPv6Address, "")
		return networkConfig{mdnsInterface: mdns, ipv4Address: ipv4, ipv6Address: ipv6}
	}

	return networkConfig{
		mdnsInterface: s.networkSetting(keyMdnsInterface, s.cfg.MdnsInterface,
			func(v string) bool { return interfaceExists(ifAddrs, v) }, "unknown interface"),
		ipv4Address: s.networkSetting(keyIPv4Address, s.cfg.IPv4Address,
			func(v string) bool { return ipv4Assigned(ifAddrs, v) }, "address not assigned to any interface"),
		ipv6Address: s.networkSetting(keyIPv6Address, s.cfg.IPv6Address,
			func(v string) bool { return ipv6Assigned(ifAddrs, v) }, "address not assigned to any interface"),
	}
}

// networkSetting resolves one override. A valid explicit value is
// persisted; an invalid explicit value is ignored for this run only; an
// invalid persisted value is removed.
func (s *Supervisor) networkSetting(key, explicit string, valid func(string) bool, reason string) string {
	if explicit != "" {
		if !valid(explicit) {
			s.logger.Warn("ignoring invalid network override", "key", key, "value", explicit, "reason", reason)
			return ""
		}
		if err := persistSetting(s, key, explicit); err != nil {
			s.logger.Warn("failed to persist network override", "key", key, "error", err)
		}
		return explicit
	}

	persisted, err := storage.GetDefault(s.settings, key, "")
	if err != nil {
		s.logger.Warn("failed to read network override", "key", key, "error", err)
		return ""
	}
	if persisted == "" {
		return ""
	}
	if valid(persisted) {
		return persisted
	}

	s.logger.Warn("clearing invalid persisted network override", "key", key, "value", persisted, "reason", reason)
	if err := s.settings.Remove(key); err != nil {
		s.logger.Warn("failed to clear network override", "key", key, "error", err)
	}
	return ""
}

func interfaceExists(ifAddrs sockaddr.IfAddrs, name string) bool {
	for _, ia := range ifAddrs {
		if ia.Name == name {
			return true
		}
	}
	return false
}

func ipv4Assigned(ifAddrs sockaddr.IfAddrs, addr string) bool {
	a, err := sockaddr.NewIPv4Addr(addr)
	if err != nil {
		return false
	}
	return ipAssigned(ifAddrs, *a.NetIP())
}

func ipv6Assigned(ifAddrs sockaddr.IfAddrs, addr string) bool {
	a, err := sockaddr.NewIPv6Addr(addr)
	if err != nil {
		return false
	}
	return ipAssigned(ifAddrs, *a.NetIP())
}

func ipAssigned(ifAddrs sockaddr.IfAddrs, want net.IP) bool {
	for _, ia := range ifAddrs {
		switch sa := ia.SockAddr.(type) {
		case sockaddr.IPv4Addr:
			if sa.NetIP().Equal(want) {
				return true
			}
		case sockaddr.IPv6Addr:
			if sa.NetIP().Equal(want) {
				return true
			}
		}
	}
	return false
}
