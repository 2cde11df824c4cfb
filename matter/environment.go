// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package matter is the boundary between the supervisor and the Matter data
// model. It owns server nodes, endpoints, pairing codes and the Matter side
// storage. The commissioning protocol itself (secure channel, mDNS, message
// exchange) is the business of an external protocol engine that drives the
// node's Commission, session and attribute entry points.
package matter

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
)

// EnvironmentConfig carries the process level settings of the embedded
// runtime.
type EnvironmentConfig struct {
	// StorageDir is the live matter storage directory.
	StorageDir string

	// StorageBackupDir is the sibling snapshot directory.
	StorageBackupDir string

	// NoRestore disables storage recovery from the backup.
	NoRestore bool

	// MdnsInterface optionally pins advertising to one network interface.
	MdnsInterface string

	// IPv4Address and IPv6Address optionally pin the listening addresses.
	IPv4Address string
	IPv6Address string

	// HandleSignals installs the runtime's own SIGINT/SIGTERM hook. The
	// supervisor leaves this off because it owns process shutdown itself.
	HandleSignals bool

	Logger hclog.Logger
}

// Environment is the root object of the embedded Matter runtime: storage
// plus the network personality shared by all server nodes.
type Environment struct {
	cfg     EnvironmentConfig
	logger  hclog.Logger
	storage *StorageService

	mu       sync.Mutex
	signalCh chan os.Signal
	closed   bool
}

// NewEnvironment opens the matter storage and prepares the runtime
// environment.
func NewEnvironment(c *EnvironmentConfig) (*Environment, error) {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	storage, err := NewStorageService(&StorageServiceConfig{
		Dir:       c.StorageDir,
		BackupDir: c.StorageBackupDir,
		NoRestore: c.NoRestore,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Environment{
		cfg:     *c,
		logger:  logger.Named("matter"),
		storage: storage,
	}

	if c.HandleSignals {
		e.signalCh = make(chan os.Signal, 1)
		signal.Notify(e.signalCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			if _, ok := <-e.signalCh; ok {
				e.logger.Info("signal received, closing environment")
				e.Close()
			}
		}()
	}

	return e, nil
}

// Storage returns the matter storage service.
func (e *Environment) Storage() *StorageService {
	return e.storage
}

// MdnsInterface returns the pinned advertising interface, empty for all.
func (e *Environment) MdnsInterface() string {
	return e.cfg.MdnsInterface
}

// IPv4Address returns the pinned IPv4 listen address, empty for all.
func (e *Environment) IPv4Address() string {
	return e.cfg.IPv4Address
}

// IPv6Address returns the pinned IPv6 listen address, empty for all.
func (e *Environment) IPv6Address() string {
	return e.cfg.IPv6Address
}

// Close releases the environment and its storage.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.signalCh != nil {
		signal.Stop(e.signalCh)
		close(e.signalCh)
	}
	e.mu.Unlock()

	return e.storage.Close()
}
