// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/matterbridge/matterbridged/storage"
)

// Storage context sub-trees. persist holds the node identity, the others are
// written by the commissioning machinery.
const (
	subPersist  = "persist"
	subEvents   = "events"
	subFabrics  = "fabrics"
	subRoot     = "root"
	subSessions = "sessions"
)

// StorageServiceConfig configures the Matter side storage service.
type StorageServiceConfig struct {
	// Dir is the live matter storage directory.
	Dir string

	// BackupDir is the sibling snapshot directory.
	BackupDir string

	// NoRestore disables recovery from BackupDir.
	NoRestore bool

	Logger hclog.Logger
}

// StorageService owns the Matter key/value store. Every server node opens a
// StorageContext keyed by its store ID.
type StorageService struct {
	store  *storage.Store
	logger hclog.Logger
}

// NewStorageService opens the matter store, running the same verification
// and restore protocol as the supervisor store.
func NewStorageService(c *StorageServiceConfig) (*StorageService, error) {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("matter")

	store, err := storage.Open(&storage.Config{
		Dir:       c.Dir,
		BackupDir: c.BackupDir,
		FileName:  "matter.db",
		NoRestore: c.NoRestore,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &StorageService{store: store, logger: logger}, nil
}

// Open returns the storage context for a store ID, creating it lazily.
func (s *StorageService) Open(storeID string) *StorageContext {
	return &StorageContext{root: s.store.Context(storeID)}
}

// Contexts lists all store IDs present in the matter store.
func (s *StorageService) Contexts() ([]string, error) {
	return s.store.Contexts()
}

// Delete removes a store ID and everything beneath it.
func (s *StorageService) Delete(storeID string) error {
	return s.store.DeleteContext(storeID)
}

// DeleteNamespace removes every context belonging to one owner: the
// context named after it plus the <owner>-<serial> device contexts.
func (s *StorageService) DeleteNamespace(owner string) error {
	ids, err := s.Contexts()
	if err != nil {
		return err
	}
	var mErr multierror.Error
	for _, id := range ids {
		if id != owner && !strings.HasPrefix(id, owner+"-") {
			continue
		}
		if err := s.Delete(id); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			continue
		}
		s.logger.Info("removed matter storage context", "owner", owner, "storeId", id)
	}
	return mErr.ErrorOrNil()
}

// Store exposes the underlying store for maintenance surfaces.
func (s *StorageService) Store() *storage.Store {
	return s.store
}

// Restored reports whether the open had to fall back to the backup copy.
func (s *StorageService) Restored() bool {
	return s.store.Restored()
}

// Close releases the store file.
func (s *StorageService) Close() error {
	return s.store.Close()
}

// StorageContext is the per store ID namespace a server node persists into.
// It is subdivided into the persist, events, fabrics, root and sessions
// trees.
type StorageContext struct {
	root *storage.Context
}

// StoreID returns the context's store ID.
func (c *StorageContext) StoreID() string {
	return c.root.Name()
}

// Persist returns the identity tree.
func (c *StorageContext) Persist() *storage.Context {
	return c.root.Sub(subPersist)
}

// Events returns the event journal tree.
func (c *StorageContext) Events() *storage.Context {
	return c.root.Sub(subEvents)
}

// Fabrics returns the commissioned fabrics tree.
func (c *StorageContext) Fabrics() *storage.Context {
	return c.root.Sub(subFabrics)
}

// Root returns the endpoint structure tree.
func (c *StorageContext) Root() *storage.Context {
	return c.root.Sub(subRoot)
}

// Sessions returns the session resumption tree.
func (c *StorageContext) Sessions() *storage.Context {
	return c.root.Sub(subSessions)
}

// ClearCommissioning wipes everything a commissioned controller left behind
// plus the node identity: the events, fabrics, root and sessions trees and
// the persist tree. Used by the reset paths.
func (c *StorageContext) ClearCommissioning() error {
	var mErr multierror.Error
	for _, sub := range []string{subEvents, subFabrics, subRoot, subSessions, subPersist} {
		if err := c.root.Sub(sub).Clear(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// ClearParts wipes the endpoint structure and session trees while keeping
// fabrics intact. Used when all bridged devices were unregistered.
func (c *StorageContext) ClearParts() error {
	var mErr multierror.Error
	for _, sub := range []string{subRoot, subSessions} {
		if err := c.root.Sub(sub).Clear(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}
