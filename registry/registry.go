// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package registry tracks every bridged endpoint the plugins contributed,
// keyed by plugin name and serial number.
package registry

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/matter"
)

const tableDevices = "devices"

// Entry is one registered bridged endpoint.
type Entry struct {
	// Key is "<plugin>/<serial>", the registry's unique identity.
	Key string

	Plugin   string
	Serial   string
	UniqueID string
	Name     string

	// Endpoint is the live Matter endpoint backing the device.
	Endpoint *matter.Endpoint
}

// EntryKey builds the registry identity of a plugin's serial.
func EntryKey(plugin, serial string) string {
	return plugin + "/" + serial
}

// Config configures a Registry.
type Config struct {
	Logger hclog.Logger

	// Broker receives a devices refresh on every mutation. Optional.
	Broker *frontend.Broker
}

// Registry is the in-memory device set. All mutations flow through the
// plugin manager and the platform API; reads are safe from any goroutine.
type Registry struct {
	logger hclog.Logger
	broker *frontend.Broker
	db     *memdb.MemDB
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableDevices: {
				Name: tableDevices,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"plugin": {
						Name:    "plugin",
						Indexer: &memdb.StringFieldIndex{Field: "Plugin"},
					},
					"serial": {
						Name:    "serial",
						Indexer: &memdb.StringFieldIndex{Field: "Serial"},
					},
				},
			},
		},
	}
}

// New builds an empty registry.
func New(c *Config) (*Registry, error) {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create device table: %w", err)
	}

	return &Registry{
		logger: logger.Named("registry"),
		broker: c.Broker,
		db:     db,
	}, nil
}

// Set registers an endpoint. A serial already registered by the same plugin
// is rejected.
func (r *Registry) Set(e Entry) error {
	if e.Plugin == "" || e.Serial == "" {
		return fmt.Errorf("registry: entry requires plugin and serial")
	}
	e.Key = EntryKey(e.Plugin, e.Serial)

	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableDevices, "id", e.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("registry: device %q already registered", e.Key)
	}
	if err := txn.Insert(tableDevices, &e); err != nil {
		return err
	}
	txn.Commit()

	r.logger.Debug("device registered", "plugin", e.Plugin, "serial", e.Serial, "name", e.Name)
	r.notify()
	return nil
}

// Get looks an entry up by plugin and serial.
func (r *Registry) Get(plugin, serial string) (*Entry, bool) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableDevices, "id", EntryKey(plugin, serial))
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*Entry), true
}

// Remove drops one entry, returning it if present.
func (r *Registry) Remove(plugin, serial string) (*Entry, bool) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableDevices, "id", EntryKey(plugin, serial))
	if err != nil || raw == nil {
		return nil, false
	}
	entry := raw.(*Entry)
	if err := txn.Delete(tableDevices, entry); err != nil {
		return nil, false
	}
	txn.Commit()

	r.logger.Debug("device removed", "plugin", plugin, "serial", serial)
	r.notify()
	return entry, true
}

// RemovePlugin drops every entry of one plugin, returning the removed set.
func (r *Registry) RemovePlugin(plugin string) []*Entry {
	txn := r.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableDevices, "plugin", plugin)
	if err != nil {
		return nil
	}

	var removed []*Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		removed = append(removed, raw.(*Entry))
	}
	for _, entry := range removed {
		if err := txn.Delete(tableDevices, entry); err != nil {
			return removed
		}
	}
	txn.Commit()

	if len(removed) > 0 {
		r.logger.Debug("plugin devices removed", "plugin", plugin, "count", len(removed))
		r.notify()
	}
	return removed
}

// Array returns all entries ordered by key.
func (r *Registry) Array() []*Entry {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableDevices, "id")
	if err != nil {
		return nil
	}

	var out []*Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Entry))
	}
	return out
}

// ByPlugin returns one plugin's entries ordered by key.
func (r *Registry) ByPlugin(plugin string) []*Entry {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableDevices, "plugin", plugin)
	if err != nil {
		return nil
	}

	var out []*Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Entry))
	}
	return out
}

// CountByPlugin returns how many devices a plugin registered.
func (r *Registry) CountByPlugin(plugin string) int {
	return len(r.ByPlugin(plugin))
}

// Size returns the total entry count.
func (r *Registry) Size() int {
	return len(r.Array())
}

// Clear drops every entry.
func (r *Registry) Clear() {
	txn := r.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableDevices, "id"); err != nil {
		return
	}
	txn.Commit()
	r.notify()
}

func (r *Registry) notify() {
	if r.broker != nil {
		r.broker.RefreshRequired(frontend.ScopeDevices)
	}
}
