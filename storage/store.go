// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package storage implements the supervisor's persistent key/value stores.
//
// A Store owns one bbolt file inside a root directory. Top level buckets act
// as named contexts (one per plugin, one for the bridge itself); nested
// buckets form sub-contexts. Values are msgpack encoded.
//
// Opening a store verifies that every stored value can be read back. A store
// that fails verification is restored from its backup directory and opened
// again; after any successful open the backup is refreshed so it always holds
// a point-in-time consistent copy from a past successful open.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/bbolt"
)

// openTimeout bounds how long Open waits on the bbolt file lock. A second
// supervisor process holding the lock surfaces as ErrLocked instead of
// hanging forever.
const openTimeout = 5 * time.Second

// Config configures a Store.
type Config struct {
	// Dir is the live root directory of the store. Created if missing.
	Dir string

	// BackupDir is the sibling directory holding the consistent snapshot.
	BackupDir string

	// FileName is the bbolt file name inside Dir.
	FileName string

	// NoRestore disables recovery from BackupDir. Corruption is then fatal.
	NoRestore bool

	// Logger is the parent logger; the store logs under "storage".
	Logger hclog.Logger
}

// Store is a namespaced, crash safe key/value store.
type Store struct {
	dir       string
	backupDir string
	fileName  string
	noRestore bool
	logger    hclog.Logger

	mu       sync.Mutex
	db       *bbolt.DB
	closed   bool
	restored bool
}

// Open opens the store, verifying and if necessary restoring it per the
// recovery protocol. The returned error is fatal: either the lock is held
// elsewhere, or the store is corrupt and could not be restored.
func Open(c *Config) (*Store, error) {
	if c.FileName == "" {
		c.FileName = "store.db"
	}
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Store{
		dir:       c.Dir,
		backupDir: c.BackupDir,
		fileName:  c.FileName,
		noRestore: c.NoRestore,
		logger:    logger.Named("storage"),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %q: %w", s.dir, err)
	}

	db, err := s.openAndVerify()
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, err
		}

		cerr := &CorruptError{Path: s.path(), Err: err}
		if s.noRestore {
			return nil, cerr
		}

		s.logger.Error("store failed verification, restoring from backup",
			"path", s.path(), "backup", s.backupDir, "error", err)
		if _, statErr := os.Stat(s.backupDir); statErr != nil {
			return nil, fmt.Errorf("no backup to restore: %w", cerr)
		}
		if copyErr := CopyTree(s.backupDir, s.dir); copyErr != nil {
			return nil, fmt.Errorf("restore failed: %v: %w", copyErr, cerr)
		}

		db, err = s.openAndVerify()
		if err != nil {
			return nil, &CorruptError{Path: s.path(), Err: fmt.Errorf("restored copy failed verification: %w", err)}
		}
		s.restored = true
		s.logger.Info("store restored from backup", "path", s.path())
	}

	s.db = db

	if s.backupDir != "" {
		if err := s.refreshBackup(); err != nil {
			// The live store is healthy. A failed backup refresh is logged,
			// not fatal.
			s.logger.Error("failed to refresh storage backup", "backup", s.backupDir, "error", err)
		}
	}

	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.fileName)
}

// openAndVerify opens the bbolt file and walks every bucket, reading every
// value back. Any undecodable value closes the db and reports corruption.
func (s *Store) openAndVerify() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path(), 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %q", ErrLocked, s.path())
		}
		return nil, err
	}

	err = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			return verifyBucket(string(name), b)
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func verifyBucket(name string, b *bbolt.Bucket) error {
	return b.ForEach(func(k, v []byte) error {
		if v == nil {
			sub := b.Bucket(k)
			if sub == nil {
				return fmt.Errorf("bucket %q: entry %q is neither value nor bucket", name, k)
			}
			return verifyBucket(name+"/"+string(k), sub)
		}
		var out any
		if err := decode(v, &out); err != nil {
			return fmt.Errorf("bucket %q: key %q unreadable: %w", name, k, err)
		}
		return nil
	})
}

// refreshBackup mirrors the live directory into the backup directory. The
// bbolt file itself is snapshotted through a read transaction so the copy is
// consistent while the store stays open.
func (s *Store) refreshBackup() error {
	if err := os.RemoveAll(s.backupDir); err != nil {
		return err
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(s.dir, entry.Name())
		dst := filepath.Join(s.backupDir, entry.Name())

		if entry.Name() == s.fileName && !entry.IsDir() {
			err = s.db.View(func(tx *bbolt.Tx) error {
				return tx.CopyFile(dst, 0o600)
			})
			if err != nil {
				return fmt.Errorf("failed to snapshot %q: %w", src, err)
			}
			continue
		}

		if entry.IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			if err := copyDir(src, dst); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}

	s.logger.Debug("storage backup refreshed", "backup", s.backupDir)
	return nil
}

// Backup refreshes the backup snapshot on demand.
func (s *Store) Backup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.backupDir == "" {
		return nil
	}
	return s.refreshBackup()
}

// Restored reports whether the open had to fall back to the backup copy.
func (s *Store) Restored() bool {
	return s.restored
}

// Dir returns the live root directory.
func (s *Store) Dir() string {
	return s.dir
}

// BackupDir returns the backup directory.
func (s *Store) BackupDir() string {
	return s.backupDir
}

// Context returns the named top level context. The underlying bucket is
// created lazily on first write, so asking for a context never fails.
func (s *Store) Context(name string) *Context {
	return &Context{store: s, path: []string{name}}
}

// Contexts lists the names of all top level contexts.
func (s *Store) Contexts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DeleteContext removes a top level context and everything beneath it.
// Deleting a context that does not exist is a no-op.
func (s *Store) DeleteContext(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
}

// Close releases the store file. Writes are committed per operation, so close
// has nothing to flush.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// update runs fn in a write transaction.
func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

// view runs fn in a read transaction.
func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}
