// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/go-homedir"

	"github.com/matterbridge/matterbridged/storage"
)

const (
	homeDirName   = ".matterbridge"
	pluginDirName = "Matterbridge"
	certDirName   = ".mattercert"

	// storeFileName is the supervisor's own bolt store inside the
	// storage directory. The matter runtime keeps its own file.
	storeFileName = "supervisor.db"
)

// Dirs is the resolved on-disk layout of one supervisor instance. All
// paths are absolute once resolveDirs returns.
type Dirs struct {
	// Home is the supervisor state root, .matterbridge under the user
	// home by default.
	Home          string
	Certs         string
	Uploads       string
	Storage       string
	StorageBackup string

	// MatterStorage holds the matter runtime's node state, kept apart
	// from the supervisor store so a factory reset can wipe either side
	// independently of log files and certificates.
	MatterStorage       string
	MatterStorageBackup string

	// LogFile and MatterLogFile are the optional file logging targets.
	LogFile       string
	MatterLogFile string

	// Plugins is where external plugins are installed.
	Plugins string

	// CertDir holds operator-provided material, the pairing file among
	// it.
	CertDir string
}

// resolveDirs lays the directory tree out under root, defaulting root to
// the user home. A non-empty profile inserts profiles/<name> below each
// top-level directory so several supervisors can share one account
// without sharing state.
func resolveDirs(root, profile string) (Dirs, error) {
	if root == "" {
		home, err := homedir.Dir()
		if err != nil {
			return Dirs{}, fmt.Errorf("supervisor: resolving user home: %w", err)
		}
		root = home
	}

	home := insertProfile(filepath.Join(root, homeDirName), profile)
	return Dirs{
		Home:                home,
		Certs:               filepath.Join(home, "certs"),
		Uploads:             filepath.Join(home, "uploads"),
		Storage:             filepath.Join(home, "storage"),
		StorageBackup:       filepath.Join(home, "storage.backup"),
		MatterStorage:       filepath.Join(home, "matterstorage"),
		MatterStorageBackup: filepath.Join(home, "matterstorage.backup"),
		LogFile:             filepath.Join(home, "matterbridge.log"),
		MatterLogFile:       filepath.Join(home, "matter.log"),
		Plugins:             insertProfile(filepath.Join(root, pluginDirName), profile),
		CertDir:             insertProfile(filepath.Join(root, certDirName), profile),
	}, nil
}

func insertProfile(dir, profile string) string {
	if profile == "" {
		return dir
	}
	return filepath.Join(dir, "profiles", profile)
}

// ResolveDirs maps a home root and profile onto the directory layout
// without creating anything. The store commands use it to find the same
// files a supervisor over the same root would.
func ResolveDirs(root, profile string) (Dirs, error) {
	return resolveDirs(root, profile)
}

// OpenStore opens the supervisor store of this layout, running the
// usual verify and restore protocol. With noRestore set, corruption is
// returned instead of recovered from the backup.
func (d Dirs) OpenStore(noRestore bool, logger hclog.Logger) (*storage.Store, error) {
	return storage.Open(&storage.Config{
		Dir:       d.Storage,
		BackupDir: d.StorageBackup,
		FileName:  storeFileName,
		NoRestore: noRestore,
		Logger:    logger,
	})
}

// ensure creates the directories the supervisor writes into. The storage
// directories are covered too so the stores never race their parents into
// existence.
func (d Dirs) ensure() error {
	for _, dir := range []string{
		d.Home,
		d.Certs,
		d.Uploads,
		d.Storage,
		d.StorageBackup,
		d.MatterStorage,
		d.MatterStorageBackup,
		d.Plugins,
		d.CertDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("supervisor: creating %s: %w", dir, err)
		}
	}
	return nil
}
