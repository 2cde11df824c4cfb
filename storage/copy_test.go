// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/shoenig/test/must"
)

func TestCopyTree(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	must.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	must.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	must.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("beta"), 0o644))

	// Pre-existing destination content must not survive the copy.
	must.NoError(t, os.MkdirAll(dst, 0o755))
	must.NoError(t, os.WriteFile(filepath.Join(dst, "stale.txt"), []byte("stale"), 0o644))

	must.NoError(t, CopyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	must.NoError(t, err)
	must.Eq(t, "alpha", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	must.NoError(t, err)
	must.Eq(t, "beta", string(data))

	_, err = os.Stat(filepath.Join(dst, "stale.txt"))
	must.True(t, os.IsNotExist(err))
}

func TestCopyTree_MissingSource(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	err := CopyTree(filepath.Join(root, "nope"), filepath.Join(root, "dst"))
	must.Error(t, err)
}
