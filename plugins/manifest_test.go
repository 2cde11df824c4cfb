// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/matterbridge/matterbridged/ci"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	must.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(content), 0o644))
}

func TestManifest_LoadManifest(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	writeManifest(t, dir, `{
  "name": "matterbridge-shelly",
  "version": "1.2.3",
  "description": "Shelly devices",
  "author": "someone",
  "type": "DynamicPlatform",
  "source": "github.com/someone/matterbridge-shelly/releases/latest"
}`)

	m, err := LoadManifest(dir)
	must.NoError(t, err)
	must.Eq(t, "matterbridge-shelly", m.Name)
	must.Eq(t, "1.2.3", m.Version)
	must.Eq(t, TypeDynamic, m.Type)
	must.Eq(t, dir, m.Path)
	must.Eq(t, filepath.Join(dir, "matterbridge-shelly"), m.ExecutablePath())
}

func TestManifest_LoadManifest_Defaults(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	writeManifest(t, dir, `{"name": "matterbridge-hue"}`)

	m, err := LoadManifest(dir)
	must.NoError(t, err)
	must.Eq(t, TypeDynamic, m.Type)
	must.Eq(t, "0.0.0", m.Version)
	must.Eq(t, "matterbridge-hue", m.Executable)
}

func TestManifest_LoadManifest_Malformed(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	writeManifest(t, dir, `{"name": "broken"`)

	_, err := LoadManifest(dir)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "parsing manifest")
}

func TestManifest_LoadManifest_Missing(t *testing.T) {
	ci.Parallel(t)

	_, err := LoadManifest(t.TempDir())
	must.Error(t, err)
	must.StrContains(t, err.Error(), "reading manifest")
}

func TestManifest_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name     string
		manifest Manifest
		expError string
	}{
		{
			name:     "valid",
			manifest: Manifest{Name: "matterbridge-zigbee2mqtt", Type: TypeDynamic},
		},
		{
			name:     "valid accessory",
			manifest: Manifest{Name: "matterbridge-doorbell", Type: TypeAccessory},
		},
		{
			name:     "missing name",
			manifest: Manifest{Type: TypeDynamic},
			expError: "missing a name",
		},
		{
			name:     "path traversal name",
			manifest: Manifest{Name: "../evil", Type: TypeDynamic},
			expError: "invalid characters",
		},
		{
			name:     "whitespace name",
			manifest: Manifest{Name: "my plugin", Type: TypeDynamic},
			expError: "invalid characters",
		},
		{
			name:     "unknown type",
			manifest: Manifest{Name: "matterbridge-x", Type: "AnyPlatform"},
			expError: `unknown type "AnyPlatform"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.manifest.Validate()
			if tc.expError == "" {
				must.NoError(t, err)
				return
			}
			must.Error(t, err)
			must.StrContains(t, err.Error(), tc.expError)
		})
	}
}
