// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

// ManifestFile is the file name an installed plugin directory must
// contain to be recognized.
const ManifestFile = "matterbridge.json"

// validPluginName limits names to what is safe in storage context names
// and directory names.
var validPluginName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Manifest describes an installed plugin. Builtin plugins register a
// manifest with the catalog at compile time; external plugins ship one
// as a JSON file next to their executable.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	// Type is the platform type. Defaults to DynamicPlatform.
	Type Type `json:"type,omitempty"`

	// Executable is the plugin binary relative to the manifest's
	// directory. Defaults to the plugin name. Unused for builtins.
	Executable string `json:"executable,omitempty"`

	// Source is a go-getter URL the plugin can be reinstalled from.
	Source string `json:"source,omitempty"`

	HomePage string `json:"homepage,omitempty"`

	// Path is the directory the manifest was loaded from. Empty for
	// builtins.
	Path string `json:"-"`
}

// LoadManifest reads and canonicalizes the manifest in dir. A missing
// or malformed manifest is an error; callers mark the plugin
// accordingly instead of failing the supervisor.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("plugins: reading manifest in %s: %w", dir, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("plugins: parsing manifest in %s: %w", dir, err)
	}
	m.Path = dir
	m.Canonicalize()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("plugins: invalid manifest in %s: %w", dir, err)
	}
	return &m, nil
}

// Canonicalize fills defaulted fields in place.
func (m *Manifest) Canonicalize() {
	if m.Type == "" {
		m.Type = TypeDynamic
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if m.Executable == "" {
		m.Executable = m.Name
	}
}

// Validate checks the manifest after canonicalization.
func (m *Manifest) Validate() error {
	var mErr multierror.Error
	if m.Name == "" {
		mErr.Errors = append(mErr.Errors, errors.New("manifest is missing a name"))
	} else if !validPluginName.MatchString(m.Name) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("plugin name %q contains invalid characters", m.Name))
	}
	if !m.Type.Valid() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("plugin %q has unknown type %q", m.Name, m.Type))
	}
	return mErr.ErrorOrNil()
}

// ExecutablePath returns the absolute path of the plugin binary.
func (m *Manifest) ExecutablePath() string {
	return filepath.Join(m.Path, m.Executable)
}

// Copy returns a copy of the manifest.
func (m *Manifest) Copy() *Manifest {
	if m == nil {
		return nil
	}
	nm := new(Manifest)
	*nm = *m
	return nm
}
