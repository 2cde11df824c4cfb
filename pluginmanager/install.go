// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package pluginmanager

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-cleanhttp"
	gg "github.com/hashicorp/go-getter"
)

// getters maps the download schemes plugin sources may use. HTTP
// fetches run on a clean client so no transport state is shared with
// anything else in the process.
var getters = func() map[string]gg.Getter {
	httpGetter := &gg.HttpGetter{
		Client: cleanhttp.DefaultClient(),
		Netrc:  true,
	}
	return map[string]gg.Getter{
		"http":  httpGetter,
		"https": httpGetter,
		"git":   new(gg.GitGetter),
		"hg":    new(gg.HgGetter),
		"s3":    new(gg.S3Getter),
		"gcs":   new(gg.GCSGetter),
		"file":  new(gg.FileGetter),
	}
}()

// install fetches a plugin from a go-getter source into dest. Sources
// follow go-getter syntax, so releases can come from https archives,
// git repositories or plain directories.
func (m *Manager) install(ctx context.Context, source, dest string) error {
	client := &gg.Client{
		Ctx:     ctx,
		Src:     source,
		Dst:     dest,
		Mode:    gg.ClientModeAny,
		Getters: getters,
	}
	if err := client.Get(); err != nil {
		return fmt.Errorf("fetching %s: %w", source, err)
	}
	return nil
}

// Install fetches a plugin from source into the plugins directory under
// the given name and registers it.
func (m *Manager) Install(ctx context.Context, name, source string) (*PluginInfo, error) {
	m.mu.Lock()
	_, exists := m.byName[name]
	m.mu.Unlock()
	if exists {
		return nil, &PluginError{Plugin: name, Op: "install", Err: ErrPluginRegistered}
	}

	dest := m.installPath(name)
	if err := m.install(ctx, source, dest); err != nil {
		return nil, &PluginError{Plugin: name, Op: "install", Err: err}
	}

	info, err := m.Add(dest)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if inst, ok := m.byName[info.Name]; ok && inst.entry.Source == "" {
		inst.entry.Source = source
		if serr := m.saveRosterLocked(); serr != nil {
			m.mu.Unlock()
			return nil, serr
		}
		info = inst.info()
	}
	m.mu.Unlock()
	return info, nil
}

func (m *Manager) installPath(name string) string {
	return filepath.Join(m.pluginsDir, name)
}
