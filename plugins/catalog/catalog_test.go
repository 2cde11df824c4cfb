// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package catalog

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/plugins"
	"github.com/matterbridge/matterbridged/plugins/builtin/exampledynamic"
	"github.com/matterbridge/matterbridged/plugins/builtin/examplelight"
)

func TestCatalog_Builtins(t *testing.T) {
	ci.Parallel(t)

	names := Names()
	must.SliceContains(t, names, examplelight.Name)
	must.SliceContains(t, names, exampledynamic.Name)
}

func TestCatalog_Lookup(t *testing.T) {
	ci.Parallel(t)

	r, ok := Lookup(examplelight.Name)
	must.True(t, ok)
	must.Eq(t, plugins.TypeAccessory, r.Manifest.Type)
	must.NotNil(t, r.Factory)

	// Lookup hands out copies.
	r.Manifest.Version = "mutated"
	again, ok := Lookup(examplelight.Name)
	must.True(t, ok)
	must.NotEq(t, "mutated", again.Manifest.Version)

	_, ok = Lookup("matterbridge-nope")
	must.False(t, ok)
}
