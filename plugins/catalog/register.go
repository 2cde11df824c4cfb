// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package catalog

import (
	"github.com/matterbridge/matterbridged/plugins/builtin/exampledynamic"
	"github.com/matterbridge/matterbridged/plugins/builtin/examplelight"
)

// This file is where all builtin platforms are registered in the
// catalog.
func init() {
	Register(examplelight.Manifest, examplelight.New)
	Register(exampledynamic.Manifest, exampledynamic.New)
}
