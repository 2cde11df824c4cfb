// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package pluginmanager

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// standardFailLimit is the startup poll budget in 1-second ticks.
	standardFailLimit = 120

	// embeddedFailLimit replaces it on small boards, where bringing up
	// device radios routinely takes minutes.
	embeddedFailLimit = 600

	// embeddedMemoryLimit is the total-RAM ceiling of the embedded
	// profile.
	embeddedMemoryLimit = 2 << 30
)

// defaultFailLimit fingerprints the host to pick the startup budget.
func defaultFailLimit() int {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return standardFailLimit
	}
	return failLimitForHost(runtime.GOARCH, vm.Total)
}

func failLimitForHost(arch string, totalMemory uint64) int {
	if totalMemory == 0 {
		return standardFailLimit
	}
	if totalMemory <= embeddedMemoryLimit && (arch == "arm" || arch == "arm64") {
		return embeddedFailLimit
	}
	return standardFailLimit
}
