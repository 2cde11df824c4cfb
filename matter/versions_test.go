// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"strings"
	"testing"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/shoenig/test/must"
)

func TestSoftwareVersionFromString(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		in     string
		expect uint32
	}{
		{"1.0.0", 1_000_000},
		{"2.1.3", 2_001_003},
		{"0.9.12", 9_012},
		{"3.2", 3_002_000},
		{"v1.4.1", 1_004_001},
		{"not-a-version", 1},
		{"", 1},
	}
	for _, tc := range cases {
		must.Eq(t, tc.expect, SoftwareVersionFromString(tc.in), must.Sprintf("input %q", tc.in))
	}
}

func TestNormalizeSoftwareVersionString(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "2.1.3", NormalizeSoftwareVersionString("2.1.3"))
	must.Eq(t, "1.0.0", NormalizeSoftwareVersionString(""))
	must.Eq(t, "1.0.0", NormalizeSoftwareVersionString("garbage"))
}

func TestHardwareVersionFromString(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, uint16(102), HardwareVersionFromString("1.2"))
	must.Eq(t, uint16(100), HardwareVersionFromString("1.0.0"))
	must.Eq(t, uint16(1), HardwareVersionFromString("unknown"))
}

func TestDeriveUniqueID(t *testing.T) {
	ci.Parallel(t)

	a := DeriveUniqueID("example-plugin", "serial-1", "Living Room Light")
	b := DeriveUniqueID("example-plugin", "serial-1", "Living Room Light")
	c := DeriveUniqueID("example-plugin", "serial-2", "Living Room Light")

	must.Eq(t, a, b)
	must.NotEq(t, a, c)
	must.Eq(t, 32, len(a))
}

func TestGenerateUniqueID(t *testing.T) {
	ci.Parallel(t)

	id, err := GenerateUniqueID()
	must.NoError(t, err)
	must.Eq(t, 32, len(id))
	must.False(t, strings.Contains(id, "-"))
}
