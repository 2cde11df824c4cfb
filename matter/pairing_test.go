// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"strings"
	"testing"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/shoenig/test/must"
)

func TestVerhoeffCheckDigit(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		digits string
		expect int
	}{
		{"236", 3},
		{"3497011233", 2},
	}
	for _, tc := range cases {
		must.Eq(t, tc.expect, verhoeffCheckDigit(tc.digits), must.Sprintf("digits %s", tc.digits))
	}
}

func TestManualPairingCode(t *testing.T) {
	ci.Parallel(t)

	// The onboarding code every Matter test harness knows by heart.
	must.Eq(t, "34970112332", ManualPairingCode(20202021, 3840))
}

func TestManualPairingCode_Structure(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		passcode      uint32
		discriminator uint16
	}{
		{20202021, 3840},
		{84515241, 2332},
		{100000, 0},
		{99999998, 4095},
		{123456, 1},
	}

	for _, tc := range cases {
		code := ManualPairingCode(tc.passcode, tc.discriminator)
		must.Eq(t, 11, len(code))
		for _, r := range code {
			must.True(t, r >= '0' && r <= '9')
		}
		check := verhoeffCheckDigit(code[:10])
		must.Eq(t, byte('0')+byte(check), code[10])
	}
}

func TestQRPairingCode(t *testing.T) {
	ci.Parallel(t)

	// Same identity as the well known chip sample code, advertised over IP
	// instead of BLE.
	code := QRPairingCode(0xFFF1, 0x8000, 20202021, 3840)
	must.Eq(t, "MT:Y.K90AFN00KA0648G00", code)
}

func TestQRPairingCode_Structure(t *testing.T) {
	ci.Parallel(t)

	code := QRPairingCode(0x130D, 0x0001, 84515241, 2332)
	must.True(t, strings.HasPrefix(code, "MT:"))
	must.Eq(t, 22, len(code))
	for _, r := range code[3:] {
		must.True(t, strings.ContainsRune(base38Alphabet, r))
	}
}

func TestGeneratePasscode(t *testing.T) {
	ci.Parallel(t)

	for i := 0; i < 200; i++ {
		p, err := GeneratePasscode()
		must.NoError(t, err)
		must.True(t, p >= 100000 && p <= 999999)
		must.True(t, ValidPasscode(p))
	}
}

func TestGenerateDiscriminator(t *testing.T) {
	ci.Parallel(t)

	for i := 0; i < 200; i++ {
		d, err := GenerateDiscriminator()
		must.NoError(t, err)
		must.True(t, ValidDiscriminator(d))
	}
}

func TestValidPasscode(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		passcode uint32
		valid    bool
	}{
		{0, false},
		{1, true},
		{20202021, true},
		{11111111, false},
		{22222222, false},
		{12345678, false},
		{87654321, false},
		{99999998, true},
		{99999999, false},
		{100000000, false},
	}
	for _, tc := range cases {
		must.Eq(t, tc.valid, ValidPasscode(tc.passcode), must.Sprintf("passcode %d", tc.passcode))
	}
}

func TestValidDiscriminator(t *testing.T) {
	ci.Parallel(t)

	must.True(t, ValidDiscriminator(0))
	must.True(t, ValidDiscriminator(4095))
	must.False(t, ValidDiscriminator(4096))
}
