// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/helper/pointer"
)

var basicConfig = &Config{
	Mode:             "childbridge",
	HomeDir:          "/opt/matterbridge",
	Profile:          "blue",
	Test:             true,
	Port:             pointer.Of(5541),
	Passcode:         pointer.Of(20202022),
	Discriminator:    pointer.Of(3841),
	MdnsInterface:    "eth0",
	IPv4Address:      "192.168.0.10",
	IPv6Address:      "fd00::10",
	VendorID:         pointer.Of(65521),
	VendorName:       "Acme",
	ProductID:        pointer.Of(32769),
	ProductName:      "Acme bridge",
	LogLevel:         "debug",
	MatterLogLevel:   "error",
	FileLogger:       pointer.Of(true),
	MatterFileLogger: pointer.Of(false),
	VirtualMode:      "outlet",
	NoRestore:        true,
	NoVirtual:        true,
	ReadOnly:         true,
	Shelly:           true,
	Frontend:         8283,
	SSL:              true,
	MTLS:             true,
	Service:          true,
	Docker:           true,
	Delay:            pointer.Of(30),
	FixedDelay:       pointer.Of(10),
}

var partialConfig = &Config{
	Mode:     "bridge",
	LogLevel: "warn",
}

func TestConfig_Parse(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		File   string
		Result *Config
		Err    string
	}{
		{File: "basic.hcl", Result: basicConfig},
		{File: "partial.hcl", Result: partialConfig},
		{File: "invalid-keys.hcl", Err: "invalid keys"},
		{File: "does-not-exist.hcl", Err: "no such file"},
	}

	for _, tc := range cases {
		t.Run(tc.File, func(t *testing.T) {
			path, err := filepath.Abs(filepath.Join("testdata", tc.File))
			must.NoError(t, err)

			actual, err := ParseConfigFile(path)
			if tc.Err != "" {
				must.Error(t, err)
				must.StrContains(t, err.Error(), tc.Err)
				return
			}
			must.NoError(t, err)
			must.Eq(t, tc.Result, actual)
		})
	}
}

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	path, err := filepath.Abs(filepath.Join("testdata", "basic.hcl"))
	must.NoError(t, err)
	base, err := ParseConfigFile(path)
	must.NoError(t, err)

	// an empty overlay changes nothing
	merged := base.Merge(DefaultConfig())
	must.Eq(t, base, merged)

	// a later file wins field by field and leaves the rest alone
	merged = base.Merge(partialConfig)
	must.Eq(t, "bridge", merged.Mode)
	must.Eq(t, "warn", merged.LogLevel)
	must.Eq(t, "blue", merged.Profile)
	must.Eq(t, pointer.Of(5541), merged.Port)
	must.Eq(t, pointer.Of(true), merged.FileLogger)

	// merge does not mutate its receiver
	must.Eq(t, "childbridge", base.Mode)
}

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		config *Config
		err    string
	}{
		{name: "empty", config: &Config{}},
		{name: "full", config: basicConfig},
		{
			name:   "bad mode",
			config: &Config{Mode: "server"},
			err:    `invalid mode "server"`,
		},
		{
			name:   "bad virtual mode",
			config: &Config{VirtualMode: "toaster"},
			err:    "unknown virtual mode",
		},
		{
			name:   "port too small",
			config: &Config{Port: pointer.Of(0)},
			err:    "port must be between",
		},
		{
			name:   "port too large",
			config: &Config{Port: pointer.Of(65536)},
			err:    "port must be between",
		},
		{
			name:   "passcode without discriminator",
			config: &Config{Passcode: pointer.Of(20202021)},
			err:    "only accepted together",
		},
		{
			name:   "discriminator without passcode",
			config: &Config{Discriminator: pointer.Of(3840)},
			err:    "only accepted together",
		},
		{
			name:   "passcode out of range",
			config: &Config{Passcode: pointer.Of(99999999), Discriminator: pointer.Of(3840)},
			err:    "passcode must be between",
		},
		{
			name:   "discriminator out of range",
			config: &Config{Passcode: pointer.Of(20202021), Discriminator: pointer.Of(4096)},
			err:    "discriminator must be between",
		},
		{
			name:   "vendor id zero",
			config: &Config{VendorID: pointer.Of(0)},
			err:    "vendorId must be between",
		},
		{
			name:   "product id zero",
			config: &Config{ProductID: pointer.Of(0)},
			err:    "productId must be between",
		},
		{
			name:   "frontend port out of range",
			config: &Config{Frontend: 65536},
			err:    "frontend port must be between",
		},
		{
			name:   "negative delay",
			config: &Config{Delay: pointer.Of(-1)},
			err:    "delay must not be negative",
		},
		{
			name:   "negative fixed delay",
			config: &Config{FixedDelay: pointer.Of(-5)},
			err:    "fixed_delay must not be negative",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.err == "" {
				must.NoError(t, err)
				return
			}
			must.Error(t, err)
			must.StrContains(t, err.Error(), tc.err)
		})
	}
}

func TestConfig_SupervisorConfig(t *testing.T) {
	ci.Parallel(t)

	sc := basicConfig.SupervisorConfig()

	must.Eq(t, "/opt/matterbridge", sc.HomeDir)
	must.Eq(t, "blue", sc.Profile)
	must.Eq(t, "childbridge", sc.Mode)
	must.True(t, sc.Test)
	must.Eq(t, "outlet", sc.VirtualMode)

	must.Eq(t, pointer.Of(uint16(5541)), sc.Port)
	must.Eq(t, pointer.Of(uint32(20202022)), sc.Passcode)
	must.Eq(t, pointer.Of(uint16(3841)), sc.Discriminator)
	must.Eq(t, pointer.Of(uint16(65521)), sc.VendorID)
	must.Eq(t, pointer.Of(uint16(32769)), sc.ProductID)

	must.Eq(t, "debug", sc.LogLevel)
	must.Eq(t, "error", sc.MatterLogLevel)
	must.Eq(t, pointer.Of(true), sc.FileLog)
	must.Eq(t, pointer.Of(false), sc.MatterFileLog)

	must.True(t, sc.NoRestore)
	must.True(t, sc.NoVirtual)
	must.True(t, sc.ReadOnly)
	must.True(t, sc.Shelly)

	// the fixed delay wins over the random bound
	must.Eq(t, 10*time.Second, sc.StartDelay)

	// unset identity pointers stay unset
	empty := (&Config{}).SupervisorConfig()
	must.Nil(t, empty.Port)
	must.Nil(t, empty.Passcode)
	must.Nil(t, empty.Discriminator)
	must.Eq(t, time.Duration(0), empty.StartDelay)
}

func TestConfig_StartDelay(t *testing.T) {
	ci.Parallel(t)

	// a random delay stays within (0, bound]
	c := &Config{Delay: pointer.Of(5)}
	for i := 0; i < 20; i++ {
		d := c.startDelay()
		must.Greater(t, time.Duration(0), d)
		must.LessEq(t, 5*time.Second, d)
	}

	// zero bounds disable the delay
	must.Eq(t, time.Duration(0), (&Config{Delay: pointer.Of(0)}).startDelay())
	must.Eq(t, time.Duration(0), (&Config{FixedDelay: pointer.Of(0)}).startDelay())
}
