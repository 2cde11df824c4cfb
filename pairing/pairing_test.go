// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package pairing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/matterbridge/matterbridged/ci"
	"github.com/matterbridge/matterbridged/helper/testlog"
)

func writePairingFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, FileName), []byte(contents), 0o644)
	must.NoError(t, err)
	return dir
}

func TestLoad_Missing(t *testing.T) {
	ci.Parallel(t)

	o, err := Load(t.TempDir(), testlog.HCLogger(t))
	must.NoError(t, err)
	must.Nil(t, o)
}

func TestLoad_Malformed(t *testing.T) {
	ci.Parallel(t)

	dir := writePairingFile(t, `{"vendorId": `)
	_, err := Load(dir, testlog.HCLogger(t))
	must.Error(t, err)
}

func TestLoad_Full(t *testing.T) {
	ci.Parallel(t)

	dir := writePairingFile(t, `{
		"vendorId": 4937,
		"vendorName": "Acme Bridges",
		"productId": 32768,
		"productName": "Acme Matter Bridge",
		"serialNumber": "AB-0001",
		"uniqueId": "acme-bridge-0001",
		"passcode": 20202021,
		"discriminator": 3840
	}`)

	o, err := Load(dir, testlog.HCLogger(t))
	must.NoError(t, err)
	must.NotNil(t, o)

	must.Eq(t, uint16(4937), *o.VendorID)
	must.Eq(t, "Acme Bridges", *o.VendorName)
	must.Eq(t, uint16(32768), *o.ProductID)
	must.Eq(t, "Acme Matter Bridge", *o.ProductName)
	must.Eq(t, "AB-0001", *o.SerialNumber)
	must.Eq(t, "acme-bridge-0001", *o.UniqueID)
	must.Eq(t, uint32(20202021), *o.Passcode)
	must.Eq(t, uint16(3840), *o.Discriminator)
	must.Nil(t, o.Certification)
}

func TestLoad_DropsInvalidFields(t *testing.T) {
	ci.Parallel(t)

	dir := writePairingFile(t, `{
		"vendorId": 0,
		"vendorName": "this vendor name is much longer than the thirty two character limit",
		"productId": 1,
		"productName": "Bridge",
		"serialNumber": ""
	}`)

	o, err := Load(dir, testlog.HCLogger(t))
	must.NoError(t, err)

	must.Nil(t, o.VendorID)
	must.Nil(t, o.VendorName)
	must.NotNil(t, o.ProductID)
	must.Eq(t, "Bridge", *o.ProductName)
	must.Nil(t, o.SerialNumber)
}

func TestLoad_CodesOnlyTogether(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name     string
		contents string
	}{
		{"passcode only", `{"passcode": 20202021}`},
		{"discriminator only", `{"discriminator": 3840}`},
		{"invalid passcode", `{"passcode": 11111111, "discriminator": 3840}`},
		{"invalid discriminator", `{"passcode": 20202021, "discriminator": 4096}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writePairingFile(t, tc.contents)
			o, err := Load(dir, testlog.HCLogger(t))
			must.NoError(t, err)
			must.Nil(t, o.Passcode)
			must.Nil(t, o.Discriminator)
		})
	}
}

func TestLoad_Certification(t *testing.T) {
	ci.Parallel(t)

	dir := writePairingFile(t, `{
		"privateKey": "00010203",
		"certificate": "aabbcc",
		"intermediateCertificate": "ddeeff",
		"declaration": "0a0b"
	}`)

	o, err := Load(dir, testlog.HCLogger(t))
	must.NoError(t, err)
	must.NotNil(t, o.Certification)
	must.Eq(t, []byte{0x00, 0x01, 0x02, 0x03}, o.Certification.PrivateKey)
	must.Eq(t, []byte{0xaa, 0xbb, 0xcc}, o.Certification.Certificate)
	must.Eq(t, []byte{0xdd, 0xee, 0xff}, o.Certification.IntermediateCertificate)
	must.Eq(t, []byte{0x0a, 0x0b}, o.Certification.Declaration)
}

func TestLoad_CertificationIncomplete(t *testing.T) {
	ci.Parallel(t)

	dir := writePairingFile(t, `{
		"privateKey": "00010203",
		"certificate": "aabbcc"
	}`)

	o, err := Load(dir, testlog.HCLogger(t))
	must.NoError(t, err)
	must.Nil(t, o.Certification)
}

func TestLoad_CertificationBadHex(t *testing.T) {
	ci.Parallel(t)

	dir := writePairingFile(t, `{
		"privateKey": "not hex",
		"certificate": "aabbcc",
		"intermediateCertificate": "ddeeff",
		"declaration": "0a0b"
	}`)

	o, err := Load(dir, testlog.HCLogger(t))
	must.NoError(t, err)
	must.Nil(t, o.Certification)
}
