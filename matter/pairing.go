// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// PairingCodes carries the two onboarding representations of a node's
// passcode and discriminator.
type PairingCodes struct {
	QRPairingCode     string `json:"qrPairingCode"`
	ManualPairingCode string `json:"manualPairingCode"`
}

// Passcodes the Matter specification forbids outright.
var invalidPasscodes = map[uint32]struct{}{
	0:        {},
	11111111: {},
	22222222: {},
	33333333: {},
	44444444: {},
	55555555: {},
	66666666: {},
	77777777: {},
	88888888: {},
	99999999: {},
	12345678: {},
	87654321: {},
}

const (
	passcodeMax      = 99999998
	discriminatorMax = 0xFFF
)

// ValidPasscode reports whether p may be used as a commissioning passcode.
func ValidPasscode(p uint32) bool {
	if p < 1 || p > passcodeMax {
		return false
	}
	_, invalid := invalidPasscodes[p]
	return !invalid
}

// ValidDiscriminator reports whether d fits the 12 bit discriminator space.
func ValidDiscriminator(d uint16) bool {
	return d <= discriminatorMax
}

// GeneratePasscode returns a random six digit passcode outside the forbidden
// set.
func GeneratePasscode() (uint32, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return 0, fmt.Errorf("failed to generate passcode: %w", err)
		}
		p := uint32(n.Int64()) + 100000
		if ValidPasscode(p) {
			return p, nil
		}
	}
}

// GenerateDiscriminator returns a random 12 bit discriminator.
func GenerateDiscriminator() (uint16, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(discriminatorMax+1))
	if err != nil {
		return 0, fmt.Errorf("failed to generate discriminator: %w", err)
	}
	return uint16(n.Int64()), nil
}

// Verhoeff dihedral group tables, used for the manual pairing code check
// digit.
var verhoeffD = [10][10]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
	{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
	{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
	{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
	{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
	{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
	{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
	{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
	{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
}

var verhoeffP = [8][10]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
	{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
	{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
	{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
	{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
	{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
	{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
}

var verhoeffInv = [10]int{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}

// verhoeffCheckDigit computes the Verhoeff check digit over a digit string.
func verhoeffCheckDigit(digits string) int {
	c := 0
	for i := len(digits) - 1; i >= 0; i-- {
		pos := len(digits) - i
		c = verhoeffD[c][verhoeffP[pos%8][digits[i]-'0']]
	}
	return verhoeffInv[c]
}

// ManualPairingCode encodes the 11 digit manual pairing code for a passcode
// and discriminator, without a vendor/product fallback (standard flow).
func ManualPairingCode(passcode uint32, discriminator uint16) string {
	digit1 := (uint32(discriminator) >> 10) & 0x3
	digits2to6 := (uint32(discriminator)&0x300)<<6 | passcode&0x3FFF
	digits7to10 := passcode >> 14

	var b strings.Builder
	fmt.Fprintf(&b, "%d%05d%04d", digit1, digits2to6, digits7to10)
	b.WriteString(strconv.Itoa(verhoeffCheckDigit(b.String())))
	return b.String()
}

// base38Alphabet is the Matter onboarding payload character set.
const base38Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-."

// discoveryCapabilityIP advertises that the node is reachable over IP
// networking, the only transport a bridge supervisor offers.
const discoveryCapabilityIP = 0x04

// QRPairingCode encodes the MT: onboarding payload for a node identity.
func QRPairingCode(vendorID VendorID, productID ProductID, passcode uint32, discriminator uint16) string {
	// The payload is a little endian bit string: version 3, vendor 16,
	// product 16, custom flow 2, discovery capabilities 8, discriminator 12,
	// passcode 27, padding 4. 88 bits total.
	var bits bitWriter
	bits.write(0, 3)
	bits.write(uint32(vendorID), 16)
	bits.write(uint32(productID), 16)
	bits.write(0, 2)
	bits.write(discoveryCapabilityIP, 8)
	bits.write(uint32(discriminator), 12)
	bits.write(passcode, 27)
	bits.write(0, 4)

	var b strings.Builder
	b.WriteString("MT:")
	payload := bits.bytes
	for i := 0; i < len(payload); i += 3 {
		chunk := payload[i:min(i+3, len(payload))]
		v := uint32(0)
		for j, by := range chunk {
			v |= uint32(by) << (8 * j)
		}
		// 3 bytes map to 5 base38 characters, 2 to 4, 1 to 2.
		chars := 0
		switch len(chunk) {
		case 3:
			chars = 5
		case 2:
			chars = 4
		case 1:
			chars = 2
		}
		for j := 0; j < chars; j++ {
			b.WriteByte(base38Alphabet[v%38])
			v /= 38
		}
	}
	return b.String()
}

type bitWriter struct {
	bytes []byte
	used  int
}

func (w *bitWriter) write(value uint32, width int) {
	for i := 0; i < width; i++ {
		if w.used%8 == 0 {
			w.bytes = append(w.bytes, 0)
		}
		if value&(1<<i) != 0 {
			w.bytes[w.used/8] |= 1 << (w.used % 8)
		}
		w.used++
	}
}
