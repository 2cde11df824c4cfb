// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package matter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/hashicorp/go-uuid"
	goversion "github.com/hashicorp/go-version"
)

// Fallbacks applied when a plugin ships an unparsable version.
const (
	FallbackSoftwareVersion       uint32 = 1
	FallbackSoftwareVersionString        = "1.0.0"
	FallbackHardwareVersion       uint16 = 1
)

// SoftwareVersionFromString maps a semantic version to the uint32 the basic
// information cluster carries. Malformed input falls back to 1.
func SoftwareVersionFromString(s string) uint32 {
	v, err := goversion.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return FallbackSoftwareVersion
	}
	segments := v.Segments()
	for len(segments) < 3 {
		segments = append(segments, 0)
	}
	major, minor, patch := clampSegment(segments[0], 4095), clampSegment(segments[1], 999), clampSegment(segments[2], 999)
	return uint32(major)*1_000_000 + uint32(minor)*1_000 + uint32(patch)
}

// NormalizeSoftwareVersionString returns s when it parses as a version and
// the "1.0.0" fallback otherwise.
func NormalizeSoftwareVersionString(s string) string {
	s = strings.TrimSpace(s)
	if _, err := goversion.NewVersion(s); err != nil {
		return FallbackSoftwareVersionString
	}
	return s
}

// HardwareVersionFromString maps a version string to the uint16 hardware
// version. Malformed input falls back to 1.
func HardwareVersionFromString(s string) uint16 {
	v, err := goversion.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return FallbackHardwareVersion
	}
	segments := v.Segments()
	for len(segments) < 2 {
		segments = append(segments, 0)
	}
	major, minor := clampSegment(segments[0], 655), clampSegment(segments[1], 99)
	return uint16(major)*100 + uint16(minor)
}

func clampSegment(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// DeriveUniqueID builds a stable 32 character unique ID from identity parts.
// The same parts always derive the same ID, so bridged devices keep their
// identity across restarts.
func DeriveUniqueID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:32]
}

// GenerateUniqueID returns a random unique ID for nodes without derivable
// identity parts.
func GenerateUniqueID() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id, "-", ""), nil
}
