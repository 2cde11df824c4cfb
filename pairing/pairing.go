// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

// Package pairing loads the optional out-of-band identity override. A
// deployment that ships real vendor credentials drops a pairing.json next to
// its certificates; the supervisor applies whatever fields validate and runs
// with generated values for the rest.
package pairing

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/matterbridge/matterbridged/matter"
)

// FileName is the override file looked up inside the certificate directory.
const FileName = "pairing.json"

// Identity string length limits, matching what the node persists.
const (
	maxNameLen   = 32
	maxSerialLen = 32
)

// Override carries the validated fields of a pairing file. Pointers are nil
// for fields the file omitted or that failed validation.
type Override struct {
	VendorID   *uint16
	VendorName *string

	ProductID   *uint16
	ProductName *string

	DeviceType   *uint32
	SerialNumber *string
	UniqueID     *string

	// Passcode and Discriminator are only ever set together.
	Passcode      *uint32
	Discriminator *uint16

	// Certification is the decoded attestation bundle, set only when the
	// file carries all four blobs.
	Certification *matter.Certification
}

// file is the raw JSON shape of pairing.json.
type file struct {
	VendorID   *uint16 `json:"vendorId"`
	VendorName *string `json:"vendorName"`

	ProductID   *uint16 `json:"productId"`
	ProductName *string `json:"productName"`

	DeviceType   *uint32 `json:"deviceType"`
	SerialNumber *string `json:"serialNumber"`
	UniqueID     *string `json:"uniqueId"`

	Passcode      *uint32 `json:"passcode"`
	Discriminator *uint16 `json:"discriminator"`

	PrivateKey              string `json:"privateKey"`
	Certificate             string `json:"certificate"`
	IntermediateCertificate string `json:"intermediateCertificate"`
	Declaration             string `json:"declaration"`
}

// Load reads {certDir}/pairing.json. A missing file returns (nil, nil); an
// unreadable or unparsable file is an error. Individual fields that fail
// validation are dropped with a warning so a partially valid file still
// contributes what it can.
func Load(certDir string, logger hclog.Logger) (*Override, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("pairing")

	path := filepath.Join(certDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("pairing: reading %s: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pairing: parsing %s: %w", path, err)
	}

	o := &Override{}
	o.applyIdentity(&f, logger)
	o.applyCodes(&f, logger)
	o.applyCertification(&f, logger)

	logger.Info("pairing file loaded", "path", path)
	return o, nil
}

func (o *Override) applyIdentity(f *file, logger hclog.Logger) {
	if f.VendorID != nil {
		if *f.VendorID == 0 {
			logger.Warn("pairing file vendorId is zero, ignoring")
		} else {
			o.VendorID = f.VendorID
		}
	}
	if f.VendorName != nil {
		if name, ok := validName(*f.VendorName); ok {
			o.VendorName = &name
		} else {
			logger.Warn("pairing file vendorName is empty or too long, ignoring")
		}
	}
	if f.ProductID != nil {
		if *f.ProductID == 0 {
			logger.Warn("pairing file productId is zero, ignoring")
		} else {
			o.ProductID = f.ProductID
		}
	}
	if f.ProductName != nil {
		if name, ok := validName(*f.ProductName); ok {
			o.ProductName = &name
		} else {
			logger.Warn("pairing file productName is empty or too long, ignoring")
		}
	}
	if f.DeviceType != nil {
		o.DeviceType = f.DeviceType
	}
	if f.SerialNumber != nil {
		if serial := *f.SerialNumber; serial != "" && len(serial) <= maxSerialLen {
			o.SerialNumber = &serial
		} else {
			logger.Warn("pairing file serialNumber is empty or too long, ignoring")
		}
	}
	if f.UniqueID != nil && *f.UniqueID != "" {
		o.UniqueID = f.UniqueID
	}
}

// applyCodes validates passcode and discriminator. They are only applied as a
// pair: a node advertising one override without the other would never match
// its own onboarding codes.
func (o *Override) applyCodes(f *file, logger hclog.Logger) {
	if f.Passcode == nil && f.Discriminator == nil {
		return
	}
	if f.Passcode == nil || f.Discriminator == nil {
		logger.Warn("pairing file carries only one of passcode and discriminator, ignoring both")
		return
	}
	if !matter.ValidPasscode(*f.Passcode) {
		logger.Warn("pairing file passcode is not commissionable, ignoring both codes", "passcode", *f.Passcode)
		return
	}
	if !matter.ValidDiscriminator(*f.Discriminator) {
		logger.Warn("pairing file discriminator exceeds 12 bits, ignoring both codes", "discriminator", *f.Discriminator)
		return
	}
	o.Passcode = f.Passcode
	o.Discriminator = f.Discriminator
}

// applyCertification decodes the four attestation blobs. The bundle is all or
// nothing: the commissioning flow cannot present a partial chain.
func (o *Override) applyCertification(f *file, logger hclog.Logger) {
	blobs := map[string]string{
		"privateKey":              f.PrivateKey,
		"certificate":             f.Certificate,
		"intermediateCertificate": f.IntermediateCertificate,
		"declaration":             f.Declaration,
	}

	present := 0
	decoded := make(map[string][]byte, len(blobs))
	for name, blob := range blobs {
		if blob == "" {
			continue
		}
		present++
		raw, err := hex.DecodeString(blob)
		if err != nil {
			logger.Warn("pairing file blob is not valid hex, dropping certification", "field", name)
			return
		}
		decoded[name] = raw
	}

	if present == 0 {
		return
	}
	if present < len(blobs) {
		logger.Warn("pairing file certification bundle is incomplete, ignoring",
			"present", present, "required", len(blobs))
		return
	}

	o.Certification = &matter.Certification{
		PrivateKey:              decoded["privateKey"],
		Certificate:             decoded["certificate"],
		IntermediateCertificate: decoded["intermediateCertificate"],
		Declaration:             decoded["declaration"],
	}
}

func validName(s string) (string, bool) {
	if s == "" || len(s) > maxNameLen {
		return "", false
	}
	return s, true
}
