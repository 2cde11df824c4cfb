// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{}
	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// report unexpected keys
	if len(c.ExtraKeysHCL) != 0 {
		return nil, fmt.Errorf("invalid keys in %s: %s",
			path, strings.Join(c.ExtraKeysHCL, ", "))
	}

	return c, nil
}
