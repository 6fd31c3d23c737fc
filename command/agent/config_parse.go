// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
)

// LoadConfig reads one HCL configuration file. The result is a partial
// config meant to be merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", path, err)
	}

	var config Config
	if err := hcl.Decode(&config, string(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
	}
	return &config, nil
}
