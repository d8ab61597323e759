// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"errors"
	"fmt"
)

// Check if the configuration is valid.
func (c *Config) Validate() error {
	ratios := map[string]float64{
		"cpuOvercommitRatio":  c.CPUOvercommitRatio,
		"memOvercommitRatio":  c.MemOvercommitRatio,
		"diskOvercommitRatio": c.DiskOvercommitRatio,
	}
	for name, ratio := range ratios {
		if ratio < 1 {
			return fmt.Errorf("resource.%s must be >= 1, got %v", name, ratio)
		}
	}
	if c.StandbyRatio < 0 || c.StandbyRatio >= 1 {
		return fmt.Errorf("resource.standbyRatio must be in [0, 1), got %v", c.StandbyRatio)
	}
	if c.ComputeIntervalSeconds < 0 || c.TopologyIntervalSeconds < 0 {
		return errors.New("sync intervals must not be negative")
	}
	if c.PollIntervalMillis < 0 {
		return errors.New("engine.pollIntervalMillis must not be negative")
	}
	if c.NumRegionChars < 1 {
		return fmt.Errorf("topology.numRegionChars must be positive, got %d", c.NumRegionChars)
	}
	for _, code := range append(append([]string{}, c.RackCodes...), c.NodeCodes...) {
		if len(code) != 1 {
			return fmt.Errorf("topology codes must be single characters, got %q", code)
		}
	}
	return nil
}
