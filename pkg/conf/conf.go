// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// Default location of the mounted config map.
	DefaultConfigPath = "/etc/config/conf.json"
	// Default location of the mounted secrets.
	DefaultSecretsPath = "/etc/secrets/secrets.json"
)

// Implemented by config types that can fill in their own defaults.
type defaulter interface {
	ApplyDefaults()
}

// Implemented by config types that can validate themselves.
type validator interface {
	Validate() error
}

// Create a new configuration from the default config json files.
//
// This will read two files:
//   - /etc/config/conf.json (override with VALET_CONFIG_PATH)
//   - /etc/secrets/secrets.json (override with VALET_SECRETS_PATH)
//
// The values read from secrets.json will override the values in conf.json.
// A missing secrets file is tolerated, a missing config file is not.
func GetConfigOrDie[C any]() C {
	configPath := getenv("VALET_CONFIG_PATH", DefaultConfigPath)
	secretsPath := getenv("VALET_SECRETS_PATH", DefaultSecretsPath)
	c, err := GetConfig[C](configPath, secretsPath)
	if err != nil {
		panic(err)
	}
	return c
}

// Read, merge, default and validate the configuration from the given paths.
func GetConfig[C any](configPath, secretsPath string) (C, error) {
	var zero C
	// Note: We need to read the config as a raw map first, to avoid golang
	// unmarshalling default values for the fields.
	cmConf, err := readRawConfig(configPath)
	if err != nil {
		return zero, fmt.Errorf("failed to read config: %w", err)
	}
	secretConf, err := readRawConfig(secretsPath)
	if errors.Is(err, os.ErrNotExist) {
		secretConf = map[string]any{}
	} else if err != nil {
		return zero, fmt.Errorf("failed to read secrets: %w", err)
	}
	c, err := newConfigFromMaps[C](cmConf, secretConf)
	if err != nil {
		return zero, err
	}
	if d, ok := any(&c).(defaulter); ok {
		d.ApplyDefaults()
	}
	if v, ok := any(&c).(validator); ok {
		if err := v.Validate(); err != nil {
			return zero, fmt.Errorf("invalid config: %w", err)
		}
	}
	return c, nil
}

func newConfigFromMaps[C any](base, override map[string]any) (C, error) {
	var c C
	// Merge the base config with the override config.
	mergedConf := mergeMaps(base, override)
	// Marshal again, and then unmarshal into the config struct.
	mergedBytes, err := json.Marshal(mergedConf)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(mergedBytes, &c); err != nil {
		return c, err
	}
	return c, nil
}

// Read the json as a map from the given file path.
func readRawConfig(filepath string) (map[string]any, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return readRawConfigFromBytes(bytes)
}

func readRawConfigFromBytes(data []byte) (map[string]any, error) {
	var conf map[string]any
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// mergeMaps recursively overrides dst with src (in-place)
func mergeMaps(dst, src map[string]any) map[string]any {
	result := dst
	for k, v := range src {
		if v == nil {
			// If src value is nil, skip override
			continue
		}
		if dstVal, ok := dst[k]; ok {
			// If both are maps, merge recursively
			dstMap, dstIsMap := dstVal.(map[string]any)
			srcMap, srcIsMap := v.(map[string]any)
			if dstIsMap && srcIsMap {
				result[k] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		// Otherwise, override
		result[k] = v
	}
	return result
}

func getenv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
