// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import "time"

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `json:"level"`
	// The log format to use (json, text).
	Format string `json:"format"`
}

// Database configuration.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	// Maximum number of open connections, defaults to 16.
	MaxOpenConns int `json:"maxOpenConns,omitempty"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `json:"labels"`
	// The port to expose the metrics on.
	Port int `json:"port"`
}

// Configuration for the mqtt client.
type MQTTConfig struct {
	// The URL of the MQTT broker. If empty, no triggers are published.
	URL string `json:"url"`
	// Credentials for the MQTT broker.
	Username string `json:"username"`
	Password string `json:"password"`
}

// Configuration for the keystone authentication.
type KeystoneConfig struct {
	// The URL of the keystone service. If empty, the simulation inventory is used.
	URL string `json:"url"`
	// Availability of the nova service, such as "public", "internal", or "admin".
	Availability string `json:"availability"`
	// The OpenStack username (OS_USERNAME in openstack cli).
	OSUsername string `json:"username"`
	// The OpenStack password (OS_PASSWORD in openstack cli).
	OSPassword string `json:"password"`
	// The OpenStack project name (OS_PROJECT_NAME in openstack cli).
	OSProjectName string `json:"projectName"`
	// The OpenStack user domain name (OS_USER_DOMAIN_NAME in openstack cli).
	OSUserDomainName string `json:"userDomainName"`
	// The OpenStack project domain name (OS_PROJECT_DOMAIN_NAME in openstack cli).
	OSProjectDomainName string `json:"projectDomainName"`
}

// Configuration for the periodic sync workers.
type SyncConfig struct {
	// Seconds between two compute inventory syncs.
	ComputeIntervalSeconds int `json:"computeIntervalSeconds"`
	// Seconds between two network topology syncs.
	TopologyIntervalSeconds int `json:"topologyIntervalSeconds"`
	// Path to a yaml inventory used instead of OpenStack (simulation mode).
	SimulationInventoryPath string `json:"simulationInventoryPath,omitempty"`
}

// Configuration of the resource model.
type ResourceConfig struct {
	// Name of the datacenter (site) this engine is responsible for.
	DatacenterName string `json:"datacenterName"`
	// Overcommit ratios for cpu, memory and local disk.
	CPUOvercommitRatio  float64 `json:"cpuOvercommitRatio"`
	MemOvercommitRatio  float64 `json:"memOvercommitRatio"`
	DiskOvercommitRatio float64 `json:"diskOvercommitRatio"`
	// Fraction of capacity that is held back on every host.
	StandbyRatio float64 `json:"standbyRatio"`
}

// Configuration of the host naming convention and network layout.
type TopologyConfig struct {
	// Number of leading characters encoding the region.
	NumRegionChars int `json:"numRegionChars"`
	// Characters that may start the rack code after the region.
	RackCodes []string `json:"rackCodes"`
	// Characters that may start the node code after the rack number.
	NodeCodes []string `json:"nodeCodes"`
	// Path to a yaml network topology. If empty, synthetic switches with
	// unlimited bandwidth are generated.
	NetworkTopologyPath string `json:"networkTopologyPath,omitempty"`
}

// Configuration of the request processing loop.
type EngineConfig struct {
	// Milliseconds between two polls of the request table.
	PollIntervalMillis int `json:"pollIntervalMillis"`
	// Keyspace used for advisory lock names.
	Keyspace string `json:"keyspace"`
	// Seconds to wait for an advisory lock before giving up.
	LockTimeoutSeconds int `json:"lockTimeoutSeconds"`
}

// Configuration for the api port.
type APIConfig struct {
	// The port to expose the health endpoint on.
	Port int `json:"port"`
}

// Configuration for the valet service.
type Config struct {
	LoggingConfig    `json:"logging"`
	DBConfig         `json:"db"`
	MonitoringConfig `json:"monitoring"`
	MQTTConfig       `json:"mqtt"`
	KeystoneConfig   `json:"keystone"`
	SyncConfig       `json:"sync"`
	ResourceConfig   `json:"resource"`
	TopologyConfig   `json:"topology"`
	EngineConfig     `json:"engine"`
	APIConfig        `json:"api"`
}

// Interval between compute syncs.
func (c SyncConfig) ComputeInterval() time.Duration {
	return time.Duration(c.ComputeIntervalSeconds) * time.Second
}

// Interval between topology syncs.
func (c SyncConfig) TopologyInterval() time.Duration {
	return time.Duration(c.TopologyIntervalSeconds) * time.Second
}

// Interval between request polls.
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Maximum time spent waiting for an advisory lock.
func (c EngineConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// Fill in defaults for values that were not configured.
func (c *Config) ApplyDefaults() {
	if c.DatacenterName == "" {
		c.DatacenterName = "dc1"
	}
	if c.CPUOvercommitRatio == 0 {
		c.CPUOvercommitRatio = 1
	}
	if c.MemOvercommitRatio == 0 {
		c.MemOvercommitRatio = 1
	}
	if c.DiskOvercommitRatio == 0 {
		c.DiskOvercommitRatio = 1
	}
	if c.NumRegionChars == 0 {
		c.NumRegionChars = 4
	}
	if len(c.RackCodes) == 0 {
		c.RackCodes = []string{"r"}
	}
	if len(c.NodeCodes) == 0 {
		c.NodeCodes = []string{"a", "c", "u", "f", "o", "p", "s"}
	}
	if c.ComputeIntervalSeconds == 0 {
		c.ComputeIntervalSeconds = 3600
	}
	if c.TopologyIntervalSeconds == 0 {
		c.TopologyIntervalSeconds = 3600
	}
	if c.PollIntervalMillis == 0 {
		c.PollIntervalMillis = 1000
	}
	if c.Keyspace == "" {
		c.Keyspace = "valet"
	}
	if c.LockTimeoutSeconds == 0 {
		c.LockTimeoutSeconds = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 16
	}
}
