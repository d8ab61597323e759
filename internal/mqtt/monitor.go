// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	connectionAttempts prometheus.Counter
	published          *prometheus.CounterVec
}

func NewMQTTMonitor(registry *monitoring.Registry) Monitor {
	connectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_mqtt_connection_attempts_total",
		Help: "Total number of attempts to connect to the MQTT broker",
	})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_mqtt_published_total",
		Help: "Total number of messages published by topic",
	}, []string{"topic"})
	registry.MustRegister(connectionAttempts, published)
	return Monitor{
		connectionAttempts: connectionAttempts,
		published:          published,
	}
}
