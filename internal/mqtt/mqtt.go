// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltcore-dev/valet/internal/conf"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	// Published after a placement was committed to the resource model.
	TriggerPlacementCommitted = "valet/engine/placement/committed"
	// Published after a compute inventory sync pass.
	TriggerComputeSynced = "valet/sync/compute/synced"
	// Published after a network topology sync pass.
	TriggerTopologySynced = "valet/sync/topology/synced"
)

type Client interface {
	Connect() error
	Publish(topic string, obj any)
	Disconnect()
}

type client struct {
	conf    conf.MQTTConfig
	monitor Monitor
	// MQTT client to publish mqtt data.
	client mqtt.Client
	// Lock to prevent concurrent writes to the MQTT client.
	lock *sync.Mutex
}

// Create a client for the configured broker. Without a broker url, all
// publishes are dropped.
func NewClient(c conf.MQTTConfig, monitor Monitor) Client {
	if c.URL == "" {
		return noopClient{}
	}
	return &client{conf: c, monitor: monitor, lock: &sync.Mutex{}}
}

// Connect to the mqtt broker.
func (t *client) Connect() error {
	if t.client != nil {
		return nil
	}
	if t.monitor.connectionAttempts != nil {
		t.monitor.connectionAttempts.Inc()
	}
	slog.Info("mqtt: connecting to broker", "url", t.conf.URL)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.conf.URL)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Error("mqtt: lost connection to broker", "error", err)
	})
	opts.SetClientID("valet-" + uuid.NewString())
	opts.SetOrderMatters(false)
	opts.SetProtocolVersion(4)
	opts.SetUsername(t.conf.Username)
	opts.SetPassword(t.conf.Password)

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	t.client = c
	slog.Info("mqtt: connected to broker")
	return nil
}

// Publish mqtt data to the mqtt broker.
// In case of errors, log them out and return.
func (t *client) Publish(topic string, obj any) {
	if err := t.publish(topic, obj); err != nil {
		slog.Error("mqtt: failed to publish", "topic", topic, "error", err)
		return
	}
	slog.Debug("mqtt: published", "topic", topic)
}

func (t *client) publish(topic string, obj any) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.Connect(); err != nil {
		return err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	pub := t.client.Publish(topic, 1, false, data)
	if pub.Wait() && pub.Error() != nil {
		return pub.Error()
	}
	if t.monitor.published != nil {
		t.monitor.published.WithLabelValues(topic).Inc()
	}
	return nil
}

// Disconnect from the mqtt broker.
func (t *client) Disconnect() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.client == nil {
		return
	}
	c := t.client
	t.client = nil
	c.Disconnect(1000)
	slog.Info("mqtt: disconnected from broker")
}

type noopClient struct{}

func (noopClient) Connect() error      { return nil }
func (noopClient) Publish(string, any) {}
func (noopClient) Disconnect()         {}
