// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/powerflux/internal/calibration"
	"github.com/relabs-tech/powerflux/internal/config"
	"github.com/relabs-tech/powerflux/internal/link"
	"github.com/relabs-tech/powerflux/internal/pubsub"
)

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTClient is a connected paho client.
type MQTTClient struct {
	client mqtt.Client
	log    *slog.Logger
}

// DialMQTT connects to broker. The client reconnects on its own after a
// lost connection and restores subscriptions made through Subscribe.
func DialMQTT(broker, clientID string, logger *slog.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "mqtt")
	c := &MQTTClient{log: log}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("connection lost", "error", err)
		})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect %s: %w", broker, token.Error())
	}
	log.Info("connected to MQTT broker", "broker", broker, "client_id", clientID)
	return c, nil
}

// Publish sends a retained QoS 0 message and waits for it to be written.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, true, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers fn for topic.
func (c *MQTTClient) Subscribe(topic string, fn func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.log.Info("subscribed", "topic", topic)
	return nil
}

// Close disconnects, allowing 250ms for pending work.
func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}

// Topics names the relay topics.
type Topics struct {
	Sample      string
	Orientation string
	Calibration string
	Status      string
}

// TopicsFromConfig returns the configured topics.
func TopicsFromConfig(c *config.Config) Topics {
	return Topics{
		Sample:      c.TopicSample,
		Orientation: c.TopicOrientation,
		Calibration: c.TopicCalibration,
		Status:      c.TopicStatus,
	}
}

// Relay publishes frames, link status and calibration state as JSON.
type Relay struct {
	pub    Publisher
	topics Topics
	log    *slog.Logger
}

// NewRelay creates a relay writing to pub.
func NewRelay(pub Publisher, topics Topics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{pub: pub, topics: topics, log: logger.With("component", "relay")}
}

// Run publishes until ctx is cancelled or the frame subscription closes.
// Publish errors are logged and the loop keeps going.
func (r *Relay) Run(ctx context.Context, frames *pubsub.Subscription[Frame], status *pubsub.Subscription[link.Status], calib *pubsub.Subscription[calibration.State]) error {
	statusC := status.C
	calibC := calib.C
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames.C:
			if !ok {
				return nil
			}
			r.publish(r.topics.Sample, f.Sample)
			r.publish(r.topics.Orientation, newOrientationMessage(f))
		case st, ok := <-statusC:
			if !ok {
				statusC = nil
				continue
			}
			r.publish(r.topics.Status, newStatusMessage(st))
		case st, ok := <-calibC:
			if !ok {
				calibC = nil
				continue
			}
			r.publish(r.topics.Calibration, newCalibrationMessage(st))
		}
	}
}

func (r *Relay) publish(topic string, v any) {
	if topic == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error("json marshal error", "topic", topic, "error", err)
		return
	}
	if err := r.pub.Publish(topic, payload); err != nil {
		r.log.Error("MQTT publish error", "topic", topic, "error", err)
	}
}
