package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gatehw/internal/config"
	"gatehw/internal/domain"
)

const mqttPublishTimeout = 5 * time.Second

// MQTT publishes events on <prefix>/<type with dots as slashes> and retains the latest
// operation snapshot on <prefix>/operations/<id>.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTT connects to the configured broker.
func NewMQTT(cfg config.Publish) (*MQTT, error) {
	mc := cfg.MQTT
	opts := mqtt.NewClientOptions()
	opts.AddBroker(mc.Broker)
	opts.SetClientID(mc.ClientID)
	if mc.Username != "" {
		opts.SetUsername(mc.Username)
	}
	if mc.Password != "" {
		opts.SetPassword(mc.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", mc.Broker, token.Error())
	}
	return NewMQTTWithClient(client, mc.TopicPrefix, mc.QoS), nil
}

func NewMQTTWithClient(client mqtt.Client, prefix string, qos byte) *MQTT {
	return &MQTT{client: client, prefix: strings.TrimSuffix(prefix, "/"), qos: qos}
}

func (m *MQTT) Name() string { return "mqtt" }

// EventTopic maps "operation.finished" to "<prefix>/operation/finished".
func (m *MQTT) EventTopic(evtType string) string {
	return m.prefix + "/" + strings.ReplaceAll(evtType, ".", "/")
}

func (m *MQTT) OperationTopic(id string) string {
	return m.prefix + "/operations/" + id
}

func (m *MQTT) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := m.client.Publish(topic, m.qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Publish(ctx context.Context, evt domain.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	return m.publish(ctx, m.EventTopic(evt.Type), false, data)
}

func (m *MQTT) MirrorOperation(ctx context.Context, op domain.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	return m.publish(ctx, m.OperationTopic(op.ID), true, data)
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
