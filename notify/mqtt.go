package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
)

const (
	slotPlaceholder    = "{slot_id}"
	mqttConnectTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
)

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes slot statuses as retained messages on a per-slot topic.
type MQTTSink struct {
	client publisher
	topic  string
	qos    byte
	logger logging.Logger
}

// NewMQTTSink connects to cfg.Broker. The client reconnects on its own after the first
// connection succeeds.
func NewMQTTSink(ctx context.Context, cfg config.MQTTSinkConfig, logger logging.Logger) (*MQTTSink, error) {
	if !strings.Contains(cfg.Topic, slotPlaceholder) {
		return nil, config.NewConfigError("notify.mqtt.topic", errors.Errorf("missing %s placeholder", slotPlaceholder))
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Infow("connected to mqtt broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to mqtt broker %s", cfg.Broker)
	}
	return newMQTTSink(client, cfg, logger), nil
}

func newMQTTSink(client publisher, cfg config.MQTTSinkConfig, logger logging.Logger) *MQTTSink {
	return &MQTTSink{client: client, topic: cfg.Topic, qos: byte(cfg.QoS), logger: logger}
}

// Topic returns the topic the status of id is published on.
func (s *MQTTSink) Topic(id string) string {
	return strings.ReplaceAll(s.topic, slotPlaceholder, id)
}

// Send publishes {"status": ...} on the slot topic and waits for the broker acknowledgement
// required by the configured QoS.
func (s *MQTTSink) Send(ctx context.Context, id string, occupied bool) error {
	payload, err := json.Marshal(bodyFor(occupied))
	if err != nil {
		return NewSinkError("mqtt", id, err)
	}
	topic := s.Topic(id)
	if err := waitToken(ctx, s.client.Publish(topic, s.qos, true, payload)); err != nil {
		return NewSinkError("mqtt", id, err)
	}
	s.logger.Debugw("published slot status", "topic", topic, "payload", string(payload))
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(mqttQuiesceMillis)
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
