package occupancy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vigil/internal/config"
	"vigil/internal/livecount"
	"vigil/internal/logging"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttDisconnectMs   = 250
)

// MQTTSink publishes each message to <topic_prefix>/<streamId>.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTSink connects to the configured broker.
func NewMQTTSink(cfg config.MQTT, logger *slog.Logger) (*MQTTSink, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting",
			logging.String("broker", broker),
			logging.Error(err),
		)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return &MQTTSink{client: client, prefix: cfg.TopicPrefix, qos: byte(cfg.QoS)}, nil
}

// Name implements livecount.Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Forward implements livecount.Sink.
func (s *MQTTSink) Forward(ctx context.Context, msg livecount.Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	topic := Topic(s.prefix, msg.StreamID)
	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(mqttDisconnectMs)
	}
	return nil
}
