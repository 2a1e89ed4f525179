package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/config"
)

// Publisher minimal MQTT publish surface.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTClient paho client bound to the nurse-station broker.
type MQTTClient struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTClient connects to cfg.Broker.
func NewMQTTClient(cfg config.MQTTConfig) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &MQTTClient{client: client, qos: cfg.QoS}, nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect waits up to 250ms for in-flight work.
func (c *MQTTClient) Disconnect() {
	c.client.Disconnect(250)
}

// MQTTNotifier publishes alerts as JSON to <prefix><patient_id>.
type MQTTNotifier struct {
	publisher   Publisher
	topicPrefix string
	logger      *zap.Logger
}

func NewMQTTNotifier(publisher Publisher, topicPrefix string, logger *zap.Logger) *MQTTNotifier {
	if topicPrefix != "" && !strings.HasSuffix(topicPrefix, "/") {
		topicPrefix += "/"
	}
	return &MQTTNotifier{publisher: publisher, topicPrefix: topicPrefix, logger: logger}
}

func (n *MQTTNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	topic := n.topicPrefix + alert.PatientID
	if err := n.publisher.Publish(ctx, topic, payload); err != nil {
		return err
	}
	n.logger.Debug("Escalation published to MQTT", zap.String("topic", topic))
	return nil
}
