package mqttpub

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"shiptrack-svr/internal/config"
	"shiptrack-svr/internal/pipeline"
)

const connectTimeout = 5 * time.Second

// Publisher pushes each broadcast packet to an MQTT topic as a retained
// message, so late subscribers get the last fleet picture immediately.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// Connect dials the broker. Auto-reconnect is on; publishes made while the
// broker is away fail and are reported by the caller.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newPublisher(client, cfg.Topic), nil
}

func newPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

func (p *Publisher) Name() string { return "mqtt" }

func (p *Publisher) PublishSnapshot(ctx context.Context, snap pipeline.Snapshot) error {
	token := p.client.Publish(p.topic, 0, true, snap.Payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", p.topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", p.topic, ctx.Err())
	}
}

func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
