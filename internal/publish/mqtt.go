package publish

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/config"
)

// MQTTSink is a C9 subscriber publishing every coalesced Snapshot as a
// JSON message with the configured QoS and retain flag (retain defaults
// to false), the same connect/publish idiom as the
// teacher's own setupMqtt/publisher goroutine, generalized from one
// hardcoded *solar.Data payload to the full snapshot schema.
type MQTTSink struct {
	client mqtt.Client
	cfg    config.MQTT
}

func DialMQTT(cfg config.MQTT) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true).SetConnectRetry(true).SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, token.Error()
	}
	return &MQTTSink{client: client, cfg: cfg}, nil
}

// Run drains sub (a Publisher.Subscribe channel) until ctx is
// canceled, marshaling and publishing each coalesced Snapshot.
func (m *MQTTSink) Run(ctx context.Context, sub <-chan aggregator.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			payload, err := ToJSON(snap)
			if err != nil {
				slog.Warn("mqtt sink: marshal error", "err", err)
				continue
			}
			if err := m.Publish(payload); err != nil {
				slog.Warn("mqtt sink: publish error", "err", err)
			}
		}
	}
}

// Publish publishes a pre-marshaled payload to the configured topic.
func (m *MQTTSink) Publish(payload []byte) error {
	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, m.cfg.Retain, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return token.Error()
		}
		slog.Warn("mqtt publish timed out", "topic", m.cfg.Topic)
	}
	return nil
}

func (m *MQTTSink) Disconnect() { m.client.Disconnect(250) }
