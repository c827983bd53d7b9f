package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/internal/config"
	"github.com/thatsimonsguy/outlet-controller/internal/datadog"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

const publishTimeout = 5 * time.Second

// Reading is the payload an outlet publishes. TotalEnergy is today's cumulative energy in base
// units and may be omitted.
type Reading struct {
	Timestamp   int64    `json:"timestamp"`
	TotalEnergy *float64 `json:"total_energy"`
}

// Connect dials the broker. onConnect runs on every (re)connect so subscriptions survive broker
// restarts.
func Connect(cfg config.MQTT, onConnect func(mqtt.Client)) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", broker).Msg("MQTT connected")
		if onConnect != nil {
			onConnect(c)
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, token.Error())
	}
	return client, nil
}

// Bridge writes outlet telemetry into the store.
type Bridge struct {
	repo  *repository.Repository
	topic string
	qos   byte
	clock func() time.Time
}

func NewBridge(repo *repository.Repository, cfg config.MQTT, clock func() time.Time) *Bridge {
	if clock == nil {
		clock = time.Now
	}
	return &Bridge{repo: repo, topic: cfg.TelemetryTopic, qos: cfg.QoS, clock: clock}
}

// Subscribe is meant to be passed to Connect as the on-connect hook.
func (b *Bridge) Subscribe(c mqtt.Client) {
	token := c.Subscribe(b.topic, b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := b.Ingest(context.Background(), msg.Topic(), msg.Payload()); err != nil {
			log.Error().Err(err).Str("topic", msg.Topic()).Msg("Failed to ingest telemetry")
		}
	})
	if token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", b.topic).Msg("Failed to subscribe")
		return
	}
	log.Info().Str("topic", b.topic).Msg("Subscribed to telemetry")
}

// Ingest records one telemetry message.
func (b *Bridge) Ingest(ctx context.Context, topic string, payload []byte) error {
	key := OutletFromTopic(b.topic, topic)
	if key == "" {
		return fmt.Errorf("no outlet key in topic %q", topic)
	}

	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("decode telemetry for %s: %w", key, err)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("telemetry for %s has no timestamp", key)
	}

	energy := -1.0
	if r.TotalEnergy != nil && *r.TotalEnergy >= 0 {
		energy = *r.TotalEnergy
	}
	if err := b.repo.RecordTelemetry(ctx, key, r.Timestamp, energy, b.clock()); err != nil {
		return err
	}

	log.Debug().Str("device", key).Int64("timestamp", r.Timestamp).Msg("Telemetry recorded")
	datadog.Count("telemetry.messages", 1, "device:"+key)
	return nil
}

// OutletFromTopic returns the level of topic matched by the single-level wildcard in pattern.
func OutletFromTopic(pattern, topic string) string {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return ""
	}
	key := ""
	for i := range pp {
		switch pp[i] {
		case "+":
			key = tp[i]
		default:
			if pp[i] != tp[i] {
				return ""
			}
		}
	}
	return key
}
