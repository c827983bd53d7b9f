package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/internal/config"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

// publisher is the part of mqtt.Client the relay needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Relay mirrors control/device onto retained relay command topics. Store callbacks only queue the
// outlet; Run does the publishing so writers are never blocked on the broker.
type Relay struct {
	repo    *repository.Repository
	pub     publisher
	pattern string
	qos     byte

	mu        sync.Mutex
	pending   map[string]struct{}
	published map[string]model.ControlState
	wake      chan struct{}
}

func NewRelay(repo *repository.Repository, pub publisher, cfg config.MQTT) *Relay {
	return &Relay{
		repo:      repo,
		pub:       pub,
		pattern:   cfg.RelayTopic,
		qos:       cfg.QoS,
		pending:   map[string]struct{}{},
		published: map[string]model.ControlState{},
		wake:      make(chan struct{}, 1),
	}
}

func (r *Relay) Topic(key string) string {
	return fmt.Sprintf(r.pattern, key)
}

// Run publishes every device once, then follows changes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	cancel := r.repo.Store().Subscribe(repository.DevicesPath, r.enqueue)
	defer cancel()

	if err := r.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("Initial relay sync failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.flush(ctx)
		}
	}
}

func (r *Relay) enqueue(changed string) {
	key := repository.DeviceKeyFromPath(changed)
	if key == "" {
		return
	}
	r.mu.Lock()
	r.pending[key] = struct{}{}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Sync publishes the current state of every device.
func (r *Relay) Sync(ctx context.Context) error {
	devices, err := r.repo.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, key := range repository.SortedKeys(devices) {
		if err := r.publish(key, devices[key].ControlState); err != nil {
			log.Error().Err(err).Str("device", key).Msg("Relay publish failed")
		}
	}
	return nil
}

func (r *Relay) flush(ctx context.Context) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	r.pending = map[string]struct{}{}
	r.mu.Unlock()
	sort.Strings(keys)

	for _, key := range keys {
		d, err := r.repo.GetDevice(ctx, key)
		if err != nil {
			r.mu.Lock()
			delete(r.published, key)
			r.mu.Unlock()
			continue
		}
		if err := r.publish(key, d.ControlState); err != nil {
			log.Error().Err(err).Str("device", key).Msg("Relay publish failed")
		}
	}
}

// publish sends state only when it differs from what was last sent for key.
func (r *Relay) publish(key string, state model.ControlState) error {
	if state == "" {
		return nil
	}
	r.mu.Lock()
	last, ok := r.published[key]
	r.mu.Unlock()
	if ok && last == state {
		return nil
	}

	token := r.pub.Publish(r.Topic(key), r.qos, true, string(state))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", key)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	r.mu.Lock()
	r.published[key] = state
	r.mu.Unlock()
	log.Info().Str("device", key).Str("state", string(state)).Msg("Relay command published")
	return nil
}
