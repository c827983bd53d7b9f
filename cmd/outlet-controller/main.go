package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/db"
	"github.com/thatsimonsguy/outlet-controller/internal/activitylog"
	"github.com/thatsimonsguy/outlet-controller/internal/api"
	"github.com/thatsimonsguy/outlet-controller/internal/config"
	"github.com/thatsimonsguy/outlet-controller/internal/controllers/policycontroller"
	"github.com/thatsimonsguy/outlet-controller/internal/datadog"
	"github.com/thatsimonsguy/outlet-controller/internal/env"
	"github.com/thatsimonsguy/outlet-controller/internal/logging"
	"github.com/thatsimonsguy/outlet-controller/internal/notifications"
	"github.com/thatsimonsguy/outlet-controller/internal/registry"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
	"github.com/thatsimonsguy/outlet-controller/internal/store"
	"github.com/thatsimonsguy/outlet-controller/internal/telemetry"
	"github.com/thatsimonsguy/outlet-controller/system/shutdown"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile, true)

	log.Info().
		Str("store_driver", cfg.StoreDriver).
		Str("timezone", cfg.Timezone).
		Msg("Starting outlet controller")

	datadog.InitMetrics()
	notifications.Init(cfg.NtfyTopic)

	st, err := openStore(cfg)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open store")
		return
	}
	repo := repository.New(st)

	sinks := activitylog.Multi{activitylog.NewStoreSink(st)}
	if cfg.Kafka.Enabled() {
		k := activitylog.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		shutdown.OnShutdown("kafka", k.Close)
		sinks = append(sinks, k)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Streaming activity to Kafka")
	}

	loc := cfg.Location()
	clock := func() time.Time { return time.Now().In(loc) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl := policycontroller.New(repo, sinks, cfg.Intervals, clock)
	policycontroller.RunPolicyController(ctx, ctl)

	reg := registry.New(repo, cfg.Intervals.IdleThreshold(), clock)
	stopWatch := reg.Watch()
	shutdown.OnShutdown("registry", func() error {
		stopWatch()
		return nil
	})

	if cfg.MQTT.Enabled() {
		bridge := telemetry.NewBridge(repo, cfg.MQTT, clock)
		client, err := telemetry.Connect(cfg.MQTT, bridge.Subscribe)
		if err != nil {
			shutdown.ShutdownWithError(err, "Failed to connect to MQTT broker")
			return
		}
		shutdown.OnShutdown("mqtt", func() error {
			client.Disconnect(250)
			return nil
		})
		go telemetry.NewRelay(repo, client, cfg.MQTT).Run(ctx)
	} else {
		log.Warn().Msg("MQTT disabled; telemetry must be written to the store directly")
	}

	server := api.NewServer(ctl, reg, repo, cfg.APIRatePerSecond, cfg.APIBurst)
	go func() {
		if err := server.Start(ctx, cfg.APIPort); err != nil {
			shutdown.ShutdownWithError(err, "API server failed")
		}
	}()

	shutdown.WaitForSignal(ctx, cancel)
	shutdown.Shutdown()
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("Using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	conn, err := db.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	shutdown.OnShutdown("store", conn.Close)
	return store.NewSQLStore(conn), nil
}
