package unplugcontroller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/internal/activitylog"
	"github.com/thatsimonsguy/outlet-controller/internal/datadog"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/notifications"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

type Transition int

const (
	NoChange Transition = iota
	Unplugged
	Reconnected
)

func (t Transition) String() string {
	switch t {
	case Unplugged:
		return "unplugged"
	case Reconnected:
		return "reconnected"
	default:
		return "none"
	}
}

type tracker struct {
	lastTimestamp     int64     // normalized heartbeat
	lastTimestampTime time.Time // when lastTimestamp was first seen
	basisWritten      bool
	lastChecked       time.Time
}

// Detector owns one heartbeat tracker per device. It is not safe for concurrent use; the policy
// loop is its only caller.
type Detector struct {
	repo      *repository.Repository
	sink      activitylog.Sink
	threshold time.Duration
	trackers  map[string]*tracker
}

func NewDetector(repo *repository.Repository, sink activitylog.Sink, threshold time.Duration) *Detector {
	if sink == nil {
		sink = activitylog.Nop{}
	}
	return &Detector{
		repo:      repo,
		sink:      sink,
		threshold: threshold,
		trackers:  map[string]*tracker{},
	}
}

// NormalizeHeartbeat converts epoch seconds to millis. Millis pass through.
func NormalizeHeartbeat(ts int64) int64 {
	if ts > 0 && ts < 1e12 {
		return ts * 1000
	}
	return ts
}

// Run checks every device once. Errors are logged per device.
func (d *Detector) Run(ctx context.Context, devices map[string]model.Device, now time.Time) {
	for _, key := range repository.SortedKeys(devices) {
		if _, err := d.Check(ctx, devices[key], now); err != nil {
			log.Error().Err(err).Str("device", key).Msg("Unplug check failed")
		}
	}
	d.forgetMissing(devices)
}

func (d *Detector) forgetMissing(devices map[string]model.Device) {
	for key := range d.trackers {
		if _, ok := devices[key]; !ok {
			delete(d.trackers, key)
		}
	}
}

// Check advances the device's state machine and performs any transition writes.
func (d *Detector) Check(ctx context.Context, dev model.Device, now time.Time) (Transition, error) {
	hb := NormalizeHeartbeat(dev.SensorTimestamp)
	if hb <= 0 {
		return NoChange, nil
	}

	t, ok := d.trackers[dev.OutletKey]
	if !ok {
		t = &tracker{lastTimestamp: hb, lastTimestampTime: now}
		d.trackers[dev.OutletKey] = t
	}
	t.lastChecked = now

	if !t.basisWritten {
		if dev.Schedule == nil || dev.Schedule.Basis == 0 {
			if err := d.repo.SetScheduleBasis(ctx, dev.OutletKey, hb); err != nil {
				return NoChange, err
			}
		}
		t.basisWritten = true
	}

	if !ok {
		return NoChange, nil
	}

	if hb != t.lastTimestamp {
		t.lastTimestamp = hb
		t.lastTimestampTime = now
		if dev.Unplugged() {
			return Reconnected, d.reconnect(ctx, dev, now)
		}
		return NoChange, nil
	}

	if dev.Unplugged() {
		return NoChange, nil
	}
	if now.Sub(t.lastTimestampTime) < d.threshold {
		return NoChange, nil
	}
	return Unplugged, d.unplug(ctx, dev, hb, now)
}

func (d *Detector) unplug(ctx context.Context, dev model.Device, basis int64, now time.Time) error {
	// the veto goes first so a concurrent turn-on sees it
	if err := d.repo.SetScheduleUnplugFlag(ctx, dev.OutletKey, true, basis); err != nil {
		return err
	}
	if err := d.repo.SetControlState(ctx, dev.OutletKey, model.ControlOff); err != nil {
		return err
	}
	if err := d.repo.SetMainStatus(ctx, dev.OutletKey, model.MainOff); err != nil {
		return err
	}
	if err := d.repo.SetRootStatus(ctx, dev.OutletKey, model.StatusUnplug); err != nil {
		return err
	}

	log.Warn().
		Str("device", dev.OutletKey).
		Dur("silent_for", d.threshold).
		Msg("Device unplugged")
	datadog.Count("unplug.detected", 1, "device:"+dev.OutletKey)
	notifications.OutletUnplugged(dev.OutletKey)
	d.record(ctx, activitylog.NewEvent(now, dev.OutletKey, activitylog.ActionUnplugged, "heartbeat unchanged"))
	return nil
}

func (d *Detector) reconnect(ctx context.Context, dev model.Device, now time.Time) error {
	if err := d.repo.SetScheduleUnplugFlag(ctx, dev.OutletKey, false, 0); err != nil {
		return err
	}
	status := model.StatusOff
	if dev.IsOn() {
		status = model.StatusOn
	}
	if err := d.repo.SetRootStatus(ctx, dev.OutletKey, status); err != nil {
		return err
	}

	log.Info().Str("device", dev.OutletKey).Str("status", string(status)).Msg("Device reconnected")
	d.record(ctx, activitylog.NewEvent(now, dev.OutletKey, activitylog.ActionReconnected, ""))
	return nil
}

func (d *Detector) record(ctx context.Context, ev activitylog.Event) {
	if err := d.sink.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("device", ev.OutletKey).Msg("Failed to record activity")
	}
}
