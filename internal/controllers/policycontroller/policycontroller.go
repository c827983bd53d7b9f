package policycontroller

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/thatsimonsguy/outlet-controller/internal/activitylog"
	"github.com/thatsimonsguy/outlet-controller/internal/config"
	"github.com/thatsimonsguy/outlet-controller/internal/controllers/unplugcontroller"
	"github.com/thatsimonsguy/outlet-controller/internal/datadog"
	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/limits"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

// Controller drives every enforcement pass from a single goroutine.
type Controller struct {
	repo      *repository.Repository
	enforcer  *limits.Enforcer
	detector  *unplugcontroller.Detector
	sink      activitylog.Sink
	intervals config.Intervals
	clock     func() time.Time

	monthlyLimiter *rate.Limiter
	nudge          chan struct{}
}

func New(repo *repository.Repository, sink activitylog.Sink, intervals config.Intervals, clock func() time.Time) *Controller {
	if sink == nil {
		sink = activitylog.Nop{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		repo:           repo,
		enforcer:       limits.NewEnforcer(repo, sink),
		detector:       unplugcontroller.NewDetector(repo, sink, intervals.UnplugThreshold()),
		sink:           sink,
		intervals:      intervals,
		clock:          clock,
		monthlyLimiter: rate.NewLimiter(rate.Every(intervals.Debounce()), 1),
		nudge:          make(chan struct{}, 1),
	}
}

func RunPolicyController(ctx context.Context, c *Controller) {
	go c.Run(ctx)
}

// Run blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	log.Info().Msg("Starting policy controller")

	cancel := c.repo.Store().Subscribe(repository.CombinedLimitsPath, func(string) {
		select {
		case c.nudge <- struct{}{}:
		default:
		}
	})
	defer cancel()

	log.Info().Dur("delay", c.intervals.StartupDelay()).Msg("Initial delay before first pass")
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.intervals.StartupDelay()):
	}

	unplugTicker := time.NewTicker(c.intervals.Unplug())
	monthlyTicker := time.NewTicker(c.intervals.MonthlyLimit())
	scheduleTicker := time.NewTicker(c.intervals.Schedule())
	powerTicker := time.NewTicker(c.intervals.PowerLimit())
	sweepTicker := time.NewTicker(c.intervals.CombinedSweep())
	defer unplugTicker.Stop()
	defer monthlyTicker.Stop()
	defer scheduleTicker.Stop()
	defer powerTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Policy controller stopped")
			return
		case <-unplugTicker.C:
			c.UnplugPass(ctx)
		case <-monthlyTicker.C:
			c.MonthlyLimitPass(ctx)
		case <-c.nudge:
			c.MonthlyLimitPass(ctx)
		case <-scheduleTicker.C:
			c.SchedulePass(ctx)
		case <-powerTicker.C:
			c.PowerLimitPass(ctx)
		case <-sweepTicker.C:
			c.CombinedSweep(ctx)
		}
	}
}

// snapshot reads the devices and groups a pass works from.
func (c *Controller) snapshot(ctx context.Context, pass string) (map[string]model.Device, map[string]model.CombinedLimitSettings, bool) {
	devices, err := c.repo.ListDevices(ctx)
	if err != nil {
		log.Error().Err(err).Str("pass", pass).Msg("Could not retrieve devices")
		return nil, nil, false
	}
	groups, err := c.repo.ListCombinedLimits(ctx)
	if err != nil {
		log.Error().Err(err).Str("pass", pass).Msg("Could not retrieve combined limits")
		return nil, nil, false
	}
	return devices, groups, true
}

func (c *Controller) UnplugPass(ctx context.Context) {
	devices, err := c.repo.ListDevices(ctx)
	if err != nil {
		log.Error().Err(err).Str("pass", "unplug").Msg("Could not retrieve devices")
		return
	}
	c.detector.Run(ctx, devices, c.clock())
}

// MonthlyLimitPass enforces every combined limit. Passes closer together than the debounce
// interval are dropped.
func (c *Controller) MonthlyLimitPass(ctx context.Context) {
	now := c.clock()
	if !c.monthlyLimiter.AllowN(now, 1) {
		log.Debug().Str("pass", "monthly_limit").Msg("Debounced")
		return
	}

	devices, groups, ok := c.snapshot(ctx, "monthly_limit")
	if !ok {
		return
	}
	for _, dept := range sortedGroups(groups) {
		res, err := c.enforcer.EnforceCombined(ctx, groups[dept], devices, now)
		if err != nil {
			log.Error().Err(err).Str("department", dept).Msg("Combined limit enforcement failed")
			continue
		}
		if res.Exceeded {
			log.Debug().
				Str("department", dept).
				Float64("total", res.Total).
				Strs("forced_off", res.ForcedOff).
				Msg("Combined limit exceeded")
		}
	}
}

// SchedulePass runs the full rule chain for every device.
func (c *Controller) SchedulePass(ctx context.Context) {
	now := c.clock()
	devices, groups, ok := c.snapshot(ctx, "schedule")
	if !ok {
		return
	}

	for _, key := range repository.SortedKeys(devices) {
		in := evalInput{device: devices[key], devices: devices, now: now}
		if g, found := repository.GroupFor(groups, key); found {
			in.group = &g
		}

		verdict := evaluateDevice(in)
		log.Debug().
			Str("device", key).
			Str("rule", verdict.Rule).
			Str("action", verdict.Action.String()).
			Msg("Evaluated device")

		if err := c.execute(ctx, in.device, verdict, now); err != nil {
			log.Error().Err(err).Str("device", key).Str("rule", verdict.Rule).Msg("Failed to apply verdict")
		}
	}
}

// PowerLimitPass applies individual limits to devices outside any combined group.
func (c *Controller) PowerLimitPass(ctx context.Context) {
	now := c.clock()
	devices, groups, ok := c.snapshot(ctx, "power_limit")
	if !ok {
		return
	}
	for _, key := range repository.SortedKeys(devices) {
		if _, inGroup := repository.GroupFor(groups, key); inGroup {
			continue
		}
		d := devices[key]
		if d.Unplugged() {
			continue
		}
		if _, err := c.enforcer.EnforceIndividual(ctx, d, now); err != nil {
			log.Error().Err(err).Str("device", key).Msg("Individual limit enforcement failed")
		}
	}
}

// CombinedSweep recomputes group totals, publishes gauges and persists monthly_energy when it moved.
func (c *Controller) CombinedSweep(ctx context.Context) {
	now := c.clock()
	devices, groups, ok := c.snapshot(ctx, "combined_sweep")
	if !ok {
		return
	}

	for _, key := range repository.SortedKeys(devices) {
		monthly := energy.MonthlyEnergy(devices[key].DailyLogs, now.Year(), now.Month())
		datadog.Gauge("device.monthly_energy", monthly, "device:"+key)
	}

	for _, dept := range sortedGroups(groups) {
		g := groups[dept]
		total := limits.CombinedTotal(g, devices, now)
		datadog.Gauge("combined.monthly_energy", total, "department:"+dept)
		if g.HasLimit() {
			datadog.Gauge("combined.limit_ratio", total/g.LimitWatts, "department:"+dept)
		}
		if math.Abs(total-g.MonthlyEnergy) < 0.001 {
			continue
		}
		if err := c.repo.SetCombinedMonthlyEnergy(ctx, dept, total); err != nil {
			log.Error().Err(err).Str("department", dept).Msg("Failed to persist combined monthly energy")
		}
	}
}

func (c *Controller) execute(ctx context.Context, d model.Device, v Verdict, now time.Time) error {
	switch v.Action {
	case ActionUnplugLock:
		return c.unplugLock(ctx, d)
	case ActionForceOff:
		_, err := c.enforcer.ForceOff(ctx, d, v.Reason, now)
		return err
	case ActionLockOff, ActionSetOff:
		return c.transitionOff(ctx, d, v, now)
	case ActionSetOn:
		return c.turnOn(ctx, d.OutletKey, v, now)
	default:
		return nil
	}
}

// unplugLock makes sure an unplugged device reads UNPLUG, is off and cannot be bypassed.
func (c *Controller) unplugLock(ctx context.Context, d model.Device) error {
	if d.Status != model.StatusUnplug {
		if err := c.repo.SetRootStatus(ctx, d.OutletKey, model.StatusUnplug); err != nil {
			return err
		}
	}
	if d.ControlState != model.ControlOff {
		if err := c.repo.SetControlState(ctx, d.OutletKey, model.ControlOff); err != nil {
			return err
		}
	}
	if d.MainStatus != model.MainOff {
		if err := c.repo.SetMainStatus(ctx, d.OutletKey, model.MainOff); err != nil {
			return err
		}
	}
	return nil
}

// transitionOff locks main_status OFF so the schedule cannot flip the device back on within the
// same cycle. Status follows only when the prior control state was not on.
func (c *Controller) transitionOff(ctx context.Context, d model.Device, v Verdict, now time.Time) error {
	changed := false
	if d.ControlState != model.ControlOff {
		if err := c.repo.SetControlState(ctx, d.OutletKey, model.ControlOff); err != nil {
			return err
		}
		changed = true
		if d.ControlState != model.ControlOn && d.Status != model.StatusOff && d.Status != model.StatusUnplug {
			if err := c.repo.SetRootStatus(ctx, d.OutletKey, model.StatusOff); err != nil {
				return err
			}
		}
	}
	if d.MainStatus != model.MainOff {
		if err := c.repo.SetMainStatus(ctx, d.OutletKey, model.MainOff); err != nil {
			return err
		}
	}

	if changed {
		log.Info().Str("device", d.OutletKey).Str("reason", v.Reason).Msg("Schedule turned device off")
		c.record(ctx, activitylog.NewEvent(now, d.OutletKey, activitylog.ActionScheduleOff, v.Reason))
	}
	return nil
}

// turnOn re-reads the device and its group before switching on; a stale decision must never
// override an unplug or a limit that landed since the snapshot.
func (c *Controller) turnOn(ctx context.Context, key string, v Verdict, now time.Time) error {
	devices, groups, ok := c.snapshot(ctx, "turn_on_recheck")
	if !ok {
		return errors.New("turn-on re-check could not read current state")
	}
	d, found := devices[key]
	if !found {
		return repository.ErrDeviceNotFound
	}

	if d.Unplugged() {
		return c.unplugLock(ctx, d)
	}
	if d.IsOn() || d.Bypassed() || d.ManuallyOff() {
		return nil
	}
	if g, inGroup := repository.GroupFor(groups, key); inGroup {
		if !limits.CanGroupTurnOn(g, devices, now) {
			_, err := c.enforcer.ForceOff(ctx, d, "combined limit reached for "+g.Department, now)
			return err
		}
	} else if limits.IndividualExceeded(d, now) {
		_, err := c.enforcer.ForceOff(ctx, d, "individual monthly limit reached", now)
		return err
	}

	if err := c.repo.SetControlState(ctx, key, model.ControlOn); err != nil {
		return err
	}
	log.Info().Str("device", key).Str("reason", v.Reason).Msg("Schedule turned device on")
	c.record(ctx, activitylog.NewEvent(now, key, activitylog.ActionScheduleOn, v.Reason))
	return nil
}

func (c *Controller) record(ctx context.Context, ev activitylog.Event) {
	if err := c.sink.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("device", ev.OutletKey).Msg("Failed to record activity")
	}
}

func sortedGroups(groups map[string]model.CombinedLimitSettings) []string {
	depts := make([]string, 0, len(groups))
	for dept := range groups {
		depts = append(depts, dept)
	}
	sort.Strings(depts)
	return depts
}
