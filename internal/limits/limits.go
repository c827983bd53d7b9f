package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/outlet-controller/internal/activitylog"
	"github.com/thatsimonsguy/outlet-controller/internal/datadog"
	"github.com/thatsimonsguy/outlet-controller/internal/energy"
	"github.com/thatsimonsguy/outlet-controller/internal/model"
	"github.com/thatsimonsguy/outlet-controller/internal/notifications"
	"github.com/thatsimonsguy/outlet-controller/internal/repository"
)

// IndividualExceeded reports whether the device has used its whole monthly allowance.
// A zero limit never exceeds.
func IndividualExceeded(d model.Device, now time.Time) bool {
	if d.PowerLimit <= 0 {
		return false
	}
	return energy.MonthlyEnergy(d.DailyLogs, now.Year(), now.Month()) >= d.PowerLimit
}

// CombinedTotal sums this month's energy across the group's outlets.
func CombinedTotal(g model.CombinedLimitSettings, devices map[string]model.Device, now time.Time) float64 {
	return energy.CombinedMonthlyEnergy(devices, g.SelectedOutlets, now.Year(), now.Month())
}

func CombinedExceeded(g model.CombinedLimitSettings, devices map[string]model.Device, now time.Time) bool {
	if !g.HasLimit() {
		return false
	}
	return CombinedTotal(g, devices, now) >= g.LimitWatts
}

type Enforcer struct {
	repo *repository.Repository
	sink activitylog.Sink
}

func NewEnforcer(repo *repository.Repository, sink activitylog.Sink) *Enforcer {
	if sink == nil {
		sink = activitylog.Nop{}
	}
	return &Enforcer{repo: repo, sink: sink}
}

// ForceOff turns the relay off without clobbering a possibly idle status. Nothing is written when
// control is already off. Status OFF accompanies the control write only when the prior control
// state was not on.
func (e *Enforcer) ForceOff(ctx context.Context, d model.Device, reason string, now time.Time) (bool, error) {
	if d.ControlState == model.ControlOff {
		return false, nil
	}

	if err := e.repo.SetControlState(ctx, d.OutletKey, model.ControlOff); err != nil {
		return false, err
	}
	if d.ControlState != model.ControlOn && d.Status != model.StatusOff && d.Status != model.StatusUnplug {
		if err := e.repo.SetRootStatus(ctx, d.OutletKey, model.StatusOff); err != nil {
			return true, err
		}
	}

	log.Info().
		Str("device", d.OutletKey).
		Str("reason", reason).
		Msg("Forced device off")
	datadog.Count("limits.forced_off", 1, "device:"+d.OutletKey)
	e.record(ctx, activitylog.NewEvent(now, d.OutletKey, activitylog.ActionForcedOff, reason))
	return true, nil
}

// EnforceIndividual turns off a device that is on and over its own limit. Bypassed and manually
// disabled devices are left alone.
func (e *Enforcer) EnforceIndividual(ctx context.Context, d model.Device, now time.Time) (bool, error) {
	if !IndividualExceeded(d, now) {
		return false, nil
	}
	if !d.IsOn() || d.Bypassed() || d.ManuallyOff() {
		return false, nil
	}
	return e.ForceOff(ctx, d, "individual monthly limit reached", now)
}

type CombinedResult struct {
	Department string
	Total      float64
	Exceeded   bool
	ForcedOff  []string
	Changed    bool // group enforcement fields were written
}

// EnforceCombined applies a department limit to every outlet in the group. Outlets in bypass are
// skipped. Group fields are only written when they change.
func (e *Enforcer) EnforceCombined(ctx context.Context, g model.CombinedLimitSettings, devices map[string]model.Device, now time.Time) (CombinedResult, error) {
	res := CombinedResult{Department: g.Department}
	if !g.HasLimit() {
		return e.release(ctx, g, res, now)
	}

	res.Total = CombinedTotal(g, devices, now)
	res.Exceeded = res.Total >= g.LimitWatts
	if !res.Exceeded {
		return e.release(ctx, g, res, now)
	}

	reason := fmt.Sprintf("combined monthly usage %.0f reached limit %.0f", res.Total, g.LimitWatts)

	// bypass is checked per outlet before any write
	var targets []model.Device
	seen := map[string]bool{}
	for _, outlet := range g.SelectedOutlets {
		d, ok := energy.Lookup(devices, outlet)
		if !ok || seen[d.OutletKey] {
			continue
		}
		seen[d.OutletKey] = true
		if d.Bypassed() {
			log.Debug().Str("device", d.OutletKey).Str("department", g.Department).Msg("Skipping bypassed outlet")
			continue
		}
		targets = append(targets, d)
	}

	for _, d := range targets {
		changed, err := e.ForceOff(ctx, d, reason, now)
		if err != nil {
			log.Error().Err(err).Str("device", d.OutletKey).Str("department", g.Department).Msg("Failed to force outlet off")
			continue
		}
		if changed {
			res.ForcedOff = append(res.ForcedOff, d.OutletKey)
		}
	}

	if g.DeviceControl != model.ControlOff {
		if err := e.repo.SetCombinedLimitEnforcement(ctx, g.Department, model.ControlOff, reason, now); err != nil {
			return res, err
		}
		res.Changed = true
		log.Warn().
			Str("department", g.Department).
			Float64("total", res.Total).
			Float64("limit", g.LimitWatts).
			Msg("Combined limit enforced")
		datadog.Count("limits.combined_enforced", 1, "department:"+g.Department)
		notifications.CombinedLimitReached(g.Department, reason)
		e.record(ctx, groupEvent(now, g.Department, activitylog.ActionGroupEnforced, reason))
	}
	return res, nil
}

// release sets device_control back to on and clears the reason, if they are not already.
func (e *Enforcer) release(ctx context.Context, g model.CombinedLimitSettings, res CombinedResult, now time.Time) (CombinedResult, error) {
	if g.DeviceControl == model.ControlOn && g.EnforcementReason == "" {
		return res, nil
	}
	if err := e.repo.SetCombinedLimitEnforcement(ctx, g.Department, model.ControlOn, "", time.Time{}); err != nil {
		return res, err
	}
	res.Changed = true
	log.Info().Str("department", g.Department).Float64("total", res.Total).Msg("Combined limit released")
	e.record(ctx, groupEvent(now, g.Department, activitylog.ActionGroupReleased, ""))
	return res, nil
}

// CanGroupTurnOn reports whether a member of g may be switched on.
func CanGroupTurnOn(g model.CombinedLimitSettings, devices map[string]model.Device, now time.Time) bool {
	if g.DeviceControl == model.ControlOff && g.HasLimit() {
		return false
	}
	return !CombinedExceeded(g, devices, now)
}

// DetachFromGroup removes an outlet from its combined group so individual rules apply from now on.
// The outlet is turned off and loses any window it inherited from a combined schedule.
func (e *Enforcer) DetachFromGroup(ctx context.Context, d model.Device, g model.CombinedLimitSettings, now time.Time) error {
	if err := e.repo.RemoveOutletFromGroup(ctx, g.Department, d.OutletKey); err != nil {
		return err
	}
	if _, err := e.ForceOff(ctx, d, "detached from combined group "+g.Department, now); err != nil {
		return err
	}
	if err := e.repo.ClearCombinedSchedule(ctx, d.OutletKey); err != nil {
		return err
	}

	log.Info().Str("device", d.OutletKey).Str("department", g.Department).Msg("Detached outlet from combined group")
	ev := activitylog.NewEvent(now, d.OutletKey, activitylog.ActionDetached, "individual limit exceeded")
	ev.Department = g.Department
	e.record(ctx, ev)
	return nil
}

func groupEvent(now time.Time, dept string, action activitylog.Action, reason string) activitylog.Event {
	ev := activitylog.NewEvent(now, "", action, reason)
	ev.Department = dept
	return ev
}

func (e *Enforcer) record(ctx context.Context, ev activitylog.Event) {
	if err := e.sink.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("action", string(ev.Action)).Msg("Failed to record activity")
	}
}
